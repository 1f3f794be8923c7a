/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/usage/*        Usage ledger mutations and reads
  /api/patients/*     Patient records and cost totals
  /api/medications/*  Catalog and per-medication ledger
  /api/hospitals/*    Hospital records
  /api/dashboard      Derived totals

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Usage ledger routes
		r.Route("/usage", func(r chi.Router) {
			r.Get("/", h.ListUsage)
			r.Post("/", h.RecordUsage)
			r.Get("/{id}", h.GetUsage)
			r.Put("/{id}", h.UpdateUsage)
			r.Delete("/{id}", h.DeleteUsage)
		})

		// Patient routes
		r.Route("/patients", func(r chi.Router) {
			r.Get("/", h.ListPatients)
			r.Post("/", h.SavePatient)
			r.Get("/{id}/usage", h.GetPatientUsage)
			r.Get("/{id}/total-cost", h.GetPatientTotalCost)
			r.Delete("/{id}", h.DeletePatient)
		})

		// Medication routes
		r.Route("/medications", func(r chi.Router) {
			r.Get("/", h.ListMedications)
			r.Post("/", h.SaveMedication)
			r.Get("/{id}", h.GetMedication)
			r.Get("/{id}/usage", h.GetMedicationUsage)
			r.Delete("/{id}", h.DeleteMedication)
		})

		// Hospital routes
		r.Route("/hospitals", func(r chi.Router) {
			r.Get("/", h.ListHospitals)
			r.Post("/", h.SaveHospital)
			r.Delete("/{id}", h.DeleteHospital)
		})

		// Dashboard
		r.Get("/dashboard", h.GetDashboard)
	})

	return r
}
