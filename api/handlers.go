/*
handlers.go - HTTP API handlers for the medication usage ledger

PURPOSE:
  Exposes the reconciliation engine and aggregation views via REST API.
  Handles HTTP request/response, JSON serialization, and delegates to the
  domain logic.

ENDPOINTS:
  Usage ledger:
    GET    /api/usage                      List all usage events
    GET    /api/usage/{id}                 Get one usage event
    POST   /api/usage                      Record usage (stock decremented)
    PUT    /api/usage/{id}                 Edit quantity/time (stock adjusted)
    DELETE /api/usage/{id}                 Delete usage (stock restored)

  Patients:
    GET    /api/patients                   List patients
    POST   /api/patients                   Create/update patient
    GET    /api/patients/{id}/usage        Patient's usage history
    GET    /api/patients/{id}/total-cost   Patient's cost total
    DELETE /api/patients/{id}              Delete patient

  Medications:
    GET    /api/medications                List catalog (with low_stock flag)
    POST   /api/medications                Create/update catalog entry
    GET    /api/medications/{id}           Get one entry
    GET    /api/medications/{id}/usage     Medication's ledger
    DELETE /api/medications/{id}           Delete entry

  Hospitals:
    GET/POST /api/hospitals, DELETE /api/hospitals/{id}

  Dashboard:
    GET    /api/dashboard                  Derived totals

ERROR HANDLING:
  Errors are returned as JSON with status mapped from the error kind:
  - 400: invalid quantity, malformed input
  - 404: missing patient/medication/hospital/event
  - 409: retry budget exhausted on stock contention
  - 500: broken stock/ledger invariant, internal errors
  - 503: storage collaborator unavailable

SEE ALSO:
  - dto.go: request/response data structures
  - server.go: router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/medledger/ledger"
	"github.com/warp/medledger/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      *sqlite.Store
	Engine     *ledger.Engine
	Aggregator *ledger.Aggregator
}

// NewHandler creates a new handler with the given store.
func NewHandler(store *sqlite.Store) *Handler {
	return &Handler{
		Store:      store,
		Engine:     ledger.NewEngine(store),
		Aggregator: ledger.NewAggregator(store),
	}
}

// =============================================================================
// USAGE HANDLERS
// =============================================================================

// ListUsage returns the whole ledger, most recently administered first.
func (h *Handler) ListUsage(w http.ResponseWriter, r *http.Request) {
	events, err := h.Store.ListUsage(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list usage events", err)
		return
	}
	writeJSON(w, http.StatusOK, toUsageDTOs(events))
}

// GetUsage returns a single usage event.
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	id := ledger.EventID(chi.URLParam(r, "id"))

	ev, err := h.Store.GetUsage(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get usage event", err)
		return
	}
	if ev == nil {
		writeError(w, http.StatusNotFound, "Usage event not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toUsageDTO(*ev))
}

// RecordUsage records a new usage event and decrements stock atomically.
func (h *Handler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	var req RecordUsageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	administeredAt, err := parseTimestamp(req.AdministeredAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid administered_at (use RFC3339)", err)
		return
	}

	ev, err := h.Engine.RecordUsage(r.Context(), ledger.UsageInput{
		PatientID:      ledger.PatientID(req.PatientID),
		MedicationID:   ledger.MedicationID(req.MedicationID),
		HospitalID:     ledger.HospitalID(req.HospitalID),
		Quantity:       req.Quantity,
		AdministeredAt: administeredAt,
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toUsageDTO(*ev))
}

// UpdateUsage edits an event's quantity and time, adjusting stock by the delta.
func (h *Handler) UpdateUsage(w http.ResponseWriter, r *http.Request) {
	id := ledger.EventID(chi.URLParam(r, "id"))

	var req UpdateUsageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	administeredAt, err := parseTimestamp(req.AdministeredAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid administered_at (use RFC3339)", err)
		return
	}

	ev, err := h.Engine.UpdateUsage(r.Context(), id, req.Quantity, administeredAt)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toUsageDTO(*ev))
}

// DeleteUsage removes an event and restores its quantity to stock.
func (h *Handler) DeleteUsage(w http.ResponseWriter, r *http.Request) {
	id := ledger.EventID(chi.URLParam(r, "id"))

	if err := h.Engine.DeleteUsage(r.Context(), id); err != nil {
		writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"deleted": string(id)})
}

// =============================================================================
// PATIENT HANDLERS
// =============================================================================

// ListPatients returns all patients.
func (h *Handler) ListPatients(w http.ResponseWriter, r *http.Request) {
	patients, err := h.Store.ListPatients(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list patients", err)
		return
	}

	dtos := make([]PatientDTO, len(patients))
	for i, p := range patients {
		dtos[i] = toPatientDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SavePatient creates or updates a patient.
func (h *Handler) SavePatient(w http.ResponseWriter, r *http.Request) {
	var req SavePatientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Name == "" || req.MedicalRecordNumber == "" {
		writeError(w, http.StatusBadRequest, "name and medical_record_number are required", nil)
		return
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	p := ledger.Patient{
		ID:                  ledger.PatientID(req.ID),
		Name:                req.Name,
		MedicalRecordNumber: req.MedicalRecordNumber,
	}
	if err := h.Store.SavePatient(r.Context(), p); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save patient", err)
		return
	}

	writeJSON(w, http.StatusCreated, toPatientDTO(p))
}

// GetPatientUsage returns a patient's usage history.
func (h *Handler) GetPatientUsage(w http.ResponseWriter, r *http.Request) {
	id := ledger.PatientID(chi.URLParam(r, "id"))

	patient, err := h.Store.GetPatient(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get patient", err)
		return
	}
	if patient == nil {
		writeError(w, http.StatusNotFound, "Patient not found", nil)
		return
	}

	events, err := h.Store.ListUsageByPatient(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list usage events", err)
		return
	}

	writeJSON(w, http.StatusOK, toUsageDTOs(events))
}

// GetPatientTotalCost returns the patient's cost total, computed from the
// stored per-event costs.
func (h *Handler) GetPatientTotalCost(w http.ResponseWriter, r *http.Request) {
	id := ledger.PatientID(chi.URLParam(r, "id"))

	total, err := h.Aggregator.PatientTotalCost(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, PatientTotalCostDTO{
		PatientID: string(id),
		TotalCost: total.StringFixed(2),
	})
}

// DeletePatient removes a patient.
func (h *Handler) DeletePatient(w http.ResponseWriter, r *http.Request) {
	id := ledger.PatientID(chi.URLParam(r, "id"))

	if err := h.Store.DeletePatient(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete patient", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": string(id)})
}

// =============================================================================
// MEDICATION HANDLERS
// =============================================================================

// ListMedications returns the catalog with derived low-stock flags.
func (h *Handler) ListMedications(w http.ResponseWriter, r *http.Request) {
	medications, err := h.Store.ListMedications(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list medications", err)
		return
	}

	dtos := make([]MedicationDTO, len(medications))
	for i, m := range medications {
		dtos[i] = toMedicationDTO(m)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetMedication returns a single catalog entry.
func (h *Handler) GetMedication(w http.ResponseWriter, r *http.Request) {
	id := ledger.MedicationID(chi.URLParam(r, "id"))

	med, err := h.Store.GetMedication(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get medication", err)
		return
	}
	if med == nil {
		writeError(w, http.StatusNotFound, "Medication not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toMedicationDTO(*med))
}

// SaveMedication creates or updates a catalog entry. Editing never touches
// current_stock; stock moves only with ledger writes.
func (h *Handler) SaveMedication(w http.ResponseWriter, r *http.Request) {
	var req SaveMedicationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required", nil)
		return
	}

	unitCost, err := decimal.NewFromString(req.UnitCost)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid unit_cost (use a decimal string)", err)
		return
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	med := ledger.Medication{
		ID:            ledger.MedicationID(req.ID),
		Name:          req.Name,
		UnitCost:      unitCost,
		CurrentStock:  req.CurrentStock,
		MinStockLevel: req.MinStockLevel,
	}
	if err := h.Store.SaveMedication(r.Context(), med); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save medication", err)
		return
	}

	// Re-read: on update the stored stock, not the request's, is current.
	saved, err := h.Store.GetMedication(r.Context(), med.ID)
	if err != nil || saved == nil {
		writeError(w, http.StatusInternalServerError, "Failed to read back medication", err)
		return
	}
	writeJSON(w, http.StatusCreated, toMedicationDTO(*saved))
}

// GetMedicationUsage returns the ledger entries for one medication.
func (h *Handler) GetMedicationUsage(w http.ResponseWriter, r *http.Request) {
	id := ledger.MedicationID(chi.URLParam(r, "id"))

	med, err := h.Store.GetMedication(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get medication", err)
		return
	}
	if med == nil {
		writeError(w, http.StatusNotFound, "Medication not found", nil)
		return
	}

	events, err := h.Store.ListUsageByMedication(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list usage events", err)
		return
	}
	writeJSON(w, http.StatusOK, toUsageDTOs(events))
}

// DeleteMedication removes a catalog entry.
func (h *Handler) DeleteMedication(w http.ResponseWriter, r *http.Request) {
	id := ledger.MedicationID(chi.URLParam(r, "id"))

	if err := h.Store.DeleteMedication(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete medication", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": string(id)})
}

// =============================================================================
// HOSPITAL HANDLERS
// =============================================================================

// ListHospitals returns all hospitals.
func (h *Handler) ListHospitals(w http.ResponseWriter, r *http.Request) {
	hospitals, err := h.Store.ListHospitals(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list hospitals", err)
		return
	}

	dtos := make([]HospitalDTO, len(hospitals))
	for i, hosp := range hospitals {
		dtos[i] = toHospitalDTO(hosp)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SaveHospital creates or updates a hospital.
func (h *Handler) SaveHospital(w http.ResponseWriter, r *http.Request) {
	var req SaveHospitalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required", nil)
		return
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	hosp := ledger.Hospital{ID: ledger.HospitalID(req.ID), Name: req.Name}
	if err := h.Store.SaveHospital(r.Context(), hosp); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save hospital", err)
		return
	}
	writeJSON(w, http.StatusCreated, toHospitalDTO(hosp))
}

// DeleteHospital removes a hospital.
func (h *Handler) DeleteHospital(w http.ResponseWriter, r *http.Request) {
	id := ledger.HospitalID(chi.URLParam(r, "id"))

	if err := h.Store.DeleteHospital(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete hospital", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": string(id)})
}

// =============================================================================
// DASHBOARD
// =============================================================================

// GetDashboard returns derived totals, recomputed on every call.
func (h *Handler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	totals, err := h.Aggregator.Totals(r.Context())
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, DashboardDTO{
		TotalPatients:    totals.Patients,
		TotalMedications: totals.Medications,
		LowStockItems:    totals.LowStock,
		TotalCost:        totals.TotalCost.StringFixed(2),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Now().UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		// Accept the datetime-local shape the original UI submitted.
		t, err = time.Parse("2006-01-02T15:04", s)
	}
	return t, err
}

// writeLedgerError maps the ledger error kinds onto HTTP statuses.
func writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidQuantity):
		writeError(w, http.StatusBadRequest, "Invalid quantity", err)
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, ledger.ErrConflict):
		writeError(w, http.StatusConflict, "Concurrent stock contention, retry", err)
	case errors.Is(err, ledger.ErrInconsistent):
		writeError(w, http.StatusInternalServerError, "Ledger inconsistency detected", err)
	case errors.Is(err, ledger.ErrStorageUnavailable):
		writeError(w, http.StatusServiceUnavailable, "Storage unavailable", err)
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
