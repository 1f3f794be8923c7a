/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY FIELDS:
  Costs are serialized as decimal strings ("12.50"), never as floats.

VALIDATION:
  Validation is done in handlers and in the engine, not in DTOs. DTOs are
  pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/medledger/ledger"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// PatientDTO represents a patient in API responses.
type PatientDTO struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	MedicalRecordNumber string `json:"medical_record_number"`
	CreatedAt           string `json:"created_at,omitempty"`
}

// SavePatientRequest creates or updates a patient.
type SavePatientRequest struct {
	ID                  string `json:"id,omitempty"`
	Name                string `json:"name"`
	MedicalRecordNumber string `json:"medical_record_number"`
}

// HospitalDTO represents a hospital in API responses.
type HospitalDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at,omitempty"`
}

// SaveHospitalRequest creates or updates a hospital.
type SaveHospitalRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

// MedicationDTO represents a catalog entry. LowStock is derived from
// current_stock and min_stock_level at serialization time, never stored.
type MedicationDTO struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	UnitCost      string `json:"unit_cost"`
	CurrentStock  int    `json:"current_stock"`
	MinStockLevel int    `json:"min_stock_level"`
	LowStock      bool   `json:"low_stock"`
	CreatedAt     string `json:"created_at,omitempty"`
}

// SaveMedicationRequest creates or updates a catalog entry. CurrentStock is
// only honored on create, as the initial stock count.
type SaveMedicationRequest struct {
	ID            string `json:"id,omitempty"`
	Name          string `json:"name"`
	UnitCost      string `json:"unit_cost"`
	CurrentStock  int    `json:"current_stock"`
	MinStockLevel int    `json:"min_stock_level"`
}

// UsageDTO represents a usage event in API responses.
type UsageDTO struct {
	ID             string `json:"id"`
	PatientID      string `json:"patient_id"`
	MedicationID   string `json:"medication_id"`
	HospitalID     string `json:"hospital_id"`
	Quantity       int    `json:"quantity"`
	UnitCostAtTime string `json:"unit_cost_at_time"`
	TotalCost      string `json:"total_cost"`
	AdministeredAt string `json:"administered_at"`
	CreatedAt      string `json:"created_at,omitempty"`
}

// RecordUsageRequest records a new usage event.
type RecordUsageRequest struct {
	PatientID      string `json:"patient_id"`
	MedicationID   string `json:"medication_id"`
	HospitalID     string `json:"hospital_id"`
	Quantity       int    `json:"quantity"`
	AdministeredAt string `json:"administered_at"`
}

// UpdateUsageRequest edits an existing usage event. Only quantity and
// administered_at are accepted; references are immutable.
type UpdateUsageRequest struct {
	Quantity       int    `json:"quantity"`
	AdministeredAt string `json:"administered_at"`
}

// PatientTotalCostDTO is the cost summary for one patient.
type PatientTotalCostDTO struct {
	PatientID string `json:"patient_id"`
	TotalCost string `json:"total_cost"`
}

// DashboardDTO is the point-in-time system summary.
type DashboardDTO struct {
	TotalPatients    int    `json:"total_patients"`
	TotalMedications int    `json:"total_medications"`
	LowStockItems    int    `json:"low_stock_items"`
	TotalCost        string `json:"total_cost"`
}

// ErrorResponse is the standard error payload.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toPatientDTO(p ledger.Patient) PatientDTO {
	return PatientDTO{
		ID:                  string(p.ID),
		Name:                p.Name,
		MedicalRecordNumber: p.MedicalRecordNumber,
		CreatedAt:           p.CreatedAt.Format(time.RFC3339),
	}
}

func toHospitalDTO(h ledger.Hospital) HospitalDTO {
	return HospitalDTO{
		ID:        string(h.ID),
		Name:      h.Name,
		CreatedAt: h.CreatedAt.Format(time.RFC3339),
	}
}

func toMedicationDTO(m ledger.Medication) MedicationDTO {
	return MedicationDTO{
		ID:            string(m.ID),
		Name:          m.Name,
		UnitCost:      m.UnitCost.StringFixed(2),
		CurrentStock:  m.CurrentStock,
		MinStockLevel: m.MinStockLevel,
		LowStock:      ledger.IsLowStock(m),
		CreatedAt:     m.CreatedAt.Format(time.RFC3339),
	}
}

func toUsageDTO(ev ledger.UsageEvent) UsageDTO {
	return UsageDTO{
		ID:             string(ev.ID),
		PatientID:      string(ev.PatientID),
		MedicationID:   string(ev.MedicationID),
		HospitalID:     string(ev.HospitalID),
		Quantity:       ev.Quantity,
		UnitCostAtTime: ev.UnitCostAtTime.StringFixed(2),
		TotalCost:      ev.Cost().StringFixed(2),
		AdministeredAt: ev.AdministeredAt.Format(time.RFC3339),
		CreatedAt:      ev.CreatedAt.Format(time.RFC3339),
	}
}

func toUsageDTOs(events []ledger.UsageEvent) []UsageDTO {
	dtos := make([]UsageDTO, len(events))
	for i, ev := range events {
		dtos[i] = toUsageDTO(ev)
	}
	return dtos
}
