/*
Package ledger provides the medication usage ledger and stock reconciliation core.

PURPOSE:
  This package contains the domain types and algorithms that keep a
  medication's on-hand stock count consistent with the history of usage
  events that consumed it. Every create, edit, and delete of a usage event
  carries exactly one compensating stock adjustment, applied in the same
  atomic unit.

KEY CONCEPTS IN THIS FILE (types.go):
  - Medication: catalog entry with authoritative current stock and threshold
  - UsageEvent: one quantity of one medication given to one patient
  - Patient/Hospital: master-data references carried by usage events
  - Typed IDs: prevent mixing patient/medication/hospital identifiers

DESIGN PRINCIPLES:
  1. Stock is derived-consistent: current stock always equals initial stock
     minus the quantities of all live usage events for that medication.
  2. Precision: decimal.Decimal for all costs, never float64.
  3. Point-in-time cost: UnitCostAtTime is copied from the catalog when the
     event is created and is never refreshed afterwards.

SEE ALSO:
  - engine.go: create/update/delete with atomic stock reconciliation
  - aggregate.go: derived read-only views (low stock, cost totals)
  - store.go: persistence contract consumed by the engine
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type PatientID string
type MedicationID string
type HospitalID string
type EventID string

// =============================================================================
// MEDICATION - Catalog entry with authoritative stock
// =============================================================================

// Medication is a catalog entry. CurrentStock is the authoritative on-hand
// count; it is only ever mutated together with a ledger write, by the exact
// delta that write implies. A negative CurrentStock is representable: it
// signals that administration ran ahead of inventory, and is surfaced through
// the low-stock view rather than rejected or clamped.
type Medication struct {
	ID            MedicationID
	Name          string
	UnitCost      decimal.Decimal
	CurrentStock  int
	MinStockLevel int
	CreatedAt     time.Time
}

// =============================================================================
// USAGE EVENT - One ledger entry
// =============================================================================

// UsageEvent records a quantity of one medication consumed by one patient at
// one hospital at a point in time.
//
// INVARIANTS:
//   - Quantity is always positive.
//   - UnitCostAtTime is fixed at creation; catalog price changes and later
//     edits to Quantity or AdministeredAt never touch it.
//   - PatientID, MedicationID, and HospitalID are immutable after creation.
//     Moving an event to another medication is modeled as delete + create.
type UsageEvent struct {
	ID             EventID
	PatientID      PatientID
	MedicationID   MedicationID
	HospitalID     HospitalID
	Quantity       int
	UnitCostAtTime decimal.Decimal
	AdministeredAt time.Time
	CreatedAt      time.Time
}

// Cost returns Quantity x UnitCostAtTime for this event.
func (e UsageEvent) Cost() decimal.Decimal {
	return e.UnitCostAtTime.Mul(decimal.NewFromInt(int64(e.Quantity)))
}

// =============================================================================
// MASTER DATA - Referenced by usage events
// =============================================================================

type Patient struct {
	ID                  PatientID
	Name                string
	MedicalRecordNumber string
	CreatedAt           time.Time
}

type Hospital struct {
	ID        HospitalID
	Name      string
	CreatedAt time.Time
}
