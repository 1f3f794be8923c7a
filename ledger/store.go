/*
store.go - Persistence contract consumed by the reconciliation engine

PURPOSE:
  Defines the primitive read/write operations the engine needs from the
  storage collaborator, plus the transactional wrapper that makes a ledger
  write and its compensating stock write one atomic unit.

THE CONDITIONAL STOCK UPDATE:
  UpdateStock is a compare-and-swap: "set stock to newStock only if it still
  equals expectedStock". A plain read-then-write pair across two round-trips
  permits lost updates when two operations race on the same medication, so
  the engine only ever writes stock through this conditional form, inside
  WithTx, and retries on ErrStockConflict.

IMPLEMENTATIONS:
  store/sqlite:  SQLite-backed, production path
  ledger/store:  in-memory, tests and dev

SEE ALSO:
  - engine.go: the only writer of stock values
*/
package ledger

import (
	"context"
	"time"
)

// Store provides the primitive persistence operations for the usage ledger
// and the stock table. Get operations return nil (no error) when the record
// does not exist.
type Store interface {
	GetPatient(ctx context.Context, id PatientID) (*Patient, error)
	GetMedication(ctx context.Context, id MedicationID) (*Medication, error)
	GetHospital(ctx context.Context, id HospitalID) (*Hospital, error)
	GetUsage(ctx context.Context, id EventID) (*UsageEvent, error)

	// InsertUsage adds a new event to the ledger.
	InsertUsage(ctx context.Context, ev UsageEvent) error

	// UpdateUsage mutates the two mutable fields of an event. References and
	// UnitCostAtTime are never written by this operation.
	UpdateUsage(ctx context.Context, id EventID, quantity int, administeredAt time.Time) error

	// DeleteUsage removes an event from the ledger.
	DeleteUsage(ctx context.Context, id EventID) error

	// UpdateStock sets the medication's current stock to newStock only if it
	// still equals expectedStock. Returns ErrStockConflict when the
	// expectation no longer holds, ErrNotFound when the medication is gone.
	UpdateStock(ctx context.Context, id MedicationID, newStock, expectedStock int) error

	// ListUsage returns the whole ledger, most recently administered first.
	ListUsage(ctx context.Context) ([]UsageEvent, error)

	// ListUsageByPatient returns a patient's events, most recent first.
	ListUsageByPatient(ctx context.Context, id PatientID) ([]UsageEvent, error)

	// ListUsageByMedication returns a medication's events, most recent first.
	ListUsageByMedication(ctx context.Context, id MedicationID) ([]UsageEvent, error)

	ListPatients(ctx context.Context) ([]Patient, error)
	ListMedications(ctx context.Context) ([]Medication, error)
	ListHospitals(ctx context.Context) ([]Hospital, error)
}

// TxStore is a Store whose writes can be grouped into one atomic unit.
type TxStore interface {
	Store

	// WithTx executes fn against a transactional view of the store. If fn
	// returns an error, none of its writes are observable.
	WithTx(ctx context.Context, fn func(Store) error) error
}
