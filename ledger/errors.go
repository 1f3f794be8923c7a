/*
errors.go - Centralized error types for the reconciliation core

PURPOSE:
  All error kinds in one place. Callers classify with errors.Is against the
  sentinels, or errors.As against the structured types for context.

ERROR CATEGORIES:
  1. Caller errors  - missing references, non-positive quantities
  2. Contention     - optimistic retry exhausted on a medication's stock
  3. Invariant      - referential or stock invariant broken mid-operation
  4. Storage        - the persistence collaborator failed

PROPAGATION POLICY:
  NotFound and InvalidQuantity surface immediately and are never retried.
  StockConflict is internal: the engine retries it a bounded number of times
  and surfaces Conflict only on exhaustion. Inconsistent is logged by the
  engine before returning, since it indicates a broken invariant rather than
  bad input. StorageUnavailable is surfaced only after the enclosing
  transaction has rolled back.

SEE ALSO:
  - engine.go: retry loop and error classification
  - store/sqlite: maps driver failures onto these kinds
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a referenced patient, medication, hospital,
	// or usage event does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidQuantity is returned when a quantity is zero or negative.
	ErrInvalidQuantity = errors.New("invalid quantity")

	// ErrStockConflict is returned by a Store when a conditional stock update
	// finds the stock value changed since it was read. The engine retries
	// these; callers should never observe one directly.
	ErrStockConflict = errors.New("stock value changed since read")

	// ErrConflict is returned when the bounded retry budget is exhausted by
	// repeated contention on the same medication.
	ErrConflict = errors.New("concurrent stock contention")

	// ErrInconsistent is returned when the stock/ledger invariant cannot be
	// reconciled, e.g. the medication referenced by an event vanished.
	ErrInconsistent = errors.New("stock ledger inconsistent")

	// ErrStorageUnavailable is returned when the persistence collaborator
	// fails. The operation has fully rolled back when this surfaces.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError identifies which reference was missing.
type NotFoundError struct {
	Kind string // "patient", "medication", "hospital", "usage event"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InvalidQuantityError reports a rejected quantity.
type InvalidQuantityError struct {
	Quantity int
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("invalid quantity %d: must be positive", e.Quantity)
}

func (e *InvalidQuantityError) Unwrap() error { return ErrInvalidQuantity }

// ConflictError reports retry exhaustion on a medication's stock.
type ConflictError struct {
	MedicationID MedicationID
	Attempts     int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("stock update for medication %s conflicted %d times", e.MedicationID, e.Attempts)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// InconsistentError reports a broken stock/ledger invariant.
type InconsistentError struct {
	EventID      EventID
	MedicationID MedicationID
	Detail       string
}

func (e *InconsistentError) Error() string {
	return fmt.Sprintf("inconsistent ledger state for event %s (medication %s): %s",
		e.EventID, e.MedicationID, e.Detail)
}

func (e *InconsistentError) Unwrap() error { return ErrInconsistent }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidQuantity)
}

// IsRetryable returns true if the caller may retry the whole operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrStorageUnavailable)
}

// IsNotFound returns true if the error indicates a missing reference.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
