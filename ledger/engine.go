/*
engine.go - Reconciliation engine for usage events and stock

PURPOSE:
  Applies create, update, and delete operations on usage events and adjusts
  the owning medication's stock by exactly the delta each mutation implies.
  The ledger write and the stock write always land together or not at all.

THE DELTA RULE:
  Every mutation computes its stock delta from the difference between old
  and new ledger state, never from an absolute stock value supplied by a
  caller:
    record: stock -= quantity
    update: stock -= (newQuantity - oldQuantity)
    delete: stock += event.Quantity  (the stored quantity)

CONCURRENCY:
  Each operation reads committed state, computes the target stock value, and
  applies it with a conditional update (UpdateStock) inside the same store
  transaction as the ledger write. When the condition fails because another
  writer got there first, the transaction rolls back and the operation
  re-reads and re-attempts, a bounded number of times. Exhaustion surfaces
  as Conflict.

NEGATIVE STOCK:
  RecordUsage does not block on stock being non-negative. Administration can
  run ahead of inventory corrections; the resulting negative stock is
  surfaced through the low-stock view (aggregate.go), not rejected here.

SEE ALSO:
  - store.go: UpdateStock contract
  - errors.go: error kinds and propagation policy
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxRetries bounds the optimistic retry loop on stock contention.
const DefaultMaxRetries = 3

// Engine applies usage mutations with atomic stock reconciliation.
type Engine struct {
	Store      TxStore
	MaxRetries int         // retry budget on stock contention; DefaultMaxRetries if zero
	Logger     *log.Logger // invariant violations are reported here; log.Default if nil
}

// NewEngine creates an engine over the given store.
func NewEngine(store TxStore) *Engine {
	return &Engine{Store: store, MaxRetries: DefaultMaxRetries}
}

// UsageInput is the caller-supplied portion of a new usage event.
type UsageInput struct {
	PatientID      PatientID
	MedicationID   MedicationID
	HospitalID     HospitalID
	Quantity       int
	AdministeredAt time.Time
}

// =============================================================================
// RECORD
// =============================================================================

// RecordUsage captures the medication's current unit cost, inserts the event,
// and decrements stock by the quantity, as one atomic unit. Insufficient
// stock is not an error; stock may go negative.
func (e *Engine) RecordUsage(ctx context.Context, in UsageInput) (*UsageEvent, error) {
	if in.Quantity <= 0 {
		return nil, &InvalidQuantityError{Quantity: in.Quantity}
	}

	patient, err := e.Store.GetPatient(ctx, in.PatientID)
	if err != nil {
		return nil, storageFailure(err)
	}
	if patient == nil {
		return nil, &NotFoundError{Kind: "patient", ID: string(in.PatientID)}
	}

	hospital, err := e.Store.GetHospital(ctx, in.HospitalID)
	if err != nil {
		return nil, storageFailure(err)
	}
	if hospital == nil {
		return nil, &NotFoundError{Kind: "hospital", ID: string(in.HospitalID)}
	}

	id := EventID(uuid.NewString())
	medID := in.MedicationID
	var created *UsageEvent

	err = e.retryOnConflict(ctx, &medID, func() error {
		med, err := e.Store.GetMedication(ctx, in.MedicationID)
		if err != nil {
			return storageFailure(err)
		}
		if med == nil {
			return &NotFoundError{Kind: "medication", ID: string(in.MedicationID)}
		}

		ev := UsageEvent{
			ID:             id,
			PatientID:      in.PatientID,
			MedicationID:   in.MedicationID,
			HospitalID:     in.HospitalID,
			Quantity:       in.Quantity,
			UnitCostAtTime: med.UnitCost,
			AdministeredAt: in.AdministeredAt,
			CreatedAt:      time.Now().UTC(),
		}

		err = e.Store.WithTx(ctx, func(tx Store) error {
			if err := tx.InsertUsage(ctx, ev); err != nil {
				return err
			}
			return tx.UpdateStock(ctx, med.ID, med.CurrentStock-in.Quantity, med.CurrentStock)
		})
		if err != nil {
			return err
		}

		created = &ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// =============================================================================
// UPDATE
// =============================================================================

// UpdateUsage changes an event's quantity and administration time, adjusting
// stock by the quantity delta in the same atomic unit. UnitCostAtTime and the
// patient/medication/hospital references are never touched.
func (e *Engine) UpdateUsage(ctx context.Context, id EventID, newQuantity int, newAdministeredAt time.Time) (*UsageEvent, error) {
	if newQuantity <= 0 {
		return nil, &InvalidQuantityError{Quantity: newQuantity}
	}

	var medID MedicationID
	var updated *UsageEvent

	err := e.retryOnConflict(ctx, &medID, func() error {
		// The prior quantity is re-read on every attempt: a conflicting edit
		// to the same event changes the stock value too, so a stale read
		// here is always caught by the conditional stock update.
		ev, err := e.Store.GetUsage(ctx, id)
		if err != nil {
			return storageFailure(err)
		}
		if ev == nil {
			return &NotFoundError{Kind: "usage event", ID: string(id)}
		}
		medID = ev.MedicationID

		med, err := e.Store.GetMedication(ctx, ev.MedicationID)
		if err != nil {
			return storageFailure(err)
		}
		if med == nil {
			return e.inconsistent(&InconsistentError{
				EventID:      ev.ID,
				MedicationID: ev.MedicationID,
				Detail:       "event references a medication that no longer exists",
			})
		}

		delta := newQuantity - ev.Quantity
		err = e.Store.WithTx(ctx, func(tx Store) error {
			if err := tx.UpdateUsage(ctx, ev.ID, newQuantity, newAdministeredAt); err != nil {
				return err
			}
			return tx.UpdateStock(ctx, med.ID, med.CurrentStock-delta, med.CurrentStock)
		})
		if err != nil {
			return err
		}

		out := *ev
		out.Quantity = newQuantity
		out.AdministeredAt = newAdministeredAt
		updated = &out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// =============================================================================
// DELETE
// =============================================================================

// DeleteUsage removes an event and restores the full stored quantity to the
// medication's stock, as one atomic unit.
func (e *Engine) DeleteUsage(ctx context.Context, id EventID) error {
	var medID MedicationID
	return e.retryOnConflict(ctx, &medID, func() error {
		ev, err := e.Store.GetUsage(ctx, id)
		if err != nil {
			return storageFailure(err)
		}
		if ev == nil {
			return &NotFoundError{Kind: "usage event", ID: string(id)}
		}
		medID = ev.MedicationID

		med, err := e.Store.GetMedication(ctx, ev.MedicationID)
		if err != nil {
			return storageFailure(err)
		}
		if med == nil {
			return e.inconsistent(&InconsistentError{
				EventID:      ev.ID,
				MedicationID: ev.MedicationID,
				Detail:       "event references a medication that no longer exists",
			})
		}

		return e.Store.WithTx(ctx, func(tx Store) error {
			if err := tx.DeleteUsage(ctx, ev.ID); err != nil {
				return err
			}
			return tx.UpdateStock(ctx, med.ID, med.CurrentStock+ev.Quantity, med.CurrentStock)
		})
	})
}

// =============================================================================
// RETRY LOOP
// =============================================================================

// retryOnConflict runs attempt until it succeeds, fails with a non-contention
// error, or the retry budget runs out. Each attempt re-reads state, so a
// conflicting writer's committed values are picked up before recomputing.
func (e *Engine) retryOnConflict(ctx context.Context, medID *MedicationID, attempt func() error) error {
	retries := e.MaxRetries
	if retries <= 0 {
		retries = DefaultMaxRetries
	}

	for i := 0; i <= retries; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := attempt()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrStockConflict) {
			continue
		}
		return classify(err)
	}
	return &ConflictError{MedicationID: *medID, Attempts: retries + 1}
}

// inconsistent logs an invariant violation before returning it. These are
// broken-state reports, not bad input, and need to stand out in the logs.
func (e *Engine) inconsistent(err *InconsistentError) error {
	logger := e.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("INVARIANT VIOLATION: %v", err)
	return err
}

// classify passes domain errors through and wraps everything else as a
// storage failure. By the time an error reaches here the enclosing
// transaction has rolled back, so no partial write is observable.
func classify(err error) error {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInvalidQuantity),
		errors.Is(err, ErrInconsistent),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrStorageUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return storageFailure(err)
	}
}

func storageFailure(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}
