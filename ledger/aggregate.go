/*
aggregate.go - Derived read-only views over stock and the usage ledger

PURPOSE:
  Low-stock flags, per-patient cost totals, and dashboard counts. Everything
  here is recomputed from current store state on every call; nothing is
  persisted, so a derived value can never drift from its sources.

COST TOTALS:
  Totals always multiply each event's stored UnitCostAtTime, never the
  medication's live catalog price. Historical totals stay stable across
  catalog price changes.
*/
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// IsLowStock reports whether the medication is at or below its configured
// minimum. Pure function over the passed-in record; callers that need a
// fresh answer re-read the medication first.
func IsLowStock(m Medication) bool {
	return m.CurrentStock <= m.MinStockLevel
}

// DashboardTotals is a point-in-time summary of the whole system.
type DashboardTotals struct {
	Patients    int
	Medications int
	LowStock    int
	TotalCost   decimal.Decimal
}

// Aggregator derives read-only views. It has no state of its own.
type Aggregator struct {
	Store Store
}

func NewAggregator(store Store) *Aggregator {
	return &Aggregator{Store: store}
}

// PatientTotalCost sums quantity x UnitCostAtTime over all of the patient's
// usage events.
func (a *Aggregator) PatientTotalCost(ctx context.Context, id PatientID) (decimal.Decimal, error) {
	patient, err := a.Store.GetPatient(ctx, id)
	if err != nil {
		return decimal.Zero, storageFailure(err)
	}
	if patient == nil {
		return decimal.Zero, &NotFoundError{Kind: "patient", ID: string(id)}
	}

	events, err := a.Store.ListUsageByPatient(ctx, id)
	if err != nil {
		return decimal.Zero, storageFailure(err)
	}

	total := decimal.Zero
	for _, ev := range events {
		total = total.Add(ev.Cost())
	}
	return total, nil
}

// Totals recomputes the dashboard summary from current store state.
func (a *Aggregator) Totals(ctx context.Context) (*DashboardTotals, error) {
	patients, err := a.Store.ListPatients(ctx)
	if err != nil {
		return nil, storageFailure(err)
	}

	medications, err := a.Store.ListMedications(ctx)
	if err != nil {
		return nil, storageFailure(err)
	}

	events, err := a.Store.ListUsage(ctx)
	if err != nil {
		return nil, storageFailure(err)
	}

	totals := &DashboardTotals{
		Patients:    len(patients),
		Medications: len(medications),
		TotalCost:   decimal.Zero,
	}
	for _, m := range medications {
		if IsLowStock(m) {
			totals.LowStock++
		}
	}
	for _, ev := range events {
		totals.TotalCost = totals.TotalCost.Add(ev.Cost())
	}
	return totals, nil
}
