// Package store provides an in-memory ledger.TxStore for tests and dev.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/medledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	patients    map[ledger.PatientID]ledger.Patient
	medications map[ledger.MedicationID]ledger.Medication
	hospitals   map[ledger.HospitalID]ledger.Hospital
	events      map[ledger.EventID]ledger.UsageEvent
}

func NewMemory() *Memory {
	return &Memory{
		patients:    make(map[ledger.PatientID]ledger.Patient),
		medications: make(map[ledger.MedicationID]ledger.Medication),
		hospitals:   make(map[ledger.HospitalID]ledger.Hospital),
		events:      make(map[ledger.EventID]ledger.UsageEvent),
	}
}

// =============================================================================
// SEEDING - Master data setup for tests
// =============================================================================

func (m *Memory) SavePatient(p ledger.Patient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patients[p.ID] = p
}

func (m *Memory) SaveMedication(med ledger.Medication) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.medications[med.ID] = med
}

func (m *Memory) SaveHospital(h ledger.Hospital) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hospitals[h.ID] = h
}

func (m *Memory) DeleteMedication(id ledger.MedicationID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.medications, id)
}

// =============================================================================
// READS
// =============================================================================

func (m *Memory) GetPatient(_ context.Context, id ledger.PatientID) (*ledger.Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.patients[id]; ok {
		return &p, nil
	}
	return nil, nil
}

func (m *Memory) GetMedication(_ context.Context, id ledger.MedicationID) (*ledger.Medication, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if med, ok := m.medications[id]; ok {
		return &med, nil
	}
	return nil, nil
}

func (m *Memory) GetHospital(_ context.Context, id ledger.HospitalID) (*ledger.Hospital, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if h, ok := m.hospitals[id]; ok {
		return &h, nil
	}
	return nil, nil
}

func (m *Memory) GetUsage(_ context.Context, id ledger.EventID) (*ledger.UsageEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ev, ok := m.events[id]; ok {
		return &ev, nil
	}
	return nil, nil
}

func (m *Memory) ListUsage(_ context.Context) ([]ledger.UsageEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.eventsWhereLocked(func(ledger.UsageEvent) bool { return true }), nil
}

func (m *Memory) ListUsageByPatient(_ context.Context, id ledger.PatientID) ([]ledger.UsageEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.eventsWhereLocked(func(ev ledger.UsageEvent) bool { return ev.PatientID == id }), nil
}

func (m *Memory) ListUsageByMedication(_ context.Context, id ledger.MedicationID) ([]ledger.UsageEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.eventsWhereLocked(func(ev ledger.UsageEvent) bool { return ev.MedicationID == id }), nil
}

func (m *Memory) eventsWhereLocked(keep func(ledger.UsageEvent) bool) []ledger.UsageEvent {
	var result []ledger.UsageEvent
	for _, ev := range m.events {
		if keep(ev) {
			result = append(result, ev)
		}
	}
	// Most recently administered first, matching the SQLite store's ordering.
	sort.Slice(result, func(i, j int) bool {
		if !result[i].AdministeredAt.Equal(result[j].AdministeredAt) {
			return result[i].AdministeredAt.After(result[j].AdministeredAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func (m *Memory) ListPatients(_ context.Context) ([]ledger.Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]ledger.Patient, 0, len(m.patients))
	for _, p := range m.patients {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (m *Memory) ListMedications(_ context.Context) ([]ledger.Medication, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]ledger.Medication, 0, len(m.medications))
	for _, med := range m.medications {
		result = append(result, med)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (m *Memory) ListHospitals(_ context.Context) ([]ledger.Hospital, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]ledger.Hospital, 0, len(m.hospitals))
	for _, h := range m.hospitals {
		result = append(result, h)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// =============================================================================
// WRITES
// =============================================================================

func (m *Memory) InsertUsage(_ context.Context, ev ledger.UsageEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertUsageLocked(ev)
}

func (m *Memory) insertUsageLocked(ev ledger.UsageEvent) error {
	m.events[ev.ID] = ev
	return nil
}

func (m *Memory) UpdateUsage(_ context.Context, id ledger.EventID, quantity int, administeredAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateUsageLocked(id, quantity, administeredAt)
}

func (m *Memory) updateUsageLocked(id ledger.EventID, quantity int, administeredAt time.Time) error {
	ev, ok := m.events[id]
	if !ok {
		return &ledger.NotFoundError{Kind: "usage event", ID: string(id)}
	}
	ev.Quantity = quantity
	ev.AdministeredAt = administeredAt
	m.events[id] = ev
	return nil
}

func (m *Memory) DeleteUsage(_ context.Context, id ledger.EventID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteUsageLocked(id)
}

func (m *Memory) deleteUsageLocked(id ledger.EventID) error {
	if _, ok := m.events[id]; !ok {
		return &ledger.NotFoundError{Kind: "usage event", ID: string(id)}
	}
	delete(m.events, id)
	return nil
}

func (m *Memory) UpdateStock(_ context.Context, id ledger.MedicationID, newStock, expectedStock int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateStockLocked(id, newStock, expectedStock)
}

func (m *Memory) updateStockLocked(id ledger.MedicationID, newStock, expectedStock int) error {
	med, ok := m.medications[id]
	if !ok {
		return &ledger.NotFoundError{Kind: "medication", ID: string(id)}
	}
	if med.CurrentStock != expectedStock {
		return ledger.ErrStockConflict
	}
	med.CurrentStock = newStock
	m.medications[id] = med
	return nil
}

// =============================================================================
// TRANSACTIONAL WRAPPER
// =============================================================================

// WithTx executes fn within a transaction, simulated with a snapshot that is
// restored when fn fails.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshotLocked()

	if err := fn(&txMemoryView{parent: m}); err != nil {
		m.restoreLocked(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	medications map[ledger.MedicationID]ledger.Medication
	events      map[ledger.EventID]ledger.UsageEvent
}

func (m *Memory) snapshotLocked() memorySnapshot {
	meds := make(map[ledger.MedicationID]ledger.Medication, len(m.medications))
	for k, v := range m.medications {
		meds[k] = v
	}
	events := make(map[ledger.EventID]ledger.UsageEvent, len(m.events))
	for k, v := range m.events {
		events[k] = v
	}
	return memorySnapshot{medications: meds, events: events}
}

func (m *Memory) restoreLocked(s memorySnapshot) {
	m.medications = s.medications
	m.events = s.events
}

// txMemoryView routes writes to the parent's locked helpers. The parent's
// mutex is held for the whole transaction.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) GetPatient(_ context.Context, id ledger.PatientID) (*ledger.Patient, error) {
	if p, ok := tv.parent.patients[id]; ok {
		return &p, nil
	}
	return nil, nil
}

func (tv *txMemoryView) GetMedication(_ context.Context, id ledger.MedicationID) (*ledger.Medication, error) {
	if med, ok := tv.parent.medications[id]; ok {
		return &med, nil
	}
	return nil, nil
}

func (tv *txMemoryView) GetHospital(_ context.Context, id ledger.HospitalID) (*ledger.Hospital, error) {
	if h, ok := tv.parent.hospitals[id]; ok {
		return &h, nil
	}
	return nil, nil
}

func (tv *txMemoryView) GetUsage(_ context.Context, id ledger.EventID) (*ledger.UsageEvent, error) {
	if ev, ok := tv.parent.events[id]; ok {
		return &ev, nil
	}
	return nil, nil
}

func (tv *txMemoryView) InsertUsage(_ context.Context, ev ledger.UsageEvent) error {
	return tv.parent.insertUsageLocked(ev)
}

func (tv *txMemoryView) UpdateUsage(_ context.Context, id ledger.EventID, quantity int, administeredAt time.Time) error {
	return tv.parent.updateUsageLocked(id, quantity, administeredAt)
}

func (tv *txMemoryView) DeleteUsage(_ context.Context, id ledger.EventID) error {
	return tv.parent.deleteUsageLocked(id)
}

func (tv *txMemoryView) UpdateStock(_ context.Context, id ledger.MedicationID, newStock, expectedStock int) error {
	return tv.parent.updateStockLocked(id, newStock, expectedStock)
}

func (tv *txMemoryView) ListUsage(_ context.Context) ([]ledger.UsageEvent, error) {
	return tv.parent.eventsWhereLocked(func(ledger.UsageEvent) bool { return true }), nil
}

func (tv *txMemoryView) ListUsageByPatient(_ context.Context, id ledger.PatientID) ([]ledger.UsageEvent, error) {
	return tv.parent.eventsWhereLocked(func(ev ledger.UsageEvent) bool { return ev.PatientID == id }), nil
}

func (tv *txMemoryView) ListUsageByMedication(_ context.Context, id ledger.MedicationID) ([]ledger.UsageEvent, error) {
	return tv.parent.eventsWhereLocked(func(ev ledger.UsageEvent) bool { return ev.MedicationID == id }), nil
}

func (tv *txMemoryView) ListPatients(_ context.Context) ([]ledger.Patient, error) {
	result := make([]ledger.Patient, 0, len(tv.parent.patients))
	for _, p := range tv.parent.patients {
		result = append(result, p)
	}
	return result, nil
}

func (tv *txMemoryView) ListMedications(_ context.Context) ([]ledger.Medication, error) {
	result := make([]ledger.Medication, 0, len(tv.parent.medications))
	for _, med := range tv.parent.medications {
		result = append(result, med)
	}
	return result, nil
}

func (tv *txMemoryView) ListHospitals(_ context.Context) ([]ledger.Hospital, error) {
	result := make([]ledger.Hospital, 0, len(tv.parent.hospitals))
	for _, h := range tv.parent.hospitals {
		result = append(result, h)
	}
	return result, nil
}
