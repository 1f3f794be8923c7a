/*
Package sqlite provides a SQLite-backed implementation of the storage contract.

PURPOSE:
  Implements ledger.TxStore plus the master-data CRUD the HTTP layer needs.
  In production the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

STOCK WRITES:
  UpdateStock is the only statement that touches medications.current_stock
  after catalog creation. It is a conditional update (WHERE current_stock =
  expected); zero rows affected means either the medication is gone or a
  concurrent writer committed first, and the two cases are told apart before
  returning.

KEY TABLES:
  medications:   catalog entries with authoritative current_stock
  usage_events:  the usage ledger
  patients:      patient records
  hospitals:     hospital records

INDEXES:
  idx_usage_patient:      per-patient cost totals (hot path)
  idx_usage_medication:   per-medication ledger reads
  idx_usage_administered: ledger listing, newest first

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) and foreign keys on.

USAGE:
  store, err := sqlite.New("./data/medledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper migration
  tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: contract definitions
  - ledger/store/memory.go: in-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/medledger/ledger"
)

// Store implements ledger.TxStore and master-data CRUD using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS patients (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		medical_record_number TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS hospitals (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS medications (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		unit_cost TEXT NOT NULL,
		current_stock INTEGER NOT NULL,
		min_stock_level INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	-- Usage ledger. Quantity is enforced positive at the schema level too;
	-- the engine validates before it ever gets here.
	CREATE TABLE IF NOT EXISTS usage_events (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL REFERENCES patients(id),
		medication_id TEXT NOT NULL REFERENCES medications(id),
		hospital_id TEXT NOT NULL REFERENCES hospitals(id),
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		unit_cost_at_time TEXT NOT NULL,
		administered_at TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_usage_patient
		ON usage_events(patient_id);
	CREATE INDEX IF NOT EXISTS idx_usage_medication
		ON usage_events(medication_id);
	CREATE INDEX IF NOT EXISTS idx_usage_administered
		ON usage_events(administered_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// dbtx is satisfied by both *sql.DB and *sql.Tx so the same helpers serve
// direct calls and transactional calls.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// LEDGER STORE (ledger.Store interface)
// =============================================================================

func (s *Store) GetPatient(ctx context.Context, id ledger.PatientID) (*ledger.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPatient(ctx, s.db, id)
}

func getPatient(ctx context.Context, db dbtx, id ledger.PatientID) (*ledger.Patient, error) {
	var p ledger.Patient
	var createdAt string

	err := db.QueryRowContext(ctx,
		"SELECT id, name, medical_record_number, created_at FROM patients WHERE id = ?",
		string(id),
	).Scan(&p.ID, &p.Name, &p.MedicalRecordNumber, &createdAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &p, nil
}

func (s *Store) GetHospital(ctx context.Context, id ledger.HospitalID) (*ledger.Hospital, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getHospital(ctx, s.db, id)
}

func getHospital(ctx context.Context, db dbtx, id ledger.HospitalID) (*ledger.Hospital, error) {
	var h ledger.Hospital
	var createdAt string

	err := db.QueryRowContext(ctx,
		"SELECT id, name, created_at FROM hospitals WHERE id = ?",
		string(id),
	).Scan(&h.ID, &h.Name, &createdAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	h.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &h, nil
}

func (s *Store) GetMedication(ctx context.Context, id ledger.MedicationID) (*ledger.Medication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getMedication(ctx, s.db, id)
}

func getMedication(ctx context.Context, db dbtx, id ledger.MedicationID) (*ledger.Medication, error) {
	var med ledger.Medication
	var unitCost, createdAt string

	err := db.QueryRowContext(ctx,
		`SELECT id, name, unit_cost, current_stock, min_stock_level, created_at
		 FROM medications WHERE id = ?`,
		string(id),
	).Scan(&med.ID, &med.Name, &unitCost, &med.CurrentStock, &med.MinStockLevel, &createdAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	med.UnitCost = parseDecimal(unitCost)
	med.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &med, nil
}

func (s *Store) GetUsage(ctx context.Context, id ledger.EventID) (*ledger.UsageEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getUsage(ctx, s.db, id)
}

const usageColumns = `id, patient_id, medication_id, hospital_id, quantity,
	unit_cost_at_time, administered_at, created_at`

func getUsage(ctx context.Context, db dbtx, id ledger.EventID) (*ledger.UsageEvent, error) {
	events, err := queryUsage(ctx, db,
		"SELECT "+usageColumns+" FROM usage_events WHERE id = ?",
		string(id))
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[0], nil
}

func (s *Store) InsertUsage(ctx context.Context, ev ledger.UsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertUsage(ctx, s.db, ev)
}

func insertUsage(ctx context.Context, db dbtx, ev ledger.UsageEvent) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO usage_events
		(id, patient_id, medication_id, hospital_id, quantity, unit_cost_at_time, administered_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(ev.ID),
		string(ev.PatientID),
		string(ev.MedicationID),
		string(ev.HospitalID),
		ev.Quantity,
		ev.UnitCostAtTime.String(),
		ev.AdministeredAt.UTC().Format(time.RFC3339),
		ev.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage event: %w", err)
	}
	return nil
}

func (s *Store) UpdateUsage(ctx context.Context, id ledger.EventID, quantity int, administeredAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateUsage(ctx, s.db, id, quantity, administeredAt)
}

func updateUsage(ctx context.Context, db dbtx, id ledger.EventID, quantity int, administeredAt time.Time) error {
	// Only the two mutable fields. unit_cost_at_time and the references are
	// never part of this statement.
	res, err := db.ExecContext(ctx,
		"UPDATE usage_events SET quantity = ?, administered_at = ? WHERE id = ?",
		quantity, administeredAt.UTC().Format(time.RFC3339), string(id),
	)
	if err != nil {
		return fmt.Errorf("failed to update usage event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &ledger.NotFoundError{Kind: "usage event", ID: string(id)}
	}
	return nil
}

func (s *Store) DeleteUsage(ctx context.Context, id ledger.EventID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteUsage(ctx, s.db, id)
}

func deleteUsage(ctx context.Context, db dbtx, id ledger.EventID) error {
	res, err := db.ExecContext(ctx, "DELETE FROM usage_events WHERE id = ?", string(id))
	if err != nil {
		return fmt.Errorf("failed to delete usage event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &ledger.NotFoundError{Kind: "usage event", ID: string(id)}
	}
	return nil
}

func (s *Store) UpdateStock(ctx context.Context, id ledger.MedicationID, newStock, expectedStock int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateStock(ctx, s.db, id, newStock, expectedStock)
}

func updateStock(ctx context.Context, db dbtx, id ledger.MedicationID, newStock, expectedStock int) error {
	res, err := db.ExecContext(ctx,
		"UPDATE medications SET current_stock = ? WHERE id = ? AND current_stock = ?",
		newStock, string(id), expectedStock,
	)
	if err != nil {
		return fmt.Errorf("failed to update stock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	// Zero rows: either the medication is gone or the stock value moved.
	var exists int
	err = db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM medications WHERE id = ?", string(id),
	).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return &ledger.NotFoundError{Kind: "medication", ID: string(id)}
	}
	return ledger.ErrStockConflict
}

// =============================================================================
// LEDGER QUERIES
// =============================================================================

func (s *Store) ListUsage(ctx context.Context) ([]ledger.UsageEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return queryUsage(ctx, s.db,
		"SELECT "+usageColumns+" FROM usage_events ORDER BY administered_at DESC, created_at DESC")
}

func (s *Store) ListUsageByPatient(ctx context.Context, id ledger.PatientID) ([]ledger.UsageEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return queryUsage(ctx, s.db,
		"SELECT "+usageColumns+" FROM usage_events WHERE patient_id = ? ORDER BY administered_at DESC, created_at DESC",
		string(id))
}

func (s *Store) ListUsageByMedication(ctx context.Context, id ledger.MedicationID) ([]ledger.UsageEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return queryUsage(ctx, s.db,
		"SELECT "+usageColumns+" FROM usage_events WHERE medication_id = ? ORDER BY administered_at DESC, created_at DESC",
		string(id))
}

func queryUsage(ctx context.Context, db dbtx, query string, args ...any) ([]ledger.UsageEvent, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage events: %w", err)
	}
	defer rows.Close()

	var events []ledger.UsageEvent
	for rows.Next() {
		ev, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanUsage(rows *sql.Rows) (ledger.UsageEvent, error) {
	var (
		ev             ledger.UsageEvent
		unitCost       string
		administeredAt string
		createdAt      string
	)

	err := rows.Scan(
		&ev.ID, &ev.PatientID, &ev.MedicationID, &ev.HospitalID,
		&ev.Quantity, &unitCost, &administeredAt, &createdAt,
	)
	if err != nil {
		return ev, fmt.Errorf("failed to scan usage event: %w", err)
	}

	ev.UnitCostAtTime = parseDecimal(unitCost)
	ev.AdministeredAt, _ = time.Parse(time.RFC3339, administeredAt)
	ev.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return ev, nil
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore routes every call through the open transaction. The parent's mutex
// is held for the whole transaction, so no locking happens here.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetPatient(ctx context.Context, id ledger.PatientID) (*ledger.Patient, error) {
	return getPatient(ctx, ts.tx, id)
}

func (ts *txStore) GetHospital(ctx context.Context, id ledger.HospitalID) (*ledger.Hospital, error) {
	return getHospital(ctx, ts.tx, id)
}

func (ts *txStore) GetMedication(ctx context.Context, id ledger.MedicationID) (*ledger.Medication, error) {
	return getMedication(ctx, ts.tx, id)
}

func (ts *txStore) GetUsage(ctx context.Context, id ledger.EventID) (*ledger.UsageEvent, error) {
	return getUsage(ctx, ts.tx, id)
}

func (ts *txStore) InsertUsage(ctx context.Context, ev ledger.UsageEvent) error {
	return insertUsage(ctx, ts.tx, ev)
}

func (ts *txStore) UpdateUsage(ctx context.Context, id ledger.EventID, quantity int, administeredAt time.Time) error {
	return updateUsage(ctx, ts.tx, id, quantity, administeredAt)
}

func (ts *txStore) DeleteUsage(ctx context.Context, id ledger.EventID) error {
	return deleteUsage(ctx, ts.tx, id)
}

func (ts *txStore) UpdateStock(ctx context.Context, id ledger.MedicationID, newStock, expectedStock int) error {
	return updateStock(ctx, ts.tx, id, newStock, expectedStock)
}

func (ts *txStore) ListUsage(ctx context.Context) ([]ledger.UsageEvent, error) {
	return queryUsage(ctx, ts.tx,
		"SELECT "+usageColumns+" FROM usage_events ORDER BY administered_at DESC, created_at DESC")
}

func (ts *txStore) ListUsageByPatient(ctx context.Context, id ledger.PatientID) ([]ledger.UsageEvent, error) {
	return queryUsage(ctx, ts.tx,
		"SELECT "+usageColumns+" FROM usage_events WHERE patient_id = ? ORDER BY administered_at DESC, created_at DESC",
		string(id))
}

func (ts *txStore) ListUsageByMedication(ctx context.Context, id ledger.MedicationID) ([]ledger.UsageEvent, error) {
	return queryUsage(ctx, ts.tx,
		"SELECT "+usageColumns+" FROM usage_events WHERE medication_id = ? ORDER BY administered_at DESC, created_at DESC",
		string(id))
}

func (ts *txStore) ListPatients(ctx context.Context) ([]ledger.Patient, error) {
	return listPatients(ctx, ts.tx)
}

func (ts *txStore) ListMedications(ctx context.Context) ([]ledger.Medication, error) {
	return listMedications(ctx, ts.tx)
}

func (ts *txStore) ListHospitals(ctx context.Context) ([]ledger.Hospital, error) {
	return listHospitals(ctx, ts.tx)
}

// =============================================================================
// PATIENT STORE
// =============================================================================

// SavePatient inserts or updates a patient.
func (s *Store) SavePatient(ctx context.Context, p ledger.Patient) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO patients (id, name, medical_record_number, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			medical_record_number = excluded.medical_record_number
	`

	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, query,
		string(p.ID), p.Name, p.MedicalRecordNumber,
		createdAt.UTC().Format(time.RFC3339),
	)
	return err
}

// ListPatients returns all patients ordered by name.
func (s *Store) ListPatients(ctx context.Context) ([]ledger.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listPatients(ctx, s.db)
}

func listPatients(ctx context.Context, db dbtx) ([]ledger.Patient, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT id, name, medical_record_number, created_at FROM patients ORDER BY name",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var patients []ledger.Patient
	for rows.Next() {
		var p ledger.Patient
		var createdAt string
		if err := rows.Scan(&p.ID, &p.Name, &p.MedicalRecordNumber, &createdAt); err != nil {
			return nil, err
		}
		p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		patients = append(patients, p)
	}
	return patients, rows.Err()
}

// DeletePatient removes a patient.
func (s *Store) DeletePatient(ctx context.Context, id ledger.PatientID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM patients WHERE id = ?", string(id))
	return err
}

// =============================================================================
// MEDICATION STORE
// =============================================================================

// SaveMedication inserts or updates a catalog entry. On update the catalog
// fields change but current_stock is left alone: stock only moves with
// ledger writes, through UpdateStock.
func (s *Store) SaveMedication(ctx context.Context, med ledger.Medication) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO medications (id, name, unit_cost, current_stock, min_stock_level, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			unit_cost = excluded.unit_cost,
			min_stock_level = excluded.min_stock_level
	`

	createdAt := med.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, query,
		string(med.ID), med.Name, med.UnitCost.String(),
		med.CurrentStock, med.MinStockLevel,
		createdAt.UTC().Format(time.RFC3339),
	)
	return err
}

// ListMedications returns all medications ordered by name.
func (s *Store) ListMedications(ctx context.Context) ([]ledger.Medication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listMedications(ctx, s.db)
}

func listMedications(ctx context.Context, db dbtx) ([]ledger.Medication, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, name, unit_cost, current_stock, min_stock_level, created_at
		 FROM medications ORDER BY name`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var medications []ledger.Medication
	for rows.Next() {
		var med ledger.Medication
		var unitCost, createdAt string
		if err := rows.Scan(&med.ID, &med.Name, &unitCost, &med.CurrentStock, &med.MinStockLevel, &createdAt); err != nil {
			return nil, err
		}
		med.UnitCost = parseDecimal(unitCost)
		med.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		medications = append(medications, med)
	}
	return medications, rows.Err()
}

// DeleteMedication removes a catalog entry. Fails while usage events still
// reference it (foreign keys are on).
func (s *Store) DeleteMedication(ctx context.Context, id ledger.MedicationID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM medications WHERE id = ?", string(id))
	return err
}

// =============================================================================
// HOSPITAL STORE
// =============================================================================

// SaveHospital inserts or updates a hospital.
func (s *Store) SaveHospital(ctx context.Context, h ledger.Hospital) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO hospitals (id, name, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name
	`

	createdAt := h.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, query,
		string(h.ID), h.Name, createdAt.UTC().Format(time.RFC3339),
	)
	return err
}

// ListHospitals returns all hospitals ordered by name.
func (s *Store) ListHospitals(ctx context.Context) ([]ledger.Hospital, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listHospitals(ctx, s.db)
}

func listHospitals(ctx context.Context, db dbtx) ([]ledger.Hospital, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT id, name, created_at FROM hospitals ORDER BY name",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hospitals []ledger.Hospital
	for rows.Next() {
		var h ledger.Hospital
		var createdAt string
		if err := rows.Scan(&h.ID, &h.Name, &createdAt); err != nil {
			return nil, err
		}
		h.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		hospitals = append(hospitals, h)
	}
	return hospitals, rows.Err()
}

// DeleteHospital removes a hospital.
func (s *Store) DeleteHospital(ctx context.Context, id ledger.HospitalID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM hospitals WHERE id = ?", string(id))
	return err
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"usage_events", "medications", "patients", "hospitals"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
