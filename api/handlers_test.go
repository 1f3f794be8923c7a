package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/medledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testAPI struct {
	t      *testing.T
	router http.Handler
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	s, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return &testAPI{t: t, router: NewRouter(NewHandler(s))}
}

func (a *testAPI) do(method, path string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

// seedBasics creates one patient, one hospital, and one medication and returns
// their IDs.
func (a *testAPI) seedBasics() (patientID, hospitalID, medicationID string) {
	a.t.Helper()

	rec := a.do(http.MethodPost, "/api/patients", SavePatientRequest{
		Name: "Ada Osei", MedicalRecordNumber: "MRN-001",
	})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	patientID = decode[PatientDTO](a.t, rec).ID

	rec = a.do(http.MethodPost, "/api/hospitals", SaveHospitalRequest{Name: "Central Hospital"})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	hospitalID = decode[HospitalDTO](a.t, rec).ID

	rec = a.do(http.MethodPost, "/api/medications", SaveMedicationRequest{
		Name: "Amoxicillin 500mg", UnitCost: "2.50", CurrentStock: 100, MinStockLevel: 10,
	})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	medicationID = decode[MedicationDTO](a.t, rec).ID

	return patientID, hospitalID, medicationID
}

func (a *testAPI) medicationStock(id string) int {
	a.t.Helper()
	rec := a.do(http.MethodGet, "/api/medications/"+id, nil)
	require.Equal(a.t, http.StatusOK, rec.Code)
	return decode[MedicationDTO](a.t, rec).CurrentStock
}

// =============================================================================
// USAGE LIFECYCLE
// =============================================================================

func TestUsageLifecycle(t *testing.T) {
	api := newTestAPI(t)
	patientID, hospitalID, medicationID := api.seedBasics()

	// Record: 100 -> 70
	rec := api.do(http.MethodPost, "/api/usage", RecordUsageRequest{
		PatientID:      patientID,
		MedicationID:   medicationID,
		HospitalID:     hospitalID,
		Quantity:       30,
		AdministeredAt: "2025-03-10T09:00:00Z",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[UsageDTO](t, rec)
	assert.Equal(t, 30, created.Quantity)
	assert.Equal(t, "2.50", created.UnitCostAtTime)
	assert.Equal(t, "75.00", created.TotalCost)
	assert.Equal(t, 70, api.medicationStock(medicationID))

	// Read back
	rec = api.do(http.MethodGet, "/api/usage/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.ID, decode[UsageDTO](t, rec).ID)

	// Update: quantity 30 -> 40, stock 70 -> 60
	rec = api.do(http.MethodPut, "/api/usage/"+created.ID, UpdateUsageRequest{
		Quantity:       40,
		AdministeredAt: "2025-03-11T14:00:00Z",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[UsageDTO](t, rec)
	assert.Equal(t, 40, updated.Quantity)
	assert.Equal(t, "2.50", updated.UnitCostAtTime)
	assert.Equal(t, 60, api.medicationStock(medicationID))

	// Delete: stock 60 -> 100
	rec = api.do(http.MethodDelete, "/api/usage/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 100, api.medicationStock(medicationID))

	rec = api.do(http.MethodGet, "/api/usage/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListUsage(t *testing.T) {
	api := newTestAPI(t)
	patientID, hospitalID, medicationID := api.seedBasics()

	for _, at := range []string{"2025-03-10T09:00:00Z", "2025-03-12T09:00:00Z"} {
		rec := api.do(http.MethodPost, "/api/usage", RecordUsageRequest{
			PatientID: patientID, MedicationID: medicationID, HospitalID: hospitalID,
			Quantity: 5, AdministeredAt: at,
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := api.do(http.MethodGet, "/api/usage", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode[[]UsageDTO](t, rec)
	require.Len(t, events, 2)
	// Newest administration first
	assert.Equal(t, "2025-03-12T09:00:00Z", events[0].AdministeredAt)

	rec = api.do(http.MethodGet, "/api/patients/"+patientID+"/usage", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]UsageDTO](t, rec), 2)

	rec = api.do(http.MethodGet, "/api/medications/"+medicationID+"/usage", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]UsageDTO](t, rec), 2)
}

func TestRecordUsage_DatetimeLocalAccepted(t *testing.T) {
	// The original UI submitted datetime-local values without zone or seconds.
	api := newTestAPI(t)
	patientID, hospitalID, medicationID := api.seedBasics()

	rec := api.do(http.MethodPost, "/api/usage", RecordUsageRequest{
		PatientID: patientID, MedicationID: medicationID, HospitalID: hospitalID,
		Quantity: 5, AdministeredAt: "2025-03-10T09:30",
	})
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestUsageErrors(t *testing.T) {
	api := newTestAPI(t)
	patientID, hospitalID, medicationID := api.seedBasics()

	cases := []struct {
		name string
		req  RecordUsageRequest
		want int
	}{
		{
			name: "zero quantity",
			req:  RecordUsageRequest{PatientID: patientID, MedicationID: medicationID, HospitalID: hospitalID, Quantity: 0},
			want: http.StatusBadRequest,
		},
		{
			name: "negative quantity",
			req:  RecordUsageRequest{PatientID: patientID, MedicationID: medicationID, HospitalID: hospitalID, Quantity: -3},
			want: http.StatusBadRequest,
		},
		{
			name: "unknown patient",
			req:  RecordUsageRequest{PatientID: "ghost", MedicationID: medicationID, HospitalID: hospitalID, Quantity: 5},
			want: http.StatusNotFound,
		},
		{
			name: "unknown medication",
			req:  RecordUsageRequest{PatientID: patientID, MedicationID: "ghost", HospitalID: hospitalID, Quantity: 5},
			want: http.StatusNotFound,
		},
		{
			name: "unknown hospital",
			req:  RecordUsageRequest{PatientID: patientID, MedicationID: medicationID, HospitalID: "ghost", Quantity: 5},
			want: http.StatusNotFound,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := api.do(http.MethodPost, "/api/usage", tc.req)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
			resp := decode[ErrorResponse](t, rec)
			assert.NotEmpty(t, resp.Error)
		})
	}

	// Rejected recordings never moved stock
	assert.Equal(t, 100, api.medicationStock(medicationID))

	rec := api.do(http.MethodPut, "/api/usage/ghost", UpdateUsageRequest{Quantity: 5})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(http.MethodDelete, "/api/usage/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(http.MethodPost, "/api/usage", RecordUsageRequest{
		PatientID: patientID, MedicationID: medicationID, HospitalID: hospitalID,
		Quantity: 5, AdministeredAt: "not-a-time",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMasterDataValidation(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodPost, "/api/patients", SavePatientRequest{Name: "No MRN"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodPost, "/api/hospitals", SaveHospitalRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodPost, "/api/medications", SaveMedicationRequest{
		Name: "Bad price", UnitCost: "two fifty",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodGet, "/api/medications/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(http.MethodGet, "/api/patients/ghost/usage", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(http.MethodGet, "/api/patients/ghost/total-cost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// CATALOG SEMANTICS
// =============================================================================

func TestSaveMedication_EditDoesNotResetStock(t *testing.T) {
	// GIVEN: A medication whose stock has been drawn down by usage
	// WHEN: The catalog entry is edited (price change)
	// THEN: The response shows the live stock, not the request's value

	api := newTestAPI(t)
	patientID, hospitalID, medicationID := api.seedBasics()

	rec := api.do(http.MethodPost, "/api/usage", RecordUsageRequest{
		PatientID: patientID, MedicationID: medicationID, HospitalID: hospitalID, Quantity: 40,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, 60, api.medicationStock(medicationID))

	rec = api.do(http.MethodPost, "/api/medications", SaveMedicationRequest{
		ID: medicationID, Name: "Amoxicillin 500mg", UnitCost: "3.00",
		CurrentStock: 100, MinStockLevel: 10,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	med := decode[MedicationDTO](t, rec)
	assert.Equal(t, "3.00", med.UnitCost)
	assert.Equal(t, 60, med.CurrentStock)
}

func TestListMedications_LowStockFlag(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodPost, "/api/medications", SaveMedicationRequest{
		Name: "Plenty", UnitCost: "1.00", CurrentStock: 50, MinStockLevel: 10,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = api.do(http.MethodPost, "/api/medications", SaveMedicationRequest{
		Name: "Scarce", UnitCost: "1.00", CurrentStock: 10, MinStockLevel: 10,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = api.do(http.MethodGet, "/api/medications", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	meds := decode[[]MedicationDTO](t, rec)
	require.Len(t, meds, 2)

	flags := map[string]bool{}
	for _, m := range meds {
		flags[m.Name] = m.LowStock
	}
	assert.False(t, flags["Plenty"])
	assert.True(t, flags["Scarce"])
}

// =============================================================================
// AGGREGATES
// =============================================================================

func TestPatientTotalCostEndpoint(t *testing.T) {
	api := newTestAPI(t)
	patientID, hospitalID, _ := api.seedBasics()

	rec := api.do(http.MethodPost, "/api/medications", SaveMedicationRequest{
		Name: "Ibuprofen", UnitCost: "7.50", CurrentStock: 100, MinStockLevel: 5,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	ibuprofenID := decode[MedicationDTO](t, rec).ID

	rec = api.do(http.MethodPost, "/api/medications", SaveMedicationRequest{
		Name: "Paracetamol", UnitCost: "5.00", CurrentStock: 100, MinStockLevel: 5,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	paracetamolID := decode[MedicationDTO](t, rec).ID

	for _, u := range []struct {
		med string
		qty int
	}{{paracetamolID, 2}, {ibuprofenID, 3}} {
		rec = api.do(http.MethodPost, "/api/usage", RecordUsageRequest{
			PatientID: patientID, MedicationID: u.med, HospitalID: hospitalID, Quantity: u.qty,
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec = api.do(http.MethodGet, "/api/patients/"+patientID+"/total-cost", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	total := decode[PatientTotalCostDTO](t, rec)
	assert.Equal(t, patientID, total.PatientID)
	assert.Equal(t, "32.50", total.TotalCost)
}

func TestDashboard(t *testing.T) {
	api := newTestAPI(t)
	patientID, hospitalID, medicationID := api.seedBasics()

	rec := api.do(http.MethodPost, "/api/medications", SaveMedicationRequest{
		Name: "Scarce", UnitCost: "1.00", CurrentStock: 2, MinStockLevel: 10,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = api.do(http.MethodPost, "/api/usage", RecordUsageRequest{
		PatientID: patientID, MedicationID: medicationID, HospitalID: hospitalID, Quantity: 4,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = api.do(http.MethodGet, "/api/dashboard", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dash := decode[DashboardDTO](t, rec)

	assert.Equal(t, 1, dash.TotalPatients)
	assert.Equal(t, 2, dash.TotalMedications)
	assert.Equal(t, 1, dash.LowStockItems)
	assert.Equal(t, "10.00", dash.TotalCost) // 4 x 2.50
}

// =============================================================================
// MASTER DATA LIFECYCLE
// =============================================================================

func TestPatientLifecycle(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodPost, "/api/patients", SavePatientRequest{
		Name: "Jonas Weber", MedicalRecordNumber: "MRN-002",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[PatientDTO](t, rec)
	assert.NotEmpty(t, created.ID)

	rec = api.do(http.MethodGet, "/api/patients", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]PatientDTO](t, rec), 1)

	rec = api.do(http.MethodDelete, "/api/patients/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(http.MethodGet, "/api/patients", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]PatientDTO](t, rec))
}

func TestHospitalLifecycle(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodPost, "/api/hospitals", SaveHospitalRequest{Name: "North Clinic"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[HospitalDTO](t, rec)

	rec = api.do(http.MethodGet, "/api/hospitals", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	hospitals := decode[[]HospitalDTO](t, rec)
	require.Len(t, hospitals, 1)
	assert.Equal(t, "North Clinic", hospitals[0].Name)

	rec = api.do(http.MethodDelete, fmt.Sprintf("/api/hospitals/%s", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
