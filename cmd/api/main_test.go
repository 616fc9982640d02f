package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/mcclellann/fredLoan/pkg/config"
	"github.com/mcclellann/fredLoan/pkg/ledger"
	"github.com/mcclellann/fredLoan/pkg/models"
	"github.com/mcclellann/fredLoan/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

func setupTestServer(t *testing.T, opts ...ledger.Option) (http.Handler, *fixedClock) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test_api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock := &fixedClock{now: time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)}
	logger, _ := test.NewNullLogger()
	opts = append([]ledger.Option{ledger.WithClock(clock)}, opts...)
	return NewServer(s, logger, opts...).routes(), clock
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func createLoan(t *testing.T, h http.Handler, principal string, rate string, tenure int) models.Loan {
	t.Helper()
	rr := do(t, h, "POST", "/loans", map[string]any{
		"customer_key":        "test_cust",
		"principal":           principal,
		"annual_rate_percent": rate,
		"tenure_months":       tenure,
		"frequency":           "MONTHLY",
		"disbursement_date":   "2025-01-01",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decodeBody[models.Loan](t, rr)
}

func TestAPI_CreateAndGetLoan(t *testing.T) {
	h, _ := setupTestServer(t)

	created := createLoan(t, h, "1200000", "10", 12)
	assert.True(t, created.InstallmentAmount.Equal(decimal.RequireFromString("105499.06")))
	assert.Equal(t, models.LoanStatusActive, created.Status)

	rr := do(t, h, "GET", "/loans/"+created.ID.String(), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	fetched := decodeBody[models.Loan](t, rr)
	assert.Equal(t, created.ID, fetched.ID)
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))

	rr = do(t, h, "GET", "/loans/"+created.ID.String()+"/schedule", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	rows := decodeBody[[]models.Installment](t, rr)
	require.Len(t, rows, 12)
	assert.Equal(t, time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC), rows[0].DueDate.UTC())

	rr = do(t, h, "GET", "/loans", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeBody[[]models.Loan](t, rr), 1)

	rr = do(t, h, "POST", "/loans/"+created.ID.String()+"/schedule", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	again := decodeBody[[]models.Installment](t, rr)
	require.Len(t, again, 12)
	assert.Equal(t, rows[0].ID, again[0].ID, "an existing schedule is returned unchanged")
}

func TestAPI_Errors(t *testing.T) {
	h, _ := setupTestServer(t)

	rr := do(t, h, "GET", "/loans/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, "GET", "/loans/6f1c1a34-8a7e-4c4e-9a38-5c5a1c0d0a11", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, h, "POST", "/loans", map[string]any{"customer_key": "c", "principal": "0", "tenure_months": 12})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	body := decodeBody[map[string]map[string]string](t, rr)
	assert.Equal(t, "gt", body["errors"]["Principal"])

	rr = do(t, h, "POST", "/loans", map[string]any{"customer_key": "c", "principal": "1000", "annual_rate_percent": "10", "tenure_months": 10, "frequency": "QUARTERLY"})
	assert.Equal(t, http.StatusBadRequest, rr.Code, "tenure must be a whole number of periods")

	req := httptest.NewRequest("POST", "/loans", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_RecordPayment(t *testing.T) {
	h, _ := setupTestServer(t)
	loan := createLoan(t, h, "1200000", "10", 12)

	rr := do(t, h, "POST", "/loans/"+loan.ID.String()+"/payments", map[string]any{"amount": "105499.06", "reference": "r1"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	inst := decodeBody[models.Installment](t, rr)
	assert.True(t, inst.IsPaid)
	assert.Equal(t, 1, inst.Sequence)

	rr = do(t, h, "POST", "/installments/"+inst.ID.String()+"/payments", map[string]any{"amount": "105499.06"})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = do(t, h, "POST", "/loans/"+loan.ID.String()+"/payments", map[string]any{"amount": "100"})
	assert.Equal(t, http.StatusBadRequest, rr.Code, "short payments need allow_partial")

	rr = do(t, h, "POST", "/loans/"+loan.ID.String()+"/payments", map[string]any{"amount": "100", "allow_partial": true})
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.False(t, decodeBody[models.Installment](t, rr).IsPaid)

	rr = do(t, h, "GET", "/loans/"+loan.ID.String()+"/transactions", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	txs := decodeBody[[]models.Transaction](t, rr)
	require.Len(t, txs, 3)
	assert.Equal(t, models.TransactionTypeDisbursement, txs[0].Type)
}

func TestAPI_Prepayment(t *testing.T) {
	h, _ := setupTestServer(t)
	loan := createLoan(t, h, "1200000", "10", 12)
	path := "/loans/" + loan.ID.String() + "/prepayments"

	rr := do(t, h, "POST", path, map[string]any{"amount": "1100000", "policy": "REDUCE_TENURE"})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = do(t, h, "POST", path, map[string]any{"amount": "1000", "policy": "SOMETHING"})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "oneof", decodeBody[map[string]map[string]string](t, rr)["errors"]["Policy"])

	rr = do(t, h, "POST", path, map[string]any{"amount": "300000", "policy": "REDUCE_TENURE"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	p := decodeBody[models.Prepayment](t, rr)
	assert.Positive(t, p.TenureReduction)

	rr = do(t, h, "GET", path, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeBody[[]models.Prepayment](t, rr), 1)
}

func TestAPI_RestructureFlow(t *testing.T) {
	h, _ := setupTestServer(t)
	loan := createLoan(t, h, "1200000", "10", 12)

	rr := do(t, h, "POST", "/loans/"+loan.ID.String()+"/restructures", map[string]any{
		"reason":                  "hardship",
		"remaining_tenure_months": 24,
		"annual_rate_percent":     "9",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	req := decodeBody[models.RestructureRequest](t, rr)

	rr = do(t, h, "POST", "/restructures/"+req.ID.String()+"/implement", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = do(t, h, "POST", "/restructures/"+req.ID.String()+"/approve", map[string]any{"remarks": "ok"})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, h, "POST", "/restructures/"+req.ID.String()+"/implement", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, models.RestructureImplemented, decodeBody[models.RestructureRequest](t, rr).Status)

	rr = do(t, h, "GET", "/loans/"+loan.ID.String()+"/schedule", nil)
	assert.Len(t, decodeBody[[]models.Installment](t, rr), 24)
}

func TestAPI_Foreclosure(t *testing.T) {
	policy := ledger.DefaultPolicy()
	policy.ForeclosureChargePercent = decimal.NewFromInt(1)
	h, clock := setupTestServer(t, ledger.WithPolicy(policy))
	loan := createLoan(t, h, "500000", "14.6", 24)
	clock.now = time.Date(2025, time.April, 11, 0, 0, 0, 0, time.UTC)

	rr := do(t, h, "GET", "/loans/"+loan.ID.String()+"/foreclosure-quote", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	q := decodeBody[models.ForeclosureQuote](t, rr)
	assert.True(t, q.TotalAmountDue.Equal(decimal.NewFromInt(525_000)), "got %s", q.TotalAmountDue)

	rr = do(t, h, "POST", "/loans/"+loan.ID.String()+"/foreclose", map[string]any{"amount": "524999"})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = do(t, h, "POST", "/loans/"+loan.ID.String()+"/foreclose", map[string]any{"amount": "525000", "reference": "fc"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, models.ForeclosureCompleted, decodeBody[models.Foreclosure](t, rr).Status)

	rr = do(t, h, "GET", "/loans/"+loan.ID.String(), nil)
	closed := decodeBody[models.Loan](t, rr)
	assert.Equal(t, models.LoanStatusClosed, closed.Status)
	assert.True(t, closed.CollateralReleased)
}

func TestAPI_OverdueSweep(t *testing.T) {
	h, clock := setupTestServer(t)
	loan := createLoan(t, h, "1200000", "10", 12)
	clock.now = time.Date(2025, time.March, 15, 0, 0, 0, 0, time.UTC)

	rr := do(t, h, "POST", "/overdue/sweep", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	rows := decodeBody[[]models.OverdueTracking](t, rr)
	require.Len(t, rows, 2)
	assert.Equal(t, models.BucketOverdue31To60, rows[0].Status)
	assert.Equal(t, 42, rows[0].DaysOverdue)

	rr = do(t, h, "GET", "/overdue", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeBody[[]models.OverdueTracking](t, rr), 2)

	rr = do(t, h, "POST", "/installments/"+rows[1].InstallmentID.String()+"/write-off", map[string]any{"remarks": "bad debt"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, models.CollectionWrittenOff, decodeBody[models.OverdueTracking](t, rr).CollectionStatus)

	rr = do(t, h, "GET", "/loans/"+loan.ID.String()+"/overdue", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeBody[[]models.OverdueTracking](t, rr), 2)
}

func TestAPI_MetricsAndHealth(t *testing.T) {
	h, _ := setupTestServer(t)
	createLoan(t, h, "1000", "10", 12)

	rr := do(t, h, "GET", "/healthz", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, h, "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "loan_mutations_total")
}

func TestPolicyFromConfig(t *testing.T) {
	tiers, err := config.ParseWaiverTiers("24:100,12:50")
	require.NoError(t, err)
	cfg := &config.Config{
		NPAThresholdDays:         120,
		PenaltyMode:              config.PenaltyModePerBucket,
		PenaltyRatePercent:       decimal.NewFromInt(2),
		ForeclosureChargePercent: decimal.NewFromInt(3),
		ForeclosureWaiverTiers:   tiers,
	}

	p := policyFromConfig(cfg)
	assert.Equal(t, 120, p.NPAThresholdDays)
	assert.Equal(t, ledger.PenaltyPerBucket, p.PenaltyMode)
	assert.True(t, p.ForeclosureChargePercent.Equal(decimal.NewFromInt(3)))
	require.Len(t, p.WaiverTiers, 2)
	assert.Equal(t, 12, p.WaiverTiers[0].MinInstallmentsPaid)
}
