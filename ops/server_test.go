package ops

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/wangyingjie930/payflow-pkg/payments"
	"github.com/wangyingjie930/payflow-pkg/store"
)

func newTestServer(t *testing.T) (*gorm.DB, *httptest.Server) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))

	mux := http.NewServeMux()
	NewHandler(payments.NewBatches(db), payments.NewPayments(db), nil).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return db, srv
}

func seedBatch(t *testing.T, db *gorm.DB) string {
	t.Helper()
	now := time.Now()
	batchID := "pbat-1"
	ref := "sim-pbat-1"
	require.NoError(t, db.Create(&store.PaymentBatch{
		EmployerID: "emp-1", BatchID: batchID, PayRunID: "pr-1",
		Status: store.BatchStatusCompleted, TotalPayments: 2, SettledPayments: 2,
		Provider: "simulated", ProviderBatchRef: &ref,
		CreatedAt: now, UpdatedAt: now,
	}).Error)
	for i, pc := range []string{"pc-1", "pc-2"} {
		paymentRef := "sim-pmt-" + pc
		require.NoError(t, db.Create(&store.PaycheckPayment{
			EmployerID: "emp-1", PaymentID: "pmt-" + pc, PaycheckID: pc, PayRunID: "pr-1",
			EmployeeID: fmt.Sprintf("ee-%d", i+1), PayPeriodID: "pp-1", Currency: "USD",
			NetCents: int64(100000 * (i + 1)), Status: store.PaymentStatusSettled,
			ProviderPaymentRef: &paymentRef, BatchID: &batchID,
			CreatedAt: now, UpdatedAt: now,
		}).Error)
	}
	return batchID
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestGetBatchByID(t *testing.T) {
	db, srv := newTestServer(t)
	batchID := seedBatch(t, db)

	var view BatchView
	code := getJSON(t, srv.URL+"/employers/emp-1/payment-batches/"+batchID, &view)
	require.Equal(t, http.StatusOK, code)

	assert.Equal(t, "emp-1", view.EmployerID)
	assert.Equal(t, batchID, view.BatchID)
	assert.Equal(t, string(store.BatchStatusCompleted), view.Status)
	assert.Equal(t, 2, view.TotalPayments)
	assert.Equal(t, 2, view.SettledPayments)
	require.NotNil(t, view.ProviderBatchRef)
	assert.Equal(t, "sim-pbat-1", *view.ProviderBatchRef)
}

func TestGetBatchByPayRun(t *testing.T) {
	db, srv := newTestServer(t)
	batchID := seedBatch(t, db)

	var view BatchView
	code := getJSON(t, srv.URL+"/employers/emp-1/payruns/pr-1/payment-batch", &view)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, batchID, view.BatchID)
	assert.Equal(t, "pr-1", view.PayRunID)
}

func TestGetPayRunPayments(t *testing.T) {
	db, srv := newTestServer(t)
	seedBatch(t, db)

	var view PayRunPaymentsView
	code := getJSON(t, srv.URL+"/employers/emp-1/payruns/pr-1/payments", &view)
	require.Equal(t, http.StatusOK, code)

	assert.Equal(t, "pbat-1", view.Batch.BatchID)
	require.Len(t, view.Payments, 2)
	assert.Equal(t, "pc-1", view.Payments[0].PaycheckID)
	assert.Equal(t, string(store.PaymentStatusSettled), view.Payments[0].Status)
	require.NotNil(t, view.Payments[0].ProviderPaymentRef)
}

func TestUnknownResourcesReturn404(t *testing.T) {
	_, srv := newTestServer(t)

	var ignored BatchView
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/employers/emp-1/payment-batches/nope", &ignored))
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/employers/emp-1/payruns/nope/payment-batch", &ignored))
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/employers/emp-1/payruns/nope/payments", &ignored))
}
