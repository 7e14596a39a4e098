package ops

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/wangyingjie930/payflow-pkg/logger"
	"github.com/wangyingjie930/payflow-pkg/payments"
	"github.com/wangyingjie930/payflow-pkg/store"
)

// BatchView is the dashboard projection of a payment batch.
type BatchView struct {
	EmployerID       string     `json:"employerId"`
	BatchID          string     `json:"batchId"`
	PayRunID         string     `json:"payRunId"`
	Status           string     `json:"status"`
	TotalPayments    int        `json:"totalPayments"`
	SettledPayments  int        `json:"settledPayments"`
	FailedPayments   int        `json:"failedPayments"`
	Attempts         int        `json:"attempts"`
	NextAttemptAt    *time.Time `json:"nextAttemptAt,omitempty"`
	LastError        *string    `json:"lastError,omitempty"`
	Provider         string     `json:"provider"`
	ProviderBatchRef *string    `json:"providerBatchRef,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// PaymentView is the dashboard projection of one paycheck payment.
type PaymentView struct {
	PaymentID          string  `json:"paymentId"`
	PaycheckID         string  `json:"paycheckId"`
	EmployeeID         string  `json:"employeeId"`
	Currency           string  `json:"currency"`
	NetCents           int64   `json:"netCents"`
	Status             string  `json:"status"`
	Attempts           int     `json:"attempts"`
	LastError          *string `json:"lastError,omitempty"`
	ProviderPaymentRef *string `json:"providerPaymentRef,omitempty"`
}

// PayRunPaymentsView combines a pay run's batch with its payment rows.
type PayRunPaymentsView struct {
	Batch    BatchView     `json:"batch"`
	Payments []PaymentView `json:"payments"`
}

// Handler serves the read-only payment status endpoints.
type Handler struct {
	batches  *payments.Batches
	payments *payments.Payments
	cache    *Cache
}

func NewHandler(batches *payments.Batches, pays *payments.Payments, cache *Cache) *Handler {
	return &Handler{batches: batches, payments: pays, cache: cache}
}

// Register mounts the status routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /employers/{employerId}/payment-batches/{batchId}", h.getBatch)
	mux.HandleFunc("GET /employers/{employerId}/payruns/{payRunId}/payment-batch", h.getBatchByPayRun)
	mux.HandleFunc("GET /employers/{employerId}/payruns/{payRunId}/payments", h.getPayRunPayments)
}

func (h *Handler) getBatch(w http.ResponseWriter, r *http.Request) {
	employerID := r.PathValue("employerId")
	batchID := r.PathValue("batchId")
	cacheKey := fmt.Sprintf("payflow:batch:%s:%s", employerID, batchID)

	var view BatchView
	if h.cache.GetJSON(r.Context(), cacheKey, &view) {
		writeJSON(w, http.StatusOK, view)
		return
	}

	batch, err := h.batches.Find(r.Context(), employerID, batchID)
	if err != nil {
		httpError(w, r, err)
		return
	}
	if batch == nil {
		http.NotFound(w, r)
		return
	}

	view = batchView(batch)
	h.cache.SetJSON(r.Context(), cacheKey, view)
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) getBatchByPayRun(w http.ResponseWriter, r *http.Request) {
	employerID := r.PathValue("employerId")
	payRunID := r.PathValue("payRunId")
	cacheKey := fmt.Sprintf("payflow:payrun-batch:%s:%s", employerID, payRunID)

	var view BatchView
	if h.cache.GetJSON(r.Context(), cacheKey, &view) {
		writeJSON(w, http.StatusOK, view)
		return
	}

	batch, err := h.batches.FindByPayRun(r.Context(), employerID, payRunID)
	if err != nil {
		httpError(w, r, err)
		return
	}
	if batch == nil {
		http.NotFound(w, r)
		return
	}

	view = batchView(batch)
	h.cache.SetJSON(r.Context(), cacheKey, view)
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) getPayRunPayments(w http.ResponseWriter, r *http.Request) {
	employerID := r.PathValue("employerId")
	payRunID := r.PathValue("payRunId")

	batch, err := h.batches.FindByPayRun(r.Context(), employerID, payRunID)
	if err != nil {
		httpError(w, r, err)
		return
	}
	if batch == nil {
		http.NotFound(w, r)
		return
	}

	rows, err := h.payments.ListByPayRun(r.Context(), employerID, payRunID)
	if err != nil {
		httpError(w, r, err)
		return
	}

	view := PayRunPaymentsView{
		Batch:    batchView(batch),
		Payments: make([]PaymentView, 0, len(rows)),
	}
	for i := range rows {
		view.Payments = append(view.Payments, paymentView(&rows[i]))
	}
	writeJSON(w, http.StatusOK, view)
}

func batchView(b *store.PaymentBatch) BatchView {
	return BatchView{
		EmployerID:       b.EmployerID,
		BatchID:          b.BatchID,
		PayRunID:         b.PayRunID,
		Status:           string(b.Status),
		TotalPayments:    b.TotalPayments,
		SettledPayments:  b.SettledPayments,
		FailedPayments:   b.FailedPayments,
		Attempts:         b.Attempts,
		NextAttemptAt:    b.NextAttemptAt,
		LastError:        b.LastError,
		Provider:         b.Provider,
		ProviderBatchRef: b.ProviderBatchRef,
		CreatedAt:        b.CreatedAt,
		UpdatedAt:        b.UpdatedAt,
	}
}

func paymentView(p *store.PaycheckPayment) PaymentView {
	return PaymentView{
		PaymentID:          p.PaymentID,
		PaycheckID:         p.PaycheckID,
		EmployeeID:         p.EmployeeID,
		Currency:           p.Currency,
		NetCents:           p.NetCents,
		Status:             string(p.Status),
		Attempts:           p.Attempts,
		LastError:          p.LastError,
		ProviderPaymentRef: p.ProviderPaymentRef,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, r *http.Request, err error) {
	logger.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("ops request failed")
	http.Error(w, "internal error", http.StatusInternalServerError)
}
