package payments

import (
	"context"
	"time"

	"github.com/wangyingjie930/payflow-pkg/store"
)

// SubmissionRequest is one batch slice handed to the payment rails.
type SubmissionRequest struct {
	EmployerID string
	PayRunID   string
	BatchID    string
	Payments   []store.PaycheckPayment
}

// PaymentResult is the provider's verdict on one payment.
type PaymentResult struct {
	PaymentID          string
	ProviderPaymentRef string
	Status             store.PaymentStatus
	Error              string
}

// Submission is the provider's response for a batch slice.
type Submission struct {
	ProviderBatchRef string
	Results          []PaymentResult
}

// Provider is the payment-rails boundary. Implementations return settle or
// fail outcomes plus reference ids for a slice of submitted payments.
type Provider interface {
	Name() string
	SubmitBatch(ctx context.Context, req SubmissionRequest, now time.Time) (Submission, error)
}

// SimulatedProvider settles every payment immediately. FailIfNetCentsEquals
// fails a matching payment's first attempt instead, which lets tests and
// sandbox runs exercise the failure and retry paths end to end.
type SimulatedProvider struct {
	FailIfNetCentsEquals int64
}

func (p *SimulatedProvider) Name() string { return "simulated" }

func (p *SimulatedProvider) SubmitBatch(_ context.Context, req SubmissionRequest, _ time.Time) (Submission, error) {
	sub := Submission{
		ProviderBatchRef: "sim-" + req.BatchID,
		Results:          make([]PaymentResult, 0, len(req.Payments)),
	}

	for _, row := range req.Payments {
		result := PaymentResult{
			PaymentID:          row.PaymentID,
			ProviderPaymentRef: "sim-" + row.PaymentID,
			Status:             store.PaymentStatusSettled,
		}
		if p.FailIfNetCentsEquals != 0 && row.NetCents == p.FailIfNetCentsEquals && row.Attempts == 0 {
			result.Status = store.PaymentStatusFailed
			result.Error = "simulated_failure"
		}
		sub.Results = append(sub.Results, result)
	}

	return sub, nil
}
