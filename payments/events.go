// Package payments drives paycheck payments through a batched lifecycle:
// intake creates CREATED rows grouped into a per-payrun batch, the processor
// submits them to the provider and resolves terminal states, and the sweeper
// recovers stuck or partially completed batches with bounded retries.
package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/wangyingjie930/payflow-pkg/logger"
	"github.com/wangyingjie930/payflow-pkg/outbox"
	"github.com/wangyingjie930/payflow-pkg/store"
)

// Topics names the destinations for payment lifecycle events.
type Topics struct {
	PaymentStatusChanged string
	BatchStatusChanged   string
	BatchTerminal        string
}

// PaymentRequestedEvent asks the payments core to pay one paycheck.
type PaymentRequestedEvent struct {
	EventID     string    `json:"eventId"`
	OccurredAt  time.Time `json:"occurredAt"`
	EmployerID  string    `json:"employerId"`
	PayRunID    string    `json:"payRunId"`
	PaycheckID  string    `json:"paycheckId"`
	EmployeeID  string    `json:"employeeId"`
	PayPeriodID string    `json:"payPeriodId"`
	Currency    string    `json:"currency"`
	NetCents    int64     `json:"netCents"`
}

// PaymentStatusChangedEvent announces a paycheck payment transition.
type PaymentStatusChangedEvent struct {
	EventID    string              `json:"eventId"`
	OccurredAt time.Time           `json:"occurredAt"`
	EmployerID string              `json:"employerId"`
	PayRunID   string              `json:"payRunId"`
	PaycheckID string              `json:"paycheckId"`
	PaymentID  string              `json:"paymentId"`
	Status     store.PaymentStatus `json:"status"`
}

// BatchStatusChangedEvent announces a batch transition with its counters.
type BatchStatusChangedEvent struct {
	EventID         string                   `json:"eventId"`
	OccurredAt      time.Time                `json:"occurredAt"`
	EmployerID      string                   `json:"employerId"`
	BatchID         string                   `json:"batchId"`
	PayRunID        string                   `json:"payRunId"`
	Status          store.PaymentBatchStatus `json:"status"`
	TotalPayments   int                      `json:"totalPayments"`
	SettledPayments int                      `json:"settledPayments"`
	FailedPayments  int                      `json:"failedPayments"`
}

// PaymentStatusEventID is deterministic so that repeated emission of the
// same transition collapses to one outbox row.
func PaymentStatusEventID(employerID, paycheckID string, status store.PaymentStatus) string {
	return fmt.Sprintf("paycheck-payment-status-changed:%s:%s:%s", employerID, paycheckID, status)
}

// BatchStatusEventID includes the counters: each distinct counter state is
// announced once, while re-reconciling an unchanged batch stays a no-op.
func BatchStatusEventID(b *store.PaymentBatch) string {
	return fmt.Sprintf("payment-batch-status-changed:%s:%s:%s:%d:%d:%d",
		b.EmployerID, b.BatchID, b.Status, b.TotalPayments, b.SettledPayments, b.FailedPayments)
}

// BatchTerminalEventID is keyed by batch and status only, so COMPLETED and
// FAILED are each announced at most once per batch.
func BatchTerminalEventID(b *store.PaymentBatch) string {
	return fmt.Sprintf("payment-batch-terminal:%s:%s:%s", b.EmployerID, b.BatchID, b.Status)
}

// Events enqueues payment lifecycle events through the outbox.
type Events struct {
	outbox *outbox.Outbox
	topics Topics
}

func NewEvents(ob *outbox.Outbox, topics Topics) *Events {
	return &Events{outbox: ob, topics: topics}
}

// PaymentStatusChanged enqueues a status-changed event for one payment. When
// tx is non-nil the outbox row joins the caller's transaction.
func (e *Events) PaymentStatusChanged(ctx context.Context, tx *gorm.DB, p *store.PaycheckPayment, status store.PaymentStatus, now time.Time) error {
	evt := PaymentStatusChangedEvent{
		EventID:    PaymentStatusEventID(p.EmployerID, p.PaycheckID, status),
		OccurredAt: now,
		EmployerID: p.EmployerID,
		PayRunID:   p.PayRunID,
		PaycheckID: p.PaycheckID,
		PaymentID:  p.PaymentID,
		Status:     status,
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return errors.Wrap(err, "marshal payment status event")
	}

	ins := outbox.Insert{
		Topic:       e.topics.PaymentStatusChanged,
		EventKey:    p.EmployerID + ":" + p.PayRunID,
		EventType:   "PaycheckPaymentStatusChanged",
		EventID:     evt.EventID,
		AggregateID: p.PaycheckID,
		Payload:     payload,
	}

	_, _, err = e.enqueue(ctx, tx, ins, now)
	return err
}

// BatchStatusChanged enqueues the batch-status event for the batch's current
// state, plus the once-per-batch terminal event when it reached COMPLETED or
// FAILED.
func (e *Events) BatchStatusChanged(ctx context.Context, b *store.PaymentBatch, now time.Time) error {
	evt := BatchStatusChangedEvent{
		EventID:         BatchStatusEventID(b),
		OccurredAt:      now,
		EmployerID:      b.EmployerID,
		BatchID:         b.BatchID,
		PayRunID:        b.PayRunID,
		Status:          b.Status,
		TotalPayments:   b.TotalPayments,
		SettledPayments: b.SettledPayments,
		FailedPayments:  b.FailedPayments,
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return errors.Wrap(err, "marshal batch status event")
	}

	if _, _, err := e.enqueue(ctx, nil, outbox.Insert{
		Topic:       e.topics.BatchStatusChanged,
		EventKey:    b.EmployerID + ":" + b.PayRunID,
		EventType:   "PaymentBatchStatusChanged",
		EventID:     evt.EventID,
		AggregateID: b.BatchID,
		Payload:     payload,
	}, now); err != nil {
		return err
	}

	if !b.Status.Terminal() {
		return nil
	}

	evt.EventID = BatchTerminalEventID(b)
	payload, err = json.Marshal(evt)
	if err != nil {
		return errors.Wrap(err, "marshal batch terminal event")
	}

	topic := e.topics.BatchTerminal
	if topic == "" {
		topic = e.topics.BatchStatusChanged
	}

	_, _, err = e.enqueue(ctx, nil, outbox.Insert{
		Topic:       topic,
		EventKey:    b.EmployerID + ":" + b.PayRunID,
		EventType:   "PaymentBatchTerminal",
		EventID:     evt.EventID,
		AggregateID: b.BatchID,
		Payload:     payload,
	}, now)
	return err
}

func (e *Events) enqueue(ctx context.Context, tx *gorm.DB, ins outbox.Insert, now time.Time) (string, bool, error) {
	var (
		id       string
		inserted bool
		err      error
	)
	if tx != nil {
		id, inserted, err = e.outbox.EnqueueInTx(ctx, tx, ins, now)
	} else {
		id, inserted, err = e.outbox.Enqueue(ctx, ins, now)
	}
	if err != nil {
		return "", false, err
	}
	if !inserted {
		logger.Ctx(ctx).Debug().Str("event_id", ins.EventID).Msg("payments.event.duplicate_skipped")
	}
	return id, inserted, nil
}
