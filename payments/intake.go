package payments

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/wangyingjie930/payflow-pkg/logger"
	"github.com/wangyingjie930/payflow-pkg/store"
)

// Intake turns payment-requested events into CREATED payment rows grouped
// into their pay run's batch. Every step is idempotent, so redelivered or
// replayed requests converge on the same rows.
type Intake struct {
	db       *gorm.DB
	batches  *Batches
	payments *Payments
	provider Provider
	events   *Events
}

func NewIntake(db *gorm.DB, batches *Batches, payments *Payments, provider Provider, events *Events) *Intake {
	return &Intake{db: db, batches: batches, payments: payments, provider: provider, events: events}
}

// HandlePaymentRequested intakes one paycheck payment: get or create the pay
// run's batch, insert the payment row if absent, attach the batch id on a
// pre-existing row, refresh the batch counters, and emit CREATED once.
func (in *Intake) HandlePaymentRequested(ctx context.Context, evt PaymentRequestedEvent, now time.Time) error {
	paymentID := "pmt-" + evt.PaycheckID

	err := in.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		batchID, err := in.batches.GetOrCreateForPayRun(ctx, tx, evt.EmployerID, evt.PayRunID, in.provider.Name(), now)
		if err != nil {
			return err
		}

		inserted, err := in.payments.InsertIfAbsent(ctx, tx, NewPayment{
			EmployerID:  evt.EmployerID,
			PaymentID:   paymentID,
			PaycheckID:  evt.PaycheckID,
			PayRunID:    evt.PayRunID,
			EmployeeID:  evt.EmployeeID,
			PayPeriodID: evt.PayPeriodID,
			Currency:    evt.Currency,
			NetCents:    evt.NetCents,
			BatchID:     batchID,
		}, now)
		if err != nil {
			return err
		}
		if !inserted {
			// Idempotent retry: the row may predate the batch, so backfill.
			if err := in.payments.AttachBatchIfMissing(ctx, tx, evt.EmployerID, evt.PaycheckID, batchID); err != nil {
				return err
			}
		}

		current, err := in.payments.FindByPaycheck(ctx, tx, evt.EmployerID, evt.PaycheckID)
		if err != nil || current == nil {
			return err
		}
		if current.Status == store.PaymentStatusCreated {
			if err := in.events.PaymentStatusChanged(ctx, tx, current, store.PaymentStatusCreated, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Counter freshness for dashboards; correctness does not depend on it.
	batch, err := in.batches.FindByPayRun(ctx, evt.EmployerID, evt.PayRunID)
	if err != nil || batch == nil {
		return err
	}
	if _, _, err := in.batches.Reconcile(ctx, batch.EmployerID, batch.BatchID, now); err != nil {
		return err
	}

	logger.Ctx(ctx).Debug().
		Str("employer_id", evt.EmployerID).
		Str("pay_run_id", evt.PayRunID).
		Str("paycheck_id", evt.PaycheckID).
		Msg("payment intaken")
	return nil
}
