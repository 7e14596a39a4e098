package payments

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/wangyingjie930/payflow-pkg/outbox"
	"github.com/wangyingjie930/payflow-pkg/store"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))
	return db
}

type fixture struct {
	db       *gorm.DB
	outbox   *outbox.Outbox
	batches  *Batches
	payments *Payments
	provider *SimulatedProvider
	events   *Events
	intake   *Intake
}

func newFixture(t *testing.T, failNetCents int64) *fixture {
	t.Helper()
	db := newTestDB(t)
	ob := outbox.New(db)
	batches := NewBatches(db)
	pays := NewPayments(db)
	provider := &SimulatedProvider{FailIfNetCentsEquals: failNetCents}
	events := NewEvents(ob, Topics{
		PaymentStatusChanged: "paycheck.payment.status_changed",
		BatchStatusChanged:   "payment.batch.status_changed",
	})
	return &fixture{
		db:       db,
		outbox:   ob,
		batches:  batches,
		payments: pays,
		provider: provider,
		events:   events,
		intake:   NewIntake(db, batches, pays, provider, events),
	}
}

func requested(paycheckID, employeeID string, netCents int64) PaymentRequestedEvent {
	return PaymentRequestedEvent{
		EventID:     "req-" + paycheckID,
		EmployerID:  "emp-1",
		PayRunID:    "pr-1",
		PaycheckID:  paycheckID,
		EmployeeID:  employeeID,
		PayPeriodID: "pp-1",
		Currency:    "USD",
		NetCents:    netCents,
	}
}

func TestIntakeIsIdempotent(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, f.intake.HandlePaymentRequested(ctx, requested("pc-1", "ee-1", 100000), now))
	require.NoError(t, f.intake.HandlePaymentRequested(ctx, requested("pc-1", "ee-1", 100000), now))

	var paymentCount, batchCount int64
	require.NoError(t, f.db.Model(&store.PaycheckPayment{}).Count(&paymentCount).Error)
	require.NoError(t, f.db.Model(&store.PaymentBatch{}).Count(&batchCount).Error)
	assert.EqualValues(t, 1, paymentCount)
	assert.EqualValues(t, 1, batchCount)

	row, err := f.payments.FindByPaycheck(ctx, nil, "emp-1", "pc-1")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "pmt-pc-1", row.PaymentID)
	assert.Equal(t, store.PaymentStatusCreated, row.Status)
	require.NotNil(t, row.BatchID)

	// The CREATED event collapses to a single outbox row.
	var createdEvents int64
	require.NoError(t, f.db.Model(&store.OutboxEvent{}).
		Where("event_id = ?", PaymentStatusEventID("emp-1", "pc-1", store.PaymentStatusCreated)).
		Count(&createdEvents).Error)
	assert.EqualValues(t, 1, createdEvents)
}

func TestProcessorSettlesAndFailsWithinOneBatch(t *testing.T) {
	f := newFixture(t, 200000)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, f.intake.HandlePaymentRequested(ctx, requested("pc-1", "ee-1", 100000), now))
	require.NoError(t, f.intake.HandlePaymentRequested(ctx, requested("pc-2", "ee-2", 200000), now))

	processor := NewProcessor(f.batches, f.payments, f.provider, f.events, ProcessorConfig{AutoSettle: true})
	processed, err := processor.TickOnce(ctx, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, processed)

	batch, err := f.batches.FindByPayRun(ctx, "emp-1", "pr-1")
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, store.BatchStatusPartiallyCompleted, batch.Status)
	assert.Equal(t, 2, batch.TotalPayments)
	assert.Equal(t, 1, batch.SettledPayments)
	assert.Equal(t, 1, batch.FailedPayments)
	require.NotNil(t, batch.ProviderBatchRef)
	assert.Equal(t, "sim-"+batch.BatchID, *batch.ProviderBatchRef)

	settled, err := f.payments.FindByPaycheck(ctx, nil, "emp-1", "pc-1")
	require.NoError(t, err)
	assert.Equal(t, store.PaymentStatusSettled, settled.Status)
	require.NotNil(t, settled.ProviderPaymentRef)
	assert.Equal(t, "sim-pmt-pc-1", *settled.ProviderPaymentRef)

	failed, err := f.payments.FindByPaycheck(ctx, nil, "emp-1", "pc-2")
	require.NoError(t, err)
	assert.Equal(t, store.PaymentStatusFailed, failed.Status)
	assert.Equal(t, 1, failed.Attempts)
	require.NotNil(t, failed.ProviderPaymentRef)
	require.NotNil(t, failed.LastError)
	assert.Equal(t, "simulated_failure", *failed.LastError)

	// SUBMITTED plus the terminal transition landed in the outbox for both.
	for _, want := range []string{
		PaymentStatusEventID("emp-1", "pc-1", store.PaymentStatusSubmitted),
		PaymentStatusEventID("emp-1", "pc-1", store.PaymentStatusSettled),
		PaymentStatusEventID("emp-1", "pc-2", store.PaymentStatusSubmitted),
		PaymentStatusEventID("emp-1", "pc-2", store.PaymentStatusFailed),
	} {
		var n int64
		require.NoError(t, f.db.Model(&store.OutboxEvent{}).Where("event_id = ?", want).Count(&n).Error)
		assert.EqualValues(t, 1, n, "event %s", want)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	f := newFixture(t, 200000)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, f.intake.HandlePaymentRequested(ctx, requested("pc-1", "ee-1", 100000), now))
	require.NoError(t, f.intake.HandlePaymentRequested(ctx, requested("pc-2", "ee-2", 200000), now))

	processor := NewProcessor(f.batches, f.payments, f.provider, f.events, ProcessorConfig{AutoSettle: true})
	_, err := processor.TickOnce(ctx, now.Add(time.Second))
	require.NoError(t, err)

	batch, err := f.batches.FindByPayRun(ctx, "emp-1", "pr-1")
	require.NoError(t, err)

	first, changed, err := f.batches.Reconcile(ctx, batch.EmployerID, batch.BatchID, now.Add(2*time.Second))
	require.NoError(t, err)
	assert.False(t, changed)

	second, changed, err := f.batches.Reconcile(ctx, batch.EmployerID, batch.BatchID, now.Add(3*time.Second))
	require.NoError(t, err)
	assert.False(t, changed)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.TotalPayments, second.TotalPayments)
	assert.Equal(t, first.SettledPayments, second.SettledPayments)
	assert.Equal(t, first.FailedPayments, second.FailedPayments)
}

func TestClaimCreatedByBatchLeasesExclusively(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, f.intake.HandlePaymentRequested(ctx, requested("pc-1", "ee-1", 100000), now))
	require.NoError(t, f.intake.HandlePaymentRequested(ctx, requested("pc-2", "ee-2", 150000), now))

	batch, err := f.batches.FindByPayRun(ctx, "emp-1", "pr-1")
	require.NoError(t, err)

	first, err := f.payments.ClaimCreatedByBatch(ctx, "emp-1", batch.BatchID, 10, "proc-a", time.Minute, now)
	require.NoError(t, err)
	require.Len(t, first, 2)
	for _, row := range first {
		assert.Equal(t, store.PaymentStatusSubmitted, row.Status)
		require.NotNil(t, row.SubmittedAt)
	}

	// Nothing CREATED remains for a rival processor.
	second, err := f.payments.ClaimCreatedByBatch(ctx, "emp-1", batch.BatchID, 10, "proc-b", time.Minute, now)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func newSweeper(f *fixture) *Sweeper {
	return NewSweeper(f.db, f.batches, f.payments, f.events, SweeperConfig{
		MaxBatchAttempts:   5,
		RetryBase:          30 * time.Second,
		RetryMax:           15 * time.Minute,
		MaxPaymentAttempts: 3,
	})
}

func TestSweeperSchedulesThenReopensFailedPayments(t *testing.T) {
	f := newFixture(t, 200000)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, f.intake.HandlePaymentRequested(ctx, requested("pc-1", "ee-1", 100000), now))
	require.NoError(t, f.intake.HandlePaymentRequested(ctx, requested("pc-2", "ee-2", 200000), now))

	processor := NewProcessor(f.batches, f.payments, f.provider, f.events, ProcessorConfig{AutoSettle: true})
	_, err := processor.TickOnce(ctx, now.Add(time.Second))
	require.NoError(t, err)

	sweeper := newSweeper(f)

	// First sweep schedules the retry without touching payment rows yet.
	sweepAt := now.Add(2 * time.Minute)
	touched, err := sweeper.TickOnce(ctx, sweepAt)
	require.NoError(t, err)
	assert.Equal(t, 1, touched)

	batch, err := f.batches.FindByPayRun(ctx, "emp-1", "pr-1")
	require.NoError(t, err)
	assert.Equal(t, store.BatchStatusPartiallyCompleted, batch.Status)
	assert.Equal(t, 1, batch.Attempts)
	require.NotNil(t, batch.NextAttemptAt)
	assert.WithinDuration(t, sweepAt.Add(30*time.Second), *batch.NextAttemptAt, 2*time.Second)

	failed, err := f.payments.FindByPaycheck(ctx, nil, "emp-1", "pc-2")
	require.NoError(t, err)
	assert.Equal(t, store.PaymentStatusFailed, failed.Status)

	// A sweep before the scheduled time waits.
	_, err = sweeper.TickOnce(ctx, sweepAt.Add(10*time.Second))
	require.NoError(t, err)
	failed, err = f.payments.FindByPaycheck(ctx, nil, "emp-1", "pc-2")
	require.NoError(t, err)
	assert.Equal(t, store.PaymentStatusFailed, failed.Status)

	// Once due, the failed payment reopens and the batch resumes processing.
	_, err = sweeper.TickOnce(ctx, sweepAt.Add(31*time.Second))
	require.NoError(t, err)

	reopened, err := f.payments.FindByPaycheck(ctx, nil, "emp-1", "pc-2")
	require.NoError(t, err)
	assert.Equal(t, store.PaymentStatusCreated, reopened.Status)
	assert.Nil(t, reopened.LastError)
	assert.Equal(t, 1, reopened.Attempts)

	batch, err = f.batches.FindByPayRun(ctx, "emp-1", "pr-1")
	require.NoError(t, err)
	assert.Equal(t, store.BatchStatusProcessing, batch.Status)
	assert.Nil(t, batch.NextAttemptAt)

	// The next processor tick settles the retried payment: the simulated
	// failure only hits first attempts.
	_, err = processor.TickOnce(ctx, sweepAt.Add(time.Minute))
	require.NoError(t, err)

	batch, err = f.batches.FindByPayRun(ctx, "emp-1", "pr-1")
	require.NoError(t, err)
	assert.Equal(t, store.BatchStatusCompleted, batch.Status)
	assert.Equal(t, 2, batch.SettledPayments)
}

func TestSweeperFailsBatchAfterRetryBudget(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	now := time.Now()

	lastErr := "provider rejected"
	batchID := "pbat-budget"
	require.NoError(t, f.db.Create(&store.PaymentBatch{
		EmployerID: "emp-1",
		BatchID:    batchID,
		PayRunID:   "pr-1",
		Status:     store.BatchStatusPartiallyCompleted,
		Attempts:   5,
		Provider:   "simulated",
		CreatedAt:  now,
		UpdatedAt:  now,
	}).Error)
	require.NoError(t, f.db.Create(&store.PaycheckPayment{
		EmployerID: "emp-1", PaymentID: "pmt-pc-1", PaycheckID: "pc-1", PayRunID: "pr-1",
		EmployeeID: "ee-1", PayPeriodID: "pp-1", Currency: "USD", NetCents: 100000,
		Status: store.PaymentStatusSettled, BatchID: &batchID, CreatedAt: now, UpdatedAt: now,
	}).Error)
	require.NoError(t, f.db.Create(&store.PaycheckPayment{
		EmployerID: "emp-1", PaymentID: "pmt-pc-2", PaycheckID: "pc-2", PayRunID: "pr-1",
		EmployeeID: "ee-2", PayPeriodID: "pp-1", Currency: "USD", NetCents: 200000,
		Status: store.PaymentStatusFailed, Attempts: 3, LastError: &lastErr,
		BatchID: &batchID, CreatedAt: now, UpdatedAt: now,
	}).Error)

	sweeper := newSweeper(f)

	touched, err := sweeper.TickOnce(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, touched)

	batch, err := f.batches.Find(ctx, "emp-1", batchID)
	require.NoError(t, err)
	assert.Equal(t, store.BatchStatusFailed, batch.Status)
	assert.Nil(t, batch.NextAttemptAt)

	// Terminal is terminal: further sweeps and reconciles leave it FAILED.
	touched, err = sweeper.TickOnce(ctx, now.Add(4*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, touched)

	reconciled, changed, err := f.batches.Reconcile(ctx, "emp-1", batchID, now.Add(5*time.Minute))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, store.BatchStatusFailed, reconciled.Status)

	// The terminal FAILED batch event was emitted exactly once.
	var n int64
	require.NoError(t, f.db.Model(&store.OutboxEvent{}).
		Where("event_id = ?", BatchTerminalEventID(batch)).
		Count(&n).Error)
	assert.EqualValues(t, 1, n)
}
