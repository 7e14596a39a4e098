package payments

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/wangyingjie930/payflow-pkg/logger"
	"github.com/wangyingjie930/payflow-pkg/outbox"
	"github.com/wangyingjie930/payflow-pkg/store"
)

// SweeperConfig controls one sweeper instance.
type SweeperConfig struct {
	FixedDelay time.Duration
	SweepLimit int
	LockTTL    time.Duration
	// MaxBatchAttempts bounds sweep-and-retry cycles per batch; past it a
	// PARTIALLY_COMPLETED batch goes terminal FAILED.
	MaxBatchAttempts int
	RetryBase        time.Duration
	RetryMax         time.Duration
	// MaxPaymentAttempts bounds how often one payment row is reopened.
	MaxPaymentAttempts int
}

// Sweeper recovers batches the processor alone cannot finish: it reconciles
// stale or partial batches, schedules retries with exponential backoff, and
// escalates to terminal FAILED once the batch attempt budget is spent.
type Sweeper struct {
	db       *gorm.DB
	batches  *Batches
	payments *Payments
	events   *Events
	cfg      SweeperConfig
}

func NewSweeper(db *gorm.DB, batches *Batches, payments *Payments, events *Events, cfg SweeperConfig) *Sweeper {
	if cfg.FixedDelay <= 0 {
		cfg.FixedDelay = 5 * time.Second
	}
	if cfg.SweepLimit <= 0 {
		cfg.SweepLimit = 200
	}
	if cfg.SweepLimit > 1000 {
		cfg.SweepLimit = 1000
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	if cfg.MaxBatchAttempts <= 0 {
		cfg.MaxBatchAttempts = 5
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 30 * time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 15 * time.Minute
	}
	if cfg.MaxPaymentAttempts <= 0 {
		cfg.MaxPaymentAttempts = 3
	}
	return &Sweeper{db: db, batches: batches, payments: payments, events: events, cfg: cfg}
}

// Start runs the sweeper loop until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	log := logger.Ctx(ctx)
	log.Info().Dur("interval", s.cfg.FixedDelay).Msg("starting payment batch sweeper")

	ticker := time.NewTicker(s.cfg.FixedDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("stopping payment batch sweeper")
			return nil
		case <-ticker.C:
			s.safeTick(ctx)
		}
	}
}

func (s *Sweeper) safeTick(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Ctx(ctx).Error().Any("panic", rec).Msg("panic in payment batch sweeper tick")
		}
	}()
	if _, err := s.TickOnce(ctx, time.Now()); err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("payment batch sweeper tick failed")
	}
}

type batchKey struct {
	EmployerID string
	BatchID    string
}

// TickOnce sweeps stale-or-partial batches. Returns how many batches were
// reconciled this tick.
func (s *Sweeper) TickOnce(ctx context.Context, now time.Time) (int, error) {
	log := logger.Ctx(ctx)
	cutoff := store.LeaseCutoff(now, s.cfg.LockTTL)

	var candidates []batchKey
	err := s.db.WithContext(ctx).Model(&store.PaymentBatch{}).
		Select("employer_id", "batch_id").
		Where("status IN ?", []store.PaymentBatchStatus{store.BatchStatusProcessing, store.BatchStatusPartiallyCompleted}).
		Where(store.LeaseFree, cutoff).
		Order("updated_at").
		Limit(s.cfg.SweepLimit).
		Scan(&candidates).Error
	if err != nil {
		return 0, errors.Wrap(err, "list sweep candidates")
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	touched := 0
	for _, key := range candidates {
		if err := s.sweepBatch(ctx, key, now); err != nil {
			log.Error().Err(err).
				Str("employer_id", key.EmployerID).
				Str("batch_id", key.BatchID).
				Msg("payment batch sweep failed")
			continue
		}
		touched++
	}

	log.Info().Int("batches", touched).Msg("payment batch sweeper tick")
	return touched, nil
}

func (s *Sweeper) sweepBatch(ctx context.Context, key batchKey, now time.Time) error {
	// Recompute counters and status from the payment rows first, so a crash
	// mid-processing becomes visible before any retry decision.
	batch, _, err := s.batches.Reconcile(ctx, key.EmployerID, key.BatchID, now)
	if err != nil {
		return err
	}
	if batch == nil {
		return nil
	}
	if err := s.events.BatchStatusChanged(ctx, batch, now); err != nil {
		return err
	}

	if batch.Status != store.BatchStatusPartiallyCompleted {
		return nil
	}

	if batch.Attempts >= s.cfg.MaxBatchAttempts {
		if err := s.batches.Fail(ctx, key.EmployerID, key.BatchID, now); err != nil {
			return err
		}
		failed, err := s.batches.Find(ctx, key.EmployerID, key.BatchID)
		if err != nil || failed == nil {
			return err
		}
		return s.events.BatchStatusChanged(ctx, failed, now)
	}

	if batch.NextAttemptAt == nil {
		delay := outbox.Backoff(batch.Attempts, s.cfg.RetryBase, s.cfg.RetryMax)
		if err := s.batches.ScheduleRetry(ctx, key.EmployerID, key.BatchID, now.Add(delay), now); err != nil {
			return err
		}
		scheduled, err := s.batches.Find(ctx, key.EmployerID, key.BatchID)
		if err != nil || scheduled == nil {
			return err
		}
		return s.events.BatchStatusChanged(ctx, scheduled, now)
	}

	if batch.NextAttemptAt.After(now) {
		return nil
	}

	reopened, err := s.payments.ReopenFailed(ctx, key.EmployerID, key.BatchID, s.cfg.MaxPaymentAttempts, now)
	if err != nil {
		return err
	}
	if reopened == 0 {
		return nil
	}

	if err := s.batches.Reopen(ctx, key.EmployerID, key.BatchID, now); err != nil {
		return err
	}
	after, _, err := s.batches.Reconcile(ctx, key.EmployerID, key.BatchID, now)
	if err != nil || after == nil {
		return err
	}
	return s.events.BatchStatusChanged(ctx, after, now)
}
