package payments

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/wangyingjie930/payflow-pkg/logger"
	"github.com/wangyingjie930/payflow-pkg/store"
)

// ProcessorConfig controls one processor instance.
type ProcessorConfig struct {
	// BatchSize caps payments processed per tick across all batches.
	BatchSize int
	// MaxBatchesPerTick caps batches claimed per tick.
	MaxBatchesPerTick int
	LockOwner         string
	LockTTL           time.Duration
	FixedDelay        time.Duration
	// AutoSettle resolves each submitted payment to a terminal state in the
	// same tick. Off, payments stay SUBMITTED for an external settlement feed.
	AutoSettle bool
}

// Processor claims leases over active batches and the CREATED payments within
// them, submits each slice to the provider, and reconciles batch aggregates.
// Batch leases and payment-row leases are independent: the former bounds one
// sweep of a batch, the latter one claim-and-settle unit per payment.
type Processor struct {
	batches  *Batches
	payments *Payments
	provider Provider
	events   *Events
	cfg      ProcessorConfig
	owner    string
}

func NewProcessor(batches *Batches, payments *Payments, provider Provider, events *Events, cfg ProcessorConfig) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxBatchesPerTick <= 0 {
		cfg.MaxBatchesPerTick = 25
	}
	if cfg.LockOwner == "" {
		cfg.LockOwner = "payments-processor"
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	if cfg.FixedDelay <= 0 {
		cfg.FixedDelay = time.Second
	}
	return &Processor{
		batches:  batches,
		payments: payments,
		provider: provider,
		events:   events,
		cfg:      cfg,
		owner:    cfg.LockOwner + "-" + uuid.NewString(),
	}
}

// Start runs the processor loop until ctx is cancelled.
func (p *Processor) Start(ctx context.Context) error {
	log := logger.Ctx(ctx)
	log.Info().Dur("interval", p.cfg.FixedDelay).Str("owner", p.owner).Msg("starting payments processor")

	ticker := time.NewTicker(p.cfg.FixedDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("stopping payments processor")
			return nil
		case <-ticker.C:
			p.safeTick(ctx)
		}
	}
}

func (p *Processor) safeTick(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Ctx(ctx).Error().Any("panic", rec).Msg("panic in payments processor tick")
		}
	}()
	if _, err := p.TickOnce(ctx, time.Now()); err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("payments processor tick failed")
	}
}

// TickOnce claims up to MaxBatchesPerTick batches and drives their CREATED
// payments within the per-tick budget. Returns payments processed.
func (p *Processor) TickOnce(ctx context.Context, now time.Time) (int, error) {
	log := logger.Ctx(ctx)

	batches, err := p.batches.ClaimActive(ctx, p.cfg.MaxBatchesPerTick, p.owner, p.cfg.LockTTL, now)
	if err != nil {
		return 0, err
	}
	if len(batches) == 0 {
		return 0, nil
	}

	processed := 0
	for i := range batches {
		if processed >= p.cfg.BatchSize {
			break
		}
		n, err := p.processBatch(ctx, &batches[i], p.cfg.BatchSize-processed, now)
		if err != nil {
			// Tick-level safety net: leave the batch to its lease expiry and
			// move on to the next one.
			log.Error().Err(err).
				Str("employer_id", batches[i].EmployerID).
				Str("batch_id", batches[i].BatchID).
				Msg("payment batch processing failed")
			continue
		}
		processed += n
	}

	log.Info().
		Int("payments", processed).
		Int("batches", len(batches)).
		Str("provider", p.provider.Name()).
		Msg("payments processor tick")
	return processed, nil
}

func (p *Processor) processBatch(ctx context.Context, batch *store.PaymentBatch, budget int, now time.Time) (int, error) {
	claimed, err := p.payments.ClaimCreatedByBatch(ctx, batch.EmployerID, batch.BatchID, budget, p.owner, p.cfg.LockTTL, now)
	if err != nil {
		return 0, err
	}

	for i := range claimed {
		if err := p.events.PaymentStatusChanged(ctx, nil, &claimed[i], store.PaymentStatusSubmitted, now); err != nil {
			return 0, err
		}
	}

	if len(claimed) > 0 && p.cfg.AutoSettle {
		if err := p.settleSlice(ctx, batch, claimed, now); err != nil {
			return 0, err
		}
	}

	// Always reconcile, even for an empty slice: this is how a batch whose
	// rows were all resolved by a previous crashed tick becomes visible.
	reconciled, _, err := p.batches.Reconcile(ctx, batch.EmployerID, batch.BatchID, now)
	if err != nil {
		return 0, err
	}
	if reconciled != nil && reconciled.Status.Terminal() {
		if err := p.events.BatchStatusChanged(ctx, reconciled, now); err != nil {
			return 0, err
		}
	}

	return len(claimed), nil
}

func (p *Processor) settleSlice(ctx context.Context, batch *store.PaymentBatch, claimed []store.PaycheckPayment, now time.Time) error {
	submission, err := p.provider.SubmitBatch(ctx, SubmissionRequest{
		EmployerID: batch.EmployerID,
		PayRunID:   batch.PayRunID,
		BatchID:    batch.BatchID,
		Payments:   claimed,
	}, now)
	if err != nil {
		// Claimed rows stay SUBMITTED and leased; the sweeper reconciles
		// them once the lease expires.
		return err
	}

	if err := p.batches.SetProviderBatchRefIfMissing(ctx, batch.EmployerID, batch.BatchID, submission.ProviderBatchRef); err != nil {
		return err
	}

	byPaymentID := make(map[string]PaymentResult, len(submission.Results))
	for _, res := range submission.Results {
		byPaymentID[res.PaymentID] = res
	}

	for i := range claimed {
		row := &claimed[i]
		res, ok := byPaymentID[row.PaymentID]
		if !ok {
			continue
		}

		if err := p.payments.SetProviderPaymentRefIfMissing(ctx, row.EmployerID, row.PaymentID, res.ProviderPaymentRef); err != nil {
			return err
		}

		switch res.Status {
		case store.PaymentStatusSettled:
			if err := p.payments.MarkSettled(ctx, row.EmployerID, row.PaymentID, now); err != nil {
				return err
			}
		case store.PaymentStatusFailed:
			if err := p.payments.MarkFailed(ctx, row.EmployerID, row.PaymentID, res.Error, now); err != nil {
				return err
			}
		default:
			continue
		}

		if err := p.events.PaymentStatusChanged(ctx, nil, row, res.Status, now); err != nil {
			return err
		}
	}

	return nil
}
