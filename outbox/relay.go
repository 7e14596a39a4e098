package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/wangyingjie930/payflow-pkg/logger"
	"github.com/wangyingjie930/payflow-pkg/mq"
	"github.com/wangyingjie930/payflow-pkg/store"
)

// RelayConfig controls one relay instance.
type RelayConfig struct {
	BatchSize   int
	LockOwner   string
	LockTTL     time.Duration
	FixedDelay  time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Relay periodically claims due PENDING outbox rows and publishes them.
// There is no attempt cap: outbound publish failures are treated as
// infrastructural and keep retrying with capped backoff until they recover.
type Relay struct {
	outbox    *Outbox
	publisher mq.Publisher
	cfg       RelayConfig
	owner     string
}

func NewRelay(outbox *Outbox, publisher mq.Publisher, cfg RelayConfig) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.LockOwner == "" {
		cfg.LockOwner = "outbox-relay"
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	if cfg.FixedDelay <= 0 {
		cfg.FixedDelay = time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 15 * time.Minute
	}
	return &Relay{
		outbox:    outbox,
		publisher: publisher,
		cfg:       cfg,
		// Unique per instance so lease ownership checks cannot collide
		// between replicas sharing the same configured owner name.
		owner: cfg.LockOwner + "-" + uuid.NewString(),
	}
}

// Start runs the relay loop until ctx is cancelled.
func (r *Relay) Start(ctx context.Context) error {
	log := logger.Ctx(ctx)
	log.Info().Dur("interval", r.cfg.FixedDelay).Str("owner", r.owner).Msg("starting outbox relay")

	ticker := time.NewTicker(r.cfg.FixedDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("stopping outbox relay")
			return nil
		case <-ticker.C:
			r.safeTick(ctx)
		}
	}
}

func (r *Relay) safeTick(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Ctx(ctx).Error().Any("panic", rec).Msg("panic in outbox relay tick")
		}
	}()
	if _, err := r.TickOnce(ctx, time.Now()); err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("outbox relay tick failed")
	}
}

// TickOnce claims one batch and publishes each row independently: a failing
// row is rescheduled with backoff while the rest of the batch still lands.
// Returns the number of rows marked SENT.
func (r *Relay) TickOnce(ctx context.Context, now time.Time) (int, error) {
	log := logger.Ctx(ctx)

	claimed, err := r.outbox.ClaimBatch(ctx, r.cfg.BatchSize, r.owner, r.cfg.LockTTL, now)
	if err != nil {
		return 0, err
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	sent := 0
	for _, row := range claimed {
		if err := r.publishRow(ctx, row); err != nil {
			next := Backoff(row.Attempts, r.cfg.BackoffBase, r.cfg.BackoffMax)
			log.Warn().
				Str("outbox_id", row.OutboxID).
				Str("topic", row.Topic).
				Int("attempts", row.Attempts).
				Dur("next_delay", next).
				Err(err).
				Msg("outbox publish failed")
			if markErr := r.outbox.MarkFailed(ctx, row.OutboxID, r.owner, err.Error(), now.Add(next)); markErr != nil {
				log.Error().Err(markErr).Str("outbox_id", row.OutboxID).Msg("failed to requeue outbox row")
			}
			continue
		}

		if err := r.outbox.MarkSent(ctx, row.OutboxID, r.owner, now); err != nil {
			log.Error().Err(err).Str("outbox_id", row.OutboxID).Msg("failed to mark outbox row sent")
			continue
		}
		sent++
	}

	log.Debug().Int("claimed", len(claimed)).Int("sent", sent).Msg("outbox relay tick")
	return sent, nil
}

func (r *Relay) publishRow(ctx context.Context, row store.OutboxEvent) error {
	headers := []kafka.Header{
		{Key: mq.HeaderEventType, Value: []byte(row.EventType)},
	}
	if row.EventID != nil {
		headers = append(headers, kafka.Header{Key: mq.HeaderEventID, Value: []byte(*row.EventID)})
	}
	if row.AggregateID != nil {
		headers = append(headers, kafka.Header{Key: mq.HeaderAggregateID, Value: []byte(*row.AggregateID)})
	}
	return r.publisher.Publish(ctx, row.Topic, []byte(row.EventKey), row.Payload, headers)
}
