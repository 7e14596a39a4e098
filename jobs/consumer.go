package jobs

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"github.com/wangyingjie930/payflow-pkg/httpclient"
	"github.com/wangyingjie930/payflow-pkg/logger"
	"github.com/wangyingjie930/payflow-pkg/mq"
)

// Dead-letter headers preserve the failure context for operator inspection
// and manual replay.
const (
	HeaderOriginalTopic    = "dlt-original-topic"
	HeaderExceptionMessage = "dlt-exception-message"
	HeaderRetryCount       = "retry-count"
)

// FinalizeResult is the owning service's verdict on one item.
type FinalizeResult struct {
	ItemStatus   string `json:"itemStatus"`
	Retryable    bool   `json:"retryable"`
	AttemptCount int    `json:"attemptCount"`
	PaycheckID   string `json:"paycheckId"`
	Error        string `json:"error"`
}

// ItemFinalizer calls the per-item endpoint of the service owning the work.
type ItemFinalizer interface {
	FinalizeEmployeeItem(ctx context.Context, job FinalizeEmployeeJob) (FinalizeResult, error)
}

// HTTPFinalizer finalizes items over the owning service's HTTP endpoint.
type HTTPFinalizer struct {
	client *httpclient.Client
	url    string
}

func NewHTTPFinalizer(client *httpclient.Client, url string) *HTTPFinalizer {
	return &HTTPFinalizer{client: client, url: url}
}

func (f *HTTPFinalizer) FinalizeEmployeeItem(ctx context.Context, job FinalizeEmployeeJob) (FinalizeResult, error) {
	var result FinalizeResult
	err := f.client.PostJSON(ctx, f.url, job, &result)
	return result, err
}

// LadderConsumerConfig controls the retry-ladder consumer.
type LadderConsumerConfig struct {
	Brokers []string
	GroupID string
	// MaxAttempts is the total attempt budget, first delivery included.
	MaxAttempts int
}

// LadderConsumer consumes finalize jobs, calls the per-item endpoint, and on
// retryable failure republishes the job to the next fixed-delay tier. Once
// the attempt budget is spent the job dead-letters with its final error.
type LadderConsumer struct {
	cfg       LadderConsumerConfig
	reader    *kafka.Reader
	publisher mq.Publisher
	finalizer ItemFinalizer
}

func NewLadderConsumer(cfg LadderConsumerConfig, publisher mq.Publisher, finalizer ItemFinalizer) *LadderConsumer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	return &LadderConsumer{
		cfg:       cfg,
		reader:    mq.NewKafkaReader(cfg.Brokers, TopicFinalizeEmployee, cfg.GroupID),
		publisher: publisher,
		finalizer: finalizer,
	}
}

// Start consumes until ctx is cancelled.
func (c *LadderConsumer) Start(ctx context.Context) error {
	log := logger.Ctx(ctx)
	log.Info().Str("topic", TopicFinalizeEmployee).Str("group", c.cfg.GroupID).Msg("starting finalize job consumer")

	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info().Msg("stopping finalize job consumer")
				return nil
			}
			log.Error().Err(err).Msg("read finalize job message")
			continue
		}
		c.handle(ctx, msg)
	}
}

func (c *LadderConsumer) handle(ctx context.Context, msg kafka.Message) {
	msgCtx := mq.ExtractTraceContext(ctx, msg.Headers)
	log := logger.Ctx(msgCtx)

	var job FinalizeEmployeeJob
	if err := json.Unmarshal(msg.Value, &job); err != nil {
		log.Error().Err(err).Msg("malformed finalize job")
		return
	}
	if job.Attempt <= 0 {
		job.Attempt = 1
	}

	result, err := c.finalizer.FinalizeEmployeeItem(msgCtx, job)
	if err == nil && !result.Retryable {
		log.Info().
			Str("employer_id", job.EmployerID).
			Str("pay_run_id", job.PayRunID).
			Str("employee_id", job.EmployeeID).
			Str("status", result.ItemStatus).
			Int("attempt", job.Attempt).
			Msg("finalize job done")
		return
	}

	reason := result.Error
	if err != nil {
		reason = err.Error()
	}
	if reason == "" {
		reason = "retryable"
	}
	c.republish(msgCtx, job, reason)
}

// Retryable failures climb the ladder; an exhausted budget dead-letters.
func (c *LadderConsumer) republish(ctx context.Context, job FinalizeEmployeeJob, reason string) {
	log := logger.Ctx(ctx)
	nextAttempt := job.Attempt + 1

	job.Attempt = nextAttempt
	payload, err := json.Marshal(job)
	if err != nil {
		log.Error().Err(err).Msg("marshal finalize job for republish")
		return
	}

	headers := []kafka.Header{
		{Key: HeaderOriginalTopic, Value: []byte(TopicFinalizeEmployee)},
		{Key: HeaderExceptionMessage, Value: []byte(reason)},
		{Key: HeaderRetryCount, Value: []byte(strconv.Itoa(nextAttempt - 1))},
	}
	key := []byte(job.EmployerID + ":" + job.PayRunID)

	if nextAttempt > c.cfg.MaxAttempts {
		log.Warn().
			Str("employer_id", job.EmployerID).
			Str("pay_run_id", job.PayRunID).
			Str("employee_id", job.EmployeeID).
			Int("attempt", nextAttempt-1).
			Int("max_attempts", c.cfg.MaxAttempts).
			Str("reason", reason).
			Msg("finalize job dead-lettered")
		if err := c.publisher.Publish(ctx, TopicDLT, key, payload, headers); err != nil {
			log.Error().Err(err).Msg("publish to dead letter topic failed")
		}
		return
	}

	tier := TierForAttempt(nextAttempt - 1)
	log.Info().
		Str("employer_id", job.EmployerID).
		Str("pay_run_id", job.PayRunID).
		Str("employee_id", job.EmployeeID).
		Int("next_attempt", nextAttempt).
		Str("retry_topic", tier.Topic).
		Str("reason", reason).
		Msg("finalize job scheduled for retry")
	if err := c.publisher.Publish(ctx, tier.Topic, key, payload, headers); err != nil {
		log.Error().Err(err).Msg("publish to retry tier failed")
	}
}

func (c *LadderConsumer) Close() error {
	return c.reader.Close()
}

// TierRelay drains the fixed-delay tier topics back onto the main job topic
// once each message's tier delay has elapsed, approximating TTL-based
// redelivery on a broker without native delay queues.
type TierRelay struct {
	brokers   []string
	groupID   string
	publisher mq.Publisher
}

func NewTierRelay(brokers []string, groupID string, publisher mq.Publisher) *TierRelay {
	return &TierRelay{brokers: brokers, groupID: groupID, publisher: publisher}
}

// Start runs one draining loop per tier until ctx is cancelled.
func (r *TierRelay) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, tier := range RetryTiers {
		tier := tier
		g.Go(func() error {
			return r.drainTier(ctx, tier)
		})
	}
	return g.Wait()
}

func (r *TierRelay) drainTier(ctx context.Context, tier RetryTier) error {
	log := logger.Ctx(ctx)
	reader := mq.NewKafkaReader(r.brokers, tier.Topic, r.groupID)
	defer reader.Close()

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Str("topic", tier.Topic).Msg("read retry tier message")
			continue
		}

		// Hold the message until its tier delay has passed since enqueue.
		if wait := time.Until(msg.Time.Add(tier.Delay)); wait > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
		}

		if err := r.publisher.Publish(ctx, TopicFinalizeEmployee, msg.Key, msg.Value, msg.Headers); err != nil {
			log.Error().Err(err).Str("topic", tier.Topic).Msg("redeliver retry tier message")
		}
	}
}
