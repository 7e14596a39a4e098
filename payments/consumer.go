package payments

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/wangyingjie930/payflow-pkg/inbox"
	"github.com/wangyingjie930/payflow-pkg/logger"
	"github.com/wangyingjie930/payflow-pkg/mq"
)

// ConsumerConfig controls the payment-requested consumer.
type ConsumerConfig struct {
	Brokers      []string
	GroupID      string
	Topic        string
	ConsumerName string
}

// Consumer reads payment-requested events and hands them to the intake,
// deduplicated by the inbox. A handler failure after the inbox marker is
// written is routed into domain failure state rather than redelivered, so the
// loop commits every message it reads.
type Consumer struct {
	cfg    ConsumerConfig
	reader *kafka.Reader
	inbox  *inbox.Inbox
	intake *Intake
}

func NewConsumer(cfg ConsumerConfig, ib *inbox.Inbox, intake *Intake) *Consumer {
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "payments-intake"
	}
	return &Consumer{
		cfg:    cfg,
		reader: mq.NewKafkaReader(cfg.Brokers, cfg.Topic, cfg.GroupID),
		inbox:  ib,
		intake: intake,
	}
}

// Start consumes until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	log := logger.Ctx(ctx)
	log.Info().Str("topic", c.cfg.Topic).Str("group", c.cfg.GroupID).Msg("starting payments intake consumer")

	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info().Msg("stopping payments intake consumer")
				return nil
			}
			log.Error().Err(err).Msg("read payment requested message")
			continue
		}
		c.handle(ctx, msg)
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) {
	msgCtx := mq.ExtractTraceContext(ctx, msg.Headers)
	log := logger.Ctx(msgCtx)

	var evt PaymentRequestedEvent
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		log.Error().Err(err).Str("topic", msg.Topic).Msg("malformed payment requested event")
		return
	}

	eventID := mq.HeaderValue(msg.Headers, mq.HeaderEventID)
	if eventID == "" {
		eventID = evt.EventID
	}
	if eventID == "" {
		log.Error().Str("topic", msg.Topic).Msg("payment requested event without event id")
		return
	}

	ran, err := c.inbox.RunIfFirst(msgCtx, c.cfg.ConsumerName, eventID, func(ctx context.Context) error {
		return c.intake.HandlePaymentRequested(ctx, evt, time.Now())
	})
	if err != nil {
		log.Error().Err(err).Str("event_id", eventID).Msg("payment intake failed")
		return
	}
	if !ran {
		log.Debug().Str("event_id", eventID).Msg("duplicate payment requested event skipped")
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
