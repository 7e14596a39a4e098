package mq

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// Standard headers carried on every relayed event. Consumers read the event
// id preferentially from HeaderEventID, falling back to the payload.
const (
	HeaderEventID     = "X-Event-Id"
	HeaderEventType   = "X-Event-Type"
	HeaderAggregateID = "X-Aggregate-Id"
)

// KafkaHeaderCarrier implements the opentelemetry TextMapCarrier interface,
// letting us inject and extract trace context through Kafka message headers.
type KafkaHeaderCarrier []kafka.Header

func (c KafkaHeaderCarrier) Get(key string) string {
	for _, h := range c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *KafkaHeaderCarrier) Set(key, value string) {
	for i := range *c {
		if (*c)[i].Key == key {
			(*c)[i].Value = []byte(value)
			return
		}
	}
	*c = append(*c, kafka.Header{Key: key, Value: []byte(value)})
}

func (c KafkaHeaderCarrier) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = h.Key
	}
	return keys
}

// NewKafkaWriter creates a producer for a single topic.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// NewKafkaReader creates a consumer-group reader for a single topic.
func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        groupID,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
	})
}

// InjectTraceContext injects the current trace context into headers.
func InjectTraceContext(ctx context.Context, headers *[]kafka.Header) {
	propagator := otel.GetTextMapPropagator()
	carrier := KafkaHeaderCarrier(*headers)
	propagator.Inject(ctx, &carrier)
	*headers = carrier
}

// ExtractTraceContext extracts trace context from headers into a new ctx.
func ExtractTraceContext(ctx context.Context, headers []kafka.Header) context.Context {
	propagator := otel.GetTextMapPropagator()
	carrier := KafkaHeaderCarrier(headers)
	return propagator.Extract(ctx, &carrier)
}

// HeaderValue returns the value of the last header with the given key.
func HeaderValue(headers []kafka.Header, key string) string {
	val := ""
	for _, h := range headers {
		if h.Key == key {
			val = string(h.Value)
		}
	}
	return val
}
