package mq

import (
	"context"
	"sync"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// Publisher is the broker boundary used by the outbox relay and the job
// ladder: publish one message to (topic, key) with the given headers.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers []kafka.Header) error
	Close() error
}

// KafkaPublisher publishes through per-topic writers created on demand.
type KafkaPublisher struct {
	brokers []string
	writers map[string]*kafka.Writer
	mu      sync.Mutex
}

func NewKafkaPublisher(brokers []string) *KafkaPublisher {
	return &KafkaPublisher{
		brokers: brokers,
		writers: make(map[string]*kafka.Writer),
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, topic string, key, value []byte, headers []kafka.Header) error {
	msg := kafka.Message{
		Key:     key,
		Value:   value,
		Headers: headers,
	}
	InjectTraceContext(ctx, &msg.Headers)

	tracer := otel.Tracer("payflow-publisher")
	spanCtx, span := tracer.Start(ctx, "publish "+topic)
	defer span.End()

	return p.getWriter(topic).WriteMessages(spanCtx, msg)
}

func (p *KafkaPublisher) getWriter(topic string) *kafka.Writer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if writer, ok := p.writers[topic]; ok {
		return writer
	}
	writer := NewKafkaWriter(p.brokers, topic)
	p.writers[topic] = writer
	return writer
}

func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for topic, writer := range p.writers {
		if err := writer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.writers, topic)
	}
	return firstErr
}
