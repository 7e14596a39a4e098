package outbox

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wangyingjie930/payflow-pkg/mq"
	"github.com/wangyingjie930/payflow-pkg/store"
)

type published struct {
	topic   string
	key     string
	value   []byte
	headers []kafka.Header
}

type fakePublisher struct {
	failEventIDs map[string]bool
	messages     []published
}

func (f *fakePublisher) Publish(_ context.Context, topic string, key, value []byte, headers []kafka.Header) error {
	if f.failEventIDs[mq.HeaderValue(headers, mq.HeaderEventID)] {
		return errors.New("simulated publish failure")
	}
	f.messages = append(f.messages, published{topic: topic, key: string(key), value: value, headers: headers})
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func TestRelayPartialBatchSuccess(t *testing.T) {
	db := newTestDB(t)
	ob := New(db)
	ctx := context.Background()
	now := time.Now()

	const total = 5
	const failing = "evt-2"

	for i := 0; i < total; i++ {
		_, _, err := ob.Enqueue(ctx, Insert{
			Topic:     "payflow.events",
			EventKey:  "emp-1:pr-1",
			EventType: "E",
			EventID:   fmt.Sprintf("evt-%d", i),
			Payload:   []byte("{}"),
		}, now.Add(time.Duration(i)*time.Millisecond))
		require.NoError(t, err)
	}

	pub := &fakePublisher{failEventIDs: map[string]bool{failing: true}}
	relay := NewRelay(ob, pub, RelayConfig{BatchSize: total, LockOwner: "relay-test"})

	sent, err := relay.TickOnce(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, total-1, sent)
	assert.Len(t, pub.messages, total-1)

	var rows []store.OutboxEvent
	require.NoError(t, db.Order("created_at").Find(&rows).Error)
	require.Len(t, rows, total)

	for _, row := range rows {
		if *row.EventID == failing {
			assert.Equal(t, store.OutboxStatusPending, row.Status)
			assert.Equal(t, 1, row.Attempts)
			require.NotNil(t, row.NextAttemptAt)
			assert.True(t, row.NextAttemptAt.After(now))
			require.NotNil(t, row.LastError)
			assert.Contains(t, *row.LastError, "simulated publish failure")
			continue
		}
		assert.Equal(t, store.OutboxStatusSent, row.Status)
		assert.NotNil(t, row.PublishedAt)
	}
}

func TestRelayPublishesStandardHeaders(t *testing.T) {
	db := newTestDB(t)
	ob := New(db)
	ctx := context.Background()
	now := time.Now()

	_, _, err := ob.Enqueue(ctx, Insert{
		Topic:       "payflow.events",
		EventKey:    "emp-1:pr-1",
		EventType:   "PaycheckPaymentStatusChanged",
		EventID:     "evt-headers",
		AggregateID: "pc-1",
		Payload:     []byte(`{"status":"CREATED"}`),
	}, now)
	require.NoError(t, err)

	pub := &fakePublisher{}
	relay := NewRelay(ob, pub, RelayConfig{LockOwner: "relay-test"})

	sent, err := relay.TickOnce(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 1, sent)

	msg := pub.messages[0]
	assert.Equal(t, "payflow.events", msg.topic)
	assert.Equal(t, "emp-1:pr-1", msg.key)
	assert.Equal(t, "PaycheckPaymentStatusChanged", mq.HeaderValue(msg.headers, mq.HeaderEventType))
	assert.Equal(t, "evt-headers", mq.HeaderValue(msg.headers, mq.HeaderEventID))
	assert.Equal(t, "pc-1", mq.HeaderValue(msg.headers, mq.HeaderAggregateID))
}

func TestRelayRetriesWithoutAttemptCap(t *testing.T) {
	db := newTestDB(t)
	ob := New(db)
	ctx := context.Background()
	now := time.Now()

	_, _, err := ob.Enqueue(ctx, Insert{
		Topic: "t", EventKey: "k", EventType: "E", EventID: "evt-perma", Payload: []byte("{}"),
	}, now)
	require.NoError(t, err)

	pub := &fakePublisher{failEventIDs: map[string]bool{"evt-perma": true}}
	relay := NewRelay(ob, pub, RelayConfig{LockOwner: "relay-test", BackoffBase: time.Second, BackoffMax: 15 * time.Minute})

	// Fail well past any per-row budget: the row stays PENDING, only its
	// delay grows.
	tick := now
	for i := 0; i < 12; i++ {
		var row store.OutboxEvent
		require.NoError(t, db.Take(&row, "event_id = ?", "evt-perma").Error)
		if row.NextAttemptAt != nil {
			tick = row.NextAttemptAt.Add(time.Second)
		}

		_, err := relay.TickOnce(ctx, tick)
		require.NoError(t, err)
	}

	var row store.OutboxEvent
	require.NoError(t, db.Take(&row, "event_id = ?", "evt-perma").Error)
	assert.Equal(t, store.OutboxStatusPending, row.Status)
	assert.Equal(t, 12, row.Attempts)
}
