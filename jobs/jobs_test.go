package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/wangyingjie930/payflow-pkg/mq"
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

func TestTierForAttemptClampsToLadder(t *testing.T) {
	assert.Equal(t, TopicFinalizeEmployee+".retry.30s", TierForAttempt(1).Topic)
	assert.Equal(t, 30*time.Second, TierForAttempt(1).Delay)
	assert.Equal(t, TopicFinalizeEmployee+".retry.2m", TierForAttempt(3).Topic)
	assert.Equal(t, TopicFinalizeEmployee+".retry.40m", TierForAttempt(7).Topic)

	// Past the ladder every attempt reuses the last rung.
	assert.Equal(t, TopicFinalizeEmployee+".retry.40m", TierForAttempt(9).Topic)
	assert.Equal(t, TopicFinalizeEmployee+".retry.30s", TierForAttempt(0).Topic)
}

func TestEnqueueCreateItemsJobIsIdempotentPerPayRun(t *testing.T) {
	db := newTestDB(t)
	producer := NewProducer(outbox.New(db), ProducerConfig{ChunkSize: 500})
	ctx := context.Background()
	now := time.Now()

	job := CreateItemsJob{
		EmployerID:  "emp-1",
		PayRunID:    "pr-1",
		PayPeriodID: "pp-1",
		RunType:     "REGULAR",
		RunSequence: 1,
		EmployeeIDs: []string{"ee-1", "ee-2", "ee-3"},
	}

	inserted, err := producer.EnqueueCreateItemsJob(ctx, nil, job, now)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = producer.EnqueueCreateItemsJob(ctx, nil, job, now)
	require.NoError(t, err)
	assert.False(t, inserted)

	var row store.OutboxEvent
	require.NoError(t, db.Where("event_id = ?", CreateItemsJobEventID("emp-1", "pr-1")).First(&row).Error)
	assert.Equal(t, TopicCreateItems, row.Topic)

	var stored CreateItemsJob
	require.NoError(t, json.Unmarshal(row.Payload, &stored))
	assert.Equal(t, 500, stored.ChunkSize)
	assert.NotEmpty(t, stored.MessageID)
}

func TestEnqueueFinalizeEmployeeJobsSkipsDuplicates(t *testing.T) {
	db := newTestDB(t)
	producer := NewProducer(outbox.New(db), ProducerConfig{})
	ctx := context.Background()
	now := time.Now()

	jobs := []FinalizeEmployeeJob{
		{EmployerID: "emp-1", PayRunID: "pr-1", EmployeeID: "ee-1", PaycheckID: "pc-1"},
		{EmployerID: "emp-1", PayRunID: "pr-1", EmployeeID: "ee-2", PaycheckID: "pc-2"},
	}

	inserted, err := producer.EnqueueFinalizeEmployeeJobs(ctx, nil, jobs, now)
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	inserted, err = producer.EnqueueFinalizeEmployeeJobs(ctx, nil, jobs, now)
	require.NoError(t, err)
	assert.Zero(t, inserted)

	var count int64
	require.NoError(t, db.Model(&store.OutboxEvent{}).
		Where("topic = ?", TopicFinalizeEmployee).Count(&count).Error)
	assert.EqualValues(t, 2, count)
}

type capturedMessage struct {
	topic   string
	key     []byte
	value   []byte
	headers []kafka.Header
}

type capturePublisher struct {
	messages []capturedMessage
}

func (p *capturePublisher) Publish(_ context.Context, topic string, key, value []byte, headers []kafka.Header) error {
	p.messages = append(p.messages, capturedMessage{topic: topic, key: key, value: value, headers: headers})
	return nil
}

func (p *capturePublisher) Close() error { return nil }

type stubFinalizer struct {
	result FinalizeResult
	err    error
	calls  int
}

func (f *stubFinalizer) FinalizeEmployeeItem(context.Context, FinalizeEmployeeJob) (FinalizeResult, error) {
	f.calls++
	return f.result, f.err
}

func finalizeMessage(t *testing.T, job FinalizeEmployeeJob) kafka.Message {
	t.Helper()
	payload, err := json.Marshal(job)
	require.NoError(t, err)
	return kafka.Message{Topic: TopicFinalizeEmployee, Value: payload}
}

func newLadderConsumer(pub mq.Publisher, fin ItemFinalizer) *LadderConsumer {
	return NewLadderConsumer(LadderConsumerConfig{
		Brokers: []string{"localhost:9092"},
		GroupID: "jobs-test",
	}, pub, fin)
}

func TestLadderConsumerRetryableFailureClimbsToNextTier(t *testing.T) {
	pub := &capturePublisher{}
	fin := &stubFinalizer{result: FinalizeResult{ItemStatus: "FAILED", Retryable: true, Error: "transient downstream error"}}
	c := newLadderConsumer(pub, fin)
	t.Cleanup(func() { _ = c.Close() })

	job := FinalizeEmployeeJob{EmployerID: "emp-1", PayRunID: "pr-1", EmployeeID: "ee-1", PaycheckID: "pc-1", Attempt: 1}
	c.handle(context.Background(), finalizeMessage(t, job))

	require.Len(t, pub.messages, 1)
	msg := pub.messages[0]
	assert.Equal(t, TopicFinalizeEmployee+".retry.30s", msg.topic)
	assert.Equal(t, "emp-1:pr-1", string(msg.key))
	assert.Equal(t, "1", mq.HeaderValue(msg.headers, HeaderRetryCount))
	assert.Equal(t, "transient downstream error", mq.HeaderValue(msg.headers, HeaderExceptionMessage))

	var republished FinalizeEmployeeJob
	require.NoError(t, json.Unmarshal(msg.value, &republished))
	assert.Equal(t, 2, republished.Attempt)
}

func TestLadderConsumerDeadLettersAfterAttemptBudget(t *testing.T) {
	pub := &capturePublisher{}
	fin := &stubFinalizer{err: fmt.Errorf("connection refused")}
	c := newLadderConsumer(pub, fin)
	t.Cleanup(func() { _ = c.Close() })

	job := FinalizeEmployeeJob{EmployerID: "emp-1", PayRunID: "pr-1", EmployeeID: "ee-1", PaycheckID: "pc-1", Attempt: 8}
	c.handle(context.Background(), finalizeMessage(t, job))

	require.Len(t, pub.messages, 1)
	msg := pub.messages[0]
	assert.Equal(t, TopicDLT, msg.topic)
	assert.Equal(t, TopicFinalizeEmployee, mq.HeaderValue(msg.headers, HeaderOriginalTopic))
	assert.Equal(t, "connection refused", mq.HeaderValue(msg.headers, HeaderExceptionMessage))
	assert.Equal(t, "8", mq.HeaderValue(msg.headers, HeaderRetryCount))
}

func TestLadderConsumerTerminalResultDoesNotRepublish(t *testing.T) {
	pub := &capturePublisher{}
	fin := &stubFinalizer{result: FinalizeResult{ItemStatus: "FINALIZED", Retryable: false}}
	c := newLadderConsumer(pub, fin)
	t.Cleanup(func() { _ = c.Close() })

	job := FinalizeEmployeeJob{EmployerID: "emp-1", PayRunID: "pr-1", EmployeeID: "ee-1", PaycheckID: "pc-1", Attempt: 1}
	c.handle(context.Background(), finalizeMessage(t, job))

	assert.Equal(t, 1, fin.calls)
	assert.Empty(t, pub.messages)
}

func TestLadderConsumerNonRetryableFailureDoesNotRepublish(t *testing.T) {
	pub := &capturePublisher{}
	fin := &stubFinalizer{result: FinalizeResult{ItemStatus: "FAILED", Retryable: false, Error: "employee ineligible"}}
	c := newLadderConsumer(pub, fin)
	t.Cleanup(func() { _ = c.Close() })

	job := FinalizeEmployeeJob{EmployerID: "emp-1", PayRunID: "pr-1", EmployeeID: "ee-1", PaycheckID: "pc-1", Attempt: 2}
	c.handle(context.Background(), finalizeMessage(t, job))

	assert.Empty(t, pub.messages)
}
