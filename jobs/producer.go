package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/wangyingjie930/payflow-pkg/logger"
	"github.com/wangyingjie930/payflow-pkg/outbox"
)

// ProducerConfig controls job enqueueing.
type ProducerConfig struct {
	// ChunkSize tells the downstream consumer how to bound bulk inserts.
	ChunkSize int
}

// Producer transactionally enqueues jobs through the outbox. Deterministic
// event ids make every enqueue idempotent under API retries.
type Producer struct {
	outbox *outbox.Outbox
	cfg    ProducerConfig
}

func NewProducer(ob *outbox.Outbox, cfg ProducerConfig) *Producer {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 2000
	}
	return &Producer{outbox: ob, cfg: cfg}
}

// EnqueueCreateItemsJob enqueues the bulk item-creation job for a pay run.
// Returns whether a new job was enqueued; a duplicate is a silent no-op.
func (p *Producer) EnqueueCreateItemsJob(ctx context.Context, tx *gorm.DB, job CreateItemsJob, now time.Time) (bool, error) {
	job.MessageID = "msg-" + uuid.NewString()
	if job.ChunkSize <= 0 {
		job.ChunkSize = p.cfg.ChunkSize
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return false, errors.Wrap(err, "marshal create items job")
	}

	_, inserted, err := p.enqueue(ctx, tx, outbox.Insert{
		Topic:       TopicCreateItems,
		EventKey:    job.EmployerID + ":" + job.PayRunID,
		EventType:   "CreatePayRunItemsJob",
		EventID:     CreateItemsJobEventID(job.EmployerID, job.PayRunID),
		AggregateID: job.EmployerID + ":" + job.PayRunID,
		Payload:     payload,
	}, now)
	return inserted, err
}

// EnqueueFinalizeEmployeeJobs enqueues one finalize job per employee. Rows
// are inserted individually so one duplicate does not reject the rest.
// Returns how many new jobs were enqueued.
func (p *Producer) EnqueueFinalizeEmployeeJobs(ctx context.Context, tx *gorm.DB, jobs []FinalizeEmployeeJob, now time.Time) (int, error) {
	inserted := 0
	for i := range jobs {
		job := jobs[i]
		job.MessageID = "msg-" + uuid.NewString()
		if job.Attempt <= 0 {
			job.Attempt = 1
		}

		payload, err := json.Marshal(job)
		if err != nil {
			return inserted, errors.Wrap(err, "marshal finalize employee job")
		}

		_, ok, err := p.enqueue(ctx, tx, outbox.Insert{
			Topic:       TopicFinalizeEmployee,
			EventKey:    job.EmployerID + ":" + job.PayRunID,
			EventType:   "FinalizePayRunEmployeeJob",
			EventID:     FinalizeEmployeeJobEventID(job.EmployerID, job.PayRunID, job.EmployeeID),
			AggregateID: job.EmployerID + ":" + job.PayRunID,
			Payload:     payload,
		}, now)
		if err != nil {
			return inserted, err
		}
		if ok {
			inserted++
		} else {
			logger.Ctx(ctx).Debug().
				Str("employer_id", job.EmployerID).
				Str("pay_run_id", job.PayRunID).
				Str("employee_id", job.EmployeeID).
				Msg("finalize job already enqueued")
		}
	}
	return inserted, nil
}

func (p *Producer) enqueue(ctx context.Context, tx *gorm.DB, ins outbox.Insert, now time.Time) (string, bool, error) {
	if tx != nil {
		return p.outbox.EnqueueInTx(ctx, tx, ins, now)
	}
	return p.outbox.Enqueue(ctx, ins, now)
}
