// Package outbox implements the transactional outbox: outbound events are
// written in the same database transaction as the domain change that caused
// them, and a relay publishes them to the broker afterwards.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/wangyingjie930/payflow-pkg/store"
)

// Insert describes one outbound event to enqueue.
type Insert struct {
	Topic       string
	EventKey    string
	EventType   string
	// EventID is the caller-supplied idempotency key. When set, enqueueing
	// the same id again is a no-op returning the existing row's outbox id.
	EventID     string
	AggregateID string
	Payload     []byte
}

// Outbox writes and reads outbox_event rows.
type Outbox struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Outbox {
	return &Outbox{db: db}
}

// Enqueue inserts a PENDING outbox row. It returns the outbox id and whether
// a new row was inserted; a duplicate EventID yields the existing id with
// inserted=false.
func (o *Outbox) Enqueue(ctx context.Context, ins Insert, now time.Time) (string, bool, error) {
	return enqueue(o.db.WithContext(ctx), ins, now)
}

// EnqueueInTx is Enqueue inside a caller-owned transaction, so the event row
// commits or rolls back together with the caller's domain writes.
func (o *Outbox) EnqueueInTx(ctx context.Context, tx *gorm.DB, ins Insert, now time.Time) (string, bool, error) {
	return enqueue(tx.WithContext(ctx), ins, now)
}

func enqueue(db *gorm.DB, ins Insert, now time.Time) (string, bool, error) {
	row := store.OutboxEvent{
		OutboxID:  "outbox-" + uuid.NewString(),
		Status:    store.OutboxStatusPending,
		Topic:     ins.Topic,
		EventKey:  ins.EventKey,
		EventType: ins.EventType,
		Payload:   ins.Payload,
		CreatedAt: now,
	}
	if ins.EventID != "" {
		eventID := ins.EventID
		row.EventID = &eventID
	}
	if ins.AggregateID != "" {
		aggregateID := ins.AggregateID
		row.AggregateID = &aggregateID
	}

	err := db.Create(&row).Error
	if err == nil {
		return row.OutboxID, true, nil
	}
	if !store.IsDuplicate(err) {
		return "", false, errors.Wrap(err, "outbox enqueue")
	}
	if ins.EventID == "" {
		return "", false, errors.Wrap(err, "outbox enqueue")
	}

	var existing store.OutboxEvent
	if lookupErr := db.Select("outbox_id").
		Where("event_id = ?", ins.EventID).
		Take(&existing).Error; lookupErr != nil {
		return "", false, fmt.Errorf("outbox enqueue conflicted but existing row not found eventId=%s: %w", ins.EventID, lookupErr)
	}
	return existing.OutboxID, false, nil
}

// ClaimBatch atomically leases up to limit due PENDING rows for owner. A row
// is eligible when its next attempt is due and its lease is absent or older
// than ttl, which also recovers rows abandoned by a crashed relay.
func (o *Outbox) ClaimBatch(ctx context.Context, limit int, owner string, ttl time.Duration, now time.Time) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 1
	}
	cutoff := store.LeaseCutoff(now, ttl)

	var claimed []store.OutboxEvent
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []store.OutboxEvent
		if err := store.WithRowLock(tx).
			Where("status = ?", store.OutboxStatusPending).
			Where(store.AttemptDue, now).
			Where(store.LeaseFree, cutoff).
			Order("created_at").
			Limit(limit).
			Find(&candidates).Error; err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}

		ids := make([]string, 0, len(candidates))
		for _, c := range candidates {
			ids = append(ids, c.OutboxID)
		}

		// Re-check the lease predicate in the UPDATE itself so the claim is
		// a single atomic read-modify-write per row.
		if err := tx.Model(&store.OutboxEvent{}).
			Where("outbox_id IN ?", ids).
			Where("status = ?", store.OutboxStatusPending).
			Where(store.AttemptDue, now).
			Where(store.LeaseFree, cutoff).
			Updates(map[string]interface{}{
				"locked_by": owner,
				"locked_at": now,
			}).Error; err != nil {
			return err
		}

		// Only return rows this owner actually claimed.
		return tx.
			Where("outbox_id IN ?", ids).
			Where("locked_by = ?", owner).
			Order("created_at").
			Find(&claimed).Error
	})
	if err != nil {
		return nil, errors.Wrap(err, "outbox claim")
	}
	return claimed, nil
}

// MarkSent transitions a relayed row to SENT and releases its lease. Only the
// current lock owner may do this.
func (o *Outbox) MarkSent(ctx context.Context, outboxID, owner string, now time.Time) error {
	return o.db.WithContext(ctx).Model(&store.OutboxEvent{}).
		Where("outbox_id = ?", outboxID).
		Where("status = ?", store.OutboxStatusPending).
		Where("locked_by = ?", owner).
		Updates(map[string]interface{}{
			"status":       store.OutboxStatusSent,
			"published_at": now,
			"locked_by":    nil,
			"locked_at":    nil,
			"last_error":   nil,
		}).Error
}

// MarkFailed records a publish failure, schedules the next attempt and
// releases the lease so the row never stays stuck past its TTL.
func (o *Outbox) MarkFailed(ctx context.Context, outboxID, owner string, publishErr string, nextAttemptAt time.Time) error {
	if len(publishErr) > 2000 {
		publishErr = publishErr[:2000]
	}
	return o.db.WithContext(ctx).Model(&store.OutboxEvent{}).
		Where("outbox_id = ?", outboxID).
		Where("status = ?", store.OutboxStatusPending).
		Where("locked_by = ?", owner).
		Updates(map[string]interface{}{
			"attempts":        gorm.Expr("attempts + 1"),
			"next_attempt_at": nextAttemptAt,
			"last_error":      publishErr,
			"locked_by":       nil,
			"locked_at":       nil,
		}).Error
}
