// Package inbox makes at-least-once broker delivery look at-most-once to
// side effects: each (consumer, event id) pair runs its handler at most once,
// guarded by a uniqueness constraint on a persisted marker row.
package inbox

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/wangyingjie930/payflow-pkg/store"
)

type Inbox struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Inbox {
	return &Inbox{db: db}
}

// RunIfFirst inserts the (consumer, eventID) marker and, if this call won the
// insert, runs fn. A duplicate marker returns (false, nil) without running fn.
//
// The marker is written before fn on purpose: if fn fails, the event is still
// considered consumed and will not be retried on redelivery. Broker
// redelivery recovers from infrastructure failures (missing acks), not from
// handler bugs; handlers must route business failures into domain failure
// state themselves.
func (i *Inbox) RunIfFirst(ctx context.Context, consumer, eventID string, fn func(ctx context.Context) error) (bool, error) {
	marker := store.InboxMarker{
		ConsumerName: consumer,
		EventID:      eventID,
		ProcessedAt:  time.Now(),
	}

	if err := i.db.WithContext(ctx).Create(&marker).Error; err != nil {
		if store.IsDuplicate(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "inbox marker insert")
	}

	return true, fn(ctx)
}
