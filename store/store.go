package store

import (
	"errors"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Open connects to mysql and ensures the mailbox tables exist. TranslateError
// turns driver duplicate-key errors into gorm.ErrDuplicatedKey, so callers
// can treat "already exists" as a result rather than catching broad errors.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates the four mailbox tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&OutboxEvent{},
		&InboxMarker{},
		&PaymentBatch{},
		&PaycheckPayment{},
	)
}

// IsDuplicate reports whether err is a uniqueness-constraint violation.
func IsDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// WithRowLock adds FOR UPDATE to a claim query on dialects that support it.
// The claim remains correct without it (the follow-up UPDATE re-checks the
// lease predicate); the row lock only narrows the race window under load.
func WithRowLock(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// LeaseFree is the SQL predicate for an absent or stale lease.
const LeaseFree = "(locked_at IS NULL OR locked_at < ?)"

// AttemptDue is the SQL predicate for a row whose next attempt is due.
const AttemptDue = "(next_attempt_at IS NULL OR next_attempt_at <= ?)"

// LeaseCutoff converts now and a TTL into the staleness boundary.
func LeaseCutoff(now time.Time, ttl time.Duration) time.Time {
	if ttl < 5*time.Second {
		ttl = 5 * time.Second
	}
	return now.Add(-ttl)
}
