package store

import (
	"time"
)

// OutboxStatus is the lifecycle of an outbound event row. A row being relayed
// keeps status PENDING while it holds a lease; the lease columns, not the
// status, encode in-flight ownership, so a crashed relay needs no repair step
// beyond lease expiry.
type OutboxStatus string

const (
	OutboxStatusPending OutboxStatus = "PENDING"
	OutboxStatusSent    OutboxStatus = "SENT"
)

// OutboxEvent is one outbound message, written in the same transaction as the
// domain change that caused it. Append-only: rows are never deleted, only
// relayed and marked SENT.
type OutboxEvent struct {
	OutboxID      string       `gorm:"column:outbox_id;type:varchar(64);primaryKey"`
	Status        OutboxStatus `gorm:"column:status;type:varchar(16);not null;index:idx_outbox_status_next,priority:1"`
	EventID       *string      `gorm:"column:event_id;type:varchar(255);uniqueIndex:uq_outbox_event_id"`
	Topic         string       `gorm:"column:topic;type:varchar(255);not null"`
	EventKey      string       `gorm:"column:event_key;type:varchar(255);not null"`
	EventType     string       `gorm:"column:event_type;type:varchar(128);not null"`
	AggregateID   *string      `gorm:"column:aggregate_id;type:varchar(255)"`
	Payload       []byte       `gorm:"column:payload;type:blob;not null"`
	Attempts      int          `gorm:"column:attempts;not null;default:0"`
	NextAttemptAt *time.Time   `gorm:"column:next_attempt_at;index:idx_outbox_status_next,priority:2"`
	LastError     *string      `gorm:"column:last_error;type:varchar(2000)"`
	LockedBy      *string      `gorm:"column:locked_by;type:varchar(128)"`
	LockedAt      *time.Time   `gorm:"column:locked_at"`
	PublishedAt   *time.Time   `gorm:"column:published_at"`
	CreatedAt     time.Time    `gorm:"column:created_at;autoCreateTime"`
}

func (OutboxEvent) TableName() string { return "outbox_event" }

// InboxMarker records that a consumer has started handling an event id.
// Insert-only; its existence is the dedup guarantee.
type InboxMarker struct {
	ConsumerName string    `gorm:"column:consumer_name;type:varchar(128);primaryKey"`
	EventID      string    `gorm:"column:event_id;type:varchar(255);primaryKey"`
	ProcessedAt  time.Time `gorm:"column:processed_at;not null"`
}

func (InboxMarker) TableName() string { return "event_inbox" }

// PaymentBatchStatus is the lifecycle of a payment batch. The status is a
// reconciled projection of the child payment rows, never an independent
// source of truth.
type PaymentBatchStatus string

const (
	BatchStatusProcessing         PaymentBatchStatus = "PROCESSING"
	BatchStatusPartiallyCompleted PaymentBatchStatus = "PARTIALLY_COMPLETED"
	BatchStatusCompleted          PaymentBatchStatus = "COMPLETED"
	BatchStatusFailed             PaymentBatchStatus = "FAILED"
)

// Terminal reports whether no further transitions are possible.
func (s PaymentBatchStatus) Terminal() bool {
	return s == BatchStatusCompleted || s == BatchStatusFailed
}

// PaymentBatch is one payment submission per (employer, pay run).
type PaymentBatch struct {
	EmployerID      string             `gorm:"column:employer_id;type:varchar(64);primaryKey;uniqueIndex:uq_batch_pay_run,priority:1"`
	BatchID         string             `gorm:"column:batch_id;type:varchar(64);primaryKey"`
	PayRunID        string             `gorm:"column:pay_run_id;type:varchar(64);not null;uniqueIndex:uq_batch_pay_run,priority:2"`
	Status          PaymentBatchStatus `gorm:"column:status;type:varchar(24);not null;index"`
	TotalPayments   int                `gorm:"column:total_payments;not null;default:0"`
	SettledPayments int                `gorm:"column:settled_payments;not null;default:0"`
	FailedPayments  int                `gorm:"column:failed_payments;not null;default:0"`
	Attempts        int                `gorm:"column:attempts;not null;default:0"`
	NextAttemptAt   *time.Time         `gorm:"column:next_attempt_at"`
	LastError       *string            `gorm:"column:last_error;type:varchar(2000)"`
	LockedBy        *string            `gorm:"column:locked_by;type:varchar(128)"`
	LockedAt        *time.Time         `gorm:"column:locked_at"`
	Provider        string             `gorm:"column:provider;type:varchar(64);not null"`
	ProviderBatchRef *string           `gorm:"column:provider_batch_ref;type:varchar(128)"`
	CreatedAt       time.Time          `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time          `gorm:"column:updated_at;autoUpdateTime"`
}

func (PaymentBatch) TableName() string { return "payment_batch" }

// PaymentStatus is the lifecycle of an individual paycheck payment.
type PaymentStatus string

const (
	PaymentStatusCreated   PaymentStatus = "CREATED"
	PaymentStatusSubmitted PaymentStatus = "SUBMITTED"
	PaymentStatusSettled   PaymentStatus = "SETTLED"
	PaymentStatusFailed    PaymentStatus = "FAILED"
)

// PaycheckPayment is one payment per paycheck; (employer_id, paycheck_id) is
// unique, so a paycheck can never be paid twice.
type PaycheckPayment struct {
	EmployerID        string        `gorm:"column:employer_id;type:varchar(64);primaryKey;uniqueIndex:uq_payment_paycheck,priority:1"`
	PaymentID         string        `gorm:"column:payment_id;type:varchar(64);primaryKey"`
	PaycheckID        string        `gorm:"column:paycheck_id;type:varchar(64);not null;uniqueIndex:uq_payment_paycheck,priority:2"`
	PayRunID          string        `gorm:"column:pay_run_id;type:varchar(64);not null;index"`
	EmployeeID        string        `gorm:"column:employee_id;type:varchar(64);not null"`
	PayPeriodID       string        `gorm:"column:pay_period_id;type:varchar(64);not null"`
	Currency          string        `gorm:"column:currency;type:varchar(8);not null"`
	NetCents          int64         `gorm:"column:net_cents;not null"`
	Status            PaymentStatus `gorm:"column:status;type:varchar(16);not null;index"`
	Attempts          int           `gorm:"column:attempts;not null;default:0"`
	NextAttemptAt     *time.Time    `gorm:"column:next_attempt_at"`
	LastError         *string       `gorm:"column:last_error;type:varchar(2000)"`
	LockedBy          *string       `gorm:"column:locked_by;type:varchar(128)"`
	LockedAt          *time.Time    `gorm:"column:locked_at"`
	ProviderPaymentRef *string      `gorm:"column:provider_payment_ref;type:varchar(128)"`
	BatchID           *string       `gorm:"column:batch_id;type:varchar(64);index"`
	SubmittedAt       *time.Time    `gorm:"column:submitted_at"`
	CreatedAt         time.Time     `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time     `gorm:"column:updated_at;autoUpdateTime"`
}

func (PaycheckPayment) TableName() string { return "paycheck_payment" }
