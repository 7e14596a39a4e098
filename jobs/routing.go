// Package jobs implements idempotent bulk-job enqueueing and the
// retry-ladder consumer for per-item background work: failed items are
// republished through escalating fixed-delay tiers before dead-lettering.
package jobs

import (
	"fmt"
	"time"
)

// Topic layout for per-employee finalize jobs. Each retry tier is a distinct
// topic with a fixed redelivery delay, unlike the outbox relay's computed
// backoff.
const (
	TopicFinalizeEmployee = "payrun.job.finalize_employee"
	TopicCreateItems      = "payrun.job.create_items"
	TopicDLT              = "payrun.job.finalize_employee.dlt"
)

// RetryTier is one rung of the delay ladder.
type RetryTier struct {
	Topic string
	Delay time.Duration
}

// RetryTiers are ordered by escalating delay. Attempt n lands on tier n-1,
// clamped to the last rung.
var RetryTiers = []RetryTier{
	{Topic: TopicFinalizeEmployee + ".retry.30s", Delay: 30 * time.Second},
	{Topic: TopicFinalizeEmployee + ".retry.1m", Delay: time.Minute},
	{Topic: TopicFinalizeEmployee + ".retry.2m", Delay: 2 * time.Minute},
	{Topic: TopicFinalizeEmployee + ".retry.5m", Delay: 5 * time.Minute},
	{Topic: TopicFinalizeEmployee + ".retry.10m", Delay: 10 * time.Minute},
	{Topic: TopicFinalizeEmployee + ".retry.20m", Delay: 20 * time.Minute},
	{Topic: TopicFinalizeEmployee + ".retry.40m", Delay: 40 * time.Minute},
}

// TierForAttempt picks the retry tier for a job whose current attempt just
// failed. Attempts past the ladder reuse the last tier.
func TierForAttempt(attempt int) RetryTier {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(RetryTiers) {
		idx = len(RetryTiers) - 1
	}
	return RetryTiers[idx]
}

// CreateItemsJobEventID is deterministic per pay run: re-requesting the same
// bulk job is an enqueue no-op.
func CreateItemsJobEventID(employerID, payRunID string) string {
	return fmt.Sprintf("job-create-items:%s:%s", employerID, payRunID)
}

// FinalizeEmployeeJobEventID is deterministic per employee within a pay run.
func FinalizeEmployeeJobEventID(employerID, payRunID, employeeID string) string {
	return fmt.Sprintf("job-finalize-employee:%s:%s:%s", employerID, payRunID, employeeID)
}

// CreateItemsJob fans a pay run's employee list out into chunked item
// creation downstream.
type CreateItemsJob struct {
	MessageID   string   `json:"messageId"`
	EmployerID  string   `json:"employerId"`
	PayRunID    string   `json:"payRunId"`
	PayPeriodID string   `json:"payPeriodId"`
	RunType     string   `json:"runType"`
	RunSequence int      `json:"runSequence"`
	EmployeeIDs []string `json:"employeeIds"`
	ChunkSize   int      `json:"chunkSize"`
}

// FinalizeEmployeeJob finalizes one employee's pay run item.
type FinalizeEmployeeJob struct {
	MessageID   string `json:"messageId"`
	EmployerID  string `json:"employerId"`
	PayRunID    string `json:"payRunId"`
	PayPeriodID string `json:"payPeriodId"`
	RunType     string `json:"runType"`
	RunSequence int    `json:"runSequence"`
	EmployeeID  string `json:"employeeId"`
	PaycheckID  string `json:"paycheckId"`
	Attempt     int    `json:"attempt"`
}
