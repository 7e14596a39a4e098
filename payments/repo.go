package payments

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/wangyingjie930/payflow-pkg/store"
)

// Batches persists payment_batch rows.
type Batches struct {
	db *gorm.DB
}

func NewBatches(db *gorm.DB) *Batches {
	return &Batches{db: db}
}

// GetOrCreateForPayRun returns the batch id for (employer, pay run), creating
// the batch when none exists. The uniqueness constraint on the pair settles
// creation races: the loser of the insert reads the winner's row.
func (b *Batches) GetOrCreateForPayRun(ctx context.Context, tx *gorm.DB, employerID, payRunID, provider string, now time.Time) (string, error) {
	db := b.session(ctx, tx)

	var existing store.PaymentBatch
	err := db.Select("batch_id").
		Where("employer_id = ? AND pay_run_id = ?", employerID, payRunID).
		Take(&existing).Error
	if err == nil {
		return existing.BatchID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", errors.Wrap(err, "find batch for pay run")
	}

	row := store.PaymentBatch{
		EmployerID: employerID,
		BatchID:    "pbat-" + uuid.NewString(),
		PayRunID:   payRunID,
		Status:     store.BatchStatusProcessing,
		Provider:   provider,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := db.Create(&row).Error; err != nil {
		if !store.IsDuplicate(err) {
			return "", errors.Wrap(err, "create payment batch")
		}
		if lookupErr := db.Select("batch_id").
			Where("employer_id = ? AND pay_run_id = ?", employerID, payRunID).
			Take(&existing).Error; lookupErr != nil {
			return "", errors.Wrap(lookupErr, "batch creation raced but row not found")
		}
		return existing.BatchID, nil
	}
	return row.BatchID, nil
}

// Find returns the batch or nil when absent.
func (b *Batches) Find(ctx context.Context, employerID, batchID string) (*store.PaymentBatch, error) {
	var row store.PaymentBatch
	err := b.db.WithContext(ctx).
		Where("employer_id = ? AND batch_id = ?", employerID, batchID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "find payment batch")
	}
	return &row, nil
}

// FindByPayRun returns the pay run's batch or nil when absent.
func (b *Batches) FindByPayRun(ctx context.Context, employerID, payRunID string) (*store.PaymentBatch, error) {
	var row store.PaymentBatch
	err := b.db.WithContext(ctx).
		Where("employer_id = ? AND pay_run_id = ?", employerID, payRunID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "find payment batch by pay run")
	}
	return &row, nil
}

// ClaimActive leases up to limit non-terminal batches for owner, flipping
// them to PROCESSING. A stale lease past ttl is claimable again.
func (b *Batches) ClaimActive(ctx context.Context, limit int, owner string, ttl time.Duration, now time.Time) ([]store.PaymentBatch, error) {
	if limit <= 0 {
		limit = 1
	}
	cutoff := store.LeaseCutoff(now, ttl)
	active := []store.PaymentBatchStatus{store.BatchStatusProcessing, store.BatchStatusPartiallyCompleted}

	var claimed []store.PaymentBatch
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []store.PaymentBatch
		if err := store.WithRowLock(tx).
			Where("status IN ?", active).
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
			ids = append(ids, c.BatchID)
		}

		if err := tx.Model(&store.PaymentBatch{}).
			Where("batch_id IN ?", ids).
			Where("status IN ?", active).
			Where(store.AttemptDue, now).
			Where(store.LeaseFree, cutoff).
			Updates(map[string]interface{}{
				"status":    store.BatchStatusProcessing,
				"locked_by": owner,
				"locked_at": now,
			}).Error; err != nil {
			return err
		}

		return tx.
			Where("batch_id IN ?", ids).
			Where("locked_by = ?", owner).
			Order("created_at").
			Find(&claimed).Error
	})
	if err != nil {
		return nil, errors.Wrap(err, "claim payment batches")
	}
	return claimed, nil
}

// SetProviderBatchRefIfMissing records the provider's batch reference once.
func (b *Batches) SetProviderBatchRefIfMissing(ctx context.Context, employerID, batchID, ref string) error {
	if ref == "" {
		return nil
	}
	return b.db.WithContext(ctx).Model(&store.PaymentBatch{}).
		Where("employer_id = ? AND batch_id = ?", employerID, batchID).
		Where("provider_batch_ref IS NULL").
		Update("provider_batch_ref", ref).Error
}

// Counts is the aggregate of a batch's payment rows.
type Counts struct {
	Total   int
	Settled int
	Failed  int
}

// CountsForBatch recomputes the aggregate from the payment rows.
func (b *Batches) CountsForBatch(ctx context.Context, employerID, batchID string) (Counts, error) {
	var c Counts
	err := b.db.WithContext(ctx).Model(&store.PaycheckPayment{}).
		Select(
			"COUNT(*) AS total, "+
				"COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS settled, "+
				"COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed",
			store.PaymentStatusSettled, store.PaymentStatusFailed,
		).
		Where("employer_id = ? AND batch_id = ?", employerID, batchID).
		Scan(&c).Error
	if err != nil {
		return Counts{}, errors.Wrap(err, "compute batch counts")
	}
	return c, nil
}

// Reconcile recomputes the batch's counters and status from its payment rows
// and releases the lease. Terminal batches are left untouched; escalation to
// FAILED is the sweeper's call, never reconciliation's. Returns the refreshed
// row and whether its status changed.
func (b *Batches) Reconcile(ctx context.Context, employerID, batchID string, now time.Time) (*store.PaymentBatch, bool, error) {
	current, err := b.Find(ctx, employerID, batchID)
	if err != nil || current == nil {
		return current, false, err
	}
	if current.Status.Terminal() {
		return current, false, nil
	}

	counts, err := b.CountsForBatch(ctx, employerID, batchID)
	if err != nil {
		return nil, false, err
	}

	derived := deriveBatchStatus(counts)

	err = b.db.WithContext(ctx).Model(&store.PaymentBatch{}).
		Where("employer_id = ? AND batch_id = ?", employerID, batchID).
		Updates(map[string]interface{}{
			"status":           derived,
			"total_payments":   counts.Total,
			"settled_payments": counts.Settled,
			"failed_payments":  counts.Failed,
			"locked_by":        nil,
			"locked_at":        nil,
			"updated_at":       now,
		}).Error
	if err != nil {
		return nil, false, errors.Wrap(err, "reconcile payment batch")
	}

	refreshed, err := b.Find(ctx, employerID, batchID)
	if err != nil {
		return nil, false, err
	}
	return refreshed, refreshed != nil && refreshed.Status != current.Status, nil
}

func deriveBatchStatus(c Counts) store.PaymentBatchStatus {
	switch {
	case c.Total == 0:
		return store.BatchStatusProcessing
	case c.Settled == c.Total:
		return store.BatchStatusCompleted
	case c.Settled+c.Failed == c.Total:
		// All rows terminal with at least one failure. The sweeper decides
		// whether this retries or becomes FAILED for good.
		return store.BatchStatusPartiallyCompleted
	default:
		return store.BatchStatusProcessing
	}
}

// Fail transitions the batch to terminal FAILED and clears its schedule.
func (b *Batches) Fail(ctx context.Context, employerID, batchID string, now time.Time) error {
	return b.db.WithContext(ctx).Model(&store.PaymentBatch{}).
		Where("employer_id = ? AND batch_id = ?", employerID, batchID).
		Updates(map[string]interface{}{
			"status":          store.BatchStatusFailed,
			"next_attempt_at": nil,
			"locked_by":       nil,
			"locked_at":       nil,
			"updated_at":      now,
		}).Error
}

// ScheduleRetry books the next sweep-and-retry cycle and spends one attempt.
func (b *Batches) ScheduleRetry(ctx context.Context, employerID, batchID string, nextAttemptAt, now time.Time) error {
	return b.db.WithContext(ctx).Model(&store.PaymentBatch{}).
		Where("employer_id = ? AND batch_id = ?", employerID, batchID).
		Updates(map[string]interface{}{
			"next_attempt_at": nextAttemptAt,
			"attempts":        gorm.Expr("attempts + 1"),
			"updated_at":      now,
		}).Error
}

// Reopen flips the batch back to PROCESSING so the processor picks it up.
func (b *Batches) Reopen(ctx context.Context, employerID, batchID string, now time.Time) error {
	return b.db.WithContext(ctx).Model(&store.PaymentBatch{}).
		Where("employer_id = ? AND batch_id = ?", employerID, batchID).
		Updates(map[string]interface{}{
			"status":          store.BatchStatusProcessing,
			"next_attempt_at": nil,
			"locked_by":       nil,
			"locked_at":       nil,
			"updated_at":      now,
		}).Error
}

func (b *Batches) session(ctx context.Context, tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx.WithContext(ctx)
	}
	return b.db.WithContext(ctx)
}

// Payments persists paycheck_payment rows.
type Payments struct {
	db *gorm.DB
}

func NewPayments(db *gorm.DB) *Payments {
	return &Payments{db: db}
}

// NewPayment describes one payment row to intake.
type NewPayment struct {
	EmployerID  string
	PaymentID   string
	PaycheckID  string
	PayRunID    string
	EmployeeID  string
	PayPeriodID string
	Currency    string
	NetCents    int64
	BatchID     string
}

// InsertIfAbsent creates the CREATED row unless (employer, paycheck) already
// has one. Returns whether a new row was inserted.
func (p *Payments) InsertIfAbsent(ctx context.Context, tx *gorm.DB, np NewPayment, now time.Time) (bool, error) {
	row := store.PaycheckPayment{
		EmployerID:  np.EmployerID,
		PaymentID:   np.PaymentID,
		PaycheckID:  np.PaycheckID,
		PayRunID:    np.PayRunID,
		EmployeeID:  np.EmployeeID,
		PayPeriodID: np.PayPeriodID,
		Currency:    np.Currency,
		NetCents:    np.NetCents,
		Status:      store.PaymentStatusCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if np.BatchID != "" {
		batchID := np.BatchID
		row.BatchID = &batchID
	}

	if err := p.session(ctx, tx).Create(&row).Error; err != nil {
		if store.IsDuplicate(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "insert paycheck payment")
	}
	return true, nil
}

// FindByPaycheck returns the paycheck's payment or nil when absent.
func (p *Payments) FindByPaycheck(ctx context.Context, tx *gorm.DB, employerID, paycheckID string) (*store.PaycheckPayment, error) {
	var row store.PaycheckPayment
	err := p.session(ctx, tx).
		Where("employer_id = ? AND paycheck_id = ?", employerID, paycheckID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "find payment by paycheck")
	}
	return &row, nil
}

// ListByPayRun returns the pay run's payments ordered by employee.
func (p *Payments) ListByPayRun(ctx context.Context, employerID, payRunID string) ([]store.PaycheckPayment, error) {
	var rows []store.PaycheckPayment
	err := p.db.WithContext(ctx).
		Where("employer_id = ? AND pay_run_id = ?", employerID, payRunID).
		Order("employee_id").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "list payments by pay run")
	}
	return rows, nil
}

// AttachBatchIfMissing backfills batch_id on a pre-existing row, so an
// idempotent intake retry still ends with the payment in its batch.
func (p *Payments) AttachBatchIfMissing(ctx context.Context, tx *gorm.DB, employerID, paycheckID, batchID string) error {
	return p.session(ctx, tx).Model(&store.PaycheckPayment{}).
		Where("employer_id = ? AND paycheck_id = ?", employerID, paycheckID).
		Where("batch_id IS NULL").
		Update("batch_id", batchID).Error
}

// ClaimCreatedByBatch leases up to limit CREATED rows of the batch for owner
// and moves them to SUBMITTED in the same claim, so no two processor
// instances can double-submit a payment.
func (p *Payments) ClaimCreatedByBatch(ctx context.Context, employerID, batchID string, limit int, owner string, ttl time.Duration, now time.Time) ([]store.PaycheckPayment, error) {
	if limit <= 0 {
		limit = 1
	}
	cutoff := store.LeaseCutoff(now, ttl)

	var claimed []store.PaycheckPayment
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []store.PaycheckPayment
		if err := store.WithRowLock(tx).
			Where("employer_id = ? AND batch_id = ?", employerID, batchID).
			Where("status = ?", store.PaymentStatusCreated).
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
			ids = append(ids, c.PaymentID)
		}

		if err := tx.Model(&store.PaycheckPayment{}).
			Where("employer_id = ? AND payment_id IN ?", employerID, ids).
			Where("status = ?", store.PaymentStatusCreated).
			Where(store.AttemptDue, now).
			Where(store.LeaseFree, cutoff).
			Updates(map[string]interface{}{
				"status":       store.PaymentStatusSubmitted,
				"locked_by":    owner,
				"locked_at":    now,
				"submitted_at": now,
				"updated_at":   now,
			}).Error; err != nil {
			return err
		}

		return tx.
			Where("employer_id = ? AND payment_id IN ?", employerID, ids).
			Where("locked_by = ?", owner).
			Order("created_at").
			Find(&claimed).Error
	})
	if err != nil {
		return nil, errors.Wrap(err, "claim created payments")
	}
	return claimed, nil
}

// SetProviderPaymentRefIfMissing records the provider's payment reference once.
func (p *Payments) SetProviderPaymentRefIfMissing(ctx context.Context, employerID, paymentID, ref string) error {
	if ref == "" {
		return nil
	}
	return p.db.WithContext(ctx).Model(&store.PaycheckPayment{}).
		Where("employer_id = ? AND payment_id = ?", employerID, paymentID).
		Where("provider_payment_ref IS NULL").
		Update("provider_payment_ref", ref).Error
}

// MarkSettled resolves a SUBMITTED payment to SETTLED and releases its lease.
// Guarding on the current status makes out-of-order or repeated calls no-ops.
func (p *Payments) MarkSettled(ctx context.Context, employerID, paymentID string, now time.Time) error {
	return p.db.WithContext(ctx).Model(&store.PaycheckPayment{}).
		Where("employer_id = ? AND payment_id = ?", employerID, paymentID).
		Where("status = ?", store.PaymentStatusSubmitted).
		Updates(map[string]interface{}{
			"status":          store.PaymentStatusSettled,
			"last_error":      nil,
			"next_attempt_at": nil,
			"locked_by":       nil,
			"locked_at":       nil,
			"updated_at":      now,
		}).Error
}

// MarkFailed resolves a SUBMITTED payment to FAILED, spending one of its
// retry attempts.
func (p *Payments) MarkFailed(ctx context.Context, employerID, paymentID, failErr string, now time.Time) error {
	if len(failErr) > 2000 {
		failErr = failErr[:2000]
	}
	return p.db.WithContext(ctx).Model(&store.PaycheckPayment{}).
		Where("employer_id = ? AND payment_id = ?", employerID, paymentID).
		Where("status = ?", store.PaymentStatusSubmitted).
		Updates(map[string]interface{}{
			"status":     store.PaymentStatusFailed,
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": failErr,
			"locked_by":  nil,
			"locked_at":  nil,
			"updated_at": now,
		}).Error
}

// ReopenFailed flips the batch's FAILED payments with retry budget left back
// to CREATED. Returns how many rows reopened.
func (p *Payments) ReopenFailed(ctx context.Context, employerID, batchID string, maxAttempts int, now time.Time) (int64, error) {
	res := p.db.WithContext(ctx).Model(&store.PaycheckPayment{}).
		Where("employer_id = ? AND batch_id = ?", employerID, batchID).
		Where("status = ?", store.PaymentStatusFailed).
		Where("attempts < ?", maxAttempts).
		Updates(map[string]interface{}{
			"status":          store.PaymentStatusCreated,
			"next_attempt_at": nil,
			"last_error":      nil,
			"locked_by":       nil,
			"locked_at":       nil,
			"updated_at":      now,
		})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "reopen failed payments")
	}
	return res.RowsAffected, nil
}

func (p *Payments) session(ctx context.Context, tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx.WithContext(ctx)
	}
	return p.db.WithContext(ctx)
}
