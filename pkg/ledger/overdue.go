package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/mcclellann/fredLoan/pkg/logging"
	"github.com/mcclellann/fredLoan/pkg/metrics"
	"github.com/mcclellann/fredLoan/pkg/models"
	"github.com/mcclellann/fredLoan/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Notifier is told when an installment first becomes overdue and each time
// it moves into a worse bucket.
type Notifier interface {
	NotifyOverdue(ctx context.Context, row *models.OverdueTracking) error
}

// LogNotifier writes overdue notifications to the log.
type LogNotifier struct {
	Logger logrus.FieldLogger
}

func (n LogNotifier) NotifyOverdue(ctx context.Context, row *models.OverdueTracking) error {
	n.Logger.WithFields(logrus.Fields{
		"loan_id":           row.LoanID,
		"installment_id":    row.InstallmentID,
		"bucket":            row.Status,
		"days_overdue":      row.DaysOverdue,
		"total_overdue":     row.TotalOverdueAmount.StringFixed(2),
		"collection_status": row.CollectionStatus,
	}).Warnf("Installment overdue for %s day(s), %s outstanding (notice #%d)",
		humanize.Comma(int64(row.DaysOverdue)), formatAmount(row.TotalOverdueAmount), row.NotificationCount)
	return nil
}

// formatAmount renders d to two places with thousands separators, working on
// the exact digits rather than a float.
func formatAmount(d decimal.Decimal) string {
	whole, frac, _ := strings.Cut(d.StringFixed(2), ".")
	n, ok := new(big.Int).SetString(whole, 10)
	if !ok {
		return d.StringFixed(2)
	}
	return humanize.BigComma(n) + "." + frac
}

// Classify places daysOverdue on the delinquency ladder.
func (l *Ledger) Classify(daysOverdue int) models.OverdueBucket {
	switch {
	case daysOverdue <= 0:
		return models.BucketCurrent
	case daysOverdue >= l.policy.NPAThresholdDays:
		return models.BucketNPA
	case daysOverdue <= 30:
		return models.BucketOverdue1To30
	case daysOverdue <= 60:
		return models.BucketOverdue31To60
	case daysOverdue <= 90:
		return models.BucketOverdue61To90
	}
	return models.BucketOverdue90Plus
}

func collectionStatusFor(b models.OverdueBucket) models.CollectionStatus {
	switch b {
	case models.BucketOverdue1To30:
		return models.CollectionReminder
	case models.BucketOverdue31To60:
		return models.CollectionFollowUp
	case models.BucketOverdue61To90:
		return models.CollectionActive
	case models.BucketOverdue90Plus:
		return models.CollectionRecovery
	case models.BucketNPA:
		return models.CollectionLegal
	}
	return models.CollectionReminder
}

// Penalty is the penalty owed on an installment after daysOverdue days. It is
// a function of the days alone, so recomputing it never accrues twice.
func (l *Ledger) Penalty(installment decimal.Decimal, daysOverdue int) decimal.Decimal {
	var steps int64
	switch l.policy.PenaltyMode {
	case PenaltyPerBucket:
		steps = int64(l.Classify(daysOverdue).Rank())
	default:
		steps = int64(max(daysOverdue, 0))
	}
	penalty := installment.Mul(l.policy.PenaltyRatePercent).Div(hundred).Mul(decimal.NewFromInt(steps))
	if l.policy.PenaltyCapPercent.IsPositive() {
		penalty = decimal.Min(penalty, installment.Mul(l.policy.PenaltyCapPercent).Div(hundred))
	}
	return l.round(penalty)
}

// CheckOverdueEmis sweeps every unpaid installment whose due date has passed,
// upserting one tracking row per installment, and resolves open rows whose
// installment has since been settled. A failing row is logged and skipped.
// Running it again on the same day changes nothing. It returns the tracking
// rows of every installment that is overdue after the sweep.
func (l *Ledger) CheckOverdueEmis(ctx context.Context) (rows []*models.OverdueTracking, err error) {
	ctx, finish := startSpan(ctx, "check_overdue_emis")
	defer func() { finish(err) }()
	started := time.Now()
	defer func() { metrics.OverdueSweepDuration.Observe(time.Since(started).Seconds()) }()

	now := l.clock.Now()
	today := dateOf(now)

	due, err := l.storage.GetDueUnpaidInstallments(ctx, today)
	if err != nil {
		return nil, fmt.Errorf("failed to list due installments: %w", err)
	}

	var failed int
	for _, inst := range due {
		row, err := l.trackOverdue(ctx, inst.LoanID, inst.ID, now)
		if err != nil {
			failed++
			logging.LogError(l.logger, "ledger", "CheckOverdueEmis", "tracking overdue installment",
				logrus.Fields{"loan_id": inst.LoanID, "installment_id": inst.ID}, err)
			continue
		}
		if row != nil {
			rows = append(rows, row)
		}
	}

	unresolved, err := l.resolveSettled(ctx, now)
	if err != nil {
		logging.LogError(l.logger, "ledger", "CheckOverdueEmis", "resolving settled rows", nil, err)
	}
	failed += unresolved

	l.logger.WithFields(logrus.Fields{
		"due":     len(due),
		"tracked": len(rows),
		"failed":  failed,
	}).Info("Overdue sweep finished")
	return rows, nil
}

// trackOverdue brings the tracking row of one installment up to date under its
// loan's lock. It returns nil when the installment no longer needs tracking.
func (l *Ledger) trackOverdue(ctx context.Context, loanID, installmentID uuid.UUID, now time.Time) (*models.OverdueTracking, error) {
	var (
		row    *models.OverdueTracking
		notify bool
	)
	err := l.mutate(ctx, "track_overdue", loanID, func(s store.Storage) error {
		row, notify = nil, false

		// Re-read under the lock: a payment may have settled it since the scan.
		inst, err := s.GetInstallment(ctx, installmentID)
		if err != nil {
			return lookupErr("installment", installmentID, err)
		}
		if inst.IsPaid || inst.Superseded {
			return l.resolveOverdue(ctx, s, inst, now)
		}

		existing, err := s.GetOverdueByInstallment(ctx, inst.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("failed to get overdue tracking: %w", err)
		}
		if existing != nil && existing.CollectionStatus == models.CollectionWrittenOff {
			return nil
		}

		days := daysBetween(inst.DueDate, now)
		bucket := l.Classify(days)
		penalty := l.Penalty(inst.InstallmentAmount, days)
		inst.PenaltyAmount = penalty
		amountDue := inst.AmountDue()
		total := inst.TotalDue()

		if existing != nil && existing.DaysOverdue == days && existing.Status == bucket &&
			existing.PenaltyAmount.Equal(penalty) && existing.OverdueAmount.Equal(amountDue) &&
			existing.TotalOverdueAmount.Equal(total) && !existing.IsResolved {
			row = existing
			return nil
		}

		row = existing
		if row == nil {
			row = &models.OverdueTracking{
				ID:               uuid.New(),
				LoanID:           inst.LoanID,
				InstallmentID:    inst.ID,
				ResolutionAmount: decimal.Zero,
				CreatedAt:        now,
			}
			notify = true
		} else if bucket.Rank() > row.Status.Rank() {
			notify = true
		}

		row.Status = bucket
		row.DaysOverdue = days
		row.OverdueAmount = amountDue
		row.PenaltyAmount = penalty
		row.TotalOverdueAmount = total
		row.CollectionStatus = collectionStatusFor(bucket)
		row.IsResolved = false
		row.ResolvedDate = nil
		row.UpdatedAt = now
		if notify {
			row.NotificationCount++
			row.LastNotificationDate = &now
		}
		if err := s.UpsertOverdue(ctx, row); err != nil {
			return fmt.Errorf("failed to upsert overdue tracking: %w", err)
		}

		inst.DaysOverdue = days
		inst.UpdatedAt = now
		if err := s.UpdateInstallment(ctx, inst); err != nil {
			return fmt.Errorf("failed to update installment: %w", err)
		}
		metrics.OverdueRows.WithLabelValues(string(bucket)).Inc()
		return nil
	})
	if err != nil {
		return nil, err
	}

	if notify {
		if err := l.notifier.NotifyOverdue(ctx, row); err != nil {
			logging.LogError(l.logger, "ledger", "CheckOverdueEmis", "sending overdue notification",
				logrus.Fields{"installment_id": row.InstallmentID}, err)
		}
	}
	return row, nil
}

// resolveSettled closes open tracking rows whose installment has been paid or
// superseded outside the payment path. A row that fails is logged and left
// open for the next sweep; the count of such rows is returned.
func (l *Ledger) resolveSettled(ctx context.Context, now time.Time) (failed int, err error) {
	open, err := l.storage.GetOpenOverdue(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list open overdue rows: %w", err)
	}
	for _, o := range open {
		if err := l.resolveIfSettled(ctx, o, now); err != nil {
			failed++
			logging.LogError(l.logger, "ledger", "CheckOverdueEmis", "resolving settled row",
				logrus.Fields{"loan_id": o.LoanID, "installment_id": o.InstallmentID}, err)
		}
	}
	return failed, nil
}

func (l *Ledger) resolveIfSettled(ctx context.Context, o *models.OverdueTracking, now time.Time) error {
	inst, err := l.storage.GetInstallment(ctx, o.InstallmentID)
	if err != nil {
		return lookupErr("installment", o.InstallmentID, err)
	}
	if !inst.IsPaid && !inst.Superseded {
		return nil
	}
	return l.mutate(ctx, "resolve_overdue", o.LoanID, func(s store.Storage) error {
		inst, err := s.GetInstallment(ctx, o.InstallmentID)
		if err != nil {
			return lookupErr("installment", o.InstallmentID, err)
		}
		return l.resolveOverdue(ctx, s, inst, now)
	})
}

// WriteOffOverdue resolves the tracking row of an installment as written off.
// The sweep leaves written-off rows alone.
func (l *Ledger) WriteOffOverdue(ctx context.Context, installmentID uuid.UUID, remarks string) (*models.OverdueTracking, error) {
	row, err := l.storage.GetOverdueByInstallment(ctx, installmentID)
	if err != nil {
		return nil, lookupErr("overdue tracking", installmentID, err)
	}
	err = l.mutate(ctx, "write_off_overdue", row.LoanID, func(s store.Storage) error {
		row, err = s.GetOverdueByInstallment(ctx, installmentID)
		if err != nil {
			return lookupErr("overdue tracking", installmentID, err)
		}
		if row.IsResolved {
			return &InvalidStateTransitionError{Entity: "overdue tracking", ID: row.ID, From: string(row.CollectionStatus), To: string(models.CollectionWrittenOff)}
		}
		now := l.clock.Now()
		row.IsResolved = true
		row.ResolvedDate = &now
		row.CollectionStatus = models.CollectionWrittenOff
		row.Remarks = remarks
		row.UpdatedAt = now
		return s.UpsertOverdue(ctx, row)
	})
	if err != nil {
		return nil, err
	}
	l.logger.WithFields(logrus.Fields{"loan_id": row.LoanID, "installment_id": installmentID}).Warn("Overdue installment written off")
	return row, nil
}
