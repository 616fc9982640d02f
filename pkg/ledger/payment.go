package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fredLoan/pkg/models"
	"github.com/mcclellann/fredLoan/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// RecordPayment applies a resolved payment to an installment and returns the
// updated installment.
//
// What is due is the unpaid installment plus any penalty the overdue sweep
// has accrued on it, and payments cover the penalty first. An amount short of
// that is refused unless allowPartial is set, in which case it accumulates on
// the installment without settling it and the installment stays under overdue
// tracking. An amount above it is refused.
func (l *Ledger) RecordPayment(ctx context.Context, installmentID uuid.UUID, amount decimal.Decimal, reference string, allowPartial bool) (*models.Installment, error) {
	if !amount.IsPositive() {
		return nil, &InvalidAmountError{Amount: amount, Reason: "payment must be positive"}
	}
	inst, err := l.storage.GetInstallment(ctx, installmentID)
	if err != nil {
		return nil, lookupErr("installment", installmentID, err)
	}

	var updated *models.Installment
	err = l.mutate(ctx, "record_payment", inst.LoanID, func(s store.Storage) error {
		var err error
		updated, err = l.applyPayment(ctx, s, installmentID, amount, reference, allowPartial)
		return err
	})
	if err != nil {
		return nil, err
	}

	l.logger.WithFields(logrus.Fields{
		"loan_id":        updated.LoanID,
		"installment_id": updated.ID,
		"sequence":       updated.Sequence,
		"amount":         amount.StringFixed(2),
		"paid":           updated.IsPaid,
	}).Info("Payment recorded")
	return updated, nil
}

// RecordNextPayment pays the lowest-numbered unpaid installment of a loan.
func (l *Ledger) RecordNextPayment(ctx context.Context, loanID uuid.UUID, amount decimal.Decimal, reference string, allowPartial bool) (*models.Installment, error) {
	rows, err := l.GetSchedule(ctx, loanID)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		if !r.IsPaid && !r.Superseded {
			return l.RecordPayment(ctx, r.ID, amount, reference, allowPartial)
		}
	}
	loan, err := l.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	return nil, &InvalidStateTransitionError{Entity: "loan", ID: loanID, From: string(loan.Status), To: "PAID"}
}

func (l *Ledger) applyPayment(ctx context.Context, s store.Storage, installmentID uuid.UUID, amount decimal.Decimal, reference string, allowPartial bool) (*models.Installment, error) {
	inst, err := s.GetInstallment(ctx, installmentID)
	if err != nil {
		return nil, lookupErr("installment", installmentID, err)
	}
	if inst.IsPaid {
		return nil, &InstallmentAlreadyPaidError{InstallmentID: inst.ID}
	}
	if inst.Superseded {
		return nil, &InvalidStateTransitionError{Entity: "installment", ID: inst.ID, From: "SUPERSEDED", To: "PAID"}
	}
	loan, err := s.GetLoan(ctx, inst.LoanID)
	if err != nil {
		return nil, lookupErr("loan", inst.LoanID, err)
	}
	if err := requireActive(loan, "PAID"); err != nil {
		return nil, err
	}

	due := inst.TotalDue()
	if amount.LessThan(due) && !allowPartial {
		return nil, &InvalidAmountError{Amount: amount, Reason: fmt.Sprintf("short of the %s due including penalty; record it as a partial payment", due)}
	}
	if amount.GreaterThan(due) {
		return nil, &InvalidAmountError{Amount: amount, Reason: fmt.Sprintf("exceeds the %s due including penalty; use a prepayment", due)}
	}

	now := l.clock.Now()
	penaltyCovered := decimal.Min(amount, inst.PenaltyDue())
	inst.PaidAmount = inst.PaidAmount.Add(amount)
	inst.UpdatedAt = now
	txType := models.TransactionTypePartialPayment
	if inst.TotalDue().IsZero() {
		txType = models.TransactionTypePayment
		inst.IsPaid = true
		inst.PaidDate = &now
	}
	if err := s.UpdateInstallment(ctx, inst); err != nil {
		return nil, fmt.Errorf("failed to update installment: %w", err)
	}

	transaction := &models.Transaction{
		ID:            uuid.New(),
		LoanID:        loan.ID,
		InstallmentID: &inst.ID,
		Amount:        amount,
		Type:          txType,
		Reference:     reference,
		Timestamp:     now,
	}
	if err := s.CreateTransaction(ctx, transaction); err != nil {
		return nil, fmt.Errorf("failed to store payment transaction: %w", err)
	}

	if penaltyCovered.IsPositive() {
		l.logger.WithFields(logrus.Fields{
			"installment_id": inst.ID,
			"penalty":        penaltyCovered.StringFixed(2),
		}).Debug("Payment applied to penalty")
	}
	if !inst.IsPaid {
		return inst, nil
	}

	if err := l.resolveOverdue(ctx, s, inst, now); err != nil {
		return nil, err
	}

	loan.OutstandingPrincipal = loan.OutstandingPrincipal.Sub(inst.PrincipalComponent)
	loan.UpdatedAt = now
	remaining, err := s.GetInstallmentsForLoan(ctx, loan.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read schedule: %w", err)
	}
	if !hasUnpaid(remaining) {
		loan.Status = models.LoanStatusClosed
		loan.ClosedAt = &now
		loan.OutstandingPrincipal = decimal.Zero
		loan.CollateralReleased = true
	}
	if err := s.UpdateLoan(ctx, loan); err != nil {
		return nil, fmt.Errorf("failed to update loan balance: %w", err)
	}
	return inst, nil
}

func hasUnpaid(rows []*models.Installment) bool {
	for _, r := range rows {
		if !r.IsPaid && !r.Superseded {
			return true
		}
	}
	return false
}

// resolveOverdue closes the open tracking row of a settled installment, if any.
func (l *Ledger) resolveOverdue(ctx context.Context, s store.Storage, inst *models.Installment, now time.Time) error {
	row, err := s.GetOverdueByInstallment(ctx, inst.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to get overdue tracking: %w", err)
	}
	if row.IsResolved {
		return nil
	}
	row.IsResolved = true
	row.ResolvedDate = &now
	row.ResolutionAmount = inst.PaidAmount
	row.CollectionStatus = models.CollectionResolved
	row.UpdatedAt = now
	if err := s.UpsertOverdue(ctx, row); err != nil {
		return fmt.Errorf("failed to resolve overdue tracking: %w", err)
	}
	return nil
}
