package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fredLoan/pkg/models"
	"github.com/mcclellann/fredLoan/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

const supersededRemark = "superseded by foreclosure"

// CalculateForeclosureAmount quotes what it costs to close a loan today.
func (l *Ledger) CalculateForeclosureAmount(ctx context.Context, loanID uuid.UUID) (q *models.ForeclosureQuote, err error) {
	ctx, finish := startSpan(ctx, "calculate_foreclosure_amount", attribute.String("loan_id", loanID.String()))
	defer func() { finish(err) }()

	loan, err := l.storage.GetLoan(ctx, loanID)
	if err != nil {
		return nil, lookupErr("loan", loanID, err)
	}
	if err := requireActive(loan, "FORECLOSURE_QUOTED"); err != nil {
		return nil, err
	}
	return l.quote(ctx, l.storage, loan, l.clock.Now())
}

// quote prices a foreclosure as of now: outstanding principal, interest accrued
// on it since the last paid installment fell due (or since disbursement),
// charges less the tier waiver, and penalties on open overdue rows.
func (l *Ledger) quote(ctx context.Context, s store.Storage, loan *models.Loan, now time.Time) (*models.ForeclosureQuote, error) {
	rows, err := s.GetInstallmentsForLoan(ctx, loan.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read schedule: %w", err)
	}
	pos := locate(rows, now)

	since := loan.DisbursementDate
	if pos.lastPaid != nil {
		since = pos.lastPaid.DueDate
	}
	days := max(0, daysBetween(since, now))
	pending := l.round(loan.OutstandingPrincipal.
		Mul(loan.AnnualRatePercent).Div(hundred).
		Mul(decimal.NewFromInt(int64(days))).Div(daysInYear))

	charges := l.percentOf(loan.OutstandingPrincipal, l.policy.ForeclosureChargePercent)
	waiver := l.percentOf(charges, l.waiverPercent(pos.paidCount))

	overdue, err := s.GetOverdueForLoan(ctx, loan.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read overdue tracking: %w", err)
	}
	byID := make(map[uuid.UUID]*models.Installment, len(rows))
	for _, r := range rows {
		byID[r.ID] = r
	}
	penalty := decimal.Zero
	for _, o := range overdue {
		if o.IsResolved {
			continue
		}
		if inst, ok := byID[o.InstallmentID]; ok {
			penalty = penalty.Add(inst.PenaltyDue())
		} else {
			penalty = penalty.Add(o.PenaltyAmount)
		}
	}

	q := &models.ForeclosureQuote{
		LoanID:               loan.ID,
		AsOf:                 now,
		OutstandingPrincipal: loan.OutstandingPrincipal,
		PendingInterest:      pending,
		Charges:              charges,
		Waiver:               waiver,
		Penalty:              penalty,
		InterestSaved:        decimal.Zero,
	}
	q.TotalAmountDue = q.OutstandingPrincipal.Add(pending).Add(charges).Sub(waiver).Add(penalty)
	q.RemainingInstallments = len(pos.arrears) + len(pos.tail)
	for _, r := range pos.arrears {
		q.InterestSaved = q.InterestSaved.Add(r.InterestComponent)
	}
	q.InterestSaved = q.InterestSaved.Add(pos.tailInterest())
	return q, nil
}

// waiverPercent returns the waiver of the highest tier reached by paid.
func (l *Ledger) waiverPercent(paid int) decimal.Decimal {
	pct := decimal.Zero
	for _, t := range l.policy.WaiverTiers {
		if paid >= t.MinInstallmentsPaid {
			pct = t.WaiverPercent
		}
	}
	return pct
}

func openForeclosure(ctx context.Context, s store.Storage, loanID uuid.UUID) (*models.Foreclosure, error) {
	existing, err := s.GetForeclosuresForLoan(ctx, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to read foreclosures: %w", err)
	}
	for _, f := range existing {
		if f.Open() {
			return f, nil
		}
	}
	return nil, nil
}

// RequestForeclosure opens a foreclosure request priced as of today.
func (l *Ledger) RequestForeclosure(ctx context.Context, loanID uuid.UUID, reason string) (*models.Foreclosure, error) {
	var record *models.Foreclosure
	err := l.mutate(ctx, "request_foreclosure", loanID, func(s store.Storage) error {
		loan, err := s.GetLoan(ctx, loanID)
		if err != nil {
			return lookupErr("loan", loanID, err)
		}
		if err := requireActive(loan, string(models.ForeclosureRequested)); err != nil {
			return err
		}
		open, err := openForeclosure(ctx, s, loanID)
		if err != nil {
			return err
		}
		if open != nil {
			return &InvalidStateTransitionError{Entity: "foreclosure", ID: open.ID, From: string(open.Status), To: string(models.ForeclosureRequested)}
		}

		now := l.clock.Now()
		q, err := l.quote(ctx, s, loan, now)
		if err != nil {
			return err
		}
		record = &models.Foreclosure{
			ID:          uuid.New(),
			LoanID:      loanID,
			Status:      models.ForeclosureRequested,
			AmountPaid:  decimal.Zero,
			Reason:      reason,
			RequestedAt: now,
		}
		record.ApplyQuote(q)
		if err := s.CreateForeclosure(ctx, record); err != nil {
			return fmt.Errorf("failed to store foreclosure: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (l *Ledger) ApproveForeclosure(ctx context.Context, id uuid.UUID, remarks string) (*models.Foreclosure, error) {
	return l.transitionForeclosure(ctx, "approve_foreclosure", id, func(f *models.Foreclosure) error {
		if f.Status != models.ForeclosureRequested {
			return &InvalidStateTransitionError{Entity: "foreclosure", ID: id, From: string(f.Status), To: string(models.ForeclosureApproved)}
		}
		now := l.clock.Now()
		f.Status = models.ForeclosureApproved
		f.ApprovedAt = &now
		f.Remarks = remarks
		return nil
	})
}

func (l *Ledger) RejectForeclosure(ctx context.Context, id uuid.UUID, remarks string) (*models.Foreclosure, error) {
	return l.transitionForeclosure(ctx, "reject_foreclosure", id, func(f *models.Foreclosure) error {
		if f.Status != models.ForeclosureRequested && f.Status != models.ForeclosureApproved {
			return &InvalidStateTransitionError{Entity: "foreclosure", ID: id, From: string(f.Status), To: string(models.ForeclosureRejected)}
		}
		f.Status = models.ForeclosureRejected
		f.Remarks = remarks
		return nil
	})
}

func (l *Ledger) transitionForeclosure(ctx context.Context, op string, id uuid.UUID, apply func(*models.Foreclosure) error) (*models.Foreclosure, error) {
	f, err := l.storage.GetForeclosure(ctx, id)
	if err != nil {
		return nil, lookupErr("foreclosure", id, err)
	}
	err = l.mutate(ctx, op, f.LoanID, func(s store.Storage) error {
		f, err = s.GetForeclosure(ctx, id)
		if err != nil {
			return lookupErr("foreclosure", id, err)
		}
		if err := apply(f); err != nil {
			return err
		}
		if err := s.UpdateForeclosure(ctx, f); err != nil {
			return fmt.Errorf("failed to update foreclosure: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// ProcessForeclosure settles a loan in full. It uses the loan's approved
// foreclosure request, or opens one directly when none exists; a request that
// is still awaiting approval blocks it. The payment must cover the amount
// quoted as of today. On success the loan is closed, its collateral released
// and every unpaid installment kept as a superseded record.
func (l *Ledger) ProcessForeclosure(ctx context.Context, loanID uuid.UUID, paymentAmount decimal.Decimal, reference string) (*models.Foreclosure, error) {
	if !paymentAmount.IsPositive() {
		return nil, &InvalidAmountError{Amount: paymentAmount, Reason: "foreclosure payment must be positive"}
	}

	var record *models.Foreclosure
	err := l.mutate(ctx, "process_foreclosure", loanID, func(s store.Storage) error {
		loan, err := s.GetLoan(ctx, loanID)
		if err != nil {
			return lookupErr("loan", loanID, err)
		}
		if err := requireActive(loan, string(models.ForeclosureCompleted)); err != nil {
			return err
		}

		now := l.clock.Now()
		record, err = openForeclosure(ctx, s, loanID)
		if err != nil {
			return err
		}
		create := record == nil
		switch {
		case create:
			record = &models.Foreclosure{
				ID:          uuid.New(),
				LoanID:      loanID,
				Status:      models.ForeclosureApproved,
				Reason:      "direct settlement",
				RequestedAt: now,
				ApprovedAt:  &now,
			}
		case record.Status != models.ForeclosureApproved:
			return &InvalidStateTransitionError{Entity: "foreclosure", ID: record.ID, From: string(record.Status), To: string(models.ForeclosureProcessing)}
		}

		q, err := l.quote(ctx, s, loan, now)
		if err != nil {
			return err
		}
		if paymentAmount.LessThan(q.TotalAmountDue) {
			return &InsufficientPaymentError{Required: q.TotalAmountDue, Paid: paymentAmount}
		}

		record.ApplyQuote(q)
		record.Status = models.ForeclosureProcessing
		record.AmountPaid = paymentAmount
		record.Reference = reference
		if create {
			err = s.CreateForeclosure(ctx, record)
		} else {
			err = s.UpdateForeclosure(ctx, record)
		}
		if err != nil {
			return fmt.Errorf("failed to store foreclosure: %w", err)
		}

		if err := l.settleForeclosure(ctx, s, loan, now); err != nil {
			return err
		}
		if err := s.CreateTransaction(ctx, &models.Transaction{
			ID:        uuid.New(),
			LoanID:    loanID,
			Amount:    paymentAmount,
			Type:      models.TransactionTypeForeclosure,
			Reference: reference,
			Timestamp: now,
		}); err != nil {
			return fmt.Errorf("failed to store foreclosure transaction: %w", err)
		}

		record.Status = models.ForeclosureCompleted
		record.CompletedAt = &now
		if err := s.UpdateForeclosure(ctx, record); err != nil {
			return fmt.Errorf("failed to complete foreclosure: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.WithFields(logrus.Fields{
		"loan_id":        loanID,
		"foreclosure_id": record.ID,
		"amount":         paymentAmount.StringFixed(2),
		"interest_saved": record.InterestSaved.StringFixed(2),
	}).Info("Loan foreclosed")
	return record, nil
}

// settleForeclosure closes the loan, supersedes its unpaid rows and resolves
// their overdue tracking.
func (l *Ledger) settleForeclosure(ctx context.Context, s store.Storage, loan *models.Loan, now time.Time) error {
	rows, err := s.GetInstallmentsForLoan(ctx, loan.ID)
	if err != nil {
		return fmt.Errorf("failed to read schedule: %w", err)
	}
	for _, r := range rows {
		if r.IsPaid || r.Superseded {
			continue
		}
		r.Superseded = true
		r.Remarks = supersededRemark
		r.UpdatedAt = now
		if err := s.UpdateInstallment(ctx, r); err != nil {
			return fmt.Errorf("failed to supersede installment %d: %w", r.Sequence, err)
		}
	}

	overdue, err := s.GetOverdueForLoan(ctx, loan.ID)
	if err != nil {
		return fmt.Errorf("failed to read overdue tracking: %w", err)
	}
	for _, o := range overdue {
		if o.IsResolved {
			continue
		}
		o.IsResolved = true
		o.ResolvedDate = &now
		o.ResolutionAmount = o.TotalOverdueAmount
		o.CollectionStatus = models.CollectionResolved
		o.Remarks = supersededRemark
		o.UpdatedAt = now
		if err := s.UpsertOverdue(ctx, o); err != nil {
			return fmt.Errorf("failed to resolve overdue tracking: %w", err)
		}
	}

	loan.Status = models.LoanStatusClosed
	loan.OutstandingPrincipal = decimal.Zero
	loan.CollateralReleased = true
	loan.ClosedAt = &now
	loan.UpdatedAt = now
	if err := s.UpdateLoan(ctx, loan); err != nil {
		return fmt.Errorf("failed to close loan: %w", err)
	}
	return nil
}
