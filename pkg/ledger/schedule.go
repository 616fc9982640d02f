package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fredLoan/pkg/amortization"
	"github.com/mcclellann/fredLoan/pkg/models"
	"github.com/mcclellann/fredLoan/pkg/store"
	"github.com/shopspring/decimal"
)

// position is where a loan's schedule stands on a given day.
type position struct {
	// next is the first sequence a rebuild may replace: one past both the
	// last paid row and the last row already due.
	next int
	// arrears are unpaid rows before next; rebuilds never touch them.
	arrears []*models.Installment
	// tail are the unpaid rows from next on.
	tail      []*models.Installment
	paidCount int
	lastPaid  *models.Installment
}

func locate(rows []*models.Installment, now time.Time) position {
	today := dateOf(now)
	var p position
	lastPaidSeq, lastDueSeq := 0, 0
	for _, r := range rows {
		if r.Superseded {
			continue
		}
		if r.IsPaid {
			p.paidCount++
			if r.Sequence > lastPaidSeq {
				lastPaidSeq = r.Sequence
				p.lastPaid = r
			}
		}
		if !dateOf(r.DueDate).After(today) && r.Sequence > lastDueSeq {
			lastDueSeq = r.Sequence
		}
	}
	p.next = max(lastPaidSeq, lastDueSeq) + 1
	for _, r := range rows {
		if r.Superseded || r.IsPaid {
			continue
		}
		if r.Sequence < p.next {
			p.arrears = append(p.arrears, r)
		} else {
			p.tail = append(p.tail, r)
		}
	}
	return p
}

func (p position) arrearsPrincipal() decimal.Decimal {
	total := decimal.Zero
	for _, r := range p.arrears {
		total = total.Add(r.PrincipalComponent)
	}
	return total
}

func (p position) tailInterest() decimal.Decimal {
	total := decimal.Zero
	for _, r := range p.tail {
		total = total.Add(r.InterestComponent)
	}
	return total
}

// tailPrincipal is the balance a rebuild re-amortizes: the loan's outstanding
// principal less whatever is still owed on arrears.
func (p position) tailPrincipal(loan *models.Loan) decimal.Decimal {
	return loan.OutstandingPrincipal.Sub(p.arrearsPrincipal())
}

func (l *Ledger) termsFrom(loan *models.Loan, principal decimal.Decimal, start int) amortization.Terms {
	return amortization.Terms{
		Principal:         principal,
		AnnualRatePercent: loan.AnnualRatePercent,
		Frequency:         loan.Frequency,
		StartSequence:     start,
		DueDate:           loan.DueDate,
	}
}

func toInstallments(loanID uuid.UUID, rows []amortization.Row, now time.Time) []*models.Installment {
	out := make([]*models.Installment, 0, len(rows))
	for _, r := range rows {
		out = append(out, &models.Installment{
			ID:                 uuid.New(),
			LoanID:             loanID,
			Sequence:           r.Sequence,
			DueDate:            r.DueDate,
			InstallmentAmount:  r.Installment,
			PrincipalComponent: r.Principal,
			InterestComponent:  r.Interest,
			OutstandingAfter:   r.OutstandingAfter,
			PaidAmount:         decimal.Zero,
			PenaltyAmount:      decimal.Zero,
			CreatedAt:          now,
			UpdatedAt:          now,
		})
	}
	return out
}

// BuildInitialSchedule generates and persists the full schedule of a loan
// that has none yet. A loan that already has a schedule gets its live rows
// back unchanged, so calling it again is safe.
func (l *Ledger) BuildInitialSchedule(ctx context.Context, loanID uuid.UUID) ([]*models.Installment, error) {
	var schedule []*models.Installment
	err := l.mutate(ctx, "build_initial_schedule", loanID, func(s store.Storage) error {
		loan, err := s.GetLoan(ctx, loanID)
		if err != nil {
			return lookupErr("loan", loanID, err)
		}
		existing, err := s.GetInstallmentsForLoan(ctx, loanID)
		if err != nil {
			return fmt.Errorf("failed to read schedule: %w", err)
		}
		if len(existing) > 0 {
			for _, r := range existing {
				if !r.Superseded {
					schedule = append(schedule, r)
				}
			}
			return nil
		}
		schedule, err = l.buildInitialSchedule(ctx, s, loan)
		return err
	})
	if err != nil {
		return nil, err
	}
	return schedule, nil
}

func (l *Ledger) buildInitialSchedule(ctx context.Context, s store.Storage, loan *models.Loan) ([]*models.Installment, error) {
	if err := requireActive(loan, "SCHEDULED"); err != nil {
		return nil, err
	}

	rows, emi, err := l.calc.Build(l.termsFrom(loan, loan.Principal, 1), loan.InstallmentCount())
	if err != nil {
		return nil, err
	}

	now := l.clock.Now()
	schedule := toInstallments(loan.ID, rows, now)
	if err := s.CreateInstallments(ctx, schedule); err != nil {
		return nil, fmt.Errorf("failed to store schedule: %w", err)
	}

	loan.InstallmentAmount = emi
	loan.OutstandingPrincipal = loan.Principal
	loan.UpdatedAt = now
	if err := s.UpdateLoan(ctx, loan); err != nil {
		return nil, fmt.Errorf("failed to update loan: %w", err)
	}
	return schedule, nil
}

// replaceTail persists rows as the loan's new tail from pos.next on and
// updates the loan's EMI and tenure to match.
func (l *Ledger) replaceTail(ctx context.Context, s store.Storage, loan *models.Loan, pos position, rows []amortization.Row, emi decimal.Decimal) error {
	now := l.clock.Now()
	if err := s.ReplaceScheduleTail(ctx, loan.ID, pos.next, toInstallments(loan.ID, rows, now)); err != nil {
		return fmt.Errorf("failed to replace schedule tail: %w", err)
	}
	loan.InstallmentAmount = emi
	loan.TenureMonths = (pos.next - 1 + len(rows)) * loan.Frequency.Months()
	loan.UpdatedAt = now
	return nil
}
