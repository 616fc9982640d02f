package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcclellann/fredLoan/pkg/amortization"
	"github.com/mcclellann/fredLoan/pkg/models"
	"github.com/mcclellann/fredLoan/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ProcessPrepayment applies a lump sum to a loan's principal and rebuilds the
// unpaid tail of its schedule. REDUCE_TENURE keeps the installment and drops
// rows; REDUCE_EMI keeps the row count and lowers the installment. Any
// prepayment charge is taken out of amount before the principal is reduced.
func (l *Ledger) ProcessPrepayment(ctx context.Context, loanID uuid.UUID, amount decimal.Decimal, policy models.PrepaymentPolicy, reference string) (*models.Prepayment, error) {
	if !amount.IsPositive() {
		return nil, &InvalidAmountError{Amount: amount, Reason: "prepayment must be positive"}
	}
	if !policy.Valid() {
		return nil, &InvalidTermsError{Reason: fmt.Sprintf("unknown prepayment policy %q", policy)}
	}

	var record *models.Prepayment
	err := l.mutate(ctx, "process_prepayment", loanID, func(s store.Storage) error {
		loan, err := s.GetLoan(ctx, loanID)
		if err != nil {
			return lookupErr("loan", loanID, err)
		}
		if err := requireActive(loan, "PREPAID"); err != nil {
			return err
		}

		limit := loan.OutstandingPrincipal.Sub(loan.InstallmentAmount)
		if amount.GreaterThanOrEqual(limit) {
			return &PrepaymentExceedsOutstandingError{Amount: amount, Limit: limit}
		}

		rows, err := s.GetInstallmentsForLoan(ctx, loanID)
		if err != nil {
			return fmt.Errorf("failed to read schedule: %w", err)
		}
		now := l.clock.Now()
		pos := locate(rows, now)
		if len(pos.tail) == 0 {
			return &InvalidStateTransitionError{Entity: "loan", ID: loanID, From: "NO_FUTURE_INSTALLMENTS", To: "PREPAID"}
		}

		charges := l.percentOf(amount, l.policy.PrepaymentChargePercent)
		net := amount.Sub(charges)
		principal := pos.tailPrincipal(loan).Sub(net)
		if !principal.IsPositive() {
			return &PrepaymentExceedsOutstandingError{Amount: amount, Limit: pos.tailPrincipal(loan)}
		}

		oldEMI := loan.InstallmentAmount
		terms := l.termsFrom(loan, principal, pos.next)
		var (
			tail   []amortization.Row
			newEMI decimal.Decimal
		)
		switch policy {
		case models.PolicyReduceTenure:
			tail, err = l.calc.BuildFixed(terms, oldEMI)
			newEMI = oldEMI
		case models.PolicyReduceEMI:
			tail, newEMI, err = l.calc.Build(terms, len(pos.tail))
		}
		if err != nil {
			return err
		}

		before := loan.OutstandingPrincipal
		if err := l.replaceTail(ctx, s, loan, pos, tail, newEMI); err != nil {
			return err
		}
		loan.OutstandingPrincipal = before.Sub(net)
		if err := s.UpdateLoan(ctx, loan); err != nil {
			return fmt.Errorf("failed to update loan: %w", err)
		}

		record = &models.Prepayment{
			ID:                   uuid.New(),
			LoanID:               loanID,
			Date:                 now,
			Amount:               amount,
			Charges:              charges,
			OutstandingBefore:    before,
			OutstandingAfter:     loan.OutstandingPrincipal,
			Policy:               policy,
			InterestSaved:        pos.tailInterest().Sub(amortization.TotalInterest(tail)),
			TenureReduction:      len(pos.tail) - len(tail),
			EMIReduction:         oldEMI.Sub(newEMI),
			OldInstallmentAmount: oldEMI,
			NewInstallmentAmount: newEMI,
			Reference:            reference,
			CreatedAt:            now,
		}
		if err := s.CreatePrepayment(ctx, record); err != nil {
			return fmt.Errorf("failed to store prepayment: %w", err)
		}

		return s.CreateTransaction(ctx, &models.Transaction{
			ID:        uuid.New(),
			LoanID:    loanID,
			Amount:    amount,
			Type:      models.TransactionTypePrepayment,
			Reference: reference,
			Timestamp: now,
		})
	})
	if err != nil {
		return nil, err
	}

	l.logger.WithFields(logrus.Fields{
		"loan_id":          loanID,
		"amount":           amount.StringFixed(2),
		"policy":           policy,
		"interest_saved":   record.InterestSaved.StringFixed(2),
		"tenure_reduction": record.TenureReduction,
		"new_installment":  record.NewInstallmentAmount.StringFixed(2),
	}).Info("Prepayment processed")
	return record, nil
}
