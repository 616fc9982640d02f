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

func validateRestructureTerms(f models.Frequency, t models.RestructureTerms) error {
	if t.AnnualRatePercent != nil && t.AnnualRatePercent.IsNegative() {
		return &InvalidTermsError{Reason: "annual rate must not be negative"}
	}
	byTenure := t.RemainingTenureMonths != 0
	byEMI := t.InstallmentAmount != nil
	switch {
	case byTenure == byEMI:
		return &InvalidTermsError{Reason: "propose either a remaining tenure or an installment amount"}
	case byTenure && (t.RemainingTenureMonths < 0 || t.RemainingTenureMonths%f.Months() != 0):
		return &InvalidTermsError{Reason: fmt.Sprintf("remaining tenure of %d months is not a positive multiple of %d", t.RemainingTenureMonths, f.Months())}
	case byEMI && !t.InstallmentAmount.IsPositive():
		return &InvalidTermsError{Reason: "installment amount must be positive"}
	}
	return nil
}

// RequestRestructure opens a restructure request for an active loan and
// snapshots its current terms. A loan has at most one open request.
func (l *Ledger) RequestRestructure(ctx context.Context, loanID uuid.UUID, reason string, terms models.RestructureTerms) (*models.RestructureRequest, error) {
	var req *models.RestructureRequest
	err := l.mutate(ctx, "request_restructure", loanID, func(s store.Storage) error {
		loan, err := s.GetLoan(ctx, loanID)
		if err != nil {
			return lookupErr("loan", loanID, err)
		}
		if err := requireActive(loan, "RESTRUCTURE_REQUESTED"); err != nil {
			return err
		}
		if err := validateRestructureTerms(loan.Frequency, terms); err != nil {
			return err
		}

		existing, err := s.GetRestructuresForLoan(ctx, loanID)
		if err != nil {
			return fmt.Errorf("failed to read restructures: %w", err)
		}
		for _, r := range existing {
			if r.Open() {
				return &InvalidStateTransitionError{Entity: "restructure", ID: r.ID, From: string(r.Status), To: string(models.RestructureRequested)}
			}
		}

		req = &models.RestructureRequest{
			ID:                           uuid.New(),
			LoanID:                       loanID,
			Reason:                       reason,
			Status:                       models.RestructureRequested,
			Proposed:                     terms,
			OriginalInstallmentAmount:    loan.InstallmentAmount,
			OriginalTenureMonths:         loan.TenureMonths,
			OriginalAnnualRatePercent:    loan.AnnualRatePercent,
			OriginalOutstandingPrincipal: loan.OutstandingPrincipal,
			NewInstallmentAmount:         decimal.Zero,
			RequestedAt:                  l.clock.Now(),
		}
		if err := s.CreateRestructure(ctx, req); err != nil {
			return fmt.Errorf("failed to store restructure: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.WithFields(logrus.Fields{"loan_id": loanID, "restructure_id": req.ID}).Info("Restructure requested")
	return req, nil
}

// ApproveRestructure records approval. It has no financial effect.
func (l *Ledger) ApproveRestructure(ctx context.Context, id uuid.UUID, remarks string) (*models.RestructureRequest, error) {
	return l.transitionRestructure(ctx, "approve_restructure", id, func(s store.Storage, req *models.RestructureRequest) error {
		if req.Status != models.RestructureRequested {
			return &InvalidStateTransitionError{Entity: "restructure", ID: id, From: string(req.Status), To: string(models.RestructureApproved)}
		}
		now := l.clock.Now()
		req.Status = models.RestructureApproved
		req.IsApproved = true
		req.ApprovedAt = &now
		req.Remarks = remarks
		return nil
	})
}

// RejectRestructure closes a pending request for good.
func (l *Ledger) RejectRestructure(ctx context.Context, id uuid.UUID, remarks string) (*models.RestructureRequest, error) {
	return l.transitionRestructure(ctx, "reject_restructure", id, func(s store.Storage, req *models.RestructureRequest) error {
		if req.Status != models.RestructureRequested {
			return &InvalidStateTransitionError{Entity: "restructure", ID: id, From: string(req.Status), To: string(models.RestructureRejected)}
		}
		now := l.clock.Now()
		req.Status = models.RestructureRejected
		req.RejectedAt = &now
		req.Remarks = remarks
		return nil
	})
}

// ImplementRestructure applies an approved request: the loan takes the new
// rate if one was proposed, the installment is recomputed on the balance still to be scheduled and
// the unpaid tail is rebuilt from the current position. A request is
// implemented at most once.
func (l *Ledger) ImplementRestructure(ctx context.Context, id uuid.UUID) (*models.RestructureRequest, error) {
	req, err := l.transitionRestructure(ctx, "implement_restructure", id, func(s store.Storage, req *models.RestructureRequest) error {
		if req.Status != models.RestructureApproved || !req.IsApproved || req.IsImplemented {
			return &InvalidStateTransitionError{Entity: "restructure", ID: id, From: string(req.Status), To: string(models.RestructureImplemented)}
		}
		loan, err := s.GetLoan(ctx, req.LoanID)
		if err != nil {
			return lookupErr("loan", req.LoanID, err)
		}
		if err := requireActive(loan, "RESTRUCTURED"); err != nil {
			return err
		}

		rows, err := s.GetInstallmentsForLoan(ctx, loan.ID)
		if err != nil {
			return fmt.Errorf("failed to read schedule: %w", err)
		}
		now := l.clock.Now()
		pos := locate(rows, now)
		principal := pos.tailPrincipal(loan)
		if !principal.IsPositive() {
			return &InvalidStateTransitionError{Entity: "loan", ID: loan.ID, From: "NO_FUTURE_INSTALLMENTS", To: "RESTRUCTURED"}
		}

		if req.Proposed.AnnualRatePercent != nil {
			loan.AnnualRatePercent = *req.Proposed.AnnualRatePercent
		}
		terms := l.termsFrom(loan, principal, pos.next)
		var (
			tail []amortization.Row
			emi  decimal.Decimal
		)
		if req.Proposed.InstallmentAmount != nil {
			emi = l.round(*req.Proposed.InstallmentAmount)
			tail, err = l.calc.BuildFixed(terms, emi)
		} else {
			tail, emi, err = l.calc.Build(terms, req.Proposed.RemainingTenureMonths/loan.Frequency.Months())
		}
		if err != nil {
			return err
		}

		if err := l.replaceTail(ctx, s, loan, pos, tail, emi); err != nil {
			return err
		}
		if err := s.UpdateLoan(ctx, loan); err != nil {
			return fmt.Errorf("failed to update loan: %w", err)
		}

		req.Status = models.RestructureImplemented
		req.IsImplemented = true
		req.EffectiveAt = &now
		req.NewInstallmentAmount = emi
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.WithFields(logrus.Fields{
		"loan_id":         req.LoanID,
		"restructure_id":  req.ID,
		"new_installment": req.NewInstallmentAmount.StringFixed(2),
	}).Info("Restructure implemented")
	return req, nil
}

// transitionRestructure loads a request under its loan's lock, lets apply
// move it along and persists the result.
func (l *Ledger) transitionRestructure(ctx context.Context, op string, id uuid.UUID, apply func(store.Storage, *models.RestructureRequest) error) (*models.RestructureRequest, error) {
	req, err := l.storage.GetRestructure(ctx, id)
	if err != nil {
		return nil, lookupErr("restructure", id, err)
	}
	err = l.mutate(ctx, op, req.LoanID, func(s store.Storage) error {
		req, err = s.GetRestructure(ctx, id)
		if err != nil {
			return lookupErr("restructure", id, err)
		}
		if err := apply(s, req); err != nil {
			return err
		}
		if err := s.UpdateRestructure(ctx, req); err != nil {
			return fmt.Errorf("failed to update restructure: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}
