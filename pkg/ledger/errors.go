package ledger

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcclellann/fredLoan/pkg/amortization"
	"github.com/mcclellann/fredLoan/pkg/store"
	"github.com/shopspring/decimal"
)

// InvalidTermsError reports a malformed principal, rate, tenure or frequency.
type InvalidTermsError = amortization.InvalidTermsError

// NotFoundError reports an unknown loan, installment or request id.
type NotFoundError struct {
	Entity string
	ID     uuid.UUID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

type InstallmentAlreadyPaidError struct {
	InstallmentID uuid.UUID
}

func (e *InstallmentAlreadyPaidError) Error() string {
	return fmt.Sprintf("installment %s is already paid", e.InstallmentID)
}

// PrepaymentExceedsOutstandingError is returned when a prepayment would leave
// less than one installment outstanding; the loan should be foreclosed instead.
type PrepaymentExceedsOutstandingError struct {
	Amount decimal.Decimal
	Limit  decimal.Decimal
}

func (e *PrepaymentExceedsOutstandingError) Error() string {
	return fmt.Sprintf("prepayment %s must be below %s; foreclose the loan instead", e.Amount, e.Limit)
}

// InsufficientPaymentError is returned when a foreclosure payment is short.
type InsufficientPaymentError struct {
	Required decimal.Decimal
	Paid     decimal.Decimal
}

func (e *InsufficientPaymentError) Error() string {
	return fmt.Sprintf("payment %s is less than the %s due", e.Paid, e.Required)
}

// InvalidStateTransitionError is returned when an entity is not in a state
// that allows the requested operation.
type InvalidStateTransitionError struct {
	Entity string
	ID     uuid.UUID
	From   string
	To     string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("%s %s cannot move from %s to %s", e.Entity, e.ID, e.From, e.To)
}

type InvalidAmountError struct {
	Amount decimal.Decimal
	Reason string
}

func (e *InvalidAmountError) Error() string {
	return fmt.Sprintf("invalid amount %s: %s", e.Amount, e.Reason)
}

// lookupErr converts a storage miss into a NotFoundError and wraps anything else.
func lookupErr(entity string, id uuid.UUID, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return &NotFoundError{Entity: entity, ID: id}
	}
	return fmt.Errorf("failed to get %s %s: %w", entity, id, err)
}
