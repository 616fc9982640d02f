package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fredLoan/pkg/models"
)

// ErrNotFound is wrapped by every lookup that matches no row.
var ErrNotFound = errors.New("not found")

// Storage defines the interface for database operations related to loans,
// their schedules and lifecycle records.
type Storage interface {
	CreateLoan(ctx context.Context, loan *models.Loan) error
	GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error)
	// UpdateLoan persists loan if its Version still matches the stored one,
	// then bumps Version.
	UpdateLoan(ctx context.Context, loan *models.Loan) error
	GetAllLoans(ctx context.Context) ([]*models.Loan, error)
	GetAllActiveLoans(ctx context.Context) ([]*models.Loan, error)

	CreateInstallments(ctx context.Context, installments []*models.Installment) error
	GetInstallment(ctx context.Context, id uuid.UUID) (*models.Installment, error)
	// GetInstallmentsForLoan returns the loan's rows ordered by sequence.
	GetInstallmentsForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Installment, error)
	UpdateInstallment(ctx context.Context, installment *models.Installment) error
	// ReplaceScheduleTail discards the unpaid rows numbered fromSequence and
	// above and inserts tail in their place.
	ReplaceScheduleTail(ctx context.Context, loanID uuid.UUID, fromSequence int, tail []*models.Installment) error
	// GetDueUnpaidInstallments returns unpaid, non-superseded rows of active
	// loans due strictly before asOf.
	GetDueUnpaidInstallments(ctx context.Context, asOf time.Time) ([]*models.Installment, error)

	CreateTransaction(ctx context.Context, transaction *models.Transaction) error
	GetTransactionsForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Transaction, error)

	CreatePrepayment(ctx context.Context, prepayment *models.Prepayment) error
	GetPrepaymentsForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Prepayment, error)

	CreateRestructure(ctx context.Context, req *models.RestructureRequest) error
	GetRestructure(ctx context.Context, id uuid.UUID) (*models.RestructureRequest, error)
	UpdateRestructure(ctx context.Context, req *models.RestructureRequest) error
	GetRestructuresForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.RestructureRequest, error)

	CreateForeclosure(ctx context.Context, f *models.Foreclosure) error
	GetForeclosure(ctx context.Context, id uuid.UUID) (*models.Foreclosure, error)
	UpdateForeclosure(ctx context.Context, f *models.Foreclosure) error
	GetForeclosuresForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Foreclosure, error)

	// UpsertOverdue inserts or replaces the tracking row of row.InstallmentID.
	UpsertOverdue(ctx context.Context, row *models.OverdueTracking) error
	GetOverdueByInstallment(ctx context.Context, installmentID uuid.UUID) (*models.OverdueTracking, error)
	GetOverdueForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.OverdueTracking, error)
	GetOpenOverdue(ctx context.Context) ([]*models.OverdueTracking, error)

	// Atomic runs fn against a Storage whose writes are committed together
	// when fn returns nil and discarded otherwise.
	Atomic(ctx context.Context, fn func(s Storage) error) error

	Close() error
}
