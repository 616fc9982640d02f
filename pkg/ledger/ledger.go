package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fredLoan/pkg/amortization"
	"github.com/mcclellann/fredLoan/pkg/lock"
	"github.com/mcclellann/fredLoan/pkg/metrics"
	"github.com/mcclellann/fredLoan/pkg/models"
	"github.com/mcclellann/fredLoan/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	daysInYear = decimal.NewFromInt(365)
	hundred    = decimal.NewFromInt(100)

	tracer = otel.Tracer("github.com/mcclellann/fredLoan/pkg/ledger")
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// PenaltyMode selects how overdue penalties grow.
type PenaltyMode string

const (
	// PenaltyPerDay charges PenaltyRatePercent of the installment per day overdue.
	PenaltyPerDay PenaltyMode = "per_day"
	// PenaltyPerBucket charges PenaltyRatePercent per bucket step reached.
	PenaltyPerBucket PenaltyMode = "per_bucket"
)

// WaiverTier waives WaiverPercent of the foreclosure charges once at least
// MinInstallmentsPaid installments are paid.
type WaiverTier struct {
	MinInstallmentsPaid int
	WaiverPercent       decimal.Decimal
}

// Policy holds the bank-policy knobs of the engine.
type Policy struct {
	NPAThresholdDays         int
	PenaltyMode              PenaltyMode
	PenaltyRatePercent       decimal.Decimal
	PenaltyCapPercent        decimal.Decimal // zero leaves penalties uncapped
	PrepaymentChargePercent  decimal.Decimal
	ForeclosureChargePercent decimal.Decimal
	WaiverTiers              []WaiverTier // ascending by MinInstallmentsPaid
}

// DefaultPolicy charges nothing for prepayment or foreclosure, accrues 0.1%
// of the installment per day overdue and classifies NPA at 180 days.
func DefaultPolicy() Policy {
	return Policy{
		NPAThresholdDays:         180,
		PenaltyMode:              PenaltyPerDay,
		PenaltyRatePercent:       decimal.RequireFromString("0.1"),
		PenaltyCapPercent:        decimal.Zero,
		PrepaymentChargePercent:  decimal.Zero,
		ForeclosureChargePercent: decimal.Zero,
	}
}

// Ledger handles the business logic for loans, their schedules and lifecycle events.
type Ledger struct {
	storage  store.Storage
	calc     *amortization.Calculator
	clock    Clock
	locker   lock.Locker
	logger   logrus.FieldLogger
	notifier Notifier
	policy   Policy
}

type Option func(*Ledger)

func WithClock(c Clock) Option { return func(l *Ledger) { l.clock = c } }

func WithLocker(lk lock.Locker) Option { return func(l *Ledger) { l.locker = lk } }

func WithLogger(logger logrus.FieldLogger) Option { return func(l *Ledger) { l.logger = logger } }

func WithNotifier(n Notifier) Option { return func(l *Ledger) { l.notifier = n } }

func WithPolicy(p Policy) Option { return func(l *Ledger) { l.policy = p } }

func WithRounding(r amortization.Rounding) Option {
	return func(l *Ledger) { l.calc = amortization.NewCalculator(r) }
}

// NewLedger creates a new Ledger with a given Storage implementation.
func NewLedger(s store.Storage, opts ...Option) *Ledger {
	l := &Ledger{
		storage: s,
		calc:    amortization.NewCalculator(amortization.DefaultRounding),
		clock:   systemClock{},
		locker:  lock.NewKeyedMutex(),
		logger:  logrus.StandardLogger(),
		policy:  DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.notifier == nil {
		l.notifier = LogNotifier{Logger: l.logger}
	}
	return l
}

func (l *Ledger) round(d decimal.Decimal) decimal.Decimal {
	return l.calc.Rounding.Round(d)
}

// percentOf returns pct percent of amount, rounded to the currency unit.
func (l *Ledger) percentOf(amount, pct decimal.Decimal) decimal.Decimal {
	return l.round(amount.Mul(pct).Div(hundred))
}

// startSpan opens a span for op and returns a finisher that records err on
// the span and the mutation counter.
func startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		metrics.Observe(op, err)
	}
}

// mutate runs fn under the loan's exclusive lock inside one atomic unit of
// storage work. Either every write fn makes is persisted or none is.
func (l *Ledger) mutate(ctx context.Context, op string, loanID uuid.UUID, fn func(s store.Storage) error) (err error) {
	ctx, finish := startSpan(ctx, op, attribute.String("loan_id", loanID.String()))
	defer func() { finish(err) }()

	unlock, err := l.locker.Lock(ctx, loanID.String())
	if err != nil {
		return fmt.Errorf("failed to lock loan %s: %w", loanID, err)
	}
	defer unlock()

	return l.storage.Atomic(ctx, fn)
}

// LoanRequest carries the terms of a loan being disbursed.
type LoanRequest struct {
	CustomerKey       string
	Principal         decimal.Decimal
	AnnualRatePercent decimal.Decimal
	TenureMonths      int
	Frequency         models.Frequency
	DisbursementDate  time.Time // zero means now
}

func validateLoanRequest(req LoanRequest) error {
	months := req.Frequency.Months()
	if months == 0 {
		return &InvalidTermsError{Reason: fmt.Sprintf("unknown repayment frequency %q", req.Frequency)}
	}
	if req.TenureMonths <= 0 || req.TenureMonths%months != 0 {
		return &InvalidTermsError{Reason: fmt.Sprintf("tenure of %d months is not a positive multiple of %d", req.TenureMonths, months)}
	}
	return amortization.ValidateTerms(req.Principal, req.AnnualRatePercent, req.TenureMonths/months, req.Frequency)
}

// CreateLoan disburses a new loan: it persists the ACTIVE loan, records the
// disbursement and builds the initial schedule in one atomic unit.
func (l *Ledger) CreateLoan(ctx context.Context, req LoanRequest) (*models.Loan, error) {
	if err := validateLoanRequest(req); err != nil {
		return nil, err
	}

	now := l.clock.Now()
	disbursed := req.DisbursementDate
	if disbursed.IsZero() {
		disbursed = now
	}

	loan := &models.Loan{
		ID:                   uuid.New(),
		CustomerKey:          req.CustomerKey,
		Principal:            l.round(req.Principal),
		AnnualRatePercent:    req.AnnualRatePercent,
		TenureMonths:         req.TenureMonths,
		Frequency:            req.Frequency,
		DisbursementDate:     disbursed,
		Status:               models.LoanStatusActive,
		OutstandingPrincipal: l.round(req.Principal),
		InstallmentAmount:    decimal.Zero,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	err := l.mutate(ctx, "create_loan", loan.ID, func(s store.Storage) error {
		if err := s.CreateLoan(ctx, loan); err != nil {
			return fmt.Errorf("failed to store loan: %w", err)
		}

		// Record disbursement
		transaction := models.Transaction{
			ID:        uuid.New(),
			LoanID:    loan.ID,
			Amount:    loan.Principal,
			Type:      models.TransactionTypeDisbursement,
			Timestamp: now,
		}
		if err := s.CreateTransaction(ctx, &transaction); err != nil {
			return fmt.Errorf("failed to store disbursement transaction: %w", err)
		}

		_, err := l.buildInitialSchedule(ctx, s, loan)
		return err
	})
	if err != nil {
		return nil, err
	}

	l.logger.WithFields(logrus.Fields{
		"loan_id":     loan.ID,
		"customer":    loan.CustomerKey,
		"principal":   loan.Principal.StringFixed(2),
		"installment": loan.InstallmentAmount.StringFixed(2),
	}).Info("Loan disbursed")
	return loan, nil
}

// GetLoan retrieves a loan by its ID.
func (l *Ledger) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	loan, err := l.storage.GetLoan(ctx, id)
	if err != nil {
		return nil, lookupErr("loan", id, err)
	}
	return loan, nil
}

// GetAllLoans retrieves all loans.
func (l *Ledger) GetAllLoans(ctx context.Context) ([]*models.Loan, error) {
	return l.storage.GetAllLoans(ctx)
}

// GetSchedule returns the loan's installments ordered by sequence, including
// paid history and rows superseded by a foreclosure.
func (l *Ledger) GetSchedule(ctx context.Context, loanID uuid.UUID) ([]*models.Installment, error) {
	if _, err := l.GetLoan(ctx, loanID); err != nil {
		return nil, err
	}
	return l.storage.GetInstallmentsForLoan(ctx, loanID)
}

// GetTransactions returns the payment event log of a loan.
func (l *Ledger) GetTransactions(ctx context.Context, loanID uuid.UUID) ([]*models.Transaction, error) {
	if _, err := l.GetLoan(ctx, loanID); err != nil {
		return nil, err
	}
	return l.storage.GetTransactionsForLoan(ctx, loanID)
}

func (l *Ledger) GetPrepayments(ctx context.Context, loanID uuid.UUID) ([]*models.Prepayment, error) {
	if _, err := l.GetLoan(ctx, loanID); err != nil {
		return nil, err
	}
	return l.storage.GetPrepaymentsForLoan(ctx, loanID)
}

func (l *Ledger) GetRestructures(ctx context.Context, loanID uuid.UUID) ([]*models.RestructureRequest, error) {
	if _, err := l.GetLoan(ctx, loanID); err != nil {
		return nil, err
	}
	return l.storage.GetRestructuresForLoan(ctx, loanID)
}

func (l *Ledger) GetForeclosures(ctx context.Context, loanID uuid.UUID) ([]*models.Foreclosure, error) {
	if _, err := l.GetLoan(ctx, loanID); err != nil {
		return nil, err
	}
	return l.storage.GetForeclosuresForLoan(ctx, loanID)
}

// GetOverdue returns every overdue tracking row of a loan, resolved or not.
func (l *Ledger) GetOverdue(ctx context.Context, loanID uuid.UUID) ([]*models.OverdueTracking, error) {
	if _, err := l.GetLoan(ctx, loanID); err != nil {
		return nil, err
	}
	return l.storage.GetOverdueForLoan(ctx, loanID)
}

// GetOpenOverdue returns all unresolved overdue tracking rows, worst first.
func (l *Ledger) GetOpenOverdue(ctx context.Context) ([]*models.OverdueTracking, error) {
	return l.storage.GetOpenOverdue(ctx)
}

// requireActive fails unless the loan can still be mutated.
func requireActive(loan *models.Loan, to string) error {
	if loan.Status != models.LoanStatusActive {
		return &InvalidStateTransitionError{Entity: "loan", ID: loan.ID, From: string(loan.Status), To: to}
	}
	return nil
}

// dateOf truncates t to midnight UTC of its calendar day.
func dateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// daysBetween counts calendar days from from to to.
func daysBetween(from, to time.Time) int {
	return int(dateOf(to).Sub(dateOf(from)).Hours() / 24)
}
