package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type LoanStatus string

const (
	LoanStatusActive LoanStatus = "ACTIVE"
	LoanStatusClosed LoanStatus = "CLOSED"
)

// Frequency is the repayment cadence of a loan.
type Frequency string

const (
	FrequencyMonthly    Frequency = "MONTHLY"
	FrequencyQuarterly  Frequency = "QUARTERLY"
	FrequencyHalfYearly Frequency = "HALF_YEARLY"
	FrequencyYearly     Frequency = "YEARLY"
)

// Months returns the number of calendar months between two installments,
// or 0 for an unknown frequency.
func (f Frequency) Months() int {
	switch f {
	case FrequencyMonthly:
		return 1
	case FrequencyQuarterly:
		return 3
	case FrequencyHalfYearly:
		return 6
	case FrequencyYearly:
		return 12
	}
	return 0
}

// PeriodsPerYear returns how many installments fall in one year.
func (f Frequency) PeriodsPerYear() int {
	if m := f.Months(); m > 0 {
		return 12 / m
	}
	return 0
}

func (f Frequency) Valid() bool {
	return f.Months() > 0
}

type Loan struct {
	ID                   uuid.UUID       `json:"id"`
	CustomerKey          string          `json:"customer_key"` // Link to external customer system
	Principal            decimal.Decimal `json:"principal"`
	AnnualRatePercent    decimal.Decimal `json:"annual_rate_percent"` // Nominal annual rate, e.g. 10 for 10%
	TenureMonths         int             `json:"tenure_months"`
	Frequency            Frequency       `json:"frequency"`
	DisbursementDate     time.Time       `json:"disbursement_date"`
	Status               LoanStatus      `json:"status"`
	OutstandingPrincipal decimal.Decimal `json:"outstanding_principal"` // Authoritative running balance
	InstallmentAmount    decimal.Decimal `json:"installment_amount"`    // Current EMI of the active schedule
	CollateralReleased   bool            `json:"collateral_released"`
	ClosedAt             *time.Time      `json:"closed_at,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
	Version              int64           `json:"version"` // Bumped on every persisted mutation
}

// InstallmentCount is the number of installments the tenure spans.
func (l *Loan) InstallmentCount() int {
	m := l.Frequency.Months()
	if m == 0 {
		return 0
	}
	return l.TenureMonths / m
}

// DueDate returns the due date of installment number seq: the disbursement
// day of month, clamped to the last day of shorter months.
func (l *Loan) DueDate(seq int) time.Time {
	d := l.DisbursementDate
	months := int(d.Month()) - 1 + seq*l.Frequency.Months()
	year := d.Year() + months/12
	month := time.Month(months%12 + 1)
	day := min(d.Day(), daysIn(year, month))
	return time.Date(year, month, day, d.Hour(), d.Minute(), d.Second(), d.Nanosecond(), d.Location())
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// Installment is one row of a loan's EMI schedule.
type Installment struct {
	ID                 uuid.UUID       `json:"id"`
	LoanID             uuid.UUID       `json:"loan_id"`
	Sequence           int             `json:"sequence"`
	DueDate            time.Time       `json:"due_date"`
	InstallmentAmount  decimal.Decimal `json:"installment_amount"`
	PrincipalComponent decimal.Decimal `json:"principal_component"`
	InterestComponent  decimal.Decimal `json:"interest_component"`
	OutstandingAfter   decimal.Decimal `json:"outstanding_after"`
	IsPaid             bool            `json:"is_paid"`
	PaidDate           *time.Time      `json:"paid_date,omitempty"`
	PaidAmount         decimal.Decimal `json:"paid_amount"` // Accumulates explicit partial payments
	DaysOverdue        int             `json:"days_overdue"`
	PenaltyAmount      decimal.Decimal `json:"penalty_amount"`
	Superseded         bool            `json:"superseded"` // Left behind by a foreclosure
	Remarks            string          `json:"remarks,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// PenaltyDue is the part of the accrued penalty that payments have not yet
// covered. Payments go to the penalty before the installment.
func (i *Installment) PenaltyDue() decimal.Decimal {
	return decimal.Max(i.PenaltyAmount.Sub(i.PaidAmount), decimal.Zero)
}

// AmountDue is what is still owed on the installment itself, penalties excluded.
func (i *Installment) AmountDue() decimal.Decimal {
	applied := decimal.Max(i.PaidAmount.Sub(i.PenaltyAmount), decimal.Zero)
	return decimal.Max(i.InstallmentAmount.Sub(applied), decimal.Zero)
}

// TotalDue is what still has to be paid to settle the installment.
func (i *Installment) TotalDue() decimal.Decimal {
	return i.AmountDue().Add(i.PenaltyDue())
}

type TransactionType string

const (
	TransactionTypeDisbursement   TransactionType = "disbursement"
	TransactionTypePayment        TransactionType = "payment"
	TransactionTypePartialPayment TransactionType = "partial_payment"
	TransactionTypePrepayment     TransactionType = "prepayment"
	TransactionTypeForeclosure    TransactionType = "foreclosure"
)

// Transaction is an append-only payment event on a loan.
type Transaction struct {
	ID            uuid.UUID       `json:"id"`
	LoanID        uuid.UUID       `json:"loan_id"`
	InstallmentID *uuid.UUID      `json:"installment_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Type          TransactionType `json:"type"`
	Reference     string          `json:"reference,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}
