package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PrepaymentPolicy string

const (
	PolicyReduceTenure PrepaymentPolicy = "REDUCE_TENURE"
	PolicyReduceEMI    PrepaymentPolicy = "REDUCE_EMI"
)

func (p PrepaymentPolicy) Valid() bool {
	return p == PolicyReduceTenure || p == PolicyReduceEMI
}

// Prepayment is the immutable audit of one lump-sum event.
type Prepayment struct {
	ID                   uuid.UUID        `json:"id"`
	LoanID               uuid.UUID        `json:"loan_id"`
	Date                 time.Time        `json:"date"`
	Amount               decimal.Decimal  `json:"amount"`
	Charges              decimal.Decimal  `json:"charges"`
	OutstandingBefore    decimal.Decimal  `json:"outstanding_before"`
	OutstandingAfter     decimal.Decimal  `json:"outstanding_after"`
	Policy               PrepaymentPolicy `json:"policy"`
	InterestSaved        decimal.Decimal  `json:"interest_saved"`
	TenureReduction      int              `json:"tenure_reduction"` // Installments removed from the schedule
	EMIReduction         decimal.Decimal  `json:"emi_reduction"`
	OldInstallmentAmount decimal.Decimal  `json:"old_installment_amount"`
	NewInstallmentAmount decimal.Decimal  `json:"new_installment_amount"`
	Reference            string           `json:"reference,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
}

type RestructureStatus string

const (
	RestructureRequested   RestructureStatus = "REQUESTED"
	RestructureApproved    RestructureStatus = "APPROVED"
	RestructureImplemented RestructureStatus = "IMPLEMENTED"
	RestructureRejected    RestructureStatus = "REJECTED"
)

// RestructureTerms are the terms a restructure asks for. RemainingTenureMonths
// counts from the loan's current position. A non-nil InstallmentAmount with a
// zero tenure asks for a fixed EMI, the tenure following from it. A nil
// AnnualRatePercent keeps the loan's current rate.
type RestructureTerms struct {
	RemainingTenureMonths int              `json:"remaining_tenure_months"`
	AnnualRatePercent     *decimal.Decimal `json:"annual_rate_percent,omitempty"`
	InstallmentAmount     *decimal.Decimal `json:"installment_amount,omitempty"`
}

type RestructureRequest struct {
	ID                           uuid.UUID         `json:"id"`
	LoanID                       uuid.UUID         `json:"loan_id"`
	Reason                       string            `json:"reason"`
	Status                       RestructureStatus `json:"status"`
	Proposed                     RestructureTerms  `json:"proposed"`
	OriginalInstallmentAmount    decimal.Decimal   `json:"original_installment_amount"`
	OriginalTenureMonths         int               `json:"original_tenure_months"`
	OriginalAnnualRatePercent    decimal.Decimal   `json:"original_annual_rate_percent"`
	OriginalOutstandingPrincipal decimal.Decimal   `json:"original_outstanding_principal"`
	NewInstallmentAmount         decimal.Decimal   `json:"new_installment_amount"`
	IsApproved                   bool              `json:"is_approved"`
	IsImplemented                bool              `json:"is_implemented"`
	Remarks                      string            `json:"remarks,omitempty"`
	RequestedAt                  time.Time         `json:"requested_at"`
	ApprovedAt                   *time.Time        `json:"approved_at,omitempty"`
	EffectiveAt                  *time.Time        `json:"effective_at,omitempty"`
	RejectedAt                   *time.Time        `json:"rejected_at,omitempty"`
}

// Open reports whether the request can still move forward.
func (r *RestructureRequest) Open() bool {
	return r.Status == RestructureRequested || r.Status == RestructureApproved
}

type ForeclosureStatus string

const (
	ForeclosureRequested  ForeclosureStatus = "REQUESTED"
	ForeclosureApproved   ForeclosureStatus = "APPROVED"
	ForeclosureProcessing ForeclosureStatus = "PROCESSING"
	ForeclosureCompleted  ForeclosureStatus = "COMPLETED"
	ForeclosureRejected   ForeclosureStatus = "REJECTED"
)

// ForeclosureQuote is the payoff figure for a loan as of a given day.
type ForeclosureQuote struct {
	LoanID                uuid.UUID       `json:"loan_id"`
	AsOf                  time.Time       `json:"as_of"`
	OutstandingPrincipal  decimal.Decimal `json:"outstanding_principal"`
	PendingInterest       decimal.Decimal `json:"pending_interest"`
	Charges               decimal.Decimal `json:"charges"`
	Waiver                decimal.Decimal `json:"waiver"`
	Penalty               decimal.Decimal `json:"penalty"`
	TotalAmountDue        decimal.Decimal `json:"total_amount_due"`
	RemainingInstallments int             `json:"remaining_installments"`
	InterestSaved         decimal.Decimal `json:"interest_saved"`
}

type Foreclosure struct {
	ID                    uuid.UUID         `json:"id"`
	LoanID                uuid.UUID         `json:"loan_id"`
	Status                ForeclosureStatus `json:"status"`
	OutstandingPrincipal  decimal.Decimal   `json:"outstanding_principal"`
	PendingInterest       decimal.Decimal   `json:"pending_interest"`
	Charges               decimal.Decimal   `json:"charges"`
	Waiver                decimal.Decimal   `json:"waiver"`
	Penalty               decimal.Decimal   `json:"penalty"`
	TotalAmountDue        decimal.Decimal   `json:"total_amount_due"`
	AmountPaid            decimal.Decimal   `json:"amount_paid"`
	Reference             string            `json:"reference,omitempty"`
	RemainingInstallments int               `json:"remaining_installments"`
	InterestSaved         decimal.Decimal   `json:"interest_saved"`
	Reason                string            `json:"reason,omitempty"`
	Remarks               string            `json:"remarks,omitempty"`
	RequestedAt           time.Time         `json:"requested_at"`
	ApprovedAt            *time.Time        `json:"approved_at,omitempty"`
	CompletedAt           *time.Time        `json:"completed_at,omitempty"`
}

// Open reports whether the foreclosure can still move forward.
func (f *Foreclosure) Open() bool {
	return f.Status == ForeclosureRequested || f.Status == ForeclosureApproved || f.Status == ForeclosureProcessing
}

// ApplyQuote copies the payoff figures of q onto the record.
func (f *Foreclosure) ApplyQuote(q *ForeclosureQuote) {
	f.OutstandingPrincipal = q.OutstandingPrincipal
	f.PendingInterest = q.PendingInterest
	f.Charges = q.Charges
	f.Waiver = q.Waiver
	f.Penalty = q.Penalty
	f.TotalAmountDue = q.TotalAmountDue
	f.RemainingInstallments = q.RemainingInstallments
	f.InterestSaved = q.InterestSaved
}

// OverdueBucket is the delinquency classification of an installment.
type OverdueBucket string

const (
	BucketCurrent       OverdueBucket = "CURRENT"
	BucketOverdue1To30  OverdueBucket = "OVERDUE_1_30"
	BucketOverdue31To60 OverdueBucket = "OVERDUE_31_60"
	BucketOverdue61To90 OverdueBucket = "OVERDUE_61_90"
	BucketOverdue90Plus OverdueBucket = "OVERDUE_90_PLUS"
	BucketNPA           OverdueBucket = "NPA"
)

// Rank orders buckets by severity, CURRENT being 0.
func (b OverdueBucket) Rank() int {
	switch b {
	case BucketOverdue1To30:
		return 1
	case BucketOverdue31To60:
		return 2
	case BucketOverdue61To90:
		return 3
	case BucketOverdue90Plus:
		return 4
	case BucketNPA:
		return 5
	}
	return 0
}

type CollectionStatus string

const (
	CollectionReminder   CollectionStatus = "REMINDER"
	CollectionFollowUp   CollectionStatus = "FOLLOW_UP"
	CollectionActive     CollectionStatus = "COLLECTION"
	CollectionRecovery   CollectionStatus = "RECOVERY"
	CollectionLegal      CollectionStatus = "LEGAL"
	CollectionResolved   CollectionStatus = "RESOLVED"
	CollectionWrittenOff CollectionStatus = "WRITTEN_OFF"
)

// OverdueTracking is the delinquency state of one installment, keyed by
// InstallmentID.
type OverdueTracking struct {
	ID                   uuid.UUID        `json:"id"`
	LoanID               uuid.UUID        `json:"loan_id"`
	InstallmentID        uuid.UUID        `json:"installment_id"`
	Status               OverdueBucket    `json:"status"`
	DaysOverdue          int              `json:"days_overdue"`
	OverdueAmount        decimal.Decimal  `json:"overdue_amount"`
	PenaltyAmount        decimal.Decimal  `json:"penalty_amount"`
	TotalOverdueAmount   decimal.Decimal  `json:"total_overdue_amount"`
	NotificationCount    int              `json:"notification_count"`
	LastNotificationDate *time.Time       `json:"last_notification_date,omitempty"`
	CollectionStatus     CollectionStatus `json:"collection_status"`
	IsResolved           bool             `json:"is_resolved"`
	ResolvedDate         *time.Time       `json:"resolved_date,omitempty"`
	ResolutionAmount     decimal.Decimal  `json:"resolution_amount"`
	Remarks              string           `json:"remarks,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}
