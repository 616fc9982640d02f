package amortization

import (
	"time"

	"github.com/mcclellann/fredLoan/pkg/models"
	"github.com/shopspring/decimal"
)

// MaxInstallments bounds schedules generated from a fixed installment.
const MaxInstallments = 1200

// Row is one generated schedule line.
type Row struct {
	Sequence         int
	DueDate          time.Time
	Installment      decimal.Decimal
	Principal        decimal.Decimal
	Interest         decimal.Decimal
	OutstandingAfter decimal.Decimal
}

// Terms describe the stretch of schedule to generate: Principal is the balance
// outstanding just before installment StartSequence.
type Terms struct {
	Principal         decimal.Decimal
	AnnualRatePercent decimal.Decimal
	Frequency         models.Frequency
	StartSequence     int
	DueDate           func(seq int) time.Time
}

func (t Terms) dueDate(seq int) time.Time {
	if t.DueDate == nil {
		return time.Time{}
	}
	return t.DueDate(seq)
}

// Build generates count rows at the constant installment that amortizes
// t.Principal over exactly count periods. It returns the installment used.
func (c *Calculator) Build(t Terms, count int) ([]Row, decimal.Decimal, error) {
	emi, err := c.Installment(t.Principal, t.AnnualRatePercent, count, t.Frequency)
	if err != nil {
		return nil, decimal.Zero, err
	}
	rows, err := c.amortize(t, emi, count, false)
	if err != nil {
		return nil, decimal.Zero, err
	}
	return rows, emi, nil
}

// BuildFixed generates rows at a fixed installment until the balance reaches
// zero; the last row is usually smaller than the installment.
func (c *Calculator) BuildFixed(t Terms, installment decimal.Decimal) ([]Row, error) {
	if err := ValidateTerms(t.Principal, t.AnnualRatePercent, 1, t.Frequency); err != nil {
		return nil, err
	}
	if !installment.IsPositive() {
		return nil, &InvalidTermsError{Reason: "installment must be positive"}
	}
	return c.amortize(t, installment, MaxInstallments, true)
}

func (c *Calculator) amortize(t Terms, emi decimal.Decimal, limit int, open bool) ([]Row, error) {
	if t.StartSequence < 1 {
		t.StartSequence = 1
	}
	r := PeriodRate(t.AnnualRatePercent, t.Frequency)
	outstanding := t.Principal
	rows := make([]Row, 0, min(limit, MaxInstallments))

	for i := 0; i < limit && outstanding.IsPositive(); i++ {
		seq := t.StartSequence + i
		final := !open && i == limit-1
		s := c.Split(emi, outstanding, r, final)
		if !s.Principal.IsPositive() {
			return nil, &InvalidTermsError{Reason: "installment does not cover the interest of a period"}
		}
		rows = append(rows, Row{
			Sequence:         seq,
			DueDate:          t.dueDate(seq),
			Installment:      s.Principal.Add(s.Interest),
			Principal:        s.Principal,
			Interest:         s.Interest,
			OutstandingAfter: s.OutstandingAfter,
		})
		outstanding = s.OutstandingAfter
	}

	if outstanding.IsPositive() {
		return nil, &InvalidTermsError{Reason: "installment does not amortize the principal"}
	}
	return rows, nil
}

// TotalInterest sums the interest components of rows.
func TotalInterest(rows []Row) decimal.Decimal {
	total := decimal.Zero
	for _, r := range rows {
		total = total.Add(r.Interest)
	}
	return total
}

// TotalPrincipal sums the principal components of rows.
func TotalPrincipal(rows []Row) decimal.Decimal {
	total := decimal.Zero
	for _, r := range rows {
		total = total.Add(r.Principal)
	}
	return total
}
