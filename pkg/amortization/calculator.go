// Package amortization implements reducing-balance EMI arithmetic on fixed-point
// decimals. Nothing in here performs I/O or keeps state between calls.
package amortization

import (
	"fmt"

	"github.com/mcclellann/fredLoan/pkg/models"
	"github.com/shopspring/decimal"
)

// workingPlaces is the precision the compounding factor is carried at.
const workingPlaces = 24

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// InvalidTermsError reports a principal, rate, tenure or frequency the
// calculator cannot amortize.
type InvalidTermsError struct {
	Reason string
}

func (e *InvalidTermsError) Error() string {
	return fmt.Sprintf("invalid loan terms: %s", e.Reason)
}

// Rounding is the currency minor-unit policy applied to every monetary figure.
type Rounding struct {
	Places int32
}

// DefaultRounding rounds to cents/paisa.
var DefaultRounding = Rounding{Places: 2}

// Round rounds half away from zero to the configured number of places.
func (r Rounding) Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(r.Places)
}

// Unit is the smallest representable currency amount, e.g. 0.01.
func (r Rounding) Unit() decimal.Decimal {
	return decimal.New(1, -r.Places)
}

// Calculator computes installment amounts and splits them into principal and
// interest.
type Calculator struct {
	Rounding Rounding
}

// NewCalculator creates a Calculator with the given rounding policy.
func NewCalculator(r Rounding) *Calculator {
	return &Calculator{Rounding: r}
}

// ValidateTerms checks the inputs shared by every calculation.
func ValidateTerms(principal, annualRatePercent decimal.Decimal, installments int, f models.Frequency) error {
	switch {
	case !principal.IsPositive():
		return &InvalidTermsError{Reason: "principal must be positive"}
	case annualRatePercent.IsNegative():
		return &InvalidTermsError{Reason: "annual rate must not be negative"}
	case installments <= 0:
		return &InvalidTermsError{Reason: "tenure must be at least one installment"}
	case !f.Valid():
		return &InvalidTermsError{Reason: fmt.Sprintf("unknown repayment frequency %q", f)}
	}
	return nil
}

// PeriodRate converts an annual percentage into the per-installment rate.
func PeriodRate(annualRatePercent decimal.Decimal, f models.Frequency) decimal.Decimal {
	periods := f.PeriodsPerYear()
	if periods == 0 {
		return decimal.Zero
	}
	return annualRatePercent.Div(hundred).Div(decimal.NewFromInt(int64(periods)))
}

// Installment returns the constant installment that amortizes principal over n
// periods: P*r*(1+r)^n / ((1+r)^n - 1), or P/n when the rate is zero.
func (c *Calculator) Installment(principal, annualRatePercent decimal.Decimal, n int, f models.Frequency) (decimal.Decimal, error) {
	if err := ValidateTerms(principal, annualRatePercent, n, f); err != nil {
		return decimal.Zero, err
	}

	r := PeriodRate(annualRatePercent, f)
	if r.IsZero() {
		return c.Rounding.Round(principal.Div(decimal.NewFromInt(int64(n)))), nil
	}

	factor := compound(r, n)
	emi := principal.Mul(r).Mul(factor).Div(factor.Sub(one))
	return c.Rounding.Round(emi), nil
}

// Split is one installment broken into its components.
type Split struct {
	Interest         decimal.Decimal
	Principal        decimal.Decimal
	OutstandingAfter decimal.Decimal
}

// Split divides installment into interest on outstanding and the principal
// that remains. When final is set the principal is forced to the whole
// outstanding balance so the schedule closes at exactly zero.
func (c *Calculator) Split(installment, outstanding, periodRate decimal.Decimal, final bool) Split {
	interest := c.Rounding.Round(outstanding.Mul(periodRate))
	principal := installment.Sub(interest)
	if final || principal.GreaterThan(outstanding) {
		principal = outstanding
	}
	return Split{
		Interest:         interest,
		Principal:        principal,
		OutstandingAfter: outstanding.Sub(principal),
	}
}

// compound returns (1+r)^n at workingPlaces precision.
func compound(r decimal.Decimal, n int) decimal.Decimal {
	base := one.Add(r)
	factor := one
	for i := 0; i < n; i++ {
		factor = factor.Mul(base).Round(workingPlaces)
	}
	return factor
}
