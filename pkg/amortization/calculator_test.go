package amortization

import (
	"errors"
	"testing"
	"time"

	"github.com/mcclellann/fredLoan/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func monthly(start time.Time) func(int) time.Time {
	return func(seq int) time.Time { return start.AddDate(0, seq, 0) }
}

func TestInstallment(t *testing.T) {
	calc := NewCalculator(DefaultRounding)

	tests := []struct {
		name      string
		principal decimal.Decimal
		rate      decimal.Decimal
		n         int
		freq      models.Frequency
		want      decimal.Decimal
		wantError bool
	}{
		{
			name:      "ten percent over a year",
			principal: decimal.NewFromInt(1_200_000),
			rate:      decimal.NewFromInt(10),
			n:         12,
			freq:      models.FrequencyMonthly,
			want:      decimal.RequireFromString("105499.06"),
		},
		{
			name:      "zero rate degrades to even split",
			principal: decimal.NewFromInt(100_000),
			rate:      decimal.Zero,
			n:         10,
			freq:      models.FrequencyMonthly,
			want:      decimal.NewFromInt(10_000),
		},
		{
			name:      "quarterly uses a quarter of the annual rate",
			principal: decimal.NewFromInt(100_000),
			rate:      decimal.NewFromInt(12),
			n:         4,
			freq:      models.FrequencyQuarterly,
			want:      decimal.RequireFromString("26902.70"),
		},
		{name: "zero principal", principal: decimal.Zero, rate: decimal.NewFromInt(10), n: 12, freq: models.FrequencyMonthly, wantError: true},
		{name: "negative rate", principal: decimal.NewFromInt(1000), rate: decimal.NewFromInt(-1), n: 12, freq: models.FrequencyMonthly, wantError: true},
		{name: "zero tenure", principal: decimal.NewFromInt(1000), rate: decimal.NewFromInt(10), n: 0, freq: models.FrequencyMonthly, wantError: true},
		{name: "unknown frequency", principal: decimal.NewFromInt(1000), rate: decimal.NewFromInt(10), n: 12, freq: "WEEKLY", wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := calc.Installment(tt.principal, tt.rate, tt.n, tt.freq)
			if tt.wantError {
				var termsErr *InvalidTermsError
				require.True(t, errors.As(err, &termsErr), "expected InvalidTermsError, got %v", err)
				return
			}
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want), "expected %s, got %s", tt.want, got)
		})
	}
}

func TestBuild_FirstRowSplit(t *testing.T) {
	calc := NewCalculator(DefaultRounding)
	start := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)

	rows, emi, err := calc.Build(Terms{
		Principal:         decimal.NewFromInt(1_200_000),
		AnnualRatePercent: decimal.NewFromInt(10),
		Frequency:         models.FrequencyMonthly,
		StartSequence:     1,
		DueDate:           monthly(start),
	}, 12)
	require.NoError(t, err)
	require.Len(t, rows, 12)

	first := rows[0]
	assert.Equal(t, 1, first.Sequence)
	assert.Equal(t, time.Date(2025, 2, 15, 0, 0, 0, 0, time.UTC), first.DueDate)
	assert.True(t, first.Interest.Equal(decimal.NewFromInt(10_000)), "first interest %s", first.Interest)
	assert.True(t, first.Principal.Equal(emi.Sub(decimal.NewFromInt(10_000))), "first principal %s", first.Principal)
	assert.True(t, first.Installment.Equal(emi))
}

func TestBuild_ScheduleInvariants(t *testing.T) {
	calc := NewCalculator(DefaultRounding)
	start := time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		principal string
		rate      string
		n         int
		freq      models.Frequency
	}{
		{"1200000", "10", 12, models.FrequencyMonthly},
		{"100000", "5", 360, models.FrequencyMonthly},
		{"99999.99", "13.75", 37, models.FrequencyMonthly},
		{"500000", "0", 7, models.FrequencyMonthly},
		{"250000", "9.5", 8, models.FrequencyQuarterly},
		{"80000", "11", 5, models.FrequencyHalfYearly},
		{"1000", "18", 3, models.FrequencyYearly},
	}

	for _, c := range cases {
		principal := decimal.RequireFromString(c.principal)
		rows, _, err := calc.Build(Terms{
			Principal:         principal,
			AnnualRatePercent: decimal.RequireFromString(c.rate),
			Frequency:         c.freq,
			StartSequence:     1,
			DueDate:           monthly(start),
		}, c.n)
		require.NoError(t, err)

		assert.True(t, TotalPrincipal(rows).Equal(principal),
			"%s@%s/%d: principal components sum to %s", c.principal, c.rate, c.n, TotalPrincipal(rows))

		prev := principal
		for i, r := range rows {
			assert.Equal(t, i+1, r.Sequence)
			assert.True(t, r.Principal.Add(r.Interest).Equal(r.Installment), "row %d does not reconcile", r.Sequence)
			assert.True(t, r.OutstandingAfter.LessThan(prev), "row %d outstanding not decreasing", r.Sequence)
			prev = r.OutstandingAfter
		}
		assert.True(t, rows[len(rows)-1].OutstandingAfter.IsZero(), "last row must close at zero")
	}
}

func TestBuild_ZeroRateAbsorbsRemainderInLastRow(t *testing.T) {
	calc := NewCalculator(DefaultRounding)

	rows, emi, err := calc.Build(Terms{
		Principal:         decimal.NewFromInt(100),
		AnnualRatePercent: decimal.Zero,
		Frequency:         models.FrequencyMonthly,
	}, 3)
	require.NoError(t, err)

	assert.True(t, emi.Equal(decimal.RequireFromString("33.33")))
	require.Len(t, rows, 3)
	assert.True(t, rows[2].Principal.Equal(decimal.RequireFromString("33.34")))
	assert.True(t, TotalInterest(rows).IsZero())
}

func TestBuildFixed(t *testing.T) {
	calc := NewCalculator(DefaultRounding)
	terms := Terms{
		Principal:         decimal.NewFromInt(1_000_000),
		AnnualRatePercent: decimal.NewFromInt(12),
		Frequency:         models.FrequencyMonthly,
		StartSequence:     5,
	}

	rows, err := calc.BuildFixed(terms, decimal.NewFromInt(100_000))
	require.NoError(t, err)
	require.Len(t, rows, 11)
	assert.Equal(t, 5, rows[0].Sequence)

	last := rows[len(rows)-1]
	assert.True(t, last.OutstandingAfter.IsZero())
	assert.True(t, last.Installment.LessThan(decimal.NewFromInt(100_000)))
	assert.True(t, TotalPrincipal(rows).Equal(terms.Principal))

	_, err = calc.BuildFixed(terms, decimal.NewFromInt(10_000))
	var termsErr *InvalidTermsError
	assert.True(t, errors.As(err, &termsErr), "an EMI equal to the interest never amortizes")
}

func TestRoundingUnit(t *testing.T) {
	assert.True(t, Rounding{Places: 2}.Unit().Equal(decimal.RequireFromString("0.01")))
	assert.True(t, Rounding{Places: 0}.Unit().Equal(decimal.NewFromInt(1)))
}
