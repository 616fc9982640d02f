package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestLoanDueDate(t *testing.T) {
	tests := []struct {
		name      string
		disbursed time.Time
		freq      Frequency
		seq       int
		want      time.Time
	}{
		{"monthly", time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC), FrequencyMonthly, 1, time.Date(2025, time.February, 15, 0, 0, 0, 0, time.UTC)},
		{"crosses the year", time.Date(2025, time.November, 10, 0, 0, 0, 0, time.UTC), FrequencyMonthly, 3, time.Date(2026, time.February, 10, 0, 0, 0, 0, time.UTC)},
		{"clamped to february", time.Date(2025, time.January, 31, 0, 0, 0, 0, time.UTC), FrequencyMonthly, 1, time.Date(2025, time.February, 28, 0, 0, 0, 0, time.UTC)},
		{"leap february", time.Date(2024, time.January, 31, 0, 0, 0, 0, time.UTC), FrequencyMonthly, 1, time.Date(2024, time.February, 29, 0, 0, 0, 0, time.UTC)},
		{"clamping does not drift", time.Date(2025, time.January, 31, 0, 0, 0, 0, time.UTC), FrequencyMonthly, 2, time.Date(2025, time.March, 31, 0, 0, 0, 0, time.UTC)},
		{"quarterly", time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC), FrequencyQuarterly, 4, time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)},
		{"yearly", time.Date(2025, time.March, 5, 0, 0, 0, 0, time.UTC), FrequencyYearly, 2, time.Date(2027, time.March, 5, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loan := &Loan{DisbursementDate: tt.disbursed, Frequency: tt.freq}
			assert.Equal(t, tt.want, loan.DueDate(tt.seq))
		})
	}
}

func TestInstallmentCount(t *testing.T) {
	assert.Equal(t, 12, (&Loan{TenureMonths: 12, Frequency: FrequencyMonthly}).InstallmentCount())
	assert.Equal(t, 4, (&Loan{TenureMonths: 12, Frequency: FrequencyQuarterly}).InstallmentCount())
	assert.Equal(t, 2, (&Loan{TenureMonths: 12, Frequency: FrequencyHalfYearly}).InstallmentCount())
	assert.Equal(t, 0, (&Loan{TenureMonths: 12, Frequency: "WEEKLY"}).InstallmentCount())
}

func TestAmountDue(t *testing.T) {
	inst := &Installment{InstallmentAmount: decimal.NewFromInt(1000), PaidAmount: decimal.NewFromInt(400)}
	assert.True(t, inst.AmountDue().Equal(decimal.NewFromInt(600)))

	inst.PaidAmount = decimal.NewFromInt(1200)
	assert.True(t, inst.AmountDue().IsZero())
}

func TestAmountDueAppliesPaymentsToPenaltyFirst(t *testing.T) {
	tests := []struct {
		name        string
		paid        string
		wantPenalty string
		wantAmount  string
		wantTotal   string
	}{
		{"nothing paid", "0", "50", "1000", "1050"},
		{"penalty partly covered", "30", "20", "1000", "1020"},
		{"penalty covered", "50", "0", "1000", "1000"},
		{"into the installment", "450", "0", "600", "600"},
		{"settled", "1050", "0", "0", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := &Installment{
				InstallmentAmount: decimal.NewFromInt(1000),
				PenaltyAmount:     decimal.NewFromInt(50),
				PaidAmount:        decimal.RequireFromString(tt.paid),
			}
			assert.True(t, inst.PenaltyDue().Equal(decimal.RequireFromString(tt.wantPenalty)), "penalty due %s", inst.PenaltyDue())
			assert.True(t, inst.AmountDue().Equal(decimal.RequireFromString(tt.wantAmount)), "amount due %s", inst.AmountDue())
			assert.True(t, inst.TotalDue().Equal(decimal.RequireFromString(tt.wantTotal)), "total due %s", inst.TotalDue())
		})
	}
}

func TestOverdueBucketRank(t *testing.T) {
	order := []OverdueBucket{BucketCurrent, BucketOverdue1To30, BucketOverdue31To60, BucketOverdue61To90, BucketOverdue90Plus, BucketNPA}
	for i := 1; i < len(order); i++ {
		assert.Greater(t, order[i].Rank(), order[i-1].Rank(), "%s should outrank %s", order[i], order[i-1])
	}
}
