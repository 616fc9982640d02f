// Package config loads service configuration from the environment, optionally
// seeded from a .env file.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	PenaltyModePerDay    = "per_day"
	PenaltyModePerBucket = "per_bucket"
)

// WaiverTier waives WaiverPercent of the foreclosure charges once at least
// MinInstallmentsPaid installments have been paid.
type WaiverTier struct {
	MinInstallmentsPaid int             `validate:"gte=0"`
	WaiverPercent       decimal.Decimal `validate:"gte=0,lte=100"`
}

// Config holds the service configuration.
type Config struct {
	Port            int    `validate:"gt=0,lt=65536"`
	DBPath          string `validate:"required"`
	LogLevel        string `validate:"oneof=trace debug info warn warning error fatal panic"`
	OTELEndpoint    string
	OTELServiceName string `validate:"required"`

	CurrencyPlaces           int32           `validate:"gte=0,lte=8"`
	NPAThresholdDays         int             `validate:"gt=90"`
	PenaltyMode              string          `validate:"oneof=per_day per_bucket"`
	PenaltyRatePercent       decimal.Decimal `validate:"gte=0,lte=100"`
	PenaltyCapPercent        decimal.Decimal `validate:"gte=0,lte=100"` // 0 means uncapped
	PrepaymentChargePercent  decimal.Decimal `validate:"gte=0,lt=100"`
	ForeclosureChargePercent decimal.Decimal `validate:"gte=0,lt=100"`
	ForeclosureWaiverTiers   []WaiverTier    `validate:"dive"`

	OverdueSweepCron string        `validate:"required"`
	RedisAddress     string        // empty selects the in-process locker
	LockTTL          time.Duration `validate:"gte=1s"`
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	// A missing .env file is fine; the environment wins either way.
	_ = godotenv.Load()

	var errs []string
	parseDecimal := func(key, def string) decimal.Decimal {
		d, err := decimal.NewFromString(getEnvString(key, def))
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
		return d
	}

	cfg := &Config{
		Port:            getEnvInt("PORT", 8080),
		DBPath:          getEnvString("DB_PATH", "fredloan.db"),
		LogLevel:        strings.ToLower(getEnvString("LOG_LEVEL", "info")),
		OTELEndpoint:    getEnvString("OTEL_ENDPOINT", ""),
		OTELServiceName: getEnvString("OTEL_SERVICE_NAME", "fredloan"),

		CurrencyPlaces:           int32(getEnvInt("CURRENCY_PLACES", 2)),
		NPAThresholdDays:         getEnvInt("NPA_THRESHOLD_DAYS", 180),
		PenaltyMode:              strings.ToLower(getEnvString("PENALTY_MODE", PenaltyModePerDay)),
		PenaltyRatePercent:       parseDecimal("PENALTY_RATE_PERCENT", "0.1"),
		PenaltyCapPercent:        parseDecimal("PENALTY_CAP_PERCENT", "0"),
		PrepaymentChargePercent:  parseDecimal("PREPAYMENT_CHARGE_PERCENT", "0"),
		ForeclosureChargePercent: parseDecimal("FORECLOSURE_CHARGE_PERCENT", "0"),

		OverdueSweepCron: getEnvString("OVERDUE_SWEEP_CRON", "@daily"),
		RedisAddress:     getEnvString("REDIS_ADDRESS", ""),
		LockTTL:          getEnvDuration("LOCK_TTL", 30*time.Second),
	}

	tiers, err := ParseWaiverTiers(getEnvString("FORECLOSURE_WAIVER_TIERS", ""))
	if err != nil {
		errs = append(errs, fmt.Sprintf("FORECLOSURE_WAIVER_TIERS: %v", err))
	}
	cfg.ForeclosureWaiverTiers = tiers

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	if err := NewValidator().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ParseWaiverTiers parses "installments:percent" pairs such as "12:50,24:100".
// The result is sorted by MinInstallmentsPaid.
func ParseWaiverTiers(raw string) ([]WaiverTier, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var tiers []WaiverTier
	for _, part := range strings.Split(raw, ",") {
		count, percent, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return nil, fmt.Errorf("tier %q is not installments:percent", part)
		}
		n, err := strconv.Atoi(strings.TrimSpace(count))
		if err != nil {
			return nil, fmt.Errorf("tier %q: %w", part, err)
		}
		p, err := decimal.NewFromString(strings.TrimSpace(percent))
		if err != nil {
			return nil, fmt.Errorf("tier %q: %w", part, err)
		}
		tiers = append(tiers, WaiverTier{MinInstallmentsPaid: n, WaiverPercent: p})
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].MinInstallmentsPaid < tiers[j].MinInstallmentsPaid })
	return tiers, nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
