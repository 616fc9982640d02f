package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mcclellann/fredLoan/pkg/amortization"
	"github.com/mcclellann/fredLoan/pkg/config"
	"github.com/mcclellann/fredLoan/pkg/ledger"
	"github.com/mcclellann/fredLoan/pkg/lock"
	"github.com/mcclellann/fredLoan/pkg/logging"
	"github.com/mcclellann/fredLoan/pkg/scheduler"
	"github.com/mcclellann/fredLoan/pkg/store"
	"github.com/mcclellann/fredLoan/pkg/tracing"
	"github.com/sirupsen/logrus"
)

// Server holds the ledger instance.
type Server struct {
	ledger   *ledger.Ledger
	storage  store.Storage // Keep a reference to the storage to close it
	logger   logrus.FieldLogger
	validate *validator.Validate
}

func NewServer(s store.Storage, logger logrus.FieldLogger, opts ...ledger.Option) *Server {
	opts = append([]ledger.Option{ledger.WithLogger(logger)}, opts...)
	return &Server{
		ledger:   ledger.NewLedger(s, opts...),
		storage:  s,
		logger:   logger,
		validate: config.NewValidator(),
	}
}

// policyFromConfig maps the bank-policy settings onto the ledger.
func policyFromConfig(cfg *config.Config) ledger.Policy {
	p := ledger.Policy{
		NPAThresholdDays:         cfg.NPAThresholdDays,
		PenaltyMode:              ledger.PenaltyMode(cfg.PenaltyMode),
		PenaltyRatePercent:       cfg.PenaltyRatePercent,
		PenaltyCapPercent:        cfg.PenaltyCapPercent,
		PrepaymentChargePercent:  cfg.PrepaymentChargePercent,
		ForeclosureChargePercent: cfg.ForeclosureChargePercent,
	}
	for _, t := range cfg.ForeclosureWaiverTiers {
		p.WaiverTiers = append(p.WaiverTiers, ledger.WaiverTier{
			MinInstallmentsPaid: t.MinInstallmentsPaid,
			WaiverPercent:       t.WaiverPercent,
		})
	}
	return p
}

func newLocker(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (lock.Locker, func() error, error) {
	if cfg.RedisAddress == "" {
		logger.Info("Using in-process loan locks")
		return lock.NewKeyedMutex(), func() error { return nil }, nil
	}
	rdb, err := lock.ConnectRedis(ctx, cfg.RedisAddress)
	if err != nil {
		return nil, nil, err
	}
	logger.WithField("redis", cfg.RedisAddress).Info("Using Redis loan locks")
	return lock.NewRedisLocker(rdb, cfg.LockTTL), rdb.Close, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	logger := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.OTELServiceName, cfg.OTELEndpoint, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize tracing: %v", err)
	}

	// Initialize SQLite Store
	sqliteStore, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		logger.Fatalf("Failed to initialize SQLite store: %v", err)
	}
	defer sqliteStore.Close()

	locker, closeLocker, err := newLocker(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize loan locks: %v", err)
	}
	defer closeLocker()

	server := NewServer(sqliteStore, logger,
		ledger.WithLocker(locker),
		ledger.WithPolicy(policyFromConfig(cfg)),
		ledger.WithRounding(amortization.Rounding{Places: cfg.CurrencyPlaces}),
	)

	sweeps, err := scheduler.New(cfg.OverdueSweepCron, server.ledger, logger)
	if err != nil {
		logger.Fatalf("Failed to schedule overdue sweep: %v", err)
	}
	sweeps.Start()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           server.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Infof("Server starting on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP shutdown failed")
	}
	sweeps.Stop(shutdownCtx)
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.WithError(err).Error("Tracer shutdown failed")
	}
}
