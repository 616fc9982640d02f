package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/mcclellann/fredLoan/pkg/models"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Sweeper runs the overdue classification over every active loan.
type Sweeper interface {
	CheckOverdueEmis(ctx context.Context) ([]*models.OverdueTracking, error)
}

// Scheduler runs the overdue sweep on a cron schedule. A run that is still
// going when the next one fires makes the next one skip.
type Scheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
	logger  logrus.FieldLogger
	timeout time.Duration
}

// New registers the sweep under spec, e.g. "@daily" or "30 0 * * *".
// Schedules are evaluated in UTC.
func New(spec string, sweeper Sweeper, logger logrus.FieldLogger) (*Scheduler, error) {
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		sweeper: sweeper,
		logger:  logger,
		timeout: 30 * time.Minute,
	}
	if _, err := s.cron.AddFunc(spec, func() { s.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid overdue sweep schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.WithField("entries", len(s.cron.Entries())).Info("Overdue scheduler started")
}

// Stop prevents further runs and waits for a running sweep or ctx, whichever
// ends first.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("Overdue scheduler stopped before the running sweep finished")
	}
}

// RunOnce performs a single sweep and logs its outcome.
func (s *Scheduler) RunOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.logger.Info("Processing overdue installments...")
	rows, err := s.sweeper.CheckOverdueEmis(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Overdue sweep failed")
		return
	}

	buckets := logrus.Fields{}
	for _, r := range rows {
		key := string(r.Status)
		n, _ := buckets[key].(int)
		buckets[key] = n + 1
	}
	s.logger.WithFields(buckets).WithField("overdue", len(rows)).Info("Overdue sweep completed")
}
