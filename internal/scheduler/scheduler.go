// Package scheduler runs the periodic global expiry sweep.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"licensed/internal/infrastructure"
)

// Sweeper flips every overdue active license to expired.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Scheduler owns a cron runner with a single sweep job.
type Scheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
	timeout time.Duration
	logger  *slog.Logger
	entry   cron.EntryID
}

// New validates spec and registers the sweep job. Each run is bounded by
// timeout. Runs never overlap.
func New(spec string, sweeper Sweeper, timeout time.Duration, logger *slog.Logger) (*Scheduler, error) {
	if sweeper == nil {
		return nil, errors.New("scheduler: sweeper is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	logger = infrastructure.WithComponent(logger, "scheduler")
	cl := cronLogger{logger: logger}

	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		sweeper: sweeper,
		timeout: timeout,
		logger:  logger,
	}

	id, err := s.cron.AddFunc(spec, func() { s.SweepNow(context.Background()) })
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	s.entry = id
	return s, nil
}

// SweepNow runs one sweep and returns how many licenses expired.
func (s *Scheduler) SweepNow(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	n, err := s.sweeper.Sweep(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "expiry sweep failed", slog.String("error", err.Error()))
		return 0, err
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "expiry sweep completed", slog.Int("expired", n))
	}
	return n, nil
}

// Next reports when the sweep runs next. It is zero before Start.
func (s *Scheduler) Next() time.Time {
	return s.cron.Entry(s.entry).Next
}

// Run starts the scheduler and blocks until ctx is done, then waits for a
// running sweep to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	s.logger.Info("scheduler started", slog.Time("next_sweep", s.Next()))

	<-ctx.Done()

	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
	return nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
