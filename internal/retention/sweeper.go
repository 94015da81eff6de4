// Package retention evicts processed signal rows once they age past the
// configured retention window.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/signalpipe/internal/otel"
	"github.com/basket/signalpipe/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the retention sweeper.
type Config struct {
	Store          *persistence.Store
	Logger         *slog.Logger
	RetentionHours int           // 0 disables sweeping entirely
	Schedule       string        // 5-field cron expression, defaults to every 5 minutes
	Metrics        *otel.Metrics // may be nil
}

// Sweeper periodically deletes processed signals older than the retention
// window. Pending signals are never touched. A failed sweep is logged and
// retried on the next scheduled run.
type Sweeper struct {
	store    *persistence.Store
	logger   *slog.Logger
	hours    int
	schedule cronlib.Schedule
	metrics  *otel.Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a Sweeper. The schedule expression is validated up front
// so a config typo fails at startup instead of silently never sweeping.
func NewSweeper(cfg Config) (*Sweeper, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	expr := cfg.Schedule
	if expr == "" {
		expr = "*/5 * * * *"
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", expr, err)
	}
	return &Sweeper{
		store:    cfg.Store,
		logger:   logger,
		hours:    cfg.RetentionHours,
		schedule: sched,
		metrics:  cfg.Metrics,
	}, nil
}

// Start begins the sweep loop in a background goroutine. With retention
// disabled it logs and returns without starting anything.
func (s *Sweeper) Start(ctx context.Context) {
	if s.hours <= 0 {
		s.logger.Info("retention sweeping disabled")
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention sweeper started", "retention_hours", s.hours)
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	// Sweep immediately on startup, then follow the schedule.
	s.Sweep(ctx)

	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one eviction pass. Double-running or skipping a pass is safe:
// the cutoff is recomputed each time and deletes are idempotent.
func (s *Sweeper) Sweep(ctx context.Context) {
	if s.hours <= 0 {
		return
	}
	cutoff := time.Now().Add(-time.Duration(s.hours) * time.Hour)
	deleted, err := s.store.DeleteSignalsOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("retention sweep failed", "cutoff", cutoff, "error", err)
		return
	}
	if s.metrics != nil && deleted > 0 {
		s.metrics.SweptSignals.Add(ctx, deleted)
	}
	if deleted > 0 {
		s.logger.Info("retention sweep completed", "deleted", deleted, "cutoff", cutoff)
	}
}

// NextRunTime returns the next scheduled sweep after the given time.
func (s *Sweeper) NextRunTime(after time.Time) time.Time {
	return s.schedule.Next(after)
}
