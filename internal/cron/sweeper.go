// Package cron runs the retention sweeper: closed sessions older than the
// configured age are pruned on a cron schedule.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/michaeljabbour/amplifier-web/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the retention sweeper.
type Config struct {
	Store    *persistence.Store
	Logger   *slog.Logger
	Schedule string        // cron expression; when to sweep
	MaxAge   time.Duration // sessions idle longer than this are pruned
}

// Sweeper prunes old closed sessions on a cron schedule.
type Sweeper struct {
	store    *persistence.Store
	logger   *slog.Logger
	schedule cronlib.Schedule
	maxAge   time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSweeper(cfg Config) (*Sweeper, error) {
	schedule, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.MaxAge <= 0 {
		return nil, fmt.Errorf("retention max age must be positive")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    cfg.Store,
		logger:   logger,
		schedule: schedule,
		maxAge:   cfg.MaxAge,
	}, nil
}

// Start begins the sweep loop in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention sweeper started", "max_age", s.maxAge)
}

// Stop cancels the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("retention sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.maxAge)
	pruned, err := s.store.PruneSessionsBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("retention sweep failed", "error", err)
		return
	}
	if pruned > 0 {
		s.logger.Info("retention sweep pruned sessions", "count", pruned, "cutoff", cutoff)
	}
}
