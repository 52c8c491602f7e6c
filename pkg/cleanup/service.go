// Package cleanup enforces the archive retention policy.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cabana-dev/cabana/pkg/storage"
)

// DefaultSchedule runs the retention pass nightly at 04:00.
const DefaultSchedule = "0 4 * * *"

// Service periodically deletes archive rows older than the retention
// window. Runs are idempotent; the fixed bookkeeping tables are never
// touched.
type Service struct {
	store    storage.Storage
	maxAge   time.Duration
	schedule string
	logger   *slog.Logger

	cron   *cron.Cron
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a retention service. maxAgeDays <= 0 disables it.
func NewService(store storage.Storage, maxAgeDays int, schedule string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Service{
		store:    store,
		maxAge:   time.Duration(maxAgeDays) * 24 * time.Hour,
		schedule: schedule,
		logger:   logger.With("component", "cleanup"),
	}
}

// Start runs one immediate pass, then schedules recurring passes. Starting
// a running or disabled service is a no-op.
func (s *Service) Start(ctx context.Context) error {
	if s.cancel != nil {
		return nil
	}
	if s.maxAge <= 0 {
		s.logger.Info("Retention disabled")
		return nil
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.schedule, func() { s.runOnce(ctx) }); err != nil {
		s.cancel()
		s.cancel = nil
		return err
	}

	go func() {
		defer close(s.done)
		s.runOnce(ctx)
		s.cron.Start()
		<-ctx.Done()
		<-s.cron.Stop().Done()
	}()

	s.logger.Info("Cleanup service started",
		"max_age", s.maxAge, "schedule", s.schedule)
	return nil
}

// Stop cancels the schedule and waits for any in-flight pass.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.logger.Info("Cleanup service stopped")
}

func (s *Service) runOnce(ctx context.Context) {
	removed, err := s.store.CleanUp(ctx, s.maxAge)
	if err != nil {
		s.logger.Error("Retention pass failed", "error", err)
		return
	}
	if removed > 0 {
		s.logger.Info("Retention pass removed old rows", "count", removed)
	}
}
