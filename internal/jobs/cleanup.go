// Package jobs schedules Magnet's background maintenance work.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/magnet-cms/magnet/internal/service"
)

// Scheduler runs the periodic usage-record cleanup on a cron schedule.
type Scheduler struct {
	cron   *cron.Cron
	keys   *service.APIKeyService
	logger *slog.Logger
}

// NewScheduler creates a Scheduler.
func NewScheduler(keys *service.APIKeyService, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		keys:   keys,
		logger: logger,
	}
}

// Start registers the cleanup job under the given cron expression (e.g.
// "@hourly") and starts the scheduler.
func (s *Scheduler) Start(schedule string) error {
	_, err := s.cron.AddFunc(schedule, s.runCleanup)
	if err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("cleanup scheduler started", "schedule", schedule)
	return nil
}

func (s *Scheduler) runCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if _, err := s.keys.CleanupUsageRecords(ctx); err != nil {
		s.logger.Error("usage cleanup failed", "error", err)
	}
}

// Stop stops the scheduler and waits for a running job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
