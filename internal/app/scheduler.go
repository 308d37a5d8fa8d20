/**
 * @description
 * Cron scheduler for the session-service housekeeping sweeps.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs background sweeps that are not part of the billing hot path.
type Scheduler struct {
	cron     *cron.Cron
	svc      *SessionService
	logger   *slog.Logger
	schedule string
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(svc *SessionService, logger *slog.Logger, schedule string) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:     c,
		svc:      svc,
		logger:   logger,
		schedule: schedule,
	}
}

// Start registers the sweeps and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.ExpirePendingRequests); err != nil {
		s.logger.Error("failed to schedule pending request sweep", "error", err)
		return err
	}
	s.logger.Info("scheduled pending request sweep", "schedule", s.schedule)
	s.cron.Start()
	return nil
}

// ExpirePendingRequests cancels session requests nobody answered in time.
func (s *Scheduler) ExpirePendingRequests() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	expired, err := s.svc.ExpireStalePending(ctx)
	if err != nil {
		s.logger.Error("failed to expire pending session requests", "error", err)
		return
	}
	if expired > 0 {
		s.logger.Info("expired stale session requests", "count", expired)
	}
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
