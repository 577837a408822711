// Package jobs runs periodic maintenance against the request store.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// OutstandingCounter is the store query the report needs.
type OutstandingCounter interface {
	CountOutstanding(ctx context.Context, olderThan time.Duration) (int, error)
}

// Scheduler wraps a cron runner.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		logger: logger,
	}
}

// AddOutstandingReport logs how many requests have been waiting for a reply
// longer than olderThan. Requests never expire; the report is for operators.
func (s *Scheduler) AddOutstandingReport(schedule string, olderThan time.Duration, store OutstandingCounter) error {
	_, err := s.cron.AddFunc(schedule, func() {
		ReportOutstanding(context.Background(), store, olderThan, s.logger)
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("job scheduler started", "jobs", len(s.cron.Entries()))
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// ReportOutstanding runs one report and returns the count it logged.
func ReportOutstanding(ctx context.Context, store OutstandingCounter, olderThan time.Duration, logger *slog.Logger) int {
	n, err := store.CountOutstanding(ctx, olderThan)
	if err != nil {
		logger.Error("counting outstanding requests", "err", err)
		return 0
	}
	if n > 0 {
		logger.Warn("requests awaiting a group reply", "count", n, "older_than", olderThan)
	}
	return n
}
