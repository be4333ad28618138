// Package schedule triggers one full pipeline run per cron tick.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Runner executes one run for a process date. Each tick owns an independent
// run; a failed tick is logged and does not stop the schedule.
type Runner func(ctx context.Context, processDate string) error

// Scheduler drives a Runner on a cron schedule with the current date as the
// process date.
type Scheduler struct {
	spec string
	run  Runner
	log  *slog.Logger

	// now is an unexported seam for tests.
	now func() time.Time
}

// New validates the cron expression (standard five-field syntax) and builds
// a scheduler.
func New(spec string, run Runner, log *slog.Logger) (*Scheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	return &Scheduler{spec: spec, run: run, log: log, now: time.Now}, nil
}

// Start runs ticks until ctx is cancelled, then waits for an in-flight run
// to finish before returning.
func (s *Scheduler) Start(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(s.spec, func() {
		processDate := s.now().Format("2006-01-02")
		s.log.Info("scheduled run starting", "process_date", processDate)
		if err := s.run(ctx, processDate); err != nil {
			s.log.Error("scheduled run failed", "process_date", processDate, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %q: %w", s.spec, err)
	}

	c.Start()
	s.log.Info("scheduler started", "cron", s.spec)

	<-ctx.Done()
	<-c.Stop().Done()
	s.log.Info("scheduler stopped")
	return nil
}
