// Package notify delivers the one-shot failure notification for a run.
//
// The orchestrator emits exactly one notification when a run enters its
// failed terminal state. Delivery failure is never fatal to the pipeline;
// callers log and continue.
package notify

import (
	"context"
	"log/slog"
)

// Failure describes one failed run.
type Failure struct {
	RunID       string `json:"run_id"`
	Domain      string `json:"domain"`
	FailedStage string `json:"failed_stage"`
	Cause       string `json:"cause"`
}

// Notifier delivers failure notifications.
type Notifier interface {
	NotifyFailure(ctx context.Context, f Failure) error
}

// LogNotifier writes notifications to the process log. It is the default
// when no external channel is configured.
type LogNotifier struct {
	Log *slog.Logger
}

func (n *LogNotifier) NotifyFailure(_ context.Context, f Failure) error {
	log := n.Log
	if log == nil {
		log = slog.Default()
	}
	log.Error("pipeline run failed",
		"run_id", f.RunID,
		"domain", f.Domain,
		"failed_stage", f.FailedStage,
		"cause", f.Cause)
	return nil
}

// Nop discards notifications.
type Nop struct{}

func (Nop) NotifyFailure(context.Context, Failure) error { return nil }
