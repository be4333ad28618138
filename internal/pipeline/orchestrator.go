package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"entitypipeline/internal/config"
	"entitypipeline/internal/matching"
	"entitypipeline/internal/metrics"
	"entitypipeline/internal/notify"
	"entitypipeline/internal/retry"
)

// Extractor runs the extract stage: query the source warehouse for the
// run's domain and process date, write records to the object store, and set
// SourceLocation and RecordCountIn on the context.
type Extractor interface {
	Extract(ctx context.Context, rc *RunContext) error
}

// Loader runs the load stage: read OutputLocation, map matched records to
// target-table rows, and bulk-load them.
type Loader interface {
	Load(ctx context.Context, rc *RunContext) error
}

// MatchClient is the slice of the matching service client the orchestrator
// uses.
type MatchClient interface {
	Submit(ctx context.Context, inputLocation, outputPrefix string) (string, error)
	GetStatus(ctx context.Context, jobID string) (matching.JobStatus, error)
	Cancel(ctx context.Context, jobID string)
}

// Orchestrator sequences one run through extract, match, and load.
//
// Concurrency:
//   - One orchestrator instance drives one run at a time; the only
//     suspension point is the sleep between match status polls.
//   - Distinct runs may execute concurrently with separate RunContexts; the
//     target warehouse table is the only shared resource and callers must
//     schedule one run per domain and date.
type Orchestrator struct {
	contexts *ContextStore
	extract  Extractor
	match    MatchClient
	load     Loader
	notifier notify.Notifier
	retry    retry.Policy

	prefix       string
	pollInterval time.Duration
	pollTimeout  time.Duration

	log *slog.Logger

	// Test seams. Production uses time.Now and a timer-based sleep.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds an orchestrator from resolved settings and stage
// implementations. A nil notifier disables notifications.
func New(cfg config.Settings, contexts *ContextStore, ex Extractor, mc MatchClient, ld Loader, n notify.Notifier, log *slog.Logger) *Orchestrator {
	if n == nil {
		n = notify.Nop{}
	}
	return &Orchestrator{
		contexts:     contexts,
		extract:      ex,
		match:        mc,
		load:         ld,
		notifier:     n,
		retry:        retry.FromConfig(cfg.Retry),
		prefix:       cfg.S3.Prefix,
		pollInterval: cfg.PollInterval,
		pollTimeout:  cfg.PollTimeout,
		log:          log,
		now:          time.Now,
		sleep:        sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run executes a fresh run for one domain and process date. The returned
// context is the final persisted state; on failure the error is a StageError
// naming the failed stage.
func (o *Orchestrator) Run(ctx context.Context, domain, processDate string) (*RunContext, error) {
	rc := NewRunContext(domain, processDate, o.now())
	o.log.Info("run starting", "run_id", rc.RunID, "domain", domain, "process_date", processDate)
	if err := o.contexts.Save(ctx, rc); err != nil {
		return rc, o.fail(ctx, rc, StageExtract, err)
	}
	return o.drive(ctx, rc)
}

// Resume re-enters a persisted run at its first non-succeeded stage. A run
// whose match stage failed re-enters at submission with a fresh job; a run
// that already succeeded is returned unchanged.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (*RunContext, error) {
	rc, err := o.contexts.Load(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	if rc.Succeeded() {
		o.log.Info("run already succeeded, nothing to resume", "run_id", runID)
		return rc, nil
	}
	stage, _ := rc.NextStage()
	o.log.Info("resuming run", "run_id", runID, "stage", stage)
	return o.drive(ctx, rc)
}

// Start creates a fresh run and executes only the extract stage, leaving
// the persisted context ready for a later match and load. Used by the
// staged CLI commands.
func (o *Orchestrator) Start(ctx context.Context, domain, processDate string) (*RunContext, error) {
	rc := NewRunContext(domain, processDate, o.now())
	o.log.Info("run starting (extract only)", "run_id", rc.RunID, "domain", domain, "process_date", processDate)
	if err := o.contexts.Save(ctx, rc); err != nil {
		return rc, o.fail(ctx, rc, StageExtract, err)
	}
	if err := o.runExtract(ctx, rc); err != nil {
		return rc, o.fail(ctx, rc, StageExtract, err)
	}
	return rc, nil
}

// RunStage executes a single stage of a persisted run and stops. The stage
// must be the run's next non-succeeded stage; running a later stage before
// its predecessors succeed is an error.
func (o *Orchestrator) RunStage(ctx context.Context, runID string, stage Stage) (*RunContext, error) {
	rc, err := o.contexts.Load(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	next, more := rc.NextStage()
	if !more {
		return rc, fmt.Errorf("run %s already succeeded", runID)
	}
	if next != stage {
		return rc, fmt.Errorf("run %s is at stage %s, not %s", runID, next, stage)
	}

	var stageErr error
	switch stage {
	case StageExtract:
		stageErr = o.runExtract(ctx, rc)
	case StageMatch:
		stageErr = o.runMatch(ctx, rc)
	case StageLoad:
		stageErr = o.runLoad(ctx, rc)
	default:
		return rc, fmt.Errorf("unknown stage %q", stage)
	}
	if stageErr != nil {
		return rc, o.fail(ctx, rc, stage, stageErr)
	}
	return rc, nil
}

func (o *Orchestrator) drive(ctx context.Context, rc *RunContext) (*RunContext, error) {
	for {
		stage, more := rc.NextStage()
		if !more {
			metrics.IncCounter("pipeline_runs_total", 1, metrics.Labels{"status": "succeeded"})
			o.log.Info("run succeeded",
				"run_id", rc.RunID,
				"records_in", rc.RecordCountIn,
				"records_matched", rc.RecordCountMatched)
			return rc, nil
		}

		var err error
		switch stage {
		case StageExtract:
			err = o.runExtract(ctx, rc)
		case StageMatch:
			err = o.runMatch(ctx, rc)
		case StageLoad:
			err = o.runLoad(ctx, rc)
		}
		if err != nil {
			return rc, o.fail(ctx, rc, stage, err)
		}
	}
}

func (o *Orchestrator) runExtract(ctx context.Context, rc *RunContext) error {
	start := o.now()
	rc.SetStage(StageExtract, StageRunning)
	if err := o.contexts.Save(ctx, rc); err != nil {
		return err
	}

	err := o.retry.Do(ctx, o.log, "extract", func(ctx context.Context) error {
		return o.extract.Extract(ctx, rc)
	})
	o.observeStage(StageExtract, start, err)
	if err != nil {
		return err
	}

	rc.SetStage(StageExtract, StageSucceeded)
	metrics.IncCounter("pipeline_records_total", float64(rc.RecordCountIn), metrics.Labels{"kind": "extracted"})
	o.log.Info("extract succeeded",
		"run_id", rc.RunID, "records", rc.RecordCountIn, "location", rc.SourceLocation)
	return o.contexts.Save(ctx, rc)
}

func (o *Orchestrator) runMatch(ctx context.Context, rc *RunContext) error {
	start := o.now()
	rc.SetStage(StageMatch, StageRunning)
	if err := o.contexts.Save(ctx, rc); err != nil {
		return err
	}

	if err := o.submitJob(ctx, rc); err != nil {
		o.observeStage(StageMatch, start, err)
		return err
	}

	err := o.poll(ctx, rc)
	o.observeStage(StageMatch, start, err)
	return err
}

// submitJob submits a matching job for the run unless one is already in
// flight. At most one non-terminal job exists per run: a fresh submission
// happens only when there is no job, or the previous one already reached a
// terminal state.
func (o *Orchestrator) submitJob(ctx context.Context, rc *RunContext) error {
	if rc.Job != nil && !rc.Job.Status.Terminal() {
		return nil
	}

	outPrefix := OutputPrefix(o.prefix, rc.Domain, rc.ProcessDate, rc.RunID)
	var jobID string
	err := o.retry.Do(ctx, o.log, "submit_match", func(ctx context.Context) error {
		id, serr := o.match.Submit(ctx, rc.SourceLocation, outPrefix)
		if serr == nil {
			jobID = id
		}
		return serr
	})
	if err != nil {
		return err
	}

	// The timeout budget is measured from this submission, so a
	// resubmission after retry starts a fresh budget.
	rc.Job = &matching.MatchJob{
		JobID:       jobID,
		Status:      matching.StatusSubmitted,
		SubmittedAt: o.now(),
	}
	o.log.Info("matching job submitted", "run_id", rc.RunID, "job_id", jobID)
	return o.contexts.Save(ctx, rc)
}

// Submit submits a matching job for a persisted run without waiting for it
// to finish. The run is left in the running match stage; a later RunStage
// call with StageMatch picks up the in-flight job and polls it.
func (o *Orchestrator) Submit(ctx context.Context, runID string) (*RunContext, error) {
	rc, err := o.contexts.Load(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	next, more := rc.NextStage()
	if !more {
		return rc, fmt.Errorf("run %s already succeeded", runID)
	}
	if next != StageMatch {
		return rc, fmt.Errorf("run %s is at stage %s, not %s", runID, next, StageMatch)
	}

	rc.SetStage(StageMatch, StageRunning)
	if err := o.contexts.Save(ctx, rc); err != nil {
		return rc, o.fail(ctx, rc, StageMatch, err)
	}
	if err := o.submitJob(ctx, rc); err != nil {
		return rc, o.fail(ctx, rc, StageMatch, err)
	}
	return rc, nil
}

// poll is the single suspension point of the whole pipeline: it sleeps a
// fixed interval between idempotent status checks until the job reaches a
// terminal state or exceeds the wall-clock budget.
func (o *Orchestrator) poll(ctx context.Context, rc *RunContext) error {
	job := rc.Job
	deadline := job.SubmittedAt.Add(o.pollTimeout)

	for {
		js, err := o.match.GetStatus(ctx, job.JobID)
		job.LastPolledAt = o.now()
		switch {
		case err != nil && ctx.Err() != nil:
			return o.abandon(ctx, rc, ctx.Err())
		case err != nil:
			// Transient polling errors are swallowed; the loop continues
			// until the budget runs out.
			metrics.IncCounter("pipeline_poll_total", 1, metrics.Labels{"status": "error"})
			o.log.Warn("status poll failed, continuing",
				"run_id", rc.RunID, "job_id", job.JobID, "error", err)
		default:
			metrics.IncCounter("pipeline_poll_total", 1, metrics.Labels{"status": string(js.Status)})
			job.Status = js.Status

			switch js.Status {
			case matching.StatusSucceeded:
				rc.OutputLocation = js.OutputLocation
				if rc.RecordCountIn == 0 {
					rc.RecordCountIn = js.InputRecords
				}
				rc.RecordCountMatched = js.MatchedRecords
				rc.SetStage(StageMatch, StageSucceeded)
				metrics.IncCounter("pipeline_records_total", float64(js.MatchedRecords), metrics.Labels{"kind": "matched"})
				o.log.Info("matching job succeeded",
					"run_id", rc.RunID, "job_id", job.JobID,
					"matched", js.MatchedRecords, "output", js.OutputLocation)
				return o.contexts.Save(ctx, rc)

			case matching.StatusFailed:
				// Terminal service failure is not retried; the whole run
				// must be resubmitted.
				if err := o.contexts.Save(ctx, rc); err != nil {
					o.log.Error("persist run context", "run_id", rc.RunID, "error", err)
				}
				return fmt.Errorf("matching job %s failed: %s", job.JobID, js.ErrorDetail)
			}
		}

		if err := o.contexts.Save(ctx, rc); err != nil {
			return err
		}

		if !o.now().Before(deadline) {
			o.match.Cancel(ctx, job.JobID)
			job.Status = matching.StatusTimedOut
			if err := o.contexts.Save(ctx, rc); err != nil {
				o.log.Error("persist run context", "run_id", rc.RunID, "error", err)
			}
			return fmt.Errorf("%w: job %s exceeded %s", ErrPollTimeout, job.JobID, o.pollTimeout)
		}

		if err := o.sleep(ctx, o.pollInterval); err != nil {
			return o.abandon(ctx, rc, err)
		}
	}
}

// abandon handles operator cancellation mid-poll: cancel the remote job so
// it is not orphaned, record the local terminal state, and stop.
func (o *Orchestrator) abandon(ctx context.Context, rc *RunContext, cause error) error {
	pctx := context.WithoutCancel(ctx)
	o.match.Cancel(pctx, rc.Job.JobID)
	rc.Job.Status = matching.StatusCancelled
	if err := o.contexts.Save(pctx, rc); err != nil {
		o.log.Error("persist run context", "run_id", rc.RunID, "error", err)
	}
	return fmt.Errorf("run cancelled: %w", cause)
}

func (o *Orchestrator) runLoad(ctx context.Context, rc *RunContext) error {
	start := o.now()
	rc.SetStage(StageLoad, StageRunning)
	if err := o.contexts.Save(ctx, rc); err != nil {
		return err
	}

	err := o.retry.Do(ctx, o.log, "load", func(ctx context.Context) error {
		return o.load.Load(ctx, rc)
	})
	o.observeStage(StageLoad, start, err)
	if err != nil {
		return err
	}

	rc.SetStage(StageLoad, StageSucceeded)
	metrics.IncCounter("pipeline_records_total", float64(rc.RecordCountMatched), metrics.Labels{"kind": "loaded"})
	o.log.Info("load succeeded", "run_id", rc.RunID, "records", rc.RecordCountMatched)
	return o.contexts.Save(ctx, rc)
}

// fail transitions the run to its failed terminal state: persist the
// context so the failed stage is inspectable, then emit one notification.
func (o *Orchestrator) fail(ctx context.Context, rc *RunContext, stage Stage, cause error) error {
	rc.SetStage(stage, StageFailed)
	rc.FailedStage = stage
	rc.FailureCause = cause.Error()

	pctx := context.WithoutCancel(ctx)
	if err := o.contexts.Save(pctx, rc); err != nil {
		o.log.Error("persist failed run context", "run_id", rc.RunID, "error", err)
	}

	metrics.IncCounter("pipeline_runs_total", 1, metrics.Labels{"status": "failed"})
	o.log.Error("run failed",
		"run_id", rc.RunID, "domain", rc.Domain, "stage", stage, "error", cause)

	if err := o.notifier.NotifyFailure(pctx, notify.Failure{
		RunID:       rc.RunID,
		Domain:      rc.Domain,
		FailedStage: string(stage),
		Cause:       cause.Error(),
	}); err != nil {
		o.log.Error("failure notification", "run_id", rc.RunID, "error", err)
	}

	return &StageError{Stage: stage, Err: cause}
}

func (o *Orchestrator) observeStage(stage Stage, start time.Time, err error) {
	status := "succeeded"
	if err != nil {
		status = "failed"
	}
	labels := metrics.Labels{"stage": string(stage), "status": status}
	metrics.IncCounter("pipeline_stage_total", 1, labels)
	metrics.ObserveHistogram("pipeline_stage_duration_seconds", o.now().Sub(start).Seconds(), labels)
}
