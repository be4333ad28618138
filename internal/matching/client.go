// Package matching wraps the managed entity-matching service.
//
// The matching algorithm itself is owned by the service; this client only
// submits jobs, observes their status and hands back output locations. The
// matching workflow is a named server-side resource that binds the input and
// output sources; Submit verifies the input is readable before submitting so
// a misconfigured run fails fast instead of surfacing minutes later through
// polling.
package matching

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/entityresolution"

	"entitypipeline/internal/config"
)

// erAPI is the subset of the Entity Resolution client we call. Private so
// tests can fake it without network access.
type erAPI interface {
	StartMatchingJob(ctx context.Context, params *entityresolution.StartMatchingJobInput, optFns ...func(*entityresolution.Options)) (*entityresolution.StartMatchingJobOutput, error)
	GetMatchingJob(ctx context.Context, params *entityresolution.GetMatchingJobInput, optFns ...func(*entityresolution.Options)) (*entityresolution.GetMatchingJobOutput, error)
}

// InputProber checks that a submitted input location is readable. The
// pipeline wires this to the object store; tests substitute stubs.
type InputProber func(ctx context.Context, location string) error

// SubmissionError reports a submit that was rejected up front: unknown
// workflow, or an input location that is not readable.
type SubmissionError struct {
	Workflow string
	Err      error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit matching job (workflow=%s): %v", e.Workflow, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// Client talks to the matching service for one workflow. It holds no
// per-job state, so one client may serve concurrent runs.
type Client struct {
	api      erAPI
	workflow string
	probe    InputProber
	log      *slog.Logger
}

// New builds a Client from settings.
func New(cfg config.Settings, probe InputProber, log *slog.Logger) *Client {
	opts := entityresolution.Options{Region: cfg.S3.Region}
	if cfg.S3.AccessKeyID != "" && cfg.S3.SecretAccessKey != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.S3.AccessKeyID, cfg.S3.SecretAccessKey, "")
	}
	return &Client{
		api:      entityresolution.New(opts),
		workflow: cfg.Matching.WorkflowName,
		probe:    probe,
		log:      log,
	}
}

// NewWithAPI wires an explicit API implementation; used by tests.
func NewWithAPI(api erAPI, workflow string, probe InputProber, log *slog.Logger) *Client {
	return &Client{api: api, workflow: workflow, probe: probe, log: log}
}

// Submit starts a matching job for the client's workflow.
//
// Errors:
//   - *SubmissionError when the input location is unreadable or the service
//     rejects the workflow. Fail fast here: a bad submission must not be
//     discovered later through polling.
func (c *Client) Submit(ctx context.Context, inputLocation, outputPrefix string) (string, error) {
	if c.probe != nil {
		if err := c.probe(ctx, inputLocation); err != nil {
			return "", &SubmissionError{Workflow: c.workflow, Err: fmt.Errorf("input %s not readable: %w", inputLocation, err)}
		}
	}

	out, err := c.api.StartMatchingJob(ctx, &entityresolution.StartMatchingJobInput{
		WorkflowName: aws.String(c.workflow),
	})
	if err != nil {
		return "", &SubmissionError{Workflow: c.workflow, Err: err}
	}

	jobID := aws.ToString(out.JobId)
	if jobID == "" {
		return "", &SubmissionError{Workflow: c.workflow, Err: fmt.Errorf("service returned empty job id")}
	}

	c.log.Info("matching job submitted",
		"workflow", c.workflow, "job_id", jobID,
		"input", inputLocation, "output_prefix", outputPrefix)
	return jobID, nil
}

// GetStatus fetches the current status of jobID.
//
// Idempotent and side-effect-free: repeated calls never change service-side
// state; N calls with no intervening service change return identical results.
func (c *Client) GetStatus(ctx context.Context, jobID string) (JobStatus, error) {
	out, err := c.api.GetMatchingJob(ctx, &entityresolution.GetMatchingJobInput{
		JobId:        aws.String(jobID),
		WorkflowName: aws.String(c.workflow),
	})
	if err != nil {
		return JobStatus{}, fmt.Errorf("get matching job %s: %w", jobID, err)
	}

	js := JobStatus{Status: mapServiceStatus(string(out.Status))}
	if out.Metrics != nil {
		js.InputRecords = int(aws.ToInt32(out.Metrics.InputRecords))
		js.MatchedRecords = int(aws.ToInt32(out.Metrics.MatchIDs))
	}
	if out.ErrorDetails != nil {
		js.ErrorDetail = aws.ToString(out.ErrorDetails.ErrorMessage)
	}
	// OutputLocation stays empty when the service omits the output path;
	// the load stage falls back to scanning the run's own output prefix.
	if len(out.OutputSourceConfig) > 0 {
		js.OutputLocation = aws.ToString(out.OutputSourceConfig[0].OutputS3Path)
	}
	return js, nil
}

// Cancel abandons jobID, best-effort.
//
// The managed service offers no job-cancellation call, so this checks the
// job's state and logs the abandonment: a cancellation racing completion is
// expected and never an error. Terminal jobs are left alone; running jobs
// keep running server-side with their results ignored.
func (c *Client) Cancel(ctx context.Context, jobID string) {
	js, err := c.GetStatus(ctx, jobID)
	if err != nil {
		c.log.Warn("cancel: status check failed; abandoning job", "job_id", jobID, "error", err)
		return
	}
	if js.Status.Terminal() {
		c.log.Debug("cancel: job already terminal", "job_id", jobID, "status", js.Status)
		return
	}
	c.log.Warn("cancel: service does not support cancellation; job abandoned, result will be ignored",
		"job_id", jobID, "status", js.Status)
}

// mapServiceStatus folds the service's status vocabulary into ours. Anything
// that is not terminal counts as running; the orchestrator sets submitted
// itself immediately after Submit.
func mapServiceStatus(s string) Status {
	switch strings.ToUpper(s) {
	case "SUCCEEDED":
		return StatusSucceeded
	case "FAILED":
		return StatusFailed
	default:
		return StatusRunning
	}
}
