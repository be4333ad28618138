// Package config builds the immutable settings object for a pipeline run.
//
// Settings are resolved once at process start from an ordered list of sources
// (defaults, then secret store, then config file, then environment, then
// explicit overrides; later sources win) and validated immediately after the
// merge. Nothing in this package reads ambient state after Load returns;
// every client and the orchestrator receive the resolved Settings explicitly.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// WarehouseSettings describes one warehouse connection (source or target).
//
// Kind selects a registered warehouse backend ("postgres", "mssql", "sqlite").
// DSN is passed to the backend untouched; credentials may arrive in it via the
// secret store source.
type WarehouseSettings struct {
	Kind  string `yaml:"kind"`
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
}

// S3Settings describes the object store bucket used for pipeline data and
// run metadata.
type S3Settings struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`

	// Endpoint overrides the S3 endpoint (localstack/minio). Empty in AWS.
	Endpoint string `yaml:"endpoint"`

	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// MatchingSettings describes the external entity-matching workflow.
type MatchingSettings struct {
	WorkflowName string  `yaml:"workflow_name"`
	SchemaName   string  `yaml:"schema_name"`
	Threshold    float64 `yaml:"threshold"`
}

// RetrySettings parameterizes the single retry-with-backoff utility used for
// every synchronous stage.
type RetrySettings struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// Settings is the resolved, immutable configuration for one process.
//
// Concurrency:
//   - Settings is never mutated after Load returns; it is safe to share
//     across goroutines by value or pointer.
type Settings struct {
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`

	Source WarehouseSettings `yaml:"source"`
	Target WarehouseSettings `yaml:"target"`

	S3       S3Settings       `yaml:"s3"`
	Matching MatchingSettings `yaml:"matching"`

	// PollInterval is the single suspension point of the whole pipeline:
	// how long PollMatch sleeps between idempotent status checks.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollTimeout is the wall-clock budget for one matching job, measured
	// from submission (not from run start).
	PollTimeout time.Duration `yaml:"poll_timeout"`

	Retry RetrySettings `yaml:"retry"`

	// MetricsBackend selects a metrics backend ("datadog", "none").
	MetricsBackend string `yaml:"metrics_backend"`
	MetricsTags    string `yaml:"metrics_tags"`

	// NotifyEnabled controls the one-shot failure/success notification.
	NotifyEnabled bool `yaml:"notify_enabled"`

	// ScheduleCron is used by the schedule command only.
	ScheduleCron string `yaml:"schedule_cron"`

	// SecretsName is the Secrets Manager secret holding credentials.
	// Resolved before the file and env sources are applied.
	SecretsName string `yaml:"secrets_name"`
}

// Defaults returns the lowest-precedence source.
func Defaults() Settings {
	return Settings{
		Env:            "development",
		LogLevel:       "info",
		S3:             S3Settings{Region: "us-east-1", Prefix: "entity-resolution/"},
		Target:         WarehouseSettings{Table: "golden_entity_records"},
		PollInterval:   30 * time.Second,
		PollTimeout:    time.Hour,
		Retry:          RetrySettings{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute},
		MetricsBackend: "none",
	}
}

// SlogLevel maps LogLevel to an slog.Level. Unknown values mean info.
func (s Settings) SlogLevel() slog.Level {
	switch strings.ToLower(s.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsProduction reports whether the process runs in production mode.
func (s Settings) IsProduction() bool {
	return strings.EqualFold(s.Env, "production")
}

// Severity of a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one finding from Validate.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

// ValidationError carries every error-severity issue found in one pass, so an
// operator fixes the whole file at once instead of replaying failures.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Issues))
	for _, iss := range e.Issues {
		msgs = append(msgs, fmt.Sprintf("%s: %s", iss.Path, iss.Message))
	}
	return "invalid settings: " + strings.Join(msgs, "; ")
}

// Validate checks the merged settings once, immediately after Load.
//
// Edge cases:
//   - Warnings never fail validation; they are returned for the caller to log
//     after the logger is configured.
//   - need describes which parts of the settings the command will exercise;
//     a load-only command does not require a source warehouse DSN.
func Validate(s Settings, need Need) ([]Issue, error) {
	var issues []Issue

	addErr := func(path, msg string) {
		issues = append(issues, Issue{Severity: SeverityError, Path: path, Message: msg})
	}
	addWarn := func(path, msg string) {
		issues = append(issues, Issue{Severity: SeverityWarning, Path: path, Message: msg})
	}

	if need.ObjectStore {
		if s.S3.Bucket == "" {
			addErr("s3.bucket", "bucket is required")
		}
		if s.S3.Region == "" {
			addErr("s3.region", "region is required")
		}
		if s.S3.AccessKeyID == "" || s.S3.SecretAccessKey == "" {
			addWarn("s3", "no static credentials configured; AWS calls will fail unless provided by the secret store")
		}
	}
	if need.Source {
		validateWarehouse(&issues, "source", s.Source)
	}
	if need.Target {
		validateWarehouse(&issues, "target", s.Target)
		if s.Target.Table == "" {
			addErr("target.table", "table is required")
		}
	}
	if need.Matching {
		if s.Matching.WorkflowName == "" {
			addErr("matching.workflow_name", "workflow name is required")
		}
		if s.PollInterval <= 0 {
			addErr("poll_interval", "must be positive")
		}
		if s.PollTimeout <= 0 {
			addErr("poll_timeout", "must be positive")
		}
		if s.PollTimeout < s.PollInterval {
			addWarn("poll_timeout", "timeout is shorter than one poll interval")
		}
	}
	if s.Retry.MaxAttempts < 1 {
		addErr("retry.max_attempts", "must be at least 1")
	}
	if s.Retry.BaseDelay <= 0 {
		addErr("retry.base_delay", "must be positive")
	}
	if s.Retry.MaxDelay < s.Retry.BaseDelay {
		addErr("retry.max_delay", "must be >= retry.base_delay")
	}

	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return issues, &ValidationError{Issues: errorsOnly(issues)}
		}
	}
	return issues, nil
}

// Need declares which subsystems a command will touch, so validation can fail
// fast on exactly the fields that matter for it.
type Need struct {
	ObjectStore bool
	Source      bool
	Target      bool
	Matching    bool
}

// NeedAll is the full orchestrated run.
var NeedAll = Need{ObjectStore: true, Source: true, Target: true, Matching: true}

func validateWarehouse(issues *[]Issue, path string, w WarehouseSettings) {
	switch w.Kind {
	case "postgres", "mssql", "sqlite":
	case "":
		*issues = append(*issues, Issue{SeverityError, path + ".kind", "kind is required"})
	default:
		*issues = append(*issues, Issue{SeverityError, path + ".kind", fmt.Sprintf("unsupported kind %q", w.Kind)})
	}
	if w.DSN == "" {
		*issues = append(*issues, Issue{SeverityError, path + ".dsn", "dsn is required"})
	}
}

func errorsOnly(issues []Issue) []Issue {
	out := make([]Issue, 0, len(issues))
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			out = append(out, iss)
		}
	}
	return out
}
