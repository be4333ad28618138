package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Overrides are the explicit, highest-precedence settings a command passes in
// (normally bound to CLI flags). Zero values leave the merged value untouched.
type Overrides struct {
	ConfigPath  string
	SecretsName string
	LogLevel    string

	Domain      string // selects source/target tables when set
	SourceTable string
	TargetTable string

	PollInterval time.Duration
	PollTimeout  time.Duration
}

// Load resolves Settings from all sources in precedence order:
//
//	defaults < secret store < config file < environment < overrides
//
// The secret store is consulted only when a secret name is configured (file,
// env or override) and contributes credentials only. The merged result is NOT
// validated here; call Validate with the command's Need once immediately after.
//
// Errors:
//   - Returns an error when the config file is present but unreadable or
//     malformed, or when the secret store lookup fails hard.
func Load(ctx context.Context, ov Overrides, secrets SecretSource) (Settings, []string, error) {
	s := Defaults()
	var warnings []string

	// The secret name itself can come from any source, so resolve it first
	// with the same precedence.
	secretName := s.SecretsName
	fileSettings, fileFound, err := loadFile(ov.ConfigPath)
	if err != nil {
		return Settings{}, nil, err
	}
	if fileFound && fileSettings.SecretsName != "" {
		secretName = fileSettings.SecretsName
	}
	if v := os.Getenv("PIPELINE_SECRETS_NAME"); v != "" {
		secretName = v
	}
	if ov.SecretsName != "" {
		secretName = ov.SecretsName
	}

	if secretName != "" && secrets != nil {
		creds, err := secrets.Fetch(ctx, secretName)
		if err != nil {
			return Settings{}, nil, fmt.Errorf("secret store: %w", err)
		}
		applyCredentials(&s, creds)
	}

	if fileFound {
		mergeFile(&s, fileSettings)
	}

	applyEnv(&s, &warnings)
	applyOverrides(&s, ov)

	s.SecretsName = secretName
	return s, warnings, nil
}

// fileSettings mirrors Settings but with pointer-free zero-means-unset
// semantics handled by mergeFile; yaml tags live on Settings itself.
func loadFile(path string) (Settings, bool, error) {
	explicit := path != ""
	if path == "" {
		path = "configs/settings.yaml"
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return Settings{}, false, nil
		}
		return Settings{}, false, fmt.Errorf("read config %s: %w", path, err)
	}

	var fs Settings
	if err := yaml.Unmarshal(raw, &fs); err != nil {
		return Settings{}, false, fmt.Errorf("parse config %s: %w", path, err)
	}
	return fs, true, nil
}

func mergeFile(dst *Settings, src Settings) {
	setStr := func(d *string, v string) {
		if v != "" {
			*d = v
		}
	}
	setDur := func(d *time.Duration, v time.Duration) {
		if v != 0 {
			*d = v
		}
	}

	setStr(&dst.Env, src.Env)
	setStr(&dst.LogLevel, src.LogLevel)

	setStr(&dst.Source.Kind, src.Source.Kind)
	setStr(&dst.Source.DSN, src.Source.DSN)
	setStr(&dst.Source.Table, src.Source.Table)
	setStr(&dst.Target.Kind, src.Target.Kind)
	setStr(&dst.Target.DSN, src.Target.DSN)
	setStr(&dst.Target.Table, src.Target.Table)

	setStr(&dst.S3.Bucket, src.S3.Bucket)
	setStr(&dst.S3.Prefix, src.S3.Prefix)
	setStr(&dst.S3.Region, src.S3.Region)
	setStr(&dst.S3.Endpoint, src.S3.Endpoint)
	setStr(&dst.S3.AccessKeyID, src.S3.AccessKeyID)
	setStr(&dst.S3.SecretAccessKey, src.S3.SecretAccessKey)

	setStr(&dst.Matching.WorkflowName, src.Matching.WorkflowName)
	setStr(&dst.Matching.SchemaName, src.Matching.SchemaName)
	if src.Matching.Threshold != 0 {
		dst.Matching.Threshold = src.Matching.Threshold
	}

	setDur(&dst.PollInterval, src.PollInterval)
	setDur(&dst.PollTimeout, src.PollTimeout)
	if src.Retry.MaxAttempts != 0 {
		dst.Retry.MaxAttempts = src.Retry.MaxAttempts
	}
	setDur(&dst.Retry.BaseDelay, src.Retry.BaseDelay)
	setDur(&dst.Retry.MaxDelay, src.Retry.MaxDelay)

	setStr(&dst.MetricsBackend, src.MetricsBackend)
	setStr(&dst.MetricsTags, src.MetricsTags)
	if src.NotifyEnabled {
		dst.NotifyEnabled = true
	}
	setStr(&dst.ScheduleCron, src.ScheduleCron)
}

func applyEnv(s *Settings, warnings *[]string) {
	setStr := func(d *string, key string) {
		if v := os.Getenv(key); v != "" {
			*d = v
		}
	}
	setDur := func(d *time.Duration, key string) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		dur, err := time.ParseDuration(v)
		if err != nil {
			*warnings = append(*warnings, fmt.Sprintf("ignoring %s=%q: %v", key, v, err))
			return
		}
		*d = dur
	}

	setStr(&s.Env, "PIPELINE_ENV")
	setStr(&s.LogLevel, "PIPELINE_LOG_LEVEL")

	setStr(&s.Source.Kind, "SOURCE_WAREHOUSE_KIND")
	setStr(&s.Source.DSN, "SOURCE_WAREHOUSE_DSN")
	setStr(&s.Source.Table, "SOURCE_TABLE")
	setStr(&s.Target.Kind, "TARGET_WAREHOUSE_KIND")
	setStr(&s.Target.DSN, "TARGET_WAREHOUSE_DSN")
	setStr(&s.Target.Table, "TARGET_TABLE")

	setStr(&s.S3.Bucket, "S3_BUCKET")
	setStr(&s.S3.Prefix, "S3_PREFIX")
	setStr(&s.S3.Region, "AWS_REGION")
	setStr(&s.S3.Endpoint, "S3_ENDPOINT")
	setStr(&s.S3.AccessKeyID, "AWS_ACCESS_KEY_ID")
	setStr(&s.S3.SecretAccessKey, "AWS_SECRET_ACCESS_KEY")

	setStr(&s.Matching.WorkflowName, "ER_WORKFLOW_NAME")
	setStr(&s.Matching.SchemaName, "ER_SCHEMA_NAME")
	if v := os.Getenv("ER_MATCHING_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*warnings = append(*warnings, fmt.Sprintf("ignoring ER_MATCHING_THRESHOLD=%q: %v", v, err))
		} else {
			s.Matching.Threshold = f
		}
	}

	setDur(&s.PollInterval, "PIPELINE_POLL_INTERVAL")
	setDur(&s.PollTimeout, "PIPELINE_POLL_TIMEOUT")
	if v := os.Getenv("PIPELINE_RETRY_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			*warnings = append(*warnings, fmt.Sprintf("ignoring PIPELINE_RETRY_MAX_ATTEMPTS=%q: %v", v, err))
		} else {
			s.Retry.MaxAttempts = n
		}
	}

	setStr(&s.MetricsBackend, "METRICS_BACKEND")
	setStr(&s.MetricsTags, "METRICS_TAGS")
}

func applyOverrides(s *Settings, ov Overrides) {
	if ov.LogLevel != "" {
		s.LogLevel = ov.LogLevel
	}
	// The domain doubles as the source table name unless one is configured.
	if ov.Domain != "" && s.Source.Table == "" {
		s.Source.Table = ov.Domain
	}
	if ov.SourceTable != "" {
		s.Source.Table = ov.SourceTable
	}
	if ov.TargetTable != "" {
		s.Target.Table = ov.TargetTable
	}
	if ov.PollInterval != 0 {
		s.PollInterval = ov.PollInterval
	}
	if ov.PollTimeout != 0 {
		s.PollTimeout = ov.PollTimeout
	}
}

// applyCredentials copies secret-store values into the credential fields.
// The secret store never contributes anything except credentials, and never
// overrides a value set by a higher-precedence source (it is applied first).
func applyCredentials(s *Settings, c Credentials) {
	if c.SourceDSN != "" {
		s.Source.DSN = c.SourceDSN
	}
	if c.TargetDSN != "" {
		s.Target.DSN = c.TargetDSN
	}
	if c.AWSAccessKeyID != "" {
		s.S3.AccessKeyID = c.AWSAccessKeyID
	}
	if c.AWSSecretAccessKey != "" {
		s.S3.SecretAccessKey = c.AWSSecretAccessKey
	}
}
