package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"entitypipeline/internal/config"
	"entitypipeline/internal/extractor"
	"entitypipeline/internal/loader"
	"entitypipeline/internal/matching"
	"entitypipeline/internal/metrics"
	"entitypipeline/internal/metrics/datadog"
	"entitypipeline/internal/notify"
	"entitypipeline/internal/objectstore"
	"entitypipeline/internal/pipeline"
	"entitypipeline/internal/warehouse"

	// Register warehouse backends.
	_ "entitypipeline/internal/warehouse/all"
)

// app holds everything a command needs after settings are resolved. Build
// one per invocation with newApp and always defer Close.
type app struct {
	cfg      config.Settings
	log      *slog.Logger
	store    *objectstore.Store
	contexts *pipeline.ContextStore
	notifier notify.Notifier

	closers []func()
}

// newApp resolves settings, validates them for the command's need, and
// wires the logger, metrics backend, object store, and context store.
func newApp(ctx context.Context, ro *rootOptions, ov config.Overrides, need config.Need) (*app, error) {
	ov.ConfigPath = ro.configPath
	ov.SecretsName = ro.secretsName
	if ro.verbosity > 0 {
		ov.LogLevel = "debug"
	}

	secrets := config.NewSecretsManagerSource(
		os.Getenv("AWS_REGION"),
		os.Getenv("AWS_ACCESS_KEY_ID"),
		os.Getenv("AWS_SECRET_ACCESS_KEY"))

	cfg, warnings, err := config.Load(ctx, ov, secrets)
	if err != nil {
		return nil, err
	}

	issues, err := config.Validate(cfg, need)

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	for _, w := range warnings {
		log.Warn(w)
	}
	for _, iss := range issues {
		if iss.Severity == config.SeverityWarning {
			log.Warn("settings warning", "path", iss.Path, "message", iss.Message)
		}
	}
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		log:      log,
		notifier: &notify.LogNotifier{Log: log},
	}

	if cfg.MetricsBackend == "datadog" {
		backend, err := datadog.NewBackend(ctx, datadog.Options{
			Tags: datadog.ParseTagsCSV(cfg.MetricsTags),
		})
		if err != nil {
			return nil, fmt.Errorf("datadog metrics: %w", err)
		}
		metrics.SetBackend(backend)
		a.closers = append(a.closers, func() {
			if err := backend.Close(); err != nil {
				log.Warn("metrics flush on close", "error", err)
			}
		})
		if cfg.NotifyEnabled {
			a.notifier = notify.NewDatadogNotifier(ctx, datadog.ParseTagsCSV(cfg.MetricsTags))
		}
	}
	if !cfg.NotifyEnabled {
		a.notifier = notify.Nop{}
	}

	if need.ObjectStore {
		a.store = objectstore.New(cfg.S3, log)
		a.contexts = pipeline.NewContextStore(a.store, cfg.S3.Prefix)
	}
	return a, nil
}

// Close releases resources in reverse acquisition order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) sourceRepo(ctx context.Context) (warehouse.Repository, error) {
	repo, err := warehouse.New(ctx, warehouse.Config{Kind: a.cfg.Source.Kind, DSN: a.cfg.Source.DSN})
	if err != nil {
		return nil, fmt.Errorf("open source warehouse: %w", err)
	}
	a.closers = append(a.closers, repo.Close)
	return repo, nil
}

func (a *app) targetRepo(ctx context.Context) (warehouse.Repository, error) {
	repo, err := warehouse.New(ctx, warehouse.Config{Kind: a.cfg.Target.Kind, DSN: a.cfg.Target.DSN})
	if err != nil {
		return nil, fmt.Errorf("open target warehouse: %w", err)
	}
	a.closers = append(a.closers, repo.Close)
	return repo, nil
}

// inputProber verifies a staged input object exists before a matching job
// is submitted, so a bad location fails at submission instead of surfacing
// minutes later through polling.
func (a *app) inputProber() matching.InputProber {
	return func(ctx context.Context, location string) error {
		key, err := a.store.KeyFromURI(location)
		if err != nil {
			return err
		}
		_, ok, err := a.store.FindLatest(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("input %s does not exist", location)
		}
		return nil
	}
}

func (a *app) newExtractor(ctx context.Context) (pipeline.Extractor, error) {
	repo, err := a.sourceRepo(ctx)
	if err != nil {
		return nil, err
	}
	return extractor.New(repo, a.store, a.cfg.Source.Table, a.cfg.Source.Kind, a.cfg.S3.Prefix, a.log), nil
}

func (a *app) newLoader(ctx context.Context, truncate bool) (*loader.Loader, error) {
	repo, err := a.targetRepo(ctx)
	if err != nil {
		return nil, err
	}
	mode := warehouse.LoadAppend
	if truncate {
		mode = warehouse.LoadTruncate
	}
	return loader.New(a.store, repo, a.cfg.Target.Table, mode, a.cfg.S3.Prefix, a.log), nil
}

func (a *app) newMatchClient() *matching.Client {
	return matching.New(a.cfg, a.inputProber(), a.log)
}

// orchestrator builds the state machine with exactly the stages the command
// will drive; unused stage slots stay nil.
func (a *app) orchestrator(ex pipeline.Extractor, mc pipeline.MatchClient, ld pipeline.Loader) *pipeline.Orchestrator {
	return pipeline.New(a.cfg, a.contexts, ex, mc, ld, a.notifier, a.log)
}

// fullOrchestrator wires all three stages for run, resume, and schedule.
func (a *app) fullOrchestrator(ctx context.Context, truncate bool) (*pipeline.Orchestrator, error) {
	ex, err := a.newExtractor(ctx)
	if err != nil {
		return nil, err
	}
	ld, err := a.newLoader(ctx, truncate)
	if err != nil {
		return nil, err
	}
	return a.orchestrator(ex, a.newMatchClient(), ld), nil
}
