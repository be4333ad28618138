// Package datadog implements a Datadog backend for the internal/metrics package.
//
// NOTE ABOUT FLUSHING:
// A pipeline run can spend an hour inside the match poll loop. Submitting only
// once at process exit would reduce the run to a single spike on a dashboard,
// so this backend:
//
//   - buffers observations in-memory (fast, lock-protected)
//   - periodically Flush()es on a ticker (default: once per minute)
//   - Flush()es one final time on Close()
//
// Concurrency model:
//   - pipeline goroutines call IncCounter/ObserveHistogram at any time
//   - Flush snapshots+resets buffers under a mutex, then submits out-of-lock
//   - the flush loop calls Flush() periodically; Close() stops the loop
//
// If the process is killed with SIGKILL/OOM, Close() won't run (no backend can
// fix that).
package datadog

import (
	"context"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"entitypipeline/internal/metrics"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// Options controls Datadog backend configuration.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric.
	// If empty, defaults to "entity-pipeline".
	JobName string

	// Tags are extra Datadog tags (e.g. []string{"env:prod", "domain:customers"}).
	Tags []string

	// FlushEvery controls how often buffered metrics are submitted.
	// If <= 0, defaults to 60 seconds.
	FlushEvery time.Duration

	// Unexported test seams. Production code never sets them; unit tests use
	// them to avoid real network submission and nondeterministic tickers.
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the minimal interface needed to submit metrics.
//
// The Datadog SDK exposes a concrete *datadogV2.MetricsApi, which cannot be
// stubbed without real HTTP. Backend depends on this interface instead, so
// tests can inject a fake.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	api metricsSubmitter
	ctx context.Context

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}

	baseTags []string

	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker

	mu sync.Mutex

	stageCounts  map[string]float64 // stage+status -> count
	runCounts    map[string]float64 // status -> count
	recordCounts map[string]float64 // kind -> count
	pollCounts   map[string]float64 // status -> count
	stageDur     map[string][]float64
}

func resolveEnvTag() string {
	if v := strings.TrimSpace(os.Getenv("PIPELINE_ENV")); v != "" {
		return "env:" + v
	}
	if v := strings.TrimSpace(os.Getenv("DD_ENV")); v != "" {
		return "env:" + v
	}
	return "env:unknown"
}

// NewBackend constructs a Datadog backend using the official client.
//
// When to use:
//   - Configure this backend for orchestrated runs and scheduled processes.
//   - Suitable for both hour-long runs (periodic flush) and short commands
//     (final flush on Close).
//
// Edge cases:
//   - If opts.FlushEvery <= 0, defaults to 60s.
//   - If opts.JobName is empty, defaults to "entity-pipeline".
//   - Environment tag selection uses PIPELINE_ENV then DD_ENV, otherwise
//     env:unknown.
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	job := opts.JobName
	if job == "" {
		job = "entity-pipeline"
	}

	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	baseTags := make([]string, 0, 2+len(opts.Tags))
	baseTags = append(baseTags, resolveEnvTag(), "job:"+job)
	baseTags = append(baseTags, opts.Tags...)

	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = time.NewTicker
	}

	submitter := opts.submitter
	if submitter == nil {
		client := dd.NewAPIClient(dd.NewConfiguration())
		submitter = datadogV2.NewMetricsApi(client)
	}

	b := &Backend{
		api:        submitter,
		ctx:        dd.NewDefaultContext(parent),
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),

		baseTags: baseTags,

		now:       nowFn,
		newTicker: newTicker,

		stageCounts:  make(map[string]float64),
		runCounts:    make(map[string]float64),
		recordCounts: make(map[string]float64),
		pollCounts:   make(map[string]float64),
		stageDur:     make(map[string][]float64),
	}

	go b.loop()
	return b, nil
}

func (b *Backend) loop() {
	defer close(b.doneCh)

	t := b.newTicker(b.flushEvery)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the background flush loop and performs one final Flush().
//
// Errors:
//   - Returns any error from the final Flush() submission.
//   - Close must be called at most once; a second call panics on the closed
//     stop channel, matching the usual "Close once" contract for
//     process-lifetime backends.
func (b *Backend) Close() error {
	close(b.stopCh)
	<-b.doneCh
	return b.Flush()
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case "pipeline_stage_total":
		b.stageCounts[stageStatusKey(labels["stage"], labels["status"])] += delta

	case "pipeline_runs_total":
		status := labels["status"]
		if status == "" {
			status = "unknown"
		}
		b.runCounts[status] += delta

	case "pipeline_records_total":
		kind := labels["kind"]
		if kind == "" {
			return
		}
		b.recordCounts[kind] += delta

	case "pipeline_poll_total":
		status := labels["status"]
		if status == "" {
			status = "unknown"
		}
		b.pollCounts[status] += delta

	default:
		// Unknown metrics are ignored.
	}
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case "pipeline_stage_duration_seconds":
		k := stageStatusKey(labels["stage"], labels["status"])
		b.stageDur[k] = append(b.stageDur[k], value)

	default:
		// Unknown histograms are ignored.
	}
}

// snapshot is the buffered metric state used to build one flush payload.
// Flush() must reset buffers under the lock but submit out-of-lock; the
// snapshot separates collect+reset from payload building.
type snapshot struct {
	stageCounts  map[string]float64
	runCounts    map[string]float64
	recordCounts map[string]float64
	pollCounts   map[string]float64
	stageDur     map[string][]float64
}

func (b *Backend) snapshotAndReset() snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := snapshot{
		stageCounts:  b.stageCounts,
		runCounts:    b.runCounts,
		recordCounts: b.recordCounts,
		pollCounts:   b.pollCounts,
		stageDur:     b.stageDur,
	}

	b.stageCounts = make(map[string]float64)
	b.runCounts = make(map[string]float64)
	b.recordCounts = make(map[string]float64)
	b.pollCounts = make(map[string]float64)
	b.stageDur = make(map[string][]float64)

	return s
}

func (s snapshot) isEmpty() bool {
	return len(s.stageCounts) == 0 &&
		len(s.runCounts) == 0 &&
		len(s.recordCounts) == 0 &&
		len(s.pollCounts) == 0 &&
		len(s.stageDur) == 0
}

// Flush submits buffered metrics to Datadog and resets local buffers.
//
// Errors:
//   - Returns any error from Datadog submission.
//   - Returns nil if there is nothing to submit.
//
// Edge cases:
//   - Flush is safe to call concurrently with IncCounter/ObserveHistogram.
//   - Buffers are reset even if submission fails, so a Datadog outage cannot
//     grow memory without bound or block the pipeline.
func (b *Backend) Flush() error {
	snap := b.snapshotAndReset()
	if snap.isEmpty() {
		return nil
	}

	series := b.buildSeries(snap, b.now().Unix())
	payload := datadogV2.MetricPayload{Series: series}

	_, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	return err
}

// buildSeries constructs Datadog series for a snapshot at a fixed timestamp.
// It is pure (no locks, no network, no clocks), which keeps the naming and
// tagging contract unit-testable.
func (b *Backend) buildSeries(s snapshot, nowUnix int64) []datadogV2.MetricSeries {
	series := make([]datadogV2.MetricSeries, 0, len(s.stageCounts)+len(s.recordCounts)+16)

	for k, v := range s.stageCounts {
		if v == 0 {
			continue
		}
		stage, status := splitStageStatusKey(k)
		tags := withTags(b.baseTags, "stage:"+stage, "status:"+status)
		series = append(series, countSeries("entity_pipeline.stage.total", v, tags, nowUnix))
	}

	for status, v := range s.runCounts {
		if v == 0 {
			continue
		}
		tags := withTags(b.baseTags, "status:"+status)
		series = append(series, countSeries("entity_pipeline.runs.total", v, tags, nowUnix))
	}

	for kind, v := range s.recordCounts {
		if v == 0 {
			continue
		}
		tags := withTags(b.baseTags, "kind:"+kind)
		series = append(series, countSeries("entity_pipeline.records.total", v, tags, nowUnix))
	}

	for status, v := range s.pollCounts {
		if v == 0 {
			continue
		}
		tags := withTags(b.baseTags, "status:"+status)
		series = append(series, countSeries("entity_pipeline.poll.total", v, tags, nowUnix))
	}

	for k, samples := range s.stageDur {
		addPercentiles(&series, b.baseTags, "entity_pipeline.stage.duration_seconds", k, samples, nowUnix)
	}

	return series
}

// addPercentiles appends a fixed set of percentile gauges for a sample set.
//
// Edge cases:
//   - If samples is empty, it does nothing.
//   - It sorts a copy of samples (does not mutate input).
func addPercentiles(series *[]datadogV2.MetricSeries, baseTags []string, metricPrefix, key string, samples []float64, nowUnix int64) {
	if len(samples) == 0 {
		return
	}
	cp := append([]float64(nil), samples...)
	sort.Float64s(cp)

	stage, status := splitStageStatusKey(key)
	tags := withTags(baseTags, "stage:"+stage, "status:"+status)

	*series = append(*series, gaugeSeries(metricPrefix+".p50", percentileNearestRank(cp, 0.50), tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".p90", percentileNearestRank(cp, 0.90), tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".p95", percentileNearestRank(cp, 0.95), tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".p99", percentileNearestRank(cp, 0.99), tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".max", cp[len(cp)-1], tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".samples", float64(len(cp)), tags, nowUnix))
}

func countSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_COUNT.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func gaugeSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_GAUGE.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func stageStatusKey(stage, status string) string {
	return stage + "\x00" + status
}

func splitStageStatusKey(k string) (stage, status string) {
	parts := strings.SplitN(k, "\x00", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return k, "unknown"
}

func withTags(base []string, extras ...string) []string {
	out := make([]string, 0, len(base)+len(extras))
	out = append(out, base...)
	out = append(out, extras...)
	return out
}

func percentileNearestRank(s []float64, p float64) float64 {
	n := len(s)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return s[0]
	}
	if p >= 1 {
		return s[n-1]
	}
	idx := int(p*float64(n-1) + 0.5)
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return s[idx]
}

var _ metrics.Backend = (*Backend)(nil)

// ParseTagsCSV parses comma-separated tags like "env:prod,service:pipeline".
func ParseTagsCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
