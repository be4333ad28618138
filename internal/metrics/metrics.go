// Package metrics is a minimal metrics facade for the pipeline.
//
// Pipeline code records counters and histograms through package-level
// functions and never sees a concrete backend. The process wires a backend
// once at startup (SetBackend); the default backend discards everything, so
// library code can instrument unconditionally.
//
// Metric names used by the pipeline:
//
//	pipeline_stage_total             counter, labels: stage, status
//	pipeline_runs_total              counter, labels: status
//	pipeline_records_total           counter, labels: kind (extracted|matched|loaded)
//	pipeline_poll_total              counter, labels: status
//	pipeline_stage_duration_seconds  histogram, labels: stage, status
package metrics

import "sync"

// Labels is a flat label set attached to one observation.
type Labels map[string]string

// Backend receives observations. Implementations must be safe for
// concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Flusher is implemented by backends that buffer observations.
type Flusher interface {
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs the process-wide backend. Call once at startup,
// before any pipeline work begins.
func SetBackend(b Backend) {
	if b == nil {
		b = nopBackend{}
	}
	mu.Lock()
	backend = b
	mu.Unlock()
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// IncCounter adds delta to a counter.
func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

// ObserveHistogram records one sample of a distribution.
func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// Flush flushes the current backend if it buffers.
func Flush() error {
	if f, ok := current().(Flusher); ok {
		return f.Flush()
	}
	return nil
}
