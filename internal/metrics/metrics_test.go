package metrics

import "testing"

type recordingBackend struct {
	counters   map[string]float64
	histograms map[string][]float64
	flushed    int
}

func newRecordingBackend() *recordingBackend {
	return &recordingBackend{
		counters:   make(map[string]float64),
		histograms: make(map[string][]float64),
	}
}

func (r *recordingBackend) IncCounter(name string, delta float64, _ Labels) {
	r.counters[name] += delta
}

func (r *recordingBackend) ObserveHistogram(name string, value float64, _ Labels) {
	r.histograms[name] = append(r.histograms[name], value)
}

func (r *recordingBackend) Flush() error {
	r.flushed++
	return nil
}

func TestSetBackendRoutesObservations(t *testing.T) {
	rec := newRecordingBackend()
	SetBackend(rec)
	t.Cleanup(func() { SetBackend(nil) })

	IncCounter("pipeline_runs_total", 1, Labels{"status": "succeeded"})
	IncCounter("pipeline_runs_total", 2, Labels{"status": "failed"})
	ObserveHistogram("pipeline_stage_duration_seconds", 1.5, Labels{"stage": "load"})

	if rec.counters["pipeline_runs_total"] != 3 {
		t.Fatalf("counter=%v, want 3", rec.counters["pipeline_runs_total"])
	}
	if len(rec.histograms["pipeline_stage_duration_seconds"]) != 1 {
		t.Fatalf("histogram samples=%d, want 1", len(rec.histograms["pipeline_stage_duration_seconds"]))
	}

	if err := Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if rec.flushed != 1 {
		t.Fatalf("flushed=%d, want 1", rec.flushed)
	}
}

func TestNilBackendIsNop(t *testing.T) {
	SetBackend(nil)

	// Must not panic and Flush must be a no-op.
	IncCounter("pipeline_runs_total", 1, nil)
	ObserveHistogram("pipeline_stage_duration_seconds", 0.1, nil)
	if err := Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}
