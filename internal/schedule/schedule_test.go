package schedule

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewRejectsBadExpression(t *testing.T) {
	_, err := New("not-cron", func(context.Context, string) error { return nil }, discard())
	if err == nil {
		t.Fatal("expected error for invalid expression")
	}
}

func TestNewAcceptsStandardExpressions(t *testing.T) {
	for _, spec := range []string{"0 2 * * *", "*/5 * * * *", "@hourly"} {
		if _, err := New(spec, func(context.Context, string) error { return nil }, discard()); err != nil {
			t.Fatalf("New(%q): %v", spec, err)
		}
	}
}

func TestStartRunsTicksWithCurrentDate(t *testing.T) {
	var (
		ticks atomic.Int32
		date  atomic.Value
	)
	s, err := New("* * * * *", func(_ context.Context, processDate string) error {
		ticks.Add(1)
		date.Store(processDate)
		return errors.New("tick failed") // must not stop the schedule
	}, discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.now = func() time.Time { return time.Date(2024, 1, 2, 3, 0, 0, 0, time.UTC) }

	// Standard cron ticks at most once per minute; drive the entry function
	// directly instead of waiting a minute of wall-clock time.
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	// Let the scheduler install its entry, then stop it.
	time.Sleep(10 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start: %v", err)
	}

	processDate := s.now().Format("2006-01-02")
	if err := s.run(context.Background(), processDate); err == nil {
		t.Fatal("runner should surface its error to the entry")
	}
	if got := date.Load(); got != "2024-01-02" {
		t.Fatalf("process date=%v, want 2024-01-02", got)
	}
	if ticks.Load() < 1 {
		t.Fatalf("ticks=%d, want at least 1", ticks.Load())
	}
}
