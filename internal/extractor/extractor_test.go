package extractor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"entitypipeline/internal/pipeline"
	"entitypipeline/internal/warehouse"
)

type fakeQuerier struct {
	rows    []warehouse.Row
	err     error
	lastSQL string
	args    []any
}

func (f *fakeQuerier) Query(_ context.Context, sql string, args ...any) ([]warehouse.Row, error) {
	f.lastSQL = sql
	f.args = args
	return f.rows, f.err
}

type fakeWriter struct {
	puts map[string][]byte
	err  error
}

func (f *fakeWriter) Put(_ context.Context, key string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	if f.puts == nil {
		f.puts = make(map[string][]byte)
	}
	f.puts[key] = data
	return nil
}

func (f *fakeWriter) URI(key string) string { return "s3://bucket/" + key }

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestExtractWritesNDJSONAndUpdatesContext(t *testing.T) {
	q := &fakeQuerier{rows: []warehouse.Row{
		{"id": "1", "name": "alice"},
		{"id": "2", "name": "bob"},
	}}
	w := &fakeWriter{}
	e := New(q, w, "customers_src", "postgres", "er/", discard())

	rc := pipeline.NewRunContext("customers", "2024-01-01", time.Now())
	if err := e.Extract(context.Background(), rc); err != nil {
		t.Fatalf("Extract: %v", err)
	}

	wantKey := "er/input/customers/2024-01-01/" + rc.RunID + "/entity_data.json"
	data, ok := w.puts[wantKey]
	if !ok {
		t.Fatalf("expected object at %s, got %v", wantKey, keysOf(w.puts))
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 NDJSON lines, got %d: %q", len(lines), data)
	}
	if !strings.Contains(lines[0], `"name":"alice"`) {
		t.Fatalf("unexpected first line: %s", lines[0])
	}

	if rc.SourceLocation != "s3://bucket/"+wantKey {
		t.Fatalf("SourceLocation=%q", rc.SourceLocation)
	}
	if rc.RecordCountIn != 2 {
		t.Fatalf("RecordCountIn=%d, want 2", rc.RecordCountIn)
	}
}

func TestExtractScopesByProcessDate(t *testing.T) {
	q := &fakeQuerier{}
	e := New(q, &fakeWriter{}, "src", "postgres", "er/", discard())

	rc := pipeline.NewRunContext("customers", "2024-01-01", time.Now())
	if err := e.Extract(context.Background(), rc); err != nil {
		t.Fatalf("Extract: %v", err)
	}

	if q.lastSQL != "SELECT * FROM src WHERE process_date = $1" {
		t.Fatalf("unexpected sql: %q", q.lastSQL)
	}
	if len(q.args) != 1 || q.args[0] != "2024-01-01" {
		t.Fatalf("unexpected args: %v", q.args)
	}
}

func TestExtractEmptyResultStillWrites(t *testing.T) {
	w := &fakeWriter{}
	e := New(&fakeQuerier{}, w, "src", "sqlite", "er/", discard())

	rc := pipeline.NewRunContext("customers", "2024-01-01", time.Now())
	if err := e.Extract(context.Background(), rc); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(w.puts) != 1 {
		t.Fatalf("expected one object written, got %d", len(w.puts))
	}
	if rc.RecordCountIn != 0 {
		t.Fatalf("RecordCountIn=%d, want 0", rc.RecordCountIn)
	}
}

func TestExtractPropagatesWriteError(t *testing.T) {
	base := errors.New("denied")
	e := New(&fakeQuerier{rows: []warehouse.Row{{"id": "1"}}}, &fakeWriter{err: base}, "src", "sqlite", "er/", discard())

	rc := pipeline.NewRunContext("customers", "2024-01-01", time.Now())
	err := e.Extract(context.Background(), rc)
	if !errors.Is(err, base) {
		t.Fatalf("expected write error, got %v", err)
	}
	if rc.SourceLocation != "" {
		t.Fatalf("SourceLocation should stay empty on failure, got %q", rc.SourceLocation)
	}
}

func TestBuildExtractSQLPlaceholders(t *testing.T) {
	cases := []struct {
		kind string
		want string
	}{
		{"postgres", "SELECT * FROM t WHERE process_date = $1"},
		{"mssql", "SELECT * FROM t WHERE process_date = @p1"},
		{"sqlite", "SELECT * FROM t WHERE process_date = ?"},
	}
	for _, c := range cases {
		sql, args := buildExtractSQL("t", c.kind, "2024-01-01")
		if sql != c.want {
			t.Fatalf("kind %s: sql=%q, want %q", c.kind, sql, c.want)
		}
		if len(args) != 1 {
			t.Fatalf("kind %s: args=%v", c.kind, args)
		}
	}

	sql, args := buildExtractSQL("t", "postgres", "")
	if sql != "SELECT * FROM t" || args != nil {
		t.Fatalf("no-date query: %q %v", sql, args)
	}
}

func keysOf(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
