package loader

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"testing"
	"time"

	"entitypipeline/internal/pipeline"
	"entitypipeline/internal/warehouse"
)

type fakeBlobs struct {
	objects map[string][]byte
	getErr  error
}

func (f *fakeBlobs) Get(_ context.Context, key string) ([]byte, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	data, ok := f.objects[key]
	if !ok {
		return nil, errors.New("not found: " + key)
	}
	return data, nil
}

func (f *fakeBlobs) List(_ context.Context, prefix string, fn func(key string) error) error {
	keys := make([]string, 0)
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn(k); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeBlobs) FindLatest(ctx context.Context, prefix string) (string, bool, error) {
	var latest string
	err := f.List(ctx, prefix, func(k string) error {
		latest = k
		return nil
	})
	return latest, latest != "", err
}

func (f *fakeBlobs) Bucket() string { return "bucket" }

type fakeRepo struct {
	table   string
	columns []string
	rows    [][]any
	mode    warehouse.LoadMode
	loaded  int64
	err     error
	specs   []warehouse.TableSpec
}

func (f *fakeRepo) BulkLoad(_ context.Context, table string, columns []string, rows [][]any, mode warehouse.LoadMode) (int64, error) {
	f.table, f.columns, f.rows, f.mode = table, columns, rows, mode
	if f.err != nil {
		return f.loaded, f.err
	}
	return int64(len(rows)), nil
}

func (f *fakeRepo) EnsureTable(_ context.Context, spec warehouse.TableSpec) error {
	f.specs = append(f.specs, spec)
	return nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func matchedContext(output string) *pipeline.RunContext {
	rc := pipeline.NewRunContext("customers", "2024-01-01", time.Now())
	rc.OutputLocation = output
	return rc
}

func TestLoadNormalizesAndBulkLoads(t *testing.T) {
	blobs := &fakeBlobs{objects: map[string][]byte{
		"er/output/run/part-0.json": []byte(
			`{"MatchID":"m-1","MatchScore":0.91,"record_id":"r-1"}` + "\n" +
				`{"MatchID":"m-1","MatchScore":0.87,"record_id":"r-2"}` + "\n"),
	}}
	repo := &fakeRepo{}
	l := New(blobs, repo, "golden", warehouse.LoadAppend, "er/", discard())

	rc := matchedContext("s3://bucket/er/output/run/")
	if err := l.Load(context.Background(), rc); err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := []string{"match_id", "match_score", "record_id"}
	if strings.Join(repo.columns, ",") != strings.Join(want, ",") {
		t.Fatalf("columns=%v, want %v", repo.columns, want)
	}
	if len(repo.rows) != 2 {
		t.Fatalf("rows=%d, want 2", len(repo.rows))
	}
	if repo.rows[0][0] != "m-1" {
		t.Fatalf("match_id=%v", repo.rows[0][0])
	}
	if repo.rows[0][1] != 0.91 {
		t.Fatalf("match_score=%v (%T)", repo.rows[0][1], repo.rows[0][1])
	}
	if repo.table != "golden" || repo.mode != warehouse.LoadAppend {
		t.Fatalf("table=%q mode=%q", repo.table, repo.mode)
	}
	if rc.RecordCountMatched != 2 {
		t.Fatalf("RecordCountMatched=%d, want 2", rc.RecordCountMatched)
	}
}

func TestLoadReadsAllOutputParts(t *testing.T) {
	blobs := &fakeBlobs{objects: map[string][]byte{
		"er/output/run/part-0.json": []byte(`{"MatchID":"m-1"}` + "\n"),
		"er/output/run/part-1.json": []byte(`{"MatchID":"m-2"}` + "\n"),
	}}
	repo := &fakeRepo{}
	l := New(blobs, repo, "golden", warehouse.LoadAppend, "er/", discard())

	if err := l.Load(context.Background(), matchedContext("s3://bucket/er/output/run/")); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(repo.rows) != 2 {
		t.Fatalf("rows=%d, want 2", len(repo.rows))
	}
}

func TestLoadAcceptsJSONArrayOutput(t *testing.T) {
	blobs := &fakeBlobs{objects: map[string][]byte{
		"er/output/run/result.json": []byte(`[{"MatchID":"m-1","n":3}]`),
	}}
	repo := &fakeRepo{}
	l := New(blobs, repo, "golden", warehouse.LoadAppend, "er/", discard())

	if err := l.Load(context.Background(), matchedContext("s3://bucket/er/output/run/result.json")); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(repo.rows) != 1 {
		t.Fatalf("rows=%d, want 1", len(repo.rows))
	}
	// JSON integers arrive as int64, not float64.
	nIdx := indexOf(repo.columns, "n")
	if repo.rows[0][nIdx] != int64(3) {
		t.Fatalf("n=%v (%T)", repo.rows[0][nIdx], repo.rows[0][nIdx])
	}
}

func TestLoadFallsBackToLatestOutput(t *testing.T) {
	rc := pipeline.NewRunContext("customers", "2024-01-01", time.Now())
	prefix := "er/output/customers/2024-01-01/" + rc.RunID + "/"
	blobs := &fakeBlobs{objects: map[string][]byte{
		prefix + "20240101_010000/out.json": []byte(`{"MatchID":"old"}`),
		prefix + "20240101_020000/out.json": []byte(`{"MatchID":"new"}`),
	}}
	repo := &fakeRepo{}
	l := New(blobs, repo, "golden", warehouse.LoadAppend, "er/", discard())

	if err := l.Load(context.Background(), rc); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(repo.rows) != 1 || repo.rows[0][0] != "new" {
		t.Fatalf("expected only latest output loaded, got %v", repo.rows)
	}
}

func TestLoadRejectsForeignBucket(t *testing.T) {
	l := New(&fakeBlobs{}, &fakeRepo{}, "golden", warehouse.LoadAppend, "er/", discard())
	err := l.Load(context.Background(), matchedContext("s3://other-bucket/out/"))
	if err == nil || !strings.Contains(err.Error(), "does not match configured bucket") {
		t.Fatalf("expected bucket mismatch error, got %v", err)
	}
}

func TestLoadPropagatesPartialLoadError(t *testing.T) {
	blobs := &fakeBlobs{objects: map[string][]byte{
		"er/output/run/out.json": []byte(`{"MatchID":"m-1"}` + "\n" + `{"MatchID":"m-2"}` + "\n"),
	}}
	partial := &warehouse.LoadError{Table: "golden", Loaded: 1, Err: errors.New("disk full")}
	repo := &fakeRepo{err: partial, loaded: 1}
	l := New(blobs, repo, "golden", warehouse.LoadAppend, "er/", discard())

	err := l.Load(context.Background(), matchedContext("s3://bucket/er/output/run/"))
	var lerr *warehouse.LoadError
	if !errors.As(err, &lerr) {
		t.Fatalf("expected *LoadError, got %v", err)
	}
	if lerr.Loaded != 1 {
		t.Fatalf("Loaded=%d, want 1", lerr.Loaded)
	}
}

func TestSetupEnsuresTargetTable(t *testing.T) {
	repo := &fakeRepo{}
	l := New(&fakeBlobs{}, repo, "golden", warehouse.LoadTruncate, "er/", discard())

	if err := l.Setup(context.Background()); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if len(repo.specs) != 1 || repo.specs[0].Name != "golden" {
		t.Fatalf("specs=%v", repo.specs)
	}
	if indexOf(columnNames(repo.specs[0]), "match_id") < 0 {
		t.Fatalf("match_id column missing: %v", repo.specs[0].Columns)
	}
}

func TestNormalizeKeyAliases(t *testing.T) {
	cases := map[string]string{
		"MatchID":      "match_id",
		"matchid":      "match_id",
		"MATCHSCORE":   "match_score",
		"RecordId":     "record_id",
		"Other Column": "other_column",
		"first-name":   "first_name",
	}
	for in, want := range cases {
		if got := normalizeKey(in); got != want {
			t.Fatalf("normalizeKey(%q)=%q, want %q", in, got, want)
		}
	}
}

func TestParseRecordsEmptyInput(t *testing.T) {
	records, err := ParseRecords([]byte("  \n "))
	if err != nil {
		t.Fatalf("ParseRecords: %v", err)
	}
	if records != nil {
		t.Fatalf("expected nil records, got %v", records)
	}
}

func indexOf(xs []string, v string) int {
	for i, x := range xs {
		if x == v {
			return i
		}
	}
	return -1
}

func columnNames(spec warehouse.TableSpec) []string {
	out := make([]string, 0, len(spec.Columns))
	for _, c := range spec.Columns {
		out = append(out, c.Name)
	}
	return out
}
