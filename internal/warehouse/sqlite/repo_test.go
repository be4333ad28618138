package sqlite

import (
	"context"
	"errors"
	"testing"

	"entitypipeline/internal/warehouse"
)

func newTestRepo(t *testing.T) warehouse.Repository {
	t.Helper()
	repo, err := New(context.Background(), warehouse.Config{Kind: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(repo.Close)
	return repo
}

func entitySpec() warehouse.TableSpec {
	return warehouse.TableSpec{
		Name: "golden_entity_records",
		Columns: []warehouse.ColumnSpec{
			{Name: "name", Type: "text", Nullable: true},
			{Name: "email", Type: "text", Nullable: true},
			{Name: "match_id", Type: "text", Nullable: true},
			{Name: "match_score", Type: "real", Nullable: true},
		},
	}
}

func TestEnsureTableIsIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if err := repo.EnsureTable(ctx, entitySpec()); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
	if err := repo.EnsureTable(ctx, entitySpec()); err != nil {
		t.Fatalf("EnsureTable second call: %v", err)
	}
}

func TestBulkLoadAndQueryRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if err := repo.EnsureTable(ctx, entitySpec()); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}

	cols := []string{"name", "email", "match_id", "match_score"}
	rows := [][]any{
		{"Ada", "ada@example.com", "m-1", 0.97},
		{"Grace", "grace@example.com", "m-1", 0.95},
		{"Alan", "alan@example.com", "m-2", 0.99},
	}

	n, err := repo.BulkLoad(ctx, "golden_entity_records", cols, rows, warehouse.LoadAppend)
	if err != nil {
		t.Fatalf("BulkLoad: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 rows loaded, got %d", n)
	}

	got, err := repo.Query(ctx, "SELECT name, match_id FROM golden_entity_records WHERE match_id = ? ORDER BY name", "m-1")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(got))
	}
	if got[0]["name"] != "Ada" {
		t.Fatalf("unexpected first row: %#v", got[0])
	}
}

func TestBulkLoadTruncateReplacesContents(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if err := repo.EnsureTable(ctx, entitySpec()); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}

	cols := []string{"name", "email", "match_id", "match_score"}
	if _, err := repo.BulkLoad(ctx, "golden_entity_records", cols,
		[][]any{{"Old", "old@example.com", "m-0", 0.5}}, warehouse.LoadAppend); err != nil {
		t.Fatalf("seed load: %v", err)
	}

	n, err := repo.BulkLoad(ctx, "golden_entity_records", cols,
		[][]any{{"New", "new@example.com", "m-9", 0.9}}, warehouse.LoadTruncate)
	if err != nil {
		t.Fatalf("truncate load: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row loaded, got %d", n)
	}

	got, err := repo.Query(ctx, "SELECT name FROM golden_entity_records")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || got[0]["name"] != "New" {
		t.Fatalf("expected only the new row, got %#v", got)
	}
}

func TestBulkLoadPartialFailureReportsCommittedCount(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	// NOT NULL name makes the second chunk fail.
	spec := warehouse.TableSpec{
		Name: "strict",
		Columns: []warehouse.ColumnSpec{
			{Name: "name", Type: "text"},
		},
	}
	if err := repo.EnsureTable(ctx, spec); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}

	// One column: 999 rows per chunk. 1000 good rows then a nil in the
	// second chunk: chunk 1 commits, chunk 2 fails.
	rows := make([][]any, 0, 1001)
	for i := 0; i < 1000; i++ {
		rows = append(rows, []any{"ok"})
	}
	rows = append(rows, []any{nil})

	n, err := repo.BulkLoad(ctx, "strict", []string{"name"}, rows, warehouse.LoadAppend)
	if err == nil {
		t.Fatal("expected load error")
	}

	var lerr *warehouse.LoadError
	if !errors.As(err, &lerr) {
		t.Fatalf("expected LoadError, got %v", err)
	}
	if lerr.Loaded != 999 || n != 999 {
		t.Fatalf("expected 999 committed rows, got err=%d ret=%d", lerr.Loaded, n)
	}

	got, err := repo.Query(ctx, "SELECT COUNT(*) AS c FROM strict")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if got[0]["c"] != int64(999) {
		t.Fatalf("expected 999 durable rows, got %#v", got[0])
	}
}

func TestBuildInsertSQLPlaceholders(t *testing.T) {
	sql, args := buildInsertSQL("t", []string{"a", "b"}, [][]any{{1, 2}, {3, 4}})
	want := `INSERT INTO "t" ("a", "b") VALUES (?, ?), (?, ?)`
	if sql != want {
		t.Fatalf("got:\n%s\nwant:\n%s", sql, want)
	}
	if len(args) != 4 || args[2] != 3 {
		t.Fatalf("unexpected args: %#v", args)
	}
}

func TestRowsPerChunkRespectsParamLimit(t *testing.T) {
	if got := rowsPerChunk(1); got != 999 {
		t.Fatalf("cols=1: got %d", got)
	}
	if got := rowsPerChunk(10); got != 99 {
		t.Fatalf("cols=10: got %d", got)
	}
	if got := rowsPerChunk(2000); got != 1 {
		t.Fatalf("cols=2000: got %d", got)
	}
}
