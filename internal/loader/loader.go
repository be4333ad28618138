// Package loader implements the load stage: read matched output from the
// object store, normalize it into target-table rows, and bulk-load them
// into the target warehouse.
package loader

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"entitypipeline/internal/pipeline"
	"entitypipeline/internal/warehouse"
)

// blobReader is the slice of the object store the loader needs.
type blobReader interface {
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string, fn func(key string) error) error
	FindLatest(ctx context.Context, prefix string) (string, bool, error)
	Bucket() string
}

// bulkLoader is the slice of the warehouse repository the loader needs.
type bulkLoader interface {
	BulkLoad(ctx context.Context, table string, columns []string, rows [][]any, mode warehouse.LoadMode) (int64, error)
	EnsureTable(ctx context.Context, spec warehouse.TableSpec) error
}

// Loader writes golden records into one target table.
type Loader struct {
	store  blobReader
	repo   bulkLoader
	table  string
	mode   warehouse.LoadMode
	prefix string
	log    *slog.Logger
}

// New builds a loader for one target table.
func New(store blobReader, repo bulkLoader, table string, mode warehouse.LoadMode, prefix string, log *slog.Logger) *Loader {
	if mode == "" {
		mode = warehouse.LoadAppend
	}
	return &Loader{store: store, repo: repo, table: table, mode: mode, prefix: prefix, log: log}
}

// Load implements pipeline.Loader.
//
// Edge cases:
//   - When the run context carries no OutputLocation (a standalone load of
//     previously matched data), the most recent object under the run's
//     output prefix is used.
//   - Zero matched records is a successful no-op load.
//   - A partial bulk-load failure propagates the repository's *LoadError,
//     whose Loaded count tells the operator how many rows were committed.
func (l *Loader) Load(ctx context.Context, rc *pipeline.RunContext) error {
	keys, err := l.resolveKeys(ctx, rc)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		l.log.Info("no matched output to load", "run_id", rc.RunID)
		return nil
	}

	var records []warehouse.Row
	for _, key := range keys {
		data, err := l.store.Get(ctx, key)
		if err != nil {
			return err
		}
		parsed, err := ParseRecords(data)
		if err != nil {
			return fmt.Errorf("parse matched output %s: %w", key, err)
		}
		for _, r := range parsed {
			records = append(records, NormalizeRecord(r))
		}
	}
	if len(records) == 0 {
		l.log.Info("matched output is empty", "run_id", rc.RunID)
		return nil
	}

	columns := Columns(records)
	loaded, err := l.repo.BulkLoad(ctx, l.table, columns, toValues(records, columns), l.mode)
	if err != nil {
		return err
	}

	if rc.RecordCountMatched == 0 {
		rc.RecordCountMatched = int(loaded)
	}
	l.log.Info("load committed rows",
		"run_id", rc.RunID, "table", l.table, "rows", loaded, "objects", len(keys))
	return nil
}

// resolveKeys turns the run's output location into the object keys to read.
func (l *Loader) resolveKeys(ctx context.Context, rc *pipeline.RunContext) ([]string, error) {
	loc := rc.OutputLocation
	if loc == "" {
		outPrefix := pipeline.OutputPrefix(l.prefix, rc.Domain, rc.ProcessDate, rc.RunID)
		key, ok, err := l.store.FindLatest(ctx, outPrefix)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("no matched output found under %s", outPrefix)
		}
		return []string{key}, nil
	}

	key, err := keyFromLocation(loc, l.store.Bucket())
	if err != nil {
		return nil, err
	}

	// The service reports a prefix when it writes multiple output parts.
	var keys []string
	err = l.store.List(ctx, key, func(k string) error {
		keys = append(keys, k)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		// A single exact object that List may not surface as a prefix.
		keys = []string{key}
	}
	return keys, nil
}

// keyFromLocation strips an s3://bucket/ URI down to the object key. Raw
// keys pass through untouched; a URI for a different bucket is an error.
func keyFromLocation(loc, bucket string) (string, error) {
	if !strings.HasPrefix(loc, "s3://") {
		return loc, nil
	}
	rest := strings.TrimPrefix(loc, "s3://")
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return "", fmt.Errorf("output location %q has no key", loc)
	}
	b, key := rest[:slash], rest[slash+1:]
	if b != bucket {
		return "", fmt.Errorf("output location bucket %q does not match configured bucket %q", b, bucket)
	}
	return key, nil
}

// Setup creates the target table when it does not exist. Used by the
// standalone setup command before the first load.
func (l *Loader) Setup(ctx context.Context) error {
	return l.repo.EnsureTable(ctx, DefaultTableSpec(l.table))
}

// DefaultTableSpec is the baseline golden-record table: the matching
// service's identity columns plus run bookkeeping. Source payload columns
// are expected to exist already or be added by migration.
func DefaultTableSpec(table string) warehouse.TableSpec {
	return warehouse.TableSpec{
		Name: table,
		Columns: []warehouse.ColumnSpec{
			{Name: "match_id", Type: "text"},
			{Name: "match_score", Type: "double precision", Nullable: true},
			{Name: "record_id", Type: "text", Nullable: true},
			{Name: "domain", Type: "text", Nullable: true},
			{Name: "process_date", Type: "text", Nullable: true},
		},
	}
}

var _ pipeline.Loader = (*Loader)(nil)
