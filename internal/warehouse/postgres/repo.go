// Package postgres implements warehouse.Repository for Postgres via pgx.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"entitypipeline/internal/warehouse"
)

// Repo implements warehouse.Repository backed by a pgx pool.
type Repo struct {
	pool *pgxpool.Pool
}

func init() {
	warehouse.Register("postgres", New)
}

// New creates a Postgres-backed Repo.
func New(ctx context.Context, cfg warehouse.Config) (warehouse.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Repo{pool: pool}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() { r.pool.Close() }

// Query runs a parameterized query and materializes all rows with
// lower-cased column names.
func (r *Repo) Query(ctx context.Context, sql string, args ...any) ([]warehouse.Row, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = strings.ToLower(f.Name)
	}

	var out []warehouse.Row
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(warehouse.Row, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Exec runs a statement returning no rows.
func (r *Repo) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := r.pool.Exec(ctx, sql, args...)
	return err
}

// BulkLoad inserts rows in chunks, one transaction per chunk, so the returned
// count always reflects durably committed rows.
//
// A LoadTruncate mode empties the table in its own transaction before the
// first chunk; if a later chunk fails the truncation is NOT rolled back.
// The *LoadError count tells the caller how far the load got.
func (r *Repo) BulkLoad(ctx context.Context, table string, columns []string, rows [][]any, mode warehouse.LoadMode) (int64, error) {
	if mode == warehouse.LoadTruncate {
		if _, err := r.pool.Exec(ctx, "TRUNCATE TABLE "+pgIdent(table)); err != nil {
			return 0, &warehouse.LoadError{Table: table, Loaded: 0, Err: fmt.Errorf("truncate: %w", err)}
		}
	}

	var loaded int64
	for start := 0; start < len(rows); start += chunkSize {
		end := start + chunkSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		n, err := r.copyChunk(ctx, table, columns, chunk)
		loaded += n
		if err != nil {
			return loaded, &warehouse.LoadError{Table: table, Loaded: loaded, Err: err}
		}
	}
	return loaded, nil
}

const chunkSize = 1000

// copyChunk loads one chunk inside a transaction using COPY, the fastest
// Postgres bulk path. The count is committed before this returns nil.
func (r *Repo) copyChunk(ctx context.Context, table string, columns []string, chunk [][]any) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	ident := pgx.Identifier(strings.Split(table, "."))
	n, err := tx.CopyFrom(ctx, ident, columns, pgx.CopyFromRows(chunk))
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return n, nil
}

// EnsureTable creates the table if it does not exist.
func (r *Repo) EnsureTable(ctx context.Context, spec warehouse.TableSpec) error {
	sql, err := buildCreateSQL(spec)
	if err != nil {
		return err
	}
	if _, err := r.pool.Exec(ctx, sql); err != nil {
		return fmt.Errorf("create table %s: %w", spec.Name, err)
	}
	return nil
}

// buildCreateSQL constructs the CREATE TABLE statement for a spec.
//
// Why this exists:
//   - It is pure and deterministic, so column quoting and NOT NULL placement
//     can be unit tested without a database.
func buildCreateSQL(spec warehouse.TableSpec) (string, error) {
	if spec.Name == "" {
		return "", fmt.Errorf("table spec: name is empty")
	}
	if len(spec.Columns) == 0 {
		return "", fmt.Errorf("table spec %s: no columns", spec.Name)
	}

	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(pgIdent(spec.Name))
	b.WriteString(" (")
	for i, c := range spec.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c.Name))
		b.WriteString(" ")
		b.WriteString(c.Type)
		if !c.Nullable {
			b.WriteString(" NOT NULL")
		}
	}
	b.WriteString(")")
	return b.String(), nil
}

// pgIdent quotes an identifier, handling schema-qualified names.
func pgIdent(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
	}
	return strings.Join(parts, ".")
}
