// Package mssql implements warehouse.Repository for SQL Server.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"entitypipeline/internal/warehouse"
)

type Repo struct {
	db *sql.DB
}

func init() {
	warehouse.Register("mssql", New)
}

func New(ctx context.Context, cfg warehouse.Config) (warehouse.Repository, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

func (r *Repo) Query(ctx context.Context, query string, args ...any) ([]warehouse.Row, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	for i, c := range cols {
		cols[i] = strings.ToLower(c)
	}

	var out []warehouse.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
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

func (r *Repo) Exec(ctx context.Context, query string, args ...any) error {
	_, err := r.db.ExecContext(ctx, query, args...)
	return err
}

func (r *Repo) BulkLoad(ctx context.Context, table string, columns []string, rows [][]any, mode warehouse.LoadMode) (int64, error) {
	if mode == warehouse.LoadTruncate {
		if _, err := r.db.ExecContext(ctx, "TRUNCATE TABLE "+ident(table)); err != nil {
			return 0, &warehouse.LoadError{Table: table, Loaded: 0, Err: fmt.Errorf("truncate: %w", err)}
		}
	}

	per := rowsPerChunk(len(columns))
	var loaded int64
	for start := 0; start < len(rows); start += per {
		end := start + per
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		if err := r.insertChunk(ctx, table, columns, chunk); err != nil {
			return loaded, &warehouse.LoadError{Table: table, Loaded: loaded, Err: err}
		}
		loaded += int64(len(chunk))
	}
	return loaded, nil
}

func (r *Repo) insertChunk(ctx context.Context, table string, columns []string, chunk [][]any) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	query, args := buildInsertSQL(table, columns, chunk)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *Repo) EnsureTable(ctx context.Context, spec warehouse.TableSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("table spec: name is empty")
	}
	if len(spec.Columns) == 0 {
		return fmt.Errorf("table spec %s: no columns", spec.Name)
	}

	var cols strings.Builder
	for i, c := range spec.Columns {
		if i > 0 {
			cols.WriteString(", ")
		}
		cols.WriteString(ident(c.Name))
		cols.WriteString(" ")
		cols.WriteString(mssqlType(c.Type))
		if !c.Nullable {
			cols.WriteString(" NOT NULL")
		}
	}

	// SQL Server has no CREATE TABLE IF NOT EXISTS; guard with OBJECT_ID.
	query := fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL CREATE TABLE %s (%s)",
		strings.ReplaceAll(spec.Name, "'", "''"), ident(spec.Name), cols.String(),
	)
	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", spec.Name, err)
	}
	return nil
}

func mssqlType(t string) string {
	switch strings.ToLower(t) {
	case "text", "varchar":
		return "NVARCHAR(1000)"
	case "double precision", "float", "real":
		return "FLOAT"
	case "bigint", "integer", "int":
		return "BIGINT"
	case "timestamp", "timestamptz":
		return "DATETIMEOFFSET"
	default:
		return t
	}
}

// buildInsertSQL constructs one multi-row INSERT with @pN placeholders.
// Pure, so placeholder numbering is unit testable without a database.
func buildInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(ident(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(ident(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 0
	for ri, row := range rows {
		if ri > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for ci := range columns {
			if ci > 0 {
				b.WriteString(", ")
			}
			p++
			fmt.Fprintf(&b, "@p%d", p)
			args = append(args, row[ci])
		}
		b.WriteString(")")
	}
	return b.String(), args
}

// rowsPerChunk keeps each statement under SQL Server's 2100-parameter limit
// while preserving the 1000-row commit granularity.
func rowsPerChunk(cols int) int {
	const maxParams = 2000
	const maxRows = 1000
	if cols <= 0 {
		return maxRows
	}
	per := maxParams / cols
	if per < 1 {
		per = 1
	}
	if per > maxRows {
		per = maxRows
	}
	return per
}

func ident(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = "[" + strings.ReplaceAll(p, "]", "]]") + "]"
	}
	return strings.Join(parts, ".")
}
