package loader

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"golang.org/x/text/cases"

	"entitypipeline/internal/warehouse"
)

// ParseRecords decodes matched output into rows. The matching service has
// shipped both newline-delimited JSON and a single JSON array across
// workflow versions, so both shapes are accepted.
func ParseRecords(data []byte) ([]warehouse.Row, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		return parseArray(trimmed)
	}
	return parseNDJSON(trimmed)
}

func parseArray(data []byte) ([]warehouse.Row, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw []map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode record array: %w", err)
	}
	out := make([]warehouse.Row, 0, len(raw))
	for _, m := range raw {
		out = append(out, warehouse.Row(m))
	}
	return out, nil
}

func parseNDJSON(data []byte) ([]warehouse.Row, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out []warehouse.Row
	for i := 0; ; i++ {
		var m map[string]any
		err := dec.Decode(&m)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode record %d: %w", i, err)
		}
		out = append(out, warehouse.Row(m))
	}
}

var keyFolder = cases.Fold()

// columnAliases maps the matching service's folded output column names to
// the warehouse schema.
var columnAliases = map[string]string{
	"matchid":    "match_id",
	"matchscore": "match_score",
	"recordid":   "record_id",
}

// normalizeKey folds an output column name to the warehouse convention:
// case-folded, spaces and dashes as underscores, service aliases applied.
func normalizeKey(k string) string {
	k = keyFolder.String(strings.TrimSpace(k))
	k = strings.NewReplacer(" ", "_", "-", "_").Replace(k)
	if mapped, ok := columnAliases[k]; ok {
		return mapped
	}
	return k
}

// NormalizeRecord rewrites a record's keys via normalizeKey and converts
// JSON numbers to int64 where lossless, else float64.
func NormalizeRecord(row warehouse.Row) warehouse.Row {
	out := make(warehouse.Row, len(row))
	for k, v := range row {
		out[normalizeKey(k)] = convertValue(v)
	}
	return out
}

func convertValue(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

// Columns returns the sorted union of keys across records, so the bulk load
// has a stable column order regardless of map iteration.
func Columns(records []warehouse.Row) []string {
	seen := make(map[string]struct{})
	for _, r := range records {
		for k := range r {
			seen[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// toValues projects records onto columns; absent keys become NULL.
func toValues(records []warehouse.Row, columns []string) [][]any {
	rows := make([][]any, 0, len(records))
	for _, r := range records {
		vals := make([]any, len(columns))
		for i, c := range columns {
			vals[i] = r[c]
		}
		rows = append(rows, vals)
	}
	return rows
}
