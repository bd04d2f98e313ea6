package cache

import (
	"encoding/json"
	"strings"
)

// Result is a tabular snapshot read from the materialized cache. Columns
// follow the source query's select order; a zero-row Result is a valid
// outcome, distinct from "not collected yet" (which only Missing reports).
type Result struct {
	Columns []string
	Rows    [][]any
}

// Len returns the number of rows.
func (r *Result) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}

// Records renders the rows as column-name keyed maps, the shape the HTTP
// surface serves.
func (r *Result) Records() []map[string]any {
	if r == nil {
		return nil
	}
	out := make([]map[string]any, 0, len(r.Rows))
	for _, row := range r.Rows {
		rec := make(map[string]any, len(r.Columns))
		for i, col := range r.Columns {
			if i < len(row) {
				rec[col] = row[i]
			}
		}
		out = append(out, rec)
	}
	return out
}

// decodeRow parses a stored JSON row back into a value map. Numbers decode
// through json.Number so integral values (repo ids, counts) come back as
// int64 rather than float64.
func decodeRow(payload string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(payload))
	dec.UseNumber()
	var row map[string]any
	if err := dec.Decode(&row); err != nil {
		return nil, err
	}
	for k, v := range row {
		if num, ok := v.(json.Number); ok {
			row[k] = normalizeNumber(num)
		}
	}
	return row, nil
}

func normalizeNumber(num json.Number) any {
	if i, err := num.Int64(); err == nil {
		return i
	}
	if f, err := num.Float64(); err == nil {
		return f
	}
	return num.String()
}
