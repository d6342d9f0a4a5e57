package adapters

import (
	"context"
	"strconv"
	"strings"
)

// Row represents a single tabular observation keyed by column name.
// Example: {"store_id": "17", "date": "2024-03-04", "revenue": 812000.0}
type Row map[string]any

// DataFrame is a lightweight structure for tabular data returned by adapters.
type DataFrame struct {
	Columns []string
	Rows    []Row
}

// Adapter is the interface that all revcast table sources implement.
//
// Adapters fetch raw tables from an upload, a file or a remote endpoint and
// shape them into a DataFrame. Parsing into typed records happens in the
// features package.
//
// Collect is synchronous and should respect context cancellation.
type Adapter interface {
	// Collect reads the whole table and returns it as a DataFrame.
	Collect(ctx context.Context) (*DataFrame, error)

	// Name returns a short identifier for the adapter, e.g. "csv" or "xlsx".
	Name() string
}

// normalizeHeader lowercases and trims a header cell so that "Store_ID " and
// "store_id" address the same column.
func normalizeHeader(h string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
}

// cellValue converts a raw cell into a float64 when it parses as a number and
// keeps it as a trimmed string otherwise. Empty cells become nil.
func cellValue(raw string) any {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}
	if f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64); err == nil {
		return f
	}
	return s
}

// rowsFromRecords builds a DataFrame from a header record and data records.
func rowsFromRecords(records [][]string) *DataFrame {
	if len(records) == 0 {
		return &DataFrame{}
	}

	header := make([]string, len(records[0]))
	for i, h := range records[0] {
		header[i] = normalizeHeader(h)
	}

	df := &DataFrame{Columns: header, Rows: make([]Row, 0, len(records)-1)}
	for _, rec := range records[1:] {
		row := make(Row, len(header))
		empty := true
		for i, col := range header {
			if col == "" || i >= len(rec) {
				continue
			}
			v := cellValue(rec[i])
			if v != nil {
				empty = false
			}
			row[col] = v
		}
		if !empty {
			df.Rows = append(df.Rows, row)
		}
	}
	return df
}
