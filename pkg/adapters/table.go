// Package adapters provides revcast table sources that read revenue, weather
// and forecast-input tables and normalize them into a common DataFrame.
//
// Typical adapters:
//   - CSVAdapter  reads comma separated uploads or files
//   - XLSXAdapter reads the first (or a named) sheet of an Excel workbook
//   - HTTPAdapter fetches a JSON array of row objects from a remote endpoint
//
// Header cells are normalized to lower case. Numeric cells are returned as
// float64, everything else as string.
package adapters

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// CSVAdapter reads a CSV table with a header row.
type CSVAdapter struct {
	Reader io.Reader
}

func (a *CSVAdapter) Name() string { return "csv" }

// Collect implements Adapter.
func (a *CSVAdapter) Collect(ctx context.Context) (*DataFrame, error) {
	if a.Reader == nil {
		return nil, errors.New("csv adapter: Reader is required")
	}

	r := csv.NewReader(a.Reader)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	var records [][]string
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		records = append(records, rec)
	}

	if len(records) == 0 {
		return nil, errors.New("csv adapter: table is empty")
	}
	return rowsFromRecords(records), nil
}

// XLSXAdapter reads one sheet of an Excel workbook with a header row.
type XLSXAdapter struct {
	Reader io.Reader
	// Sheet selects the sheet by name; the first sheet is used when empty.
	Sheet string
}

func (a *XLSXAdapter) Name() string { return "xlsx" }

// Collect implements Adapter.
func (a *XLSXAdapter) Collect(ctx context.Context) (*DataFrame, error) {
	if a.Reader == nil {
		return nil, errors.New("xlsx adapter: Reader is required")
	}

	f, err := excelize.OpenReader(a.Reader)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheet := a.Sheet
	if sheet == "" {
		sheet = f.GetSheetName(0)
	}

	records, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("xlsx adapter: sheet %q is empty", sheet)
	}
	return rowsFromRecords(records), nil
}

// ForFile returns the table adapter matching the file name extension.
// Unknown extensions default to CSV.
func ForFile(name string, r io.Reader) Adapter {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx", ".xlsm":
		return &XLSXAdapter{Reader: r}
	default:
		return &CSVAdapter{Reader: r}
	}
}

// Load reads a table from a local CSV or XLSX file, or from a JSON endpoint
// when source is an http(s) URL.
func Load(ctx context.Context, source string) (*DataFrame, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return (&HTTPAdapter{URL: source}).Collect(ctx)
	}

	f, err := os.Open(source)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	df, err := ForFile(filepath.Base(source), f).Collect(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", source, err)
	}
	return df, nil
}
