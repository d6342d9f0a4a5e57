package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"
)

// HTTPAdapter fetches a table from a JSON endpoint that returns an array of
// row objects, for example a weather feed:
//
//	[{"store_id": "17", "date": "2024-03-04", "temp": 4.1, "rain": 0, "weather": "Clear"}]
//
// Keys are normalized like CSV headers. Numbers stay float64, strings that
// parse as numbers are converted.
type HTTPAdapter struct {
	// URL is the endpoint to fetch.
	URL string
	// Query holds optional query parameters added to URL.
	Query map[string]string
	// HTTPClient is optional; if nil a default client with timeout is used.
	HTTPClient *http.Client
}

func (h *HTTPAdapter) Name() string { return "http" }

// Collect implements Adapter.
func (h *HTTPAdapter) Collect(ctx context.Context) (*DataFrame, error) {
	if h.URL == "" {
		return nil, errors.New("http adapter: URL is required")
	}

	u, err := url.Parse(h.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if len(h.Query) > 0 {
		q := u.Query()
		for k, v := range h.Query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	cli := h.HTTPClient
	if cli == nil {
		cli = &http.Client{Timeout: 10 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := cli.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http adapter: status %d", resp.StatusCode)
	}

	var raw []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return FromObjects(raw), nil
}

// FromObjects builds a DataFrame from decoded JSON row objects.
func FromObjects(raw []map[string]any) *DataFrame {
	seen := make(map[string]bool)
	df := &DataFrame{Rows: make([]Row, 0, len(raw))}

	for _, obj := range raw {
		row := make(Row, len(obj))
		for k, v := range obj {
			col := normalizeHeader(k)
			if !seen[col] {
				seen[col] = true
				df.Columns = append(df.Columns, col)
			}
			switch vv := v.(type) {
			case string:
				row[col] = cellValue(vv)
			case bool:
				if vv {
					row[col] = 1.0
				} else {
					row[col] = 0.0
				}
			default:
				row[col] = vv
			}
		}
		df.Rows = append(df.Rows, row)
	}

	sort.Strings(df.Columns)
	return df
}
