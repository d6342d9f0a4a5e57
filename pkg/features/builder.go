// Package features turns adapter DataFrames into typed revenue and weather
// records and builds the residual feature rows shared by training and serving.
package features

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/HatiCode/revcast/pkg/adapters"
	"github.com/HatiCode/revcast/pkg/calendar"
	"github.com/HatiCode/revcast/pkg/dataset"
)

// ErrNoRows is returned when a frame yields no usable records.
var ErrNoRows = errors.New("no valid rows")

// Builder converts DataFrames into typed records and residual feature rows.
type Builder struct {
	// Skipped counts rows dropped by the most recent parse call.
	Skipped int
}

// NewBuilder creates a new feature builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Revenue parses store_id, date and revenue columns into observations.
// An archetype_id (or cluster_id) column is read when present; otherwise
// Archetype is -1. Rows missing a required value are skipped.
func (b *Builder) Revenue(df adapters.DataFrame) ([]dataset.Observation, error) {
	b.Skipped = 0
	out := make([]dataset.Observation, 0, len(df.Rows))

	for _, row := range df.Rows {
		id, ok := StoreID(row["store_id"])
		if !ok {
			b.Skipped++
			continue
		}
		date, err := ParseDate(row["date"])
		if err != nil {
			b.Skipped++
			continue
		}
		rev, ok := ToFloat64(row["revenue"])
		if !ok || math.IsNaN(rev) {
			b.Skipped++
			continue
		}

		archetype := -1
		if v, ok := ToFloat64(lookup(row, "archetype_id", "cluster_id")); ok {
			archetype = int(v)
		}

		out = append(out, dataset.Observation{
			StoreID:   id,
			Date:      date,
			Revenue:   rev,
			Archetype: archetype,
		})
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("revenue: %w", ErrNoRows)
	}
	return out, nil
}

// Weather parses weather observations. Temperature is read from temp,
// temperature or feeling; precipitation from rain or precipitation; the
// condition label from weather or condition. Missing numeric values are 0.
func (b *Builder) Weather(df adapters.DataFrame) ([]dataset.WeatherObservation, error) {
	b.Skipped = 0
	out := make([]dataset.WeatherObservation, 0, len(df.Rows))

	for _, row := range df.Rows {
		id, ok := StoreID(row["store_id"])
		if !ok {
			b.Skipped++
			continue
		}
		date, err := ParseDate(row["date"])
		if err != nil {
			b.Skipped++
			continue
		}

		temp, _ := ToFloat64(lookup(row, "temp", "temperature", "feeling"))
		rain, _ := ToFloat64(lookup(row, "rain", "precipitation"))
		cond, _ := lookup(row, "weather", "condition").(string)

		out = append(out, dataset.WeatherObservation{
			StoreID:       id,
			Date:          date,
			Temperature:   temp,
			Precipitation: rain,
			Condition:     cond,
		})
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("weather: %w", ErrNoRows)
	}
	return out, nil
}

// lookup returns the first present value among names.
func lookup(row adapters.Row, names ...string) any {
	for _, n := range names {
		if v, ok := row[n]; ok && v != nil {
			return v
		}
	}
	return nil
}

// StoreID normalizes a store identifier cell. Spreadsheet sources deliver
// numeric IDs as floats, which are formatted without a fractional part.
func StoreID(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		s := strings.TrimSpace(val)
		return s, s != ""
	case float64:
		if val == math.Trunc(val) {
			return strconv.FormatInt(int64(val), 10), true
		}
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case int:
		return strconv.Itoa(val), true
	case int64:
		return strconv.FormatInt(val, 10), true
	default:
		return "", false
	}
}

// ToFloat64 attempts to convert any numeric type to float64.
// Handles float64, float32, int, int64, int32 and numeric strings.
func ToFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(val), ",", ""), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// ParseDate parses a calendar date from various formats and truncates it to
// UTC midnight.
// Supports:
//   - YYYY-MM-DD, YYYY/MM/DD and YYYYMMDD strings
//   - RFC3339 strings (e.g., "2024-01-15T00:00:00Z")
//   - spreadsheet serial dates as float64
//   - time.Time objects
func ParseDate(v any) (time.Time, error) {
	switch val := v.(type) {
	case string:
		s := strings.TrimSpace(val)
		for _, layout := range []string{"2006-01-02", "2006/01/02", "20060102", time.RFC3339, "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				return calendar.Day(t), nil
			}
		}
		return time.Time{}, fmt.Errorf("invalid date string: %q", val)

	case float64:
		// YYYYMMDD written as a number.
		if val >= 19000101 && val <= 29991231 {
			return ParseDate(strconv.FormatInt(int64(val), 10))
		}
		// Days since 1899-12-30, the spreadsheet epoch.
		if val > 0 && val < 200000 {
			return time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC).AddDate(0, 0, int(val)), nil
		}
		return time.Time{}, fmt.Errorf("unsupported numeric date: %v", val)

	case time.Time:
		return calendar.Day(val), nil

	default:
		return time.Time{}, fmt.Errorf("unsupported date type: %T", v)
	}
}
