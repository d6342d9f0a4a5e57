package predict

import (
	"slices"
	"time"

	"github.com/HatiCode/revcast/pkg/calendar"
)

// ClosureWeekdays infers the weekdays a store is closed on from its recent
// revenues, keyed by days before ref. A weekday is closed when at least two
// of its recent days are present and every one of them is zero.
func ClosureWeekdays(recent map[int]float64, ref time.Time) []time.Weekday {
	ref = calendar.Day(ref)
	var seen, zero [7]int
	for off := 1; off <= 14; off++ {
		v, ok := recent[off]
		if !ok {
			continue
		}
		wd := ref.AddDate(0, 0, -off).Weekday()
		seen[wd]++
		if v == 0 {
			zero[wd]++
		}
	}

	var out []time.Weekday
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		if seen[wd] >= 2 && zero[wd] == seen[wd] {
			out = append(out, wd)
		}
	}
	return out
}

// ApplyOverride zeroes every result falling on a closed weekday. Results are
// modified in place and returned.
func ApplyOverride(results []ForecastResult, closed []time.Weekday) []ForecastResult {
	if len(closed) == 0 {
		return results
	}
	for i := range results {
		d, err := calendar.ParseDay(results[i].Date)
		if err != nil || !slices.Contains(closed, d.Weekday()) {
			continue
		}
		results[i].Baseline = 0
		if results[i].Corrected != nil {
			zero := 0.0
			results[i].Corrected = &zero
		}
		results[i].Closed = true
	}
	return results
}
