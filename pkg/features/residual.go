package features

import (
	"time"

	"github.com/HatiCode/revcast/pkg/calendar"
	"github.com/HatiCode/revcast/pkg/dataset"
	"github.com/HatiCode/revcast/pkg/models"
)

// ResidualColumns is the feature order of the residual model. Training and
// serving both build vectors through ResidualRow.Values, so the order cannot
// drift between them.
var ResidualColumns = []string{
	"temperature",
	"precipitation",
	"weather_encoded",
	"lag",
	"weekly_lag",
	"dayofweek",
	"archetype_id",
	"is_weekend",
}

// Score is an out-of-sample baseline prediction for one date.
type Score struct {
	Yhat        float64 `json:"yhat"`
	Lower       float64 `json:"yhat_lower"`
	Upper       float64 `json:"yhat_upper"`
	HasInterval bool    `json:"has_interval"`
}

// ResidualRow is one store-day of residual model input.
type ResidualRow struct {
	StoreID string
	Date    time.Time
	Revenue float64
	Score   Score
	// Y is the relative baseline error (revenue - yhat) / yhat.
	Y float64

	Temperature   float64
	Precipitation float64
	Condition     string
	Lag           float64
	WeeklyLag     float64
	DayOfWeek     int
	Archetype     int
	IsWeekend     bool
}

// Values returns the feature vector in ResidualColumns order, encoding the
// weather condition with enc.
func (r ResidualRow) Values(enc *models.WeatherEncoder) []float64 {
	weekend := 0.0
	if r.IsWeekend {
		weekend = 1
	}
	return []float64{
		r.Temperature,
		r.Precipitation,
		float64(enc.Transform(r.Condition)),
		r.Lag,
		r.WeeklyLag,
		float64(r.DayOfWeek),
		float64(r.Archetype),
		weekend,
	}
}

// Frame converts rows into a FeatureFrame carrying every residual column and
// the target column "y".
func Frame(rows []ResidualRow, enc *models.WeatherEncoder) models.FeatureFrame {
	out := make([]map[string]float64, len(rows))
	for i, r := range rows {
		m := make(map[string]float64, len(ResidualColumns)+1)
		for j, v := range r.Values(enc) {
			m[ResidualColumns[j]] = v
		}
		m["y"] = r.Y
		out[i] = m
	}
	return models.FeatureFrame{Rows: out}
}

// RelativeChange returns (cur - prev) / prev, or 0 when either value is
// missing or prev is 0.
func RelativeChange(cur, prev float64, ok bool) float64 {
	if !ok || prev == 0 {
		return 0
	}
	return (cur - prev) / prev
}

// NewRow fills the calendar and weather features of a row for date.
func NewRow(storeID string, date time.Time, archetype int, w dataset.WeatherObservation, lag, weeklyLag float64) ResidualRow {
	return ResidualRow{
		StoreID:       storeID,
		Date:          date,
		Temperature:   w.Temperature,
		Precipitation: w.Precipitation,
		Condition:     w.Condition,
		Lag:           lag,
		WeeklyLag:     weeklyLag,
		DayOfWeek:     calendar.Weekday(date),
		Archetype:     archetype,
		IsWeekend:     calendar.IsWeekend(date),
	}
}

// ResidualRows builds training rows for one store.
//
// Only operating days (revenue > 0) are considered. lag is the relative
// change between the two previous operating days; weekly_lag is the relative
// change between the revenues recorded 7 and 14 days earlier. A row is
// emitted when the date has a score with a non-zero yhat and a weather
// observation for the store.
func (b *Builder) ResidualRows(
	s dataset.StoreSeries,
	scores map[time.Time]Score,
	weather map[dataset.WeatherKey]dataset.WeatherObservation,
	archetype int,
) []ResidualRow {
	byDate := s.ByDate()
	operating := s.Operating().Points
	out := make([]ResidualRow, 0, len(operating))

	for i, p := range operating {
		sc, ok := scores[p.Date]
		if !ok || sc.Yhat == 0 {
			continue
		}
		w, ok := weather[dataset.WeatherKey{StoreID: s.StoreID, Date: p.Date}]
		if !ok {
			continue
		}

		var lag float64
		if i >= 2 {
			lag = RelativeChange(operating[i-1].Revenue, operating[i-2].Revenue, true)
		}
		r7, ok7 := byDate[p.Date.AddDate(0, 0, -7)]
		r14, ok14 := byDate[p.Date.AddDate(0, 0, -14)]
		weekly := RelativeChange(r7, r14, ok7 && ok14)

		row := NewRow(s.StoreID, p.Date, archetype, w, lag, weekly)
		row.Revenue = p.Revenue
		row.Score = sc
		row.Y = (p.Revenue - sc.Yhat) / sc.Yhat
		out = append(out, row)
	}
	return out
}

// ServingLags derives lag and weekly_lag from recent revenues keyed by how
// many days before the target date they were recorded. lag uses the two
// most recent positive revenues among the offsets present; weekly_lag uses
// offsets 7 and 14.
func ServingLags(recent map[int]float64) (lag, weeklyLag float64) {
	var found []float64
	for off := 1; off <= 14 && len(found) < 2; off++ {
		if v, ok := recent[off]; ok && v > 0 {
			found = append(found, v)
		}
	}
	if len(found) == 2 {
		lag = RelativeChange(found[0], found[1], true)
	}
	r7, ok7 := recent[7]
	r14, ok14 := recent[14]
	return lag, RelativeChange(r7, r14, ok7 && ok14)
}
