package cluster

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/HatiCode/revcast/pkg/calendar"
	"github.com/HatiCode/revcast/pkg/dataset"
)

type profile func(cal *calendar.Calendar, d time.Time) float64

func office(cal *calendar.Calendar, d time.Time) float64 {
	if calendar.IsWeekend(d) || cal.IsHoliday(d) {
		return 300
	}
	return 1000
}

func campus(cal *calendar.Calendar, d time.Time) float64 {
	base := 500.0
	if calendar.IsSemesterMonth(d.Month()) {
		base = 1200
	}
	if calendar.IsWeekend(d) {
		base *= 0.8
	}
	return base
}

func makeSeries(id string, days int, scale float64, p profile) dataset.StoreSeries {
	cal := calendar.Default()
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	s := dataset.StoreSeries{StoreID: id}
	for i := range days {
		d := start.AddDate(0, 0, i)
		rev := scale * p(cal, d) * (1 + 0.05*math.Sin(float64(d.Month())))
		s.Points = append(s.Points, dataset.Point{Date: d, Revenue: rev})
	}
	return s
}

func TestEngine_AssignsEveryStoreInRange(t *testing.T) {
	series := []dataset.StoreSeries{
		makeSeries("a", 730, 1.0, office),
		makeSeries("b", 730, 1.3, office),
		makeSeries("c", 730, 1.0, campus),
		makeSeries("d", 730, 0.7, campus),
		makeSeries("e", 20, 1.0, office),
	}

	engine := NewEngine(calendar.Default(), 3, nil)
	res, err := engine.Assign(context.Background(), series)
	if err != nil {
		t.Fatalf("Assign() error = %v", err)
	}

	if len(res.Assignments) != len(series) {
		t.Fatalf("assignments = %d, want %d", len(res.Assignments), len(series))
	}
	for id, a := range res.Assignments {
		if a < 0 || a >= 3 {
			t.Errorf("store %s archetype %d outside [0, 3)", id, a)
		}
	}
}

func TestEngine_SeparatesProfiles(t *testing.T) {
	series := []dataset.StoreSeries{
		makeSeries("office-1", 730, 1.0, office),
		makeSeries("office-2", 730, 1.4, office),
		makeSeries("campus-1", 730, 1.0, campus),
		makeSeries("campus-2", 730, 0.6, campus),
	}

	engine := NewEngine(calendar.Default(), 2, nil)
	res, err := engine.Assign(context.Background(), series)
	if err != nil {
		t.Fatalf("Assign() error = %v", err)
	}

	a := res.Assignments
	if a["office-1"] != a["office-2"] {
		t.Errorf("office stores split: %d vs %d", a["office-1"], a["office-2"])
	}
	if a["campus-1"] != a["campus-2"] {
		t.Errorf("campus stores split: %d vs %d", a["campus-1"], a["campus-2"])
	}
	if a["office-1"] == a["campus-1"] {
		t.Error("office and campus stores share an archetype")
	}
}

func TestEngine_Deterministic(t *testing.T) {
	series := []dataset.StoreSeries{
		makeSeries("s1", 730, 1.0, office),
		makeSeries("s2", 730, 1.1, campus),
		makeSeries("s3", 730, 0.9, office),
		makeSeries("s4", 730, 1.2, campus),
		makeSeries("s5", 730, 2.0, office),
	}
	reversed := make([]dataset.StoreSeries, len(series))
	for i, s := range series {
		reversed[len(series)-1-i] = s
	}

	engine := NewEngine(calendar.Default(), 5, nil)
	first, err := engine.Assign(context.Background(), series)
	if err != nil {
		t.Fatal(err)
	}
	second, err := engine.Assign(context.Background(), reversed)
	if err != nil {
		t.Fatal(err)
	}

	for id, a := range first.Assignments {
		if second.Assignments[id] != a {
			t.Errorf("store %s: %d then %d", id, a, second.Assignments[id])
		}
	}
}

func TestEngine_FallbackPolicy(t *testing.T) {
	cal := calendar.Default()

	weekdaysOnly := makeSeries("weekdays-only", 400, 1.0, office)
	var kept []dataset.Point
	for _, p := range weekdaysOnly.Points {
		if !calendar.IsWeekend(p.Date) {
			kept = append(kept, p)
		}
	}
	weekdaysOnly.Points = kept

	flat := dataset.StoreSeries{StoreID: "flat"}
	for i := range 730 {
		d := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i)
		flat.Points = append(flat.Points, dataset.Point{Date: d, Revenue: 500})
	}

	closedOnHolidays := makeSeries("closed-holidays", 730, 1.0, office)
	for i, p := range closedOnHolidays.Points {
		if cal.IsHoliday(p.Date) {
			closedOnHolidays.Points[i].Revenue = 0
		}
	}

	tests := []struct {
		name   string
		series dataset.StoreSeries
	}{
		{"empty weekend partition", weekdaysOnly},
		{"short history without holidays", makeSeries("short", 20, 1.0, office)},
		{"zero seasonality strength", flat},
		{"no operating holiday weekdays", closedOnHolidays},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := NewEngine(cal, 5, nil)
			for range 2 {
				res, err := engine.Assign(context.Background(), []dataset.StoreSeries{
					tt.series,
					makeSeries("normal", 730, 1.0, campus),
				})
				if err != nil {
					t.Fatalf("Assign() error = %v", err)
				}
				if got := res.Assignments[tt.series.StoreID]; got != FallbackArchetype {
					t.Errorf("archetype = %d, want %d", got, FallbackArchetype)
				}
				if !res.Features[tt.series.StoreID].Fallback {
					t.Error("store should be marked as fallback")
				}
				if len(res.Fallback) != 1 || res.Fallback[0] != tt.series.StoreID {
					t.Errorf("Fallback = %v", res.Fallback)
				}
			}
		})
	}
}

func TestEngine_AllFallback(t *testing.T) {
	engine := NewEngine(calendar.Default(), 5, nil)
	res, err := engine.Assign(context.Background(), []dataset.StoreSeries{
		makeSeries("x", 5, 1, office),
		{StoreID: "empty"},
	})
	if err != nil {
		t.Fatalf("Assign() error = %v", err)
	}
	for id, a := range res.Assignments {
		if a != FallbackArchetype {
			t.Errorf("store %s = %d, want fallback", id, a)
		}
	}
}

func TestEngine_InvalidK(t *testing.T) {
	engine := NewEngine(calendar.Default(), 0, nil)
	if _, err := engine.Assign(context.Background(), nil); err == nil {
		t.Error("expected error for k = 0")
	}
}

func TestNormalize_ZeroSpread(t *testing.T) {
	points := normalize([]Features{{HolidayMean: 5, WeekDiff: 5, SemesterDiff: 5, YearlyStrength: 3}})
	for j, v := range points[0] {
		if v != 0 {
			t.Errorf("points[0][%d] = %v, want 0", j, v)
		}
	}
}
