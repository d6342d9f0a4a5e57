// Package cluster assigns each store a commercial archetype from the shape of
// its revenue history.
//
// Four features are derived per store from operating days (revenue > 0):
//
//   - holiday_mean: mean revenue on public holidays falling on weekdays
//   - week_diff: weekday mean minus weekend mean
//   - semester_diff: semester-month mean minus vacation-month mean
//   - yearly_strength: standard deviation of the month-of-year means
//
// The first three are standardized within each store, the last across
// stores, and the resulting matrix is clustered with seeded k-means.
//
// Stores with too little data to compute the features are fallback stores:
// they skip clustering and get archetype 0. This is a policy, not an error.
package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/HatiCode/revcast/pkg/calendar"
	"github.com/HatiCode/revcast/pkg/dataset"
)

// FallbackArchetype is assigned to stores that cannot be clustered.
const FallbackArchetype = 0

// minPartition is the minimum number of operating days per partition.
const minPartition = 2

// Features holds the raw per-store clustering features.
type Features struct {
	HolidayMean    float64 `json:"holiday_mean"`
	WeekDiff       float64 `json:"week_diff"`
	SemesterDiff   float64 `json:"semester_diff"`
	YearlyStrength float64 `json:"yearly_strength"`
	Fallback       bool    `json:"fallback"`
	Reason         string  `json:"reason,omitempty"`
}

// Result is the outcome of clustering.
type Result struct {
	Assignments map[string]int      `json:"assignments"`
	Features    map[string]Features `json:"features"`
	Fallback    []string            `json:"fallback"`
}

// Engine clusters stores into archetypes.
type Engine struct {
	K        int
	Seed     uint64
	Restarts int
	MaxIter  int

	cal    *calendar.Calendar
	logger *slog.Logger
}

// NewEngine creates a clustering engine with k clusters, seed 42, ten
// k-means++ restarts and at most 300 Lloyd iterations.
func NewEngine(cal *calendar.Calendar, k int, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cal == nil {
		cal = calendar.Default()
	}
	return &Engine{K: k, Seed: 42, Restarts: 10, MaxIter: 300, cal: cal, logger: logger}
}

// Assign returns one archetype in [0, K) for every store in series.
func (e *Engine) Assign(ctx context.Context, series []dataset.StoreSeries) (Result, error) {
	if e.K < 1 {
		return Result{}, fmt.Errorf("cluster: k must be positive, got %d", e.K)
	}

	sorted := make([]dataset.StoreSeries, len(series))
	copy(sorted, series)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StoreID < sorted[j].StoreID })

	res := Result{
		Assignments: make(map[string]int, len(sorted)),
		Features:    make(map[string]Features, len(sorted)),
	}

	var ids []string
	var raw []Features
	for _, s := range sorted {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		f := e.Extract(s)
		res.Features[s.StoreID] = f
		if f.Fallback {
			res.Assignments[s.StoreID] = FallbackArchetype
			res.Fallback = append(res.Fallback, s.StoreID)
			e.logger.Debug("store defaulted to fallback archetype", "store_id", s.StoreID, "reason", f.Reason)
			continue
		}
		ids = append(ids, s.StoreID)
		raw = append(raw, f)
	}

	points := normalize(raw)
	rng := rand.New(rand.NewPCG(e.Seed, e.Seed))
	labels := kmeans(points, e.K, e.Restarts, e.MaxIter, rng)
	for i, id := range ids {
		res.Assignments[id] = labels[i]
	}

	e.logger.Info("clustering complete",
		"stores", len(sorted),
		"clustered", len(ids),
		"fallback", len(res.Fallback),
		"k", e.K,
	)
	return res, nil
}

// Extract computes the clustering features of one store.
func (e *Engine) Extract(s dataset.StoreSeries) Features {
	var holiday, weekday, weekend, semester, vacation []float64
	byMonth := make(map[int][]float64)

	for _, p := range s.Points {
		if p.Revenue <= 0 {
			continue
		}
		isWeekend := calendar.IsWeekend(p.Date)
		if isWeekend {
			weekend = append(weekend, p.Revenue)
		} else {
			weekday = append(weekday, p.Revenue)
			if e.cal.IsHoliday(p.Date) {
				holiday = append(holiday, p.Revenue)
			}
		}
		if calendar.IsSemesterMonth(p.Date.Month()) {
			semester = append(semester, p.Revenue)
		} else {
			vacation = append(vacation, p.Revenue)
		}
		m := int(p.Date.Month())
		byMonth[m] = append(byMonth[m], p.Revenue)
	}

	var f Features
	partitions := []struct {
		name string
		vals []float64
	}{
		{"holiday_weekday", holiday},
		{"weekday", weekday},
		{"weekend", weekend},
		{"semester_month", semester},
		{"vacation_month", vacation},
	}
	for _, part := range partitions {
		if len(part.vals) < minPartition {
			f.Fallback = true
			f.Reason = fmt.Sprintf("partition %s has %d observations", part.name, len(part.vals))
			return f
		}
	}

	f.HolidayMean = stat.Mean(holiday, nil)
	f.WeekDiff = stat.Mean(weekday, nil) - stat.Mean(weekend, nil)
	f.SemesterDiff = stat.Mean(semester, nil) - stat.Mean(vacation, nil)

	months := make([]int, 0, len(byMonth))
	for m := range byMonth {
		months = append(months, m)
	}
	sort.Ints(months)
	monthMeans := make([]float64, 0, len(months))
	for _, m := range months {
		monthMeans = append(monthMeans, stat.Mean(byMonth[m], nil))
	}
	if len(monthMeans) >= 2 {
		f.YearlyStrength = stat.StdDev(monthMeans, nil)
	}

	if f.YearlyStrength == 0 || math.IsNaN(f.YearlyStrength) {
		f.Fallback = true
		f.Reason = "yearly seasonality strength is zero"
	}
	return f
}

// normalize standardizes the three mean-based features within each store
// (sample standard deviation) and the seasonality strength across stores
// (population standard deviation). A zero spread yields 0.
func normalize(raw []Features) [][]float64 {
	points := make([][]float64, len(raw))
	strength := make([]float64, len(raw))

	for i, f := range raw {
		row := []float64{f.HolidayMean, f.WeekDiff, f.SemesterDiff}
		mean, std := stat.MeanStdDev(row, nil)
		p := make([]float64, 4)
		for j, v := range row {
			p[j] = safeDiv(v-mean, std)
		}
		points[i] = p
		strength[i] = f.YearlyStrength
	}

	if len(raw) > 0 {
		mean, variance := stat.PopMeanVariance(strength, nil)
		std := math.Sqrt(variance)
		for i := range points {
			points[i][3] = safeDiv(strength[i]-mean, std)
		}
	}
	return points
}

func safeDiv(num, den float64) float64 {
	if den == 0 || math.IsNaN(den) {
		return 0
	}
	return num / den
}
