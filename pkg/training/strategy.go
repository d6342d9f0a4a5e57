// Package training fits the per-store baselines and the shared residual
// model.
//
// Each archetype is trained by a Strategy looked up in a Registry. A
// strategy decides how a store's history is turned into baseline rows: the
// saturation bounds, the weekly seasonality layout and which public holidays
// count. The Pipeline ties clustering, baseline search, walk-forward
// backtesting and residual training into one run.
package training

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/HatiCode/revcast/pkg/calendar"
	"github.com/HatiCode/revcast/pkg/dataset"
	"github.com/HatiCode/revcast/pkg/models"
	"github.com/HatiCode/revcast/pkg/search"
)

// ErrUnknownArchetype is returned when no strategy is registered for an
// archetype.
var ErrUnknownArchetype = errors.New("unknown archetype")

// HolidayScope selects which public holidays enter the holiday column.
type HolidayScope string

const (
	// HolidaysWeekday keeps holidays falling on Monday to Friday.
	HolidaysWeekday HolidayScope = "weekday"
	// HolidaysAll keeps every holiday.
	HolidaysAll HolidayScope = "all"
	// HolidaysWeekdaySemester keeps weekday holidays inside a semester.
	HolidaysWeekdaySemester HolidayScope = "weekday_semester"
)

// Baseline hyperparameter names.
const (
	ParamChangepoint = "changepoint_prior_scale"
	ParamSeasonality = "seasonality_prior_scale"
	ParamHolidays    = "holidays_prior_scale"
)

// Profile is the training configuration of one archetype.
type Profile struct {
	Archetype int     `json:"archetype"`
	Name      string  `json:"name"`
	CapFactor float64 `json:"cap_factor"`
	// FloorFactor scales the minimum operating revenue into the floor.
	// Zero pins the floor at 0.
	FloorFactor  float64           `json:"floor_factor"`
	Weekly       models.WeeklyMode `json:"weekly"`
	Holidays     HolidayScope      `json:"holidays"`
	SearchMonths int               `json:"search_months"`
	Trials       int               `json:"trials"`
}

// DefaultProfiles returns the built-in archetype profiles.
func DefaultProfiles() []Profile {
	return []Profile{
		{Archetype: 0, Name: "office", CapFactor: 1.5, Weekly: models.WeeklyDirect, Holidays: HolidaysWeekday, SearchMonths: 5, Trials: 10},
		{Archetype: 1, Name: "residential", CapFactor: 1.3, FloorFactor: 0.9, Weekly: models.WeeklyDirect, Holidays: HolidaysAll, SearchMonths: 20, Trials: 10},
		{Archetype: 2, Name: "campus", CapFactor: 1.1, FloorFactor: 0.9, Weekly: models.WeeklyConditional, Holidays: HolidaysWeekdaySemester, SearchMonths: 5, Trials: 20},
		{Archetype: 3, Name: "downtown", CapFactor: 1.5, Weekly: models.WeeklyDirect, Holidays: HolidaysWeekday, SearchMonths: 5, Trials: 10},
		{Archetype: 4, Name: "station", CapFactor: 1.2, Weekly: models.WeeklyDirect, Holidays: HolidaysWeekday, SearchMonths: 20, Trials: 10},
	}
}

// SearchSpace is the categorical grid over the baseline prior scales.
func SearchSpace() search.Space {
	return search.Space{
		ParamChangepoint: search.Choice{0.01, 0.05, 0.1, 0.5},
		ParamSeasonality: search.Choice{0.1, 1, 5, 10},
		ParamHolidays:    search.Choice{0.1, 1, 5, 10},
	}
}

// DefaultParams are the model's default prior scales. They are used when no
// search trial produces a finite score.
func DefaultParams() search.Params {
	cfg := models.DefaultBaselineConfig()
	return search.Params{
		ParamChangepoint: cfg.ChangepointPriorScale,
		ParamSeasonality: cfg.SeasonalityPriorScale,
		ParamHolidays:    cfg.HolidayPriorScale,
	}
}

// Strategy trains the baseline of one archetype.
type Strategy interface {
	// Profile returns the archetype configuration.
	Profile() Profile

	// Bounds derives cap and floor from a store's operating history.
	Bounds(s dataset.StoreSeries) (capacity, floor float64)

	// Row returns the baseline input row for date without a target.
	Row(date time.Time, capacity, floor float64) map[string]float64

	// Fit trains a baseline on the operating days of s.
	Fit(ctx context.Context, s dataset.StoreSeries, capacity, floor float64, params search.Params) (*models.BaselineModel, error)
}

type profileStrategy struct {
	profile Profile
	cal     *calendar.Calendar
}

// NewStrategy creates a strategy for p using cal for holidays and semesters.
func NewStrategy(p Profile, cal *calendar.Calendar) Strategy {
	return &profileStrategy{profile: p, cal: cal}
}

func (s *profileStrategy) Profile() Profile { return s.profile }

func (s *profileStrategy) Bounds(series dataset.StoreSeries) (float64, float64) {
	lo, hi := series.Operating().Bounds()
	capacity := hi * s.profile.CapFactor
	floor := 0.0
	if s.profile.FloorFactor > 0 && lo > 0 {
		floor = lo * s.profile.FloorFactor
	}
	return capacity, floor
}

func (s *profileStrategy) holiday(d time.Time) bool {
	if !s.cal.IsHoliday(d) {
		return false
	}
	switch s.profile.Holidays {
	case HolidaysAll:
		return true
	case HolidaysWeekdaySemester:
		return !calendar.IsWeekend(d) && s.cal.InSemester(d)
	default:
		return !calendar.IsWeekend(d)
	}
}

func (s *profileStrategy) Row(d time.Time, capacity, floor float64) map[string]float64 {
	row := map[string]float64{
		models.ColDS:    float64(calendar.Day(d).Unix() / 86400),
		models.ColCap:   capacity,
		models.ColFloor: floor,
	}
	if s.holiday(d) {
		row[models.ColHoliday] = 1
	}
	if s.profile.Weekly == models.WeeklyConditional {
		if s.cal.InSemester(d) {
			row[models.ColOnSemester] = 1
		} else {
			row[models.ColOnVacation] = 1
		}
	}
	return row
}

// frame builds training rows from the operating days of series.
func (s *profileStrategy) frame(series dataset.StoreSeries, capacity, floor float64) models.FeatureFrame {
	op := series.Operating()
	rows := make([]map[string]float64, 0, op.Len())
	for _, p := range op.Points {
		row := s.Row(p.Date, capacity, floor)
		row[models.ColY] = p.Revenue
		rows = append(rows, row)
	}
	return models.FeatureFrame{Rows: rows}
}

func (s *profileStrategy) config(params search.Params) models.BaselineConfig {
	cfg := models.DefaultBaselineConfig()
	cfg.Weekly = s.profile.Weekly
	if v, ok := params[ParamChangepoint]; ok {
		cfg.ChangepointPriorScale = v
	}
	if v, ok := params[ParamSeasonality]; ok {
		cfg.SeasonalityPriorScale = v
	}
	if v, ok := params[ParamHolidays]; ok {
		cfg.HolidayPriorScale = v
	}
	return cfg
}

func (s *profileStrategy) Fit(ctx context.Context, series dataset.StoreSeries, capacity, floor float64, params search.Params) (*models.BaselineModel, error) {
	m := models.NewBaselineModel(s.config(params))
	if err := m.Train(ctx, s.frame(series, capacity, floor)); err != nil {
		return nil, err
	}
	return m, nil
}

// PredictDates scores dates with a trained baseline using the strategy's
// calendar rows.
func PredictDates(ctx context.Context, st Strategy, m *models.BaselineModel, dates []time.Time, capacity, floor float64) (models.Forecast, error) {
	rows := make([]map[string]float64, len(dates))
	for i, d := range dates {
		rows[i] = st.Row(d, capacity, floor)
	}
	return m.Predict(ctx, models.FeatureFrame{Rows: rows})
}

// Registry maps archetypes to strategies.
type Registry struct {
	mu         sync.RWMutex
	strategies map[int]Strategy
}

// NewRegistry creates a registry holding the default profiles.
func NewRegistry(cal *calendar.Calendar) *Registry {
	if cal == nil {
		cal = calendar.Default()
	}
	r := &Registry{strategies: make(map[int]Strategy)}
	for _, p := range DefaultProfiles() {
		r.Register(NewStrategy(p, cal))
	}
	return r
}

// Register adds or replaces the strategy for its archetype.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Profile().Archetype] = s
}

// Lookup returns the strategy for archetype.
func (r *Registry) Lookup(archetype int) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[archetype]
	if !ok {
		return nil, fmt.Errorf("archetype %d: %w", archetype, ErrUnknownArchetype)
	}
	return s, nil
}

// Strategies returns every registered strategy ordered by archetype.
func (r *Registry) Strategies() []Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Strategy, 0, len(r.strategies))
	for _, s := range r.strategies {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Profile().Archetype < out[j].Profile().Archetype })
	return out
}
