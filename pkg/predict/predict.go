// Package predict serves store forecasts from persisted artifacts.
//
// A forecast is the store's seasonal baseline multiplied by one plus the
// shared residual model's relative correction. Period forecasts use the
// baseline alone. Composed forecasts pair one corrected day with 61 baseline
// days and zero out weekdays the store appears to be closed on.
package predict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/HatiCode/revcast/pkg/calendar"
	"github.com/HatiCode/revcast/pkg/dataset"
	"github.com/HatiCode/revcast/pkg/features"
	"github.com/HatiCode/revcast/pkg/storage"
	"github.com/HatiCode/revcast/pkg/training"
)

var (
	// ErrModelNotFound is returned when a store has no trained baseline.
	ErrModelNotFound = errors.New("no trained model for store")
	// ErrInvalidRequest is returned for requests that fail validation.
	ErrInvalidRequest = errors.New("invalid request")
)

// ComposedDays is the length of a composed forecast.
const ComposedDays = 62

// ForecastResult is the forecast for one store-day. Residual and Corrected
// are nil when no residual model is available or the day is baseline-only.
type ForecastResult struct {
	StoreID   string   `json:"store_id"`
	Date      string   `json:"date"`
	Baseline  float64  `json:"baseline_forecast"`
	Residual  *float64 `json:"residual,omitempty"`
	Corrected *float64 `json:"corrected_forecast"`
	// Stale is set when the residual model was trained against a different
	// version of the store's baseline.
	Stale  bool `json:"stale,omitempty"`
	Closed bool `json:"closed,omitempty"`
}

// PeriodResult is a baseline forecast over consecutive days.
type PeriodResult struct {
	StoreID string           `json:"store_id"`
	Days    []ForecastResult `json:"days"`
	Total   float64          `json:"total"`
}

// RowError reports the row that stopped a batch.
type RowError struct {
	Index   int
	StoreID string
	Err     error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("batch row %d (store %s): %v", e.Index, e.StoreID, e.Err)
}

func (e *RowError) Unwrap() error {
	return e.Err
}

// Predictor loads artifacts and produces forecasts.
type Predictor struct {
	artifacts *storage.Artifacts
	locker    storage.Locker
	registry  *training.Registry
	logger    *slog.Logger
}

// New creates a Predictor.
func New(artifacts *storage.Artifacts, locker storage.Locker, reg *training.Registry, logger *slog.Logger) *Predictor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Predictor{artifacts: artifacts, locker: locker, registry: reg, logger: logger}
}

// baseline loads a store's baseline under its read lock.
func (p *Predictor) baseline(ctx context.Context, storeID string) (storage.BaselineRecord, int64, error) {
	unlock, err := p.locker.RLock(ctx, storage.BaselineLockKey(storeID))
	if err != nil {
		return storage.BaselineRecord{}, 0, fmt.Errorf("lock store %s: %w", storeID, err)
	}
	defer unlock()

	rec, version, err := p.artifacts.Baseline(ctx, storeID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.BaselineRecord{}, 0, fmt.Errorf("store %s: %w", storeID, ErrModelNotFound)
	}
	if err != nil {
		return storage.BaselineRecord{}, 0, fmt.Errorf("load baseline %s: %w", storeID, err)
	}
	if rec.Model == nil {
		return storage.BaselineRecord{}, 0, fmt.Errorf("store %s: %w", storeID, ErrModelNotFound)
	}
	return rec, version, nil
}

// baselineValues scores consecutive days starting at from.
func (p *Predictor) baselineValues(ctx context.Context, rec storage.BaselineRecord, from time.Time, n int) ([]time.Time, []float64, error) {
	st, err := p.registry.Lookup(rec.Archetype)
	if err != nil {
		return nil, nil, err
	}
	days := make([]time.Time, n)
	for i := range days {
		days[i] = from.AddDate(0, 0, i)
	}
	fc, err := training.PredictDates(ctx, st, rec.Model, days, rec.Cap, rec.Floor)
	if err != nil {
		return nil, nil, fmt.Errorf("baseline %s: %w", rec.StoreID, err)
	}
	return days, fc.Values, nil
}

// Daily returns the corrected forecast for one store-day. Without a
// residual model the result carries the baseline only.
func (p *Predictor) Daily(ctx context.Context, req DailyRequest) (ForecastResult, error) {
	if err := Validate(req); err != nil {
		return ForecastResult{}, err
	}
	date, err := parseDate(req.Date)
	if err != nil {
		return ForecastResult{}, err
	}

	rec, version, err := p.baseline(ctx, req.StoreID)
	if err != nil {
		return ForecastResult{}, err
	}
	return p.daily(ctx, req, date, rec, version)
}

// daily scores one store-day against an already loaded baseline.
func (p *Predictor) daily(ctx context.Context, req DailyRequest, date time.Time, rec storage.BaselineRecord, version int64) (ForecastResult, error) {
	_, values, err := p.baselineValues(ctx, rec, date, 1)
	if err != nil {
		return ForecastResult{}, err
	}
	res := ForecastResult{StoreID: req.StoreID, Date: calendar.FormatDay(date), Baseline: values[0]}

	bundle, _, err := p.artifacts.Residual(ctx)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && bundle.Model == nil) {
		p.logger.Debug("no residual model, serving baseline only", "store_id", req.StoreID)
		return res, nil
	}
	if err != nil {
		return ForecastResult{}, fmt.Errorf("load residual model: %w", err)
	}

	archetype := rec.Archetype
	if req.Archetype != nil {
		archetype = *req.Archetype
	}
	lag, weeklyLag := features.ServingLags(req.Recent)
	row := features.NewRow(req.StoreID, date, archetype, dataset.WeatherObservation{
		StoreID:       req.StoreID,
		Date:          date,
		Temperature:   req.Weather.Temperature,
		Precipitation: req.Weather.Precipitation,
		Condition:     req.Weather.Condition,
	}, lag, weeklyLag)

	if !bundle.Encoder.Known(req.Weather.Condition) {
		p.logger.Debug("unseen weather condition", "store_id", req.StoreID, "condition", req.Weather.Condition)
	}
	r := bundle.Model.PredictVector(row.Values(&bundle.Encoder))
	corrected := res.Baseline * (1 + r)
	res.Residual = &r
	res.Corrected = &corrected

	if v, ok := bundle.BaselineVersions[req.StoreID]; !ok || v != version {
		res.Stale = true
		p.logger.Warn("residual model trained against a different baseline",
			"store_id", req.StoreID,
			"baseline_version", version,
			"residual_baseline_version", v,
		)
	}
	return res, nil
}

// Period returns baseline-only forecasts for consecutive days.
func (p *Predictor) Period(ctx context.Context, req PeriodRequest) (PeriodResult, error) {
	if err := Validate(req); err != nil {
		return PeriodResult{}, err
	}
	date, err := parseDate(req.Date)
	if err != nil {
		return PeriodResult{}, err
	}
	rec, _, err := p.baseline(ctx, req.StoreID)
	if err != nil {
		return PeriodResult{}, err
	}
	days, values, err := p.baselineValues(ctx, rec, date, req.Days())
	if err != nil {
		return PeriodResult{}, err
	}

	out := PeriodResult{StoreID: req.StoreID, Days: make([]ForecastResult, len(days))}
	for i, d := range days {
		out.Days[i] = ForecastResult{StoreID: req.StoreID, Date: calendar.FormatDay(d), Baseline: values[i]}
		out.Total += values[i]
	}
	return out, nil
}

// Composed returns the corrected forecast for the requested day followed by
// 61 baseline days, with inferred closure weekdays zeroed.
func (p *Predictor) Composed(ctx context.Context, req DailyRequest) ([]ForecastResult, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}
	date, err := parseDate(req.Date)
	if err != nil {
		return nil, err
	}

	// One read serves the whole span so a concurrent retrain cannot mix
	// baseline versions.
	rec, version, err := p.baseline(ctx, req.StoreID)
	if err != nil {
		return nil, err
	}
	first, err := p.daily(ctx, req, date, rec, version)
	if err != nil {
		return nil, err
	}
	days, values, err := p.baselineValues(ctx, rec, date.AddDate(0, 0, 1), ComposedDays-1)
	if err != nil {
		return nil, err
	}

	out := make([]ForecastResult, 0, ComposedDays)
	out = append(out, first)
	for i, d := range days {
		out = append(out, ForecastResult{StoreID: req.StoreID, Date: calendar.FormatDay(d), Baseline: values[i]})
	}

	closed := ClosureWeekdays(req.Recent, date)
	if len(closed) > 0 {
		p.logger.Debug("closure weekdays inferred", "store_id", req.StoreID, "weekdays", closed)
	}
	return ApplyOverride(out, closed), nil
}

// Batch forecasts the requests in order. The first failing row stops the
// batch and is returned as a *RowError, without the rows before it.
func (p *Predictor) Batch(ctx context.Context, reqs []DailyRequest) ([]ForecastResult, error) {
	out := make([]ForecastResult, 0, len(reqs))
	for i, req := range reqs {
		if err := ctx.Err(); err != nil {
			return nil, &RowError{Index: i, StoreID: req.StoreID, Err: err}
		}
		res, err := p.Daily(ctx, req)
		if err != nil {
			return nil, &RowError{Index: i, StoreID: req.StoreID, Err: err}
		}
		out = append(out, res)
	}
	return out, nil
}
