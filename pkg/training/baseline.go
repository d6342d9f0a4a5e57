package training

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/HatiCode/revcast/pkg/dataset"
	"github.com/HatiCode/revcast/pkg/models"
	"github.com/HatiCode/revcast/pkg/search"
)

const (
	// minBaselineRows is the smallest operating history worth fitting.
	minBaselineRows = 30
	// minBacktestRows is the history required for a standalone backtest fit.
	minBacktestRows = 180
	// backtestMonths is the out-of-sample window used for intervals.
	backtestMonths = 12
)

// BaselineResult is a trained store baseline.
type BaselineResult struct {
	StoreID   string
	Archetype int
	Cap       float64
	Floor     float64
	Model     *models.BaselineModel
	// Backtest is fitted on history minus the last 12 months, or nil when
	// fewer than 180 operating days remain.
	Backtest *models.BaselineModel
	Params   search.Params
	Score    float64
	Trials   int
	LastDate time.Time
}

// BaselineTrainer searches baseline hyperparameters per store.
type BaselineTrainer struct {
	Registry *Registry
	// Trials overrides the per-archetype trial budget when positive.
	Trials int
	Seed   uint64

	logger *slog.Logger
}

// NewBaselineTrainer creates a trainer using the strategies in reg.
func NewBaselineTrainer(reg *Registry, logger *slog.Logger) *BaselineTrainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &BaselineTrainer{Registry: reg, Seed: 42, logger: logger}
}

// Train fits the baseline of one store. Zero-revenue days are excluded.
//
// Hyperparameters are chosen by walk-forward validation over the archetype's
// last M complete calendar months: each fold fits on operating days before
// the month and scores MAE on the month. The best parameters are refitted on
// the full history.
func (t *BaselineTrainer) Train(ctx context.Context, s dataset.StoreSeries, archetype int) (BaselineResult, error) {
	st, err := t.Registry.Lookup(archetype)
	if err != nil {
		return BaselineResult{}, err
	}
	profile := st.Profile()

	op := s.Operating()
	if op.Len() < minBaselineRows {
		return BaselineResult{}, fmt.Errorf("store %s: %d operating days, need %d", s.StoreID, op.Len(), minBaselineRows)
	}

	capacity, floor := st.Bounds(op)
	res := BaselineResult{
		StoreID:   s.StoreID,
		Archetype: archetype,
		Cap:       capacity,
		Floor:     floor,
		LastDate:  op.Last(),
	}

	trials := profile.Trials
	if t.Trials > 0 {
		trials = t.Trials
	}
	folds := search.MonthlyFolds(op.Last(), profile.SearchMonths)

	start := time.Now()
	sr, err := search.RandomSearch(ctx, SearchSpace(), trials, t.Seed, func(ctx context.Context, p search.Params) (float64, error) {
		score, _, err := search.WalkForward(ctx, folds, func(ctx context.Context, f search.Fold) (float64, bool, error) {
			return t.foldMAE(ctx, st, op, f, capacity, floor, p)
		})
		return score, err
	})
	if err != nil {
		return BaselineResult{}, fmt.Errorf("store %s: search: %w", s.StoreID, err)
	}
	res.Params = sr.Best
	res.Score = sr.BestScore
	res.Trials = len(sr.Trials)
	if math.IsInf(sr.BestScore, 1) {
		// No fold had both history and test days, or every fit failed.
		res.Params = DefaultParams()
		t.logger.Warn("no baseline trial scored, using default parameters",
			"store_id", s.StoreID,
			"trials", res.Trials,
		)
	}

	res.Model, err = st.Fit(ctx, op, capacity, floor, res.Params)
	if err != nil {
		return BaselineResult{}, fmt.Errorf("store %s: final fit: %w", s.StoreID, err)
	}

	cutoff := op.Last().AddDate(0, -backtestMonths, 0)
	if early := op.Before(cutoff); early.Len() >= minBacktestRows {
		res.Backtest, err = st.Fit(ctx, early, capacity, floor, res.Params)
		if err != nil {
			return BaselineResult{}, fmt.Errorf("store %s: backtest fit: %w", s.StoreID, err)
		}
	}

	t.logger.Debug("baseline trained",
		"store_id", s.StoreID,
		"archetype", profile.Name,
		"trials", res.Trials,
		"mae", res.Score,
		"backtest", res.Backtest != nil,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

// foldMAE fits on days before the fold and scores the fold's days. A fold
// without operating days is skipped.
func (t *BaselineTrainer) foldMAE(
	ctx context.Context,
	st Strategy,
	op dataset.StoreSeries,
	f search.Fold,
	capacity, floor float64,
	p search.Params,
) (float64, bool, error) {
	test := op.Between(f.Start, f.End)
	if test.Len() == 0 {
		return 0, false, nil
	}
	m, err := st.Fit(ctx, op.Before(f.Start), capacity, floor, p)
	if err != nil {
		return 0, false, err
	}
	fc, err := PredictDates(ctx, st, m, dates(test), capacity, floor)
	if err != nil {
		return 0, false, err
	}
	actual := make([]float64, test.Len())
	for i, pt := range test.Points {
		actual[i] = pt.Revenue
	}
	return MAE(actual, fc.Values), true, nil
}

// MAE returns the mean absolute error between actual and predicted.
func MAE(actual, predicted []float64) float64 {
	if len(actual) == 0 {
		return math.NaN()
	}
	return floats.Distance(actual, predicted, 1) / float64(len(actual))
}

func dates(s dataset.StoreSeries) []time.Time {
	out := make([]time.Time, len(s.Points))
	for i, p := range s.Points {
		out[i] = p.Date
	}
	return out
}
