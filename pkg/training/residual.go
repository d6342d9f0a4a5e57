package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/HatiCode/revcast/pkg/features"
	"github.com/HatiCode/revcast/pkg/models"
	"github.com/HatiCode/revcast/pkg/search"
)

// Residual hyperparameter names.
const (
	ParamEstimators = "n_estimators"
	ParamRate       = "learning_rate"
	ParamDepth      = "max_depth"
	ParamSubsample  = "subsample"
	ParamColsample  = "colsample_bytree"
	ParamAlpha      = "reg_alpha"
	ParamLambda     = "reg_lambda"
)

// ResidualSpace is the residual model search space.
func ResidualSpace() search.Space {
	return search.Space{
		ParamEstimators: search.IntRange{Lo: 100, Hi: 600},
		ParamRate:       search.LogUniform{Lo: 0.005, Hi: 0.1},
		ParamDepth:      search.IntRange{Lo: 3, Hi: 10},
		ParamSubsample:  search.Uniform{Lo: 0.5, Hi: 1},
		ParamColsample:  search.Uniform{Lo: 0.5, Hi: 1},
		ParamAlpha:      search.Uniform{Lo: 0, Hi: 2},
		ParamLambda:     search.Uniform{Lo: 1, Hi: 5},
	}
}

// boostParams maps sampled values onto BoostParams, keeping defaults for
// names the space does not carry.
func boostParams(p search.Params, seed uint64) models.BoostParams {
	bp := models.DefaultBoostParams()
	bp.Seed = seed
	if _, ok := p[ParamEstimators]; ok {
		bp.NEstimators = p.Int(ParamEstimators)
	}
	if v, ok := p[ParamRate]; ok {
		bp.LearningRate = v
	}
	if _, ok := p[ParamDepth]; ok {
		bp.MaxDepth = p.Int(ParamDepth)
	}
	if v, ok := p[ParamSubsample]; ok {
		bp.Subsample = v
	}
	if v, ok := p[ParamColsample]; ok {
		bp.ColsampleByTree = v
	}
	if v, ok := p[ParamAlpha]; ok {
		bp.Alpha = v
	}
	if v, ok := p[ParamLambda]; ok {
		bp.Lambda = v
	}
	return bp
}

// Diagnostics summarizes a residual training run.
type Diagnostics struct {
	FoldMAE    []float64          `json:"fold_mae"`
	MeanMAE    float64            `json:"mean_mae"`
	MedianMAE  float64            `json:"median_mae"`
	Params     models.BoostParams `json:"params"`
	Trials     int                `json:"trials"`
	RowsBefore int                `json:"rows_before_filter"`
	RowsAfter  int                `json:"rows_after_filter"`
	Classes    []string           `json:"weather_classes"`
	TrainedAt  time.Time          `json:"trained_at"`
}

// Text renders the diagnostics as a human-readable log.
func (d Diagnostics) Text() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "residual model trained at %s\n", d.TrainedAt.Format(time.RFC3339))
	fmt.Fprintf(&sb, "rows: %d before outlier filter, %d after\n", d.RowsBefore, d.RowsAfter)
	fmt.Fprintf(&sb, "trials: %d\n", d.Trials)
	for i, mae := range d.FoldMAE {
		fmt.Fprintf(&sb, "fold %d MAE: %.6f\n", i+1, mae)
	}
	fmt.Fprintf(&sb, "mean MAE: %.6f\n", d.MeanMAE)
	fmt.Fprintf(&sb, "median MAE: %.6f\n", d.MedianMAE)
	fmt.Fprintf(&sb, "params: n_estimators=%d learning_rate=%.5f max_depth=%d subsample=%.3f colsample_bytree=%.3f reg_alpha=%.3f reg_lambda=%.3f\n",
		d.Params.NEstimators, d.Params.LearningRate, d.Params.MaxDepth,
		d.Params.Subsample, d.Params.ColsampleByTree, d.Params.Alpha, d.Params.Lambda)
	fmt.Fprintf(&sb, "weather classes: %s\n", strings.Join(d.Classes, ", "))
	return sb.String()
}

// ResidualResult is a trained residual model with its encoder.
type ResidualResult struct {
	Model       *models.GradientBoosted
	Encoder     models.WeatherEncoder
	Diagnostics Diagnostics
}

// ResidualTrainer fits the shared residual model.
type ResidualTrainer struct {
	Trials int
	Seed   uint64
	// Months is the number of trailing monthly folds.
	Months int
	Space  search.Space

	logger *slog.Logger
}

// NewResidualTrainer creates a trainer with 40 trials, seed 42 and four
// monthly folds.
func NewResidualTrainer(logger *slog.Logger) *ResidualTrainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResidualTrainer{Trials: 40, Seed: 42, Months: 4, Space: ResidualSpace(), logger: logger}
}

// FilterOutliers drops rows whose revenue falls outside the backtested
// prediction interval. Rows without an interval are kept.
func FilterOutliers(rows []features.ResidualRow) []features.ResidualRow {
	out := make([]features.ResidualRow, 0, len(rows))
	for _, r := range rows {
		if r.Score.HasInterval && (r.Revenue < r.Score.Lower || r.Revenue > r.Score.Upper) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Train fits the residual model on rows from every store.
func (t *ResidualTrainer) Train(ctx context.Context, rows []features.ResidualRow) (ResidualResult, error) {
	if len(rows) == 0 {
		return ResidualResult{}, errors.New("residual: no training rows")
	}

	normalized := make([]features.ResidualRow, len(rows))
	conditions := make([]string, len(rows))
	for i, r := range rows {
		r.Condition = models.NormalizeCondition(r.Condition)
		normalized[i] = r
		conditions[i] = r.Condition
	}

	var enc models.WeatherEncoder
	enc.Fit(conditions)

	filtered := FilterOutliers(normalized)
	if len(filtered) == 0 {
		return ResidualResult{}, errors.New("residual: every row was filtered as an outlier")
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		if !filtered[i].Date.Equal(filtered[j].Date) {
			return filtered[i].Date.Before(filtered[j].Date)
		}
		return filtered[i].StoreID < filtered[j].StoreID
	})

	frame := features.Frame(filtered, &enc)
	last := filtered[len(filtered)-1].Date
	folds := search.TrailingMonths(last, t.Months)

	start := time.Now()
	var foldScores [][]float64
	sr, err := search.RandomSearch(ctx, t.Space, t.Trials, t.Seed, func(ctx context.Context, p search.Params) (float64, error) {
		score, scores, err := search.WalkForward(ctx, folds, func(ctx context.Context, f search.Fold) (float64, bool, error) {
			return t.foldMAE(ctx, filtered, frame, f, boostParams(p, t.Seed))
		})
		foldScores = append(foldScores, scores)
		return score, err
	})
	if err != nil {
		return ResidualResult{}, fmt.Errorf("residual: search: %w", err)
	}

	best := boostParams(sr.Best, t.Seed)
	model := models.NewGradientBoosted(features.ResidualColumns, best)
	if err := model.Train(ctx, frame); err != nil {
		return ResidualResult{}, fmt.Errorf("residual: final fit: %w", err)
	}

	diag := Diagnostics{
		Params:     best,
		Trials:     len(sr.Trials),
		RowsBefore: len(rows),
		RowsAfter:  len(filtered),
		Classes:    append([]string(nil), enc.Classes...),
		TrainedAt:  time.Now().UTC(),
	}
	if !math.IsInf(sr.BestScore, 1) {
		for i, tr := range sr.Trials {
			if tr.Score == sr.BestScore {
				diag.FoldMAE = foldScores[i]
				break
			}
		}
	}
	if len(diag.FoldMAE) > 0 {
		sorted := append([]float64(nil), diag.FoldMAE...)
		sort.Float64s(sorted)
		diag.MeanMAE = stat.Mean(sorted, nil)
		diag.MedianMAE = stat.Quantile(0.5, stat.LinInterp, sorted, nil)
	}

	t.logger.Info("residual model trained",
		"rows_before", diag.RowsBefore,
		"rows_after", diag.RowsAfter,
		"trials", diag.Trials,
		"mean_mae", diag.MeanMAE,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return ResidualResult{Model: model, Encoder: enc, Diagnostics: diag}, nil
}

// foldMAE trains on rows dated before the fold and scores the fold. Rows are
// sorted by date, so both sides are index ranges.
func (t *ResidualTrainer) foldMAE(
	ctx context.Context,
	rows []features.ResidualRow,
	frame models.FeatureFrame,
	f search.Fold,
	params models.BoostParams,
) (float64, bool, error) {
	lo := sort.Search(len(rows), func(i int) bool { return !rows[i].Date.Before(f.Start) })
	hi := sort.Search(len(rows), func(i int) bool { return !rows[i].Date.Before(f.End) })
	if lo == 0 || hi == lo {
		return 0, false, nil
	}

	m := models.NewGradientBoosted(features.ResidualColumns, params)
	if err := m.Train(ctx, models.FeatureFrame{Rows: frame.Rows[:lo]}); err != nil {
		return 0, false, err
	}
	test := models.FeatureFrame{Rows: frame.Rows[lo:hi]}
	fc, err := m.Predict(ctx, test)
	if err != nil {
		return 0, false, err
	}
	actual := make([]float64, len(test.Rows))
	for i, row := range test.Rows {
		actual[i] = row["y"]
	}
	return MAE(actual, fc.Values), true, nil
}
