// Package models implements the two forecasting stages used by revcast: a
// per-store seasonal baseline and a shared gradient-boosted residual model.
//
// Both satisfy [Model], operate on [FeatureFrame] rows keyed by column name,
// and serialize to self-contained JSON so that a reloaded model reproduces
// the predictions of the model that was saved.
package models

import (
	"context"
	"errors"
)

// FeatureFrame is a column-keyed table of float features.
type FeatureFrame struct {
	Rows []map[string]float64
}

// Forecast holds model output for each row of the input frame.
// Lower and Upper are empty for models without prediction intervals.
type Forecast struct {
	Metric  string
	Values  []float64
	Lower   []float64
	Upper   []float64
	StepSec int
	Horizon int
}

// Model is the interface all revcast models implement.
type Model interface {
	// Name returns the model identifier.
	Name() string

	// Train fits the model on historical rows.
	Train(ctx context.Context, history FeatureFrame) error

	// Predict scores every row of features.
	Predict(ctx context.Context, features FeatureFrame) (Forecast, error)
}

// ErrNotTrained is returned when Predict is called before Train.
var ErrNotTrained = errors.New("model is not trained")

var (
	_ Model = (*BaselineModel)(nil)
	_ Model = (*GradientBoosted)(nil)
)
