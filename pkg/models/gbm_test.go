package models

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
)

var testFeatures = []string{"a", "b"}

// stepFrame builds rows where y depends on a step in feature a and a linear
// effect of feature b.
func stepFrame(n int) FeatureFrame {
	rows := make([]map[string]float64, n)
	for i := range n {
		a := float64(i % 10)
		b := float64(i%7) / 7
		y := 0.5 * b
		if a >= 5 {
			y += 1
		}
		rows[i] = map[string]float64{"a": a, "b": b, "y": y}
	}
	return FeatureFrame{Rows: rows}
}

func TestGradientBoosted_Fit(t *testing.T) {
	params := DefaultBoostParams()
	params.NEstimators = 150
	params.LearningRate = 0.1
	params.MaxDepth = 3

	model := NewGradientBoosted(testFeatures, params)
	frame := stepFrame(300)
	if err := model.Train(context.Background(), frame); err != nil {
		t.Fatalf("Train() error = %v", err)
	}

	fc, err := model.Predict(context.Background(), frame)
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}

	var mae float64
	for i, row := range frame.Rows {
		mae += math.Abs(fc.Values[i] - row["y"])
	}
	mae /= float64(len(frame.Rows))
	if mae > 0.05 {
		t.Errorf("training MAE = %.4f, want <= 0.05", mae)
	}
}

func TestGradientBoosted_Deterministic(t *testing.T) {
	params := DefaultBoostParams()
	params.NEstimators = 30

	frame := stepFrame(200)
	m1 := NewGradientBoosted(testFeatures, params)
	m2 := NewGradientBoosted(testFeatures, params)
	if err := m1.Train(context.Background(), frame); err != nil {
		t.Fatal(err)
	}
	if err := m2.Train(context.Background(), frame); err != nil {
		t.Fatal(err)
	}

	for _, row := range frame.Rows[:20] {
		v := []float64{row["a"], row["b"]}
		if m1.PredictVector(v) != m2.PredictVector(v) {
			t.Fatalf("same seed produced different predictions")
		}
	}
}

func TestGradientBoosted_RegularizationShrinksLeaves(t *testing.T) {
	frame := stepFrame(100)

	loose := DefaultBoostParams()
	loose.NEstimators = 1
	loose.Subsample, loose.ColsampleByTree = 1, 1
	loose.Lambda = 0

	strict := loose
	strict.Alpha = 1000

	m1 := NewGradientBoosted(testFeatures, loose)
	m2 := NewGradientBoosted(testFeatures, strict)
	if err := m1.Train(context.Background(), frame); err != nil {
		t.Fatal(err)
	}
	if err := m2.Train(context.Background(), frame); err != nil {
		t.Fatal(err)
	}

	// With an alpha larger than any gradient sum, every leaf weight is zero
	// and predictions collapse to the base score.
	v := []float64{9, 0.5}
	if got := m2.PredictVector(v); got != m2.base {
		t.Errorf("strict prediction = %v, want base %v", got, m2.base)
	}
	if m1.PredictVector(v) == m1.base {
		t.Error("unregularized tree should move away from the base score")
	}
}

func TestGradientBoosted_PersistReload(t *testing.T) {
	params := DefaultBoostParams()
	params.NEstimators = 20

	model := NewGradientBoosted(testFeatures, params)
	frame := stepFrame(120)
	if err := model.Train(context.Background(), frame); err != nil {
		t.Fatal(err)
	}

	data, err := json.Marshal(model)
	if err != nil {
		t.Fatal(err)
	}
	var reloaded GradientBoosted
	if err := json.Unmarshal(data, &reloaded); err != nil {
		t.Fatal(err)
	}

	want, _ := model.Predict(context.Background(), frame)
	got, err := reloaded.Predict(context.Background(), frame)
	if err != nil {
		t.Fatal(err)
	}
	for i := range want.Values {
		if got.Values[i] != want.Values[i] {
			t.Fatalf("prediction %d changed after reload: %v vs %v", i, got.Values[i], want.Values[i])
		}
	}
}

func TestGradientBoosted_Errors(t *testing.T) {
	tests := []struct {
		name   string
		model  *GradientBoosted
		frame  FeatureFrame
		params BoostParams
	}{
		{"empty frame", NewGradientBoosted(testFeatures, DefaultBoostParams()), FeatureFrame{}, DefaultBoostParams()},
		{"no features", NewGradientBoosted(nil, DefaultBoostParams()), stepFrame(10), DefaultBoostParams()},
		{"zero estimators", NewGradientBoosted(testFeatures, BoostParams{LearningRate: 0.1, MaxDepth: 3}), stepFrame(10), BoostParams{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.model.Train(context.Background(), tt.frame); err == nil {
				t.Error("Train() expected error")
			}
		})
	}

	untrained := NewGradientBoosted(testFeatures, DefaultBoostParams())
	if _, err := untrained.Predict(context.Background(), stepFrame(3)); !errors.Is(err, ErrNotTrained) {
		t.Errorf("Predict() error = %v, want ErrNotTrained", err)
	}
}

func TestGradientBoosted_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	model := NewGradientBoosted(testFeatures, DefaultBoostParams())
	if err := model.Train(ctx, stepFrame(50)); !errors.Is(err, context.Canceled) {
		t.Errorf("Train() error = %v, want context.Canceled", err)
	}
}
