package search

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"
	"time"
)

func TestMonthlyFolds(t *testing.T) {
	last := time.Date(2024, 12, 17, 0, 0, 0, 0, time.UTC)
	folds := MonthlyFolds(last, 5)

	want := []string{"2024-07-01", "2024-08-01", "2024-09-01", "2024-10-01", "2024-11-01"}
	if len(folds) != len(want) {
		t.Fatalf("len(folds) = %d, want %d", len(folds), len(want))
	}
	for i, f := range folds {
		if got := f.Start.Format("2006-01-02"); got != want[i] {
			t.Errorf("fold[%d].Start = %s, want %s", i, got, want[i])
		}
		if !f.End.Equal(f.Start.AddDate(0, 1, 0)) {
			t.Errorf("fold[%d] does not span one month", i)
		}
	}

	if !folds[4].Contains(time.Date(2024, 11, 30, 0, 0, 0, 0, time.UTC)) {
		t.Error("last fold should contain 2024-11-30")
	}
	if folds[4].Contains(time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)) {
		t.Error("fold end is exclusive")
	}
}

func TestTrailingMonths(t *testing.T) {
	tests := []struct {
		name       string
		last       string
		n          int
		wantFirst  string
		wantLatest string
	}{
		{"mid month", "2024-12-17", 12, "2024-01-01", "2024-12-01"},
		{"end of 31-day month", "2025-03-31", 4, "2024-12-01", "2025-03-01"},
		{"january 29", "2025-01-29", 4, "2024-10-01", "2025-01-01"},
		{"january 30", "2025-01-30", 4, "2024-10-01", "2025-01-01"},
		{"january 31", "2025-01-31", 4, "2024-10-01", "2025-01-01"},
		{"leap day", "2024-02-29", 3, "2023-12-01", "2024-02-01"},
		{"end of 30-day month", "2024-05-31", 4, "2024-02-01", "2024-05-01"},
		{"first of month", "2024-06-01", 2, "2024-05-01", "2024-06-01"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			last, _ := time.Parse("2006-01-02", tt.last)
			folds := TrailingMonths(last, tt.n)
			if len(folds) != tt.n {
				t.Fatalf("len = %d, want %d", len(folds), tt.n)
			}
			if got := folds[0].Start.Format("2006-01-02"); got != tt.wantFirst {
				t.Errorf("first fold = %s, want %s", got, tt.wantFirst)
			}
			latest := folds[tt.n-1]
			if got := latest.Start.Format("2006-01-02"); got != tt.wantLatest {
				t.Errorf("latest fold = %s, want %s", got, tt.wantLatest)
			}
			if !latest.Contains(last) {
				t.Errorf("latest fold [%s, %s) does not contain %s", latest.Start, latest.End, tt.last)
			}
			for i := 1; i < len(folds); i++ {
				if !folds[i].Start.Equal(folds[i-1].End) {
					t.Errorf("fold %d starts %s, previous ends %s", i, folds[i].Start, folds[i-1].End)
				}
			}
		})
	}
}

func TestRandomSearch_FindsMinimum(t *testing.T) {
	space := Space{
		"x": Choice{1, 2, 3, 4},
		"y": Choice{0.1, 1, 10},
	}
	obj := func(ctx context.Context, p Params) (float64, error) {
		return math.Abs(p["x"]-3) + math.Abs(p["y"]-1), nil
	}

	res, err := RandomSearch(context.Background(), space, 100, 42, obj)
	if err != nil {
		t.Fatalf("RandomSearch error: %v", err)
	}
	if len(res.Trials) != 12 {
		t.Errorf("trials = %d, want 12 (space exhausted once)", len(res.Trials))
	}
	if res.Best["x"] != 3 || res.Best["y"] != 1 {
		t.Errorf("best = %v, want x=3 y=1", res.Best)
	}
	if res.BestScore != 0 {
		t.Errorf("best score = %v, want 0", res.BestScore)
	}
}

func TestRandomSearch_FailedTrialScoresInf(t *testing.T) {
	space := Space{"x": Choice{1, 2}}
	obj := func(ctx context.Context, p Params) (float64, error) {
		if p["x"] == 1 {
			return 0, errors.New("fit failed")
		}
		if p["x"] == 2 {
			return math.NaN(), nil
		}
		return 1, nil
	}

	res, err := RandomSearch(context.Background(), space, 10, 7, obj)
	if err != nil {
		t.Fatalf("RandomSearch error: %v", err)
	}
	if len(res.Trials) != 2 {
		t.Fatalf("trials = %d, want 2", len(res.Trials))
	}
	for _, tr := range res.Trials {
		if !math.IsInf(tr.Score, 1) {
			t.Errorf("trial %v score = %v, want +Inf", tr.Params, tr.Score)
		}
	}
	if res.Best == nil {
		t.Error("best should still be set when every trial fails")
	}
}

func TestRandomSearch_Deterministic(t *testing.T) {
	space := Space{
		"lr":    LogUniform{0.005, 0.1},
		"depth": IntRange{3, 10},
		"sub":   Uniform{0.5, 1},
	}
	var first []Params
	obj := func(ctx context.Context, p Params) (float64, error) { return p["lr"], nil }

	for run := range 2 {
		res, err := RandomSearch(context.Background(), space, 5, 42, obj)
		if err != nil {
			t.Fatal(err)
		}
		for i, tr := range res.Trials {
			if run == 0 {
				first = append(first, tr.Params)
				continue
			}
			for k, v := range tr.Params {
				if first[i][k] != v {
					t.Fatalf("trial %d param %s differs between runs", i, k)
				}
			}
		}
	}
}

func TestRandomSearch_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := RandomSearch(ctx, Space{"x": Uniform{0, 1}}, 5, 1, func(ctx context.Context, p Params) (float64, error) {
		return 0, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRandomSearch_InvalidInput(t *testing.T) {
	obj := func(ctx context.Context, p Params) (float64, error) { return 0, nil }
	if _, err := RandomSearch(context.Background(), Space{}, 5, 1, obj); err == nil {
		t.Error("expected error for empty space")
	}
	if _, err := RandomSearch(context.Background(), Space{"x": Choice{1}}, 0, 1, obj); err == nil {
		t.Error("expected error for zero trials")
	}
}

func TestDimensions_InRange(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	tests := []struct {
		name   string
		dim    Dimension
		lo, hi float64
	}{
		{"int range", IntRange{100, 600}, 100, 600},
		{"uniform", Uniform{0.5, 1}, 0.5, 1},
		{"log uniform", LogUniform{0.005, 0.1}, 0.005, 0.1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for range 1000 {
				v := tt.dim.Sample(rng)
				if v < tt.lo || v > tt.hi {
					t.Fatalf("sample %v outside [%v, %v]", v, tt.lo, tt.hi)
				}
			}
		})
	}
}

func TestWalkForward(t *testing.T) {
	folds := MonthlyFolds(time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC), 4)

	mean, scores, err := WalkForward(context.Background(), folds, func(ctx context.Context, f Fold) (float64, bool, error) {
		if f.Start.Month() == time.March {
			return 0, false, nil
		}
		return float64(f.Start.Month()), true, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(scores) != 3 {
		t.Fatalf("scores = %v, want 3 entries", scores)
	}
	if want := (2.0 + 4.0 + 5.0) / 3; mean != want {
		t.Errorf("mean = %v, want %v", mean, want)
	}

	mean, _, err = WalkForward(context.Background(), folds, func(ctx context.Context, f Fold) (float64, bool, error) {
		return 0, false, errors.New("boom")
	})
	if err == nil || !math.IsInf(mean, 1) {
		t.Errorf("failing fold: mean = %v err = %v, want +Inf and error", mean, err)
	}

	mean, _, _ = WalkForward(context.Background(), folds, func(ctx context.Context, f Fold) (float64, bool, error) {
		return 0, false, nil
	})
	if !math.IsInf(mean, 1) {
		t.Errorf("no scored folds: mean = %v, want +Inf", mean)
	}
}
