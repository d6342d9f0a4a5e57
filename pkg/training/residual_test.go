package training

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/HatiCode/revcast/pkg/features"
	"github.com/HatiCode/revcast/pkg/search"
)

func residualRows(n int) []features.ResidualRow {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	conditions := []string{"Clear", "Rain", "Haze", "Clouds"}
	var rows []features.ResidualRow
	for i := range n {
		d := start.AddDate(0, 0, i)
		for _, id := range []string{"1", "2"} {
			w := float64(i%7) / 10
			rev := 1000 * (1 + w)
			rows = append(rows, features.ResidualRow{
				StoreID:       id,
				Date:          d,
				Revenue:       rev,
				Score:         features.Score{Yhat: 1000, Lower: 500, Upper: 2000, HasInterval: i%3 == 0},
				Y:             w,
				Temperature:   float64(i % 30),
				Precipitation: float64(i % 4),
				Condition:     conditions[i%len(conditions)],
				DayOfWeek:     i % 7,
				IsWeekend:     i%7 >= 5,
			})
		}
	}
	return rows
}

func TestFilterOutliers(t *testing.T) {
	rows := []features.ResidualRow{
		{Revenue: 100, Score: features.Score{Lower: 50, Upper: 150, HasInterval: true}},
		{Revenue: 400, Score: features.Score{Lower: 50, Upper: 150, HasInterval: true}},
		{Revenue: 10, Score: features.Score{Lower: 50, Upper: 150, HasInterval: true}},
		{Revenue: 999, Score: features.Score{Yhat: 100}},
	}
	got := FilterOutliers(rows)
	if len(got) != 2 {
		t.Fatalf("len(FilterOutliers()) = %d, want 2", len(got))
	}
	if got[0].Revenue != 100 || got[1].Revenue != 999 {
		t.Errorf("kept %v and %v, want in-interval row and row without interval", got[0].Revenue, got[1].Revenue)
	}
}

func TestResidualTrainer_FilterShrinksTrainingSet(t *testing.T) {
	rows := residualRows(200)
	rows[0].Revenue = 5000
	rows[6].Revenue = 1

	tr := NewResidualTrainer(nil)
	tr.Trials = 2
	tr.Space = search.Space{
		ParamEstimators: search.IntRange{Lo: 10, Hi: 20},
		ParamDepth:      search.IntRange{Lo: 2, Hi: 3},
	}
	res, err := tr.Train(context.Background(), rows)
	if err != nil {
		t.Fatalf("Train() error = %v", err)
	}
	d := res.Diagnostics
	if d.RowsBefore != len(rows) {
		t.Errorf("RowsBefore = %d, want %d", d.RowsBefore, len(rows))
	}
	if d.RowsAfter >= d.RowsBefore {
		t.Errorf("RowsAfter = %d, want fewer than %d", d.RowsAfter, d.RowsBefore)
	}
	if len(d.FoldMAE) == 0 {
		t.Fatal("FoldMAE empty, want trailing fold scores")
	}
	for i, v := range d.FoldMAE {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Errorf("FoldMAE[%d] = %v, want finite", i, v)
		}
	}
	// Haze normalizes into Fog.
	if strings.Join(res.Encoder.Classes, ",") != "Clear,Clouds,Fog,Rain" {
		t.Errorf("Classes = %v", res.Encoder.Classes)
	}
	if !strings.Contains(d.Text(), "median MAE") {
		t.Errorf("Text() = %q, want median line", d.Text())
	}
	if !res.Model.Trained() {
		t.Error("model not trained")
	}
}

func TestResidualTrainer_ScoresFourMonthsEndingOnMonthEnd(t *testing.T) {
	// 2024-01-01 through 2024-05-31.
	rows := residualRows(152)
	if last := rows[len(rows)-1].Date; last.Format("2006-01-02") != "2024-05-31" {
		t.Fatalf("fixture ends %s, want 2024-05-31", last.Format("2006-01-02"))
	}

	tr := NewResidualTrainer(nil)
	tr.Trials = 1
	tr.Space = search.Space{
		ParamEstimators: search.IntRange{Lo: 10, Hi: 10},
		ParamDepth:      search.IntRange{Lo: 2, Hi: 2},
	}
	res, err := tr.Train(context.Background(), rows)
	if err != nil {
		t.Fatalf("Train() error = %v", err)
	}
	if got := len(res.Diagnostics.FoldMAE); got != 4 {
		t.Errorf("scored folds = %d, want 4 (February to May)", got)
	}
}

func TestResidualTrainer_NoRows(t *testing.T) {
	if _, err := NewResidualTrainer(nil).Train(context.Background(), nil); err == nil {
		t.Error("Train(nil) error = nil, want error")
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeFull, false},
		{"cluster", ModeCluster, false},
		{"baseline", ModeBaseline, false},
		{"residual", ModeResidual, false},
		{"full", ModeFull, false},
		{"everything", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseMode(%q) = %q, %v; want %q, err %v", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}
