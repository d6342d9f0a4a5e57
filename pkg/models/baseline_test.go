package models

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"
)

// makeRevenueFrame builds n daily rows starting 2023-01-02 (a Monday) with a
// weekend uplift and a gentle upward trend.
func makeRevenueFrame(n int) FeatureFrame {
	start := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)
	rows := make([]map[string]float64, n)
	for i := range n {
		d := start.AddDate(0, 0, i)
		y := 1000 + 0.5*float64(i)
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			y += 300
		}
		rows[i] = map[string]float64{
			ColDS:      float64(d.Unix() / 86400),
			ColY:       y,
			ColCap:     2500,
			ColFloor:   0,
			ColHoliday: 0,
		}
	}
	return FeatureFrame{Rows: rows}
}

func TestBaselineModel_Name(t *testing.T) {
	model := NewBaselineModel(DefaultBaselineConfig())
	if got := model.Name(); got != "baseline" {
		t.Errorf("Name() = %q, want %q", got, "baseline")
	}
}

func TestBaselineModel_Train_Errors(t *testing.T) {
	tests := []struct {
		name  string
		frame FeatureFrame
	}{
		{
			name:  "too few rows",
			frame: makeRevenueFrame(5),
		},
		{
			name: "cap not above floor",
			frame: func() FeatureFrame {
				f := makeRevenueFrame(30)
				f.Rows[3][ColCap] = 0
				return f
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := NewBaselineModel(DefaultBaselineConfig())
			if err := model.Train(context.Background(), tt.frame); err == nil {
				t.Error("Train() expected error")
			}
		})
	}
}

func TestBaselineModel_Predict_NotTrained(t *testing.T) {
	model := NewBaselineModel(DefaultBaselineConfig())
	_, err := model.Predict(context.Background(), makeRevenueFrame(3))
	if !errors.Is(err, ErrNotTrained) {
		t.Errorf("Predict() error = %v, want ErrNotTrained", err)
	}
}

func TestBaselineModel_LearnsWeeklyPattern(t *testing.T) {
	all := makeRevenueFrame(758)
	train := FeatureFrame{Rows: all.Rows[:730]}
	test := FeatureFrame{Rows: all.Rows[730:]}

	model := NewBaselineModel(DefaultBaselineConfig())
	if err := model.Train(context.Background(), train); err != nil {
		t.Fatalf("Train() error = %v", err)
	}

	fc, err := model.Predict(context.Background(), test)
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	if len(fc.Values) != len(test.Rows) {
		t.Fatalf("len(Values) = %d, want %d", len(fc.Values), len(test.Rows))
	}

	var mape float64
	for i, row := range test.Rows {
		mape += math.Abs(fc.Values[i]-row[ColY]) / row[ColY]
	}
	mape /= float64(len(test.Rows))
	if mape > 0.1 {
		t.Errorf("mean absolute percentage error = %.3f, want <= 0.1", mape)
	}
}

func TestBaselineModel_RespectsCapAndFloor(t *testing.T) {
	frame := makeRevenueFrame(200)
	for _, row := range frame.Rows {
		row[ColFloor] = 800
		row[ColCap] = 1500
	}

	model := NewBaselineModel(DefaultBaselineConfig())
	if err := model.Train(context.Background(), frame); err != nil {
		t.Fatalf("Train() error = %v", err)
	}
	fc, err := model.Predict(context.Background(), frame)
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}

	for i := range fc.Values {
		if fc.Values[i] <= 800 || fc.Values[i] >= 1500 {
			t.Fatalf("value[%d] = %.2f outside (800, 1500)", i, fc.Values[i])
		}
		if fc.Lower[i] > fc.Values[i] || fc.Upper[i] < fc.Values[i] {
			t.Fatalf("interval [%.2f, %.2f] does not contain %.2f", fc.Lower[i], fc.Upper[i], fc.Values[i])
		}
	}
}

func TestBaselineModel_PersistReload(t *testing.T) {
	frame := makeRevenueFrame(300)
	frame.Rows[40][ColHoliday] = 1
	frame.Rows[40][ColY] = 400

	model := NewBaselineModel(DefaultBaselineConfig())
	if err := model.Train(context.Background(), frame); err != nil {
		t.Fatalf("Train() error = %v", err)
	}

	data, err := json.Marshal(model)
	if err != nil {
		t.Fatalf("Marshal error = %v", err)
	}

	reloaded := &BaselineModel{}
	if err := json.Unmarshal(data, reloaded); err != nil {
		t.Fatalf("Unmarshal error = %v", err)
	}

	future := makeRevenueFrame(310)
	query := FeatureFrame{Rows: future.Rows[295:]}

	want, err := model.Predict(context.Background(), query)
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	got, err := reloaded.Predict(context.Background(), query)
	if err != nil {
		t.Fatalf("reloaded Predict() error = %v", err)
	}

	for i := range want.Values {
		if got.Values[i] != want.Values[i] {
			t.Errorf("yhat[%d] = %v after reload, want %v", i, got.Values[i], want.Values[i])
		}
		if got.Lower[i] != want.Lower[i] || got.Upper[i] != want.Upper[i] {
			t.Errorf("interval[%d] changed after reload", i)
		}
	}
}

func TestBaselineModel_UnmarshalRejectsMismatch(t *testing.T) {
	data := []byte(`{"config":{"weekly":"direct","yearly_order":1,"weekly_order":1},"beta":[1,2]}`)
	var m BaselineModel
	if err := json.Unmarshal(data, &m); err == nil {
		t.Error("expected error for coefficient count mismatch")
	}
}

func TestBaselineModel_ConditionalWeekly(t *testing.T) {
	frame := makeRevenueFrame(240)
	for i, row := range frame.Rows {
		if i%60 < 40 {
			row[ColOnSemester] = 1
		} else {
			row[ColOnVacation] = 1
			row[ColY] *= 0.6
		}
	}

	cfg := DefaultBaselineConfig()
	cfg.Weekly = WeeklyConditional
	model := NewBaselineModel(cfg)
	if err := model.Train(context.Background(), frame); err != nil {
		t.Fatalf("Train() error = %v", err)
	}

	direct := NewBaselineModel(DefaultBaselineConfig())
	if err := direct.Train(context.Background(), frame); err != nil {
		t.Fatalf("Train() error = %v", err)
	}

	if model.width() != direct.width()+2*cfg.WeeklyOrder {
		t.Errorf("conditional width = %d, want %d", model.width(), direct.width()+2*cfg.WeeklyOrder)
	}

	if _, err := model.Predict(context.Background(), frame); err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
}
