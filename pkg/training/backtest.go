package training

import (
	"context"
	"fmt"
	"time"

	"github.com/HatiCode/revcast/pkg/dataset"
	"github.com/HatiCode/revcast/pkg/features"
	"github.com/HatiCode/revcast/pkg/search"
)

// Backtester produces out-of-sample baseline scores for residual training.
type Backtester struct {
	Registry *Registry
	// Months is the length of the walk-forward window.
	Months int
}

// NewBacktester creates a backtester over the last 12 months.
func NewBacktester(reg *Registry) *Backtester {
	return &Backtester{Registry: reg, Months: backtestMonths}
}

// Score returns a baseline score for every operating day of s.
//
// Each month of the trailing window is predicted by a model refitted with
// the chosen parameters on operating days strictly before the month, and
// carries a prediction interval. When fewer than 180 such days exist the
// stored backtest model stands in; without one the month is left to the
// full model. Days the walk-forward does not cover are scored in-sample by
// the full model and carry no interval.
func (b *Backtester) Score(ctx context.Context, s dataset.StoreSeries, res BaselineResult) (map[time.Time]features.Score, error) {
	st, err := b.Registry.Lookup(res.Archetype)
	if err != nil {
		return nil, err
	}
	if res.Model == nil {
		return nil, fmt.Errorf("store %s: no baseline model", s.StoreID)
	}

	op := s.Operating()
	scores := make(map[time.Time]features.Score, op.Len())
	if op.Len() == 0 {
		return scores, nil
	}

	all := dates(op)
	fc, err := PredictDates(ctx, st, res.Model, all, res.Cap, res.Floor)
	if err != nil {
		return nil, fmt.Errorf("store %s: in-sample scoring: %w", s.StoreID, err)
	}
	for i, d := range all {
		scores[d] = features.Score{Yhat: fc.Values[i]}
	}

	for _, f := range search.TrailingMonths(op.Last(), b.Months) {
		test := op.Between(f.Start, f.End)
		if test.Len() == 0 {
			continue
		}

		train := op.Before(f.Start)
		m := res.Backtest
		if train.Len() >= minBacktestRows {
			m, err = st.Fit(ctx, train, res.Cap, res.Floor, res.Params)
			if err != nil {
				return nil, fmt.Errorf("store %s: backtest %s: %w", s.StoreID, f.Start.Format("2006-01"), err)
			}
		}
		if m == nil {
			continue
		}

		days := dates(test)
		out, err := PredictDates(ctx, st, m, days, res.Cap, res.Floor)
		if err != nil {
			return nil, fmt.Errorf("store %s: backtest %s: %w", s.StoreID, f.Start.Format("2006-01"), err)
		}
		for i, d := range days {
			scores[d] = features.Score{
				Yhat:        out.Values[i],
				Lower:       out.Lower[i],
				Upper:       out.Upper[i],
				HasInterval: true,
			}
		}
	}
	return scores, nil
}
