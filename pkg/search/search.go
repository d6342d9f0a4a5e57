// Package search provides walk-forward validation folds and a seeded random
// hyperparameter search.
//
// A search evaluates an objective over sampled parameter sets and keeps the
// lowest score. Objectives that fail or return NaN score +Inf so that one
// broken trial never aborts the search.
package search

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"time"
)

// Params is one sampled parameter set.
type Params map[string]float64

// Int returns the named parameter rounded to an int.
func (p Params) Int(name string) int {
	return int(math.Round(p[name]))
}

// key returns a canonical representation used to skip duplicates.
func (p Params) key() string {
	names := make([]string, 0, len(p))
	for k := range p {
		names = append(names, k)
	}
	sort.Strings(names)
	var sb strings.Builder
	for _, k := range names {
		fmt.Fprintf(&sb, "%s=%g;", k, p[k])
	}
	return sb.String()
}

// Dimension samples one parameter value.
type Dimension interface {
	Sample(rng *rand.Rand) float64
}

// Choice samples uniformly from a fixed set of values.
type Choice []float64

func (c Choice) Sample(rng *rand.Rand) float64 { return c[rng.IntN(len(c))] }

// IntRange samples an integer uniformly from [Lo, Hi].
type IntRange struct{ Lo, Hi int }

func (r IntRange) Sample(rng *rand.Rand) float64 {
	return float64(r.Lo + rng.IntN(r.Hi-r.Lo+1))
}

// Uniform samples uniformly from [Lo, Hi).
type Uniform struct{ Lo, Hi float64 }

func (u Uniform) Sample(rng *rand.Rand) float64 {
	return u.Lo + rng.Float64()*(u.Hi-u.Lo)
}

// LogUniform samples log-uniformly from [Lo, Hi).
type LogUniform struct{ Lo, Hi float64 }

func (u LogUniform) Sample(rng *rand.Rand) float64 {
	lo, hi := math.Log(u.Lo), math.Log(u.Hi)
	return math.Exp(lo + rng.Float64()*(hi-lo))
}

// Space maps parameter names to dimensions.
type Space map[string]Dimension

// size returns the number of distinct parameter sets when every dimension
// is a Choice or IntRange, and -1 otherwise.
func (s Space) size() int {
	total := 1
	for _, d := range s {
		switch v := d.(type) {
		case Choice:
			total *= len(v)
		case IntRange:
			total *= v.Hi - v.Lo + 1
		default:
			return -1
		}
	}
	return total
}

func (s Space) sample(rng *rand.Rand) Params {
	names := make([]string, 0, len(s))
	for k := range s {
		names = append(names, k)
	}
	sort.Strings(names)

	p := make(Params, len(s))
	for _, k := range names {
		p[k] = s[k].Sample(rng)
	}
	return p
}

// Objective scores a parameter set; lower is better.
type Objective func(ctx context.Context, p Params) (float64, error)

// Trial records one evaluation.
type Trial struct {
	Params Params  `json:"params"`
	Score  float64 `json:"score"`
	Err    string  `json:"error,omitempty"`
}

// Result is the outcome of a search.
type Result struct {
	Best      Params  `json:"best"`
	BestScore float64 `json:"best_score"`
	Trials    []Trial `json:"trials"`
}

// RandomSearch evaluates up to trials parameter sets sampled from space with
// a generator seeded by seed. Duplicate samples are skipped, so a finite
// space smaller than trials is evaluated exhaustively at most once per set.
//
// The search stops early when ctx is done and returns the context error
// together with the trials completed so far.
func RandomSearch(ctx context.Context, space Space, trials int, seed uint64, obj Objective) (Result, error) {
	if len(space) == 0 {
		return Result{}, fmt.Errorf("search: empty space")
	}
	if trials <= 0 {
		return Result{}, fmt.Errorf("search: trials must be positive")
	}

	if n := space.size(); n > 0 && n < trials {
		trials = n
	}

	rng := rand.New(rand.NewPCG(seed, seed^0xda3e39cb94b95bdb))
	res := Result{BestScore: math.Inf(1)}
	seen := make(map[string]bool)

	for attempts := 0; len(res.Trials) < trials && attempts < trials*20; attempts++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		p := space.sample(rng)
		k := p.key()
		if seen[k] {
			continue
		}
		seen[k] = true

		score, err := obj(ctx, p)
		t := Trial{Params: p, Score: score}
		if err != nil {
			t.Score = math.Inf(1)
			t.Err = err.Error()
		} else if math.IsNaN(score) {
			t.Score = math.Inf(1)
		}
		res.Trials = append(res.Trials, t)

		if res.Best == nil || t.Score < res.BestScore {
			res.Best = p
			res.BestScore = t.Score
		}
	}

	return res, nil
}

// Fold is a half-open test window [Start, End).
type Fold struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t lies inside the fold.
func (f Fold) Contains(t time.Time) bool {
	return !t.Before(f.Start) && t.Before(f.End)
}

// MonthlyFolds returns n consecutive calendar-month folds that end at the
// first day of the month containing last. The most recent (possibly partial)
// month is excluded, matching walk-forward validation on complete months.
// Folds are ordered oldest first.
func MonthlyFolds(last time.Time, n int) []Fold {
	end := time.Date(last.Year(), last.Month(), 1, 0, 0, 0, 0, time.UTC)
	folds := make([]Fold, n)
	for i := range n {
		start := end.AddDate(0, -(n - i), 0)
		folds[i] = Fold{Start: start, End: start.AddDate(0, 1, 0)}
	}
	return folds
}

// TrailingMonths returns n consecutive monthly folds ending after the month
// containing last, so the final fold includes last itself.
func TrailingMonths(last time.Time, n int) []Fold {
	// Step from the first of the month; AddDate normalizes Jan 31 + 1 month
	// into March.
	first := time.Date(last.Year(), last.Month(), 1, 0, 0, 0, 0, time.UTC)
	return MonthlyFolds(first.AddDate(0, 1, 0), n)
}

// WalkForward scores each fold with eval and returns the mean score over
// folds that produced one. A fold may return ok=false to signal it had no
// test rows. An eval error makes the whole score +Inf.
func WalkForward(ctx context.Context, folds []Fold, eval func(ctx context.Context, f Fold) (score float64, ok bool, err error)) (float64, []float64, error) {
	var scores []float64
	for _, f := range folds {
		if err := ctx.Err(); err != nil {
			return math.Inf(1), scores, err
		}
		s, ok, err := eval(ctx, f)
		if err != nil {
			return math.Inf(1), scores, err
		}
		if !ok {
			continue
		}
		scores = append(scores, s)
	}
	if len(scores) == 0 {
		return math.Inf(1), nil, nil
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores)), scores, nil
}
