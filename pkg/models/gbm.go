package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
)

// BoostParams controls gradient boosting.
type BoostParams struct {
	NEstimators     int     `json:"n_estimators"`
	LearningRate    float64 `json:"learning_rate"`
	MaxDepth        int     `json:"max_depth"`
	Subsample       float64 `json:"subsample"`
	ColsampleByTree float64 `json:"colsample_bytree"`
	Alpha           float64 `json:"reg_alpha"`
	Lambda          float64 `json:"reg_lambda"`
	MinChildWeight  float64 `json:"min_child_weight"`
	Seed            uint64  `json:"seed"`
}

// DefaultBoostParams returns conservative defaults.
func DefaultBoostParams() BoostParams {
	return BoostParams{
		NEstimators:     200,
		LearningRate:    0.05,
		MaxDepth:        5,
		Subsample:       0.8,
		ColsampleByTree: 0.8,
		Alpha:           0,
		Lambda:          1,
		MinChildWeight:  1,
		Seed:            42,
	}
}

// GradientBoosted is a squared-error gradient boosted tree regressor.
//
// Trees are grown depth-first with exact greedy splits. Split gain and leaf
// weights follow the second-order formulation with L1 (Alpha) and L2
// (Lambda) regularization:
//
//	w    = -T(G) / (H + lambda)
//	gain = T(GL)^2/(HL+lambda) + T(GR)^2/(HR+lambda) - T(G)^2/(H+lambda)
//
// where T soft-thresholds the gradient sum by alpha. With squared error every
// hessian is 1, so H is the row count of a node. Row and column subsampling
// are drawn per tree from a generator seeded by Params.Seed, which makes
// training deterministic.
type GradientBoosted struct {
	Params   BoostParams
	Features []string

	base  float64
	trees []tree
}

type tree struct {
	Nodes []treeNode `json:"nodes"`
}

type treeNode struct {
	Leaf      bool    `json:"leaf,omitempty"`
	Value     float64 `json:"v,omitempty"`
	Feature   int     `json:"f,omitempty"`
	Threshold float64 `json:"t,omitempty"`
	Left      int     `json:"l,omitempty"`
	Right     int     `json:"r,omitempty"`
}

// NewGradientBoosted creates a regressor over the named feature columns.
// The target is read from column "y".
func NewGradientBoosted(features []string, params BoostParams) *GradientBoosted {
	return &GradientBoosted{Params: params, Features: append([]string(nil), features...)}
}

// Name returns the model identifier.
func (g *GradientBoosted) Name() string {
	return "gbm"
}

// Trained reports whether the model has been fitted.
func (g *GradientBoosted) Trained() bool {
	return len(g.trees) > 0
}

// Train fits the ensemble on rows carrying every feature column and "y".
func (g *GradientBoosted) Train(ctx context.Context, history FeatureFrame) error {
	if len(history.Rows) == 0 {
		return errors.New("gbm: no training rows")
	}
	if len(g.Features) == 0 {
		return errors.New("gbm: no feature columns")
	}
	p := g.Params
	if p.NEstimators <= 0 || p.LearningRate <= 0 || p.MaxDepth <= 0 {
		return fmt.Errorf("gbm: invalid params %+v", p)
	}

	x, y := g.matrix(history)
	n, nf := len(y), len(g.Features)

	g.base = 0
	for _, v := range y {
		g.base += v
	}
	g.base /= float64(n)

	pred := make([]float64, n)
	for i := range pred {
		pred[i] = g.base
	}

	// Feature-major presorted row order, reused by every tree.
	order := make([][]int, nf)
	for f := range nf {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(a, b int) bool { return x[idx[a]][f] < x[idx[b]][f] })
		order[f] = idx
	}

	rng := rand.New(rand.NewPCG(p.Seed, p.Seed^0x9e3779b97f4a7c15))
	grad := make([]float64, n)
	inSample := make([]bool, n)
	leftMark := make([]bool, n)
	g.trees = g.trees[:0]

	for range p.NEstimators {
		if err := ctx.Err(); err != nil {
			g.trees = nil
			return err
		}

		for i := range n {
			grad[i] = pred[i] - y[i]
		}

		sampled := 0
		for i := range n {
			inSample[i] = p.Subsample >= 1 || rng.Float64() < p.Subsample
			if inSample[i] {
				sampled++
			}
		}
		if sampled == 0 {
			inSample[rng.IntN(n)] = true
		}

		cols := sampleColumns(rng, nf, p.ColsampleByTree)

		b := &treeBuilder{x: x, grad: grad, params: p, left: leftMark}
		lists := make([][]int, nf)
		for _, f := range cols {
			l := make([]int, 0, sampled)
			for _, i := range order[f] {
				if inSample[i] {
					l = append(l, i)
				}
			}
			lists[f] = l
		}
		b.build(lists, cols, 0)
		t := tree{Nodes: b.nodes}

		for i := range n {
			pred[i] += p.LearningRate * t.predict(x[i])
		}
		t.scale(p.LearningRate)
		g.trees = append(g.trees, t)
	}

	return nil
}

// Predict scores every row.
func (g *GradientBoosted) Predict(ctx context.Context, features FeatureFrame) (Forecast, error) {
	if !g.Trained() {
		return Forecast{}, ErrNotTrained
	}
	x, _ := g.matrix(features)
	out := make([]float64, len(x))
	for i, row := range x {
		if err := ctx.Err(); err != nil {
			return Forecast{}, err
		}
		out[i] = g.PredictVector(row)
	}
	return Forecast{Metric: "residual", Values: out, StepSec: 86400, Horizon: len(out) * 86400}, nil
}

// PredictVector scores a single feature vector in Features order.
func (g *GradientBoosted) PredictVector(v []float64) float64 {
	out := g.base
	for i := range g.trees {
		out += g.trees[i].predict(v)
	}
	return out
}

func (g *GradientBoosted) matrix(frame FeatureFrame) ([][]float64, []float64) {
	x := make([][]float64, len(frame.Rows))
	y := make([]float64, len(frame.Rows))
	for i, row := range frame.Rows {
		v := make([]float64, len(g.Features))
		for j, name := range g.Features {
			v[j] = row[name]
		}
		x[i] = v
		y[i] = row["y"]
	}
	return x, y
}

func sampleColumns(rng *rand.Rand, nf int, ratio float64) []int {
	k := int(math.Ceil(ratio * float64(nf)))
	if ratio >= 1 || k >= nf {
		cols := make([]int, nf)
		for i := range cols {
			cols[i] = i
		}
		return cols
	}
	if k < 1 {
		k = 1
	}
	cols := rng.Perm(nf)[:k]
	sort.Ints(cols)
	return cols
}

type treeBuilder struct {
	x      [][]float64
	grad   []float64
	params BoostParams
	nodes  []treeNode
	left   []bool
}

// build grows a node from per-feature row lists sorted by feature value and
// returns its index.
func (b *treeBuilder) build(lists [][]int, cols []int, depth int) int {
	rows := lists[cols[0]]
	var gSum float64
	for _, i := range rows {
		gSum += b.grad[i]
	}
	hSum := float64(len(rows))

	id := len(b.nodes)
	b.nodes = append(b.nodes, treeNode{Leaf: true, Value: b.leafWeight(gSum, hSum)})

	if depth >= b.params.MaxDepth || hSum < 2*b.params.MinChildWeight {
		return id
	}

	parentScore := b.score(gSum, hSum)
	bestGain := 0.0
	bestFeature, bestPos := -1, 0
	var bestThreshold float64

	for _, f := range cols {
		l := lists[f]
		var gl float64
		for pos := 0; pos < len(l)-1; pos++ {
			gl += b.grad[l[pos]]
			hl := float64(pos + 1)
			cur, next := b.x[l[pos]][f], b.x[l[pos+1]][f]
			if cur == next {
				continue
			}
			hr := hSum - hl
			if hl < b.params.MinChildWeight || hr < b.params.MinChildWeight {
				continue
			}
			gain := b.score(gl, hl) + b.score(gSum-gl, hr) - parentScore
			if gain > bestGain+1e-12 {
				bestGain = gain
				bestFeature = f
				bestPos = pos
				bestThreshold = (cur + next) / 2
			}
		}
	}

	if bestFeature < 0 {
		return id
	}

	leftRows := lists[bestFeature][:bestPos+1]
	for _, i := range leftRows {
		b.left[i] = true
	}

	left := make([][]int, len(lists))
	right := make([][]int, len(lists))
	for _, f := range cols {
		l := lists[f]
		ll := make([]int, 0, bestPos+1)
		rl := make([]int, 0, len(l)-bestPos-1)
		for _, i := range l {
			if b.left[i] {
				ll = append(ll, i)
			} else {
				rl = append(rl, i)
			}
		}
		left[f], right[f] = ll, rl
	}
	for _, i := range leftRows {
		b.left[i] = false
	}

	li := b.build(left, cols, depth+1)
	ri := b.build(right, cols, depth+1)
	b.nodes[id] = treeNode{Feature: bestFeature, Threshold: bestThreshold, Left: li, Right: ri}
	return id
}

func (b *treeBuilder) threshold(g float64) float64 {
	a := b.params.Alpha
	switch {
	case g > a:
		return g - a
	case g < -a:
		return g + a
	}
	return 0
}

func (b *treeBuilder) score(g, h float64) float64 {
	t := b.threshold(g)
	return t * t / (h + b.params.Lambda)
}

func (b *treeBuilder) leafWeight(g, h float64) float64 {
	return -b.threshold(g) / (h + b.params.Lambda)
}

func (t *tree) predict(v []float64) float64 {
	i := 0
	for {
		n := &t.Nodes[i]
		if n.Leaf {
			return n.Value
		}
		if v[n.Feature] < n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

func (t *tree) scale(lr float64) {
	for i := range t.Nodes {
		if t.Nodes[i].Leaf {
			t.Nodes[i].Value *= lr
		}
	}
}

type boostedState struct {
	Params   BoostParams `json:"params"`
	Features []string    `json:"features"`
	Base     float64     `json:"base"`
	Trees    []tree      `json:"trees"`
}

// MarshalJSON encodes the parameters, feature order and trees.
func (g *GradientBoosted) MarshalJSON() ([]byte, error) {
	return json.Marshal(boostedState{Params: g.Params, Features: g.Features, Base: g.base, Trees: g.trees})
}

// UnmarshalJSON restores a model written by MarshalJSON.
func (g *GradientBoosted) UnmarshalJSON(data []byte) error {
	var st boostedState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	g.Params, g.Features, g.base, g.trees = st.Params, st.Features, st.Base, st.Trees
	return nil
}
