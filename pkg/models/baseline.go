package models

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Columns read by BaselineModel.
const (
	ColDS         = "ds" // days since the Unix epoch
	ColY          = "y"
	ColCap        = "cap"
	ColFloor      = "floor"
	ColHoliday    = "holiday"
	ColOnSemester = "on_semester"
	ColOnVacation = "on_vacation"
)

// WeeklyMode selects how the weekly cycle is modeled.
type WeeklyMode string

const (
	// WeeklyDirect fits one weekly seasonality for every day.
	WeeklyDirect WeeklyMode = "direct"
	// WeeklyConditional fits separate weekly seasonalities for semester and
	// vacation days, gated by the on_semester and on_vacation columns.
	WeeklyConditional WeeklyMode = "conditional"
	// WeeklyNone disables weekly seasonality.
	WeeklyNone WeeklyMode = "none"
)

const (
	yearPeriod   = 365.25
	weekPeriod   = 7.0
	minTrainRows = 14
	logitEps     = 1e-3
)

// BaselineConfig configures a BaselineModel.
type BaselineConfig struct {
	Weekly           WeeklyMode `json:"weekly"`
	Holidays         bool       `json:"holidays"`
	YearlyOrder      int        `json:"yearly_order"`
	WeeklyOrder      int        `json:"weekly_order"`
	NChangepoints    int        `json:"n_changepoints"`
	ChangepointRange float64    `json:"changepoint_range"`
	IntervalWidth    float64    `json:"interval_width"`

	ChangepointPriorScale float64 `json:"changepoint_prior_scale"`
	SeasonalityPriorScale float64 `json:"seasonality_prior_scale"`
	HolidayPriorScale     float64 `json:"holiday_prior_scale"`
}

// DefaultBaselineConfig returns the standard configuration: yearly order 10,
// weekly order 3, 25 changepoints over the first 80% of history and an 80%
// prediction interval.
func DefaultBaselineConfig() BaselineConfig {
	return BaselineConfig{
		Weekly:                WeeklyDirect,
		Holidays:              true,
		YearlyOrder:           10,
		WeeklyOrder:           3,
		NChangepoints:         25,
		ChangepointRange:      0.8,
		IntervalWidth:         0.8,
		ChangepointPriorScale: 0.05,
		SeasonalityPriorScale: 10,
		HolidayPriorScale:     10,
	}
}

// BaselineModel is a per-store seasonal forecaster with a saturating trend.
//
// Revenue is mapped into (0, 1) using each row's cap and floor and fitted in
// logit space as a penalized linear model:
//
//	logit((y-floor)/(cap-floor)) = a + b*t + sum_j d_j*max(0, t-c_j)
//	                              + yearly Fourier terms
//	                              + weekly Fourier terms (direct or conditional)
//	                              + h*holiday
//
// Changepoint, seasonality and holiday coefficients are ridge penalized with
// strengths 1/scale^2, relative to the variance of the transformed target.
// Predictions map back through the logistic function, so they always lie
// strictly between floor and cap. Intervals use the normal quantile of the
// configured width applied to the in-sample residual spread.
type BaselineModel struct {
	cfg BaselineConfig

	tStart       float64
	tScale       float64
	changepoints []float64
	beta         []float64
	sigma        float64
}

// NewBaselineModel creates an untrained baseline model.
func NewBaselineModel(cfg BaselineConfig) *BaselineModel {
	return &BaselineModel{cfg: cfg}
}

// Name returns the model identifier.
func (m *BaselineModel) Name() string {
	return "baseline"
}

// Config returns the model configuration.
func (m *BaselineModel) Config() BaselineConfig {
	return m.cfg
}

// Trained reports whether the model has coefficients.
func (m *BaselineModel) Trained() bool {
	return len(m.beta) > 0
}

// Train fits the model on rows with ds, y, cap and floor, plus holiday and
// on_semester/on_vacation when the configuration uses them.
func (m *BaselineModel) Train(ctx context.Context, history FeatureFrame) error {
	n := len(history.Rows)
	if n < minTrainRows {
		return fmt.Errorf("baseline: need at least %d rows, got %d", minTrainRows, n)
	}

	rows := make([]map[string]float64, n)
	copy(rows, history.Rows)
	sort.SliceStable(rows, func(i, j int) bool { return rows[i][ColDS] < rows[j][ColDS] })

	m.tStart = rows[0][ColDS]
	m.tScale = rows[n-1][ColDS] - m.tStart
	if m.tScale <= 0 {
		m.tScale = 1
	}
	m.changepoints = m.placeChangepoints(rows)

	z := make([]float64, n)
	for i, row := range rows {
		c, f := row[ColCap], row[ColFloor]
		if c <= f {
			return fmt.Errorf("baseline: cap %.2f must exceed floor %.2f", c, f)
		}
		z[i] = logit((row[ColY] - f) / (c - f))
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	p := m.width()
	x := mat.NewDense(n, p, nil)
	buf := make([]float64, p)
	for i, row := range rows {
		m.designRow(row, buf)
		x.SetRow(i, buf)
	}

	lambda := m.penalties(stat.Variance(z, nil))

	var xtx mat.SymDense
	xtx.SymOuterK(1, x.T())
	for j := range p {
		xtx.SetSym(j, j, xtx.At(j, j)+lambda[j]+1e-9)
	}

	var xtz mat.VecDense
	xtz.MulVec(x.T(), mat.NewVecDense(n, z))

	var beta mat.VecDense
	var chol mat.Cholesky
	if ok := chol.Factorize(&xtx); ok {
		if err := chol.SolveVecTo(&beta, &xtz); err != nil {
			return fmt.Errorf("baseline: solve: %w", err)
		}
	} else if err := beta.SolveVec(&xtx, &xtz); err != nil {
		return fmt.Errorf("baseline: solve: %w", err)
	}

	m.beta = make([]float64, p)
	for j := range p {
		m.beta[j] = beta.AtVec(j)
	}

	resid := make([]float64, n)
	for i := range n {
		resid[i] = z[i] - floats.Dot(m.beta, x.RawRowView(i))
	}
	m.sigma = stat.StdDev(resid, nil)
	if math.IsNaN(m.sigma) {
		m.sigma = 0
	}

	for _, b := range m.beta {
		if math.IsNaN(b) || math.IsInf(b, 0) {
			m.beta = nil
			return fmt.Errorf("baseline: fit diverged")
		}
	}
	return nil
}

// Predict returns yhat with lower and upper interval bounds for each row.
func (m *BaselineModel) Predict(ctx context.Context, features FeatureFrame) (Forecast, error) {
	if !m.Trained() {
		return Forecast{}, ErrNotTrained
	}
	if len(features.Rows) == 0 {
		return Forecast{}, fmt.Errorf("features cannot be empty")
	}

	q := distuv.UnitNormal.Quantile(0.5 + m.cfg.IntervalWidth/2)
	buf := make([]float64, len(m.beta))

	fc := Forecast{
		Metric:  "revenue",
		Values:  make([]float64, len(features.Rows)),
		Lower:   make([]float64, len(features.Rows)),
		Upper:   make([]float64, len(features.Rows)),
		StepSec: 86400,
		Horizon: len(features.Rows) * 86400,
	}

	for i, row := range features.Rows {
		if err := ctx.Err(); err != nil {
			return Forecast{}, err
		}
		m.designRow(row, buf)
		zhat := floats.Dot(m.beta, buf)
		c, f := row[ColCap], row[ColFloor]
		span := c - f
		fc.Values[i] = f + span*sigmoid(zhat)
		fc.Lower[i] = f + span*sigmoid(zhat-q*m.sigma)
		fc.Upper[i] = f + span*sigmoid(zhat+q*m.sigma)
	}

	return fc, nil
}

// placeChangepoints picks evenly spaced rows within the first
// ChangepointRange share of history and returns their scaled times.
func (m *BaselineModel) placeChangepoints(rows []map[string]float64) []float64 {
	hist := int(math.Floor(float64(len(rows)) * m.cfg.ChangepointRange))
	nc := m.cfg.NChangepoints
	if hist-1 < nc {
		nc = hist - 1
	}
	if nc <= 0 {
		return nil
	}

	out := make([]float64, 0, nc)
	for k := 1; k <= nc; k++ {
		idx := int(math.Round(float64(k) * float64(hist-1) / float64(nc)))
		out = append(out, m.scaledTime(rows[idx][ColDS]))
	}
	return out
}

func (m *BaselineModel) scaledTime(ds float64) float64 {
	return (ds - m.tStart) / m.tScale
}

// width is the number of design columns.
func (m *BaselineModel) width() int {
	p := 2 + len(m.changepoints) + 2*m.cfg.YearlyOrder
	switch m.cfg.Weekly {
	case WeeklyDirect:
		p += 2 * m.cfg.WeeklyOrder
	case WeeklyConditional:
		p += 4 * m.cfg.WeeklyOrder
	}
	if m.cfg.Holidays {
		p++
	}
	return p
}

// designRow writes the regression features of row into dst in column order.
func (m *BaselineModel) designRow(row map[string]float64, dst []float64) {
	ds := row[ColDS]
	t := m.scaledTime(ds)

	j := 0
	dst[j] = 1
	j++
	dst[j] = t
	j++
	for _, c := range m.changepoints {
		dst[j] = math.Max(0, t-c)
		j++
	}

	j = fourier(dst, j, ds, yearPeriod, m.cfg.YearlyOrder, 1)

	switch m.cfg.Weekly {
	case WeeklyDirect:
		j = fourier(dst, j, ds, weekPeriod, m.cfg.WeeklyOrder, 1)
	case WeeklyConditional:
		j = fourier(dst, j, ds, weekPeriod, m.cfg.WeeklyOrder, row[ColOnSemester])
		j = fourier(dst, j, ds, weekPeriod, m.cfg.WeeklyOrder, row[ColOnVacation])
	}

	if m.cfg.Holidays {
		dst[j] = row[ColHoliday]
	}
}

// penalties returns the ridge strength of each design column.
func (m *BaselineModel) penalties(targetVar float64) []float64 {
	if targetVar <= 0 || math.IsNaN(targetVar) {
		targetVar = 1
	}

	lam := make([]float64, m.width())
	j := 2
	for range m.changepoints {
		lam[j] = targetVar / sq(m.cfg.ChangepointPriorScale)
		j++
	}

	seasonal := 2 * m.cfg.YearlyOrder
	switch m.cfg.Weekly {
	case WeeklyDirect:
		seasonal += 2 * m.cfg.WeeklyOrder
	case WeeklyConditional:
		seasonal += 4 * m.cfg.WeeklyOrder
	}
	for range seasonal {
		lam[j] = targetVar / sq(m.cfg.SeasonalityPriorScale)
		j++
	}

	if m.cfg.Holidays {
		lam[j] = targetVar / sq(m.cfg.HolidayPriorScale)
	}
	return lam
}

// fourier writes order sine/cosine pairs of the given period, scaled by gate.
func fourier(dst []float64, j int, ds, period float64, order int, gate float64) int {
	for k := 1; k <= order; k++ {
		arg := 2 * math.Pi * float64(k) * ds / period
		dst[j] = gate * math.Sin(arg)
		dst[j+1] = gate * math.Cos(arg)
		j += 2
	}
	return j
}

func sq(x float64) float64 {
	if x == 0 {
		return 1e-12
	}
	return x * x
}

func logit(p float64) float64 {
	p = math.Min(math.Max(p, logitEps), 1-logitEps)
	return math.Log(p / (1 - p))
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

type baselineState struct {
	Config       BaselineConfig `json:"config"`
	TStart       float64        `json:"t_start"`
	TScale       float64        `json:"t_scale"`
	Changepoints []float64      `json:"changepoints"`
	Beta         []float64      `json:"beta"`
	Sigma        float64        `json:"sigma"`
}

// MarshalJSON encodes the configuration and fitted coefficients.
func (m *BaselineModel) MarshalJSON() ([]byte, error) {
	return json.Marshal(baselineState{
		Config:       m.cfg,
		TStart:       m.tStart,
		TScale:       m.tScale,
		Changepoints: m.changepoints,
		Beta:         m.beta,
		Sigma:        m.sigma,
	})
}

// UnmarshalJSON restores a model written by MarshalJSON.
func (m *BaselineModel) UnmarshalJSON(data []byte) error {
	var st baselineState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	m.cfg = st.Config
	m.tStart = st.TStart
	m.tScale = st.TScale
	m.changepoints = st.Changepoints
	m.beta = st.Beta
	m.sigma = st.Sigma
	if len(m.beta) > 0 && len(m.beta) != m.width() {
		return fmt.Errorf("baseline: %d coefficients for %d columns", len(m.beta), m.width())
	}
	return nil
}
