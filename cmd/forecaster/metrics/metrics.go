// Package metrics provides Prometheus instrumentation for the forecaster.
//
// Metrics exposed:
//   - revcast_training_stage_duration_seconds: Histogram of pipeline stage durations
//   - revcast_training_runs_total: Counter of training runs by final status
//   - revcast_predict_duration_seconds: Histogram of prediction latency by kind
//   - revcast_forecasts_total: Counter of forecasts served by kind
//   - revcast_delivery_rows_total: Counter of rows pushed to the backend by status
//   - revcast_errors_total: Counter of errors by component and reason
//   - revcast_residual_model_age_seconds: Gauge of time since the last residual fit
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	StageDuration     *prometheus.HistogramVec
	TrainingRuns      *prometheus.CounterVec
	PredictDuration   *prometheus.HistogramVec
	ForecastsTotal    *prometheus.CounterVec
	DeliveryRowsTotal *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec
	ResidualModelAge  prometheus.Gauge
}

// New registers the forecaster metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "revcast_training_stage_duration_seconds",
			Help:    "Duration of training pipeline stages",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"stage"}),

		TrainingRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "revcast_training_runs_total",
			Help: "Total number of training runs by final status",
		}, []string{"status"}),

		PredictDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "revcast_predict_duration_seconds",
			Help:    "Duration of forecast requests by kind",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),

		ForecastsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "revcast_forecasts_total",
			Help: "Total number of forecasts served by kind",
		}, []string{"kind"}),

		DeliveryRowsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "revcast_delivery_rows_total",
			Help: "Total number of forecast rows pushed to the backend by status",
		}, []string{"status"}),

		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "revcast_errors_total",
			Help: "Total number of errors by component and reason",
		}, []string{"component", "reason"}),

		ResidualModelAge: f.NewGauge(prometheus.GaugeOpts{
			Name: "revcast_residual_model_age_seconds",
			Help: "Seconds since the residual model was last trained",
		}),
	}
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) RecordTrainingRun(status string) {
	m.TrainingRuns.WithLabelValues(status).Inc()
}

// ObservePredict records one request of kind producing n forecasts.
func (m *Metrics) ObservePredict(kind string, d time.Duration, n int) {
	m.PredictDuration.WithLabelValues(kind).Observe(d.Seconds())
	m.ForecastsTotal.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) RecordDelivery(delivered, failed int) {
	m.DeliveryRowsTotal.WithLabelValues("delivered").Add(float64(delivered))
	if failed > 0 {
		m.DeliveryRowsTotal.WithLabelValues("failed").Add(float64(failed))
	}
}

func (m *Metrics) RecordError(component, reason string) {
	m.ErrorsTotal.WithLabelValues(component, reason).Inc()
}

// SetResidualTrainedAt updates the model age gauge relative to now.
func (m *Metrics) SetResidualTrainedAt(trainedAt, now time.Time) {
	if trainedAt.IsZero() {
		return
	}
	m.ResidualModelAge.Set(now.Sub(trainedAt).Seconds())
}
