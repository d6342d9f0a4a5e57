// Package router configures the forecaster's HTTP API.
//
// Routes configured:
//   - GET  /healthz            - 200 when the artifact store is reachable
//   - GET  /metrics            - Prometheus metrics
//   - POST /train              - start a training job (multipart tables or JSON rows)
//   - GET  /jobs               - list training jobs
//   - GET  /jobs/{id}          - training job status and report
//   - POST /forecast/daily     - corrected forecast for one store-day
//   - POST /forecast/period    - baseline forecast over a horizon or preset
//   - POST /forecast/composed  - one corrected day followed by 61 baseline days
//   - POST /forecast/batch     - forecast an input table and deliver it to the backend
//   - GET  /clusters           - latest archetype assignments
//   - GET  /diagnostics        - residual training diagnostics
//
// Validation failures answer 400, unknown stores and jobs 404, a training
// request while another job runs 409. A batch stops at its first failed row
// and answers that row's status with the row index and store.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HatiCode/revcast/cmd/forecaster/metrics"
	"github.com/HatiCode/revcast/pkg/adapters"
	"github.com/HatiCode/revcast/pkg/client"
	"github.com/HatiCode/revcast/pkg/features"
	"github.com/HatiCode/revcast/pkg/httpx"
	"github.com/HatiCode/revcast/pkg/jobs"
	"github.com/HatiCode/revcast/pkg/predict"
	"github.com/HatiCode/revcast/pkg/storage"
	"github.com/HatiCode/revcast/pkg/training"
)

// maxUploadBytes bounds multipart uploads.
const maxUploadBytes = 64 << 20

// Trainer runs training jobs.
type Trainer interface {
	Submit(in training.Input) (*jobs.Job, error)
	Job(id string) (*jobs.Job, error)
	Jobs() ([]*jobs.Job, error)
}

// Deliverer pushes forecasts to the backend.
type Deliverer interface {
	DeliveryEnabled() bool
	Deliver(ctx context.Context, results []predict.ForecastResult) (client.DeliveryReport, error)
}

// Deps are the services behind the routes. Deliverer, Health, Gatherer and
// Metrics are optional.
type Deps struct {
	Predictor *predict.Predictor
	Trainer   Trainer
	Deliverer Deliverer
	Artifacts *storage.Artifacts
	Health    func(ctx context.Context) error
	Gatherer  prometheus.Gatherer
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

type handlers struct {
	Deps
}

// SetupRoutes configures HTTP endpoints for the forecaster.
func SetupRoutes(d Deps) *http.ServeMux {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	h := &handlers{Deps: d}
	mux := http.NewServeMux()

	if d.Health != nil {
		mux.Handle("GET /healthz", httpx.HealthHandlerWithCheck(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return d.Health(ctx)
		}))
	} else {
		mux.Handle("GET /healthz", httpx.HealthHandler())
	}

	if d.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	mux.HandleFunc("POST /train", h.train)
	mux.HandleFunc("GET /jobs", h.listJobs)
	mux.HandleFunc("GET /jobs/{id}", h.getJob)

	mux.HandleFunc("POST /forecast/daily", h.daily)
	mux.HandleFunc("POST /forecast/period", h.period)
	mux.HandleFunc("POST /forecast/composed", h.composed)
	mux.HandleFunc("POST /forecast/batch", h.batch)

	mux.HandleFunc("GET /clusters", h.clusters)
	mux.HandleFunc("GET /diagnostics", h.diagnostics)

	return mux
}

// statusOf maps service errors onto status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, predict.ErrInvalidRequest), errors.Is(err, features.ErrNoRows):
		return http.StatusBadRequest
	case errors.Is(err, predict.ErrModelNotFound), errors.Is(err, jobs.ErrJobNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrJobRunning):
		return http.StatusConflict
	case errors.Is(err, jobs.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *handlers) writeErr(w http.ResponseWriter, component string, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error("request failed", "component", component, "error", err)
		h.recordError(component, "internal")
		httpx.WriteErrorMessage(w, status, "internal server error")
		return
	}
	httpx.WriteError(w, status, err)
}

func (h *handlers) recordError(component, reason string) {
	if h.Metrics != nil {
		h.Metrics.RecordError(component, reason)
	}
}

func (h *handlers) observe(kind string, start time.Time, n int) {
	if h.Metrics != nil {
		h.Metrics.ObservePredict(kind, time.Since(start), n)
	}
}

func isMultipart(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "multipart/form-data"
}

// readUpload collects the table uploaded under field. found is false when
// the field is absent.
func readUpload(r *http.Request, field string) (df *adapters.DataFrame, found bool, err error) {
	f, hdr, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	df, err = adapters.ForFile(hdr.Filename, f).Collect(r.Context())
	if err != nil {
		return nil, true, fmt.Errorf("%s: %w", field, err)
	}
	return df, true, nil
}

type trainBody struct {
	Mode       string           `json:"mode"`
	Revenue    []map[string]any `json:"revenue"`
	Weather    []map[string]any `json:"weather"`
	Archetypes map[string]int   `json:"archetypes"`
}

func (h *handlers) train(w http.ResponseWriter, r *http.Request) {
	var (
		body             trainBody
		revenue, weather *adapters.DataFrame
	)

	if isMultipart(r) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, err)
			return
		}
		body.Mode = r.FormValue("mode")

		var found bool
		var err error
		if revenue, found, err = readUpload(r, "revenue"); err != nil || !found {
			if err == nil {
				err = errors.New("revenue file is required")
			}
			httpx.WriteError(w, http.StatusBadRequest, err)
			return
		}
		if weather, _, err = readUpload(r, "weather"); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, err)
			return
		}
	} else {
		if err := httpx.DecodeJSON(w, r, &body); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, err)
			return
		}
		if len(body.Revenue) == 0 {
			httpx.WriteErrorMessage(w, http.StatusBadRequest, "revenue rows are required")
			return
		}
		revenue = adapters.FromObjects(body.Revenue)
		if len(body.Weather) > 0 {
			weather = adapters.FromObjects(body.Weather)
		}
	}

	mode, err := training.ParseMode(body.Mode)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err)
		return
	}

	b := features.NewBuilder()
	in := training.Input{Mode: mode, Archetypes: body.Archetypes}
	if in.Revenue, err = b.Revenue(*revenue); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, fmt.Errorf("revenue: %w", err))
		return
	}
	if weather != nil {
		if in.Weather, err = b.Weather(*weather); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, fmt.Errorf("weather: %w", err))
			return
		}
	}
	if (mode == training.ModeResidual || mode == training.ModeFull) && len(in.Weather) == 0 {
		httpx.WriteErrorMessage(w, http.StatusBadRequest, fmt.Sprintf("mode %s requires weather rows", mode))
		return
	}

	job, err := h.Trainer.Submit(in)
	if err != nil {
		h.writeErr(w, "training", err)
		return
	}
	h.Logger.Info("training job accepted", "job_id", job.ID, "mode", mode, "revenue_rows", len(in.Revenue))
	_ = httpx.WriteJSON(w, http.StatusAccepted, job)
}

func (h *handlers) listJobs(w http.ResponseWriter, r *http.Request) {
	list, err := h.Trainer.Jobs()
	if err != nil {
		h.writeErr(w, "jobs", err)
		return
	}
	if list == nil {
		list = []*jobs.Job{}
	}
	_ = httpx.WriteJSON(w, http.StatusOK, list)
}

func (h *handlers) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.Trainer.Job(r.PathValue("id"))
	if err != nil {
		h.writeErr(w, "jobs", err)
		return
	}
	_ = httpx.WriteJSON(w, http.StatusOK, job)
}

func (h *handlers) daily(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req predict.DailyRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err)
		return
	}
	res, err := h.Predictor.Daily(r.Context(), req)
	if err != nil {
		h.writeErr(w, "predict", err)
		return
	}
	h.observe("daily", start, 1)
	_ = httpx.WriteJSON(w, http.StatusOK, res)
}

func (h *handlers) period(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req predict.PeriodRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err)
		return
	}
	res, err := h.Predictor.Period(r.Context(), req)
	if err != nil {
		h.writeErr(w, "predict", err)
		return
	}
	h.observe("period", start, len(res.Days))
	_ = httpx.WriteJSON(w, http.StatusOK, res)
}

func (h *handlers) composed(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req predict.DailyRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err)
		return
	}
	res, err := h.Predictor.Composed(r.Context(), req)
	if err != nil {
		h.writeErr(w, "predict", err)
		return
	}
	h.observe("composed", start, len(res))
	_ = httpx.WriteJSON(w, http.StatusOK, res)
}

type batchResponse struct {
	Results       []predict.ForecastResult `json:"results"`
	Skipped       int                      `json:"skipped,omitempty"`
	Delivery      *client.DeliveryReport   `json:"delivery,omitempty"`
	DeliveryError string                   `json:"delivery_error,omitempty"`
}

// batchError is the body of a batch stopped by a failed row.
type batchError struct {
	Error   string `json:"error"`
	Row     int    `json:"row"`
	StoreID string `json:"store_id"`
}

// batch forecasts every row of an uploaded input table (multipart field
// "inputs") or a JSON array of daily requests. A failed row stops the batch
// before anything is delivered. Results are delivered to the backend when
// one is configured.
func (h *handlers) batch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var (
		reqs []predict.DailyRequest
		resp batchResponse
	)

	if isMultipart(r) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, err)
			return
		}
		df, found, err := readUpload(r, "inputs")
		if err == nil && !found {
			err = errors.New("inputs file is required")
		}
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, err)
			return
		}
		if reqs, resp.Skipped, err = predict.RequestsFromFrame(*df); err != nil {
			h.writeErr(w, "predict", err)
			return
		}
	} else if err := httpx.DecodeJSON(w, r, &reqs); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err)
		return
	}
	if len(reqs) == 0 {
		httpx.WriteErrorMessage(w, http.StatusBadRequest, "no forecast inputs")
		return
	}

	results, err := h.Predictor.Batch(r.Context(), reqs)
	var rowErr *predict.RowError
	if errors.As(err, &rowErr) {
		status := statusOf(rowErr.Err)
		msg := err.Error()
		if status == http.StatusInternalServerError {
			h.Logger.Error("batch row failed", "row", rowErr.Index, "store_id", rowErr.StoreID, "error", rowErr.Err)
			h.recordError("predict", "internal")
			msg = fmt.Sprintf("batch row %d (store %s): internal server error", rowErr.Index, rowErr.StoreID)
		} else {
			h.Logger.Warn("batch stopped", "row", rowErr.Index, "store_id", rowErr.StoreID, "error", rowErr.Err)
		}
		_ = httpx.WriteJSON(w, status, batchError{Error: msg, Row: rowErr.Index, StoreID: rowErr.StoreID})
		return
	}
	if err != nil {
		h.writeErr(w, "predict", err)
		return
	}
	resp.Results = results
	h.observe("batch", start, len(results))

	status := http.StatusOK
	if h.Deliverer != nil && h.Deliverer.DeliveryEnabled() {
		rep, err := h.Deliverer.Deliver(r.Context(), results)
		resp.Delivery = &rep
		if err != nil {
			resp.DeliveryError = err.Error()
			status = http.StatusBadGateway
		}
	}
	_ = httpx.WriteJSON(w, status, resp)
}

func (h *handlers) clusters(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Artifacts.Clusters(r.Context())
	if err != nil {
		h.writeErr(w, "storage", err)
		return
	}
	_ = httpx.WriteJSON(w, http.StatusOK, rec)
}

func (h *handlers) diagnostics(w http.ResponseWriter, r *http.Request) {
	raw, text, err := h.Artifacts.Diagnostics(r.Context())
	if err != nil {
		h.writeErr(w, "storage", err)
		return
	}
	_ = httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"diagnostics": raw,
		"log":         text,
	})
}
