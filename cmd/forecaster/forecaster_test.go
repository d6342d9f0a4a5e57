package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/HatiCode/revcast/cmd/forecaster/config"
	"github.com/HatiCode/revcast/cmd/forecaster/metrics"
	"github.com/HatiCode/revcast/pkg/calendar"
	"github.com/HatiCode/revcast/pkg/client"
	"github.com/HatiCode/revcast/pkg/dataset"
	"github.com/HatiCode/revcast/pkg/jobs"
	"github.com/HatiCode/revcast/pkg/predict"
	"github.com/HatiCode/revcast/pkg/storage"
	"github.com/HatiCode/revcast/pkg/training"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	f         *Forecaster
	artifacts *storage.Artifacts
	manager   *jobs.Manager
	metrics   *metrics.Metrics

	mu      sync.Mutex
	patched map[string]int
	posted  []client.ForecastRecord
}

func newHarness(t *testing.T, cfg *config.Config, withBackend bool) *harness {
	t.Helper()
	h := &harness{patched: make(map[string]int)}

	var bc *client.BackendClient
	if withBackend {
		mux := http.NewServeMux()
		mux.HandleFunc("PATCH /train/{id}", func(w http.ResponseWriter, r *http.Request) {
			var body struct {
				Cluster int `json:"cluster"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			h.mu.Lock()
			h.patched[r.PathValue("id")] = body.Cluster
			h.mu.Unlock()
		})
		mux.HandleFunc("POST /forecast/{id}", func(w http.ResponseWriter, r *http.Request) {
			var rec client.ForecastRecord
			_ = json.NewDecoder(r.Body).Decode(&rec)
			h.mu.Lock()
			h.posted = append(h.posted, rec)
			h.mu.Unlock()
		})
		srv := httptest.NewServer(mux)
		t.Cleanup(srv.Close)

		var err error
		bc, err = client.NewBackendClient(client.BackendConfig{BaseURL: srv.URL, RatePerSecond: 1000}, quiet())
		if err != nil {
			t.Fatal(err)
		}
	}

	h.artifacts = storage.NewArtifacts(storage.NewMemoryStore())
	h.manager = jobs.NewManager(jobs.NewMemoryStore(), quiet())
	t.Cleanup(func() { _ = h.manager.Stop(time.Minute) })
	h.metrics = metrics.New(prometheus.NewRegistry())
	h.f = New(cfg, h.artifacts, storage.NewKeyedLocker(), calendar.Default(), h.manager, bc, h.metrics, quiet())
	return h
}

func (h *harness) wait(t *testing.T, id string) *jobs.Job {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		job, err := h.f.Job(id)
		if err != nil {
			t.Fatalf("Job(%s) error = %v", id, err)
		}
		if job.Status.Done() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return nil
}

func revenue(days int) []dataset.Observation {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var out []dataset.Observation
	for i := range days {
		d := start.AddDate(0, 0, i)
		for _, id := range []string{"7", "8"} {
			rev := 1000.0
			if calendar.IsWeekend(d) && id == "7" {
				rev = 300
			}
			out = append(out, dataset.Observation{StoreID: id, Date: d, Revenue: rev, Archetype: -1})
		}
	}
	return out
}

func TestForecaster_SubmitClusterPublishes(t *testing.T) {
	h := newHarness(t, &config.Config{ClusterK: 2}, true)

	job, err := h.f.Submit(training.Input{Mode: training.ModeCluster, Revenue: revenue(400)})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if job.Kind != "train-cluster" {
		t.Errorf("Kind = %q, want train-cluster", job.Kind)
	}

	done := h.wait(t, job.ID)
	if done.Status != jobs.StatusCompleted {
		t.Fatalf("Status = %s, error %q", done.Status, done.Error)
	}

	rec, err := h.artifacts.Clusters(context.Background())
	if err != nil {
		t.Fatalf("Clusters() error = %v", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.patched) != 2 {
		t.Fatalf("patched %d stores, want 2", len(h.patched))
	}
	for id, a := range rec.Assignments {
		if h.patched[id] != a {
			t.Errorf("store %s: published %d, stored %d", id, h.patched[id], a)
		}
	}
	if got := testutil.ToFloat64(h.metrics.TrainingRuns.WithLabelValues("completed")); got != 1 {
		t.Errorf("completed runs = %v, want 1", got)
	}
}

func TestForecaster_FailedRunRecorded(t *testing.T) {
	h := newHarness(t, &config.Config{ClusterK: 2}, false)

	job, err := h.f.Submit(training.Input{Mode: training.ModeResidual, Revenue: revenue(30)})
	if err != nil {
		t.Fatal(err)
	}
	if done := h.wait(t, job.ID); done.Status != jobs.StatusFailed {
		t.Fatalf("Status = %s, want failed", done.Status)
	}
	if got := testutil.ToFloat64(h.metrics.TrainingRuns.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed runs = %v, want 1", got)
	}
}

func TestForecaster_Tick(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "revenue.csv")
	var b strings.Builder
	b.WriteString("store_id,date,revenue\n")
	for _, o := range revenue(20) {
		fmt.Fprintf(&b, "%s,%s,%.0f\n", o.StoreID, calendar.FormatDay(o.Date), o.Revenue)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}

	h := newHarness(t, &config.Config{ClusterK: 2, TrainingFile: path}, false)
	if err := h.f.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	list, err := h.f.Jobs()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Kind != "train-baseline" {
		t.Fatalf("jobs = %+v, want one baseline run", list)
	}
	h.wait(t, list[0].ID)
}

func TestForecaster_TickMissingFile(t *testing.T) {
	h := newHarness(t, &config.Config{TrainingFile: filepath.Join(t.TempDir(), "missing.csv")}, false)
	if err := h.f.Tick(context.Background()); err == nil {
		t.Error("Tick() error = nil, want load error")
	}
	if got := testutil.ToFloat64(h.metrics.ErrorsTotal.WithLabelValues("training", "load_input")); got != 1 {
		t.Errorf("load errors = %v, want 1", got)
	}
}

func TestForecaster_Deliver(t *testing.T) {
	h := newHarness(t, &config.Config{}, true)
	v := 120.0
	rep, err := h.f.Deliver(context.Background(), []predict.ForecastResult{
		{StoreID: "7", Date: "2025-01-02", Baseline: 100, Corrected: &v},
		{StoreID: "8", Date: "2025-01-02", Baseline: 50},
	})
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if rep.Delivered != 2 {
		t.Errorf("Delivered = %d, want 2", rep.Delivered)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.posted) != 2 || h.posted[0].Timestamp != "2025-01-02" || *h.posted[0].Corrected != 120 || h.posted[1].Corrected != nil {
		t.Errorf("posted = %+v", h.posted)
	}
}

func TestForecaster_DeliverDisabled(t *testing.T) {
	h := newHarness(t, &config.Config{}, false)
	if h.f.DeliveryEnabled() {
		t.Error("DeliveryEnabled() = true without a backend")
	}
	if _, err := h.f.Deliver(context.Background(), nil); err == nil {
		t.Error("Deliver() error = nil without a backend")
	}
}

func TestGRPCHealth_TracksResidualModel(t *testing.T) {
	h := newHarness(t, &config.Config{}, false)
	g := newGRPCHealth(h.f.Ready, quiet())
	ctx := context.Background()

	check := func() grpc_health_v1.HealthCheckResponse_ServingStatus {
		resp, err := g.health.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: healthService})
		if err != nil {
			t.Fatalf("Check() error = %v", err)
		}
		return resp.GetStatus()
	}

	if got := check(); got != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
		t.Errorf("initial status = %s, want NOT_SERVING", got)
	}

	if _, err := h.artifacts.PutResidual(ctx, storage.ResidualBundle{TrainedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	g.refresh(ctx)
	if got := check(); got != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Errorf("status after training = %s, want SERVING", got)
	}
}
