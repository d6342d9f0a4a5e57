// Package main implements the revcast forecaster service.
// The forecaster trains per-store baselines and the shared residual model from
// uploaded or scheduled revenue tables, serves store forecasts over HTTP and
// optionally pushes them to the backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/HatiCode/revcast/cmd/forecaster/config"
	"github.com/HatiCode/revcast/cmd/forecaster/metrics"
	"github.com/HatiCode/revcast/pkg/adapters"
	"github.com/HatiCode/revcast/pkg/calendar"
	"github.com/HatiCode/revcast/pkg/client"
	"github.com/HatiCode/revcast/pkg/features"
	"github.com/HatiCode/revcast/pkg/jobs"
	"github.com/HatiCode/revcast/pkg/predict"
	"github.com/HatiCode/revcast/pkg/storage"
	"github.com/HatiCode/revcast/pkg/training"
)

// Forecaster owns training jobs, scheduled retraining and backend delivery.
type Forecaster struct {
	cfg       *config.Config
	artifacts *storage.Artifacts
	locker    storage.Locker
	calendar  *calendar.Calendar
	jobs      *jobs.Manager
	backend   *client.BackendClient
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New creates a Forecaster. backend may be nil to disable delivery and
// cluster publication.
func New(
	cfg *config.Config,
	artifacts *storage.Artifacts,
	locker storage.Locker,
	cal *calendar.Calendar,
	manager *jobs.Manager,
	backend *client.BackendClient,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Forecaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forecaster{
		cfg:       cfg,
		artifacts: artifacts,
		locker:    locker,
		calendar:  cal,
		jobs:      manager,
		backend:   backend,
		metrics:   m,
		logger:    logger,
	}
}

func (f *Forecaster) pipeline(progress func(string)) *training.Pipeline {
	p := training.NewPipeline(f.artifacts, f.locker, f.calendar, f.cfg.ClusterK, f.logger)
	if f.cfg.Workers > 0 {
		p.Workers = f.cfg.Workers
	}
	if f.cfg.ResidualTrials > 0 {
		p.Residual.Trials = f.cfg.ResidualTrials
	}
	p.Baseline.Trials = f.cfg.BaselineTrials
	p.OnStage = progress
	p.OnStageDone = f.metrics.ObserveStage
	if f.backend != nil {
		p.OnClusters = f.backend.PatchClusters
	}
	return p
}

// Submit starts a background training run.
func (f *Forecaster) Submit(in training.Input) (*jobs.Job, error) {
	kind := "train"
	if in.Mode != "" {
		kind = "train-" + string(in.Mode)
	}
	return f.jobs.Submit(kind, func(ctx context.Context, progress func(string)) (any, error) {
		rep, err := f.pipeline(progress).Run(ctx, in)
		if err != nil {
			f.metrics.RecordTrainingRun("failed")
			var be *training.BatchError
			if errors.As(err, &be) {
				f.metrics.RecordError("training", be.Stage)
			}
			return nil, err
		}
		f.metrics.RecordTrainingRun("completed")
		f.RefreshModelAge(ctx)
		return rep, nil
	})
}

// Job returns a training job by ID.
func (f *Forecaster) Job(id string) (*jobs.Job, error) {
	return f.jobs.Get(id)
}

// Jobs lists training jobs, newest first.
func (f *Forecaster) Jobs() ([]*jobs.Job, error) {
	return f.jobs.List()
}

// Ready reports whether a residual model has been trained.
func (f *Forecaster) Ready(ctx context.Context) bool {
	_, _, err := f.artifacts.Residual(ctx)
	return err == nil
}

// RefreshModelAge updates the residual model age gauge.
func (f *Forecaster) RefreshModelAge(ctx context.Context) {
	b, _, err := f.artifacts.Residual(ctx)
	if err != nil {
		return
	}
	f.metrics.SetResidualTrainedAt(b.TrainedAt, time.Now())
}

// Deliver pushes forecasts to the backend.
func (f *Forecaster) Deliver(ctx context.Context, results []predict.ForecastResult) (client.DeliveryReport, error) {
	if f.backend == nil {
		return client.DeliveryReport{}, errors.New("backend delivery is not configured")
	}
	records := make([]client.ForecastRecord, len(results))
	for i, r := range results {
		records[i] = client.ForecastRecord{
			StoreID:   r.StoreID,
			Baseline:  r.Baseline,
			Corrected: r.Corrected,
			Timestamp: r.Date,
		}
	}
	rep, err := f.backend.DeliverForecasts(ctx, records)
	f.metrics.RecordDelivery(rep.Delivered, rep.Total-rep.Delivered)
	if err != nil {
		f.metrics.RecordError("delivery", "aborted")
	}
	return rep, err
}

// DeliveryEnabled reports whether a backend is configured.
func (f *Forecaster) DeliveryEnabled() bool {
	return f.backend != nil
}

// Run retrains from the configured files at regular intervals.
// Blocks until context is canceled.
func (f *Forecaster) Run(ctx context.Context, interval time.Duration) error {
	f.logger.Info("starting retrain loop", "interval", interval, "training_file", f.cfg.TrainingFile)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := f.Tick(ctx); err != nil {
		f.logger.Error("retrain tick failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("retrain loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := f.Tick(ctx); err != nil {
				f.logger.Error("retrain tick failed", "error", err)
			}
		}
	}
}

// Tick loads the configured tables and submits a full training run.
// A tick that finds a job already running is skipped.
func (f *Forecaster) Tick(ctx context.Context) error {
	start := time.Now()

	in, err := f.loadInput(ctx)
	if err != nil {
		f.metrics.RecordError("training", "load_input")
		return fmt.Errorf("load input: %w", err)
	}

	job, err := f.Submit(in)
	if errors.Is(err, jobs.ErrJobRunning) {
		f.logger.Info("retrain skipped, job already running")
		return nil
	}
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}

	f.logger.Info("retrain submitted",
		"job_id", job.ID,
		"mode", in.Mode,
		"revenue_rows", len(in.Revenue),
		"weather_rows", len(in.Weather),
		"load_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// loadInput reads the training table and the weather table or feed.
// Without weather only baselines are retrained.
func (f *Forecaster) loadInput(ctx context.Context) (training.Input, error) {
	b := features.NewBuilder()

	df, err := adapters.Load(ctx, f.cfg.TrainingFile)
	if err != nil {
		return training.Input{}, err
	}
	revenue, err := b.Revenue(*df)
	if err != nil {
		return training.Input{}, fmt.Errorf("%s: %w", f.cfg.TrainingFile, err)
	}
	if b.Skipped > 0 {
		f.logger.Warn("skipped revenue rows", "file", f.cfg.TrainingFile, "rows", b.Skipped)
	}

	in := training.Input{Mode: training.ModeBaseline, Revenue: revenue}
	if f.cfg.WeatherFile == "" {
		return in, nil
	}

	df, err = adapters.Load(ctx, f.cfg.WeatherFile)
	if err != nil {
		return training.Input{}, err
	}
	weather, err := b.Weather(*df)
	if err != nil {
		return training.Input{}, fmt.Errorf("%s: %w", f.cfg.WeatherFile, err)
	}
	in.Mode = training.ModeFull
	in.Weather = weather
	return in, nil
}
