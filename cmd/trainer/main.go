// Command revcast-trainer trains revcast models from revenue and weather
// tables. It writes artifacts to a file or redis store directly, or submits
// the tables to a running forecaster with -server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/HatiCode/revcast/pkg/adapters"
	"github.com/HatiCode/revcast/pkg/calendar"
	"github.com/HatiCode/revcast/pkg/client"
	"github.com/HatiCode/revcast/pkg/features"
	"github.com/HatiCode/revcast/pkg/jobs"
	"github.com/HatiCode/revcast/pkg/storage"
	"github.com/HatiCode/revcast/pkg/training"
)

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(2)
	}
	logger := newLogger(cfg, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, os.Stdout); err != nil {
		logger.Error("training failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func run(ctx context.Context, cfg *Config, logger *slog.Logger, out io.Writer) error {
	mode, err := training.ParseMode(cfg.Mode)
	if err != nil {
		return err
	}
	if cfg.Server != "" {
		return submit(ctx, cfg, mode, logger, out)
	}
	return trainLocal(ctx, cfg, mode, logger, out)
}

// openStore returns the artifact store and locker selected by cfg.
func openStore(ctx context.Context, cfg *Config) (storage.Store, storage.Locker, func() error, error) {
	if cfg.Storage == "redis" {
		rs, err := storage.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := rs.Ping(ctx); err != nil {
			_ = rs.Close()
			return nil, nil, nil, err
		}
		return rs, storage.NewRedisLocker(rs.Client(), 30*time.Minute), rs.Close, nil
	}
	fs, err := storage.NewFileStore(cfg.ArtifactDir)
	if err != nil {
		return nil, nil, nil, err
	}
	return fs, storage.NewKeyedLocker(), func() error { return nil }, nil
}

func trainLocal(ctx context.Context, cfg *Config, mode training.Mode, logger *slog.Logger, out io.Writer) error {
	cal := calendar.Default()
	if cfg.Calendar != "" {
		var err error
		if cal, err = calendar.Load(cfg.Calendar); err != nil {
			return err
		}
	}

	in, err := loadInput(ctx, cfg, mode, logger)
	if err != nil {
		return err
	}

	st, locker, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s storage: %w", cfg.Storage, err)
	}
	defer closeStore()

	p := training.NewPipeline(storage.NewArtifacts(st), locker, cal, cfg.ClusterK, logger)
	p.Workers = max(cfg.Workers, 1)
	p.Residual.Trials = cfg.ResidualTrials
	p.Baseline.Trials = cfg.BaselineTrials
	p.OnStageDone = func(stage string, d time.Duration) {
		logger.Info("stage complete", "stage", stage, "duration", d.Round(time.Millisecond))
	}

	rep, err := p.Run(ctx, in)
	if err != nil {
		return err
	}
	if rep.Diagnostics != nil {
		fmt.Fprint(os.Stderr, rep.Diagnostics.Text())
	}
	return writeJSON(out, rep)
}

func loadInput(ctx context.Context, cfg *Config, mode training.Mode, logger *slog.Logger) (training.Input, error) {
	b := features.NewBuilder()
	in := training.Input{Mode: mode}

	df, err := adapters.Load(ctx, cfg.Revenue)
	if err != nil {
		return in, err
	}
	if in.Revenue, err = b.Revenue(*df); err != nil {
		return in, err
	}
	if b.Skipped > 0 {
		logger.Warn("skipped revenue rows", "rows", b.Skipped)
	}

	if cfg.Weather != "" {
		if df, err = adapters.Load(ctx, cfg.Weather); err != nil {
			return in, err
		}
		if in.Weather, err = b.Weather(*df); err != nil {
			return in, err
		}
	}
	if (mode == training.ModeResidual || mode == training.ModeFull) && len(in.Weather) == 0 {
		return in, fmt.Errorf("mode %s requires --weather", mode)
	}
	logger.Info("loaded training data", "revenue_rows", len(in.Revenue), "weather_rows", len(in.Weather))
	return in, nil
}

// submit uploads the tables to a forecaster and optionally waits for the job.
func submit(ctx context.Context, cfg *Config, mode training.Mode, logger *slog.Logger, out io.Writer) error {
	c := client.NewForecasterClientWithTimeout(cfg.Server, 5*time.Minute)

	rev, err := os.Open(cfg.Revenue)
	if err != nil {
		return err
	}
	defer rev.Close()

	var weather *client.Upload
	if cfg.Weather != "" {
		if strings.HasPrefix(cfg.Weather, "http://") || strings.HasPrefix(cfg.Weather, "https://") {
			return errors.New("--weather must be a file when submitting to a forecaster")
		}
		wf, err := os.Open(cfg.Weather)
		if err != nil {
			return err
		}
		defer wf.Close()
		weather = &client.Upload{Name: filepath.Base(cfg.Weather), Body: wf}
	}

	job, err := c.SubmitTraining(ctx, string(mode), client.Upload{Name: filepath.Base(cfg.Revenue), Body: rev}, weather)
	if err != nil {
		return err
	}
	logger.Info("training job submitted", "job_id", job.ID, "server", cfg.Server)

	if cfg.Wait > 0 {
		wctx, cancel := context.WithTimeout(ctx, cfg.Wait)
		defer cancel()
		if job, err = c.WaitJob(wctx, job.ID, 2*time.Second); err != nil {
			return err
		}
		if job.Status != jobs.StatusCompleted {
			_ = writeJSON(out, job)
			return fmt.Errorf("job %s %s: %s", job.ID, job.Status, job.Error)
		}
	}
	return writeJSON(out, job)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
