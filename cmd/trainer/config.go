package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"
)

// Config holds trainer CLI options.
type Config struct {
	Revenue  string
	Weather  string
	Mode     string
	Calendar string

	// Server submits to a running forecaster instead of training locally.
	Server string
	Wait   time.Duration

	Storage       string
	ArtifactDir   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ClusterK       int
	ResidualTrials int
	BaselineTrials int
	Workers        int

	LogFormat string
	LogLevel  string
}

func parseFlags(args []string) (*Config, error) {
	cfg := &Config{}
	fs := flag.NewFlagSet("revcast-trainer", flag.ContinueOnError)

	fs.StringVar(&cfg.Revenue, "revenue", getEnv("TRAINING_FILE", ""), "Revenue history (CSV or XLSX)")
	fs.StringVar(&cfg.Weather, "weather", getEnv("WEATHER_FILE", ""), "Weather history (CSV, XLSX or JSON URL)")
	fs.StringVar(&cfg.Mode, "mode", "full", "Training mode: cluster, baseline, residual or full")
	fs.StringVar(&cfg.Calendar, "calendar", getEnv("CALENDAR_FILE", ""), "Holiday and semester override file (YAML)")

	fs.StringVar(&cfg.Server, "server", getEnv("FORECASTER_URL", ""), "Forecaster URL; when set the run is submitted there")
	fs.DurationVar(&cfg.Wait, "wait", 0, "Wait up to this long for a submitted job, 0 returns immediately")

	fs.StringVar(&cfg.Storage, "storage", getEnv("STORAGE", "file"), "Artifact storage backend: file or redis")
	fs.StringVar(&cfg.ArtifactDir, "artifact-dir", getEnv("ARTIFACT_DIR", "./artifacts"), "Artifact directory for file storage")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", getEnv("REDIS_ADDR", "localhost:6379"), "Redis server address")
	fs.StringVar(&cfg.RedisPassword, "redis-password", getEnv("REDIS_PASSWORD", ""), "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", 0, "Redis database number")

	fs.IntVar(&cfg.ClusterK, "cluster-k", 5, "Number of store archetypes")
	fs.IntVar(&cfg.ResidualTrials, "residual-trials", 40, "Residual model search trials")
	fs.IntVar(&cfg.BaselineTrials, "baseline-trials", 0, "Baseline search trials, 0 uses the archetype default")
	fs.IntVar(&cfg.Workers, "workers", 4, "Parallel store training workers")

	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "Log format: text or json")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.Revenue == "" {
		return nil, errors.New("--revenue is required")
	}
	switch cfg.Storage {
	case "file", "redis":
	default:
		return nil, fmt.Errorf("--storage must be file or redis, got %q", cfg.Storage)
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
