// Package config implements the revcast forecaster config.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"
)

// Config holds all forecaster configuration.
type Config struct {
	Listen     string
	GRPCListen string

	Storage       string
	ArtifactDir   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	LockTTL       time.Duration

	CalendarFile    string
	TrainingFile    string
	WeatherFile     string
	RetrainInterval time.Duration

	ClusterK       int
	ResidualTrials int
	BaselineTrials int
	Workers        int

	BackendURL   string
	TokenURL     string
	ClientID     string
	ClientSecret string
	DeliveryRate float64

	LogFormat string
	LogLevel  string
}

// ParseFlags parses command-line flags and environment variables into a Config.
// Exits with status 1 if the storage backend is unknown or scheduled retraining
// is enabled without a training file.
// Environment variables are used as fallbacks when flags are not provided.
func ParseFlags() *Config {
	cfg := &Config{}

	// Server
	flag.StringVar(&cfg.Listen, "listen", getEnv("LISTEN", ":8000"), "HTTP listen address")
	flag.StringVar(&cfg.GRPCListen, "grpc-listen", getEnv("GRPC_LISTEN", ":50051"), "gRPC health listen address")

	// Storage
	flag.StringVar(&cfg.Storage, "storage", getEnv("STORAGE", "file"), "Artifact storage backend: memory, file or redis")
	flag.StringVar(&cfg.ArtifactDir, "artifact-dir", getEnv("ARTIFACT_DIR", "./artifacts"), "Artifact directory for file storage")
	flag.StringVar(&cfg.RedisAddr, "redis-addr", getEnv("REDIS_ADDR", "localhost:6379"), "Redis server address")
	flag.StringVar(&cfg.RedisPassword, "redis-password", getEnv("REDIS_PASSWORD", ""), "Redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", getEnvInt("REDIS_DB", 0), "Redis database number")
	flag.DurationVar(&cfg.LockTTL, "lock-ttl", getEnvDuration("LOCK_TTL", 30*time.Minute), "Expiry of redis store locks")

	// Training data
	flag.StringVar(&cfg.CalendarFile, "calendar", getEnv("CALENDAR_FILE", ""), "Holiday and semester override file (YAML)")
	flag.StringVar(&cfg.TrainingFile, "training-file", getEnv("TRAINING_FILE", ""), "Revenue history (CSV or XLSX) for scheduled retraining")
	flag.StringVar(&cfg.WeatherFile, "weather-file", getEnv("WEATHER_FILE", ""), "Weather history (CSV, XLSX or JSON URL) for scheduled retraining")
	flag.DurationVar(&cfg.RetrainInterval, "retrain-interval", getEnvDuration("RETRAIN_INTERVAL", 0), "Scheduled retrain interval, 0 disables")

	// Training parameters
	flag.IntVar(&cfg.ClusterK, "cluster-k", getEnvInt("CLUSTER_K", 5), "Number of store archetypes")
	flag.IntVar(&cfg.ResidualTrials, "residual-trials", getEnvInt("RESIDUAL_TRIALS", 40), "Residual model search trials")
	flag.IntVar(&cfg.BaselineTrials, "baseline-trials", getEnvInt("BASELINE_TRIALS", 0), "Baseline search trials, 0 uses the archetype default")
	flag.IntVar(&cfg.Workers, "workers", getEnvInt("WORKERS", 4), "Parallel store training workers")

	// Backend delivery
	flag.StringVar(&cfg.BackendURL, "backend-url", getEnv("BACKEND_URL", ""), "Backend base URL, empty disables delivery")
	flag.StringVar(&cfg.TokenURL, "token-url", getEnv("TOKEN_URL", ""), "OAuth2 token URL for backend delivery")
	flag.StringVar(&cfg.ClientID, "client-id", getEnv("CLIENT_ID", ""), "OAuth2 client ID")
	flag.StringVar(&cfg.ClientSecret, "client-secret", getEnv("CLIENT_SECRET", ""), "OAuth2 client secret")
	flag.Float64Var(&cfg.DeliveryRate, "delivery-rate", getEnvFloat("DELIVERY_RATE", 10), "Backend requests per second")

	// Logging
	flag.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "Log format: text or json")
	flag.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")

	flag.Parse()

	switch cfg.Storage {
	case "memory", "file", "redis":
	default:
		fmt.Fprintf(os.Stderr, "Error: --storage must be memory, file or redis, got %q\n", cfg.Storage)
		os.Exit(1)
	}
	if cfg.RetrainInterval > 0 && cfg.TrainingFile == "" {
		fmt.Fprintln(os.Stderr, "Error: --training-file is required when --retrain-interval is set")
		os.Exit(1)
	}
	if cfg.ClusterK < 1 {
		fmt.Fprintln(os.Stderr, "Error: --cluster-k must be positive")
		os.Exit(1)
	}

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var i int
		if _, err := fmt.Sscanf(value, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var f float64
		if _, err := fmt.Sscanf(value, "%f", &f); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
