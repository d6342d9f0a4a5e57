package config

import (
	"flag"
	"os"
	"testing"
	"time"
)

func resetFlags(args ...string) {
	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	os.Args = append([]string{"cmd"}, args...)
}

func TestConfig_Defaults(t *testing.T) {
	resetFlags()

	cfg := ParseFlags()

	if cfg.Listen != ":8000" {
		t.Errorf("Listen = %q, want %q", cfg.Listen, ":8000")
	}
	if cfg.GRPCListen != ":50051" {
		t.Errorf("GRPCListen = %q, want %q", cfg.GRPCListen, ":50051")
	}
	if cfg.Storage != "file" || cfg.ArtifactDir != "./artifacts" {
		t.Errorf("Storage = %q at %q, want file at ./artifacts", cfg.Storage, cfg.ArtifactDir)
	}
	if cfg.LockTTL != 30*time.Minute {
		t.Errorf("LockTTL = %v, want 30m", cfg.LockTTL)
	}
	if cfg.RetrainInterval != 0 {
		t.Errorf("RetrainInterval = %v, want disabled", cfg.RetrainInterval)
	}
	if cfg.ClusterK != 5 || cfg.ResidualTrials != 40 || cfg.BaselineTrials != 0 {
		t.Errorf("training params = k %d, residual %d, baseline %d", cfg.ClusterK, cfg.ResidualTrials, cfg.BaselineTrials)
	}
	if cfg.BackendURL != "" {
		t.Errorf("BackendURL = %q, want delivery disabled", cfg.BackendURL)
	}
	if cfg.DeliveryRate != 10 {
		t.Errorf("DeliveryRate = %v, want 10", cfg.DeliveryRate)
	}
	if cfg.LogFormat != "text" || cfg.LogLevel != "info" {
		t.Errorf("log = %q/%q, want text/info", cfg.LogFormat, cfg.LogLevel)
	}
}

func TestConfig_CustomValues(t *testing.T) {
	resetFlags(
		"-listen=:9000",
		"-storage=redis",
		"-redis-addr=redis:6379",
		"-redis-db=2",
		"-training-file=/data/revenue.csv",
		"-weather-file=/data/weather.xlsx",
		"-retrain-interval=24h",
		"-cluster-k=4",
		"-residual-trials=10",
		"-backend-url=http://backend:3006",
		"-delivery-rate=2.5",
		"-log-format=json",
		"-log-level=debug",
	)

	cfg := ParseFlags()

	if cfg.Listen != ":9000" {
		t.Errorf("Listen = %q, want %q", cfg.Listen, ":9000")
	}
	if cfg.Storage != "redis" || cfg.RedisAddr != "redis:6379" || cfg.RedisDB != 2 {
		t.Errorf("redis = %q %q %d", cfg.Storage, cfg.RedisAddr, cfg.RedisDB)
	}
	if cfg.TrainingFile != "/data/revenue.csv" || cfg.WeatherFile != "/data/weather.xlsx" {
		t.Errorf("files = %q, %q", cfg.TrainingFile, cfg.WeatherFile)
	}
	if cfg.RetrainInterval != 24*time.Hour {
		t.Errorf("RetrainInterval = %v, want 24h", cfg.RetrainInterval)
	}
	if cfg.ClusterK != 4 || cfg.ResidualTrials != 10 {
		t.Errorf("k = %d, trials = %d", cfg.ClusterK, cfg.ResidualTrials)
	}
	if cfg.BackendURL != "http://backend:3006" || cfg.DeliveryRate != 2.5 {
		t.Errorf("backend = %q at %v/s", cfg.BackendURL, cfg.DeliveryRate)
	}
	if cfg.LogFormat != "json" || cfg.LogLevel != "debug" {
		t.Errorf("log = %q/%q, want json/debug", cfg.LogFormat, cfg.LogLevel)
	}
}

func TestConfig_EnvFallback(t *testing.T) {
	t.Setenv("STORAGE", "memory")
	t.Setenv("WORKERS", "8")
	t.Setenv("CLIENT_ID", "revcast")
	resetFlags()

	cfg := ParseFlags()

	if cfg.Storage != "memory" {
		t.Errorf("Storage = %q, want memory from env", cfg.Storage)
	}
	if cfg.Workers != 8 {
		t.Errorf("Workers = %d, want 8 from env", cfg.Workers)
	}
	if cfg.ClientID != "revcast" {
		t.Errorf("ClientID = %q, want revcast from env", cfg.ClientID)
	}
}

func TestGetEnvInt(t *testing.T) {
	tests := []struct {
		name         string
		defaultValue int
		envValue     string
		want         int
	}{
		{"valid integer", 10, "42", 42},
		{"invalid integer", 10, "not-a-number", 10},
		{"not set", 99, "", 99},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv("REVCAST_TEST_INT", tt.envValue)
			}
			if got := getEnvInt("REVCAST_TEST_INT", tt.defaultValue); got != tt.want {
				t.Errorf("getEnvInt() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestGetEnvFloat(t *testing.T) {
	tests := []struct {
		name         string
		defaultValue float64
		envValue     string
		want         float64
	}{
		{"valid float", 1, "0.25", 0.25},
		{"invalid float", 1, "fast", 1},
		{"not set", 3, "", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv("REVCAST_TEST_FLOAT", tt.envValue)
			}
			if got := getEnvFloat("REVCAST_TEST_FLOAT", tt.defaultValue); got != tt.want {
				t.Errorf("getEnvFloat() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		name         string
		defaultValue time.Duration
		envValue     string
		want         time.Duration
	}{
		{"valid duration", time.Minute, "5m", 5 * time.Minute},
		{"invalid duration", 30 * time.Second, "not-a-duration", 30 * time.Second},
		{"not set", 10 * time.Second, "", 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv("REVCAST_TEST_DURATION", tt.envValue)
			}
			if got := getEnvDuration("REVCAST_TEST_DURATION", tt.defaultValue); got != tt.want {
				t.Errorf("getEnvDuration() = %v, want %v", got, tt.want)
			}
		})
	}
}
