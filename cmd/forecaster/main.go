package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/HatiCode/revcast/cmd/forecaster/config"
	"github.com/HatiCode/revcast/cmd/forecaster/logger"
	"github.com/HatiCode/revcast/cmd/forecaster/metrics"
	"github.com/HatiCode/revcast/cmd/forecaster/router"
	"github.com/HatiCode/revcast/cmd/forecaster/store"
	"github.com/HatiCode/revcast/pkg/calendar"
	"github.com/HatiCode/revcast/pkg/client"
	"github.com/HatiCode/revcast/pkg/httpx"
	"github.com/HatiCode/revcast/pkg/jobs"
	"github.com/HatiCode/revcast/pkg/predict"
	"github.com/HatiCode/revcast/pkg/storage"
	"github.com/HatiCode/revcast/pkg/training"
)

func main() {
	cfg := config.ParseFlags()

	logger := logger.New(cfg)
	slog.SetDefault(logger)

	logger.Info("starting revcast forecaster",
		"version", "v0.1.0",
		"listen", cfg.Listen,
		"storage", cfg.Storage,
		"cluster_k", cfg.ClusterK,
	)

	cal := calendar.Default()
	if cfg.CalendarFile != "" {
		var err error
		if cal, err = calendar.Load(cfg.CalendarFile); err != nil {
			logger.Error("failed to load calendar", "file", cfg.CalendarFile, "error", err)
			os.Exit(1)
		}
	}

	backend := store.New(cfg, logger)
	defer backend.Close()
	artifacts := storage.NewArtifacts(backend.Store)

	var backendClient *client.BackendClient
	if cfg.BackendURL != "" {
		var err error
		backendClient, err = client.NewBackendClient(client.BackendConfig{
			BaseURL:       cfg.BackendURL,
			TokenURL:      cfg.TokenURL,
			ClientID:      cfg.ClientID,
			ClientSecret:  cfg.ClientSecret,
			RatePerSecond: cfg.DeliveryRate,
		}, logger)
		if err != nil {
			logger.Error("invalid backend configuration", "error", err)
			os.Exit(1)
		}
		logger.Info("backend delivery enabled", "url", cfg.BackendURL, "oauth2", cfg.TokenURL != "")
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	manager := jobs.NewManager(jobs.NewMemoryStore(), logger)
	f := New(cfg, artifacts, backend.Locker, cal, manager, backendClient, m, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.RefreshModelAge(ctx)

	predictor := predict.New(artifacts, backend.Locker, training.NewRegistry(cal), logger)
	mux := router.SetupRoutes(router.Deps{
		Predictor: predictor,
		Trainer:   f,
		Deliverer: f,
		Artifacts: artifacts,
		Health:    backend.Ping,
		Metrics:   m,
		Logger:    logger,
	})
	handler := httpx.RecoveryMiddleware(logger)(httpx.LoggingMiddleware(logger)(mux))
	httpServer := httpx.NewServer(cfg.Listen, handler, logger)

	if cfg.RetrainInterval > 0 {
		go func() {
			if err := f.Run(ctx, cfg.RetrainInterval); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("retrain loop failed", "error", err)
			}
		}()
	}

	grpcHealth := newGRPCHealth(f.Ready, logger)
	lis, err := net.Listen("tcp", cfg.GRPCListen)
	if err != nil {
		logger.Error("failed to listen", "address", cfg.GRPCListen, "error", err)
		os.Exit(1)
	}
	go grpcHealth.watch(ctx, 30*time.Second)

	serverErr := make(chan error, 2)
	go func() {
		logger.Info("grpc health server listening", "address", cfg.GRPCListen)
		serverErr <- grpcHealth.Serve(lis)
	}()
	go func() {
		serverErr <- httpServer.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-serverErr:
		if err != nil {
			logger.Error("server failed", "error", err)
		}
	}

	logger.Info("shutting down")
	cancel()
	grpcHealth.Stop()

	if err := httpServer.Stop(10 * time.Second); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	if err := manager.Stop(30 * time.Second); err != nil {
		logger.Error("training job did not stop", "error", err)
	}

	logger.Info("shutdown complete")
}
