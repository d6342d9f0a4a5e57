package main

import (
	"context"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// healthService is the service name whose status tracks model readiness.
// The empty name reports the same status for clients that do not pass one.
const healthService = "revcast.Forecaster"

// grpcHealth serves grpc.health.v1 with reflection. The forecaster is
// SERVING once a residual model exists in the artifact store.
type grpcHealth struct {
	server *grpc.Server
	health *health.Server
	ready  func(ctx context.Context) bool
	logger *slog.Logger
}

func newGRPCHealth(ready func(ctx context.Context) bool, logger *slog.Logger) *grpcHealth {
	srv := grpc.NewServer()
	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	g := &grpcHealth{server: srv, health: hs, ready: ready, logger: logger}
	g.set(grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	return g
}

func (g *grpcHealth) set(status grpc_health_v1.HealthCheckResponse_ServingStatus) {
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(healthService, status)
}

// refresh re-evaluates readiness and returns the status now reported.
func (g *grpcHealth) refresh(ctx context.Context) grpc_health_v1.HealthCheckResponse_ServingStatus {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if g.ready(ctx) {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	g.set(status)
	return status
}

// watch refreshes readiness every interval until ctx is done.
func (g *grpcHealth) watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := g.refresh(ctx)
	g.logger.Info("grpc health status", "status", last.String())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s := g.refresh(ctx); s != last {
				g.logger.Info("grpc health status changed", "status", s.String())
				last = s
			}
		}
	}
}

func (g *grpcHealth) Serve(lis net.Listener) error {
	return g.server.Serve(lis)
}

// Stop marks the service as shutting down and drains in-flight calls.
func (g *grpcHealth) Stop() {
	g.health.Shutdown()
	g.server.GracefulStop()
}
