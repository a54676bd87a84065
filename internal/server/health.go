// Package server exposes the gRPC health service used by orchestrators.
package server

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health-checked service name.
const ServiceName = "arbiter.v1.PolicyDecisionService"

// Prober reports whether the service is ready to take traffic.
type Prober interface {
	Check(ctx context.Context) error
}

// HealthServer serves grpc.health.v1 and keeps the serving status in step
// with a readiness probe.
type HealthServer struct {
	grpc     *grpc.Server
	health   *health.Server
	probe    Prober
	interval time.Duration
	logger   *zap.Logger

	serving bool
}

// NewHealthServer builds a gRPC server with the health service and reflection
// registered. Both names start NOT_SERVING until the first probe passes.
func NewHealthServer(probe Prober, interval time.Duration, logger *zap.Logger) *HealthServer {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     5 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 10 * time.Second,
			Time:                  30 * time.Second,
			Timeout:               5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Enable reflection for debugging with grpcurl
	reflection.Register(grpcServer)

	return &HealthServer{
		grpc:     grpcServer,
		health:   hs,
		probe:    probe,
		interval: interval,
		logger:   logger,
	}
}

// Refresh runs the probe once and updates the serving status.
func (s *HealthServer) Refresh(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()

	err := s.probe.Check(probeCtx)
	status := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	if serving := err == nil; serving != s.serving {
		s.serving = serving
		if serving {
			s.logger.Info("health status changed", zap.String("status", status.String()))
		} else {
			s.logger.Warn("health status changed", zap.String("status", status.String()), zap.Error(err))
		}
	}
	s.health.SetServingStatus(ServiceName, status)
	s.health.SetServingStatus("", status)
}

// Run probes on every interval until ctx is done.
func (s *HealthServer) Run(ctx context.Context) {
	s.Refresh(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}

// Serve accepts gRPC connections on lis. It blocks until Stop is called.
func (s *HealthServer) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// Stop marks everything NOT_SERVING and drains connections.
func (s *HealthServer) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
