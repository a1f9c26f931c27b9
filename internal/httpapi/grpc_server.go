package httpapi

import (
	"context"
	"log/slog"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"bastion.dev/internal/obs"
)

// GRPCHealth implements grpc.health.v1.Health from the readiness checks.
type GRPCHealth struct {
	healthpb.UnimplementedHealthServer

	readiness ReadinessChecker
}

func NewGRPCHealth(r ReadinessChecker) *GRPCHealth {
	if r == nil {
		r = Readiness{}
	}
	return &GRPCHealth{readiness: r}
}

// Check answers for the whole server ("") and for the named service.
func (s *GRPCHealth) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	switch req.GetService() {
	case "", serviceName:
	default:
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVICE_UNKNOWN}, nil
	}
	if err := s.readiness.Check(ctx); err != nil {
		obs.SetReady(false)
		slog.Warn("grpc health check failed", "error", err)
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
	}
	obs.SetReady(true)
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
}
