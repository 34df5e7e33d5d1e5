package httpapi

import (
	"context"
	"errors"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"shopfront.dev/internal/obs"
)

// HealthServer exposes readiness over the standard gRPC health protocol so
// that mesh sidecars and grpc_health_probe can check the service.
type HealthServer struct {
	health    *health.Server
	readiness ReadinessChecker
}

func NewHealthServer(r ReadinessChecker) *HealthServer {
	if r == nil {
		r = ReadyProbe{}
	}
	return &HealthServer{health: health.NewServer(), readiness: r}
}

// Register attaches the health service to srv.
func (h *HealthServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, h.health)
}

// Refresh runs the readiness check once and publishes the result both for the
// overall server and under serviceName.
func (h *HealthServer) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if err := h.readiness.Check(ctx); err != nil {
		obs.Warn(ctx, "grpc readiness check failed", map[string]any{"err": err})
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(serviceName, status)
	return status
}

// Run refreshes the status every interval until ctx is done, then marks the
// server as shutting down.
func (h *HealthServer) Run(ctx context.Context, interval time.Duration) {
	h.Refresh(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			h.health.Shutdown()
			return
		case <-t.C:
			h.Refresh(ctx)
		}
	}
}

// ServeGRPC serves the health service on lis until ctx is cancelled.
func ServeGRPC(ctx context.Context, lis net.Listener, h *HealthServer) error {
	srv := grpc.NewServer()
	h.Register(srv)
	go h.Run(ctx, 10*time.Second)
	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
