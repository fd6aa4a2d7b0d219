package api

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cuemby/pgwarden/pkg/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// PrimaryService is the gRPC health service name that reports SERVING
// while a primary is located. Load balancers and sidecars can watch it to
// follow the writable node.
const PrimaryService = "pgwarden.Primary"

// LocateFunc reports the current primary
type LocateFunc func(ctx context.Context) (string, bool)

// HealthServer serves the standard gRPC health protocol
type HealthServer struct {
	grpc   *grpc.Server
	health *health.Server
	locate LocateFunc

	primary string
}

// NewHealthServer creates a gRPC server with the health service registered.
// The overall status ("") is SERVING while the process runs.
func NewHealthServer(locate LocateFunc) *HealthServer {
	hs := &HealthServer{
		grpc: grpc.NewServer(
			grpc.ChainUnaryInterceptor(LoggingUnaryInterceptor()),
			grpc.ChainStreamInterceptor(LoggingStreamInterceptor()),
		),
		health: health.NewServer(),
		locate: locate,
	}
	healthpb.RegisterHealthServer(hs.grpc, hs.health)

	hs.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.health.SetServingStatus(PrimaryService, healthpb.HealthCheckResponse_NOT_SERVING)
	return hs
}

// Start listens on addr and serves until Stop
func (hs *HealthServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return hs.Serve(lis)
}

// Serve serves on lis until Stop
func (hs *HealthServer) Serve(lis net.Listener) error {
	logger := log.WithComponent("grpc")
	logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC health service listening")
	return hs.grpc.Serve(lis)
}

// Refresh locates the primary once and updates PrimaryService
func (hs *HealthServer) Refresh(ctx context.Context) {
	name, ok := hs.locate(ctx)
	if ctx.Err() != nil {
		return
	}

	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	hs.health.SetServingStatus(PrimaryService, status)

	if name != hs.primary {
		logger := log.WithComponent("grpc")
		logger.Info().Str("from", hs.primary).Str("to", name).Msg("Primary changed")
		hs.primary = name
	}
}

// Watch refreshes every interval until ctx is done
func (hs *HealthServer) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	hs.Refresh(ctx)
	for {
		select {
		case <-ticker.C:
			hs.Refresh(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Stop marks every service NOT_SERVING and stops the server gracefully
func (hs *HealthServer) Stop() {
	hs.health.Shutdown()
	hs.grpc.GracefulStop()
}
