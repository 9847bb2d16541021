package ops

import (
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthRPC serves the standard gRPC health checking protocol so meshes and
// orchestrators can probe the service without HTTP.
type HealthRPC struct {
	server *grpc.Server
	health *health.Server
	port   int
	logger *slog.Logger
}

// NewHealthRPC creates the gRPC health listener.
func NewHealthRPC(port int, logger *slog.Logger) *HealthRPC {
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return &HealthRPC{
		server: srv,
		health: hs,
		port:   port,
		logger: logger.With("component", "grpc_health"),
	}
}

// Start listens and serves until Stop is called.
func (h *HealthRPC) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", h.port))
	if err != nil {
		return fmt.Errorf("failed to listen on grpc health port: %w", err)
	}
	h.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.logger.Info("grpc health listening", "addr", lis.Addr().String())
	return h.server.Serve(lis)
}

// SetServing flips the reported status. Drain flows switch to NOT_SERVING
// before shutdown so load balancers stop routing first.
func (h *HealthRPC) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_SERVING
	if !serving {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.health.SetServingStatus("", status)
}

// Stop drains and stops the listener.
func (h *HealthRPC) Stop() {
	h.server.GracefulStop()
}
