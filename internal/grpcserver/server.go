package grpcserver

import (
	"context"
	"errors"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health-check name reported for the fulfillment daemon.
const ServiceName = "beanstalker.fulfillment"

// ReadinessProbe reports whether the daemon can serve traffic, typically by
// pinging the database.
type ReadinessProbe func(ctx context.Context) error

// Server exposes gRPC health checking and reflection next to the HTTP API.
type Server struct {
	grpcServer   *grpc.Server
	healthServer *health.Server
	probe        ReadinessProbe
	logger       *zap.Logger
}

// New constructs a Server; probe may be nil.
func New(probe ReadinessProbe, logger *zap.Logger, options ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	grpcServer := grpc.NewServer(options...)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &Server{
		grpcServer:   grpcServer,
		healthServer: healthServer,
		probe:        probe,
		logger:       logger,
	}
}

// Refresh runs the readiness probe and publishes the resulting status.
func (server *Server) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if server.probe != nil {
		if err := server.probe(ctx); err != nil {
			server.logger.Warn("readiness probe failed", zap.Error(err))
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	server.healthServer.SetServingStatus("", status)
	server.healthServer.SetServingStatus(ServiceName, status)
	return status
}

// Serve refreshes health and serves on listener until ctx is cancelled.
func (server *Server) Serve(ctx context.Context, listener net.Listener) error {
	server.Refresh(ctx)
	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("gRPC server starting", zap.String("listen_addr", listener.Addr().String()))
		errCh <- server.grpcServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		server.logger.Info("gRPC shutdown requested")
		server.healthServer.Shutdown()
		server.grpcServer.GracefulStop()
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	}
}
