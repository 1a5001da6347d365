// Package grpcserver exposes the standard gRPC health service so
// orchestrators can check the gateway over gRPC as well as HTTP.
package grpcserver

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/snellie/receipt-gateway/internal/logging"
)

// ServiceName is the health service key reported alongside the overall ("") status.
const ServiceName = "snellie.ReceiptGateway"

// Server hosts the health service.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	logger *zap.Logger
}

// New builds a server reporting NOT_SERVING until SetServing is called.
func New(logger *zap.Logger) *Server {
	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	s := &Server{grpc: gs, health: hs, logger: logger.Named("grpc_health")}
	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Serve blocks until the listener fails or Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC health listening", zap.String("addr", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

// SetServing marks the gateway healthy.
func (s *Server) SetServing() {
	s.setStatus(healthpb.HealthCheckResponse_SERVING)
}

// MarkNotServing flips every service to NOT_SERVING and ignores later updates.
func (s *Server) MarkNotServing() {
	s.health.Shutdown()
}

// Stop drains in-flight RPCs.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

// Shutdown reports NOT_SERVING, then stops the server.
func (s *Server) Shutdown() {
	s.MarkNotServing()
	s.Stop()
}

func (s *Server) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// CheckHealth dials addr and returns the gateway's reported status.
func CheckHealth(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (healthpb.HealthCheckResponse_ServingStatus, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)
	conn, err := grpc.DialContext(dialCtx, addr, opts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcserver.dial_health", "", err)
		logger.Error("failed to dial health service", logging.ErrorField(wrapped), zap.String("addr", addr))
		return healthpb.HealthCheckResponse_UNKNOWN, wrapped
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		wrapped := logging.NewOperationError("grpcserver.check_health", "", err)
		logger.Error("health check failed", logging.ErrorField(wrapped), zap.String("addr", addr))
		return healthpb.HealthCheckResponse_UNKNOWN, wrapped
	}
	return resp.GetStatus(), nil
}
