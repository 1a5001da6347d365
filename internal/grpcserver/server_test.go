package grpcserver

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/snellie/receipt-gateway/internal/logging"
)

func startBufServer(t *testing.T) (*Server, grpc.DialOption) {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := New(zap.NewNop())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(lis)
	}()
	t.Cleanup(func() {
		srv.Stop()
		<-done
	})

	dialer := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
	return srv, dialer
}

func servingStatus(t *testing.T, dialer grpc.DialOption) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	status, err := CheckHealth(ctx, "bufnet", zap.NewNop(), dialer)
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	return status
}

func TestHealthLifecycle(t *testing.T) {
	srv, dialer := startBufServer(t)

	if got := servingStatus(t, dialer); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING before startup, got %s", got)
	}

	srv.SetServing()
	if got := servingStatus(t, dialer); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING, got %s", got)
	}

	srv.MarkNotServing()
	srv.SetServing()
	if got := servingStatus(t, dialer); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING after shutdown began, got %s", got)
	}
}

func TestCheckHealthReportsDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	failing := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	})
	status, err := CheckHealth(ctx, "bufnet", zap.NewNop(), failing)
	if err == nil {
		t.Fatal("expected dial error")
	}
	if status != healthpb.HealthCheckResponse_UNKNOWN {
		t.Fatalf("expected UNKNOWN, got %s", status)
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "grpcserver.dial_health" {
		t.Fatalf("expected dial OperationError, got %v", err)
	}
}

func TestShutdownStopsServe(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv := New(zap.NewNop())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(lis) }()

	dialer := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
	srv.SetServing()
	if got := servingStatus(t, dialer); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING, got %s", got)
	}

	srv.Shutdown()
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after shutdown")
	}
}
