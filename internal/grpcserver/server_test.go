package grpcserver

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

const bufconnSize = 1 << 20

func startServer(t *testing.T, probe ReadinessProbe) (*Server, healthpb.HealthClient, context.CancelFunc, <-chan error) {
	t.Helper()
	listener := bufconn.Listen(bufconnSize)
	server := New(probe, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, listener)
	}()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.Dial()
	}
	conn, err := grpc.NewClient("passthrough:///bufnet", grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		cancel()
		t.Fatalf("gRPC client init failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return server, healthpb.NewHealthClient(conn), cancel, done
}

func waitForStatus(t *testing.T, client healthpb.HealthClient, want healthpb.HealthCheckResponse_ServingStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		response, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
		cancel()
		if err == nil && response.GetStatus() == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("health status never reached %s (last: %v, %v)", want, response.GetStatus(), err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestHealthServingWhenProbePasses(t *testing.T) {
	_, client, cancel, done := startServer(t, func(context.Context) error { return nil })
	waitForStatus(t, client, healthpb.HealthCheckResponse_SERVING)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not stop")
	}
}

func TestHealthFollowsProbe(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	server, client, cancel, _ := startServer(t, func(context.Context) error {
		if failing.Load() {
			return errors.New("database unreachable")
		}
		return nil
	})
	defer cancel()
	waitForStatus(t, client, healthpb.HealthCheckResponse_NOT_SERVING)

	failing.Store(false)
	if status := server.Refresh(context.Background()); status != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING after refresh, got %s", status)
	}
	waitForStatus(t, client, healthpb.HealthCheckResponse_SERVING)
}
