package server

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/prakhar0085/chatapp/internal/config"
	"github.com/prakhar0085/chatapp/internal/presence"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

// failingStore is a presence broker that is always unreachable.
type failingStore struct{}

var errBrokerDown = errors.New("broker down")

func (failingStore) MarkOnline(context.Context, string) error { return errBrokerDown }

func (failingStore) MarkOfflineIfLast(context.Context, string, bool) (bool, error) {
	return false, errBrokerDown
}

func (failingStore) ListOnline(context.Context) ([]string, error) { return nil, errBrokerDown }

func (failingStore) Subscribe(context.Context, func(presence.Change)) error { return errBrokerDown }

func (failingStore) Close() error { return nil }

func dialHealth(t *testing.T, srv *grpc.Server) healthpb.HealthClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func TestControlPlaneReportsPresenceHealth(t *testing.T) {
	local := presence.NewMemory("i1")
	fb := presence.NewFallback(failingStore{}, local, time.Second, zaptest.NewLogger(t), nil)

	node := startNode(t, "i1", withPresence(fb), func(_ *config.Config, d *Deps) { d.Fallback = fb })
	client := dialHealth(t, node.srv.grpcServer)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	// Subscribing against the dead broker already degraded presence; the local
	// view still serves connections.
	require.True(t, fb.Degraded())
	node.connect(t, "alice")

	require.Eventually(t, func() bool {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: PresenceService})
		return err == nil && resp.Status == healthpb.HealthCheckResponse_NOT_SERVING
	}, waitFor, 20*time.Millisecond)

	_, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: "nope"})
	require.Equal(t, codes.NotFound, status.Code(err))
}

func TestRecoverUnaryConvertsPanic(t *testing.T) {
	ic := recoverUnary(zaptest.NewLogger(t))
	info := &grpc.UnaryServerInfo{FullMethod: "/chat.Test/Panic"}

	_, err := ic(context.Background(), nil, info, func(context.Context, any) (any, error) {
		panic("boom")
	})
	require.Equal(t, codes.Internal, status.Code(err))

	resp, err := ic(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", resp)
}

func TestLoggingUnaryPassesErrorsThrough(t *testing.T) {
	ic := loggingUnary(zaptest.NewLogger(t))
	info := &grpc.UnaryServerInfo{FullMethod: "/chat.Test/Fail"}
	want := status.Error(codes.Unavailable, "down")

	_, err := ic(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return nil, want
	})
	require.ErrorIs(t, err, want)
}
