package grpc

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	ggrpc "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/graphkeep/graphkeep/pkg/locks"
	"github.com/graphkeep/graphkeep/pkg/logger"
	"github.com/graphkeep/graphkeep/pkg/master"
)

func quietLogger() logger.Logger {
	return logger.New(&logger.Config{Level: logger.ErrorLevel, Format: "text", Output: "stderr"})
}

// serveTest starts a server on a loopback port with the master service
// registered in front of endpoint.
func serveTest(t *testing.T, endpoint *master.Endpoint, tracing bool) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Address = "127.0.0.1:0"
	cfg.EnableTracing = tracing

	srv, err := New(cfg, WithLogger(quietLogger()))
	require.NoError(t, err)
	srv.RegisterService(&MasterServiceDesc, NewMasterService(endpoint, "node-1"))
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return srv
}

func dialTest(t *testing.T, srv *Server) *ggrpc.ClientConn {
	t.Helper()
	conn, err := ggrpc.NewClient(srv.Address(),
		ggrpc.WithTransportCredentials(insecure.NewCredentials()),
		ggrpc.WithDefaultCallOptions(ggrpc.CallContentSubtype(CodecName)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	prevProvider := otel.GetTracerProvider()
	prevPropagator := otel.GetTextMapPropagator()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prevProvider)
		otel.SetTextMapPropagator(prevPropagator)
	})
	return recorder
}

func spanNames(recorder *tracetest.SpanRecorder) []string {
	var names []string
	for _, s := range recorder.Ended() {
		names = append(names, s.Name())
	}
	return names
}

func TestServer_Tracing(t *testing.T) {
	for _, enabled := range []bool{true, false} {
		name := "disabled"
		if enabled {
			name = "enabled"
		}
		t.Run(name, func(t *testing.T) {
			recorder := recordSpans(t)
			srv := serveTest(t, &master.Endpoint{}, enabled)
			conn := dialTest(t, srv)

			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			out := new(HandshakeResponse)
			_ = conn.Invoke(ctx, HandshakeMethod, &HandshakeRequest{Session: "slave-a"}, out)

			if !enabled {
				time.Sleep(100 * time.Millisecond)
				assert.Empty(t, recorder.Ended())
				return
			}
			assert.Eventually(t, func() bool {
				for _, n := range spanNames(recorder) {
					if n == HandshakeMethod {
						return true
					}
				}
				return false
			}, 2*time.Second, 10*time.Millisecond)
		})
	}
}

func TestServer_MasterServiceFollowsBinding(t *testing.T) {
	endpoint := &master.Endpoint{}
	srv := serveTest(t, endpoint, false)
	conn := dialTest(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := conn.Invoke(ctx, HandshakeMethod, &HandshakeRequest{Session: "slave-a"}, new(HandshakeResponse))
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	var resp master.LockResponse
	require.NoError(t, conn.Invoke(ctx, AcquireLockMethod, &LockRequest{}, &resp))
	assert.Equal(t, master.StatusStaleEpoch, resp.Status)

	bound := master.NewServer(5, locks.NewManager(time.Second))
	defer bound.Close()
	endpoint.Bind(bound)

	hs := new(HandshakeResponse)
	require.NoError(t, conn.Invoke(ctx, HandshakeMethod, &HandshakeRequest{Session: "slave-a"}, hs))
	assert.Equal(t, uint64(5), hs.Epoch)
	assert.Equal(t, "node-1", hs.Master)

	health := grpc_health_v1.NewHealthClient(conn)
	hc, err := health.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: MasterServiceName})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, hc.Status)

	srv.Health().SetMaster(true)
	hc, err = health.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: MasterServiceName})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, hc.Status)
}

func TestServer_Lifecycle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Address = "127.0.0.1:0"
	srv, err := New(cfg, WithLogger(quietLogger()))
	require.NoError(t, err)
	assert.False(t, srv.IsRunning())
	assert.Equal(t, "127.0.0.1:0", srv.Address())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, srv.Serve(ln))
	assert.True(t, srv.IsRunning())
	assert.Equal(t, ln.Addr().String(), srv.Address())

	other, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer other.Close()
	assert.Error(t, srv.Serve(other))

	require.NoError(t, srv.Stop(context.Background()))
	require.NoError(t, srv.Stop(context.Background()))
	assert.False(t, srv.IsRunning())
	assert.ErrorIs(t, srv.Serve(other), ErrServerStopped)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.RateLimit = 10
	_, err = New(cfg)
	assert.ErrorContains(t, err, "rate burst")

	cfg = DefaultConfig()
	cfg.TLS = &TLSConfig{Enabled: true}
	_, err = New(cfg)
	assert.ErrorContains(t, err, "cert file")

	dir := t.TempDir()
	cfg.TLS = &TLSConfig{
		Enabled:  true,
		CertFile: filepath.Join(dir, "node.crt"),
		KeyFile:  filepath.Join(dir, "node.key"),
	}
	_, err = New(cfg)
	assert.ErrorContains(t, err, "load node certificate")
}

func TestTLSConfig_ClientCredentials(t *testing.T) {
	creds, err := (&TLSConfig{Enabled: true}).ClientCredentials("graph-1")
	require.NoError(t, err)
	assert.Equal(t, "graph-1", creds.Info().ServerName)

	_, err = (&TLSConfig{Enabled: true, CAFile: filepath.Join(t.TempDir(), "ca.pem")}).ClientCredentials("")
	assert.ErrorContains(t, err, "read CA certificate")
}
