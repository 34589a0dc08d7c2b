package health

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"sync/atomic"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"modelwarden/internal/config"
)

func TestHTTPService(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()
	svc := NewHTTPService(srv.URL + "/healthz")
	ctx := context.Background()

	res, err := svc.HealthCheck(ctx)
	require.NoError(t, err)
	require.True(t, res.Healthy)
	require.False(t, res.Degraded)

	status.Store(http.StatusTooManyRequests)
	res, err = svc.HealthCheck(ctx)
	require.NoError(t, err)
	require.True(t, res.Healthy)
	require.True(t, res.Degraded)

	status.Store(http.StatusServiceUnavailable)
	res, err = svc.HealthCheck(ctx)
	require.NoError(t, err)
	require.False(t, res.Healthy)
	require.Equal(t, "HTTP 503", res.Detail)

	require.NoError(t, svc.Start(ctx))
	require.NoError(t, svc.Stop(ctx))
}

func TestHTTPServiceUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPService(url).HealthCheck(context.Background())
	require.Error(t, err)
}

func TestProcessServiceLifecycle(t *testing.T) {
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}
	p := NewProcessService(sleep, "30")
	ctx := context.Background()

	_, err = p.HealthCheck(ctx)
	require.ErrorIs(t, err, errNotRunning)

	require.NoError(t, p.Start(ctx))
	pid := p.Pid()
	require.NotZero(t, pid)
	require.NoError(t, p.Start(ctx))
	require.Equal(t, pid, p.Pid())

	res, err := p.HealthCheck(ctx)
	require.NoError(t, err)
	require.True(t, res.Healthy)

	require.NoError(t, p.Stop(ctx))
	require.Zero(t, p.Pid())
	_, err = p.HealthCheck(ctx)
	require.ErrorIs(t, err, errNotRunning)
	require.NoError(t, p.Stop(ctx))
}

func TestProcessServiceExited(t *testing.T) {
	truePath, err := exec.LookPath("true")
	if err != nil {
		t.Skip("true not available")
	}
	p := NewProcessService(truePath)
	require.NoError(t, p.Start(context.Background()))
	require.Eventually(t, func() bool {
		_, err := p.HealthCheck(context.Background())
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProcessServiceStartError(t *testing.T) {
	p := NewProcessService("/nonexistent/modelwarden-test-binary")
	require.Error(t, p.Start(context.Background()))
}

// fakeRedis answers every request with +PONG.
func fakeRedis(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				for {
					// PING arrives as *1\r\n$4\r\nPING\r\n.
					for i := 0; i < 3; i++ {
						if _, err := r.ReadString('\n'); err != nil {
							return
						}
					}
					if _, err := c.Write([]byte("+PONG\r\n")); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestRedisService(t *testing.T) {
	addr := fakeRedis(t)
	svc := NewRedisService("redis://"+addr, "")
	res, err := svc.HealthCheck(context.Background())
	require.NoError(t, err)
	require.True(t, res.Healthy)
	require.Equal(t, "PONG", res.Detail)
}

func TestRedisServiceUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	svc := NewRedisService("redis://"+addr, "")
	svc.Timeout = time.Second
	_, err = svc.HealthCheck(context.Background())
	require.Error(t, err)
}

func TestGRPCService(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := grpc.NewServer()
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(ln) }()
	defer srv.Stop()

	svc := NewGRPCService(ln.Addr().String(), "")
	defer svc.Stop(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := svc.HealthCheck(ctx)
	require.NoError(t, err)
	require.True(t, res.Healthy)
	require.Equal(t, "SERVING", res.Detail)

	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	res, err = svc.HealthCheck(ctx)
	require.NoError(t, err)
	require.False(t, res.Healthy)

	// Stop drops the connection; the next probe dials again.
	require.NoError(t, svc.Stop(ctx))
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	res, err = svc.HealthCheck(ctx)
	require.NoError(t, err)
	require.True(t, res.Healthy)
}

func TestGRPCServiceUnknownService(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, grpchealth.NewServer())
	go func() { _ = srv.Serve(ln) }()
	defer srv.Stop()

	svc := NewGRPCService(ln.Addr().String(), "missing")
	defer svc.Stop(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = svc.HealthCheck(ctx)
	require.Error(t, err)
}

type fakeDocker struct {
	state    *types.ContainerState
	started  int
	stopped  int
	stopSecs int
}

func (f *fakeDocker) ContainerInspect(_ context.Context, id string) (types.ContainerJSON, error) {
	return types.ContainerJSON{ContainerJSONBase: &types.ContainerJSONBase{ID: id, State: f.state}}, nil
}

func (f *fakeDocker) ContainerStart(context.Context, string, types.ContainerStartOptions) error {
	f.started++
	return nil
}

func (f *fakeDocker) ContainerStop(_ context.Context, _ string, opts container.StopOptions) error {
	f.stopped++
	if opts.Timeout != nil {
		f.stopSecs = *opts.Timeout
	}
	return nil
}

func TestDockerService(t *testing.T) {
	api := &fakeDocker{state: &types.ContainerState{Running: true, Status: "running"}}
	svc := &DockerService{Container: "redis", StopTimeout: 7 * time.Second, api: api}
	ctx := context.Background()

	res, err := svc.HealthCheck(ctx)
	require.NoError(t, err)
	require.True(t, res.Healthy)

	api.state.Health = &types.Health{Status: types.Starting}
	res, err = svc.HealthCheck(ctx)
	require.NoError(t, err)
	require.True(t, res.Degraded)

	api.state.Health = &types.Health{Status: types.Unhealthy}
	res, err = svc.HealthCheck(ctx)
	require.NoError(t, err)
	require.False(t, res.Healthy)

	api.state = &types.ContainerState{Running: false, Status: "exited"}
	_, err = svc.HealthCheck(ctx)
	require.ErrorIs(t, err, errContainerStopped)

	require.NoError(t, svc.Start(ctx))
	require.NoError(t, svc.Stop(ctx))
	require.Equal(t, 1, api.started)
	require.Equal(t, 1, api.stopped)
	require.Equal(t, 7, api.stopSecs)
}

func TestFromConfig(t *testing.T) {
	d, svc, err := FromConfig(config.Service{
		Name: "api", Kind: config.KindHTTP, Target: "http://127.0.0.1:1/healthz",
		Interval: "5s", Timeout: "1s", RestartDelay: "0s", Critical: true, AutoRestart: true,
		Dependencies: []string{"db"},
	})
	require.NoError(t, err)
	require.IsType(t, &HTTPService{}, svc)
	require.Equal(t, 5*time.Second, d.Interval)
	require.Equal(t, time.Second, d.Timeout)
	require.True(t, d.Critical)
	require.Equal(t, []string{"db"}, d.Dependencies)

	_, svc, err = FromConfig(config.Service{Name: "p", Kind: config.KindProcess, Target: "/bin/true"})
	require.NoError(t, err)
	require.IsType(t, &ProcessService{}, svc)

	_, svc, err = FromConfig(config.Service{Name: "r", Kind: config.KindRedis, Target: "redis://127.0.0.1:6379"})
	require.NoError(t, err)
	require.IsType(t, &RedisService{}, svc)

	_, svc, err = FromConfig(config.Service{Name: "g", Kind: config.KindGRPC, Target: "127.0.0.1:9000", Args: []string{"llm"}})
	require.NoError(t, err)
	require.Equal(t, "llm", svc.(*GRPCService).Service)

	_, _, err = FromConfig(config.Service{Name: "x", Kind: "ftp"})
	require.Error(t, err)
	_, _, err = FromConfig(config.Service{Name: "x", Kind: config.KindHTTP, Interval: "soon"})
	require.Error(t, err)
}
