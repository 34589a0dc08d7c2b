package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/require"

	"modelwarden/pkg/types"
)

func fakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(types.StatusResponse{
			Instances: []types.InstanceStatus{{ModelID: "tiny", State: "loaded", Priority: types.PriorityHigh, MemoryMB: 512, IdleTimeout: "30m0s"}},
			Quota:     types.ResourceUsage{UsableMemoryMB: 3686, ResidentMemoryMB: 512, ResidentModels: 1, MaxModels: 2},
			LoadsTotal: 4, PreemptionsTotal: 1,
		})
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(types.SystemHealthResponse{
			Status:   "critical",
			Services: []types.ServiceStatus{{Name: "redis", Health: "down", Breaker: "open", Critical: true}},
		})
	})
	mux.HandleFunc("/models", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(types.ModelsResponse{Models: []types.ModelDescriptor{
			{ID: "tiny", Name: "Tiny", Category: types.CategoryGeneral, Priority: types.PriorityLow, MemoryMB: 512, Endpoint: "http://gpu:8081"},
		}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	color.NoColor = true
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestStatusCommand(t *testing.T) {
	srv := fakeServer(t)
	out, err := runCmd(t, "status", "--server", srv.URL)
	require.NoError(t, err)
	require.Contains(t, out, "512/3686 MB resident")
	require.Contains(t, out, "preemptions=1")
	require.Contains(t, out, "tiny")
	require.Contains(t, out, "system: critical")
	require.Contains(t, out, "redis")
	require.Contains(t, out, "open")
}

func TestModelsCommand(t *testing.T) {
	srv := fakeServer(t)
	out, err := runCmd(t, "models", "-s", srv.URL)
	require.NoError(t, err)
	require.Contains(t, out, "tiny")
	require.Contains(t, out, "http://gpu:8081")
	require.Contains(t, out, "unloaded")
}

func TestClientReportsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: "boom", Code: 500})
	}))
	defer srv.Close()
	_, err := runCmd(t, "models", "--server", srv.URL)
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "boom"))
}

func TestRenderHelpers(t *testing.T) {
	now := time.Unix(1000, 0)
	require.Equal(t, "-", unixAgo(0, now))
	require.Equal(t, "1m40s", unixAgo(900, now))
	require.Equal(t, "unlimited", memLimit(-1))
	require.Equal(t, "2048", memLimit(2048))
}
