package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"modelwarden/internal/config"
)

func serveFlags(t *testing.T, o *serveOptions, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	fs.StringVar(&o.addr, "addr", ":8080", "")
	fs.IntVar(&o.maxModels, "max-models", 0, "")
	fs.BoolVar(&o.noPreemption, "no-preemption", false, "")
	fs.StringVar(&o.corsOrigins, "cors-origins", "", "")
	require.NoError(t, fs.Parse(args))
	return fs
}

func writeConfig(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "modelwarden.yaml")
	body := "addr: \":7000\"\nlog_level: debug\nquota:\n  max_models: 2\n  memory_threshold: 0.8\n  idle_timeout: 10m\n"
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestResolveConfigPrecedence(t *testing.T) {
	t.Run("file over defaults", func(t *testing.T) {
		o := &serveOptions{configPath: writeConfig(t)}
		cfg, err := resolveConfig(serveFlags(t, o), o)
		require.NoError(t, err)
		require.Equal(t, ":7000", cfg.Addr)
		require.Equal(t, "debug", cfg.LogLevel)
		require.Equal(t, 2, cfg.Quota.MaxModels)
		require.True(t, cfg.Quota.Preemption())
	})
	t.Run("env over file", func(t *testing.T) {
		t.Setenv("MODELWARDEN_MAX_MODELS", "3")
		t.Setenv("MODELWARDEN_CORS_ORIGINS", "http://a, http://b")
		o := &serveOptions{configPath: writeConfig(t)}
		cfg, err := resolveConfig(serveFlags(t, o), o)
		require.NoError(t, err)
		require.Equal(t, 3, cfg.Quota.MaxModels)
		require.Equal(t, []string{"http://a", "http://b"}, cfg.CORS.AllowedOrigins)
	})
	t.Run("flags over env", func(t *testing.T) {
		t.Setenv("MODELWARDEN_MAX_MODELS", "3")
		o := &serveOptions{configPath: writeConfig(t)}
		fs := serveFlags(t, o, "--max-models", "5", "--addr", ":9000", "--no-preemption")
		cfg, err := resolveConfig(fs, o)
		require.NoError(t, err)
		require.Equal(t, 5, cfg.Quota.MaxModels)
		require.Equal(t, ":9000", cfg.Addr)
		require.False(t, cfg.Quota.Preemption())
	})
	t.Run("defaults without file", func(t *testing.T) {
		o := &serveOptions{}
		cfg, err := resolveConfig(serveFlags(t, o), o)
		require.NoError(t, err)
		require.Equal(t, ":8080", cfg.Addr)
	})
	t.Run("invalid env threshold", func(t *testing.T) {
		t.Setenv("MODELWARDEN_MEMORY_THRESHOLD", "1.5")
		o := &serveOptions{}
		_, err := resolveConfig(serveFlags(t, o), o)
		require.Error(t, err)
	})
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	lg, err := newLogger(&buf, "warn", "json")
	require.NoError(t, err)
	lg.Info().Msg("hidden")
	lg.Warn().Str("model", "tiny").Msg("shown")
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), `"model":"tiny"`)

	_, err = newLogger(&buf, "loud", "json")
	require.Error(t, err)
	_, err = newLogger(&buf, "info", "xml")
	require.Error(t, err)
}

func TestManagerConfig(t *testing.T) {
	cfg := config.Config{
		DrainInterval: "50ms",
		Quota:         config.Quota{MaxMemoryMB: 4096, MaxModels: 2, MemoryThreshold: 0.8, IdleTimeout: "10m"},
		Llama:         config.Llama{Ctx: 2048, Threads: 4},
	}
	mc, err := managerConfig(cfg, nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, int64(4096), mc.Quota.MaxMemoryMB)
	require.Equal(t, 10*time.Minute, mc.Quota.IdleTimeout)
	require.Equal(t, 50*time.Millisecond, mc.DrainInterval)
	require.True(t, mc.Quota.PriorityPreemption)
	require.Equal(t, 2048, mc.LlamaCtx)

	cfg.StatsInterval = "often"
	_, err = managerConfig(cfg, nil, nil, nil)
	require.Error(t, err)
}
