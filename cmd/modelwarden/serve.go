package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"modelwarden/internal/config"
	"modelwarden/internal/events"
	"modelwarden/internal/health"
	"modelwarden/internal/httpapi"
	"modelwarden/internal/manager"
	"modelwarden/internal/registry"
)

const shutdownTimeout = 15 * time.Second

type serveOptions struct {
	configPath    string
	addr          string
	logLevel      string
	logFormat     string
	modelsDir     string
	registryStore string
	maxMemoryMB   int64
	maxModels     int
	maxConcurrent int
	threshold     float64
	idleTimeout   string
	noPreemption  bool
	warmup        bool
	corsEnabled   bool
	corsOrigins   string
	llamaCtx      int
	llamaThreads  int
	endpointKey   string
}

func newServeCmd() *cobra.Command {
	o := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the model manager and the service supervisor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Flags(), o)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.configPath, "config", "c", envString("CONFIG", ""), "Config file (.yaml, .json or .toml)")
	f.StringVar(&o.addr, "addr", ":8080", "HTTP listen address")
	f.StringVar(&o.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	f.StringVar(&o.logFormat, "log-format", "console", "Log format (console or json)")
	f.StringVar(&o.modelsDir, "models-dir", "", "Directory to scan for *.gguf model files")
	f.StringVar(&o.registryStore, "registry-store", "", "Registry snapshot: a .yaml/.json/.toml path or leveldb:<dir>")
	f.Int64Var(&o.maxMemoryMB, "max-memory-mb", 0, "Memory quota in MB for resident models (0=unlimited)")
	f.IntVar(&o.maxModels, "max-models", 0, "Maximum resident models (0=unlimited)")
	f.IntVar(&o.maxConcurrent, "max-concurrent", 0, "Maximum concurrently executing requests")
	f.Float64Var(&o.threshold, "memory-threshold", 0, "Usable fraction of the memory quota (0-1)")
	f.StringVar(&o.idleTimeout, "idle-timeout", "", "Base idle-unload timeout, scaled by tier (negative disables)")
	f.BoolVar(&o.noPreemption, "no-preemption", false, "Never unload lower tiers to admit higher ones")
	f.BoolVar(&o.warmup, "warmup", false, "Run a warmup generation after every load")
	f.BoolVar(&o.corsEnabled, "cors-enabled", false, "Enable CORS")
	f.StringVar(&o.corsOrigins, "cors-origins", "", "Comma separated allowed CORS origins")
	f.IntVar(&o.llamaCtx, "llama-ctx", 0, "Context size for in-process llama models")
	f.IntVar(&o.llamaThreads, "llama-threads", 0, "Threads for in-process llama models")
	f.StringVar(&o.endpointKey, "endpoint-api-key", "", "Bearer token for remote model endpoints")
	return cmd
}

// resolveConfig layers flags over MODELWARDEN_* variables over the config
// file over built-in defaults.
func resolveConfig(fs *pflag.FlagSet, o *serveOptions) (config.Config, error) {
	var cfg config.Config
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return cfg, err
		}
	}

	str := func(flag, env string, dst *string, val string) {
		switch {
		case fs.Changed(flag):
			*dst = val
		case envString(env, "") != "":
			*dst = envString(env, "")
		case *dst == "":
			*dst = val
		}
	}
	str("addr", "ADDR", &cfg.Addr, o.addr)
	str("log-level", "LOG_LEVEL", &cfg.LogLevel, o.logLevel)
	str("log-format", "LOG_FORMAT", &cfg.LogFormat, o.logFormat)
	str("models-dir", "MODELS_DIR", &cfg.ModelsDir, o.modelsDir)
	str("registry-store", "REGISTRY_STORE", &cfg.RegistryStore, o.registryStore)
	str("idle-timeout", "IDLE_TIMEOUT", &cfg.Quota.IdleTimeout, o.idleTimeout)
	str("endpoint-api-key", "ENDPOINT_API_KEY", &cfg.Endpoint.APIKey, o.endpointKey)

	if fs.Changed("max-memory-mb") {
		cfg.Quota.MaxMemoryMB = o.maxMemoryMB
	} else {
		cfg.Quota.MaxMemoryMB = envInt64("MAX_MEMORY_MB", cfg.Quota.MaxMemoryMB)
	}
	ints := []struct {
		flag, env string
		dst       *int
		val       int
	}{
		{"max-models", "MAX_MODELS", &cfg.Quota.MaxModels, o.maxModels},
		{"max-concurrent", "MAX_CONCURRENT", &cfg.Quota.MaxConcurrentRequests, o.maxConcurrent},
		{"llama-ctx", "LLAMA_CTX", &cfg.Llama.Ctx, o.llamaCtx},
		{"llama-threads", "LLAMA_THREADS", &cfg.Llama.Threads, o.llamaThreads},
	}
	for _, i := range ints {
		if fs.Changed(i.flag) {
			*i.dst = i.val
		} else {
			*i.dst = envInt(i.env, *i.dst)
		}
	}
	if fs.Changed("memory-threshold") {
		cfg.Quota.MemoryThreshold = o.threshold
	} else {
		cfg.Quota.MemoryThreshold = envFloat("MEMORY_THRESHOLD", cfg.Quota.MemoryThreshold)
	}
	switch {
	case fs.Changed("no-preemption"):
		on := !o.noPreemption
		cfg.Quota.PriorityPreemption = &on
	case envBool("NO_PREEMPTION", false):
		off := false
		cfg.Quota.PriorityPreemption = &off
	}
	if fs.Changed("warmup") {
		cfg.WarmupOnLoad = o.warmup
	} else if envBool("WARMUP", false) {
		cfg.WarmupOnLoad = true
	}
	if fs.Changed("cors-enabled") {
		cfg.CORS.Enabled = o.corsEnabled
	} else if envBool("CORS_ENABLED", false) {
		cfg.CORS.Enabled = true
	}
	switch {
	case fs.Changed("cors-origins"):
		cfg.CORS.AllowedOrigins = splitCSV(o.corsOrigins)
	case envString("CORS_ORIGINS", "") != "":
		cfg.CORS.AllowedOrigins = splitCSV(envString("CORS_ORIGINS", ""))
	}
	return cfg, cfg.Validate()
}

func newLogger(w io.Writer, level, format string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log level: %w", err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	switch format {
	case "json":
	case "console", "":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q", format)
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

func managerConfig(cfg config.Config, store manager.RegistryStore, lg *zerolog.Logger, pub events.Publisher) (manager.ManagerConfig, error) {
	idle, err := config.Duration(cfg.Quota.IdleTimeout, 0)
	if err != nil {
		return manager.ManagerConfig{}, err
	}
	drain, err := config.Duration(cfg.DrainInterval, 0)
	if err != nil {
		return manager.ManagerConfig{}, err
	}
	stats, err := config.Duration(cfg.StatsInterval, 0)
	if err != nil {
		return manager.ManagerConfig{}, err
	}
	endpointTimeout, err := config.Duration(cfg.Endpoint.Timeout, 0)
	if err != nil {
		return manager.ManagerConfig{}, err
	}
	return manager.ManagerConfig{
		Quota: manager.ResourceQuota{
			MaxMemoryMB:           cfg.Quota.MaxMemoryMB,
			MaxModels:             cfg.Quota.MaxModels,
			MaxConcurrentRequests: cfg.Quota.MaxConcurrentRequests,
			MemoryThreshold:       cfg.Quota.MemoryThreshold,
			IdleTimeout:           idle,
			PriorityPreemption:    cfg.Quota.Preemption(),
		},
		Models:          cfg.Models,
		Store:           store,
		WarmupOnLoad:    cfg.WarmupOnLoad,
		DrainInterval:   drain,
		StatsInterval:   stats,
		LlamaCtx:        cfg.Llama.Ctx,
		LlamaThreads:    cfg.Llama.Threads,
		EndpointAPIKey:  cfg.Endpoint.APIKey,
		EndpointTimeout: endpointTimeout,
		Logger:          lg,
		Publisher:       pub,
	}, nil
}

func runServe(ctx context.Context, cfg config.Config) error {
	logger, err := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	if !manager.LlamaBuilt() {
		logger.Info().Msg("built without the llama tag: only endpoint-backed models can load")
	}

	var store registry.Store
	if cfg.RegistryStore != "" {
		if store, err = registry.Open(cfg.RegistryStore); err != nil {
			return fmt.Errorf("open registry store: %w", err)
		}
		defer store.Close()
	}

	hub := httpapi.NewHub(logger)
	pub := events.NewAsync(events.Multi{events.NewLogPublisher(logger, zerolog.DebugLevel), hub}, cfg.EventBuffer)
	defer pub.Close()

	var regStore manager.RegistryStore
	if store != nil {
		regStore = store
	}
	mcfg, err := managerConfig(cfg, regStore, &logger, pub)
	if err != nil {
		return err
	}
	mgr := manager.NewWithConfig(mcfg)
	if n, err := mgr.RestoreRegistry(ctx); err != nil {
		logger.Warn().Err(err).Msg("restore registry failed")
	} else if n > 0 {
		logger.Info().Int("models", n).Msg("registry restored")
	}
	if cfg.ModelsDir != "" {
		found, err := registry.LoadDir(cfg.ModelsDir)
		if err != nil {
			return fmt.Errorf("scan models dir: %w", err)
		}
		for _, d := range found {
			if _, err := mgr.GetModel(d.ID); err == nil {
				continue
			}
			if _, err := mgr.RegisterModel(ctx, d); err != nil {
				logger.Warn().Err(err).Str("model", d.ID).Msg("skip scanned model")
			}
		}
	}

	sup := health.NewSupervisor(health.SupervisorConfig{Logger: &logger, Publisher: pub})
	for _, sc := range cfg.Services {
		d, svc, err := health.FromConfig(sc)
		if err != nil {
			return err
		}
		if err := sup.Register(d, svc); err != nil {
			return err
		}
	}

	handler := httpapi.NewMux(mgr, sup, httpapi.Options{
		MaxBodyBytes: cfg.MaxBodyBytes,
		CORS: httpapi.CORSOptions{
			Enabled:        cfg.CORS.Enabled,
			AllowedOrigins: cfg.CORS.AllowedOrigins,
			AllowedMethods: cfg.CORS.AllowedMethods,
			AllowedHeaders: cfg.CORS.AllowedHeaders,
		},
		Logger:      &logger,
		BaseContext: ctx,
		Events:      hub,
	})
	srv := &http.Server{Addr: cfg.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mgr.Run(gctx) })
	g.Go(func() error {
		sup.CheckAll(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Addr).Str("models_dir", cfg.ModelsDir).Int("services", len(cfg.Services)).Msg("modelwarden listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Warn().Err(err).Msg("graceful shutdown error")
		}
		hub.Close()
		sup.Close()
		if err := mgr.Close(sctx); err != nil {
			logger.Warn().Err(err).Msg("manager close error")
		}
		return nil
	})
	err = g.Wait()
	logger.Info().Msg("modelwarden stopped")
	return err
}
