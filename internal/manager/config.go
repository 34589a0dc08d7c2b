package manager

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"modelwarden/internal/events"
	"modelwarden/pkg/types"
)

// Defaults applied when corresponding ManagerConfig fields are unset.
const (
	defaultMaxConcurrent   = 4
	defaultMemoryThreshold = 0.9
	defaultIdleTimeout     = 10 * time.Minute
	defaultDrainInterval   = 100 * time.Millisecond
	defaultStatsInterval   = 30 * time.Second
	defaultEndpointTimeout = 2 * time.Minute
)

// ManagerConfig encapsulates all tunables for Manager construction.
type ManagerConfig struct {
	// Quota zero values fall back to package defaults; MaxMemoryMB and
	// MaxModels of zero mean unlimited.
	Quota ResourceQuota
	// Models are registered at construction (not persisted).
	Models []types.ModelDescriptor
	// Executor runs loads and requests. Nil selects the routing executor
	// (in-process llama for local paths, HTTP for endpoints).
	Executor Executor
	// Store persists the registry on every change; nil disables persistence.
	Store RegistryStore
	// WarmupOnLoad issues a warmup call after every successful load.
	WarmupOnLoad bool
	// DrainInterval is the periodic queue drain cadence used by Run.
	DrainInterval time.Duration
	// StatsInterval is the resource sampling cadence; < 0 disables sampling.
	StatsInterval time.Duration

	// Inference configuration for the default executor.
	LlamaCtx        int
	LlamaThreads    int
	EndpointAPIKey  string
	EndpointTimeout time.Duration

	Clock     clock.Clock
	Logger    *zerolog.Logger
	Publisher events.Publisher
}

// New constructs a Manager with package defaults.
func New(quota ResourceQuota, exec Executor) *Manager {
	return NewWithConfig(ManagerConfig{Quota: quota, Executor: exec})
}

// NewWithConfig constructs a Manager from ManagerConfig.
func NewWithConfig(cfg ManagerConfig) *Manager {
	q := cfg.Quota
	if q.MaxConcurrentRequests <= 0 {
		q.MaxConcurrentRequests = defaultMaxConcurrent
	}
	if q.MemoryThreshold <= 0 || q.MemoryThreshold > 1 {
		q.MemoryThreshold = defaultMemoryThreshold
	}
	if q.IdleTimeout == 0 {
		q.IdleTimeout = defaultIdleTimeout
	}
	m := &Manager{
		quota:        q,
		instances:    make(map[string]*Instance),
		pendingLoads: make(map[string]*loadCall),
		queue:        NewRequestQueue(q.MaxConcurrentRequests),
		store:        cfg.Store,
		warmup:       cfg.WarmupOnLoad,
		clk:          cfg.Clock,
		pub:          events.OrNoop(cfg.Publisher),
	}
	if m.clk == nil {
		m.clk = clock.New()
	}
	if cfg.Logger != nil {
		m.log = cfg.Logger.With().Str("component", "manager").Logger()
	} else {
		m.log = zerolog.Nop()
	}
	m.drainEvery = cfg.DrainInterval
	if m.drainEvery <= 0 {
		m.drainEvery = defaultDrainInterval
	}
	m.statsEvery = cfg.StatsInterval
	if m.statsEvery == 0 {
		m.statsEvery = defaultStatsInterval
	}
	m.exec = cfg.Executor
	if m.exec == nil {
		timeout := cfg.EndpointTimeout
		if timeout <= 0 {
			timeout = defaultEndpointTimeout
		}
		m.exec = NewRoutingExecutor(
			NewLlamaExecutor(cfg.LlamaCtx, cfg.LlamaThreads),
			NewEndpointExecutor(cfg.EndpointAPIKey, timeout, 0),
		)
	}
	m.startTime = m.clk.Now()
	for _, d := range cfg.Models {
		if _, err := m.register(d); err != nil {
			m.log.Warn().Err(err).Str("model", d.ID).Msg("skip configured model")
		}
	}
	return m
}
