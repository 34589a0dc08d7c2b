package manager

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"modelwarden/internal/events"
	"modelwarden/pkg/types"
)

// statsAlpha is the smoothing factor of the usage moving averages.
const statsAlpha = 0.1

// loadCall memoizes one in-flight load so overlapping callers share it.
type loadCall struct {
	done chan struct{}
	err  error
}

// Instance wraps one model descriptor and owns its residency, usage statistics
// and idle-unload timer. It never unloads itself: on idle expiry it calls
// onIdle and the owning manager decides.
type Instance struct {
	mu    sync.Mutex
	desc  types.ModelDescriptor
	state InstanceState
	stats types.UsageStats
	res   *types.ResourceStats
	// lastErr is the last executor failure, surfaced on status.
	lastErr string
	active  int

	pending   *loadCall
	idleTimer *clock.Timer
	idleGen   uint64
	idleBase  time.Duration
	stopStats chan struct{}

	exec       Executor
	clk        clock.Clock
	statsEvery time.Duration
	onIdle     func(id string)
	pub        events.Publisher
	log        zerolog.Logger
}

type instanceConfig struct {
	exec       Executor
	clk        clock.Clock
	idleBase   time.Duration
	statsEvery time.Duration
	onIdle     func(id string)
	pub        events.Publisher
	log        zerolog.Logger
}

func newInstance(desc types.ModelDescriptor, cfg instanceConfig) *Instance {
	desc.IsLoaded = false
	desc.LoadedAt = time.Time{}
	return &Instance{
		desc:       desc,
		state:      StateUnloaded,
		stats:      types.UsageStats{SuccessRate: 1},
		exec:       cfg.exec,
		clk:        cfg.clk,
		idleBase:   cfg.idleBase,
		statsEvery: cfg.statsEvery,
		onIdle:     cfg.onIdle,
		pub:        events.OrNoop(cfg.pub),
		log:        cfg.log.With().Str("model", desc.ID).Logger(),
	}
}

// ID returns the model id.
func (i *Instance) ID() string { return i.desc.ID }

// Descriptor returns a copy of the descriptor with live fields.
func (i *Instance) Descriptor() types.ModelDescriptor {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.desc.Clone()
}

// State returns the current lifecycle state.
func (i *Instance) State() InstanceState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Stats returns a copy of the usage statistics.
func (i *Instance) Stats() types.UsageStats {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stats
}

// IsLoaded reports whether the instance currently holds backend resources.
func (i *Instance) IsLoaded() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state == StateLoaded
}

// IdleTimeout derives the idle-unload timeout from the priority tier.
func (i *Instance) IdleTimeout() time.Duration {
	i.mu.Lock()
	defer i.mu.Unlock()
	return idleTimeoutFor(i.desc.Priority, i.idleBase)
}

func idleTimeoutFor(p types.Priority, base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	switch p {
	case types.PriorityCritical:
		return 6 * base
	case types.PriorityHigh:
		return 3 * base
	case types.PriorityLow:
		return base / 2
	default:
		return base
	}
}

// Load acquires backend resources. It is a no-op when already loaded and
// joins the outstanding load when one is in flight.
func (i *Instance) Load(ctx context.Context, opts LoadOptions) error {
	i.mu.Lock()
	switch {
	case i.state == StateLoaded:
		i.mu.Unlock()
		return nil
	case i.pending != nil:
		call := i.pending
		i.mu.Unlock()
		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	call := &loadCall{done: make(chan struct{})}
	i.pending = call
	i.state = StateLoading
	desc := i.desc.Clone()
	i.mu.Unlock()

	err := i.exec.Load(ctx, desc, opts)

	i.mu.Lock()
	i.pending = nil
	if err != nil {
		i.state = StateUnloaded
		i.lastErr = err.Error()
		call.err = executorError{id: desc.ID, op: "load", err: err}
		i.mu.Unlock()
		close(call.done)
		return call.err
	}
	i.state = StateLoaded
	i.desc.IsLoaded = true
	i.desc.LoadedAt = i.clk.Now()
	i.armIdleLocked()
	i.startSamplerLocked()
	i.mu.Unlock()
	close(call.done)

	if opts.Warmup {
		i.warmup(ctx, desc)
	}
	return nil
}

func (i *Instance) warmup(ctx context.Context, desc types.ModelDescriptor) {
	w, ok := i.exec.(Warmer)
	if !ok {
		return
	}
	if err := w.Warmup(ctx, desc); err != nil {
		i.log.Warn().Err(err).Msg("warmup_failed")
		i.pub.Publish(events.Event{Name: "warmup_failed", Subject: desc.ID, Time: i.clk.Now(), Fields: map[string]any{"err": err.Error()}})
	}
}

// Unload releases backend resources. It is a no-op unless loaded. When the
// executor fails to release, the instance stays resident.
func (i *Instance) Unload(ctx context.Context) error {
	i.mu.Lock()
	if i.state != StateLoaded {
		i.mu.Unlock()
		return nil
	}
	i.state = StateUnloading
	i.stopIdleLocked()
	i.stopSamplerLocked()
	desc := i.desc.Clone()
	i.mu.Unlock()

	err := i.exec.Unload(ctx, desc)

	i.mu.Lock()
	defer i.mu.Unlock()
	if err != nil {
		i.state = StateLoaded
		i.lastErr = err.Error()
		i.armIdleLocked()
		i.startSamplerLocked()
		return executorError{id: desc.ID, op: "unload", err: err}
	}
	i.state = StateUnloaded
	i.desc.IsLoaded = false
	i.desc.LoadedAt = time.Time{}
	i.res = nil
	return nil
}

// Execute runs one request. Activity postpones the idle timer; usage
// statistics are updated before any executor failure is returned.
func (i *Instance) Execute(ctx context.Context, req types.InferRequest) (types.InferResult, error) {
	i.mu.Lock()
	if i.state != StateLoaded {
		i.mu.Unlock()
		return types.InferResult{}, notLoadedError{id: i.desc.ID}
	}
	i.active++
	i.armIdleLocked()
	desc := i.desc.Clone()
	i.mu.Unlock()

	start := i.clk.Now()
	res, err := i.exec.Execute(ctx, desc, req)
	now := i.clk.Now()

	i.mu.Lock()
	defer i.mu.Unlock()
	i.active--
	i.recordLocked(now.Sub(start), err == nil, now)
	i.armIdleLocked()
	if err != nil {
		i.lastErr = err.Error()
		return types.InferResult{}, executorError{id: desc.ID, op: "execute", err: err}
	}
	return res, nil
}

func (i *Instance) recordLocked(elapsed time.Duration, ok bool, now time.Time) {
	s := &i.stats
	s.RequestCount++
	outcome := 0.0
	if ok {
		outcome = 1
	} else {
		s.ErrorCount++
	}
	if s.RequestCount == 1 {
		s.AvgResponseTime = elapsed
		s.SuccessRate = outcome
	} else {
		s.AvgResponseTime = time.Duration(statsAlpha*float64(elapsed) + (1-statsAlpha)*float64(s.AvgResponseTime))
		s.SuccessRate = statsAlpha*outcome + (1-statsAlpha)*s.SuccessRate
	}
	s.LastUsed = now
	i.desc.LastUsed = now
	i.desc.UseCount++
}

// setIdleBase updates the base timeout and re-arms a resident instance.
func (i *Instance) setIdleBase(base time.Duration) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.idleBase = base
	if i.state == StateLoaded {
		i.armIdleLocked()
	}
}

func (i *Instance) armIdleLocked() {
	i.stopIdleLocked()
	d := idleTimeoutFor(i.desc.Priority, i.idleBase)
	if d <= 0 || i.onIdle == nil {
		return
	}
	gen := i.idleGen
	i.idleTimer = i.clk.AfterFunc(d, func() { i.idleFired(gen) })
}

func (i *Instance) stopIdleLocked() {
	i.idleGen++
	if i.idleTimer != nil {
		i.idleTimer.Stop()
		i.idleTimer = nil
	}
}

func (i *Instance) idleFired(gen uint64) {
	i.mu.Lock()
	stale := gen != i.idleGen || i.state != StateLoaded || i.active > 0
	id := i.desc.ID
	i.mu.Unlock()
	if stale {
		return
	}
	i.onIdle(id)
}

func (i *Instance) startSamplerLocked() {
	if i.statsEvery <= 0 || i.stopStats != nil {
		return
	}
	sr, ok := i.exec.(StatsReporter)
	if !ok {
		return
	}
	stop := make(chan struct{})
	i.stopStats = stop
	desc := i.desc.Clone()
	t := i.clk.Ticker(i.statsEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				rs, err := sr.Stats(context.Background(), desc)
				if errors.Is(err, errStatsUnsupported) {
					return
				}
				if err != nil {
					i.log.Debug().Err(err).Msg("stats sample failed")
					continue
				}
				i.mu.Lock()
				if i.stopStats == stop {
					i.res = &rs
				}
				i.mu.Unlock()
			}
		}
	}()
}

func (i *Instance) stopSamplerLocked() {
	if i.stopStats != nil {
		close(i.stopStats)
		i.stopStats = nil
	}
}

// status builds the /status view of the instance.
func (i *Instance) status() types.InstanceStatus {
	i.mu.Lock()
	defer i.mu.Unlock()
	st := types.InstanceStatus{
		ModelID:     i.desc.ID,
		State:       string(i.state),
		Priority:    i.desc.Priority,
		MemoryMB:    i.desc.MemoryMB,
		Usage:       i.stats,
		LastError:   i.lastErr,
		IdleTimeout: idleTimeoutFor(i.desc.Priority, i.idleBase).String(),
	}
	if !i.desc.LoadedAt.IsZero() {
		st.LoadedAt = i.desc.LoadedAt.Unix()
	}
	if !i.desc.LastUsed.IsZero() {
		st.LastUsed = i.desc.LastUsed.Unix()
	}
	if i.res != nil {
		r := *i.res
		st.Resources = &r
	}
	return st
}

// snapshot returns the fields the manager needs for admission decisions.
func (i *Instance) snapshot() (state InstanceState, memMB int64, rank int, lastUsed time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state, i.desc.MemoryMB, i.desc.Priority.Rank(), i.desc.LastUsed
}

// close stops timers without touching the executor.
func (i *Instance) close() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.stopIdleLocked()
	i.stopSamplerLocked()
}
