package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"modelwarden/internal/events"
	"modelwarden/pkg/types"
)

// Manager owns the model instances, enforces the resource quota, runs
// admission and preemption, and drains the request queue.
type Manager struct {
	mu        sync.RWMutex
	quota     ResourceQuota
	instances map[string]*Instance
	order     []string
	queue     *RequestQueue

	// Reservations held by loads in progress.
	reservedMB     int64
	reservedModels int
	pendingLoads   map[string]*loadCall

	store  RegistryStore
	warmup bool
	exec   Executor
	clk    clock.Clock
	pub    events.Publisher
	log    zerolog.Logger

	drainEvery time.Duration
	statsEvery time.Duration
	startTime  time.Time
	closed     bool
	dispatches sync.WaitGroup

	loads       atomic.Uint64
	unloads     atomic.Uint64
	preemptions atomic.Uint64
}

// Ready reports whether the manager accepts work.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.closed
}

// ListModels returns descriptor copies with live residency and usage fields,
// in registration order.
func (m *Manager) ListModels() []types.ModelDescriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.ModelDescriptor, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.instances[id].Descriptor())
	}
	return out
}

// GetModel returns one descriptor.
func (m *Manager) GetModel(id string) (types.ModelDescriptor, error) {
	inst := m.instance(id)
	if inst == nil {
		return types.ModelDescriptor{}, ErrModelNotFound(id)
	}
	return inst.Descriptor(), nil
}

// Instance returns the instance for id, or nil.
func (m *Manager) Instance(id string) *Instance { return m.instance(id) }

func (m *Manager) instance(id string) *Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.instances[id]
}

// RegisterModel validates d, fills defaults, creates its instance and
// persists the registry. A persistence failure is logged, not returned.
func (m *Manager) RegisterModel(ctx context.Context, d types.ModelDescriptor) (string, error) {
	id, err := m.register(d)
	if err != nil {
		return "", err
	}
	m.persist(ctx)
	return id, nil
}

func (m *Manager) register(d types.ModelDescriptor) (string, error) {
	d, err := normalizeDescriptor(d)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", errClosed
	}
	if _, dup := m.instances[d.ID]; dup {
		m.mu.Unlock()
		return "", ErrValidation("model %s already registered", d.ID)
	}
	inst := newInstance(d, instanceConfig{
		exec:       m.exec,
		clk:        m.clk,
		idleBase:   m.quota.IdleTimeout,
		statsEvery: m.statsEvery,
		onIdle:     m.handleIdle,
		pub:        m.pub,
		log:        m.log,
	})
	m.instances[d.ID] = inst
	m.order = append(m.order, d.ID)
	m.mu.Unlock()

	m.log.Info().Str("model", d.ID).Str("priority", string(d.Priority)).Int64("memory_mb", d.MemoryMB).Msg("model_registered")
	m.publish("model_registered", d.ID, map[string]any{"priority": string(d.Priority), "memory_mb": d.MemoryMB})
	registeredModels.Inc()
	return d.ID, nil
}

// UnregisterModel unloads the model if resident, removes it and persists.
func (m *Manager) UnregisterModel(ctx context.Context, id string) error {
	inst := m.instance(id)
	if inst == nil {
		return ErrModelNotFound(id)
	}
	// A load in flight would finish into an instance nobody tracks, so wait
	// for it and unload again until the model is removed while unloaded.
	for {
		if err := m.settleLoad(ctx, id); err != nil {
			return err
		}
		if err := m.unload(ctx, inst, "unregister"); err != nil {
			return err
		}
		m.mu.Lock()
		if m.instances[id] != inst {
			m.mu.Unlock()
			return ErrModelNotFound(id)
		}
		if m.pendingLoads[id] == nil && !inst.IsLoaded() {
			break
		}
		m.mu.Unlock()
	}
	delete(m.instances, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	inst.close()
	registeredModels.Dec()
	m.publish("model_unregistered", id, nil)
	m.persist(ctx)
	return nil
}

func (m *Manager) persist(ctx context.Context) {
	if m.store == nil {
		return
	}
	if err := m.store.Persist(ctx, m.ListModels()); err != nil {
		m.log.Warn().Err(err).Msg("persist registry failed")
	}
}

// RestoreRegistry registers every descriptor held by the store. Nothing is
// resident after a restore. Ids already registered are skipped.
func (m *Manager) RestoreRegistry(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	stored, err := m.store.Load(ctx)
	if err != nil {
		if isNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	n := 0
	for _, d := range stored {
		if m.instance(d.ID) != nil {
			continue
		}
		if _, err := m.register(d); err != nil {
			m.log.Warn().Err(err).Str("model", d.ID).Msg("skip stored model")
			continue
		}
		n++
	}
	return n, nil
}

// Run drains the queue on a fixed interval until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	t := m.clk.Ticker(m.drainEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.drain()
		}
	}
}

// Close stops accepting work, rejects queued requests, waits for loads and
// dispatched requests (bounded by ctx) and unloads every resident model.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	q := m.queue
	insts := make([]*Instance, 0, len(m.order))
	for _, id := range m.order {
		insts = append(insts, m.instances[id])
	}
	loading := make([]*loadCall, 0, len(m.pendingLoads))
	for _, call := range m.pendingLoads {
		loading = append(loading, call)
	}
	m.mu.Unlock()

	if n := q.Clear("manager closed"); n > 0 {
		m.publish("queue_cleared", "", map[string]any{"dropped": n, "reason": "close"})
	}

	// Loads in flight unload themselves on completion once closed is set.
	for _, call := range loading {
		if err := waitLoad(ctx, call); ctx.Err() != nil {
			m.log.Warn().Err(err).Msg("close: loads still in flight")
			break
		}
	}
	done := make(chan struct{})
	go func() {
		m.dispatches.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.log.Warn().Msg("close: dispatched requests still running")
	}
	var firstErr error
	for _, inst := range insts {
		if err := m.unload(ctx, inst, "close"); err != nil && firstErr == nil {
			firstErr = err
		}
		inst.close()
	}
	return firstErr
}

func (m *Manager) publish(name, subject string, fields map[string]any) {
	m.pub.Publish(events.Event{Name: name, Subject: subject, Time: m.clk.Now(), Fields: fields})
}
