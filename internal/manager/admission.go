package manager

import (
	"context"
	"errors"
	"io/fs"
	"sort"
	"time"

	"modelwarden/pkg/types"
)

// LoadModel makes a registered model resident. When the quota cannot admit
// it, an Immediate load preempts lower-tier residents (if enabled); any
// other load fails with an insufficient-resources error. Concurrent calls
// for the same id share one load.
func (m *Manager) LoadModel(ctx context.Context, id string, opts LoadOptions) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errClosed
	}
	inst := m.instances[id]
	if inst == nil {
		m.mu.Unlock()
		return ErrModelNotFound(id)
	}
	if call := m.pendingLoads[id]; call != nil {
		m.mu.Unlock()
		return waitLoad(ctx, call)
	}
	state, need, rank, _ := inst.snapshot()
	if state == StateLoaded {
		m.mu.Unlock()
		return nil
	}
	if err := m.admitLocked(id, need); err != nil {
		if !opts.Immediate || !m.quota.PriorityPreemption || m.exceedsQuotaAloneLocked(need) {
			m.mu.Unlock()
			m.loadRejected(id, err)
			return err
		}
		candidates := m.preemptionCandidatesLocked(rank)
		m.mu.Unlock()

		m.preempt(ctx, id, need, candidates)

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return errClosed
		}
		if m.instances[id] != inst {
			m.mu.Unlock()
			return ErrModelNotFound(id)
		}
		if call := m.pendingLoads[id]; call != nil {
			m.mu.Unlock()
			return waitLoad(ctx, call)
		}
		if inst.State() == StateLoaded {
			m.mu.Unlock()
			return nil
		}
		if err := m.admitLocked(id, need); err != nil {
			m.mu.Unlock()
			m.loadRejected(id, err)
			return err
		}
	}
	call := &loadCall{done: make(chan struct{})}
	m.pendingLoads[id] = call
	m.reservedMB += need
	m.reservedModels++
	m.mu.Unlock()

	m.log.Info().Str("model", id).Bool("immediate", opts.Immediate).Msg("model_load_start")
	m.publish("model_load_start", id, map[string]any{"immediate": opts.Immediate})
	start := m.clk.Now()
	err := inst.Load(ctx, opts)
	elapsed := m.clk.Since(start)

	m.mu.Lock()
	m.reservedMB -= need
	m.reservedModels--
	delete(m.pendingLoads, id)
	closed := m.closed
	m.mu.Unlock()
	if err == nil && closed {
		// Close may already have swept the residents.
		if uerr := m.unload(context.WithoutCancel(ctx), inst, "close"); uerr != nil {
			m.log.Error().Err(uerr).Str("model", id).Msg("unload after close failed")
		}
		err = errClosed
	}
	call.err = err
	close(call.done)

	if err != nil {
		loadsTotal.WithLabelValues("error").Inc()
		m.log.Error().Err(err).Str("model", id).Msg("model_load_failed")
		m.publish("model_load_failed", id, map[string]any{"err": err.Error()})
		return err
	}
	m.loads.Add(1)
	loadsTotal.WithLabelValues("ok").Inc()
	loadDuration.Observe(elapsed.Seconds())
	m.observeResidency()
	m.log.Info().Str("model", id).Dur("dur", elapsed).Msg("model_loaded")
	m.publish("model_loaded", id, map[string]any{"memory_mb": need, "dur_ms": elapsed.Milliseconds()})
	return nil
}

// settleLoad waits for an in-flight load of id, if any. Only ctx ending is
// reported; the load outcome belongs to its caller.
func (m *Manager) settleLoad(ctx context.Context, id string) error {
	m.mu.RLock()
	call := m.pendingLoads[id]
	m.mu.RUnlock()
	if call == nil {
		return nil
	}
	select {
	case <-call.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func waitLoad(ctx context.Context, call *loadCall) error {
	select {
	case <-call.done:
		return call.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) loadRejected(id string, err error) {
	loadsTotal.WithLabelValues("rejected").Inc()
	m.log.Warn().Err(err).Str("model", id).Msg("model_load_failed")
	m.publish("model_load_failed", id, map[string]any{"err": err.Error()})
}

// residencyLocked sums resident models and their memory. Unloading
// instances still hold resources and are counted.
func (m *Manager) residencyLocked() (count int, memMB int64) {
	for _, inst := range m.instances {
		state, mem, _, _ := inst.snapshot()
		if state == StateLoaded || state == StateUnloading {
			count++
			memMB += mem
		}
	}
	return count, memMB
}

// admitLocked checks whether needMB more can become resident right now.
func (m *Manager) admitLocked(id string, needMB int64) error {
	count, used := m.residencyLocked()
	used += m.reservedMB
	count += m.reservedModels
	if usable := m.quota.usableMB(); usable >= 0 && used+needMB > usable {
		free := usable - used
		if free < 0 {
			free = 0
		}
		return insufficientResourcesError{id: id, needMB: needMB, freeMB: free}
	}
	if m.quota.MaxModels > 0 && count >= m.quota.MaxModels {
		return insufficientResourcesError{id: id, needMB: needMB, atModels: true}
	}
	return nil
}

// exceedsQuotaAloneLocked reports whether needMB can never fit, so evicting
// anything would be pointless.
func (m *Manager) exceedsQuotaAloneLocked(needMB int64) bool {
	usable := m.quota.usableMB()
	return usable >= 0 && needMB > usable
}

// preemptionCandidatesLocked lists resident instances of a strictly lower
// tier, lowest tier first and least recently used first within a tier.
func (m *Manager) preemptionCandidatesLocked(rank int) []*Instance {
	type cand struct {
		inst     *Instance
		rank     int
		lastUsed time.Time
	}
	var cs []cand
	for _, inst := range m.instances {
		state, _, r, lu := inst.snapshot()
		if state == StateLoaded && r < rank {
			cs = append(cs, cand{inst: inst, rank: r, lastUsed: lu})
		}
	}
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].rank != cs[j].rank {
			return cs[i].rank < cs[j].rank
		}
		return cs[i].lastUsed.Before(cs[j].lastUsed)
	})
	out := make([]*Instance, len(cs))
	for i, c := range cs {
		out[i] = c.inst
	}
	return out
}

// preempt unloads candidates one at a time until the target fits or the
// candidates run out. Unloads that already happened are kept.
func (m *Manager) preempt(ctx context.Context, targetID string, needMB int64, candidates []*Instance) {
	for _, victim := range candidates {
		m.mu.RLock()
		fits := m.admitLocked(targetID, needMB) == nil
		m.mu.RUnlock()
		if fits {
			return
		}
		if !victim.IsLoaded() {
			continue
		}
		if err := m.unload(ctx, victim, "preempt"); err != nil {
			m.log.Warn().Err(err).Str("model", victim.ID()).Str("by", targetID).Msg("preemption unload failed")
			continue
		}
		m.preemptions.Add(1)
		preemptionsTotal.Inc()
		m.log.Info().Str("model", victim.ID()).Str("by", targetID).Msg("model_preempted")
		m.publish("model_preempted", victim.ID(), map[string]any{"by": targetID})
	}
}

// UnloadModel releases a resident model. Unknown or non-resident ids are a no-op.
func (m *Manager) UnloadModel(ctx context.Context, id string) error {
	inst := m.instance(id)
	if inst == nil {
		return nil
	}
	return m.unload(ctx, inst, "manual")
}

func (m *Manager) unload(ctx context.Context, inst *Instance, reason string) error {
	if !inst.IsLoaded() {
		return nil
	}
	if err := inst.Unload(ctx); err != nil {
		m.log.Error().Err(err).Str("model", inst.ID()).Str("reason", reason).Msg("unload failed")
		return err
	}
	if inst.IsLoaded() {
		return nil
	}
	m.unloads.Add(1)
	unloadsTotal.WithLabelValues(reason).Inc()
	m.observeResidency()
	m.log.Info().Str("model", inst.ID()).Str("reason", reason).Msg("model_unloaded")
	m.publish("model_unloaded", inst.ID(), map[string]any{"reason": reason})
	return nil
}

// handleIdle is the instance idle-timeout signal. The model is unloaded
// unconditionally; activity re-arms the timer, so this only fires when idle.
func (m *Manager) handleIdle(id string) {
	inst := m.instance(id)
	if inst == nil {
		return
	}
	m.log.Info().Str("model", id).Dur("timeout", inst.IdleTimeout()).Msg("model_idle_timeout")
	m.publish("model_idle_timeout", id, nil)
	_ = m.unload(context.Background(), inst, "idle")
}

func isNotExist(err error) bool { return errors.Is(err, fs.ErrNotExist) }

// usageLocked snapshots the quota together with its current use.
func (m *Manager) usageLocked() types.ResourceUsage {
	count, mem := m.residencyLocked()
	q := m.quota
	u := types.ResourceUsage{
		MaxMemoryMB:           q.MaxMemoryMB,
		UsableMemoryMB:        q.usableMB(),
		ResidentMemoryMB:      mem,
		MaxModels:             q.MaxModels,
		ResidentModels:        count,
		MaxConcurrentRequests: q.MaxConcurrentRequests,
		InFlight:              m.queue.InFlight(),
		QueueDepth:            m.queue.Len(),
		MemoryThreshold:       q.MemoryThreshold,
		IdleTimeout:           q.IdleTimeout.String(),
		PriorityPreemption:    q.PriorityPreemption,
	}
	if q.IdleTimeout < 0 {
		u.IdleTimeout = "disabled"
	}
	return u
}
