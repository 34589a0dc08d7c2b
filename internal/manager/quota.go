package manager

import (
	"time"

	"modelwarden/pkg/types"
)

// GetResourceUsage returns the quota and current residency.
func (m *Manager) GetResourceUsage() types.ResourceUsage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.usageLocked()
}

// Quota returns the current quota.
func (m *Manager) Quota() ResourceQuota {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.quota
}

// UpdateResourceQuota applies a partial quota change. A new concurrency
// ceiling rebuilds the request queue: queued requests are rejected with a
// queue-cleared error while in-flight requests keep running.
func (m *Manager) UpdateResourceQuota(u types.QuotaUpdate) (types.ResourceUsage, error) {
	idle, err := validateQuotaUpdate(u)
	if err != nil {
		return types.ResourceUsage{}, err
	}

	m.mu.Lock()
	q := m.quota
	if u.MaxMemoryMB != nil {
		q.MaxMemoryMB = *u.MaxMemoryMB
	}
	if u.MaxModels != nil {
		q.MaxModels = *u.MaxModels
	}
	if u.MemoryThreshold != nil {
		q.MemoryThreshold = *u.MemoryThreshold
	}
	if u.PriorityPreemption != nil {
		q.PriorityPreemption = *u.PriorityPreemption
	}
	if u.IdleTimeout != nil {
		q.IdleTimeout = idle
	}
	var old *RequestQueue
	if u.MaxConcurrentRequests != nil && *u.MaxConcurrentRequests != q.MaxConcurrentRequests {
		q.MaxConcurrentRequests = *u.MaxConcurrentRequests
		old = m.queue
		nq := NewRequestQueue(q.MaxConcurrentRequests)
		nq.inflight = old.InFlight()
		m.queue = nq
	}
	idleChanged := q.IdleTimeout != m.quota.IdleTimeout
	m.quota = q
	insts := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		insts = append(insts, inst)
	}
	usage := m.usageLocked()
	m.mu.Unlock()

	if old != nil {
		if n := old.Clear("quota updated"); n > 0 {
			m.publish("queue_cleared", "", map[string]any{"dropped": n, "reason": "quota"})
		}
	}
	if idleChanged {
		for _, inst := range insts {
			inst.setIdleBase(q.IdleTimeout)
		}
	}
	m.log.Info().
		Int64("max_memory_mb", q.MaxMemoryMB).
		Int("max_models", q.MaxModels).
		Int("max_concurrent", q.MaxConcurrentRequests).
		Float64("threshold", q.MemoryThreshold).
		Dur("idle", q.IdleTimeout).
		Bool("preemption", q.PriorityPreemption).
		Msg("quota_updated")
	m.publish("quota_updated", "", map[string]any{
		"max_memory_mb":  q.MaxMemoryMB,
		"max_models":     q.MaxModels,
		"max_concurrent": q.MaxConcurrentRequests,
	})
	m.drain()
	return usage, nil
}

// validateQuotaUpdate checks ranges and parses the idle timeout. An idle
// timeout of zero or below disables idle unloading.
func validateQuotaUpdate(u types.QuotaUpdate) (time.Duration, error) {
	if u.MaxMemoryMB != nil && *u.MaxMemoryMB < 0 {
		return 0, ErrValidation("max_memory_mb must be >= 0")
	}
	if u.MaxModels != nil && *u.MaxModels < 0 {
		return 0, ErrValidation("max_models must be >= 0")
	}
	if u.MaxConcurrentRequests != nil && *u.MaxConcurrentRequests < 1 {
		return 0, ErrValidation("max_concurrent_requests must be >= 1")
	}
	if u.MemoryThreshold != nil && (*u.MemoryThreshold <= 0 || *u.MemoryThreshold > 1) {
		return 0, ErrValidation("memory_threshold must be in (0, 1]")
	}
	if u.IdleTimeout == nil {
		return 0, nil
	}
	d, err := time.ParseDuration(*u.IdleTimeout)
	if err != nil {
		return 0, ErrValidation("idle_timeout: %v", err)
	}
	if d <= 0 {
		d = -1
	}
	return d, nil
}
