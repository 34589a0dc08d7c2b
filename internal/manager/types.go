package manager

import (
	"context"
	"time"

	"modelwarden/pkg/types"
)

// InstanceState is the lifecycle state of a model instance.
type InstanceState string

const (
	StateUnloaded  InstanceState = "unloaded"
	StateLoading   InstanceState = "loading"
	StateLoaded    InstanceState = "loaded"
	StateUnloading InstanceState = "unloading"
)

// ResourceQuota is the process-wide residency and concurrency policy.
// MaxMemoryMB and MaxModels of zero mean unlimited.
type ResourceQuota struct {
	MaxMemoryMB           int64
	MaxModels             int
	MaxConcurrentRequests int
	// MemoryThreshold is the usable fraction (0,1] of MaxMemoryMB.
	MemoryThreshold float64
	// IdleTimeout is the medium-tier idle-unload base; < 0 disables idle unloads.
	IdleTimeout        time.Duration
	PriorityPreemption bool
}

// usableMB returns the admission ceiling, or -1 when memory is unlimited.
func (q ResourceQuota) usableMB() int64 {
	if q.MaxMemoryMB <= 0 {
		return -1
	}
	return int64(float64(q.MaxMemoryMB) * q.MemoryThreshold)
}

// LoadOptions tune a single load.
type LoadOptions struct {
	// Immediate allows preempting lower-tier residents when the quota is full.
	Immediate bool
	// Warmup runs a cheap call after load when the executor supports it.
	Warmup bool
}

// ExecuteOptions carry the caller-supplied priority bonuses.
type ExecuteOptions struct {
	Urgent bool
	UserID string
}

// RegistryStore persists registry snapshots. Load returns an error matching
// fs.ErrNotExist when nothing has been stored yet.
type RegistryStore interface {
	Persist(ctx context.Context, models []types.ModelDescriptor) error
	Load(ctx context.Context) ([]types.ModelDescriptor, error)
}
