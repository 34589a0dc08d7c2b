package manager

import (
	"context"

	"modelwarden/pkg/types"
)

// Executor abstracts the inference backend used by model instances.
// Concrete implementations (llama.cpp in-process, OpenAI-compatible endpoints)
// satisfy this interface. Every call may block and may fail.
type Executor interface {
	// Load acquires backend resources for the model.
	Load(ctx context.Context, desc types.ModelDescriptor, opts LoadOptions) error
	// Unload releases the resources acquired by Load.
	Unload(ctx context.Context, desc types.ModelDescriptor) error
	// Execute runs one request against a loaded model.
	Execute(ctx context.Context, desc types.ModelDescriptor, req types.InferRequest) (types.InferResult, error)
}

// Warmer is implemented by executors that support a cheap warmup call after load.
type Warmer interface {
	Warmup(ctx context.Context, desc types.ModelDescriptor) error
}

// StatsReporter is implemented by executors that can sample resource usage
// of a resident model.
type StatsReporter interface {
	Stats(ctx context.Context, desc types.ModelDescriptor) (types.ResourceStats, error)
}

// LlamaBuilt reports whether this binary carries the in-process llama executor.
func LlamaBuilt() bool { return llamaBuilt }

// routingExecutor sends models with a remote endpoint to remote and everything
// else to local.
type routingExecutor struct {
	local  Executor
	remote Executor
}

// NewRoutingExecutor builds the default executor: descriptors with an Endpoint
// are served remotely, descriptors with a Path in-process.
func NewRoutingExecutor(local, remote Executor) Executor {
	return &routingExecutor{local: local, remote: remote}
}

func (r *routingExecutor) pick(desc types.ModelDescriptor) Executor {
	if desc.Endpoint != "" && r.remote != nil {
		return r.remote
	}
	return r.local
}

func (r *routingExecutor) Load(ctx context.Context, desc types.ModelDescriptor, opts LoadOptions) error {
	return r.pick(desc).Load(ctx, desc, opts)
}

func (r *routingExecutor) Unload(ctx context.Context, desc types.ModelDescriptor) error {
	return r.pick(desc).Unload(ctx, desc)
}

func (r *routingExecutor) Execute(ctx context.Context, desc types.ModelDescriptor, req types.InferRequest) (types.InferResult, error) {
	return r.pick(desc).Execute(ctx, desc, req)
}

func (r *routingExecutor) Warmup(ctx context.Context, desc types.ModelDescriptor) error {
	if w, ok := r.pick(desc).(Warmer); ok {
		return w.Warmup(ctx, desc)
	}
	return nil
}

func (r *routingExecutor) Stats(ctx context.Context, desc types.ModelDescriptor) (types.ResourceStats, error) {
	if s, ok := r.pick(desc).(StatsReporter); ok {
		return s.Stats(ctx, desc)
	}
	return types.ResourceStats{}, errStatsUnsupported
}
