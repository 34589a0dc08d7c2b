//go:build !llama

package manager

// No-CGO stub compiled when the 'llama' build tag is NOT set, keeping default
// builds and CI CGO-free. Models with a local path fail to load with a
// dependency-unavailable error; endpoint-backed models are unaffected.

import (
	"context"

	"modelwarden/pkg/types"
)

// llamaBuilt indicates this binary was compiled with real llama support.
var llamaBuilt = false

type llamaExecutor struct{}

// NewLlamaExecutor returns the stub executor.
func NewLlamaExecutor(ctxSize, threads int) Executor { return llamaExecutor{} }

func errLlamaMissing() error {
	return ErrDependencyUnavailable("llama support not built (missing 'llama' build tag)")
}

func (llamaExecutor) Load(context.Context, types.ModelDescriptor, LoadOptions) error {
	return errLlamaMissing()
}

func (llamaExecutor) Unload(context.Context, types.ModelDescriptor) error { return nil }

func (llamaExecutor) Execute(ctx context.Context, _ types.ModelDescriptor, _ types.InferRequest) (types.InferResult, error) {
	if err := ctx.Err(); err != nil {
		return types.InferResult{}, err
	}
	return types.InferResult{}, errLlamaMissing()
}
