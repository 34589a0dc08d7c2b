// Package manager decides which model instances are resident under a memory
// and concurrency quota, queues execution requests by priority, and preempts
// lower-tier residents when a higher-tier model needs room. It is structured
// into small files by concern:
//
//   - manager.go: core Manager type, registration, restore, Run and Close.
//   - config.go: ManagerConfig and package defaults; NewWithConfig applies defaults.
//   - types.go: InstanceState, ResourceQuota, LoadOptions, RegistryStore.
//   - errors.go: typed errors and helpers (IsModelNotFound, IsInsufficientResources, ...).
//   - instance.go: Instance lifecycle, usage statistics and the idle timer.
//   - queue.go: RequestQueue, ExecutionRequest and the completion Handle.
//   - admission.go: LoadModel, quota admission, preemption and unloads.
//   - execute.go: ExecuteRequest and the queue drain/dispatch loop.
//   - quota.go: resource usage and runtime quota updates.
//   - prefetch.go: best-effort background loads.
//   - status_report.go: Status reporting for /status.
//   - metrics.go: Prometheus collectors.
//
// Executors:
//
//   - In-process llama: go-llama.cpp executor enabled with `-tags=llama`.
//     Files: adapter_llama.go, llama_cgo.go (linker rpath hints).
//     A no-CGO stub is compiled when the tag is not set: adapter_llama_stub.go.
//
//   - OpenAI-compatible endpoints: adapter_endpoint.go, selected for
//     descriptors carrying an Endpoint by the routing executor.
//
// The manager is safe for concurrent use. Public methods return typed errors;
// the HTTP layer maps them through their StatusCode method.
package manager
