package types

import "time"

// InferRequest is the payload handed to an executor for one execution.
type InferRequest struct {
	// Required prompt text to generate a completion for.
	// example: Write a haiku about the ocean.
	Prompt string `json:"prompt" example:"Write a haiku about the ocean."`
	// Maximum number of new tokens to generate.
	// example: 128
	MaxTokens int `json:"max_tokens,omitempty" example:"128"`
	// Sampling temperature (higher = more random).
	// example: 0.7
	Temperature float64 `json:"temperature,omitempty" example:"0.7"`
	// Nucleus sampling probability.
	// example: 0.9
	TopP float64 `json:"top_p,omitempty" example:"0.9"`
	// Top-K sampling: limit candidates to top K tokens.
	// example: 40
	TopK int `json:"top_k,omitempty" example:"40"`
	// Optional stop sequences. Generation stops when any sequence is matched.
	// example: ["\n\n","END"]
	Stop []string `json:"stop,omitempty" example:"[\"\\n\\n\",\"END\"]"`
	// Random seed for reproducibility; 0 or omitted lets the backend choose.
	// example: 42
	Seed int64 `json:"seed,omitempty" example:"42"`
	// Repeat penalty applied by some llama backends.
	// example: 1.1
	RepeatPenalty float64 `json:"repeat_penalty,omitempty" example:"1.1"`
}

// InferResult is what an executor returns for one execution.
type InferResult struct {
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        Usage  `json:"usage"`
}

// Usage contains token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ExecuteRequest is the body of POST /execute.
type ExecuteRequest struct {
	// Target model id.
	// example: tinyllama-q4
	Model string `json:"model" example:"tinyllama-q4"`
	// Marks the request urgent (+200 priority).
	Urgent bool `json:"urgent,omitempty"`
	// Optional caller identity (+50 priority when present).
	UserID string `json:"user_id,omitempty"`
	InferRequest
}

// ExecuteResponse is returned by POST /execute.
type ExecuteResponse struct {
	RequestID string      `json:"request_id"`
	Model     string      `json:"model"`
	Result    InferResult `json:"result"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	// List of registered models.
	Models []ModelDescriptor `json:"models"`
}

// PrefetchRequest is the body of POST /models/prefetch.
type PrefetchRequest struct {
	IDs []string `json:"ids"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// QuotaUpdate is a partial quota mutation; nil fields are left unchanged.
type QuotaUpdate struct {
	MaxMemoryMB           *int64   `json:"max_memory_mb,omitempty"`
	MaxModels             *int     `json:"max_models,omitempty"`
	MaxConcurrentRequests *int     `json:"max_concurrent_requests,omitempty"`
	MemoryThreshold       *float64 `json:"memory_threshold,omitempty"`
	IdleTimeout           *string  `json:"idle_timeout,omitempty"`
	PriorityPreemption    *bool    `json:"priority_preemption,omitempty"`
}

// ResourceUsage is returned by GET /quota.
type ResourceUsage struct {
	MaxMemoryMB           int64   `json:"max_memory_mb"`
	UsableMemoryMB        int64   `json:"usable_memory_mb"`
	ResidentMemoryMB      int64   `json:"resident_memory_mb"`
	MaxModels             int     `json:"max_models"`
	ResidentModels        int     `json:"resident_models"`
	MaxConcurrentRequests int     `json:"max_concurrent_requests"`
	InFlight              int     `json:"inflight"`
	QueueDepth            int     `json:"queue_depth"`
	MemoryThreshold       float64 `json:"memory_threshold"`
	IdleTimeout           string  `json:"idle_timeout"`
	PriorityPreemption    bool    `json:"priority_preemption"`
}

// InstanceStatus summarizes a registered instance for /status.
type InstanceStatus struct {
	// ID of the model this instance serves.
	// example: tinyllama-q4
	ModelID string `json:"model_id" example:"tinyllama-q4"`
	// Current lifecycle state (unloaded, loading, loaded, unloading).
	// example: loaded
	State string `json:"state" example:"loaded"`
	// Residency tier.
	// example: high
	Priority Priority `json:"priority" example:"high"`
	// Declared memory requirement in MB.
	// example: 1200
	MemoryMB int64 `json:"memory_mb" example:"1200"`
	// Time the model became resident (unix seconds, 0 when unloaded).
	LoadedAt int64 `json:"loaded_at_unix"`
	// Last time this instance served a request (unix seconds).
	LastUsed int64 `json:"last_used_unix"`
	// Idle-unload timeout derived from the tier.
	IdleTimeout string `json:"idle_timeout"`
	// Usage statistics.
	Usage UsageStats `json:"usage"`
	// Last resource sample, when the executor reports one.
	Resources *ResourceStats `json:"resources,omitempty"`
	// Last executor error, if any.
	LastError string `json:"last_error,omitempty"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Instances []InstanceStatus `json:"instances"`
	Quota     ResourceUsage    `json:"quota"`
	// Uptime of the manager in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	ServerTimeUnix int64 `json:"server_time_unix"`
	// Total number of lower-tier models unloaded to admit higher-tier ones.
	PreemptionsTotal uint64 `json:"preemptions_total"`
	// Total number of completed model loads.
	LoadsTotal uint64 `json:"loads_total"`
	// Total number of completed model unloads.
	UnloadsTotal uint64 `json:"unloads_total"`
}

// ServiceStatus is the supervisor's view of one dependent service.
type ServiceStatus struct {
	Name          string        `json:"name"`
	Label         string        `json:"label,omitempty"`
	Health        string        `json:"health"`
	Breaker       string        `json:"breaker"`
	Failures      int           `json:"breaker_failures"`
	Critical      bool          `json:"critical"`
	AutoRestart   bool          `json:"auto_restart"`
	Dependencies  []string      `json:"dependencies,omitempty"`
	Detail        string        `json:"detail,omitempty"`
	LastCheck     time.Time     `json:"last_check,omitempty"`
	LastLatency   time.Duration `json:"last_latency_ns"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	Requests      int64         `json:"requests"`
	Errors        int64         `json:"errors"`
	AvgResponse   time.Duration `json:"avg_response_ns"`
	Restarts      int64         `json:"restarts"`
}

// SystemHealthResponse is returned by GET /health.
type SystemHealthResponse struct {
	Status   string          `json:"status"`
	Services []ServiceStatus `json:"services"`
}
