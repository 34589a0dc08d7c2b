package types

import "time"

// Category classifies what a model is used for.
type Category string

const (
	CategoryGeneral     Category = "general-purpose"
	CategoryEmbedding   Category = "embedding"
	CategoryVision      Category = "vision"
	CategoryCode        Category = "code"
	CategorySpecialized Category = "specialized"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryGeneral, CategoryEmbedding, CategoryVision, CategoryCode, CategorySpecialized:
		return true
	}
	return false
}

// Priority is the residency tier of a model: critical > high > medium > low.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank orders tiers; a larger rank wins. Unknown tiers rank below low.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// Valid reports whether p is one of the known tiers.
func (p Priority) Valid() bool { return p.Rank() > 0 }

// ModelDescriptor represents a model the manager can make resident.
type ModelDescriptor struct {
	// Stable identifier for the model.
	// example: tinyllama-q4
	ID string `json:"id" yaml:"id" toml:"id" example:"tinyllama-q4"`
	// Human-friendly name.
	// example: TinyLlama (Q4)
	Name string `json:"name" yaml:"name" toml:"name" example:"TinyLlama (Q4)"`
	// Version string of the model weights.
	// example: 1.1
	Version string `json:"version,omitempty" yaml:"version" toml:"version" example:"1.1"`
	// Category of the model.
	// example: general-purpose
	Category Category `json:"category" yaml:"category" toml:"category" example:"general-purpose"`
	// Declared size of the model artifact in bytes.
	// example: 668788096
	SizeBytes int64 `json:"size_bytes,omitempty" yaml:"size_bytes" toml:"size_bytes" example:"668788096"`
	// Declared memory requirement in MB while resident.
	// example: 1024
	MemoryMB int64 `json:"memory_mb" yaml:"memory_mb" toml:"memory_mb" example:"1024"`
	// Maximum context length in tokens.
	// example: 4096
	ContextLength int `json:"context_length" yaml:"context_length" toml:"context_length" example:"4096"`
	// Capability tags (e.g. chat, tools).
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities" toml:"capabilities"`
	// Remote OpenAI-compatible endpoint serving this model, if any.
	// example: http://127.0.0.1:8081
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint" toml:"endpoint" example:"http://127.0.0.1:8081"`
	// Absolute path to the model file on disk, if local.
	// example: /home/user/models/TinyLlama.Q4_K_M.gguf
	Path string `json:"path,omitempty" yaml:"path" toml:"path" example:"/home/user/models/TinyLlama.Q4_K_M.gguf"`
	// Arbitrary metadata.
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata" toml:"metadata"`
	// Residency tier.
	// example: medium
	Priority Priority `json:"priority" yaml:"priority" toml:"priority" example:"medium"`

	// Live fields, owned by the manager.
	IsLoaded bool      `json:"is_loaded" yaml:"-" toml:"-"`
	LoadedAt time.Time `json:"loaded_at,omitempty" yaml:"-" toml:"-"`
	LastUsed time.Time `json:"last_used,omitempty" yaml:"-" toml:"-"`
	UseCount int64     `json:"use_count" yaml:"-" toml:"-"`
}

// Clone returns a deep copy of d.
func (d ModelDescriptor) Clone() ModelDescriptor {
	out := d
	if d.Capabilities != nil {
		out.Capabilities = append([]string(nil), d.Capabilities...)
	}
	if d.Metadata != nil {
		out.Metadata = make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// HasCapability reports whether the descriptor carries the given tag.
func (d ModelDescriptor) HasCapability(tag string) bool {
	for _, c := range d.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// UsageStats holds per-model moving averages updated on each completed request.
type UsageStats struct {
	RequestCount    int64         `json:"request_count"`
	ErrorCount      int64         `json:"error_count"`
	AvgResponseTime time.Duration `json:"avg_response_time_ns"`
	SuccessRate     float64       `json:"success_rate"`
	LastUsed        time.Time     `json:"last_used,omitempty"`
}

// ResourceStats is the last sample reported by the executor for a resident model.
type ResourceStats struct {
	MemoryUsedMB int64     `json:"memory_used_mb"`
	SampledAt    time.Time `json:"sampled_at"`
}
