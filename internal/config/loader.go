// Package config loads the service configuration from YAML, JSON or TOML.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"modelwarden/pkg/types"
)

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and will be replaced by defaults in main.
type Config struct {
	Addr          string `json:"addr" yaml:"addr" toml:"addr"`
	LogLevel      string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat     string `json:"log_format" yaml:"log_format" toml:"log_format"`
	ModelsDir     string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	RegistryStore string `json:"registry_store" yaml:"registry_store" toml:"registry_store"`
	DrainInterval string `json:"drain_interval" yaml:"drain_interval" toml:"drain_interval"`
	StatsInterval string `json:"stats_interval" yaml:"stats_interval" toml:"stats_interval"`
	WarmupOnLoad  bool   `json:"warmup_on_load" yaml:"warmup_on_load" toml:"warmup_on_load"`
	MaxBodyBytes  int64  `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	EventBuffer   int    `json:"event_buffer" yaml:"event_buffer" toml:"event_buffer"`

	Quota    Quota                   `json:"quota" yaml:"quota" toml:"quota"`
	Llama    Llama                   `json:"llama" yaml:"llama" toml:"llama"`
	Endpoint Endpoint                `json:"endpoint" yaml:"endpoint" toml:"endpoint"`
	CORS     CORS                    `json:"cors" yaml:"cors" toml:"cors"`
	Models   []types.ModelDescriptor `json:"models" yaml:"models" toml:"models"`
	Services []Service               `json:"services" yaml:"services" toml:"services"`
}

// Quota mirrors the manager resource quota. PriorityPreemption defaults to true.
type Quota struct {
	MaxMemoryMB           int64   `json:"max_memory_mb" yaml:"max_memory_mb" toml:"max_memory_mb"`
	MaxModels             int     `json:"max_models" yaml:"max_models" toml:"max_models"`
	MaxConcurrentRequests int     `json:"max_concurrent_requests" yaml:"max_concurrent_requests" toml:"max_concurrent_requests"`
	MemoryThreshold       float64 `json:"memory_threshold" yaml:"memory_threshold" toml:"memory_threshold"`
	IdleTimeout           string  `json:"idle_timeout" yaml:"idle_timeout" toml:"idle_timeout"`
	PriorityPreemption    *bool   `json:"priority_preemption" yaml:"priority_preemption" toml:"priority_preemption"`
}

// Preemption resolves the tri-state flag.
func (q Quota) Preemption() bool {
	if q.PriorityPreemption == nil {
		return true
	}
	return *q.PriorityPreemption
}

// Llama configures the in-process executor.
type Llama struct {
	Ctx     int `json:"ctx" yaml:"ctx" toml:"ctx"`
	Threads int `json:"threads" yaml:"threads" toml:"threads"`
}

// Endpoint configures the OpenAI-compatible executor.
type Endpoint struct {
	APIKey  string `json:"api_key" yaml:"api_key" toml:"api_key"`
	Timeout string `json:"timeout" yaml:"timeout" toml:"timeout"`
}

// CORS options; disabled unless Enabled is set.
type CORS struct {
	Enabled        bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins" toml:"allowed_origins"`
	AllowedMethods []string `json:"allowed_methods" yaml:"allowed_methods" toml:"allowed_methods"`
	AllowedHeaders []string `json:"allowed_headers" yaml:"allowed_headers" toml:"allowed_headers"`
}

// Service kinds understood by the supervisor wiring.
const (
	KindHTTP    = "http"
	KindProcess = "process"
	KindRedis   = "redis"
	KindGRPC    = "grpc"
	KindDocker  = "docker"
)

// Service describes one supervised dependency.
type Service struct {
	Name  string `json:"name" yaml:"name" toml:"name"`
	Label string `json:"label" yaml:"label" toml:"label"`
	// Kind selects the probe: http, process, redis, grpc or docker.
	Kind string `json:"kind" yaml:"kind" toml:"kind"`
	// Target is the URL, address, container name or executable, per kind.
	Target           string   `json:"target" yaml:"target" toml:"target"`
	Args             []string `json:"args" yaml:"args" toml:"args"`
	Dependencies     []string `json:"dependencies" yaml:"dependencies" toml:"dependencies"`
	Interval         string   `json:"interval" yaml:"interval" toml:"interval"`
	Timeout          string   `json:"timeout" yaml:"timeout" toml:"timeout"`
	Cooldown         string   `json:"cooldown" yaml:"cooldown" toml:"cooldown"`
	RestartDelay     string   `json:"restart_delay" yaml:"restart_delay" toml:"restart_delay"`
	MaxRetries       int      `json:"max_retries" yaml:"max_retries" toml:"max_retries"`
	FailureThreshold int      `json:"failure_threshold" yaml:"failure_threshold" toml:"failure_threshold"`
	AutoRestart      bool     `json:"auto_restart" yaml:"auto_restart" toml:"auto_restart"`
	Critical         bool     `json:"critical" yaml:"critical" toml:"critical"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	case ".json":
		err = json.Unmarshal(b, &cfg)
	case ".toml":
		err = toml.Unmarshal(b, &cfg)
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks durations, ranges and service definitions.
func (c Config) Validate() error {
	for field, v := range map[string]string{
		"drain_interval":     c.DrainInterval,
		"stats_interval":     c.StatsInterval,
		"quota.idle_timeout": c.Quota.IdleTimeout,
		"endpoint.timeout":   c.Endpoint.Timeout,
	} {
		if _, err := Duration(v, 0); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
	}
	if t := c.Quota.MemoryThreshold; t < 0 || t > 1 {
		return fmt.Errorf("quota.memory_threshold must be within [0, 1]")
	}
	seen := make(map[string]bool, len(c.Services))
	for _, s := range c.Services {
		if s.Name == "" {
			return fmt.Errorf("service without name")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate service %q", s.Name)
		}
		seen[s.Name] = true
		switch s.Kind {
		case KindHTTP, KindProcess, KindRedis, KindGRPC, KindDocker:
		default:
			return fmt.Errorf("service %s: unknown kind %q", s.Name, s.Kind)
		}
		for field, v := range map[string]string{
			"interval": s.Interval, "timeout": s.Timeout, "cooldown": s.Cooldown, "restart_delay": s.RestartDelay,
		} {
			if _, err := Duration(v, 0); err != nil {
				return fmt.Errorf("service %s %s: %w", s.Name, field, err)
			}
		}
	}
	for _, s := range c.Services {
		for _, dep := range s.Dependencies {
			if !seen[dep] {
				return fmt.Errorf("service %s depends on unknown service %q", s.Name, dep)
			}
		}
	}
	return nil
}

// Duration parses s, returning def for an empty string.
func Duration(s string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}
