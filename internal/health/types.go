package health

import (
	"context"
	"time"
)

// State is the health of one service as of its last probe.
type State string

const (
	StateDown     State = "down"
	StateStarting State = "starting"
	StateHealthy  State = "healthy"
	StateWarning  State = "warning"
	StateCritical State = "critical"
)

// Result is what a health probe reports.
type Result struct {
	Healthy  bool
	Degraded bool
	Detail   string
}

// Service is a supervised dependency. Every call may block and may fail.
type Service interface {
	HealthCheck(ctx context.Context) (Result, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Descriptor configures supervision of one service.
type Descriptor struct {
	Name         string
	Label        string
	Dependencies []string
	// Interval between health probes.
	Interval time.Duration
	// Timeout bounds every probe and start/stop call.
	Timeout    time.Duration
	MaxRetries int
	// FailureThreshold and Cooldown configure the service's circuit breaker.
	FailureThreshold int
	Cooldown         time.Duration
	// RestartDelay is the settle time between stop and start; < 0 skips it.
	RestartDelay time.Duration
	AutoRestart  bool
	Critical     bool
}

// Defaults applied when corresponding Descriptor fields are unset.
const (
	defaultInterval     = 30 * time.Second
	defaultTimeout      = 5 * time.Second
	defaultMaxRetries   = 3
	defaultRestartDelay = 2 * time.Second
)

func (d Descriptor) withDefaults() Descriptor {
	if d.Label == "" {
		d.Label = d.Name
	}
	if d.Interval <= 0 {
		d.Interval = defaultInterval
	}
	if d.Timeout <= 0 {
		d.Timeout = defaultTimeout
	}
	if d.MaxRetries <= 0 {
		d.MaxRetries = defaultMaxRetries
	}
	if d.RestartDelay == 0 {
		d.RestartDelay = defaultRestartDelay
	}
	d.Dependencies = append([]string(nil), d.Dependencies...)
	return d
}
