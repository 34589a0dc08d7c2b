package health

import (
	"fmt"

	"modelwarden/internal/config"
)

// FromConfig builds the descriptor and probe for one configured service.
func FromConfig(c config.Service) (Descriptor, Service, error) {
	d := Descriptor{
		Name:             c.Name,
		Label:            c.Label,
		Dependencies:     c.Dependencies,
		MaxRetries:       c.MaxRetries,
		FailureThreshold: c.FailureThreshold,
		AutoRestart:      c.AutoRestart,
		Critical:         c.Critical,
	}
	var err error
	if d.Interval, err = config.Duration(c.Interval, defaultInterval); err != nil {
		return d, nil, fmt.Errorf("service %s interval: %w", c.Name, err)
	}
	if d.Timeout, err = config.Duration(c.Timeout, defaultTimeout); err != nil {
		return d, nil, fmt.Errorf("service %s timeout: %w", c.Name, err)
	}
	if d.Cooldown, err = config.Duration(c.Cooldown, 0); err != nil {
		return d, nil, fmt.Errorf("service %s cooldown: %w", c.Name, err)
	}
	if d.RestartDelay, err = config.Duration(c.RestartDelay, defaultRestartDelay); err != nil {
		return d, nil, fmt.Errorf("service %s restart_delay: %w", c.Name, err)
	}

	var svc Service
	switch c.Kind {
	case config.KindHTTP:
		svc = NewHTTPService(c.Target)
	case config.KindProcess:
		svc = NewProcessService(c.Target, c.Args...)
	case config.KindRedis:
		r := NewRedisService(c.Target, "")
		r.Timeout = d.Timeout
		svc = r
	case config.KindGRPC:
		name := ""
		if len(c.Args) > 0 {
			name = c.Args[0]
		}
		svc = NewGRPCService(c.Target, name)
	case config.KindDocker:
		ds, derr := NewDockerService(c.Target)
		if derr != nil {
			return d, nil, fmt.Errorf("service %s: %w", c.Name, derr)
		}
		svc = ds
	default:
		return d, nil, fmt.Errorf("%w: service %s has unknown kind %q", errInvalidDescriptor, c.Name, c.Kind)
	}
	return d, svc, nil
}
