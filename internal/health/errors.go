package health

import (
	"errors"
	"fmt"
	"net/http"
)

// serviceNotFoundError is returned for unknown service names (404).
type serviceNotFoundError struct{ name string }

func (e serviceNotFoundError) Error() string   { return "service not found: " + e.name }
func (e serviceNotFoundError) StatusCode() int { return http.StatusNotFound }

// IsServiceNotFound reports whether err names an unknown service.
func IsServiceNotFound(err error) bool {
	var nf serviceNotFoundError
	return errors.As(err, &nf)
}

// dependencyUnmetError blocks a start while a declared dependency is unhealthy.
type dependencyUnmetError struct {
	name  string
	dep   string
	state State
}

func (e dependencyUnmetError) Error() string {
	return fmt.Sprintf("cannot start %s: dependency %s is %s", e.name, e.dep, e.state)
}

func (e dependencyUnmetError) StatusCode() int { return http.StatusFailedDependency }

// IsDependencyUnmet reports whether err is a blocked start.
func IsDependencyUnmet(err error) bool {
	var de dependencyUnmetError
	return errors.As(err, &de)
}

// probeError wraps a failure of a service probe or control call.
type probeError struct {
	name string
	op   string
	err  error
}

func (e probeError) Error() string   { return fmt.Sprintf("%s %s: %v", e.op, e.name, e.err) }
func (e probeError) Unwrap() error   { return e.err }
func (e probeError) StatusCode() int { return http.StatusBadGateway }

// IsProbe reports whether err wraps a service call failure.
func IsProbe(err error) bool {
	var pe probeError
	return errors.As(err, &pe)
}

// timeoutError is produced when a call outlives its per-call timeout.
type timeoutError struct{ after string }

func (e timeoutError) Error() string { return "timed out after " + e.after }

// IsTimeout reports whether err is a per-call timeout.
func IsTimeout(err error) bool {
	var te timeoutError
	return errors.As(err, &te)
}

var errInvalidDescriptor = errors.New("invalid service descriptor")
