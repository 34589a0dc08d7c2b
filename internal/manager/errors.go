package manager

import (
	"errors"
	"fmt"
	"net/http"
)

// validationError signals bad caller input (400).
type validationError struct{ msg string }

func (e validationError) Error() string   { return "validation: " + e.msg }
func (e validationError) StatusCode() int { return http.StatusBadRequest }

// ErrValidation constructs a validationError.
func ErrValidation(format string, args ...any) error {
	return validationError{msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	var ve validationError
	return errors.As(err, &ve)
}

// ErrModelNotFound returns an error when a requested model id is not present in the registry.
type modelNotFoundError struct{ id string }

func (e modelNotFoundError) Error() string   { return "model not found: " + e.id }
func (e modelNotFoundError) StatusCode() int { return http.StatusNotFound }

func ErrModelNotFound(id string) error { return modelNotFoundError{id: id} }

// IsModelNotFound reports whether the error indicates a missing model id.
func IsModelNotFound(err error) bool {
	var nf modelNotFoundError
	return errors.As(err, &nf)
}

// insufficientResourcesError signals that admission (and preemption, if
// attempted) could not make room for a model.
type insufficientResourcesError struct {
	id       string
	needMB   int64
	freeMB   int64
	atModels bool
}

func (e insufficientResourcesError) Error() string {
	if e.atModels {
		return fmt.Sprintf("insufficient resources for %s: resident model limit reached", e.id)
	}
	return fmt.Sprintf("insufficient resources for %s: need %d MB, %d MB available", e.id, e.needMB, e.freeMB)
}

func (e insufficientResourcesError) StatusCode() int { return http.StatusServiceUnavailable }

// IsInsufficientResources reports whether err is an admission failure.
func IsInsufficientResources(err error) bool {
	var ie insufficientResourcesError
	return errors.As(err, &ie)
}

// notLoadedError is returned by Instance.Execute against a non-resident model.
type notLoadedError struct{ id string }

func (e notLoadedError) Error() string   { return "model not loaded: " + e.id }
func (e notLoadedError) StatusCode() int { return http.StatusConflict }

// IsNotLoaded reports whether err signals execution against an unloaded model.
func IsNotLoaded(err error) bool {
	var nl notLoadedError
	return errors.As(err, &nl)
}

// queueClearedError rejects requests dropped by a quota change or shutdown.
type queueClearedError struct{ reason string }

func (e queueClearedError) Error() string   { return "request dropped: queue cleared (" + e.reason + ")" }
func (e queueClearedError) StatusCode() int { return http.StatusServiceUnavailable }

// IsQueueCleared reports whether err signals a request dropped from the queue.
func IsQueueCleared(err error) bool {
	var qc queueClearedError
	return errors.As(err, &qc)
}

// closedError rejects work submitted after Close.
type closedError struct{}

func (closedError) Error() string   { return "manager closed" }
func (closedError) StatusCode() int { return http.StatusServiceUnavailable }

// IsClosed reports whether err signals an operation on a closed manager.
func IsClosed(err error) bool {
	var ce closedError
	return errors.As(err, &ce)
}

// executorError wraps a failure returned by the inference executor.
type executorError struct {
	id  string
	op  string
	err error
}

func (e executorError) Error() string   { return fmt.Sprintf("executor %s %s: %v", e.op, e.id, e.err) }
func (e executorError) Unwrap() error   { return e.err }
func (e executorError) StatusCode() int { return http.StatusBadGateway }

// IsExecutor reports whether err wraps an executor failure.
func IsExecutor(err error) bool {
	var ee executorError
	return errors.As(err, &ee)
}

// dependencyUnavailableError signals a missing external dependency (e.g., llama.cpp)
// so the HTTP layer can return 503 Service Unavailable instead of 500.
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string   { return e.msg }
func (e dependencyUnavailableError) StatusCode() int { return http.StatusServiceUnavailable }

// ErrDependencyUnavailable constructs a dependencyUnavailableError.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates a missing/failed runtime dependency.
func IsDependencyUnavailable(err error) bool {
	var de dependencyUnavailableError
	return errors.As(err, &de)
}

var (
	errStatsUnsupported = errors.New("executor does not report resource stats")
	errClosed           = closedError{}
)
