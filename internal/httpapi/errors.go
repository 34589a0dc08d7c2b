package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"modelwarden/internal/breaker"
	"modelwarden/internal/manager"
	"modelwarden/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

// writeError maps a typed error onto its status code. Untyped errors are 500.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var he HTTPError
	if errors.As(err, &he) {
		status = he.StatusCode()
	}
	if at, ok := breaker.RetryAt(err); ok {
		secs := int(time.Until(at).Seconds()) + 1
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	if status == http.StatusServiceUnavailable || status == http.StatusTooManyRequests {
		IncrementBackpressure(backpressureReason(err))
	}
	writeJSONError(w, status, err.Error())
}

func backpressureReason(err error) string {
	switch {
	case manager.IsInsufficientResources(err):
		return "insufficient_resources"
	case manager.IsQueueCleared(err):
		return "queue_cleared"
	case manager.IsClosed(err):
		return "closed"
	case breaker.IsOpen(err):
		return "circuit_open"
	}
	return ""
}
