package httpapi

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"modelwarden/internal/breaker"
)

func TestWriteError_OpenBreakerSetsRetryAfter(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Now())
	b := breaker.New(breaker.Config{Name: "db", Threshold: 1, Cooldown: 30 * time.Second, Clock: clk})
	_ = b.Execute(func() error { return errors.New("down") })
	err := b.Execute(func() error { return nil })
	if !breaker.IsOpen(err) {
		t.Fatalf("expected open breaker, got %v", err)
	}

	w := httptest.NewRecorder()
	writeError(w, err)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", w.Code)
	}
	secs, convErr := strconv.Atoi(w.Header().Get("Retry-After"))
	if convErr != nil || secs < 1 || secs > 31 {
		t.Fatalf("Retry-After=%q", w.Header().Get("Retry-After"))
	}
}

func TestWriteError_Untyped(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, errors.New("kaboom"))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", w.Code)
	}
	if w.Header().Get("Retry-After") != "" {
		t.Fatalf("unexpected Retry-After")
	}
}
