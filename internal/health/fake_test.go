package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"modelwarden/internal/events"
)

var errBoom = errors.New("boom")

// fakeService is a scriptable Service.
type fakeService struct {
	mu       sync.Mutex
	result   Result
	checkErr error
	startErr error
	stopErr  error
	// block makes HealthCheck wait for its context.
	block bool
	// onCheck runs inside HealthCheck, e.g. to advance a mock clock.
	onCheck func()

	checks, starts, stops int
}

func healthyService() *fakeService {
	return &fakeService{result: Result{Healthy: true, Detail: "ok"}}
}

func (f *fakeService) HealthCheck(ctx context.Context) (Result, error) {
	f.mu.Lock()
	f.checks++
	res, err, block, hook := f.result, f.checkErr, f.block, f.onCheck
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if block {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}
	return res, err
}

func (f *fakeService) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return f.startErr
}

func (f *fakeService) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return f.stopErr
}

func (f *fakeService) set(fn func(*fakeService)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeService) counts() (checks, starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checks, f.starts, f.stops
}

type harness struct {
	s   *Supervisor
	clk *clock.Mock
	pub *events.MemoryPublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewMock()
	pub := events.NewMemoryPublisher()
	s := NewSupervisor(SupervisorConfig{Clock: clk, Publisher: pub})
	t.Cleanup(s.Close)
	return &harness{s: s, clk: clk, pub: pub}
}

// register adds svc with an interval long enough that polling never fires
// unless a test advances the clock that far.
func (h *harness) register(t *testing.T, d Descriptor, svc Service) {
	t.Helper()
	if d.Interval == 0 {
		d.Interval = 24 * time.Hour
	}
	if d.RestartDelay == 0 {
		d.RestartDelay = -1
	}
	require.NoError(t, h.s.Register(d, svc))
}

func (h *harness) health(t *testing.T, name string) State {
	t.Helper()
	st, err := h.s.Status(name)
	require.NoError(t, err)
	return State(st.Health)
}

// settled reports whether no background restart is running for name.
func (h *harness) settled(name string) bool {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	e, ok := h.s.entries[name]
	return ok && !e.restarting
}
