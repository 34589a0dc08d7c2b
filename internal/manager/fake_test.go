package manager

import (
	"context"
	"errors"
	"io/fs"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"

	"modelwarden/internal/events"
	"modelwarden/pkg/types"
)

// fakeExecutor records calls and can block or fail on demand.
type fakeExecutor struct {
	mu        sync.Mutex
	loads     map[string]int
	unloads   map[string]int
	prompts   []string
	loadErr   map[string]error
	unloadErr map[string]error
	execErr   error
	warmErr   error
	warmups   int
	// loadGate, when set, blocks Load until closed.
	loadGate chan struct{}
	// execGate, when set, makes every Execute wait for one value.
	execGate chan struct{}
	entered  chan string
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		loads:     map[string]int{},
		unloads:   map[string]int{},
		loadErr:   map[string]error{},
		unloadErr: map[string]error{},
		entered:   make(chan string, 64),
	}
}

func (f *fakeExecutor) Load(ctx context.Context, desc types.ModelDescriptor, _ LoadOptions) error {
	f.mu.Lock()
	f.loads[desc.ID]++
	gate := f.loadGate
	err := f.loadErr[desc.ID]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeExecutor) Unload(_ context.Context, desc types.ModelDescriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.unloadErr[desc.ID]; err != nil {
		return err
	}
	f.unloads[desc.ID]++
	return nil
}

func (f *fakeExecutor) Execute(ctx context.Context, desc types.ModelDescriptor, req types.InferRequest) (types.InferResult, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, req.Prompt)
	gate := f.execGate
	err := f.execErr
	f.mu.Unlock()
	f.entered <- req.Prompt
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return types.InferResult{}, ctx.Err()
		}
	}
	if err != nil {
		return types.InferResult{}, err
	}
	return types.InferResult{Content: desc.ID + ":" + req.Prompt, FinishReason: "stop"}, nil
}

func (f *fakeExecutor) Warmup(context.Context, types.ModelDescriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.warmups++
	return f.warmErr
}

func (f *fakeExecutor) Stats(context.Context, types.ModelDescriptor) (types.ResourceStats, error) {
	return types.ResourceStats{MemoryUsedMB: 42}, nil
}

func (f *fakeExecutor) loadCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads[id]
}

func (f *fakeExecutor) unloadCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unloads[id]
}

func (f *fakeExecutor) executed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

// fakeStore is an in-memory RegistryStore.
type fakeStore struct {
	mu       sync.Mutex
	snapshot []types.ModelDescriptor
	persists int
	err      error
}

func (s *fakeStore) Persist(_ context.Context, models []types.ModelDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persists++
	s.snapshot = models
	return s.err
}

func (s *fakeStore) Load(context.Context) ([]types.ModelDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return nil, fs.ErrNotExist
	}
	return s.snapshot, nil
}

type harness struct {
	m    *Manager
	exec *fakeExecutor
	clk  *clock.Mock
	pub  *events.MemoryPublisher
}

func newHarness(t *testing.T, quota ResourceQuota) *harness {
	t.Helper()
	h := &harness{exec: newFakeExecutor(), clk: clock.NewMock(), pub: events.NewMemoryPublisher()}
	h.m = NewWithConfig(ManagerConfig{
		Quota:         quota,
		Executor:      h.exec,
		Clock:         h.clk,
		Publisher:     h.pub,
		StatsInterval: -1,
	})
	t.Cleanup(func() { _ = h.m.Close(context.Background()) })
	return h
}

func (h *harness) register(t *testing.T, id string, memMB int64, p types.Priority) {
	t.Helper()
	if _, err := h.m.RegisterModel(context.Background(), types.ModelDescriptor{ID: id, MemoryMB: memMB, Priority: p}); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func (h *harness) loaded(id string) bool {
	inst := h.m.Instance(id)
	return inst != nil && inst.IsLoaded()
}

var errBoom = errors.New("boom")
