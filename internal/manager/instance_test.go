package manager

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelwarden/internal/events"
	"modelwarden/pkg/types"
)

func newTestInstance(exec Executor, clk clock.Clock, p types.Priority, onIdle func(string)) (*Instance, *events.MemoryPublisher) {
	pub := events.NewMemoryPublisher()
	inst := newInstance(types.ModelDescriptor{ID: "m", MemoryMB: 100, Priority: p}, instanceConfig{
		exec:       exec,
		clk:        clk,
		idleBase:   time.Minute,
		statsEvery: 10 * time.Second,
		onIdle:     onIdle,
		pub:        pub,
		log:        zerolog.Nop(),
	})
	return inst, pub
}

func TestInstance_ExecuteRequiresLoad(t *testing.T) {
	inst, _ := newTestInstance(newFakeExecutor(), clock.NewMock(), types.PriorityMedium, nil)
	_, err := inst.Execute(context.Background(), types.InferRequest{Prompt: "x"})
	if !IsNotLoaded(err) {
		t.Fatalf("expected not-loaded error, got %v", err)
	}
	if inst.State() != StateUnloaded {
		t.Fatalf("state %s", inst.State())
	}
}

func TestInstance_LoadStampsAndUnloadClears(t *testing.T) {
	clk := clock.NewMock()
	clk.Add(time.Hour)
	inst, _ := newTestInstance(newFakeExecutor(), clk, types.PriorityMedium, nil)
	require.NoError(t, inst.Load(context.Background(), LoadOptions{}))
	d := inst.Descriptor()
	assert.True(t, d.IsLoaded)
	assert.Equal(t, clk.Now(), d.LoadedAt)

	require.NoError(t, inst.Unload(context.Background()))
	d = inst.Descriptor()
	assert.False(t, d.IsLoaded)
	assert.True(t, d.LoadedAt.IsZero())
	assert.Equal(t, StateUnloaded, inst.State())
}

func TestInstance_UsageStatsMovingAverage(t *testing.T) {
	clk := clock.NewMock()
	exec := newFakeExecutor()
	inst, _ := newTestInstance(exec, clk, types.PriorityMedium, nil)
	require.NoError(t, inst.Load(context.Background(), LoadOptions{}))

	_, err := inst.Execute(context.Background(), types.InferRequest{Prompt: "ok"})
	require.NoError(t, err)
	exec.execErr = errBoom
	_, err = inst.Execute(context.Background(), types.InferRequest{Prompt: "fail"})
	require.Error(t, err)

	st := inst.Stats()
	assert.Equal(t, int64(2), st.RequestCount)
	assert.Equal(t, int64(1), st.ErrorCount)
	assert.InDelta(t, 0.9, st.SuccessRate, 1e-9)
	assert.Equal(t, int64(2), inst.Descriptor().UseCount)
	assert.Contains(t, inst.status().LastError, "boom")
}

func TestInstance_WarmupFailureIsNonFatal(t *testing.T) {
	exec := newFakeExecutor()
	exec.warmErr = errBoom
	inst, pub := newTestInstance(exec, clock.NewMock(), types.PriorityMedium, nil)
	require.NoError(t, inst.Load(context.Background(), LoadOptions{Warmup: true}))
	assert.True(t, inst.IsLoaded())
	assert.Equal(t, 1, exec.warmups)
	assert.Equal(t, 1, pub.Count("warmup_failed"))
}

func TestInstance_IdleSignalDoesNotUnload(t *testing.T) {
	clk := clock.NewMock()
	fired := make(chan string, 1)
	inst, _ := newTestInstance(newFakeExecutor(), clk, types.PriorityLow, func(id string) { fired <- id })
	require.NoError(t, inst.Load(context.Background(), LoadOptions{}))

	clk.Add(31 * time.Second)
	select {
	case id := <-fired:
		assert.Equal(t, "m", id)
	case <-time.After(time.Second):
		t.Fatalf("idle signal not fired")
	}
	assert.True(t, inst.IsLoaded(), "instance never unloads itself")
}

func TestInstance_IdleTimeoutByTier(t *testing.T) {
	base := 10 * time.Minute
	cases := map[types.Priority]time.Duration{
		types.PriorityCritical: 60 * time.Minute,
		types.PriorityHigh:     30 * time.Minute,
		types.PriorityMedium:   10 * time.Minute,
		types.PriorityLow:      5 * time.Minute,
	}
	for p, want := range cases {
		if got := idleTimeoutFor(p, base); got != want {
			t.Fatalf("%s: got %s want %s", p, got, want)
		}
	}
	if got := idleTimeoutFor(types.PriorityHigh, -1); got != 0 {
		t.Fatalf("disabled base should yield 0, got %s", got)
	}
}

func TestInstance_SamplesResourceStats(t *testing.T) {
	clk := clock.NewMock()
	inst, _ := newTestInstance(newFakeExecutor(), clk, types.PriorityMedium, nil)
	require.NoError(t, inst.Load(context.Background(), LoadOptions{}))
	defer inst.close()

	require.Eventually(t, func() bool {
		clk.Add(10 * time.Second)
		st := inst.status()
		return st.Resources != nil && st.Resources.MemoryUsedMB == 42
	}, time.Second, 5*time.Millisecond)
}
