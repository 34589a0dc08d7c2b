package manager

import (
	"context"
	"math/rand"
	"sort"
	"testing"
	"time"

	"modelwarden/pkg/types"
)

func req(id string, p int) *ExecutionRequest {
	return newExecutionRequest(id, "m", types.InferRequest{}, p, time.Time{})
}

func TestRequestQueue_ScenarioB(t *testing.T) {
	q := NewRequestQueue(4)
	for i, p := range []int{250, 1000, 500} {
		q.Enqueue(req(string(rune('a'+i)), p))
	}
	var got []int
	for r := q.Dequeue(); r != nil; r = q.Dequeue() {
		got = append(got, r.Priority)
	}
	want := []int{1000, 500, 250}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestRequestQueue_StableForEqualPriority(t *testing.T) {
	q := NewRequestQueue(1)
	q.Enqueue(req("a", 500))
	q.Enqueue(req("b", 750))
	q.Enqueue(req("c", 500))
	q.Enqueue(req("d", 750))
	q.Enqueue(req("e", 500))
	var ids string
	for r := q.Dequeue(); r != nil; r = q.Dequeue() {
		ids += r.ID
	}
	if ids != "bdace" {
		t.Fatalf("dequeue order %q, want bdace", ids)
	}
}

func TestRequestQueue_RandomSequencesMatchStableSort(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for round := 0; round < 50; round++ {
		q := NewRequestQueue(1)
		var all []*ExecutionRequest
		n := 1 + rng.Intn(40)
		for i := 0; i < n; i++ {
			r := req(string(rune(i)), []int{250, 500, 750, 1000, 1200}[rng.Intn(5)])
			all = append(all, r)
			q.Enqueue(r)
		}
		sort.SliceStable(all, func(i, j int) bool { return all[i].Priority > all[j].Priority })
		for i, want := range all {
			if got := q.Dequeue(); got != want {
				t.Fatalf("round %d pos %d: got %q/%d want %q/%d", round, i, got.ID, got.Priority, want.ID, want.Priority)
			}
		}
		if q.Dequeue() != nil {
			t.Fatalf("queue should be empty")
		}
	}
}

func TestRequestQueue_AdmissionCeiling(t *testing.T) {
	q := NewRequestQueue(2)
	if q.CanAdmitMore() {
		t.Fatalf("empty queue must not admit")
	}
	for i := 0; i < 3; i++ {
		q.Enqueue(req("r", 500))
	}
	if q.tryAdmit() == nil || q.tryAdmit() == nil {
		t.Fatalf("expected two admissions")
	}
	if q.CanAdmitMore() || q.tryAdmit() != nil {
		t.Fatalf("ceiling of 2 exceeded")
	}
	q.MarkDone()
	if !q.CanAdmitMore() {
		t.Fatalf("expected capacity after MarkDone")
	}
	if q.InFlight() != 1 || q.Len() != 1 || q.MaxConcurrent() != 2 {
		t.Fatalf("inflight=%d len=%d max=%d", q.InFlight(), q.Len(), q.MaxConcurrent())
	}
}

func TestRequestQueue_ClearRejectsQueued(t *testing.T) {
	q := NewRequestQueue(1)
	a, b := req("a", 500), req("b", 250)
	q.Enqueue(a)
	q.Enqueue(b)
	if n := q.Clear("test"); n != 2 {
		t.Fatalf("cleared %d, want 2", n)
	}
	for _, r := range []*ExecutionRequest{a, b} {
		_, err := Handle{req: r}.Wait(context.Background())
		if !IsQueueCleared(err) {
			t.Fatalf("expected queue-cleared error, got %v", err)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("queue not empty")
	}
}

func TestExecutionRequest_SettlesOnce(t *testing.T) {
	r := req("a", 500)
	if !r.settle(types.InferResult{Content: "first"}, nil) {
		t.Fatalf("first settle should fire")
	}
	if r.settle(types.InferResult{}, errBoom) {
		t.Fatalf("second settle must be ignored")
	}
	res, err := Handle{req: r}.Wait(context.Background())
	if err != nil || res.Content != "first" {
		t.Fatalf("got %v %v", res, err)
	}
}

func TestHandleWaitHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (Handle{req: req("a", 1)}).Wait(ctx); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRequestPriority(t *testing.T) {
	cases := []struct {
		tier types.Priority
		opts ExecuteOptions
		want int
	}{
		{types.PriorityCritical, ExecuteOptions{}, 1000},
		{types.PriorityHigh, ExecuteOptions{}, 750},
		{types.PriorityMedium, ExecuteOptions{}, 500},
		{types.PriorityLow, ExecuteOptions{}, 250},
		{types.PriorityLow, ExecuteOptions{Urgent: true}, 450},
		{types.PriorityMedium, ExecuteOptions{UserID: "u"}, 550},
		{types.PriorityCritical, ExecuteOptions{Urgent: true, UserID: "u"}, 1250},
	}
	for _, c := range cases {
		if got := RequestPriority(c.tier, c.opts); got != c.want {
			t.Fatalf("%s %+v: got %d want %d", c.tier, c.opts, got, c.want)
		}
	}
}
