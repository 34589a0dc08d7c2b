package manager

import (
	"context"
	"sort"
	"sync"
	"time"

	"modelwarden/pkg/types"
)

// Priority bases per tier and caller bonuses.
const (
	priorityCritical = 1000
	priorityHigh     = 750
	priorityMedium   = 500
	priorityLow      = 250
	bonusUrgent      = 200
	bonusUser        = 50
)

// RequestPriority derives the numeric queue priority of a request.
func RequestPriority(tier types.Priority, opts ExecuteOptions) int {
	var p int
	switch tier {
	case types.PriorityCritical:
		p = priorityCritical
	case types.PriorityHigh:
		p = priorityHigh
	case types.PriorityLow:
		p = priorityLow
	default:
		p = priorityMedium
	}
	if opts.Urgent {
		p += bonusUrgent
	}
	if opts.UserID != "" {
		p += bonusUser
	}
	return p
}

// ExecutionRequest is one queued unit of work. Exactly one of resolve or
// reject takes effect, once.
type ExecutionRequest struct {
	ID          string
	ModelID     string
	Payload     types.InferRequest
	Priority    int
	SubmittedAt time.Time

	once   sync.Once
	done   chan struct{}
	result types.InferResult
	err    error
}

func newExecutionRequest(id, modelID string, payload types.InferRequest, priority int, at time.Time) *ExecutionRequest {
	return &ExecutionRequest{
		ID:          id,
		ModelID:     modelID,
		Payload:     payload,
		Priority:    priority,
		SubmittedAt: at,
		done:        make(chan struct{}),
	}
}

func (r *ExecutionRequest) settle(res types.InferResult, err error) bool {
	fired := false
	r.once.Do(func() {
		r.result, r.err = res, err
		close(r.done)
		fired = true
	})
	return fired
}

// Handle is the caller's single-fire view of a queued request.
type Handle struct {
	req *ExecutionRequest
}

// ID returns the generated request id.
func (h Handle) ID() string { return h.req.ID }

// Done is closed once the request has settled.
func (h Handle) Done() <-chan struct{} { return h.req.done }

// Wait blocks until the request settles or ctx ends. A ctx expiry only
// abandons interest; a dispatched request still runs to completion.
func (h Handle) Wait(ctx context.Context) (types.InferResult, error) {
	select {
	case <-h.req.done:
		return h.req.result, h.req.err
	case <-ctx.Done():
		return types.InferResult{}, ctx.Err()
	}
}

// RequestQueue is a priority-ordered pending list plus an in-flight counter
// bounded by maxConcurrent. Equal priorities keep submission order.
type RequestQueue struct {
	mu            sync.Mutex
	items         []*ExecutionRequest
	inflight      int
	maxConcurrent int
}

// NewRequestQueue returns an empty queue with the given concurrency ceiling.
func NewRequestQueue(maxConcurrent int) *RequestQueue {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &RequestQueue{maxConcurrent: maxConcurrent}
}

// Enqueue inserts r before the first element with strictly lower priority.
func (q *RequestQueue) Enqueue(r *ExecutionRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := sort.Search(len(q.items), func(i int) bool { return q.items[i].Priority < r.Priority })
	q.items = append(q.items, nil)
	copy(q.items[idx+1:], q.items[idx:])
	q.items[idx] = r
}

// Dequeue removes and returns the head, or nil when empty.
func (q *RequestQueue) Dequeue() *ExecutionRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	r := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return r
}

// tryAdmit dequeues the head and marks it in flight when capacity allows.
func (q *RequestQueue) tryAdmit() *ExecutionRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inflight >= q.maxConcurrent || len(q.items) == 0 {
		return nil
	}
	r := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.inflight++
	return r
}

// CanAdmitMore reports whether a queued request may start now.
func (q *RequestQueue) CanAdmitMore() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inflight < q.maxConcurrent && len(q.items) > 0
}

// MarkInFlight records a dispatched request.
func (q *RequestQueue) MarkInFlight() {
	q.mu.Lock()
	q.inflight++
	q.mu.Unlock()
}

// MarkDone records a settled request.
func (q *RequestQueue) MarkDone() {
	q.mu.Lock()
	if q.inflight > 0 {
		q.inflight--
	}
	q.mu.Unlock()
}

// Clear rejects every queued request with a queue-cleared error and returns
// how many were dropped. In-flight requests are unaffected.
func (q *RequestQueue) Clear(reason string) int {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	for _, r := range items {
		r.settle(types.InferResult{}, queueClearedError{reason: reason})
	}
	return len(items)
}

// Len is the number of queued requests.
func (q *RequestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// InFlight is the number of dispatched, unsettled requests.
func (q *RequestQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inflight
}

// MaxConcurrent is the concurrency ceiling.
func (q *RequestQueue) MaxConcurrent() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.maxConcurrent
}

// priorities lists queued priorities head first.
func (q *RequestQueue) priorities() []int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]int, len(q.items))
	for i, r := range q.items {
		out[i] = r.Priority
	}
	return out
}
