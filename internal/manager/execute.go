package manager

import (
	"context"

	"github.com/google/uuid"

	"modelwarden/pkg/types"
)

// ExecuteRequest enqueues one request for modelID and returns its completion
// handle. A non-resident model is loaded first with immediate priority. The
// request always goes through the queue, even when capacity is free.
func (m *Manager) ExecuteRequest(ctx context.Context, modelID string, payload types.InferRequest, opts ExecuteOptions) (Handle, error) {
	inst := m.instance(modelID)
	if inst == nil {
		return Handle{}, ErrModelNotFound(modelID)
	}
	if !inst.IsLoaded() {
		if err := m.LoadModel(ctx, modelID, LoadOptions{Immediate: true, Warmup: m.warmup}); err != nil {
			return Handle{}, err
		}
	}
	desc := inst.Descriptor()
	req := newExecutionRequest(uuid.NewString(), modelID, payload, RequestPriority(desc.Priority, opts), m.clk.Now())

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return Handle{}, errClosed
	}
	m.queue.Enqueue(req)
	m.mu.RUnlock()

	m.log.Debug().Str("model", modelID).Str("request", req.ID).Int("priority", req.Priority).Msg("request_enqueued")
	m.publish("request_enqueued", modelID, map[string]any{"request": req.ID, "priority": req.Priority})
	m.drain()
	return Handle{req: req}, nil
}

// Execute is ExecuteRequest followed by Wait.
func (m *Manager) Execute(ctx context.Context, modelID string, payload types.InferRequest, opts ExecuteOptions) (string, types.InferResult, error) {
	h, err := m.ExecuteRequest(ctx, modelID, payload, opts)
	if err != nil {
		return "", types.InferResult{}, err
	}
	res, err := h.Wait(ctx)
	return h.ID(), res, err
}

// drain dispatches queued requests while capacity allows.
func (m *Manager) drain() {
	for {
		m.mu.RLock()
		if m.closed {
			m.mu.RUnlock()
			return
		}
		req := m.queue.tryAdmit()
		if req != nil {
			m.dispatches.Add(1)
		}
		m.observeQueueLocked()
		m.mu.RUnlock()
		if req == nil {
			return
		}
		go m.dispatch(req)
	}
}

// dispatch runs one admitted request to completion, then drains again.
func (m *Manager) dispatch(req *ExecutionRequest) {
	defer m.dispatches.Done()
	start := m.clk.Now()
	res, err := m.run(context.Background(), req)
	elapsed := m.clk.Since(start)

	m.mu.RLock()
	m.queue.MarkDone()
	m.observeQueueLocked()
	m.mu.RUnlock()
	req.settle(res, err)

	requestDuration.Observe(elapsed.Seconds())
	if err != nil {
		requestsTotal.WithLabelValues("error").Inc()
		m.log.Warn().Err(err).Str("model", req.ModelID).Str("request", req.ID).Msg("request_failed")
		m.publish("request_failed", req.ModelID, map[string]any{"request": req.ID, "err": err.Error()})
	} else {
		requestsTotal.WithLabelValues("ok").Inc()
		m.publish("request_completed", req.ModelID, map[string]any{"request": req.ID, "dur_ms": elapsed.Milliseconds()})
	}
	m.drain()
}

// run re-ensures residency (the model may have been unloaded while queued)
// and executes.
func (m *Manager) run(ctx context.Context, req *ExecutionRequest) (types.InferResult, error) {
	for attempt := 0; ; attempt++ {
		inst := m.instance(req.ModelID)
		if inst == nil {
			return types.InferResult{}, ErrModelNotFound(req.ModelID)
		}
		if !inst.IsLoaded() {
			if err := m.LoadModel(ctx, req.ModelID, LoadOptions{Immediate: true, Warmup: m.warmup}); err != nil {
				return types.InferResult{}, err
			}
		}
		res, err := inst.Execute(ctx, req.Payload)
		if IsNotLoaded(err) && attempt == 0 {
			continue
		}
		return res, err
	}
}
