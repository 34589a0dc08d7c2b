package manager

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// PrefetchResult is the outcome of one prefetch attempt.
type PrefetchResult struct {
	ID  string
	Err error
}

// PrefetchModels loads ids concurrently without preemption. Every attempt
// runs to completion; failures are logged and reported per id, never
// aborting the batch.
func (m *Manager) PrefetchModels(ctx context.Context, ids []string) []PrefetchResult {
	out := make([]PrefetchResult, len(ids))
	var g errgroup.Group
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			err := m.LoadModel(ctx, id, LoadOptions{Warmup: m.warmup})
			out[i] = PrefetchResult{ID: id, Err: err}
			if err != nil {
				m.log.Warn().Err(err).Str("model", id).Msg("prefetch_failed")
				m.publish("prefetch_failed", id, map[string]any{"err": err.Error()})
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Prefetch runs PrefetchModels as a detached background task.
func (m *Manager) Prefetch(ids []string) {
	go m.PrefetchModels(context.Background(), ids)
}
