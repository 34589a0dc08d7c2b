//go:build llama

package manager

import (
	"context"
	"errors"
	"strings"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"

	"modelwarden/pkg/types"
)

// llamaBuilt indicates this binary was compiled with real llama support.
var llamaBuilt = true

// llamaExecutor runs GGUF models in-process, one llama context per model id.
type llamaExecutor struct {
	ctxSize int
	threads int

	mu     sync.Mutex
	models map[string]*llamaModel
}

// llamaModel serializes Predict calls; a llama context is not reentrant.
type llamaModel struct {
	mu    sync.Mutex
	model *llama.LLama
}

// NewLlamaExecutor constructs the in-process executor.
func NewLlamaExecutor(ctxSize, threads int) Executor {
	return &llamaExecutor{ctxSize: ctxSize, threads: threads, models: make(map[string]*llamaModel)}
}

func (e *llamaExecutor) Load(ctx context.Context, desc types.ModelDescriptor, _ LoadOptions) error {
	if strings.TrimSpace(desc.Path) == "" {
		return errors.New("model path is empty")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	if _, ok := e.models[desc.ID]; ok {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	ctxSize := e.ctxSize
	if desc.ContextLength > 0 && (ctxSize <= 0 || desc.ContextLength < ctxSize) {
		ctxSize = desc.ContextLength
	}
	mo := []llama.ModelOption{llama.SetContext(ctxSize)}
	m, err := llama.New(desc.Path, mo...)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.models[desc.ID] = &llamaModel{model: m}
	e.mu.Unlock()
	return nil
}

func (e *llamaExecutor) Unload(_ context.Context, desc types.ModelDescriptor) error {
	e.mu.Lock()
	lm := e.models[desc.ID]
	delete(e.models, desc.ID)
	e.mu.Unlock()
	if lm == nil {
		return nil
	}
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.model != nil {
		lm.model.Free()
		lm.model = nil
	}
	return nil
}

func (e *llamaExecutor) Execute(ctx context.Context, desc types.ModelDescriptor, req types.InferRequest) (types.InferResult, error) {
	e.mu.Lock()
	lm := e.models[desc.ID]
	e.mu.Unlock()
	if lm == nil {
		return types.InferResult{}, errors.New("llama model not initialized")
	}
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.model == nil {
		return types.InferResult{}, errors.New("llama model not initialized")
	}
	// Stop generation when the caller goes away.
	lm.model.SetTokenCallback(func(string) bool {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	})
	text, err := lm.model.Predict(req.Prompt, predictOptions(req, e.threads)...)
	if err != nil {
		if ctx.Err() != nil {
			return types.InferResult{}, ctx.Err()
		}
		return types.InferResult{}, err
	}
	return types.InferResult{Content: text, FinishReason: "stop"}, nil
}

// Warmup evaluates a single token.
func (e *llamaExecutor) Warmup(ctx context.Context, desc types.ModelDescriptor) error {
	_, err := e.Execute(ctx, desc, types.InferRequest{Prompt: " ", MaxTokens: 1})
	return err
}

func zn(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func zf(v float64, def float32) float32 {
	if v > 0 {
		return float32(v)
	}
	return def
}

// predictOptions converts request sampling params into go-llama.cpp options.
func predictOptions(req types.InferRequest, threads int) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetTokens(max(1, req.MaxTokens)),
		llama.SetThreads(max(1, threads)),
		llama.SetTopP(zf(req.TopP, llama.DefaultOptions.TopP)),
		llama.SetTopK(zn(req.TopK, llama.DefaultOptions.TopK)),
		llama.SetTemperature(zf(req.Temperature, llama.DefaultOptions.Temperature)),
		llama.SetPenalty(zf(req.RepeatPenalty, llama.DefaultOptions.Penalty)),
	}
	if req.Seed != 0 {
		po = append(po, llama.SetSeed(int(req.Seed)))
	}
	if len(req.Stop) > 0 {
		po = append(po, llama.SetStopWords(req.Stop...))
	}
	return po
}
