package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"modelwarden/pkg/types"
)

// endpointExecutor serves models hosted by an OpenAI-compatible server
// (llama.cpp server, vLLM, Ollama). Residency is owned by the remote server;
// Load verifies reachability and Unload has nothing to release locally.
type endpointExecutor struct {
	apiKey     string
	reqTimeout time.Duration
	httpClient *http.Client
}

// NewEndpointExecutor constructs an HTTP-backed executor.
func NewEndpointExecutor(apiKey string, reqTimeout, connectTimeout time.Duration) Executor {
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	// Timeout=0: every call carries a context deadline instead.
	return &endpointExecutor{
		apiKey:     apiKey,
		reqTimeout: reqTimeout,
		httpClient: &http.Client{Transport: tr, Timeout: 0},
	}
}

// openAICompletionRequest represents the payload for /v1/completions.
type openAICompletionRequest struct {
	Model         string   `json:"model,omitempty"`
	Prompt        string   `json:"prompt"`
	MaxTokens     int      `json:"max_tokens,omitempty"`
	Temperature   float64  `json:"temperature,omitempty"`
	TopP          float64  `json:"top_p,omitempty"`
	TopK          int      `json:"top_k,omitempty"`
	Stop          []string `json:"stop,omitempty"`
	Seed          int64    `json:"seed,omitempty"`
	Stream        bool     `json:"stream"`
	RepeatPenalty float64  `json:"repeat_penalty,omitempty"`
}

type openAICompletionResponse struct {
	Choices []struct {
		Text         string `json:"text"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func baseURL(desc types.ModelDescriptor) string { return strings.TrimRight(desc.Endpoint, "/") }

// Load checks that the endpoint answers GET /v1/models.
func (e *endpointExecutor) Load(ctx context.Context, desc types.ModelDescriptor, _ LoadOptions) error {
	if strings.TrimSpace(desc.Endpoint) == "" {
		return fmt.Errorf("model %s has no endpoint", desc.ID)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(desc)+"/v1/models", nil)
	if err != nil {
		return err
	}
	e.authorize(req)
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint health: %s", resp.Status)
	}
	return nil
}

func (e *endpointExecutor) Unload(context.Context, types.ModelDescriptor) error { return nil }

func (e *endpointExecutor) Execute(ctx context.Context, desc types.ModelDescriptor, in types.InferRequest) (types.InferResult, error) {
	if e.reqTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.reqTimeout)
		defer cancel()
	}
	payload := openAICompletionRequest{
		Model:         desc.ID,
		Prompt:        in.Prompt,
		MaxTokens:     in.MaxTokens,
		Temperature:   in.Temperature,
		TopP:          in.TopP,
		TopK:          in.TopK,
		Stop:          in.Stop,
		Seed:          in.Seed,
		RepeatPenalty: in.RepeatPenalty,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return types.InferResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL(desc)+"/v1/completions", bytes.NewReader(body))
	if err != nil {
		return types.InferResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	e.authorize(req)
	resp, err := e.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return types.InferResult{}, ctx.Err()
		}
		return types.InferResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return types.InferResult{}, fmt.Errorf("endpoint http error: %s: %s", resp.Status, string(b))
	}
	var out openAICompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return types.InferResult{}, fmt.Errorf("decode completion: %w", err)
	}
	res := types.InferResult{
		Usage: types.Usage{
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
			TotalTokens:      out.Usage.TotalTokens,
		},
	}
	if len(out.Choices) > 0 {
		res.Content = out.Choices[0].Text
		res.FinishReason = out.Choices[0].FinishReason
	}
	return res, nil
}

// Warmup sends a one-token completion so the server pages the weights in.
func (e *endpointExecutor) Warmup(ctx context.Context, desc types.ModelDescriptor) error {
	_, err := e.Execute(ctx, desc, types.InferRequest{Prompt: " ", MaxTokens: 1})
	return err
}

func (e *endpointExecutor) authorize(req *http.Request) {
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}
}
