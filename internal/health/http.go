package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// HTTPService probes a service over HTTP. The process behind it is managed
// elsewhere, so Start and Stop are no-ops.
type HTTPService struct {
	URL    string
	Client *http.Client
}

// NewHTTPService returns an HTTP probe against url.
func NewHTTPService(url string) *HTTPService {
	return &HTTPService{URL: url, Client: http.DefaultClient}
}

// HealthCheck issues a GET. 2xx is healthy, 5xx unhealthy and anything else
// healthy but degraded.
func (h *HTTPService) HealthCheck(ctx context.Context) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return Result{}, err
	}
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	detail := fmt.Sprintf("HTTP %d", resp.StatusCode)
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Result{Healthy: true, Detail: detail}, nil
	case resp.StatusCode >= 500:
		return Result{Healthy: false, Detail: detail}, nil
	}
	return Result{Healthy: true, Degraded: true, Detail: detail}, nil
}

func (h *HTTPService) Start(context.Context) error { return nil }
func (h *HTTPService) Stop(context.Context) error  { return nil }
