package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/civicmesh/bridgegate/pkg/bridge"
	"github.com/civicmesh/bridgegate/pkg/classification"
)

// HTTPConfig wires an HTTPAdapter to a remote legacy endpoint.
type HTTPConfig struct {
	Name        string
	Description string
	BaseURL     string
	Minimum     classification.Level
	Operations  []bridge.OperationSchema
	// BreakerThreshold and BreakerReset tune the circuit breaker.
	// Zero values select 5 failures and a 10 second reset.
	BreakerThreshold int
	BreakerReset     time.Duration
	// Headers are sent on every request, auth tokens usually.
	Headers map[string]string
}

// HTTPAdapter calls a legacy system over JSON-per-operation HTTP. Each
// operation posts its params to {base}/{operation}, carrying the
// idempotency key in the Idempotency-Key header. A circuit breaker
// sheds calls after repeated failures so an outage does not tie up the
// executor's retry budget on every request.
type HTTPAdapter struct {
	cfg     HTTPConfig
	client  *http.Client
	breaker *bridge.CircuitBreaker
}

// NewHTTPAdapter builds an adapter over the given client. A nil client
// selects http.DefaultClient; per-call deadlines come from the
// executor's context, not the client.
func NewHTTPAdapter(cfg HTTPConfig, client *http.Client) (*HTTPAdapter, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("adapters: http adapter requires a name")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("adapters: http adapter %q requires a base url", cfg.Name)
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerReset <= 0 {
		cfg.BreakerReset = 10 * time.Second
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPAdapter{
		cfg:     cfg,
		client:  client,
		breaker: bridge.NewCircuitBreaker(cfg.Name, cfg.BreakerThreshold, cfg.BreakerReset, nil),
	}, nil
}

func (h *HTTPAdapter) Name() string { return h.cfg.Name }

func (h *HTTPAdapter) MinimumClassification() classification.Level { return h.cfg.Minimum }

func (h *HTTPAdapter) Schema() bridge.AdapterSchema {
	return bridge.AdapterSchema{
		Name:        h.cfg.Name,
		Description: h.cfg.Description,
		Minimum:     h.cfg.Minimum,
		Operations:  h.cfg.Operations,
	}
}

func (h *HTTPAdapter) HealthCheck(ctx context.Context) bridge.HealthStatus {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url("health"), nil)
	if err != nil {
		return bridge.HealthStatus{State: bridge.HealthDisconnected, Detail: err.Error()}
	}
	h.setHeaders(req)
	resp, err := h.client.Do(req)
	if err != nil {
		return bridge.HealthStatus{State: bridge.HealthDisconnected, Detail: err.Error()}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	switch {
	case resp.StatusCode < 300:
		return bridge.HealthStatus{State: bridge.HealthConnected}
	case resp.StatusCode < 500:
		return bridge.HealthStatus{State: bridge.HealthDegraded, Detail: resp.Status}
	default:
		return bridge.HealthStatus{State: bridge.HealthDisconnected, Detail: resp.Status}
	}
}

func (h *HTTPAdapter) Query(ctx context.Context, req bridge.Request) (*bridge.Response, error) {
	if !h.breaker.Allow() {
		return nil, bridge.Unavailable("circuit breaker open", nil)
	}

	body, err := json.Marshal(req.Params)
	if err != nil {
		return nil, bridge.Rejected("params not serializable", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url(req.Operation), bytes.NewReader(body))
	if err != nil {
		return nil, bridge.Rejected("request build failed", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	if req.IdempotencyKey != "" {
		hreq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}
	h.setHeaders(hreq)

	resp, err := h.client.Do(hreq)
	if err != nil {
		h.breaker.Failure()
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, bridge.Timeout("request deadline exceeded", err)
		}
		return nil, bridge.Unavailable("request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		h.breaker.Success()
		var data interface{}
		if err := json.NewDecoder(resp.Body).Decode(&data); err != nil && !errors.Is(err, io.EOF) {
			return nil, bridge.Unavailable("response decode failed", err)
		}
		return &bridge.Response{Data: data, Classification: h.cfg.Minimum}, nil
	case resp.StatusCode < 500:
		// The request itself is bad; the remote system is fine.
		h.breaker.Success()
		return nil, bridge.Rejected(fmt.Sprintf("remote rejected request: %s", resp.Status), nil)
	default:
		h.breaker.Failure()
		return nil, bridge.Unavailable(fmt.Sprintf("remote error: %s", resp.Status), nil)
	}
}

func (h *HTTPAdapter) url(path string) string {
	return strings.TrimRight(h.cfg.BaseURL, "/") + "/" + path
}

func (h *HTTPAdapter) setHeaders(req *http.Request) {
	for k, v := range h.cfg.Headers {
		req.Header.Set(k, v)
	}
}
