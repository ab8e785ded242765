package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/time/rate"

	"github.com/civicmesh/bridgegate/pkg/audit"
	"github.com/civicmesh/bridgegate/pkg/classification"
)

// Status is the terminal outcome of one executed bridge call.
type Status string

const (
	// StatusSuccess means the adapter answered within budget.
	StatusSuccess Status = "success"
	// StatusFailed means the request itself was bad. No amount of
	// retrying fixes it.
	StatusFailed Status = "failed"
	// StatusFallbackToManual means the external system could not be
	// reached inside the retry budget. A human completes the task
	// through the legacy interface.
	StatusFallbackToManual Status = "fallback_to_manual"
)

// CallRecord is one attempt against an adapter.
type CallRecord struct {
	Attempt        int       `json:"attempt"`
	StartedAt      time.Time `json:"started_at"`
	DurationMillis int64     `json:"duration_ms"`
	Outcome        string    `json:"outcome"`
	Error          string    `json:"error,omitempty"`
}

// Result is the outcome of Execute, including the full attempt history.
type Result struct {
	Status         Status               `json:"status"`
	Payload        interface{}          `json:"payload,omitempty"`
	Classification classification.Level `json:"classification"`
	Reason         string               `json:"reason,omitempty"`
	Calls          []CallRecord         `json:"calls"`
}

// AuditSink receives one immutable fact per observable bridge event.
type AuditSink interface {
	Append(ev audit.Event) (*audit.Entry, error)
}

// Config tunes the executor. Zero values select the defaults.
type Config struct {
	// DefaultTimeout bounds a single adapter attempt.
	DefaultTimeout time.Duration
	// Timeouts overrides DefaultTimeout per adapter name.
	Timeouts map[string]time.Duration
	// HealthStaleness is how old a cached health observation may be
	// before the adapter is treated as unknown and calls fall back.
	HealthStaleness time.Duration
	// RateLimit and RateBurst throttle calls per adapter. Zero means
	// unthrottled.
	RateLimit rate.Limit
	RateBurst int
}

const (
	defaultAttemptTimeout  = 10 * time.Second
	defaultHealthStaleness = 30 * time.Second
	maxAttempts            = 2
)

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = defaultAttemptTimeout
	}
	if c.HealthStaleness <= 0 {
		c.HealthStaleness = defaultHealthStaleness
	}
	if c.RateLimit <= 0 {
		c.RateLimit = rate.Inf
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	return c
}

// Executor drives calls through registered adapters under the timeout,
// single-retry, and fallback rules, writing one audit fact per attempt.
type Executor struct {
	registry *Registry
	trail    AuditSink
	clock    Clock
	cfg      Config
	logger   *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	schemas  map[string]*jsonschema.Schema
}

// NewExecutor builds an executor over the registry and audit sink. A
// nil clock selects wall time.
func NewExecutor(registry *Registry, trail AuditSink, clock Clock, cfg Config) *Executor {
	if clock == nil {
		clock = wallClock{}
	}
	return &Executor{
		registry: registry,
		trail:    trail,
		clock:    clock,
		cfg:      cfg.withDefaults(),
		logger:   slog.Default().With("component", "bridge.executor"),
		limiters: make(map[string]*rate.Limiter),
		schemas:  make(map[string]*jsonschema.Schema),
	}
}

// Execute runs one operation against the named adapter on behalf of
// actor. Pre-flight failures never touch the external system: invalid
// params fail outright, while an absent, unhealthy, or unknown-health
// adapter falls back to manual with zero attempts.
func (e *Executor) Execute(ctx context.Context, actor, adapterName string, req Request) (*Result, error) {
	adapter, err := e.registry.Get(adapterName)
	if err != nil {
		return e.fallback(actor, adapterName, req, nil, fmt.Sprintf("unknown adapter %q", adapterName))
	}

	if ok, why := e.registry.Available(adapterName, e.cfg.HealthStaleness); !ok {
		return e.fallback(actor, adapterName, req, nil, why)
	}

	op, declared := adapter.Schema().Operation(req.Operation)
	if !declared {
		return e.failed(actor, adapterName, req, fmt.Sprintf("operation %q not declared by adapter", req.Operation))
	}
	if err := e.validateParams(adapterName, op, req.Params); err != nil {
		return e.failed(actor, adapterName, req, fmt.Sprintf("params rejected: %v", err))
	}

	if err := e.limiterFor(adapterName).Wait(ctx); err != nil {
		return nil, fmt.Errorf("bridge: rate limit wait: %w", err)
	}

	minimum := adapter.MinimumClassification()
	timeout := e.timeoutFor(adapterName)
	calls := make([]CallRecord, 0, maxAttempts)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		req.Attempt = attempt
		start := e.clock.Now()
		resp, qerr := e.query(ctx, adapter, req, timeout)
		rec := CallRecord{
			Attempt:        attempt,
			StartedAt:      start,
			DurationMillis: e.clock.Now().Sub(start).Milliseconds(),
		}

		if qerr == nil {
			rec.Outcome = "success"
			calls = append(calls, rec)
			level := classification.Max(resp.Classification, minimum)
			if err := e.recordCall(actor, adapterName, req, rec, level); err != nil {
				return nil, err
			}
			return &Result{
				Status:         StatusSuccess,
				Payload:        resp.Data,
				Classification: level,
				Calls:          calls,
			}, nil
		}

		kind := KindOf(qerr)
		rec.Outcome = string(kind)
		rec.Error = qerr.Error()
		calls = append(calls, rec)
		if err := e.recordCall(actor, adapterName, req, rec, minimum); err != nil {
			return nil, err
		}

		if !Retryable(qerr) {
			return e.finish(actor, adapterName, req, &Result{
				Status:         StatusFailed,
				Classification: minimum,
				Reason:         qerr.Error(),
				Calls:          calls,
			})
		}
		e.logger.Warn("adapter attempt failed",
			"adapter", adapterName, "operation", req.Operation,
			"attempt", attempt, "kind", string(kind), "error", qerr)
	}

	return e.fallback(actor, adapterName, req, calls, "retry budget exhausted")
}

// query runs one attempt under its own deadline. A response arriving
// after the deadline is drained and logged so a write that already
// landed in the external system is not silently lost.
func (e *Executor) query(ctx context.Context, a Adapter, req Request, timeout time.Duration) (*Response, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		resp *Response
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		resp, err := a.Query(cctx, req)
		ch <- outcome{resp: resp, err: err}
	}()

	select {
	case out := <-ch:
		return out.resp, out.err
	case <-cctx.Done():
		go func() {
			out := <-ch
			if out.err == nil {
				e.logger.Warn("late adapter response after deadline",
					"adapter", a.Name(), "operation", req.Operation,
					"attempt", req.Attempt, "idempotency_key", req.IdempotencyKey)
			}
		}()
		return nil, Timeout("attempt exceeded deadline", cctx.Err())
	}
}

func (e *Executor) validateParams(adapterName string, op OperationSchema, params map[string]interface{}) error {
	if op.ParamsSchema == "" {
		return nil
	}
	schema, err := e.schemaFor(adapterName, op)
	if err != nil {
		return err
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	return schema.Validate(params)
}

func (e *Executor) schemaFor(adapterName string, op OperationSchema) (*jsonschema.Schema, error) {
	key := adapterName + "/" + op.Name
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.schemas[key]; ok {
		return s, nil
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://bridgegate.schemas.local/adapters/%s.schema.json", key)
	if err := c.AddResource(url, strings.NewReader(op.ParamsSchema)); err != nil {
		return nil, fmt.Errorf("schema load for %s: %w", key, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema compile for %s: %w", key, err)
	}
	e.schemas[key] = compiled
	return compiled, nil
}

func (e *Executor) limiterFor(name string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.limiters[name]
	if !ok {
		l = rate.NewLimiter(e.cfg.RateLimit, e.cfg.RateBurst)
		e.limiters[name] = l
	}
	return l
}

func (e *Executor) timeoutFor(name string) time.Duration {
	if t, ok := e.cfg.Timeouts[name]; ok && t > 0 {
		return t
	}
	return e.cfg.DefaultTimeout
}

func (e *Executor) failed(actor, adapterName string, req Request, reason string) (*Result, error) {
	return e.finish(actor, adapterName, req, &Result{
		Status:         StatusFailed,
		Classification: classification.Internal,
		Reason:         reason,
	})
}

func (e *Executor) fallback(actor, adapterName string, req Request, calls []CallRecord, reason string) (*Result, error) {
	res := &Result{
		Status:         StatusFallbackToManual,
		Classification: classification.Internal,
		Reason:         reason,
		Calls:          calls,
	}
	e.logger.Warn("bridge call falling back to manual",
		"adapter", adapterName, "operation", req.Operation, "reason", reason)
	return e.finish(actor, adapterName, req, res)
}

// finish writes the terminal outcome fact. The fact must be durable
// before the result is returned.
func (e *Executor) finish(actor, adapterName string, req Request, res *Result) (*Result, error) {
	_, err := e.trail.Append(audit.Event{
		Actor:          actor,
		Action:         "bridge_outcome",
		Resource:       "adapter:" + adapterName,
		Classification: res.Classification,
		Details: map[string]interface{}{
			"operation":       req.Operation,
			"idempotency_key": req.IdempotencyKey,
			"status":          string(res.Status),
			"reason":          res.Reason,
			"attempts":        len(res.Calls),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("bridge: record outcome: %w", err)
	}
	return res, nil
}

func (e *Executor) recordCall(actor, adapterName string, req Request, rec CallRecord, level classification.Level) error {
	_, err := e.trail.Append(audit.Event{
		Actor:          actor,
		Action:         "bridge_call",
		Resource:       "adapter:" + adapterName,
		Classification: level,
		Details: map[string]interface{}{
			"operation":       req.Operation,
			"idempotency_key": req.IdempotencyKey,
			"attempt":         rec.Attempt,
			"outcome":         rec.Outcome,
			"duration_ms":     rec.DurationMillis,
			"error":           rec.Error,
		},
	})
	if err != nil {
		return fmt.Errorf("bridge: record call: %w", err)
	}
	return nil
}
