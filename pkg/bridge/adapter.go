// Package bridge executes calls against external legacy systems through
// a uniform adapter contract, under strict timeout, single-retry,
// idempotency, and fallback-to-manual rules. Adapters are dispatched by
// name through the Registry, never by runtime type inspection.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/civicmesh/bridgegate/pkg/classification"
)

// HealthState is the adapter connection health.
type HealthState string

const (
	HealthConnected    HealthState = "connected"
	HealthDegraded     HealthState = "degraded"
	HealthDisconnected HealthState = "disconnected"
)

// HealthStatus is one health-check observation.
type HealthStatus struct {
	State         HealthState `json:"state"`
	LatencyMillis int64       `json:"latency_ms"`
	Detail        string      `json:"detail,omitempty"`
}

// Request is the normalized request sent to an adapter. The idempotency
// key is inherited from the originating action; retries reuse it so a
// deduplicating legacy system will not double-apply a write.
type Request struct {
	Operation      string                 `json:"operation"`
	Params         map[string]interface{} `json:"params,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key"`
	// Attempt is 0 for the first call and 1 for the single retry.
	Attempt int `json:"attempt"`
}

// Response is the normalized adapter response. Classification is the
// adapter's assessment of the returned data; the executor floors it at
// the adapter's declared minimum.
type Response struct {
	Data           interface{}          `json:"data,omitempty"`
	Classification classification.Level `json:"classification"`
}

// OperationSchema describes one adapter operation. ParamsSchema, when
// non-empty, is a JSON Schema document the executor validates request
// params against before dispatch.
type OperationSchema struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	ParamsSchema string `json:"params_schema,omitempty"`
	// Write marks operations that mutate the external system.
	Write bool `json:"write,omitempty"`
}

// AdapterSchema describes an adapter's capability set.
type AdapterSchema struct {
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	Minimum     classification.Level `json:"minimum_classification"`
	Operations  []OperationSchema    `json:"operations"`
}

// Operation returns the named operation schema, if declared.
func (s AdapterSchema) Operation(name string) (OperationSchema, bool) {
	for _, op := range s.Operations {
		if op.Name == name {
			return op, true
		}
	}
	return OperationSchema{}, false
}

// Adapter is the fixed capability set every legacy-system integration
// implements. Query must return typed errors (AdapterError), never raw
// transport failures.
type Adapter interface {
	Name() string
	HealthCheck(ctx context.Context) HealthStatus
	Query(ctx context.Context, req Request) (*Response, error)
	Schema() AdapterSchema
	MinimumClassification() classification.Level
}

// ErrAdapterNotFound reports a registry miss.
var ErrAdapterNotFound = errors.New("adapter not found")

// ErrorKind classifies adapter failures for retry policy.
type ErrorKind string

const (
	// KindUnavailable covers connection failures and 5xx-class errors;
	// eligible for the single retry.
	KindUnavailable ErrorKind = "adapter_unavailable"
	// KindTimeout covers deadline expiry; eligible for the single retry.
	KindTimeout ErrorKind = "adapter_timeout"
	// KindRejected covers 4xx-class errors where the request itself is
	// invalid. Never retried.
	KindRejected ErrorKind = "adapter_rejected"
)

// AdapterError is the typed failure adapters return from Query.
type AdapterError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *AdapterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// Unavailable builds a retryable connection-class error.
func Unavailable(msg string, err error) *AdapterError {
	return &AdapterError{Kind: KindUnavailable, Message: msg, Err: err}
}

// Timeout builds a retryable deadline error.
func Timeout(msg string, err error) *AdapterError {
	return &AdapterError{Kind: KindTimeout, Message: msg, Err: err}
}

// Rejected builds a non-retryable invalid-request error.
func Rejected(msg string, err error) *AdapterError {
	return &AdapterError{Kind: KindRejected, Message: msg, Err: err}
}

// KindOf extracts the error kind, treating context deadline expiry as a
// timeout and anything untyped as unavailable.
func KindOf(err error) ErrorKind {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnavailable
}

// Retryable reports whether the failure is eligible for the single
// retry.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindUnavailable:
		return true
	default:
		return false
	}
}

// Clock supplies time; injected for deterministic tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }
