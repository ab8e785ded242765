package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/civicmesh/bridgegate/pkg/audit"
	"github.com/civicmesh/bridgegate/pkg/bridge"
	"github.com/civicmesh/bridgegate/pkg/classification"
	"github.com/civicmesh/bridgegate/pkg/policy"
)

// Executor hands an approved or ungated action to the bridge layer.
type Executor interface {
	Execute(ctx context.Context, actor, adapterName string, req bridge.Request) (*bridge.Result, error)
}

// Recorder receives one immutable fact per state transition.
type Recorder interface {
	Append(ev audit.Event) (*audit.Entry, error)
}

// Clock supplies time; injected for deterministic tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Config tunes the engine. Zero values select the defaults.
type Config struct {
	// Lease guards idempotency keys across engine instances. Nil means
	// single-instance, in-process guarding only.
	Lease Lease
	// LeaseTTL bounds how long a crashed instance can hold a key.
	LeaseTTL time.Duration
	// UngatedResultTTL bounds how long an ungated action's result is
	// held for idempotent replay. Expired entries are evicted lazily.
	UngatedResultTTL time.Duration
}

const (
	defaultLeaseTTL   = 30 * time.Second
	defaultUngatedTTL = time.Hour
)

// ungatedEntry is one cached ungated result, evicted after the TTL.
type ungatedEntry struct {
	res *bridge.Result
	at  time.Time
}

// Engine owns every ApprovalRequest. All transitions on one request
// are serialized under a per-request lock; unrelated requests proceed
// in parallel.
type Engine struct {
	store    ApprovalStore
	policies *policy.Store
	resolver *classification.Resolver
	executor Executor
	trail    Recorder
	clock    Clock
	lease    Lease
	leaseTTL time.Duration
	sched      *deadlineScheduler
	locks      *keyedMutex
	inflight   *inFlightKeys
	logger     *slog.Logger
	ungatedTTL time.Duration

	mu      sync.Mutex
	ungated map[string]ungatedEntry
}

// NewEngine wires the engine. A nil clock selects wall time.
func NewEngine(store ApprovalStore, policies *policy.Store, resolver *classification.Resolver, executor Executor, trail Recorder, clock Clock, cfg Config) *Engine {
	if clock == nil {
		clock = wallClock{}
	}
	lease := cfg.Lease
	if lease == nil {
		lease = noopLease{}
	}
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	ungatedTTL := cfg.UngatedResultTTL
	if ungatedTTL <= 0 {
		ungatedTTL = defaultUngatedTTL
	}
	return &Engine{
		store:    store,
		policies: policies,
		resolver: resolver,
		executor: executor,
		trail:    trail,
		clock:    clock,
		lease:    lease,
		leaseTTL: ttl,
		sched:      newDeadlineScheduler(),
		locks:      newKeyedMutex(),
		inflight:   newInFlightKeys(),
		logger:     slog.Default().With("component", "gate.engine"),
		ungatedTTL: ungatedTTL,
		ungated:    make(map[string]ungatedEntry),
	}
}

// Recover reschedules deadline checks for requests that were pending
// when the process last stopped.
func (e *Engine) Recover() error {
	pending, err := e.store.List(StateCreated, StatePartiallyApproved, StateEscalated)
	if err != nil {
		return fmt.Errorf("gate: recover pending requests: %w", err)
	}
	for _, req := range pending {
		expect := StateCreated
		if req.State == StateEscalated {
			expect = StateEscalated
		}
		e.sched.Schedule(req.ID, expect, req.Deadline)
	}
	if len(pending) > 0 {
		e.logger.Info("recovered pending approval requests", "count", len(pending))
	}
	return nil
}

// Submit classifies the action, checks gate policy, and either
// executes immediately or parks the action behind an approval request.
// A submission reusing the idempotency key of a known request returns
// that request's outcome instead of creating a duplicate.
func (e *Engine) Submit(ctx context.Context, action ActionRequest) (Outcome, error) {
	if err := action.Validate(); err != nil {
		return Outcome{}, err
	}
	level := e.classify(action)

	unlock := e.locks.Lock("key:" + action.IdempotencyKey)
	defer unlock()

	existing, found, err := e.store.GetByIdempotencyKey(action.IdempotencyKey)
	if err != nil {
		return Outcome{}, fmt.Errorf("gate: idempotency lookup: %w", err)
	}
	if found {
		return e.outcomeFor(existing), nil
	}
	if res := e.ungatedResult(action.IdempotencyKey); res != nil {
		return Outcome{Kind: OutcomeNoGateRequired, Result: res}, nil
	}

	gateDef, err := e.policies.Lookup(action.ActionType, celInput(action), string(level))
	if errors.Is(err, policy.ErrNoGate) {
		return e.executeUngated(ctx, action)
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("gate: policy lookup: %w", err)
	}
	if gateDef.ClassificationMinimum != "" {
		level = classification.Max(level, gateDef.ClassificationMinimum)
	}

	now := e.clock.Now()
	req := ApprovalRequest{
		ID:             uuid.NewString(),
		Action:         action,
		Gate:           *gateDef,
		Classification: level,
		State:          StateCreated,
		CreatedAt:      now,
		Deadline:       now.Add(gateDef.Timeout),
		UpdatedAt:      now,
	}
	if err := e.store.Put(req); err != nil {
		return Outcome{}, fmt.Errorf("gate: persist approval request: %w", err)
	}
	if _, err := e.trail.Append(audit.Event{
		Actor:          action.Actor,
		Action:         "approval_requested",
		Resource:       "approval:" + req.ID,
		Classification: level,
		Details: map[string]interface{}{
			"action_type":     action.ActionType,
			"target":          action.Target,
			"gate":            gateDef.Name,
			"idempotency_key": action.IdempotencyKey,
			"deadline":        req.Deadline.UTC().Format(time.RFC3339Nano),
		},
	}); err != nil {
		// The request must not be observable without its fact.
		if derr := e.store.Delete(req.ID); derr != nil {
			e.logger.Error("rollback of unaudited request failed", "request_id", req.ID, "error", derr)
		}
		return Outcome{}, fmt.Errorf("gate: record approval request: %w", err)
	}
	e.sched.Schedule(req.ID, StateCreated, req.Deadline)
	return Outcome{Kind: OutcomePending, RequestID: req.ID}, nil
}

// Decide records one approver's verdict and applies any transition it
// triggers. A duplicate verdict from the same approver is recorded as
// a fact but does not re-fire a transition already taken.
func (e *Engine) Decide(ctx context.Context, requestID, role, identity string, verdict Verdict, justification string) (ApprovalRequest, error) {
	if verdict != VerdictApprove && verdict != VerdictDeny {
		return ApprovalRequest{}, &ValidationError{Field: "verdict", Reason: fmt.Sprintf("unknown verdict %q", verdict)}
	}
	if role == "" || identity == "" {
		return ApprovalRequest{}, &ValidationError{Field: "approver", Reason: "role and identity required"}
	}

	unlock := e.locks.Lock("req:" + requestID)
	defer unlock()

	req, found, err := e.store.Get(requestID)
	if err != nil {
		return ApprovalRequest{}, fmt.Errorf("gate: load approval request: %w", err)
	}
	if !found {
		return ApprovalRequest{}, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	if !req.State.Decidable() {
		return req, fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, requestID, req.State)
	}
	if !roleAllowed(req.StageRoles(), role) {
		return req, fmt.Errorf("%w: role %q not in %v", ErrNotAuthorized, role, req.StageRoles())
	}

	prev := req
	now := e.clock.Now()
	duplicate := req.hasDecision(identity, role, verdict)
	req.Decisions = append(req.Decisions, Decision{
		Approver:      identity,
		Role:          role,
		Verdict:       verdict,
		Justification: justification,
		At:            now,
	})
	if !duplicate {
		switch {
		case verdict == VerdictDeny:
			req.State = StateDenied
		case req.satisfied():
			req.State = StateApproved
		case req.State == StateCreated:
			req.State = StatePartiallyApproved
		}
	}
	req.UpdatedAt = now

	if err := e.store.Put(req); err != nil {
		return prev, fmt.Errorf("gate: persist decision: %w", err)
	}
	if _, err := e.trail.Append(audit.Event{
		Actor:          identity,
		Action:         "decision_recorded",
		Resource:       "approval:" + req.ID,
		Classification: req.Classification,
		Details: map[string]interface{}{
			"role":          role,
			"verdict":       string(verdict),
			"justification": justification,
			"state":         string(req.State),
			"duplicate":     duplicate,
		},
	}); err != nil {
		if perr := e.store.Put(prev); perr != nil {
			e.logger.Error("rollback of unaudited decision failed", "request_id", req.ID, "error", perr)
		}
		return prev, fmt.Errorf("gate: record decision: %w", err)
	}

	if duplicate {
		e.logger.Info("duplicate decision recorded", "request_id", req.ID, "approver", identity, "verdict", string(verdict))
	}
	if req.State == StateApproved && prev.State != StateApproved {
		return e.execute(ctx, req)
	}
	return req, nil
}

// Get returns one approval request.
func (e *Engine) Get(id string) (ApprovalRequest, error) {
	req, found, err := e.store.Get(id)
	if err != nil {
		return ApprovalRequest{}, fmt.Errorf("gate: load approval request: %w", err)
	}
	if !found {
		return ApprovalRequest{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return req, nil
}

// Pending lists requests still awaiting decisions.
func (e *Engine) Pending() ([]ApprovalRequest, error) {
	return e.store.List(StateCreated, StatePartiallyApproved, StateEscalated)
}

// CheckDeadlines applies expiry to every request whose deadline has
// passed. Safe to call concurrently with decisions; the per-request
// lock decides races deterministically.
func (e *Engine) CheckDeadlines(ctx context.Context) {
	for _, ev := range e.sched.Due(e.clock.Now()) {
		e.handleExpiry(ctx, ev)
	}
}

// Run sweeps deadlines on the given interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.CheckDeadlines(ctx)
		}
	}
}

func (e *Engine) handleExpiry(ctx context.Context, ev deadlineEvent) {
	unlock := e.locks.Lock("req:" + ev.RequestID)
	defer unlock()

	req, found, err := e.store.Get(ev.RequestID)
	if err != nil {
		e.logger.Error("expiry load failed", "request_id", ev.RequestID, "error", err)
		return
	}
	if !found {
		return
	}
	// A timer firing after the request resolved, escalated, or had its
	// deadline reset is stale.
	if ev.Expect == StateEscalated {
		if req.State != StateEscalated {
			return
		}
	} else if !req.State.Decidable() || req.State == StateEscalated {
		return
	}
	now := e.clock.Now()
	if now.Before(req.Deadline) {
		return
	}

	prev := req
	if req.State != StateEscalated && req.Gate.EscalationRole != "" && req.EscalatedAt == nil {
		escalatedAt := now
		req.State = StateEscalated
		req.EscalatedAt = &escalatedAt
		req.Deadline = now.Add(req.Gate.Timeout)
		req.UpdatedAt = now
		if err := e.store.Put(req); err != nil {
			e.logger.Error("escalation persist failed", "request_id", req.ID, "error", err)
			return
		}
		if _, err := e.trail.Append(audit.Event{
			Actor:          "system",
			Action:         "approval_escalated",
			Resource:       "approval:" + req.ID,
			Classification: req.Classification,
			Details: map[string]interface{}{
				"escalation_role": req.Gate.EscalationRole,
				"deadline":        req.Deadline.UTC().Format(time.RFC3339Nano),
			},
		}); err != nil {
			if perr := e.store.Put(prev); perr != nil {
				e.logger.Error("rollback of unaudited escalation failed", "request_id", req.ID, "error", perr)
			}
			e.sched.Schedule(req.ID, ev.Expect, prev.Deadline)
			e.logger.Error("escalation fact write failed", "request_id", req.ID, "error", err)
			return
		}
		e.sched.Schedule(req.ID, StateEscalated, req.Deadline)
		e.logger.Info("approval escalated", "request_id", req.ID, "role", req.Gate.EscalationRole)
		return
	}

	req.State = StateExpired
	req.UpdatedAt = now
	if err := e.store.Put(req); err != nil {
		e.logger.Error("expiry persist failed", "request_id", req.ID, "error", err)
		return
	}
	if _, err := e.trail.Append(audit.Event{
		Actor:          "system",
		Action:         "approval_expired",
		Resource:       "approval:" + req.ID,
		Classification: req.Classification,
		Details:        map[string]interface{}{"deadline": prev.Deadline.UTC().Format(time.RFC3339Nano)},
	}); err != nil {
		if perr := e.store.Put(prev); perr != nil {
			e.logger.Error("rollback of unaudited expiry failed", "request_id", req.ID, "error", perr)
		}
		e.sched.Schedule(req.ID, ev.Expect, prev.Deadline)
		e.logger.Error("expiry fact write failed", "request_id", req.ID, "error", err)
		return
	}
	e.logger.Warn("approval expired", "request_id", req.ID)
}

// execute hands an approved request to the bridge and records the
// final state.
func (e *Engine) execute(ctx context.Context, req ApprovalRequest) (ApprovalRequest, error) {
	adapterName := req.Action.Adapter
	operation := req.Action.Operation
	if req.Gate.Adapter != "" {
		adapterName = req.Gate.Adapter
	}
	if req.Gate.Operation != "" {
		operation = req.Gate.Operation
	}

	res, err := e.dispatch(ctx, req.Action, adapterName, operation)
	now := e.clock.Now()
	if err != nil {
		prev := req
		req.State = StateFailed
		req.UpdatedAt = now
		if perr := e.store.Put(req); perr != nil {
			e.logger.Error("failed-state persist failed", "request_id", req.ID, "error", perr)
			return prev, fmt.Errorf("gate: bridge handoff: %w", err)
		}
		if _, aerr := e.trail.Append(audit.Event{
			Actor:          "system",
			Action:         "bridge_handoff_failed",
			Resource:       "approval:" + req.ID,
			Classification: req.Classification,
			Details: map[string]interface{}{
				"adapter":         adapterName,
				"operation":       operation,
				"idempotency_key": req.Action.IdempotencyKey,
				"error":           err.Error(),
			},
		}); aerr != nil {
			if perr := e.store.Put(prev); perr != nil {
				e.logger.Error("rollback of unaudited handoff failure failed", "request_id", req.ID, "error", perr)
			}
			return prev, fmt.Errorf("gate: record handoff failure: %w", aerr)
		}
		return req, fmt.Errorf("gate: bridge handoff: %w", err)
	}

	req.Result = res
	if res.Status == bridge.StatusSuccess {
		req.State = StateExecuted
	} else {
		req.State = StateFailed
	}
	req.UpdatedAt = now
	if err := e.store.Put(req); err != nil {
		return req, fmt.Errorf("gate: persist execution result: %w", err)
	}
	return req, nil
}

func (e *Engine) executeUngated(ctx context.Context, action ActionRequest) (Outcome, error) {
	res, err := e.dispatch(ctx, action, action.Adapter, action.Operation)
	if err != nil {
		return Outcome{}, err
	}
	now := e.clock.Now()
	e.mu.Lock()
	for k, ent := range e.ungated {
		if now.Sub(ent.at) > e.ungatedTTL {
			delete(e.ungated, k)
		}
	}
	e.ungated[action.IdempotencyKey] = ungatedEntry{res: res, at: now}
	e.mu.Unlock()
	return Outcome{Kind: OutcomeNoGateRequired, Result: res}, nil
}

// dispatch runs the bridge call under the at-most-one-in-flight-per-
// key guard.
func (e *Engine) dispatch(ctx context.Context, action ActionRequest, adapterName, operation string) (*bridge.Result, error) {
	key := action.IdempotencyKey
	if !e.inflight.Acquire(key) {
		return nil, fmt.Errorf("%w: %s", ErrKeyInFlight, key)
	}
	defer e.inflight.Release(key)

	granted, err := e.lease.Acquire(ctx, key, e.leaseTTL)
	if err != nil {
		return nil, fmt.Errorf("gate: lease acquire: %w", err)
	}
	if !granted {
		return nil, fmt.Errorf("%w: %s held by another instance", ErrKeyInFlight, key)
	}
	defer func() {
		if rerr := e.lease.Release(context.WithoutCancel(ctx), key); rerr != nil {
			e.logger.Error("lease release failed", "idempotency_key", key, "error", rerr)
		}
	}()

	return e.executor.Execute(ctx, action.Actor, adapterName, bridge.Request{
		Operation:      operation,
		Params:         action.Payload,
		IdempotencyKey: key,
	})
}

func (e *Engine) classify(action ActionRequest) classification.Level {
	resolved := e.resolver.Resolve(action.ActionType, classification.Context{})
	if action.Classification != "" {
		return classification.Max(action.Classification, resolved)
	}
	return resolved
}

func (e *Engine) ungatedResult(key string) *bridge.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.ungated[key]
	if !ok {
		return nil
	}
	if e.clock.Now().Sub(ent.at) > e.ungatedTTL {
		delete(e.ungated, key)
		return nil
	}
	return ent.res
}

func (e *Engine) outcomeFor(req ApprovalRequest) Outcome {
	switch req.State {
	case StateDenied:
		return Outcome{Kind: OutcomeDenied, RequestID: req.ID, Reason: denialReason(req)}
	case StateExpired:
		return Outcome{Kind: OutcomeExpired, RequestID: req.ID, Reason: "approval deadline elapsed, contact staff"}
	case StateExecuted, StateFailed:
		return Outcome{Kind: OutcomeAlreadyExecuted, RequestID: req.ID, Result: req.Result}
	default:
		return Outcome{Kind: OutcomePending, RequestID: req.ID}
	}
}

func denialReason(req ApprovalRequest) string {
	for i := len(req.Decisions) - 1; i >= 0; i-- {
		if req.Decisions[i].Verdict == VerdictDeny {
			return req.Decisions[i].Justification
		}
	}
	return ""
}

func roleAllowed(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

func celInput(action ActionRequest) map[string]interface{} {
	return map[string]interface{}{
		"type":    action.ActionType,
		"target":  action.Target,
		"actor":   action.Actor,
		"payload": action.Payload,
	}
}
