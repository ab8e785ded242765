package gate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicmesh/bridgegate/pkg/audit"
	"github.com/civicmesh/bridgegate/pkg/bridge"
	"github.com/civicmesh/bridgegate/pkg/classification"
	"github.com/civicmesh/bridgegate/pkg/policy"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type executedCall struct {
	adapter string
	req     bridge.Request
}

// fakeExecutor stands in for the bridge layer and records handoffs.
type fakeExecutor struct {
	mu      sync.Mutex
	results []*bridge.Result
	errs    []error
	calls   []executedCall
}

func (f *fakeExecutor) Execute(ctx context.Context, actor, adapterName string, req bridge.Request) (*bridge.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, executedCall{adapter: adapterName, req: req})
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(f.results) > 0 {
		res := f.results[0]
		f.results = f.results[1:]
		return res, nil
	}
	return &bridge.Result{Status: bridge.StatusSuccess, Classification: classification.Internal}, nil
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testPolicies(t *testing.T) *policy.Store {
	t.Helper()
	store, err := policy.NewStore(&policy.Table{
		Version: "1.0.0",
		Gates: map[string]policy.GateDefinition{
			ActionPaymentRefund: {
				ActionType:    ActionPaymentRefund,
				Name:          "refund approval",
				RequiredRoles: []string{"finance_director", "city_manager"},
				Policy:        policy.KindAll,
				Timeout:       24 * time.Hour,
				Adapter:       "finance",
				Operation:     "issue_refund",
			},
			ActionFOIARelease: {
				ActionType:     ActionFOIARelease,
				Name:           "records release",
				RequiredRoles:  []string{"records_officer"},
				Policy:         policy.KindAny,
				Timeout:        4 * time.Hour,
				EscalationRole: "city_clerk",
				Adapter:        "records",
				Operation:      "release",
			},
			ActionRecordModification: {
				ActionType:    ActionRecordModification,
				Name:          "record change",
				RequiredRoles: []string{"registrar", "deputy_registrar", "city_clerk"},
				Policy:        policy.KindQuorum,
				MinApprovals:  2,
				Timeout:       8 * time.Hour,
				Adapter:       "records",
				Operation:     "modify",
			},
		},
	})
	require.NoError(t, err)
	return store
}

func testResolver(t *testing.T) *classification.Resolver {
	t.Helper()
	r, err := classification.NewResolver(classification.Config{
		Default: classification.Internal,
		Rules: []classification.Rule{
			{Name: "refunds", ResourceTypes: []string{ActionPaymentRefund}, Level: classification.Restricted},
			{Name: "records", ResourceTypes: []string{ActionFOIARelease, ActionRecordModification}, Level: classification.Sensitive},
		},
	})
	require.NoError(t, err)
	return r
}

type engineHarness struct {
	clock *fakeClock
	store *MemoryApprovalStore
	exec  *fakeExecutor
	trail *audit.Trail
	eng   *Engine
}

func newEngineHarness(t *testing.T) *engineHarness {
	t.Helper()
	clock := newFakeClock()
	store := NewMemoryApprovalStore()
	exec := &fakeExecutor{}
	trail, err := audit.NewTrail(audit.NewMemoryStore(), clock)
	require.NoError(t, err)
	eng := NewEngine(store, testPolicies(t), testResolver(t), exec, trail, clock, Config{})
	return &engineHarness{clock: clock, store: store, exec: exec, trail: trail, eng: eng}
}

func refundAction(key string) ActionRequest {
	return ActionRequest{
		ActionType:     ActionPaymentRefund,
		Target:         "invoice:1042",
		Payload:        map[string]interface{}{"amount": 125.50},
		Actor:          "agent-7",
		IdempotencyKey: key,
		Adapter:        "finance",
		Operation:      "issue_refund",
	}
}

func (h *engineHarness) entries(t *testing.T) []audit.Entry {
	t.Helper()
	entries, err := h.trail.Query(audit.Filter{})
	require.NoError(t, err)
	return entries
}

func TestSubmitValidation(t *testing.T) {
	h := newEngineHarness(t)

	_, err := h.eng.Submit(context.Background(), ActionRequest{})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "action_type", verr.Field)

	action := refundAction("")
	_, err = h.eng.Submit(context.Background(), action)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "idempotency_key", verr.Field)
}

func TestSubmitUngatedExecutesImmediately(t *testing.T) {
	h := newEngineHarness(t)

	action := ActionRequest{
		ActionType:     "permit_lookup",
		Target:         "permit:BP-2024-001",
		Actor:          "agent-7",
		IdempotencyKey: "key-u1",
		Adapter:        "permits",
		Operation:      "lookup_by_id",
	}
	out, err := h.eng.Submit(context.Background(), action)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoGateRequired, out.Kind)
	require.NotNil(t, out.Result)
	assert.Equal(t, bridge.StatusSuccess, out.Result.Status)
	assert.Equal(t, 1, h.exec.callCount())

	// A replay of the same intent returns the recorded result without
	// touching the bridge again.
	again, err := h.eng.Submit(context.Background(), action)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoGateRequired, again.Kind)
	assert.Equal(t, out.Result, again.Result)
	assert.Equal(t, 1, h.exec.callCount())
}

func TestSubmitGatedReturnsPending(t *testing.T) {
	h := newEngineHarness(t)

	out, err := h.eng.Submit(context.Background(), refundAction("key-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, out.Kind)
	require.NotEmpty(t, out.RequestID)

	req, err := h.eng.Get(out.RequestID)
	require.NoError(t, err)
	assert.Equal(t, StateCreated, req.State)
	assert.Equal(t, classification.Restricted, req.Classification)
	assert.Equal(t, h.clock.Now().Add(24*time.Hour), req.Deadline)
	assert.Equal(t, 0, h.exec.callCount())

	entries := h.entries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, "approval_requested", entries[0].Action)
}

func TestSubmitDuplicateKeyReturnsExistingRequest(t *testing.T) {
	h := newEngineHarness(t)

	first, err := h.eng.Submit(context.Background(), refundAction("key-1"))
	require.NoError(t, err)
	second, err := h.eng.Submit(context.Background(), refundAction("key-1"))
	require.NoError(t, err)

	assert.Equal(t, OutcomePending, second.Kind)
	assert.Equal(t, first.RequestID, second.RequestID)
	assert.Len(t, h.entries(t), 1)

	pending, err := h.eng.Pending()
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

// financeAdapter is a minimal healthy fixture for end to end runs with
// the real bridge executor.
type financeAdapter struct{}

func (financeAdapter) Name() string                                    { return "finance" }
func (financeAdapter) MinimumClassification() classification.Level    { return classification.Restricted }
func (financeAdapter) HealthCheck(ctx context.Context) bridge.HealthStatus {
	return bridge.HealthStatus{State: bridge.HealthConnected}
}
func (financeAdapter) Schema() bridge.AdapterSchema {
	return bridge.AdapterSchema{
		Name:       "finance",
		Minimum:    classification.Restricted,
		Operations: []bridge.OperationSchema{{Name: "issue_refund", Write: true}},
	}
}
func (financeAdapter) Query(ctx context.Context, req bridge.Request) (*bridge.Response, error) {
	return &bridge.Response{
		Data:           map[string]interface{}{"refund_id": "RF-1", "key": req.IdempotencyKey},
		Classification: classification.Restricted,
	}, nil
}

// The canonical two-approver refund walk: created, partially approved,
// approved, executed, with exactly four facts in order.
func TestRefundAllPolicyEndToEnd(t *testing.T) {
	clock := newFakeClock()
	trail, err := audit.NewTrail(audit.NewMemoryStore(), clock)
	require.NoError(t, err)

	registry := bridge.NewRegistry(clock)
	require.NoError(t, registry.Register(financeAdapter{}))
	_, err = registry.CheckNow(context.Background(), "finance")
	require.NoError(t, err)
	executor := bridge.NewExecutor(registry, trail, clock, bridge.Config{
		DefaultTimeout:  time.Second,
		HealthStaleness: time.Hour,
	})

	eng := NewEngine(NewMemoryApprovalStore(), testPolicies(t), testResolver(t), executor, trail, clock, Config{})

	out, err := eng.Submit(context.Background(), refundAction("key-e2e"))
	require.NoError(t, err)
	require.Equal(t, OutcomePending, out.Kind)

	req, err := eng.Decide(context.Background(), out.RequestID, "finance_director", "fd-1", VerdictApprove, "refund verified")
	require.NoError(t, err)
	assert.Equal(t, StatePartiallyApproved, req.State)

	req, err = eng.Decide(context.Background(), out.RequestID, "city_manager", "cm-1", VerdictApprove, "budget ok")
	require.NoError(t, err)
	assert.Equal(t, StateExecuted, req.State)
	require.NotNil(t, req.Result)
	assert.Equal(t, bridge.StatusSuccess, req.Result.Status)

	entries, err := trail.Query(audit.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, "approval_requested", entries[0].Action)
	assert.Equal(t, "decision_recorded", entries[1].Action)
	assert.Equal(t, "decision_recorded", entries[2].Action)
	assert.Equal(t, "bridge_call", entries[3].Action)
	assert.NoError(t, trail.Verify(0, 0))
}

func TestDenyDominates(t *testing.T) {
	h := newEngineHarness(t)

	out, err := h.eng.Submit(context.Background(), refundAction("key-2"))
	require.NoError(t, err)

	_, err = h.eng.Decide(context.Background(), out.RequestID, "finance_director", "fd-1", VerdictApprove, "")
	require.NoError(t, err)

	req, err := h.eng.Decide(context.Background(), out.RequestID, "city_manager", "cm-1", VerdictDeny, "amount disputed")
	require.NoError(t, err)
	assert.Equal(t, StateDenied, req.State)
	assert.Equal(t, 0, h.exec.callCount())

	// Resubmission surfaces the denial, never a fresh request.
	again, err := h.eng.Submit(context.Background(), refundAction("key-2"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDenied, again.Kind)
	assert.Equal(t, "amount disputed", again.Reason)
}

func TestDecideNotAuthorized(t *testing.T) {
	h := newEngineHarness(t)

	out, err := h.eng.Submit(context.Background(), refundAction("key-3"))
	require.NoError(t, err)

	_, err = h.eng.Decide(context.Background(), out.RequestID, "intern", "i-1", VerdictApprove, "")
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestDecideUnknownRequest(t *testing.T) {
	h := newEngineHarness(t)
	_, err := h.eng.Decide(context.Background(), "nope", "finance_director", "fd-1", VerdictApprove, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTerminalStatesAreSinks(t *testing.T) {
	h := newEngineHarness(t)

	out, err := h.eng.Submit(context.Background(), refundAction("key-4"))
	require.NoError(t, err)
	_, err = h.eng.Decide(context.Background(), out.RequestID, "finance_director", "fd-1", VerdictDeny, "no")
	require.NoError(t, err)

	_, err = h.eng.Decide(context.Background(), out.RequestID, "city_manager", "cm-1", VerdictApprove, "")
	assert.ErrorIs(t, err, ErrAlreadyTerminal)

	req, err := h.eng.Get(out.RequestID)
	require.NoError(t, err)
	assert.Equal(t, StateDenied, req.State)
	require.Len(t, req.Decisions, 1)
}

func TestDuplicateDecisionRecordedWithoutRefire(t *testing.T) {
	h := newEngineHarness(t)

	out, err := h.eng.Submit(context.Background(), refundAction("key-5"))
	require.NoError(t, err)

	req, err := h.eng.Decide(context.Background(), out.RequestID, "finance_director", "fd-1", VerdictApprove, "")
	require.NoError(t, err)
	assert.Equal(t, StatePartiallyApproved, req.State)

	req, err = h.eng.Decide(context.Background(), out.RequestID, "finance_director", "fd-1", VerdictApprove, "again")
	require.NoError(t, err)
	assert.Equal(t, StatePartiallyApproved, req.State)
	assert.Len(t, req.Decisions, 2)
	assert.Equal(t, 0, h.exec.callCount())
}

func TestAnyPolicyApprovesOnFirstApproval(t *testing.T) {
	h := newEngineHarness(t)

	out, err := h.eng.Submit(context.Background(), ActionRequest{
		ActionType:     ActionFOIARelease,
		Target:         "foia:77",
		Actor:          "agent-7",
		IdempotencyKey: "key-6",
		Adapter:        "records",
		Operation:      "release",
	})
	require.NoError(t, err)

	req, err := h.eng.Decide(context.Background(), out.RequestID, "records_officer", "ro-1", VerdictApprove, "")
	require.NoError(t, err)
	assert.Equal(t, StateExecuted, req.State)
	assert.Equal(t, 1, h.exec.callCount())
}

func TestQuorumPolicy(t *testing.T) {
	h := newEngineHarness(t)

	out, err := h.eng.Submit(context.Background(), ActionRequest{
		ActionType:     ActionRecordModification,
		Target:         "record:9",
		Actor:          "agent-7",
		IdempotencyKey: "key-7",
		Adapter:        "records",
		Operation:      "modify",
	})
	require.NoError(t, err)

	req, err := h.eng.Decide(context.Background(), out.RequestID, "registrar", "r-1", VerdictApprove, "")
	require.NoError(t, err)
	assert.Equal(t, StatePartiallyApproved, req.State)

	req, err = h.eng.Decide(context.Background(), out.RequestID, "city_clerk", "cc-1", VerdictApprove, "")
	require.NoError(t, err)
	assert.Equal(t, StateExecuted, req.State)
}

func TestExpiryWithoutEscalation(t *testing.T) {
	h := newEngineHarness(t)

	out, err := h.eng.Submit(context.Background(), refundAction("key-8"))
	require.NoError(t, err)

	h.clock.Advance(25 * time.Hour)
	h.eng.CheckDeadlines(context.Background())

	req, err := h.eng.Get(out.RequestID)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, req.State)

	// Expiry fires exactly once.
	h.eng.CheckDeadlines(context.Background())
	expired, err := h.trail.Query(audit.Filter{Action: "approval_expired"})
	require.NoError(t, err)
	assert.Len(t, expired, 1)

	again, err := h.eng.Submit(context.Background(), refundAction("key-8"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeExpired, again.Kind)

	_, err = h.eng.Decide(context.Background(), out.RequestID, "finance_director", "fd-1", VerdictApprove, "")
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestEscalationThenDenial(t *testing.T) {
	h := newEngineHarness(t)

	out, err := h.eng.Submit(context.Background(), ActionRequest{
		ActionType:     ActionFOIARelease,
		Target:         "foia:88",
		Actor:          "agent-7",
		IdempotencyKey: "key-9",
		Adapter:        "records",
		Operation:      "release",
	})
	require.NoError(t, err)

	h.clock.Advance(5 * time.Hour)
	h.eng.CheckDeadlines(context.Background())

	req, err := h.eng.Get(out.RequestID)
	require.NoError(t, err)
	assert.Equal(t, StateEscalated, req.State)
	require.NotNil(t, req.EscalatedAt)
	assert.Equal(t, h.clock.Now().Add(4*time.Hour), req.Deadline)

	// The original approver set is replaced by the escalation role.
	_, err = h.eng.Decide(context.Background(), out.RequestID, "records_officer", "ro-1", VerdictApprove, "")
	assert.ErrorIs(t, err, ErrNotAuthorized)

	req, err = h.eng.Decide(context.Background(), out.RequestID, "city_clerk", "cc-1", VerdictDeny, "exempt under statute")
	require.NoError(t, err)
	assert.Equal(t, StateDenied, req.State)

	entries := h.entries(t)
	require.Len(t, entries, 3)
	assert.Equal(t, "approval_requested", entries[0].Action)
	assert.Equal(t, "approval_escalated", entries[1].Action)
	assert.Equal(t, "decision_recorded", entries[2].Action)
}

func TestEscalationHappensOnceThenExpires(t *testing.T) {
	h := newEngineHarness(t)

	out, err := h.eng.Submit(context.Background(), ActionRequest{
		ActionType:     ActionFOIARelease,
		Target:         "foia:99",
		Actor:          "agent-7",
		IdempotencyKey: "key-10",
		Adapter:        "records",
		Operation:      "release",
	})
	require.NoError(t, err)

	h.clock.Advance(5 * time.Hour)
	h.eng.CheckDeadlines(context.Background())
	h.clock.Advance(5 * time.Hour)
	h.eng.CheckDeadlines(context.Background())

	req, err := h.eng.Get(out.RequestID)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, req.State)

	escalated, err := h.trail.Query(audit.Filter{Action: "approval_escalated"})
	require.NoError(t, err)
	assert.Len(t, escalated, 1)
}

func TestDecisionBeatsStaleTimer(t *testing.T) {
	h := newEngineHarness(t)

	out, err := h.eng.Submit(context.Background(), refundAction("key-11"))
	require.NoError(t, err)

	// Deadline passes, but the deny lands before the sweep runs.
	h.clock.Advance(25 * time.Hour)
	req, err := h.eng.Decide(context.Background(), out.RequestID, "city_manager", "cm-1", VerdictDeny, "too late anyway")
	require.NoError(t, err)
	assert.Equal(t, StateDenied, req.State)

	h.eng.CheckDeadlines(context.Background())
	req, err = h.eng.Get(out.RequestID)
	require.NoError(t, err)
	assert.Equal(t, StateDenied, req.State)
}

func TestBridgeFallbackMarksRequestFailed(t *testing.T) {
	h := newEngineHarness(t)
	h.exec.results = []*bridge.Result{{
		Status: bridge.StatusFallbackToManual,
		Reason: "retry budget exhausted",
	}}

	out, err := h.eng.Submit(context.Background(), refundAction("key-12"))
	require.NoError(t, err)
	_, err = h.eng.Decide(context.Background(), out.RequestID, "finance_director", "fd-1", VerdictApprove, "")
	require.NoError(t, err)
	req, err := h.eng.Decide(context.Background(), out.RequestID, "city_manager", "cm-1", VerdictApprove, "")
	require.NoError(t, err)

	assert.Equal(t, StateFailed, req.State)
	require.NotNil(t, req.Result)
	assert.Equal(t, bridge.StatusFallbackToManual, req.Result.Status)
}

func TestBridgeErrorMarksRequestFailed(t *testing.T) {
	h := newEngineHarness(t)
	h.exec.errs = []error{errors.New("audit store down")}

	out, err := h.eng.Submit(context.Background(), refundAction("key-13"))
	require.NoError(t, err)
	_, err = h.eng.Decide(context.Background(), out.RequestID, "finance_director", "fd-1", VerdictApprove, "")
	require.NoError(t, err)
	_, err = h.eng.Decide(context.Background(), out.RequestID, "city_manager", "cm-1", VerdictApprove, "")
	require.Error(t, err)

	req, gerr := h.eng.Get(out.RequestID)
	require.NoError(t, gerr)
	assert.Equal(t, StateFailed, req.State)
}

// denyingLease simulates another instance holding every idempotency
// key.
type denyingLease struct{}

func (denyingLease) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return false, nil
}
func (denyingLease) Release(ctx context.Context, key string) error { return nil }

func TestHandoffErrorAuditsFailedTransition(t *testing.T) {
	clock := newFakeClock()
	exec := &fakeExecutor{}
	trail, err := audit.NewTrail(audit.NewMemoryStore(), clock)
	require.NoError(t, err)
	eng := NewEngine(NewMemoryApprovalStore(), testPolicies(t), testResolver(t), exec, trail, clock, Config{Lease: denyingLease{}})

	out, err := eng.Submit(context.Background(), refundAction("key-16"))
	require.NoError(t, err)
	_, err = eng.Decide(context.Background(), out.RequestID, "finance_director", "fd-1", VerdictApprove, "")
	require.NoError(t, err)
	_, err = eng.Decide(context.Background(), out.RequestID, "city_manager", "cm-1", VerdictApprove, "")
	assert.ErrorIs(t, err, ErrKeyInFlight)
	assert.Equal(t, 0, exec.callCount())

	req, err := eng.Get(out.RequestID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, req.State)

	// The terminal transition lands in the trail like every other one.
	entries, err := trail.Query(audit.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, "approval_requested", entries[0].Action)
	assert.Equal(t, "decision_recorded", entries[1].Action)
	assert.Equal(t, "decision_recorded", entries[2].Action)
	assert.Equal(t, "bridge_handoff_failed", entries[3].Action)
}

func TestUngatedResultCacheExpires(t *testing.T) {
	clock := newFakeClock()
	exec := &fakeExecutor{}
	trail, err := audit.NewTrail(audit.NewMemoryStore(), clock)
	require.NoError(t, err)
	eng := NewEngine(NewMemoryApprovalStore(), testPolicies(t), testResolver(t), exec, trail, clock, Config{UngatedResultTTL: time.Minute})

	action := ActionRequest{
		ActionType:     "permit_lookup",
		Target:         "permit:BP-2024-001",
		Actor:          "agent-7",
		IdempotencyKey: "key-u2",
		Adapter:        "permits",
		Operation:      "lookup_by_id",
	}
	_, err = eng.Submit(context.Background(), action)
	require.NoError(t, err)
	assert.Equal(t, 1, exec.callCount())

	// Within the TTL the replay is served from the cache.
	_, err = eng.Submit(context.Background(), action)
	require.NoError(t, err)
	assert.Equal(t, 1, exec.callCount())

	// Past the TTL the entry is evicted and the bridge runs again.
	clock.Advance(2 * time.Minute)
	_, err = eng.Submit(context.Background(), action)
	require.NoError(t, err)
	assert.Equal(t, 2, exec.callCount())
}

func TestReplayOfExecutedRequestReportsCompletion(t *testing.T) {
	h := newEngineHarness(t)

	out, err := h.eng.Submit(context.Background(), refundAction("key-17"))
	require.NoError(t, err)
	_, err = h.eng.Decide(context.Background(), out.RequestID, "finance_director", "fd-1", VerdictApprove, "")
	require.NoError(t, err)
	req, err := h.eng.Decide(context.Background(), out.RequestID, "city_manager", "cm-1", VerdictApprove, "")
	require.NoError(t, err)
	require.Equal(t, StateExecuted, req.State)

	again, err := h.eng.Submit(context.Background(), refundAction("key-17"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyExecuted, again.Kind)
	assert.Equal(t, out.RequestID, again.RequestID)
	require.NotNil(t, again.Result)
	assert.Equal(t, bridge.StatusSuccess, again.Result.Status)
	assert.Equal(t, 1, h.exec.callCount())
}

func TestRecoverReschedulesDeadlines(t *testing.T) {
	h := newEngineHarness(t)

	out, err := h.eng.Submit(context.Background(), refundAction("key-14"))
	require.NoError(t, err)

	// A fresh engine over the same store picks the deadline back up.
	eng2 := NewEngine(h.store, testPolicies(t), testResolver(t), h.exec, h.trail, h.clock, Config{})
	require.NoError(t, eng2.Recover())

	h.clock.Advance(25 * time.Hour)
	eng2.CheckDeadlines(context.Background())

	req, err := eng2.Get(out.RequestID)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, req.State)
}

func TestConcurrentSubmitsShareOneRequest(t *testing.T) {
	h := newEngineHarness(t)

	const n = 16
	outcomes := make([]Outcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := h.eng.Submit(context.Background(), refundAction("key-15"))
			assert.NoError(t, err)
			outcomes[i] = out
		}(i)
	}
	wg.Wait()

	for _, out := range outcomes {
		assert.Equal(t, OutcomePending, out.Kind)
		assert.Equal(t, outcomes[0].RequestID, out.RequestID)
	}
	pending, err := h.eng.Pending()
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
