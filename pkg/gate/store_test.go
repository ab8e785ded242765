package gate

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicmesh/bridgegate/pkg/classification"
	"github.com/civicmesh/bridgegate/pkg/policy"
)

func sampleRequest(id, key string, state State) ApprovalRequest {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return ApprovalRequest{
		ID: id,
		Action: ActionRequest{
			ActionType:     ActionPaymentRefund,
			Target:         "invoice:1042",
			Actor:          "agent-7",
			IdempotencyKey: key,
			Adapter:        "finance",
			Operation:      "issue_refund",
		},
		Gate: policy.GateDefinition{
			ActionType:    ActionPaymentRefund,
			RequiredRoles: []string{"finance_director"},
			Policy:        policy.KindAll,
			Timeout:       24 * time.Hour,
		},
		Classification: classification.Restricted,
		State:          state,
		CreatedAt:      now,
		Deadline:       now.Add(24 * time.Hour),
		UpdatedAt:      now,
	}
}

func TestSQLiteApprovalStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "approvals.db")
	store, err := OpenSQLiteApprovalStore(path)
	require.NoError(t, err)
	defer store.Close()

	req := sampleRequest("ar-1", "key-1", StateCreated)
	require.NoError(t, store.Put(req))

	got, found, err := store.Get("ar-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, req.Action, got.Action)
	assert.Equal(t, StateCreated, got.State)
	assert.True(t, got.Deadline.Equal(req.Deadline))

	byKey, found, err := store.GetByIdempotencyKey("key-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "ar-1", byKey.ID)

	_, found, err = store.Get("missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSQLiteApprovalStoreUpdateAndDecisions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "approvals.db")
	store, err := OpenSQLiteApprovalStore(path)
	require.NoError(t, err)
	defer store.Close()

	req := sampleRequest("ar-1", "key-1", StateCreated)
	require.NoError(t, store.Put(req))

	req.State = StatePartiallyApproved
	req.Decisions = append(req.Decisions, Decision{
		Approver: "fd-1",
		Role:     "finance_director",
		Verdict:  VerdictApprove,
		At:       req.CreatedAt.Add(time.Hour),
	})
	require.NoError(t, store.Put(req))

	got, found, err := store.Get("ar-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatePartiallyApproved, got.State)
	require.Len(t, got.Decisions, 1)
	assert.Equal(t, VerdictApprove, got.Decisions[0].Verdict)
}

func TestSQLiteApprovalStoreListByState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "approvals.db")
	store, err := OpenSQLiteApprovalStore(path)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put(sampleRequest("ar-1", "key-1", StateCreated)))
	require.NoError(t, store.Put(sampleRequest("ar-2", "key-2", StateDenied)))
	require.NoError(t, store.Put(sampleRequest("ar-3", "key-3", StateEscalated)))

	pending, err := store.List(StateCreated, StatePartiallyApproved, StateEscalated)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	all, err := store.List()
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSQLiteApprovalStoreDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "approvals.db")
	store, err := OpenSQLiteApprovalStore(path)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put(sampleRequest("ar-1", "key-1", StateCreated)))
	require.NoError(t, store.Delete("ar-1"))

	_, found, err := store.Get("ar-1")
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = store.GetByIdempotencyKey("key-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryApprovalStore(t *testing.T) {
	store := NewMemoryApprovalStore()

	require.NoError(t, store.Put(sampleRequest("ar-1", "key-1", StateCreated)))
	got, found, err := store.GetByIdempotencyKey("key-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "ar-1", got.ID)

	require.NoError(t, store.Delete("ar-1"))
	_, found, err = store.GetByIdempotencyKey("key-1")
	require.NoError(t, err)
	assert.False(t, found)
}
