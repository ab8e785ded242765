package audit

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicmesh/bridgegate/pkg/classification"
)

func TestSQLiteStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	store, err := OpenSQLiteStore(path)
	require.NoError(t, err)
	defer store.Close()

	trail, err := NewTrail(store, newFakeClock())
	require.NoError(t, err)

	_, err = trail.Append(Event{
		Actor:          "engine",
		Action:         "approval_requested",
		Resource:       "approval:42",
		Classification: classification.Restricted,
		Details:        map[string]interface{}{"gate": "payment_refund", "attempt": 1},
	})
	require.NoError(t, err)
	_, err = trail.Append(Event{
		Actor:          "finance_director",
		Action:         "decision_recorded",
		Resource:       "approval:42",
		Classification: classification.Restricted,
	})
	require.NoError(t, err)

	// Hashes recompute identically after a database round trip.
	assert.NoError(t, trail.Verify(0, 0))

	entries, err := store.ReadRange(1, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "payment_refund", entries[0].Details["gate"])
	assert.Equal(t, entries[0].EntryHash, entries[1].PriorHash)
}

func TestSQLiteStoreReopenContinuesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	clock := newFakeClock()

	store, err := OpenSQLiteStore(path)
	require.NoError(t, err)
	trail, err := NewTrail(store, clock)
	require.NoError(t, err)
	_, err = trail.Append(Event{Actor: "engine", Action: "bridge_call", Resource: "adapter:permits", Classification: classification.Sensitive})
	require.NoError(t, err)
	head := trail.ChainHead()
	require.NoError(t, store.Close())

	store, err = OpenSQLiteStore(path)
	require.NoError(t, err)
	defer store.Close()
	trail, err = NewTrail(store, clock)
	require.NoError(t, err)
	assert.Equal(t, head, trail.ChainHead())

	entry, err := trail.Append(Event{Actor: "engine", Action: "bridge_call", Resource: "adapter:permits", Classification: classification.Sensitive})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), entry.Sequence)
	assert.NoError(t, trail.Verify(0, 0))
}

func TestSQLiteStoreEmptyLast(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	store, err := OpenSQLiteStore(path)
	require.NoError(t, err)
	defer store.Close()

	_, ok, err := store.Last()
	require.NoError(t, err)
	assert.False(t, ok)
}
