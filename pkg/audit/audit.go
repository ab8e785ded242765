// Package audit implements the append-only, hash-chained audit trail.
// Every gate transition and every bridge call appends exactly one entry
// before its caller observes a result. Entries are never mutated; the
// store supports append and sequential/indexed read only.
package audit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/civicmesh/bridgegate/pkg/canonical"
	"github.com/civicmesh/bridgegate/pkg/classification"
)

var (
	// ErrWriteFailure wraps storage errors on append. Callers must treat
	// it as an operational incident: the system prefers refusing new
	// approvals over losing audit coverage.
	ErrWriteFailure = errors.New("audit write failure")
	// ErrChainBroken reports a hash-chain gap or mismatch, a tamper
	// signal.
	ErrChainBroken = errors.New("audit chain broken")
	// ErrEntryNotFound reports a missing sequence number.
	ErrEntryNotFound = errors.New("audit entry not found")
)

// genesisSeed anchors the chain; the first entry's prior hash is the
// SHA-256 of this seed.
const genesisSeed = "bridgegate-genesis"

// GenesisHash returns the fixed prior hash of the first chain entry.
func GenesisHash() string {
	return canonical.HashBytes([]byte(genesisSeed))
}

// Event is what components record. The trail assigns sequence, time and
// chain hashes.
type Event struct {
	Actor          string
	Action         string
	Resource       string
	Classification classification.Level
	Details        map[string]interface{}
}

// Entry is one immutable audit record.
type Entry struct {
	Sequence       uint64                 `json:"sequence"`
	EntryID        string                 `json:"entry_id"`
	Timestamp      time.Time              `json:"timestamp"`
	Actor          string                 `json:"actor"`
	Action         string                 `json:"action"`
	Resource       string                 `json:"resource"`
	Classification classification.Level   `json:"classification"`
	Details        map[string]interface{} `json:"details,omitempty"`
	PriorHash      string                 `json:"prior_hash"`
	EntryHash      string                 `json:"entry_hash"`
}

// hashOf computes the entry hash: SHA-256 over the prior hash and the
// entry's canonical serialization (everything except EntryHash).
func hashOf(e *Entry) (string, error) {
	return canonical.Hash(map[string]interface{}{
		"sequence":       e.Sequence,
		"entry_id":       e.EntryID,
		"timestamp":      e.Timestamp,
		"actor":          e.Actor,
		"action":         e.Action,
		"resource":       e.Resource,
		"classification": e.Classification,
		"details":        e.Details,
		"prior_hash":     e.PriorHash,
	})
}

// Store persists entries. Implementations must be append-only: no
// update or delete path exists on this interface by design of the trail.
type Store interface {
	// Append persists one entry. The trail guarantees entries arrive in
	// sequence order.
	Append(entry Entry) error
	// ReadRange returns entries with from <= sequence <= to, in order.
	ReadRange(from, to uint64) ([]Entry, error)
	// Last returns the highest-sequence entry, if any.
	Last() (Entry, bool, error)
	// Close releases resources.
	Close() error
}

// Clock supplies time for entries; injected for deterministic tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Trail is the hash-chained audit log. Appends from concurrent writers
// are serialized into one chain order; reads run against the store.
type Trail struct {
	mu        sync.Mutex
	store     Store
	clock     Clock
	sequence  uint64
	chainHead string
}

// NewTrail builds a trail over a store, recovering the chain head from
// any existing entries.
func NewTrail(store Store, clock Clock) (*Trail, error) {
	if clock == nil {
		clock = wallClock{}
	}
	t := &Trail{store: store, clock: clock, chainHead: GenesisHash()}
	last, ok, err := store.Last()
	if err != nil {
		return nil, fmt.Errorf("audit: recover chain head: %w", err)
	}
	if ok {
		t.sequence = last.Sequence
		t.chainHead = last.EntryHash
	}
	return t, nil
}

// Append records an event and returns the persisted entry. The entry is
// durable before Append returns; on storage failure no entry is
// observable and the error wraps ErrWriteFailure.
func (t *Trail) Append(ev Event) (*Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := Entry{
		Sequence:       t.sequence + 1,
		EntryID:        uuid.New().String(),
		Timestamp:      t.clock.Now().UTC(),
		Actor:          ev.Actor,
		Action:         ev.Action,
		Resource:       ev.Resource,
		Classification: ev.Classification,
		Details:        ev.Details,
		PriorHash:      t.chainHead,
	}
	hash, err := hashOf(&entry)
	if err != nil {
		return nil, fmt.Errorf("%w: hash entry: %w", ErrWriteFailure, err)
	}
	entry.EntryHash = hash

	if err := t.store.Append(entry); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWriteFailure, err)
	}
	t.sequence = entry.Sequence
	t.chainHead = entry.EntryHash
	return &entry, nil
}

// Verify recomputes the hash chain over [from, to] and reports any
// tampering. from starts at 1; to of 0 means the current head.
func (t *Trail) Verify(from, to uint64) error {
	if from == 0 {
		from = 1
	}
	if to == 0 {
		to = t.Sequence()
	}
	if to < from {
		return nil
	}

	expectedPrior := GenesisHash()
	if from > 1 {
		prev, err := t.store.ReadRange(from-1, from-1)
		if err != nil {
			return fmt.Errorf("audit: read prior entry: %w", err)
		}
		if len(prev) != 1 {
			return fmt.Errorf("%w: missing entry %d", ErrChainBroken, from-1)
		}
		expectedPrior = prev[0].EntryHash
	}

	entries, err := t.store.ReadRange(from, to)
	if err != nil {
		return fmt.Errorf("audit: read range: %w", err)
	}

	want := from
	for i := range entries {
		e := entries[i]
		if e.Sequence != want {
			return fmt.Errorf("%w: sequence gap at %d (got %d)", ErrChainBroken, want, e.Sequence)
		}
		if e.PriorHash != expectedPrior {
			return fmt.Errorf("%w: prior hash mismatch at sequence %d", ErrChainBroken, e.Sequence)
		}
		computed, err := hashOf(&e)
		if err != nil {
			return fmt.Errorf("audit: recompute hash at sequence %d: %w", e.Sequence, err)
		}
		if computed != e.EntryHash {
			return fmt.Errorf("%w: entry hash mismatch at sequence %d", ErrChainBroken, e.Sequence)
		}
		expectedPrior = e.EntryHash
		want++
	}
	if want != to+1 {
		return fmt.Errorf("%w: missing entries %d..%d", ErrChainBroken, want, to)
	}
	return nil
}

// Sequence returns the highest assigned sequence number.
func (t *Trail) Sequence() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sequence
}

// ChainHead returns the hash of the most recent entry, or the genesis
// hash when the trail is empty.
func (t *Trail) ChainHead() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.chainHead
}

// Query returns entries matching the filter, in chain order.
func (t *Trail) Query(f Filter) ([]Entry, error) {
	to := t.Sequence()
	if to == 0 {
		return nil, nil
	}
	from := uint64(1)
	if f.FromSeq > 0 {
		from = f.FromSeq
	}
	if f.ToSeq > 0 && f.ToSeq < to {
		to = f.ToSeq
	}
	entries, err := t.store.ReadRange(from, to)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	results := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if !f.matches(&e) {
			continue
		}
		results = append(results, e)
		if f.Limit > 0 && len(results) >= f.Limit {
			break
		}
	}
	return results, nil
}

// Filter narrows audit reads for the external audit-viewer surface.
// All set fields must match.
type Filter struct {
	Actor          string
	Action         string
	Resource       string
	Classification classification.Level
	After          *time.Time
	Before         *time.Time
	FromSeq        uint64
	ToSeq          uint64
	Limit          int
}

func (f Filter) matches(e *Entry) bool {
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Resource != "" && e.Resource != f.Resource {
		return false
	}
	if f.Classification != "" && e.Classification != f.Classification {
		return false
	}
	if f.After != nil && !e.Timestamp.After(*f.After) {
		return false
	}
	if f.Before != nil && !e.Timestamp.Before(*f.Before) {
		return false
	}
	return true
}
