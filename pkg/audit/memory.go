package audit

import (
	"sync"
)

// defaultSegmentSize bounds how many entries live in one in-memory
// segment before rotation.
const defaultSegmentSize = 4096

// Checkpoint records the chain head at a segment boundary. Verification
// can start from the nearest checkpoint instead of genesis.
type Checkpoint struct {
	EndSequence uint64
	ChainHead   string
}

// MemoryStore is a segmented, append-only in-memory store. Full
// segments are sealed with a checkpoint; entries are never rewritten.
type MemoryStore struct {
	mu          sync.RWMutex
	segments    [][]Entry
	segmentSize int
	checkpoints []Checkpoint
	count       uint64
}

// NewMemoryStore creates a store with the default segment size.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithSegmentSize(defaultSegmentSize)
}

// NewMemoryStoreWithSegmentSize creates a store rotating after size
// entries per segment.
func NewMemoryStoreWithSegmentSize(size int) *MemoryStore {
	if size < 1 {
		size = defaultSegmentSize
	}
	return &MemoryStore{
		segments:    [][]Entry{make([]Entry, 0, size)},
		segmentSize: size,
	}
}

// Append adds an entry, rotating to a new segment when the active one
// fills.
func (s *MemoryStore) Append(entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := len(s.segments) - 1
	s.segments[active] = append(s.segments[active], entry)
	s.count++

	if len(s.segments[active]) >= s.segmentSize {
		s.checkpoints = append(s.checkpoints, Checkpoint{
			EndSequence: entry.Sequence,
			ChainHead:   entry.EntryHash,
		})
		s.segments = append(s.segments, make([]Entry, 0, s.segmentSize))
	}
	return nil
}

// ReadRange returns entries with from <= sequence <= to. Sequences are
// assigned contiguously by the trail, so positions are computed from the
// first stored sequence.
func (s *MemoryStore) ReadRange(from, to uint64) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.count == 0 || to < from {
		return nil, nil
	}
	out := make([]Entry, 0, to-from+1)
	for _, seg := range s.segments {
		for i := range seg {
			seq := seg[i].Sequence
			if seq < from {
				continue
			}
			if seq > to {
				return out, nil
			}
			out = append(out, seg[i])
		}
	}
	return out, nil
}

// Last returns the most recent entry.
func (s *MemoryStore) Last() (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.segments) - 1; i >= 0; i-- {
		if n := len(s.segments[i]); n > 0 {
			return s.segments[i][n-1], true, nil
		}
	}
	return Entry{}, false, nil
}

// Checkpoints returns the sealed-segment checkpoints recorded so far.
func (s *MemoryStore) Checkpoints() []Checkpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Checkpoint, len(s.checkpoints))
	copy(out, s.checkpoints)
	return out
}

// Segments returns the number of segments, including the active one.
func (s *MemoryStore) Segments() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.segments)
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
