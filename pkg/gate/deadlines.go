package gate

import (
	"container/heap"
	"sync"
	"time"
)

// deadlineEvent is one scheduled expiry check. The event carries the
// state it expects to find; the engine re-validates under the request
// lock before transitioning, so an event firing after the request
// resolved by decision is a no-op.
type deadlineEvent struct {
	RequestID string
	Expect    State
	At        time.Time
}

type eventHeap []deadlineEvent

func (h eventHeap) Len() int            { return len(h) }
func (h eventHeap) Less(i, j int) bool  { return h[i].At.Before(h[j].At) }
func (h eventHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x interface{}) { *h = append(*h, x.(deadlineEvent)) }
func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	ev := old[n-1]
	*h = old[:n-1]
	return ev
}

// deadlineScheduler orders pending expiry events by deadline. It only
// stores and releases events; all state transitions happen in the
// engine.
type deadlineScheduler struct {
	mu     sync.Mutex
	events eventHeap
}

func newDeadlineScheduler() *deadlineScheduler {
	s := &deadlineScheduler{}
	heap.Init(&s.events)
	return s
}

// Schedule enqueues an expiry check for the request.
func (s *deadlineScheduler) Schedule(requestID string, expect State, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	heap.Push(&s.events, deadlineEvent{RequestID: requestID, Expect: expect, At: at})
}

// Due pops every event whose deadline has passed.
func (s *deadlineScheduler) Due(now time.Time) []deadlineEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []deadlineEvent
	for s.events.Len() > 0 && !s.events[0].At.After(now) {
		due = append(due, heap.Pop(&s.events).(deadlineEvent))
	}
	return due
}

// Next returns the earliest pending deadline, if any.
func (s *deadlineScheduler) Next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events.Len() == 0 {
		return time.Time{}, false
	}
	return s.events[0].At, true
}

// Len reports the number of pending events.
func (s *deadlineScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events.Len()
}
