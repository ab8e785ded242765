package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("permits", 3, 10*time.Second, clock)

	assert.True(t, cb.Allow())
	cb.Failure()
	cb.Failure()
	assert.Equal(t, BreakerClosed, cb.State())
	cb.Failure()
	assert.Equal(t, BreakerOpen, cb.State())
	assert.False(t, cb.Allow())
}

func TestBreakerProbesAfterReset(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("permits", 1, 10*time.Second, clock)

	cb.Failure()
	assert.False(t, cb.Allow())

	clock.Advance(11 * time.Second)
	assert.True(t, cb.Allow())
	assert.Equal(t, BreakerHalfOpen, cb.State())

	cb.Success()
	assert.Equal(t, BreakerClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("permits", 5, 10*time.Second, clock)

	for i := 0; i < 5; i++ {
		cb.Failure()
	}
	clock.Advance(11 * time.Second)
	assert.True(t, cb.Allow())

	// A single failure while half-open trips it again.
	cb.Failure()
	assert.Equal(t, BreakerOpen, cb.State())
	assert.False(t, cb.Allow())
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	cb := NewCircuitBreaker("permits", 3, 10*time.Second, newFakeClock())

	cb.Failure()
	cb.Failure()
	cb.Success()
	cb.Failure()
	cb.Failure()
	assert.Equal(t, BreakerClosed, cb.State())
}
