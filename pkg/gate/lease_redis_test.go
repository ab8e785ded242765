package gate

import (
	"context"
	"testing"
	"time"
)

// TestRedisLease_Integration requires a running Redis. We skip if
// connection fails.
func TestRedisLease_Integration(t *testing.T) {
	ctx := context.Background()
	a := NewRedisLease("localhost:6379", "", 0, "instance-a")
	if err := a.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	b := NewRedisLease("localhost:6379", "", 0, "instance-b")

	key := "test-lease-key"
	_ = a.Release(ctx, key)

	ok, err := a.Acquire(ctx, key, 30*time.Second)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !ok {
		t.Errorf("Expected acquire to succeed on free key")
	}

	// A second instance cannot take a held key.
	ok, err = b.Acquire(ctx, key, 30*time.Second)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if ok {
		t.Errorf("Expected acquire to fail while held")
	}

	// A non-owner release is a no-op.
	if err := b.Release(ctx, key); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	ok, err = b.Acquire(ctx, key, 30*time.Second)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if ok {
		t.Errorf("Expected key to remain held after foreign release")
	}

	if err := a.Release(ctx, key); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	ok, err = b.Acquire(ctx, key, 30*time.Second)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !ok {
		t.Errorf("Expected acquire to succeed after owner release")
	}
	_ = b.Release(ctx, key)
}
