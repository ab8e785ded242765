package gate

import "sync"

// keyedMutex serializes work per key while letting unrelated keys
// proceed in parallel. Entries are reference counted and removed when
// the last holder unlocks, so the map does not grow with the key
// space.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock acquires the lock for key and returns its unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// inFlightKeys tracks idempotency keys with a bridge call currently
// executing. At most one call per key may be in flight.
type inFlightKeys struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func newInFlightKeys() *inFlightKeys {
	return &inFlightKeys{keys: make(map[string]struct{})}
}

// Acquire reserves the key, reporting false if a call already holds
// it.
func (f *inFlightKeys) Acquire(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, held := f.keys[key]; held {
		return false
	}
	f.keys[key] = struct{}{}
	return true
}

// Release frees the key.
func (f *inFlightKeys) Release(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, key)
}
