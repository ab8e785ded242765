package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// healthRecord is one cached health observation.
type healthRecord struct {
	status    HealthStatus
	checkedAt time.Time
}

// Registry holds one adapter instance per configured external system
// name and caches health observations. Health polling runs on its own
// interval, independent of call traffic, so a predictable outage is
// refused pre-flight instead of burning a timeout per resident.
type Registry struct {
	mu           sync.RWMutex
	adapters     map[string]Adapter
	health       map[string]healthRecord
	clock        Clock
	checkTimeout time.Duration
	logger       *slog.Logger
}

// NewRegistry creates an empty registry. A nil clock selects wall time.
func NewRegistry(clock Clock) *Registry {
	if clock == nil {
		clock = wallClock{}
	}
	return &Registry{
		adapters:     make(map[string]Adapter),
		health:       make(map[string]healthRecord),
		clock:        clock,
		checkTimeout: 5 * time.Second,
		logger:       slog.Default().With("component", "bridge.registry"),
	}
}

// Register adds an adapter under its name. Duplicate names are a wiring
// error.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a == nil {
		return fmt.Errorf("bridge: nil adapter")
	}
	name := a.Name()
	if name == "" {
		return fmt.Errorf("bridge: adapter with empty name")
	}
	if _, dup := r.adapters[name]; dup {
		return fmt.Errorf("bridge: adapter %q already registered", name)
	}
	r.adapters[name] = a
	return nil
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrAdapterNotFound, name)
	}
	return a, nil
}

// List returns the schemas of all registered adapters.
func (r *Registry) List() []AdapterSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AdapterSchema, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a.Schema())
	}
	return out
}

// Names returns the registered adapter names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	return out
}

// CheckNow runs one health check against the named adapter under the
// registry's own timeout budget and caches the observation.
func (r *Registry) CheckNow(ctx context.Context, name string) (HealthStatus, error) {
	a, err := r.Get(name)
	if err != nil {
		return HealthStatus{}, err
	}

	cctx, cancel := context.WithTimeout(ctx, r.checkTimeout)
	defer cancel()
	start := r.clock.Now()
	status := a.HealthCheck(cctx)
	status.LatencyMillis = r.clock.Now().Sub(start).Milliseconds()

	r.mu.Lock()
	r.health[name] = healthRecord{status: status, checkedAt: r.clock.Now()}
	r.mu.Unlock()

	if status.State != HealthConnected {
		r.logger.Warn("adapter unhealthy", "adapter", name, "state", string(status.State), "detail", status.Detail)
	}
	return status, nil
}

// CheckAll polls every registered adapter once.
func (r *Registry) CheckAll(ctx context.Context) {
	for _, name := range r.Names() {
		if _, err := r.CheckNow(ctx, name); err != nil {
			r.logger.Error("health check failed", "adapter", name, "error", err)
		}
	}
}

// Run polls all adapters on the given interval until ctx is cancelled.
// An immediate first pass seeds the cache so pre-flight checks work
// from startup.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	r.CheckAll(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.CheckAll(ctx)
		}
	}
}

// LastHealth returns the cached health observation for an adapter and
// when it was taken.
func (r *Registry) LastHealth(name string) (HealthStatus, time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.health[name]
	return rec.status, rec.checkedAt, ok
}

// Available reports whether the adapter is callable: a health
// observation exists, is fresher than staleness, and reports connected.
func (r *Registry) Available(name string, staleness time.Duration) (bool, string) {
	status, checkedAt, ok := r.LastHealth(name)
	if !ok {
		return false, "no health observation"
	}
	if r.clock.Now().Sub(checkedAt) > staleness {
		return false, "health observation stale"
	}
	if status.State != HealthConnected {
		return false, fmt.Sprintf("adapter %s", status.State)
	}
	return true, ""
}
