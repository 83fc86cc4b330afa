package circuit

import (
	"sort"
	"sync"
	"time"
)

// Registry tracks one breaker per backend. All methods are safe for
// concurrent callers; per-backend state is guarded by the breaker's own lock
// so unrelated backends never contend.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*breaker
	config   Config

	now func() time.Time
}

// NewRegistry creates a Registry whose breakers use the given config.
func NewRegistry(config Config) *Registry {
	return &Registry{
		breakers: make(map[string]*breaker),
		config:   config.withDefaults(),
		now:      time.Now,
	}
}

func (r *Registry) get(backendID string) *breaker {
	r.mu.RLock()
	b, ok := r.breakers[backendID]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[backendID]; ok {
		return b
	}
	b = newBreaker(backendID, r.config)
	r.breakers[backendID] = b
	return b
}

// Allow reports whether a dispatch to the backend may proceed. This may
// transition an open circuit to half-open once its cooldown has elapsed, and
// in half-open it admits exactly one canary attempt.
func (r *Registry) Allow(backendID string) bool {
	return r.get(backendID).allow(r.now())
}

// CanAllow is the read-only availability check. It never causes a state
// transition; use it for status surfaces, not for admitting dispatches.
func (r *Registry) CanAllow(backendID string) bool {
	return r.get(backendID).canAllow(r.now())
}

// RecordSuccess reports a successful dispatch, closing the circuit.
func (r *Registry) RecordSuccess(backendID string) {
	r.get(backendID).recordSuccess()
}

// RecordFailure reports a failed dispatch.
func (r *Registry) RecordFailure(backendID string, err error) {
	r.get(backendID).recordFailure(r.now(), err)
}

// State returns the current state for a backend. Backends never seen are
// Closed.
func (r *Registry) State(backendID string) State {
	r.mu.RLock()
	b, ok := r.breakers[backendID]
	r.mu.RUnlock()
	if !ok {
		return StateClosed
	}
	return b.currentState()
}

// Status returns a snapshot of every tracked backend, sorted by backend ID.
func (r *Registry) Status() []Status {
	now := r.now()

	r.mu.RLock()
	breakers := make([]*breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	out := make([]Status, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.snapshot(now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BackendID < out[j].BackendID })
	return out
}

// CountOpen returns how many tracked backends are not Closed.
func (r *Registry) CountOpen() int {
	r.mu.RLock()
	breakers := make([]*breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	open := 0
	for _, b := range breakers {
		if b.currentState() != StateClosed {
			open++
		}
	}
	return open
}

// Len returns the number of backends tracked so far.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.breakers)
}
