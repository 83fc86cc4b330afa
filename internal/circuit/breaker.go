// Package circuit tracks per-backend failure state so that a backend
// exhibiting a failure burst is temporarily taken out of the routing rotation
// instead of cascading errors to every caller.
package circuit

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// State represents the breaker state for one backend.
type State int

const (
	// StateClosed means the backend is operating normally.
	StateClosed State = iota
	// StateOpen means the backend is rejected until the cooldown elapses.
	StateOpen
	// StateHalfOpen means a single canary attempt is probing recovery.
	StateHalfOpen
)

// String returns the state as a string.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config configures breaker behavior. All parameters come from configuration;
// none are hard-coded at call sites.
type Config struct {
	// FailureThreshold is the number of failures within Window before opening.
	FailureThreshold int
	// Window is the rolling window for failure counting.
	Window time.Duration
	// Cooldown is how long an open circuit rejects before probing.
	Cooldown time.Duration
	// ProbeTimeout is how long a half-open canary may stay in flight before
	// it is considered stuck and replaced.
	ProbeTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		Window:           30 * time.Second,
		Cooldown:         5 * time.Minute,
		ProbeTimeout:     60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	return c
}

// breaker is the failure state machine for a single backend. The cooldown
// transition from Open to HalfOpen happens lazily when state is queried, so
// no background timer thread is needed.
type breaker struct {
	mu     sync.Mutex
	config Config
	name   string

	state          State
	failures       int
	lastFailure    time.Time
	openedAt       time.Time
	canaryInFlight bool
	canarySentAt   time.Time

	totalTrips int64
}

func newBreaker(name string, config Config) *breaker {
	return &breaker{
		config: config.withDefaults(),
		state:  StateClosed,
		name:   name,
	}
}

// allow reports whether a dispatch may proceed, transitioning Open to
// HalfOpen once the cooldown has elapsed. In HalfOpen exactly one canary is
// admitted; a canary in flight past ProbeTimeout is abandoned and replaced.
func (b *breaker) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if now.Sub(b.openedAt) < b.config.Cooldown {
			return false
		}
		b.state = StateHalfOpen
		b.canaryInFlight = true
		b.canarySentAt = now
		log.Info().
			Str("backend", b.name).
			Str("state", "half-open").
			Msg("Circuit cooldown elapsed, sending canary")
		return true

	case StateHalfOpen:
		if b.canaryInFlight && now.Sub(b.canarySentAt) < b.config.ProbeTimeout {
			return false
		}
		if b.canaryInFlight {
			log.Warn().Str("backend", b.name).Msg("Canary stuck, sending replacement")
		}
		b.canaryInFlight = true
		b.canarySentAt = now
		return true

	default:
		return true
	}
}

// canAllow is the read-only variant of allow: it reports availability without
// causing a state transition.
func (b *breaker) canAllow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		return now.Sub(b.openedAt) >= b.config.Cooldown
	case StateHalfOpen:
		return !b.canaryInFlight || now.Sub(b.canarySentAt) >= b.config.ProbeTimeout
	default:
		return true
	}
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasOpen := b.state != StateClosed
	b.state = StateClosed
	b.failures = 0
	b.canaryInFlight = false

	if wasOpen {
		log.Info().Str("backend", b.name).Msg("Circuit closed after successful canary")
	}
}

func (b *breaker) recordFailure(now time.Time, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		// A failing canary reopens the circuit with a fresh cooldown.
		b.state = StateOpen
		b.openedAt = now
		b.failures = b.config.FailureThreshold
		b.canaryInFlight = false
		b.totalTrips++
		log.Warn().
			Str("backend", b.name).
			Dur("cooldown", b.config.Cooldown).
			Err(err).
			Msg("Canary failed, circuit reopened")

	case StateOpen:
		b.openedAt = now

	case StateClosed:
		if now.Sub(b.lastFailure) > b.config.Window {
			b.failures = 0
		}
		b.failures++
		b.lastFailure = now

		if b.failures >= b.config.FailureThreshold {
			b.state = StateOpen
			b.openedAt = now
			b.totalTrips++
			log.Warn().
				Str("backend", b.name).
				Int("failures", b.failures).
				Dur("cooldown", b.config.Cooldown).
				Err(err).
				Msg("Circuit opened")
		}
	}
}

func (b *breaker) snapshot(now time.Time) Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Status{
		BackendID:  b.name,
		State:      b.state.String(),
		Failures:   b.failures,
		TotalTrips: b.totalTrips,
	}
	if b.state == StateOpen {
		if remaining := b.config.Cooldown - now.Sub(b.openedAt); remaining > 0 {
			st.RetryIn = remaining
		}
	}
	return st
}

func (b *breaker) currentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status is a point-in-time summary of one backend's circuit.
type Status struct {
	BackendID  string        `json:"backend_id"`
	State      string        `json:"state"`
	Failures   int           `json:"failures"`
	TotalTrips int64         `json:"total_trips"`
	RetryIn    time.Duration `json:"retry_in_ms,omitempty"`
}
