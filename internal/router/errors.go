package router

import (
	"fmt"
	"strings"
	"time"
)

// BudgetExceededError means the ledger refused the lease at caller level.
// It is terminal for the whole route: budget exhaustion is never silently
// downgraded to a cheaper tier.
type BudgetExceededError struct {
	CallerID string
	Err      error
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded for caller %q: %v", e.CallerID, e.Err)
}

func (e *BudgetExceededError) Unwrap() error { return e.Err }

// TierFailure records why one tier failed during a route.
type TierFailure struct {
	BackendID string
	Attempts  int
	Err       error
}

func (f TierFailure) String() string {
	return fmt.Sprintf("%s (%d attempts): %v", f.BackendID, f.Attempts, f.Err)
}

// AllTiersFailedError is the terminal result after every tier was tried and
// failed. It aggregates the per-tier reasons so the decision trail can be
// reconstructed without inspecting internals.
type AllTiersFailedError struct {
	RequestID string
	CallerID  string
	Failures  []TierFailure
}

func (e *AllTiersFailedError) Error() string {
	reasons := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		reasons[i] = f.String()
	}
	return fmt.Sprintf("all tiers failed for caller %q: %s", e.CallerID, strings.Join(reasons, "; "))
}

// AllProvidersUnavailableError is returned when every tier was skipped
// because its circuit was open, so nothing was ever dispatched.
type AllProvidersUnavailableError struct {
	RequestID string
	CallerID  string
	Backends  []string
}

func (e *AllProvidersUnavailableError) Error() string {
	return fmt.Sprintf("all providers unavailable for caller %q: circuits open for %s",
		e.CallerID, strings.Join(e.Backends, ", "))
}

// BackpressureError is returned without consuming budget when most tracked
// circuits are open: the provider pool is exhausted and callers should back
// off instead of queueing behind it.
type BackpressureError struct {
	Open       int
	Total      int
	RetryAfter time.Duration
}

func (e *BackpressureError) Error() string {
	return fmt.Sprintf("backpressure: %d/%d circuits open, retry in %s", e.Open, e.Total, e.RetryAfter)
}
