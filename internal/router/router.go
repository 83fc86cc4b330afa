// Package router is the model orchestration core. It resolves a caller's
// execution profile, walks the tier ladder under circuit-breaker and budget
// control, dispatches to the provider-invocation collaborator, and settles
// every reservation it takes out.
package router

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Mad-Labs42/ZED42/internal/circuit"
	"github.com/Mad-Labs42/ZED42/internal/ledger"
	"github.com/Mad-Labs42/ZED42/internal/profile"
	"github.com/Mad-Labs42/ZED42/internal/rates"
)

// RetryCause classifies why a caller is re-issuing a request. The set is
// closed; anything else is rejected at the boundary.
type RetryCause string

const (
	RetryNone              RetryCause = ""
	RetryRateLimit         RetryCause = "rate_limit"
	RetryServerBusy        RetryCause = "server_busy"
	RetryValidationFailure RetryCause = "validation_failure"
)

// Valid reports whether the cause is in the closed set.
func (c RetryCause) Valid() bool {
	switch c {
	case RetryNone, RetryRateLimit, RetryServerBusy, RetryValidationFailure:
		return true
	}
	return false
}

// Request is a routable unit of work.
type Request struct {
	ID              string
	CallerID        string
	Payload         string
	InputTokens     int64 // measured by the caller; 0 falls back to a size heuristic
	MaxOutputTokens int64
	RetryCause      RetryCause
}

// Response is the provider's answer to a routed request.
type Response struct {
	Content   string
	BackendID string
}

// Invoker is the provider-invocation collaborator. The router does not know
// how the call is transported; it only requires that the call respects the
// timeout and reports measured usage on success.
type Invoker interface {
	Invoke(ctx context.Context, backendID, payload string, timeout time.Duration) (*Response, ledger.Usage, error)
}

// Config tunes router behavior.
type Config struct {
	// DispatchTimeout bounds each provider attempt.
	DispatchTimeout time.Duration
	// MaxRetries is the number of extra in-tier attempts on transient failure.
	MaxRetries int
	// RetryBaseDelay seeds the exponential in-tier backoff.
	RetryBaseDelay time.Duration
	// BackpressureMinBackends is the minimum tracked backends before the
	// backpressure check applies.
	BackpressureMinBackends int
	// BackpressureRatio is the open-circuit fraction that triggers fail-fast.
	BackpressureRatio float64
	// BackpressureRetryAfter is the wait hint attached to backpressure errors.
	BackpressureRetryAfter time.Duration
	// DefaultMaxOutputTokens is used for estimation when a request does not
	// bound its output.
	DefaultMaxOutputTokens int64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DispatchTimeout:         30 * time.Second,
		MaxRetries:              2,
		RetryBaseDelay:          100 * time.Millisecond,
		BackpressureMinBackends: 3,
		BackpressureRatio:       0.8,
		BackpressureRetryAfter:  30 * time.Second,
		DefaultMaxOutputTokens:  1024,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = d.DispatchTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	if c.BackpressureMinBackends <= 0 {
		c.BackpressureMinBackends = d.BackpressureMinBackends
	}
	if c.BackpressureRatio <= 0 || c.BackpressureRatio > 1 {
		c.BackpressureRatio = d.BackpressureRatio
	}
	if c.BackpressureRetryAfter <= 0 {
		c.BackpressureRetryAfter = d.BackpressureRetryAfter
	}
	if c.DefaultMaxOutputTokens <= 0 {
		c.DefaultMaxOutputTokens = d.DefaultMaxOutputTokens
	}
	return c
}

// Router orchestrates tier selection, budget enforcement, and dispatch.
type Router struct {
	ledger   *ledger.Service
	rates    *rates.Table
	circuits *circuit.Registry
	profiles *profile.Resolver
	invoker  Invoker
	logs     LogStore
	config   Config
}

// New creates a Router. A nil logs store disables routing logs.
func New(l *ledger.Service, rt *rates.Table, cb *circuit.Registry, pr *profile.Resolver, inv Invoker, logs LogStore, config Config) *Router {
	if logs == nil {
		logs = NewMemoryLogStore()
	}
	return &Router{
		ledger:   l,
		rates:    rt,
		circuits: cb,
		profiles: pr,
		invoker:  inv,
		logs:     logs,
		config:   config.withDefaults(),
	}
}

// CircuitStatus exposes the current circuit state of every tracked backend.
func (r *Router) CircuitStatus() []circuit.Status {
	return r.circuits.Status()
}

// Route walks the caller's tier ladder until one backend serves the request
// or the ladder is exhausted. Budget refusals abort the whole route; provider
// failures advance to the next tier; circuit-open tiers are skipped silently.
func (r *Router) Route(ctx context.Context, req Request) (*Response, error) {
	if req.ID == "" {
		req.ID = ulid.Make().String()
	}
	if !req.RetryCause.Valid() {
		return nil, errors.New("invalid retry cause: " + string(req.RetryCause))
	}

	if err := r.checkBackpressure(ctx, req); err != nil {
		return nil, err
	}

	prof, err := r.profiles.Resolve(req.CallerID)
	if err != nil {
		return nil, err
	}

	start := 0
	if req.RetryCause == RetryValidationFailure {
		if i := prof.EscalationIndex(); i >= 0 {
			start = i
			log.Info().
				Str("request", req.ID).
				Str("caller", req.CallerID).
				Str("backend", prof.Tiers[i].BackendID).
				Msg("Smart escalation: validation failed, skipping to escalation tier")
		}
	}

	var failures []TierFailure
	var skipped []string

	for i := start; i < len(prof.Tiers); i++ {
		tier := prof.Tiers[i]

		if !r.circuits.Allow(tier.BackendID) {
			tierAttemptsTotal.WithLabelValues(tier.BackendID, "circuit_skip").Inc()
			skipped = append(skipped, tier.BackendID)
			log.Debug().
				Str("request", req.ID).
				Str("backend", tier.BackendID).
				Msg("Circuit open, skipping tier")
			continue
		}

		estimate, err := r.estimate(tier.BackendID, req)
		if err != nil {
			// Configuration gap, not a provider fault: no circuit penalty.
			failures = append(failures, TierFailure{BackendID: tier.BackendID, Err: err})
			continue
		}

		grant, err := r.ledger.RequestLease(ctx, req.CallerID, estimate)
		if err != nil {
			if denial := leaseDenialReason(err); denial != "" {
				leaseDenialsTotal.WithLabelValues(denial).Inc()
				r.appendLog(ctx, LogEntry{
					RequestID:      req.ID,
					CallerID:       req.CallerID,
					BackendID:      tier.BackendID,
					Tier:           i + 1,
					Outcome:        OutcomeBudgetExceeded,
					FailoverReason: err.Error(),
					Critical:       true,
					Timestamp:      time.Now(),
				})
				routeOutcomesTotal.WithLabelValues(OutcomeBudgetExceeded).Inc()
				return nil, &BudgetExceededError{CallerID: req.CallerID, Err: err}
			}
			return nil, err
		}
		if grant.SoftCapWarning {
			log.Warn().
				Str("request", req.ID).
				Str("caller", req.CallerID).
				Str("backend", tier.BackendID).
				Msg("Routing above soft cap")
		}

		resp, usage, attempts, dispatchErr := r.dispatch(ctx, tier.BackendID, req)
		if dispatchErr == nil {
			r.circuits.RecordSuccess(tier.BackendID)
			tierAttemptsTotal.WithLabelValues(tier.BackendID, "success").Inc()

			cost := decimal.Zero
			receipt, commitErr := r.ledger.CommitUsage(ctx, grant.LeaseID, usage)
			if commitErr != nil {
				// The response was produced; a settlement fault is logged,
				// not surfaced to the caller.
				log.Error().
					Err(commitErr).
					Str("request", req.ID).
					Str("lease", grant.LeaseID).
					Msg("Failed to settle lease after successful dispatch")
			} else {
				cost = receipt.Cost
			}

			r.appendLog(ctx, LogEntry{
				RequestID:  req.ID,
				CallerID:   req.CallerID,
				BackendID:  tier.BackendID,
				Tier:       i + 1,
				Outcome:    OutcomeSuccess,
				RetryCount: attempts - 1,
				Cost:       cost,
				Timestamp:  time.Now(),
			})
			routeOutcomesTotal.WithLabelValues(OutcomeSuccess).Inc()
			return resp, nil
		}

		r.circuits.RecordFailure(tier.BackendID, dispatchErr)
		tierAttemptsTotal.WithLabelValues(tier.BackendID, "failure").Inc()

		// Immediate reclaim: a failed dispatch settles nothing, so hand the
		// reservation back rather than waiting for the expiry sweep.
		if relErr := r.ledger.ReleaseLease(ctx, grant.LeaseID); relErr != nil {
			log.Error().
				Err(relErr).
				Str("lease", grant.LeaseID).
				Msg("Failed to release lease after dispatch failure")
		}

		failures = append(failures, TierFailure{BackendID: tier.BackendID, Attempts: attempts, Err: dispatchErr})

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		log.Warn().
			Str("request", req.ID).
			Str("backend", tier.BackendID).
			Int("attempts", attempts).
			Err(dispatchErr).
			Msg("Tier failed, advancing")
	}

	return nil, r.exhausted(ctx, req, failures, skipped)
}

func (r *Router) checkBackpressure(ctx context.Context, req Request) error {
	total := r.circuits.Len()
	if total < r.config.BackpressureMinBackends {
		return nil
	}
	open := r.circuits.CountOpen()
	if float64(open)/float64(total) < r.config.BackpressureRatio {
		return nil
	}

	log.Warn().
		Str("caller", req.CallerID).
		Int("open", open).
		Int("total", total).
		Msg("Backpressure triggered: provider pool exhausted")

	r.appendLog(ctx, LogEntry{
		RequestID:      req.ID,
		CallerID:       req.CallerID,
		Outcome:        OutcomeBackpressure,
		FailoverReason: "provider exhaustion",
		Critical:       true,
		Timestamp:      time.Now(),
	})
	routeOutcomesTotal.WithLabelValues(OutcomeBackpressure).Inc()

	return &BackpressureError{
		Open:       open,
		Total:      total,
		RetryAfter: r.config.BackpressureRetryAfter,
	}
}

func (r *Router) estimate(backendID string, req Request) (decimal.Decimal, error) {
	inputTokens := req.InputTokens
	if inputTokens <= 0 {
		// Rough token heuristic for unmeasured payloads.
		inputTokens = int64(len(req.Payload)/4) + 1
	}
	maxOut := req.MaxOutputTokens
	if maxOut <= 0 {
		maxOut = r.config.DefaultMaxOutputTokens
	}
	return r.rates.Estimate(backendID, inputTokens, maxOut)
}

// dispatch runs up to 1+MaxRetries attempts against one backend with
// exponential backoff. Each attempt is bounded by DispatchTimeout. No ledger
// or circuit lock is held while the call is in flight.
func (r *Router) dispatch(ctx context.Context, backendID string, req Request) (*Response, ledger.Usage, int, error) {
	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.config.RetryBaseDelay << uint(attempt-1)
			select {
			case <-ctx.Done():
				return nil, ledger.Usage{}, attempts, ctx.Err()
			case <-time.After(delay):
			}
		}

		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, r.config.DispatchTimeout)
		started := time.Now()
		resp, usage, err := r.invoker.Invoke(attemptCtx, backendID, req.Payload, r.config.DispatchTimeout)
		cancel()
		dispatchSeconds.WithLabelValues(backendID).Observe(time.Since(started).Seconds())

		if err == nil {
			if usage.BackendID == "" {
				usage.BackendID = backendID
			}
			return resp, usage, attempts, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			// Caller cancelled; do not burn further attempts.
			return nil, ledger.Usage{}, attempts, lastErr
		}
	}

	return nil, ledger.Usage{}, attempts, lastErr
}

func (r *Router) exhausted(ctx context.Context, req Request, failures []TierFailure, skipped []string) error {
	if len(failures) == 0 && len(skipped) > 0 {
		r.appendLog(ctx, LogEntry{
			RequestID:      req.ID,
			CallerID:       req.CallerID,
			Outcome:        OutcomeProvidersUnavailable,
			FailoverReason: "all circuits open",
			Critical:       true,
			Timestamp:      time.Now(),
		})
		routeOutcomesTotal.WithLabelValues(OutcomeProvidersUnavailable).Inc()
		return &AllProvidersUnavailableError{
			RequestID: req.ID,
			CallerID:  req.CallerID,
			Backends:  skipped,
		}
	}

	err := &AllTiersFailedError{
		RequestID: req.ID,
		CallerID:  req.CallerID,
		Failures:  failures,
	}

	log.Error().
		Str("request", req.ID).
		Str("caller", req.CallerID).
		Int("tiers_failed", len(failures)).
		Msg("Route exhausted all tiers")

	r.appendLog(ctx, LogEntry{
		RequestID:      req.ID,
		CallerID:       req.CallerID,
		Outcome:        OutcomeAllTiersFailed,
		FailoverReason: err.Error(),
		Critical:       true,
		Timestamp:      time.Now(),
	})
	routeOutcomesTotal.WithLabelValues(OutcomeAllTiersFailed).Inc()
	return err
}

func (r *Router) appendLog(ctx context.Context, e LogEntry) {
	if err := r.logs.Append(ctx, e); err != nil {
		log.Error().Err(err).Str("request", e.RequestID).Msg("Failed to append routing log")
	}
}

func leaseDenialReason(err error) string {
	var hardCap *ledger.HardCapError
	if errors.As(err, &hardCap) {
		return "hard_cap"
	}
	var frozen *ledger.FrozenError
	if errors.As(err, &frozen) {
		return "frozen"
	}
	if errors.Is(err, ledger.ErrBudgetNotFound) {
		return "missing_budget"
	}
	return ""
}
