// Package ledger implements financial governance for metered resource usage.
// Every unit of spend flows through a lease/commit protocol: callers reserve
// an estimated cost against an entity budget, dispatch the work, then settle
// the lease at the actually measured cost. An append-only entry log records
// every grant and settlement.
package ledger

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Pricer converts measured token usage into an exact cost.
// The rates package provides the production implementation.
type Pricer interface {
	Cost(backendID string, inputTokens, outputTokens int64) (decimal.Decimal, error)
}

// DefaultLeaseTTL bounds how long a reservation may sit unsettled before the
// expiry sweep reclaims its headroom.
const DefaultLeaseTTL = 5 * time.Minute

const lockShards = 64

// Service is the sole writer of budget state. All budget mutation for a given
// entity runs inside a per-entity critical section, so the check-then-reserve
// step of RequestLease is atomic. Distinct entities proceed in parallel.
type Service struct {
	store  Store
	pricer Pricer
	ttl    time.Duration
	locks  [lockShards]sync.Mutex

	now func() time.Time
}

// NewService creates a ledger Service over the given store and pricer.
// A leaseTTL <= 0 falls back to DefaultLeaseTTL.
func NewService(store Store, pricer Pricer, leaseTTL time.Duration) *Service {
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	return &Service{
		store:  store,
		pricer: pricer,
		ttl:    leaseTTL,
		now:    time.Now,
	}
}

func (s *Service) entityLock(entityID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(entityID))
	return &s.locks[h.Sum32()%lockShards]
}

// SetBudget creates or replaces the budget for an entity. An empty status
// defaults to Active; raising limits on a depleted budget reactivates it.
func (s *Service) SetBudget(ctx context.Context, b Budget) error {
	if b.SoftLimit.GreaterThan(b.HardLimit) {
		return &HardCapError{
			EntityID:  b.EntityID,
			Requested: b.SoftLimit,
			HardLimit: b.HardLimit,
		}
	}

	mu := s.entityLock(b.EntityID)
	mu.Lock()
	defer mu.Unlock()

	if b.Status == "" {
		b.Status = BudgetActive
	}
	if b.Status == BudgetDepleted && b.Spent.LessThan(b.HardLimit) {
		b.Status = BudgetActive
	}
	b.UpdatedAt = s.now()
	return s.store.PutBudget(ctx, b)
}

// RequestLease atomically checks headroom and reserves estimatedCost for the
// entity. The headroom check counts committed spend plus every active
// reservation, so two concurrent leases can never jointly breach the hard cap.
func (s *Service) RequestLease(ctx context.Context, entityID string, estimatedCost decimal.Decimal) (*LeaseGrant, error) {
	if estimatedCost.IsNegative() {
		return nil, &HardCapError{EntityID: entityID, Requested: estimatedCost}
	}

	mu := s.entityLock(entityID)
	mu.Lock()
	defer mu.Unlock()

	budget, err := s.store.GetBudget(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if budget.Status != BudgetActive {
		return nil, &FrozenError{EntityID: entityID, Status: budget.Status}
	}

	now := s.now()
	reserved, _, err := s.store.ReservedPosition(ctx, entityID, now)
	if err != nil {
		return nil, err
	}

	committed := budget.Spent.Add(reserved).Add(estimatedCost)
	if committed.GreaterThan(budget.HardLimit) {
		return nil, &HardCapError{
			EntityID:  entityID,
			Requested: estimatedCost,
			Spent:     budget.Spent,
			Reserved:  reserved,
			HardLimit: budget.HardLimit,
		}
	}

	lease := Lease{
		ID:            uuid.NewString(),
		EntityID:      entityID,
		EstimatedCost: estimatedCost,
		State:         LeaseReserved,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.ttl),
	}
	if err := s.store.PutLease(ctx, lease); err != nil {
		return nil, err
	}

	if err := s.store.AppendEntry(ctx, Entry{
		ID:        ulid.Make().String(),
		EntityID:  entityID,
		LeaseID:   lease.ID,
		Kind:      EntryGrant,
		Amount:    estimatedCost,
		Details:   "lease reserved",
		Timestamp: now,
	}); err != nil {
		return nil, err
	}

	softWarning := committed.GreaterThan(budget.SoftLimit)
	if softWarning {
		log.Warn().
			Str("entity", entityID).
			Str("committed", committed.String()).
			Str("soft_limit", budget.SoftLimit.String()).
			Msg("Lease granted above soft cap")
	}

	return &LeaseGrant{
		LeaseID:        lease.ID,
		EstimatedCost:  estimatedCost,
		SoftCapWarning: softWarning,
		ExpiresAt:      lease.ExpiresAt,
	}, nil
}

// CommitUsage settles a reserved lease at the cost of the actually measured
// usage, priced from the rate table rather than the estimate. Committing a
// lease twice fails with ErrLeaseSettled and leaves spent untouched.
func (s *Service) CommitUsage(ctx context.Context, leaseID string, usage Usage) (*Receipt, error) {
	lease, err := s.store.GetLease(ctx, leaseID)
	if err != nil {
		return nil, err
	}

	mu := s.entityLock(lease.EntityID)
	mu.Lock()
	defer mu.Unlock()

	// Re-read under the entity lock: the lease may have been settled or
	// swept between the lookup and acquiring the critical section.
	lease, err = s.store.GetLease(ctx, leaseID)
	if err != nil {
		return nil, err
	}
	switch lease.State {
	case LeaseReserved:
	case LeaseSettled:
		return nil, ErrLeaseSettled
	default:
		return nil, ErrLeaseNotFound
	}

	actualCost, err := s.pricer.Cost(usage.BackendID, usage.InputTokens, usage.OutputTokens)
	if err != nil {
		return nil, err
	}

	budget, err := s.store.GetBudget(ctx, lease.EntityID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	budget.Spent = budget.Spent.Add(actualCost)
	budget.UpdatedAt = now
	if budget.Status == BudgetActive && budget.Spent.GreaterThanOrEqual(budget.HardLimit) {
		budget.Status = BudgetDepleted
		log.Warn().
			Str("entity", budget.EntityID).
			Str("spent", budget.Spent.String()).
			Str("hard_limit", budget.HardLimit.String()).
			Msg("Budget depleted by settlement")
	}
	if err := s.store.PutBudget(ctx, budget); err != nil {
		return nil, err
	}

	lease.State = LeaseSettled
	if err := s.store.PutLease(ctx, lease); err != nil {
		return nil, err
	}

	if err := s.store.AppendEntry(ctx, Entry{
		ID:        ulid.Make().String(),
		EntityID:  lease.EntityID,
		LeaseID:   leaseID,
		Kind:      EntrySettlement,
		Amount:    actualCost,
		Details:   settlementDetails(usage),
		Timestamp: now,
	}); err != nil {
		return nil, err
	}

	log.Debug().
		Str("entity", lease.EntityID).
		Str("lease", leaseID).
		Str("cost", actualCost.String()).
		Msg("Lease settled")

	return &Receipt{
		Cost:            actualCost,
		RemainingBudget: budget.HardLimit.Sub(budget.Spent),
		SoftCapWarning:  budget.Spent.GreaterThan(budget.SoftLimit),
		Timestamp:       now,
	}, nil
}

// ReleaseLease reclaims a reservation immediately without settlement, used
// when a dispatched call fails or is cancelled. No ledger entry is written:
// no money changed hands. Releasing an already-expired lease is a no-op.
func (s *Service) ReleaseLease(ctx context.Context, leaseID string) error {
	lease, err := s.store.GetLease(ctx, leaseID)
	if err != nil {
		return err
	}

	mu := s.entityLock(lease.EntityID)
	mu.Lock()
	defer mu.Unlock()

	lease, err = s.store.GetLease(ctx, leaseID)
	if err != nil {
		return err
	}
	switch lease.State {
	case LeaseSettled:
		return ErrLeaseSettled
	case LeaseExpired:
		return nil
	}

	lease.State = LeaseExpired
	return s.store.PutLease(ctx, lease)
}

// ExpireStaleLeases transitions every reservation past its expiry to Expired,
// freeing the headroom it held. Returns the count expired. No entries are
// appended: expiry moves no money.
func (s *Service) ExpireStaleLeases(ctx context.Context, now time.Time) (int, error) {
	n, err := s.store.ExpireLeases(ctx, now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Info().Int("count", n).Msg("Expired stale leases")
	}
	return n, nil
}

// FreezeBudget rejects all further leases for the entity until unfrozen.
// The transition is recorded as a system audit entry.
func (s *Service) FreezeBudget(ctx context.Context, entityID, reason string) error {
	return s.setStatus(ctx, entityID, BudgetFrozen, "budget frozen: "+reason)
}

// UnfreezeBudget returns a frozen budget to Active.
func (s *Service) UnfreezeBudget(ctx context.Context, entityID, reason string) error {
	return s.setStatus(ctx, entityID, BudgetActive, "budget unfrozen: "+reason)
}

func (s *Service) setStatus(ctx context.Context, entityID string, status BudgetStatus, details string) error {
	mu := s.entityLock(entityID)
	mu.Lock()
	defer mu.Unlock()

	budget, err := s.store.GetBudget(ctx, entityID)
	if err != nil {
		return err
	}

	now := s.now()
	budget.Status = status
	budget.UpdatedAt = now
	if err := s.store.PutBudget(ctx, budget); err != nil {
		return err
	}

	log.Info().
		Str("entity", entityID).
		Str("status", string(status)).
		Msg("Budget status changed")

	return s.store.AppendEntry(ctx, Entry{
		ID:        ulid.Make().String(),
		EntityID:  entityID,
		Kind:      EntrySystemAudit,
		Amount:    decimal.Zero,
		Details:   details,
		Timestamp: now,
	})
}

// AdjustSpent applies a manual correction to an entity's spent total and
// records an Adjustment entry. Negative deltas refund; spent never drops
// below zero.
func (s *Service) AdjustSpent(ctx context.Context, entityID string, delta decimal.Decimal, reason string) error {
	mu := s.entityLock(entityID)
	mu.Lock()
	defer mu.Unlock()

	budget, err := s.store.GetBudget(ctx, entityID)
	if err != nil {
		return err
	}

	now := s.now()
	budget.Spent = budget.Spent.Add(delta)
	if budget.Spent.IsNegative() {
		budget.Spent = decimal.Zero
	}
	if budget.Status == BudgetDepleted && budget.Spent.LessThan(budget.HardLimit) {
		budget.Status = BudgetActive
	}
	budget.UpdatedAt = now
	if err := s.store.PutBudget(ctx, budget); err != nil {
		return err
	}

	return s.store.AppendEntry(ctx, Entry{
		ID:        ulid.Make().String(),
		EntityID:  entityID,
		Kind:      EntryAdjustment,
		Amount:    delta,
		Details:   reason,
		Timestamp: now,
	})
}

// Snapshot returns the entity's current budget position. Read-only.
func (s *Service) Snapshot(ctx context.Context, entityID string) (*Snapshot, error) {
	budget, err := s.store.GetBudget(ctx, entityID)
	if err != nil {
		return nil, err
	}
	reserved, count, err := s.store.ReservedPosition(ctx, entityID, s.now())
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		EntityID:     entityID,
		Spent:        budget.Spent,
		Reserved:     reserved,
		HardLimit:    budget.HardLimit,
		SoftLimit:    budget.SoftLimit,
		Status:       budget.Status,
		ActiveLeases: count,
	}, nil
}

// Entries returns recent ledger entries for an entity, newest first.
func (s *Service) Entries(ctx context.Context, entityID string, limit int) ([]Entry, error) {
	return s.store.Entries(ctx, entityID, limit)
}

func settlementDetails(u Usage) string {
	return fmt.Sprintf("usage committed: %d in / %d out on %s", u.InputTokens, u.OutputTokens, u.BackendID)
}
