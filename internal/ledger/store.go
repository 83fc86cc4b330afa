package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Store is the durable record of budgets, leases, and the settlement log.
// Implementations must not assume single-threaded access, but they are not
// required to serialize check-then-reserve sequences themselves: the Service
// holds a per-entity critical section around every mutating call group.
type Store interface {
	// GetBudget returns the budget for an entity, or ErrBudgetNotFound.
	GetBudget(ctx context.Context, entityID string) (Budget, error)
	// PutBudget inserts or replaces a budget.
	PutBudget(ctx context.Context, b Budget) error
	// GetLease returns a lease by ID, or ErrLeaseNotFound.
	GetLease(ctx context.Context, leaseID string) (Lease, error)
	// PutLease inserts or replaces a lease.
	PutLease(ctx context.Context, l Lease) error
	// ReservedPosition returns the sum and count of reserved, unexpired
	// leases for an entity as of now.
	ReservedPosition(ctx context.Context, entityID string, now time.Time) (decimal.Decimal, int, error)
	// ExpireLeases transitions every reserved lease past its expiry to
	// Expired and returns how many were transitioned.
	ExpireLeases(ctx context.Context, now time.Time) (int, error)
	// AppendEntry appends an immutable ledger entry.
	AppendEntry(ctx context.Context, e Entry) error
	// Entries returns the most recent ledger entries for an entity,
	// newest first. A limit <= 0 means no limit.
	Entries(ctx context.Context, entityID string, limit int) ([]Entry, error)
	// Close releases resources.
	Close() error
}

// MemoryStore is an in-memory Store. It backs tests and short-lived tooling;
// production deployments use the SQLite store.
type MemoryStore struct {
	mu      sync.RWMutex
	budgets map[string]Budget
	leases  map[string]Lease
	entries []Entry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		budgets: make(map[string]Budget),
		leases:  make(map[string]Lease),
	}
}

func (m *MemoryStore) GetBudget(_ context.Context, entityID string) (Budget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.budgets[entityID]
	if !ok {
		return Budget{}, ErrBudgetNotFound
	}
	return b, nil
}

func (m *MemoryStore) PutBudget(_ context.Context, b Budget) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.budgets[b.EntityID] = b
	return nil
}

func (m *MemoryStore) GetLease(_ context.Context, leaseID string) (Lease, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.leases[leaseID]
	if !ok {
		return Lease{}, ErrLeaseNotFound
	}
	return l, nil
}

func (m *MemoryStore) PutLease(_ context.Context, l Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leases[l.ID] = l
	return nil
}

func (m *MemoryStore) ReservedPosition(_ context.Context, entityID string, now time.Time) (decimal.Decimal, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := decimal.Zero
	count := 0
	for _, l := range m.leases {
		if l.EntityID != entityID || l.State != LeaseReserved {
			continue
		}
		if !l.ExpiresAt.After(now) {
			continue
		}
		total = total.Add(l.EstimatedCost)
		count++
	}
	return total, count, nil
}

func (m *MemoryStore) ExpireLeases(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	expired := 0
	for id, l := range m.leases {
		if l.State == LeaseReserved && !l.ExpiresAt.After(now) {
			l.State = LeaseExpired
			m.leases[id] = l
			expired++
		}
	}
	return expired, nil
}

func (m *MemoryStore) AppendEntry(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *MemoryStore) Entries(_ context.Context, entityID string, limit int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for _, e := range m.entries {
		if entityID == "" || e.EntityID == entityID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
