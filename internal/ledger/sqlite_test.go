package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteBudgetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	_, err := store.GetBudget(ctx, "E1")
	assert.ErrorIs(t, err, ErrBudgetNotFound)

	in := Budget{
		EntityID:  "E1",
		Spent:     dec("12.34"),
		HardLimit: dec("100.00"),
		SoftLimit: dec("80.00"),
		Currency:  "USD",
		Status:    BudgetActive,
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.PutBudget(ctx, in))

	out, err := store.GetBudget(ctx, "E1")
	require.NoError(t, err)
	assert.True(t, out.Spent.Equal(dec("12.34")), "spent must survive storage exactly")
	assert.True(t, out.HardLimit.Equal(dec("100.00")))
	assert.Equal(t, BudgetActive, out.Status)

	// Upsert replaces.
	in.Status = BudgetFrozen
	require.NoError(t, store.PutBudget(ctx, in))
	out, err = store.GetBudget(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, BudgetFrozen, out.Status)
}

func TestSQLiteLeaseLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)
	now := time.Now().UTC()

	_, err := store.GetLease(ctx, "missing")
	assert.ErrorIs(t, err, ErrLeaseNotFound)

	lease := Lease{
		ID:            "lease-1",
		EntityID:      "E1",
		EstimatedCost: dec("10.50"),
		State:         LeaseReserved,
		CreatedAt:     now,
		ExpiresAt:     now.Add(5 * time.Minute),
	}
	require.NoError(t, store.PutLease(ctx, lease))

	stale := lease
	stale.ID = "lease-2"
	stale.EstimatedCost = dec("4.25")
	stale.ExpiresAt = now.Add(-time.Minute)
	require.NoError(t, store.PutLease(ctx, stale))

	// Only the live reservation counts toward the position.
	reserved, count, err := store.ReservedPosition(ctx, "E1", now)
	require.NoError(t, err)
	assert.True(t, reserved.Equal(dec("10.50")))
	assert.Equal(t, 1, count)

	n, err := store.ExpireLeases(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.GetLease(ctx, "lease-2")
	require.NoError(t, err)
	assert.Equal(t, LeaseExpired, got.State)

	// Sweeping again finds nothing.
	n, err = store.ExpireLeases(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSQLiteEntriesNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)
	base := time.Now().UTC()

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.AppendEntry(ctx, Entry{
			ID:        id,
			EntityID:  "E1",
			Kind:      EntryGrant,
			Amount:    dec("1.00"),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	entries, err := store.Entries(ctx, "E1", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "c", entries[0].ID)
	assert.Equal(t, "b", entries[1].ID)
}

func TestSQLiteServiceEndToEnd(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)
	svc := NewService(store, &stubPricer{costs: map[string]decimal.Decimal{"model-a": dec("45.00")}}, 5*time.Minute)

	require.NoError(t, svc.SetBudget(ctx, Budget{
		EntityID:  "E1",
		HardLimit: dec("100.00"),
		SoftLimit: dec("80.00"),
	}))

	grant, err := svc.RequestLease(ctx, "E1", dec("50.00"))
	require.NoError(t, err)

	_, err = svc.RequestLease(ctx, "E1", dec("60.00"))
	var hardCap *HardCapError
	require.ErrorAs(t, err, &hardCap)

	receipt, err := svc.CommitUsage(ctx, grant.LeaseID, Usage{InputTokens: 1000, OutputTokens: 500, BackendID: "model-a"})
	require.NoError(t, err)
	assert.True(t, receipt.Cost.Equal(dec("45.00")))

	snap, err := svc.Snapshot(ctx, "E1")
	require.NoError(t, err)
	assert.True(t, snap.Spent.Equal(dec("45.00")))
	assert.True(t, snap.Reserved.IsZero())
}
