package router

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteLogStoreTailNewestFirst(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteLogStore(filepath.Join(t.TempDir(), "routing.db"))
	require.NoError(t, err)
	defer store.Close()

	base := time.Now().UTC()
	for i, outcome := range []string{OutcomeSuccess, OutcomeAllTiersFailed, OutcomeSuccess} {
		require.NoError(t, store.Append(ctx, LogEntry{
			RequestID: "r" + string(rune('1'+i)),
			CallerID:  "caller-1",
			BackendID: "tier1",
			Tier:      1,
			Outcome:   outcome,
			Cost:      dec("0.09"),
			Critical:  outcome != OutcomeSuccess,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	entries, err := store.Tail(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "r3", entries[0].RequestID)
	assert.Equal(t, "r2", entries[1].RequestID)
	assert.True(t, entries[1].Critical)
	assert.True(t, entries[0].Cost.Equal(dec("0.09")))
}

func TestMemoryLogStoreTail(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryLogStore()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Append(ctx, LogEntry{RequestID: id}))
	}

	entries, err := store.Tail(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "c", entries[0].RequestID)
	assert.Equal(t, "b", entries[1].RequestID)
}
