package router

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// LogEntry is one append-only routing decision record. It exists for
// observability only; no decision logic ever reads it back.
type LogEntry struct {
	RequestID      string          `json:"request_id"`
	CallerID       string          `json:"caller_id"`
	BackendID      string          `json:"backend_id,omitempty"`
	Tier           int             `json:"tier"`
	Outcome        string          `json:"outcome"`
	RetryCount     int             `json:"retry_count"`
	FailoverReason string          `json:"failover_reason,omitempty"`
	Cost           decimal.Decimal `json:"cost"`
	Critical       bool            `json:"critical"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Routing outcomes recorded in the log.
const (
	OutcomeSuccess              = "success"
	OutcomeBudgetExceeded       = "budget_exceeded"
	OutcomeBackpressure         = "backpressure"
	OutcomeAllTiersFailed       = "all_tiers_failed"
	OutcomeProvidersUnavailable = "all_providers_unavailable"
)

// LogStore persists routing log entries.
type LogStore interface {
	Append(ctx context.Context, e LogEntry) error
	Tail(ctx context.Context, limit int) ([]LogEntry, error)
	Close() error
}

// SQLiteLogStore implements LogStore on a SQLite database.
type SQLiteLogStore struct {
	db *sql.DB
}

const routingLogSchema = `
CREATE TABLE IF NOT EXISTS routing_logs (
	request_id      TEXT NOT NULL,
	caller_id       TEXT NOT NULL,
	backend_id      TEXT,
	tier            INTEGER NOT NULL,
	outcome         TEXT NOT NULL,
	retry_count     INTEGER NOT NULL DEFAULT 0,
	failover_reason TEXT,
	cost            TEXT NOT NULL DEFAULT '0',
	critical        INTEGER NOT NULL DEFAULT 0,
	timestamp       DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_routing_caller_time ON routing_logs(caller_id, timestamp);
`

// NewSQLiteLogStore opens (or creates) the routing log database.
func NewSQLiteLogStore(dbPath string) (*SQLiteLogStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open routing log db: %w", err)
	}
	if _, err := db.Exec(routingLogSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate routing log db: %w", err)
	}
	return &SQLiteLogStore{db: db}, nil
}

func (s *SQLiteLogStore) Append(ctx context.Context, e LogEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO routing_logs
		 (request_id, caller_id, backend_id, tier, outcome, retry_count, failover_reason, cost, critical, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RequestID, e.CallerID, e.BackendID, e.Tier, e.Outcome,
		e.RetryCount, e.FailoverReason, e.Cost.String(), e.Critical, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append routing log: %w", err)
	}
	return nil
}

func (s *SQLiteLogStore) Tail(ctx context.Context, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, caller_id, COALESCE(backend_id, ''), tier, outcome,
		        retry_count, COALESCE(failover_reason, ''), cost, critical, timestamp
		 FROM routing_logs ORDER BY timestamp DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("tail routing log: %w", err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		var cost string
		if err := rows.Scan(&e.RequestID, &e.CallerID, &e.BackendID, &e.Tier, &e.Outcome,
			&e.RetryCount, &e.FailoverReason, &cost, &e.Critical, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan routing log: %w", err)
		}
		if e.Cost, err = decimal.NewFromString(cost); err != nil {
			return nil, fmt.Errorf("parse routing log cost: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteLogStore) Close() error { return s.db.Close() }

// MemoryLogStore is an in-memory LogStore for tests and tooling.
type MemoryLogStore struct {
	mu      sync.Mutex
	entries []LogEntry
}

// NewMemoryLogStore creates an empty MemoryLogStore.
func NewMemoryLogStore() *MemoryLogStore {
	return &MemoryLogStore{}
}

func (m *MemoryLogStore) Append(_ context.Context, e LogEntry) error {
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
	return nil
}

func (m *MemoryLogStore) Tail(_ context.Context, limit int) ([]LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LogEntry, len(m.entries))
	copy(out, m.entries)
	// newest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryLogStore) Close() error { return nil }
