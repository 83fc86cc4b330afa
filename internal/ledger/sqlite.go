package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a SQLite database. Monetary amounts are
// stored as decimal strings, never as floating point.
type SQLiteStore struct {
	db *sql.DB
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS budgets (
	entity_id   TEXT PRIMARY KEY,
	spent       TEXT NOT NULL,
	hard_limit  TEXT NOT NULL,
	soft_limit  TEXT NOT NULL,
	currency    TEXT NOT NULL DEFAULT 'USD',
	status      TEXT NOT NULL DEFAULT 'active',
	updated_at  DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS leases (
	lease_id       TEXT PRIMARY KEY,
	entity_id      TEXT NOT NULL,
	estimated_cost TEXT NOT NULL,
	state          TEXT NOT NULL,
	created_at     DATETIME NOT NULL,
	expires_at     DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_leases_entity_state ON leases(entity_id, state);
CREATE INDEX IF NOT EXISTS idx_leases_state_expiry ON leases(state, expires_at);
CREATE TABLE IF NOT EXISTS ledger_entries (
	entry_id   TEXT PRIMARY KEY,
	entity_id  TEXT NOT NULL,
	lease_id   TEXT,
	kind       TEXT NOT NULL,
	amount     TEXT NOT NULL,
	details    TEXT,
	timestamp  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_entity_time ON ledger_entries(entity_id, timestamp);
`

// NewSQLiteStore opens (or creates) the ledger database and runs migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}

	if _, err := db.Exec(ledgerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger db: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) GetBudget(ctx context.Context, entityID string) (Budget, error) {
	var b Budget
	var spent, hard, soft string
	err := s.db.QueryRowContext(ctx,
		`SELECT entity_id, spent, hard_limit, soft_limit, currency, status, updated_at
		 FROM budgets WHERE entity_id = ?`, entityID,
	).Scan(&b.EntityID, &spent, &hard, &soft, &b.Currency, &b.Status, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Budget{}, ErrBudgetNotFound
	}
	if err != nil {
		return Budget{}, fmt.Errorf("get budget: %w", err)
	}
	if b.Spent, err = decimal.NewFromString(spent); err != nil {
		return Budget{}, fmt.Errorf("parse spent: %w", err)
	}
	if b.HardLimit, err = decimal.NewFromString(hard); err != nil {
		return Budget{}, fmt.Errorf("parse hard limit: %w", err)
	}
	if b.SoftLimit, err = decimal.NewFromString(soft); err != nil {
		return Budget{}, fmt.Errorf("parse soft limit: %w", err)
	}
	return b, nil
}

func (s *SQLiteStore) PutBudget(ctx context.Context, b Budget) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO budgets (entity_id, spent, hard_limit, soft_limit, currency, status, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(entity_id) DO UPDATE SET
			spent = excluded.spent,
			hard_limit = excluded.hard_limit,
			soft_limit = excluded.soft_limit,
			currency = excluded.currency,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		b.EntityID, b.Spent.String(), b.HardLimit.String(), b.SoftLimit.String(),
		b.Currency, string(b.Status), b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put budget: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetLease(ctx context.Context, leaseID string) (Lease, error) {
	var l Lease
	var cost string
	err := s.db.QueryRowContext(ctx,
		`SELECT lease_id, entity_id, estimated_cost, state, created_at, expires_at
		 FROM leases WHERE lease_id = ?`, leaseID,
	).Scan(&l.ID, &l.EntityID, &cost, &l.State, &l.CreatedAt, &l.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Lease{}, ErrLeaseNotFound
	}
	if err != nil {
		return Lease{}, fmt.Errorf("get lease: %w", err)
	}
	if l.EstimatedCost, err = decimal.NewFromString(cost); err != nil {
		return Lease{}, fmt.Errorf("parse estimated cost: %w", err)
	}
	return l, nil
}

func (s *SQLiteStore) PutLease(ctx context.Context, l Lease) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO leases (lease_id, entity_id, estimated_cost, state, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(lease_id) DO UPDATE SET
			state = excluded.state,
			expires_at = excluded.expires_at`,
		l.ID, l.EntityID, l.EstimatedCost.String(), string(l.State), l.CreatedAt, l.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("put lease: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ReservedPosition(ctx context.Context, entityID string, now time.Time) (decimal.Decimal, int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT estimated_cost FROM leases
		 WHERE entity_id = ? AND state = ? AND expires_at > ?`,
		entityID, string(LeaseReserved), now,
	)
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("reserved position: %w", err)
	}
	defer rows.Close()

	// Summed in Go so the arithmetic stays in exact decimals rather than
	// SQLite's float affinity.
	total := decimal.Zero
	count := 0
	for rows.Next() {
		var cost string
		if err := rows.Scan(&cost); err != nil {
			return decimal.Zero, 0, fmt.Errorf("scan reserved lease: %w", err)
		}
		d, err := decimal.NewFromString(cost)
		if err != nil {
			return decimal.Zero, 0, fmt.Errorf("parse reserved cost: %w", err)
		}
		total = total.Add(d)
		count++
	}
	return total, count, rows.Err()
}

func (s *SQLiteStore) ExpireLeases(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE leases SET state = ? WHERE state = ? AND expires_at <= ?`,
		string(LeaseExpired), string(LeaseReserved), now,
	)
	if err != nil {
		return 0, fmt.Errorf("expire leases: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) AppendEntry(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger_entries (entry_id, entity_id, lease_id, kind, amount, details, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.EntityID, e.LeaseID, string(e.Kind), e.Amount.String(), e.Details, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Entries(ctx context.Context, entityID string, limit int) ([]Entry, error) {
	query := `SELECT entry_id, entity_id, COALESCE(lease_id, ''), kind, amount, COALESCE(details, ''), timestamp
		 FROM ledger_entries`
	var args []any
	if entityID != "" {
		query += ` WHERE entity_id = ?`
		args = append(args, entityID)
	}
	query += ` ORDER BY timestamp DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var amount string
		if err := rows.Scan(&e.ID, &e.EntityID, &e.LeaseID, &e.Kind, &amount, &e.Details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse entry amount: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
