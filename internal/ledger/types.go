package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// BudgetStatus controls whether an entity may reserve new funds.
type BudgetStatus string

const (
	// BudgetActive means leases are granted normally.
	BudgetActive BudgetStatus = "active"
	// BudgetFrozen means all lease requests are rejected regardless of headroom.
	BudgetFrozen BudgetStatus = "frozen"
	// BudgetDepleted is set automatically when a settlement leaves no headroom.
	// It rejects leases like Frozen but is lifted when limits are raised.
	BudgetDepleted BudgetStatus = "depleted"
)

// Budget holds the spending limits and running total for one entity
// (an agent, project, or team). Budgets are never deleted, only archived
// by the integrating system.
type Budget struct {
	EntityID  string          `json:"entity_id"`
	Spent     decimal.Decimal `json:"spent"`
	HardLimit decimal.Decimal `json:"hard_limit"`
	SoftLimit decimal.Decimal `json:"soft_limit"`
	Currency  string          `json:"currency"`
	Status    BudgetStatus    `json:"status"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// LeaseState is the lifecycle state of a reservation.
type LeaseState string

const (
	LeaseReserved LeaseState = "reserved"
	LeaseSettled  LeaseState = "settled"
	LeaseExpired  LeaseState = "expired"
)

// Lease is a temporary reservation of budget against an estimated cost,
// pending settlement.
type Lease struct {
	ID            string          `json:"lease_id"`
	EntityID      string          `json:"entity_id"`
	EstimatedCost decimal.Decimal `json:"estimated_cost"`
	State         LeaseState      `json:"state"`
	CreatedAt     time.Time       `json:"created_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
}

// EntryKind classifies a ledger entry.
type EntryKind string

const (
	// EntryGrant records a lease reservation.
	EntryGrant EntryKind = "grant"
	// EntrySettlement records a final deduction of funds.
	EntrySettlement EntryKind = "settlement"
	// EntryAdjustment records a manual correction.
	EntryAdjustment EntryKind = "adjustment"
	// EntrySystemAudit records a status change such as a freeze.
	EntrySystemAudit EntryKind = "system_audit"
)

// Entry is an immutable record of a financial event. Entries are append-only;
// together they form the audit trail of all money movement.
type Entry struct {
	ID        string          `json:"entry_id"`
	EntityID  string          `json:"entity_id"`
	LeaseID   string          `json:"lease_id,omitempty"`
	Kind      EntryKind       `json:"kind"`
	Amount    decimal.Decimal `json:"amount"`
	Details   string          `json:"details,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Usage is the measured token consumption reported after a provider call.
type Usage struct {
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	BackendID    string `json:"backend_id"`
}

// LeaseGrant is returned by RequestLease. SoftCapWarning is informational:
// the reservation succeeded but the entity has crossed its soft limit.
type LeaseGrant struct {
	LeaseID        string          `json:"lease_id"`
	EstimatedCost  decimal.Decimal `json:"estimated_cost"`
	SoftCapWarning bool            `json:"soft_cap_warning"`
	ExpiresAt      time.Time       `json:"expires_at"`
}

// Receipt is returned after committing usage against a lease.
type Receipt struct {
	Cost            decimal.Decimal `json:"cost"`
	RemainingBudget decimal.Decimal `json:"remaining_budget"`
	SoftCapWarning  bool            `json:"soft_cap_warning"`
	Timestamp       time.Time       `json:"timestamp"`
}

// Snapshot is a read-only view of an entity's budget position.
type Snapshot struct {
	EntityID     string          `json:"entity_id"`
	Spent        decimal.Decimal `json:"spent"`
	Reserved     decimal.Decimal `json:"reserved"`
	HardLimit    decimal.Decimal `json:"hard_limit"`
	SoftLimit    decimal.Decimal `json:"soft_limit"`
	Status       BudgetStatus    `json:"status"`
	ActiveLeases int             `json:"active_leases"`
}
