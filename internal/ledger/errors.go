package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrBudgetNotFound means no budget exists for the entity.
	ErrBudgetNotFound = errors.New("budget not found")
	// ErrLeaseNotFound means the lease does not exist or was already expired.
	ErrLeaseNotFound = errors.New("lease not found")
	// ErrLeaseSettled means the lease was already committed. Idempotent
	// callers must tolerate this and not double-report usage.
	ErrLeaseSettled = errors.New("lease already settled")
)

// HardCapError is returned when a reservation would push committed spend plus
// active reservations past the entity's hard limit. It carries the full
// position so the decision trail can be reconstructed from logs.
type HardCapError struct {
	EntityID  string
	Requested decimal.Decimal
	Spent     decimal.Decimal
	Reserved  decimal.Decimal
	HardLimit decimal.Decimal
}

func (e *HardCapError) Error() string {
	return fmt.Sprintf("hard cap exceeded for entity %q: spent %s + reserved %s + requested %s > limit %s",
		e.EntityID, e.Spent, e.Reserved, e.Requested, e.HardLimit)
}

// FrozenError is returned when the budget status forbids new leases.
type FrozenError struct {
	EntityID string
	Status   BudgetStatus
}

func (e *FrozenError) Error() string {
	return fmt.Sprintf("budget for entity %q is %s", e.EntityID, e.Status)
}
