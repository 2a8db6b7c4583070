// Package economy defines the currency ledger records.
//
// The Transaction log is the source of truth for all balances. Account is a
// denormalized projection derived from it and is only ever written by the
// balance coordinator.
package economy

import (
	"strings"
	"time"

	apperrors "github.com/guildworks/economy/internal/errors"
)

// Transaction types recorded in the ledger.
const (
	TxTypeTaskReward  = "task_reward"
	TxTypePurchase    = "purchase"
	TxTypeAdminAdjust = "admin_adjust"
	TxTypeRefund      = "refund"
	TxTypeDaily       = "daily"
	TxTypeTransfer    = "transfer"
)

// Account is the per-tenant, per-user balance projection.
type Account struct {
	TenantID    string    `json:"tenant_id"`
	UserID      string    `json:"user_id"`
	Balance     int64     `json:"balance"`
	TotalEarned int64     `json:"total_earned"`
	TotalSpent  int64     `json:"total_spent"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ValidTxType reports whether t is a transaction type the ledger records.
func ValidTxType(t string) bool {
	switch t {
	case TxTypeTaskReward, TxTypePurchase, TxTypeAdminAdjust, TxTypeRefund, TxTypeDaily, TxTypeTransfer:
		return true
	}
	return false
}

// LedgerTotals is the fold of an account's entire transaction history.
type LedgerTotals struct {
	Balance int64
	Earned  int64
	Spent   int64
}

// Add accumulates one transaction into the totals.
func (t *LedgerTotals) Add(tx Transaction) {
	t.Balance += tx.Amount
	if tx.Amount > 0 {
		t.Earned += tx.Amount
	} else {
		t.Spent -= tx.Amount
	}
}

// Transaction is one immutable ledger record. BalanceAfter always equals
// BalanceBefore plus Amount; construction enforces it before anything is
// written to the store.
type Transaction struct {
	ID            string            `json:"id"`
	TenantID      string            `json:"tenant_id"`
	UserID        string            `json:"user_id"`
	Amount        int64             `json:"amount"`
	BalanceBefore int64             `json:"balance_before"`
	BalanceAfter  int64             `json:"balance_after"`
	Type          string            `json:"type"`
	Description   string            `json:"description,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Validate checks the invariants a transaction must hold before it may be
// appended to the ledger.
func (t Transaction) Validate() error {
	if strings.TrimSpace(t.TenantID) == "" {
		return apperrors.Validation("tenant_id is required")
	}
	if strings.TrimSpace(t.UserID) == "" {
		return apperrors.Validation("user_id is required")
	}
	if strings.TrimSpace(t.Type) == "" {
		return apperrors.Validation("transaction type is required")
	}
	if t.BalanceBefore+t.Amount != t.BalanceAfter {
		return apperrors.ErrIntegrityViolation
	}
	return nil
}
