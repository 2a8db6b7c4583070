// Package ledger owns the append-only transaction log.
//
// The log is the sole source of truth for balances. Appends are validated
// before any store write; records are never mutated or deleted here.
package ledger

import (
	"context"

	"github.com/guildworks/economy/internal/app/domain/economy"
	"github.com/guildworks/economy/internal/app/storage"
	"github.com/guildworks/economy/internal/metrics"
	"github.com/guildworks/economy/pkg/logger"
)

// Service validates and appends ledger records.
type Service struct {
	store    storage.LedgerStore
	accounts storage.AccountStore
	log      *logger.Logger
}

// New constructs a ledger service.
func New(store storage.LedgerStore, accounts storage.AccountStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("ledger")
	}
	return &Service{store: store, accounts: accounts, log: log}
}

// Append validates the transaction's integrity and makes it durable. The
// balance_after = balance_before + amount check runs before the store is
// touched; a violation means a bug upstream, not a storage problem.
func (s *Service) Append(ctx context.Context, tx economy.Transaction) (economy.Transaction, error) {
	if err := tx.Validate(); err != nil {
		return economy.Transaction{}, err
	}

	created, err := s.store.AppendTransaction(ctx, tx)
	if err != nil {
		return economy.Transaction{}, err
	}

	metrics.RecordLedgerAppend(created.Type)
	s.log.WithField("tenant_id", created.TenantID).
		WithField("user_id", created.UserID).
		WithField("tx_id", created.ID).
		WithField("amount", created.Amount).
		WithField("type", created.Type).
		Debug("ledger append")
	return created, nil
}

// History returns recent transactions for an account, newest first.
func (s *Service) History(ctx context.Context, tenantID, userID string, limit int) ([]economy.Transaction, error) {
	return s.store.ListTransactions(ctx, tenantID, userID, limit)
}

// Reconcile recomputes an account's balance from its complete transaction
// history and corrects projection drift. Drift is an operational incident: it
// is logged and counted, then repaired from the ledger, which is
// unconditionally authoritative. The store folds every entry; a history read
// that cannot cover the whole ledger errors out rather than producing a
// partial sum, so a correct projection is never "repaired" to a wrong value.
func (s *Service) Reconcile(ctx context.Context, tenantID, userID string) (drift int64, err error) {
	acct, err := s.accounts.GetAccount(ctx, tenantID, userID)
	if err != nil {
		return 0, err
	}

	totals, err := s.store.SumTransactions(ctx, tenantID, userID)
	if err != nil {
		return 0, err
	}

	drift = acct.Balance - totals.Balance
	if drift == 0 {
		return 0, nil
	}

	metrics.RecordReconciliationDrift()
	s.log.WithField("tenant_id", tenantID).
		WithField("user_id", userID).
		WithField("projected", acct.Balance).
		WithField("ledger_sum", totals.Balance).
		WithField("drift", drift).
		Error("balance projection drifted from ledger; correcting")

	corrected := acct
	corrected.Balance = totals.Balance
	corrected.TotalEarned = totals.Earned
	corrected.TotalSpent = totals.Spent
	if err := s.accounts.UpdateAccount(ctx, corrected, acct.Balance); err != nil {
		return drift, err
	}
	return drift, nil
}
