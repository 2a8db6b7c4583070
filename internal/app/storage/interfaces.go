package storage

import (
	"context"
	"time"

	"github.com/guildworks/economy/internal/app/domain/economy"
	"github.com/guildworks/economy/internal/app/domain/job"
	"github.com/guildworks/economy/internal/app/domain/shop"
	"github.com/guildworks/economy/internal/app/domain/task"
)

// AccountStore persists balance projections. The projection is derived from
// the ledger; only the balance coordinator may call UpdateAccount.
// UpdateAccount carries the balance the caller read at the start of its
// critical section; stores reject the write with ErrConcurrencyConflict when
// the row no longer matches. The in-process key lock is the primary
// guarantee; the guard is defense-in-depth.
type AccountStore interface {
	CreateAccount(ctx context.Context, acct economy.Account) (economy.Account, error)
	GetAccount(ctx context.Context, tenantID, userID string) (economy.Account, error)
	UpdateAccount(ctx context.Context, acct economy.Account, expectedBalance int64) error

	// ListAccounts pages through accounts for reconciliation sweeps. An empty
	// tenantID scans all tenants.
	ListAccounts(ctx context.Context, tenantID string, limit int) ([]economy.Account, error)
}

// LedgerStore persists the append-only transaction log.
type LedgerStore interface {
	AppendTransaction(ctx context.Context, tx economy.Transaction) (economy.Transaction, error)
	ListTransactions(ctx context.Context, tenantID, userID string, limit int) ([]economy.Transaction, error)

	// SumTransactions folds the account's entire history into totals.
	// Reconciliation treats the result as authoritative, so implementations
	// must read every entry or return an error; a truncated sum must never
	// be returned.
	SumTransactions(ctx context.Context, tenantID, userID string) (economy.LedgerTotals, error)
}

// TaskStore persists reward tasks.
type TaskStore interface {
	CreateTask(ctx context.Context, t task.Task) (task.Task, error)
	UpdateTask(ctx context.Context, t task.Task) (task.Task, error)
	GetTask(ctx context.Context, tenantID, taskID string) (task.Task, error)
	ListTasks(ctx context.Context, tenantID string, status task.TaskStatus) ([]task.Task, error)

	// IncrementTaskClaims bumps current_claims by one, guarded on the count
	// the caller observed.
	IncrementTaskClaims(ctx context.Context, tenantID, taskID string, expectedClaims int) (task.Task, error)
}

// ClaimStore persists per-user task claims.
type ClaimStore interface {
	CreateClaim(ctx context.Context, c task.Claim) (task.Claim, error)
	UpdateClaim(ctx context.Context, c task.Claim) (task.Claim, error)
	GetClaim(ctx context.Context, tenantID, userID, taskID string) (task.Claim, error)
	ListClaimsByUser(ctx context.Context, tenantID, userID string) ([]task.Claim, error)

	// ListOverdueClaims returns non-terminal claims whose deadline passed
	// before the given time. An empty tenantID scans all tenants.
	ListOverdueClaims(ctx context.Context, tenantID string, before time.Time) ([]task.Claim, error)
}

// ItemStore persists shop items.
type ItemStore interface {
	CreateItem(ctx context.Context, item shop.Item) (shop.Item, error)
	UpdateItem(ctx context.Context, item shop.Item) (shop.Item, error)
	GetItem(ctx context.Context, tenantID, itemID string) (shop.Item, error)
	ListItems(ctx context.Context, tenantID string, activeOnly bool) ([]shop.Item, error)

	// DecrementItemStock reduces stock by qty, guarded on the stock level the
	// caller observed. Never called for unlimited-stock items.
	DecrementItemStock(ctx context.Context, tenantID, itemID string, qty, expectedStock int) (shop.Item, error)
}

// InventoryStore persists user inventories.
type InventoryStore interface {
	GetInventoryEntry(ctx context.Context, tenantID, userID, itemID string) (shop.InventoryEntry, error)
	UpsertInventoryEntry(ctx context.Context, entry shop.InventoryEntry) (shop.InventoryEntry, error)
	ListInventory(ctx context.Context, tenantID, userID string) ([]shop.InventoryEntry, error)
}

// JobStore persists durable scheduled jobs.
type JobStore interface {
	CreateJob(ctx context.Context, j job.Job) (job.Job, error)
	UpdateJob(ctx context.Context, j job.Job) (job.Job, error)
	GetJob(ctx context.Context, id string) (job.Job, error)
	ListDueJobs(ctx context.Context, before time.Time, limit int) ([]job.Job, error)
}
