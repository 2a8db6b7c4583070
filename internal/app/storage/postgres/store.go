// Package postgres implements the storage interfaces against a PostgreSQL
// database for deployments with direct DB access. The same conditional-update
// guards used by the remote adapter are expressed as WHERE clauses here.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/guildworks/economy/internal/app/domain/economy"
	"github.com/guildworks/economy/internal/app/domain/job"
	"github.com/guildworks/economy/internal/app/domain/shop"
	"github.com/guildworks/economy/internal/app/domain/task"
	"github.com/guildworks/economy/internal/app/storage"
	apperrors "github.com/guildworks/economy/internal/errors"
)

// uniqueViolation is the PostgreSQL error code for duplicate keys.
const uniqueViolation = "23505"

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.AccountStore = (*Store)(nil)
var _ storage.LedgerStore = (*Store)(nil)
var _ storage.TaskStore = (*Store)(nil)
var _ storage.ClaimStore = (*Store)(nil)
var _ storage.ItemStore = (*Store)(nil)
var _ storage.InventoryStore = (*Store)(nil)
var _ storage.JobStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}

// --- AccountStore -----------------------------------------------------------

func (s *Store) CreateAccount(ctx context.Context, acct economy.Account) (economy.Account, error) {
	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO economy_accounts (tenant_id, user_id, balance, total_earned, total_spent, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, acct.TenantID, acct.UserID, acct.Balance, acct.TotalEarned, acct.TotalSpent, acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return economy.Account{}, apperrors.ErrConcurrencyConflict
		}
		return economy.Account{}, err
	}
	return acct, nil
}

func (s *Store) GetAccount(ctx context.Context, tenantID, userID string) (economy.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, user_id, balance, total_earned, total_spent, created_at, updated_at
		FROM economy_accounts
		WHERE tenant_id = $1 AND user_id = $2
	`, tenantID, userID)

	var acct economy.Account
	err := row.Scan(&acct.TenantID, &acct.UserID, &acct.Balance, &acct.TotalEarned, &acct.TotalSpent, &acct.CreatedAt, &acct.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return economy.Account{}, apperrors.NotFound("account", tenantID+"/"+userID)
	}
	if err != nil {
		return economy.Account{}, err
	}
	return acct, nil
}

func (s *Store) UpdateAccount(ctx context.Context, acct economy.Account, expectedBalance int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE economy_accounts
		SET balance = $3, total_earned = $4, total_spent = $5, updated_at = $6
		WHERE tenant_id = $1 AND user_id = $2 AND balance = $7
	`, acct.TenantID, acct.UserID, acct.Balance, acct.TotalEarned, acct.TotalSpent, time.Now().UTC(), expectedBalance)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperrors.ErrConcurrencyConflict
	}
	return nil
}

func (s *Store) ListAccounts(ctx context.Context, tenantID string, limit int) ([]economy.Account, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, user_id, balance, total_earned, total_spent, created_at, updated_at
		FROM economy_accounts
		WHERE ($1 = '' OR tenant_id = $1)
		ORDER BY tenant_id, user_id
		LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []economy.Account
	for rows.Next() {
		var acct economy.Account
		if err := rows.Scan(&acct.TenantID, &acct.UserID, &acct.Balance, &acct.TotalEarned, &acct.TotalSpent, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, acct)
	}
	return result, rows.Err()
}

// --- LedgerStore ------------------------------------------------------------

func (s *Store) AppendTransaction(ctx context.Context, tx economy.Transaction) (economy.Transaction, error) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}

	metadataJSON, err := json.Marshal(tx.Metadata)
	if err != nil {
		return economy.Transaction{}, err
	}

	// The id is the idempotency key: a retried append is a no-op.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO economy_transactions
			(id, tenant_id, user_id, amount, balance_before, balance_after, type, description, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`, tx.ID, tx.TenantID, tx.UserID, tx.Amount, tx.BalanceBefore, tx.BalanceAfter, tx.Type, tx.Description, metadataJSON, tx.CreatedAt)
	if err != nil {
		return economy.Transaction{}, err
	}
	return tx, nil
}

func (s *Store) ListTransactions(ctx context.Context, tenantID, userID string, limit int) ([]economy.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, user_id, amount, balance_before, balance_after, type, description, metadata, created_at
		FROM economy_transactions
		WHERE tenant_id = $1 AND user_id = $2
		ORDER BY created_at DESC
		LIMIT $3
	`, tenantID, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []economy.Transaction
	for rows.Next() {
		var (
			tx          economy.Transaction
			metadataRaw []byte
		)
		if err := rows.Scan(&tx.ID, &tx.TenantID, &tx.UserID, &tx.Amount, &tx.BalanceBefore, &tx.BalanceAfter, &tx.Type, &tx.Description, &metadataRaw, &tx.CreatedAt); err != nil {
			return nil, err
		}
		if len(metadataRaw) > 0 {
			_ = json.Unmarshal(metadataRaw, &tx.Metadata)
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func (s *Store) SumTransactions(ctx context.Context, tenantID, userID string) (economy.LedgerTotals, error) {
	var totals economy.LedgerTotals
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(amount), 0),
			COALESCE(SUM(CASE WHEN amount > 0 THEN amount ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN amount < 0 THEN -amount ELSE 0 END), 0)
		FROM economy_transactions
		WHERE tenant_id = $1 AND user_id = $2
	`, tenantID, userID).Scan(&totals.Balance, &totals.Earned, &totals.Spent)
	if err != nil {
		return economy.LedgerTotals{}, err
	}
	return totals, nil
}

// --- TaskStore --------------------------------------------------------------

func (s *Store) CreateTask(ctx context.Context, t task.Task) (task.Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO guild_tasks
			(id, tenant_id, title, description, reward, duration, max_claims, current_claims, status, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, t.ID, t.TenantID, t.Title, t.Description, t.Reward, t.Duration, t.MaxClaims, t.CurrentClaims, t.Status, nullTime(t.ExpiresAt), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return task.Task{}, err
	}
	return t, nil
}

func (s *Store) UpdateTask(ctx context.Context, t task.Task) (task.Task, error) {
	t.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE guild_tasks
		SET title = $3, description = $4, reward = $5, duration = $6, max_claims = $7,
		    current_claims = $8, status = $9, expires_at = $10, updated_at = $11
		WHERE tenant_id = $1 AND id = $2
	`, t.TenantID, t.ID, t.Title, t.Description, t.Reward, t.Duration, t.MaxClaims, t.CurrentClaims, t.Status, nullTime(t.ExpiresAt), t.UpdatedAt)
	if err != nil {
		return task.Task{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return task.Task{}, apperrors.NotFound("task", t.ID)
	}
	return t, nil
}

func (s *Store) GetTask(ctx context.Context, tenantID, taskID string) (task.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, title, description, reward, duration, max_claims, current_claims, status, expires_at, created_at, updated_at
		FROM guild_tasks
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, taskID)

	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, apperrors.NotFound("task", taskID)
	}
	return t, err
}

func (s *Store) ListTasks(ctx context.Context, tenantID string, status task.TaskStatus) ([]task.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, title, description, reward, duration, max_claims, current_claims, status, expires_at, created_at, updated_at
		FROM guild_tasks
		WHERE tenant_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at
	`, tenantID, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (s *Store) IncrementTaskClaims(ctx context.Context, tenantID, taskID string, expectedClaims int) (task.Task, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE guild_tasks
		SET current_claims = current_claims + 1, updated_at = $3
		WHERE tenant_id = $1 AND id = $2 AND current_claims = $4
	`, tenantID, taskID, time.Now().UTC(), expectedClaims)
	if err != nil {
		return task.Task{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return task.Task{}, apperrors.ErrConcurrencyConflict
	}
	return s.GetTask(ctx, tenantID, taskID)
}

// --- ClaimStore -------------------------------------------------------------

func (s *Store) CreateClaim(ctx context.Context, c task.Claim) (task.Claim, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.ClaimedAt.IsZero() {
		c.ClaimedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_claims
			(id, tenant_id, user_id, task_id, status, claimed_at, deadline, submitted_at, completed_at, reject_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, c.ID, c.TenantID, c.UserID, c.TaskID, c.Status, c.ClaimedAt, nullTime(c.Deadline), nullTime(c.SubmittedAt), nullTime(c.CompletedAt), c.RejectReason)
	if err != nil {
		if isUniqueViolation(err) {
			return task.Claim{}, apperrors.ErrAlreadyClaimed
		}
		return task.Claim{}, err
	}
	return c, nil
}

func (s *Store) UpdateClaim(ctx context.Context, c task.Claim) (task.Claim, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE task_claims
		SET status = $4, deadline = $5, submitted_at = $6, completed_at = $7, reject_reason = $8
		WHERE tenant_id = $1 AND user_id = $2 AND task_id = $3
	`, c.TenantID, c.UserID, c.TaskID, c.Status, nullTime(c.Deadline), nullTime(c.SubmittedAt), nullTime(c.CompletedAt), c.RejectReason)
	if err != nil {
		return task.Claim{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return task.Claim{}, apperrors.NotFound("claim", claimKey(c.TenantID, c.UserID, c.TaskID))
	}
	return c, nil
}

func (s *Store) GetClaim(ctx context.Context, tenantID, userID, taskID string) (task.Claim, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, user_id, task_id, status, claimed_at, deadline, submitted_at, completed_at, reject_reason
		FROM task_claims
		WHERE tenant_id = $1 AND user_id = $2 AND task_id = $3
	`, tenantID, userID, taskID)

	c, err := scanClaim(row)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Claim{}, apperrors.NotFound("claim", claimKey(tenantID, userID, taskID))
	}
	return c, err
}

func (s *Store) ListClaimsByUser(ctx context.Context, tenantID, userID string) ([]task.Claim, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, user_id, task_id, status, claimed_at, deadline, submitted_at, completed_at, reject_reason
		FROM task_claims
		WHERE tenant_id = $1 AND user_id = $2
		ORDER BY claimed_at DESC
	`, tenantID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectClaims(rows)
}

func (s *Store) ListOverdueClaims(ctx context.Context, tenantID string, before time.Time) ([]task.Claim, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, user_id, task_id, status, claimed_at, deadline, submitted_at, completed_at, reject_reason
		FROM task_claims
		WHERE ($1 = '' OR tenant_id = $1)
		  AND deadline IS NOT NULL AND deadline < $2
		  AND status IN ('claimed', 'in_progress', 'submitted')
		ORDER BY deadline
	`, tenantID, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectClaims(rows)
}

// --- ItemStore --------------------------------------------------------------

func (s *Store) CreateItem(ctx context.Context, item shop.Item) (shop.Item, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shop_items
			(id, tenant_id, name, description, price, stock, category, grant_ttl, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, item.ID, item.TenantID, item.Name, item.Description, item.Price, item.Stock, item.Category, item.GrantTTL, item.Active, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return shop.Item{}, err
	}
	return item, nil
}

func (s *Store) UpdateItem(ctx context.Context, item shop.Item) (shop.Item, error) {
	item.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE shop_items
		SET name = $3, description = $4, price = $5, stock = $6, category = $7, grant_ttl = $8, active = $9, updated_at = $10
		WHERE tenant_id = $1 AND id = $2
	`, item.TenantID, item.ID, item.Name, item.Description, item.Price, item.Stock, item.Category, item.GrantTTL, item.Active, item.UpdatedAt)
	if err != nil {
		return shop.Item{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return shop.Item{}, apperrors.NotFound("item", item.ID)
	}
	return item, nil
}

func (s *Store) GetItem(ctx context.Context, tenantID, itemID string) (shop.Item, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, description, price, stock, category, grant_ttl, active, created_at, updated_at
		FROM shop_items
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, itemID)

	var item shop.Item
	err := row.Scan(&item.ID, &item.TenantID, &item.Name, &item.Description, &item.Price, &item.Stock, &item.Category, &item.GrantTTL, &item.Active, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return shop.Item{}, apperrors.NotFound("item", itemID)
	}
	if err != nil {
		return shop.Item{}, err
	}
	return item, nil
}

func (s *Store) ListItems(ctx context.Context, tenantID string, activeOnly bool) ([]shop.Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, description, price, stock, category, grant_ttl, active, created_at, updated_at
		FROM shop_items
		WHERE tenant_id = $1 AND ($2 = false OR active = true)
		ORDER BY created_at
	`, tenantID, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []shop.Item
	for rows.Next() {
		var item shop.Item
		if err := rows.Scan(&item.ID, &item.TenantID, &item.Name, &item.Description, &item.Price, &item.Stock, &item.Category, &item.GrantTTL, &item.Active, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, item)
	}
	return result, rows.Err()
}

func (s *Store) DecrementItemStock(ctx context.Context, tenantID, itemID string, qty, expectedStock int) (shop.Item, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE shop_items
		SET stock = stock - $3, updated_at = $4
		WHERE tenant_id = $1 AND id = $2 AND stock = $5 AND stock >= $3
	`, tenantID, itemID, qty, time.Now().UTC(), expectedStock)
	if err != nil {
		return shop.Item{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return shop.Item{}, apperrors.ErrConcurrencyConflict
	}
	return s.GetItem(ctx, tenantID, itemID)
}

// --- InventoryStore ---------------------------------------------------------

func (s *Store) GetInventoryEntry(ctx context.Context, tenantID, userID, itemID string) (shop.InventoryEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, user_id, item_id, quantity, updated_at
		FROM user_inventory
		WHERE tenant_id = $1 AND user_id = $2 AND item_id = $3
	`, tenantID, userID, itemID)

	var entry shop.InventoryEntry
	err := row.Scan(&entry.TenantID, &entry.UserID, &entry.ItemID, &entry.Quantity, &entry.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return shop.InventoryEntry{}, apperrors.NotFound("inventory", itemID)
	}
	if err != nil {
		return shop.InventoryEntry{}, err
	}
	return entry, nil
}

func (s *Store) UpsertInventoryEntry(ctx context.Context, entry shop.InventoryEntry) (shop.InventoryEntry, error) {
	entry.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_inventory (tenant_id, user_id, item_id, quantity, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, user_id, item_id)
		DO UPDATE SET quantity = EXCLUDED.quantity, updated_at = EXCLUDED.updated_at
	`, entry.TenantID, entry.UserID, entry.ItemID, entry.Quantity, entry.UpdatedAt)
	if err != nil {
		return shop.InventoryEntry{}, err
	}
	return entry, nil
}

func (s *Store) ListInventory(ctx context.Context, tenantID, userID string) ([]shop.InventoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, user_id, item_id, quantity, updated_at
		FROM user_inventory
		WHERE tenant_id = $1 AND user_id = $2 AND quantity > 0
		ORDER BY item_id
	`, tenantID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []shop.InventoryEntry
	for rows.Next() {
		var entry shop.InventoryEntry
		if err := rows.Scan(&entry.TenantID, &entry.UserID, &entry.ItemID, &entry.Quantity, &entry.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

// --- JobStore ---------------------------------------------------------------

func (s *Store) CreateJob(ctx context.Context, j job.Job) (job.Job, error) {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Status == "" {
		j.Status = job.StatusPending
	}
	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now

	payloadJSON, err := json.Marshal(j.Payload)
	if err != nil {
		return job.Job{}, err
	}

	// Dedup by id: re-scheduling an existing job is a no-op.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduled_jobs (id, tenant_id, kind, run_at, payload, status, attempts, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`, j.ID, j.TenantID, j.Kind, j.RunAt, payloadJSON, j.Status, j.Attempts, j.LastError, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return job.Job{}, err
	}
	return s.GetJob(ctx, j.ID)
}

func (s *Store) UpdateJob(ctx context.Context, j job.Job) (job.Job, error) {
	j.UpdatedAt = time.Now().UTC()
	payloadJSON, err := json.Marshal(j.Payload)
	if err != nil {
		return job.Job{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs
		SET run_at = $2, payload = $3, status = $4, attempts = $5, last_error = $6, updated_at = $7
		WHERE id = $1
	`, j.ID, j.RunAt, payloadJSON, j.Status, j.Attempts, j.LastError, j.UpdatedAt)
	if err != nil {
		return job.Job{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return job.Job{}, apperrors.NotFound("job", j.ID)
	}
	return j, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (job.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, kind, run_at, payload, status, attempts, last_error, created_at, updated_at
		FROM scheduled_jobs
		WHERE id = $1
	`, id)

	var (
		j          job.Job
		payloadRaw []byte
	)
	err := row.Scan(&j.ID, &j.TenantID, &j.Kind, &j.RunAt, &payloadRaw, &j.Status, &j.Attempts, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Job{}, apperrors.NotFound("job", id)
	}
	if err != nil {
		return job.Job{}, err
	}
	if len(payloadRaw) > 0 {
		_ = json.Unmarshal(payloadRaw, &j.Payload)
	}
	return j, nil
}

func (s *Store) ListDueJobs(ctx context.Context, before time.Time, limit int) ([]job.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, kind, run_at, payload, status, attempts, last_error, created_at, updated_at
		FROM scheduled_jobs
		WHERE status = 'pending' AND run_at <= $1
		ORDER BY run_at
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []job.Job
	for rows.Next() {
		var (
			j          job.Job
			payloadRaw []byte
		)
		if err := rows.Scan(&j.ID, &j.TenantID, &j.Kind, &j.RunAt, &payloadRaw, &j.Status, &j.Attempts, &j.LastError, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		if len(payloadRaw) > 0 {
			_ = json.Unmarshal(payloadRaw, &j.Payload)
		}
		result = append(result, j)
	}
	return result, rows.Err()
}

// --- helpers ----------------------------------------------------------------

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (task.Task, error) {
	var (
		t         task.Task
		expiresAt sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.TenantID, &t.Title, &t.Description, &t.Reward, &t.Duration, &t.MaxClaims, &t.CurrentClaims, &t.Status, &expiresAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return task.Task{}, err
	}
	if expiresAt.Valid {
		t.ExpiresAt = expiresAt.Time
	}
	return t, nil
}

func scanClaim(row rowScanner) (task.Claim, error) {
	var (
		c                                task.Claim
		deadline, submittedAt, completed sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.TenantID, &c.UserID, &c.TaskID, &c.Status, &c.ClaimedAt, &deadline, &submittedAt, &completed, &c.RejectReason); err != nil {
		return task.Claim{}, err
	}
	if deadline.Valid {
		c.Deadline = deadline.Time
	}
	if submittedAt.Valid {
		c.SubmittedAt = submittedAt.Time
	}
	if completed.Valid {
		c.CompletedAt = completed.Time
	}
	return c, nil
}

func collectClaims(rows *sql.Rows) ([]task.Claim, error) {
	var result []task.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func claimKey(tenantID, userID, taskID string) string {
	return fmt.Sprintf("%s/%s/%s", tenantID, userID, taskID)
}
