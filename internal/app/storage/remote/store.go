package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/guildworks/economy/internal/app/domain/economy"
	"github.com/guildworks/economy/internal/app/domain/job"
	"github.com/guildworks/economy/internal/app/domain/shop"
	"github.com/guildworks/economy/internal/app/domain/task"
	"github.com/guildworks/economy/internal/app/storage"
	apperrors "github.com/guildworks/economy/internal/errors"
	"github.com/guildworks/economy/pkg/logger"
)

// Table names in the remote store.
const (
	tableAccounts     = "economy_accounts"
	tableTransactions = "economy_transactions"
	tableTasks        = "guild_tasks"
	tableClaims       = "task_claims"
	tableItems        = "shop_items"
	tableInventory    = "user_inventory"
	tableJobs         = "scheduled_jobs"
)

// Store implements the storage interfaces over the REST client. Each
// interface method is one typed command; there is no string-based routing.
type Store struct {
	client      *Client
	breaker     *breaker
	maxAttempts int
	log         *logger.Logger
}

var _ storage.AccountStore = (*Store)(nil)
var _ storage.LedgerStore = (*Store)(nil)
var _ storage.TaskStore = (*Store)(nil)
var _ storage.ClaimStore = (*Store)(nil)
var _ storage.ItemStore = (*Store)(nil)
var _ storage.InventoryStore = (*Store)(nil)
var _ storage.JobStore = (*Store)(nil)

// StoreConfig tunes retry and breaker behaviour.
type StoreConfig struct {
	MaxAttempts      int
	BreakerThreshold int
	BreakerCooldown  time.Duration
	Log              *logger.Logger
}

// NewStore wraps a client with retry, breaker, and typed commands.
func NewStore(client *Client, cfg StoreConfig) *Store {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	log := cfg.Log
	if log == nil {
		log = logger.NewDefault("remote-store")
	}
	return &Store{
		client:      client,
		breaker:     newBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		maxAttempts: maxAttempts,
		log:         log,
	}
}

// Degraded reports whether the breaker is open. List reads return safe empty
// defaults in this state; point reads and writes fail fast so mutations
// never proceed on stale data.
func (s *Store) Degraded() bool {
	return !s.breaker.allow(time.Now())
}

func ts(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// fetchOne runs a single-row query and decodes the first result into out.
// found is false when the store returned no rows.
func (s *Store) fetchOne(ctx context.Context, operation, table, query string, out interface{}) (found bool, err error) {
	err = s.callWithRetry(ctx, operation, func(ctx context.Context) error {
		data, reqErr := s.client.request(ctx, http.MethodGet, table, nil, query)
		if reqErr != nil {
			return reqErr
		}
		var raw []json.RawMessage
		if jsonErr := json.Unmarshal(data, &raw); jsonErr != nil {
			return fmt.Errorf("unmarshal %s row: %w", table, jsonErr)
		}
		if len(raw) == 0 {
			found = false
			return nil
		}
		found = true
		return json.Unmarshal(raw[0], out)
	})
	return found, err
}

// fetchList runs a multi-row query. With the breaker open it returns an
// empty result instead of blocking.
func (s *Store) fetchList(ctx context.Context, operation, table, query string, out interface{}) error {
	if s.Degraded() {
		return nil
	}
	return s.callWithRetry(ctx, operation, func(ctx context.Context) error {
		data, reqErr := s.client.request(ctx, http.MethodGet, table, nil, query)
		if reqErr != nil {
			return reqErr
		}
		return json.Unmarshal(data, out)
	})
}

// execute runs a write command and decodes the returned representation. A
// guarded write that matched no rows yields ErrConcurrencyConflict.
func (s *Store) execute(ctx context.Context, operation, method, table string, body interface{}, query string, out interface{}) error {
	return s.callWithRetry(ctx, operation, func(ctx context.Context) error {
		data, reqErr := s.client.request(ctx, method, table, body, query)
		if reqErr != nil {
			return reqErr
		}
		if out == nil {
			return nil
		}
		var raw []json.RawMessage
		if jsonErr := json.Unmarshal(data, &raw); jsonErr != nil {
			return fmt.Errorf("unmarshal %s result: %w", table, jsonErr)
		}
		if len(raw) == 0 {
			return apperrors.ErrConcurrencyConflict
		}
		return json.Unmarshal(raw[0], out)
	})
}

// AccountStore --------------------------------------------------------------

func (s *Store) CreateAccount(ctx context.Context, acct economy.Account) (economy.Account, error) {
	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now

	var created economy.Account
	err := s.execute(ctx, "create_account", http.MethodPost, tableAccounts, acct, "", &created)
	if err != nil {
		return economy.Account{}, err
	}
	return created, nil
}

func (s *Store) GetAccount(ctx context.Context, tenantID, userID string) (economy.Account, error) {
	q := url.Values{}
	q.Set("tenant_id", "eq."+tenantID)
	q.Set("user_id", "eq."+userID)
	q.Set("limit", "1")

	var acct economy.Account
	found, err := s.fetchOne(ctx, "get_account", tableAccounts, q.Encode(), &acct)
	if err != nil {
		return economy.Account{}, err
	}
	if !found {
		return economy.Account{}, apperrors.NotFound("account", tenantID+"/"+userID)
	}
	return acct, nil
}

func (s *Store) UpdateAccount(ctx context.Context, acct economy.Account, expectedBalance int64) error {
	q := url.Values{}
	q.Set("tenant_id", "eq."+acct.TenantID)
	q.Set("user_id", "eq."+acct.UserID)
	q.Set("balance", "eq."+strconv.FormatInt(expectedBalance, 10))

	patch := struct {
		Balance     int64  `json:"balance"`
		TotalEarned int64  `json:"total_earned"`
		TotalSpent  int64  `json:"total_spent"`
		UpdatedAt   string `json:"updated_at"`
	}{acct.Balance, acct.TotalEarned, acct.TotalSpent, ts(time.Now())}

	var updated economy.Account
	return s.execute(ctx, "update_account", http.MethodPatch, tableAccounts, patch, q.Encode(), &updated)
}

func (s *Store) ListAccounts(ctx context.Context, tenantID string, limit int) ([]economy.Account, error) {
	if limit <= 0 {
		limit = 1000
	}
	q := url.Values{}
	if tenantID != "" {
		q.Set("tenant_id", "eq."+tenantID)
	}
	q.Set("order", "tenant_id.asc,user_id.asc")
	q.Set("limit", strconv.Itoa(limit))

	accounts := []economy.Account{}
	if err := s.fetchList(ctx, "list_accounts", tableAccounts, q.Encode(), &accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

// LedgerStore ---------------------------------------------------------------

func (s *Store) AppendTransaction(ctx context.Context, tx economy.Transaction) (economy.Transaction, error) {
	if tx.ID == "" {
		// The id is the idempotency key: retried appends reuse it so the
		// store's unique constraint collapses duplicates.
		tx.ID = uuid.NewString()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}

	q := url.Values{}
	q.Set("on_conflict", "id")

	var created economy.Transaction
	err := s.execute(ctx, "append_transaction", http.MethodPost, tableTransactions, tx, q.Encode(), &created)
	if err != nil {
		return economy.Transaction{}, err
	}
	return created, nil
}

func (s *Store) ListTransactions(ctx context.Context, tenantID, userID string, limit int) ([]economy.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	q := url.Values{}
	q.Set("tenant_id", "eq."+tenantID)
	q.Set("user_id", "eq."+userID)
	q.Set("order", "created_at.desc")
	q.Set("limit", strconv.Itoa(limit))

	txs := []economy.Transaction{}
	if err := s.fetchList(ctx, "list_transactions", tableTransactions, q.Encode(), &txs); err != nil {
		return nil, err
	}
	return txs, nil
}

// sumPageSize bounds how many rows one reconciliation page fetches.
const sumPageSize = 1000

// SumTransactions pages through the account's full history. Unlike list
// reads it fails fast in degraded mode: a partial sum fed into reconciliation
// would be treated as truth and corrupt the projection.
func (s *Store) SumTransactions(ctx context.Context, tenantID, userID string) (economy.LedgerTotals, error) {
	if s.Degraded() {
		return economy.LedgerTotals{}, apperrors.ErrStoreUnavailable
	}

	var totals economy.LedgerTotals
	for offset := 0; ; offset += sumPageSize {
		q := url.Values{}
		q.Set("tenant_id", "eq."+tenantID)
		q.Set("user_id", "eq."+userID)
		q.Set("order", "created_at.asc,id.asc")
		q.Set("limit", strconv.Itoa(sumPageSize))
		q.Set("offset", strconv.Itoa(offset))

		page := []economy.Transaction{}
		err := s.callWithRetry(ctx, "sum_transactions", func(ctx context.Context) error {
			data, reqErr := s.client.request(ctx, http.MethodGet, tableTransactions, nil, q.Encode())
			if reqErr != nil {
				return reqErr
			}
			return json.Unmarshal(data, &page)
		})
		if err != nil {
			return economy.LedgerTotals{}, err
		}

		for _, tx := range page {
			totals.Add(tx)
		}
		if len(page) < sumPageSize {
			return totals, nil
		}
	}
}

// TaskStore -----------------------------------------------------------------

func (s *Store) CreateTask(ctx context.Context, t task.Task) (task.Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	var created task.Task
	if err := s.execute(ctx, "create_task", http.MethodPost, tableTasks, t, "", &created); err != nil {
		return task.Task{}, err
	}
	return created, nil
}

func (s *Store) UpdateTask(ctx context.Context, t task.Task) (task.Task, error) {
	q := url.Values{}
	q.Set("tenant_id", "eq."+t.TenantID)
	q.Set("id", "eq."+t.ID)

	t.UpdatedAt = time.Now().UTC()
	var updated task.Task
	if err := s.execute(ctx, "update_task", http.MethodPatch, tableTasks, t, q.Encode(), &updated); err != nil {
		return task.Task{}, err
	}
	return updated, nil
}

func (s *Store) GetTask(ctx context.Context, tenantID, taskID string) (task.Task, error) {
	q := url.Values{}
	q.Set("tenant_id", "eq."+tenantID)
	q.Set("id", "eq."+taskID)
	q.Set("limit", "1")

	var t task.Task
	found, err := s.fetchOne(ctx, "get_task", tableTasks, q.Encode(), &t)
	if err != nil {
		return task.Task{}, err
	}
	if !found {
		return task.Task{}, apperrors.NotFound("task", taskID)
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, tenantID string, status task.TaskStatus) ([]task.Task, error) {
	q := url.Values{}
	q.Set("tenant_id", "eq."+tenantID)
	if status != "" {
		q.Set("status", "eq."+string(status))
	}
	q.Set("order", "created_at.asc")

	tasks := []task.Task{}
	if err := s.fetchList(ctx, "list_tasks", tableTasks, q.Encode(), &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *Store) IncrementTaskClaims(ctx context.Context, tenantID, taskID string, expectedClaims int) (task.Task, error) {
	q := url.Values{}
	q.Set("tenant_id", "eq."+tenantID)
	q.Set("id", "eq."+taskID)
	q.Set("current_claims", "eq."+strconv.Itoa(expectedClaims))

	patch := struct {
		CurrentClaims int    `json:"current_claims"`
		UpdatedAt     string `json:"updated_at"`
	}{expectedClaims + 1, ts(time.Now())}

	var updated task.Task
	if err := s.execute(ctx, "increment_task_claims", http.MethodPatch, tableTasks, patch, q.Encode(), &updated); err != nil {
		return task.Task{}, err
	}
	return updated, nil
}

// ClaimStore ----------------------------------------------------------------

func (s *Store) CreateClaim(ctx context.Context, c task.Claim) (task.Claim, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}

	var created task.Claim
	err := s.execute(ctx, "create_claim", http.MethodPost, tableClaims, c, "", &created)
	if err != nil {
		// The unique (tenant_id, user_id, task_id) index is the backstop
		// against double claims racing across instances.
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.status == http.StatusConflict {
			return task.Claim{}, apperrors.ErrAlreadyClaimed
		}
		return task.Claim{}, err
	}
	return created, nil
}

func (s *Store) UpdateClaim(ctx context.Context, c task.Claim) (task.Claim, error) {
	q := url.Values{}
	q.Set("tenant_id", "eq."+c.TenantID)
	q.Set("user_id", "eq."+c.UserID)
	q.Set("task_id", "eq."+c.TaskID)

	var updated task.Claim
	if err := s.execute(ctx, "update_claim", http.MethodPatch, tableClaims, c, q.Encode(), &updated); err != nil {
		return task.Claim{}, err
	}
	return updated, nil
}

func (s *Store) GetClaim(ctx context.Context, tenantID, userID, taskID string) (task.Claim, error) {
	q := url.Values{}
	q.Set("tenant_id", "eq."+tenantID)
	q.Set("user_id", "eq."+userID)
	q.Set("task_id", "eq."+taskID)
	q.Set("limit", "1")

	var c task.Claim
	found, err := s.fetchOne(ctx, "get_claim", tableClaims, q.Encode(), &c)
	if err != nil {
		return task.Claim{}, err
	}
	if !found {
		return task.Claim{}, apperrors.NotFound("claim", tenantID+"/"+userID+"/"+taskID)
	}
	return c, nil
}

func (s *Store) ListClaimsByUser(ctx context.Context, tenantID, userID string) ([]task.Claim, error) {
	q := url.Values{}
	q.Set("tenant_id", "eq."+tenantID)
	q.Set("user_id", "eq."+userID)
	q.Set("order", "claimed_at.asc")

	claims := []task.Claim{}
	if err := s.fetchList(ctx, "list_claims", tableClaims, q.Encode(), &claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *Store) ListOverdueClaims(ctx context.Context, tenantID string, before time.Time) ([]task.Claim, error) {
	q := url.Values{}
	if tenantID != "" {
		q.Set("tenant_id", "eq."+tenantID)
	}
	q.Set("deadline", "lt."+ts(before))
	q.Set("status", "in.(claimed,in_progress,submitted)")

	claims := []task.Claim{}
	if err := s.fetchList(ctx, "list_overdue_claims", tableClaims, q.Encode(), &claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// ItemStore -----------------------------------------------------------------

func (s *Store) CreateItem(ctx context.Context, item shop.Item) (shop.Item, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now

	var created shop.Item
	if err := s.execute(ctx, "create_item", http.MethodPost, tableItems, item, "", &created); err != nil {
		return shop.Item{}, err
	}
	return created, nil
}

func (s *Store) UpdateItem(ctx context.Context, item shop.Item) (shop.Item, error) {
	q := url.Values{}
	q.Set("tenant_id", "eq."+item.TenantID)
	q.Set("id", "eq."+item.ID)

	item.UpdatedAt = time.Now().UTC()
	var updated shop.Item
	if err := s.execute(ctx, "update_item", http.MethodPatch, tableItems, item, q.Encode(), &updated); err != nil {
		return shop.Item{}, err
	}
	return updated, nil
}

func (s *Store) GetItem(ctx context.Context, tenantID, itemID string) (shop.Item, error) {
	q := url.Values{}
	q.Set("tenant_id", "eq."+tenantID)
	q.Set("id", "eq."+itemID)
	q.Set("limit", "1")

	var item shop.Item
	found, err := s.fetchOne(ctx, "get_item", tableItems, q.Encode(), &item)
	if err != nil {
		return shop.Item{}, err
	}
	if !found {
		return shop.Item{}, apperrors.NotFound("item", itemID)
	}
	return item, nil
}

func (s *Store) ListItems(ctx context.Context, tenantID string, activeOnly bool) ([]shop.Item, error) {
	q := url.Values{}
	q.Set("tenant_id", "eq."+tenantID)
	if activeOnly {
		q.Set("active", "eq.true")
	}
	q.Set("order", "created_at.asc")

	items := []shop.Item{}
	if err := s.fetchList(ctx, "list_items", tableItems, q.Encode(), &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) DecrementItemStock(ctx context.Context, tenantID, itemID string, qty, expectedStock int) (shop.Item, error) {
	if expectedStock < qty {
		return shop.Item{}, apperrors.ErrInsufficientStock
	}
	q := url.Values{}
	q.Set("tenant_id", "eq."+tenantID)
	q.Set("id", "eq."+itemID)
	q.Set("stock", "eq."+strconv.Itoa(expectedStock))

	patch := struct {
		Stock     int    `json:"stock"`
		UpdatedAt string `json:"updated_at"`
	}{expectedStock - qty, ts(time.Now())}

	var updated shop.Item
	if err := s.execute(ctx, "decrement_item_stock", http.MethodPatch, tableItems, patch, q.Encode(), &updated); err != nil {
		return shop.Item{}, err
	}
	return updated, nil
}

// InventoryStore ------------------------------------------------------------

func (s *Store) GetInventoryEntry(ctx context.Context, tenantID, userID, itemID string) (shop.InventoryEntry, error) {
	q := url.Values{}
	q.Set("tenant_id", "eq."+tenantID)
	q.Set("user_id", "eq."+userID)
	q.Set("item_id", "eq."+itemID)
	q.Set("limit", "1")

	var entry shop.InventoryEntry
	found, err := s.fetchOne(ctx, "get_inventory_entry", tableInventory, q.Encode(), &entry)
	if err != nil {
		return shop.InventoryEntry{}, err
	}
	if !found {
		return shop.InventoryEntry{}, apperrors.NotFound("inventory entry", itemID)
	}
	return entry, nil
}

func (s *Store) UpsertInventoryEntry(ctx context.Context, entry shop.InventoryEntry) (shop.InventoryEntry, error) {
	if entry.Quantity < 0 {
		return shop.InventoryEntry{}, apperrors.Validation("inventory quantity cannot be negative")
	}
	entry.UpdatedAt = time.Now().UTC()

	q := url.Values{}
	q.Set("on_conflict", "tenant_id,user_id,item_id")

	var updated shop.InventoryEntry
	if err := s.execute(ctx, "upsert_inventory", http.MethodPost, tableInventory, entry, q.Encode(), &updated); err != nil {
		return shop.InventoryEntry{}, err
	}
	return updated, nil
}

func (s *Store) ListInventory(ctx context.Context, tenantID, userID string) ([]shop.InventoryEntry, error) {
	q := url.Values{}
	q.Set("tenant_id", "eq."+tenantID)
	q.Set("user_id", "eq."+userID)
	q.Set("quantity", "gt.0")
	q.Set("order", "item_id.asc")

	entries := []shop.InventoryEntry{}
	if err := s.fetchList(ctx, "list_inventory", tableInventory, q.Encode(), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// JobStore ------------------------------------------------------------------

func (s *Store) CreateJob(ctx context.Context, j job.Job) (job.Job, error) {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now
	if j.Status == "" {
		j.Status = job.StatusPending
	}

	q := url.Values{}
	q.Set("on_conflict", "id")
	q.Set("resolution", "ignore-duplicates")

	var created job.Job
	err := s.execute(ctx, "create_job", http.MethodPost, tableJobs, j, q.Encode(), &created)
	if apperrors.Is(err, apperrors.ErrConcurrencyConflict) {
		// Duplicate id: the job already exists; scheduling is idempotent.
		return s.GetJob(ctx, j.ID)
	}
	if err != nil {
		return job.Job{}, err
	}
	return created, nil
}

func (s *Store) UpdateJob(ctx context.Context, j job.Job) (job.Job, error) {
	q := url.Values{}
	q.Set("id", "eq."+j.ID)

	j.UpdatedAt = time.Now().UTC()
	var updated job.Job
	if err := s.execute(ctx, "update_job", http.MethodPatch, tableJobs, j, q.Encode(), &updated); err != nil {
		return job.Job{}, err
	}
	return updated, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (job.Job, error) {
	q := url.Values{}
	q.Set("id", "eq."+id)
	q.Set("limit", "1")

	var j job.Job
	found, err := s.fetchOne(ctx, "get_job", tableJobs, q.Encode(), &j)
	if err != nil {
		return job.Job{}, err
	}
	if !found {
		return job.Job{}, apperrors.NotFound("job", id)
	}
	return j, nil
}

func (s *Store) ListDueJobs(ctx context.Context, before time.Time, limit int) ([]job.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	q := url.Values{}
	q.Set("status", "eq."+string(job.StatusPending))
	q.Set("run_at", "lte."+ts(before))
	q.Set("order", "run_at.asc")
	q.Set("limit", strconv.Itoa(limit))

	jobs := []job.Job{}
	if err := s.fetchList(ctx, "list_due_jobs", tableJobs, q.Encode(), &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}
