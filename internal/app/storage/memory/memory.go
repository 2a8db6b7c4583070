// Package memory provides an in-memory implementation of the storage
// interfaces. It is safe for concurrent use and is primarily intended for
// tests and local development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/guildworks/economy/internal/app/domain/economy"
	"github.com/guildworks/economy/internal/app/domain/job"
	"github.com/guildworks/economy/internal/app/domain/shop"
	"github.com/guildworks/economy/internal/app/domain/task"
	"github.com/guildworks/economy/internal/app/storage"
	apperrors "github.com/guildworks/economy/internal/errors"
)

// Store is the in-memory implementation of all storage interfaces.
type Store struct {
	mu           sync.RWMutex
	accounts     map[string]economy.Account       // tenant\x00user
	transactions map[string][]economy.Transaction // tenant\x00user, append order
	txIDs        map[string]bool
	tasks        map[string]task.Task  // tenant\x00task
	claims       map[string]task.Claim // tenant\x00user\x00task
	items        map[string]shop.Item  // tenant\x00item
	inventory    map[string]shop.InventoryEntry
	jobs         map[string]job.Job
}

var _ storage.AccountStore = (*Store)(nil)
var _ storage.LedgerStore = (*Store)(nil)
var _ storage.TaskStore = (*Store)(nil)
var _ storage.ClaimStore = (*Store)(nil)
var _ storage.ItemStore = (*Store)(nil)
var _ storage.InventoryStore = (*Store)(nil)
var _ storage.JobStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		accounts:     make(map[string]economy.Account),
		transactions: make(map[string][]economy.Transaction),
		txIDs:        make(map[string]bool),
		tasks:        make(map[string]task.Task),
		claims:       make(map[string]task.Claim),
		items:        make(map[string]shop.Item),
		inventory:    make(map[string]shop.InventoryEntry),
		jobs:         make(map[string]job.Job),
	}
}

func key(parts ...string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "\x00"
		}
		out += p
	}
	return out
}

// AccountStore --------------------------------------------------------------

func (s *Store) CreateAccount(_ context.Context, acct economy.Account) (economy.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(acct.TenantID, acct.UserID)
	if _, exists := s.accounts[k]; exists {
		return economy.Account{}, apperrors.ErrConcurrencyConflict
	}

	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now
	s.accounts[k] = acct
	return acct, nil
}

func (s *Store) GetAccount(_ context.Context, tenantID, userID string) (economy.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[key(tenantID, userID)]
	if !ok {
		return economy.Account{}, apperrors.NotFound("account", tenantID+"/"+userID)
	}
	return acct, nil
}

func (s *Store) UpdateAccount(_ context.Context, acct economy.Account, expectedBalance int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(acct.TenantID, acct.UserID)
	existing, ok := s.accounts[k]
	if !ok {
		return apperrors.NotFound("account", acct.TenantID+"/"+acct.UserID)
	}
	if existing.Balance != expectedBalance {
		return apperrors.ErrConcurrencyConflict
	}
	acct.UpdatedAt = time.Now().UTC()
	s.accounts[k] = acct
	return nil
}

func (s *Store) ListAccounts(_ context.Context, tenantID string, limit int) ([]economy.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []economy.Account
	for _, acct := range s.accounts {
		if tenantID != "" && acct.TenantID != tenantID {
			continue
		}
		out = append(out, acct)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].UserID < out[j].UserID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LedgerStore ---------------------------------------------------------------

func (s *Store) AppendTransaction(_ context.Context, tx economy.Transaction) (economy.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if s.txIDs[tx.ID] {
		// Idempotent append: the record is already durable.
		return tx, nil
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}

	k := key(tx.TenantID, tx.UserID)
	s.transactions[k] = append(s.transactions[k], tx)
	s.txIDs[tx.ID] = true
	return tx, nil
}

func (s *Store) ListTransactions(_ context.Context, tenantID, userID string, limit int) ([]economy.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.transactions[key(tenantID, userID)]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}

	// Newest first.
	out := make([]economy.Transaction, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (s *Store) SumTransactions(_ context.Context, tenantID, userID string) (economy.LedgerTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var totals economy.LedgerTotals
	for _, tx := range s.transactions[key(tenantID, userID)] {
		totals.Add(tx)
	}
	return totals, nil
}

// TaskStore -----------------------------------------------------------------

func (s *Store) CreateTask(_ context.Context, t task.Task) (task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	s.tasks[key(t.TenantID, t.ID)] = t
	return t, nil
}

func (s *Store) UpdateTask(_ context.Context, t task.Task) (task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(t.TenantID, t.ID)
	if _, ok := s.tasks[k]; !ok {
		return task.Task{}, apperrors.NotFound("task", t.ID)
	}
	t.UpdatedAt = time.Now().UTC()
	s.tasks[k] = t
	return t, nil
}

func (s *Store) GetTask(_ context.Context, tenantID, taskID string) (task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[key(tenantID, taskID)]
	if !ok {
		return task.Task{}, apperrors.NotFound("task", taskID)
	}
	return t, nil
}

func (s *Store) ListTasks(_ context.Context, tenantID string, status task.TaskStatus) ([]task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []task.Task
	for _, t := range s.tasks {
		if t.TenantID != tenantID {
			continue
		}
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) IncrementTaskClaims(_ context.Context, tenantID, taskID string, expectedClaims int) (task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(tenantID, taskID)
	t, ok := s.tasks[k]
	if !ok {
		return task.Task{}, apperrors.NotFound("task", taskID)
	}
	if t.CurrentClaims != expectedClaims {
		return task.Task{}, apperrors.ErrConcurrencyConflict
	}
	t.CurrentClaims++
	t.UpdatedAt = time.Now().UTC()
	s.tasks[k] = t
	return t, nil
}

// ClaimStore ----------------------------------------------------------------

func (s *Store) CreateClaim(_ context.Context, c task.Claim) (task.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(c.TenantID, c.UserID, c.TaskID)
	if _, exists := s.claims[k]; exists {
		return task.Claim{}, apperrors.ErrAlreadyClaimed
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	s.claims[k] = c
	return c, nil
}

func (s *Store) UpdateClaim(_ context.Context, c task.Claim) (task.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(c.TenantID, c.UserID, c.TaskID)
	if _, ok := s.claims[k]; !ok {
		return task.Claim{}, apperrors.NotFound("claim", c.ID)
	}
	s.claims[k] = c
	return c, nil
}

func (s *Store) GetClaim(_ context.Context, tenantID, userID, taskID string) (task.Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.claims[key(tenantID, userID, taskID)]
	if !ok {
		return task.Claim{}, apperrors.NotFound("claim", tenantID+"/"+userID+"/"+taskID)
	}
	return c, nil
}

func (s *Store) ListClaimsByUser(_ context.Context, tenantID, userID string) ([]task.Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []task.Claim
	for _, c := range s.claims {
		if c.TenantID == tenantID && c.UserID == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClaimedAt.Before(out[j].ClaimedAt) })
	return out, nil
}

func (s *Store) ListOverdueClaims(_ context.Context, tenantID string, before time.Time) ([]task.Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []task.Claim
	for _, c := range s.claims {
		if tenantID != "" && c.TenantID != tenantID {
			continue
		}
		if c.IsTerminal() || c.Deadline.IsZero() {
			continue
		}
		if c.Deadline.Before(before) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	return out, nil
}

// ItemStore -----------------------------------------------------------------

func (s *Store) CreateItem(_ context.Context, item shop.Item) (shop.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now
	s.items[key(item.TenantID, item.ID)] = item
	return item, nil
}

func (s *Store) UpdateItem(_ context.Context, item shop.Item) (shop.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(item.TenantID, item.ID)
	if _, ok := s.items[k]; !ok {
		return shop.Item{}, apperrors.NotFound("item", item.ID)
	}
	item.UpdatedAt = time.Now().UTC()
	s.items[k] = item
	return item, nil
}

func (s *Store) GetItem(_ context.Context, tenantID, itemID string) (shop.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[key(tenantID, itemID)]
	if !ok {
		return shop.Item{}, apperrors.NotFound("item", itemID)
	}
	return item, nil
}

func (s *Store) ListItems(_ context.Context, tenantID string, activeOnly bool) ([]shop.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []shop.Item
	for _, item := range s.items {
		if item.TenantID != tenantID {
			continue
		}
		if activeOnly && !item.Active {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DecrementItemStock(_ context.Context, tenantID, itemID string, qty, expectedStock int) (shop.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(tenantID, itemID)
	item, ok := s.items[k]
	if !ok {
		return shop.Item{}, apperrors.NotFound("item", itemID)
	}
	if item.Stock != expectedStock {
		return shop.Item{}, apperrors.ErrConcurrencyConflict
	}
	if item.Stock < qty {
		return shop.Item{}, apperrors.ErrInsufficientStock
	}
	item.Stock -= qty
	item.UpdatedAt = time.Now().UTC()
	s.items[k] = item
	return item, nil
}

// InventoryStore ------------------------------------------------------------

func (s *Store) GetInventoryEntry(_ context.Context, tenantID, userID, itemID string) (shop.InventoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.inventory[key(tenantID, userID, itemID)]
	if !ok {
		return shop.InventoryEntry{}, apperrors.NotFound("inventory entry", itemID)
	}
	return entry, nil
}

func (s *Store) UpsertInventoryEntry(_ context.Context, entry shop.InventoryEntry) (shop.InventoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.Quantity < 0 {
		return shop.InventoryEntry{}, apperrors.Validation("inventory quantity cannot be negative")
	}
	entry.UpdatedAt = time.Now().UTC()
	s.inventory[key(entry.TenantID, entry.UserID, entry.ItemID)] = entry
	return entry, nil
}

func (s *Store) ListInventory(_ context.Context, tenantID, userID string) ([]shop.InventoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []shop.InventoryEntry
	for _, entry := range s.inventory {
		if entry.TenantID == tenantID && entry.UserID == userID && entry.Quantity > 0 {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out, nil
}

// JobStore ------------------------------------------------------------------

func (s *Store) CreateJob(_ context.Context, j job.Job) (job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if _, exists := s.jobs[j.ID]; exists {
		// Dedup by job id: scheduling the same job twice is a no-op.
		return s.jobs[j.ID], nil
	}
	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now
	if j.Status == "" {
		j.Status = job.StatusPending
	}
	s.jobs[j.ID] = j
	return j, nil
}

func (s *Store) UpdateJob(_ context.Context, j job.Job) (job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[j.ID]; !ok {
		return job.Job{}, apperrors.NotFound("job", j.ID)
	}
	j.UpdatedAt = time.Now().UTC()
	s.jobs[j.ID] = j
	return j, nil
}

func (s *Store) GetJob(_ context.Context, id string) (job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return job.Job{}, apperrors.NotFound("job", id)
	}
	return j, nil
}

func (s *Store) ListDueJobs(_ context.Context, before time.Time, limit int) ([]job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []job.Job
	for _, j := range s.jobs {
		if j.Status == job.StatusPending && !j.RunAt.After(before) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunAt.Before(out[j].RunAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
