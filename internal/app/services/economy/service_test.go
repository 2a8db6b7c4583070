package economy

import (
	"context"
	"fmt"
	"sync"
	"testing"

	domain "github.com/guildworks/economy/internal/app/domain/economy"
	"github.com/guildworks/economy/internal/app/services/ledger"
	"github.com/guildworks/economy/internal/app/storage"
	"github.com/guildworks/economy/internal/app/storage/memory"
	apperrors "github.com/guildworks/economy/internal/errors"
	"github.com/guildworks/economy/internal/events"
	"github.com/guildworks/economy/internal/keylock"
)

func newTestService(store *memory.Store) *Service {
	return New(store, ledger.New(store, store, nil), keylock.New(0), nil, events.NewBus(64), nil)
}

func TestAdjustCreatesAccountAndLedgerEntry(t *testing.T) {
	store := memory.New()
	svc := newTestService(store)
	ctx := context.Background()

	balance, err := svc.Adjust(ctx, "t1", "u1", 100, "daily bonus", domain.TxTypeDaily)
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if balance != 100 {
		t.Fatalf("expected balance 100, got %d", balance)
	}

	history, err := svc.History(ctx, "t1", "u1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", len(history))
	}
	tx := history[0]
	if tx.BalanceBefore != 0 || tx.Amount != 100 || tx.BalanceAfter != 100 {
		t.Fatalf("unexpected ledger entry: before=%d amount=%d after=%d", tx.BalanceBefore, tx.Amount, tx.BalanceAfter)
	}
	if tx.Type != domain.TxTypeDaily {
		t.Fatalf("unexpected tx type %q", tx.Type)
	}
}

func TestAdjustRejectsOverdraftWithoutSideEffects(t *testing.T) {
	store := memory.New()
	svc := newTestService(store)
	ctx := context.Background()

	if _, err := svc.Adjust(ctx, "t1", "u1", 50, "seed", domain.TxTypeAdminAdjust); err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, err := svc.Adjust(ctx, "t1", "u1", -80, "overdraft", domain.TxTypePurchase)
	if !apperrors.Is(err, apperrors.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	history, err := svc.History(ctx, "t1", "u1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("rejected adjust must leave no ledger entry, got %d entries", len(history))
	}
	acct, _, err := svc.Balance(ctx, "t1", "u1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if acct.Balance != 50 {
		t.Fatalf("balance changed by rejected adjust: %d", acct.Balance)
	}
}

func TestAdjustRejectsZeroAmount(t *testing.T) {
	svc := newTestService(memory.New())
	if _, err := svc.Adjust(context.Background(), "t1", "u1", 0, "noop", ""); !apperrors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestAdjustRejectsUnknownTxType(t *testing.T) {
	svc := newTestService(memory.New())
	ctx := context.Background()

	if _, err := svc.Adjust(ctx, "t1", "u1", 10, "bad", "banana"); !apperrors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}

	// Every declared type is accepted.
	for i, txType := range []string{
		domain.TxTypeTaskReward, domain.TxTypePurchase, domain.TxTypeAdminAdjust,
		domain.TxTypeRefund, domain.TxTypeDaily, domain.TxTypeTransfer,
	} {
		if _, err := svc.Adjust(ctx, "t1", "u1", 10, fmt.Sprintf("op-%d", i), txType); err != nil {
			t.Fatalf("type %q rejected: %v", txType, err)
		}
	}
}

func TestConcurrentAdjustsSumMatchesLedger(t *testing.T) {
	store := memory.New()
	svc := newTestService(store)
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			amount := int64(10)
			if n%3 == 0 {
				amount = -5
			}
			// Overdraft rejections are acceptable here; they must simply
			// leave no trace in the ledger.
			svc.Adjust(ctx, "t1", "u1", amount, fmt.Sprintf("op-%d", n), domain.TxTypeAdminAdjust)
		}(i)
	}
	wg.Wait()

	history, err := svc.History(ctx, "t1", "u1", 100)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var sum int64
	for _, tx := range history {
		sum += tx.Amount
		if tx.BalanceBefore+tx.Amount != tx.BalanceAfter {
			t.Fatalf("inconsistent entry %s: before=%d amount=%d after=%d", tx.ID, tx.BalanceBefore, tx.Amount, tx.BalanceAfter)
		}
	}

	acct, _, err := svc.Balance(ctx, "t1", "u1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if acct.Balance != sum {
		t.Fatalf("projected balance %d does not equal ledger sum %d", acct.Balance, sum)
	}
	if acct.Balance < 0 {
		t.Fatalf("balance went negative: %d", acct.Balance)
	}
}

func TestTenantsAreIsolated(t *testing.T) {
	store := memory.New()
	svc := newTestService(store)
	ctx := context.Background()

	if _, err := svc.Adjust(ctx, "t1", "u1", 100, "seed", domain.TxTypeAdminAdjust); err != nil {
		t.Fatalf("seed t1: %v", err)
	}
	if _, err := svc.Adjust(ctx, "t2", "u1", 30, "seed", domain.TxTypeAdminAdjust); err != nil {
		t.Fatalf("seed t2: %v", err)
	}

	a1, _, _ := svc.Balance(ctx, "t1", "u1")
	a2, _, _ := svc.Balance(ctx, "t2", "u1")
	if a1.Balance != 100 || a2.Balance != 30 {
		t.Fatalf("tenant balances leaked: t1=%d t2=%d", a1.Balance, a2.Balance)
	}
}

func TestBalanceUnknownUserIsZero(t *testing.T) {
	svc := newTestService(memory.New())
	acct, degraded, err := svc.Balance(context.Background(), "t1", "nobody")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if degraded {
		t.Fatal("healthy store should not report degraded")
	}
	if acct.Balance != 0 {
		t.Fatalf("unknown user should have zero balance, got %d", acct.Balance)
	}
}

// failingAccountStore accepts reads but rejects projection writes, simulating
// a store that dies between the ledger append and the projection update.
type failingAccountStore struct {
	storage.AccountStore
}

func (f *failingAccountStore) UpdateAccount(ctx context.Context, acct domain.Account, expectedBalance int64) error {
	return apperrors.ErrStoreUnavailable
}

func TestProjectionFailureDoesNotRollBackLedger(t *testing.T) {
	store := memory.New()
	wrapped := &failingAccountStore{AccountStore: store}
	svc := New(wrapped, ledger.New(store, store, nil), keylock.New(0), nil, nil, nil)
	ctx := context.Background()

	balance, err := svc.Adjust(ctx, "t1", "u1", 100, "grant", domain.TxTypeAdminAdjust)
	if err != nil {
		t.Fatalf("mutation is durable once the ledger append lands: %v", err)
	}
	if balance != 100 {
		t.Fatalf("expected reported balance 100, got %d", balance)
	}

	history, err := store.ListTransactions(ctx, "t1", "u1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("ledger entry must survive projection failure, got %d entries", len(history))
	}
}

func TestReconcileRepairsDriftedProjection(t *testing.T) {
	store := memory.New()
	svc := newTestService(store)
	ctx := context.Background()

	if _, err := svc.Adjust(ctx, "t1", "u1", 100, "seed", domain.TxTypeAdminAdjust); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Corrupt the projection directly, bypassing the coordinator.
	acct, err := store.GetAccount(ctx, "t1", "u1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	broken := acct
	broken.Balance = 999
	if err := store.UpdateAccount(ctx, broken, acct.Balance); err != nil {
		t.Fatalf("corrupt projection: %v", err)
	}

	drift, err := svc.Reconcile(ctx, "t1", "u1")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if drift != 899 {
		t.Fatalf("expected drift 899, got %d", drift)
	}

	repaired, _, err := svc.Balance(ctx, "t1", "u1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if repaired.Balance != 100 {
		t.Fatalf("reconcile should restore ledger sum 100, got %d", repaired.Balance)
	}
}

func TestReconcileSumsFullHistory(t *testing.T) {
	store := memory.New()
	svc := newTestService(store)
	ctx := context.Background()

	// Well past any single history page.
	const entries = 10001
	for i := 0; i < entries; i++ {
		if _, err := svc.Adjust(ctx, "t1", "u1", 1, "drip", domain.TxTypeAdminAdjust); err != nil {
			t.Fatalf("adjust %d: %v", i, err)
		}
	}

	// A correct projection must be left untouched.
	drift, err := svc.Reconcile(ctx, "t1", "u1")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if drift != 0 {
		t.Fatalf("correct projection reported drift %d", drift)
	}
	acct, _, err := svc.Balance(ctx, "t1", "u1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if acct.Balance != entries {
		t.Fatalf("balance corrupted to %d, ledger total %d", acct.Balance, entries)
	}

	// And a corrupted one is repaired to the full ledger sum.
	broken := acct
	broken.Balance = 5
	if err := store.UpdateAccount(ctx, broken, acct.Balance); err != nil {
		t.Fatalf("corrupt projection: %v", err)
	}
	if _, err := svc.Reconcile(ctx, "t1", "u1"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	repaired, _, err := svc.Balance(ctx, "t1", "u1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if repaired.Balance != entries {
		t.Fatalf("reconcile restored %d, want %d", repaired.Balance, entries)
	}
}
