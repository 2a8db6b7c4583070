package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guildworks/economy/internal/app/domain/economy"
	"github.com/guildworks/economy/internal/app/domain/task"
	apperrors "github.com/guildworks/economy/internal/errors"
)

func newTestStore(t *testing.T, handler http.Handler) (*Store, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(ClientConfig{URL: srv.URL, ServiceKey: "test-key"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return NewStore(client, StoreConfig{}), srv
}

func TestGetAccount(t *testing.T) {
	store, _ := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/v1/economy_accounts" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("tenant_id"); got != "eq.t1" {
			t.Errorf("unexpected tenant filter %q", got)
		}
		w.Write([]byte(`[{"tenant_id":"t1","user_id":"u1","balance":250}]`))
	}))

	acct, err := store.GetAccount(context.Background(), "t1", "u1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acct.Balance != 250 {
		t.Fatalf("unexpected balance %d", acct.Balance)
	}
}

func TestGetAccountNotFound(t *testing.T) {
	store, _ := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))

	_, err := store.GetAccount(context.Background(), "t1", "missing")
	if !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateAccountGuardConflict(t *testing.T) {
	store, _ := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("balance"); got != "eq.100" {
			t.Errorf("expected balance guard eq.100, got %q", got)
		}
		// No rows matched the guard.
		w.Write([]byte(`[]`))
	}))

	err := store.UpdateAccount(context.Background(), economy.Account{TenantID: "t1", UserID: "u1", Balance: 150}, 100)
	if !apperrors.Is(err, apperrors.ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict, got %v", err)
	}
}

func TestRetryOnTransientFailure(t *testing.T) {
	var calls int32
	store, _ := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`[{"tenant_id":"t1","user_id":"u1","balance":10}]`))
	}))

	acct, err := store.GetAccount(context.Background(), "t1", "u1")
	if err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if acct.Balance != 10 {
		t.Fatalf("unexpected balance %d", acct.Balance)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestBreakerDegradesListReads(t *testing.T) {
	srvFail := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(srvFail)
	t.Cleanup(srv.Close)

	client, err := NewClient(ClientConfig{URL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	store := NewStore(client, StoreConfig{MaxAttempts: 2, BreakerThreshold: 2, BreakerCooldown: time.Minute})

	if _, err := store.GetAccount(context.Background(), "t1", "u1"); !apperrors.Is(err, apperrors.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if !store.Degraded() {
		t.Fatal("breaker should be open after repeated failures")
	}

	// Point reads fail fast.
	if _, err := store.GetAccount(context.Background(), "t1", "u1"); !apperrors.Is(err, apperrors.ErrStoreUnavailable) {
		t.Fatalf("expected fast failure with open breaker, got %v", err)
	}

	// List reads return safe empty defaults.
	tasks, err := store.ListTasks(context.Background(), "t1", "")
	if err != nil {
		t.Fatalf("degraded list should not error: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("degraded list should be empty, got %d", len(tasks))
	}
}

func TestCreateClaimConflict(t *testing.T) {
	store, _ := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"message":"duplicate key value violates unique constraint"}`))
	}))

	_, err := store.CreateClaim(context.Background(), task.Claim{TenantID: "t1", UserID: "u1", TaskID: "k1"})
	if !apperrors.Is(err, apperrors.ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed, got %v", err)
	}
}

func TestSumTransactionsPagesThroughHistory(t *testing.T) {
	store, _ := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("limit"); got != "1000" {
			t.Errorf("unexpected limit %q", got)
		}
		if r.URL.Query().Get("offset") == "0" {
			// Full first page forces a second fetch.
			var b strings.Builder
			b.WriteString("[")
			for i := 0; i < sumPageSize; i++ {
				if i > 0 {
					b.WriteString(",")
				}
				fmt.Fprintf(&b, `{"id":"tx-%d","tenant_id":"t1","user_id":"u1","amount":2}`, i)
			}
			b.WriteString("]")
			w.Write([]byte(b.String()))
			return
		}
		w.Write([]byte(`[{"id":"tx-tail-1","tenant_id":"t1","user_id":"u1","amount":-1},
			{"id":"tx-tail-2","tenant_id":"t1","user_id":"u1","amount":-1},
			{"id":"tx-tail-3","tenant_id":"t1","user_id":"u1","amount":-1}]`))
	}))

	totals, err := store.SumTransactions(context.Background(), "t1", "u1")
	if err != nil {
		t.Fatalf("sum transactions: %v", err)
	}
	if totals.Balance != 2*sumPageSize-3 {
		t.Fatalf("unexpected balance %d", totals.Balance)
	}
	if totals.Earned != 2*sumPageSize || totals.Spent != 3 {
		t.Fatalf("unexpected earned/spent %d/%d", totals.Earned, totals.Spent)
	}
}

func TestSumTransactionsFailsFastWhenDegraded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	client, err := NewClient(ClientConfig{URL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	store := NewStore(client, StoreConfig{MaxAttempts: 2, BreakerThreshold: 2, BreakerCooldown: time.Minute})

	if _, err := store.GetAccount(context.Background(), "t1", "u1"); !apperrors.Is(err, apperrors.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if !store.Degraded() {
		t.Fatal("breaker should be open after repeated failures")
	}

	// Unlike list reads, an aggregate must not degrade to an empty answer.
	if _, err := store.SumTransactions(context.Background(), "t1", "u1"); !apperrors.Is(err, apperrors.ErrStoreUnavailable) {
		t.Fatalf("expected fast failure with open breaker, got %v", err)
	}
}
