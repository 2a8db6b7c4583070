// Package economy implements the balance coordinator.
//
// All balance mutations in the system, including the administrative adjust
// entrypoint, funnel through Adjust. The protocol is ledger-first: the
// transaction record is made durable before the balance projection is
// touched, and once the ledger write lands the mutation has happened,
// whatever fails afterwards.
package economy

import (
	"context"
	"strings"

	"github.com/google/uuid"

	domain "github.com/guildworks/economy/internal/app/domain/economy"
	"github.com/guildworks/economy/internal/app/services/ledger"
	"github.com/guildworks/economy/internal/app/storage"
	"github.com/guildworks/economy/internal/cache"
	apperrors "github.com/guildworks/economy/internal/errors"
	"github.com/guildworks/economy/internal/events"
	"github.com/guildworks/economy/internal/keylock"
	"github.com/guildworks/economy/internal/metrics"
	"github.com/guildworks/economy/pkg/logger"
)

// ReconcileScheduler flags an account for the asynchronous reconciliation
// routine. Implemented by the jobs service.
type ReconcileScheduler interface {
	ScheduleReconciliation(ctx context.Context, tenantID, userID string) error
}

// Service is the balance coordinator.
type Service struct {
	accounts storage.AccountStore
	ledger   *ledger.Service
	locks    *keylock.Registry
	cache    *cache.Service
	bus      *events.Bus
	repair   ReconcileScheduler
	log      *logger.Logger
}

// New constructs the coordinator. cache, bus, and repair may be nil in tests.
func New(accounts storage.AccountStore, ledgerSvc *ledger.Service, locks *keylock.Registry, cacheSvc *cache.Service, bus *events.Bus, log *logger.Logger) *Service {
	if locks == nil {
		locks = keylock.New(0)
	}
	if log == nil {
		log = logger.NewDefault("economy")
	}
	return &Service{
		accounts: accounts,
		ledger:   ledgerSvc,
		locks:    locks,
		cache:    cacheSvc,
		bus:      bus,
		log:      log,
	}
}

// AttachReconcileScheduler wires the repair path. Call before serving.
func (s *Service) AttachReconcileScheduler(r ReconcileScheduler) { s.repair = r }

// Adjust applies a signed balance change and returns the new balance.
//
// Order is fixed: validate, append to the ledger, then write the projection,
// then invalidate caches. A projection failure after a durable ledger append
// is escalated as a critical inconsistency and handed to reconciliation; it
// is never rolled back, and the adjustment is reported as applied.
func (s *Service) Adjust(ctx context.Context, tenantID, userID string, amount int64, reason, txType string) (int64, error) {
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(userID) == "" {
		return 0, apperrors.Validation("tenant_id and user_id are required")
	}
	if amount == 0 {
		return 0, apperrors.Validation("amount cannot be zero")
	}
	if strings.TrimSpace(txType) == "" {
		txType = domain.TxTypeAdminAdjust
	}
	if !domain.ValidTxType(txType) {
		return 0, apperrors.Validation("unknown transaction type %q", txType)
	}

	unlock := s.locks.Lock(keylock.Key(tenantID, userID))
	defer unlock()

	acct, err := s.loadOrCreate(ctx, tenantID, userID)
	if err != nil {
		return 0, err
	}

	before := acct.Balance
	after := before + amount
	if after < 0 {
		return 0, apperrors.ErrInsufficientFunds
	}

	tx := domain.Transaction{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		UserID:        userID,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Type:          txType,
		Description:   reason,
	}
	if _, err := s.ledger.Append(ctx, tx); err != nil {
		// Nothing durable happened; the balance is unchanged.
		return 0, err
	}

	acct.Balance = after
	if amount > 0 {
		acct.TotalEarned += amount
	} else {
		acct.TotalSpent -= amount
	}
	if err := s.accounts.UpdateAccount(ctx, acct, before); err != nil {
		// The ledger entry is durable, so the mutation happened. The stale
		// projection is a critical operational incident, not a rollback.
		metrics.RecordProjectionFailure()
		s.log.WithError(err).
			WithField("tenant_id", tenantID).
			WithField("user_id", userID).
			WithField("tx_id", tx.ID).
			WithField("balance_after", after).
			Error("CRITICAL: projection write failed after durable ledger append")
		s.scheduleRepair(ctx, tenantID, userID)
	}

	s.invalidate(ctx, tenantID, userID)
	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:     events.EventBalanceUpdate,
			TenantID: tenantID,
			UserID:   userID,
			Metadata: map[string]string{"tx_id": tx.ID, "type": txType},
		})
	}

	return after, nil
}

// Balance returns the current account projection. With the store degraded it
// returns a zero-balance default and degraded=true instead of blocking.
func (s *Service) Balance(ctx context.Context, tenantID, userID string) (acct domain.Account, degraded bool, err error) {
	if s.cache != nil {
		if v, ok := s.cache.Get(tenantID, cache.KindBalance, userID); ok {
			return v.(domain.Account), false, nil
		}
	}

	acct, err = s.accounts.GetAccount(ctx, tenantID, userID)
	switch {
	case err == nil:
	case apperrors.Is(err, apperrors.ErrNotFound):
		// Accounts are created lazily; an unknown user has a zero balance.
		acct = domain.Account{TenantID: tenantID, UserID: userID}
		err = nil
	case apperrors.Is(err, apperrors.ErrStoreUnavailable):
		s.log.WithError(err).WithField("tenant_id", tenantID).Warn("balance read degraded")
		return domain.Account{TenantID: tenantID, UserID: userID}, true, nil
	default:
		return domain.Account{}, false, err
	}

	if s.cache != nil {
		s.cache.Set(tenantID, cache.KindBalance, userID, acct)
	}
	return acct, false, nil
}

// History returns recent ledger entries for the user, newest first.
func (s *Service) History(ctx context.Context, tenantID, userID string, limit int) ([]domain.Transaction, error) {
	return s.ledger.History(ctx, tenantID, userID, limit)
}

// Reconcile recomputes the projection from history; see ledger.Reconcile.
// It takes the same per-account lock as Adjust so repair never races a
// mutation.
func (s *Service) Reconcile(ctx context.Context, tenantID, userID string) (int64, error) {
	unlock := s.locks.Lock(keylock.Key(tenantID, userID))
	defer unlock()

	drift, err := s.ledger.Reconcile(ctx, tenantID, userID)
	if err != nil {
		return drift, err
	}
	if drift != 0 {
		s.invalidate(ctx, tenantID, userID)
	}
	return drift, nil
}

func (s *Service) loadOrCreate(ctx context.Context, tenantID, userID string) (domain.Account, error) {
	acct, err := s.accounts.GetAccount(ctx, tenantID, userID)
	if err == nil {
		return acct, nil
	}
	if !apperrors.Is(err, apperrors.ErrNotFound) {
		return domain.Account{}, err
	}

	created, err := s.accounts.CreateAccount(ctx, domain.Account{TenantID: tenantID, UserID: userID})
	if err == nil {
		return created, nil
	}
	if apperrors.Is(err, apperrors.ErrConcurrencyConflict) {
		// Another instance created it between our read and write.
		return s.accounts.GetAccount(ctx, tenantID, userID)
	}
	return domain.Account{}, err
}

func (s *Service) invalidate(ctx context.Context, tenantID, userID string) {
	if s.cache == nil {
		return
	}
	s.cache.Invalidate(ctx, cache.Invalidation{TenantID: tenantID, Kind: cache.KindBalance, UserID: userID})
}

func (s *Service) scheduleRepair(ctx context.Context, tenantID, userID string) {
	if s.repair == nil {
		return
	}
	if err := s.repair.ScheduleReconciliation(ctx, tenantID, userID); err != nil {
		s.log.WithError(err).
			WithField("tenant_id", tenantID).
			WithField("user_id", userID).
			Error("failed to schedule reconciliation after projection failure")
	}
}
