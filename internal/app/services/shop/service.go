// Package shop implements the purchase and redemption engine.
//
// Purchases are ledger-first: the debit is made durable through the balance
// coordinator before stock and inventory move. Redemptions run the external
// effect before consuming inventory, and timed grants schedule their reversal
// through the durable job queue.
package shop

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	domain "github.com/guildworks/economy/internal/app/domain/economy"
	"github.com/guildworks/economy/internal/app/domain/shop"
	"github.com/guildworks/economy/internal/app/services/economy"
	"github.com/guildworks/economy/internal/app/storage"
	"github.com/guildworks/economy/internal/cache"
	apperrors "github.com/guildworks/economy/internal/errors"
	"github.com/guildworks/economy/internal/events"
	"github.com/guildworks/economy/internal/keylock"
	"github.com/guildworks/economy/internal/metrics"
	"github.com/guildworks/economy/pkg/logger"
)

// stockGuardRetries bounds how often a cross-process stock conflict is
// re-read before the purchase is escalated.
const stockGuardRetries = 3

// EffectFunc applies an item's external effect (role grant, feature unlock).
// Redemption only consumes inventory after the effect succeeds.
type EffectFunc func(ctx context.Context, tenantID, userID string, item shop.Item, qty int) error

// GrantScheduler books the deferred reversal of a timed grant. Implemented by
// the jobs service.
type GrantScheduler interface {
	ScheduleGrantReversal(ctx context.Context, tenantID, userID, itemID string, qty int, runAt time.Time) error
}

// Service is the shop purchase engine.
type Service struct {
	items       storage.ItemStore
	inventory   storage.InventoryStore
	coordinator *economy.Service
	locks       *keylock.Registry
	cache       *cache.Service
	bus         *events.Bus
	log         *logger.Logger

	effect    EffectFunc
	scheduler GrantScheduler
}

// New constructs the engine. cache, bus, effect, and scheduler may be nil.
func New(items storage.ItemStore, inventory storage.InventoryStore, coordinator *economy.Service, locks *keylock.Registry, cacheSvc *cache.Service, bus *events.Bus, log *logger.Logger) *Service {
	if locks == nil {
		locks = keylock.New(0)
	}
	if log == nil {
		log = logger.NewDefault("shop")
	}
	return &Service{
		items:       items,
		inventory:   inventory,
		coordinator: coordinator,
		locks:       locks,
		cache:       cacheSvc,
		bus:         bus,
		log:         log,
	}
}

// SetEffect wires the external redemption effect. Call before serving.
func (s *Service) SetEffect(fn EffectFunc) { s.effect = fn }

// SetGrantScheduler wires the timed-grant reversal path. Call before serving.
func (s *Service) SetGrantScheduler(g GrantScheduler) { s.scheduler = g }

// CreateItem registers a new shop item.
func (s *Service) CreateItem(ctx context.Context, item shop.Item) (shop.Item, error) {
	if strings.TrimSpace(item.TenantID) == "" {
		return shop.Item{}, apperrors.Validation("tenant_id is required")
	}
	if strings.TrimSpace(item.Name) == "" {
		return shop.Item{}, apperrors.Validation("name is required")
	}
	if item.Price <= 0 {
		return shop.Item{}, apperrors.Validation("price must be positive")
	}
	if item.Stock < shop.UnlimitedStock {
		return shop.Item{}, apperrors.Validation("stock must be >= 0 or -1 for unlimited")
	}
	switch item.Category {
	case shop.CategoryConsumable, shop.CategoryPermanent:
	case shop.CategoryTimedGrant:
		if _, err := time.ParseDuration(item.GrantTTL); err != nil {
			return shop.Item{}, apperrors.Validation("timed grants need a valid grant_ttl")
		}
	default:
		return shop.Item{}, apperrors.Validation("unknown category %q", item.Category)
	}

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	created, err := s.items.CreateItem(ctx, item)
	if err != nil {
		return shop.Item{}, err
	}
	s.invalidateShop(ctx, created.TenantID)
	s.publishShopUpdate(created.TenantID, created.ID, "created")
	s.log.WithField("tenant_id", created.TenantID).
		WithField("item_id", created.ID).
		WithField("price", created.Price).
		Info("shop item created")
	return created, nil
}

// GetItem returns one item.
func (s *Service) GetItem(ctx context.Context, tenantID, itemID string) (shop.Item, error) {
	return s.items.GetItem(ctx, tenantID, itemID)
}

// ListItems returns the tenant's catalog. Active listings are cached.
func (s *Service) ListItems(ctx context.Context, tenantID string, activeOnly bool) ([]shop.Item, error) {
	if activeOnly && s.cache != nil {
		if v, ok := s.cache.Get(tenantID, cache.KindShop, ""); ok {
			return v.([]shop.Item), nil
		}
	}

	out, err := s.items.ListItems(ctx, tenantID, activeOnly)
	if err != nil {
		return nil, err
	}
	if activeOnly && s.cache != nil {
		s.cache.Set(tenantID, cache.KindShop, "", out)
	}
	return out, nil
}

// SetItemActive toggles an item's availability.
func (s *Service) SetItemActive(ctx context.Context, tenantID, itemID string, active bool) (shop.Item, error) {
	unlock := s.locks.Lock(keylock.Key(tenantID, "item", itemID))
	defer unlock()

	item, err := s.items.GetItem(ctx, tenantID, itemID)
	if err != nil {
		return shop.Item{}, err
	}
	item.Active = active

	updated, err := s.items.UpdateItem(ctx, item)
	if err != nil {
		return shop.Item{}, err
	}
	s.invalidateShop(ctx, tenantID)
	action := "deactivated"
	if active {
		action = "activated"
	}
	s.publishShopUpdate(tenantID, itemID, action)
	return updated, nil
}

// Purchase debits the buyer and hands over qty units of the item.
//
// The user purchase lock and the item lock are both held so the in-process
// stock check is authoritative; the store's guarded decrement covers writers
// in other processes. Once the debit is durable, stock or inventory failures
// are critical incidents and never refunded automatically.
func (s *Service) Purchase(ctx context.Context, tenantID, userID, itemID string, qty int) (shop.InventoryEntry, error) {
	if qty <= 0 {
		return shop.InventoryEntry{}, apperrors.Validation("quantity must be positive")
	}

	unlockUser := s.locks.Lock(keylock.Key(tenantID, "purchase", userID))
	defer unlockUser()
	unlockItem := s.locks.Lock(keylock.Key(tenantID, "item", itemID))
	defer unlockItem()

	item, err := s.items.GetItem(ctx, tenantID, itemID)
	if err != nil {
		return shop.InventoryEntry{}, err
	}
	if !item.Active {
		return shop.InventoryEntry{}, apperrors.Validation("item is not for sale")
	}
	if !item.InStock(qty) {
		return shop.InventoryEntry{}, apperrors.ErrInsufficientStock
	}

	cost := item.Price * int64(qty)
	if _, err := s.coordinator.Adjust(ctx, tenantID, userID, -cost, "purchase: "+item.Name, domain.TxTypePurchase); err != nil {
		// Nothing durable happened; InsufficientFunds and store errors
		// surface unchanged.
		return shop.InventoryEntry{}, err
	}

	if item.Stock != shop.UnlimitedStock {
		if err := s.decrementStock(ctx, item, qty); err != nil {
			metrics.RecordProjectionFailure()
			s.log.WithError(err).
				WithField("tenant_id", tenantID).
				WithField("user_id", userID).
				WithField("item_id", itemID).
				Error("CRITICAL: stock decrement failed after durable debit")
		} else {
			s.publishShopUpdate(tenantID, itemID, "stock")
		}
	}

	entry, err := s.addInventory(ctx, tenantID, userID, itemID, qty)
	if err != nil {
		metrics.RecordProjectionFailure()
		s.log.WithError(err).
			WithField("tenant_id", tenantID).
			WithField("user_id", userID).
			WithField("item_id", itemID).
			Error("CRITICAL: inventory grant failed after durable debit")
		return shop.InventoryEntry{}, err
	}

	s.invalidateShop(ctx, tenantID)
	s.invalidateInventory(ctx, tenantID, userID)
	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:     events.EventInventoryUpdate,
			TenantID: tenantID,
			UserID:   userID,
			Metadata: map[string]string{"item_id": itemID},
		})
	}
	return entry, nil
}

// Redeem consumes owned units of an item.
//
// Consumables apply the external effect first and only then decrement the
// inventory, so a failed effect leaves the unit owned. Timed grants also book
// a reversal job that undoes the effect when the grant window closes.
func (s *Service) Redeem(ctx context.Context, tenantID, userID, itemID string, qty int) (shop.InventoryEntry, error) {
	if qty <= 0 {
		return shop.InventoryEntry{}, apperrors.Validation("quantity must be positive")
	}

	unlock := s.locks.Lock(keylock.Key(tenantID, "inventory", userID))
	defer unlock()

	item, err := s.items.GetItem(ctx, tenantID, itemID)
	if err != nil {
		return shop.InventoryEntry{}, err
	}
	if item.Category == shop.CategoryPermanent {
		return shop.InventoryEntry{}, apperrors.Validation("permanent items are not redeemable")
	}

	entry, err := s.inventory.GetInventoryEntry(ctx, tenantID, userID, itemID)
	if err != nil {
		return shop.InventoryEntry{}, err
	}
	if entry.Quantity < qty {
		return shop.InventoryEntry{}, apperrors.Validation("not enough units owned: have %d, need %d", entry.Quantity, qty)
	}

	if s.effect != nil {
		if err := s.effect(ctx, tenantID, userID, item, qty); err != nil {
			// Inventory untouched; the redemption can be retried.
			return shop.InventoryEntry{}, err
		}
	}

	if item.Category == shop.CategoryTimedGrant && s.scheduler != nil {
		ttl, _ := time.ParseDuration(item.GrantTTL)
		if err := s.scheduler.ScheduleGrantReversal(ctx, tenantID, userID, itemID, qty, time.Now().Add(ttl)); err != nil {
			s.log.WithError(err).
				WithField("tenant_id", tenantID).
				WithField("item_id", itemID).
				Error("failed to schedule grant reversal")
		}
	}

	entry.Quantity -= qty
	updated, err := s.inventory.UpsertInventoryEntry(ctx, entry)
	if err != nil {
		metrics.RecordProjectionFailure()
		s.log.WithError(err).
			WithField("tenant_id", tenantID).
			WithField("user_id", userID).
			WithField("item_id", itemID).
			Error("CRITICAL: inventory decrement failed after applied effect")
		return shop.InventoryEntry{}, err
	}

	s.invalidateInventory(ctx, tenantID, userID)
	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:     events.EventInventoryUpdate,
			TenantID: tenantID,
			UserID:   userID,
			Metadata: map[string]string{"item_id": itemID, "action": "redeem"},
		})
	}
	return updated, nil
}

// Inventory lists what the user owns.
func (s *Service) Inventory(ctx context.Context, tenantID, userID string) ([]shop.InventoryEntry, error) {
	if s.cache != nil {
		if v, ok := s.cache.Get(tenantID, cache.KindInventory, userID); ok {
			return v.([]shop.InventoryEntry), nil
		}
	}

	out, err := s.inventory.ListInventory(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Set(tenantID, cache.KindInventory, userID, out)
	}
	return out, nil
}

// HandleGrantReversal is the job-queue executor for expired timed grants. The
// payload was written by ScheduleGrantReversal.
func (s *Service) HandleGrantReversal(ctx context.Context, payload map[string]string) error {
	tenantID, userID, itemID := payload["tenant_id"], payload["user_id"], payload["item_id"]
	if tenantID == "" || userID == "" || itemID == "" {
		return apperrors.Validation("grant reversal payload incomplete")
	}
	qty, err := strconv.Atoi(payload["qty"])
	if err != nil || qty <= 0 {
		return apperrors.Validation("grant reversal payload has invalid qty %q", payload["qty"])
	}

	item, err := s.items.GetItem(ctx, tenantID, itemID)
	if err != nil {
		return err
	}
	if s.effect != nil {
		// The effect callback reverses with qty < 0.
		if err := s.effect(ctx, tenantID, userID, item, -qty); err != nil {
			return err
		}
	}
	s.log.WithField("tenant_id", tenantID).
		WithField("user_id", userID).
		WithField("item_id", itemID).
		WithField("qty", qty).
		Info("timed grant reversed")
	return nil
}

// decrementStock applies the guarded stock decrement, re-reading on conflict
// with writers in other processes.
func (s *Service) decrementStock(ctx context.Context, item shop.Item, qty int) error {
	expected := item.Stock
	for attempt := 0; attempt < stockGuardRetries; attempt++ {
		_, err := s.items.DecrementItemStock(ctx, item.TenantID, item.ID, qty, expected)
		if err == nil {
			return nil
		}
		if !apperrors.Is(err, apperrors.ErrConcurrencyConflict) {
			return err
		}
		fresh, err := s.items.GetItem(ctx, item.TenantID, item.ID)
		if err != nil {
			return err
		}
		if !fresh.InStock(qty) {
			return apperrors.ErrInsufficientStock
		}
		expected = fresh.Stock
	}
	return apperrors.ErrConcurrencyConflict
}

func (s *Service) addInventory(ctx context.Context, tenantID, userID, itemID string, qty int) (shop.InventoryEntry, error) {
	entry, err := s.inventory.GetInventoryEntry(ctx, tenantID, userID, itemID)
	if err != nil {
		if !apperrors.Is(err, apperrors.ErrNotFound) {
			return shop.InventoryEntry{}, err
		}
		entry = shop.InventoryEntry{TenantID: tenantID, UserID: userID, ItemID: itemID}
	}
	entry.Quantity += qty
	return s.inventory.UpsertInventoryEntry(ctx, entry)
}

func (s *Service) publishShopUpdate(tenantID, itemID, action string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Type:     events.EventShopUpdate,
		TenantID: tenantID,
		Metadata: map[string]string{"item_id": itemID, "action": action},
	})
}

func (s *Service) invalidateShop(ctx context.Context, tenantID string) {
	if s.cache == nil {
		return
	}
	s.cache.Invalidate(ctx, cache.Invalidation{TenantID: tenantID, Kind: cache.KindShop})
}

func (s *Service) invalidateInventory(ctx context.Context, tenantID, userID string) {
	if s.cache == nil {
		return
	}
	s.cache.Invalidate(ctx, cache.Invalidation{TenantID: tenantID, Kind: cache.KindInventory, UserID: userID})
}
