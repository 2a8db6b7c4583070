// Package cache provides the in-process read cache and its invalidation bus.
//
// Reads cache store responses under (tenant, kind, user) keys with a TTL and
// fall back to the store on miss or expiry. Every successful mutation must
// publish an invalidation; the broadcast itself is fire-and-forget but is
// always attempted. A pluggable Publisher fans invalidations out to other
// instances; NopPublisher serves single-instance deployments.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/guildworks/economy/internal/events"
	"github.com/guildworks/economy/internal/metrics"
	"github.com/guildworks/economy/pkg/logger"
)

// Kind identifies a class of cached reads.
type Kind string

const (
	KindBalance   Kind = "balance"
	KindTasks     Kind = "tasks"
	KindShop      Kind = "shop"
	KindInventory Kind = "inventory"
)

// Invalidation names the cache entries a mutation made stale. An empty UserID
// invalidates the kind for the whole tenant.
type Invalidation struct {
	TenantID string `json:"tenant_id"`
	Kind     Kind   `json:"kind"`
	UserID   string `json:"user_id,omitempty"`
	Origin   string `json:"origin,omitempty"`
}

// Publisher fans an invalidation out beyond this process.
type Publisher interface {
	Publish(ctx context.Context, inv Invalidation) error
}

// NopPublisher drops invalidations; correct for a single instance.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Invalidation) error { return nil }

// Listener observes invalidations applied to this instance.
type Listener func(Invalidation)

type entry struct {
	value     interface{}
	expiresAt time.Time
}

// Service is the cache instance injected into engines and the HTTP layer.
type Service struct {
	mu        sync.RWMutex
	entries   map[string]entry
	listeners []Listener

	ttl       time.Duration
	origin    string
	publisher Publisher
	bus       *events.Bus
	log       *logger.Logger

	sweepMu sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// Config controls cache construction.
type Config struct {
	TTL       time.Duration
	Origin    string // instance identity, used to skip self-published fan-out
	Publisher Publisher
	Events    *events.Bus
	Log       *logger.Logger
}

// New creates a cache service.
func New(cfg Config) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.Publisher == nil {
		cfg.Publisher = NopPublisher{}
	}
	if cfg.Log == nil {
		cfg.Log = logger.NewDefault("cache")
	}
	return &Service{
		entries:   make(map[string]entry),
		ttl:       cfg.TTL,
		origin:    cfg.Origin,
		publisher: cfg.Publisher,
		bus:       cfg.Events,
		log:       cfg.Log,
	}
}

func cacheKey(tenantID string, kind Kind, userID string) string {
	return tenantID + "\x00" + string(kind) + "\x00" + userID
}

// Get returns the cached value when present and fresh.
func (s *Service) Get(tenantID string, kind Kind, userID string) (interface{}, bool) {
	s.mu.RLock()
	e, ok := s.entries[cacheKey(tenantID, kind, userID)]
	s.mu.RUnlock()

	if !ok || time.Now().After(e.expiresAt) {
		metrics.RecordCacheLookup(false)
		return nil, false
	}
	metrics.RecordCacheLookup(true)
	return e.value, true
}

// Set stores a value under the service TTL.
func (s *Service) Set(tenantID string, kind Kind, userID string, value interface{}) {
	s.mu.Lock()
	s.entries[cacheKey(tenantID, kind, userID)] = entry{value: value, expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()
}

// Subscribe registers a listener for invalidations applied to this instance.
func (s *Service) Subscribe(l Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// Invalidate clears matching local entries, notifies listeners, emits the
// cache_invalidation event, and hands the invalidation to the publisher.
// Publisher errors are logged, never returned: the mutation already happened.
func (s *Service) Invalidate(ctx context.Context, inv Invalidation) {
	inv.Origin = s.origin
	s.apply(inv)

	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:     events.EventCacheInvalidation,
			TenantID: inv.TenantID,
			UserID:   inv.UserID,
			Metadata: map[string]string{"kind": string(inv.Kind)},
		})
	}

	if err := s.publisher.Publish(ctx, inv); err != nil {
		s.log.WithError(err).
			WithField("tenant_id", inv.TenantID).
			WithField("kind", string(inv.Kind)).
			Warn("cache invalidation broadcast failed")
	}
}

// ApplyRemote applies an invalidation received from another instance.
func (s *Service) ApplyRemote(inv Invalidation) {
	if inv.Origin != "" && inv.Origin == s.origin {
		return
	}
	s.apply(inv)
}

func (s *Service) apply(inv Invalidation) {
	prefix := inv.TenantID + "\x00" + string(inv.Kind) + "\x00"

	s.mu.Lock()
	if inv.UserID != "" {
		delete(s.entries, cacheKey(inv.TenantID, inv.Kind, inv.UserID))
	} else {
		for k := range s.entries {
			if strings.HasPrefix(k, prefix) {
				delete(s.entries, k)
			}
		}
	}
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, l := range listeners {
		l(inv)
	}
}

// Len returns the number of cached entries, expired or not.
func (s *Service) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Name implements the lifecycle service interface.
func (s *Service) Name() string { return "cache" }

// Start launches the expired-entry sweeper.
func (s *Service) Start(ctx context.Context) error {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()
	if s.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.ttl)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.evictExpired(time.Now())
			}
		}
	}()
	return nil
}

// Stop halts the sweeper.
func (s *Service) Stop(ctx context.Context) error {
	s.sweepMu.Lock()
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.sweepMu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) evictExpired(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, k)
		}
	}
}
