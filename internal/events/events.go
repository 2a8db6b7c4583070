// Package events provides the typed event output of the economy core.
// Events are consumed in-process by the cache layer and exported to the
// real-time notifier and chat message updater through subscribers.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Type classifies an economy event.
type Type string

const (
	EventBalanceUpdate     Type = "balance_update"
	EventTaskClaimed       Type = "task_claimed"
	EventTaskCompleted     Type = "task_completed"
	EventShopUpdate        Type = "shop_update"
	EventInventoryUpdate   Type = "inventory_update"
	EventCacheInvalidation Type = "cache_invalidation"
)

// Event is a single tenant-scoped occurrence.
type Event struct {
	ID        string            `json:"id"`
	Type      Type              `json:"type"`
	TenantID  string            `json:"tenant_id"`
	UserID    string            `json:"user_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// String returns a human-readable representation.
func (e Event) String() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// Handler processes events as they occur.
type Handler func(Event)

// Bus fans events out to subscribers and retains a bounded history for
// inspection. It is safe for concurrent use.
type Bus struct {
	mu       sync.RWMutex
	events   []Event
	size     int
	head     int
	count    int
	handlers []handlerEntry
	nextID   int64
}

type handlerEntry struct {
	id      int64
	types   map[Type]bool // nil means all types
	handler Handler
}

// NewBus creates an event bus retaining up to size events.
func NewBus(size int) *Bus {
	if size <= 0 {
		size = 1000
	}
	return &Bus{
		events: make([]Event, size),
		size:   size,
	}
}

// Publish records the event and notifies subscribers. Handlers run on the
// caller's goroutine, outside the bus lock.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = generateEventID()
	}

	b.events[b.head] = event
	b.head = (b.head + 1) % b.size
	if b.count < b.size {
		b.count++
	}

	handlers := make([]handlerEntry, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.Unlock()

	for _, h := range handlers {
		if h.types == nil || h.types[event.Type] {
			h.handler(event)
		}
	}
}

// Subscribe registers a handler for the given event types; with no types it
// receives everything. The returned function unsubscribes.
func (b *Bus) Subscribe(handler Handler, types ...Type) func() {
	var filter map[Type]bool
	if len(types) > 0 {
		filter = make(map[Type]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers = append(b.handlers, handlerEntry{id: id, types: filter, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, h := range b.handlers {
			if h.id == id {
				b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
				return
			}
		}
	}
}

// Recent returns the most recent n events, newest first.
func (b *Bus) Recent(n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 || b.count == 0 {
		return nil
	}
	if n > b.count {
		n = b.count
	}

	result := make([]Event, n)
	for i := 0; i < n; i++ {
		idx := (b.head - 1 - i + b.size) % b.size
		result[i] = b.events[idx]
	}
	return result
}

// RecentByTenant returns recent events scoped to one tenant, newest first.
func (b *Bus) RecentByTenant(tenantID string, n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 || b.count == 0 {
		return nil
	}

	var result []Event
	for i := 0; i < b.count && len(result) < n; i++ {
		idx := (b.head - 1 - i + b.size) % b.size
		if b.events[idx].TenantID == tenantID {
			result = append(result, b.events[idx])
		}
	}
	return result
}

// Count returns the number of retained events.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

func generateEventID() string {
	return time.Now().UTC().Format("20060102150405.000000000")
}
