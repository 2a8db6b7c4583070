package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishNotifiesSubscribers(t *testing.T) {
	bus := NewBus(10)

	var all, filtered []Event
	bus.Subscribe(func(e Event) { all = append(all, e) })
	unsub := bus.Subscribe(func(e Event) { filtered = append(filtered, e) }, EventBalanceUpdate)

	bus.Publish(Event{Type: EventBalanceUpdate, TenantID: "t1", UserID: "u1"})
	bus.Publish(Event{Type: EventTaskClaimed, TenantID: "t1", UserID: "u1"})

	require.Len(t, all, 2)
	require.Len(t, filtered, 1)
	require.Equal(t, EventBalanceUpdate, filtered[0].Type)
	require.NotEmpty(t, filtered[0].ID)
	require.False(t, filtered[0].Timestamp.IsZero())

	unsub()
	bus.Publish(Event{Type: EventBalanceUpdate, TenantID: "t1"})
	require.Len(t, filtered, 1, "unsubscribed handler must not fire")
	require.Len(t, all, 3)
}

func TestRecentNewestFirstWithWrap(t *testing.T) {
	bus := NewBus(3)
	for _, tenant := range []string{"a", "b", "c", "d", "e"} {
		bus.Publish(Event{Type: EventShopUpdate, TenantID: tenant})
	}

	require.Equal(t, 3, bus.Count())

	recent := bus.Recent(10)
	require.Len(t, recent, 3)
	require.Equal(t, "e", recent[0].TenantID)
	require.Equal(t, "d", recent[1].TenantID)
	require.Equal(t, "c", recent[2].TenantID)
}

func TestRecentByTenantFilters(t *testing.T) {
	bus := NewBus(10)
	bus.Publish(Event{Type: EventBalanceUpdate, TenantID: "t1", UserID: "u1"})
	bus.Publish(Event{Type: EventBalanceUpdate, TenantID: "t2", UserID: "u2"})
	bus.Publish(Event{Type: EventInventoryUpdate, TenantID: "t1", UserID: "u3"})

	got := bus.RecentByTenant("t1", 10)
	require.Len(t, got, 2)
	require.Equal(t, "u3", got[0].UserID)
	require.Equal(t, "u1", got[1].UserID)

	require.Empty(t, bus.RecentByTenant("t9", 10))
}

func TestConcurrentPublishIsSafe(t *testing.T) {
	bus := NewBus(64)

	var mu sync.Mutex
	seen := 0
	bus.Subscribe(func(Event) {
		mu.Lock()
		seen++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				bus.Publish(Event{Type: EventCacheInvalidation, TenantID: "t1"})
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 200, seen)
	require.Equal(t, 64, bus.Count())
}
