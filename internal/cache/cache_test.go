package cache

import (
	"context"
	"testing"
	"time"
)

func TestGetSetExpiry(t *testing.T) {
	c := New(Config{TTL: 20 * time.Millisecond})

	c.Set("t1", KindBalance, "u1", int64(100))
	v, ok := c.Get("t1", KindBalance, "u1")
	if !ok || v.(int64) != 100 {
		t.Fatalf("expected cached balance 100, got %v (hit=%v)", v, ok)
	}

	time.Sleep(30 * time.Millisecond)
	if _, ok := c.Get("t1", KindBalance, "u1"); ok {
		t.Fatal("expected expired entry to miss")
	}
}

func TestInvalidateUserScope(t *testing.T) {
	c := New(Config{TTL: time.Minute})

	c.Set("t1", KindBalance, "u1", int64(1))
	c.Set("t1", KindBalance, "u2", int64(2))

	c.Invalidate(context.Background(), Invalidation{TenantID: "t1", Kind: KindBalance, UserID: "u1"})

	if _, ok := c.Get("t1", KindBalance, "u1"); ok {
		t.Fatal("u1 entry should be invalidated")
	}
	if _, ok := c.Get("t1", KindBalance, "u2"); !ok {
		t.Fatal("u2 entry should survive a u1-scoped invalidation")
	}
}

func TestInvalidateTenantScope(t *testing.T) {
	c := New(Config{TTL: time.Minute})

	c.Set("t1", KindShop, "", []string{"a"})
	c.Set("t1", KindShop, "u1", []string{"b"})
	c.Set("t2", KindShop, "", []string{"c"})

	c.Invalidate(context.Background(), Invalidation{TenantID: "t1", Kind: KindShop})

	if _, ok := c.Get("t1", KindShop, ""); ok {
		t.Fatal("tenant-wide shop entries should be invalidated")
	}
	if _, ok := c.Get("t1", KindShop, "u1"); ok {
		t.Fatal("user-scoped shop entry should be invalidated too")
	}
	if _, ok := c.Get("t2", KindShop, ""); !ok {
		t.Fatal("other tenant must be untouched")
	}
}

func TestListenersNotified(t *testing.T) {
	c := New(Config{TTL: time.Minute})

	var got []Invalidation
	c.Subscribe(func(inv Invalidation) { got = append(got, inv) })

	c.Invalidate(context.Background(), Invalidation{TenantID: "t1", Kind: KindBalance, UserID: "u1"})

	if len(got) != 1 || got[0].UserID != "u1" {
		t.Fatalf("expected one listener notification for u1, got %+v", got)
	}
}

func TestApplyRemoteSkipsOwnOrigin(t *testing.T) {
	c := New(Config{TTL: time.Minute, Origin: "node-a"})

	c.Set("t1", KindBalance, "u1", int64(5))
	c.ApplyRemote(Invalidation{TenantID: "t1", Kind: KindBalance, UserID: "u1", Origin: "node-a"})
	if _, ok := c.Get("t1", KindBalance, "u1"); !ok {
		t.Fatal("self-originated fan-out must not double-apply")
	}

	c.ApplyRemote(Invalidation{TenantID: "t1", Kind: KindBalance, UserID: "u1", Origin: "node-b"})
	if _, ok := c.Get("t1", KindBalance, "u1"); ok {
		t.Fatal("remote invalidation should clear the entry")
	}
}
