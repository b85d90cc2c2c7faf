package cache

import (
	"testing"
	"time"
)

func TestTTLMapExpiresEntries(t *testing.T) {
	m := NewTTLMap[string, int]()
	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }

	m.Set("a", 1, time.Second)
	m.Set("forever", 2, 0)
	if v, ok := m.Get("a"); !ok || v != 1 {
		t.Fatalf("expected fresh value, got %v %v", v, ok)
	}
	now = now.Add(time.Second)
	if _, ok := m.Get("a"); ok {
		t.Fatal("expected entry to expire at its deadline")
	}
	if _, ok := m.Get("forever"); !ok {
		t.Fatal("zero ttl entries must not expire")
	}
	if m.Len() != 1 {
		t.Fatalf("expired entry should be dropped, len=%d", m.Len())
	}
}

func TestGetOrLoadCachesUntilExpiry(t *testing.T) {
	m := NewTTLMap[string, int]()
	now := time.Unix(0, 0)
	m.now = func() time.Time { return now }
	calls := 0
	load := func() int { calls++; return calls }

	if v := m.GetOrLoad("k", time.Minute, load); v != 1 {
		t.Fatalf("first load = %d", v)
	}
	if v := m.GetOrLoad("k", time.Minute, load); v != 1 || calls != 1 {
		t.Fatalf("expected cached value, got %d after %d calls", v, calls)
	}
	now = now.Add(2 * time.Minute)
	if v := m.GetOrLoad("k", time.Minute, load); v != 2 {
		t.Fatalf("expected reload after expiry, got %d", v)
	}
	m.Delete("k")
	if _, ok := m.Get("k"); ok {
		t.Fatal("expected delete to remove entry")
	}
}
