// Package cache holds small in-process caches.
package cache

import (
	"sync"
	"time"
)

type item[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLMap is a map whose values go stale after a per-entry lifetime.
type TTLMap[K comparable, V any] struct {
	mu    sync.Mutex
	items map[K]item[V]
	now   func() time.Time
}

func NewTTLMap[K comparable, V any]() *TTLMap[K, V] {
	return &TTLMap[K, V]{items: map[K]item[V]{}, now: time.Now}
}

// Get returns the value for key if it has not expired.
func (m *TTLMap[K, V]) Get(key K) (V, bool) {
	var zero V
	if m == nil {
		return zero, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	if !ok {
		return zero, false
	}
	if !it.expiresAt.IsZero() && !m.now().Before(it.expiresAt) {
		delete(m.items, key)
		return zero, false
	}
	return it.value, true
}

// Set stores value for ttl. A ttl <= 0 never expires.
func (m *TTLMap[K, V]) Set(key K, value V, ttl time.Duration) {
	if m == nil {
		return
	}
	exp := time.Time{}
	if ttl > 0 {
		exp = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.items[key] = item[V]{value: value, expiresAt: exp}
	m.mu.Unlock()
}

// GetOrLoad returns the cached value or stores and returns load(). Concurrent
// misses may each call load; the last result wins.
func (m *TTLMap[K, V]) GetOrLoad(key K, ttl time.Duration, load func() V) V {
	if v, ok := m.Get(key); ok {
		return v
	}
	v := load()
	m.Set(key, v, ttl)
	return v
}

func (m *TTLMap[K, V]) Delete(key K) {
	if m == nil {
		return
	}
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
}

func (m *TTLMap[K, V]) Len() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
