package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLMap is a small concurrent map with per-entry expiry. A zero expiry
// means the entry never expires; stale entries are dropped on read.
type TTLMap[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]entry[V]
}

func NewTTLMap[K comparable, V any]() *TTLMap[K, V] {
	return &TTLMap[K, V]{items: map[K]entry[V]{}}
}

func (m *TTLMap[K, V]) Get(key K, now time.Time) (V, bool) {
	var zero V
	if m == nil {
		return zero, false
	}
	m.mu.RLock()
	it, ok := m.items[key]
	m.mu.RUnlock()
	if !ok {
		return zero, false
	}
	if !it.expiresAt.IsZero() && !now.Before(it.expiresAt) {
		m.Delete(key)
		return zero, false
	}
	return it.value, true
}

func (m *TTLMap[K, V]) Set(key K, value V, now time.Time, ttl time.Duration) {
	if m == nil {
		return
	}
	exp := time.Time{}
	if ttl > 0 {
		exp = now.Add(ttl)
	}
	m.mu.Lock()
	m.items[key] = entry[V]{value: value, expiresAt: exp}
	m.mu.Unlock()
}

func (m *TTLMap[K, V]) Delete(key K) {
	if m == nil {
		return
	}
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
}

func (m *TTLMap[K, V]) Clear() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.items = map[K]entry[V]{}
	m.mu.Unlock()
}

// Values returns a copy of all live values, for persistence.
func (m *TTLMap[K, V]) Values(now time.Time) map[K]V {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[K]V, len(m.items))
	for k, it := range m.items {
		if !it.expiresAt.IsZero() && !now.Before(it.expiresAt) {
			continue
		}
		out[k] = it.value
	}
	return out
}
