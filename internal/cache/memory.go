// Package cache provides small in-memory caches for parse-heavy hot paths
// (dynamic-key decoding, fetched image probes).
package cache

import (
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"
)

// entry wraps a cached value with its expiration time.
type entry[V any] struct {
	val       V
	expiresAt time.Time
}

// Memory is an in-memory W-TinyLFU cache backed by otter.
type Memory[K comparable, V any] struct {
	cache *otter.Cache[K, entry[V]]
	ttl   time.Duration
}

// NewMemory creates a cache with the given max entry count and TTL.
func NewMemory[K comparable, V any](maxSize int, ttl time.Duration) (*Memory[K, V], error) {
	c, err := otter.New[K, entry[V]](&otter.Options[K, entry[V]]{
		MaximumSize:      maxSize,
		ExpiryCalculator: otter.ExpiryWriting[K, entry[V]](ttl),
	})
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &Memory[K, V]{cache: c, ttl: ttl}, nil
}

// Get retrieves a value if present and not expired.
func (m *Memory[K, V]) Get(key K) (V, bool) {
	e, ok := m.cache.GetIfPresent(key)
	if !ok {
		var zero V
		return zero, false
	}
	if time.Now().After(e.expiresAt) {
		m.cache.Invalidate(key)
		var zero V
		return zero, false
	}
	return e.val, true
}

// Set stores a value under the configured TTL.
func (m *Memory[K, V]) Set(key K, val V) {
	m.cache.Set(key, entry[V]{val: val, expiresAt: time.Now().Add(m.ttl)})
}

// Delete removes a value.
func (m *Memory[K, V]) Delete(key K) {
	m.cache.Invalidate(key)
}

// Purge removes all values.
func (m *Memory[K, V]) Purge() {
	m.cache.InvalidateAll()
}
