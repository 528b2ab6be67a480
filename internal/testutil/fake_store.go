package testutil

import (
	"context"
	"sync"

	gateway "github.com/cursorgate/cursorgate/internal"
	"github.com/cursorgate/cursorgate/internal/storage"
)

// FakeStore is an in-memory implementation of storage.Store for testing.
type FakeStore struct {
	mu      sync.RWMutex
	tokens  []storage.TokenRecord
	logs    []gateway.RequestLog
	bundles []storage.BundleRecord
	proxies []storage.ProxyRecord
}

// NewFakeStore returns an empty FakeStore.
func NewFakeStore() *FakeStore {
	return &FakeStore{}
}

// SaveTokens replaces the token snapshot.
func (s *FakeStore) SaveTokens(_ context.Context, records []storage.TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = append([]storage.TokenRecord(nil), records...)
	return nil
}

// LoadTokens returns the token snapshot.
func (s *FakeStore) LoadTokens(context.Context) ([]storage.TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]storage.TokenRecord(nil), s.tokens...), nil
}

// SaveLogs replaces the log snapshot.
func (s *FakeStore) SaveLogs(_ context.Context, logs []gateway.RequestLog, bundles []storage.BundleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append([]gateway.RequestLog(nil), logs...)
	s.bundles = append([]storage.BundleRecord(nil), bundles...)
	return nil
}

// LoadLogs returns the log snapshot.
func (s *FakeStore) LoadLogs(_ context.Context, limit int) ([]gateway.RequestLog, []storage.BundleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	logs := s.logs
	if limit > 0 && len(logs) > limit {
		logs = logs[len(logs)-limit:]
	}
	return append([]gateway.RequestLog(nil), logs...),
		append([]storage.BundleRecord(nil), s.bundles...), nil
}

// SaveProxies replaces the proxy snapshot.
func (s *FakeStore) SaveProxies(_ context.Context, records []storage.ProxyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proxies = append([]storage.ProxyRecord(nil), records...)
	return nil
}

// LoadProxies returns the proxy snapshot.
func (s *FakeStore) LoadProxies(context.Context) ([]storage.ProxyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]storage.ProxyRecord(nil), s.proxies...), nil
}

// Ping always succeeds.
func (s *FakeStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *FakeStore) Close() error { return nil }
