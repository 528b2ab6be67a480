// Package storage defines persistence interfaces for the gateway. State is
// saved as full snapshots: the in-memory managers are authoritative and a
// background worker flushes them periodically and on shutdown.
package storage

import (
	"context"

	gateway "github.com/cursorgate/cursorgate/internal"
)

// TokenRecord is the persisted form of one managed token. The credential
// is stored as its canonical JWT so a restore round-trips through the
// parser.
type TokenRecord struct {
	ID            int
	Alias         string
	JWT           string
	Status        string
	Checksum      string
	ClientKey     string
	SessionID     string
	ConfigVersion string
	Proxy         string
	Timezone      string
	Region        string
	Tags          map[string]string
	Profile       []byte // JSON, opaque to storage
}

// BundleRecord is the persisted dispatch bundle behind a resident request
// log, keyed by the printable token key.
type BundleRecord struct {
	TokenKey      string
	JWT           string
	Checksum      string
	ClientKey     string
	SessionID     string
	ConfigVersion string
	Proxy         string
	Timezone      string
	Region        string
}

// ProxyRecord is one persisted outbound proxy declaration.
type ProxyRecord struct {
	Name    string
	Kind    string
	URL     string
	General bool
}

// TokenStore persists the managed token set.
type TokenStore interface {
	SaveTokens(ctx context.Context, records []TokenRecord) error
	LoadTokens(ctx context.Context) ([]TokenRecord, error)
}

// LogStore persists the request log ring and its bundle cache.
type LogStore interface {
	SaveLogs(ctx context.Context, logs []gateway.RequestLog, bundles []BundleRecord) error
	LoadLogs(ctx context.Context, limit int) ([]gateway.RequestLog, []BundleRecord, error)
}

// ProxyStore persists the outbound proxy declarations.
type ProxyStore interface {
	SaveProxies(ctx context.Context, records []ProxyRecord) error
	LoadProxies(ctx context.Context) ([]ProxyRecord, error)
}

// Store combines all storage interfaces.
type Store interface {
	TokenStore
	LogStore
	ProxyStore
	Ping(ctx context.Context) error
	Close() error
}
