package app

import (
	"sync"

	gateway "github.com/cursorgate/cursorgate/internal"
	"github.com/cursorgate/cursorgate/internal/token"
)

// LogMode selects how the request log ring behaves.
type LogMode uint8

const (
	LogDisabled LogMode = iota
	LogUnlimited
	LogLimited
)

// bundleEntry is one cached dispatch bundle with its in-log refcount.
type bundleEntry struct {
	bundle token.Bundle
	refs   int
}

// LogManager keeps the bounded FIFO of request logs plus a side cache of
// the bundles that served them, refcounted by how many resident logs
// reference each key. The cache powers direct-key admission.
type LogManager struct {
	mu      sync.RWMutex
	mode    LogMode
	cap     int
	logs    []gateway.RequestLog
	bundles map[token.Key]*bundleEntry
	nextID  uint64
}

// NewLogManager builds a manager for the configured limit: 0 disables
// logging, limits >= 1,000,000 mean unlimited.
func NewLogManager(limit int) *LogManager {
	m := &LogManager{bundles: make(map[token.Key]*bundleEntry), nextID: 1}
	switch {
	case limit <= 0:
		m.mode = LogDisabled
	case limit >= 1_000_000:
		m.mode = LogUnlimited
	default:
		m.mode = LogLimited
		m.cap = limit
	}
	return m
}

// Mode reports the configured behavior.
func (m *LogManager) Mode() LogMode { return m.mode }

// NextID reserves a log id. Ids are monotonic and never reused.
func (m *LogManager) NextID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	return id
}

// Push appends a log and retains bundle in the cache under the log's
// token key. When the ring is at capacity the oldest log is evicted
// first; eviction drops that log's reference and removes the cache entry
// when its count reaches zero. Disabled mode releases the bundle
// immediately and records nothing.
func (m *LogManager) Push(log gateway.RequestLog, bundle token.Bundle) {
	if m.mode == LogDisabled {
		bundle.Token.Release()
		return
	}
	key := bundle.Token.Key()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mode == LogLimited {
		for len(m.logs) >= m.cap {
			m.evictFrontLocked()
		}
	}

	if e, ok := m.bundles[key]; ok {
		e.refs++
		bundle.Token.Release() // cache already holds a handle
	} else {
		m.bundles[key] = &bundleEntry{bundle: bundle, refs: 1}
	}
	m.logs = append(m.logs, log)
}

// evictFrontLocked pops the oldest log and decrements its bundle ref.
func (m *LogManager) evictFrontLocked() {
	front := m.logs[0]
	m.logs = m.logs[1:]
	key, ok := token.ParseKey(front.TokenKey)
	if !ok {
		return
	}
	e, ok := m.bundles[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		e.bundle.Token.Release()
		delete(m.bundles, key)
	}
}

// Update locates the log by id, scanning from the newest end, and applies
// f under the write lock. Returns false when the log has been evicted.
func (m *LogManager) Update(id uint64, f func(*gateway.RequestLog)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.logs) - 1; i >= 0; i-- {
		if m.logs[i].ID == id {
			f(&m.logs[i])
			return true
		}
	}
	return false
}

// Lookup returns a fresh handle on the cached bundle under key, if any.
func (m *LogManager) Lookup(key token.Key) (token.Bundle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.bundles[key]
	if !ok {
		return token.Bundle{}, false
	}
	return e.bundle.ForRequest(), true
}

// List returns up to limit logs ending at the newest, oldest first.
func (m *LogManager) List(limit int) []gateway.RequestLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.logs) {
		limit = len(m.logs)
	}
	out := make([]gateway.RequestLog, limit)
	copy(out, m.logs[len(m.logs)-limit:])
	return out
}

// Len reports the number of resident logs.
func (m *LogManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.logs)
}

// Restore replaces the ring from persisted state: logs in append order and
// the bundles they referenced. Refcounts are rebuilt from the logs; bundle
// entries not referenced by any resident log are released and dropped.
func (m *LogManager) Restore(logs []gateway.RequestLog, bundles map[token.Key]token.Bundle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mode == LogLimited && len(logs) > m.cap {
		logs = logs[len(logs)-m.cap:]
	}
	m.logs = logs

	refs := make(map[token.Key]int, len(bundles))
	for _, l := range m.logs {
		if key, ok := token.ParseKey(l.TokenKey); ok {
			refs[key]++
		}
		if l.ID >= m.nextID {
			m.nextID = l.ID + 1
		}
	}
	m.bundles = make(map[token.Key]*bundleEntry, len(refs))
	for key, b := range bundles {
		if n := refs[key]; n > 0 {
			m.bundles[key] = &bundleEntry{bundle: b, refs: n}
		} else {
			b.Token.Release()
		}
	}
}

// Bundles snapshots the cached bundles for persistence. The returned map
// shares token handles with the cache; callers must not release them.
func (m *LogManager) Bundles() map[token.Key]token.Bundle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[token.Key]token.Bundle, len(m.bundles))
	for k, e := range m.bundles {
		out[k] = e.bundle
	}
	return out
}
