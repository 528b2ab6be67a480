// Package app implements the management services sitting between the HTTP
// layer and the domain: the token manager and the request log manager.
package app

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	gateway "github.com/cursorgate/cursorgate/internal"
	"github.com/cursorgate/cursorgate/internal/token"
)

// autoAliasPrefix is reserved for manager-generated aliases.
const autoAliasPrefix = "unnamed_"

// slot is one occupied token-manager position.
type slot struct {
	info  *token.Info
	alias string
}

// Entry is the admin-facing view of one managed token.
type Entry struct {
	ID    int
	Alias string
	Info  *token.Info
}

// TokenManager is the authoritative pool of managed tokens: a sparse
// vector addressed by stable small integer ids, with alias and key side
// indices and a FIFO free-list for id reuse. Admin paths take the write
// lock; the request hot path briefly takes the read lock to snapshot.
type TokenManager struct {
	mu      sync.RWMutex
	slots   []*slot
	byKey   map[token.Key]int
	byAlias map[string]int
	free    []int // FIFO
}

// NewTokenManager returns an empty manager.
func NewTokenManager() *TokenManager {
	return &TokenManager{
		byKey:   make(map[token.Key]int),
		byAlias: make(map[string]int),
	}
}

// Add inserts info under the next free id. An empty alias, or one carrying
// the reserved auto prefix, is replaced by "unnamed_<id>". Duplicate
// aliases and duplicate token keys are rejected.
func (m *TokenManager) Add(info *token.Info, alias string) (int, error) {
	key := info.Bundle.Token.Key()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.byKey[key]; dup {
		return 0, fmt.Errorf("token already managed: %w", gateway.ErrConflict)
	}

	var id int
	if len(m.free) > 0 {
		id = m.free[0]
		m.free = m.free[1:]
	} else {
		id = len(m.slots)
		m.slots = append(m.slots, nil)
	}

	if alias == "" || strings.HasPrefix(alias, autoAliasPrefix) {
		alias = autoAliasPrefix + strconv.Itoa(id)
	}
	if _, dup := m.byAlias[alias]; dup {
		// undo the id allocation before reporting the conflict
		m.free = append(m.free, id)
		return 0, fmt.Errorf("alias %q: %w", alias, gateway.ErrConflict)
	}

	m.slots[id] = &slot{info: info, alias: alias}
	m.byKey[key] = id
	m.byAlias[alias] = id
	return id, nil
}

// Remove takes the slot and recycles its id.
func (m *TokenManager) Remove(id int) (*token.Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.slot(id)
	if err != nil {
		return nil, err
	}
	m.slots[id] = nil
	delete(m.byKey, s.info.Bundle.Token.Key())
	delete(m.byAlias, s.alias)
	m.free = append(m.free, id)
	return s.info, nil
}

// Get returns the record under id.
func (m *TokenManager) Get(id int) (*token.Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, err := m.slot(id)
	if err != nil {
		return nil, err
	}
	return s.info, nil
}

// GetByAlias returns the record registered under alias.
func (m *TokenManager) GetByAlias(alias string) (*token.Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byAlias[alias]
	if !ok {
		return nil, fmt.Errorf("alias %q: %w", alias, gateway.ErrNotFound)
	}
	return m.slots[id].info, nil
}

// SetAlias renames id, rejecting conflicts with other slots.
func (m *TokenManager) SetAlias(id int, alias string) error {
	if alias == "" || strings.HasPrefix(alias, autoAliasPrefix) {
		alias = autoAliasPrefix + strconv.Itoa(id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.slot(id)
	if err != nil {
		return err
	}
	if cur, ok := m.byAlias[alias]; ok {
		if cur == id {
			return nil
		}
		return fmt.Errorf("alias %q: %w", alias, gateway.ErrConflict)
	}
	delete(m.byAlias, s.alias)
	s.alias = alias
	m.byAlias[alias] = id
	return nil
}

// SetStatus flips the enablement state of id.
func (m *TokenManager) SetStatus(id int, st token.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.slot(id)
	if err != nil {
		return err
	}
	s.info.Status = st
	return nil
}

// List enumerates present slots in id order.
func (m *TokenManager) List() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.slots))
	for id, s := range m.slots {
		if s != nil {
			out = append(out, Entry{ID: id, Alias: s.alias, Info: s.info})
		}
	}
	return out
}

// Len reports the number of managed tokens.
func (m *TokenManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byKey)
}

// EnabledBundles snapshots the bundles eligible for round-robin dispatch,
// in id order.
func (m *TokenManager) EnabledBundles() []token.Bundle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]token.Bundle, 0, len(m.slots))
	for _, s := range m.slots {
		if s != nil && s.info.Enabled() {
			out = append(out, s.info.Bundle)
		}
	}
	return out
}

// slot validates id under the caller-held lock.
func (m *TokenManager) slot(id int) (*slot, error) {
	if id < 0 || id >= len(m.slots) || m.slots[id] == nil {
		return nil, fmt.Errorf("token id %d: %w", id, gateway.ErrNotFound)
	}
	return m.slots[id], nil
}
