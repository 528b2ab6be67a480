package token

import (
	"math"
	"sync"
	"sync/atomic"
)

// inner is the interned, shared token value. The JWT text is cached at
// intern time so rendering the Authorization header is a plain string read.
type inner struct {
	raw  RawToken
	jwt  string
	refs atomic.Int64
	pool *Pool
}

// Token is a refcounted handle onto an interned credential. The zero Token
// is invalid; obtain handles from a Pool.
type Token struct {
	in *inner
}

// Pool deduplicates equal credentials behind their Key. At most one live
// inner exists per key; a different RawToken under the same key displaces
// the resident one (last writer wins).
type Pool struct {
	mu      sync.RWMutex
	entries map[Key]*inner
}

// NewPool returns an empty intern pool.
func NewPool() *Pool {
	return &Pool{entries: make(map[Key]*inner)}
}

// Intern returns a handle for raw, reusing the resident entry when the
// full token is byte-equal. jwt is the printable credential; when empty
// the canonical rendering is used.
func (p *Pool) Intern(raw RawToken, jwt string) Token {
	key := raw.Key()

	p.mu.RLock()
	if in, ok := p.entries[key]; ok && in.raw == raw {
		in.incref()
		p.mu.RUnlock()
		return Token{in: in}
	}
	p.mu.RUnlock()

	if jwt == "" {
		jwt = raw.Render()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// Re-check under the write lock: another goroutine may have interned
	// the same value between the two lock acquisitions.
	if in, ok := p.entries[key]; ok && in.raw == raw {
		in.incref()
		return Token{in: in}
	}
	in := &inner{raw: raw, jwt: jwt, pool: p}
	in.refs.Store(1)
	p.entries[key] = in
	return Token{in: in}
}

// Lookup returns a new handle for the resident entry under key, if any.
func (p *Pool) Lookup(key Key) (Token, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	in, ok := p.entries[key]
	if !ok {
		return Token{}, false
	}
	in.incref()
	return Token{in: in}, true
}

// Len reports the number of resident entries.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

func (in *inner) incref() {
	if in.refs.Add(1) > math.MaxInt64/2 {
		panic("token: refcount overflow")
	}
}

// Valid reports whether the handle refers to an interned token.
func (t Token) Valid() bool { return t.in != nil }

// Raw returns the decoded token value.
func (t Token) Raw() RawToken { return t.in.raw }

// Key returns the token identity.
func (t Token) Key() Key { return t.in.raw.Key() }

// JWT returns the cached printable credential.
func (t Token) JWT() string { return t.in.jwt }

// Clone returns a second handle sharing the interned value.
func (t Token) Clone() Token {
	t.in.incref()
	return t
}

// Release drops the handle. The last release removes the entry from the
// pool -- unless the key was displaced by a newer token, in which case the
// resident entry is left untouched.
func (t Token) Release() {
	in := t.in
	if in == nil {
		return
	}
	if in.refs.Add(-1) != 0 {
		return
	}
	p := in.pool
	p.mu.Lock()
	if cur, ok := p.entries[in.raw.Key()]; ok && cur == in {
		delete(p.entries, in.raw.Key())
	}
	p.mu.Unlock()
}
