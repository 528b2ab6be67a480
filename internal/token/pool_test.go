package token

import (
	"sync"
	"testing"
)

func TestPoolInternDedupes(t *testing.T) {
	t.Parallel()

	p := NewPool()
	raw := testToken()

	a := p.Intern(raw, "")
	b := p.Intern(raw, "")
	if a.in != b.in {
		t.Error("equal tokens should share one interned value")
	}
	if p.Len() != 1 {
		t.Errorf("pool len = %d, want 1", p.Len())
	}
	if a.JWT() != raw.Render() {
		t.Error("empty jwt argument should fall back to the canonical rendering")
	}

	a.Release()
	if p.Len() != 1 {
		t.Error("pool entry should survive while a handle remains")
	}
	b.Release()
	if p.Len() != 0 {
		t.Error("last release should drop the entry")
	}
}

func TestPoolLookup(t *testing.T) {
	t.Parallel()

	p := NewPool()
	raw := testToken()

	if _, ok := p.Lookup(raw.Key()); ok {
		t.Error("lookup on an empty pool should miss")
	}

	a := p.Intern(raw, "")
	b, ok := p.Lookup(raw.Key())
	if !ok {
		t.Fatal("lookup should hit after intern")
	}
	if b.Raw() != raw {
		t.Error("lookup should return the interned value")
	}

	// The lookup handle keeps the entry alive on its own.
	a.Release()
	if p.Len() != 1 {
		t.Error("entry should survive on the lookup handle")
	}
	b.Release()
	if p.Len() != 0 {
		t.Error("entry should drop with the last handle")
	}
}

func TestPoolDisplacement(t *testing.T) {
	t.Parallel()

	p := NewPool()
	old := testToken()
	renewed := old
	renewed.End += 3600 // same key, refreshed expiry

	a := p.Intern(old, "")
	b := p.Intern(renewed, "")
	if a.in == b.in {
		t.Fatal("a different token value must not reuse the resident entry")
	}
	if p.Len() != 1 {
		t.Errorf("pool len = %d, want 1 (same key)", p.Len())
	}

	// The displaced handle stays usable and its release must not evict the
	// newer resident.
	if a.Raw() != old {
		t.Error("displaced handle should keep its original value")
	}
	a.Release()
	if got, ok := p.Lookup(old.Key()); !ok {
		t.Error("resident entry should survive the displaced release")
	} else {
		if got.Raw() != renewed {
			t.Error("resident entry should be the newer token")
		}
		got.Release()
	}
	b.Release()
	if p.Len() != 0 {
		t.Errorf("pool len = %d, want 0", p.Len())
	}
}

func TestPoolClone(t *testing.T) {
	t.Parallel()

	p := NewPool()
	a := p.Intern(testToken(), "")
	b := a.Clone()
	if a.in != b.in {
		t.Error("clone should share the interned value")
	}
	a.Release()
	if p.Len() != 1 {
		t.Error("clone should keep the entry alive")
	}
	b.Release()
	if p.Len() != 0 {
		t.Error("releasing the clone should drop the entry")
	}
}

func TestPoolConcurrentIntern(t *testing.T) {
	t.Parallel()

	p := NewPool()
	raw := testToken()

	const goroutines = 16
	var wg sync.WaitGroup
	handles := make([]Token, goroutines)
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(i int) {
			defer wg.Done()
			handles[i] = p.Intern(raw, "")
		}(i)
	}
	wg.Wait()

	if p.Len() != 1 {
		t.Fatalf("pool len = %d, want 1", p.Len())
	}
	for _, h := range handles {
		h.Release()
	}
	if p.Len() != 0 {
		t.Errorf("pool len = %d after releases, want 0", p.Len())
	}
}

func TestZeroTokenRelease(t *testing.T) {
	t.Parallel()

	var tok Token
	if tok.Valid() {
		t.Error("zero token should be invalid")
	}
	tok.Release() // must not panic
}

func TestRenderFromHandle(t *testing.T) {
	t.Parallel()

	p := NewPool()
	raw := testToken()
	tok := p.Intern(raw, "")
	defer tok.Release()

	// Snapshot paths render the credential straight off the handle.
	if got := tok.Raw().Render(); got != raw.Render() {
		t.Errorf("rendered = %q, want the canonical form", got)
	}
	if tok.Raw().Key() != raw.Key() {
		t.Error("handle should report the interned identity")
	}
}
