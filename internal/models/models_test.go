package models

import (
	"errors"
	"fmt"
	"testing"

	gateway "github.com/cursorgate/cursorgate/internal"
)

func TestResolveBase(t *testing.T) {
	t.Parallel()

	r := NewRegistry(false)
	m, err := r.Resolve("claude-4.5-sonnet")
	if err != nil {
		t.Fatal(err)
	}
	if m.ID != "claude-4.5-sonnet" || m.Web || m.Max {
		t.Errorf("base resolve = %+v, want plain descriptor", m)
	}
	if m.Owner != "anthropic" || !m.IsImage {
		t.Errorf("capabilities = %+v", m.Model)
	}
}

func TestResolveSuffixes(t *testing.T) {
	t.Parallel()

	r := NewRegistry(false)
	cases := []struct {
		id       string
		web, max bool
	}{
		{"claude-4.5-sonnet-online", true, false},
		{"claude-4.5-sonnet-max", false, true},
		{"claude-4.5-sonnet-max-online", true, true},
	}
	for _, tc := range cases {
		t.Run(tc.id, func(t *testing.T) {
			m, err := r.Resolve(tc.id)
			if err != nil {
				t.Fatal(err)
			}
			if m.ID != "claude-4.5-sonnet" {
				t.Errorf("base id = %q", m.ID)
			}
			if m.Web != tc.web || m.Max != tc.max {
				t.Errorf("flags = web:%v max:%v, want web:%v max:%v", m.Web, m.Max, tc.web, tc.max)
			}
		})
	}
}

func TestResolveSuffixOrder(t *testing.T) {
	t.Parallel()

	// The -online suffix is outermost; -online-max leaves a dangling
	// -online on the base name and must not resolve.
	r := NewRegistry(false)
	if _, err := r.Resolve("claude-4.5-sonnet-online-max"); err == nil {
		t.Error("-online-max should not resolve")
	}
}

func TestResolveUnknown(t *testing.T) {
	t.Parallel()

	r := NewRegistry(false)
	_, err := r.Resolve("not-a-model")
	if !errors.Is(err, gateway.ErrBadModel) {
		t.Errorf("err = %v, want ErrBadModel", err)
	}
}

func TestResolveMaxRejected(t *testing.T) {
	t.Parallel()

	r := NewRegistry(false)
	// claude-3.5-sonnet does not allow max mode.
	if _, err := r.Resolve("claude-3.5-sonnet-max"); !errors.Is(err, gateway.ErrBadModel) {
		t.Errorf("err = %v, want ErrBadModel", err)
	}
}

func TestResolveBypass(t *testing.T) {
	t.Parallel()

	r := NewRegistry(true)
	cases := []struct {
		id       string
		thinking bool
	}{
		{"mystery-model", false},
		{"mystery-thinking", true},
		{"o6-preview", true},
		{"gemini-2.5-ultra", true},
		{"grok-4-heavy", true},
	}
	for _, tc := range cases {
		t.Run(tc.id, func(t *testing.T) {
			m, err := r.Resolve(tc.id)
			if err != nil {
				t.Fatal(err)
			}
			if m.ID != tc.id {
				t.Errorf("id = %q, want %q", m.ID, tc.id)
			}
			if m.IsThinking != tc.thinking {
				t.Errorf("thinking = %v, want %v", m.IsThinking, tc.thinking)
			}
			if !m.IsImage || !m.AllowsMax {
				t.Error("synthesized models should allow images and max mode")
			}
		})
	}
}

func TestListSnapshot(t *testing.T) {
	t.Parallel()

	r := NewRegistry(false)
	list := r.List()
	if len(list) == 0 {
		t.Fatal("shipped table should not be empty")
	}
	for _, m := range list {
		if m.DisplayName == "" {
			t.Errorf("model %s should have a derived display name", m.ID)
		}
	}
	// mutating the snapshot must not affect the registry
	list[0].ID = "mutated"
	if r.List()[0].ID == "mutated" {
		t.Error("List should return a copy")
	}
}

func TestRefresh(t *testing.T) {
	t.Parallel()

	r := NewRegistry(false)

	if err := r.Refresh(func() ([]Model, error) {
		return []Model{{ID: "fresh-model", Owner: "cursor"}}, nil
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Resolve("fresh-model"); err != nil {
		t.Error("refreshed model should resolve")
	}

	// Within the refresh interval the fetch must not run again.
	called := false
	if err := r.Refresh(func() ([]Model, error) {
		called = true
		return nil, nil
	}); err != nil {
		t.Fatal(err)
	}
	if called {
		t.Error("refresh inside the interval should be a no-op")
	}
}

func TestRefreshRejectsEmpty(t *testing.T) {
	t.Parallel()

	r := NewRegistry(false)
	if err := r.Refresh(func() ([]Model, error) { return nil, nil }); err == nil {
		t.Error("empty refresh list should be rejected")
	}
	if err := r.Refresh(func() ([]Model, error) { return nil, fmt.Errorf("boom") }); err == nil {
		t.Error("fetch error should propagate")
	}
}

func TestDeriveDisplayName(t *testing.T) {
	t.Parallel()

	cases := []struct {
		id, want string
	}{
		{"gpt-4o", "GPT 4o"},
		{"gpt-4o-mini", "GPT 4o Mini"},
		{"claude-3-5-sonnet", "Claude 3.5 Sonnet"},
		{"gemini-exp-12-06", "Gemini Exp 12-06"},
		{"o3", "O3"},
		{"deepseek-r1", "Deepseek R1"},
	}
	for _, tc := range cases {
		t.Run(tc.id, func(t *testing.T) {
			if got := DeriveDisplayName(tc.id); got != tc.want {
				t.Errorf("DeriveDisplayName(%q) = %q, want %q", tc.id, got, tc.want)
			}
		})
	}
}
