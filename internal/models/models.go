// Package models maintains the canonical model table with capability flags
// and the -online / -max suffix handling.
package models

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	gateway "github.com/cursorgate/cursorgate/internal"
)

// Model is a static descriptor for one upstream model.
type Model struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Owner       string `json:"owned_by"`
	IsThinking  bool   `json:"is_thinking"`
	IsImage     bool   `json:"is_image"`
	AllowsMax   bool   `json:"-"` // may carry the -max suffix
	LongContext bool   `json:"-"` // forces use_full_inputs_context
}

// ExtModel is a resolved request model: the base descriptor plus the
// request-level suffix flags.
type ExtModel struct {
	Model
	Web bool // "-online" suffix: full web search
	Max bool // "-max" suffix: max mode
}

// builtin is the shipped model table. Display names are derived at init.
var builtin = []Model{
	{ID: "claude-4.5-sonnet", Owner: "anthropic", IsImage: true, AllowsMax: true, LongContext: true},
	{ID: "claude-4.5-sonnet-thinking", Owner: "anthropic", IsThinking: true, IsImage: true, AllowsMax: true, LongContext: true},
	{ID: "claude-4-sonnet", Owner: "anthropic", IsImage: true, AllowsMax: true},
	{ID: "claude-4-sonnet-thinking", Owner: "anthropic", IsThinking: true, IsImage: true, AllowsMax: true},
	{ID: "claude-4-opus", Owner: "anthropic", IsImage: true, AllowsMax: true},
	{ID: "claude-4-opus-thinking", Owner: "anthropic", IsThinking: true, IsImage: true, AllowsMax: true},
	{ID: "claude-3.7-sonnet", Owner: "anthropic", IsImage: true, AllowsMax: true},
	{ID: "claude-3.7-sonnet-thinking", Owner: "anthropic", IsThinking: true, IsImage: true, AllowsMax: true},
	{ID: "claude-3.5-sonnet", Owner: "anthropic", IsImage: true},
	{ID: "claude-3.5-haiku", Owner: "anthropic", IsImage: true},
	{ID: "gpt-5", Owner: "openai", IsImage: true, AllowsMax: true},
	{ID: "gpt-4.1", Owner: "openai", IsImage: true},
	{ID: "gpt-4o", Owner: "openai", IsImage: true},
	{ID: "gpt-4o-mini", Owner: "openai", IsImage: true},
	{ID: "o3", Owner: "openai", IsThinking: true, IsImage: true, AllowsMax: true},
	{ID: "o4-mini", Owner: "openai", IsThinking: true, IsImage: true},
	{ID: "gemini-2.5-pro", Owner: "google", IsThinking: true, IsImage: true, AllowsMax: true, LongContext: true},
	{ID: "gemini-2.5-flash", Owner: "google", IsThinking: true, IsImage: true},
	{ID: "deepseek-r1", Owner: "deepseek", IsThinking: true},
	{ID: "deepseek-v3.1", Owner: "deepseek"},
	{ID: "kimi-k2-instruct", Owner: "moonshot"},
	{ID: "grok-3", Owner: "xai", IsImage: true},
	{ID: "grok-4", Owner: "xai", IsThinking: true, IsImage: true, AllowsMax: true},
}

// refreshInterval bounds upstream list refreshes.
const refreshInterval = 30 * time.Minute

// Registry is the process-wide model table. The list is replaced wholesale
// on refresh; readers snapshot under a read lock.
type Registry struct {
	mu     sync.RWMutex
	list   []Model
	byID   map[string]*Model
	bypass bool

	lastRefresh atomic.Int64 // unix nanos
	sf          singleflight.Group
}

// NewRegistry builds a registry from the shipped table. bypass accepts
// unknown model names and infers their capabilities.
func NewRegistry(bypass bool) *Registry {
	r := &Registry{bypass: bypass}
	r.replace(builtin)
	return r
}

func (r *Registry) replace(list []Model) {
	cooked := make([]Model, len(list))
	byID := make(map[string]*Model, len(list))
	for i, m := range list {
		if m.DisplayName == "" {
			m.DisplayName = DeriveDisplayName(m.ID)
		}
		cooked[i] = m
		byID[m.ID] = &cooked[i]
	}
	r.mu.Lock()
	r.list, r.byID = cooked, byID
	r.mu.Unlock()
}

// List returns a snapshot of the model table.
func (r *Registry) List() []Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Model, len(r.list))
	copy(out, r.list)
	return out
}

// Resolve parses the -online / -max suffixes and looks up the base model.
// Unknown names are rejected with gateway.ErrBadModel unless bypass is on,
// in which case a descriptor is synthesized from the name.
func (r *Registry) Resolve(id string) (ExtModel, error) {
	var ext ExtModel
	base := id
	if strings.HasSuffix(base, "-online") {
		ext.Web = true
		base = strings.TrimSuffix(base, "-online")
	}
	if strings.HasSuffix(base, "-max") {
		ext.Max = true
		base = strings.TrimSuffix(base, "-max")
	}

	r.mu.RLock()
	m, ok := r.byID[base]
	if ok {
		ext.Model = *m
	}
	r.mu.RUnlock()

	if !ok {
		if !r.bypass {
			return ExtModel{}, fmt.Errorf("%w: %s", gateway.ErrBadModel, id)
		}
		ext.Model = synthesize(base)
		return ext, nil
	}
	if ext.Max && !ext.AllowsMax {
		return ExtModel{}, fmt.Errorf("%w: %s does not support max mode", gateway.ErrBadModel, id)
	}
	return ext, nil
}

// synthesize infers capability flags for a bypassed model name.
func synthesize(id string) Model {
	return Model{
		ID:          id,
		DisplayName: DeriveDisplayName(id),
		Owner:       "cursor",
		IsThinking:  inferThinking(id),
		IsImage:     true,
		AllowsMax:   true,
	}
}

// inferThinking guesses the thinking capability from the model name.
func inferThinking(id string) bool {
	if strings.Contains(id, "-thinking") ||
		strings.HasPrefix(id, "gemini-2.5-") ||
		strings.HasPrefix(id, "deepseek-r1") ||
		strings.HasPrefix(id, "grok-4") {
		return true
	}
	// o1 / o3 / o4... series
	if len(id) >= 2 && id[0] == 'o' && id[1] >= '0' && id[1] <= '9' {
		return true
	}
	return false
}

// Refresh replaces the table from the upstream list at most once per
// 30 minutes. Empty or unchanged lists are rejected. Concurrent callers
// share one in-flight fetch.
func (r *Registry) Refresh(fetch func() ([]Model, error)) error {
	last := r.lastRefresh.Load()
	if last != 0 && time.Since(time.Unix(0, last)) < refreshInterval {
		return nil
	}
	_, err, _ := r.sf.Do("refresh", func() (any, error) {
		list, err := fetch()
		if err != nil {
			return nil, err
		}
		if len(list) == 0 {
			return nil, fmt.Errorf("models: refresh returned empty list")
		}
		if r.sameIDs(list) {
			r.lastRefresh.Store(time.Now().UnixNano())
			return nil, nil
		}
		r.replace(list)
		r.lastRefresh.Store(time.Now().UnixNano())
		return nil, nil
	})
	return err
}

func (r *Registry) sameIDs(list []Model) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(list) != len(r.list) {
		return false
	}
	for i := range list {
		if list[i].ID != r.list[i].ID {
			return false
		}
	}
	return true
}

// DeriveDisplayName renders a model id as a human-readable name. Stable
// across runs: the same id always derives the same name.
//
//	gpt-4o            -> GPT 4o
//	claude-3-5-sonnet -> Claude 3.5 Sonnet
//	gemini-exp-12-06  -> Gemini Exp 12-06
func DeriveDisplayName(id string) string {
	segs := strings.Split(id, "-")
	words := make([]string, 0, len(segs))
	for i := 0; i < len(segs); i++ {
		s := segs[i]
		if i+1 < len(segs) && isDigits(s) && isDigits(segs[i+1]) {
			next := segs[i+1]
			switch {
			case len(s) == 1 && len(next) == 1:
				// version pair: 3-5 -> 3.5
				words = append(words, s+"."+next)
				i++
				continue
			case len(s) == 2 && len(next) == 2:
				// date pair: 12-06 stays hyphenated
				words = append(words, s+"-"+next)
				i++
				continue
			}
		}
		words = append(words, s)
	}
	for i, w := range words {
		if i == 0 && w == "gpt" {
			words[i] = "GPT"
			continue
		}
		words[i] = titleWord(w)
	}
	return strings.Join(words, " ")
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// titleWord upper-cases the first letter, leaving all-caps abbreviations
// untouched.
func titleWord(w string) string {
	if w == "" || w == strings.ToUpper(w) {
		return w
	}
	if c := w[0]; c >= 'a' && c <= 'z' {
		return string(c-'a'+'A') + w[1:]
	}
	return w
}
