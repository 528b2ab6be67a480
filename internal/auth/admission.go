// Package auth classifies inbound credentials into the four admission
// classes and selects the bundle that will serve the request.
package auth

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	gateway "github.com/cursorgate/cursorgate/internal"
	"github.com/cursorgate/cursorgate/internal/app"
	"github.com/cursorgate/cursorgate/internal/cache"
	"github.com/cursorgate/cursorgate/internal/checksum"
	"github.com/cursorgate/cursorgate/internal/cursor/wire"
	"github.com/cursorgate/cursorgate/internal/telemetry"
	"github.com/cursorgate/cursorgate/internal/token"
)

// Class is the admission class of an accepted credential.
type Class uint8

const (
	ClassAdmin Class = iota
	ClassShare
	ClassDirect
	ClassDynamic
)

// String returns the log name of the class.
func (c Class) String() string {
	switch c {
	case ClassAdmin:
		return "admin"
	case ClassShare:
		return "share"
	case ClassDirect:
		return "direct"
	case ClassDynamic:
		return "dynamic"
	default:
		return "unknown"
	}
}

// Overlay is the per-key policy a dynamic key carries.
type Overlay struct {
	DisableVision        bool
	EnableSlowPool       bool
	UsageCheckModels     []string
	IncludeWebReferences bool
}

// Admission is the outcome attached to the request context: the selected
// bundle (a fresh handle the handler must release) plus class and any
// dynamic-key overlay.
type Admission struct {
	Bundle  token.Bundle
	Class   Class
	Overlay *Overlay
}

// IsAdmin reports whether the request came in on the admin credential.
func (a *Admission) IsAdmin() bool { return a.Class == ClassAdmin }

// parsedKey is the cached, handle-free result of decoding a dynamic key.
type parsedKey struct {
	raw token.RawToken
	jwt string
	cfg wire.KeyConfig
}

// Config carries the admission settings.
type Config struct {
	AdminToken   string
	ShareToken   string
	ShareEnabled bool
	KeyPrefix    string
	DynamicKeys  bool
	Metrics      *telemetry.Metrics // optional
}

// Admitter implements request admission.
type Admitter struct {
	cfg    Config
	tokens *app.TokenManager
	logs   *app.LogManager
	parser *token.Parser
	pool   *token.Pool

	rr       atomic.Uint64
	keyCache *cache.Memory[string, parsedKey]
}

// New creates an Admitter. parser and pool are shared with the admin API
// so dynamic keys intern into the same pool.
func New(cfg Config, tokens *app.TokenManager, logs *app.LogManager,
	parser *token.Parser, pool *token.Pool) (*Admitter, error) {

	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "sk-"
	}
	kc, err := cache.NewMemory[string, parsedKey](1024, 10*time.Minute)
	if err != nil {
		return nil, err
	}
	return &Admitter{
		cfg:      cfg,
		tokens:   tokens,
		logs:     logs,
		parser:   parser,
		pool:     pool,
		keyCache: kc,
	}, nil
}

// Credential extracts the raw credential from X-API-Key or a bearer
// Authorization header.
func Credential(r *http.Request) string {
	if v := r.Header.Get("X-API-Key"); v != "" {
		return v
	}
	h := r.Header.Get("Authorization")
	if rest, ok := strings.CutPrefix(h, "Bearer "); ok {
		return rest
	}
	return ""
}

// Admit classifies the credential and selects a bundle. The returned
// bundle holds a token handle the caller must release when the request
// finishes.
func (a *Admitter) Admit(r *http.Request) (*Admission, error) {
	x := Credential(r)
	if x == "" {
		return nil, gateway.ErrUnauthorized
	}

	// 1. Admin: configured token, optionally suffixed with -<alias>.
	if rest, ok := strings.CutPrefix(x, a.cfg.AdminToken); ok {
		switch {
		case rest == "":
			b, err := a.roundRobin()
			if err != nil {
				return nil, err
			}
			return &Admission{Bundle: b, Class: ClassAdmin}, nil
		case strings.HasPrefix(rest, "-"):
			info, err := a.tokens.GetByAlias(rest[1:])
			if err != nil {
				return nil, err
			}
			return &Admission{Bundle: info.Bundle.ForRequest(), Class: ClassAdmin}, nil
		default:
			return nil, gateway.ErrUnauthorized
		}
	}

	// 2. Share: exact match on the share token.
	if a.cfg.ShareEnabled && x == a.cfg.ShareToken {
		b, err := a.roundRobin()
		if err != nil {
			return nil, err
		}
		return &Admission{Bundle: b, Class: ClassShare}, nil
	}

	// 3. Direct: a printable token key whose bundle is still cached by
	// the log manager.
	if key, ok := token.ParseKey(x); ok {
		if b, ok := a.logs.Lookup(key); ok {
			return &Admission{Bundle: b, Class: ClassDirect}, nil
		}
	}

	// 4. Dynamic: prefixed, self-contained KeyConfig payload.
	if a.cfg.DynamicKeys {
		if rest, ok := strings.CutPrefix(x, a.cfg.KeyPrefix); ok {
			adm, err := a.admitDynamic(x, rest)
			if err == nil {
				return adm, nil
			}
		}
	}

	return nil, gateway.ErrUnauthorized
}

// roundRobin picks the next enabled bundle with a process-wide cursor.
func (a *Admitter) roundRobin() (token.Bundle, error) {
	list := a.tokens.EnabledBundles()
	if len(list) == 0 {
		return token.Bundle{}, gateway.ErrNoTokens
	}
	idx := int((a.rr.Add(1) - 1) % uint64(len(list)))
	return list[idx].ForRequest(), nil
}

// admitDynamic decodes the key payload, interns its credential, and builds
// the bundle plus policy overlay. Parsing is cached by the full key text;
// the cache stores no token handles.
func (a *Admitter) admitDynamic(full, payload string) (*Admission, error) {
	pk, ok := a.keyCache.Get(full)
	if m := a.cfg.Metrics; m != nil {
		if ok {
			m.KeyCacheHits.Inc()
		} else {
			m.KeyCacheMisses.Inc()
		}
	}
	if !ok {
		raw, err := base64.RawURLEncoding.DecodeString(payload)
		if err != nil {
			if raw, err = base64.StdEncoding.DecodeString(payload); err != nil {
				return nil, fmt.Errorf("dynamic key: %w", gateway.ErrUnauthorized)
			}
		}
		var cfg wire.KeyConfig
		if err := cfg.Unmarshal(raw); err != nil || cfg.TokenInfo == nil {
			return nil, fmt.Errorf("dynamic key: %w", gateway.ErrUnauthorized)
		}
		rawTok, jwt, _, err := a.parser.Parse(cfg.TokenInfo.Token)
		if err != nil {
			return nil, fmt.Errorf("dynamic key: %w", err)
		}
		pk = parsedKey{raw: rawTok, jwt: jwt, cfg: cfg}
		a.keyCache.Set(full, pk)
	}

	tok := a.pool.Intern(pk.raw, pk.jwt)
	info := pk.cfg.TokenInfo

	b := token.Bundle{
		Token:     tok,
		Checksum:  checksum.Repair(info.Checksum),
		ClientKey: clientKeyFrom(info.ClientKey),
		SessionID: sessionFrom(info.SessionID),
		ProxyName: info.ProxyName,
		Timezone:  info.Timezone,
		Region:    token.ParseRegion(info.GcppRegion),
	}
	if v, err := uuid.Parse(info.ConfigVersion); err == nil {
		b.ConfigVersion = &v
	}

	return &Admission{
		Bundle: b,
		Class:  ClassDynamic,
		Overlay: &Overlay{
			DisableVision:        pk.cfg.DisableVision,
			EnableSlowPool:       pk.cfg.EnableSlowPool,
			UsageCheckModels:     pk.cfg.UsageCheckModels,
			IncludeWebReferences: pk.cfg.IncludeWebReferences,
		},
	}, nil
}

func clientKeyFrom(s string) checksum.Hash {
	var h checksum.Hash
	if len(s) == 64 {
		if _, err := hex.Decode(h[:], []byte(s)); err == nil {
			return h
		}
	}
	return checksum.RandomHash()
}

func sessionFrom(s string) uuid.UUID {
	if v, err := uuid.Parse(s); err == nil {
		return v
	}
	return uuid.New()
}
