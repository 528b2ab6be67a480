package token

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	gateway "github.com/cursorgate/cursorgate/internal"
)

// Fixed JWT header segment: base64url({"alg":"HS256","typ":"JWT"}).
const jwtHeaderSegment = "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9"

// Claim constants every Cursor credential must carry.
const (
	issuer   = "https://authentication.cursor.sh"
	audience = "https://cursor.com"
	scope    = "openid profile email offline_access"
)

var b64 = base64.RawURLEncoding

// DefaultProviders is the allowed identity-provider set when none is
// configured.
var DefaultProviders = []string{"auth0", "google-oauth2", "github"}

// RawToken is the decoded body of a Cursor JWT credential.
type RawToken struct {
	Provider   string
	UserID     [16]byte
	Randomness [8]byte
	Start      int64 // issue time, unix seconds
	End        int64 // expiry, unix seconds
	Signature  [32]byte
	IsSession  bool
}

// Key returns the stable identity of the token.
func (t RawToken) Key() Key {
	return Key{UserID: t.UserID, Randomness: t.Randomness}
}

// Expired reports whether the token's lifetime has ended at the given time.
func (t RawToken) Expired(now time.Time) bool { return t.End <= now.Unix() }

// randomnessString renders the 8 randomness bytes with the structural
// dashes at positions 8 and 13 (xxxxxxxx-xxxx-xxxx).
func (t RawToken) randomnessString() string {
	h := hex.EncodeToString(t.Randomness[:])
	return h[:8] + "-" + h[8:12] + "-" + h[12:]
}

// Render rebuilds the canonical JWT string for the token. The claim order
// is fixed so rendering is deterministic. Value receiver: callers render
// straight off Token.Raw().
func (t RawToken) Render() string {
	sub := t.Provider + "|" + hex.EncodeToString(t.UserID[:])
	payload := fmt.Sprintf(
		`{"sub":%q,"time":"%d","randomness":%q,"exp":%d,"iss":%q,"scope":%q,"aud":%q`,
		sub, t.Start, t.randomnessString(), t.End, issuer, scope, audience)
	if t.IsSession {
		payload += `,"type":"session"`
	}
	payload += "}"
	return jwtHeaderSegment + "." + b64.EncodeToString([]byte(payload)) + "." + b64.EncodeToString(t.Signature[:])
}

// Parser validates raw Cursor credentials against the configured policy.
type Parser struct {
	Providers map[string]struct{} // allowed identity providers
	Delimiter string              // introduces a trailing checksum, default ","
	Now       func() time.Time    // defaults to time.Now
}

// NewParser returns a parser with the given allowed providers, or the
// default set when the list is empty.
func NewParser(providers []string, delimiter string) *Parser {
	if len(providers) == 0 {
		providers = DefaultProviders
	}
	set := make(map[string]struct{}, len(providers))
	for _, p := range providers {
		set[strings.TrimSpace(p)] = struct{}{}
	}
	if delimiter == "" {
		delimiter = ","
	}
	return &Parser{Providers: set, Delimiter: delimiter, Now: time.Now}
}

// Parse extracts and validates the JWT from a raw credential string. The
// JWT is the last component after the final ":" (or its URL-encoded form),
// optionally followed by the delimiter and a trailing checksum string.
// It returns the decoded token, the raw JWT text, and any trailing
// checksum text after the delimiter.
func (p *Parser) Parse(s string) (RawToken, string, string, error) {
	var trailing string
	if i := strings.Index(s, p.Delimiter); i >= 0 {
		s, trailing = s[:i], s[i+len(p.Delimiter):]
	}
	if i := strings.LastIndex(s, "%3A"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		s = s[i+1:]
	}

	tok, err := p.parseJWT(s)
	if err != nil {
		return RawToken{}, "", "", err
	}
	return tok, s, trailing, nil
}

func (p *Parser) parseJWT(jwt string) (RawToken, error) {
	segs := strings.Split(jwt, ".")
	if len(segs) != 3 {
		return RawToken{}, fmt.Errorf("%w: want 3 segments", gateway.ErrTokenMalformed)
	}
	if segs[0] != jwtHeaderSegment {
		return RawToken{}, fmt.Errorf("%w: unexpected header", gateway.ErrTokenMalformed)
	}

	body, err := b64.DecodeString(segs[1])
	if err != nil {
		return RawToken{}, fmt.Errorf("%w: payload: %v", gateway.ErrTokenMalformed, err)
	}
	var claims struct {
		Sub        string `json:"sub"`
		Time       string `json:"time"`
		Randomness string `json:"randomness"`
		Exp        int64  `json:"exp"`
		Iss        string `json:"iss"`
		Scope      string `json:"scope"`
		Aud        string `json:"aud"`
		Type       string `json:"type"`
	}
	if err := json.Unmarshal(body, &claims); err != nil {
		return RawToken{}, fmt.Errorf("%w: payload: %v", gateway.ErrTokenMalformed, err)
	}

	if claims.Iss != issuer || claims.Aud != audience || claims.Scope != scope {
		return RawToken{}, fmt.Errorf("%w: claim mismatch", gateway.ErrTokenMalformed)
	}

	now := p.Now().Unix()
	start, err := strconv.ParseInt(claims.Time, 10, 64)
	if err != nil || start > now {
		return RawToken{}, fmt.Errorf("%w: bad issue time", gateway.ErrTokenMalformed)
	}
	if claims.Exp <= now {
		return RawToken{}, gateway.ErrTokenExpired
	}

	var tok RawToken
	tok.Start = start
	tok.End = claims.Exp
	tok.IsSession = claims.Type == "session"

	if err := parseRandomness(claims.Randomness, &tok.Randomness); err != nil {
		return RawToken{}, err
	}
	if err := p.parseSubject(claims.Sub, &tok); err != nil {
		return RawToken{}, err
	}

	sig, err := b64.DecodeString(segs[2])
	if err != nil || len(sig) != 32 {
		return RawToken{}, fmt.Errorf("%w: signature", gateway.ErrTokenMalformed)
	}
	copy(tok.Signature[:], sig)
	return tok, nil
}

// parseRandomness expects xxxxxxxx-xxxx-xxxx: 16 lowercase hex chars with
// structural dashes at positions 8 and 13.
func parseRandomness(s string, out *[8]byte) error {
	if len(s) != 18 || s[8] != '-' || s[13] != '-' {
		return fmt.Errorf("%w: randomness", gateway.ErrTokenMalformed)
	}
	h := s[:8] + s[9:13] + s[14:]
	for i := 0; i < len(h); i++ {
		c := h[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("%w: randomness", gateway.ErrTokenMalformed)
		}
	}
	_, err := hex.Decode(out[:], []byte(h))
	if err != nil {
		return fmt.Errorf("%w: randomness", gateway.ErrTokenMalformed)
	}
	return nil
}

// parseSubject expects "<provider>|<id>" where id is 32 hex chars or a
// decimal integer fitting 16 bytes.
func (p *Parser) parseSubject(sub string, tok *RawToken) error {
	i := strings.IndexByte(sub, '|')
	if i < 0 {
		return fmt.Errorf("%w: subject", gateway.ErrTokenMalformed)
	}
	provider, id := sub[:i], sub[i+1:]
	if _, ok := p.Providers[provider]; !ok {
		return fmt.Errorf("%w: provider %q not allowed", gateway.ErrTokenMalformed, provider)
	}
	tok.Provider = provider

	if len(id) == 32 {
		if _, err := hex.Decode(tok.UserID[:], []byte(id)); err == nil {
			return nil
		}
	}
	n, ok := new(big.Int).SetString(id, 10)
	if !ok || n.Sign() < 0 || n.BitLen() > 128 {
		return fmt.Errorf("%w: subject id", gateway.ErrTokenMalformed)
	}
	n.FillBytes(tok.UserID[:])
	return nil
}
