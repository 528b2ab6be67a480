package testutil

import (
	"encoding/binary"
	"time"

	"github.com/cursorgate/cursorgate/internal/token"
)

// MintRawToken fabricates a parseable session credential whose identity is
// derived from seed, valid for an hour around now.
func MintRawToken(seed uint64, now time.Time) token.RawToken {
	var t token.RawToken
	t.Provider = "auth0"
	binary.BigEndian.PutUint64(t.UserID[:8], seed)
	binary.BigEndian.PutUint64(t.UserID[8:], ^seed)
	binary.BigEndian.PutUint64(t.Randomness[:], seed*2654435761)
	t.Start = now.Add(-time.Minute).Unix()
	t.End = now.Add(time.Hour).Unix()
	for i := range t.Signature {
		t.Signature[i] = byte(seed) + byte(i)
	}
	t.IsSession = true
	return t
}

// MintJWT renders the fabricated credential in its canonical JWT form.
func MintJWT(seed uint64, now time.Time) string {
	t := MintRawToken(seed, now)
	return t.Render()
}
