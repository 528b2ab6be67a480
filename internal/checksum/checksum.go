// Package checksum fabricates the x-cursor-checksum header material: a pair
// of 32-byte hashes prefixed by an obfuscated timestamp header.
package checksum

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync/atomic"
)

// Printable layout: 8-char timestamp header, 64 hex chars, '/', 64 hex chars.
const (
	headerLen   = 8
	hashHexLen  = 64
	StringLen   = headerLen + hashHexLen + 1 + hashHexLen // 137
	noHeaderLen = hashHexLen + 1 + hashHexLen             // 129
	shortLen    = headerLen + hashHexLen                  // 72
)

// safeMode controls whether random hash material is passed through SHA-256
// before use (the SAFE_HASH setting). Default on.
var safeMode atomic.Bool

func init() { safeMode.Store(true) }

// SetSafeMode toggles SHA-256 post-processing of random hashes.
func SetSafeMode(on bool) { safeMode.Store(on) }

// Hash is one 32-byte checksum half.
type Hash [32]byte

// RandomHash returns 32 random bytes, SHA-256'd when safe mode is on.
func RandomHash() Hash {
	var h Hash
	if _, err := rand.Read(h[:]); err != nil {
		// crypto/rand never fails on supported platforms
		panic("checksum: rand.Read: " + err.Error())
	}
	if safeMode.Load() {
		h = sha256.Sum256(h[:])
	}
	return h
}

// NilHash returns the all-zero hash.
func NilHash() Hash { return Hash{} }

// IsNil reports whether the hash is all-zero.
func (h Hash) IsNil() bool {
	for _, b := range h {
		if b != 0 {
			return false
		}
	}
	return true
}

// Hex returns the lowercase hex encoding of the hash.
func (h Hash) Hex() string { return hex.EncodeToString(h[:]) }

// Checksum is the device checksum pair sent upstream on every call.
type Checksum struct {
	First  Hash
	Second Hash
}

// Random returns a checksum with two fresh random hashes.
func Random() Checksum {
	return Checksum{First: RandomHash(), Second: RandomHash()}
}

// HashesEqual reports whether both hash halves match. The timestamp prefix
// is not part of checksum identity.
func (c Checksum) HashesEqual(o Checksum) bool {
	return c.First == o.First && c.Second == o.Second
}

// AppendTo appends the 137-byte printable form: the current timestamp
// header, hex(first), '/', hex(second).
func (c Checksum) AppendTo(buf []byte) []byte {
	buf = append(buf, HeaderString()...)
	var hx [hashHexLen]byte
	hex.Encode(hx[:], c.First[:])
	buf = append(buf, hx[:]...)
	buf = append(buf, '/')
	hex.Encode(hx[:], c.Second[:])
	return append(buf, hx[:]...)
}

// String returns the 137-char printable form.
func (c Checksum) String() string {
	return string(c.AppendTo(make([]byte, 0, StringLen)))
}

var errMalformed = errors.New("checksum: malformed input")

// FromString parses the 137-char form, or the 129-char form without the
// timestamp prefix (the current global header is implied).
func FromString(s string) (Checksum, error) {
	switch len(s) {
	case StringLen:
		s = s[headerLen:]
	case noHeaderLen:
	default:
		return Checksum{}, errMalformed
	}
	if s[hashHexLen] != '/' {
		return Checksum{}, errMalformed
	}
	var c Checksum
	if _, err := hex.Decode(c.First[:], []byte(s[:hashHexLen])); err != nil {
		return Checksum{}, errMalformed
	}
	if _, err := hex.Decode(c.Second[:], []byte(s[hashHexLen+1:])); err != nil {
		return Checksum{}, errMalformed
	}
	return c, nil
}

// Repair reconstructs a checksum from a possibly truncated printable form.
// Accepted lengths: 72 (timestamp + first hash; second is regenerated),
// 129 and 137 (both hashes). Any malformed field falls back to Random().
func Repair(s string) Checksum {
	switch len(s) {
	case shortLen:
		var c Checksum
		if _, err := hex.Decode(c.First[:], []byte(s[headerLen:])); err != nil {
			return Random()
		}
		c.Second = RandomHash()
		return c
	case noHeaderLen, StringLen:
		c, err := FromString(s)
		if err != nil {
			return Random()
		}
		return c
	default:
		return Random()
	}
}
