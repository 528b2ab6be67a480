// Package token implements Cursor credential parsing, the (user_id,
// randomness) identity key, the refcounted intern pool, and per-token
// bundle policy.
package token

import (
	"encoding/base64"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// keyAlphabet is the historical alphabet used for the compact printable key
// form. It is not standard URL-safe base64 and must not be changed: keys in
// circulation were minted with it.
const keyAlphabet = "-AaBbCcDdEeFfGgHhIiJjKkLlMmNnOoPpQqRrSsTtUuVvWwXxYyZz1032547698_"

var keyEncoding = base64.NewEncoding(keyAlphabet).WithPadding(base64.NoPadding)

// Key is the stable token identity: the 16-byte user id plus the 8-byte
// randomness. It is the intern, hash, and cross-reference key.
type Key struct {
	UserID     [16]byte
	Randomness [8]byte
}

// String returns the compact form: the custom-alphabet base64 of the 24
// key bytes (32 chars).
func (k Key) String() string {
	var raw [24]byte
	copy(raw[:16], k.UserID[:])
	copy(raw[16:], k.Randomness[:])
	return keyEncoding.EncodeToString(raw[:])
}

// Decimal returns the alternate "<uid>-<rand>" decimal form.
func (k Key) Decimal() string {
	uid := new(big.Int).SetBytes(k.UserID[:])
	var rnd uint64
	for _, b := range k.Randomness {
		rnd = rnd<<8 | uint64(b)
	}
	return uid.String() + "-" + strconv.FormatUint(rnd, 10)
}

// ParseKey accepts either the compact base64 form or the decimal
// "<uid>-<rand>" form.
func ParseKey(s string) (Key, bool) {
	if len(s) == keyEncoding.EncodedLen(24) {
		var k Key
		raw, err := keyEncoding.DecodeString(s)
		if err == nil && len(raw) == 24 {
			copy(k.UserID[:], raw[:16])
			copy(k.Randomness[:], raw[16:])
			return k, true
		}
	}
	i := strings.LastIndexByte(s, '-')
	if i <= 0 || i == len(s)-1 {
		return Key{}, false
	}
	uid, ok := new(big.Int).SetString(s[:i], 10)
	if !ok || uid.Sign() < 0 || uid.BitLen() > 128 {
		return Key{}, false
	}
	rnd, err := strconv.ParseUint(s[i+1:], 10, 64)
	if err != nil {
		return Key{}, false
	}
	var k Key
	uid.FillBytes(k.UserID[:])
	for j := 7; j >= 0; j-- {
		k.Randomness[j] = byte(rnd)
		rnd >>= 8
	}
	return k, true
}

// GoString aids debugging without dumping raw bytes in logs.
func (k Key) GoString() string {
	return fmt.Sprintf("token.Key(%s)", k.String())
}
