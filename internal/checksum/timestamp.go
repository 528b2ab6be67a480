package checksum

import (
	"context"
	"sync/atomic"
	"time"
)

// The timestamp header encodes the kilo-second counter (unix seconds / 1000)
// as 6 obfuscated bytes, base64url'd into 8 ASCII chars. A process-wide
// atomic holds the current value; every checksum printout prepends it.

const b64url = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

// header holds the current 8 ASCII chars packed big-endian into a uint64.
var header atomic.Uint64

func init() { RefreshHeader(time.Now()) }

// obfuscate builds the 6-byte obfuscation of the kilo-second counter k.
// Byte layout before mixing: [k>>8, k, k>>24, k>>16, k>>8, k].
func obfuscate(k uint64) [6]byte {
	b := [6]byte{
		byte(k >> 8), byte(k),
		byte(k >> 24), byte(k >> 16),
		byte(k >> 8), byte(k),
	}
	prev := byte(0xA5)
	for i := range b {
		b[i] = (b[i] ^ prev) + byte(i)
		prev = b[i]
	}
	return b
}

// encodeHeader base64url-encodes 6 bytes into 8 chars packed in a uint64.
func encodeHeader(b [6]byte) uint64 {
	var out uint64
	for i := 0; i < 6; i += 3 {
		n := uint32(b[i])<<16 | uint32(b[i+1])<<8 | uint32(b[i+2])
		out = out<<8 | uint64(b64url[n>>18&0x3F])
		out = out<<8 | uint64(b64url[n>>12&0x3F])
		out = out<<8 | uint64(b64url[n>>6&0x3F])
		out = out<<8 | uint64(b64url[n&0x3F])
	}
	return out
}

// RefreshHeader recomputes the header for the given time.
func RefreshHeader(now time.Time) {
	k := uint64(now.Unix()) / 1000
	header.Store(encodeHeader(obfuscate(k)))
}

// HeaderString returns the current 8-char timestamp header.
func HeaderString() string {
	v := header.Load()
	var b [8]byte
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return string(b[:])
}

// RunHeaderUpdater rotates the header whenever the kilo-second boundary
// crosses. It blocks until ctx is cancelled.
func RunHeaderUpdater(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	last := uint64(time.Now().Unix()) / 1000
	for {
		select {
		case now := <-ticker.C:
			if k := uint64(now.Unix()) / 1000; k != last {
				last = k
				RefreshHeader(now)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
