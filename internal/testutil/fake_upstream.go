// Package testutil provides configurable test fakes for the gateway:
// framed upstream responses, mintable credentials, and an in-memory store.
package testutil

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/cursorgate/cursorgate/internal/cursor/wire"
)

// Frame type bytes of the upstream stream protocol.
const (
	FrameProto     byte = 0x00
	FrameProtoGzip byte = 0x01
	FrameJSON      byte = 0x02
	FrameJSONGzip  byte = 0x03
)

// Frame wraps payload in a length-prefixed stream frame.
func Frame(kind byte, payload []byte) []byte {
	out := make([]byte, 5+len(payload))
	out[0] = kind
	binary.BigEndian.PutUint32(out[1:5], uint32(len(payload)))
	copy(out[5:], payload)
	return out
}

// Gzip compresses payload for the gzip frame variants.
func Gzip(payload []byte) []byte {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write(payload)
	zw.Close()
	return buf.Bytes()
}

// ContentStartFrame is the zero-length proto frame that opens a stream.
func ContentStartFrame() []byte {
	return Frame(FrameProto, nil)
}

// TextFrame builds a proto frame carrying a text fragment.
func TextFrame(text string) []byte {
	msg := wire.StreamChatResponse{Text: text}
	return Frame(FrameProto, msg.Marshal())
}

// ThinkingFrame builds a proto frame carrying a reasoning fragment.
func ThinkingFrame(text, signature string) []byte {
	msg := wire.StreamChatResponse{Thinking: &wire.Thinking{Text: text, Signature: signature}}
	return Frame(FrameProto, msg.Marshal())
}

// WebRefsFrame builds a proto frame carrying web citations.
func WebRefsFrame(refs ...wire.WebReference) []byte {
	msg := wire.StreamChatResponse{WebCitation: &wire.WebCitation{References: refs}}
	return Frame(FrameProto, msg.Marshal())
}

// EndFrame is the JSON terminator frame.
func EndFrame() []byte {
	return Frame(FrameJSON, []byte("{}"))
}

// ErrorFrame builds a JSON frame carrying a ChatError envelope.
func ErrorFrame(code, message string) []byte {
	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{"code": code, "message": message},
	})
	return Frame(FrameJSON, body)
}

// Stream concatenates frames into one upstream body.
func Stream(frames ...[]byte) []byte {
	var buf bytes.Buffer
	for _, f := range frames {
		buf.Write(f)
	}
	return buf.Bytes()
}

// FakeUpstream serves canned framed responses for the chat endpoint. It
// records the last request for assertions. When Chunks is set the body is
// written piecewise with a flush (and optional pause) between writes, so
// tests can stage frames that arrive after the first result was taken.
type FakeUpstream struct {
	mu         sync.Mutex
	Status     int             // 0 means 200
	Body       []byte          // framed stream or error JSON
	Chunks     [][]byte        // overrides Body when non-empty
	ChunkDelay time.Duration   // pause before each chunk after the first
	lastPath   string
	lastHeader http.Header
	calls      int
}

// ServeHTTP implements http.Handler.
func (f *FakeUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.lastPath = r.URL.Path
	f.lastHeader = r.Header.Clone()
	f.calls++
	f.mu.Unlock()

	status := f.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)

	if len(f.Chunks) == 0 {
		w.Write(f.Body)
		return
	}
	flusher, _ := w.(http.Flusher)
	for i, chunk := range f.Chunks {
		if i > 0 && f.ChunkDelay > 0 {
			time.Sleep(f.ChunkDelay)
		}
		w.Write(chunk)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// Calls reports how many requests the fake has served.
func (f *FakeUpstream) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// LastHeader returns a header value from the most recent request.
func (f *FakeUpstream) LastHeader(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastHeader == nil {
		return ""
	}
	return f.lastHeader.Get(key)
}

// LastPath returns the path of the most recent request.
func (f *FakeUpstream) LastPath() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastPath
}
