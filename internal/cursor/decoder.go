package cursor

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"strings"

	gateway "github.com/cursorgate/cursorgate/internal"
	"github.com/cursorgate/cursorgate/internal/cursor/wire"
)

// Frame types on the response stream.
const (
	frameProto      byte = 0 // uncompressed StreamChatResponse
	frameProtoGzip  byte = 1 // gzip-compressed StreamChatResponse
	frameJSON       byte = 2 // ChatError JSON, or the 2-byte "{}" terminator
	frameJSONGzip   byte = 3 // gzip-compressed JSON
	frameHeaderSize      = 5 // type byte + u32-be length
)

// EventKind discriminates decoder events.
type EventKind uint8

const (
	EventContentStart EventKind = iota
	EventContent
	EventThinking
	EventWebRefs
	EventDebug
	EventStreamEnd
)

// Event is one typed occurrence decoded from the upstream stream.
type Event struct {
	Kind      EventKind
	Text      string               // Content, Thinking, Debug
	Signature string               // Thinking signature delta
	WebRefs   []wire.WebReference  // WebRefs, first-seen order
}

// Decoder is a resumable framed-message parser. Feed it raw body chunks in
// arrival order; it yields typed events and buffers the initial burst so
// the caller can surface an early upstream error as a plain HTTP error
// before committing a 200.
type Decoder struct {
	buf            []byte
	convertWebRefs bool

	first      []Event
	firstErr   *gateway.APIError
	firstTaken bool

	emptyCalls int
	ended      bool
}

// NewDecoder returns a decoder. When convertWebRefs is set, web-reference
// events are rewritten in place into a printable Content event.
func NewDecoder(convertWebRefs bool) *Decoder {
	return &Decoder{convertWebRefs: convertWebRefs}
}

// Decode consumes one body chunk and returns the events completed by it.
// Partial trailing frames stay buffered for the next call. Until
// TakeFirstResult is called, events accumulate internally instead of being
// returned. An upstream error event is returned as err, never as an Event.
func (d *Decoder) Decode(chunk []byte) ([]Event, *gateway.APIError) {
	d.buf = append(d.buf, chunk...)

	var out []Event
	var upstreamErr *gateway.APIError
	for upstreamErr == nil {
		ev, uerr, consumed := d.nextFrame()
		if consumed == 0 {
			break
		}
		d.buf = d.buf[consumed:]
		if uerr != nil {
			upstreamErr = uerr
			break
		}
		if ev != nil {
			out = append(out, *ev)
		}
	}

	if len(out) == 0 && upstreamErr == nil {
		d.emptyCalls++
	} else {
		d.emptyCalls = 0
	}

	if d.firstTaken {
		return out, upstreamErr
	}
	d.first = append(d.first, out...)
	if upstreamErr != nil {
		d.firstErr = upstreamErr
	}
	return nil, nil
}

// nextFrame parses one complete frame from the buffer. consumed is 0 when
// more data is needed.
func (d *Decoder) nextFrame() (ev *Event, uerr *gateway.APIError, consumed int) {
	if len(d.buf) < frameHeaderSize {
		return nil, nil, 0
	}
	typ := d.buf[0]
	size := int(binary.BigEndian.Uint32(d.buf[1:5]))
	if len(d.buf) < frameHeaderSize+size {
		return nil, nil, 0
	}
	payload := d.buf[frameHeaderSize : frameHeaderSize+size]
	consumed = frameHeaderSize + size

	switch typ {
	case frameProto:
		if size == 0 {
			// stream preamble
			return &Event{Kind: EventContentStart}, nil, consumed
		}
		return d.protoEvent(payload), nil, consumed

	case frameProtoGzip:
		raw, err := gunzip(payload)
		if err != nil {
			slog.Debug("cursor: bad gzip frame", "err", err)
			return nil, nil, consumed
		}
		return d.protoEvent(raw), nil, consumed

	case frameJSON:
		return d.jsonEvent(payload, consumed)

	case frameJSONGzip:
		raw, err := gunzip(payload)
		if err != nil {
			slog.Debug("cursor: bad gzip frame", "err", err)
			return nil, nil, consumed
		}
		return d.jsonEvent(raw, consumed)

	default:
		slog.Debug("cursor: unknown frame type", "type", typ, "len", size)
		return nil, nil, consumed
	}
}

// protoEvent maps a decoded StreamChatResponse to at most one event.
func (d *Decoder) protoEvent(payload []byte) *Event {
	var msg wire.StreamChatResponse
	if err := msg.Unmarshal(payload); err != nil {
		slog.Debug("cursor: undecodable response frame", "err", err)
		return nil
	}
	switch {
	case msg.Text != "":
		return &Event{Kind: EventContent, Text: msg.Text}
	case msg.Thinking != nil && (msg.Thinking.Text != "" || msg.Thinking.Signature != ""):
		return &Event{Kind: EventThinking, Text: msg.Thinking.Text, Signature: msg.Thinking.Signature}
	case msg.FilledPrompt != "":
		return &Event{Kind: EventDebug, Text: msg.FilledPrompt}
	case msg.WebCitation != nil && len(msg.WebCitation.References) > 0:
		refs := dedupeRefs(msg.WebCitation.References)
		if d.convertWebRefs {
			return &Event{Kind: EventContent, Text: RenderWebRefs(refs)}
		}
		return &Event{Kind: EventWebRefs, WebRefs: refs}
	default:
		return nil
	}
}

// jsonEvent handles type-2/3 frames: the 2-byte "{}" terminator ends the
// stream; anything parsing as a ChatError becomes an upstream error; other
// JSON is dropped.
func (d *Decoder) jsonEvent(payload []byte, consumed int) (*Event, *gateway.APIError, int) {
	if len(payload) == 2 {
		d.ended = true
		return &Event{Kind: EventStreamEnd}, nil, consumed
	}
	if apiErr := ParseChatError(payload); apiErr != nil {
		return nil, apiErr, consumed
	}
	slog.Debug("cursor: unrecognized JSON frame", "len", len(payload))
	return nil, nil, consumed
}

// dedupeRefs keeps the first occurrence of each URL, preserving order.
func dedupeRefs(refs []wire.WebReference) []wire.WebReference {
	seen := make(map[string]struct{}, len(refs))
	out := refs[:0:0]
	for _, r := range refs {
		if _, dup := seen[r.URL]; dup {
			continue
		}
		seen[r.URL] = struct{}{}
		out = append(out, r)
	}
	return out
}

// RenderWebRefs renders references as the printable block inlined into
// assistant output.
func RenderWebRefs(refs []wire.WebReference) string {
	var sb strings.Builder
	sb.WriteString("WebReferences:\n")
	for i, r := range refs {
		fmt.Fprintf(&sb, "%d. [%s](%s)%s\n", i+1, r.Title, r.URL, r.Chunk)
	}
	sb.WriteString("\n")
	return sb.String()
}

// IsFirstResultReady reports whether the caller can commit an HTTP status:
// either an error arrived, or at least one event exists and the input
// buffer is drained.
func (d *Decoder) IsFirstResultReady() bool {
	if d.firstTaken {
		return true
	}
	if d.firstErr != nil {
		return true
	}
	return len(d.first) > 0 && len(d.buf) == 0
}

// TakeFirstResult hands over the buffered initial events exactly once.
// Subsequent Decode calls return their own slices.
func (d *Decoder) TakeFirstResult() ([]Event, *gateway.APIError) {
	if d.firstTaken {
		return nil, nil
	}
	d.firstTaken = true
	events, err := d.first, d.firstErr
	d.first, d.firstErr = nil, nil
	return events, err
}

// EmptyCalls reports consecutive Decode calls that produced nothing; the
// stream pump cuts the connection when the run grows too long.
func (d *Decoder) EmptyCalls() int { return d.emptyCalls }

// Ended reports whether the stream terminator was seen.
func (d *Decoder) Ended() bool { return d.ended }

func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
