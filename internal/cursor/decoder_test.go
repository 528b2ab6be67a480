package cursor

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net/http"
	"testing"

	gateway "github.com/cursorgate/cursorgate/internal"
	"github.com/cursorgate/cursorgate/internal/cursor/wire"
)

func frame(t *testing.T, kind byte, payload []byte) []byte {
	t.Helper()
	out := make([]byte, 5+len(payload))
	out[0] = kind
	binary.BigEndian.PutUint32(out[1:5], uint32(len(payload)))
	copy(out[5:], payload)
	return out
}

func textFrame(t *testing.T, s string) []byte {
	msg := wire.StreamChatResponse{Text: s}
	return frame(t, frameProto, msg.Marshal())
}

func thinkingFrame(t *testing.T, text, sig string) []byte {
	msg := wire.StreamChatResponse{Thinking: &wire.Thinking{Text: text, Signature: sig}}
	return frame(t, frameProto, msg.Marshal())
}

func endFrame(t *testing.T) []byte {
	return frame(t, frameJSON, []byte("{}"))
}

func gz(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatal(err)
	}
	zw.Close()
	return buf.Bytes()
}

// drain runs one full decode cycle: feed everything, take the first
// result, and collect all events.
func drain(t *testing.T, d *Decoder, body []byte) ([]Event, *gateway.APIError) {
	t.Helper()
	events, uerr := d.Decode(body)
	if events != nil || uerr != nil {
		t.Fatal("events must buffer until TakeFirstResult")
	}
	first, ferr := d.TakeFirstResult()
	if ferr != nil {
		return first, ferr
	}
	return first, nil
}

func TestDecoderBasicStream(t *testing.T) {
	t.Parallel()

	body := bytes.Join([][]byte{
		frame(t, frameProto, nil),
		textFrame(t, "Hello"),
		textFrame(t, ", world"),
		endFrame(t),
	}, nil)

	d := NewDecoder(false)
	events, uerr := drain(t, d, body)
	if uerr != nil {
		t.Fatal(uerr)
	}

	want := []Event{
		{Kind: EventContentStart},
		{Kind: EventContent, Text: "Hello"},
		{Kind: EventContent, Text: ", world"},
		{Kind: EventStreamEnd},
	}
	if len(events) != len(want) {
		t.Fatalf("events = %d, want %d", len(events), len(want))
	}
	for i := range want {
		if events[i].Kind != want[i].Kind || events[i].Text != want[i].Text {
			t.Errorf("event %d = %+v, want %+v", i, events[i], want[i])
		}
	}
	if !d.Ended() {
		t.Error("terminator should mark the stream ended")
	}
}

func TestDecoderByteAtATime(t *testing.T) {
	t.Parallel()

	body := bytes.Join([][]byte{
		textFrame(t, "split"),
		thinkingFrame(t, "mull", "sig-1"),
		endFrame(t),
	}, nil)

	d := NewDecoder(false)
	var events []Event
	for i := range body {
		out, uerr := d.Decode(body[i : i+1])
		if uerr != nil {
			t.Fatal(uerr)
		}
		if !d.firstTaken && d.IsFirstResultReady() {
			first, ferr := d.TakeFirstResult()
			if ferr != nil {
				t.Fatal(ferr)
			}
			events = append(events, first...)
		}
		events = append(events, out...)
	}

	kinds := []EventKind{EventContent, EventThinking, EventStreamEnd}
	if len(events) != len(kinds) {
		t.Fatalf("events = %d, want %d", len(events), len(kinds))
	}
	for i, k := range kinds {
		if events[i].Kind != k {
			t.Errorf("event %d kind = %v, want %v", i, events[i].Kind, k)
		}
	}
	if events[1].Text != "mull" || events[1].Signature != "sig-1" {
		t.Errorf("thinking event = %+v", events[1])
	}
}

func TestDecoderGzipFrames(t *testing.T) {
	t.Parallel()

	msg := wire.StreamChatResponse{Text: "compressed"}
	body := bytes.Join([][]byte{
		frame(t, frameProtoGzip, gz(t, msg.Marshal())),
		frame(t, frameJSONGzip, gz(t, []byte("{}"))),
	}, nil)

	d := NewDecoder(false)
	events, uerr := drain(t, d, body)
	if uerr != nil {
		t.Fatal(uerr)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Kind != EventContent || events[0].Text != "compressed" {
		t.Errorf("event 0 = %+v", events[0])
	}
	if events[1].Kind != EventStreamEnd {
		t.Errorf("event 1 kind = %v, want stream end", events[1].Kind)
	}
}

func TestDecoderFirstResultBuffering(t *testing.T) {
	t.Parallel()

	d := NewDecoder(false)

	// Nothing yet: not ready.
	if d.IsFirstResultReady() {
		t.Error("empty decoder should not be ready")
	}

	// A partial frame alone leaves the decoder not ready.
	full := textFrame(t, "early")
	if _, uerr := d.Decode(full[:3]); uerr != nil {
		t.Fatal(uerr)
	}
	if d.IsFirstResultReady() {
		t.Error("partial frame should not make the first result ready")
	}

	if _, uerr := d.Decode(full[3:]); uerr != nil {
		t.Fatal(uerr)
	}
	if !d.IsFirstResultReady() {
		t.Error("complete event with drained buffer should be ready")
	}

	first, ferr := d.TakeFirstResult()
	if ferr != nil {
		t.Fatal(ferr)
	}
	if len(first) != 1 || first[0].Text != "early" {
		t.Errorf("first result = %+v", first)
	}

	// Second take yields nothing; later decodes return directly.
	if ev, _ := d.TakeFirstResult(); ev != nil {
		t.Error("second take should be empty")
	}
	out, _ := d.Decode(textFrame(t, "later"))
	if len(out) != 1 || out[0].Text != "later" {
		t.Errorf("post-take decode = %+v", out)
	}
}

func TestDecoderUpstreamError(t *testing.T) {
	t.Parallel()

	det := wire.ErrorDetails{
		Error:   ErrFreeUserRateLimitExceeded,
		Details: &wire.CustomErrorDetails{Title: "Rate limited", Detail: "try later"},
	}
	errJSON := fmt.Sprintf(
		`{"error":{"code":"resource_exhausted","message":"rate limited","details":[{"type":"aiserver.v1.ErrorDetails","value":%q}]}}`,
		base64.StdEncoding.EncodeToString(det.Marshal()))

	d := NewDecoder(false)
	if _, uerr := d.Decode(frame(t, frameJSON, []byte(errJSON))); uerr != nil {
		t.Fatal("error must buffer as the first result")
	}
	if !d.IsFirstResultReady() {
		t.Fatal("buffered error should make the first result ready")
	}
	events, ferr := d.TakeFirstResult()
	if len(events) != 0 {
		t.Errorf("events alongside error = %d, want 0", len(events))
	}
	if ferr == nil {
		t.Fatal("expected upstream error")
	}
	if ferr.Status != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", ferr.Status)
	}
	if ferr.Code != "resource_exhausted" {
		t.Errorf("code = %q", ferr.Code)
	}
}

func TestDecoderMidStreamError(t *testing.T) {
	t.Parallel()

	d := NewDecoder(false)
	if _, uerr := d.Decode(textFrame(t, "partial answer")); uerr != nil {
		t.Fatal(uerr)
	}
	if _, err := d.TakeFirstResult(); err != nil {
		t.Fatal(err)
	}

	_, uerr := d.Decode(frame(t, frameJSON, []byte(`{"error":{"code":"internal","message":"boom"}}`)))
	if uerr == nil {
		t.Fatal("mid-stream error should surface from Decode")
	}
	if uerr.Code != "internal" {
		t.Errorf("code = %q", uerr.Code)
	}
}

func TestDecoderWebRefsConversion(t *testing.T) {
	t.Parallel()

	refs := []wire.WebReference{
		{Title: "Go", URL: "https://go.dev", Chunk: " docs"},
		{Title: "Go", URL: "https://go.dev", Chunk: " dup"},
		{Title: "Blog", URL: "https://go.dev/blog"},
	}
	msg := wire.StreamChatResponse{WebCitation: &wire.WebCitation{References: refs}}
	body := frame(t, frameProto, msg.Marshal())

	t.Run("structured", func(t *testing.T) {
		d := NewDecoder(false)
		events, _ := drain(t, d, body)
		if len(events) != 1 || events[0].Kind != EventWebRefs {
			t.Fatalf("events = %+v", events)
		}
		if len(events[0].WebRefs) != 2 {
			t.Errorf("refs = %d, want 2 after dedupe", len(events[0].WebRefs))
		}
		if events[0].WebRefs[0].URL != "https://go.dev" {
			t.Error("dedupe should keep first-seen order")
		}
	})

	t.Run("converted", func(t *testing.T) {
		d := NewDecoder(true)
		events, _ := drain(t, d, body)
		if len(events) != 1 || events[0].Kind != EventContent {
			t.Fatalf("events = %+v", events)
		}
		want := "WebReferences:\n1. [Go](https://go.dev) docs\n2. [Blog](https://go.dev/blog)\n\n"
		if events[0].Text != want {
			t.Errorf("rendered block = %q, want %q", events[0].Text, want)
		}
	})
}

func TestDecoderSkipsJunk(t *testing.T) {
	t.Parallel()

	body := bytes.Join([][]byte{
		frame(t, 0x7F, []byte("mystery")),               // unknown type
		frame(t, frameProtoGzip, []byte("not gzip")),    // broken gzip
		frame(t, frameJSON, []byte(`{"debug":"note"}`)), // unrecognized JSON
		textFrame(t, "still here"),
	}, nil)

	d := NewDecoder(false)
	events, uerr := drain(t, d, body)
	if uerr != nil {
		t.Fatal(uerr)
	}
	if len(events) != 1 || events[0].Text != "still here" {
		t.Errorf("events = %+v, want the single content event", events)
	}
}

func TestDecoderEmptyCalls(t *testing.T) {
	t.Parallel()

	d := NewDecoder(false)
	d.Decode(nil)
	d.Decode(nil)
	if d.EmptyCalls() != 2 {
		t.Errorf("empty calls = %d, want 2", d.EmptyCalls())
	}
	d.Decode(textFrame(t, "x"))
	if d.EmptyCalls() != 0 {
		t.Error("a productive call should reset the empty counter")
	}
}

func TestDecoderDebugFrame(t *testing.T) {
	t.Parallel()

	msg := wire.StreamChatResponse{FilledPrompt: "rendered prompt"}
	d := NewDecoder(false)
	events, _ := drain(t, d, frame(t, frameProto, msg.Marshal()))
	if len(events) != 1 || events[0].Kind != EventDebug || events[0].Text != "rendered prompt" {
		t.Errorf("events = %+v, want one debug event", events)
	}
}
