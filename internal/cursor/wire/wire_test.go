package wire

import (
	"bytes"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestStreamChatResponseRoundTrip(t *testing.T) {
	t.Parallel()

	in := StreamChatResponse{
		Text:         "hello",
		FilledPrompt: "the full prompt",
		WebCitation: &WebCitation{References: []WebReference{
			{Title: "Go", URL: "https://go.dev", Chunk: " docs"},
			{Title: "Blog", URL: "https://go.dev/blog"},
		}},
		Thinking: &Thinking{Text: "hmm", Signature: "sig-1"},
	}

	var out StreamChatResponse
	if err := out.Unmarshal(in.Marshal()); err != nil {
		t.Fatal(err)
	}
	if out.Text != in.Text || out.FilledPrompt != in.FilledPrompt {
		t.Errorf("decoded = %+v", out)
	}
	if out.Thinking == nil || out.Thinking.Signature != "sig-1" {
		t.Errorf("thinking = %+v", out.Thinking)
	}
	if out.WebCitation == nil || len(out.WebCitation.References) != 2 {
		t.Fatalf("citations = %+v", out.WebCitation)
	}
	if r := out.WebCitation.References[0]; r.Title != "Go" || r.URL != "https://go.dev" || r.Chunk != " docs" {
		t.Errorf("reference = %+v", r)
	}
}

func TestStreamChatResponseSkipsUnknownFields(t *testing.T) {
	t.Parallel()

	// Frames from newer clients carry fields this decoder does not know;
	// they must be skipped, not rejected.
	b := (&StreamChatResponse{Text: "kept"}).Marshal()
	b = protowire.AppendTag(b, 99, protowire.BytesType)
	b = protowire.AppendString(b, "future payload")
	b = protowire.AppendTag(b, 100, protowire.VarintType)
	b = protowire.AppendVarint(b, 42)

	var out StreamChatResponse
	if err := out.Unmarshal(b); err != nil {
		t.Fatal(err)
	}
	if out.Text != "kept" {
		t.Errorf("text = %q", out.Text)
	}
}

func TestStreamChatResponseTruncated(t *testing.T) {
	t.Parallel()

	full := (&StreamChatResponse{Text: "hello world"}).Marshal()
	var out StreamChatResponse
	if err := out.Unmarshal(full[:len(full)-3]); err == nil {
		t.Error("truncated body should fail to decode")
	}
}

func TestErrorDetailsRoundTrip(t *testing.T) {
	t.Parallel()

	in := ErrorDetails{
		Error: 23,
		Details: &CustomErrorDetails{
			Title:  "Rate limited",
			Detail: "Too many requests, slow down.",
		},
	}
	var out ErrorDetails
	if err := out.Unmarshal(in.Marshal()); err != nil {
		t.Fatal(err)
	}
	if out.Error != 23 {
		t.Errorf("code = %d", out.Error)
	}
	if out.Details == nil || out.Details.Title != "Rate limited" || out.Details.Detail != in.Details.Detail {
		t.Errorf("details = %+v", out.Details)
	}
}

func TestKeyConfigRoundTrip(t *testing.T) {
	t.Parallel()

	in := KeyConfig{
		TokenInfo: &KeyTokenInfo{
			Token:      "jwt-body",
			Checksum:   "sum",
			ClientKey:  "ck",
			SessionID:  "sid",
			ProxyName:  "eu",
			Timezone:   "Asia/Tokyo",
			GcppRegion: "eu",
		},
		DisableVision:        true,
		UsageCheckModels:     []string{"gpt-5", "claude-4.5-sonnet"},
		IncludeWebReferences: true,
	}
	var out KeyConfig
	if err := out.Unmarshal(in.Marshal()); err != nil {
		t.Fatal(err)
	}
	if out.TokenInfo == nil || out.TokenInfo.Token != "jwt-body" || out.TokenInfo.Timezone != "Asia/Tokyo" {
		t.Errorf("token info = %+v", out.TokenInfo)
	}
	if !out.DisableVision || out.EnableSlowPool || !out.IncludeWebReferences {
		t.Errorf("flags = %+v", out)
	}
	if len(out.UsageCheckModels) != 2 || out.UsageCheckModels[1] != "claude-4.5-sonnet" {
		t.Errorf("models = %v", out.UsageCheckModels)
	}
}

// TestSlowPoolPresence pins the optional-bool encoding: the field is on the
// wire whenever the pointer is set, including the explicit false.
func TestSlowPoolPresence(t *testing.T) {
	t.Parallel()

	f := false
	with := (&ModelDetails{ModelName: "m", EnableSlowPool: &f}).appendTo(nil)
	without := (&ModelDetails{ModelName: "m"}).appendTo(nil)
	if bytes.Equal(with, without) {
		t.Error("explicit false must still be encoded")
	}

	var sawField2 bool
	b := with
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			t.Fatal("bad tag")
		}
		b = b[n:]
		if num == 2 && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				t.Fatal("bad varint")
			}
			if v != 0 {
				t.Errorf("slow pool value = %d, want 0", v)
			}
			sawField2 = true
			b = b[n:]
			continue
		}
		n, err := skipField(b, num, typ)
		if err != nil {
			t.Fatal(err)
		}
		b = b[n:]
	}
	if !sawField2 {
		t.Error("slow pool field missing from the wire")
	}
}
