// Package wire holds the protobuf message types spoken on the Cursor
// Connect-RPC endpoint. The codecs are hand-maintained over
// protowire so the field layout (see cursor.proto) stays explicit and
// auditable; the message set is small and changes rarely.
package wire

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// Conversation message roles.
const (
	RoleHuman int32 = 1
	RoleAI    int32 = 2
)

// StreamUnifiedChatRequest field values.
const (
	UnifiedModeChat   int32 = 1
	ThinkingLevelHigh int32 = 2
	UseWebFullSearch        = "full_search"
)

// --- append helpers ---

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendMessage(b []byte, num protowire.Number, body []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

// skipField consumes an unknown field's value.
func skipField(b []byte, num protowire.Number, typ protowire.Type) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, nil
}

// --- messages ---

// ImageDimension carries the pixel size of an attached image.
type ImageDimension struct {
	Width  int32
	Height int32
}

func (m *ImageDimension) appendTo(b []byte) []byte {
	b = appendVarint(b, 1, uint64(uint32(m.Width)))
	return appendVarint(b, 2, uint64(uint32(m.Height)))
}

// Image is one attached image with its decoded dimensions.
type Image struct {
	Data      []byte
	Dimension *ImageDimension
}

func (m *Image) appendTo(b []byte) []byte {
	b = appendBytes(b, 1, m.Data)
	if m.Dimension != nil {
		b = appendMessage(b, 2, m.Dimension.appendTo(nil))
	}
	return b
}

// WebReference is one cited web source.
type WebReference struct {
	Title string
	URL   string
	Chunk string
}

func (m *WebReference) appendTo(b []byte) []byte {
	b = appendString(b, 1, m.Title)
	b = appendString(b, 2, m.URL)
	return appendString(b, 3, m.Chunk)
}

// Unmarshal decodes a WebReference body.
func (m *WebReference) Unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Title, b = v, b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.URL, b = v, b[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Chunk, b = v, b[n:]
		default:
			n, err := skipField(b, num, typ)
			if err != nil {
				return err
			}
			b = b[n:]
		}
	}
	return nil
}

// ExternalLink is a bare URL mentioned in a user message.
type ExternalLink struct {
	URL  string
	UUID uint32
}

func (m *ExternalLink) appendTo(b []byte) []byte {
	b = appendString(b, 1, m.URL)
	return appendVarint(b, 2, uint64(m.UUID))
}

// ConversationMessage is one turn of the normalized conversation.
type ConversationMessage struct {
	Text          string
	Type          int32 // RoleHuman or RoleAI
	Images        []Image
	MessageID     string
	WebReferences []WebReference
	ExternalLinks []ExternalLink
}

func (m *ConversationMessage) appendTo(b []byte) []byte {
	b = appendString(b, 1, m.Text)
	b = appendVarint(b, 2, uint64(uint32(m.Type)))
	for i := range m.Images {
		b = appendMessage(b, 3, m.Images[i].appendTo(nil))
	}
	b = appendString(b, 4, m.MessageID)
	for i := range m.WebReferences {
		b = appendMessage(b, 5, m.WebReferences[i].appendTo(nil))
	}
	for i := range m.ExternalLinks {
		b = appendMessage(b, 6, m.ExternalLinks[i].appendTo(nil))
	}
	return b
}

// ExplicitContext carries the concatenated system instructions.
type ExplicitContext struct {
	Context string
}

func (m *ExplicitContext) appendTo(b []byte) []byte {
	return appendString(b, 1, m.Context)
}

// ModelDetails selects the upstream model and its pool flags.
type ModelDetails struct {
	ModelName      string
	EnableSlowPool *bool
	MaxMode        bool
}

func (m *ModelDetails) appendTo(b []byte) []byte {
	b = appendString(b, 1, m.ModelName)
	if m.EnableSlowPool != nil {
		// optional bool: present even when false
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		v := uint64(0)
		if *m.EnableSlowPool {
			v = 1
		}
		b = protowire.AppendVarint(b, v)
	}
	return appendBool(b, 3, m.MaxMode)
}

// StreamUnifiedChatRequest is the single framed message POSTed upstream.
type StreamUnifiedChatRequest struct {
	Conversation         []ConversationMessage
	ExplicitContext      *ExplicitContext
	ModelDetails         *ModelDetails
	ConversationID       string
	UseWeb               *string
	UnifiedMode          int32
	ThinkingLevel        int32
	ShouldDisableTools   bool
	UseFullInputsContext bool
}

// Marshal encodes the request body.
func (m *StreamUnifiedChatRequest) Marshal() []byte {
	var b []byte
	for i := range m.Conversation {
		b = appendMessage(b, 1, m.Conversation[i].appendTo(nil))
	}
	if m.ExplicitContext != nil {
		b = appendMessage(b, 2, m.ExplicitContext.appendTo(nil))
	}
	if m.ModelDetails != nil {
		b = appendMessage(b, 3, m.ModelDetails.appendTo(nil))
	}
	b = appendString(b, 4, m.ConversationID)
	if m.UseWeb != nil {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, *m.UseWeb)
	}
	b = appendVarint(b, 6, uint64(uint32(m.UnifiedMode)))
	b = appendVarint(b, 7, uint64(uint32(m.ThinkingLevel)))
	b = appendBool(b, 8, m.ShouldDisableTools)
	b = appendBool(b, 9, m.UseFullInputsContext)
	return b
}

// Thinking is a reasoning fragment in the response stream.
type Thinking struct {
	Text      string
	Signature string
}

func (m *Thinking) appendTo(b []byte) []byte {
	b = appendString(b, 1, m.Text)
	return appendString(b, 2, m.Signature)
}

// Unmarshal decodes a Thinking body.
func (m *Thinking) Unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Text, b = v, b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Signature, b = v, b[n:]
		default:
			n, err := skipField(b, num, typ)
			if err != nil {
				return err
			}
			b = b[n:]
		}
	}
	return nil
}

// WebCitation is the list of web references attached to a response chunk.
type WebCitation struct {
	References []WebReference
}

func (m *WebCitation) appendTo(b []byte) []byte {
	for i := range m.References {
		b = appendMessage(b, 1, m.References[i].appendTo(nil))
	}
	return b
}

// Unmarshal decodes a WebCitation body.
func (m *WebCitation) Unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if num == 1 && typ == protowire.BytesType {
			body, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			var ref WebReference
			if err := ref.Unmarshal(body); err != nil {
				return err
			}
			m.References = append(m.References, ref)
			b = b[n:]
			continue
		}
		n, err := skipField(b, num, typ)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// StreamChatResponse is one decoded response frame.
type StreamChatResponse struct {
	Text         string
	FilledPrompt string
	WebCitation  *WebCitation
	Thinking     *Thinking
}

// Marshal encodes the response body (used by tests and fakes).
func (m *StreamChatResponse) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Text)
	b = appendString(b, 2, m.FilledPrompt)
	if m.WebCitation != nil {
		b = appendMessage(b, 3, m.WebCitation.appendTo(nil))
	}
	if m.Thinking != nil {
		b = appendMessage(b, 4, m.Thinking.appendTo(nil))
	}
	return b
}

// Unmarshal decodes a StreamChatResponse body.
func (m *StreamChatResponse) Unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Text, b = v, b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.FilledPrompt, b = v, b[n:]
		case num == 3 && typ == protowire.BytesType:
			body, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.WebCitation = new(WebCitation)
			if err := m.WebCitation.Unmarshal(body); err != nil {
				return err
			}
			b = b[n:]
		case num == 4 && typ == protowire.BytesType:
			body, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Thinking = new(Thinking)
			if err := m.Thinking.Unmarshal(body); err != nil {
				return err
			}
			b = b[n:]
		default:
			n, err := skipField(b, num, typ)
			if err != nil {
				return err
			}
			b = b[n:]
		}
	}
	return nil
}

// CustomErrorDetails is the human-readable half of an upstream error.
type CustomErrorDetails struct {
	Title  string
	Detail string
}

func (m *CustomErrorDetails) appendTo(b []byte) []byte {
	b = appendString(b, 1, m.Title)
	return appendString(b, 2, m.Detail)
}

// Unmarshal decodes a CustomErrorDetails body.
func (m *CustomErrorDetails) Unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Title, b = v, b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Detail, b = v, b[n:]
		default:
			n, err := skipField(b, num, typ)
			if err != nil {
				return err
			}
			b = b[n:]
		}
	}
	return nil
}

// ErrorDetails is the protobuf payload inside an upstream ChatError.
type ErrorDetails struct {
	Error   int32 // ErrorCode value
	Details *CustomErrorDetails
}

// Marshal encodes the error body (used by tests and fakes).
func (m *ErrorDetails) Marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(uint32(m.Error)))
	if m.Details != nil {
		b = appendMessage(b, 2, m.Details.appendTo(nil))
	}
	return b
}

// Unmarshal decodes an ErrorDetails body.
func (m *ErrorDetails) Unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Error, b = int32(v), b[n:]
		case num == 2 && typ == protowire.BytesType:
			body, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Details = new(CustomErrorDetails)
			if err := m.Details.Unmarshal(body); err != nil {
				return err
			}
			b = b[n:]
		default:
			n, err := skipField(b, num, typ)
			if err != nil {
				return err
			}
			b = b[n:]
		}
	}
	return nil
}

// KeyTokenInfo is the credential block inside a dynamic key.
type KeyTokenInfo struct {
	Token         string
	Checksum      string
	ClientKey     string
	SessionID     string
	ConfigVersion string
	ProxyName     string
	Timezone      string
	GcppRegion    string
}

func (m *KeyTokenInfo) appendTo(b []byte) []byte {
	b = appendString(b, 1, m.Token)
	b = appendString(b, 2, m.Checksum)
	b = appendString(b, 3, m.ClientKey)
	b = appendString(b, 4, m.SessionID)
	b = appendString(b, 5, m.ConfigVersion)
	b = appendString(b, 6, m.ProxyName)
	b = appendString(b, 7, m.Timezone)
	return appendString(b, 8, m.GcppRegion)
}

// Unmarshal decodes a KeyTokenInfo body.
func (m *KeyTokenInfo) Unmarshal(b []byte) error {
	dst := [...]*string{1: &m.Token, 2: &m.Checksum, 3: &m.ClientKey,
		4: &m.SessionID, 5: &m.ConfigVersion, 6: &m.ProxyName,
		7: &m.Timezone, 8: &m.GcppRegion}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if int(num) < len(dst) && dst[num] != nil && typ == protowire.BytesType {
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			*dst[num], b = v, b[n:]
			continue
		}
		n, err := skipField(b, num, typ)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// KeyConfig is the decoded payload of a dynamic API key.
type KeyConfig struct {
	TokenInfo            *KeyTokenInfo
	DisableVision        bool
	EnableSlowPool       bool
	UsageCheckModels     []string
	IncludeWebReferences bool
}

// Marshal encodes the key payload (used by the key builder).
func (m *KeyConfig) Marshal() []byte {
	var b []byte
	if m.TokenInfo != nil {
		b = appendMessage(b, 1, m.TokenInfo.appendTo(nil))
	}
	b = appendBool(b, 2, m.DisableVision)
	b = appendBool(b, 3, m.EnableSlowPool)
	for _, s := range m.UsageCheckModels {
		b = appendMessage(b, 4, []byte(s))
	}
	b = appendBool(b, 5, m.IncludeWebReferences)
	return b
}

// Unmarshal decodes a KeyConfig body.
func (m *KeyConfig) Unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			body, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.TokenInfo = new(KeyTokenInfo)
			if err := m.TokenInfo.Unmarshal(body); err != nil {
				return err
			}
			b = b[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.DisableVision, b = v != 0, b[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.EnableSlowPool, b = v != 0, b[n:]
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.UsageCheckModels = append(m.UsageCheckModels, v)
			b = b[n:]
		case num == 5 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.IncludeWebReferences, b = v != 0, b[n:]
		default:
			n, err := skipField(b, num, typ)
			if err != nil {
				return err
			}
			b = b[n:]
		}
	}
	return nil
}
