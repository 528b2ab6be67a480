// Package cursor speaks the upstream protocol: request assembly, the
// Connect-RPC call, the framed stream decoder, and the error taxonomy.
package cursor

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	gateway "github.com/cursorgate/cursorgate/internal"
	"github.com/cursorgate/cursorgate/internal/cursor/wire"
	"github.com/cursorgate/cursorgate/internal/imaging"
	"github.com/cursorgate/cursorgate/internal/models"
	"github.com/cursorgate/cursorgate/internal/token"
)

// VisionPolicy controls which image parts are accepted.
type VisionPolicy uint8

const (
	VisionNone   VisionPolicy = iota // reject all images
	VisionBase64                     // accept inline data URLs only
	VisionAll                        // additionally fetch http(s) URLs
)

// ParseVisionPolicy maps a config string to a policy.
func ParseVisionPolicy(s string) VisionPolicy {
	switch s {
	case "none":
		return VisionNone
	case "all":
		return VisionAll
	default:
		return VisionBase64
	}
}

// maxImageFetch bounds remote image downloads.
const maxImageFetch = 10 << 20

// AssembleOptions carries the per-request policy for assembly.
type AssembleOptions struct {
	Model           models.ExtModel
	Bundle          token.Bundle
	Vision          VisionPolicy
	EnableSlowPool  *bool
	LongContext     bool
	DefaultTimezone string
	HTTPClient      *http.Client // for VisionAll fetches
}

// linkUUID is the monotonic counter behind external-link ids, seeded from
// a random base so ids differ across processes.
var linkUUID atomic.Uint32

func init() {
	var seed [4]byte
	rand.Read(seed[:])
	// keep headroom before wraparound
	linkUUID.Store(binary.BigEndian.Uint32(seed[:]) >> 8)
}

// Assemble converts a normalized message list plus system instructions
// into the upstream request protobuf. system may be empty.
func Assemble(ctx context.Context, msgs []gateway.Message, system string, opts AssembleOptions) (*wire.StreamUnifiedChatRequest, error) {
	instructions := strings.TrimSpace(system)
	if instructions == "" {
		instructions = defaultInstructions(opts.Model.Owner)
	}
	instructions = strings.ReplaceAll(instructions, "{{currentDateTime}}",
		time.Now().In(opts.Bundle.Location(opts.DefaultTimezone)).Format("2006-01-02T15:04:05.000Z07:00"))

	conv, err := buildConversation(ctx, msgs, opts)
	if err != nil {
		return nil, err
	}

	req := &wire.StreamUnifiedChatRequest{
		Conversation:       conv,
		ExplicitContext:    &wire.ExplicitContext{Context: instructions},
		ModelDetails:       &wire.ModelDetails{ModelName: opts.Model.ID, EnableSlowPool: opts.EnableSlowPool, MaxMode: opts.Model.Max},
		ConversationID:     uuid.NewString(),
		UnifiedMode:        wire.UnifiedModeChat,
		ShouldDisableTools: true,
	}
	if opts.Model.Web {
		s := wire.UseWebFullSearch
		req.UseWeb = &s
	}
	if opts.Model.IsThinking {
		req.ThinkingLevel = wire.ThinkingLevelHigh
	}
	if opts.Model.LongContext || opts.LongContext {
		req.UseFullInputsContext = true
	}
	return req, nil
}

// buildConversation normalizes the user/assistant sequence and converts
// each message, enforcing the alternation the upstream expects: never
// starting with, and never ending on, an assistant turn.
func buildConversation(ctx context.Context, msgs []gateway.Message, opts AssembleOptions) ([]wire.ConversationMessage, error) {
	var out []wire.ConversationMessage
	for _, m := range msgs {
		cm, err := convertMessage(ctx, m, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, cm)
	}

	emptyHuman := func() wire.ConversationMessage {
		return wire.ConversationMessage{Type: wire.RoleHuman, MessageID: uuid.NewString()}
	}
	if len(out) == 0 {
		return []wire.ConversationMessage{emptyHuman()}, nil
	}
	if out[0].Type == wire.RoleAI {
		out = append([]wire.ConversationMessage{emptyHuman()}, out...)
	}
	if out[len(out)-1].Type == wire.RoleAI {
		out = append(out, emptyHuman())
	}
	return out, nil
}

// convertMessage flattens content parts, validates images, and extracts
// the role-specific structure (web references, external links).
func convertMessage(ctx context.Context, m gateway.Message, opts AssembleOptions) (wire.ConversationMessage, error) {
	cm := wire.ConversationMessage{MessageID: uuid.NewString()}
	switch m.Role {
	case "assistant":
		cm.Type = wire.RoleAI
	default:
		cm.Type = wire.RoleHuman
	}

	text, imageURLs := flattenContent(m.Content)
	cm.Text = text

	if cm.Type == wire.RoleHuman && len(imageURLs) > 0 {
		imgs, err := loadImages(ctx, imageURLs, opts)
		if err != nil {
			return cm, err
		}
		cm.Images = imgs
	}

	if cm.Type == wire.RoleAI {
		if refs, rest, ok := parseWebRefsBlock(cm.Text); ok {
			cm.WebReferences = refs
			cm.Text = rest
		}
	} else {
		cm.ExternalLinks = extractExternalLinks(cm.Text)
	}
	return cm, nil
}

// flattenContent joins text parts with newlines and collects image URLs.
// Content is either a JSON string or an array of typed parts in the
// OpenAI (image_url) or Anthropic (source) shape.
func flattenContent(content json.RawMessage) (string, []string) {
	if len(content) == 0 {
		return "", nil
	}
	r := gjson.ParseBytes(content)
	if r.Type == gjson.String {
		return r.String(), nil
	}
	if !r.IsArray() {
		return "", nil
	}

	var texts []string
	var images []string
	r.ForEach(func(_, part gjson.Result) bool {
		switch part.Get("type").String() {
		case "text":
			texts = append(texts, part.Get("text").String())
		case "image_url":
			if u := part.Get("image_url.url").String(); u != "" {
				images = append(images, u)
			}
		case "image":
			src := part.Get("source")
			if src.Get("type").String() == "base64" {
				media := src.Get("media_type").String()
				data := src.Get("data").String()
				if media != "" && data != "" {
					images = append(images, "data:"+media+";base64,"+data)
				}
			} else if u := src.Get("url").String(); u != "" {
				images = append(images, u)
			}
		}
		return true
	})
	return strings.Join(texts, "\n"), images
}

// loadImages applies the vision policy to each referenced image.
func loadImages(ctx context.Context, urls []string, opts AssembleOptions) ([]wire.Image, error) {
	if opts.Vision == VisionNone {
		return nil, fmt.Errorf("%w", gateway.ErrVisionDisabled)
	}
	if !opts.Model.IsImage {
		return nil, fmt.Errorf("%w: model %s has no vision", gateway.ErrBadImage, opts.Model.ID)
	}
	out := make([]wire.Image, 0, len(urls))
	for _, u := range urls {
		if strings.HasPrefix(u, "data:") {
			data, probe, err := imaging.DecodeDataURL(u)
			if err != nil {
				return nil, err
			}
			out = append(out, imageProto(data, probe))
			continue
		}
		if opts.Vision != VisionAll {
			return nil, fmt.Errorf("%w: remote urls need vision policy 'all'", gateway.ErrVisionDisabled)
		}
		data, probe, err := fetchImage(ctx, opts.HTTPClient, u)
		if err != nil {
			return nil, err
		}
		out = append(out, imageProto(data, probe))
	}
	return out, nil
}

func imageProto(data []byte, p imaging.Probe) wire.Image {
	return wire.Image{
		Data:      data,
		Dimension: &wire.ImageDimension{Width: int32(p.Width), Height: int32(p.Height)},
	}
}

// fetchImage downloads and validates a remote image via the bundle's
// outbound client.
func fetchImage(ctx context.Context, client *http.Client, rawURL string) ([]byte, imaging.Probe, error) {
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return nil, imaging.Probe{}, fmt.Errorf("%w: unsupported scheme", gateway.ErrBadImage)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, imaging.Probe{}, fmt.Errorf("%w: %v", gateway.ErrBadImage, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, imaging.Probe{}, fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, imaging.Probe{}, fmt.Errorf("%w: fetch returned %d", gateway.ErrBadImage, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageFetch+1))
	if err != nil {
		return nil, imaging.Probe{}, fmt.Errorf("fetch image: %w", err)
	}
	if len(data) > maxImageFetch {
		return nil, imaging.Probe{}, fmt.Errorf("%w: image too large", gateway.ErrBadImage)
	}
	probe, err := imaging.Validate(data)
	if err != nil {
		return nil, imaging.Probe{}, err
	}
	return data, probe, nil
}

// webRefLine matches "N. [title](url)chunk".
var webRefLine = regexp.MustCompile(`^\d+\. \[(.*?)\]\((.*?)\)(.*)$`)

// parseWebRefsBlock splits a leading "WebReferences:" block off an
// assistant message, returning the structured references and the
// remaining text.
func parseWebRefsBlock(text string) ([]wire.WebReference, string, bool) {
	rest, ok := strings.CutPrefix(text, "WebReferences:\n")
	if !ok {
		return nil, text, false
	}
	var refs []wire.WebReference
	lines := strings.Split(rest, "\n")
	i := 0
	for ; i < len(lines); i++ {
		m := webRefLine.FindStringSubmatch(lines[i])
		if m == nil {
			break
		}
		refs = append(refs, wire.WebReference{Title: m[1], URL: m[2], Chunk: m[3]})
	}
	if len(refs) == 0 {
		return nil, text, false
	}
	// skip the blank separator line, if present
	if i < len(lines) && lines[i] == "" {
		i++
	}
	return refs, strings.Join(lines[i:], "\n"), true
}

// externalLinkPattern matches bare @http(s):// mentions in user text.
var externalLinkPattern = regexp.MustCompile(`(?:^|\s)@(https?://\S+)`)

// extractExternalLinks collects @url mentions, assigning each a
// monotonically increasing id.
func extractExternalLinks(text string) []wire.ExternalLink {
	matches := externalLinkPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]wire.ExternalLink, 0, len(matches))
	for _, m := range matches {
		out = append(out, wire.ExternalLink{URL: m[1], UUID: linkUUID.Add(1)})
	}
	return out
}

// defaultInstructions returns the fallback system prompt for a model
// family. The {{currentDateTime}} marker is substituted by Assemble.
func defaultInstructions(owner string) string {
	switch owner {
	case "anthropic":
		return "You are Claude, a helpful AI assistant. The current date and time is {{currentDateTime}}."
	case "openai":
		return "You are a helpful AI assistant built on GPT. The current date and time is {{currentDateTime}}."
	default:
		return "You are a helpful AI assistant. The current date and time is {{currentDateTime}}."
	}
}

// JoinSystem concatenates system message bodies with blank lines, in
// order. Raw may be a plain string or an array of text parts.
func JoinSystem(parts []string) string {
	return strings.Join(parts, "\n\n")
}
