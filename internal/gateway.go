// Package gateway defines domain types shared across the cursorgate gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"encoding/json"
	"time"
)

// --- OpenAI chat schema ---

// ChatRequest represents an OpenAI-compatible chat completion request.
type ChatRequest struct {
	Model         string         `json:"model"`
	Messages      []Message      `json:"messages"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *StreamOptions `json:"stream_options,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	TopP          *float64       `json:"top_p,omitempty"`
	MaxTokens     *int           `json:"max_tokens,omitempty"`
	User          string         `json:"user,omitempty"`
}

// StreamOptions controls streaming behavior.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// Message represents a chat message. Content is either a JSON string or an
// array of content parts; parsing is deferred to the request assembler.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Name    string          `json:"name,omitempty"`
}

// ChatResponse represents an OpenAI-compatible chat completion response.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

// ResponseMessage is the assistant message in a non-streaming response.
type ResponseMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage represents token usage statistics.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// --- Anthropic messages schema ---

// MessageCreateParams represents an Anthropic-compatible messages request.
type MessageCreateParams struct {
	Model     string          `json:"model"`
	Messages  []Message       `json:"messages"`
	System    json.RawMessage `json:"system,omitempty"`
	MaxTokens int             `json:"max_tokens"`
	Stream    bool            `json:"stream,omitempty"`
	Thinking  *ThinkingParam  `json:"thinking,omitempty"`
}

// ThinkingParam enables extended thinking on an Anthropic request.
type ThinkingParam struct {
	Type         string `json:"type"` // "enabled" or "disabled"
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// AnthropicUsage is the usage block in Anthropic responses.
type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// --- Canonical error ---

// APIError is the canonical error exposed to clients: an HTTP status, a
// stable machine code, and an optional human message with details.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
	Details string `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Code + ": " + e.Message
	}
	return e.Code
}

// OpenAI renders the error in the OpenAI error envelope.
func (e *APIError) OpenAI() map[string]any {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	return map[string]any{
		"error": map[string]any{
			"message": msg,
			"code":    e.Code,
			"type":    "error",
			"param":   nil,
		},
	}
}

// Anthropic renders the error in the Anthropic error envelope.
func (e *APIError) Anthropic() map[string]any {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	return map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    e.Code,
			"message": msg,
		},
	}
}

// --- Request logging ---

// LogStatus is the lifecycle state of a request log entry.
type LogStatus uint8

const (
	LogPending LogStatus = iota
	LogSuccess
	LogFailure
)

// String returns the admin-facing name of the status.
func (s LogStatus) String() string {
	switch s {
	case LogPending:
		return "pending"
	case LogSuccess:
		return "success"
	case LogFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// LogChain captures the prompt and per-chunk timing of a completed request.
type LogChain struct {
	Prompt string    `json:"prompt,omitempty"`
	Delays []float64 `json:"delays,omitempty"`
	Usage  *Usage    `json:"usage,omitempty"`
}

// RequestLog is immutable after its terminal status is written. TokenKey is
// the printable form of the bundle key that served the request.
type RequestLog struct {
	ID        uint64    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Model     string    `json:"model"`
	TokenKey  string    `json:"token_key"`
	Timing    float64   `json:"timing"` // total seconds
	Stream    bool      `json:"stream"`
	Status    LogStatus `json:"status"`
	Error     string    `json:"error,omitempty"`
	Chain     *LogChain `json:"chain,omitempty"`
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// Admission mutates the same pointer instead of layering contexts.
type requestMeta struct {
	RequestID string
	Admission any // *auth.Admission; held as any to keep this package import-free
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// AdmissionFromContext extracts the admission result stored by the auth
// middleware, or nil.
func AdmissionFromContext(ctx context.Context) any {
	if m := metaFromContext(ctx); m != nil {
		return m.Admission
	}
	return nil
}

// ContextWithAdmission stores the admission result in the existing
// requestMeta if present, avoiding a new context allocation.
func ContextWithAdmission(ctx context.Context, adm any) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Admission = adm
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Admission: adm})
}
