package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	gateway "github.com/cursorgate/cursorgate/internal"
	"github.com/cursorgate/cursorgate/internal/app"
	"github.com/cursorgate/cursorgate/internal/cursor"
)

func (s *server) handleMessages(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxChatBody)
	var params gateway.MessageCreateParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeAPIError(w, r, &gateway.APIError{
			Status: http.StatusBadRequest, Code: "invalid_request_error",
			Message: "invalid request body: " + err.Error(),
		})
		return
	}
	if params.Model == "" || len(params.Messages) == 0 {
		writeAPIError(w, r, &gateway.APIError{
			Status: http.StatusBadRequest, Code: "invalid_request_error",
			Message: "model and messages are required",
		})
		return
	}

	adm := admission(r)
	opts := app.ChatOptions{
		Model:    params.Model,
		Messages: params.Messages,
		System:   contentString(params.System),
		Stream:   params.Stream,
	}
	applyOverlay(&opts, adm)

	st, apiErr := s.deps.Chat.Stream(r.Context(), adm.Bundle, opts)
	if apiErr != nil {
		writeAPIError(w, r, apiErr)
		return
	}
	defer st.Close()

	if params.Stream {
		s.streamAnthropic(w, r, &params, st)
		return
	}

	var text, thinking strings.Builder
	var signature string
	for ev := range st.Events() {
		switch ev.Kind {
		case cursor.EventContent:
			text.WriteString(ev.Text)
		case cursor.EventThinking:
			thinking.WriteString(ev.Text)
			if ev.Signature != "" {
				signature = ev.Signature
			}
		}
	}
	if apiErr := st.Err(); apiErr != nil && text.Len() == 0 && thinking.Len() == 0 {
		writeAPIError(w, r, apiErr)
		return
	}

	var content []map[string]any
	if thinking.Len() > 0 {
		content = append(content, map[string]any{
			"type": "thinking", "thinking": thinking.String(), "signature": signature,
		})
	}
	content = append(content, map[string]any{"type": "text", "text": text.String()})

	usage := s.deps.Chat.Usage(params.Messages, text.String()+thinking.String())
	writeJSON(w, http.StatusOK, map[string]any{
		"id":            "msg_" + uuid.NewString(),
		"type":          "message",
		"role":          "assistant",
		"model":         params.Model,
		"content":       content,
		"stop_reason":   "end_turn",
		"stop_sequence": nil,
		"usage": gateway.AnthropicUsage{
			InputTokens:  usage.PromptTokens,
			OutputTokens: usage.CompletionTokens,
		},
	})
}

// streamAnthropic emits the decoded stream in the Anthropic event dialect:
// message_start, per-block start/delta/stop events, then message_delta
// carrying the stop reason and usage.
func (s *server) streamAnthropic(w http.ResponseWriter, r *http.Request, params *gateway.MessageCreateParams, st *app.ChatStream) {
	writeSSEHeaders(w)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	id := "msg_" + uuid.NewString()
	var completion strings.Builder

	emit := func(event string, v any) {
		data, _ := json.Marshal(v)
		writeSSEEvent(w, event, data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	inputTokens := s.deps.Chat.Usage(params.Messages, "").PromptTokens
	emit("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id": id, "type": "message", "role": "assistant",
			"model": params.Model, "content": []any{},
			"stop_reason": nil, "stop_sequence": nil,
			"usage": map[string]any{"input_tokens": inputTokens, "output_tokens": 0},
		},
	})

	// block tracks the currently open content block: -1 none, then
	// consecutive indices as thinking/text blocks open and close.
	blockIndex := -1
	blockKind := cursor.EventKind(0)
	openBlock := func(kind cursor.EventKind) {
		blockIndex++
		blockKind = kind
		block := map[string]any{"type": "text", "text": ""}
		if kind == cursor.EventThinking {
			block = map[string]any{"type": "thinking", "thinking": ""}
		}
		emit("content_block_start", map[string]any{
			"type": "content_block_start", "index": blockIndex, "content_block": block,
		})
	}
	closeBlock := func() {
		if blockIndex >= 0 {
			emit("content_block_stop", map[string]any{
				"type": "content_block_stop", "index": blockIndex,
			})
		}
	}

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	events := st.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				closeBlock()
				// A mid-stream upstream failure terminates with the
				// dialect's error event instead of message_stop.
				if apiErr := st.Err(); apiErr != nil {
					emit("error", apiErr.Anthropic())
					return
				}
				usage := s.deps.Chat.Usage(params.Messages, completion.String())
				emit("message_delta", map[string]any{
					"type":  "message_delta",
					"delta": map[string]any{"stop_reason": "end_turn", "stop_sequence": nil},
					"usage": map[string]any{"output_tokens": usage.CompletionTokens},
				})
				emit("message_stop", map[string]any{"type": "message_stop"})
				return
			}
			switch ev.Kind {
			case cursor.EventContent:
				if blockIndex < 0 || blockKind != cursor.EventContent {
					closeBlock()
					openBlock(cursor.EventContent)
				}
				completion.WriteString(ev.Text)
				emit("content_block_delta", map[string]any{
					"type": "content_block_delta", "index": blockIndex,
					"delta": map[string]any{"type": "text_delta", "text": ev.Text},
				})
			case cursor.EventThinking:
				if blockIndex < 0 || blockKind != cursor.EventThinking {
					closeBlock()
					openBlock(cursor.EventThinking)
				}
				completion.WriteString(ev.Text)
				delta := map[string]any{"type": "thinking_delta", "thinking": ev.Text}
				if ev.Text == "" && ev.Signature != "" {
					delta = map[string]any{"type": "signature_delta", "signature": ev.Signature}
				}
				emit("content_block_delta", map[string]any{
					"type": "content_block_delta", "index": blockIndex, "delta": delta,
				})
			}

		case <-keepAlive.C:
			emit("ping", map[string]any{"type": "ping"})

		case <-r.Context().Done():
			return
		}
	}
}
