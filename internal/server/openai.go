package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	gateway "github.com/cursorgate/cursorgate/internal"
	"github.com/cursorgate/cursorgate/internal/app"
	"github.com/cursorgate/cursorgate/internal/auth"
	"github.com/cursorgate/cursorgate/internal/cursor"
)

// maxChatBody caps inbound chat request bodies (8 MB allows inline images).
const maxChatBody = 8 << 20

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxChatBody)
	var req gateway.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, r, &gateway.APIError{
			Status: http.StatusBadRequest, Code: "invalid_request",
			Message: "invalid request body: " + err.Error(),
		})
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		writeAPIError(w, r, &gateway.APIError{
			Status: http.StatusBadRequest, Code: "invalid_request",
			Message: "model and messages are required",
		})
		return
	}

	adm := admission(r)
	system, rest := splitSystem(req.Messages)
	opts := app.ChatOptions{
		Model:    req.Model,
		Messages: rest,
		System:   system,
		Stream:   req.Stream,
	}
	applyOverlay(&opts, adm)

	st, apiErr := s.deps.Chat.Stream(r.Context(), adm.Bundle, opts)
	if apiErr != nil {
		writeAPIError(w, r, apiErr)
		return
	}
	defer st.Close()

	if req.Stream {
		s.streamOpenAI(w, r, &req, st)
		return
	}

	var content, reasoning strings.Builder
	for ev := range st.Events() {
		switch ev.Kind {
		case cursor.EventContent:
			content.WriteString(ev.Text)
		case cursor.EventThinking:
			reasoning.WriteString(ev.Text)
		}
	}
	if apiErr := st.Err(); apiErr != nil && content.Len() == 0 {
		writeAPIError(w, r, apiErr)
		return
	}

	usage := s.deps.Chat.Usage(req.Messages, content.String()+reasoning.String())
	writeJSON(w, http.StatusOK, gateway.ChatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []gateway.Choice{{
			Message:      gateway.ResponseMessage{Role: "assistant", Content: content.String()},
			FinishReason: "stop",
		}},
		Usage: &usage,
	})
}

// chunkEnvelope is one OpenAI streaming chunk.
type chunkEnvelope struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
	Usage   *gateway.Usage `json:"usage,omitempty"`
}

type chunkChoice struct {
	Index        int            `json:"index"`
	Delta        map[string]any `json:"delta"`
	FinishReason *string        `json:"finish_reason"`
}

// streamOpenAI emits the decoded stream as OpenAI chat completion chunks.
func (s *server) streamOpenAI(w http.ResponseWriter, r *http.Request, req *gateway.ChatRequest, st *app.ChatStream) {
	writeSSEHeaders(w)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()
	var completion strings.Builder

	send := func(delta map[string]any, finish *string, usage *gateway.Usage) {
		env := chunkEnvelope{
			ID: id, Object: "chat.completion.chunk", Created: created, Model: req.Model,
			Choices: []chunkChoice{{Delta: delta, FinishReason: finish}},
			Usage:   usage,
		}
		data, _ := json.Marshal(env)
		writeSSEData(w, data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	send(map[string]any{"role": "assistant", "content": ""}, nil, nil)

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	events := st.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// A mid-stream upstream failure ends the stream with an
				// error frame, never a clean finish.
				if apiErr := st.Err(); apiErr != nil {
					data, _ := json.Marshal(apiErr.OpenAI())
					writeSSEData(w, data)
					writeSSEDone(w)
					if flusher != nil {
						flusher.Flush()
					}
					return
				}
				finish := "stop"
				send(map[string]any{}, &finish, nil)
				if req.StreamOptions != nil && req.StreamOptions.IncludeUsage {
					usage := s.deps.Chat.Usage(req.Messages, completion.String())
					env := chunkEnvelope{
						ID: id, Object: "chat.completion.chunk", Created: created,
						Model: req.Model, Choices: []chunkChoice{}, Usage: &usage,
					}
					data, _ := json.Marshal(env)
					writeSSEData(w, data)
				}
				writeSSEDone(w)
				if flusher != nil {
					flusher.Flush()
				}
				return
			}
			switch ev.Kind {
			case cursor.EventContent:
				completion.WriteString(ev.Text)
				send(map[string]any{"content": ev.Text}, nil, nil)
			case cursor.EventThinking:
				completion.WriteString(ev.Text)
				send(map[string]any{"reasoning_content": ev.Text}, nil, nil)
			}

		case <-keepAlive.C:
			writeSSEKeepAlive(w)
			if flusher != nil {
				flusher.Flush()
			}

		case <-r.Context().Done():
			return
		}
	}
}

// splitSystem extracts system/developer messages into the instruction
// string and returns the remaining conversation.
func splitSystem(msgs []gateway.Message) (string, []gateway.Message) {
	var parts []string
	rest := make([]gateway.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == "system" || m.Role == "developer" {
			parts = append(parts, contentString(m.Content))
			continue
		}
		rest = append(rest, m)
	}
	return cursor.JoinSystem(parts), rest
}

// contentString flattens a content value to plain text.
func contentString(raw json.RawMessage) string {
	r := gjson.ParseBytes(raw)
	if r.Type == gjson.String {
		return r.String()
	}
	var b strings.Builder
	r.ForEach(func(_, part gjson.Result) bool {
		if t := part.Get("text"); t.Exists() {
			b.WriteString(t.String())
		}
		return true
	})
	return b.String()
}

// applyOverlay copies a dynamic key's policy onto the chat options.
func applyOverlay(opts *app.ChatOptions, adm *auth.Admission) {
	opts.ConvertWebRefs = true
	if adm == nil || adm.Overlay == nil {
		return
	}
	ov := adm.Overlay
	opts.DisableVision = ov.DisableVision
	if ov.EnableSlowPool {
		v := true
		opts.EnableSlowPool = &v
	}
	opts.ConvertWebRefs = ov.IncludeWebReferences
}
