package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	gateway "github.com/cursorgate/cursorgate/internal"
)

// jsonCT is a pre-allocated header value slice. Direct map assignment
// avoids the []string{v} alloc that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeAPIError renders the error in the dialect of the endpoint: the
// Anthropic envelope on /v1/messages, the OpenAI envelope everywhere else.
func writeAPIError(w http.ResponseWriter, r *http.Request, e *gateway.APIError) {
	if strings.HasSuffix(r.URL.Path, "/v1/messages") {
		writeJSON(w, e.Status, e.Anthropic())
		return
	}
	writeJSON(w, e.Status, e.OpenAI())
}
