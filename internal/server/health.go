package server

import (
	"net/http"
)

// handleHealth reports liveness plus the basic pool counters. No auth:
// load balancers hit this path.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"tokens": s.deps.Tokens.Len(),
		"logs":   s.deps.Logs.Len(),
	})
}
