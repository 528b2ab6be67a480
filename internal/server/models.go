package server

import (
	"net/http"
	"time"
)

// modelEntry is one item in the OpenAI-shaped model listing.
type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// handleListModels returns the registry contents, including the -online
// and -max variants for models that allow them.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	created := time.Now().Unix()
	base := s.deps.Models.List()

	out := modelList{Object: "list", Data: make([]modelEntry, 0, len(base)*2)}
	add := func(id, owner string) {
		out.Data = append(out.Data, modelEntry{
			ID: id, Object: "model", Created: created, OwnedBy: owner,
		})
	}
	for _, m := range base {
		add(m.ID, m.Owner)
		add(m.ID+"-online", m.Owner)
		if m.AllowsMax {
			add(m.ID+"-max", m.Owner)
		}
	}
	writeJSON(w, http.StatusOK, out)
}
