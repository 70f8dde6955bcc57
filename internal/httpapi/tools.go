package httpapi

import (
	"encoding/json"
	"net/http"
)

type toolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// handleListTools advertises the catalog the dispatch loop can call,
// mirroring the list_tools response the stdio tool server returns.
func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	catalog := s.registry.List()
	out := make([]toolDescriptor, 0, len(catalog))
	for _, t := range catalog {
		out = append(out, toolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			Schema:      t.SchemaDocument(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}
