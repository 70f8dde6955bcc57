package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/nextlevelbuilder/sentrywatch/internal/apperr"
	"github.com/nextlevelbuilder/sentrywatch/internal/config"
)

type configEnvelope struct {
	Hash   string        `json:"hash"`
	Config config.Config `json:"config"`
}

// handleGetConfig returns the live, redacted configuration snapshot (secret
// fields carry json:"-" and never serialize) plus its content hash, which
// a subsequent PUT must echo back for optimistic concurrency.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, configEnvelope{
		Hash:   s.cfg.Hash(),
		Config: s.cfg.Snapshot(),
	})
}

// handlePutConfig replaces the live config with the submitted document,
// rejecting the write with apperr.Conflict if the submitted hash no longer
// matches the live config (someone else wrote first), then persists and
// re-applies env-var secret overrides so the write can never clobber them.
func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var req configEnvelope
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.BadInput, "malformed request body", err))
		return
	}
	if req.Hash != s.cfg.Hash() {
		writeError(w, apperr.New(apperr.Conflict, "config was modified since it was last read; reload and retry"))
		return
	}

	next := req.Config
	s.cfg.ReplaceFrom(&next)
	s.cfg.ApplyEnvOverrides()

	if s.configPath != "" {
		if err := config.Save(s.configPath, s.cfg); err != nil {
			writeError(w, apperr.Wrap(apperr.Internal, "could not persist config", err))
			return
		}
	}

	writeJSON(w, http.StatusOK, configEnvelope{Hash: s.cfg.Hash(), Config: s.cfg.Snapshot()})
}
