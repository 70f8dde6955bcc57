package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/nextlevelbuilder/sentrywatch/internal/apperr"
	"github.com/nextlevelbuilder/sentrywatch/internal/dispatch"
)

type postChatTurnRequest struct {
	Message string `json:"message"`
}

// handlePostChatTurn posts one user message into a session and runs the
// bounded tool-dispatch loop to completion, returning the assistant's
// final reply. A concurrent post to the same session is rejected with
// apperr.Conflict by the loop's per-session lock rather than queued.
func (s *Server) handlePostChatTurn(w http.ResponseWriter, r *http.Request) {
	session, err := s.ownedSession(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req postChatTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.BadInput, "malformed request body", err))
		return
	}
	if req.Message == "" {
		writeError(w, apperr.New(apperr.BadInput, "message must not be empty"))
		return
	}

	result, err := s.loop.Run(r.Context(), dispatch.RunRequest{
		SessionID:   session.ID,
		UserMessage: req.Message,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
