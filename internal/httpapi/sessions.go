package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/nextlevelbuilder/sentrywatch/internal/apperr"
	"github.com/nextlevelbuilder/sentrywatch/internal/sessionstore"
)

// handleListSessions returns the caller's sessions, most recently updated
// first, honoring ?limit= and ?offset= pagination.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())
	opts := sessionstore.SessionListOpts{Limit: 50}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			opts.Offset = n
		}
	}

	sessions, err := s.sessions.ListSessions(r.Context(), userID, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

type createSessionRequest struct {
	Label string `json:"label"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())
	var req createSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apperr.Wrap(apperr.BadInput, "malformed request body", err))
			return
		}
	}

	session, err := s.sessions.CreateSession(r.Context(), userID, req.Label)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.ownedSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	messages, err := s.sessions.ListMessages(r.Context(), session.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": session, "messages": messages})
}

type updateSessionRequest struct {
	Label string `json:"label"`
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.ownedSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req updateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.BadInput, "malformed request body", err))
		return
	}
	if err := s.sessions.UpdateSessionLabel(r.Context(), session.ID, req.Label); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.ownedSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.sessions.DeleteSession(r.Context(), session.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ownedSession fetches the {id} path session and rejects cross-user access
// with apperr.NotFound rather than apperr.AuthFailed, so a caller can't
// distinguish "not yours" from "doesn't exist".
func (s *Server) ownedSession(r *http.Request) (sessionstore.Session, error) {
	id := r.PathValue("id")
	session, err := s.sessions.GetSession(r.Context(), id)
	if err != nil {
		return sessionstore.Session{}, err
	}
	if session.UserID != userIDFromContext(r.Context()) {
		return sessionstore.Session{}, apperr.New(apperr.NotFound, "session not found")
	}
	return session, nil
}
