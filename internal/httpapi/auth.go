package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/sentrywatch/internal/apperr"
	"github.com/nextlevelbuilder/sentrywatch/internal/config"
	"github.com/nextlevelbuilder/sentrywatch/internal/sessionstore"
)

// authHandler implements login/logout/register plus the bearer-token
// middleware shared by every protected route. Per-user session tokens are
// issued at login and expire per security.session_ttl_minutes; a static
// admin API token (env-only) additionally unlocks the admin endpoints.
type authHandler struct {
	sessions sessionstore.Store
	cfg      *config.Config

	mu     sync.Mutex
	tokens map[string]tokenEntry
}

type tokenEntry struct {
	userID  string
	admin   bool
	expires time.Time
}

type ctxKey int

const userIDKey ctxKey = iota

func (a *authHandler) issueToken(userID string, admin bool) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tokens == nil {
		a.tokens = make(map[string]tokenEntry)
	}
	ttl := time.Duration(a.cfg.Snapshot().Security.SessionTTLMinutes) * time.Minute
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	token := uuid.NewString()
	a.tokens[token] = tokenEntry{userID: userID, admin: admin, expires: time.Now().Add(ttl)}
	return token
}

func (a *authHandler) revoke(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.tokens, token)
}

func (a *authHandler) lookup(token string) (tokenEntry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.tokens[token]
	if !ok || time.Now().After(e.expires) {
		delete(a.tokens, token)
		return tokenEntry{}, false
	}
	return e, true
}

func extractBearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

// requireAuth wraps a handler so it only runs for a request bearing a
// valid, unexpired session token, stashing the authenticated user id on
// the request context for downstream handlers.
func (a *authHandler) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r)
		entry, ok := a.lookup(token)
		if !ok {
			writeError(w, apperr.New(apperr.AuthFailed, "missing or expired session token"))
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, entry.userID)
		next(w, r.WithContext(ctx))
	}
}

// requireAdmin additionally demands the session's admin flag or the
// out-of-band admin API token (security.admin_api_token, env-only).
func (a *authHandler) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r)
		if adminToken := a.cfg.Snapshot().Security.AdminAPIToken; adminToken != "" && token == adminToken {
			next(w, r)
			return
		}
		entry, ok := a.lookup(token)
		if !ok || !entry.admin {
			writeError(w, apperr.New(apperr.AuthFailed, "admin privileges required"))
			return
		}
		next(w, r)
	}
}

func userIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string)
	return v
}

type registerRequest struct {
	Username    string `json:"username"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

func (a *authHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.BadInput, "malformed request body", err))
		return
	}
	if req.Username == "" || req.Email == "" || req.Password == "" {
		writeError(w, apperr.New(apperr.BadInput, "username, email, and password are required"))
		return
	}

	hash, err := sessionstore.HashPassword(req.Password, a.cfg.Snapshot().Security.BcryptCost)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Internal, "could not hash password", err))
		return
	}

	user, err := a.sessions.CreateUser(r.Context(), req.Username, req.Email, hash, req.DisplayName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (a *authHandler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.BadInput, "malformed request body", err))
		return
	}

	user, err := a.sessions.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}

	token := a.issueToken(user.ID, user.Admin)
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "user": user})
}

func (a *authHandler) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.revoke(extractBearerToken(r))
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}
