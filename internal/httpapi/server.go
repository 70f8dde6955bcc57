// Package httpapi implements the web surface: login/logout/register,
// session CRUD, posting a chat turn, listing tools, system status,
// dashboard aggregates, and the admin config read/write contract. Plain
// net/http.ServeMux with method-pattern routes, one handler file per
// resource.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/sentrywatch/internal/alertmonitor"
	"github.com/nextlevelbuilder/sentrywatch/internal/apperr"
	"github.com/nextlevelbuilder/sentrywatch/internal/archive"
	"github.com/nextlevelbuilder/sentrywatch/internal/config"
	"github.com/nextlevelbuilder/sentrywatch/internal/dispatch"
	"github.com/nextlevelbuilder/sentrywatch/internal/sessionstore"
	"github.com/nextlevelbuilder/sentrywatch/internal/tools"
)

// Server wires every HTTP handler over the shared core components. One
// Server is built per process in the composition root (cmd/serve.go).
type Server struct {
	cfg        *config.Config
	configPath string
	store      *archive.Store
	sessions   sessionstore.Store
	registry   *tools.Registry
	loop       *dispatch.Loop
	auth       *authHandler
	monitor    *alertmonitor.Monitor
	startedAt  time.Time
}

// New builds a Server and its routed mux. configPath is where the admin
// config PUT handler persists an updated document; empty disables
// persistence.
func New(cfg *config.Config, configPath string, store *archive.Store, sessions sessionstore.Store, registry *tools.Registry, loop *dispatch.Loop, monitor *alertmonitor.Monitor) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		store:      store,
		sessions:   sessions,
		registry:   registry,
		loop:       loop,
		auth:       &authHandler{sessions: sessions, cfg: cfg},
		monitor:    monitor,
		startedAt:  time.Now(),
	}
}

// Handler builds the routed http.Handler: 200/201 success, 400 bad
// input, 401 unauthenticated, 404 not found, 409 conflict, 500 server
// error.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/auth/register", s.auth.handleRegister)
	mux.HandleFunc("POST /v1/auth/login", s.auth.handleLogin)
	mux.HandleFunc("POST /v1/auth/logout", s.auth.requireAuth(s.auth.handleLogout))

	mux.HandleFunc("GET /v1/sessions", s.auth.requireAuth(s.handleListSessions))
	mux.HandleFunc("POST /v1/sessions", s.auth.requireAuth(s.handleCreateSession))
	mux.HandleFunc("GET /v1/sessions/{id}", s.auth.requireAuth(s.handleGetSession))
	mux.HandleFunc("PUT /v1/sessions/{id}", s.auth.requireAuth(s.handleUpdateSession))
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.auth.requireAuth(s.handleDeleteSession))
	mux.HandleFunc("POST /v1/sessions/{id}/messages", s.auth.requireAuth(s.handlePostChatTurn))

	mux.HandleFunc("GET /v1/tools", s.auth.requireAuth(s.handleListTools))
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/dashboard", s.auth.requireAuth(s.handleDashboard))

	mux.HandleFunc("GET /admin/config", s.auth.requireAdmin(s.handleGetConfig))
	mux.HandleFunc("PUT /admin/config", s.auth.requireAdmin(s.handlePutConfig))

	return withRequestLogging(mux)
}

func withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("http.request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

// writeJSON encodes data as the JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError maps an apperr.Kind to an HTTP status and writes a
// structured, stack-trace-free error body.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.BadInput:
		status = http.StatusBadRequest
	case apperr.AuthFailed:
		status = http.StatusUnauthorized
	case apperr.NotFound:
		status = http.StatusNotFound
	case apperr.Conflict:
		status = http.StatusConflict
	case apperr.ConfigMissing, apperr.UpstreamUnavailable, apperr.Internal:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{"error": safeMessage(err)})
}

// safeMessage strips everything but the top-level apperr message so
// wrapped causes (which may carry file paths, DSNs, etc.) never leak to
// the caller.
func safeMessage(err error) string {
	if e, ok := err.(*apperr.Error); ok {
		return e.Message
	}
	return "internal error"
}
