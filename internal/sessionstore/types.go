// Package sessionstore implements the relational store of users, chat
// sessions, and messages behind a narrow, resource-keyed interface. Two
// backends exist: an embedded SQLite file (the default) and Postgres.
package sessionstore

import (
	"context"
	"time"
)

// User is an authenticated principal of the web and Telegram surfaces.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	DisplayName  string    `json:"display_name"`
	Active       bool      `json:"active"`
	Admin        bool      `json:"admin"`
	CreatedAt    time.Time `json:"created_at"`
	LastLoginAt  time.Time `json:"last_login_at,omitempty"`
}

// Session is one chat conversation owned by a user.
type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Label        string    `json:"label,omitempty"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Message is one turn within a Session. ToolCallJSON carries the serialized
// tool-call payload for assistant messages that requested tools; empty for
// plain text turns.
type Message struct {
	ID           int64     `json:"id"`
	SessionID    string    `json:"session_id"`
	Role         string    `json:"role"` // "system", "user", "assistant", "tool"
	Content      string    `json:"content"`
	Thinking     string    `json:"thinking,omitempty"`
	ToolCallJSON string    `json:"tool_call_json,omitempty"`
	ToolCallID   string    `json:"tool_call_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// SessionListOpts paginates ListSessions.
type SessionListOpts struct {
	Limit  int
	Offset int
}

// Store is the narrow, resource-keyed interface every backend (SQLite,
// Postgres) implements. No SQL types leak across this boundary.
type Store interface {
	// CreateUser inserts a new user with an already-hashed password.
	// Returns apperr.Conflict if the username or email is taken.
	CreateUser(ctx context.Context, username, email, passwordHash, displayName string) (User, error)
	// Authenticate looks up a user by username and verifies the password.
	// Returns apperr.AuthFailed for both "no such user" and "wrong
	// password" so callers never learn which.
	Authenticate(ctx context.Context, username, password string) (User, error)
	// GetUser fetches a user by id.
	GetUser(ctx context.Context, userID string) (User, error)
	// FindUserByUsername fetches a user by username without checking a
	// password, for collaborators (e.g. the Telegram bot surface) that
	// authenticate a principal out-of-band. Returns apperr.NotFound.
	FindUserByUsername(ctx context.Context, username string) (User, error)

	// CreateSession starts a new, empty session for a user.
	CreateSession(ctx context.Context, userID, label string) (Session, error)
	// GetSession fetches one session by id.
	GetSession(ctx context.Context, sessionID string) (Session, error)
	// ListSessions lists a user's sessions ordered by updated_at desc.
	ListSessions(ctx context.Context, userID string, opts SessionListOpts) ([]Session, error)
	// UpdateSessionLabel renames a session.
	UpdateSessionLabel(ctx context.Context, sessionID, label string) error
	// DeleteSession removes a session and cascades to its messages.
	DeleteSession(ctx context.Context, sessionID string) error

	// AppendMessage inserts one message and atomically bumps the parent
	// session's updated_at and message_count.
	AppendMessage(ctx context.Context, msg Message) (Message, error)
	// ListMessages returns all messages for a session in insertion order.
	ListMessages(ctx context.Context, sessionID string) ([]Message, error)
	// SearchMessages performs a full-text-ish search across a user's
	// message content.
	SearchMessages(ctx context.Context, userID, term string, limit int) ([]Message, error)

	Close() error
}
