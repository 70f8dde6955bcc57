package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/sentrywatch/internal/apperr"
)

// schema mirrors the archive store's inline-idempotent-DDL idiom — see
// archive.schema's comment on why golang-migrate isn't used for the
// embedded SQLite file.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	email TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	active INTEGER NOT NULL DEFAULT 1,
	admin INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	last_login_at TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id),
	label TEXT NOT NULL DEFAULT '',
	message_count INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_user_updated ON sessions(user_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	role TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	thinking TEXT NOT NULL DEFAULT '',
	tool_call_json TEXT NOT NULL DEFAULT '',
	tool_call_id TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);
`

const sqliteTimeLayout = time.RFC3339Nano

// bcryptCost is the default adaptive hash cost when config doesn't override
// it; matches bcrypt.DefaultCost used throughout the corpus.
const bcryptCost = bcrypt.DefaultCost

// SQLiteStore is the primary Store backend, an embedded WAL-mode file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the session store file in WAL mode.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply session schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// CreateUser inserts a new user. HashPassword should already have been
// applied by the caller via the package-level HashPassword helper.
func (s *SQLiteStore) CreateUser(ctx context.Context, username, email, passwordHash, displayName string) (User, error) {
	u := User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		DisplayName:  displayName,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, email, password_hash, display_name, active, admin, created_at, last_login_at)
		 VALUES (?, ?, ?, ?, ?, 1, 0, ?, '')`,
		u.ID, u.Username, u.Email, u.PasswordHash, u.DisplayName, u.CreatedAt.Format(sqliteTimeLayout))
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, apperr.New(apperr.Conflict, "username or email already registered")
		}
		return User{}, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// Authenticate returns apperr.AuthFailed uniformly for "no such user" and
// "wrong password" so callers never learn which.
func (s *SQLiteStore) Authenticate(ctx context.Context, username, password string) (User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, email, password_hash, display_name, active, admin, created_at, last_login_at
		 FROM users WHERE username = ?`, username)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, apperr.New(apperr.AuthFailed, "invalid credentials")
	}
	if err != nil {
		return User{}, fmt.Errorf("authenticate: %w", err)
	}
	if !u.Active || bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return User{}, apperr.New(apperr.AuthFailed, "invalid credentials")
	}
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, `UPDATE users SET last_login_at = ? WHERE id = ?`, now.Format(sqliteTimeLayout), u.ID); err != nil {
		return User{}, fmt.Errorf("record login: %w", err)
	}
	u.LastLoginAt = now
	return u, nil
}

func (s *SQLiteStore) FindUserByUsername(ctx context.Context, username string) (User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, email, password_hash, display_name, active, admin, created_at, last_login_at
		 FROM users WHERE username = ?`, username)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, apperr.New(apperr.NotFound, "user not found")
	}
	if err != nil {
		return User{}, fmt.Errorf("find user by username: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, email, password_hash, display_name, active, admin, created_at, last_login_at
		 FROM users WHERE id = ?`, userID)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, apperr.New(apperr.NotFound, "user not found")
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, userID, label string) (Session, error) {
	now := time.Now().UTC()
	sess := Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Label:     label,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, label, message_count, created_at, updated_at) VALUES (?, ?, ?, 0, ?, ?)`,
		sess.ID, sess.UserID, sess.Label, now.Format(sqliteTimeLayout), now.Format(sqliteTimeLayout))
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, label, message_count, created_at, updated_at FROM sessions WHERE id = ?`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, apperr.New(apperr.NotFound, "session not found")
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, userID string, opts SessionListOpts) ([]Session, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, label, message_count, created_at, updated_at FROM sessions
		 WHERE user_id = ? ORDER BY updated_at DESC LIMIT ? OFFSET ?`, userID, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateSessionLabel(ctx context.Context, sessionID, label string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET label = ? WHERE id = ?`, label, sessionID)
	if err != nil {
		return fmt.Errorf("update session label: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.NotFound, "session not found")
	}
	return nil
}

// DeleteSession removes a session and its messages in one transaction.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete session: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.NotFound, "session not found")
	}
	return tx.Commit()
}

// AppendMessage inserts a message and atomically bumps the parent session's
// updated_at and message_count in the same transaction, so the stored
// count always equals the number of child rows.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg Message) (Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin append message: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (session_id, role, content, thinking, tool_call_json, tool_call_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.SessionID, msg.Role, msg.Content, msg.Thinking, msg.ToolCallJSON, msg.ToolCallID, now.Format(sqliteTimeLayout))
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Message{}, fmt.Errorf("message id: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE sessions SET message_count = message_count + 1, updated_at = ? WHERE id = ?`,
		now.Format(sqliteTimeLayout), msg.SessionID)
	if err != nil {
		return Message{}, fmt.Errorf("bump session: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return Message{}, apperr.New(apperr.NotFound, "session not found")
	}
	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit append message: %w", err)
	}

	msg.ID = id
	msg.CreatedAt = now
	return msg, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, thinking, tool_call_json, tool_call_id, created_at
		 FROM messages WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SearchMessages performs a LIKE-based search across a user's messages,
// mirroring the archive store's SearchLike idiom (no FTS5 virtual table is
// assumed present in this dependency set).
func (s *SQLiteStore) SearchMessages(ctx context.Context, userID, term string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.session_id, m.role, m.content, m.thinking, m.tool_call_json, m.tool_call_id, m.created_at
		 FROM messages m JOIN sessions sess ON sess.id = m.session_id
		 WHERE sess.user_id = ? AND m.content LIKE ?
		 ORDER BY m.id DESC LIMIT ?`, userID, "%"+term+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanUser(row scannable) (User, error) {
	var u User
	var createdAt, lastLoginAt string
	var active, admin int
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.DisplayName, &active, &admin, &createdAt, &lastLoginAt); err != nil {
		return User{}, err
	}
	u.Active = active != 0
	u.Admin = admin != 0
	u.CreatedAt, _ = time.Parse(sqliteTimeLayout, createdAt)
	if lastLoginAt != "" {
		u.LastLoginAt, _ = time.Parse(sqliteTimeLayout, lastLoginAt)
	}
	return u, nil
}

func scanSession(row scannable) (Session, error) {
	var sess Session
	var createdAt, updatedAt string
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.Label, &sess.MessageCount, &createdAt, &updatedAt); err != nil {
		return Session{}, err
	}
	sess.CreatedAt, _ = time.Parse(sqliteTimeLayout, createdAt)
	sess.UpdatedAt, _ = time.Parse(sqliteTimeLayout, updatedAt)
	return sess, nil
}

func scanMessage(row scannable) (Message, error) {
	var m Message
	var createdAt string
	if err := row.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Thinking, &m.ToolCallJSON, &m.ToolCallID, &createdAt); err != nil {
		return Message{}, err
	}
	m.CreatedAt, _ = time.Parse(sqliteTimeLayout, createdAt)
	return m, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "unique violation")
}

// HashPassword hashes a plaintext password with bcrypt at the package
// default cost, overridable via cost (0 picks the default).
func HashPassword(password string, cost int) (string, error) {
	if cost <= 0 {
		cost = bcryptCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}
