package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"golang.org/x/crypto/bcrypt"

	"github.com/nextlevelbuilder/sentrywatch/internal/apperr"
)

// PostgresStore is the alternate Store backend selected by
// database.session_backend: "postgres". Runtime queries go through
// pgx's connection pool; schema migrations go through golang-migrate's
// database/sql-based postgres driver (backed by lib/pq), since
// golang-migrate does not speak the pgx wire protocol directly.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// migrationsPath is relative to the process working directory; deployments
// ship the migrations/postgres directory alongside the binary.
const migrationsPath = "file://internal/sessionstore/migrations/postgres"

// OpenPostgres connects the runtime pool and applies pending migrations
// using a separate database/sql connection via lib/pq.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	if err := applyMigrations(dsn); err != nil {
		return nil, fmt.Errorf("apply session migrations: %w", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres session store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres session store: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func applyMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("build migration driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("build migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, username, email, passwordHash, displayName string) (User, error) {
	u := User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		DisplayName:  displayName,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, username, email, password_hash, display_name, active, admin, created_at)
		 VALUES ($1, $2, $3, $4, $5, true, false, $6)`,
		u.ID, u.Username, u.Email, u.PasswordHash, u.DisplayName, u.CreatedAt)
	if err != nil {
		if isPGUniqueViolation(err) {
			return User{}, apperr.New(apperr.Conflict, "username or email already registered")
		}
		return User{}, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) Authenticate(ctx context.Context, username, password string) (User, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, username, email, password_hash, display_name, active, admin, created_at, last_login_at
		 FROM users WHERE username = $1`, username)
	u, err := scanUserPG(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, apperr.New(apperr.AuthFailed, "invalid credentials")
	}
	if err != nil {
		return User{}, fmt.Errorf("authenticate: %w", err)
	}
	if !u.Active || bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return User{}, apperr.New(apperr.AuthFailed, "invalid credentials")
	}
	now := time.Now().UTC()
	if _, err := s.pool.Exec(ctx, `UPDATE users SET last_login_at = $1 WHERE id = $2`, now, u.ID); err != nil {
		return User{}, fmt.Errorf("record login: %w", err)
	}
	u.LastLoginAt = now
	return u, nil
}

func (s *PostgresStore) FindUserByUsername(ctx context.Context, username string) (User, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, username, email, password_hash, display_name, active, admin, created_at, last_login_at
		 FROM users WHERE username = $1`, username)
	u, err := scanUserPG(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, apperr.New(apperr.NotFound, "user not found")
	}
	if err != nil {
		return User{}, fmt.Errorf("find user by username: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (User, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, username, email, password_hash, display_name, active, admin, created_at, last_login_at
		 FROM users WHERE id = $1`, userID)
	u, err := scanUserPG(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, apperr.New(apperr.NotFound, "user not found")
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, userID, label string) (Session, error) {
	now := time.Now().UTC()
	sess := Session{ID: uuid.NewString(), UserID: userID, Label: label, CreatedAt: now, UpdatedAt: now}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, user_id, label, message_count, created_at, updated_at) VALUES ($1, $2, $3, 0, $4, $4)`,
		sess.ID, sess.UserID, sess.Label, now)
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, user_id, label, message_count, created_at, updated_at FROM sessions WHERE id = $1`, sessionID)
	sess, err := scanSessionPG(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, apperr.New(apperr.NotFound, "session not found")
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, userID string, opts SessionListOpts) ([]Session, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, label, message_count, created_at, updated_at FROM sessions
		 WHERE user_id = $1 ORDER BY updated_at DESC LIMIT $2 OFFSET $3`, userID, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSessionPG(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateSessionLabel(ctx context.Context, sessionID, label string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE sessions SET label = $1 WHERE id = $2`, label, sessionID)
	if err != nil {
		return fmt.Errorf("update session label: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "session not found")
	}
	return nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete session: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "session not found")
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) AppendMessage(ctx context.Context, msg Message) (Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Message{}, fmt.Errorf("begin append message: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO messages (session_id, role, content, thinking, tool_call_json, tool_call_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		msg.SessionID, msg.Role, msg.Content, msg.Thinking, msg.ToolCallJSON, msg.ToolCallID, now).Scan(&id)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	tag, err := tx.Exec(ctx, `UPDATE sessions SET message_count = message_count + 1, updated_at = $1 WHERE id = $2`, now, msg.SessionID)
	if err != nil {
		return Message{}, fmt.Errorf("bump session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Message{}, apperr.New(apperr.NotFound, "session not found")
	}
	if err := tx.Commit(ctx); err != nil {
		return Message{}, fmt.Errorf("commit append message: %w", err)
	}

	msg.ID = id
	msg.CreatedAt = now
	return msg, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, role, content, thinking, tool_call_json, tool_call_id, created_at
		 FROM messages WHERE session_id = $1 ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessagePG(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SearchMessages(ctx context.Context, userID, term string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT m.id, m.session_id, m.role, m.content, m.thinking, m.tool_call_json, m.tool_call_id, m.created_at
		 FROM messages m JOIN sessions sess ON sess.id = m.session_id
		 WHERE sess.user_id = $1 AND m.content ILIKE $2
		 ORDER BY m.id DESC LIMIT $3`, userID, "%"+term+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessagePG(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type pgScannable interface {
	Scan(dest ...any) error
}

func scanUserPG(row pgScannable) (User, error) {
	var u User
	var lastLogin *time.Time
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.DisplayName, &u.Active, &u.Admin, &u.CreatedAt, &lastLogin); err != nil {
		return User{}, err
	}
	if lastLogin != nil {
		u.LastLoginAt = *lastLogin
	}
	return u, nil
}

func scanSessionPG(row pgScannable) (Session, error) {
	var sess Session
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.Label, &sess.MessageCount, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return Session{}, err
	}
	return sess, nil
}

func scanMessagePG(row pgScannable) (Message, error) {
	var m Message
	if err := row.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Thinking, &m.ToolCallJSON, &m.ToolCallID, &m.CreatedAt); err != nil {
		return Message{}, err
	}
	return m, nil
}

func isPGUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
