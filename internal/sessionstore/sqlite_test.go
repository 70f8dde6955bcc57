package sessionstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/sentrywatch/internal/apperr"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustUser(t *testing.T, s *SQLiteStore) User {
	t.Helper()
	hash, err := HashPassword("correct horse", 4) // low cost: fast tests
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	u, err := s.CreateUser(context.Background(), "alice", "alice@example.com", hash, "Alice")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return u
}

func TestCreateUserRejectsDuplicateUsername(t *testing.T) {
	s := openTestStore(t)
	mustUser(t, s)

	_, err := s.CreateUser(context.Background(), "alice", "other@example.com", "x", "Alice2")
	if apperr.KindOf(err) != apperr.Conflict {
		t.Fatalf("KindOf(err) = %v, want Conflict", apperr.KindOf(err))
	}
}

func TestAuthenticateRoundTrip(t *testing.T) {
	s := openTestStore(t)
	mustUser(t, s)
	ctx := context.Background()

	got, err := s.Authenticate(ctx, "alice", "correct horse")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got.Username != "alice" {
		t.Fatalf("Username = %q, want alice", got.Username)
	}
}

func TestAuthenticateDoesNotLeakExistence(t *testing.T) {
	s := openTestStore(t)
	mustUser(t, s)
	ctx := context.Background()

	_, errWrongPass := s.Authenticate(ctx, "alice", "wrong")
	_, errNoUser := s.Authenticate(ctx, "nobody", "whatever")

	if apperr.KindOf(errWrongPass) != apperr.AuthFailed || apperr.KindOf(errNoUser) != apperr.AuthFailed {
		t.Fatalf("want AuthFailed for both, got %v / %v", errWrongPass, errNoUser)
	}
}

func TestFindUserByUsername(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u := mustUser(t, s)

	got, err := s.FindUserByUsername(ctx, u.Username)
	if err != nil {
		t.Fatalf("FindUserByUsername: %v", err)
	}
	if got.ID != u.ID {
		t.Fatalf("ID = %q, want %q", got.ID, u.ID)
	}

	if _, err := s.FindUserByUsername(ctx, "nobody"); apperr.KindOf(err) != apperr.NotFound {
		t.Fatalf("KindOf(err) = %v, want NotFound", apperr.KindOf(err))
	}
}

func TestAppendMessageBumpsSessionCounters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u := mustUser(t, s)

	sess, err := s.CreateSession(ctx, u.ID, "incident review")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := s.AppendMessage(ctx, Message{SessionID: sess.ID, Role: "user", Content: "hi"}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.MessageCount != 3 {
		t.Fatalf("MessageCount = %d, want 3", got.MessageCount)
	}

	msgs, err := s.ListMessages(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len(msgs) = %d, want 3", len(msgs))
	}
}

func TestDeleteSessionCascadesMessages(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u := mustUser(t, s)

	sess, _ := s.CreateSession(ctx, u.ID, "")
	if _, err := s.AppendMessage(ctx, Message{SessionID: sess.ID, Role: "user", Content: "hi"}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	if err := s.DeleteSession(ctx, sess.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	if _, err := s.GetSession(ctx, sess.ID); apperr.KindOf(err) != apperr.NotFound {
		t.Fatalf("expected NotFound after delete, got %v", err)
	}

	msgs, err := s.ListMessages(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListMessages after delete: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("len(msgs) = %d, want 0 after cascade delete", len(msgs))
	}
}

func TestListSessionsOrderedByUpdatedDesc(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u := mustUser(t, s)

	first, _ := s.CreateSession(ctx, u.ID, "first")
	second, _ := s.CreateSession(ctx, u.ID, "second")

	// Touch "first" so it becomes the most recently updated.
	if _, err := s.AppendMessage(ctx, Message{SessionID: first.ID, Role: "user", Content: "hi"}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	sessions, err := s.ListSessions(ctx, u.ID, SessionListOpts{})
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 2 || sessions[0].ID != first.ID || sessions[1].ID != second.ID {
		t.Fatalf("unexpected order: %+v", sessions)
	}
}

func TestSearchMessagesScopedToUser(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	alice := mustUser(t, s)
	aliceSess, _ := s.CreateSession(ctx, alice.ID, "")
	if _, err := s.AppendMessage(ctx, Message{SessionID: aliceSess.ID, Role: "user", Content: "suspicious login from 10.0.0.5"}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	hits, err := s.SearchMessages(ctx, alice.ID, "suspicious", 10)
	if err != nil {
		t.Fatalf("SearchMessages: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("len(hits) = %d, want 1", len(hits))
	}

	noHits, err := s.SearchMessages(ctx, "some-other-user-id", "suspicious", 10)
	if err != nil {
		t.Fatalf("SearchMessages: %v", err)
	}
	if len(noHits) != 0 {
		t.Fatalf("len(noHits) = %d, want 0 for unrelated user", len(noHits))
	}
}
