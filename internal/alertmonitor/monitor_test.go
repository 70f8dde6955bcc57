package alertmonitor

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/sentrywatch/internal/archive"
)

type fakeTransport struct {
	mu  sync.Mutex
	got map[string][]string
	err map[string]error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{got: make(map[string][]string), err: make(map[string]error)}
}

func (f *fakeTransport) Send(ctx context.Context, recipientID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.err[recipientID]; ok {
		return err
	}
	f.got[recipientID] = append(f.got[recipientID], message)
	return nil
}

func (f *fakeTransport) countFor(recipientID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got[recipientID])
}

func openTestArchive(t *testing.T) *archive.Store {
	t.Helper()
	s, err := archive.Open(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("archive.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTickDeliversOnlyAboveThresholdAndDedupes(t *testing.T) {
	store := openTestArchive(t)
	ctx := context.Background()
	_, err := store.Append(ctx, []archive.Event{
		{Timestamp: "2026-01-01T00:00:00Z", RuleID: 1, RuleLevel: 9, RuleDescription: "critical thing", AgentName: "host-a"},
		{Timestamp: "2026-01-01T00:00:01Z", RuleID: 2, RuleLevel: 3, RuleDescription: "benign thing", AgentName: "host-b"},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	transport := newFakeTransport()
	m := New(Config{Store: store, Transport: transport})
	m.Subscribe(ctx, "recipient-1")
	t.Cleanup(m.stop)

	if err := m.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got := transport.countFor("recipient-1"); got != 1 {
		t.Fatalf("countFor(recipient-1) = %d, want 1", got)
	}

	// Second tick: same events, already delivered — no further message.
	if err := m.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got := transport.countFor("recipient-1"); got != 1 {
		t.Fatalf("countFor after second tick = %d, want still 1 (deduped)", got)
	}
}

func TestUnsubscribeAllClearsDeliveredSet(t *testing.T) {
	store := openTestArchive(t)
	ctx := context.Background()
	_, err := store.Append(ctx, []archive.Event{
		{Timestamp: "2026-01-01T00:00:00Z", RuleID: 1, RuleLevel: 9, RuleDescription: "critical thing", AgentName: "host-a"},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	transport := newFakeTransport()
	m := New(Config{Store: store, Transport: transport})
	m.Subscribe(ctx, "recipient-1")
	if err := m.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got := transport.countFor("recipient-1"); got != 1 {
		t.Fatalf("countFor = %d, want 1", got)
	}

	m.Unsubscribe("recipient-1")
	if m.IsRunning() {
		t.Fatalf("expected monitor to stop once subscribers empty")
	}

	// Re-subscribing is treated as fresh: the same event is deliverable again.
	m.Subscribe(ctx, "recipient-1")
	t.Cleanup(m.stop)
	if err := m.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got := transport.countFor("recipient-1"); got != 2 {
		t.Fatalf("countFor after re-subscribe = %d, want 2", got)
	}
}

func TestBlockedRecipientIsPruned(t *testing.T) {
	store := openTestArchive(t)
	ctx := context.Background()
	_, err := store.Append(ctx, []archive.Event{
		{Timestamp: "2026-01-01T00:00:00Z", RuleID: 1, RuleLevel: 9, RuleDescription: "critical thing", AgentName: "host-a"},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	transport := newFakeTransport()
	transport.err["blocked-recipient"] = ErrBlocked
	m := New(Config{Store: store, Transport: transport})
	m.Subscribe(ctx, "blocked-recipient")
	t.Cleanup(m.stop)

	if err := m.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	m.mu.Lock()
	_, stillSubscribed := m.subscribers["blocked-recipient"]
	m.mu.Unlock()
	if stillSubscribed {
		t.Fatalf("expected blocked recipient to be pruned from subscriber set")
	}
}

func TestBlockedLastSubscriberStopsMonitorWithoutDeadlock(t *testing.T) {
	store := openTestArchive(t)
	ctx := context.Background()
	_, err := store.Append(ctx, []archive.Event{
		{Timestamp: "2026-01-01T00:00:00Z", RuleID: 1, RuleLevel: 9, RuleDescription: "critical thing", AgentName: "host-a"},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	transport := newFakeTransport()
	transport.err["blocked-recipient"] = ErrBlocked
	m := New(Config{Store: store, Transport: transport, PollInterval: 10 * time.Millisecond})

	// Subscribing starts the poll goroutine; its own tick must prune the
	// blocked recipient and stop the monitor without joining on itself.
	m.Subscribe(ctx, "blocked-recipient")

	deadline := time.After(5 * time.Second)
	for m.IsRunning() || m.IsSubscribed("blocked-recipient") {
		select {
		case <-deadline:
			t.Fatal("monitor did not stop after its last subscriber was pruned as blocked")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestTickFansOutToEverySubscriberWithEventID(t *testing.T) {
	store := openTestArchive(t)
	ctx := context.Background()
	_, err := store.Append(ctx, []archive.Event{
		{Timestamp: "2026-01-01T00:00:00Z", RuleID: 7, RuleLevel: 9, RuleDescription: "ssh brute force", AgentName: "host-a"},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	transport := newFakeTransport()
	m := New(Config{Store: store, Transport: transport})
	m.Subscribe(ctx, "s1")
	m.Subscribe(ctx, "s2")
	t.Cleanup(m.stop)

	if err := m.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	for _, r := range []string{"s1", "s2"} {
		if got := transport.countFor(r); got != 1 {
			t.Fatalf("countFor(%s) = %d, want 1", r, got)
		}
	}
	transport.mu.Lock()
	msg := transport.got["s1"][0]
	transport.mu.Unlock()
	if !strings.Contains(msg, "#1") {
		t.Fatalf("notification %q should contain the event id", msg)
	}

	// No new events: a second tick delivers nothing further.
	if err := m.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	for _, r := range []string{"s1", "s2"} {
		if got := transport.countFor(r); got != 1 {
			t.Fatalf("countFor(%s) after idle tick = %d, want still 1", r, got)
		}
	}
}

func TestDeliveredSetEvictionKeepsMostRecentIDs(t *testing.T) {
	m := New(Config{Store: nil, Transport: nil})
	m.mu.Lock()
	for i := int64(1); i <= deliveredIDRetentionCap+1; i++ {
		m.delivered[i] = struct{}{}
	}
	m.evictDeliveredLocked()
	size := len(m.delivered)
	_, hasNewest := m.delivered[deliveredIDRetentionCap+1]
	_, hasOldest := m.delivered[1]
	m.mu.Unlock()

	if size != deliveredIDEvictKeep {
		t.Fatalf("delivered size after eviction = %d, want %d", size, deliveredIDEvictKeep)
	}
	if !hasNewest || hasOldest {
		t.Fatalf("eviction should retain the largest ids: newest=%v oldest=%v", hasNewest, hasOldest)
	}
}

func TestRenderGroupsBySeverityWithOverflowCount(t *testing.T) {
	m := New(Config{Store: nil, Transport: nil})
	events := make([]archive.Event, 0, 6)
	for i := 0; i < 6; i++ {
		events = append(events, archive.Event{RuleID: i, RuleLevel: 9, RuleDescription: "x", AgentName: "host"})
	}
	msg := m.render(events)
	if !strings.Contains(msg, "CRITICAL") {
		t.Fatalf("render() = %q, want a CRITICAL section", msg)
	}
	if !strings.Contains(msg, "more event(s)") {
		t.Fatalf("render() = %q, want an overflow tail count (6 events, cap 3)", msg)
	}
}
