package cag

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/sentrywatch/internal/archive"
)

func openCagStore(t *testing.T) *archive.Store {
	t.Helper()
	s, err := archive.Open(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("archive.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRebuildIsDeterministicForFixedWindow(t *testing.T) {
	store := openCagStore(t)
	ctx := context.Background()
	if _, err := store.Append(ctx, []archive.Event{
		{Timestamp: "2025-01-01T00:00:00Z", RuleID: 1, RuleLevel: 5, RuleDescription: "a", FullLog: "log a"},
		{Timestamp: "2025-01-01T00:00:01Z", RuleID: 2, RuleLevel: 6, RuleDescription: "b", FullLog: "log b"},
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	b := NewBuilder(store, 24000)
	first, err := b.Rebuild(ctx, 100)
	if err != nil {
		t.Fatalf("Rebuild 1: %v", err)
	}
	second, err := b.Rebuild(ctx, 100)
	if err != nil {
		t.Fatalf("Rebuild 2: %v", err)
	}
	if first != second {
		t.Fatalf("Rebuild is not deterministic for a fixed window")
	}
	if !strings.Contains(first, "log a") || !strings.Contains(first, "log b") {
		t.Fatalf("fragment missing raw log content: %q", first)
	}
}

func TestFragmentTruncatesOldestFirstWhenOverBudget(t *testing.T) {
	store := openCagStore(t)
	ctx := context.Background()
	longLog := strings.Repeat("x", 400)
	if _, err := store.Append(ctx, []archive.Event{
		{Timestamp: "2025-01-01T00:00:00Z", RuleID: 1, RuleDescription: "oldest", FullLog: longLog},
		{Timestamp: "2025-01-01T00:00:01Z", RuleID: 2, RuleDescription: "newest", FullLog: longLog},
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// budget room for the header plus roughly one event block.
	b := NewBuilder(store, approxTokens(header)+approxTokens(longLog)+40)
	fragment, err := b.Rebuild(ctx, 100)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if !strings.Contains(fragment, "newest") {
		t.Fatalf("expected newest event kept, got %q", fragment)
	}
	if strings.Contains(fragment, "oldest") {
		t.Fatalf("expected oldest event dropped under tight budget, got %q", fragment)
	}
}

func TestFragmentNeverExceedsTokenBudget(t *testing.T) {
	store := openCagStore(t)
	ctx := context.Background()
	events := make([]archive.Event, 0, 50)
	for i := 0; i < 50; i++ {
		events = append(events, archive.Event{
			Timestamp:       "2025-01-01T00:00:00Z",
			RuleID:          i,
			RuleDescription: "event",
			FullLog:         strings.Repeat("y", 200),
		})
	}
	if _, err := store.Append(ctx, events); err != nil {
		t.Fatalf("Append: %v", err)
	}

	budget := 500
	b := NewBuilder(store, budget)
	fragment, err := b.Rebuild(ctx, 100)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if approxTokens(fragment) > budget {
		t.Fatalf("fragment exceeds token budget: %d > %d", approxTokens(fragment), budget)
	}
}

func TestFragmentCachesUntilWatermarkAdvances(t *testing.T) {
	store := openCagStore(t)
	ctx := context.Background()
	if _, err := store.Append(ctx, []archive.Event{
		{Timestamp: "2025-01-01T00:00:00Z", RuleID: 1, RuleDescription: "first", FullLog: "log"},
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	b := NewBuilder(store, 24000)
	first, err := b.Fragment(ctx, 100)
	if err != nil {
		t.Fatalf("Fragment 1: %v", err)
	}
	stale, err := b.Stale(ctx)
	if err != nil {
		t.Fatalf("Stale: %v", err)
	}
	if stale {
		t.Fatal("fragment should not be stale immediately after building")
	}

	if _, err := store.Append(ctx, []archive.Event{
		{Timestamp: "2025-01-01T00:00:01Z", RuleID: 2, RuleDescription: "second", FullLog: "log2"},
	}); err != nil {
		t.Fatalf("Append 2: %v", err)
	}
	stale, err = b.Stale(ctx)
	if err != nil {
		t.Fatalf("Stale after append: %v", err)
	}
	if !stale {
		t.Fatal("fragment should be stale after watermark advances")
	}

	second, err := b.Fragment(ctx, 100)
	if err != nil {
		t.Fatalf("Fragment 2: %v", err)
	}
	if first == second {
		t.Fatal("fragment should change after rebuild picks up the new event")
	}
	if !strings.Contains(second, "second") {
		t.Fatalf("expected new event in rebuilt fragment: %q", second)
	}
}
