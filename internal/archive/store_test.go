package archive

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendEmptyBatchIsNoOp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	res, err := s.Append(ctx, nil)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if res.Inserted != 0 || res.NewWatermark != "" {
		t.Fatalf("expected no-op, got %+v", res)
	}
}

func TestAppendAdvancesWatermarkToMaxTimestamp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	res, err := s.Append(ctx, []Event{
		{Timestamp: "2024-12-31T23:59:59Z", RuleID: 1, RuleLevel: 3, FullLog: "a"},
		{Timestamp: "2025-01-01T00:00:01Z", RuleID: 2, RuleLevel: 5, FullLog: "b"},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if res.Inserted != 2 {
		t.Fatalf("Inserted = %d, want 2", res.Inserted)
	}
	if res.NewWatermark != "2025-01-01T00:00:01Z" {
		t.Fatalf("NewWatermark = %q, want 2025-01-01T00:00:01Z", res.NewWatermark)
	}

	wm, err := s.Watermark(ctx)
	if err != nil {
		t.Fatalf("Watermark: %v", err)
	}
	if wm.LastTimestamp != "2025-01-01T00:00:01Z" || wm.TotalAppended != 2 {
		t.Fatalf("watermark = %+v", wm)
	}
}

func TestIsDuplicateWithinOneHourWindow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ts := "2025-01-01T00:00:00Z"
	if _, err := s.Append(ctx, []Event{{Timestamp: ts, RuleID: 100, FullLog: "dup-check"}}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	hash := ContentHash(ts, "dup-check", 100)
	dup, err := s.IsDuplicate(ctx, hash, "2025-01-01T00:30:00Z")
	if err != nil {
		t.Fatalf("IsDuplicate: %v", err)
	}
	if !dup {
		t.Fatal("expected duplicate within 1-hour window")
	}

	notDup, err := s.IsDuplicate(ctx, "nonexistent-hash", "2025-01-01T00:30:00Z")
	if err != nil {
		t.Fatalf("IsDuplicate: %v", err)
	}
	if notDup {
		t.Fatal("expected no duplicate for unknown hash")
	}
}

func TestSearchLikeMatchesRuleDescriptionAndLog(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Append(ctx, []Event{
		{Timestamp: "2025-01-01T00:00:00Z", RuleID: 1, RuleLevel: 8, RuleDescription: "SQL injection attempt", FullLog: "raw log line"},
		{Timestamp: "2025-01-01T00:00:01Z", RuleID: 2, RuleLevel: 3, RuleDescription: "benign login", FullLog: "nothing interesting"},
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	hits, err := s.SearchLike(ctx, "injection", 10)
	if err != nil {
		t.Fatalf("SearchLike: %v", err)
	}
	if len(hits) != 1 || hits[0].RuleID != 1 {
		t.Fatalf("SearchLike = %+v, want exactly rule_id=1", hits)
	}
}

func TestRecentEventsEmptyArchiveReturnsEmptyNotError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	events, err := s.RecentEvents(ctx, Filters{Limit: 5})
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected empty result, got %d events", len(events))
	}
}
