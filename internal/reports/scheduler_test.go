package reports

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/sentrywatch/internal/archive"
)

func openReportsArchive(t *testing.T) *archive.Store {
	t.Helper()
	s, err := archive.Open(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("archive.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGatherAggregatesWindow(t *testing.T) {
	store := openReportsArchive(t)
	ctx := context.Background()

	now := time.Now().UTC()
	recent := now.Add(-1 * time.Hour).Format(time.RFC3339)
	old := now.Add(-100 * time.Hour).Format(time.RFC3339)
	if _, err := store.Append(ctx, []archive.Event{
		{Timestamp: old, RuleID: 1, RuleLevel: 9, RuleDescription: "old critical", AgentName: "host-a"},
		{Timestamp: recent, RuleID: 2, RuleLevel: 9, RuleDescription: "recent critical", AgentName: "host-b"},
		{Timestamp: recent, RuleID: 3, RuleLevel: 2, RuleDescription: "recent low", AgentName: "host-b"},
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	s := New(Config{Store: store, WindowHours: 24})
	payload, err := s.Gather(ctx, ReportRequest{RequestedBy: "schedule"})
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	if payload.Aggregate.TotalEvents != 2 {
		t.Fatalf("TotalEvents = %d, want 2 (the 100h-old event is outside the window)", payload.Aggregate.TotalEvents)
	}
	if payload.Aggregate.CountsBySeverity["critical"] != 1 {
		t.Fatalf("critical count = %d, want 1", payload.Aggregate.CountsBySeverity["critical"])
	}
	if payload.Request.WindowHours != 24 {
		t.Fatalf("WindowHours = %d, want scheduler default 24", payload.Request.WindowHours)
	}
}

type recordingRenderer struct {
	payloads []ReportPayload
}

func (r *recordingRenderer) Render(ctx context.Context, payload ReportPayload) error {
	r.payloads = append(r.payloads, payload)
	return nil
}

func TestFireOnceHandsPayloadToRenderer(t *testing.T) {
	store := openReportsArchive(t)
	renderer := &recordingRenderer{}
	s := New(Config{Store: store, Renderer: renderer, CronExpression: "* * * * *", Recipient: "ops"})

	if err := s.fireOnce(context.Background()); err != nil {
		t.Fatalf("fireOnce: %v", err)
	}
	if len(renderer.payloads) != 1 {
		t.Fatalf("renderer received %d payloads, want 1", len(renderer.payloads))
	}
	got := renderer.payloads[0]
	if got.Request.RequestedBy != "ops" || got.Request.DeliveryState != "pending" {
		t.Fatalf("unexpected request metadata: %+v", got.Request)
	}
}

func TestRunIsNoOpWithoutCronExpression(t *testing.T) {
	s := New(Config{Store: openReportsArchive(t)})
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run with empty cron should return nil immediately, got %v", err)
	}
}
