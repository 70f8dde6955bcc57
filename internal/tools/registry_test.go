package tools

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/sentrywatch/internal/archive"
	"github.com/nextlevelbuilder/sentrywatch/internal/cag"
	"github.com/nextlevelbuilder/sentrywatch/internal/retrieval"
	"github.com/nextlevelbuilder/sentrywatch/internal/semantic"
)

type stubEmbedder struct{}

func (stubEmbedder) Dimension() int { return 2 }
func (stubEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func newTestRegistry(t *testing.T) (*Registry, *archive.Store) {
	t.Helper()
	store, err := archive.Open(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("archive.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if _, err := store.Append(context.Background(), []archive.Event{
		{Timestamp: "2025-01-01T00:00:00Z", AgentID: "001", AgentName: "web01", RuleID: 1, RuleLevel: 9, RuleDescription: "brute force attempt"},
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	idx := semantic.NewIndex(stubEmbedder{})
	retriever := retrieval.NewRetriever(store, idx)
	builder := cag.NewBuilder(store, 24000)

	return NewRegistry(store, retriever, builder, 7), store
}

func TestRegistryListsAllFiveTools(t *testing.T) {
	reg, _ := newTestRegistry(t)
	want := map[string]bool{
		"check_wazuh_log":      true,
		"get_recent_events":    true,
		"get_agent_statistics": true,
		"get_rule_statistics":  true,
		"search_logs":          true,
	}
	for _, tool := range reg.List() {
		delete(want, tool.Name)
	}
	if len(want) != 0 {
		t.Fatalf("missing tools: %v", want)
	}
}

func TestCheckWazuhLogRejectsMissingQuery(t *testing.T) {
	reg, _ := newTestRegistry(t)
	tool, ok := reg.Lookup("check_wazuh_log")
	if !ok {
		t.Fatal("check_wazuh_log not registered")
	}
	_, err := tool.Invoke(context.Background(), json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected schema validation error for missing query")
	}
}

func TestSearchLogsFindsSubstring(t *testing.T) {
	reg, _ := newTestRegistry(t)
	tool, ok := reg.Lookup("search_logs")
	if !ok {
		t.Fatal("search_logs not registered")
	}
	res, err := tool.Invoke(context.Background(), json.RawMessage(`{"term":"brute"}`))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Err)
	}
	data, ok := res.Data.(map[string]any)
	if !ok {
		t.Fatalf("Data has unexpected type: %T", res.Data)
	}
	events, ok := data["events"].([]archive.Event)
	if !ok || len(events) != 1 {
		t.Fatalf("expected 1 event, got %v", data["events"])
	}
}

func TestGetAgentStatisticsReturnsCounts(t *testing.T) {
	reg, _ := newTestRegistry(t)
	tool, _ := reg.Lookup("get_agent_statistics")
	res, err := tool.Invoke(context.Background(), nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	data := res.Data.(map[string]any)
	agents, ok := data["agents"].([]archive.AgentCount)
	if !ok || len(agents) != 1 || agents[0].AgentID != "001" {
		t.Fatalf("unexpected agents: %v", data["agents"])
	}
}

func TestLookupUnknownToolReturnsFalse(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if _, ok := reg.Lookup("does_not_exist"); ok {
		t.Fatal("expected Lookup to report false for unknown tool")
	}
}
