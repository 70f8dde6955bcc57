package toolserver

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/sentrywatch/internal/archive"
	"github.com/nextlevelbuilder/sentrywatch/internal/cag"
	"github.com/nextlevelbuilder/sentrywatch/internal/retrieval"
	"github.com/nextlevelbuilder/sentrywatch/internal/semantic"
	"github.com/nextlevelbuilder/sentrywatch/internal/tools"
	"github.com/nextlevelbuilder/sentrywatch/pkg/toolproto"
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

func newTestServer(t *testing.T) *StdioServer {
	t.Helper()
	store, err := archive.Open(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("archive.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if _, err := store.Append(context.Background(), []archive.Event{
		{Timestamp: "2025-01-01T00:00:00Z", RuleID: 1, RuleLevel: 9, RuleDescription: "test event"},
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	idx := semantic.NewIndex(stubEmbedder{})
	retriever := retrieval.NewRetriever(store, idx)
	builder := cag.NewBuilder(store, 24000)
	reg := tools.NewRegistry(store, retriever, builder, 7)
	return NewStdioServer(reg)
}

func TestServeListToolsReturnsAllFive(t *testing.T) {
	s := newTestServer(t)
	in := strings.NewReader(`{"id":"1","method":"list_tools"}` + "\n")
	var out bytes.Buffer

	if err := s.Serve(context.Background(), in, &out); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	var resp toolproto.Response
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	var result toolproto.ListToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(result.Tools) != 5 {
		t.Fatalf("got %d tools, want 5", len(result.Tools))
	}
}

func TestServeCallToolUnknownNameReturnsStructuredError(t *testing.T) {
	s := newTestServer(t)
	in := strings.NewReader(`{"id":"2","method":"call_tool","name":"does_not_exist","arguments":{}}` + "\n")
	var out bytes.Buffer

	if err := s.Serve(context.Background(), in, &out); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	var resp toolproto.Response
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error == nil {
		t.Fatal("expected a structured error response for an unknown tool")
	}
}

func TestServeCallToolSearchLogsSucceeds(t *testing.T) {
	s := newTestServer(t)
	in := strings.NewReader(`{"id":"3","method":"call_tool","name":"search_logs","arguments":{"term":"test"}}` + "\n")
	var out bytes.Buffer

	if err := s.Serve(context.Background(), in, &out); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	var resp toolproto.Response
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	var result toolproto.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Status != "ok" {
		t.Fatalf("status = %q, want ok", result.Status)
	}
}

func TestServeMalformedLineReturnsErrorResponseWithoutAbortingStream(t *testing.T) {
	s := newTestServer(t)
	in := strings.NewReader("not json\n" + `{"id":"4","method":"list_tools"}` + "\n")
	var out bytes.Buffer

	if err := s.Serve(context.Background(), in, &out); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 response lines, got %d: %v", len(lines), lines)
	}
	var first toolproto.Response
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("decode first response: %v", err)
	}
	if first.Error == nil {
		t.Fatal("expected first line to be an error response")
	}
	var second toolproto.Response
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("decode second response: %v", err)
	}
	if second.ID != "4" || second.Error != nil {
		t.Fatalf("expected second request to succeed normally, got %+v", second)
	}
}
