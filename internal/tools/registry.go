package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/sentrywatch/internal/archive"
	"github.com/nextlevelbuilder/sentrywatch/internal/cag"
	"github.com/nextlevelbuilder/sentrywatch/internal/retrieval"
)

// Registry is the flat catalog of tools the tool server exposes, built
// once at startup over the shared retrieval engine. Tools hold no state
// of their own between calls.
type Registry struct {
	tools []*Tool
	byName map[string]*Tool
}

// NewRegistry constructs the native catalog: check_wazuh_log,
// get_recent_events, get_agent_statistics, get_rule_statistics,
// search_logs.
func NewRegistry(store *archive.Store, retriever *retrieval.Retriever, cagBuilder *cag.Builder, defaultDaysRange int) *Registry {
	r := &Registry{byName: map[string]*Tool{}}
	r.register(checkWazuhLogTool(retriever, cagBuilder, defaultDaysRange))
	r.register(getRecentEventsTool(store))
	r.register(getAgentStatisticsTool(store))
	r.register(getRuleStatisticsTool(store))
	r.register(searchLogsTool(store))
	return r
}

func (r *Registry) register(t *Tool) {
	r.tools = append(r.tools, t)
	r.byName[t.Name] = t
}

// Register adds an externally provided tool (e.g. one proxied from an MCP
// server) to the catalog. Native tools win on name collision. Must be
// called before the registry is shared with the dispatch loop — the
// catalog is immutable once serving.
func (r *Registry) Register(t *Tool) {
	if _, exists := r.byName[t.Name]; exists {
		return
	}
	r.register(t)
}

// List returns every registered tool, in registration order.
func (r *Registry) List() []*Tool { return r.tools }

// Lookup finds a tool by name.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// --- check_wazuh_log ---

type checkWazuhLogArgs struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
	DaysRange  int    `json:"days_range"`
}

func checkWazuhLogTool(retriever *retrieval.Retriever, cagBuilder *cag.Builder, defaultDaysRange int) *Tool {
	schema, doc := compileSchema("check_wazuh_log", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query":       map[string]any{"type": "string", "minLength": 1},
			"max_results": map[string]any{"type": "integer", "minimum": 1, "maximum": 100},
			"days_range":  map[string]any{"type": "integer", "minimum": 1, "maximum": 365},
		},
		"required": []any{"query"},
	})

	return &Tool{
		Name:        "check_wazuh_log",
		Description: "Search recent Wazuh security events by natural-language query, combining semantic and keyword retrieval with a cache-augmented summary of the most recent events.",
		schema:      schema,
		schemaDoc:   doc,
		invoke: func(ctx context.Context, args json.RawMessage) (Result, error) {
			a, err := decodeArgs[checkWazuhLogArgs](args)
			if err != nil {
				return Result{}, err
			}
			maxResults := a.MaxResults
			if maxResults <= 0 {
				maxResults = 10
			}
			daysRange := a.DaysRange
			if daysRange <= 0 {
				daysRange = defaultDaysRange
			}

			window := archive.TimeWindow{
				Start: time.Now().Add(-time.Duration(daysRange) * 24 * time.Hour).Format(time.RFC3339),
			}

			hits, err := retriever.Search(ctx, a.Query, maxResults, retrieval.Filters{Window: window})
			if err != nil {
				return Failed(fmt.Sprintf("retrieval failed: %v", err)), nil
			}

			fragment := ""
			if cagBuilder != nil {
				f, err := cagBuilder.Fragment(ctx, 500)
				if err == nil {
					fragment = f
				}
			}

			return OK(map[string]any{
				"matches":  hits,
				"context":  fragment,
				"query":    a.Query,
			}), nil
		},
	}
}

// --- get_recent_events ---

type getRecentEventsArgs struct {
	Hours int `json:"hours"`
	Limit int `json:"limit"`
}

func getRecentEventsTool(store *archive.Store) *Tool {
	schema, doc := compileSchema("get_recent_events", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"hours": map[string]any{"type": "integer", "minimum": 1, "maximum": 24 * 30},
			"limit": map[string]any{"type": "integer", "minimum": 1, "maximum": 500},
		},
	})

	return &Tool{
		Name:        "get_recent_events",
		Description: "List the most recent archived security events within a lookback window.",
		schema:      schema,
		schemaDoc:   doc,
		invoke: func(ctx context.Context, args json.RawMessage) (Result, error) {
			a, err := decodeArgs[getRecentEventsArgs](args)
			if err != nil {
				return Result{}, err
			}
			hours := a.Hours
			if hours <= 0 {
				hours = 1
			}
			limit := a.Limit
			if limit <= 0 {
				limit = 50
			}

			window := archive.TimeWindow{Start: time.Now().Add(-time.Duration(hours) * time.Hour).Format(time.RFC3339)}
			events, err := store.RecentEvents(ctx, archive.Filters{Window: window, Limit: limit})
			if err != nil {
				return Failed(fmt.Sprintf("query failed: %v", err)), nil
			}
			return OK(map[string]any{"events": events}), nil
		},
	}
}

// --- get_agent_statistics ---

func getAgentStatisticsTool(store *archive.Store) *Tool {
	schema, doc := compileSchema("get_agent_statistics", map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	})

	return &Tool{
		Name:        "get_agent_statistics",
		Description: "Return distinct agents observed in the archive with their event counts.",
		schema:      schema,
		schemaDoc:   doc,
		invoke: func(ctx context.Context, args json.RawMessage) (Result, error) {
			agents, err := store.DistinctAgents(ctx)
			if err != nil {
				return Failed(fmt.Sprintf("query failed: %v", err)), nil
			}
			return OK(map[string]any{"agents": agents}), nil
		},
	}
}

// --- get_rule_statistics ---

type getRuleStatisticsArgs struct {
	Limit int `json:"limit"`
}

func getRuleStatisticsTool(store *archive.Store) *Tool {
	schema, doc := compileSchema("get_rule_statistics", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"limit": map[string]any{"type": "integer", "minimum": 1, "maximum": 100},
		},
	})

	return &Tool{
		Name:        "get_rule_statistics",
		Description: "Return the top-N most frequently triggered rules in the archive.",
		schema:      schema,
		schemaDoc:   doc,
		invoke: func(ctx context.Context, args json.RawMessage) (Result, error) {
			a, err := decodeArgs[getRuleStatisticsArgs](args)
			if err != nil {
				return Result{}, err
			}
			limit := a.Limit
			if limit <= 0 {
				limit = 10
			}
			rules, err := store.TopRules(ctx, limit)
			if err != nil {
				return Failed(fmt.Sprintf("query failed: %v", err)), nil
			}
			return OK(map[string]any{"rules": rules}), nil
		},
	}
}

// --- search_logs ---

type searchLogsArgs struct {
	Term  string `json:"term"`
	Limit int    `json:"limit"`
}

func searchLogsTool(store *archive.Store) *Tool {
	schema, doc := compileSchema("search_logs", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"term":  map[string]any{"type": "string", "minLength": 1},
			"limit": map[string]any{"type": "integer", "minimum": 1, "maximum": 200},
		},
		"required": []any{"term"},
	})

	return &Tool{
		Name:        "search_logs",
		Description: "Full-text search raw log lines and rule descriptions for a literal substring.",
		schema:      schema,
		schemaDoc:   doc,
		invoke: func(ctx context.Context, args json.RawMessage) (Result, error) {
			a, err := decodeArgs[searchLogsArgs](args)
			if err != nil {
				return Result{}, err
			}
			limit := a.Limit
			if limit <= 0 {
				limit = 20
			}
			events, err := store.SearchLike(ctx, a.Term, limit)
			if err != nil {
				return Failed(fmt.Sprintf("query failed: %v", err)), nil
			}
			return OK(map[string]any{"events": events}), nil
		},
	}
}
