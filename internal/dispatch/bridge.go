// Package dispatch implements the tool bridge and chat dispatch loop. It
// advertises the tool catalog to the chat-completion client, executes
// requested tool calls (concurrently within a turn when the model
// requests more than one), and loops until the model returns a final
// answer or an iteration bound is hit. Messages are buffered in memory
// and flushed to the session store only once a turn completes, so a run
// cancelled or failed before that point persists nothing of its turn.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/sentrywatch/internal/apperr"
	"github.com/nextlevelbuilder/sentrywatch/internal/providers"
	"github.com/nextlevelbuilder/sentrywatch/internal/sessionstore"
	"github.com/nextlevelbuilder/sentrywatch/internal/telemetry"
	"github.com/nextlevelbuilder/sentrywatch/internal/tools"
)

var tracer = telemetry.Tracer("sentrywatch/dispatch")

const defaultMaxIterations = 4

// Loop bridges one chat-completion client to a tool catalog on behalf of
// many sessions. One Loop is shared process-wide; per-session state lives
// only in the session store and the sessionLocks map.
type Loop struct {
	client        providers.Client
	registry      *tools.Registry
	sessions      sessionstore.Store
	systemPrompt  string
	maxIterations int

	sessionLocks sync.Map // session id -> *sync.Mutex
}

// Config configures a new Loop.
type Config struct {
	Client        providers.Client
	Registry      *tools.Registry
	Sessions      sessionstore.Store
	SystemPrompt  string
	MaxIterations int // bound on model/tool round trips per turn, default 4
}

// New builds a Loop from Config, applying defaults.
func New(cfg Config) *Loop {
	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	return &Loop{
		client:        cfg.Client,
		registry:      cfg.Registry,
		sessions:      cfg.Sessions,
		systemPrompt:  cfg.SystemPrompt,
		maxIterations: maxIter,
	}
}

// RunRequest is one user turn against one session.
type RunRequest struct {
	SessionID   string
	UserMessage string
}

// RunResult is the model's final answer plus bookkeeping.
type RunResult struct {
	Content    string
	Iterations int
}

// Run executes one user turn: it serializes against concurrent runs on the
// same session (rejecting a second concurrent request with apperr.Conflict
// rather than interleaving writes), iterates the model/tool loop, and
// persists every message only once the turn completes.
func (l *Loop) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	ctx, span := tracer.Start(ctx, "dispatch.Run", trace.WithAttributes(attribute.String("session_id", req.SessionID)))
	defer span.End()

	lock := l.lockFor(req.SessionID)
	if !lock.TryLock() {
		return RunResult{}, apperr.New(apperr.Conflict, "a request is already in flight for this session")
	}
	defer lock.Unlock()

	history, err := l.sessions.ListMessages(ctx, req.SessionID)
	if err != nil {
		return RunResult{}, fmt.Errorf("dispatch: load history: %w", err)
	}

	messages := l.buildInitialMessages(history)
	var pending []sessionstore.Message

	userMsg := sessionstore.Message{SessionID: req.SessionID, Role: "user", Content: req.UserMessage}
	pending = append(pending, userMsg)
	messages = append(messages, providers.Message{Role: "user", Content: req.UserMessage})

	toolDefs := l.toolDefinitions()
	loopState := newLoopDetector()

	var finalContent, finalThinking, lastAssistantText string
	iterations := 0
	for iterations < l.maxIterations {
		iterations++

		if err := ctx.Err(); err != nil {
			// Abort at the suspension point; never persist a partial turn.
			return RunResult{}, err
		}

		resp, err := l.client.Chat(ctx, providers.ChatRequest{Messages: messages, Tools: toolDefs})
		if err != nil {
			return RunResult{}, fmt.Errorf("dispatch: chat call: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			finalContent, finalThinking = splitThinking(resp.Content)
			break
		}

		if visible, _ := splitThinking(resp.Content); visible != "" {
			lastAssistantText = visible
		}
		assistantToolCallJSON, _ := json.Marshal(resp.ToolCalls)
		assistantMsg := providers.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls}
		messages = append(messages, assistantMsg)
		pending = append(pending, sessionstore.Message{
			SessionID:    req.SessionID,
			Role:         "assistant",
			Content:      resp.Content,
			ToolCallJSON: string(assistantToolCallJSON),
		})

		severity := loopState.observe(resp.ToolCalls)
		if severity == loopSeverityCritical {
			finalContent = "I seem to be repeating the same tool call without making progress. Let me stop here — please rephrase the question or narrow the time window."
			break
		}

		results := l.executeToolCalls(ctx, resp.ToolCalls)
		for i, tc := range resp.ToolCalls {
			content := results[i]
			messages = append(messages, providers.Message{Role: "tool", Content: content, ToolCallID: tc.ID})
			pending = append(pending, sessionstore.Message{
				SessionID:  req.SessionID,
				Role:       "tool",
				Content:    content,
				ToolCallID: tc.ID,
			})
		}

		if severity == loopSeverityWarning {
			nudge := "You've called the same tool with the same arguments recently without new information. Try a different tool, a broader time window, or a different query."
			messages = append(messages, providers.Message{Role: "user", Content: nudge})
			pending = append(pending, sessionstore.Message{SessionID: req.SessionID, Role: "user", Content: nudge})
		}
	}

	if finalContent == "" {
		if lastAssistantText != "" {
			finalContent = lastAssistantText + "\n\n(Stopped: the tool-call iteration limit was reached before a final answer.)"
		} else {
			finalContent = "I wasn't able to reach a final answer within the allotted tool-call budget. Please try narrowing your question."
		}
	}
	pending = append(pending, sessionstore.Message{SessionID: req.SessionID, Role: "assistant", Content: finalContent, Thinking: finalThinking})

	// Flush the buffered messages now that the turn is complete — a
	// cancelled or failed turn above never reaches here. Messages are
	// appended one at a time, not in one transaction: a store error partway
	// through leaves the earlier messages of this turn persisted.
	for _, m := range pending {
		if _, err := l.sessions.AppendMessage(ctx, m); err != nil {
			return RunResult{}, fmt.Errorf("dispatch: persist turn: %w", err)
		}
	}

	span.SetAttributes(attribute.Int("iterations", iterations))
	return RunResult{Content: finalContent, Iterations: iterations}, nil
}

func (l *Loop) lockFor(sessionID string) *sync.Mutex {
	v, _ := l.sessionLocks.LoadOrStore(sessionID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (l *Loop) buildInitialMessages(history []sessionstore.Message) []providers.Message {
	out := make([]providers.Message, 0, len(history)+1)
	if l.systemPrompt != "" {
		out = append(out, providers.Message{Role: "system", Content: l.systemPrompt})
	}
	for _, m := range history {
		out = append(out, providers.Message{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID})
	}
	return out
}

// toolDefinitions is built once per call; the registry itself is immutable
// for the life of the process.
func (l *Loop) toolDefinitions() []providers.ToolDefinition {
	catalog := l.registry.List()
	defs := make([]providers.ToolDefinition, 0, len(catalog))
	for _, t := range catalog {
		var params map[string]interface{}
		_ = json.Unmarshal(t.SchemaDocument(), &params)
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return defs
}

// executeToolCalls runs a single tool call inline, or runs independent
// tool calls within one model turn concurrently — goroutine per call,
// results collected on a channel, then re-sorted by original index so
// message ordering stays deterministic regardless of completion order.
func (l *Loop) executeToolCalls(ctx context.Context, calls []providers.ToolCall) []string {
	if len(calls) == 1 {
		return []string{l.invokeOne(ctx, calls[0])}
	}

	type indexed struct {
		index  int
		result string
	}
	resultCh := make(chan indexed, len(calls))
	var wg sync.WaitGroup
	for i, tc := range calls {
		wg.Add(1)
		go func(i int, tc providers.ToolCall) {
			defer wg.Done()
			resultCh <- indexed{index: i, result: l.invokeOne(ctx, tc)}
		}(i, tc)
	}
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	collected := make([]indexed, 0, len(calls))
	for r := range resultCh {
		collected = append(collected, r)
	}
	sort.Slice(collected, func(a, b int) bool { return collected[a].index < collected[b].index })

	out := make([]string, len(calls))
	for _, c := range collected {
		out[c.index] = c.result
	}
	return out
}

func (l *Loop) invokeOne(ctx context.Context, tc providers.ToolCall) string {
	tool, ok := l.registry.Lookup(tc.Name)
	if !ok {
		return fmt.Sprintf(`{"status":"error","tool_name":%q,"message":"unknown tool"}`, tc.Name)
	}

	argsJSON, err := json.Marshal(tc.Arguments)
	if err != nil {
		return fmt.Sprintf(`{"status":"error","tool_name":%q,"message":"could not encode arguments"}`, tc.Name)
	}

	result, err := tool.Invoke(ctx, argsJSON)
	if err != nil {
		return fmt.Sprintf(`{"status":"error","tool_name":%q,"message":%q}`, tc.Name, err.Error())
	}
	if result.IsError {
		return fmt.Sprintf(`{"status":"error","tool_name":%q,"message":%q}`, tc.Name, result.Err)
	}

	data, err := json.Marshal(result.Data)
	if err != nil {
		return fmt.Sprintf(`{"status":"error","tool_name":%q,"message":"could not encode result"}`, tc.Name)
	}
	return string(data)
}
