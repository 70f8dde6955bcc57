// Package toolserver implements the tool server: a stdio line-delimited
// JSON transport over the shared tool registry, plus an optional adapter
// onto external MCP tool hosts.
package toolserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/nextlevelbuilder/sentrywatch/internal/apperr"
	"github.com/nextlevelbuilder/sentrywatch/internal/tools"
	"github.com/nextlevelbuilder/sentrywatch/pkg/toolproto"
)

// StdioServer serves the tool registry over a line-delimited JSON
// protocol on the given reader/writer: requests are {id, method, ...},
// responses {id, result} or {id, error}.
type StdioServer struct {
	registry *tools.Registry
}

// NewStdioServer constructs a StdioServer over a tool registry.
func NewStdioServer(registry *tools.Registry) *StdioServer {
	return &StdioServer{registry: registry}
}

// Serve reads one request per line from r and writes one response per
// line to w until r is exhausted or ctx is cancelled. It never panics on
// malformed input: a decode failure produces an error response keyed by
// whatever id (possibly empty) could be recovered.
func (s *StdioServer) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	enc := json.NewEncoder(w)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		resp := s.handleLine(ctx, line)
		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
	return scanner.Err()
}

func (s *StdioServer) handleLine(ctx context.Context, line []byte) toolproto.Response {
	var req toolproto.Request
	if err := json.Unmarshal(line, &req); err != nil {
		return toolproto.Response{ID: req.ID, Error: &toolproto.Error{Code: toolproto.ErrCodeBadInput, Message: "malformed request: " + err.Error()}}
	}

	switch req.Method {
	case toolproto.MethodListTools:
		return s.handleListTools(req.ID)
	case toolproto.MethodCallTool:
		return s.handleCallTool(ctx, req)
	default:
		return toolproto.Response{ID: req.ID, Error: &toolproto.Error{Code: toolproto.ErrCodeBadInput, Message: "unknown method: " + req.Method}}
	}
}

func (s *StdioServer) handleListTools(id string) toolproto.Response {
	descriptors := make([]toolproto.ToolDescriptor, 0, len(s.registry.List()))
	for _, t := range s.registry.List() {
		descriptors = append(descriptors, toolproto.ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			Schema:      t.SchemaDocument(),
		})
	}
	result, _ := json.Marshal(toolproto.ListToolsResult{Tools: descriptors})
	return toolproto.Response{ID: id, Result: result}
}

func (s *StdioServer) handleCallTool(ctx context.Context, req toolproto.Request) toolproto.Response {
	tool, ok := s.registry.Lookup(req.Name)
	if !ok {
		return toolproto.Response{ID: req.ID, Error: &toolproto.Error{Code: toolproto.ErrCodeNotFound, Message: "unknown tool: " + req.Name}}
	}

	res, err := tool.Invoke(ctx, req.Args)
	if err != nil {
		code := toolproto.ErrCodeInternal
		if apperr.Is(err, apperr.BadInput) {
			code = toolproto.ErrCodeBadInput
		}
		return toolproto.Response{ID: req.ID, Error: &toolproto.Error{Code: code, Message: err.Error()}}
	}

	if res.IsError {
		slog.Warn("toolserver.call_failed", "tool", req.Name, "error", res.Err)
		result, _ := json.Marshal(toolproto.CallToolResult{Status: "error", ToolName: req.Name, Message: res.Err})
		return toolproto.Response{ID: req.ID, Result: result}
	}

	dataJSON, err := json.Marshal(res.Data)
	if err != nil {
		return toolproto.Response{ID: req.ID, Error: &toolproto.Error{Code: toolproto.ErrCodeInternal, Message: "marshal tool result: " + err.Error()}}
	}
	result, _ := json.Marshal(toolproto.CallToolResult{Status: "ok", ToolName: req.Name, Data: dataJSON})
	return toolproto.Response{ID: req.ID, Result: result}
}
