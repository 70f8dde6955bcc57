package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/sentrywatch/internal/apperr"
	"github.com/nextlevelbuilder/sentrywatch/internal/tools"
)

// reconnect tuning for the initial dial
const (
	initialBackoff       = 2 * time.Second
	maxBackoff           = 60 * time.Second
	maxReconnectAttempts = 10
)

// MCPServerConfig describes one external MCP tool server to connect to.
type MCPServerConfig struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
}

// MCPAdapter connects to a single external MCP server over stdio and
// exposes its tools as tools.Tool values, letting the dispatch loop (G)
// call them through the same interface as the native catalog.
type MCPAdapter struct {
	name   string
	client *mcpclient.Client
}

// DialMCPServer starts and initializes an MCP stdio client for cfg,
// retrying the initial connect with a capped exponential backoff.
func DialMCPServer(ctx context.Context, cfg MCPServerConfig) (*MCPAdapter, error) {
	envSlice := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		envSlice = append(envSlice, fmt.Sprintf("%s=%s", k, v))
	}

	backoff := initialBackoff
	var lastErr error
	for attempt := 0; attempt < maxReconnectAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		adapter, err := connectOnce(ctx, cfg, envSlice)
		if err == nil {
			return adapter, nil
		}
		lastErr = err
		slog.Warn("mcpadapter.connect_retry", "server", cfg.Name, "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("connect to mcp server %s after %d attempts: %w", cfg.Name, maxReconnectAttempts, lastErr)
}

func connectOnce(ctx context.Context, cfg MCPServerConfig, envSlice []string) (*MCPAdapter, error) {
	client, err := mcpclient.NewStdioMCPClient(cfg.Command, envSlice, cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("create mcp client: %w", err)
	}
	if err := client.Start(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("start mcp client: %w", err)
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "sentrywatch", Version: "1.0.0"}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("initialize mcp server: %w", err)
	}

	slog.Info("mcpadapter.connected", "server", cfg.Name)
	return &MCPAdapter{name: cfg.Name, client: client}, nil
}

// Close releases the underlying MCP client process.
func (a *MCPAdapter) Close() error { return a.client.Close() }

// Tools lists the remote server's tools and wraps each as a tools.Tool
// that forwards Invoke to the remote CallTool RPC. No argument schema is
// compiled locally — the remote server owns validation; local decode
// failures still surface as apperr.BadInput via tools.Tool's wrapper.
func (a *MCPAdapter) Tools(ctx context.Context) ([]*tools.Tool, error) {
	result, err := a.client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools on mcp server %s: %w", a.name, err)
	}

	out := make([]*tools.Tool, 0, len(result.Tools))
	for _, remote := range result.Tools {
		out = append(out, a.wrapRemoteTool(remote))
	}
	return out, nil
}

func (a *MCPAdapter) wrapRemoteTool(remote mcpgo.Tool) *tools.Tool {
	name := remote.Name
	return tools.NewPassthroughTool(name, remote.Description, func(ctx context.Context, args json.RawMessage) (tools.Result, error) {
		var argMap map[string]any
		if len(args) > 0 {
			if err := json.Unmarshal(args, &argMap); err != nil {
				return tools.Result{}, apperr.Wrap(apperr.BadInput, fmt.Sprintf("decode arguments for remote tool %s", name), err)
			}
		}

		req := mcpgo.CallToolRequest{}
		req.Params.Name = name
		req.Params.Arguments = argMap

		res, err := a.client.CallTool(ctx, req)
		if err != nil {
			return tools.Failed(fmt.Sprintf("remote tool call failed: %v", err)), nil
		}
		if res.IsError {
			return tools.Failed(renderMCPContent(res.Content)), nil
		}
		return tools.OK(renderMCPContent(res.Content)), nil
	})
}

func renderMCPContent(content []mcpgo.Content) string {
	var out string
	for _, c := range content {
		if tc, ok := c.(mcpgo.TextContent); ok {
			out += tc.Text
		}
	}
	return out
}
