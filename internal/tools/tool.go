// Package tools defines the catalog of named, schema-described callables
// exposed by the tool server and invoked by the dispatch loop.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/nextlevelbuilder/sentrywatch/internal/apperr"
)

// Result is a tool's outcome. Exactly one of Data or Err is meaningful;
// IsError mirrors it for callers that only check a flag. Tool-level
// failures travel as values, never as panics across the tool boundary.
type Result struct {
	Data    any
	IsError bool
	Err     string
}

// OK wraps a successful payload.
func OK(data any) Result { return Result{Data: data} }

// Failed wraps a tool-level error message (not a transport failure).
func Failed(err string) Result { return Result{IsError: true, Err: err} }

// Tool is one catalog entry: a stable name, human-readable description, a
// compiled JSON schema for its arguments, and an invocation function.
type Tool struct {
	Name        string
	Description string
	schema      *jsonschema.Schema
	schemaDoc   json.RawMessage
	invoke      func(ctx context.Context, args json.RawMessage) (Result, error)
}

// SchemaDocument returns the raw JSON schema document backing this tool's
// arguments, for advertising to the chat model and the tool-protocol
// list_tools response.
func (t *Tool) SchemaDocument() json.RawMessage { return t.schemaDoc }

// Invoke validates raw arguments against the compiled schema, then
// dispatches to the tool's handler. Schema-validation failures surface as
// apperr.BadInput, never as a decode panic.
func (t *Tool) Invoke(ctx context.Context, args json.RawMessage) (Result, error) {
	if t.schema != nil {
		var doc any
		if len(args) == 0 {
			args = []byte("{}")
		}
		if err := json.Unmarshal(args, &doc); err != nil {
			return Result{}, apperr.Wrap(apperr.BadInput, "arguments are not valid JSON", err)
		}
		if err := t.schema.Validate(doc); err != nil {
			return Result{}, apperr.Wrap(apperr.BadInput, fmt.Sprintf("arguments for %s failed schema validation", t.Name), err)
		}
	}
	return t.invoke(ctx, args)
}

// NewPassthroughTool wraps a handler with no local schema validation: the
// remote side (e.g. an external MCP server) owns argument validation.
// Used by the MCP adapter to expose remote tools through the same Tool
// type the native registry and the dispatch loop already understand.
func NewPassthroughTool(name, description string, invoke func(ctx context.Context, args json.RawMessage) (Result, error)) *Tool {
	return &Tool{Name: name, Description: description, invoke: invoke}
}

// compileSchema compiles a literal JSON schema document (a Go map
// literal, marshaled): parse to an any, register as an in-memory
// resource, compile. Schemas are static, so failures here are programmer
// errors and panic at startup.
func compileSchema(name string, doc map[string]any) (*jsonschema.Schema, json.RawMessage) {
	raw, err := json.Marshal(doc)
	if err != nil {
		panic(fmt.Sprintf("tools: marshal schema for %s: %v", name, err))
	}
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		panic(fmt.Sprintf("tools: unmarshal schema for %s: %v", name, err))
	}

	c := jsonschema.NewCompiler()
	resourceName := name + ".json"
	if err := c.AddResource(resourceName, parsed); err != nil {
		panic(fmt.Sprintf("tools: add schema resource for %s: %v", name, err))
	}
	compiled, err := c.Compile(resourceName)
	if err != nil {
		panic(fmt.Sprintf("tools: compile schema for %s: %v", name, err))
	}
	return compiled, raw
}

// decodeArgs is a small helper shared by each tool's handler: unmarshal
// raw JSON arguments into a typed struct after schema validation has
// already passed.
func decodeArgs[T any](args json.RawMessage) (T, error) {
	var v T
	if len(args) == 0 {
		args = []byte("{}")
	}
	if err := json.Unmarshal(args, &v); err != nil {
		var zero T
		return zero, apperr.Wrap(apperr.BadInput, "decode tool arguments", err)
	}
	return v, nil
}
