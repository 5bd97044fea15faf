// Package tools defines the tool-call transport contract consumed by the
// agent step runner: listing the tools a server exposes and invoking one
// with JSON arguments. Concrete transports (MCP over HTTP) live under
// features; this package also provides the server registry and the per-step
// session that aggregates tools across servers under fully qualified
// "{server}-{tool}" identifiers.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

type (
	// Caller is one open connection to a tool server. Implementations carry
	// per-call metadata (user, workflow instance) on the transport.
	Caller interface {
		// ListTools returns the descriptors of every tool the server exposes.
		ListTools(ctx context.Context) ([]Descriptor, error)

		// CallTool invokes the named tool with the given JSON arguments and
		// returns the structured result payload.
		CallTool(ctx context.Context, req CallRequest) (CallResponse, error)

		// Close releases the connection.
		Close() error
	}

	// Descriptor describes one tool as reported by list_tools.
	Descriptor struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		InputSchema map[string]any `json:"input_schema,omitempty"`
	}

	// CallRequest carries one tool invocation.
	CallRequest struct {
		// Tool is the server-local tool name (no server prefix).
		Tool string
		// Arguments is the decoded JSON argument object.
		Arguments map[string]any
		// Meta identifies the calling user and workflow instance; transports
		// forward it as per-call headers.
		Meta CallMeta
	}

	// CallMeta identifies the caller for transport headers.
	CallMeta struct {
		UserID       string
		InstanceUUID string
	}

	// CallResponse holds the structured tool result.
	CallResponse struct {
		// Result is the raw JSON payload returned by the tool.
		Result json.RawMessage
	}

	// Connector opens a Caller for one registered server.
	Connector interface {
		Connect(ctx context.Context) (Caller, error)
	}

	// ConnectorFunc adapts a function to implement Connector.
	ConnectorFunc func(ctx context.Context) (Caller, error)
)

// Connect implements Connector.
func (f ConnectorFunc) Connect(ctx context.Context) (Caller, error) { return f(ctx) }

// Qualified returns the fully qualified tool identifier for a server-local
// tool name.
func Qualified(server, tool string) string {
	return server + "-" + tool
}

// Stringify renders a structured tool payload for the conversation
// transcript. A single {"result": X} wrapper is unwrapped, bare JSON strings
// are returned without quotes, and anything else is compacted JSON.
func Stringify(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wrapper); err == nil && len(wrapper) == 1 {
		if inner, ok := wrapper["result"]; ok {
			raw = inner
		}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// ErrUnknownTool indicates a qualified name that matches no open server or no
// listed tool.
type ErrUnknownTool struct{ Name string }

// Error implements error.
func (e *ErrUnknownTool) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Name)
}
