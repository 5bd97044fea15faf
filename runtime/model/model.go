// Package model defines the provider-agnostic chat contract used by the LLM
// and agent step runners. Implementations wrap provider SDKs (OpenRouter,
// Anthropic, …) and translate Request/Response to provider formats. Clients
// must be safe for concurrent use.
package model

import (
	"context"
	"errors"
)

type (
	// Client is the central chat contract. Chat sends one completion request;
	// Cost retrieves the USD cost of a prior generation when the provider
	// reports cost out-of-band. Providers without cost reporting return
	// ErrCostUnavailable.
	Client interface {
		// Chat sends the message list to the model, optionally exposing tools
		// for function calling, and returns the normalized response including
		// the raw provider payload.
		Chat(ctx context.Context, req Request) (Response, error)

		// Cost returns the USD cost of the generation identified by
		// generationID. Providers may need a short delay after the generation
		// completes before cost is available.
		Cost(ctx context.Context, generationID string) (float64, error)
	}

	// Request captures the normalized parameters of one chat call. Messages
	// use the engine's transcript shape (roles system/user/assistant/tool,
	// tool calls paired by id).
	Request struct {
		// Model is the provider-specific model identifier.
		Model string
		// Messages is the ordered conversation history.
		Messages []Message
		// Tools describes the tool schemas exposed for function calling.
		// Empty disables tool use for the call.
		Tools []ToolDefinition
		// MaxTokens caps completion tokens; zero uses the provider default.
		MaxTokens int
		// Temperature controls sampling; zero uses the provider default.
		Temperature float64
	}

	// Message mirrors one chat message on the provider wire.
	Message struct {
		Role       string
		Content    string
		ToolCalls  []ToolCall
		ToolCallID string
		Name       string
	}

	// ToolCall is a model-issued tool invocation request.
	ToolCall struct {
		ID        string
		Name      string
		Arguments string
	}

	// ToolDefinition describes a tool schema passed to the provider.
	ToolDefinition struct {
		// Name is the fully qualified identifier presented to the model.
		Name string
		// Description documents the tool for prompting purposes.
		Description string
		// InputSchema is the JSON Schema object describing the arguments.
		InputSchema map[string]any
	}

	// Response wraps the assistant message, usage, and provider metadata of
	// one completed chat call.
	Response struct {
		// GenerationID identifies the generation for out-of-band cost lookup.
		// Empty when the provider reports none; cost accounting is skipped in
		// that case.
		GenerationID string
		// Message is the assistant reply, including any tool calls.
		Message Message
		// Usage reports token counts when the provider provides them.
		Usage Usage
		// Raw preserves the full provider response for the step transcript.
		Raw []byte
	}

	// Usage records token counts for one call. Counters accumulate across the
	// turns of an agent step.
	Usage struct {
		PromptTokens     int
		CompletionTokens int
		TotalTokens      int
	}
)

// ErrCostUnavailable indicates the provider does not report per-generation
// cost. Callers skip balance deduction when cost is unavailable.
var ErrCostUnavailable = errors.New("model: generation cost unavailable")

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// Registry resolves model clients by provider-qualified model id. The zero
// value is empty.
type Registry struct {
	clients map[string]Client
	// fallback serves model ids with no dedicated client.
	fallback Client
}

// NewRegistry builds a Registry with the given fallback client, which may be
// nil when every model id is registered explicitly.
func NewRegistry(fallback Client) *Registry {
	return &Registry{clients: make(map[string]Client), fallback: fallback}
}

// Register associates a client with a model id prefix (e.g. "anthropic/").
func (r *Registry) Register(prefix string, client Client) {
	r.clients[prefix] = client
}

// Client returns the client serving the given model id. The boolean reports
// whether any client (dedicated or fallback) is available.
func (r *Registry) Client(modelID string) (Client, bool) {
	for prefix, c := range r.clients {
		if len(modelID) >= len(prefix) && modelID[:len(prefix)] == prefix {
			return c, true
		}
	}
	if r.fallback != nil {
		return r.fallback, true
	}
	return nil, false
}
