package workflow

import "encoding/json"

// Role values for conversation messages. The wire shapes mirror the chat
// completion message format so transcripts round-trip through providers
// without translation loss.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

type (
	// Message is one conversational turn within a step instance. Assistant
	// messages may carry tool calls; each tool call is answered by exactly one
	// tool-role message with the matching ToolCallID before the next
	// assistant message.
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content,omitempty"`
		// ToolCalls is set on assistant messages that request tool execution.
		ToolCalls []ToolCall `json:"tool_calls,omitempty"`
		// ToolCallID pairs a tool-role message with the assistant tool call it
		// answers.
		ToolCallID string `json:"tool_call_id,omitempty"`
		// Name optionally carries the tool name on tool-role messages.
		Name string `json:"name,omitempty"`
	}

	// ToolCall is a model-issued request to invoke an external tool.
	ToolCall struct {
		ID       string       `json:"id"`
		Function ToolFunction `json:"function"`
	}

	// ToolFunction names the tool and carries its JSON-encoded arguments.
	ToolFunction struct {
		Name string `json:"name"`
		// Arguments is the raw JSON argument object as produced by the model.
		Arguments string `json:"arguments"`
	}
)

// SystemMessage builds a system-role message.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage builds a user-role message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// ToolMessage builds a tool-role message answering the given tool call.
func ToolMessage(toolCallID, name, content string) Message {
	return Message{Role: RoleTool, ToolCallID: toolCallID, Name: name, Content: content}
}

// DecodeArguments unmarshals the call arguments into a generic JSON object.
// Models occasionally double-encode arguments as a JSON string; a single
// extra decode is attempted before giving up.
func (c ToolCall) DecodeArguments() (map[string]any, error) {
	raw := c.Function.Arguments
	if raw == "" {
		return map[string]any{}, nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err == nil {
		return obj, nil
	}
	var nested string
	if err := json.Unmarshal([]byte(raw), &nested); err == nil {
		if err := json.Unmarshal([]byte(nested), &obj); err == nil {
			return obj, nil
		}
	}
	var probe any
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		return nil, err
	}
	// Valid JSON but not an object; wrap it so tools still receive something.
	return map[string]any{"value": probe}, nil
}
