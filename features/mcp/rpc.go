package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	ID      uint64 `json:"id"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	ID      uint64          `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message)
}

type toolsListResult struct {
	Tools []toolEntry `json:"tools"`
}

type toolEntry struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type toolsCallResult struct {
	Content []contentItem `json:"content"`
	IsError bool          `json:"isError"`
}

type contentItem struct {
	Type string  `json:"type"`
	Text *string `json:"text"`
}

// normalizeToolResult renders the first content item as a raw JSON payload:
// JSON text passes through, plain text is quoted.
func normalizeToolResult(result toolsCallResult) (json.RawMessage, error) {
	if len(result.Content) == 0 {
		return nil, errors.New("empty MCP response")
	}
	item := result.Content[0]
	if item.Text == nil || *item.Text == "" {
		return nil, errors.New("tool returned no content")
	}
	text := []byte(*item.Text)
	if result.IsError {
		return nil, fmt.Errorf("tool error: %s", *item.Text)
	}
	if json.Valid(text) {
		return append(json.RawMessage(nil), text...), nil
	}
	quoted, err := json.Marshal(*item.Text)
	if err != nil {
		return nil, err
	}
	return quoted, nil
}
