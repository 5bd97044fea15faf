package anthropic_test

import (
	"context"
	"encoding/json"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"

	"github.com/pipevine/pipevine/features/model/anthropic"
	"github.com/pipevine/pipevine/runtime/model"
)

type mockMessages struct {
	captured []sdk.MessageNewParams
	response *sdk.Message
	err      error
}

func (m *mockMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	m.captured = append(m.captured, body)
	return m.response, m.err
}

func textMessage(id, text string) *sdk.Message {
	return &sdk.Message{
		ID:      id,
		Content: []sdk.ContentBlockUnion{{Type: "text", Text: text}},
		Usage:   sdk.Usage{InputTokens: 7, OutputTokens: 3},
	}
}

func TestChatRegroupsTranscript(t *testing.T) {
	mock := &mockMessages{response: textMessage("msg-1", "Hello there.")}
	c, err := anthropic.New(anthropic.Options{Messages: mock})
	require.NoError(t, err)

	resp, err := c.Chat(context.Background(), model.Request{
		Model: "claude-sonnet-4-5",
		Messages: []model.Message{
			{Role: "system", Content: "Be helpful."},
			{Role: "user", Content: "Search the docs."},
			{Role: "assistant", Content: "On it.", ToolCalls: []model.ToolCall{
				{ID: "call-1", Name: "search-web", Arguments: `{"query":"docs"}`},
			}},
			{Role: "tool", ToolCallID: "call-1", Name: "search-web", Content: "found them"},
		},
		Tools: []model.ToolDefinition{{
			Name:        "search-web",
			Description: "web search",
			InputSchema: map[string]any{"type": "object"},
		}},
	})
	require.NoError(t, err)

	require.Len(t, mock.captured, 1)
	sent := mock.captured[0]
	require.Equal(t, sdk.Model("claude-sonnet-4-5"), sent.Model)
	// The default completion cap applies when the request sets none.
	require.EqualValues(t, 4096, sent.MaxTokens)

	// The system prompt leaves the message list.
	require.Len(t, sent.System, 1)
	require.Equal(t, "Be helpful.", sent.System[0].Text)
	require.Len(t, sent.Messages, 3)
	require.Equal(t, sdk.MessageParamRoleUser, sent.Messages[0].Role)
	require.Equal(t, sdk.MessageParamRoleAssistant, sent.Messages[1].Role)
	// Text plus one tool_use block.
	require.Len(t, sent.Messages[1].Content, 2)
	toolUse := sent.Messages[1].Content[1].OfToolUse
	require.NotNil(t, toolUse)
	require.Equal(t, "call-1", toolUse.ID)
	require.Equal(t, "search-web", toolUse.Name)
	// Tool results ride in a user message.
	require.Equal(t, sdk.MessageParamRoleUser, sent.Messages[2].Role)
	toolResult := sent.Messages[2].Content[0].OfToolResult
	require.NotNil(t, toolResult)
	require.Equal(t, "call-1", toolResult.ToolUseID)

	require.Len(t, sent.Tools, 1)

	require.Equal(t, "msg-1", resp.GenerationID)
	require.Equal(t, "Hello there.", resp.Message.Content)
	require.Equal(t, model.Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10}, resp.Usage)
}

func TestChatTranslatesToolUseResponse(t *testing.T) {
	mock := &mockMessages{response: &sdk.Message{
		ID: "msg-2",
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "Let me check."},
			{Type: "tool_use", ID: "tu-1", Name: "search-web", Input: json.RawMessage(`{"query":"go"}`)},
		},
		Usage: sdk.Usage{InputTokens: 12, OutputTokens: 6},
	}}
	c, err := anthropic.New(anthropic.Options{Messages: mock})
	require.NoError(t, err)

	resp, err := c.Chat(context.Background(), model.Request{
		Model:    "claude-sonnet-4-5",
		Messages: []model.Message{{Role: "user", Content: "Search for go."}},
	})
	require.NoError(t, err)
	require.Equal(t, "Let me check.", resp.Message.Content)
	require.Len(t, resp.Message.ToolCalls, 1)
	require.Equal(t, "tu-1", resp.Message.ToolCalls[0].ID)
	require.Equal(t, "search-web", resp.Message.ToolCalls[0].Name)
	require.JSONEq(t, `{"query":"go"}`, resp.Message.ToolCalls[0].Arguments)
}

func TestChatMaxTokensOverride(t *testing.T) {
	mock := &mockMessages{response: textMessage("msg-3", "ok")}
	c, err := anthropic.New(anthropic.Options{Messages: mock, MaxTokens: 1000})
	require.NoError(t, err)

	_, err = c.Chat(context.Background(), model.Request{
		Model:     "claude-sonnet-4-5",
		Messages:  []model.Message{{Role: "user", Content: "hi"}},
		MaxTokens: 9,
	})
	require.NoError(t, err)
	require.EqualValues(t, 9, mock.captured[0].MaxTokens)
}

func TestChatUnsupportedRole(t *testing.T) {
	c, err := anthropic.New(anthropic.Options{Messages: &mockMessages{}})
	require.NoError(t, err)
	_, err = c.Chat(context.Background(), model.Request{
		Model:    "claude-sonnet-4-5",
		Messages: []model.Message{{Role: "moderator", Content: "hm"}},
	})
	require.ErrorContains(t, err, `unsupported message role "moderator"`)
}

func TestChatRequiresConversation(t *testing.T) {
	c, err := anthropic.New(anthropic.Options{Messages: &mockMessages{}})
	require.NoError(t, err)

	_, err = c.Chat(context.Background(), model.Request{Model: "claude-sonnet-4-5"})
	require.ErrorContains(t, err, "messages are required")

	// A system-only transcript leaves nothing to send.
	_, err = c.Chat(context.Background(), model.Request{
		Model:    "claude-sonnet-4-5",
		Messages: []model.Message{{Role: "system", Content: "Be helpful."}},
	})
	require.ErrorContains(t, err, "at least one user/assistant message is required")
}

func TestCostUnavailable(t *testing.T) {
	c, err := anthropic.New(anthropic.Options{Messages: &mockMessages{}})
	require.NoError(t, err)
	_, err = c.Cost(context.Background(), "msg-1")
	require.ErrorIs(t, err, model.ErrCostUnavailable)
}

func TestNewRequiresKeyOrTransport(t *testing.T) {
	_, err := anthropic.New(anthropic.Options{})
	require.ErrorContains(t, err, "api key is required")
}
