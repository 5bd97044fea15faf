package model_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pipevine/pipevine/runtime/model"
)

type stubClient struct {
	name string
}

func (c *stubClient) Chat(context.Context, model.Request) (model.Response, error) {
	return model.Response{}, nil
}

func (c *stubClient) Cost(context.Context, string) (float64, error) {
	return 0, model.ErrCostUnavailable
}

func TestRegistryPrefixMatch(t *testing.T) {
	fallback := &stubClient{name: "fallback"}
	anthropic := &stubClient{name: "anthropic"}

	registry := model.NewRegistry(fallback)
	registry.Register("anthropic/", anthropic)

	got, ok := registry.Client("anthropic/claude-sonnet-4")
	require.True(t, ok)
	require.Same(t, anthropic, got)

	got, ok = registry.Client("openai/gpt-4o")
	require.True(t, ok)
	require.Same(t, fallback, got)
}

func TestRegistryNoFallback(t *testing.T) {
	registry := model.NewRegistry(nil)
	registry.Register("anthropic/", &stubClient{})

	_, ok := registry.Client("mistral/small")
	require.False(t, ok)

	_, ok = registry.Client("anthropic/claude-haiku")
	require.True(t, ok)
}

func TestUsageAdd(t *testing.T) {
	var u model.Usage
	u.Add(model.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15})
	u.Add(model.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5})
	require.Equal(t, model.Usage{PromptTokens: 13, CompletionTokens: 7, TotalTokens: 20}, u)
}
