// Package openrouter provides a model.Client backed by the OpenRouter API.
// OpenRouter speaks the OpenAI Chat Completions wire format, so the adapter
// translates requests through github.com/sashabaranov/go-openai with a custom
// base URL and retrieves per-generation cost from the OpenRouter /generation
// endpoint out-of-band.
package openrouter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/pipevine/pipevine/runtime/model"
)

// DefaultBaseURL is the OpenRouter API root.
const DefaultBaseURL = "https://openrouter.ai/api/v1"

// costDelay is the wait before the first cost lookup; OpenRouter needs a
// moment after a generation completes before cost is queryable.
const costDelay = 500 * time.Millisecond

type (
	// ChatClient captures the subset of the go-openai client used by the
	// adapter.
	ChatClient interface {
		CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
			openai.ChatCompletionResponse, error)
	}

	// Options configures the OpenRouter adapter.
	Options struct {
		// Client is the chat transport. Required unless APIKey is set.
		Client ChatClient
		// APIKey builds a default transport against BaseURL when Client is
		// nil. Also used by cost lookups.
		APIKey string
		// BaseURL overrides DefaultBaseURL.
		BaseURL string
		// HTTPClient serves cost lookups; defaults to http.DefaultClient.
		HTTPClient *http.Client
		// RequestsPerSecond throttles chat calls; zero disables throttling.
		RequestsPerSecond float64
	}

	// Client implements model.Client via the OpenRouter API.
	Client struct {
		chat    ChatClient
		http    *http.Client
		apiKey  string
		baseURL string
		limiter *rate.Limiter
	}

	generationResponse struct {
		Data struct {
			ID        string  `json:"id"`
			TotalCost float64 `json:"total_cost"`
		} `json:"data"`
	}
)

// New builds an OpenRouter-backed model client.
func New(opts Options) (*Client, error) {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	chat := opts.Client
	if chat == nil {
		if opts.APIKey == "" {
			return nil, errors.New("api key is required")
		}
		cfg := openai.DefaultConfig(opts.APIKey)
		cfg.BaseURL = baseURL
		chat = openai.NewClientWithConfig(cfg)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return &Client{
		chat:    chat,
		http:    httpClient,
		apiKey:  opts.APIKey,
		baseURL: baseURL,
		limiter: limiter,
	}, nil
}

// Chat implements model.Client.
func (c *Client) Chat(ctx context.Context, req model.Request) (model.Response, error) {
	if len(req.Messages) == 0 {
		return model.Response{}, errors.New("messages are required")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return model.Response{}, err
		}
	}
	request := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    encodeMessages(req.Messages),
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	}
	if len(req.Tools) > 0 {
		tools, err := encodeTools(req.Tools)
		if err != nil {
			return model.Response{}, err
		}
		request.Tools = tools
	}
	response, err := c.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		return model.Response{}, fmt.Errorf("openrouter chat completion: %w", err)
	}
	return translateResponse(response)
}

// Cost implements model.Client by querying the OpenRouter /generation
// endpoint. Requires an API key; clients built with a custom transport and no
// key report ErrCostUnavailable.
func (c *Client) Cost(ctx context.Context, generationID string) (float64, error) {
	if c.apiKey == "" {
		return 0, model.ErrCostUnavailable
	}
	select {
	case <-time.After(costDelay):
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	u := fmt.Sprintf("%s/generation?id=%s", c.baseURL, url.QueryEscape(generationID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("openrouter generation lookup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("openrouter generation lookup: status %d", resp.StatusCode)
	}
	var gen generationResponse
	if err := json.NewDecoder(resp.Body).Decode(&gen); err != nil {
		return 0, fmt.Errorf("decode generation response: %w", err)
	}
	return gen.Data.TotalCost, nil
}

func encodeMessages(msgs []model.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, msg)
	}
	return out
}

func encodeTools(defs []model.ToolDefinition) ([]openai.Tool, error) {
	tools := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		params, err := json.Marshal(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("marshal tool %s schema: %w", def.Name, err)
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  json.RawMessage(params),
			},
		})
	}
	return tools, nil
}

func translateResponse(resp openai.ChatCompletionResponse) (model.Response, error) {
	if len(resp.Choices) == 0 {
		return model.Response{}, errors.New("openrouter response has no choices")
	}
	choice := resp.Choices[0].Message
	msg := model.Message{Role: choice.Role, Content: choice.Content}
	for _, call := range choice.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, model.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	raw, _ := json.Marshal(resp)
	return model.Response{
		GenerationID: resp.ID,
		Message:      msg,
		Usage: model.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		Raw: raw,
	}, nil
}
