// Package mcp implements the tool transport over MCP JSON-RPC HTTP: one
// Caller per server connection, with the initialize handshake on connect and
// per-call headers identifying the user and workflow instance.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/pipevine/pipevine/runtime/tools"
)

// DefaultProtocolVersion is the MCP protocol version used when none is
// configured.
const DefaultProtocolVersion = "2024-11-05"

// Header names carrying per-call caller identity.
const (
	HeaderUserID       = "X-Pipevine-User"
	HeaderInstanceUUID = "X-Pipevine-Instance"
)

type (
	// Options configures one MCP HTTP server connection.
	Options struct {
		// Endpoint is the JSON-RPC URL. Required.
		Endpoint string
		// Client overrides the HTTP client; the default carries a 30s timeout.
		Client *http.Client
		// ProtocolVersion defaults to DefaultProtocolVersion.
		ProtocolVersion string
		// ClientName and ClientVersion identify this client in the initialize
		// handshake.
		ClientName    string
		ClientVersion string
		// InitTimeout bounds the handshake; zero inherits the caller context.
		InitTimeout time.Duration
	}

	// Caller implements tools.Caller over MCP JSON-RPC HTTP.
	Caller struct {
		endpoint string
		client   *http.Client
		id       uint64
	}
)

// Connector returns a tools.Connector that dials the server with the given
// options on each session open.
func Connector(opts Options) tools.Connector {
	return tools.ConnectorFunc(func(ctx context.Context) (tools.Caller, error) {
		return New(ctx, opts)
	})
}

// New dials the server and performs the MCP initialize handshake.
func New(ctx context.Context, opts Options) (*Caller, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	httpClient := opts.Client
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	c := &Caller{endpoint: opts.Endpoint, client: httpClient}

	initCtx := ctx
	if opts.InitTimeout > 0 {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, opts.InitTimeout)
		defer cancel()
	}
	protocol := opts.ProtocolVersion
	if protocol == "" {
		protocol = DefaultProtocolVersion
	}
	clientName := opts.ClientName
	if clientName == "" {
		clientName = "pipevine"
	}
	clientVersion := opts.ClientVersion
	if clientVersion == "" {
		clientVersion = "dev"
	}
	payload := map[string]any{
		"protocolVersion": protocol,
		"clientInfo": map[string]any{
			"name":    clientName,
			"version": clientVersion,
		},
	}
	if err := c.call(initCtx, "initialize", payload, nil, nil); err != nil {
		return nil, fmt.Errorf("mcp initialize failed: %w", err)
	}
	return c, nil
}

// ListTools implements tools.Caller.
func (c *Caller) ListTools(ctx context.Context) ([]tools.Descriptor, error) {
	var result toolsListResult
	if err := c.call(ctx, "tools/list", nil, nil, &result); err != nil {
		return nil, err
	}
	descs := make([]tools.Descriptor, len(result.Tools))
	for i, t := range result.Tools {
		descs[i] = tools.Descriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		}
	}
	return descs, nil
}

// CallTool implements tools.Caller. The caller identity travels as HTTP
// headers so feature servers can scope side effects per user and instance.
func (c *Caller) CallTool(ctx context.Context, req tools.CallRequest) (tools.CallResponse, error) {
	params := map[string]any{
		"name":      req.Tool,
		"arguments": req.Arguments,
	}
	headers := http.Header{}
	if req.Meta.UserID != "" {
		headers.Set(HeaderUserID, req.Meta.UserID)
	}
	if req.Meta.InstanceUUID != "" {
		headers.Set(HeaderInstanceUUID, req.Meta.InstanceUUID)
	}
	var result toolsCallResult
	if err := c.call(ctx, "tools/call", params, headers, &result); err != nil {
		return tools.CallResponse{}, err
	}
	raw, err := normalizeToolResult(result)
	if err != nil {
		return tools.CallResponse{}, err
	}
	return tools.CallResponse{Result: raw}, nil
}

// Close implements tools.Caller. HTTP connections are pooled by the client;
// there is nothing to tear down per caller.
func (c *Caller) Close() error { return nil }

func (c *Caller) nextID() uint64 {
	return atomic.AddUint64(&c.id, 1)
}

func (c *Caller) call(ctx context.Context, method string, params any, headers http.Header, result any) error {
	reqBody := rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		ID:      c.nextID(),
		Params:  params,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mcp rpc status %d", resp.StatusCode)
	}
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if result != nil && rpcResp.Result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return err
		}
	}
	return nil
}
