package tools_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pipevine/pipevine/runtime/tools"
)

type mockCaller struct {
	descs    []tools.Descriptor
	listErr  error
	callErr  error
	result   json.RawMessage
	captured []tools.CallRequest
	closed   bool
}

func (m *mockCaller) ListTools(context.Context) ([]tools.Descriptor, error) {
	return m.descs, m.listErr
}

func (m *mockCaller) CallTool(_ context.Context, req tools.CallRequest) (tools.CallResponse, error) {
	m.captured = append(m.captured, req)
	if m.callErr != nil {
		return tools.CallResponse{}, m.callErr
	}
	return tools.CallResponse{Result: m.result}, nil
}

func (m *mockCaller) Close() error {
	m.closed = true
	return nil
}

func staticConnector(c tools.Caller, err error) tools.Connector {
	return tools.ConnectorFunc(func(context.Context) (tools.Caller, error) {
		return c, err
	})
}

func TestQualified(t *testing.T) {
	require.Equal(t, "search-web_search", tools.Qualified("search", "web_search"))
}

func TestStringify(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{name: "empty", raw: "", want: ""},
		{name: "result wrapper unwrapped", raw: `{"result": "done"}`, want: "done"},
		{name: "bare string unquoted", raw: `"hello"`, want: "hello"},
		{name: "object compacted", raw: "{\n  \"a\": 1\n}", want: `{"a":1}`},
		{name: "wrapper with siblings kept", raw: `{"result":1,"extra":2}`, want: `{"result":1,"extra":2}`},
		{name: "nested result string", raw: `{"result": {"x": [1, 2]}}`, want: `{"x":[1,2]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tools.Stringify(json.RawMessage(tc.raw)))
		})
	}
}

func TestRegistryRegister(t *testing.T) {
	r := tools.NewRegistry(nil)
	require.Error(t, r.Register("", staticConnector(&mockCaller{}, nil)))
	require.Error(t, r.Register("bad-name", staticConnector(&mockCaller{}, nil)))
	require.Error(t, r.Register("search", nil))
	require.NoError(t, r.Register("search", staticConnector(&mockCaller{}, nil)))
	require.NoError(t, r.Register("mail", staticConnector(&mockCaller{}, nil)))
	require.Equal(t, []string{"mail", "search"}, r.ServerNames())
}

func TestSessionAggregatesServers(t *testing.T) {
	search := &mockCaller{descs: []tools.Descriptor{
		{Name: "web", Description: "web search"},
		{Name: "news", Description: "news search"},
	}}
	mail := &mockCaller{descs: []tools.Descriptor{
		{Name: "send", Description: "send mail"},
	}}
	r := tools.NewRegistry(nil)
	require.NoError(t, r.Register("search", staticConnector(search, nil)))
	require.NoError(t, r.Register("mail", staticConnector(mail, nil)))

	s, err := r.Session(context.Background(), tools.CallMeta{UserID: "u-1"})
	require.NoError(t, err)
	defer s.Close()

	available := s.Available()
	require.Len(t, available, 3)
	require.Contains(t, available, "search-web")
	require.Contains(t, available, "search-news")
	require.Contains(t, available, "mail-send")
}

func TestSessionToleratesServerFailures(t *testing.T) {
	healthy := &mockCaller{descs: []tools.Descriptor{{Name: "web"}}}
	broken := &mockCaller{listErr: errors.New("boom")}
	r := tools.NewRegistry(nil)
	require.NoError(t, r.Register("search", staticConnector(healthy, nil)))
	require.NoError(t, r.Register("mail", staticConnector(broken, nil)))
	require.NoError(t, r.Register("crm", staticConnector(nil, errors.New("refused"))))

	s, err := r.Session(context.Background(), tools.CallMeta{})
	require.NoError(t, err)
	defer s.Close()

	require.Equal(t, map[string]struct{}{"search-web": {}}, s.Available())
	// A server whose listing fails has its connection closed.
	require.True(t, broken.closed)
}

func TestSessionDefinitionsOrderAndSkip(t *testing.T) {
	search := &mockCaller{descs: []tools.Descriptor{
		{Name: "web", Description: "web search"},
		{Name: "news", Description: "news search"},
	}}
	r := tools.NewRegistry(nil)
	require.NoError(t, r.Register("search", staticConnector(search, nil)))

	s, err := r.Session(context.Background(), tools.CallMeta{})
	require.NoError(t, err)
	defer s.Close()

	defs := s.Definitions([]string{"search-news", "missing-tool", "search-web"})
	require.Len(t, defs, 2)
	require.Equal(t, "search-news", defs[0].Name)
	require.Equal(t, "search-web", defs[1].Name)
}

func TestSessionCall(t *testing.T) {
	search := &mockCaller{
		descs:  []tools.Descriptor{{Name: "web"}},
		result: json.RawMessage(`{"result":"found"}`),
	}
	r := tools.NewRegistry(nil)
	require.NoError(t, r.Register("search", staticConnector(search, nil)))

	meta := tools.CallMeta{UserID: "u-1", InstanceUUID: "i-1"}
	s, err := r.Session(context.Background(), meta)
	require.NoError(t, err)
	defer s.Close()

	raw, err := s.Call(context.Background(), "search-web", map[string]any{"q": "docs"})
	require.NoError(t, err)
	require.JSONEq(t, `{"result":"found"}`, string(raw))

	require.Len(t, search.captured, 1)
	require.Equal(t, "web", search.captured[0].Tool)
	require.Equal(t, meta, search.captured[0].Meta)
	require.Equal(t, map[string]any{"q": "docs"}, search.captured[0].Arguments)

	_, err = s.Call(context.Background(), "search-unknown", nil)
	var unknown *tools.ErrUnknownTool
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, "search-unknown", unknown.Name)
}

func TestSessionCallValidatesSchema(t *testing.T) {
	search := &mockCaller{
		descs: []tools.Descriptor{{
			Name: "web",
			InputSchema: map[string]any{
				"type":       "object",
				"required":   []any{"query"},
				"properties": map[string]any{"query": map[string]any{"type": "string"}},
			},
		}},
		result: json.RawMessage(`"ok"`),
	}
	r := tools.NewRegistry(nil)
	require.NoError(t, r.Register("search", staticConnector(search, nil)))

	s, err := r.Session(context.Background(), tools.CallMeta{})
	require.NoError(t, err)
	defer s.Close()

	// Violating arguments never reach the server.
	_, err = s.Call(context.Background(), "search-web", map[string]any{"other": 1})
	require.Error(t, err)
	require.Empty(t, search.captured)

	raw, err := s.Call(context.Background(), "search-web", map[string]any{"query": "docs"})
	require.NoError(t, err)
	require.Equal(t, `"ok"`, string(raw))
	require.Len(t, search.captured, 1)
}
