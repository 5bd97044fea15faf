package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/sync/errgroup"

	"github.com/pipevine/pipevine/runtime/telemetry"
)

type (
	// Registry holds the named tool servers available to agent steps. Servers
	// are registered once at startup; each agent step opens a Session that
	// connects to every server and aggregates their tools.
	Registry struct {
		logger telemetry.Logger

		mu      sync.RWMutex
		servers map[string]Connector
	}

	// Session is the per-step view over every reachable server: one open
	// Caller per server and a flat index of qualified tool names. Sessions
	// are not safe for concurrent Call on the same server connection unless
	// the underlying transport is; the MCP HTTP transport is.
	Session struct {
		meta    CallMeta
		logger  telemetry.Logger
		callers map[string]Caller
		tools   map[string]sessionTool
	}

	sessionTool struct {
		server string
		local  string
		desc   Descriptor
		schema *jsonschema.Schema
	}
)

// NewRegistry builds an empty Registry. A nil logger is replaced with a noop.
func NewRegistry(logger telemetry.Logger) *Registry {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Registry{logger: logger, servers: make(map[string]Connector)}
}

// Register adds a named server. Registering an existing name replaces the
// connector.
func (r *Registry) Register(name string, c Connector) error {
	if name == "" {
		return fmt.Errorf("server name is required")
	}
	if strings.Contains(name, "-") {
		// Qualified names split on the first dash; a dash in the server name
		// would make them ambiguous.
		return fmt.Errorf("server name %q must not contain '-'", name)
	}
	if c == nil {
		return fmt.Errorf("connector is required")
	}
	r.mu.Lock()
	r.servers[name] = c
	r.mu.Unlock()
	return nil
}

// ServerNames returns the registered server names, sorted.
func (r *Registry) ServerNames() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.servers))
	for name := range r.servers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Session connects to every registered server and lists its tools in
// parallel. A server that fails to connect or list is logged and omitted from
// the session; the caller decides whether the resulting tool set is
// sufficient. The session must be closed after the step finishes.
func (r *Registry) Session(ctx context.Context, meta CallMeta) (*Session, error) {
	r.mu.RLock()
	servers := make(map[string]Connector, len(r.servers))
	for name, c := range r.servers {
		servers[name] = c
	}
	r.mu.RUnlock()

	s := &Session{
		meta:    meta,
		logger:  r.logger,
		callers: make(map[string]Caller, len(servers)),
		tools:   make(map[string]sessionTool),
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for name, connector := range servers {
		g.Go(func() error {
			caller, err := connector.Connect(gctx)
			if err != nil {
				r.logger.Warn(gctx, "tool server connect failed", "server", name, "err", err)
				return nil
			}
			descs, err := caller.ListTools(gctx)
			if err != nil {
				r.logger.Warn(gctx, "tool listing failed", "server", name, "err", err)
				_ = caller.Close()
				return nil
			}
			mu.Lock()
			s.callers[name] = caller
			for _, desc := range descs {
				s.tools[Qualified(name, desc.Name)] = sessionTool{
					server: name,
					local:  desc.Name,
					desc:   desc,
					schema: compileSchema(desc.InputSchema),
				}
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Available returns the set of fully qualified tool names reachable in this
// session.
func (s *Session) Available() map[string]struct{} {
	set := make(map[string]struct{}, len(s.tools))
	for name := range s.tools {
		set[name] = struct{}{}
	}
	return set
}

// Definitions returns model tool definitions for the given qualified names,
// in the order given. Unknown names are skipped.
func (s *Session) Definitions(names []string) []Descriptor {
	defs := make([]Descriptor, 0, len(names))
	for _, name := range names {
		st, ok := s.tools[name]
		if !ok {
			continue
		}
		defs = append(defs, Descriptor{
			Name:        name,
			Description: st.desc.Description,
			InputSchema: st.desc.InputSchema,
		})
	}
	return defs
}

// Call invokes the qualified tool with the given arguments. Arguments are
// validated against the tool's input schema when one was published; schema
// violations are returned as errors without contacting the server.
func (s *Session) Call(ctx context.Context, qualified string, args map[string]any) (json.RawMessage, error) {
	st, ok := s.tools[qualified]
	if !ok {
		return nil, &ErrUnknownTool{Name: qualified}
	}
	if st.schema != nil {
		if err := st.schema.Validate(normalizeForSchema(args)); err != nil {
			return nil, fmt.Errorf("arguments rejected by %s schema: %w", qualified, err)
		}
	}
	caller := s.callers[st.server]
	resp, err := caller.CallTool(ctx, CallRequest{Tool: st.local, Arguments: args, Meta: s.meta})
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// Close closes every open server connection.
func (s *Session) Close() {
	for name, caller := range s.callers {
		if err := caller.Close(); err != nil {
			s.logger.Debug(context.Background(), "tool server close failed", "server", name, "err", err)
		}
	}
}

// compileSchema compiles the published input schema. Invalid or missing
// schemas disable validation for the tool rather than failing discovery.
func compileSchema(raw map[string]any) *jsonschema.Schema {
	if len(raw) == 0 {
		return nil
	}
	doc, err := roundTripJSON(raw)
	if err != nil {
		return nil
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("inline.json", doc); err != nil {
		return nil
	}
	schema, err := compiler.Compile("inline.json")
	if err != nil {
		return nil
	}
	return schema
}

// roundTripJSON re-decodes the schema map through the jsonschema decoder so
// numbers carry the representation the validator expects.
func roundTripJSON(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
}

func normalizeForSchema(args map[string]any) any {
	doc, err := roundTripJSON(args)
	if err != nil {
		return args
	}
	return doc
}
