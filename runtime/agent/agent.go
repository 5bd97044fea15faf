// Package agent implements the multi-turn agent step runner: LLM reasoning
// interleaved with parallel external tool invocation, bounded by a cycle cap
// and a per-turn parallel-call cap, with human-in-the-loop suspension.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pipevine/pipevine/runtime/balance"
	"github.com/pipevine/pipevine/runtime/model"
	"github.com/pipevine/pipevine/runtime/runlog"
	"github.com/pipevine/pipevine/runtime/telemetry"
	"github.com/pipevine/pipevine/runtime/tools"
	"github.com/pipevine/pipevine/runtime/workflow"
)

// Default caps, overridable via Options.
const (
	DefaultMaxCycles        = 10
	DefaultMaxParallelCalls = 5
)

type (
	// Runner executes agent steps. Safe for concurrent use across step
	// instances; a single step instance must not be run concurrently.
	Runner struct {
		models    *model.Registry
		tools     *tools.Registry
		gate      *balance.Gate
		sink      runlog.Sink
		logger    telemetry.Logger
		metrics   telemetry.Metrics
		maxCycles int
		maxCalls  int
		humanTool string
		now       func() time.Time
	}

	// Options configures a Runner.
	Options struct {
		// Models resolves chat clients by model id. Required.
		Models *model.Registry
		// Tools is the tool server registry. Required.
		Tools *tools.Registry
		// Gate checks and deducts user balances. Required.
		Gate *balance.Gate
		// Runlog receives one entry per finished step. Optional.
		Runlog runlog.Sink
		// Logger, Metrics default to noops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		// MaxCycles caps LLM turns per step. Zero means DefaultMaxCycles.
		MaxCycles int
		// MaxParallelCalls caps concurrent tool calls per turn. Negative means
		// DefaultMaxParallelCalls; zero rejects every call.
		MaxParallelCalls int
		// HumanInputTool is the fully qualified name of the tool whose
		// invocation suspends the step for human input. Empty disables the
		// short-circuit.
		HumanInputTool string
		// Now overrides the clock in tests.
		Now func() time.Time
	}

	// Request carries one agent step execution. The step's system prompt must
	// already be reference-resolved; Instance fields identify the run for
	// transport headers and the run log.
	Request struct {
		Step         *workflow.Step
		StepInstance *workflow.StepInstance
		WorkflowUUID string
		InstanceUUID string
		UserID       string
	}

	// Result is the outcome of Run or Resume. Exactly one of Output and Human
	// is set on success; Human marks a suspension, not a terminal state.
	Result struct {
		Output  *workflow.StepOutput
		Human   *HumanInputRequired
		Usage   model.Usage
		CostUSD float64
	}

	// HumanInputRequired describes a suspended step awaiting caller input.
	HumanInputRequired struct {
		// ToolCallID identifies the pending call; Resume must echo it.
		ToolCallID string `json:"tool_call_id"`
		// Data carries the model's suggested arguments.
		Data map[string]any `json:"data"`
	}

	// HumanInput resumes a suspended step.
	HumanInput struct {
		ToolCallID string `json:"tool_call_id"`
		UserInput  any    `json:"user_input"`
	}
)

// New builds a Runner.
func New(opts Options) (*Runner, error) {
	if opts.Models == nil {
		return nil, errors.New("models is required")
	}
	if opts.Tools == nil {
		return nil, errors.New("tools is required")
	}
	if opts.Gate == nil {
		return nil, errors.New("gate is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NoopMetrics{}
	}
	if opts.MaxCycles <= 0 {
		opts.MaxCycles = DefaultMaxCycles
	}
	if opts.MaxParallelCalls < 0 {
		opts.MaxParallelCalls = DefaultMaxParallelCalls
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Runner{
		models:    opts.Models,
		tools:     opts.Tools,
		gate:      opts.Gate,
		sink:      opts.Runlog,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		maxCycles: opts.MaxCycles,
		maxCalls:  opts.MaxParallelCalls,
		humanTool: opts.HumanInputTool,
		now:       opts.Now,
	}, nil
}

// Run executes the agent loop from the beginning. The step instance is
// mutated in place: messages accumulate as the loop progresses and the
// terminal status is set unless the step suspends for human input. On
// suspension the instance stays running with its transcript preserved and
// Result.Human is set.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	if len(req.StepInstance.Messages) == 0 {
		req.StepInstance.Messages = []workflow.Message{
			workflow.SystemMessage(req.Step.Agent.SystemPrompt),
			workflow.UserMessage("Proceed as instructed."),
		}
	}
	return r.loop(ctx, req)
}

// Resume continues a suspended step. The synthesized tool message answers the
// pending call with the JSON-encoded user input, then the loop re-enters at
// the balance check.
func (r *Runner) Resume(ctx context.Context, req Request, input HumanInput) (*Result, error) {
	content, err := json.Marshal(input.UserInput)
	if err != nil {
		content = []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
	}
	req.StepInstance.Messages = append(req.StepInstance.Messages,
		workflow.ToolMessage(input.ToolCallID, r.humanTool, string(content)))
	return r.loop(ctx, req)
}

func (r *Runner) loop(ctx context.Context, req Request) (result *Result, err error) {
	si := req.StepInstance
	step := req.Step
	started := r.now()

	client, ok := r.models.Client(step.Agent.Model)
	if !ok {
		err = fmt.Errorf("no client for model %q", step.Agent.Model)
	}

	var (
		usage         model.Usage
		generationIDs []string
		cost          float64
		suspended     bool
	)

	// Terminal bookkeeping runs even when the loop errors mid-turn so partial
	// transcripts stay observable. A suspension still settles the cost of the
	// generations made before the pause; it only skips the terminal writes,
	// because the step is not done.
	defer func() {
		cost = r.settleCost(ctx, client, req.UserID, generationIDs)
		if result != nil {
			result.Usage = usage
			result.CostUSD = cost
		}
		if suspended {
			return
		}
		status := workflow.StepCompleted
		if err != nil {
			status = workflow.StepFailed
			si.ErrorMessage = err.Error()
		}
		si.Finish(status, r.now())
		r.appendRunlog(ctx, req, started, usage, cost)
		r.metrics.RecordTimer(telemetry.MetricStepDuration, r.now().Sub(started), "type", "agent")
	}()

	if err != nil {
		return nil, err
	}

	session, serr := r.tools.Session(ctx, tools.CallMeta{UserID: req.UserID, InstanceUUID: req.InstanceUUID})
	if serr != nil {
		err = fmt.Errorf("open tool session: %w", serr)
		return nil, err
	}
	defer session.Close()

	enabled := step.Agent.EnabledTools()
	sort.Strings(enabled)
	if missing := missingTools(enabled, session.Available()); len(missing) > 0 {
		err = fmt.Errorf("required tools unavailable: %s", strings.Join(missing, ", "))
		return nil, err
	}
	defs := toolDefinitions(session.Definitions(enabled))

	turns := assistantTurns(si.Messages)
	for turn := turns + 1; turn <= r.maxCycles; turn++ {
		if gerr := r.gate.Check(ctx, req.UserID); gerr != nil {
			err = gerr
			return nil, err
		}

		resp, cerr := client.Chat(ctx, model.Request{
			Model:    step.Agent.Model,
			Messages: toModelMessages(si.Messages),
			Tools:    defs,
		})
		if cerr != nil {
			err = fmt.Errorf("model call failed on turn %d: %w", turn, cerr)
			return nil, err
		}
		usage.Add(resp.Usage)
		if resp.GenerationID != "" {
			generationIDs = append(generationIDs, resp.GenerationID)
		}
		r.metrics.IncCounter(telemetry.MetricModelCalls, 1, "model", step.Agent.Model)

		assistant := fromModelMessage(resp.Message)
		si.Messages = append(si.Messages, assistant)

		if len(assistant.ToolCalls) == 0 {
			content := assistant.Content
			if content == "" {
				content = fmt.Sprintf("%s provided no final answer.", step.Name)
			}
			result = &Result{Output: &workflow.StepOutput{UUID: si.UUID, Markdown: content}}
			return result, nil
		}

		if human := r.humanShortCircuit(assistant.ToolCalls); human != nil {
			suspended = true
			r.metrics.IncCounter(telemetry.MetricHumanInputRequests, 1)
			r.logger.Info(ctx, "agent step awaiting human input",
				"instance", req.InstanceUUID, "step", step.UUID, "tool_call", human.ToolCallID)
			return &Result{Human: human}, nil
		}

		si.Messages = append(si.Messages, r.executeToolCalls(ctx, session, assistant.ToolCalls)...)
	}

	r.logger.Warn(ctx, "agent step hit cycle cap",
		"instance", req.InstanceUUID, "step", step.UUID, "max_cycles", r.maxCycles)
	result = &Result{Output: &workflow.StepOutput{
		UUID:     si.UUID,
		Markdown: fmt.Sprintf("## Agent Timed Out\n\nThe agent reached the maximum of %d reasoning cycles without a final answer.", r.maxCycles),
	}}
	return result, nil
}

// humanShortCircuit returns the suspension descriptor when any call targets
// the designated human-input tool. No tool executes on such a turn.
func (r *Runner) humanShortCircuit(calls []workflow.ToolCall) *HumanInputRequired {
	if r.humanTool == "" {
		return nil
	}
	for _, tc := range calls {
		if tc.Function.Name != r.humanTool {
			continue
		}
		data, err := tc.DecodeArguments()
		if err != nil {
			data = map[string]any{"raw": tc.Function.Arguments}
		}
		// Models propose values under "suggested_" keys; the surfaced data
		// carries the bare field names.
		surfaced := make(map[string]any, len(data))
		for k, v := range data {
			surfaced[strings.TrimPrefix(k, "suggested_")] = v
		}
		return &HumanInputRequired{ToolCallID: tc.ID, Data: surfaced}
	}
	return nil
}

// executeToolCalls runs the first maxCalls calls concurrently and synthesizes
// rejection payloads for the overflow. One tool message per call id is
// returned, accepted results first.
func (r *Runner) executeToolCalls(ctx context.Context, session *tools.Session, calls []workflow.ToolCall) []workflow.Message {
	accepted := len(calls)
	if accepted > r.maxCalls {
		accepted = r.maxCalls
	}

	results := make([]string, accepted)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < accepted; i++ {
		tc := calls[i]
		idx := i
		g.Go(func() error {
			results[idx] = r.invokeTool(gctx, session, tc)
			return nil
		})
	}
	_ = g.Wait()

	msgs := make([]workflow.Message, 0, len(calls))
	for i := 0; i < accepted; i++ {
		msgs = append(msgs, workflow.ToolMessage(calls[i].ID, calls[i].Function.Name, results[i]))
	}
	for i := accepted; i < len(calls); i++ {
		payload, _ := json.Marshal(map[string]any{
			"error":          "too_many_parallel_tool_calls",
			"called":         len(calls),
			"max_allowed":    r.maxCalls,
			"rejected_index": i,
			"tool":           calls[i].Function.Name,
		})
		msgs = append(msgs, workflow.ToolMessage(calls[i].ID, calls[i].Function.Name, string(payload)))
		r.metrics.IncCounter(telemetry.MetricToolCalls, 1, "outcome", "rejected")
	}
	return msgs
}

// invokeTool dispatches one call and renders its transcript content. Failures
// become error text so the loop continues.
func (r *Runner) invokeTool(ctx context.Context, session *tools.Session, tc workflow.ToolCall) string {
	args, err := tc.DecodeArguments()
	if err != nil {
		r.metrics.IncCounter(telemetry.MetricToolCalls, 1, "outcome", "error")
		return fmt.Sprintf("Error executing tool: invalid arguments: %s", err)
	}
	// Argument pointer resolution is retained but not applied; see args.go.
	// args = resolveArgumentPointers(args, outputs)
	raw, err := session.Call(ctx, tc.Function.Name, args)
	if err != nil {
		r.metrics.IncCounter(telemetry.MetricToolCalls, 1, "outcome", "error")
		return fmt.Sprintf("Error executing tool: %s", err)
	}
	r.metrics.IncCounter(telemetry.MetricToolCalls, 1, "outcome", "ok")
	return tools.Stringify(raw)
}

// settleCost retrieves the cost of every generation observed in this
// invocation and deducts the sum once. Retrieval and deduction failures are
// logged, never propagated.
func (r *Runner) settleCost(ctx context.Context, client model.Client, userID string, generationIDs []string) float64 {
	if client == nil || len(generationIDs) == 0 {
		return 0
	}
	var total float64
	for _, id := range generationIDs {
		c, err := client.Cost(ctx, id)
		if err != nil {
			if !errors.Is(err, model.ErrCostUnavailable) {
				r.logger.Warn(ctx, "generation cost lookup failed", "generation", id, "err", err)
			}
			continue
		}
		total += c
	}
	if total > 0 {
		if err := r.gate.Deduct(ctx, userID, total); err != nil {
			r.logger.Warn(ctx, "balance deduction failed", "user", userID, "err", err)
		}
	}
	return total
}

func (r *Runner) appendRunlog(ctx context.Context, req Request, started time.Time, usage model.Usage, cost float64) {
	if r.sink == nil {
		return
	}
	si := req.StepInstance
	entry := &runlog.Entry{
		UserID:           req.UserID,
		WorkflowUUID:     req.WorkflowUUID,
		InstanceUUID:     req.InstanceUUID,
		StepInstanceUUID: si.UUID,
		StepUUID:         si.StepUUID,
		StepType:         workflow.StepTypeAgent,
		Status:           si.Status,
		Model:            req.Step.Agent.Model,
		Messages:         si.Messages,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		CostUSD:          cost,
		ErrorMessage:     si.ErrorMessage,
		StartedAt:        started,
		FinishedAt:       r.now(),
	}
	if err := r.sink.Append(ctx, entry); err != nil {
		r.logger.Warn(ctx, "run log append failed", "instance", req.InstanceUUID, "err", err)
	}
}

// missingTools returns enabled tool ids absent from the available set,
// preserving the order of enabled.
func missingTools(enabled []string, available map[string]struct{}) []string {
	var missing []string
	for _, id := range enabled {
		if _, ok := available[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

// assistantTurns counts assistant messages already in the transcript so a
// resumed loop keeps the original cycle budget.
func assistantTurns(msgs []workflow.Message) int {
	var n int
	for _, m := range msgs {
		if m.Role == workflow.RoleAssistant {
			n++
		}
	}
	return n
}

func toolDefinitions(descs []tools.Descriptor) []model.ToolDefinition {
	defs := make([]model.ToolDefinition, len(descs))
	for i, d := range descs {
		defs[i] = model.ToolDefinition{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema}
	}
	return defs
}

func toModelMessages(msgs []workflow.Message) []model.Message {
	out := make([]model.Message, len(msgs))
	for i, m := range msgs {
		mm := model.Message{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID, Name: m.Name}
		for _, tc := range m.ToolCalls {
			mm.ToolCalls = append(mm.ToolCalls, model.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
		}
		out[i] = mm
	}
	return out
}

func fromModelMessage(m model.Message) workflow.Message {
	msg := workflow.Message{Role: workflow.RoleAssistant, Content: m.Content}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, workflow.ToolCall{
			ID:       tc.ID,
			Function: workflow.ToolFunction{Name: tc.Name, Arguments: tc.Arguments},
		})
	}
	return msg
}
