package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pipevine/pipevine/runtime/model"
	"github.com/pipevine/pipevine/runtime/runlog"
	"github.com/pipevine/pipevine/runtime/telemetry"
	"github.com/pipevine/pipevine/runtime/workflow"
)

// runLLMStep executes a single non-tool LLM call. Exactly one assistant
// message is appended on success; cost is looked up and deducted once when
// the provider returned a generation id. The run log entry is emitted
// whatever the outcome.
func (r *Runner) runLLMStep(ctx context.Context, inst *workflow.Instance, si *workflow.StepInstance, stepDef *workflow.Step, resolved string) (output *workflow.StepOutput, err error) {
	started := r.now()
	var (
		usage model.Usage
		cost  float64
	)
	defer func() {
		status := workflow.StepCompleted
		if err != nil {
			status = workflow.StepFailed
			si.ErrorMessage = err.Error()
		}
		si.Finish(status, r.now())
		r.appendLLMRunlog(ctx, inst, si, stepDef, started, usage, cost)
		r.metrics.RecordTimer(telemetry.MetricStepDuration, r.now().Sub(started), "type", "llm")
	}()

	if err = r.gate.Check(ctx, inst.UserID); err != nil {
		return nil, err
	}

	client, ok := r.models.Client(stepDef.LLM.Model)
	if !ok {
		err = fmt.Errorf("no client for model %q", stepDef.LLM.Model)
		return nil, err
	}

	si.Messages = []workflow.Message{
		workflow.SystemMessage(resolved),
		workflow.UserMessage("Proceed as instructed."),
	}
	resp, cerr := client.Chat(ctx, model.Request{
		Model: stepDef.LLM.Model,
		Messages: []model.Message{
			{Role: workflow.RoleSystem, Content: resolved},
			{Role: workflow.RoleUser, Content: "Proceed as instructed."},
		},
	})
	if cerr != nil {
		err = fmt.Errorf("model call failed: %w", cerr)
		return nil, err
	}
	usage = resp.Usage
	r.metrics.IncCounter(telemetry.MetricModelCalls, 1, "model", stepDef.LLM.Model)

	si.Messages = append(si.Messages, workflow.Message{Role: workflow.RoleAssistant, Content: resp.Message.Content})

	content := resp.Message.Content
	if content == "" {
		content = fmt.Sprintf("%s provided no final answer.", stepDef.Name)
	}
	output = &workflow.StepOutput{UUID: si.UUID, Markdown: content}

	if resp.GenerationID != "" {
		cost = r.settleLLMCost(ctx, client, inst.UserID, resp.GenerationID)
	}
	return output, nil
}

// settleLLMCost looks up and deducts the generation cost. Failures are
// logged, never propagated: cost accounting does not change the step outcome.
func (r *Runner) settleLLMCost(ctx context.Context, client model.Client, userID, generationID string) float64 {
	cost, err := client.Cost(ctx, generationID)
	if err != nil {
		if !errors.Is(err, model.ErrCostUnavailable) {
			r.logger.Warn(ctx, "generation cost lookup failed", "generation", generationID, "err", err)
		}
		return 0
	}
	if err := r.gate.Deduct(ctx, userID, cost); err != nil {
		r.logger.Warn(ctx, "balance deduction failed", "user", userID, "err", err)
	}
	return cost
}

func (r *Runner) appendLLMRunlog(ctx context.Context, inst *workflow.Instance, si *workflow.StepInstance, stepDef *workflow.Step, started time.Time, usage model.Usage, cost float64) {
	if r.sink == nil {
		return
	}
	entry := &runlog.Entry{
		UserID:           inst.UserID,
		WorkflowUUID:     inst.WorkflowUUID,
		InstanceUUID:     inst.UUID,
		StepInstanceUUID: si.UUID,
		StepUUID:         si.StepUUID,
		StepType:         workflow.StepTypeLLM,
		Status:           si.Status,
		Model:            stepDef.LLM.Model,
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
		r.logger.Warn(ctx, "run log append failed", "instance", inst.UUID, "err", err)
	}
}
