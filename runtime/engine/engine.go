// Package engine implements the workflow runner: the per-instance state
// machine that executes steps in order, resolves cross-step references,
// persists progress after every step, and honors stop conditions and
// cancellation. It also hosts the single-call LLM step runner, the stop
// checker, RAG dispatch, and the startup sweep.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pipevine/pipevine/runtime/agent"
	"github.com/pipevine/pipevine/runtime/balance"
	"github.com/pipevine/pipevine/runtime/model"
	"github.com/pipevine/pipevine/runtime/resolve"
	"github.com/pipevine/pipevine/runtime/runlog"
	"github.com/pipevine/pipevine/runtime/store"
	"github.com/pipevine/pipevine/runtime/telemetry"
	"github.com/pipevine/pipevine/runtime/workflow"
)

type (
	// Runner executes workflow instances. Steps within one instance run
	// strictly sequentially; distinct instances may run concurrently on
	// separate goroutines sharing only the store.
	Runner struct {
		store    store.Store
		models   *model.Registry
		agents   *agent.Runner
		gate     *balance.Gate
		searcher VectorSearcher
		sink     runlog.Sink
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		tracer   telemetry.Tracer
		now      func() time.Time
	}

	// Options configures a Runner.
	Options struct {
		// Store is the persistence layer. Required.
		Store store.Store
		// Models resolves chat clients for LLM steps. Required.
		Models *model.Registry
		// Agents runs agent steps. Required.
		Agents *agent.Runner
		// Gate checks and deducts balances for LLM steps. Required.
		Gate *balance.Gate
		// Searcher serves RAG steps. Optional; RAG steps fail without one.
		Searcher VectorSearcher
		// Runlog receives one entry per LLM step and one per instance.
		// Optional.
		Runlog runlog.Sink
		// Logger, Metrics, Tracer default to noops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
		// Now overrides the clock in tests.
		Now func() time.Time
	}

	// Suspension reports that an agent step paused for human input. The
	// instance stays running; Resume continues it.
	Suspension struct {
		InstanceUUID     string
		StepInstanceUUID string
		StepIndex        int
		Human            *agent.HumanInputRequired
	}
)

// New builds a Runner.
func New(opts Options) (*Runner, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Models == nil {
		return nil, errors.New("models is required")
	}
	if opts.Agents == nil {
		return nil, errors.New("agents is required")
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
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NoopTracer{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Runner{
		store:    opts.Store,
		models:   opts.Models,
		agents:   opts.Agents,
		gate:     opts.Gate,
		searcher: opts.Searcher,
		sink:     opts.Runlog,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		now:      opts.Now,
	}, nil
}

// Run executes one workflow instance to a terminal state. The definition is
// captured once at the start; later edits do not affect the run. Step
// failures never propagate as errors: they are recorded on the step and
// instance, and Run returns nil. The error return covers precondition
// violations only (instance missing, not running, owned by someone else).
//
// A non-nil Suspension means an agent step paused for human input; the
// instance is left running and the caller resumes via Resume.
func (r *Runner) Run(ctx context.Context, instanceUUID, userID string) (*Suspension, error) {
	ctx, span := r.tracer.Start(ctx, "workflow.run")
	defer span.End()

	inst, err := r.store.Instance(ctx, userID, instanceUUID)
	if err != nil {
		return nil, fmt.Errorf("load instance %s: %w", instanceUUID, err)
	}
	if inst.Status != workflow.InstanceRunning {
		return nil, fmt.Errorf("instance %s is %s, not running", instanceUUID, inst.Status)
	}
	r.metrics.IncCounter(telemetry.MetricInstancesStarted, 1)

	def, err := r.store.Workflow(ctx, userID, inst.WorkflowUUID)
	if err != nil {
		r.failInstance(ctx, inst, fmt.Sprintf("workflow definition %s not found", inst.WorkflowUUID))
		return nil, nil
	}

	return r.runSteps(ctx, inst, def, r.indexOutputs(inst), len(inst.StepInstances))
}

// Resume continues an instance suspended on human input. The pending step is
// the last step instance; after the agent loop finishes, the remaining steps
// run as usual.
func (r *Runner) Resume(ctx context.Context, instanceUUID, userID string, input agent.HumanInput) (*Suspension, error) {
	inst, err := r.store.Instance(ctx, userID, instanceUUID)
	if err != nil {
		return nil, fmt.Errorf("load instance %s: %w", instanceUUID, err)
	}
	if inst.Status != workflow.InstanceRunning {
		return nil, fmt.Errorf("instance %s is %s, not running", instanceUUID, inst.Status)
	}
	if len(inst.StepInstances) == 0 {
		return nil, fmt.Errorf("instance %s has no suspended step", instanceUUID)
	}
	si := &inst.StepInstances[len(inst.StepInstances)-1]
	if si.Type != workflow.StepTypeAgent || si.Status.Terminal() {
		return nil, fmt.Errorf("instance %s has no suspended agent step", instanceUUID)
	}

	def, err := r.store.Workflow(ctx, userID, inst.WorkflowUUID)
	if err != nil {
		r.failInstance(ctx, inst, fmt.Sprintf("workflow definition %s not found", inst.WorkflowUUID))
		return nil, nil
	}
	idx, ok := def.StepIndex(si.StepUUID)
	if !ok {
		r.failInstance(ctx, inst, fmt.Sprintf("suspended step %s not in workflow definition", si.StepUUID))
		return nil, nil
	}
	stepDef, err := r.store.Step(ctx, userID, si.StepUUID)
	if err != nil {
		r.failStep(ctx, inst, si, fmt.Sprintf("step definition %s not found", si.StepUUID))
		return nil, nil
	}

	outputs := r.indexOutputs(inst)
	res, aerr := r.agents.Resume(ctx, agent.Request{
		Step:         resolvedAgentStep(stepDef, si.InputData),
		StepInstance: si,
		WorkflowUUID: inst.WorkflowUUID,
		InstanceUUID: inst.UUID,
		UserID:       inst.UserID,
	}, input)
	susp, done := r.settleAgentStep(ctx, inst, si, idx, outputs, stepDef, res, aerr)
	if !done {
		return susp, nil
	}
	return r.runSteps(ctx, inst, def, outputs, idx+1)
}

// runSteps executes definition steps from index start, persisting after each
// one, and sets the terminal instance status.
func (r *Runner) runSteps(ctx context.Context, inst *workflow.Instance, def *workflow.Workflow, outputs resolve.Outputs, start int) (*Suspension, error) {
	for i := start; i < len(def.Steps); i++ {
		if cancelled, err := r.observeCancellation(ctx, inst); err != nil || cancelled {
			return nil, err
		}

		stepDef, err := r.store.Step(ctx, inst.UserID, def.Steps[i])
		if err != nil {
			si := r.startStepInstance(ctx, inst, def.Steps[i], "", "")
			r.failStep(ctx, inst, si, fmt.Sprintf("step definition %s not found", def.Steps[i]))
			return nil, nil
		}

		resolved := resolve.Resolve(stepDef.Prompt(), outputs, r.now())
		si := r.startStepInstance(ctx, inst, stepDef.UUID, stepDef.Type, resolved)

		switch stepDef.Type {
		case workflow.StepTypeLLM:
			output, err := r.runLLMStep(ctx, inst, si, stepDef, resolved)
			if err != nil {
				r.failStep(ctx, inst, si, err.Error())
				return nil, nil
			}
			r.completeStep(ctx, inst, si, output, outputs, stepDef.UUID)

		case workflow.StepTypeAgent:
			res, aerr := r.agents.Run(ctx, agent.Request{
				Step:         resolvedAgentStep(stepDef, resolved),
				StepInstance: si,
				WorkflowUUID: inst.WorkflowUUID,
				InstanceUUID: inst.UUID,
				UserID:       inst.UserID,
			})
			susp, done := r.settleAgentStep(ctx, inst, si, i, outputs, stepDef, res, aerr)
			if !done {
				return susp, nil
			}

		case workflow.StepTypeStopChecker:
			result := evalStopChecker(stepDef.StopChecker, outputs)
			r.logger.Info(ctx, "stop checker evaluated",
				"instance", inst.UUID, "step", stepDef.UUID,
				"should_stop", result.ShouldStop, "reason", result.Reason)
			r.completeStep(ctx, inst, si, nil, outputs, stepDef.UUID)
			if result.ShouldStop {
				r.finishInstance(ctx, inst, workflow.InstanceStopped, "")
				return nil, nil
			}

		case workflow.StepTypeRAG:
			output, err := r.runRAGStep(ctx, inst, si, stepDef, resolved)
			if err != nil {
				r.failStep(ctx, inst, si, err.Error())
				return nil, nil
			}
			r.completeStep(ctx, inst, si, output, outputs, stepDef.UUID)

		default:
			r.failStep(ctx, inst, si, fmt.Sprintf("unknown step type %q", stepDef.Type))
			return nil, nil
		}
	}

	r.finishInstance(ctx, inst, workflow.InstanceCompleted, "")
	return nil, nil
}

// settleAgentStep translates an agent runner outcome into instance state.
// done reports whether the workflow should continue to the next step.
func (r *Runner) settleAgentStep(ctx context.Context, inst *workflow.Instance, si *workflow.StepInstance, idx int, outputs resolve.Outputs, stepDef *workflow.Step, res *agent.Result, aerr error) (*Suspension, bool) {
	if aerr != nil {
		// The agent runner already marked the step instance failed; persist
		// that state and fail the run.
		r.persistStep(ctx, inst, si)
		r.finishInstance(ctx, inst, workflow.InstanceFailed, aerr.Error())
		return nil, false
	}
	if res.Human != nil {
		r.persistStep(ctx, inst, si)
		r.logger.Info(ctx, "instance suspended for human input",
			"instance", inst.UUID, "step", stepDef.UUID, "tool_call", res.Human.ToolCallID)
		return &Suspension{
			InstanceUUID:     inst.UUID,
			StepInstanceUUID: si.UUID,
			StepIndex:        idx,
			Human:            res.Human,
		}, false
	}
	r.completeStep(ctx, inst, si, res.Output, outputs, stepDef.UUID)
	return nil, true
}

// observeCancellation checks for an external cancel between steps. Both
// context cancellation and an externally written cancelled status end the
// run with the workflow-level summary every terminal path emits.
func (r *Runner) observeCancellation(ctx context.Context, inst *workflow.Instance) (bool, error) {
	if ctx.Err() != nil {
		r.finishInstance(context.WithoutCancel(ctx), inst, workflow.InstanceCancelled, "cancelled")
		return true, nil
	}
	fresh, err := r.store.Instance(ctx, inst.UserID, inst.UUID)
	if err != nil {
		return false, fmt.Errorf("reload instance %s: %w", inst.UUID, err)
	}
	if fresh.Status == workflow.InstanceCancelled {
		r.logger.Info(ctx, "instance cancelled externally", "instance", inst.UUID)
		inst.Status = fresh.Status
		inst.ErrorMessage = fresh.ErrorMessage
		r.metrics.IncCounter(telemetry.MetricInstancesFinished, 1, "status", string(inst.Status))
		r.appendInstanceRunlog(ctx, inst)
		return true, nil
	}
	return false, nil
}

// startStepInstance creates and persists a running step instance.
func (r *Runner) startStepInstance(ctx context.Context, inst *workflow.Instance, stepUUID string, typ workflow.StepType, input string) *workflow.StepInstance {
	si := workflow.StepInstance{
		UUID:         uuid.NewString(),
		InstanceUUID: inst.UUID,
		StepUUID:     stepUUID,
		Type:         typ,
		Status:       workflow.StepRunning,
		StartedAt:    r.now(),
		InputData:    input,
	}
	inst.StepInstances = append(inst.StepInstances, si)
	ref := &inst.StepInstances[len(inst.StepInstances)-1]
	r.persistStep(ctx, inst, ref)
	return ref
}

// completeStep finishes the step instance, records its output, and indexes
// the output for later references.
func (r *Runner) completeStep(ctx context.Context, inst *workflow.Instance, si *workflow.StepInstance, output *workflow.StepOutput, outputs resolve.Outputs, stepUUID string) {
	if !si.Status.Terminal() {
		si.Finish(workflow.StepCompleted, r.now())
	}
	si.Output = output
	r.persistStep(ctx, inst, si)
	if output != nil {
		outputs[stepUUID] = output
	}
}

// failStep marks the step failed and the instance failed with the same
// reason.
func (r *Runner) failStep(ctx context.Context, inst *workflow.Instance, si *workflow.StepInstance, reason string) {
	si.ErrorMessage = reason
	si.Finish(workflow.StepFailed, r.now())
	r.persistStep(ctx, inst, si)
	r.finishInstance(ctx, inst, workflow.InstanceFailed, reason)
}

func (r *Runner) persistStep(ctx context.Context, inst *workflow.Instance, si *workflow.StepInstance) {
	if err := r.store.PutStepInstance(ctx, inst.UserID, si); err != nil {
		r.logger.Error(ctx, "persist step instance failed",
			"instance", inst.UUID, "step_instance", si.UUID, "err", err)
	}
}

// failInstance marks the instance failed without an associated step.
func (r *Runner) failInstance(ctx context.Context, inst *workflow.Instance, reason string) {
	r.finishInstance(ctx, inst, workflow.InstanceFailed, reason)
}

// finishInstance writes the terminal status and emits the workflow-level
// summary. A lost terminal-status race (another writer finished the instance
// first) is logged and accepted.
func (r *Runner) finishInstance(ctx context.Context, inst *workflow.Instance, status workflow.InstanceStatus, reason string) {
	if err := r.store.SetInstanceStatus(ctx, inst.UserID, inst.UUID, status, reason); err != nil {
		if errors.Is(err, store.ErrTerminal) {
			r.logger.Info(ctx, "instance already terminal", "instance", inst.UUID)
			return
		}
		r.logger.Error(ctx, "persist instance status failed", "instance", inst.UUID, "err", err)
	}
	inst.Status = status
	inst.ErrorMessage = reason
	r.metrics.IncCounter(telemetry.MetricInstancesFinished, 1, "status", string(status))
	r.logger.Info(ctx, "workflow instance finished",
		"instance", inst.UUID, "workflow", inst.WorkflowUUID, "user", inst.UserID,
		"status", string(status), "steps", len(inst.StepInstances), "reason", reason)
	r.appendInstanceRunlog(ctx, inst)
}

func (r *Runner) appendInstanceRunlog(ctx context.Context, inst *workflow.Instance) {
	if r.sink == nil {
		return
	}
	entry := &runlog.Entry{
		UserID:       inst.UserID,
		WorkflowUUID: inst.WorkflowUUID,
		InstanceUUID: inst.UUID,
		StepType:     "workflow",
		Status:       instanceStepStatus(inst.Status),
		ErrorMessage: inst.ErrorMessage,
		StartedAt:    inst.CreatedAt,
		FinishedAt:   r.now(),
	}
	if err := r.sink.Append(ctx, entry); err != nil {
		r.logger.Warn(ctx, "run log append failed", "instance", inst.UUID, "err", err)
	}
}

// instanceStepStatus maps the instance status onto the step status vocabulary
// used by run log entries.
func instanceStepStatus(s workflow.InstanceStatus) workflow.StepStatus {
	switch s {
	case workflow.InstanceCompleted, workflow.InstanceStopped:
		return workflow.StepCompleted
	case workflow.InstanceCancelled:
		return workflow.StepCancelled
	default:
		return workflow.StepFailed
	}
}

// indexOutputs seeds the available-outputs index from the trigger output and
// every completed step instance.
func (r *Runner) indexOutputs(inst *workflow.Instance) resolve.Outputs {
	outputs := make(resolve.Outputs)
	if inst.TriggerOutput != nil {
		outputs[resolve.TriggerOutputKey] = inst.TriggerOutput
	}
	for i := range inst.StepInstances {
		si := &inst.StepInstances[i]
		if si.Output != nil {
			outputs[si.StepUUID] = si.Output
		}
	}
	return outputs
}

// resolvedAgentStep clones the step definition with the reference-resolved
// system prompt so the shared definition is never mutated.
func resolvedAgentStep(stepDef *workflow.Step, resolved string) *workflow.Step {
	cp := *stepDef
	ag := *stepDef.Agent
	ag.SystemPrompt = resolved
	cp.Agent = &ag
	return &cp
}
