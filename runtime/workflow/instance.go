package workflow

import "time"

// InstanceStatus is the lifecycle state of a workflow instance. Transitions
// are monotonic: once a terminal state is reached no further transition is
// permitted.
type InstanceStatus string

const (
	// InstanceRunning indicates the runner owns the instance and is executing
	// steps in order.
	InstanceRunning InstanceStatus = "running"
	// InstanceCompleted indicates every step ran to completion.
	InstanceCompleted InstanceStatus = "completed"
	// InstanceStopped indicates a stop checker ended the instance early. Not
	// a failure.
	InstanceStopped InstanceStatus = "stopped"
	// InstanceFailed indicates a step or the runner itself failed.
	InstanceFailed InstanceStatus = "failed"
	// InstanceCancelled indicates an external cancel request was observed
	// between steps.
	InstanceCancelled InstanceStatus = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case InstanceCompleted, InstanceStopped, InstanceFailed, InstanceCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next honors the monotonic
// state machine: only running→terminal moves are allowed.
func (s InstanceStatus) CanTransition(next InstanceStatus) bool {
	return s == InstanceRunning && next.Terminal()
}

// StepStatus is the lifecycle state of one step execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
)

// Terminal reports whether the step status is final. A step instance is
// terminal once FinishedAt is set.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepCancelled:
		return true
	}
	return false
}

type (
	// Instance records one execution run of a workflow. It exclusively owns
	// its step instances and carries the trigger output that seeded the run.
	Instance struct {
		UUID   string `json:"uuid"`
		UserID string `json:"user_id"`
		// WorkflowUUID references the definition executed. The runner captures
		// the definition once at run start; later edits do not affect an
		// in-flight instance.
		WorkflowUUID string         `json:"workflow_definition_uuid"`
		Status       InstanceStatus `json:"status"`
		// TriggerOutput is present iff the instance was created via a trigger.
		// Prompts reference it as trigger_output.
		TriggerOutput *StepOutput `json:"trigger_output,omitempty"`
		// StepInstances accumulates one entry per attempted step, in workflow
		// order.
		StepInstances []StepInstance `json:"step_instances"`
		ErrorMessage  string         `json:"error_message,omitempty"`

		CreatedAt time.Time `json:"created_at"`
		UpdatedAt time.Time `json:"updated_at"`
	}

	// StepInstance records one execution of one step. It is updated in place
	// while running and terminal once FinishedAt is set.
	StepInstance struct {
		UUID         string     `json:"uuid"`
		InstanceUUID string     `json:"workflow_instance_uuid"`
		StepUUID     string     `json:"step_definition_uuid"`
		Type         StepType   `json:"type"`
		Status       StepStatus `json:"status"`
		StartedAt    time.Time  `json:"started_at"`
		FinishedAt   *time.Time `json:"finished_at,omitempty"`
		// Messages is the append-only conversation transcript for LLM and
		// agent steps.
		Messages []Message `json:"messages,omitempty"`
		// Output is set when the step completes and produces data. Stop
		// checkers produce none.
		Output *StepOutput `json:"output,omitempty"`
		// InputData records the resolved prompt or query the step ran with.
		InputData    string `json:"input_data,omitempty"`
		ErrorMessage string `json:"error_message,omitempty"`
	}
)

// Finish marks the step instance terminal with the given status at now.
func (si *StepInstance) Finish(status StepStatus, now time.Time) {
	si.Status = status
	t := now
	si.FinishedAt = &t
}
