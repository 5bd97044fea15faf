// Package workflow defines the persistent data model for the execution
// engine: workflow definitions, their polymorphic steps, triggers, execution
// instances, and the step output carrier passed between steps.
//
// Definitions (Workflow, Step, Trigger) are long-lived and owned by a user.
// Instances (Instance, StepInstance) record a single execution and transition
// monotonically to a terminal state. StepOutput is the single data carrier
// between steps: effectively its markdown representation, immutable once
// another step can observe it.
package workflow

import (
	"fmt"
	"time"
)

type (
	// Workflow is the definition of a linear pipeline: an ordered list of step
	// UUIDs executed in sequence, with at most one trigger.
	Workflow struct {
		// UUID uniquely identifies the workflow.
		UUID string `json:"uuid"`
		// UserID is the owning tenant.
		UserID string `json:"user_id"`
		// Name is the user-facing workflow name.
		Name string `json:"name"`
		// Description documents the workflow purpose.
		Description string `json:"description,omitempty"`
		// IsActive gates trigger-driven instance creation.
		IsActive bool `json:"is_active"`
		// TriggerUUID is the forward reference to the owned trigger, empty when
		// the workflow has none.
		TriggerUUID string `json:"trigger_uuid,omitempty"`
		// Steps is the ordered list of step definition UUIDs. Duplicates are
		// forbidden; every entry must resolve to a step owned by UserID.
		Steps []string `json:"steps"`

		CreatedAt time.Time `json:"created_at"`
		UpdatedAt time.Time `json:"updated_at"`
	}

	// Trigger is the initiation contract for a workflow. It is owned 1:1 by
	// the workflow referenced by WorkflowUUID and replaced as a whole on
	// change.
	Trigger struct {
		UUID         string `json:"uuid"`
		UserID       string `json:"user_id"`
		WorkflowUUID string `json:"workflow_uuid"`
		// FilterRules narrows which source items fire the trigger.
		FilterRules string `json:"filter_rules,omitempty"`
		// InitialDataDescription tells downstream prompts what the trigger
		// output contains.
		InitialDataDescription string `json:"initial_data_description,omitempty"`
		// TriggerPrompt and TriggerModel optionally shape the initial output
		// through an LLM pass before the instance starts.
		TriggerPrompt string `json:"trigger_prompt,omitempty"`
		TriggerModel  string `json:"trigger_model,omitempty"`

		CreatedAt time.Time `json:"created_at"`
		UpdatedAt time.Time `json:"updated_at"`
	}

	// StepOutput is the carrier of data between steps. Once its UUID is
	// observable by a later step the markdown representation never changes; a
	// step that needs different output creates a new StepOutput.
	StepOutput struct {
		UUID     string `json:"uuid"`
		Markdown string `json:"markdown_representation"`
	}
)

// Validate checks structural invariants of the definition: non-empty owner
// and name, and a duplicate-free steps list.
func (w *Workflow) Validate() error {
	if w.UUID == "" {
		return fmt.Errorf("workflow missing uuid")
	}
	if w.UserID == "" {
		return fmt.Errorf("workflow %s missing user id", w.UUID)
	}
	if w.Name == "" {
		return fmt.Errorf("workflow %s missing name", w.UUID)
	}
	seen := make(map[string]struct{}, len(w.Steps))
	for _, id := range w.Steps {
		if _, ok := seen[id]; ok {
			return fmt.Errorf("workflow %s references step %s twice", w.UUID, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// StepIndex returns the position of the given step UUID in the steps list and
// whether it is present.
func (w *Workflow) StepIndex(stepUUID string) (int, bool) {
	for i, id := range w.Steps {
		if id == stepUUID {
			return i, true
		}
	}
	return 0, false
}
