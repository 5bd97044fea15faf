// Package runlog provides an append-only execution log for workflow steps.
//
// Every model-bearing step (LLM or agent) appends one entry when it finishes,
// whatever the outcome. Entries carry the conversation transcript, token and
// cost totals, and the terminal step status, so a run can be reconstructed
// without replaying it.
package runlog

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pipevine/pipevine/runtime/workflow"
)

type (
	// Entry is a single immutable step execution record.
	//
	// Sink implementations assign the ID when persisting the entry. IDs are
	// opaque and monotonically ordered within an instance.
	Entry struct {
		// ID is the sink-assigned opaque identifier for this entry.
		ID string `json:"id,omitempty"`
		// UserID is the tenant that owns the run.
		UserID string `json:"user_id"`
		// WorkflowUUID identifies the workflow definition.
		WorkflowUUID string `json:"workflow_uuid"`
		// InstanceUUID identifies the workflow instance.
		InstanceUUID string `json:"instance_uuid"`
		// StepInstanceUUID identifies the step execution.
		StepInstanceUUID string `json:"step_instance_uuid"`
		// StepUUID identifies the step definition.
		StepUUID string `json:"step_uuid"`
		// StepType is the kind of step that ran.
		StepType workflow.StepType `json:"step_type"`
		// Status is the terminal step status.
		Status workflow.StepStatus `json:"status"`
		// Model is the model identifier used, if any.
		Model string `json:"model,omitempty"`
		// Messages is the full conversation transcript of the step.
		Messages []workflow.Message `json:"messages,omitempty"`
		// PromptTokens and CompletionTokens accumulate across all model turns
		// of the step.
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
		// CostUSD is the total generation cost deducted for the step. Zero when
		// the provider reports no cost.
		CostUSD float64 `json:"cost_usd"`
		// ErrorMessage carries the failure description for failed steps.
		ErrorMessage string `json:"error_message,omitempty"`
		// StartedAt and FinishedAt bound the step execution.
		StartedAt  time.Time `json:"started_at"`
		FinishedAt time.Time `json:"finished_at"`
	}

	// Sink is an append-only store of step execution records.
	//
	// Append failures are logged and swallowed by callers: the run log is an
	// introspection aid, not a correctness dependency.
	Sink interface {
		// Append stores the entry. Implementations assign the entry ID.
		Append(ctx context.Context, e *Entry) error

		// List returns every entry appended for the given instance, oldest
		// first.
		List(ctx context.Context, instanceUUID string) ([]*Entry, error)
	}
)

// InMemSink is a Sink backed by process memory. Safe for concurrent use.
// Intended for tests and single-process deployments.
type InMemSink struct {
	mu      sync.RWMutex
	entries map[string][]*Entry
	next    int
}

// NewInMemSink builds an empty InMemSink.
func NewInMemSink() *InMemSink {
	return &InMemSink{entries: make(map[string][]*Entry)}
}

// Append implements Sink.
func (s *InMemSink) Append(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	stored := *e
	stored.ID = strconv.Itoa(s.next)
	s.entries[e.InstanceUUID] = append(s.entries[e.InstanceUUID], &stored)
	return nil
}

// List implements Sink.
func (s *InMemSink) List(_ context.Context, instanceUUID string) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.entries[instanceUUID]
	out := make([]*Entry, len(src))
	copy(out, src)
	return out, nil
}
