package workflow

import (
	"fmt"
	"time"
)

// StepType tags the polymorphic step definition. Steps are sum types over
// this tag: the promoted columns (uuid, user id, name, type, timestamps) are
// shared and exactly one of the type-specific detail structs is set.
type StepType string

const (
	// StepTypeLLM is a single non-tool LLM call.
	StepTypeLLM StepType = "llm"
	// StepTypeAgent is a multi-turn LLM loop with external tool invocation.
	StepTypeAgent StepType = "agent"
	// StepTypeStopChecker evaluates a textual condition against a prior step
	// output and may stop the instance.
	StepTypeStopChecker StepType = "stop_checker"
	// StepTypeRAG retrieves from the user's vector collection.
	StepTypeRAG StepType = "rag"
)

type (
	// Step is one unit-of-work definition. It is shared and stable: instances
	// reference it but never own it, and it may only be deleted when no
	// workflow references it.
	Step struct {
		UUID   string   `json:"uuid"`
		UserID string   `json:"user_id"`
		Name   string   `json:"name"`
		Type   StepType `json:"type"`

		// Exactly one of the following matches Type.
		LLM         *LLMStep         `json:"llm,omitempty"`
		Agent       *AgentStep       `json:"agent,omitempty"`
		StopChecker *StopCheckerStep `json:"stop_checker,omitempty"`
		RAG         *RAGStep         `json:"rag,omitempty"`

		CreatedAt time.Time `json:"created_at"`
		UpdatedAt time.Time `json:"updated_at"`
	}

	// LLMStep configures a single LLM call.
	LLMStep struct {
		// Model is the provider model identifier.
		Model string `json:"model"`
		// SystemPrompt is the prompt template; it may contain <<…>> references
		// resolved against prior step outputs at run time.
		SystemPrompt string `json:"system_prompt"`
	}

	// AgentStep configures a tool-using agent loop.
	AgentStep struct {
		Model        string `json:"model"`
		SystemPrompt string `json:"system_prompt"`
		// Tools maps fully qualified tool identifiers ("{server}-{tool}") to
		// their per-step settings. Only enabled tools are offered to the model.
		Tools map[string]ToolSetting `json:"tools,omitempty"`
	}

	// ToolSetting holds the per-step configuration of one tool.
	ToolSetting struct {
		Enabled bool `json:"enabled"`
	}

	// StopCheckerStep configures a stop condition evaluated against the output
	// of a designated prior step.
	StopCheckerStep struct {
		// StepToCheckUUID designates the step whose output is evaluated. When
		// empty the checker never stops.
		StepToCheckUUID string `json:"step_to_check_uuid,omitempty"`
		// CheckMode selects the decision table branch.
		CheckMode CheckMode `json:"check_mode"`
		// MatchValues are matched case-insensitively as substrings.
		MatchValues []string `json:"match_values"`
	}

	// RAGStep configures a retrieval step against the user's collection.
	RAGStep struct {
		// QueryPrompt is the retrieval query template, resolved like any other
		// prompt-bearing field.
		QueryPrompt string `json:"query_prompt"`
		// TopK bounds the number of retrieved chunks; zero means the searcher
		// default.
		TopK int `json:"top_k,omitempty"`
		// Rerank requests an optional rerank pass over the retrieved chunks.
		Rerank bool `json:"rerank,omitempty"`
	}
)

// CheckMode selects how a stop checker interprets a substring match.
type CheckMode string

const (
	// CheckModeStopIfContains stops the workflow when any match value occurs
	// in the checked output.
	CheckModeStopIfContains CheckMode = "stop_if_output_contains"
	// CheckModeContinueIfContains stops the workflow when no match value
	// occurs in the checked output.
	CheckModeContinueIfContains CheckMode = "continue_if_output_contains"
)

// EnabledTools returns the identifiers of tools enabled for the agent step,
// in unspecified order.
func (a *AgentStep) EnabledTools() []string {
	var ids []string
	for id, setting := range a.Tools {
		if setting.Enabled {
			ids = append(ids, id)
		}
	}
	return ids
}

// Prompt returns the prompt-bearing field for the step type, used by the
// runner as resolution input. Stop checkers carry no prompt.
func (s *Step) Prompt() string {
	switch s.Type {
	case StepTypeLLM:
		if s.LLM != nil {
			return s.LLM.SystemPrompt
		}
	case StepTypeAgent:
		if s.Agent != nil {
			return s.Agent.SystemPrompt
		}
	case StepTypeRAG:
		if s.RAG != nil {
			return s.RAG.QueryPrompt
		}
	}
	return ""
}

// Validate checks that the tag matches the populated detail struct.
func (s *Step) Validate() error {
	if s.UUID == "" {
		return fmt.Errorf("step missing uuid")
	}
	if s.UserID == "" {
		return fmt.Errorf("step %s missing user id", s.UUID)
	}
	var want bool
	switch s.Type {
	case StepTypeLLM:
		want = s.LLM != nil
	case StepTypeAgent:
		want = s.Agent != nil
	case StepTypeStopChecker:
		want = s.StopChecker != nil
	case StepTypeRAG:
		want = s.RAG != nil
	default:
		return fmt.Errorf("step %s has unknown type %q", s.UUID, s.Type)
	}
	if !want {
		return fmt.Errorf("step %s of type %q is missing its %q details", s.UUID, s.Type, s.Type)
	}
	return nil
}
