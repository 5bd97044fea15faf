package resolve

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/pipevine/pipevine/runtime/workflow"
)

// Reason codes attached to invalid placeholders by ValidatePrompt.
const (
	// ReasonMalformed marks placeholders whose inner text cannot be a
	// reference at all (empty, embedded whitespace, dangling prefix).
	ReasonMalformed = "malformed"
	// ReasonBadUUID marks step_output references whose suffix is not a UUID.
	ReasonBadUUID = "bad_uuid"
	// ReasonNonPrecedingStep marks step_output references to steps that do
	// not precede the owning step in the workflow.
	ReasonNonPrecedingStep = "non_preceding_step"
	// ReasonUnknownBase marks placeholders with an unrecognized base name.
	ReasonUnknownBase = "unknown_base"
)

type (
	// InvalidPlaceholder describes one rejected placeholder.
	InvalidPlaceholder struct {
		// Placeholder is the full <<…>> text as it appears in the prompt.
		Placeholder string `json:"placeholder"`
		// Reason is one of the Reason* codes.
		Reason string `json:"reason"`
		// Detail is a human-readable explanation.
		Detail string `json:"detail,omitempty"`
	}

	// ValidationError aggregates every invalid placeholder found in a prompt.
	ValidationError struct {
		Invalid []InvalidPlaceholder
	}
)

// Error implements error.
func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Invalid))
	for i, inv := range e.Invalid {
		parts[i] = fmt.Sprintf("%s (%s)", inv.Placeholder, inv.Reason)
	}
	return "invalid placeholders: " + strings.Join(parts, ", ")
}

// ValidatePrompt checks every <<…>> placeholder in prompt against the
// workflow definition at editing time. Every placeholder must be a built-in
// dynamic value, the trigger output, or a step_output reference to a step
// that precedes owningStepUUID in the workflow's steps list. Returns nil when
// the prompt is valid and a *ValidationError listing each offender otherwise.
//
// A step being created is not yet part of the steps list; callers pass the
// intended insertion index via owningIndex semantics by appending the step
// first or by passing the would-be owning UUID after a provisional append.
func ValidatePrompt(prompt string, wf *workflow.Workflow, owningStepUUID string) error {
	owningIdx := len(wf.Steps)
	if idx, ok := wf.StepIndex(owningStepUUID); ok {
		owningIdx = idx
	}
	var invalid []InvalidPlaceholder
	for _, match := range placeholderRE.FindAllStringSubmatch(prompt, -1) {
		full, inner := match[0], match[1]
		if inv, ok := checkPlaceholder(full, inner, wf, owningIdx); !ok {
			invalid = append(invalid, inv)
		}
	}
	if len(invalid) > 0 {
		return &ValidationError{Invalid: invalid}
	}
	return nil
}

func checkPlaceholder(full, inner string, wf *workflow.Workflow, owningIdx int) (InvalidPlaceholder, bool) {
	if inner == "" || strings.ContainsAny(inner, " \t\n") {
		return InvalidPlaceholder{
			Placeholder: full,
			Reason:      ReasonMalformed,
			Detail:      "placeholder must be a single reference without whitespace",
		}, false
	}
	switch {
	case inner == currentDateBase, inner == TriggerOutputKey:
		return InvalidPlaceholder{}, true
	case strings.HasPrefix(inner, currentDateBase+"."):
		if inner == currentDateBase+"." {
			return InvalidPlaceholder{
				Placeholder: full,
				Reason:      ReasonMalformed,
				Detail:      "missing timezone after CURRENT_DATE.",
			}, false
		}
		return InvalidPlaceholder{}, true
	case strings.HasPrefix(inner, stepOutputPrefix):
		id := inner[len(stepOutputPrefix):]
		if _, err := uuid.Parse(id); err != nil {
			return InvalidPlaceholder{
				Placeholder: full,
				Reason:      ReasonBadUUID,
				Detail:      fmt.Sprintf("%q is not a valid step UUID", id),
			}, false
		}
		idx, ok := wf.StepIndex(id)
		if !ok || idx >= owningIdx {
			return InvalidPlaceholder{
				Placeholder: full,
				Reason:      ReasonNonPrecedingStep,
				Detail:      fmt.Sprintf("step %s does not precede the owning step", id),
			}, false
		}
		return InvalidPlaceholder{}, true
	}
	return InvalidPlaceholder{
		Placeholder: full,
		Reason:      ReasonUnknownBase,
		Detail:      fmt.Sprintf("unknown reference base %q", inner),
	}, false
}
