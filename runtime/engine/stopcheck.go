package engine

import (
	"fmt"
	"strings"

	"github.com/pipevine/pipevine/runtime/resolve"
	"github.com/pipevine/pipevine/runtime/workflow"
)

// CheckerResult is the outcome of a stop checker evaluation. A result is
// produced for every evaluation, whatever the matching outcome; stop checkers
// never produce a step output.
type CheckerResult struct {
	// ShouldStop is true when the workflow should end with status stopped.
	ShouldStop bool `json:"should_stop"`
	// Reason explains the decision.
	Reason string `json:"reason"`
	// EvaluatedInput is the checked output text, empty when none was found.
	EvaluatedInput string `json:"evaluated_input,omitempty"`
}

// evalStopChecker evaluates the textual stop condition against the output of
// the designated prior step. Matching is case-insensitive substring; an empty
// match list never matches.
//
//	check_mode                   matched  should_stop
//	stop_if_output_contains      true     true
//	stop_if_output_contains      false    false
//	continue_if_output_contains  true     false
//	continue_if_output_contains  false    true
func evalStopChecker(def *workflow.StopCheckerStep, outputs resolve.Outputs) CheckerResult {
	if def == nil || def.StepToCheckUUID == "" {
		return CheckerResult{Reason: "no step to check configured"}
	}
	out, ok := outputs[def.StepToCheckUUID]
	if !ok || out == nil {
		return CheckerResult{Reason: fmt.Sprintf("no output available for step %s", def.StepToCheckUUID)}
	}

	text := strings.ToLower(out.Markdown)
	var matched string
	for _, v := range def.MatchValues {
		if v != "" && strings.Contains(text, strings.ToLower(v)) {
			matched = v
			break
		}
	}

	result := CheckerResult{EvaluatedInput: out.Markdown}
	switch def.CheckMode {
	case workflow.CheckModeStopIfContains:
		if matched != "" {
			result.ShouldStop = true
			result.Reason = fmt.Sprintf("output contains %q", matched)
		} else {
			result.Reason = "no match value found in output"
		}
	case workflow.CheckModeContinueIfContains:
		if matched != "" {
			result.Reason = fmt.Sprintf("output contains %q, continuing", matched)
		} else {
			result.ShouldStop = true
			result.Reason = "no match value found in output"
		}
	default:
		result.Reason = fmt.Sprintf("unknown check mode %q", def.CheckMode)
	}
	return result
}
