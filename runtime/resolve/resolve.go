// Package resolve implements <<…>> placeholder resolution for prompt-bearing
// step fields, plus the offline validator used by workflow editors.
//
// Two placeholder families exist: built-in dynamic values (CURRENT_DATE with
// an optional IANA zone suffix) and step outputs (trigger_output and
// step_output.{uuid}). Resolution is a single textual pass: placeholders
// appearing inside resolved content are not themselves resolved, and unknown
// placeholders are left verbatim so the downstream step can fail naturally.
package resolve

import (
	"regexp"
	"strings"
	"time"

	"github.com/pipevine/pipevine/runtime/workflow"
)

const (
	// TriggerOutputKey is the reserved output index key for the instance
	// trigger output.
	TriggerOutputKey = "trigger_output"

	stepOutputPrefix = "step_output."
	currentDateBase  = "CURRENT_DATE"
)

var placeholderRE = regexp.MustCompile(`<<([^<>]*)>>`)

// Outputs indexes the step outputs available to the step about to run, keyed
// by step definition UUID or by TriggerOutputKey.
type Outputs map[string]*workflow.StepOutput

// Resolve substitutes all known placeholders in text using the available
// outputs and the given reference time. Unknown placeholders, including
// references to steps that have not run yet, are preserved verbatim.
func Resolve(text string, outputs Outputs, now time.Time) string {
	if !strings.Contains(text, "<<") {
		return text
	}
	return placeholderRE.ReplaceAllStringFunc(text, func(match string) string {
		inner := match[2 : len(match)-2]
		if value, ok := resolveOne(inner, outputs, now); ok {
			return value
		}
		return match
	})
}

func resolveOne(inner string, outputs Outputs, now time.Time) (string, bool) {
	switch {
	case inner == currentDateBase:
		return now.UTC().Format(time.DateOnly), true
	case strings.HasPrefix(inner, currentDateBase+"."):
		zone := inner[len(currentDateBase)+1:]
		loc, err := time.LoadLocation(zone)
		if err != nil {
			// Unknown zone falls back to UTC rather than failing the step.
			loc = time.UTC
		}
		return now.In(loc).Format(time.DateOnly), true
	case inner == TriggerOutputKey:
		if out := outputs[TriggerOutputKey]; out != nil {
			return out.Markdown, true
		}
		return "", false
	case strings.HasPrefix(inner, stepOutputPrefix):
		id := inner[len(stepOutputPrefix):]
		if out := outputs[id]; out != nil {
			return out.Markdown, true
		}
		return "", false
	}
	return "", false
}
