package agent

import (
	"strings"

	"github.com/pipevine/pipevine/runtime/resolve"
)

// Argument pointer syntax: "step_output:<step_uuid>:<dot.path>". Pointers let
// a model pass a prior step's output (or a field of it) as a tool argument
// without inlining the text. The resolver is wired nowhere in the dispatch
// path today: prompt-level resolution covers current workflows and
// argument-level resolution needs its error semantics settled first (what to
// do with a dangling pointer mid-turn). invokeTool keeps the disabled call
// site.
const argPointerPrefix = "step_output:"

// resolveArgumentPointers walks the argument object and replaces string
// values carrying pointer syntax with the referenced output content. Unknown
// step UUIDs and unresolvable paths leave the value untouched, mirroring the
// verbatim policy of prompt resolution.
func resolveArgumentPointers(args map[string]any, outputs resolve.Outputs) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = resolveArgumentValue(v, outputs)
	}
	return out
}

func resolveArgumentValue(v any, outputs resolve.Outputs) any {
	switch val := v.(type) {
	case string:
		return resolvePointer(val, outputs)
	case map[string]any:
		return resolveArgumentPointers(val, outputs)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = resolveArgumentValue(item, outputs)
		}
		return out
	default:
		return v
	}
}

// resolvePointer resolves one candidate pointer string. The path segment is
// accepted for forward compatibility but only the empty path and the
// "markdown_representation" field are addressable today.
func resolvePointer(s string, outputs resolve.Outputs) any {
	if !strings.HasPrefix(s, argPointerPrefix) {
		return s
	}
	rest := s[len(argPointerPrefix):]
	id, path, _ := strings.Cut(rest, ":")
	out, ok := outputs[id]
	if !ok || out == nil {
		return s
	}
	switch path {
	case "", "markdown_representation":
		return out.Markdown
	default:
		return s
	}
}
