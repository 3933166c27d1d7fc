package policy

import "strings"

const redactedPlaceholder = "[REDACTED]"

// ApplyRedactions clones data and replaces every matched leaf with
// "[REDACTED]"; missing paths are silently skipped (spec §4.4). Per spec
// §9's redesign note, paths are parsed into segment lists up front and
// redaction is a single recursive walk rather than repeated string
// splitting per leaf.
func ApplyRedactions(data map[string]any, paths []string) map[string]any {
	out := deepCopyMap(data)
	for _, p := range paths {
		segments := strings.Split(p, ".")
		redactPath(out, segments)
	}
	return out
}

func redactPath(node map[string]any, segments []string) {
	if len(segments) == 0 || node == nil {
		return
	}
	key := segments[0]
	if len(segments) == 1 {
		if _, ok := node[key]; ok {
			node[key] = redactedPlaceholder
		}
		return
	}
	child, ok := node[key]
	if !ok {
		return
	}
	switch c := child.(type) {
	case map[string]any:
		redactPath(c, segments[1:])
	case []any:
		for _, item := range c {
			if m, ok := item.(map[string]any); ok {
				redactPath(m, segments[1:])
			}
		}
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		cp := make([]any, len(t))
		for i, item := range t {
			cp[i] = deepCopyValue(item)
		}
		return cp
	default:
		return v
	}
}
