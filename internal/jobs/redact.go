package jobs

import (
	"fmt"

	"github.com/planweave/planweave/internal/observability"
)

const (
	// maxDetailString bounds persisted string values in action details.
	maxDetailString = 2000
	// maxDetailItems bounds persisted array lengths in action details.
	maxDetailItems = 20
	// maxDetailDepth stops runaway nesting.
	maxDetailDepth = 6
)

// redactDetails sanitises an action-log details map before it is
// persisted or broadcast: sensitive keys are removed, oversize strings
// truncated, and oversize arrays summarised.
func redactDetails(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out, _ := redactValue(details, 0).(map[string]any)
	return out
}

func redactValue(value any, depth int) any {
	if depth > maxDetailDepth {
		return "[truncated: nesting too deep]"
	}
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, inner := range v {
			if observability.SensitiveKey(key) {
				continue
			}
			out[key] = redactValue(inner, depth+1)
		}
		return out
	case []any:
		if len(v) > maxDetailItems {
			summary := make([]any, 0, maxDetailItems+1)
			for _, item := range v[:maxDetailItems] {
				summary = append(summary, redactValue(item, depth+1))
			}
			summary = append(summary, fmt.Sprintf("[%d more items omitted]", len(v)-maxDetailItems))
			return summary
		}
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = redactValue(item, depth+1)
		}
		return out
	case string:
		if len(v) > maxDetailString {
			return v[:maxDetailString] + fmt.Sprintf("... [truncated %d bytes]", len(v)-maxDetailString)
		}
		return v
	default:
		return v
	}
}
