package jobs

import (
	"strings"
	"testing"
)

func TestRedactDetailsRemovesSensitiveKeys(t *testing.T) {
	details := map[string]any{
		"query":   "weather in oslo",
		"api_key": "sk-123",
		"nested": map[string]any{
			"authorization": "Bearer abc",
			"count":         3,
		},
	}
	out := redactDetails(details)
	if _, ok := out["api_key"]; ok {
		t.Fatal("api_key not removed")
	}
	nested, ok := out["nested"].(map[string]any)
	if !ok {
		t.Fatalf("nested = %T", out["nested"])
	}
	if _, ok := nested["authorization"]; ok {
		t.Fatal("nested authorization not removed")
	}
	if nested["count"] != 3 {
		t.Fatalf("count = %v", nested["count"])
	}
	if out["query"] != "weather in oslo" {
		t.Fatalf("query = %v", out["query"])
	}
}

func TestRedactDetailsTruncatesLongStrings(t *testing.T) {
	long := strings.Repeat("x", maxDetailString+500)
	out := redactDetails(map[string]any{"body": long})
	got, ok := out["body"].(string)
	if !ok {
		t.Fatalf("body = %T", out["body"])
	}
	if len(got) >= len(long) {
		t.Fatalf("string not truncated: %d bytes", len(got))
	}
	if !strings.Contains(got, "truncated") {
		t.Fatalf("no truncation marker in %q", got[len(got)-40:])
	}
}

func TestRedactDetailsSummarisesLongArrays(t *testing.T) {
	items := make([]any, maxDetailItems+10)
	for i := range items {
		items[i] = i
	}
	out := redactDetails(map[string]any{"results": items})
	got, ok := out["results"].([]any)
	if !ok {
		t.Fatalf("results = %T", out["results"])
	}
	if len(got) != maxDetailItems+1 {
		t.Fatalf("summarised length = %d, want %d", len(got), maxDetailItems+1)
	}
	tail, ok := got[len(got)-1].(string)
	if !ok || !strings.Contains(tail, "10 more items omitted") {
		t.Fatalf("tail marker = %v", got[len(got)-1])
	}
}

func TestRedactDetailsCapsNesting(t *testing.T) {
	leaf := map[string]any{"value": "deep"}
	current := leaf
	for i := 0; i < maxDetailDepth+2; i++ {
		current = map[string]any{"inner": current}
	}
	out := redactDetails(current)
	// Walk down; somewhere before the leaf we must hit the cap marker.
	var walk func(v any) bool
	walk = func(v any) bool {
		switch val := v.(type) {
		case map[string]any:
			return walk(val["inner"])
		case string:
			return strings.Contains(val, "nesting too deep")
		default:
			return false
		}
	}
	if !walk(out["inner"]) {
		t.Fatal("deep nesting was not capped")
	}
	if redactDetails(nil) != nil {
		t.Fatal("nil details should stay nil")
	}
}
