package llm

import "strings"

// StripFences unwraps a Markdown code fence around a model reply.
// Providers are asked for bare JSON but chat models still wrap replies
// in ```json fences often enough that every structured-output caller
// strips them before parsing. Text outside the first fenced block is
// discarded; replies without a fence are returned trimmed.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	open := strings.Index(s, "```")
	if open < 0 {
		return s
	}
	s = s[open+3:]
	if end := strings.Index(s, "```"); end >= 0 {
		s = s[:end]
	}
	// Drop the fence info string, e.g. the "json" in ```json.
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		if info := strings.TrimSpace(s[:nl]); info != "" && !strings.ContainsAny(info, "{[\"") {
			s = s[nl+1:]
		}
	}
	return strings.TrimSpace(s)
}
