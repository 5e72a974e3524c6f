package models

// ActionKind partitions the action catalog the LLM may draw from.
type ActionKind string

const (
	ActionKindPlan    ActionKind = "plan_operation"
	ActionKindTask    ActionKind = "task_operation"
	ActionKindContext ActionKind = "context_request"
	ActionKindSystem  ActionKind = "system_operation"
	ActionKindTool    ActionKind = "tool_operation"
)

// ActionStatus tracks one action through dispatch.
type ActionStatus string

const (
	ActionStatusPending   ActionStatus = "pending"
	ActionStatusRunning   ActionStatus = "running"
	ActionStatusCompleted ActionStatus = "completed"
	ActionStatusFailed    ActionStatus = "failed"
	// ActionStatusSkipped marks actions never dispatched because an
	// earlier blocking action failed.
	ActionStatusSkipped ActionStatus = "skipped"
)

// RetryPolicy is the per-action retry override the LLM may request.
type RetryPolicy struct {
	MaxRetries int     `json:"max_retries"`
	BackoffSec float64 `json:"backoff_sec"`
}

// Action is a single structured instruction emitted by the LLM.
// Blocking defaults to true when absent from the wire payload.
type Action struct {
	Kind        ActionKind     `json:"kind"`
	Name        string         `json:"name"`
	Parameters  map[string]any `json:"parameters"`
	Blocking    *bool          `json:"blocking,omitempty"`
	Order       int            `json:"order"`
	RetryPolicy *RetryPolicy   `json:"retry_policy,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// IsBlocking reports whether a failure of this action should skip the
// blocking actions that follow it.
func (a *Action) IsBlocking() bool {
	return a.Blocking == nil || *a.Blocking
}

// LLMReply is the user-facing text portion of a structured reply.
type LLMReply struct {
	Message string `json:"message"`
}

// LLMStructuredResponse is the complete wire payload the conversation
// LLM must return for every turn.
type LLMStructuredResponse struct {
	LLMReply LLMReply `json:"llm_reply"`
	Actions  []Action `json:"actions"`
}

// AgentStep is the server-side record of one action's execution.
type AgentStep struct {
	Kind       ActionKind     `json:"kind"`
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Status     ActionStatus   `json:"status"`
	Success    bool           `json:"success"`
	Message    string         `json:"message,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}
