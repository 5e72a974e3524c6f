package models

import "time"

// Role indicates the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// NameSource records how a session acquired its current name.
type NameSource string

const (
	NameSourceDefault   NameSource = "default"
	NameSourcePlan      NameSource = "plan"
	NameSourceHeuristic NameSource = "heuristic"
	NameSourceUser      NameSource = "user"
)

// SessionSettings holds per-session preferences.
type SessionSettings struct {
	DefaultSearchProvider string           `json:"default_search_provider,omitempty"`
	RecentToolResults     []ToolInvocation `json:"recent_tool_results,omitempty"`
}

// ChatSession is one conversation, optionally bound to a plan.
type ChatSession struct {
	ID            string          `json:"id"`
	PlanID        *int64          `json:"plan_id,omitempty"`
	Name          string          `json:"name"`
	NameSource    NameSource      `json:"name_source"`
	IsUserNamed   bool            `json:"is_user_named"`
	IsActive      bool            `json:"is_active"`
	Settings      SessionSettings `json:"settings"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	LastMessageAt *time.Time      `json:"last_message_at,omitempty"`
}

// Bound reports whether the session is bound to a plan.
func (s *ChatSession) Bound() bool { return s != nil && s.PlanID != nil }

// ChatMessage is one message within a session. Metadata carries tool
// results, action summaries, and job references for the UI.
type ChatMessage struct {
	ID        int64          `json:"id"`
	SessionID string         `json:"session_id"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ToolInvocation is the normalised record of one tool call, kept in
// step details, response metadata, and the session's recent-results
// buffer.
type ToolInvocation struct {
	Name       string         `json:"name"`
	Summary    string         `json:"summary,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Result     any            `json:"result,omitempty"`
}
