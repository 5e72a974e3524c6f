package models

import (
	"encoding/json"
	"sort"
	"time"
)

// TaskStatus represents the execution state of a plan node.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusSkipped   TaskStatus = "skipped"
)

// Terminal reports whether the status is a final execution state.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusSkipped
}

// Plan is the registry record for one plan. Task data lives in the
// plan's own database file at DBPath.
type Plan struct {
	ID          int64          `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	DBPath      string         `json:"db_path,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// PlanSummary is the list-view projection of a plan.
type PlanSummary struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	TaskCount   int       `json:"task_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ExecutionResult is the structured output of executing one task.
type ExecutionResult struct {
	Status   string         `json:"status"`
	Content  string         `json:"content,omitempty"`
	Notes    string         `json:"notes,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ContextSection is one titled block of retrieval context attached to a task.
type ContextSection struct {
	Title   string  `json:"title"`
	Content string  `json:"content"`
	Source  string  `json:"source,omitempty"`
	Score   float64 `json:"score,omitempty"`
}

// PlanNode is one task in a plan tree.
type PlanNode struct {
	ID       int64  `json:"id"`
	ParentID *int64 `json:"parent_id,omitempty"` // nil for roots
	Position int    `json:"position"`            // zero-based, contiguous among siblings
	Depth    int    `json:"depth"`
	Path     string `json:"path"` // ancestor id chain, e.g. /3/7/12

	Name        string         `json:"name"`
	Instruction string         `json:"instruction,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	Status          TaskStatus       `json:"status"`
	ExecutionResult *ExecutionResult `json:"execution_result,omitempty"`

	ContextCombined  string           `json:"context_combined,omitempty"`
	ContextSections  []ContextSection `json:"context_sections,omitempty"`
	ContextMeta      map[string]any   `json:"context_meta,omitempty"`
	ContextUpdatedAt *time.Time       `json:"context_updated_at,omitempty"`

	Dependencies []int64 `json:"dependencies,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Root reports whether the node has no parent.
func (n *PlanNode) Root() bool { return n.ParentID == nil }

// Clone returns a deep copy of the node.
func (n *PlanNode) Clone() *PlanNode {
	if n == nil {
		return nil
	}
	c := *n
	if n.ParentID != nil {
		pid := *n.ParentID
		c.ParentID = &pid
	}
	if n.Metadata != nil {
		c.Metadata = cloneMap(n.Metadata)
	}
	if n.ExecutionResult != nil {
		er := *n.ExecutionResult
		if n.ExecutionResult.Metadata != nil {
			er.Metadata = cloneMap(n.ExecutionResult.Metadata)
		}
		c.ExecutionResult = &er
	}
	if n.ContextSections != nil {
		c.ContextSections = append([]ContextSection(nil), n.ContextSections...)
	}
	if n.ContextMeta != nil {
		c.ContextMeta = cloneMap(n.ContextMeta)
	}
	if n.ContextUpdatedAt != nil {
		ts := *n.ContextUpdatedAt
		c.ContextUpdatedAt = &ts
	}
	if n.Dependencies != nil {
		c.Dependencies = append([]int64(nil), n.Dependencies...)
	}
	return &c
}

// PlanTree is the in-memory projection of one plan and all of its tasks.
type PlanTree struct {
	Plan  Plan                `json:"plan"`
	Nodes map[int64]*PlanNode `json:"nodes"`
}

// NewPlanTree returns an empty tree for the given plan.
func NewPlanTree(plan Plan) *PlanTree {
	return &PlanTree{Plan: plan, Nodes: make(map[int64]*PlanNode)}
}

// Get returns the node with the given id, or nil.
func (t *PlanTree) Get(id int64) *PlanNode {
	if t == nil || t.Nodes == nil {
		return nil
	}
	return t.Nodes[id]
}

// Roots returns the top-level nodes ordered by position.
func (t *PlanTree) Roots() []*PlanNode {
	var roots []*PlanNode
	for _, n := range t.Nodes {
		if n.Root() {
			roots = append(roots, n)
		}
	}
	sortByPosition(roots)
	return roots
}

// Children returns the direct children of parentID ordered by position.
func (t *PlanTree) Children(parentID int64) []*PlanNode {
	var kids []*PlanNode
	for _, n := range t.Nodes {
		if n.ParentID != nil && *n.ParentID == parentID {
			kids = append(kids, n)
		}
	}
	sortByPosition(kids)
	return kids
}

// Subtree returns id plus all descendant ids, parents before children.
func (t *PlanTree) Subtree(id int64) []int64 {
	if t.Get(id) == nil {
		return nil
	}
	ids := []int64{id}
	for i := 0; i < len(ids); i++ {
		for _, child := range t.Children(ids[i]) {
			ids = append(ids, child.ID)
		}
	}
	return ids
}

// Clone returns a deep copy of the tree.
func (t *PlanTree) Clone() *PlanTree {
	if t == nil {
		return nil
	}
	c := &PlanTree{Plan: t.Plan, Nodes: make(map[int64]*PlanNode, len(t.Nodes))}
	if t.Plan.Metadata != nil {
		c.Plan.Metadata = cloneMap(t.Plan.Metadata)
	}
	for id, n := range t.Nodes {
		c.Nodes[id] = n.Clone()
	}
	return c
}

// TaskResult is one row of a plan's execution output listing.
type TaskResult struct {
	TaskID   int64           `json:"task_id"`
	Name     string          `json:"name"`
	Status   TaskStatus      `json:"status"`
	Content  string          `json:"content,omitempty"`
	Notes    string          `json:"notes,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
	Raw      json.RawMessage `json:"raw,omitempty"`
}

// PlanStatusSummary counts a plan's tasks by execution status.
type PlanStatusSummary struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Add increments the counter for the given status.
func (s *PlanStatusSummary) Add(status TaskStatus) {
	s.Total++
	switch status {
	case TaskStatusPending:
		s.Pending++
	case TaskStatusRunning:
		s.Running++
	case TaskStatusCompleted:
		s.Completed++
	case TaskStatusFailed:
		s.Failed++
	case TaskStatusSkipped:
		s.Skipped++
	}
}

func sortByPosition(nodes []*PlanNode) {
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].Position != nodes[j].Position {
			return nodes[i].Position < nodes[j].Position
		}
		return nodes[i].ID < nodes[j].ID
	})
}

func cloneMap(m map[string]any) map[string]any {
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
