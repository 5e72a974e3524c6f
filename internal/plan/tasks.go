package plan

import (
	"context"
	"fmt"
	"time"

	"github.com/planweave/planweave/internal/storage"
	"github.com/planweave/planweave/pkg/models"
)

// CreateTaskParams describes a task insertion. Placement precedence:
// Position, then AnchorTaskID+AnchorPos, then last child of ParentID.
type CreateTaskParams struct {
	PlanID       int64
	ParentID     *int64
	Name         string
	Instruction  string
	Metadata     map[string]any
	Dependencies []int64
	AnchorTaskID *int64
	AnchorPos    AnchorPosition
	Position     *int
}

// TaskChange reports a completed mutation: the affected node and any
// warnings (dropped dependencies, ignored anchors).
type TaskChange struct {
	Node     *models.PlanNode
	Warnings []string
}

// CreateTask inserts a task, filters its dependencies to valid
// targets, and resequences the affected sibling group.
func (r *Repository) CreateTask(ctx context.Context, params CreateTaskParams) (*TaskChange, error) {
	unlock := r.store.LockPlan(params.PlanID)
	defer unlock()

	file, tree, err := r.loadLocked(ctx, params.PlanID)
	if err != nil {
		return nil, err
	}

	if params.ParentID != nil && tree.Get(*params.ParentID) == nil {
		return nil, NewTaskNotFound(*params.ParentID)
	}

	place, err := resolvePlacement(tree, params.ParentID, params.AnchorTaskID, params.AnchorPos, params.Position, 0)
	if err != nil {
		return nil, err
	}
	warnings := place.warnings

	deps, depWarnings := filterDependencies(tree, 0, params.Dependencies)
	warnings = append(warnings, depWarnings...)

	node := &models.PlanNode{
		ParentID:     place.parentID,
		Name:         params.Name,
		Instruction:  params.Instruction,
		Metadata:     params.Metadata,
		Status:       models.TaskStatusPending,
		Dependencies: deps,
		Position:     place.index,
	}
	if place.parentID != nil {
		parent := tree.Get(*place.parentID)
		node.Depth = parent.Depth + 1
	}

	if err := file.InsertTask(ctx, node); err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	tree.Nodes[node.ID] = node
	node.Path = nodePath(tree, node)

	changed := placeAmongSiblings(tree, place.parentID, node, place.index)
	changed = ensureIncluded(changed, node)
	if err := file.UpdatePositions(ctx, changed); err != nil {
		return nil, fmt.Errorf("resequence siblings: %w", err)
	}

	if r.metrics != nil {
		r.metrics.NodesCreated.Inc()
	}
	r.logger.Info(ctx, "task created",
		"plan_id", params.PlanID, "task_id", node.ID, "name", node.Name, "position", node.Position)
	return &TaskChange{Node: node, Warnings: warnings}, nil
}

// UpdateTaskParams carries partial updates. Nil pointers leave fields
// untouched; Dependencies replaces the whole set when non-nil.
type UpdateTaskParams struct {
	PlanID          int64
	TaskID          int64
	Name            *string
	Instruction     *string
	Metadata        map[string]any
	Dependencies    *[]int64
	Status          *models.TaskStatus
	ExecutionResult *models.ExecutionResult
	ContextCombined *string
	ContextSections []models.ContextSection
	ContextMeta     map[string]any
}

// UpdateTask applies a partial update to one task.
func (r *Repository) UpdateTask(ctx context.Context, params UpdateTaskParams) (*TaskChange, error) {
	unlock := r.store.LockPlan(params.PlanID)
	defer unlock()

	file, tree, err := r.loadLocked(ctx, params.PlanID)
	if err != nil {
		return nil, err
	}
	node := tree.Get(params.TaskID)
	if node == nil {
		return nil, NewTaskNotFound(params.TaskID)
	}

	var warnings []string
	if params.Name != nil {
		node.Name = *params.Name
	}
	if params.Instruction != nil {
		node.Instruction = *params.Instruction
	}
	if params.Metadata != nil {
		node.Metadata = params.Metadata
	}
	if params.Dependencies != nil {
		deps, depWarnings := filterDependencies(tree, node.ID, *params.Dependencies)
		warnings = append(warnings, depWarnings...)
		if cycle := dependencyCycle(tree, node.ID, deps); cycle != "" {
			return nil, &CycleDetectedError{TaskID: node.ID, Detail: cycle}
		}
		node.Dependencies = deps
	}
	if params.Status != nil {
		node.Status = *params.Status
	}
	if params.ExecutionResult != nil {
		node.ExecutionResult = params.ExecutionResult
	}

	contextTouched := false
	if params.ContextCombined != nil {
		node.ContextCombined = *params.ContextCombined
		contextTouched = true
	}
	if params.ContextSections != nil {
		node.ContextSections = params.ContextSections
		contextTouched = true
	}
	if params.ContextMeta != nil {
		node.ContextMeta = params.ContextMeta
		contextTouched = true
	}
	if contextTouched {
		now := time.Now().UTC()
		node.ContextUpdatedAt = &now
	}

	if err := file.UpdateTask(ctx, node); err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	r.logger.Info(ctx, "task updated", "plan_id", params.PlanID, "task_id", node.ID)
	return &TaskChange{Node: node, Warnings: warnings}, nil
}

// MoveTaskParams describes a reparent or reorder. With no parent,
// anchor, or position the task becomes a root appended at the end.
type MoveTaskParams struct {
	PlanID       int64
	TaskID       int64
	NewParentID  *int64
	AnchorTaskID *int64
	AnchorPos    AnchorPosition
	Position     *int
}

// MoveTask reparents or reorders a task, refusing moves that would
// place a node inside its own subtree. Old and new sibling groups are
// resequenced and the subtree's depth and path refreshed.
func (r *Repository) MoveTask(ctx context.Context, params MoveTaskParams) (*TaskChange, error) {
	unlock := r.store.LockPlan(params.PlanID)
	defer unlock()

	file, tree, err := r.loadLocked(ctx, params.PlanID)
	if err != nil {
		return nil, err
	}
	node := tree.Get(params.TaskID)
	if node == nil {
		return nil, NewTaskNotFound(params.TaskID)
	}

	place, err := resolvePlacement(tree, params.NewParentID, params.AnchorTaskID, params.AnchorPos, params.Position, node.ID)
	if err != nil {
		return nil, err
	}

	if place.parentID != nil {
		if tree.Get(*place.parentID) == nil {
			return nil, NewTaskNotFound(*place.parentID)
		}
		for _, id := range tree.Subtree(node.ID) {
			if id == *place.parentID {
				return nil, &CycleDetectedError{TaskID: node.ID,
					Detail: fmt.Sprintf("new parent %d is inside the moved subtree", *place.parentID)}
			}
		}
	}

	oldParentID := node.ParentID
	node.ParentID = place.parentID

	var dirty []*models.PlanNode
	if !sameParent(oldParentID, place.parentID) {
		dirty = append(dirty, resequenceSiblings(tree, oldParentID)...)
	}
	dirty = append(dirty, placeAmongSiblings(tree, place.parentID, node, place.index)...)
	dirty = append(dirty, refreshSubtreePaths(tree, node)...)
	dirty = ensureIncluded(dirty, node)

	if err := file.UpdatePositions(ctx, dedupeNodes(dirty)); err != nil {
		return nil, fmt.Errorf("persist move: %w", err)
	}
	r.logger.Info(ctx, "task moved",
		"plan_id", params.PlanID, "task_id", node.ID, "position", node.Position)
	return &TaskChange{Node: node, Warnings: place.warnings}, nil
}

// DeleteTask removes a task and its whole subtree, along with every
// dependency edge into or out of it. Returns the removed node count.
func (r *Repository) DeleteTask(ctx context.Context, planID, taskID int64) (int, error) {
	unlock := r.store.LockPlan(planID)
	defer unlock()

	file, tree, err := r.loadLocked(ctx, planID)
	if err != nil {
		return 0, err
	}
	node := tree.Get(taskID)
	if node == nil {
		return 0, NewTaskNotFound(taskID)
	}

	ids := tree.Subtree(taskID)
	if err := file.DeleteTasks(ctx, ids); err != nil {
		return 0, fmt.Errorf("delete subtree: %w", err)
	}

	removed := make(map[int64]bool, len(ids))
	for _, id := range ids {
		removed[id] = true
		delete(tree.Nodes, id)
	}
	for _, survivor := range tree.Nodes {
		survivor.Dependencies = filterOut(survivor.Dependencies, removed)
	}

	dirty := resequenceSiblings(tree, node.ParentID)
	if err := file.UpdatePositions(ctx, dirty); err != nil {
		return 0, fmt.Errorf("resequence after delete: %w", err)
	}
	r.logger.Info(ctx, "task deleted",
		"plan_id", planID, "task_id", taskID, "removed", len(ids))
	return len(ids), nil
}

// SetTaskStatus updates a task's status and optional execution result.
func (r *Repository) SetTaskStatus(ctx context.Context, planID, taskID int64, status models.TaskStatus, result *models.ExecutionResult) error {
	unlock := r.store.LockPlan(planID)
	defer unlock()

	file, err := r.planFile(ctx, planID)
	if err != nil {
		return err
	}
	node, err := file.Task(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if node == nil {
		return NewTaskNotFound(taskID)
	}
	if err := file.UpdateTaskStatus(ctx, taskID, status, result); err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	return nil
}

// RerunTask resets a task to pending and clears its previous result so
// the executor picks it up again.
func (r *Repository) RerunTask(ctx context.Context, planID, taskID int64) (*models.PlanNode, error) {
	unlock := r.store.LockPlan(planID)
	defer unlock()

	file, tree, err := r.loadLocked(ctx, planID)
	if err != nil {
		return nil, err
	}
	node := tree.Get(taskID)
	if node == nil {
		return nil, NewTaskNotFound(taskID)
	}
	node.Status = models.TaskStatusPending
	node.ExecutionResult = nil
	if err := file.UpdateTask(ctx, node); err != nil {
		return nil, fmt.Errorf("reset task: %w", err)
	}
	r.logger.Info(ctx, "task reset for rerun", "plan_id", planID, "task_id", taskID)
	return node, nil
}

func (r *Repository) loadLocked(ctx context.Context, planID int64) (*storage.PlanFile, *models.PlanTree, error) {
	file, err := r.planFile(ctx, planID)
	if err != nil {
		return nil, nil, err
	}
	plan, err := r.store.Registry().GetPlan(ctx, planID)
	if err != nil {
		return nil, nil, fmt.Errorf("get plan: %w", err)
	}
	if plan == nil {
		return nil, nil, NewPlanNotFound(planID)
	}
	tree, err := loadTree(ctx, file, plan)
	if err != nil {
		return nil, nil, err
	}
	return file, tree, nil
}

// filterDependencies keeps dependency targets that exist in the tree
// and are not the task itself, reporting each dropped one.
func filterDependencies(tree *models.PlanTree, selfID int64, deps []int64) ([]int64, []string) {
	var (
		kept     []int64
		warnings []string
		seen     = make(map[int64]bool, len(deps))
	)
	for _, dep := range deps {
		if seen[dep] {
			continue
		}
		seen[dep] = true
		if dep == selfID && selfID != 0 {
			warnings = append(warnings, fmt.Sprintf("dropped self-dependency on task %d", dep))
			continue
		}
		if tree.Get(dep) == nil {
			warnings = append(warnings, fmt.Sprintf("dropped dependency on missing task %d", dep))
			continue
		}
		kept = append(kept, dep)
	}
	return kept, warnings
}

// dependencyCycle checks whether giving taskID the proposed deps makes
// the dependency graph cyclic. Returns a description or "".
func dependencyCycle(tree *models.PlanTree, taskID int64, deps []int64) string {
	adjacency := make(map[int64][]int64, len(tree.Nodes))
	for id, node := range tree.Nodes {
		if id == taskID {
			adjacency[id] = deps
		} else {
			adjacency[id] = node.Dependencies
		}
	}

	visited := make(map[int64]bool)
	var reaches func(from int64) bool
	reaches = func(from int64) bool {
		if from == taskID {
			return true
		}
		if visited[from] {
			return false
		}
		visited[from] = true
		for _, next := range adjacency[from] {
			if reaches(next) {
				return true
			}
		}
		return false
	}
	for _, dep := range deps {
		if reaches(dep) {
			return fmt.Sprintf("dependency on task %d loops back", dep)
		}
	}
	return ""
}

// placeAmongSiblings orders the sibling group with node at index and
// returns every node whose position changed.
func placeAmongSiblings(tree *models.PlanTree, parentID *int64, node *models.PlanNode, index int) []*models.PlanNode {
	siblings := childrenOf(tree, parentID)
	ordered := make([]*models.PlanNode, 0, len(siblings))
	for _, s := range siblings {
		if s.ID != node.ID {
			ordered = append(ordered, s)
		}
	}
	index = clamp(index, 0, len(ordered))
	rest := append([]*models.PlanNode{node}, ordered[index:]...)
	ordered = append(ordered[:index], rest...)

	var changed []*models.PlanNode
	for i, s := range ordered {
		if s.Position != i {
			s.Position = i
			changed = append(changed, s)
		}
	}
	return changed
}

// resequenceSiblings restores contiguous positions under a parent.
func resequenceSiblings(tree *models.PlanTree, parentID *int64) []*models.PlanNode {
	var changed []*models.PlanNode
	for i, s := range childrenOf(tree, parentID) {
		if s.Position != i {
			s.Position = i
			changed = append(changed, s)
		}
	}
	return changed
}

// refreshSubtreePaths recomputes depth and path below (and including)
// root, returning the nodes that changed.
func refreshSubtreePaths(tree *models.PlanTree, root *models.PlanNode) []*models.PlanNode {
	var changed []*models.PlanNode
	var walk func(node, parent *models.PlanNode)
	walk = func(node, parent *models.PlanNode) {
		depth := 0
		path := "/" + formatID(node.ID)
		if parent != nil {
			depth = parent.Depth + 1
			path = parent.Path + "/" + formatID(node.ID)
		}
		if node.Depth != depth || node.Path != path {
			node.Depth = depth
			node.Path = path
			changed = append(changed, node)
		}
		for _, child := range tree.Children(node.ID) {
			walk(child, node)
		}
	}
	var parent *models.PlanNode
	if root.ParentID != nil {
		parent = tree.Get(*root.ParentID)
	}
	walk(root, parent)
	return changed
}

func nodePath(tree *models.PlanTree, node *models.PlanNode) string {
	if node.ParentID == nil {
		return "/" + formatID(node.ID)
	}
	parent := tree.Get(*node.ParentID)
	if parent == nil {
		return "/" + formatID(node.ID)
	}
	return parent.Path + "/" + formatID(node.ID)
}

func ensureIncluded(nodes []*models.PlanNode, node *models.PlanNode) []*models.PlanNode {
	for _, n := range nodes {
		if n.ID == node.ID {
			return nodes
		}
	}
	return append(nodes, node)
}

func dedupeNodes(nodes []*models.PlanNode) []*models.PlanNode {
	seen := make(map[int64]bool, len(nodes))
	out := nodes[:0]
	for _, n := range nodes {
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		out = append(out, n)
	}
	return out
}

func filterOut(ids []int64, drop map[int64]bool) []int64 {
	out := ids[:0]
	for _, id := range ids {
		if !drop[id] {
			out = append(out, id)
		}
	}
	return out
}
