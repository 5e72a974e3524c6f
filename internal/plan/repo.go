// Package plan implements the plan repository: loading, mutating, and
// persisting plan trees while enforcing the structural invariants of
// the hierarchy (contiguous sibling positions, acyclic parent and
// dependency relations, consistent depth and path columns).
package plan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/planweave/planweave/internal/observability"
	"github.com/planweave/planweave/internal/storage"
	"github.com/planweave/planweave/pkg/models"
)

// keepSnapshots bounds how many tree snapshots each plan file retains.
const keepSnapshots = 20

// Repository mediates every plan and task mutation. All operations
// serialise per plan through the storage manager's plan locks.
type Repository struct {
	store   *storage.Manager
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewRepository wires a repository over the storage manager.
func NewRepository(store *storage.Manager, logger *observability.Logger, metrics *observability.Metrics) *Repository {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Repository{
		store:   store,
		logger:  logger.WithComponent("plan"),
		metrics: metrics,
	}
}

// ListPlans returns summaries for every plan, ordered by ID. A plan
// whose file cannot be opened still appears, with a zero task count.
func (r *Repository) ListPlans(ctx context.Context) ([]*models.PlanSummary, error) {
	plans, err := r.store.Registry().ListPlans(ctx)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}

	summaries := make([]*models.PlanSummary, 0, len(plans))
	for _, p := range plans {
		summary := &models.PlanSummary{
			ID:          p.ID,
			Title:       p.Title,
			Description: p.Description,
			CreatedAt:   p.CreatedAt,
			UpdatedAt:   p.UpdatedAt,
		}
		file, err := r.store.PlanFile(ctx, p.ID)
		if err != nil {
			r.logger.Warn(ctx, "plan file unavailable for summary", "plan_id", p.ID, "error", err)
		} else if count, err := file.CountTasks(ctx); err == nil {
			summary.TaskCount = count
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// CreatePlan registers a plan and initialises its storage file.
func (r *Repository) CreatePlan(ctx context.Context, title, description string, metadata map[string]any) (*models.Plan, error) {
	if title == "" {
		title = "Untitled plan"
	}
	plan := &models.Plan{Title: title, Description: description, Metadata: metadata}
	if err := r.store.Registry().CreatePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("create plan: %w", err)
	}
	plan.DBPath = r.store.PlanRelPath(plan.ID)
	if err := r.store.Registry().SetPlanDBPath(ctx, plan.ID, plan.DBPath); err != nil {
		return nil, fmt.Errorf("record plan path: %w", err)
	}
	// Opening creates the file and applies the schema.
	if _, err := r.store.PlanFile(ctx, plan.ID); err != nil {
		return nil, fmt.Errorf("initialise plan file: %w", err)
	}
	if r.metrics != nil {
		r.metrics.NodesCreated.Add(0)
	}
	r.logger.Info(ctx, "plan created", "plan_id", plan.ID, "title", plan.Title)
	return plan, nil
}

// GetPlan returns plan metadata.
func (r *Repository) GetPlan(ctx context.Context, planID int64) (*models.Plan, error) {
	plan, err := r.store.Registry().GetPlan(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	if plan == nil {
		return nil, NewPlanNotFound(planID)
	}
	return plan, nil
}

// DeletePlan removes the registry row and the plan's database file.
// Sessions bound to the plan are detached.
func (r *Repository) DeletePlan(ctx context.Context, planID int64) error {
	unlock := r.store.LockPlan(planID)
	defer unlock()

	plan, err := r.store.Registry().GetPlan(ctx, planID)
	if err != nil {
		return fmt.Errorf("get plan: %w", err)
	}
	if plan == nil {
		return NewPlanNotFound(planID)
	}
	if err := r.store.Registry().DeletePlan(ctx, planID); err != nil {
		return fmt.Errorf("delete plan row: %w", err)
	}
	if err := r.store.RemovePlanFile(ctx, planID, plan.DBPath); err != nil {
		return fmt.Errorf("delete plan file: %w", err)
	}
	r.logger.Info(ctx, "plan deleted", "plan_id", planID)
	return nil
}

// GetPlanTree loads the full tree for a plan.
func (r *Repository) GetPlanTree(ctx context.Context, planID int64) (*models.PlanTree, error) {
	plan, err := r.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	file, err := r.planFile(ctx, planID)
	if err != nil {
		return nil, err
	}
	return loadTree(ctx, file, plan)
}

func loadTree(ctx context.Context, file *storage.PlanFile, plan *models.Plan) (*models.PlanTree, error) {
	nodes, err := file.Tasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	tree := models.NewPlanTree(*plan)
	for _, node := range nodes {
		tree.Nodes[node.ID] = node
	}
	return tree, nil
}

// treeSnapshot is the JSON shape stored in the snapshots table and
// accepted by UpsertPlanTree.
type treeSnapshot struct {
	Plan  models.Plan        `json:"plan"`
	Tasks []*models.PlanNode `json:"tasks"`
}

// UpsertPlanTree atomically replaces a plan's stored task set with the
// given tree, recording a snapshot of the previous state first. New
// nodes (ID <= 0) receive fresh IDs; the returned map translates
// temporary IDs to assigned ones.
func (r *Repository) UpsertPlanTree(ctx context.Context, tree *models.PlanTree, note string) (map[int64]int64, error) {
	planID := tree.Plan.ID
	unlock := r.store.LockPlan(planID)
	defer unlock()

	file, err := r.planFile(ctx, planID)
	if err != nil {
		return nil, err
	}

	previous, err := file.Tasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("load previous tree: %w", err)
	}
	snapshot, err := json.Marshal(treeSnapshot{Plan: tree.Plan, Tasks: previous})
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	if note == "" {
		note = "pre-upsert"
	}

	nodes := make([]*models.PlanNode, 0, len(tree.Nodes))
	for _, node := range tree.Nodes {
		nodes = append(nodes, node)
	}
	remap, err := file.ReplaceTree(ctx, nodes, snapshot, note, keepSnapshots)
	if err != nil {
		return nil, fmt.Errorf("replace tree: %w", err)
	}
	if err := r.store.Registry().TouchPlan(ctx, planID); err != nil {
		r.logger.Warn(ctx, "touch plan failed", "plan_id", planID, "error", err)
	}
	r.logger.Info(ctx, "plan tree upserted",
		"plan_id", planID, "tasks", len(nodes), "remapped", len(remap), "note", note)
	return remap, nil
}

// GetPlanSummary returns task counts by status.
func (r *Repository) GetPlanSummary(ctx context.Context, planID int64) (*models.PlanStatusSummary, error) {
	if _, err := r.GetPlan(ctx, planID); err != nil {
		return nil, err
	}
	file, err := r.planFile(ctx, planID)
	if err != nil {
		return nil, err
	}
	counts, err := file.StatusCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	summary := &models.PlanStatusSummary{}
	for status, count := range counts {
		for i := 0; i < count; i++ {
			summary.Add(status)
		}
	}
	return summary, nil
}

// GetPlanResults collects execution results across a plan's tasks.
// With onlyWithOutput set, tasks whose result carries no content are
// omitted.
func (r *Repository) GetPlanResults(ctx context.Context, planID int64, onlyWithOutput bool) ([]*models.TaskResult, error) {
	tree, err := r.GetPlanTree(ctx, planID)
	if err != nil {
		return nil, err
	}

	var results []*models.TaskResult
	walkOrdered(tree, func(node *models.PlanNode) {
		if onlyWithOutput && (node.ExecutionResult == nil || node.ExecutionResult.Content == "") {
			return
		}
		results = append(results, taskResult(node))
	})
	return results, nil
}

// GetTaskResult returns the execution result of one task.
func (r *Repository) GetTaskResult(ctx context.Context, planID, taskID int64) (*models.TaskResult, error) {
	tree, err := r.GetPlanTree(ctx, planID)
	if err != nil {
		return nil, err
	}
	node := tree.Get(taskID)
	if node == nil {
		return nil, NewTaskNotFound(taskID)
	}
	return taskResult(node), nil
}

func taskResult(node *models.PlanNode) *models.TaskResult {
	result := &models.TaskResult{
		TaskID: node.ID,
		Name:   node.Name,
		Status: node.Status,
	}
	if node.ExecutionResult != nil {
		result.Content = node.ExecutionResult.Content
		result.Notes = node.ExecutionResult.Notes
		result.Metadata = node.ExecutionResult.Metadata
		if raw, err := json.Marshal(node.ExecutionResult); err == nil {
			result.Raw = raw
		}
	}
	return result
}

// walkOrdered visits nodes depth-first in sibling order.
func walkOrdered(tree *models.PlanTree, visit func(*models.PlanNode)) {
	var walk func(nodes []*models.PlanNode)
	walk = func(nodes []*models.PlanNode) {
		for _, node := range nodes {
			visit(node)
			walk(tree.Children(node.ID))
		}
	}
	walk(tree.Roots())
}

func (r *Repository) planFile(ctx context.Context, planID int64) (*storage.PlanFile, error) {
	file, err := r.store.PlanFile(ctx, planID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, NewPlanNotFound(planID)
		}
		return nil, fmt.Errorf("open plan file: %w", err)
	}
	return file, nil
}

// Store exposes the underlying storage manager for components that
// need log sinks or plan locks directly.
func (r *Repository) Store() *storage.Manager { return r.store }

func formatID(id int64) string { return strconv.FormatInt(id, 10) }
