package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/planweave/planweave/internal/decompose"
	"github.com/planweave/planweave/internal/execute"
	"github.com/planweave/planweave/internal/jobs"
	"github.com/planweave/planweave/internal/plan"
	"github.com/planweave/planweave/internal/retry"
	"github.com/planweave/planweave/internal/sessions"
	"github.com/planweave/planweave/internal/tools"
	"github.com/planweave/planweave/pkg/models"
)

const planTitleMax = 60

// resolvePlanID picks the explicit plan_id parameter when given,
// otherwise the plan bound to the dispatch. Callers run behind the
// needsPlan guard, so the bound pointer is never nil here.
func resolvePlanID(st *dispatchState, explicit int64) int64 {
	if explicit > 0 {
		return explicit
	}
	return *st.planID
}

func (s *Service) handleCreatePlan(ctx context.Context, st *dispatchState, params map[string]any) (*actionOutcome, error) {
	var p struct {
		Goal     string `json:"goal"`
		Title    string `json:"title"`
		Notes    string `json:"notes"`
		Sections int    `json:"sections"`
		Style    string `json:"style"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	title := strings.TrimSpace(p.Title)
	if title == "" {
		title = clip(p.Goal, planTitleMax)
	}
	if title == "" {
		title = "Untitled plan"
	}
	var metadata map[string]any
	if p.Notes != "" || p.Sections > 0 || p.Style != "" {
		metadata = map[string]any{}
		if p.Notes != "" {
			metadata["notes"] = p.Notes
		}
		if p.Sections > 0 {
			metadata["sections"] = p.Sections
		}
		if p.Style != "" {
			metadata["style"] = p.Style
		}
	}

	created, err := s.repo.CreatePlan(ctx, title, strings.TrimSpace(p.Goal), metadata)
	if err != nil {
		return nil, err
	}

	session, err := s.sessions.Bind(ctx, st.session.ID, created.ID, created.Title)
	if err != nil {
		s.logger.Warn(ctx, "bind session to new plan failed", "session_id", st.session.ID, "plan_id", created.ID, "error", err)
	} else {
		st.session = session
	}
	st.planID = &created.ID
	st.setExtra("plan_id", created.ID)
	st.setExtra("plan_title", created.Title)

	details := map[string]any{"plan_id": created.ID, "title": created.Title}
	message := fmt.Sprintf("created plan %d: %s", created.ID, created.Title)

	if s.decomposeCfg.AutoOnCreate {
		job, err := s.jobs.Submit(ctx, jobs.SubmitRequest{
			Type:      models.JobTypeDecompose,
			PlanID:    &created.ID,
			SessionID: st.session.ID,
			Parameters: decompose.Request{
				PlanID: created.ID,
			},
		})
		if err != nil {
			details["decompose_error"] = err.Error()
			message += "; auto-decomposition could not be queued"
		} else {
			details["decompose_job_id"] = job.ID
			message += "; decomposition queued"
		}
	}
	return &actionOutcome{message: message, details: details}, nil
}

func (s *Service) handleListPlans(ctx context.Context, st *dispatchState) (*actionOutcome, error) {
	summaries, err := s.repo.ListPlans(ctx)
	if err != nil {
		return nil, err
	}
	list := make([]map[string]any, 0, len(summaries))
	for _, p := range summaries {
		list = append(list, map[string]any{
			"id":         p.ID,
			"title":      p.Title,
			"task_count": p.TaskCount,
		})
	}
	return &actionOutcome{
		message: fmt.Sprintf("found %d plans", len(summaries)),
		details: map[string]any{"plans": list},
	}, nil
}

func (s *Service) handleExecutePlan(ctx context.Context, st *dispatchState, params map[string]any) (*actionOutcome, error) {
	var p struct {
		PlanID int64 `json:"plan_id"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	planID := resolvePlanID(st, p.PlanID)

	job, err := s.jobs.Submit(ctx, jobs.SubmitRequest{
		Type:       models.JobTypeExecute,
		PlanID:     &planID,
		SessionID:  st.session.ID,
		Parameters: execute.Request{PlanID: planID},
	})
	if err != nil {
		return nil, err
	}
	return &actionOutcome{
		message: fmt.Sprintf("execution of plan %d started (job %s)", planID, job.ID),
		details: map[string]any{"plan_id": planID, "job_id": job.ID},
	}, nil
}

func (s *Service) handleDeletePlan(ctx context.Context, st *dispatchState, params map[string]any) (*actionOutcome, error) {
	var p struct {
		PlanID int64 `json:"plan_id"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	planID := resolvePlanID(st, p.PlanID)

	if err := s.repo.DeletePlan(ctx, planID); err != nil {
		return nil, err
	}
	if st.planID != nil && *st.planID == planID {
		if _, err := s.sessions.Update(ctx, st.session.ID, sessions.UpdateParams{Unbind: true}); err != nil {
			s.logger.Warn(ctx, "unbind session after plan delete failed", "session_id", st.session.ID, "error", err)
		}
		st.planID = nil
	}
	return &actionOutcome{
		message: fmt.Sprintf("deleted plan %d", planID),
		details: map[string]any{"plan_id": planID},
	}, nil
}

func (s *Service) handleCreateTask(ctx context.Context, st *dispatchState, params map[string]any) (*actionOutcome, error) {
	var p struct {
		TaskName     string         `json:"task_name"`
		PlanID       int64          `json:"plan_id"`
		ParentID     *int64         `json:"parent_id"`
		Instruction  string         `json:"instruction"`
		Metadata     map[string]any `json:"metadata"`
		Dependencies []int64        `json:"dependencies"`
		AnchorTaskID *int64         `json:"anchor_task_id"`
		AnchorPos    string         `json:"anchor_position"`
		Position     *int           `json:"position"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	anchorPos, err := plan.ParseAnchorPosition(p.AnchorPos)
	if err != nil {
		return nil, err
	}
	planID := resolvePlanID(st, p.PlanID)

	change, err := s.repo.CreateTask(ctx, plan.CreateTaskParams{
		PlanID:       planID,
		ParentID:     p.ParentID,
		Name:         p.TaskName,
		Instruction:  p.Instruction,
		Metadata:     p.Metadata,
		Dependencies: p.Dependencies,
		AnchorTaskID: p.AnchorTaskID,
		AnchorPos:    anchorPos,
		Position:     p.Position,
	})
	if err != nil {
		return nil, err
	}

	message := fmt.Sprintf("created task %d: %s", change.Node.ID, change.Node.Name)
	if len(change.Warnings) > 0 {
		message += "; " + strings.Join(change.Warnings, "; ")
	}
	return &actionOutcome{
		message: message,
		details: map[string]any{"plan_id": planID, "task_id": change.Node.ID, "name": change.Node.Name},
	}, nil
}

func (s *Service) handleUpdateTask(ctx context.Context, st *dispatchState, params map[string]any) (*actionOutcome, error) {
	var p struct {
		TaskID       int64          `json:"task_id"`
		PlanID       int64          `json:"plan_id"`
		Name         *string        `json:"name"`
		Instruction  *string        `json:"instruction"`
		Metadata     map[string]any `json:"metadata"`
		Dependencies *[]int64       `json:"dependencies"`
		Status       *string        `json:"status"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	planID := resolvePlanID(st, p.PlanID)

	update := plan.UpdateTaskParams{
		PlanID:       planID,
		TaskID:       p.TaskID,
		Name:         p.Name,
		Instruction:  p.Instruction,
		Metadata:     p.Metadata,
		Dependencies: p.Dependencies,
	}
	if p.Status != nil {
		status := models.TaskStatus(*p.Status)
		update.Status = &status
	}
	change, err := s.repo.UpdateTask(ctx, update)
	if err != nil {
		return nil, err
	}

	message := fmt.Sprintf("updated task %d", p.TaskID)
	if len(change.Warnings) > 0 {
		message += "; " + strings.Join(change.Warnings, "; ")
	}
	return &actionOutcome{
		message: message,
		details: map[string]any{"plan_id": planID, "task_id": p.TaskID},
	}, nil
}

func (s *Service) handleUpdateTaskInstruction(ctx context.Context, st *dispatchState, params map[string]any) (*actionOutcome, error) {
	var p struct {
		TaskID      int64  `json:"task_id"`
		PlanID      int64  `json:"plan_id"`
		Instruction string `json:"instruction"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	planID := resolvePlanID(st, p.PlanID)

	if _, err := s.repo.UpdateTask(ctx, plan.UpdateTaskParams{
		PlanID:      planID,
		TaskID:      p.TaskID,
		Instruction: &p.Instruction,
	}); err != nil {
		return nil, err
	}
	return &actionOutcome{
		message: fmt.Sprintf("updated instruction of task %d", p.TaskID),
		details: map[string]any{"plan_id": planID, "task_id": p.TaskID},
	}, nil
}

func (s *Service) handleMoveTask(ctx context.Context, st *dispatchState, params map[string]any) (*actionOutcome, error) {
	var p struct {
		TaskID       int64  `json:"task_id"`
		PlanID       int64  `json:"plan_id"`
		NewParentID  *int64 `json:"new_parent_id"`
		AnchorTaskID *int64 `json:"anchor_task_id"`
		AnchorPos    string `json:"anchor_position"`
		Position     *int   `json:"position"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	anchorPos, err := plan.ParseAnchorPosition(p.AnchorPos)
	if err != nil {
		return nil, err
	}
	planID := resolvePlanID(st, p.PlanID)

	if _, err := s.repo.MoveTask(ctx, plan.MoveTaskParams{
		PlanID:       planID,
		TaskID:       p.TaskID,
		NewParentID:  p.NewParentID,
		AnchorTaskID: p.AnchorTaskID,
		AnchorPos:    anchorPos,
		Position:     p.Position,
	}); err != nil {
		return nil, err
	}
	return &actionOutcome{
		message: fmt.Sprintf("moved task %d", p.TaskID),
		details: map[string]any{"plan_id": planID, "task_id": p.TaskID},
	}, nil
}

func (s *Service) handleDeleteTask(ctx context.Context, st *dispatchState, params map[string]any) (*actionOutcome, error) {
	var p struct {
		TaskID int64 `json:"task_id"`
		PlanID int64 `json:"plan_id"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	planID := resolvePlanID(st, p.PlanID)

	removed, err := s.repo.DeleteTask(ctx, planID, p.TaskID)
	if err != nil {
		return nil, err
	}
	return &actionOutcome{
		message: fmt.Sprintf("deleted task %d (%d tasks removed)", p.TaskID, removed),
		details: map[string]any{"plan_id": planID, "task_id": p.TaskID, "removed": removed},
	}, nil
}

func (s *Service) handleShowTasks(ctx context.Context, st *dispatchState, params map[string]any) (*actionOutcome, error) {
	var p struct {
		PlanID           int64 `json:"plan_id"`
		MaxDepth         int   `json:"max_depth"`
		WithInstructions bool  `json:"with_instructions"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	planID := resolvePlanID(st, p.PlanID)

	tree, err := s.repo.GetPlanTree(ctx, planID)
	if err != nil {
		return nil, err
	}
	outline, truncated := plan.RenderOutline(tree, plan.OutlineOptions{
		MaxDepth:         p.MaxDepth,
		WithInstructions: p.WithInstructions,
	})
	return &actionOutcome{
		message: fmt.Sprintf("plan %d has %d tasks", planID, len(tree.Nodes)),
		details: map[string]any{"plan_id": planID, "outline": outline, "truncated": truncated},
	}, nil
}

func (s *Service) handleQueryStatus(ctx context.Context, st *dispatchState, params map[string]any) (*actionOutcome, error) {
	var p struct {
		PlanID int64 `json:"plan_id"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	planID := resolvePlanID(st, p.PlanID)

	summary, err := s.repo.GetPlanSummary(ctx, planID)
	if err != nil {
		return nil, err
	}
	return &actionOutcome{
		message: fmt.Sprintf("plan %d: %d/%d tasks completed, %d failed, %d skipped",
			planID, summary.Completed, summary.Total, summary.Failed, summary.Skipped),
		details: map[string]any{
			"plan_id":   planID,
			"total":     summary.Total,
			"pending":   summary.Pending,
			"running":   summary.Running,
			"completed": summary.Completed,
			"failed":    summary.Failed,
			"skipped":   summary.Skipped,
		},
	}, nil
}

func (s *Service) handleRerunTask(ctx context.Context, st *dispatchState, params map[string]any) (*actionOutcome, error) {
	var p struct {
		TaskID int64 `json:"task_id"`
		PlanID int64 `json:"plan_id"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	planID := resolvePlanID(st, p.PlanID)

	node, err := s.repo.RerunTask(ctx, planID, p.TaskID)
	if err != nil {
		return nil, err
	}
	job, err := s.jobs.Submit(ctx, jobs.SubmitRequest{
		Type:         models.JobTypeExecute,
		PlanID:       &planID,
		TargetTaskID: &p.TaskID,
		SessionID:    st.session.ID,
		Parameters:   execute.Request{PlanID: planID, TaskFilter: []int64{p.TaskID}},
	})
	if err != nil {
		return nil, err
	}
	return &actionOutcome{
		message: fmt.Sprintf("task %d (%s) reset to pending, execution started (job %s)", node.ID, node.Name, job.ID),
		details: map[string]any{"plan_id": planID, "task_id": node.ID, "job_id": job.ID},
	}, nil
}

func (s *Service) handleDecomposeTask(ctx context.Context, st *dispatchState, params map[string]any) (*actionOutcome, error) {
	var p struct {
		TaskID      *int64 `json:"task_id"`
		PlanID      int64  `json:"plan_id"`
		ExpandDepth int    `json:"expand_depth"`
		NodeBudget  int    `json:"node_budget"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	planID := resolvePlanID(st, p.PlanID)

	job, err := s.jobs.Submit(ctx, jobs.SubmitRequest{
		Type:         models.JobTypeDecompose,
		PlanID:       &planID,
		TargetTaskID: p.TaskID,
		SessionID:    st.session.ID,
		Parameters: decompose.Request{
			PlanID:          planID,
			TargetTaskID:    p.TaskID,
			MaxDepth:        p.ExpandDepth,
			TotalNodeBudget: p.NodeBudget,
		},
	})
	if err != nil {
		return nil, err
	}
	target := "plan roots"
	if p.TaskID != nil {
		target = fmt.Sprintf("task %d", *p.TaskID)
	}
	return &actionOutcome{
		message: fmt.Sprintf("decomposition of %s queued (job %s)", target, job.ID),
		details: map[string]any{"plan_id": planID, "job_id": job.ID},
	}, nil
}

func (s *Service) handleRequestSubgraph(ctx context.Context, st *dispatchState, params map[string]any) (*actionOutcome, error) {
	var p struct {
		PlanID    int64  `json:"plan_id"`
		TaskID    *int64 `json:"task_id"`
		LogicalID string `json:"logical_id"`
		MaxDepth  int    `json:"max_depth"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	planID := resolvePlanID(st, p.PlanID)

	sub, err := s.repo.Subgraph(ctx, planID, plan.SubgraphRequest{
		TaskID:    p.TaskID,
		LogicalID: p.LogicalID,
		MaxDepth:  p.MaxDepth,
	})
	if err != nil {
		return nil, err
	}
	st.setExtra("subgraph", sub)
	return &actionOutcome{
		message: fmt.Sprintf("returning a subgraph of %d tasks", sub.NodeCount),
		details: map[string]any{"plan_id": planID, "node_count": sub.NodeCount, "truncated": sub.Truncated},
	}, nil
}

func (s *Service) handleHelp(st *dispatchState) (*actionOutcome, error) {
	var b strings.Builder
	writeCatalog(&b, st.planID != nil, s.toolCatalog())
	return &actionOutcome{
		message: "listed available actions",
		details: map[string]any{"help": b.String()},
	}, nil
}

// handleTool routes a tool_operation through the registry. The search
// provider preference cascades from the action parameters to the
// request default to the session settings. Retry policies apply to
// tools only; plan and task mutations are never retried.
func (s *Service) handleTool(ctx context.Context, st *dispatchState, action models.Action, params map[string]any) (*actionOutcome, error) {
	if action.Name == toolWebSearch {
		if v, _ := params["provider"].(string); v == "" {
			if provider := st.resolveSearchProvider(); provider != "" {
				params["provider"] = provider
			}
		}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}

	cfg := retry.Config{MaxAttempts: 1}
	if pol := action.RetryPolicy; pol != nil && pol.MaxRetries > 0 {
		backoff := time.Duration(pol.BackoffSec * float64(time.Second))
		cfg = retry.Exponential(pol.MaxRetries+1, backoff, 30*time.Second)
	}
	result, res := retry.DoWithValue(ctx, cfg, func(int) (*tools.Result, error) {
		r, err := s.tools.Execute(ctx, action.Name, raw)
		if err != nil {
			return nil, err
		}
		if r.IsError {
			return nil, errors.New(r.Summary)
		}
		return r, nil
	})
	if res.Err != nil {
		return nil, res.Err
	}

	invocation := models.ToolInvocation{
		Name:       action.Name,
		Summary:    result.Summary,
		Parameters: params,
		Result:     result.Data,
	}
	st.toolResults = append(st.toolResults, invocation)
	return &actionOutcome{
		message: result.Summary,
		details: map[string]any{"tool_result": map[string]any{"summary": result.Summary, "data": result.Data}},
	}, nil
}

func (st *dispatchState) resolveSearchProvider() string {
	if st.searchProvider != "" {
		return st.searchProvider
	}
	return st.session.Settings.DefaultSearchProvider
}

func (s *Service) toolCatalog() []promptTool {
	names := s.tools.Names()
	out := make([]promptTool, 0, len(names))
	for _, name := range names {
		if tool, ok := s.tools.Get(name); ok {
			out = append(out, promptTool{Name: name, Description: tool.Description()})
		}
	}
	return out
}
