// Package decompose expands plan trees through a dedicated
// decomposition model. A run walks the tree breadth-first, asks the
// model to break each visited task into subtasks, and writes the
// accepted children back through the plan repository. Depth, fan-out,
// and total-node budgets bound every run; hitting a budget ends the
// run as a success with partial output.
package decompose

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/planweave/planweave/internal/config"
	"github.com/planweave/planweave/internal/jobs"
	"github.com/planweave/planweave/internal/llm"
	"github.com/planweave/planweave/internal/observability"
	"github.com/planweave/planweave/internal/plan"
	"github.com/planweave/planweave/pkg/models"
)

// Mode selects the starting frontier of a run.
type Mode string

const (
	// ModePlanBFS starts at the plan's root tasks.
	ModePlanBFS Mode = "plan_bfs"
	// ModeSingleNode starts at one task.
	ModeSingleNode Mode = "single_node"
)

// StoppedReason records why a run stopped expanding.
type StoppedReason string

const (
	ReasonCompleted       StoppedReason = "completed"
	ReasonDepthLimit      StoppedReason = "depth_limit"
	ReasonChildLimit      StoppedReason = "child_limit"
	ReasonNodeBudget      StoppedReason = "node_budget"
	ReasonStopOnEmpty     StoppedReason = "stop_on_empty"
	ReasonLLMErrorCap     StoppedReason = "llm_error_cap"
	ReasonTargetCompleted StoppedReason = "target_completed"
)

// maxFailedNodes caps how many tasks may fail decomposition before the
// run stops burning budget on a model that is not cooperating.
const maxFailedNodes = 3

// Request is the parameter payload of a plan_decompose job. Zero
// values fall back to the service configuration.
type Request struct {
	PlanID       int64  `json:"plan_id"`
	Mode         Mode   `json:"mode,omitempty"`
	TargetTaskID *int64 `json:"target_task_id,omitempty"`

	MaxDepth        int `json:"max_depth,omitempty"`
	MaxChildren     int `json:"max_children,omitempty"`
	TotalNodeBudget int `json:"total_node_budget,omitempty"`
	RetryLimit      int `json:"retry_limit,omitempty"`

	StopOnEmpty             *bool `json:"stop_on_empty,omitempty"`
	ReplaceExistingChildren bool  `json:"replace_existing,omitempty"`
}

// FailedNode records one task whose decomposition failed. Failures do
// not abort the run; children written before the failure remain.
type FailedNode struct {
	TaskID int64  `json:"task_id"`
	Name   string `json:"name"`
	Error  string `json:"error"`
}

// Outcome is the result payload of a finished run.
type Outcome struct {
	PlanID        int64         `json:"plan_id"`
	Mode          Mode          `json:"mode"`
	StoppedReason StoppedReason `json:"stopped_reason"`
	NodesCreated  int           `json:"nodes_created"`
	ExpandedTasks int           `json:"expanded_tasks"`
	LLMCalls      int           `json:"llm_calls"`
	DurationMS    int64         `json:"duration_ms"`
	FailedNodes   []FailedNode  `json:"failed_nodes,omitempty"`
	Warnings      []string      `json:"warnings,omitempty"`
}

// stats is the subset of the outcome stored on the job row as stats.
func (o *Outcome) stats() map[string]any {
	return map[string]any{
		"llm_calls":     o.LLMCalls,
		"nodes_created": o.NodesCreated,
		"duration_ms":   o.DurationMS,
	}
}

// limits are the resolved caps for one run.
type limits struct {
	maxDepth    int
	maxChildren int
	budget      int
	retryLimit  int
	stopOnEmpty bool
	replace     bool
}

// Service runs plan decompositions. The provider is expected to be the
// decomposition profile, not the conversation one, so runs can use a
// cheaper or more deterministic model.
type Service struct {
	repo     *plan.Repository
	jobs     *jobs.Manager
	provider llm.Provider
	cfg      config.DecomposeConfig
	logger   *observability.Logger
}

// New builds a decomposition service over the given repository and
// provider. The job manager may be nil when runs are invoked directly.
func New(repo *plan.Repository, manager *jobs.Manager, provider llm.Provider, cfg config.DecomposeConfig, logger *observability.Logger) *Service {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Service{
		repo:     repo,
		jobs:     manager,
		provider: provider,
		cfg:      cfg,
		logger:   logger.WithComponent("decompose"),
	}
}

// Handler adapts the service to the job manager's contract for
// plan_decompose jobs.
func (s *Service) Handler() jobs.Handler {
	return func(ctx context.Context, job *models.Job) (json.RawMessage, map[string]any, error) {
		var req Request
		if len(job.Parameters) > 0 {
			if err := json.Unmarshal(job.Parameters, &req); err != nil {
				return nil, nil, fmt.Errorf("decode decompose parameters: %w", err)
			}
		}
		if req.PlanID == 0 && job.PlanID != nil {
			req.PlanID = *job.PlanID
		}
		if req.TargetTaskID == nil && job.TargetTaskID != nil {
			id := *job.TargetTaskID
			req.TargetTaskID = &id
		}

		outcome, err := s.Run(ctx, job.ID, req)
		if err != nil {
			return nil, nil, err
		}
		result, err := json.Marshal(outcome)
		if err != nil {
			return nil, nil, fmt.Errorf("encode decompose result: %w", err)
		}
		return result, outcome.stats(), nil
	}
}

// Run expands a plan or a single task. Individual task failures are
// collected in the outcome; only storage errors, an invalid request,
// or context cancellation fail the run itself.
func (s *Service) Run(ctx context.Context, jobID string, req Request) (*Outcome, error) {
	started := time.Now()

	mode := req.Mode
	if mode == "" {
		if req.TargetTaskID != nil {
			mode = ModeSingleNode
		} else {
			mode = ModePlanBFS
		}
	}
	switch mode {
	case ModePlanBFS, ModeSingleNode:
	default:
		return nil, fmt.Errorf("unknown decompose mode %q", req.Mode)
	}
	if req.PlanID == 0 {
		return nil, errors.New("plan_id is required")
	}
	if mode == ModeSingleNode && req.TargetTaskID == nil {
		return nil, errors.New("single_node mode requires target_task_id")
	}

	lim := s.resolveLimits(req)
	tree, err := s.repo.GetPlanTree(ctx, req.PlanID)
	if err != nil {
		return nil, err
	}

	out := &Outcome{PlanID: req.PlanID, Mode: mode}
	s.jobLog(ctx, jobID, models.LogLevelInfo, "decomposition started", map[string]any{
		"mode":         string(mode),
		"max_depth":    lim.maxDepth,
		"max_children": lim.maxChildren,
		"node_budget":  lim.budget,
	})
	s.logger.Info(ctx, "decomposition started",
		"plan_id", req.PlanID, "mode", mode, "job_id", jobID)

	type queued struct {
		id    int64
		depth int
	}
	var queue []queued

	if mode == ModeSingleNode {
		target := tree.Get(*req.TargetTaskID)
		if target == nil {
			return nil, plan.NewTaskNotFound(*req.TargetTaskID)
		}
		if target.Status == models.TaskStatusCompleted {
			out.StoppedReason = ReasonTargetCompleted
			out.DurationMS = time.Since(started).Milliseconds()
			s.finishLog(ctx, jobID, out)
			return out, nil
		}
		queue = append(queue, queued{target.ID, 0})
	} else {
		roots := tree.Roots()
		if len(roots) == 0 {
			root, err := s.seedRoot(ctx, tree)
			if err != nil {
				return nil, err
			}
			out.NodesCreated++
			s.jobLog(ctx, jobID, models.LogLevelInfo, "seeded root task from plan goal", map[string]any{
				"task_id": root.ID, "name": root.Name,
			})
			queue = append(queue, queued{root.ID, 0})
		} else {
			for _, root := range roots {
				queue = append(queue, queued{root.ID, 0})
			}
		}
	}

	var (
		reason   StoppedReason
		depthHit bool
		childHit bool
	)

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if out.NodesCreated >= lim.budget {
			reason = ReasonNodeBudget
			break
		}

		item := queue[0]
		queue = queue[1:]
		node := tree.Get(item.id)
		if node == nil {
			continue
		}
		if node.Status == models.TaskStatusCompleted {
			s.jobLog(ctx, jobID, models.LogLevelDebug, "skipping completed task", map[string]any{"task_id": node.ID})
			continue
		}

		if existing := tree.Children(node.ID); len(existing) > 0 {
			switch {
			case lim.replace:
				removed, err := s.removeChildren(ctx, tree, node, existing)
				if err != nil {
					return nil, fmt.Errorf("replace children of task %d: %w", node.ID, err)
				}
				s.jobLog(ctx, jobID, models.LogLevelInfo, "existing children replaced", map[string]any{
					"task_id": node.ID, "removed": removed,
				})
			case mode == ModePlanBFS:
				// Already decomposed: walk down to the frontier
				// instead of duplicating this level.
				for _, child := range existing {
					if d := item.depth + 1; d < lim.maxDepth {
						queue = append(queue, queued{child.ID, d})
					}
				}
				continue
			default:
				msg := fmt.Sprintf("task %d already has children; set replace_existing to rebuild them", node.ID)
				out.Warnings = append(out.Warnings, msg)
				s.jobLog(ctx, jobID, models.LogLevelWarn, msg, map[string]any{"task_id": node.ID})
				continue
			}
		}

		s.jobLog(ctx, jobID, models.LogLevelInfo, "expanding task", map[string]any{
			"task_id": node.ID, "name": node.Name, "depth": item.depth,
		})

		reply, err := s.decomposeNode(ctx, jobID, tree, node, lim, mode, &out.LLMCalls)
		if err != nil {
			out.FailedNodes = append(out.FailedNodes, FailedNode{TaskID: node.ID, Name: node.Name, Error: err.Error()})
			s.jobLog(ctx, jobID, models.LogLevelError, "task decomposition failed", map[string]any{
				"task_id": node.ID, "error": err.Error(),
			})
			if len(out.FailedNodes) >= maxFailedNodes {
				reason = ReasonLLMErrorCap
				break
			}
			continue
		}

		if reply.ShouldStop || len(reply.Children) == 0 {
			meta := map[string]any{"task_id": node.ID}
			if reply.Reason != "" {
				meta["reason"] = reply.Reason
			}
			s.jobLog(ctx, jobID, models.LogLevelInfo, "no further breakdown", meta)
			if lim.stopOnEmpty {
				reason = ReasonStopOnEmpty
				break
			}
			continue
		}

		kids := reply.Children
		if len(kids) > lim.maxChildren {
			childHit = true
			s.jobLog(ctx, jobID, models.LogLevelWarn, "children truncated to fan-out limit", map[string]any{
				"task_id": node.ID, "proposed": len(kids), "kept": lim.maxChildren,
			})
			kids = kids[:lim.maxChildren]
		}
		if remaining := lim.budget - out.NodesCreated; len(kids) > remaining {
			s.jobLog(ctx, jobID, models.LogLevelWarn, "children truncated by node budget", map[string]any{
				"task_id": node.ID, "proposed": len(kids), "kept": remaining,
			})
			kids = kids[:remaining]
		}

		created, err := s.createChildren(ctx, tree, node, kids, out)
		if err != nil {
			return nil, err
		}
		out.ExpandedTasks++

		for i, child := range kids[:len(created)] {
			if child.Leaf {
				continue
			}
			if d := item.depth + 1; d < lim.maxDepth {
				queue = append(queue, queued{created[i], d})
			} else {
				depthHit = true
			}
		}
		if out.NodesCreated >= lim.budget {
			reason = ReasonNodeBudget
			break
		}
	}

	if reason == "" {
		switch {
		case depthHit:
			reason = ReasonDepthLimit
		case childHit:
			reason = ReasonChildLimit
		default:
			reason = ReasonCompleted
		}
	}
	out.StoppedReason = reason
	out.DurationMS = time.Since(started).Milliseconds()

	if out.NodesCreated > 0 {
		s.snapshot(ctx, jobID, req.PlanID, mode)
	}
	s.finishLog(ctx, jobID, out)
	s.logger.Info(ctx, "decomposition finished",
		"plan_id", req.PlanID, "mode", mode, "nodes_created", out.NodesCreated,
		"llm_calls", out.LLMCalls, "stopped_reason", out.StoppedReason, "failed_nodes", len(out.FailedNodes))
	return out, nil
}

func (s *Service) resolveLimits(req Request) limits {
	lim := limits{
		maxDepth:    s.cfg.MaxDepth,
		maxChildren: s.cfg.MaxChildren,
		budget:      s.cfg.TotalNodeBudget,
		retryLimit:  s.cfg.RetryLimit,
		stopOnEmpty: s.cfg.StopOnEmpty,
		replace:     req.ReplaceExistingChildren,
	}
	if req.MaxDepth > 0 {
		lim.maxDepth = req.MaxDepth
	}
	if req.MaxChildren > 0 {
		lim.maxChildren = req.MaxChildren
	}
	if req.TotalNodeBudget > 0 {
		lim.budget = req.TotalNodeBudget
	}
	if req.RetryLimit > 0 {
		lim.retryLimit = req.RetryLimit
	}
	if req.StopOnEmpty != nil {
		lim.stopOnEmpty = *req.StopOnEmpty
	}
	// The service may be built with a zero config; fall back to the
	// same defaults the config loader applies.
	if lim.maxDepth <= 0 {
		lim.maxDepth = 3
	}
	if lim.maxChildren <= 0 {
		lim.maxChildren = 5
	}
	if lim.budget <= 0 {
		lim.budget = 60
	}
	if lim.retryLimit < 0 {
		lim.retryLimit = 0
	}
	return lim
}

// decomposeNode asks the model to break one task down, retrying
// schema-rejected replies with a corrective hint. Provider errors are
// not retried here; the provider already retries transient failures.
func (s *Service) decomposeNode(ctx context.Context, jobID string, tree *models.PlanTree, node *models.PlanNode, lim limits, mode Mode, calls *int) (*replyPayload, error) {
	prompt := buildNodePrompt(tree, node, lim, mode)

	var lastErr error
	for attempt := 0; attempt <= lim.retryLimit; attempt++ {
		user := prompt
		if lastErr != nil {
			user = prompt + "\n\n" + correctiveHint(lastErr)
		}

		resp, err := s.provider.Complete(ctx, &llm.Request{
			System:   systemPrompt,
			Messages: []llm.Message{{Role: llm.RoleUser, Content: user}},
			JSONOnly: true,
		})
		*calls++
		if err != nil {
			return nil, fmt.Errorf("llm call failed: %w", err)
		}

		reply, parseErr := parseReply(resp.Text)
		if parseErr == nil && reply.TargetNodeID != node.ID {
			parseErr = fmt.Errorf("target_node_id %d does not match task %d", reply.TargetNodeID, node.ID)
		}
		if parseErr == nil {
			return reply, nil
		}
		lastErr = parseErr
		if attempt < lim.retryLimit {
			s.jobLog(ctx, jobID, models.LogLevelWarn, "reply rejected, retrying", map[string]any{
				"task_id": node.ID, "attempt": attempt + 1, "error": parseErr.Error(),
			})
		}
	}
	return nil, fmt.Errorf("no valid reply after %d attempts: %w", lim.retryLimit+1, lastErr)
}

// createChildren writes one accepted batch under node, in order, and
// returns the assigned IDs. A storage error aborts the batch.
func (s *Service) createChildren(ctx context.Context, tree *models.PlanTree, node *models.PlanNode, kids []replyChild, out *Outcome) ([]int64, error) {
	created := make([]int64, 0, len(kids))
	for _, child := range kids {
		deps, depWarnings := resolveSiblingDeps(child.Dependencies, created)
		for _, w := range depWarnings {
			out.Warnings = append(out.Warnings, fmt.Sprintf("task %d child %q: %s", node.ID, child.Name, w))
		}

		parentID := node.ID
		change, err := s.repo.CreateTask(ctx, plan.CreateTaskParams{
			PlanID:       tree.Plan.ID,
			ParentID:     &parentID,
			Name:         child.Name,
			Instruction:  child.Instruction,
			Dependencies: deps,
		})
		if err != nil {
			return created, fmt.Errorf("create child %q of task %d: %w", child.Name, node.ID, err)
		}
		fresh := change.Node
		out.Warnings = append(out.Warnings, change.Warnings...)

		if child.Context != "" {
			combined := child.Context
			update, err := s.repo.UpdateTask(ctx, plan.UpdateTaskParams{
				PlanID:          tree.Plan.ID,
				TaskID:          fresh.ID,
				ContextCombined: &combined,
			})
			if err != nil {
				return created, fmt.Errorf("attach context to task %d: %w", fresh.ID, err)
			}
			fresh = update.Node
		}

		tree.Nodes[fresh.ID] = fresh
		created = append(created, fresh.ID)
		out.NodesCreated++
	}
	return created, nil
}

// seedRoot creates the root task for a plan whose tree is still empty,
// using the plan's own title and goal.
func (s *Service) seedRoot(ctx context.Context, tree *models.PlanTree) (*models.PlanNode, error) {
	change, err := s.repo.CreateTask(ctx, plan.CreateTaskParams{
		PlanID:      tree.Plan.ID,
		Name:        tree.Plan.Title,
		Instruction: tree.Plan.Description,
	})
	if err != nil {
		return nil, fmt.Errorf("seed root task: %w", err)
	}
	tree.Nodes[change.Node.ID] = change.Node
	return change.Node, nil
}

// removeChildren deletes the existing subtrees under node before a
// replacement decomposition.
func (s *Service) removeChildren(ctx context.Context, tree *models.PlanTree, node *models.PlanNode, children []*models.PlanNode) (int, error) {
	removed := 0
	for _, child := range children {
		ids := tree.Subtree(child.ID)
		n, err := s.repo.DeleteTask(ctx, tree.Plan.ID, child.ID)
		if err != nil {
			return removed, err
		}
		for _, id := range ids {
			delete(tree.Nodes, id)
		}
		removed += n
	}
	return removed, nil
}

// snapshot records the post-run tree state. The tree is reloaded first
// because the plan may have moved underneath a long run.
func (s *Service) snapshot(ctx context.Context, jobID string, planID int64, mode Mode) {
	fresh, err := s.repo.GetPlanTree(ctx, planID)
	if err == nil {
		_, err = s.repo.UpsertPlanTree(ctx, fresh, fmt.Sprintf("after decompose (%s)", mode))
	}
	if err != nil {
		s.logger.Warn(ctx, "post-decompose snapshot failed", "plan_id", planID, "error", err)
		s.jobLog(ctx, jobID, models.LogLevelWarn, "post-decompose snapshot failed", map[string]any{"error": err.Error()})
	}
}

func (s *Service) finishLog(ctx context.Context, jobID string, out *Outcome) {
	s.jobLog(ctx, jobID, models.LogLevelSuccess, "decomposition finished", map[string]any{
		"nodes_created":  out.NodesCreated,
		"expanded_tasks": out.ExpandedTasks,
		"llm_calls":      out.LLMCalls,
		"duration_ms":    out.DurationMS,
		"stopped_reason": string(out.StoppedReason),
		"failed_nodes":   len(out.FailedNodes),
	})
}

// jobLog appends to the job's log stream when the run belongs to a
// job. Log failures never fail the run.
func (s *Service) jobLog(ctx context.Context, jobID string, level models.LogLevel, msg string, meta map[string]any) {
	if jobID == "" || s.jobs == nil {
		return
	}
	if err := s.jobs.Log(ctx, jobID, level, msg, meta); err != nil {
		s.logger.Warn(ctx, "job log append failed", "job_id", jobID, "error", err)
	}
}
