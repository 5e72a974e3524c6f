// Package execute runs the tasks of a plan in dependency order, asking
// the executor model to carry out each one and recording the outcome
// on the task.
//
// A run walks pending tasks only. Tasks downstream of a failure are
// skipped rather than attempted, and tasks that already finished keep
// their results, so re-running a partially executed plan picks up
// where the previous run stopped.
package execute

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/planweave/planweave/internal/config"
	"github.com/planweave/planweave/internal/jobs"
	"github.com/planweave/planweave/internal/llm"
	"github.com/planweave/planweave/internal/observability"
	"github.com/planweave/planweave/internal/plan"
	"github.com/planweave/planweave/internal/retry"
	"github.com/planweave/planweave/pkg/models"
)

// Request selects the plan to execute and optionally narrows or tunes
// the run. Zero values defer to the executor configuration.
type Request struct {
	PlanID      int64   `json:"plan_id"`
	TaskFilter  []int64 `json:"task_filter,omitempty"`
	MaxRetries  *int    `json:"max_retries,omitempty"`
	Parallelism int     `json:"parallelism,omitempty"`
	UseContext  *bool   `json:"use_context,omitempty"`
}

// Step records one task touched by a run, in settlement order.
type Step struct {
	TaskID   int64             `json:"task_id"`
	Name     string            `json:"name"`
	Status   models.TaskStatus `json:"status"`
	Attempts int               `json:"attempts,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// Summary is the outcome of one execution run. Counts cover every task
// in scope, including ones that were already terminal before the run.
type Summary struct {
	PlanID     int64          `json:"plan_id"`
	Counts     map[string]int `json:"counts"`
	Steps      []Step         `json:"steps"`
	LLMCalls   int            `json:"llm_calls"`
	DurationMS int64          `json:"duration_ms"`
	Warnings   []string       `json:"warnings,omitempty"`
}

func (s *Summary) stats() map[string]any {
	stats := map[string]any{
		"llm_calls":   s.LLMCalls,
		"duration_ms": s.DurationMS,
	}
	for status, n := range s.Counts {
		stats[status] = n
	}
	return stats
}

type limits struct {
	maxRetries  int
	timeout     time.Duration
	useContext  bool
	parallelism int
}

// Service executes plans with an LLM. One Service serves every
// execution job; per-run state lives in Run.
type Service struct {
	repo     *plan.Repository
	jobs     *jobs.Manager
	provider llm.Provider
	cfg      config.ExecutorConfig
	logger   *observability.Logger

	// base delay between retry attempts, shortened in tests
	retryDelay time.Duration
}

// New wires an execution service. The jobs manager and logger may be
// nil; job logging and structured logging degrade to no-ops.
func New(repo *plan.Repository, manager *jobs.Manager, provider llm.Provider, cfg config.ExecutorConfig, logger *observability.Logger) *Service {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Service{
		repo:       repo,
		jobs:       manager,
		provider:   provider,
		cfg:        cfg,
		logger:     logger.WithComponent("execute"),
		retryDelay: time.Second,
	}
}

// Handler adapts Run to the background job contract.
func (s *Service) Handler() jobs.Handler {
	return func(ctx context.Context, job *models.Job) (json.RawMessage, map[string]any, error) {
		var req Request
		if len(job.Parameters) > 0 {
			if err := json.Unmarshal(job.Parameters, &req); err != nil {
				return nil, nil, fmt.Errorf("decode execute parameters: %w", err)
			}
		}
		if req.PlanID == 0 && job.PlanID != nil {
			req.PlanID = *job.PlanID
		}
		if len(req.TaskFilter) == 0 && job.TargetTaskID != nil {
			req.TaskFilter = []int64{*job.TargetTaskID}
		}

		summary, err := s.Run(ctx, job.ID, req)
		if err != nil {
			return nil, nil, err
		}
		raw, err := json.Marshal(summary)
		if err != nil {
			return nil, nil, fmt.Errorf("encode execute summary: %w", err)
		}
		return raw, summary.stats(), nil
	}
}

// Run executes the plan's pending tasks in dependency order and
// returns a summary. Task-level failures land on the task and do not
// fail the run; only storage errors, cycles, and cancellation do.
func (s *Service) Run(ctx context.Context, jobID string, req Request) (*Summary, error) {
	if req.PlanID == 0 {
		return nil, fmt.Errorf("plan_id is required")
	}
	lim := s.resolveLimits(req)
	started := time.Now()

	tree, err := s.repo.GetPlanTree(ctx, req.PlanID)
	if err != nil {
		return nil, err
	}

	summary := &Summary{PlanID: req.PlanID, Counts: map[string]int{}}
	scope, warnings := scopeTasks(tree, req.TaskFilter)
	summary.Warnings = append(summary.Warnings, warnings...)

	if err := detectCycle(scope); err != nil {
		return nil, err
	}

	s.jobLog(ctx, jobID, models.LogLevelInfo,
		fmt.Sprintf("executing plan %d (%d tasks in scope)", req.PlanID, len(scope)),
		map[string]any{"plan_id": req.PlanID, "parallelism": lim.parallelism})
	s.logger.Info(ctx, "execution started",
		"plan_id", req.PlanID, "tasks", len(scope), "parallelism", lim.parallelism)

	// Tasks stuck in running were left behind by an interrupted run.
	// They never reported a result, so they go around again.
	for _, node := range sortByID(scope) {
		if node.Status != models.TaskStatusRunning {
			continue
		}
		if err := s.repo.SetTaskStatus(ctx, req.PlanID, node.ID, models.TaskStatusPending, nil); err != nil {
			return nil, err
		}
		node.Status = models.TaskStatusPending
		s.jobLog(ctx, jobID, models.LogLevelWarn,
			fmt.Sprintf("task %d was left running by an earlier run, resetting to pending", node.ID),
			map[string]any{"task_id": node.ID})
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.applySkips(ctx, jobID, tree, scope, summary); err != nil {
			return nil, err
		}
		level := readyTasks(scope, tree)
		if len(level) == 0 {
			break
		}
		if err := s.runLevel(ctx, jobID, tree, level, lim, summary); err != nil {
			return nil, err
		}
	}

	blocked := 0
	for _, node := range scope {
		summary.Counts[string(node.Status)]++
		if node.Status == models.TaskStatusPending {
			blocked++
		}
	}
	if blocked > 0 {
		summary.Warnings = append(summary.Warnings,
			fmt.Sprintf("%d tasks remain pending behind unfinished prerequisites", blocked))
	}
	for _, step := range summary.Steps {
		summary.LLMCalls += step.Attempts
	}
	summary.DurationMS = time.Since(started).Milliseconds()

	s.finishLog(ctx, jobID, summary)
	return summary, nil
}

func (s *Service) resolveLimits(req Request) limits {
	lim := limits{
		maxRetries:  s.cfg.MaxRetries,
		timeout:     s.cfg.Timeout,
		useContext:  s.cfg.UseContext,
		parallelism: s.cfg.Parallelism,
	}
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		lim.maxRetries = *req.MaxRetries
	}
	if req.Parallelism > 0 {
		lim.parallelism = req.Parallelism
	}
	if req.UseContext != nil {
		lim.useContext = *req.UseContext
	}
	if lim.maxRetries < 0 {
		lim.maxRetries = 0
	}
	if lim.parallelism < 1 {
		lim.parallelism = 1
	}
	return lim
}

// applySkips settles every pending task whose prerequisites can no
// longer succeed.
func (s *Service) applySkips(ctx context.Context, jobID string, tree *models.PlanTree, scope map[int64]*models.PlanNode, summary *Summary) error {
	for _, node := range skipCandidates(scope, tree) {
		if err := s.repo.SetTaskStatus(ctx, tree.Plan.ID, node.ID, models.TaskStatusSkipped, nil); err != nil {
			return err
		}
		node.Status = models.TaskStatusSkipped
		summary.Steps = append(summary.Steps, Step{TaskID: node.ID, Name: node.Name, Status: models.TaskStatusSkipped})
		s.jobLog(ctx, jobID, models.LogLevelWarn,
			fmt.Sprintf("task %d skipped: a prerequisite failed", node.ID),
			map[string]any{"task_id": node.ID})
	}
	return nil
}

// runLevel executes one batch of ready tasks, bounded by the
// configured parallelism. Tasks in a level have no edges between each
// other, so they only ever write their own node.
func (s *Service) runLevel(ctx context.Context, jobID string, tree *models.PlanTree, level []*models.PlanNode, lim limits, summary *Summary) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(lim.parallelism)

	steps := make([]Step, len(level))
	for i, node := range level {
		g.Go(func() error {
			step, err := s.executeTask(gctx, jobID, tree, node, lim)
			if err != nil {
				return err
			}
			steps[i] = step
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	summary.Steps = append(summary.Steps, steps...)
	return nil
}

// executeTask runs one task to a terminal status. An LLM failure lands
// on the task; only storage errors and run cancellation propagate.
func (s *Service) executeTask(ctx context.Context, jobID string, tree *models.PlanTree, node *models.PlanNode, lim limits) (Step, error) {
	if err := s.repo.SetTaskStatus(ctx, tree.Plan.ID, node.ID, models.TaskStatusRunning, nil); err != nil {
		return Step{}, err
	}
	node.Status = models.TaskStatusRunning
	s.jobLog(ctx, jobID, models.LogLevelInfo,
		fmt.Sprintf("task %d started: %s", node.ID, node.Name),
		map[string]any{"task_id": node.ID})

	taskCtx := ctx
	cancel := func() {}
	if lim.timeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, lim.timeout)
	}
	defer cancel()

	prompt := buildTaskPrompt(tree, node, lim.useContext)
	var lastReject error
	result, res := retry.DoWithValue(taskCtx, s.retryConfig(lim), func(attempt int) (*models.ExecutionResult, error) {
		user := prompt
		if lastReject != nil {
			user = prompt + "\n\n" + correctiveHint(lastReject)
		}
		resp, err := s.provider.Complete(taskCtx, &llm.Request{
			System:   execSystemPrompt,
			Messages: []llm.Message{{Role: llm.RoleUser, Content: user}},
			JSONOnly: true,
		})
		if err != nil {
			return nil, fmt.Errorf("llm call failed: %w", err)
		}
		parsed, err := parseExecReply(resp.Text)
		if err != nil {
			lastReject = err
			return nil, err
		}
		return parsed, nil
	})

	if res.Err != nil {
		if ctx.Err() != nil {
			// The run is being torn down. Put the task back so a
			// resumed run picks it up.
			_ = s.repo.SetTaskStatus(context.WithoutCancel(ctx), tree.Plan.ID, node.ID, models.TaskStatusPending, nil)
			return Step{}, ctx.Err()
		}
		failure := &models.ExecutionResult{
			Status: string(models.TaskStatusFailed),
			Notes:  fmt.Sprintf("execution failed after %d attempts: %v", res.Attempts, res.Err),
		}
		if err := s.repo.SetTaskStatus(ctx, tree.Plan.ID, node.ID, models.TaskStatusFailed, failure); err != nil {
			return Step{}, err
		}
		node.Status = models.TaskStatusFailed
		node.ExecutionResult = failure
		s.jobLog(ctx, jobID, models.LogLevelError,
			fmt.Sprintf("task %d failed: %v", node.ID, res.Err),
			map[string]any{"task_id": node.ID, "attempts": res.Attempts})
		return Step{TaskID: node.ID, Name: node.Name, Status: models.TaskStatusFailed, Attempts: res.Attempts, Error: res.Err.Error()}, nil
	}

	status := models.TaskStatusCompleted
	if result.Status == string(models.TaskStatusFailed) {
		status = models.TaskStatusFailed
	}
	if err := s.repo.SetTaskStatus(ctx, tree.Plan.ID, node.ID, status, result); err != nil {
		return Step{}, err
	}
	node.Status = status
	node.ExecutionResult = result

	step := Step{TaskID: node.ID, Name: node.Name, Status: status, Attempts: res.Attempts}
	if status == models.TaskStatusCompleted {
		s.jobLog(ctx, jobID, models.LogLevelSuccess,
			fmt.Sprintf("task %d completed", node.ID),
			map[string]any{"task_id": node.ID, "attempts": res.Attempts})
	} else {
		step.Error = result.Notes
		s.jobLog(ctx, jobID, models.LogLevelError,
			fmt.Sprintf("task %d reported failure", node.ID),
			map[string]any{"task_id": node.ID})
	}
	return step, nil
}

func (s *Service) retryConfig(lim limits) retry.Config {
	return retry.Exponential(lim.maxRetries+1, s.retryDelay, 30*time.Second)
}

func (s *Service) finishLog(ctx context.Context, jobID string, summary *Summary) {
	meta := map[string]any{
		"plan_id":     summary.PlanID,
		"llm_calls":   summary.LLMCalls,
		"duration_ms": summary.DurationMS,
	}
	for status, n := range summary.Counts {
		meta[status] = n
	}
	s.jobLog(ctx, jobID, models.LogLevelSuccess, "execution finished", meta)
	s.logger.Info(ctx, "execution finished",
		"plan_id", summary.PlanID,
		"completed", summary.Counts[string(models.TaskStatusCompleted)],
		"failed", summary.Counts[string(models.TaskStatusFailed)],
		"skipped", summary.Counts[string(models.TaskStatusSkipped)],
		"llm_calls", summary.LLMCalls,
		"duration_ms", summary.DurationMS)
}

func (s *Service) jobLog(ctx context.Context, jobID string, level models.LogLevel, msg string, meta map[string]any) {
	if jobID == "" || s.jobs == nil {
		return
	}
	if err := s.jobs.Log(ctx, jobID, level, msg, meta); err != nil {
		s.logger.Warn(ctx, "job log append failed", "job_id", jobID, "error", err)
	}
}
