package agent

import (
	"context"
	"fmt"

	"github.com/planweave/planweave/internal/jobs"
	"github.com/planweave/planweave/pkg/models"
)

// PlanNotBoundError is returned when an action needs a plan and the
// session has none bound.
type PlanNotBoundError struct {
	Action string
}

func (e *PlanNotBoundError) Error() string {
	return fmt.Sprintf("action %s requires a bound plan; create a plan or bind one first", e.Action)
}

// dispatchState is the mutable context of one action sequence. The
// bound plan can change mid-sequence (create_plan, delete_plan), so
// later actions read planID from here rather than from the session
// snapshot.
type dispatchState struct {
	session        *models.ChatSession
	planID         *int64
	searchProvider string

	steps       []models.AgentStep
	toolResults []models.ToolInvocation
	extra       map[string]any
	errs        []string

	blocked bool
	jobID   string
}

func (st *dispatchState) setExtra(key string, value any) {
	if st.extra == nil {
		st.extra = map[string]any{}
	}
	st.extra[key] = value
}

// actionOutcome is what a handler reports on success.
type actionOutcome struct {
	message string
	details map[string]any
}

// runActions dispatches a normalized action list in order. A failed
// blocking action marks the state blocked; later blocking actions are
// skipped while non-blocking ones still run. Every action becomes one
// AgentStep, and when running inside a job every transition is also
// written to the job's action log.
func (s *Service) runActions(ctx context.Context, st *dispatchState, actions []models.Action) {
	for _, action := range actions {
		if st.blocked && action.IsBlocking() {
			s.recordStep(ctx, st, action, models.ActionStatusSkipped, false,
				"skipped: an earlier blocking action failed", nil)
			continue
		}

		spec, ok := s.specFor(action.Kind, action.Name)
		if !ok {
			s.failStep(ctx, st, action, fmt.Sprintf("unknown %s action %q", action.Kind, action.Name))
			continue
		}

		params := normalizeParams(action.Name, action.Parameters)
		if err := validateParams(spec, params); err != nil {
			s.failStep(ctx, st, action, err.Error())
			continue
		}
		if spec.needsPlan && st.planID == nil {
			s.failStep(ctx, st, action, (&PlanNotBoundError{Action: action.Name}).Error())
			continue
		}

		s.logActionTransition(ctx, st, action, models.ActionStatusRunning, nil, "", nil)
		outcome, err := s.dispatch(ctx, st, spec, action, params)
		if err != nil {
			s.failStep(ctx, st, action, err.Error())
			continue
		}
		s.recordStep(ctx, st, action, models.ActionStatusCompleted, true, outcome.message, outcome.details)
	}
}

// dispatch routes one validated action to its handler.
func (s *Service) dispatch(ctx context.Context, st *dispatchState, spec *actionSpec, action models.Action, params map[string]any) (*actionOutcome, error) {
	if action.Kind == models.ActionKindTool {
		return s.handleTool(ctx, st, action, params)
	}
	switch action.Name {
	case actionCreatePlan:
		return s.handleCreatePlan(ctx, st, params)
	case actionListPlans:
		return s.handleListPlans(ctx, st)
	case actionExecutePlan:
		return s.handleExecutePlan(ctx, st, params)
	case actionDeletePlan:
		return s.handleDeletePlan(ctx, st, params)
	case actionCreateTask:
		return s.handleCreateTask(ctx, st, params)
	case actionUpdateTask:
		return s.handleUpdateTask(ctx, st, params)
	case actionUpdateTaskInstruction:
		return s.handleUpdateTaskInstruction(ctx, st, params)
	case actionMoveTask:
		return s.handleMoveTask(ctx, st, params)
	case actionDeleteTask:
		return s.handleDeleteTask(ctx, st, params)
	case actionShowTasks:
		return s.handleShowTasks(ctx, st, params)
	case actionQueryStatus:
		return s.handleQueryStatus(ctx, st, params)
	case actionRerunTask:
		return s.handleRerunTask(ctx, st, params)
	case actionDecomposeTask:
		return s.handleDecomposeTask(ctx, st, params)
	case actionRequestSubgraph:
		return s.handleRequestSubgraph(ctx, st, params)
	case actionHelp:
		return s.handleHelp(st)
	}
	return nil, fmt.Errorf("no handler for action %q", action.Name)
}

// failStep records a failed step and, when the action was blocking,
// stops later blocking actions from running.
func (s *Service) failStep(ctx context.Context, st *dispatchState, action models.Action, message string) {
	if action.IsBlocking() {
		st.blocked = true
	}
	st.errs = append(st.errs, fmt.Sprintf("%s: %s", action.Name, message))
	s.recordStep(ctx, st, action, models.ActionStatusFailed, false, message, nil)
}

func (s *Service) recordStep(ctx context.Context, st *dispatchState, action models.Action, status models.ActionStatus, success bool, message string, details map[string]any) {
	st.steps = append(st.steps, models.AgentStep{
		Kind:       action.Kind,
		Name:       action.Name,
		Parameters: action.Parameters,
		Status:     status,
		Success:    success,
		Message:    message,
		Details:    details,
	})
	s.logActionTransition(ctx, st, action, status, &success, message, details)
}

// logActionTransition mirrors a step transition into the owning job's
// action log. Outside a job this is a no-op; log failures never fail
// the action itself.
func (s *Service) logActionTransition(ctx context.Context, st *dispatchState, action models.Action, status models.ActionStatus, success *bool, message string, details map[string]any) {
	if st.jobID == "" || s.jobs == nil {
		return
	}
	err := s.jobs.AppendActionLog(ctx, st.jobID, jobs.ActionLogRequest{
		Kind:    action.Kind,
		Name:    action.Name,
		Status:  status,
		Success: success,
		Message: message,
		Details: details,
	})
	if err != nil {
		s.logger.Warn(ctx, "action log append failed", "job_id", st.jobID, "action", action.Name, "error", err)
	}
}

// pendingSteps mirrors an action list into pending steps for the
// immediate response of an asynchronous turn.
func pendingSteps(actions []models.Action) []models.AgentStep {
	steps := make([]models.AgentStep, 0, len(actions))
	for _, action := range actions {
		steps = append(steps, models.AgentStep{
			Kind:       action.Kind,
			Name:       action.Name,
			Parameters: action.Parameters,
			Status:     models.ActionStatusPending,
		})
	}
	return steps
}

// failedSteps marks a whole action list failed with one shared
// message, used when the turn is rejected before dispatch.
func failedSteps(actions []models.Action, message string) []models.AgentStep {
	steps := make([]models.AgentStep, 0, len(actions))
	for _, action := range actions {
		steps = append(steps, models.AgentStep{
			Kind:       action.Kind,
			Name:       action.Name,
			Parameters: action.Parameters,
			Status:     models.ActionStatusFailed,
			Message:    message,
		})
	}
	return steps
}
