package server

import (
	"net/http"

	"github.com/planweave/planweave/internal/decompose"
	"github.com/planweave/planweave/internal/jobs"
	"github.com/planweave/planweave/internal/plan"
	"github.com/planweave/planweave/pkg/models"
)

// handlePlanList handles GET /plans.
func (s *Server) handlePlanList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	plans, err := s.plans.ListPlans(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	if plans == nil {
		plans = []*models.PlanSummary{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"plans": plans,
		"total": len(plans),
	})
}

// handlePlan routes GET /plans/{id}/... subresources.
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	planID, rest, err := pathID(r, "/plans/")
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch {
	case len(rest) == 1 && rest[0] == "tree":
		s.handlePlanTree(w, r, planID)
	case len(rest) == 1 && rest[0] == "subgraph":
		s.handlePlanSubgraph(w, r, planID)
	case len(rest) == 1 && rest[0] == "results":
		s.handlePlanResults(w, r, planID)
	case len(rest) == 2 && rest[0] == "execution" && rest[1] == "summary":
		s.handlePlanExecutionSummary(w, r, planID)
	default:
		s.jsonError(w, "not found", http.StatusNotFound)
	}
}

// handlePlanTree handles GET /plans/{id}/tree.
func (s *Server) handlePlanTree(w http.ResponseWriter, r *http.Request, planID int64) {
	tree, err := s.plans.GetPlanTree(r.Context(), planID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, tree)
}

// handlePlanSubgraph handles GET /plans/{id}/subgraph. The anchor can
// be a numeric node_id or a dotted logical_id; without one the
// projection starts at the plan roots.
func (s *Server) handlePlanSubgraph(w http.ResponseWriter, r *http.Request, planID int64) {
	req := plan.SubgraphRequest{
		LogicalID: r.URL.Query().Get("logical_id"),
		MaxDepth:  parseIntParam(r, "max_depth", 0),
	}
	if nodeID := int64(parseIntParam(r, "node_id", 0)); nodeID > 0 {
		req.TaskID = &nodeID
	}

	sub, err := s.plans.Subgraph(r.Context(), planID, req)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, sub)
}

// handlePlanResults handles GET /plans/{id}/results.
func (s *Server) handlePlanResults(w http.ResponseWriter, r *http.Request, planID int64) {
	onlyWithOutput := parseBoolParam(r, "only_with_output", false)
	results, err := s.plans.GetPlanResults(r.Context(), planID, onlyWithOutput)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if results == nil {
		results = []*models.TaskResult{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"plan_id": planID,
		"results": results,
		"total":   len(results),
	})
}

// handlePlanExecutionSummary handles GET /plans/{id}/execution/summary.
func (s *Server) handlePlanExecutionSummary(w http.ResponseWriter, r *http.Request, planID int64) {
	summary, err := s.plans.GetPlanSummary(r.Context(), planID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"plan_id": planID,
		"summary": summary,
	})
}

// handleTask routes /tasks/{id}/result and /tasks/{id}/decompose.
// Task ids are scoped to a plan file, so both need plan_id.
func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	taskID, rest, err := pathID(r, "/tasks/")
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(rest) != 1 {
		s.jsonError(w, "not found", http.StatusNotFound)
		return
	}

	switch rest[0] {
	case "result":
		if r.Method != http.MethodGet {
			s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleTaskResult(w, r, taskID)
	case "decompose":
		if r.Method != http.MethodPost {
			s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleTaskDecompose(w, r, taskID)
	default:
		s.jsonError(w, "not found", http.StatusNotFound)
	}
}

// handleTaskResult handles GET /tasks/{id}/result?plan_id=.
func (s *Server) handleTaskResult(w http.ResponseWriter, r *http.Request, taskID int64) {
	planID := int64(parseIntParam(r, "plan_id", 0))
	if planID <= 0 {
		s.jsonError(w, "plan_id is required", http.StatusBadRequest)
		return
	}
	result, err := s.plans.GetTaskResult(r.Context(), planID, taskID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, result)
}

// decomposeRequest is the body of POST /tasks/{id}/decompose.
type decomposeRequest struct {
	PlanID          int64 `json:"plan_id"`
	AsyncMode       *bool `json:"async_mode"`
	MaxDepth        int   `json:"max_depth"`
	MaxChildren     int   `json:"max_children"`
	TotalNodeBudget int   `json:"total_node_budget"`
	ReplaceExisting bool  `json:"replace_existing"`
}

// handleTaskDecompose handles POST /tasks/{id}/decompose. The default
// is asynchronous: the response carries the queued job id. With
// async_mode=false the run happens inline and the outcome is returned
// directly, without a job trail.
func (s *Server) handleTaskDecompose(w http.ResponseWriter, r *http.Request, taskID int64) {
	var body decomposeRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &body); err != nil {
			s.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if body.PlanID <= 0 {
		body.PlanID = int64(parseIntParam(r, "plan_id", 0))
	}
	if body.PlanID <= 0 {
		s.jsonError(w, "plan_id is required", http.StatusBadRequest)
		return
	}

	req := decompose.Request{
		PlanID:                  body.PlanID,
		Mode:                    decompose.ModeSingleNode,
		TargetTaskID:            &taskID,
		MaxDepth:                body.MaxDepth,
		MaxChildren:             body.MaxChildren,
		TotalNodeBudget:         body.TotalNodeBudget,
		ReplaceExistingChildren: body.ReplaceExisting,
	}

	async := body.AsyncMode == nil || *body.AsyncMode
	if !async {
		outcome, err := s.decomposer.Run(r.Context(), "", req)
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.jsonResponse(w, http.StatusOK, map[string]any{
			"task_id": taskID,
			"status":  "completed",
			"outcome": outcome,
		})
		return
	}

	job, err := s.jobs.Submit(r.Context(), jobs.SubmitRequest{
		Type:         models.JobTypeDecompose,
		PlanID:       &body.PlanID,
		TargetTaskID: &taskID,
		Parameters:   req,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusAccepted, map[string]any{
		"job_id":  job.ID,
		"plan_id": body.PlanID,
		"task_id": taskID,
		"status":  string(job.Status),
	})
}
