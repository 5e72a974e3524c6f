package server

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/planweave/planweave/internal/llm"
	"github.com/planweave/planweave/internal/plan"
	"github.com/planweave/planweave/pkg/models"
)

func seedPlan(t *testing.T, h *serverHarness, title string) (*models.Plan, *models.PlanNode, *models.PlanNode) {
	t.Helper()
	ctx := context.Background()

	p, err := h.repo.CreatePlan(ctx, title, "seeded for handler tests", nil)
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	research, err := h.repo.CreateTask(ctx, plan.CreateTaskParams{
		PlanID:      p.ID,
		Name:        "Research",
		Instruction: "Collect background material",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	draft, err := h.repo.CreateTask(ctx, plan.CreateTaskParams{
		PlanID:       p.ID,
		Name:         "Draft",
		Instruction:  "Write the first draft",
		Dependencies: []int64{research.Node.ID},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return p, research.Node, draft.Node
}

func TestPlanListEndpoint(t *testing.T) {
	h := newTestServer(t, llm.NewMock())

	rec := h.do(t, http.MethodGet, "/plans", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decodeMap(t, rec)["total"].(float64); got != 0 {
		t.Fatalf("empty total = %v", got)
	}

	seedPlan(t, h, "Launch checklist")
	rec = h.do(t, http.MethodGet, "/plans", nil)
	body := decodeMap(t, rec)
	if body["total"].(float64) != 1 {
		t.Fatalf("total = %v", body["total"])
	}
	plans, _ := body["plans"].([]any)
	first, _ := plans[0].(map[string]any)
	if first["title"] != "Launch checklist" {
		t.Fatalf("plan = %v", first)
	}
	if first["task_count"].(float64) != 2 {
		t.Fatalf("task_count = %v", first["task_count"])
	}
}

func TestPlanTreeEndpoint(t *testing.T) {
	h := newTestServer(t, llm.NewMock())
	p, research, _ := seedPlan(t, h, "Tree plan")

	rec := h.do(t, http.MethodGet, fmt.Sprintf("/plans/%d/tree", p.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeMap(t, rec)
	planBody, _ := body["plan"].(map[string]any)
	if planBody["title"] != "Tree plan" {
		t.Fatalf("plan = %v", planBody)
	}
	nodes, _ := body["nodes"].(map[string]any)
	if len(nodes) != 2 {
		t.Fatalf("nodes = %v", nodes)
	}
	node, _ := nodes[fmt.Sprint(research.ID)].(map[string]any)
	if node["name"] != "Research" {
		t.Fatalf("node = %v", node)
	}

	rec = h.do(t, http.MethodGet, "/plans/9999/tree", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing plan = %d", rec.Code)
	}
}

func TestPlanSubgraphEndpoint(t *testing.T) {
	h := newTestServer(t, llm.NewMock())
	p, research, _ := seedPlan(t, h, "Subgraph plan")

	rec := h.do(t, http.MethodGet, fmt.Sprintf("/plans/%d/subgraph?node_id=%d&max_depth=2", p.ID, research.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	body := decodeMap(t, rec)
	if body["node_count"].(float64) != 1 {
		t.Fatalf("node_count = %v", body["node_count"])
	}
	roots, _ := body["roots"].([]any)
	root, _ := roots[0].(map[string]any)
	if root["task_id"].(float64) != float64(research.ID) {
		t.Fatalf("root = %v", root)
	}

	rec = h.do(t, http.MethodGet, fmt.Sprintf("/plans/%d/subgraph", p.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("whole-plan subgraph = %d", rec.Code)
	}
	if got := decodeMap(t, rec)["node_count"].(float64); got != 2 {
		t.Fatalf("whole-plan node_count = %v", got)
	}
}

func TestPlanResultsEndpoint(t *testing.T) {
	h := newTestServer(t, llm.NewMock())
	ctx := context.Background()
	p, research, draft := seedPlan(t, h, "Results plan")

	err := h.repo.SetTaskStatus(ctx, p.ID, research.ID, models.TaskStatusCompleted, &models.ExecutionResult{
		Status:  "success",
		Content: "Collected six sources.",
	})
	if err != nil {
		t.Fatalf("set status: %v", err)
	}

	rec := h.do(t, http.MethodGet, fmt.Sprintf("/plans/%d/results", p.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decodeMap(t, rec)["total"].(float64); got != 2 {
		t.Fatalf("total = %v", got)
	}

	rec = h.do(t, http.MethodGet, fmt.Sprintf("/plans/%d/results?only_with_output=true", p.ID), nil)
	body := decodeMap(t, rec)
	if body["total"].(float64) != 1 {
		t.Fatalf("filtered total = %v", body["total"])
	}
	results, _ := body["results"].([]any)
	first, _ := results[0].(map[string]any)
	if first["content"] != "Collected six sources." {
		t.Fatalf("result = %v", first)
	}

	rec = h.do(t, http.MethodGet, fmt.Sprintf("/tasks/%d/result?plan_id=%d", research.ID, p.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("task result = %d", rec.Code)
	}
	if got := decodeMap(t, rec)["content"]; got != "Collected six sources." {
		t.Fatalf("task result content = %v", got)
	}

	rec = h.do(t, http.MethodGet, fmt.Sprintf("/tasks/%d/result", draft.ID), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing plan_id = %d", rec.Code)
	}
}

func TestPlanExecutionSummaryEndpoint(t *testing.T) {
	h := newTestServer(t, llm.NewMock())
	ctx := context.Background()
	p, research, _ := seedPlan(t, h, "Summary plan")

	if err := h.repo.SetTaskStatus(ctx, p.ID, research.ID, models.TaskStatusCompleted, nil); err != nil {
		t.Fatalf("set status: %v", err)
	}

	rec := h.do(t, http.MethodGet, fmt.Sprintf("/plans/%d/execution/summary", p.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeMap(t, rec)
	summary, _ := body["summary"].(map[string]any)
	if summary["total"].(float64) != 2 {
		t.Fatalf("summary total = %v", summary)
	}
	if summary["completed"].(float64) != 1 || summary["pending"].(float64) != 1 {
		t.Fatalf("summary = %v", summary)
	}
}

func decomposeReply(targetID int64, names ...string) string {
	children := ""
	for i, name := range names {
		if i > 0 {
			children += ","
		}
		children += fmt.Sprintf(`{"name": %q, "leaf": true}`, name)
	}
	return fmt.Sprintf(`{"target_node_id": %d, "mode": "single_node", "should_stop": false, "children": [%s]}`, targetID, children)
}

func TestTaskDecomposeSync(t *testing.T) {
	mock := llm.NewMock()
	h := newTestServer(t, mock)
	p, research, _ := seedPlan(t, h, "Decompose plan")
	mock.Enqueue(llm.MockReply{Text: decomposeReply(research.ID, "Read prior art", "Interview users")})

	rec := h.do(t, http.MethodPost, fmt.Sprintf("/tasks/%d/decompose", research.ID), map[string]any{
		"plan_id":    p.ID,
		"async_mode": false,
		"max_depth":  1,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	body := decodeMap(t, rec)
	if body["status"] != "completed" {
		t.Fatalf("status field = %v", body["status"])
	}
	outcome, _ := body["outcome"].(map[string]any)
	if outcome["nodes_created"].(float64) != 2 {
		t.Fatalf("outcome = %v", outcome)
	}

	tree, err := h.repo.GetPlanTree(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("tree: %v", err)
	}
	children := 0
	for _, node := range tree.Nodes {
		if node.ParentID != nil && *node.ParentID == research.ID {
			children++
		}
	}
	if children != 2 {
		t.Fatalf("children under target = %d", children)
	}
}

func TestTaskDecomposeAsync(t *testing.T) {
	mock := llm.NewMock()
	h := newTestServer(t, mock)
	p, research, _ := seedPlan(t, h, "Async decompose plan")
	mock.Enqueue(llm.MockReply{Text: decomposeReply(research.ID, "Async child")})

	rec := h.do(t, http.MethodPost, fmt.Sprintf("/tasks/%d/decompose", research.ID), map[string]any{
		"plan_id":   p.ID,
		"max_depth": 1,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	body := decodeMap(t, rec)
	jobID, _ := body["job_id"].(string)
	if jobID == "" {
		t.Fatalf("job_id missing: %v", body)
	}
	if body["task_id"].(float64) != float64(research.ID) {
		t.Fatalf("task_id = %v", body["task_id"])
	}

	job := h.waitJob(t, jobID)
	if job["status"] != string(models.JobStatusSucceeded) {
		t.Fatalf("job = %v", job)
	}
}

func TestTaskDecomposeMissingPlanID(t *testing.T) {
	h := newTestServer(t, llm.NewMock())
	rec := h.do(t, http.MethodPost, "/tasks/5/decompose", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}
