package execute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/planweave/planweave/internal/config"
	"github.com/planweave/planweave/internal/llm"
	"github.com/planweave/planweave/internal/plan"
	"github.com/planweave/planweave/internal/storage"
	"github.com/planweave/planweave/pkg/models"
)

func newTestService(t *testing.T, mock *llm.Mock, cfg config.ExecutorConfig) (*Service, *plan.Repository) {
	t.Helper()
	manager, err := storage.NewManager(context.Background(), t.TempDir(), 4, nil)
	if err != nil {
		t.Fatalf("storage manager: %v", err)
	}
	t.Cleanup(func() { manager.Close() })
	repo := plan.NewRepository(manager, nil, nil)
	svc := New(repo, nil, mock, cfg, nil)
	svc.retryDelay = time.Millisecond
	return svc, repo
}

func testConfig() config.ExecutorConfig {
	return config.ExecutorConfig{Parallelism: 1}
}

func mustPlan(t *testing.T, repo *plan.Repository, title, description string) *models.Plan {
	t.Helper()
	p, err := repo.CreatePlan(context.Background(), title, description, nil)
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	return p
}

func mustTask(t *testing.T, repo *plan.Repository, params plan.CreateTaskParams) *models.PlanNode {
	t.Helper()
	change, err := repo.CreateTask(context.Background(), params)
	if err != nil {
		t.Fatalf("create task %q: %v", params.Name, err)
	}
	return change.Node
}

func mustStatus(t *testing.T, repo *plan.Repository, planID, taskID int64, status models.TaskStatus, result *models.ExecutionResult) {
	t.Helper()
	if err := repo.SetTaskStatus(context.Background(), planID, taskID, status, result); err != nil {
		t.Fatalf("set status: %v", err)
	}
}

func doneReply(content string) llm.MockReply {
	return llm.MockReply{Text: fmt.Sprintf(`{"status": "completed", "content": %q}`, content)}
}

func reloadNode(t *testing.T, repo *plan.Repository, planID, taskID int64) *models.PlanNode {
	t.Helper()
	tree, err := repo.GetPlanTree(context.Background(), planID)
	if err != nil {
		t.Fatalf("reload tree: %v", err)
	}
	node := tree.Get(taskID)
	if node == nil {
		t.Fatalf("task %d missing after run", taskID)
	}
	return node
}

func TestRunExecutesInDependencyOrder(t *testing.T) {
	ctx := context.Background()
	mock := llm.NewMock(doneReply("alpha output"), doneReply("beta output"), doneReply("gamma output"))
	svc, repo := newTestService(t, mock, testConfig())

	p := mustPlan(t, repo, "Ship the importer", "")
	a := mustTask(t, repo, plan.CreateTaskParams{PlanID: p.ID, Name: "Alpha"})
	b := mustTask(t, repo, plan.CreateTaskParams{PlanID: p.ID, Name: "Beta", Dependencies: []int64{a.ID}})
	c := mustTask(t, repo, plan.CreateTaskParams{PlanID: p.ID, Name: "Gamma", Dependencies: []int64{b.ID}})

	sum, err := svc.Run(ctx, "", Request{PlanID: p.ID})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Counts[string(models.TaskStatusCompleted)] != 3 {
		t.Errorf("completed = %d, want 3 (counts %v)", sum.Counts[string(models.TaskStatusCompleted)], sum.Counts)
	}
	if sum.LLMCalls != 3 {
		t.Errorf("llm calls = %d, want 3", sum.LLMCalls)
	}
	wantOrder := []int64{a.ID, b.ID, c.ID}
	if len(sum.Steps) != len(wantOrder) {
		t.Fatalf("steps = %d, want %d", len(sum.Steps), len(wantOrder))
	}
	for i, step := range sum.Steps {
		if step.TaskID != wantOrder[i] || step.Status != models.TaskStatusCompleted || step.Attempts != 1 {
			t.Errorf("step %d = %+v, want task %d completed in 1 attempt", i, step, wantOrder[i])
		}
	}

	reqs := mock.Requests()
	if len(reqs) != 3 {
		t.Fatalf("recorded requests = %d, want 3", len(reqs))
	}
	if reqs[0].System != execSystemPrompt || !reqs[0].JSONOnly {
		t.Errorf("first request system/JSONOnly = %q/%v", reqs[0].System, reqs[0].JSONOnly)
	}
	betaPrompt := reqs[1].Messages[0].Content
	if !strings.Contains(betaPrompt, fmt.Sprintf("Task %d: Beta", b.ID)) {
		t.Errorf("second request does not target Beta:\n%s", betaPrompt)
	}
	if !strings.Contains(betaPrompt, "Outputs from prerequisite tasks") || !strings.Contains(betaPrompt, "alpha output") {
		t.Errorf("second request is missing Alpha's output:\n%s", betaPrompt)
	}

	if got := reloadNode(t, repo, p.ID, a.ID); got.Status != models.TaskStatusCompleted || got.ExecutionResult == nil || got.ExecutionResult.Content != "alpha output" {
		t.Errorf("persisted Alpha = %v / %+v", got.Status, got.ExecutionResult)
	}
	if got := reloadNode(t, repo, p.ID, c.ID); got.Status != models.TaskStatusCompleted {
		t.Errorf("persisted Gamma status = %v, want completed", got.Status)
	}
}

func TestRunMarksDependentsSkippedAfterFailure(t *testing.T) {
	ctx := context.Background()
	mock := llm.NewMock(
		doneReply("alpha output"),
		llm.MockReply{Text: "I could not produce JSON, sorry."},
		llm.MockReply{Text: "still not JSON"},
	)
	cfg := testConfig()
	cfg.MaxRetries = 1
	svc, repo := newTestService(t, mock, cfg)

	p := mustPlan(t, repo, "Pipeline", "")
	a := mustTask(t, repo, plan.CreateTaskParams{PlanID: p.ID, Name: "Alpha"})
	b := mustTask(t, repo, plan.CreateTaskParams{PlanID: p.ID, Name: "Beta", Dependencies: []int64{a.ID}})
	c := mustTask(t, repo, plan.CreateTaskParams{PlanID: p.ID, Name: "Gamma", Dependencies: []int64{b.ID}})
	d := mustTask(t, repo, plan.CreateTaskParams{PlanID: p.ID, Name: "Delta", Dependencies: []int64{c.ID}})

	sum, err := svc.Run(ctx, "", Request{PlanID: p.ID})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := map[string]int{
		string(models.TaskStatusCompleted): 1,
		string(models.TaskStatusFailed):    1,
		string(models.TaskStatusSkipped):   2,
	}
	for status, n := range want {
		if sum.Counts[status] != n {
			t.Errorf("counts[%s] = %d, want %d", status, sum.Counts[status], n)
		}
	}
	if sum.LLMCalls != 3 {
		t.Errorf("llm calls = %d, want 3 (one for Alpha, two for Beta)", sum.LLMCalls)
	}
	if mock.Calls() != 3 {
		t.Errorf("provider calls = %d, want 3", mock.Calls())
	}

	wantSteps := []struct {
		id     int64
		status models.TaskStatus
	}{
		{a.ID, models.TaskStatusCompleted},
		{b.ID, models.TaskStatusFailed},
		{c.ID, models.TaskStatusSkipped},
		{d.ID, models.TaskStatusSkipped},
	}
	if len(sum.Steps) != len(wantSteps) {
		t.Fatalf("steps = %+v, want %d entries", sum.Steps, len(wantSteps))
	}
	for i, step := range sum.Steps {
		if step.TaskID != wantSteps[i].id || step.Status != wantSteps[i].status {
			t.Errorf("step %d = %+v, want task %d %s", i, step, wantSteps[i].id, wantSteps[i].status)
		}
	}
	if sum.Steps[1].Attempts != 2 {
		t.Errorf("Beta attempts = %d, want 2", sum.Steps[1].Attempts)
	}

	got := reloadNode(t, repo, p.ID, b.ID)
	if got.ExecutionResult == nil || got.ExecutionResult.Status != "failed" {
		t.Fatalf("Beta execution result = %+v, want status failed", got.ExecutionResult)
	}
	if !strings.Contains(got.ExecutionResult.Notes, "after 2 attempts") {
		t.Errorf("Beta failure notes = %q", got.ExecutionResult.Notes)
	}
}

func TestRunDeclaredFailureNotRetried(t *testing.T) {
	ctx := context.Background()
	mock := llm.NewMock(llm.MockReply{Text: `{"status": "failed", "notes": "blocked on missing data"}`})
	cfg := testConfig()
	cfg.MaxRetries = 2
	svc, repo := newTestService(t, mock, cfg)

	p := mustPlan(t, repo, "Solo", "")
	task := mustTask(t, repo, plan.CreateTaskParams{PlanID: p.ID, Name: "Only"})

	sum, err := svc.Run(ctx, "", Request{PlanID: p.ID})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if mock.Calls() != 1 {
		t.Errorf("provider calls = %d, want 1 (a well formed failure is final)", mock.Calls())
	}
	if len(sum.Steps) != 1 || sum.Steps[0].Status != models.TaskStatusFailed {
		t.Fatalf("steps = %+v, want one failed step", sum.Steps)
	}
	if sum.Steps[0].Error != "blocked on missing data" {
		t.Errorf("step error = %q", sum.Steps[0].Error)
	}

	got := reloadNode(t, repo, p.ID, task.ID)
	if got.Status != models.TaskStatusFailed || got.ExecutionResult == nil || got.ExecutionResult.Notes != "blocked on missing data" {
		t.Errorf("persisted = %v / %+v", got.Status, got.ExecutionResult)
	}
}

func TestRunRetriesRejectedReply(t *testing.T) {
	ctx := context.Background()
	mock := llm.NewMock(
		llm.MockReply{Text: "Sure! Here is my plan of attack."},
		doneReply("second try output"),
	)
	cfg := testConfig()
	cfg.MaxRetries = 1
	svc, repo := newTestService(t, mock, cfg)

	p := mustPlan(t, repo, "Retry", "")
	task := mustTask(t, repo, plan.CreateTaskParams{PlanID: p.ID, Name: "Flaky"})

	sum, err := svc.Run(ctx, "", Request{PlanID: p.ID})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if mock.Calls() != 2 {
		t.Fatalf("provider calls = %d, want 2", mock.Calls())
	}
	second := mock.Requests()[1].Messages[0].Content
	if !strings.Contains(second, "previous reply was rejected") {
		t.Errorf("second request carries no corrective hint:\n%s", second)
	}
	if len(sum.Steps) != 1 || sum.Steps[0].Status != models.TaskStatusCompleted || sum.Steps[0].Attempts != 2 {
		t.Errorf("steps = %+v, want one completed step in 2 attempts", sum.Steps)
	}
	if got := reloadNode(t, repo, p.ID, task.ID); got.ExecutionResult == nil || got.ExecutionResult.Content != "second try output" {
		t.Errorf("persisted result = %+v", got.ExecutionResult)
	}
}

func TestRunProviderErrorRetried(t *testing.T) {
	ctx := context.Background()
	mock := llm.NewMock(
		llm.MockReply{Err: errors.New("upstream 500")},
		doneReply("recovered"),
	)
	cfg := testConfig()
	cfg.MaxRetries = 1
	svc, repo := newTestService(t, mock, cfg)

	p := mustPlan(t, repo, "Transient", "")
	mustTask(t, repo, plan.CreateTaskParams{PlanID: p.ID, Name: "Shaky"})

	sum, err := svc.Run(ctx, "", Request{PlanID: p.ID})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sum.Steps) != 1 || sum.Steps[0].Status != models.TaskStatusCompleted || sum.Steps[0].Attempts != 2 {
		t.Errorf("steps = %+v, want completed in 2 attempts", sum.Steps)
	}
	// No corrective hint for transport errors; the prompt was fine.
	second := mock.Requests()[1].Messages[0].Content
	if strings.Contains(second, "previous reply was rejected") {
		t.Errorf("transport retry should not carry a corrective hint:\n%s", second)
	}
}

func TestRunResumesPendingOnly(t *testing.T) {
	ctx := context.Background()
	mock := llm.NewMock(doneReply("beta output"))
	svc, repo := newTestService(t, mock, testConfig())

	p := mustPlan(t, repo, "Resume", "")
	a := mustTask(t, repo, plan.CreateTaskParams{PlanID: p.ID, Name: "Alpha"})
	b := mustTask(t, repo, plan.CreateTaskParams{PlanID: p.ID, Name: "Beta", Dependencies: []int64{a.ID}})
	mustStatus(t, repo, p.ID, a.ID, models.TaskStatusCompleted, &models.ExecutionResult{Status: "completed", Content: "alpha findings"})

	sum, err := svc.Run(ctx, "", Request{PlanID: p.ID})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if mock.Calls() != 1 {
		t.Errorf("provider calls = %d, want 1 (Alpha is already done)", mock.Calls())
	}
	if len(sum.Steps) != 1 || sum.Steps[0].TaskID != b.ID {
		t.Fatalf("steps = %+v, want only Beta", sum.Steps)
	}
	if sum.Counts[string(models.TaskStatusCompleted)] != 2 {
		t.Errorf("completed = %d, want 2", sum.Counts[string(models.TaskStatusCompleted)])
	}
	prompt := mock.Requests()[0].Messages[0].Content
	if !strings.Contains(prompt, "alpha findings") {
		t.Errorf("Beta's prompt is missing Alpha's stored output:\n%s", prompt)
	}
}

func TestRunResetsStaleRunning(t *testing.T) {
	ctx := context.Background()
	mock := llm.NewMock(doneReply("fresh output"))
	svc, repo := newTestService(t, mock, testConfig())

	p := mustPlan(t, repo, "Interrupted", "")
	task := mustTask(t, repo, plan.CreateTaskParams{PlanID: p.ID, Name: "Orphan"})
	mustStatus(t, repo, p.ID, task.ID, models.TaskStatusRunning, nil)

	sum, err := svc.Run(ctx, "", Request{PlanID: p.ID})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Counts[string(models.TaskStatusCompleted)] != 1 {
		t.Errorf("counts = %v, want the stale task re-executed", sum.Counts)
	}
	if got := reloadNode(t, repo, p.ID, task.ID); got.Status != models.TaskStatusCompleted {
		t.Errorf("persisted status = %v, want completed", got.Status)
	}
}

func TestRunSkipsBehindEarlierFailure(t *testing.T) {
	ctx := context.Background()
	mock := llm.NewMock()
	svc, repo := newTestService(t, mock, testConfig())

	p := mustPlan(t, repo, "Stuck", "")
	a := mustTask(t, repo, plan.CreateTaskParams{PlanID: p.ID, Name: "Alpha"})
	b := mustTask(t, repo, plan.CreateTaskParams{PlanID: p.ID, Name: "Beta", Dependencies: []int64{a.ID}})
	mustStatus(t, repo, p.ID, a.ID, models.TaskStatusFailed, &models.ExecutionResult{Status: "failed", Notes: "broke last run"})

	sum, err := svc.Run(ctx, "", Request{PlanID: p.ID})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if mock.Calls() != 0 {
		t.Errorf("provider calls = %d, want 0", mock.Calls())
	}
	if len(sum.Steps) != 1 || sum.Steps[0].TaskID != b.ID || sum.Steps[0].Status != models.TaskStatusSkipped {
		t.Fatalf("steps = %+v, want Beta skipped", sum.Steps)
	}
	if got := reloadNode(t, repo, p.ID, b.ID); got.Status != models.TaskStatusSkipped {
		t.Errorf("persisted Beta status = %v, want skipped", got.Status)
	}
}

func TestRunTaskFilter(t *testing.T) {
	ctx := context.Background()
	mock := llm.NewMock(doneReply("beta output"))
	svc, repo := newTestService(t, mock, testConfig())

	p := mustPlan(t, repo, "Filtered", "")
	a := mustTask(t, repo, plan.CreateTaskParams{PlanID: p.ID, Name: "Alpha"})
	b := mustTask(t, repo, plan.CreateTaskParams{PlanID: p.ID, Name: "Beta", Dependencies: []int64{a.ID}})

	// Beta's prerequisite is outside the filter and still pending, so
	// the run ends with Beta untouched.
	sum, err := svc.Run(ctx, "", Request{PlanID: p.ID, TaskFilter: []int64{b.ID, 999}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if mock.Calls() != 0 {
		t.Errorf("provider calls = %d, want 0 while blocked", mock.Calls())
	}
	if sum.Counts[string(models.TaskStatusPending)] != 1 {
		t.Errorf("counts = %v, want Beta still pending", sum.Counts)
	}
	foundDropped, foundBlocked := false, false
	for _, w := range sum.Warnings {
		if strings.Contains(w, "task 999 not found") {
			foundDropped = true
		}
		if strings.Contains(w, "remain pending") {
			foundBlocked = true
		}
	}
	if !foundDropped || !foundBlocked {
		t.Errorf("warnings = %v, want dropped-filter and blocked notes", sum.Warnings)
	}

	mustStatus(t, repo, p.ID, a.ID, models.TaskStatusCompleted, &models.ExecutionResult{Status: "completed", Content: "done"})
	sum, err = svc.Run(ctx, "", Request{PlanID: p.ID, TaskFilter: []int64{b.ID}})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(sum.Steps) != 1 || sum.Steps[0].TaskID != b.ID || sum.Steps[0].Status != models.TaskStatusCompleted {
		t.Errorf("steps = %+v, want Beta completed", sum.Steps)
	}
}

func TestRunParallelLevel(t *testing.T) {
	ctx := context.Background()
	mock := llm.NewMock()
	mock.DefaultText = `{"status": "completed", "content": "done"}`
	cfg := testConfig()
	cfg.Parallelism = 2
	svc, repo := newTestService(t, mock, cfg)

	p := mustPlan(t, repo, "Fanout", "")
	mustTask(t, repo, plan.CreateTaskParams{PlanID: p.ID, Name: "Left"})
	mustTask(t, repo, plan.CreateTaskParams{PlanID: p.ID, Name: "Right"})

	sum, err := svc.Run(ctx, "", Request{PlanID: p.ID})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Counts[string(models.TaskStatusCompleted)] != 2 {
		t.Errorf("counts = %v, want both completed", sum.Counts)
	}
	if mock.Calls() != 2 {
		t.Errorf("provider calls = %d, want 2", mock.Calls())
	}
}

func TestRunRerunTaskGoesAgain(t *testing.T) {
	ctx := context.Background()
	mock := llm.NewMock(doneReply("second pass output"))
	svc, repo := newTestService(t, mock, testConfig())

	p := mustPlan(t, repo, "Rerun", "")
	task := mustTask(t, repo, plan.CreateTaskParams{PlanID: p.ID, Name: "Repeat"})
	mustStatus(t, repo, p.ID, task.ID, models.TaskStatusFailed, &models.ExecutionResult{Status: "failed", Notes: "first pass broke"})

	if _, err := repo.RerunTask(ctx, p.ID, task.ID); err != nil {
		t.Fatalf("rerun: %v", err)
	}
	sum, err := svc.Run(ctx, "", Request{PlanID: p.ID})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sum.Steps) != 1 || sum.Steps[0].Status != models.TaskStatusCompleted {
		t.Fatalf("steps = %+v, want the reset task completed", sum.Steps)
	}
	if got := reloadNode(t, repo, p.ID, task.ID); got.ExecutionResult == nil || got.ExecutionResult.Content != "second pass output" {
		t.Errorf("persisted result = %+v", got.ExecutionResult)
	}
}

func TestRunPlanNotFound(t *testing.T) {
	svc, _ := newTestService(t, llm.NewMock(), testConfig())
	_, err := svc.Run(context.Background(), "", Request{PlanID: 12345})
	var notFound *plan.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
}

func TestDetectCycle(t *testing.T) {
	scope := map[int64]*models.PlanNode{
		1: {ID: 1, Name: "A", Status: models.TaskStatusPending, Dependencies: []int64{2}},
		2: {ID: 2, Name: "B", Status: models.TaskStatusPending, Dependencies: []int64{1}},
		3: {ID: 3, Name: "C", Status: models.TaskStatusPending},
	}
	err := detectCycle(scope)
	if !plan.IsCycleDetected(err) {
		t.Fatalf("err = %v, want cycle", err)
	}
	var cycle *plan.CycleDetectedError
	if errors.As(err, &cycle) {
		if cycle.TaskID != 1 || !strings.Contains(cycle.Detail, "1, 2") {
			t.Errorf("cycle = %+v", cycle)
		}
	}

	scope[1].Dependencies = nil
	if err := detectCycle(scope); err != nil {
		t.Errorf("acyclic scope reported cycle: %v", err)
	}
}

func TestBuildTaskPromptContext(t *testing.T) {
	parentID := int64(1)
	tree := &models.PlanTree{
		Plan: models.Plan{ID: 7, Title: "Context demo"},
		Nodes: map[int64]*models.PlanNode{
			1: {ID: 1, Name: "Parent", ContextCombined: "parent background"},
			2: {ID: 2, ParentID: &parentID, Name: "Child", Instruction: "Do the thing", ContextCombined: "child background"},
		},
	}
	node := tree.Get(2)

	with := buildTaskPrompt(tree, node, true)
	for _, want := range []string{"Background material:", "child background", "From Parent: parent background", "This task is part of:", "- Parent"} {
		if !strings.Contains(with, want) {
			t.Errorf("prompt missing %q:\n%s", want, with)
		}
	}

	without := buildTaskPrompt(tree, node, false)
	if strings.Contains(without, "Background material:") || strings.Contains(without, "child background") {
		t.Errorf("context included despite use_context=false:\n%s", without)
	}
}

func TestHandlerDecodesParameters(t *testing.T) {
	ctx := context.Background()
	mock := llm.NewMock(doneReply("handled"))
	svc, repo := newTestService(t, mock, testConfig())

	p := mustPlan(t, repo, "Job driven", "")
	mustTask(t, repo, plan.CreateTaskParams{PlanID: p.ID, Name: "Only"})

	job := &models.Job{ID: "job-1", Type: models.JobTypeExecute, PlanID: &p.ID, Parameters: json.RawMessage(`{}`)}
	raw, stats, err := svc.Handler()(ctx, job)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	var sum Summary
	if err := json.Unmarshal(raw, &sum); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if sum.PlanID != p.ID || sum.Counts[string(models.TaskStatusCompleted)] != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if stats["llm_calls"] != 1 || stats["completed"] != 1 {
		t.Errorf("stats = %v", stats)
	}
}

func TestParseExecReply(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		wantErr bool
		check   func(t *testing.T, r *models.ExecutionResult)
	}{
		{
			name: "plain object",
			raw:  `{"status": "completed", "content": "out", "notes": "n", "metadata": {"k": "v"}}`,
			check: func(t *testing.T, r *models.ExecutionResult) {
				if r.Status != "completed" || r.Content != "out" || r.Notes != "n" || r.Metadata["k"] != "v" {
					t.Errorf("parsed = %+v", r)
				}
			},
		},
		{
			name: "fenced",
			raw:  "```json\n{\"status\": \"failed\", \"notes\": \"why\"}\n```",
			check: func(t *testing.T, r *models.ExecutionResult) {
				if r.Status != "failed" || r.Notes != "why" {
					t.Errorf("parsed = %+v", r)
				}
			},
		},
		{
			name: "repairable trailing comma",
			raw:  `{"status": "completed", "content": "out",}`,
			check: func(t *testing.T, r *models.ExecutionResult) {
				if r.Status != "completed" || r.Content != "out" {
					t.Errorf("parsed = %+v", r)
				}
			},
		},
		{name: "unknown status", raw: `{"status": "later"}`, wantErr: true},
		{name: "missing status", raw: `{"content": "out"}`, wantErr: true},
		{name: "unknown field", raw: `{"status": "completed", "confidence": 0.9}`, wantErr: true},
		{name: "prose", raw: "I finished the task, it went well.", wantErr: true},
		{name: "empty", raw: "   ", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseExecReply(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("parsed %+v, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			tc.check(t, got)
		})
	}
}
