package storage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/planweave/planweave/pkg/models"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	registry, err := OpenRegistry(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { registry.Close() })
	return registry
}

func TestRegistryPlanLifecycle(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	plan := &models.Plan{Title: "Phage therapy research", Description: "survey"}
	if err := registry.CreatePlan(ctx, plan); err != nil {
		t.Fatalf("create: %v", err)
	}
	if plan.ID == 0 {
		t.Fatal("expected assigned id")
	}
	if err := registry.SetPlanDBPath(ctx, plan.ID, "plans/plan_1.db"); err != nil {
		t.Fatalf("set path: %v", err)
	}

	loaded, err := registry.GetPlan(ctx, plan.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded == nil || loaded.Title != "Phage therapy research" {
		t.Fatalf("unexpected plan: %+v", loaded)
	}
	if loaded.DBPath != "plans/plan_1.db" {
		t.Fatalf("unexpected db path %q", loaded.DBPath)
	}

	loaded.Title = "Renamed"
	loaded.Metadata = map[string]any{"revision": float64(2)}
	if err := registry.UpdatePlan(ctx, loaded); err != nil {
		t.Fatalf("update: %v", err)
	}
	again, err := registry.GetPlan(ctx, plan.ID)
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if again.Title != "Renamed" || again.Metadata["revision"] != float64(2) {
		t.Fatalf("update not persisted: %+v", again)
	}

	plans, err := registry.ListPlans(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(plans) != 1 {
		t.Fatalf("expected 1 plan, got %d", len(plans))
	}

	if err := registry.DeletePlan(ctx, plan.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	gone, err := registry.GetPlan(ctx, plan.ID)
	if err != nil {
		t.Fatalf("get deleted: %v", err)
	}
	if gone != nil {
		t.Fatal("expected nil for deleted plan")
	}
}

func TestRegistryDeletePlanUnbindsSessions(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	plan := &models.Plan{Title: "p"}
	if err := registry.CreatePlan(ctx, plan); err != nil {
		t.Fatalf("create plan: %v", err)
	}
	session := &models.ChatSession{
		ID:         "sess-1",
		PlanID:     &plan.ID,
		Name:       "bound",
		NameSource: models.NameSourcePlan,
		IsActive:   true,
	}
	if err := registry.CreateSession(ctx, session); err != nil {
		t.Fatalf("create session: %v", err)
	}

	if err := registry.DeletePlan(ctx, plan.ID); err != nil {
		t.Fatalf("delete plan: %v", err)
	}

	loaded, err := registry.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if loaded.PlanID != nil {
		t.Fatalf("session still bound to plan %d", *loaded.PlanID)
	}
}

func TestRegistrySessionMessages(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	session := &models.ChatSession{ID: "sess-1", NameSource: models.NameSourceDefault, IsActive: true}
	if err := registry.CreateSession(ctx, session); err != nil {
		t.Fatalf("create session: %v", err)
	}

	contents := []string{"first", "second", "third"}
	for _, content := range contents {
		message := &models.ChatMessage{SessionID: "sess-1", Role: models.RoleUser, Content: content}
		if err := registry.AddMessage(ctx, message); err != nil {
			t.Fatalf("add %q: %v", content, err)
		}
	}
	reply := &models.ChatMessage{SessionID: "sess-1", Role: models.RoleAssistant, Content: "reply"}
	if err := registry.AddMessage(ctx, reply); err != nil {
		t.Fatalf("add reply: %v", err)
	}

	messages, err := registry.Messages(ctx, "sess-1", 2)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if messages[0].Content != "third" || messages[1].Content != "reply" {
		t.Fatalf("wrong window: %q, %q", messages[0].Content, messages[1].Content)
	}

	userCount, err := registry.CountMessages(ctx, "sess-1", models.RoleUser)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if userCount != 3 {
		t.Fatalf("expected 3 user messages, got %d", userCount)
	}

	loaded, err := registry.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if loaded.LastMessageAt == nil {
		t.Fatal("last_message_at not set")
	}
}

func TestRegistryListSessionsActiveOnly(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	active := &models.ChatSession{ID: "a", NameSource: models.NameSourceDefault, IsActive: true}
	archived := &models.ChatSession{ID: "b", NameSource: models.NameSourceDefault, IsActive: false}
	for _, s := range []*models.ChatSession{active, archived} {
		if err := registry.CreateSession(ctx, s); err != nil {
			t.Fatalf("create %s: %v", s.ID, err)
		}
	}

	all, err := registry.ListSessions(ctx, false, 0, 0)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(all))
	}

	activeOnly, err := registry.ListSessions(ctx, true, 0, 0)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(activeOnly) != 1 || activeOnly[0].ID != "a" {
		t.Fatalf("unexpected active sessions: %+v", activeOnly)
	}
}

func TestRegistryJobLifecycle(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	planID := int64(7)
	job := &models.Job{
		ID:         "job-1",
		Type:       models.JobTypeDecompose,
		Status:     models.JobStatusQueued,
		PlanID:     &planID,
		SessionID:  "sess-1",
		Parameters: json.RawMessage(`{"max_depth":3}`),
	}
	if err := registry.CreateJob(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}

	now := time.Now().UTC()
	job.Status = models.JobStatusRunning
	job.StartedAt = &now
	if err := registry.UpdateJob(ctx, job); err != nil {
		t.Fatalf("update running: %v", err)
	}

	job.Status = models.JobStatusSucceeded
	job.FinishedAt = &now
	job.Result = json.RawMessage(`{"nodes_created":12}`)
	job.Stats = map[string]any{"levels": float64(2)}
	if err := registry.UpdateJob(ctx, job); err != nil {
		t.Fatalf("update done: %v", err)
	}

	loaded, err := registry.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.Status != models.JobStatusSucceeded {
		t.Fatalf("expected succeeded, got %s", loaded.Status)
	}
	if string(loaded.Result) != `{"nodes_created":12}` {
		t.Fatalf("unexpected result %s", loaded.Result)
	}
	if loaded.Stats["levels"] != float64(2) {
		t.Fatalf("unexpected stats %v", loaded.Stats)
	}
	if loaded.PlanID == nil || *loaded.PlanID != 7 {
		t.Fatalf("unexpected plan id %v", loaded.PlanID)
	}

	missing, err := registry.GetJob(ctx, "nope")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if missing != nil {
		t.Fatal("expected nil for missing job")
	}
}

func TestRegistryListJobsFilters(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	planA, planB := int64(1), int64(2)
	jobs := []*models.Job{
		{ID: "j1", Type: models.JobTypeDecompose, Status: models.JobStatusSucceeded, PlanID: &planA},
		{ID: "j2", Type: models.JobTypeExecute, Status: models.JobStatusRunning, PlanID: &planA},
		{ID: "j3", Type: models.JobTypeChatAction, Status: models.JobStatusQueued, PlanID: &planB},
		{ID: "j4", Type: models.JobTypeChatAction, Status: models.JobStatusQueued},
	}
	for _, job := range jobs {
		if err := registry.CreateJob(ctx, job); err != nil {
			t.Fatalf("create %s: %v", job.ID, err)
		}
	}

	forPlanA, err := registry.ListJobs(ctx, JobFilter{PlanID: &planA})
	if err != nil {
		t.Fatalf("list plan a: %v", err)
	}
	if len(forPlanA) != 2 {
		t.Fatalf("expected 2 jobs for plan a, got %d", len(forPlanA))
	}

	queued, err := registry.ListJobs(ctx, JobFilter{Status: models.JobStatusQueued})
	if err != nil {
		t.Fatalf("list queued: %v", err)
	}
	if len(queued) != 2 {
		t.Fatalf("expected 2 queued jobs, got %d", len(queued))
	}

	active, err := registry.ActiveJobs(ctx)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 3 {
		t.Fatalf("expected 3 active jobs, got %d", len(active))
	}
}

func TestRegistryDeleteJobsBefore(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	old := time.Now().UTC().Add(-48 * time.Hour)
	recent := time.Now().UTC()
	jobs := []*models.Job{
		{ID: "old", Type: models.JobTypeExecute, Status: models.JobStatusSucceeded, FinishedAt: &old},
		{ID: "new", Type: models.JobTypeExecute, Status: models.JobStatusSucceeded, FinishedAt: &recent},
		{ID: "live", Type: models.JobTypeExecute, Status: models.JobStatusRunning},
	}
	for _, job := range jobs {
		if err := registry.CreateJob(ctx, job); err != nil {
			t.Fatalf("create %s: %v", job.ID, err)
		}
	}

	deleted, err := registry.DeleteJobsBefore(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted, got %d", deleted)
	}
	if job, _ := registry.GetJob(ctx, "old"); job != nil {
		t.Fatal("old job survived cleanup")
	}
	if job, _ := registry.GetJob(ctx, "live"); job == nil {
		t.Fatal("running job was deleted")
	}
}

func TestRegistryCreateJobDatabaseError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO plan_job_index").
		WillReturnError(errors.New("disk I/O error"))

	registry := &Registry{db: db}
	job := &models.Job{ID: "j", Type: models.JobTypeExecute, Status: models.JobStatusQueued}
	if err := registry.CreateJob(context.Background(), job); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRegistryGetPlanScanError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id", "title", "description", "metadata", "plan_db_path", "created_at", "updated_at"}).
		AddRow(1, "t", "", "not-json", "", time.Now(), time.Now())
	mock.ExpectQuery("SELECT id, title").WillReturnRows(rows)

	registry := &Registry{db: db}
	if _, err := registry.GetPlan(context.Background(), 1); err == nil {
		t.Fatal("expected metadata unmarshal error")
	}
}
