package storage

import (
	"context"
	"testing"
	"time"

	"github.com/planweave/planweave/pkg/models"
)

func newTestPlanFile(t *testing.T) *PlanFile {
	t.Helper()
	file, err := OpenPlanFile(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open plan file: %v", err)
	}
	t.Cleanup(func() { file.Close() })
	return file
}

func TestPlanFileInsertAndLoad(t *testing.T) {
	ctx := context.Background()
	file := newTestPlanFile(t)

	root := &models.PlanNode{
		Name:        "Research",
		Instruction: "Survey the field",
		Status:      models.TaskStatusPending,
		Metadata:    map[string]any{"origin": "chat"},
	}
	if err := file.InsertTask(ctx, root); err != nil {
		t.Fatalf("insert root: %v", err)
	}
	if root.ID == 0 {
		t.Fatal("expected assigned id")
	}

	child := &models.PlanNode{
		ParentID:     &root.ID,
		Position:     0,
		Depth:        1,
		Name:         "Literature review",
		Status:       models.TaskStatusPending,
		Dependencies: []int64{root.ID},
	}
	if err := file.InsertTask(ctx, child); err != nil {
		t.Fatalf("insert child: %v", err)
	}

	nodes, err := file.Tasks(ctx)
	if err != nil {
		t.Fatalf("load tasks: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(nodes))
	}

	loaded, err := file.Task(ctx, child.ID)
	if err != nil {
		t.Fatalf("load child: %v", err)
	}
	if loaded == nil {
		t.Fatal("child not found")
	}
	if loaded.ParentID == nil || *loaded.ParentID != root.ID {
		t.Fatalf("wrong parent: %v", loaded.ParentID)
	}
	if len(loaded.Dependencies) != 1 || loaded.Dependencies[0] != root.ID {
		t.Fatalf("wrong dependencies: %v", loaded.Dependencies)
	}

	missing, err := file.Task(ctx, 9999)
	if err != nil {
		t.Fatalf("load missing: %v", err)
	}
	if missing != nil {
		t.Fatal("expected nil for missing task")
	}
}

func TestPlanFileUpdateTask(t *testing.T) {
	ctx := context.Background()
	file := newTestPlanFile(t)

	node := &models.PlanNode{Name: "Draft", Status: models.TaskStatusPending}
	if err := file.InsertTask(ctx, node); err != nil {
		t.Fatalf("insert: %v", err)
	}

	node.Name = "Draft v2"
	node.Instruction = "Write the second draft"
	node.Status = models.TaskStatusRunning
	if err := file.UpdateTask(ctx, node); err != nil {
		t.Fatalf("update: %v", err)
	}

	loaded, err := file.Task(ctx, node.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Name != "Draft v2" || loaded.Instruction != "Write the second draft" {
		t.Fatalf("update not persisted: %+v", loaded)
	}
	if loaded.Status != models.TaskStatusRunning {
		t.Fatalf("expected running, got %s", loaded.Status)
	}

	ghost := &models.PlanNode{ID: 4242, Name: "ghost"}
	if err := file.UpdateTask(ctx, ghost); err == nil {
		t.Fatal("expected error updating missing task")
	}
}

func TestPlanFileUpdateTaskStatusWithResult(t *testing.T) {
	ctx := context.Background()
	file := newTestPlanFile(t)

	node := &models.PlanNode{Name: "Execute", Status: models.TaskStatusPending}
	if err := file.InsertTask(ctx, node); err != nil {
		t.Fatalf("insert: %v", err)
	}

	result := &models.ExecutionResult{
		Status:  "success",
		Content: "done",
		Notes:   "clean run",
	}
	if err := file.UpdateTaskStatus(ctx, node.ID, models.TaskStatusCompleted, result); err != nil {
		t.Fatalf("update status: %v", err)
	}

	loaded, err := file.Task(ctx, node.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Status != models.TaskStatusCompleted {
		t.Fatalf("expected completed, got %s", loaded.Status)
	}
	if loaded.ExecutionResult == nil || loaded.ExecutionResult.Content != "done" {
		t.Fatalf("result not persisted: %+v", loaded.ExecutionResult)
	}
}

func TestPlanFileDeleteTasksRemovesDependencies(t *testing.T) {
	ctx := context.Background()
	file := newTestPlanFile(t)

	a := &models.PlanNode{Name: "a", Status: models.TaskStatusPending}
	b := &models.PlanNode{Name: "b", Status: models.TaskStatusPending}
	if err := file.InsertTasks(ctx, []*models.PlanNode{a, b}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := file.ReplaceDependencies(ctx, b.ID, []int64{a.ID}); err != nil {
		t.Fatalf("deps: %v", err)
	}

	if err := file.DeleteTasks(ctx, []int64{a.ID}); err != nil {
		t.Fatalf("delete: %v", err)
	}

	loaded, err := file.Task(ctx, b.ID)
	if err != nil {
		t.Fatalf("load b: %v", err)
	}
	if len(loaded.Dependencies) != 0 {
		t.Fatalf("dangling dependencies: %v", loaded.Dependencies)
	}
	count, err := file.CountTasks(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 task, got %d", count)
	}
}

func TestPlanFileStatusCounts(t *testing.T) {
	ctx := context.Background()
	file := newTestPlanFile(t)

	statuses := []models.TaskStatus{
		models.TaskStatusPending,
		models.TaskStatusPending,
		models.TaskStatusCompleted,
		models.TaskStatusFailed,
	}
	for i, status := range statuses {
		node := &models.PlanNode{Name: "t", Position: i, Status: status}
		if err := file.InsertTask(ctx, node); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	counts, err := file.StatusCounts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[models.TaskStatusPending] != 2 {
		t.Fatalf("expected 2 pending, got %d", counts[models.TaskStatusPending])
	}
	if counts[models.TaskStatusCompleted] != 1 || counts[models.TaskStatusFailed] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestPlanFileReplaceTreeRemapsNewNodes(t *testing.T) {
	ctx := context.Background()
	file := newTestPlanFile(t)

	old := &models.PlanNode{Name: "old root", Status: models.TaskStatusPending}
	if err := file.InsertTask(ctx, old); err != nil {
		t.Fatalf("insert old: %v", err)
	}

	// New tree: one surviving node plus a new parent/child pair using
	// temporary negative IDs.
	newParentID := int64(-1)
	tree := []*models.PlanNode{
		{ID: old.ID, Name: "survivor", Status: models.TaskStatusPending},
		{ID: newParentID, Name: "new parent", Status: models.TaskStatusPending, Position: 1},
		{ID: -2, ParentID: &newParentID, Depth: 1, Name: "new child",
			Status: models.TaskStatusPending, Dependencies: []int64{old.ID, -1}},
	}
	remap, err := file.ReplaceTree(ctx, tree, []byte(`{"note":"before"}`), "pre-upsert", 20)
	if err != nil {
		t.Fatalf("replace tree: %v", err)
	}
	if len(remap) != 2 {
		t.Fatalf("expected 2 remapped ids, got %v", remap)
	}

	nodes, err := file.Tasks(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(nodes) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(nodes))
	}

	var child *models.PlanNode
	for _, n := range nodes {
		if n.Name == "new child" {
			child = n
		}
	}
	if child == nil {
		t.Fatal("new child missing")
	}
	if child.ParentID == nil || *child.ParentID != remap[newParentID] {
		t.Fatalf("parent not remapped: %v want %d", child.ParentID, remap[newParentID])
	}
	for _, dep := range child.Dependencies {
		if dep <= 0 {
			t.Fatalf("dependency not remapped: %v", child.Dependencies)
		}
	}

	snaps, err := file.ListSnapshots(ctx)
	if err != nil {
		t.Fatalf("snapshots: %v", err)
	}
	if len(snaps) != 1 || snaps[0].Note != "pre-upsert" {
		t.Fatalf("unexpected snapshots: %+v", snaps)
	}
}

func TestPlanFileSnapshotPruning(t *testing.T) {
	ctx := context.Background()
	file := newTestPlanFile(t)

	for i := 0; i < 5; i++ {
		if err := file.Snapshot(ctx, "snap", []byte(`{}`), 3); err != nil {
			t.Fatalf("snapshot %d: %v", i, err)
		}
	}

	snaps, err := file.ListSnapshots(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(snaps) != 3 {
		t.Fatalf("expected 3 snapshots after pruning, got %d", len(snaps))
	}
	// Newest first.
	if !snaps[0].CreatedAt.After(snaps[2].CreatedAt.Add(-time.Second)) {
		t.Fatalf("snapshots out of order: %+v", snaps)
	}

	payload, err := file.SnapshotPayload(ctx, snaps[0].ID)
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if string(payload) != `{}` {
		t.Fatalf("unexpected payload %q", payload)
	}
}
