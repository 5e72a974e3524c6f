package storage

import (
	"context"
	"testing"
	"time"

	"github.com/planweave/planweave/pkg/models"
)

func appendTestLogs(t *testing.T, store LogStore, jobID string, count int) {
	t.Helper()
	ctx := context.Background()
	for i := 1; i <= count; i++ {
		event := &models.JobLogEvent{
			JobID:     jobID,
			Sequence:  int64(i),
			Timestamp: time.Now().UTC(),
			Level:     models.LogLevelInfo,
			Message:   "step",
			Metadata:  map[string]any{"i": float64(i)},
		}
		if err := store.AppendJobLog(ctx, event); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
}

func TestLogStoreJobLogCursor(t *testing.T) {
	ctx := context.Background()
	file := newTestPlanFile(t)
	appendTestLogs(t, file, "job-1", 5)

	all, err := file.JobLogs(ctx, "job-1", 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 events, got %d", len(all))
	}
	for i, event := range all {
		if event.Sequence != int64(i+1) {
			t.Fatalf("out of order at %d: %d", i, event.Sequence)
		}
	}

	tail, err := file.JobLogs(ctx, "job-1", 3, 0)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(tail) != 2 || tail[0].Sequence != 4 {
		t.Fatalf("wrong cursor window: %+v", tail)
	}

	limited, err := file.JobLogs(ctx, "job-1", 0, 2)
	if err != nil {
		t.Fatalf("limited: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected 2 events, got %d", len(limited))
	}

	max, err := file.MaxJobLogSequence(ctx, "job-1")
	if err != nil {
		t.Fatalf("max: %v", err)
	}
	if max != 5 {
		t.Fatalf("expected max 5, got %d", max)
	}
	none, err := file.MaxJobLogSequence(ctx, "unknown")
	if err != nil {
		t.Fatalf("max unknown: %v", err)
	}
	if none != 0 {
		t.Fatalf("expected 0, got %d", none)
	}
}

func TestLogStoreDuplicateSequenceRejected(t *testing.T) {
	ctx := context.Background()
	file := newTestPlanFile(t)
	appendTestLogs(t, file, "job-1", 1)

	dup := &models.JobLogEvent{
		JobID:     "job-1",
		Sequence:  1,
		Timestamp: time.Now().UTC(),
		Level:     models.LogLevelError,
		Message:   "replay",
	}
	if err := file.AppendJobLog(ctx, dup); err == nil {
		t.Fatal("expected unique constraint error")
	}
}

func TestLogStoreActionLogs(t *testing.T) {
	ctx := context.Background()
	file := newTestPlanFile(t)

	planID := int64(3)
	ok := true
	now := time.Now().UTC()
	entry := &models.ActionLog{
		JobID:     "job-1",
		PlanID:    &planID,
		SessionID: "sess-1",
		Sequence:  1,
		Kind:      models.ActionKindTask,
		Name:      "create_task",
		Status:    models.ActionStatusCompleted,
		Success:   &ok,
		Message:   "created",
		Details:   map[string]any{"task_id": float64(9)},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := file.AppendActionLog(ctx, entry); err != nil {
		t.Fatalf("append: %v", err)
	}

	entries, err := file.ActionLogs(ctx, "job-1", 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	got := entries[0]
	if got.Name != "create_task" || got.Kind != models.ActionKindTask {
		t.Fatalf("unexpected entry: %+v", got)
	}
	if got.Success == nil || !*got.Success {
		t.Fatal("success flag lost")
	}
	if got.PlanID == nil || *got.PlanID != 3 {
		t.Fatalf("plan id lost: %v", got.PlanID)
	}
	if got.Details["task_id"] != float64(9) {
		t.Fatalf("details lost: %v", got.Details)
	}
}

func TestLogStoreSystemStoreNullPlan(t *testing.T) {
	ctx := context.Background()
	system, err := OpenSystemStore(ctx, ":memory:")
	if err != nil {
		t.Fatalf("open system store: %v", err)
	}
	defer system.Close()

	entry := &models.ActionLog{
		JobID:     "job-unbound",
		Sequence:  1,
		Kind:      models.ActionKindSystem,
		Name:      "help",
		Status:    models.ActionStatusCompleted,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := system.AppendActionLog(ctx, entry); err != nil {
		t.Fatalf("append: %v", err)
	}
	entries, err := system.ActionLogs(ctx, "job-unbound", 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].PlanID != nil {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestLogStoreCleanup(t *testing.T) {
	ctx := context.Background()
	file := newTestPlanFile(t)

	old := time.Now().UTC().Add(-72 * time.Hour)
	for i := 1; i <= 3; i++ {
		event := &models.JobLogEvent{
			JobID: "old-job", Sequence: int64(i), Timestamp: old,
			Level: models.LogLevelInfo, Message: "old",
		}
		if err := file.AppendJobLog(ctx, event); err != nil {
			t.Fatalf("append old %d: %v", i, err)
		}
	}
	appendTestLogs(t, file, "new-job", 4)

	deleted, err := file.CleanupLogs(ctx, time.Now().UTC().Add(-24*time.Hour), 2)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	// Three aged rows plus two over the per-job cap.
	if deleted != 5 {
		t.Fatalf("expected 5 deleted, got %d", deleted)
	}

	oldLogs, err := file.JobLogs(ctx, "old-job", 0, 0)
	if err != nil {
		t.Fatalf("list old: %v", err)
	}
	if len(oldLogs) != 0 {
		t.Fatalf("old logs survived: %d", len(oldLogs))
	}

	newLogs, err := file.JobLogs(ctx, "new-job", 0, 0)
	if err != nil {
		t.Fatalf("list new: %v", err)
	}
	if len(newLogs) != 2 || newLogs[0].Sequence != 3 {
		t.Fatalf("cap not applied: %+v", newLogs)
	}
}
