package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/planweave/planweave/internal/storage"
	"github.com/planweave/planweave/pkg/models"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	manager, err := storage.NewManager(context.Background(), t.TempDir(), 4, nil)
	if err != nil {
		t.Fatalf("storage manager: %v", err)
	}
	t.Cleanup(func() { manager.Close() })
	return NewService(manager, nil)
}

func TestEnsureCreatesAndReuses(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	created, err := svc.Ensure(ctx, "")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if created.ID == "" || created.Name != defaultName || created.NameSource != models.NameSourceDefault || !created.IsActive {
		t.Errorf("created = %+v, want active default-named session", created)
	}

	again, err := svc.Ensure(ctx, created.ID)
	if err != nil {
		t.Fatalf("ensure existing: %v", err)
	}
	if again.ID != created.ID {
		t.Errorf("ensure returned %s, want %s", again.ID, created.ID)
	}

	named, err := svc.Ensure(ctx, "client-chosen-id")
	if err != nil {
		t.Fatalf("ensure with id: %v", err)
	}
	if named.ID != "client-chosen-id" {
		t.Errorf("id = %s, want the caller's id kept", named.ID)
	}
}

func TestGetNotFound(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Get(context.Background(), "missing")
	if !IsNotFound(err) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
}

func TestUpdateRenameIsSticky(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	session, _ := svc.Ensure(ctx, "")

	name := "  My research thread "
	updated, err := svc.Update(ctx, session.ID, UpdateParams{Name: &name})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Name != "My research thread" || !updated.IsUserNamed || updated.NameSource != models.NameSourceUser {
		t.Errorf("updated = %+v, want trimmed user name", updated)
	}

	_, changed, err := svc.ApplyAutoTitle(ctx, session.ID, "Generated title", models.NameSourceHeuristic)
	if err != nil {
		t.Fatalf("auto title: %v", err)
	}
	if changed {
		t.Error("auto title overwrote a user-given name")
	}
	got, _ := svc.Get(ctx, session.ID)
	if got.Name != "My research thread" {
		t.Errorf("name = %q after auto title", got.Name)
	}
}

func TestApplyAutoTitle(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	session, _ := svc.Ensure(ctx, "")

	updated, changed, err := svc.ApplyAutoTitle(ctx, session.ID, "Phage therapy notes", models.NameSourceHeuristic)
	if err != nil {
		t.Fatalf("auto title: %v", err)
	}
	if !changed || updated.Name != "Phage therapy notes" || updated.NameSource != models.NameSourceHeuristic {
		t.Errorf("updated = %+v, changed = %v", updated, changed)
	}

	_, changed, err = svc.ApplyAutoTitle(ctx, session.ID, "   ", models.NameSourceHeuristic)
	if err != nil {
		t.Fatalf("empty title: %v", err)
	}
	if changed {
		t.Error("blank title reported a change")
	}
}

func TestBindNamesUnnamedSession(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	session, _ := svc.Ensure(ctx, "")

	bound, err := svc.Bind(ctx, session.ID, 42, "Ship the importer")
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if bound.PlanID == nil || *bound.PlanID != 42 {
		t.Errorf("plan id = %v, want 42", bound.PlanID)
	}
	if bound.Name != "Ship the importer" || bound.NameSource != models.NameSourcePlan {
		t.Errorf("bound = %+v, want plan-named", bound)
	}

	name := "Kept"
	if _, err := svc.Update(ctx, session.ID, UpdateParams{Name: &name}); err != nil {
		t.Fatalf("rename: %v", err)
	}
	rebound, err := svc.Bind(ctx, session.ID, 43, "Other plan")
	if err != nil {
		t.Fatalf("rebind: %v", err)
	}
	if rebound.Name != "Kept" {
		t.Errorf("name = %q, want the user name kept across binds", rebound.Name)
	}
}

func TestUpdateUnbind(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	session, _ := svc.Ensure(ctx, "")
	if _, err := svc.Bind(ctx, session.ID, 7, "Plan"); err != nil {
		t.Fatalf("bind: %v", err)
	}

	other := int64(9)
	updated, err := svc.Update(ctx, session.ID, UpdateParams{PlanID: &other, Unbind: true})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.PlanID != nil {
		t.Errorf("plan id = %v, want unbound", updated.PlanID)
	}
}

func TestMessagesAndHistory(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	session, _ := svc.Ensure(ctx, "")

	if _, err := svc.AppendMessage(ctx, session.ID, models.RoleUser, "hello", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := svc.AppendMessage(ctx, session.ID, models.RoleAssistant, "hi there", map[string]any{"status": "completed"}); err != nil {
		t.Fatalf("append assistant: %v", err)
	}

	history, err := svc.History(ctx, session.ID, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].Role != models.RoleUser || history[1].Role != models.RoleAssistant {
		t.Fatalf("history = %+v, want user then assistant", history)
	}

	latest, err := svc.History(ctx, session.ID, 1)
	if err != nil {
		t.Fatalf("history limit: %v", err)
	}
	if len(latest) != 1 || latest[0].Content != "hi there" {
		t.Errorf("latest = %+v, want the newest message", latest)
	}

	count, err := svc.UserMessageCount(ctx, session.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("user messages = %d, want 1", count)
	}

	got, _ := svc.Get(ctx, session.ID)
	if got.LastMessageAt == nil {
		t.Error("last_message_at not bumped by append")
	}
}

func TestRecordToolResultsCapped(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	session, _ := svc.Ensure(ctx, "")

	var first []models.ToolInvocation
	for i := 0; i < 4; i++ {
		first = append(first, models.ToolInvocation{Name: "web_search", Summary: string(rune('a' + i))})
	}
	if err := svc.RecordToolResults(ctx, session.ID, first, 0); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := svc.RecordToolResults(ctx, session.ID, []models.ToolInvocation{
		{Name: "graph_rag", Summary: "e"},
		{Name: "graph_rag", Summary: "f"},
		{Name: "graph_rag", Summary: "g"},
	}, 0); err != nil {
		t.Fatalf("record more: %v", err)
	}

	got, _ := svc.Get(ctx, session.ID)
	buffer := got.Settings.RecentToolResults
	if len(buffer) != recentToolResultsKept {
		t.Fatalf("buffer = %d entries, want %d", len(buffer), recentToolResultsKept)
	}
	if buffer[0].Summary != "c" || buffer[len(buffer)-1].Summary != "g" {
		t.Errorf("buffer = %+v, want the newest five kept", buffer)
	}
}

func TestUpdateSettingsKeepsToolBuffer(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	session, _ := svc.Ensure(ctx, "")

	if err := svc.RecordToolResults(ctx, session.ID, []models.ToolInvocation{{Name: "web_search", Summary: "s"}}, 0); err != nil {
		t.Fatalf("record: %v", err)
	}
	updated, err := svc.Update(ctx, session.ID, UpdateParams{
		Settings: &models.SessionSettings{DefaultSearchProvider: "perplexity"},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Settings.DefaultSearchProvider != "perplexity" {
		t.Errorf("provider = %q", updated.Settings.DefaultSearchProvider)
	}
	if len(updated.Settings.RecentToolResults) != 1 {
		t.Errorf("tool buffer lost on settings update: %+v", updated.Settings)
	}
}

func TestArchiveAndDelete(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	session, _ := svc.Ensure(ctx, "")

	if err := svc.Archive(ctx, session.ID); err != nil {
		t.Fatalf("archive: %v", err)
	}
	active, err := svc.List(ctx, true, 10, 0)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	for _, s := range active {
		if s.ID == session.ID {
			t.Error("archived session still listed as active")
		}
	}
	all, err := svc.List(ctx, false, 10, 0)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	found := false
	for _, s := range all {
		if s.ID == session.ID {
			found = true
		}
	}
	if !found {
		t.Error("archived session missing from full listing")
	}

	if err := svc.Delete(ctx, session.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.Get(ctx, session.ID); !IsNotFound(err) {
		t.Errorf("get after delete = %v, want NotFoundError", err)
	}
}

func TestLockTurnSerialises(t *testing.T) {
	svc := newTestService(t)

	release := svc.LockTurn("s1")
	acquired := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		inner := svc.LockTurn("s1")
		close(acquired)
		inner()
		close(finished)
	}()

	select {
	case <-acquired:
		t.Fatal("second turn acquired the lock while the first held it")
	case <-time.After(20 * time.Millisecond):
	}

	// A different session is not blocked.
	otherDone := make(chan struct{})
	go func() {
		inner := svc.LockTurn("s2")
		inner()
		close(otherDone)
	}()
	select {
	case <-otherDone:
	case <-time.After(time.Second):
		t.Fatal("unrelated session blocked by s1's turn lock")
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second turn never acquired the lock after release")
	}
	<-finished

	svc.locksMu.Lock()
	remaining := len(svc.locks)
	svc.locksMu.Unlock()
	if remaining != 0 {
		t.Errorf("lock table holds %d entries after release, want 0", remaining)
	}
}
