package plan

import (
	"context"
	"strings"
	"testing"

	"github.com/planweave/planweave/pkg/models"
)

func buildOutlineFixture(t *testing.T) (*Repository, *models.Plan, map[string]*models.PlanNode) {
	t.Helper()
	repo := newTestRepo(t)
	p := mustCreatePlan(t, repo, "outline")

	nodes := make(map[string]*models.PlanNode)
	nodes["r1"] = mustCreateTask(t, repo, CreateTaskParams{PlanID: p.ID, Name: "phase one"})
	nodes["r2"] = mustCreateTask(t, repo, CreateTaskParams{PlanID: p.ID, Name: "phase two"})
	nodes["r1c1"] = mustCreateTask(t, repo, CreateTaskParams{
		PlanID: p.ID, ParentID: &nodes["r1"].ID, Name: "survey"})
	nodes["r1c2"] = mustCreateTask(t, repo, CreateTaskParams{
		PlanID: p.ID, ParentID: &nodes["r1"].ID, Name: "analyse",
		Dependencies: []int64{nodes["r1c1"].ID}})
	nodes["deep"] = mustCreateTask(t, repo, CreateTaskParams{
		PlanID: p.ID, ParentID: &nodes["r1c1"].ID, Name: "deep dive"})
	return repo, p, nodes
}

func TestLogicalIDs(t *testing.T) {
	repo, p, nodes := buildOutlineFixture(t)
	tree, err := repo.GetPlanTree(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	ids := LogicalIDs(tree)
	cases := map[string]string{
		"r1":   "1",
		"r2":   "2",
		"r1c1": "1.1",
		"r1c2": "1.2",
		"deep": "1.1.1",
	}
	for key, want := range cases {
		if got := ids[nodes[key].ID]; got != want {
			t.Fatalf("%s: got %q want %q", key, got, want)
		}
	}

	resolved := ResolveLogicalID(tree, "1.2")
	if resolved == nil || resolved.ID != nodes["r1c2"].ID {
		t.Fatalf("resolve 1.2 failed: %+v", resolved)
	}
	if ResolveLogicalID(tree, "3") != nil {
		t.Fatal("resolved nonexistent ordinal")
	}
	if ResolveLogicalID(tree, "1.x") != nil {
		t.Fatal("resolved malformed ordinal")
	}
}

func TestSubgraphByTaskAndLogicalID(t *testing.T) {
	repo, p, nodes := buildOutlineFixture(t)
	ctx := context.Background()

	byTask, err := repo.Subgraph(ctx, p.ID, SubgraphRequest{TaskID: &nodes["r1"].ID, MaxDepth: 1})
	if err != nil {
		t.Fatalf("subgraph: %v", err)
	}
	if len(byTask.Roots) != 1 || byTask.Roots[0].TaskID != nodes["r1"].ID {
		t.Fatalf("unexpected root: %+v", byTask.Roots)
	}
	if len(byTask.Roots[0].Children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(byTask.Roots[0].Children))
	}
	// deep dive sits below the depth cap.
	if !byTask.Truncated {
		t.Fatal("expected truncation flag")
	}

	byLogical, err := repo.Subgraph(ctx, p.ID, SubgraphRequest{LogicalID: "1.1", MaxDepth: 2})
	if err != nil {
		t.Fatalf("subgraph by logical: %v", err)
	}
	if byLogical.Roots[0].TaskID != nodes["r1c1"].ID {
		t.Fatalf("wrong start node: %d", byLogical.Roots[0].TaskID)
	}

	if _, err := repo.Subgraph(ctx, p.ID, SubgraphRequest{LogicalID: "9.9"}); !IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}

	whole, err := repo.Subgraph(ctx, p.ID, SubgraphRequest{MaxDepth: 5})
	if err != nil {
		t.Fatalf("whole subgraph: %v", err)
	}
	if whole.NodeCount != 5 || whole.Truncated {
		t.Fatalf("unexpected whole projection: count=%d truncated=%v", whole.NodeCount, whole.Truncated)
	}
}

func TestRenderOutline(t *testing.T) {
	repo, p, nodes := buildOutlineFixture(t)
	tree, err := repo.GetPlanTree(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	text, truncated := RenderOutline(tree, OutlineOptions{MaxDepth: 2, MaxNodes: 10})
	if truncated != true {
		t.Fatal("expected depth truncation")
	}
	if !strings.Contains(text, "1. [pending] phase one") {
		t.Fatalf("missing root line:\n%s", text)
	}
	if !strings.Contains(text, "1.2. [pending] analyse") {
		t.Fatalf("missing child line:\n%s", text)
	}
	if !strings.Contains(text, "deps "+formatID(nodes["r1c1"].ID)) {
		t.Fatalf("missing deps note:\n%s", text)
	}
	if strings.Contains(text, "deep dive") {
		t.Fatalf("depth cap ignored:\n%s", text)
	}

	capped, truncated := RenderOutline(tree, OutlineOptions{MaxDepth: 5, MaxNodes: 2})
	if !truncated {
		t.Fatal("expected node-cap truncation")
	}
	if lines := strings.Count(capped, "\n"); lines != 2 {
		t.Fatalf("expected 2 lines, got %d:\n%s", lines, capped)
	}
}
