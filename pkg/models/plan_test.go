package models

import (
	"testing"
	"time"
)

func int64Ptr(v int64) *int64 { return &v }

func sampleTree() *PlanTree {
	t := NewPlanTree(Plan{ID: 1, Title: "research"})
	t.Nodes[10] = &PlanNode{ID: 10, Position: 0, Depth: 0, Path: "/10", Name: "root", Status: TaskStatusPending}
	t.Nodes[11] = &PlanNode{ID: 11, ParentID: int64Ptr(10), Position: 1, Depth: 1, Path: "/10/11", Name: "second", Status: TaskStatusPending}
	t.Nodes[12] = &PlanNode{ID: 12, ParentID: int64Ptr(10), Position: 0, Depth: 1, Path: "/10/12", Name: "first", Status: TaskStatusPending}
	t.Nodes[13] = &PlanNode{ID: 13, ParentID: int64Ptr(12), Position: 0, Depth: 2, Path: "/10/12/13", Name: "leaf", Status: TaskStatusPending}
	return t
}

func TestPlanTreeChildrenOrdered(t *testing.T) {
	tree := sampleTree()
	kids := tree.Children(10)
	if len(kids) != 2 {
		t.Fatalf("expected 2 children, got %d", len(kids))
	}
	if kids[0].ID != 12 || kids[1].ID != 11 {
		t.Fatalf("children out of position order: %d, %d", kids[0].ID, kids[1].ID)
	}
}

func TestPlanTreeRoots(t *testing.T) {
	tree := sampleTree()
	roots := tree.Roots()
	if len(roots) != 1 || roots[0].ID != 10 {
		t.Fatalf("expected single root 10, got %+v", roots)
	}
}

func TestPlanTreeSubtree(t *testing.T) {
	tree := sampleTree()
	ids := tree.Subtree(12)
	if len(ids) != 2 || ids[0] != 12 || ids[1] != 13 {
		t.Fatalf("expected [12 13], got %v", ids)
	}
	if got := tree.Subtree(999); got != nil {
		t.Fatalf("expected nil for unknown node, got %v", got)
	}
}

func TestPlanTreeCloneIndependent(t *testing.T) {
	tree := sampleTree()
	now := time.Now()
	tree.Nodes[13].Dependencies = []int64{12}
	tree.Nodes[13].ContextUpdatedAt = &now

	clone := tree.Clone()
	clone.Nodes[13].Dependencies[0] = 999
	clone.Nodes[13].Name = "changed"
	*clone.Nodes[11].ParentID = 42

	if tree.Nodes[13].Dependencies[0] != 12 {
		t.Fatalf("clone shares dependency slice")
	}
	if tree.Nodes[13].Name != "leaf" {
		t.Fatalf("clone shares node struct")
	}
	if *tree.Nodes[11].ParentID != 10 {
		t.Fatalf("clone shares parent pointer")
	}
}

func TestPlanStatusSummaryAdd(t *testing.T) {
	var s PlanStatusSummary
	for _, st := range []TaskStatus{TaskStatusPending, TaskStatusCompleted, TaskStatusCompleted, TaskStatusFailed, TaskStatusSkipped} {
		s.Add(st)
	}
	if s.Total != 5 || s.Pending != 1 || s.Completed != 2 || s.Failed != 1 || s.Skipped != 1 {
		t.Fatalf("unexpected summary: %+v", s)
	}
}

func TestStatusTerminal(t *testing.T) {
	if TaskStatusRunning.Terminal() || TaskStatusPending.Terminal() {
		t.Fatalf("non-terminal task status reported terminal")
	}
	if !TaskStatusSkipped.Terminal() {
		t.Fatalf("skipped should be terminal")
	}
	if JobStatusRunning.Terminal() {
		t.Fatalf("running job reported terminal")
	}
	if !JobStatusFailed.Terminal() {
		t.Fatalf("failed job should be terminal")
	}
}
