package models

import (
	"encoding/json"
	"testing"
)

func TestActionBlockingDefault(t *testing.T) {
	var a Action
	if err := json.Unmarshal([]byte(`{"kind":"task_operation","name":"create_task","parameters":{},"order":1}`), &a); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !a.IsBlocking() {
		t.Fatalf("blocking should default to true")
	}

	if err := json.Unmarshal([]byte(`{"kind":"tool_operation","name":"web_search","parameters":{},"blocking":false,"order":2}`), &a); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if a.IsBlocking() {
		t.Fatalf("explicit blocking=false ignored")
	}
}

func TestJobClone(t *testing.T) {
	planID := int64(7)
	job := &Job{
		ID:         "job-1",
		Type:       JobTypeDecompose,
		Status:     JobStatusQueued,
		PlanID:     &planID,
		Parameters: json.RawMessage(`{"max_depth":2}`),
		Stats:      map[string]any{"nodes_created": 3},
	}
	c := job.Clone()
	*c.PlanID = 99
	c.Stats["nodes_created"] = 0
	c.Parameters[0] = 'X'

	if *job.PlanID != 7 {
		t.Fatalf("clone shares plan id pointer")
	}
	if job.Stats["nodes_created"] != 3 {
		t.Fatalf("clone shares stats map")
	}
	if job.Parameters[0] == 'X' {
		t.Fatalf("clone shares parameters buffer")
	}
}
