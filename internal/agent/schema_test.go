package agent

import (
	"strings"
	"testing"

	"github.com/planweave/planweave/pkg/models"
)

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr string
		check   func(t *testing.T, resp *models.LLMStructuredResponse)
	}{
		{
			name: "message only",
			raw:  `{"llm_reply": {"message": "Sounds good."}}`,
			check: func(t *testing.T, resp *models.LLMStructuredResponse) {
				if resp.LLMReply.Message != "Sounds good." {
					t.Fatalf("message = %q", resp.LLMReply.Message)
				}
				if len(resp.Actions) != 0 {
					t.Fatalf("expected no actions, got %d", len(resp.Actions))
				}
			},
		},
		{
			name: "with actions",
			raw: `{"llm_reply": {"message": "Creating the plan."},
				"actions": [{"kind": "plan_operation", "name": "create_plan", "parameters": {"goal": "ship"}, "order": 1}]}`,
			check: func(t *testing.T, resp *models.LLMStructuredResponse) {
				if len(resp.Actions) != 1 {
					t.Fatalf("actions = %d", len(resp.Actions))
				}
				a := resp.Actions[0]
				if a.Kind != models.ActionKindPlan || a.Name != "create_plan" {
					t.Fatalf("action = %s/%s", a.Kind, a.Name)
				}
				if a.Parameters["goal"] != "ship" {
					t.Fatalf("parameters = %v", a.Parameters)
				}
			},
		},
		{
			name: "fenced",
			raw:  "```json\n{\"llm_reply\": {\"message\": \"ok\"}}\n```",
			check: func(t *testing.T, resp *models.LLMStructuredResponse) {
				if resp.LLMReply.Message != "ok" {
					t.Fatalf("message = %q", resp.LLMReply.Message)
				}
			},
		},
		{
			name: "repairable trailing comma",
			raw:  `{"llm_reply": {"message": "ok"}, "actions": [],}`,
			check: func(t *testing.T, resp *models.LLMStructuredResponse) {
				if resp.LLMReply.Message != "ok" {
					t.Fatalf("message = %q", resp.LLMReply.Message)
				}
			},
		},
		{
			name:    "missing llm_reply",
			raw:     `{"actions": []}`,
			wantErr: "failed validation",
		},
		{
			name:    "unknown action kind",
			raw:     `{"llm_reply": {"message": "x"}, "actions": [{"kind": "magic", "name": "zap"}]}`,
			wantErr: "failed validation",
		},
		{
			name:    "action without name",
			raw:     `{"llm_reply": {"message": "x"}, "actions": [{"kind": "plan_operation"}]}`,
			wantErr: "failed validation",
		},
		{
			name:    "unknown top-level field",
			raw:     `{"llm_reply": {"message": "x"}, "thoughts": "hmm"}`,
			wantErr: "failed validation",
		},
		{
			name:    "empty",
			raw:     "   ",
			wantErr: "empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := parseResponse(tt.raw)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("expected error containing %q, got nil", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error = %v, want substring %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseResponse: %v", err)
			}
			tt.check(t, resp)
		})
	}
}

func TestNormalizeActions(t *testing.T) {
	actions := []models.Action{
		{Kind: models.ActionKindTask, Name: "b", Order: 2},
		{Kind: models.ActionKindTask, Name: "a", Order: 1},
		{Kind: models.ActionKindTask, Name: "c"},
	}
	out := normalizeActions(actions)
	if len(out) != 3 {
		t.Fatalf("len = %d", len(out))
	}
	got := []string{out[0].Name, out[1].Name, out[2].Name}
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
	if out[2].Order != 3 {
		t.Fatalf("missing order filled with %d, want 3", out[2].Order)
	}
	if out[0].Parameters == nil {
		t.Fatal("nil parameters not defaulted")
	}

	if normalizeActions(nil) != nil {
		t.Fatal("nil actions should stay nil")
	}
}

func TestNormalizeActionsStable(t *testing.T) {
	actions := []models.Action{
		{Name: "first", Order: 1},
		{Name: "second", Order: 1},
	}
	out := normalizeActions(actions)
	if out[0].Name != "first" || out[1].Name != "second" {
		t.Fatalf("equal orders reordered: %s, %s", out[0].Name, out[1].Name)
	}
}

func TestLooseReply(t *testing.T) {
	if got := looseReply("plain prose answer"); got != "plain prose answer" {
		t.Fatalf("prose = %q", got)
	}

	broken := `{"llm_reply": {"message": "salvaged"}, "actions": [{"kind": "bogus"}]}`
	if got := looseReply(broken); got != "salvaged" {
		t.Fatalf("salvage = %q", got)
	}

	repairable := `{"llm_reply": {"message": "fixed"},}`
	if got := looseReply(repairable); got != "fixed" {
		t.Fatalf("repaired salvage = %q", got)
	}

	fenced := "```json\n{\"message\": \"bare\"}\n```"
	if got := looseReply(fenced); got != "bare" {
		t.Fatalf("bare message = %q", got)
	}
}
