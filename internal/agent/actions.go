package agent

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/planweave/planweave/pkg/models"
)

// Action names the agent dispatches. Tool operation names are not
// listed here; they come from the tool registry.
const (
	actionCreatePlan  = "create_plan"
	actionListPlans   = "list_plans"
	actionExecutePlan = "execute_plan"
	actionDeletePlan  = "delete_plan"

	actionCreateTask            = "create_task"
	actionUpdateTask            = "update_task"
	actionUpdateTaskInstruction = "update_task_instruction"
	actionMoveTask              = "move_task"
	actionDeleteTask            = "delete_task"
	actionShowTasks             = "show_tasks"
	actionQueryStatus           = "query_status"
	actionRerunTask             = "rerun_task"
	actionDecomposeTask         = "decompose_task"

	actionRequestSubgraph = "request_subgraph"
	actionHelp            = "help"

	toolWebSearch = "web_search"
)

// actionSpec describes one dispatchable action: its catalog line for
// the system prompt, its parameter schema, and how it is scheduled.
type actionSpec struct {
	kind    models.ActionKind
	name    string
	summary string
	params  string
	schema  *jsonschema.Schema

	// needsPlan actions refuse to run in a session with no bound plan.
	needsPlan bool
	// unboundOK actions stay in the catalog when no plan is bound.
	unboundOK bool
}

var anchorEnum = `"enum": ["first_child", "last_child", "before", "after"]`

func paramSchema(name, body string) *jsonschema.Schema {
	return jsonschema.MustCompileString(name+".params.schema.json",
		`{"type": "object", "additionalProperties": false, "properties": {`+body+`}}`)
}

func paramSchemaRequired(name, body, required string) *jsonschema.Schema {
	return jsonschema.MustCompileString(name+".params.schema.json",
		`{"type": "object", "additionalProperties": false, "required": [`+required+`], "properties": {`+body+`}}`)
}

var actionCatalog = []actionSpec{
	{
		kind:      models.ActionKindPlan,
		name:      actionCreatePlan,
		summary:   "Create a new plan and bind this conversation to it.",
		params:    "goal?, title?, notes?, sections? (int), style?",
		unboundOK: true,
		schema: paramSchema(actionCreatePlan,
			`"goal": {"type": "string"},
			 "title": {"type": "string"},
			 "notes": {"type": "string"},
			 "sections": {"type": "integer", "minimum": 1},
			 "style": {"type": "string"}`),
	},
	{
		kind:      models.ActionKindPlan,
		name:      actionListPlans,
		summary:   "List existing plans with their task counts.",
		params:    "none",
		unboundOK: true,
		schema:    paramSchema(actionListPlans, ``),
	},
	{
		kind:      models.ActionKindPlan,
		name:      actionExecutePlan,
		summary:   "Start background execution of the plan's pending tasks.",
		params:    "plan_id?",
		needsPlan: true,
		schema:    paramSchema(actionExecutePlan, `"plan_id": {"type": "integer"}`),
	},
	{
		kind:      models.ActionKindPlan,
		name:      actionDeletePlan,
		summary:   "Delete a plan and everything in it.",
		params:    "plan_id?",
		needsPlan: true,
		schema:    paramSchema(actionDeletePlan, `"plan_id": {"type": "integer"}`),
	},
	{
		kind:      models.ActionKindTask,
		name:      actionCreateTask,
		summary:   "Add a task to the plan.",
		params:    "task_name, plan_id?, parent_id?, instruction?, dependencies?, anchor_task_id?, anchor_position?, position?, metadata?",
		needsPlan: true,
		schema: paramSchemaRequired(actionCreateTask,
			`"task_name": {"type": "string", "minLength": 1},
			 "plan_id": {"type": "integer"},
			 "parent_id": {"type": ["integer", "null"]},
			 "instruction": {"type": "string"},
			 "metadata": {"type": "object"},
			 "dependencies": {"type": "array", "items": {"type": "integer"}},
			 "anchor_task_id": {"type": "integer"},
			 "anchor_position": {"type": "string", `+anchorEnum+`},
			 "position": {"type": "integer", "minimum": 0}`,
			`"task_name"`),
	},
	{
		kind:      models.ActionKindTask,
		name:      actionUpdateTask,
		summary:   "Update a task's name, instruction, metadata, dependencies, or status.",
		params:    "task_id, plan_id?, name?, instruction?, metadata?, dependencies?, status?",
		needsPlan: true,
		schema: paramSchemaRequired(actionUpdateTask,
			`"task_id": {"type": "integer"},
			 "plan_id": {"type": "integer"},
			 "name": {"type": "string"},
			 "instruction": {"type": "string"},
			 "metadata": {"type": "object"},
			 "dependencies": {"type": "array", "items": {"type": "integer"}},
			 "status": {"type": "string", "enum": ["pending", "running", "completed", "failed", "skipped"]}`,
			`"task_id"`),
	},
	{
		kind:      models.ActionKindTask,
		name:      actionUpdateTaskInstruction,
		summary:   "Replace a task's instruction text.",
		params:    "task_id, instruction, plan_id?",
		needsPlan: true,
		schema: paramSchemaRequired(actionUpdateTaskInstruction,
			`"task_id": {"type": "integer"},
			 "plan_id": {"type": "integer"},
			 "instruction": {"type": "string"}`,
			`"task_id", "instruction"`),
	},
	{
		kind:      models.ActionKindTask,
		name:      actionMoveTask,
		summary:   "Move a task under a new parent or to a new position.",
		params:    "task_id, plan_id?, new_parent_id?, anchor_task_id?, anchor_position?, position?",
		needsPlan: true,
		schema: paramSchemaRequired(actionMoveTask,
			`"task_id": {"type": "integer"},
			 "plan_id": {"type": "integer"},
			 "new_parent_id": {"type": ["integer", "null"]},
			 "anchor_task_id": {"type": "integer"},
			 "anchor_position": {"type": "string", `+anchorEnum+`},
			 "position": {"type": "integer", "minimum": 0}`,
			`"task_id"`),
	},
	{
		kind:      models.ActionKindTask,
		name:      actionDeleteTask,
		summary:   "Delete a task and its subtree.",
		params:    "task_id, plan_id?",
		needsPlan: true,
		schema: paramSchemaRequired(actionDeleteTask,
			`"task_id": {"type": "integer"},
			 "plan_id": {"type": "integer"}`,
			`"task_id"`),
	},
	{
		kind:      models.ActionKindTask,
		name:      actionShowTasks,
		summary:   "Show the plan outline.",
		params:    "plan_id?, max_depth?, with_instructions?",
		needsPlan: true,
		schema: paramSchema(actionShowTasks,
			`"plan_id": {"type": "integer"},
			 "max_depth": {"type": "integer", "minimum": 1},
			 "with_instructions": {"type": "boolean"}`),
	},
	{
		kind:      models.ActionKindTask,
		name:      actionQueryStatus,
		summary:   "Report task counts by execution status.",
		params:    "plan_id?",
		needsPlan: true,
		schema:    paramSchema(actionQueryStatus, `"plan_id": {"type": "integer"}`),
	},
	{
		kind:      models.ActionKindTask,
		name:      actionRerunTask,
		summary:   "Reset a finished task to pending and execute it again.",
		params:    "task_id, plan_id?",
		needsPlan: true,
		schema: paramSchemaRequired(actionRerunTask,
			`"task_id": {"type": "integer"},
			 "plan_id": {"type": "integer"}`,
			`"task_id"`),
	},
	{
		kind:      models.ActionKindTask,
		name:      actionDecomposeTask,
		summary:   "Break a task (or the whole plan) into subtasks in the background.",
		params:    "task_id?, plan_id?, expand_depth?, node_budget?",
		needsPlan: true,
		schema: paramSchema(actionDecomposeTask,
			`"task_id": {"type": "integer"},
			 "plan_id": {"type": "integer"},
			 "expand_depth": {"type": "integer", "minimum": 1},
			 "node_budget": {"type": "integer", "minimum": 1}`),
	},
	{
		kind:      models.ActionKindContext,
		name:      actionRequestSubgraph,
		summary:   "Fetch a subtree of the plan into the reply metadata. Must be the only action in the reply.",
		params:    "logical_id? or task_id?, max_depth?",
		needsPlan: true,
		schema: paramSchema(actionRequestSubgraph,
			`"plan_id": {"type": "integer"},
			 "task_id": {"type": "integer"},
			 "logical_id": {"type": "string"},
			 "max_depth": {"type": "integer", "minimum": 1}`),
	},
	{
		kind:      models.ActionKindSystem,
		name:      actionHelp,
		summary:   "List the available actions.",
		params:    "none",
		unboundOK: true,
		schema:    paramSchema(actionHelp, ``),
	},
}

// specFor resolves a catalog entry. Tool operations resolve by
// registry membership instead of the static catalog; their parameters
// are validated by the registry against the tool's own schema.
func (s *Service) specFor(kind models.ActionKind, name string) (*actionSpec, bool) {
	if kind == models.ActionKindTool {
		for _, tn := range s.tools.Names() {
			if tn == name {
				return &actionSpec{kind: kind, name: name, unboundOK: true}, true
			}
		}
		return nil, false
	}
	for i := range actionCatalog {
		if actionCatalog[i].kind == kind && actionCatalog[i].name == name {
			return &actionCatalog[i], true
		}
	}
	return nil, false
}

// normalizeParams copies the parameter map and rewrites the legacy
// insert_before / insert_after aliases into anchor_task_id plus
// anchor_position. Runs before schema validation so aliases never
// reach the validator.
func normalizeParams(name string, params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	if name != actionCreateTask && name != actionMoveTask {
		return out
	}
	if v, ok := out["insert_before"]; ok {
		delete(out, "insert_before")
		out["anchor_task_id"] = v
		out["anchor_position"] = "before"
	}
	if v, ok := out["insert_after"]; ok {
		delete(out, "insert_after")
		out["anchor_task_id"] = v
		out["anchor_position"] = "after"
	}
	return out
}

// validateParams checks an already-decoded parameter map against the
// action's schema.
func validateParams(spec *actionSpec, params map[string]any) error {
	if spec.schema == nil {
		return nil
	}
	doc := any(params)
	if params == nil {
		doc = map[string]any{}
	}
	if err := spec.schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid parameters: %v", err)
	}
	return nil
}

// decodeParams round-trips a parameter map through JSON into a typed
// struct.
func decodeParams(params map[string]any, dst any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode parameters: %w", err)
	}
	return nil
}

// longRunning reports whether dispatching the action enqueues or
// performs background work, which routes the whole turn through the
// job queue.
func (s *Service) longRunning(action models.Action) bool {
	if action.Kind == models.ActionKindTool {
		return true
	}
	switch action.Name {
	case actionExecutePlan, actionDecomposeTask, actionRerunTask:
		return true
	case actionCreatePlan:
		return s.decomposeCfg.AutoOnCreate
	}
	return false
}

// violatesSubgraphRule reports whether a subgraph request appears next
// to other actions. Subgraph requests must travel alone so the caller
// can treat the metadata as the complete answer.
func violatesSubgraphRule(actions []models.Action) bool {
	if len(actions) < 2 {
		return false
	}
	for _, a := range actions {
		if a.Kind == models.ActionKindContext && a.Name == actionRequestSubgraph {
			return true
		}
	}
	return false
}
