package decompose

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kaptinlin/jsonrepair"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/planweave/planweave/internal/llm"
)

// replyPayload is the strict shape the decomposition model must return
// for one task.
type replyPayload struct {
	TargetNodeID int64        `json:"target_node_id"`
	Mode         string       `json:"mode"`
	ShouldStop   bool         `json:"should_stop"`
	Reason       string       `json:"reason,omitempty"`
	Children     []replyChild `json:"children"`
}

// replyChild is one proposed subtask. Dependencies are zero-based
// indices of earlier entries in the same children array.
type replyChild struct {
	Name         string `json:"name"`
	Instruction  string `json:"instruction,omitempty"`
	Dependencies []int  `json:"dependencies,omitempty"`
	Context      string `json:"context,omitempty"`
	Leaf         bool   `json:"leaf,omitempty"`
}

const replySchemaJSON = `{
	"type": "object",
	"additionalProperties": false,
	"required": ["target_node_id", "mode", "should_stop", "children"],
	"properties": {
		"target_node_id": {"type": "integer"},
		"mode": {"type": "string", "enum": ["plan_bfs", "single_node"]},
		"should_stop": {"type": "boolean"},
		"reason": {"type": "string"},
		"children": {
			"type": "array",
			"items": {
				"type": "object",
				"additionalProperties": false,
				"required": ["name"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"instruction": {"type": "string"},
					"dependencies": {"type": "array", "items": {"type": "integer", "minimum": 0}},
					"context": {"type": "string"},
					"leaf": {"type": "boolean"}
				}
			}
		}
	}
}`

var replySchema = jsonschema.MustCompileString("decompose_reply.schema.json", replySchemaJSON)

// parseReply validates a raw model reply against the decomposition
// schema. Replies that are not well-formed JSON go through jsonrepair
// once before being rejected; schema violations are never coerced.
func parseReply(raw string) (*replyPayload, error) {
	text := llm.StripFences(raw)
	if text == "" {
		return nil, errors.New("empty reply")
	}

	var doc any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(text)
		if repairErr != nil {
			return nil, fmt.Errorf("reply is not valid JSON: %v", err)
		}
		text = repaired
		if err := json.Unmarshal([]byte(text), &doc); err != nil {
			return nil, fmt.Errorf("reply is not valid JSON after repair: %v", err)
		}
	}

	if err := replySchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("reply failed validation: %v", err)
	}

	var reply replyPayload
	if err := json.Unmarshal([]byte(text), &reply); err != nil {
		return nil, fmt.Errorf("decode reply: %v", err)
	}
	return &reply, nil
}

// resolveSiblingDeps maps a child's dependency indices to the IDs of
// siblings created earlier in the same batch. Forward, duplicate, and
// out-of-range references are dropped with a warning.
func resolveSiblingDeps(indices []int, created []int64) ([]int64, []string) {
	var (
		deps     []int64
		warnings []string
		seen     = make(map[int]bool, len(indices))
	)
	for _, idx := range indices {
		if idx < 0 || idx >= len(created) {
			warnings = append(warnings, fmt.Sprintf("dependency index %d does not name an earlier sibling", idx))
			continue
		}
		if seen[idx] {
			continue
		}
		seen[idx] = true
		deps = append(deps, created[idx])
	}
	return deps, warnings
}
