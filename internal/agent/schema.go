package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/planweave/planweave/internal/llm"
	"github.com/planweave/planweave/pkg/models"
)

// responseSchemaJSON is the shape every assistant turn must produce.
// The same text is embedded verbatim in the system prompt so the model
// sees exactly what the validator will enforce.
const responseSchemaJSON = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["llm_reply"],
  "properties": {
    "llm_reply": {
      "type": "object",
      "additionalProperties": false,
      "required": ["message"],
      "properties": {
        "message": {"type": "string"}
      }
    },
    "actions": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["kind", "name"],
        "properties": {
          "kind": {
            "type": "string",
            "enum": ["plan_operation", "task_operation", "context_request", "system_operation", "tool_operation"]
          },
          "name": {"type": "string", "minLength": 1},
          "parameters": {"type": "object"},
          "blocking": {"type": "boolean"},
          "order": {"type": "integer", "minimum": 1},
          "retry_policy": {
            "type": "object",
            "additionalProperties": false,
            "properties": {
              "max_retries": {"type": "integer", "minimum": 0},
              "backoff_sec": {"type": "number", "minimum": 0}
            }
          },
          "metadata": {"type": "object"}
        }
      }
    }
  }
}`

var responseSchema = jsonschema.MustCompileString("chat_response.schema.json", responseSchemaJSON)

// parseResponse turns raw model output into a structured response.
// Fenced output is unwrapped and near-JSON is repaired once before
// validation; anything that still fails is reported for a corrective
// retry.
func parseResponse(raw string) (*models.LLMStructuredResponse, error) {
	text := strings.TrimSpace(llm.StripFences(raw))
	if text == "" {
		return nil, fmt.Errorf("reply is empty")
	}

	var doc any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		repaired, repErr := jsonrepair.JSONRepair(text)
		if repErr != nil {
			return nil, fmt.Errorf("reply is not valid JSON: %v", err)
		}
		if err := json.Unmarshal([]byte(repaired), &doc); err != nil {
			return nil, fmt.Errorf("reply is not valid JSON after repair: %v", err)
		}
	}
	if err := responseSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("reply failed validation: %v", err)
	}

	encoded, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("decode reply: %v", err)
	}
	var resp models.LLMStructuredResponse
	if err := json.Unmarshal(encoded, &resp); err != nil {
		return nil, fmt.Errorf("decode reply: %v", err)
	}
	return &resp, nil
}

// correctiveHint is sent back to the model after a rejected reply.
func correctiveHint(cause error) string {
	return fmt.Sprintf("Your previous reply was rejected: %v. Reply again with exactly one JSON object matching the required schema.", cause)
}

// looseReply salvages a readable assistant message from output that
// failed structured parsing. It digs out llm_reply.message when any
// JSON object can be decoded at all, otherwise returns the stripped
// text as-is.
func looseReply(raw string) string {
	text := strings.TrimSpace(llm.StripFences(raw))
	candidate := text
	var doc map[string]any
	if err := json.Unmarshal([]byte(candidate), &doc); err != nil {
		repaired, repErr := jsonrepair.JSONRepair(candidate)
		if repErr != nil {
			return text
		}
		if err := json.Unmarshal([]byte(repaired), &doc); err != nil {
			return text
		}
	}
	if reply, ok := doc["llm_reply"].(map[string]any); ok {
		if msg, ok := reply["message"].(string); ok && strings.TrimSpace(msg) != "" {
			return msg
		}
	}
	if msg, ok := doc["message"].(string); ok && strings.TrimSpace(msg) != "" {
		return msg
	}
	return text
}

// normalizeActions fills in missing order values from list position
// and returns the actions sorted by order. The sort is stable so
// equal-order actions keep their reply ordering.
func normalizeActions(actions []models.Action) []models.Action {
	if len(actions) == 0 {
		return nil
	}
	out := make([]models.Action, len(actions))
	copy(out, actions)
	for i := range out {
		if out[i].Order <= 0 {
			out[i].Order = i + 1
		}
		if out[i].Parameters == nil {
			out[i].Parameters = map[string]any{}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}
