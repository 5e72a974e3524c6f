package execute

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/planweave/planweave/internal/llm"
	"github.com/planweave/planweave/pkg/models"
)

// The executor model reports exactly one task outcome per reply.
const execReplySchemaJSON = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["status"],
  "properties": {
    "status": {"type": "string", "enum": ["completed", "failed"]},
    "content": {"type": "string"},
    "notes": {"type": "string"},
    "metadata": {"type": "object"}
  }
}`

var execReplySchema = jsonschema.MustCompileString("execute_reply.schema.json", execReplySchemaJSON)

// parseExecReply turns raw model output into an execution result.
// Replies often arrive fenced or mildly malformed, so fences are
// stripped and one repair pass is attempted before validation.
func parseExecReply(raw string) (*models.ExecutionResult, error) {
	text := strings.TrimSpace(llm.StripFences(raw))
	if text == "" {
		return nil, fmt.Errorf("empty reply")
	}

	var doc any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		fixed, repairErr := jsonrepair.JSONRepair(text)
		if repairErr != nil {
			return nil, fmt.Errorf("reply is not valid JSON: %v", err)
		}
		if err := json.Unmarshal([]byte(fixed), &doc); err != nil {
			return nil, fmt.Errorf("reply is not valid JSON after repair: %v", err)
		}
		text = fixed
	}

	if err := execReplySchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("reply failed validation: %v", err)
	}

	var result models.ExecutionResult
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return nil, fmt.Errorf("decode reply: %v", err)
	}
	return &result, nil
}

// correctiveHint tells the model why its previous reply was rejected.
func correctiveHint(cause error) string {
	return fmt.Sprintf("Your previous reply was rejected: %v. Reply again with exactly one JSON object matching the required shape.", cause)
}
