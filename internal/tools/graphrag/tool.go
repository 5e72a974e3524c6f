package graphrag

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/planweave/planweave/internal/tools"
)

// Tool exposes the graph store as the graph_rag tool.
type Tool struct {
	store *Store
}

func NewTool(store *Store) *Tool {
	return &Tool{store: store}
}

func (t *Tool) Name() string {
	return "graph_rag"
}

func (t *Tool) Description() string {
	return "Query the knowledge graph for facts related to the question. Seeds on entities mentioned in the query (or focus_entities) and expands a bounded number of hops."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "query": {
      "type": "string",
      "description": "The question to retrieve graph context for"
    },
    "top_k": {
      "type": "integer",
      "minimum": 1,
      "maximum": 50,
      "description": "Maximum number of facts to return (default: 10)"
    },
    "hops": {
      "type": "integer",
      "minimum": 1,
      "maximum": 3,
      "description": "Graph expansion distance from seed entities (default: 1)"
    },
    "return_subgraph": {
      "type": "boolean",
      "description": "Include the node/edge subgraph in the result"
    },
    "focus_entities": {
      "type": "array",
      "items": {"type": "string"},
      "description": "Seed these entities instead of extracting them from the query"
    }
  },
  "required": ["query"],
  "additionalProperties": false
}`)
}

type toolParams struct {
	Query          string   `json:"query"`
	TopK           int      `json:"top_k,omitempty"`
	Hops           int      `json:"hops,omitempty"`
	ReturnSubgraph bool     `json:"return_subgraph,omitempty"`
	FocusEntities  []string `json:"focus_entities,omitempty"`
}

func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	var p toolParams
	if err := json.Unmarshal(params, &p); err != nil {
		return &tools.Result{Summary: fmt.Sprintf("invalid parameters: %v", err), IsError: true}, nil
	}
	if strings.TrimSpace(p.Query) == "" {
		return &tools.Result{Summary: "query is required", IsError: true}, nil
	}

	result, err := t.store.Query(ctx, QueryParams{
		Query:          p.Query,
		TopK:           p.TopK,
		Hops:           p.Hops,
		ReturnSubgraph: p.ReturnSubgraph,
		FocusEntities:  p.FocusEntities,
	})
	if err != nil {
		return &tools.Result{Summary: fmt.Sprintf("graph query failed: %v", err), IsError: true}, nil
	}

	summary := fmt.Sprintf("%d facts for %q", len(result.Facts), result.Query)
	if len(result.Entities) > 0 {
		summary += " (entities: " + strings.Join(result.Entities, ", ") + ")"
	} else {
		summary = fmt.Sprintf("no matching entities for %q", result.Query)
	}
	return &tools.Result{Summary: summary, Data: result}, nil
}
