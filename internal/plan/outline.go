package plan

import (
	"context"
	"fmt"
	"strings"

	"github.com/planweave/planweave/pkg/models"
)

// OutlineNode is one entry in a rendered plan outline or subgraph.
// LogicalID is the 1-based dotted ordinal path ("2.1.3") that LLM
// prompts use to reference nodes without leaking database IDs.
type OutlineNode struct {
	TaskID       int64             `json:"task_id"`
	LogicalID    string            `json:"logical_id"`
	Name         string            `json:"name"`
	Status       models.TaskStatus `json:"status"`
	Instruction  string            `json:"instruction,omitempty"`
	Dependencies []int64           `json:"dependencies,omitempty"`
	Children     []*OutlineNode    `json:"children,omitempty"`
}

// Subgraph is a depth-capped projection of part of a plan tree.
type Subgraph struct {
	PlanID    int64          `json:"plan_id"`
	Roots     []*OutlineNode `json:"roots"`
	NodeCount int            `json:"node_count"`
	MaxDepth  int            `json:"max_depth"`
	Truncated bool           `json:"truncated"`
}

// LogicalIDs assigns every node its dotted ordinal path.
func LogicalIDs(tree *models.PlanTree) map[int64]string {
	ids := make(map[int64]string, len(tree.Nodes))
	var walk func(nodes []*models.PlanNode, prefix string)
	walk = func(nodes []*models.PlanNode, prefix string) {
		for i, node := range nodes {
			logical := fmt.Sprintf("%d", i+1)
			if prefix != "" {
				logical = prefix + "." + logical
			}
			ids[node.ID] = logical
			walk(tree.Children(node.ID), logical)
		}
	}
	walk(tree.Roots(), "")
	return ids
}

// ResolveLogicalID returns the node addressed by a dotted ordinal
// path, nil when the path walks off the tree.
func ResolveLogicalID(tree *models.PlanTree, logical string) *models.PlanNode {
	parts := strings.Split(strings.TrimSpace(logical), ".")
	var current *models.PlanNode
	nodes := tree.Roots()
	for _, part := range parts {
		index := 0
		if _, err := fmt.Sscanf(part, "%d", &index); err != nil || index < 1 || index > len(nodes) {
			return nil
		}
		current = nodes[index-1]
		nodes = tree.Children(current.ID)
	}
	return current
}

// SubgraphRequest addresses a starting point for a subgraph: a task ID
// or a logical ID, or neither for the whole tree.
type SubgraphRequest struct {
	TaskID    *int64
	LogicalID string
	MaxDepth  int
}

// Subgraph extracts a localized outline around a node for
// context-limited prompts. MaxDepth counts levels below the starting
// node; zero or negative defaults to 3.
func (r *Repository) Subgraph(ctx context.Context, planID int64, req SubgraphRequest) (*Subgraph, error) {
	tree, err := r.GetPlanTree(ctx, planID)
	if err != nil {
		return nil, err
	}
	return BuildSubgraph(tree, req)
}

// BuildSubgraph computes a subgraph over an already loaded tree.
func BuildSubgraph(tree *models.PlanTree, req SubgraphRequest) (*Subgraph, error) {
	maxDepth := req.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 3
	}
	logical := LogicalIDs(tree)

	var startNodes []*models.PlanNode
	switch {
	case req.TaskID != nil:
		node := tree.Get(*req.TaskID)
		if node == nil {
			return nil, NewTaskNotFound(*req.TaskID)
		}
		startNodes = []*models.PlanNode{node}
	case req.LogicalID != "":
		node := ResolveLogicalID(tree, req.LogicalID)
		if node == nil {
			return nil, &NotFoundError{Kind: "task", ID: req.LogicalID}
		}
		startNodes = []*models.PlanNode{node}
	default:
		startNodes = tree.Roots()
	}

	result := &Subgraph{PlanID: tree.Plan.ID, MaxDepth: maxDepth}
	var project func(node *models.PlanNode, depth int) *OutlineNode
	project = func(node *models.PlanNode, depth int) *OutlineNode {
		out := &OutlineNode{
			TaskID:       node.ID,
			LogicalID:    logical[node.ID],
			Name:         node.Name,
			Status:       node.Status,
			Instruction:  excerpt(node.Instruction, 200),
			Dependencies: node.Dependencies,
		}
		result.NodeCount++
		children := tree.Children(node.ID)
		if depth >= maxDepth {
			if len(children) > 0 {
				result.Truncated = true
			}
			return out
		}
		for _, child := range children {
			out.Children = append(out.Children, project(child, depth+1))
		}
		return out
	}
	for _, node := range startNodes {
		result.Roots = append(result.Roots, project(node, 0))
	}
	return result, nil
}

// OutlineOptions controls textual outline rendering for prompts.
type OutlineOptions struct {
	MaxDepth         int
	MaxNodes         int
	WithInstructions bool
}

// RenderOutline produces the indented text outline embedded in LLM
// prompts. Returns the text and whether the tree was cut off by the
// depth or node caps.
func RenderOutline(tree *models.PlanTree, opts OutlineOptions) (string, bool) {
	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 3
	}
	maxNodes := opts.MaxNodes
	if maxNodes <= 0 {
		maxNodes = 60
	}
	logical := LogicalIDs(tree)

	var (
		b         strings.Builder
		count     int
		truncated bool
	)
	var walk func(nodes []*models.PlanNode, depth int)
	walk = func(nodes []*models.PlanNode, depth int) {
		for _, node := range nodes {
			if count >= maxNodes {
				truncated = true
				return
			}
			count++
			indent := strings.Repeat("  ", depth)
			fmt.Fprintf(&b, "%s%s. [%s] %s (task %d", indent, logical[node.ID], node.Status, node.Name, node.ID)
			if len(node.Dependencies) > 0 {
				fmt.Fprintf(&b, ", deps %s", joinIDs(node.Dependencies))
			}
			b.WriteString(")\n")
			if opts.WithInstructions && node.Instruction != "" {
				fmt.Fprintf(&b, "%s   %s\n", indent, excerpt(node.Instruction, 140))
			}
			children := tree.Children(node.ID)
			if depth+1 >= maxDepth {
				if len(children) > 0 {
					truncated = true
				}
				continue
			}
			walk(children, depth+1)
		}
	}
	walk(tree.Roots(), 0)
	return b.String(), truncated
}

func excerpt(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = formatID(id)
	}
	return strings.Join(parts, ",")
}
