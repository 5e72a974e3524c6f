package decompose

import (
	"fmt"
	"strings"

	"github.com/planweave/planweave/internal/plan"
	"github.com/planweave/planweave/pkg/models"
)

// Outline caps for the plan excerpt embedded in prompts. Decomposition
// needs enough surrounding structure to avoid duplicate subtasks, not
// the whole tree.
const (
	promptOutlineDepth = 3
	promptOutlineNodes = 40
)

const systemPrompt = "You are a planning assistant. You break a task into small, concrete subtasks " +
	"that someone could work through in order. You reply with a single JSON object and nothing else."

// buildNodePrompt renders the user message asking the model to break
// one task into children.
func buildNodePrompt(tree *models.PlanTree, node *models.PlanNode, lim limits, mode Mode) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Break the following task into at most %d subtasks.\n\n", lim.maxChildren)
	fmt.Fprintf(&b, "Task %d: %s\n", node.ID, node.Name)
	if node.Path != "" {
		fmt.Fprintf(&b, "Position in plan: %s\n", node.Path)
	}
	if node.Instruction != "" {
		fmt.Fprintf(&b, "Instruction: %s\n", node.Instruction)
	}

	fmt.Fprintf(&b, "\nPlan: %s\n", tree.Plan.Title)
	if tree.Plan.Description != "" {
		fmt.Fprintf(&b, "Goal: %s\n", tree.Plan.Description)
	}
	if outline, truncated := plan.RenderOutline(tree, plan.OutlineOptions{
		MaxDepth: promptOutlineDepth,
		MaxNodes: promptOutlineNodes,
	}); outline != "" {
		b.WriteString("\nCurrent plan outline")
		if truncated {
			b.WriteString(" (truncated)")
		}
		b.WriteString(":\n")
		b.WriteString(outline)
	}

	b.WriteString("\nReply with exactly one JSON object in this shape:\n")
	fmt.Fprintf(&b,
		`{"target_node_id": %d, "mode": %q, "should_stop": false, "children": [{"name": "Collect sources", "instruction": "Find three primary sources.", "dependencies": [], "leaf": true}]}`+"\n",
		node.ID, mode)

	b.WriteString("\nRules:\n")
	fmt.Fprintf(&b, "- \"children\" lists the subtasks in working order, at most %d entries.\n", lim.maxChildren)
	b.WriteString("- \"dependencies\" holds zero-based indices of earlier children this subtask needs finished first.\n")
	b.WriteString("- Set \"leaf\": true on subtasks that need no further breakdown.\n")
	b.WriteString("- If the task is already small enough to do directly, set \"should_stop\": true, give a short \"reason\", and return \"children\": [].\n")
	b.WriteString("- Do not repeat work that already appears elsewhere in the outline.\n")
	b.WriteString("- Return the JSON object only, with no surrounding text and no code fences.\n")
	return b.String()
}

// correctiveHint is appended to the prompt when the previous reply was
// rejected, so the model sees exactly what to fix.
func correctiveHint(cause error) string {
	return fmt.Sprintf("Your previous reply was rejected: %v. Reply again with exactly one JSON object matching the required shape.", cause)
}
