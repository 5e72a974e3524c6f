package execute

import (
	"fmt"
	"strings"

	"github.com/planweave/planweave/pkg/models"
)

// Caps on material quoted into the prompt. Stored context and
// prerequisite outputs can be arbitrarily long.
const (
	promptContextChars = 2000
	promptOutputChars  = 700
)

const execSystemPrompt = "You are an execution assistant. You carry out one task from a project plan and report the outcome. You reply with a single JSON object and nothing else."

// buildTaskPrompt assembles the request for one task: the task itself,
// where it sits in the plan, optionally its stored context, and the
// outputs of the tasks it depends on.
func buildTaskPrompt(tree *models.PlanTree, node *models.PlanNode, useContext bool) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Carry out this task from the plan %q.\n\n", tree.Plan.Title)
	fmt.Fprintf(&b, "Task %d: %s\n", node.ID, node.Name)
	if node.Instruction != "" {
		fmt.Fprintf(&b, "Instruction: %s\n", node.Instruction)
	}

	if chain := ancestorChain(tree, node); len(chain) > 0 {
		b.WriteString("\nThis task is part of:\n")
		for _, ancestor := range chain {
			fmt.Fprintf(&b, "- %s\n", ancestor.Name)
		}
	}

	if useContext {
		if background := collectContext(tree, node); background != "" {
			fmt.Fprintf(&b, "\nBackground material:\n%s\n", background)
		}
	}

	if deps := finishedDeps(tree, node); len(deps) > 0 {
		b.WriteString("\nOutputs from prerequisite tasks:\n")
		for _, dep := range deps {
			fmt.Fprintf(&b, "- Task %d (%s): %s\n", dep.ID, dep.Name, clip(dep.ExecutionResult.Content, promptOutputChars))
		}
	}

	b.WriteString("\nReply with exactly one JSON object in this shape:\n")
	b.WriteString(`{"status": "completed", "content": "the work product", "notes": "", "metadata": {}}` + "\n")
	b.WriteString("Rules:\n")
	b.WriteString("- Set \"status\" to \"completed\", or to \"failed\" when the task cannot be done.\n")
	b.WriteString("- Put the actual output of the task in \"content\", not a description of what you would do.\n")
	b.WriteString("- Use \"notes\" for caveats, or for the reason a task failed.\n")
	b.WriteString("- Return the JSON object only, with no surrounding text and no code fences.\n")
	return b.String()
}

// ancestorChain walks from the node to the root, returned root first.
func ancestorChain(tree *models.PlanTree, node *models.PlanNode) []*models.PlanNode {
	var chain []*models.PlanNode
	for cur := node; cur.ParentID != nil; {
		parent := tree.Get(*cur.ParentID)
		if parent == nil {
			break
		}
		chain = append(chain, parent)
		cur = parent
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// collectContext gathers stored context from the task and then its
// ancestors, nearest first, until the character cap is spent. The
// task's own material always wins the budget.
func collectContext(tree *models.PlanTree, node *models.PlanNode) string {
	var parts []string
	remaining := promptContextChars

	add := func(label, text string) bool {
		text = strings.TrimSpace(text)
		if text == "" {
			return true
		}
		text = clip(text, remaining)
		if text == "" {
			return false
		}
		if label != "" {
			text = label + ": " + text
		}
		parts = append(parts, text)
		remaining -= len(text)
		return remaining > 0
	}

	if !add("", node.ContextCombined) {
		return strings.Join(parts, "\n\n")
	}
	for cur := node; cur.ParentID != nil; {
		parent := tree.Get(*cur.ParentID)
		if parent == nil {
			break
		}
		if !add("From "+parent.Name, parent.ContextCombined) {
			break
		}
		cur = parent
	}
	return strings.Join(parts, "\n\n")
}

// finishedDeps returns the dependencies that produced output, in
// dependency list order.
func finishedDeps(tree *models.PlanTree, node *models.PlanNode) []*models.PlanNode {
	var out []*models.PlanNode
	for _, id := range node.Dependencies {
		dep := tree.Get(id)
		if dep == nil || dep.ExecutionResult == nil || dep.ExecutionResult.Content == "" {
			continue
		}
		out = append(out, dep)
	}
	return out
}

func clip(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
