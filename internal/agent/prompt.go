package agent

import (
	"fmt"
	"strings"

	"github.com/planweave/planweave/internal/plan"
	"github.com/planweave/planweave/pkg/models"
)

const (
	promptPlanListMax   = 10
	promptExtraChars    = 2000
	promptToolSumChars  = 300
	defaultOutlineDepth = 3
	defaultOutlineNodes = 60
)

// promptTool is one tool line for the catalog.
type promptTool struct {
	Name        string
	Description string
}

// promptInput carries everything the system prompt needs. A nil tree
// means no plan is bound and the restricted catalog is rendered.
type promptInput struct {
	tree    *models.PlanTree
	plans   []*models.PlanSummary
	session *models.ChatSession
	extra   string
	tools   []promptTool

	outlineMaxDepth int
	outlineMaxNodes int
}

// buildSystemPrompt assembles the system prompt for one turn. Bound
// sessions get the plan outline and the full catalog; unbound sessions
// get a restricted catalog and standing instructions not to act until
// the user commits to a plan.
func buildSystemPrompt(in promptInput) string {
	var b strings.Builder

	b.WriteString("You are a planning assistant. You help the user build, refine, and run hierarchical project plans.\n\n")

	b.WriteString("## Reply format\n")
	b.WriteString("Every reply is exactly one JSON object matching this schema, with nothing before or after it:\n")
	b.WriteString(responseSchemaJSON)
	b.WriteString("\n")
	b.WriteString("Put your message to the user in llm_reply.message. Request work by listing actions; omit actions when only conversation is needed. Use order to sequence actions; blocking defaults to true.\n\n")

	bound := in.tree != nil
	b.WriteString("## Actions\n")
	writeCatalog(&b, bound, in.tools)
	b.WriteString("\n")

	if bound {
		writeBoundContext(&b, in)
	} else {
		writeUnboundContext(&b, in.plans)
	}

	if len(in.session.Settings.RecentToolResults) > 0 {
		b.WriteString("## Recent tool results\n")
		for _, inv := range in.session.Settings.RecentToolResults {
			b.WriteString(fmt.Sprintf("- %s: %s\n", inv.Name, clip(inv.Summary, promptToolSumChars)))
		}
		b.WriteString("\n")
	}

	if extra := strings.TrimSpace(in.extra); extra != "" {
		b.WriteString("## Additional context from the client\n")
		b.WriteString(clip(extra, promptExtraChars))
		b.WriteString("\n")
	}

	return strings.TrimRight(b.String(), "\n")
}

func writeCatalog(b *strings.Builder, bound bool, tools []promptTool) {
	var lastKind models.ActionKind
	for _, spec := range actionCatalog {
		if !bound && !spec.unboundOK {
			continue
		}
		if spec.kind != lastKind {
			b.WriteString(string(spec.kind) + ":\n")
			lastKind = spec.kind
		}
		b.WriteString(fmt.Sprintf("- %s: %s Parameters: %s\n", spec.name, spec.summary, spec.params))
	}
	if len(tools) > 0 {
		b.WriteString(string(models.ActionKindTool) + ":\n")
		for _, t := range tools {
			b.WriteString(fmt.Sprintf("- %s: %s\n", t.Name, t.Description))
		}
	}
}

func writeBoundContext(b *strings.Builder, in promptInput) {
	maxDepth := in.outlineMaxDepth
	if maxDepth <= 0 {
		maxDepth = defaultOutlineDepth
	}
	maxNodes := in.outlineMaxNodes
	if maxNodes <= 0 {
		maxNodes = defaultOutlineNodes
	}
	outline, truncated := plan.RenderOutline(in.tree, plan.OutlineOptions{
		MaxDepth: maxDepth,
		MaxNodes: maxNodes,
	})

	b.WriteString("## Current plan\n")
	b.WriteString(fmt.Sprintf("Plan %d: %s\n", in.tree.Plan.ID, in.tree.Plan.Title))
	if desc := strings.TrimSpace(in.tree.Plan.Description); desc != "" {
		b.WriteString(clip(desc, promptExtraChars))
		b.WriteString("\n")
	}
	if outline != "" {
		b.WriteString(outline)
		if !strings.HasSuffix(outline, "\n") {
			b.WriteString("\n")
		}
	}
	if truncated {
		b.WriteString("(outline truncated; use request_subgraph or show_tasks for more)\n")
	}
	b.WriteString("\n")

	b.WriteString("## Guidelines\n")
	b.WriteString("- Respect task dependencies when creating, moving, or deleting tasks.\n")
	b.WriteString("- Never start or rerun execution unless the user explicitly asks for it.\n")
	b.WriteString("- Use tools only when the conversation needs outside facts.\n")
	b.WriteString("- request_subgraph must be the only action in its reply.\n")
	b.WriteString("- Refer to tasks by the numeric ids shown in the outline.\n\n")
}

func writeUnboundContext(b *strings.Builder, plans []*models.PlanSummary) {
	b.WriteString("## No plan bound\n")
	b.WriteString("This conversation is not bound to a plan. Stay in exploration mode: answer questions and clarify goals, but do not create or modify anything until the user explicitly asks to create a plan or picks an existing one. Picking an existing plan happens in the client application.\n")
	if len(plans) == 0 {
		b.WriteString("There are no existing plans yet.\n\n")
		return
	}
	b.WriteString("Existing plans:\n")
	for i, p := range plans {
		if i >= promptPlanListMax {
			b.WriteString(fmt.Sprintf("(and %d more)\n", len(plans)-promptPlanListMax))
			break
		}
		b.WriteString(fmt.Sprintf("- %d: %s (%d tasks)\n", p.ID, p.Title, p.TaskCount))
	}
	b.WriteString("\n")
}

// clip truncates s to max runes, marking the cut.
func clip(s string, max int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return strings.TrimSpace(string(runes[:max])) + "..."
}
