package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/agxlabs/agx/internal/graph"
)

func writeSection(b *strings.Builder, title string, items []string) {
	items = nonEmpty(items)
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "## %s\n", title)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
	b.WriteString("\n")
}

// BuildWorkPrompt renders the agent prompt for one work node from the task
// objective and the node's planning fields.
func BuildWorkPrompt(t *Task, n *graph.Node) string {
	var b strings.Builder
	title := n.Title
	if title == "" {
		title = n.ID
	}
	fmt.Fprintf(&b, "# Task: %s\n\n", strings.TrimSpace(t.Title))
	if strings.TrimSpace(t.Description) != "" {
		fmt.Fprintf(&b, "%s\n\n", strings.TrimSpace(t.Description))
	}
	fmt.Fprintf(&b, "# Current step: %s\n\n", title)
	if strings.TrimSpace(n.Description) != "" {
		fmt.Fprintf(&b, "%s\n\n", strings.TrimSpace(n.Description))
	}
	writeSection(&b, "Where", n.Where)
	writeSection(&b, "Planned Changes", n.WhatChanges)
	writeSection(&b, "Acceptance Criteria", n.AcceptanceCriteria)
	writeSection(&b, "To Dos", n.Todos)
	writeSection(&b, "Validation Expectations", n.Verification)
	return strings.TrimSpace(b.String()) + "\n"
}

// PlanPromptInput carries the optional re-scoping context: the nodes of the
// current plan and the ids the planner must leave untouched.
type PlanPromptInput struct {
	CurrentPlanNodes map[string]*graph.Node
	LockedNodeIDs    []string
	RetryReasons     []string
}

// BuildPlanPrompt renders the planner prompt. On a validation retry the
// rejection reasons are appended so the planner can correct course.
func BuildPlanPrompt(t *Task, n *graph.Node, in PlanPromptInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Objective\n\n%s\n\n", strings.TrimSpace(t.Title))
	if strings.TrimSpace(t.Description) != "" {
		fmt.Fprintf(&b, "%s\n\n", strings.TrimSpace(t.Description))
	}
	b.WriteString("Produce an execution plan as a JSON graph with a `nodes` object " +
		"(id to node) and an `edges` array. Work nodes need `where`, `whatChanges`, " +
		"`acceptanceCriteria`, `todos`, and `verification`. Include at least one " +
		"`quality_gate` and one `handoff_gate` gate node. Respond with JSON only.\n\n")

	if len(in.CurrentPlanNodes) > 0 {
		ids := make([]string, 0, len(in.CurrentPlanNodes))
		for id := range in.CurrentPlanNodes {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		snapshot := map[string]*graph.Node{}
		for _, id := range ids {
			snapshot[id] = in.CurrentPlanNodes[id]
		}
		if js, err := json.MarshalIndent(snapshot, "", "  "); err == nil {
			fmt.Fprintf(&b, "# Current plan\n\n```json\n%s\n```\n\n", js)
		}
	}
	if len(in.LockedNodeIDs) > 0 {
		locked := append([]string{}, in.LockedNodeIDs...)
		sort.Strings(locked)
		fmt.Fprintf(&b, "# Locked nodes\n\nThese nodes already completed and must be "+
			"reproduced unchanged if kept: %s\n\n", strings.Join(locked, ", "))
	}
	if len(in.RetryReasons) > 0 {
		b.WriteString("# Previous attempt rejected\n\n")
		for _, r := range in.RetryReasons {
			fmt.Fprintf(&b, "- %s\n", r)
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String()) + "\n"
}
