package engine

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/agxlabs/agx/internal/graph"
)

// maxValidationReasons bounds how many reasons are fed back into a planner
// retry prompt.
const maxValidationReasons = 12

var (
	uiTaskRe    = regexp.MustCompile(`(?i)\b(ui|ux|frontend|front-end|design|screen|page|component)\b`)
	archTaskRe  = regexp.MustCompile(`(?i)\b(architecture|architect|system design|full[- ]stack)\b`)
	uiSurfaceRe = regexp.MustCompile(`(?i)\b(ui|screen|page|component|view)\b`)
	uxStatesRe  = regexp.MustCompile(`(?i)\b(loading|empty|error|disabled|skeleton)\b`)
)

// ValidateProposal checks a parsed proposal against the planning contract
// and returns human-readable reasons on failure. An empty slice means the
// proposal is acceptable.
func ValidateProposal(taskText string, p *graph.Proposal, locked map[string]*graph.Node, anchorID string) []string {
	var reasons []string
	add := func(format string, args ...any) {
		if len(reasons) < maxValidationReasons {
			reasons = append(reasons, fmt.Sprintf(format, args...))
		}
	}

	if p == nil || len(p.Nodes) == 0 {
		return []string{"proposal contains no nodes"}
	}

	ids := make([]string, 0, len(p.Nodes))
	for id := range p.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	workCount := 0
	qualityGates := 0
	handoffGates := 0
	for _, id := range ids {
		n := p.Nodes[id]
		switch n.Type {
		case graph.TypeWork:
			workCount++
			for _, f := range []struct {
				name   string
				values []string
			}{
				{"where", n.Where},
				{"whatChanges", n.WhatChanges},
				{"acceptanceCriteria", n.AcceptanceCriteria},
				{"todos", n.Todos},
				{"checks", n.Verification},
			} {
				if len(nonEmpty(f.values)) == 0 {
					add("work node %q is missing %s", id, f.name)
				}
			}
		case graph.TypeGate:
			switch n.GateType {
			case "quality_gate":
				qualityGates++
			case "handoff_gate":
				handoffGates++
			}
		}
	}
	if qualityGates == 0 {
		add("plan must include at least one quality_gate")
	}
	if handoffGates == 0 {
		add("plan must include at least one handoff_gate")
	}

	if uiTaskRe.MatchString(taskText) {
		if !proposalMatches(p, uiSurfaceRe) {
			add("task involves UI work but no node addresses the UI surface")
		}
		if !proposalMatches(p, uxStatesRe) {
			add("task involves UX but no node covers UX states (loading, empty, error)")
		}
	}
	if archTaskRe.MatchString(taskText) {
		if workCount < 5 {
			add("architecture task requires at least 5 work nodes, got %d", workCount)
		}
		for _, touchpoint := range []string{"backend", "frontend", "data"} {
			if !proposalMatches(p, regexp.MustCompile(`(?i)\b`+touchpoint+`\b`)) {
				add("architecture task must cover the %s touchpoint", touchpoint)
			}
		}
	}

	for _, id := range ids {
		ln, isLocked := locked[id]
		if !isLocked {
			continue
		}
		if CanonicalNodeDigest(p.Nodes[id], anchorID) != CanonicalNodeDigest(ln, anchorID) {
			add("node %q is locked (already %s) and cannot be restructured", id, ln.Status)
		}
	}

	return reasons
}

func nonEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}

func proposalMatches(p *graph.Proposal, re *regexp.Regexp) bool {
	for _, n := range p.Nodes {
		text := strings.Join([]string{
			n.Title,
			n.Description,
			strings.Join(n.Where, " "),
			strings.Join(n.WhatChanges, " "),
			strings.Join(n.AcceptanceCriteria, " "),
			strings.Join(n.Todos, " "),
			strings.Join(n.Verification, " "),
		}, " ")
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
