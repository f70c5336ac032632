package graph

import "strings"

// Normalize canonicalizes a freshly loaded graph in place. Safe to call
// repeatedly; a normalized graph normalizes to itself.
func Normalize(g *Graph) {
	if g == nil {
		return
	}
	if g.GraphVersion < 1 {
		g.GraphVersion = 1
	}
	if strings.TrimSpace(g.Mode) == "" {
		g.Mode = "PROJECT"
	}
	if g.Policy.MaxConcurrent < 1 {
		g.Policy.MaxConcurrent = DefaultMaxConcurrent
	}
	if g.Nodes == nil {
		g.Nodes = map[string]*Node{}
	}

	for id, n := range g.Nodes {
		if n == nil {
			n = &Node{}
			g.Nodes[id] = n
		}
		n.ID = id
		normalizeNode(n)
	}

	// Edges with either endpoint missing from the node set are dropped.
	kept := g.Edges[:0]
	for _, e := range g.Edges {
		e.Type = EdgeType(lower(string(e.Type)))
		e.Condition = EdgeCondition(lower(string(e.Condition)))
		if e.Type == "" {
			e.Type = EdgeHard
		}
		if e.Condition == "" {
			e.Condition = CondOnSuccess
		}
		if _, ok := g.Nodes[e.From]; !ok {
			continue
		}
		if _, ok := g.Nodes[e.To]; !ok {
			continue
		}
		if e.From == e.To {
			continue
		}
		kept = append(kept, e)
	}
	if g.Edges == nil {
		g.Edges = []Edge{}
	} else {
		g.Edges = kept
	}

	// Deps referencing unknown nodes or the node itself are stripped,
	// duplicates removed, first occurrence wins.
	for id, n := range g.Nodes {
		seen := map[string]bool{}
		deps := n.Deps[:0]
		for _, d := range n.Deps {
			d = strings.TrimSpace(d)
			if d == "" || d == id || seen[d] {
				continue
			}
			if _, ok := g.Nodes[d]; !ok {
				continue
			}
			seen[d] = true
			deps = append(deps, d)
		}
		n.Deps = deps
	}

	// Completion sinks must exist.
	sinks := g.DoneCriteria.CompletionSinkNodeIDs[:0]
	for _, id := range g.DoneCriteria.CompletionSinkNodeIDs {
		if _, ok := g.Nodes[id]; ok {
			sinks = append(sinks, id)
		}
	}
	g.DoneCriteria.CompletionSinkNodeIDs = sinks
}

// NormalizeNode canonicalizes a single node, used for nodes arriving inside
// planner proposals before they join a graph.
func NormalizeNode(n *Node) { normalizeNode(n) }

func normalizeNode(n *Node) {
	n.Type = NodeType(lower(string(n.Type)))
	n.Status = Status(lower(string(n.Status)))
	n.GateType = lower(n.GateType)
	if n.Type == "spike" {
		n.Type = TypeWork
		if n.WorkType == "" {
			n.WorkType = "spike"
		}
	}
	if n.Status == "" {
		n.Status = StatusPending
	}
	if n.VerificationStrategy != nil {
		n.VerificationStrategy.Type = lower(n.VerificationStrategy.Type)
	}
}

func lower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
