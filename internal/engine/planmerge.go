package engine

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/agxlabs/agx/internal/graph"
)

// AnchorNodeID is the approval gate every planned subtree hangs off.
const AnchorNodeID = "plan-approval"

var planTitleRe = regexp.MustCompile(`(?i)generate.*execution.*plan`)

// IsPlanNode identifies the planner node by id or title.
func IsPlanNode(n *graph.Node) bool {
	if n == nil {
		return false
	}
	return n.ID == "plan" || planTitleRe.MatchString(n.Title)
}

// PreviousDraftNodeIDs collects the nodes owned by an earlier planning pass:
// nodes tagged with the plan's id, plus everything downstream of the anchor.
// The anchor and the plan node itself are never drafts.
func PreviousDraftNodeIDs(g *graph.Graph, planNodeID string) map[string]bool {
	out := map[string]bool{}
	for id, n := range g.Nodes {
		if n.GeneratedByPlanNodeID == planNodeID {
			out[id] = true
		}
	}
	if _, ok := g.Nodes[AnchorNodeID]; ok {
		for id := range descendants(g, AnchorNodeID) {
			out[id] = true
		}
	}
	delete(out, AnchorNodeID)
	delete(out, planNodeID)
	return out
}

// descendants walks forward over edges and dep references.
func descendants(g *graph.Graph, from string) map[string]bool {
	out := map[string]bool{}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range g.Edges {
			if e.From == cur && !out[e.To] {
				out[e.To] = true
				queue = append(queue, e.To)
			}
		}
		for id, n := range g.Nodes {
			if out[id] {
				continue
			}
			for _, d := range n.Deps {
				if d == cur {
					out[id] = true
					queue = append(queue, id)
					break
				}
			}
		}
	}
	delete(out, from)
	return out
}

// LockedNodeIDs picks the draft nodes whose past is settled and must
// survive a re-plan untouched.
func LockedNodeIDs(g *graph.Graph, previousDrafts map[string]bool) map[string]*graph.Node {
	out := map[string]*graph.Node{}
	for id := range previousDrafts {
		n, ok := g.Nodes[id]
		if !ok {
			continue
		}
		if graph.IsSuccess(n.Status) {
			out[id] = n
		}
	}
	return out
}

// PlanApplied reports what a merge inserted.
type PlanApplied struct {
	DraftNodeIDs     []string
	DraftSinkNodeIDs []string
}

func edgeKey(e graph.Edge) string {
	return fmt.Sprintf("%s\x00%s\x00%s\x00%s", e.From, e.To, e.Type, e.Condition)
}

// ApplyPlan replaces the previously planned subtree with the proposal,
// mutating g in place. Locked nodes stay; unlocked previous drafts and
// their edges go; proposed nodes merge in with collision renaming and are
// re-anchored under plan-approval.
func ApplyPlan(g *graph.Graph, planNodeID string, p *graph.Proposal) PlanApplied {
	prev := PreviousDraftNodeIDs(g, planNodeID)
	locked := LockedNodeIDs(g, prev)

	// Unlocked previous drafts are removed wholesale.
	removed := map[string]bool{}
	for id := range prev {
		if _, ok := locked[id]; ok {
			continue
		}
		if _, ok := g.Nodes[id]; ok {
			delete(g.Nodes, id)
			removed[id] = true
		}
	}
	kept := g.Edges[:0]
	for _, e := range g.Edges {
		if removed[e.From] || removed[e.To] {
			continue
		}
		kept = append(kept, e)
	}
	g.Edges = kept
	for _, n := range g.Nodes {
		deps := n.Deps[:0]
		for _, d := range n.Deps {
			if !removed[d] {
				deps = append(deps, d)
			}
		}
		n.Deps = deps
	}

	// The existing graph is authoritative for locked ids.
	srcIDs := make([]string, 0, len(p.Nodes))
	for id := range p.Nodes {
		if _, isLocked := locked[id]; isLocked {
			continue
		}
		srcIDs = append(srcIDs, id)
	}
	sort.Strings(srcIDs)

	idMap := map[string]string{}
	for id := range locked {
		idMap[id] = id
	}

	var inserted []string
	for _, srcID := range srcIDs {
		final := srcID
		if _, taken := g.Nodes[final]; taken {
			final = "draft-" + srcID
			for i := 2; ; i++ {
				if _, taken := g.Nodes[final]; !taken {
					break
				}
				final = fmt.Sprintf("%s-%d", srcID, i)
			}
		}
		src := p.Nodes[srcID]
		n := *src
		// The dep rewrite below must not reach back into the proposal.
		n.Deps = append([]string(nil), src.Deps...)
		n.ID = final
		n.GeneratedByPlanNodeID = planNodeID
		if n.PlanNodeKey == "" {
			n.PlanNodeKey = srcID
		}
		g.Nodes[final] = &n
		idMap[srcID] = final
		inserted = append(inserted, final)
	}

	// Deps inside the proposal follow the id map; references to existing
	// graph nodes pass through; anything else is dropped.
	resolve := func(id string) (string, bool) {
		if mapped, ok := idMap[id]; ok {
			return mapped, true
		}
		if _, ok := g.Nodes[id]; ok {
			return id, true
		}
		return "", false
	}
	for _, id := range inserted {
		n := g.Nodes[id]
		deps := n.Deps[:0]
		for _, d := range n.Deps {
			if mapped, ok := resolve(d); ok && mapped != id {
				deps = append(deps, mapped)
			}
		}
		n.Deps = deps
	}

	seen := map[string]bool{}
	for _, e := range g.Edges {
		seen[edgeKey(e)] = true
	}
	addEdge := func(e graph.Edge) {
		k := edgeKey(e)
		if seen[k] || e.From == e.To {
			return
		}
		seen[k] = true
		g.Edges = append(g.Edges, e)
	}
	for _, e := range p.Edges {
		from, ok1 := resolve(e.From)
		to, ok2 := resolve(e.To)
		if !ok1 || !ok2 {
			continue
		}
		addEdge(graph.Edge{From: from, To: to, Type: e.Type, Condition: e.Condition})
	}

	// Every inserted node hangs off the approval anchor.
	if _, hasAnchor := g.Nodes[AnchorNodeID]; hasAnchor {
		for _, id := range inserted {
			addEdge(graph.Edge{From: AnchorNodeID, To: id, Type: graph.EdgeHard, Condition: graph.CondOnSuccess})
			n := g.Nodes[id]
			hasDep := false
			for _, d := range n.Deps {
				if d == AnchorNodeID {
					hasDep = true
					break
				}
			}
			if !hasDep {
				n.Deps = append(n.Deps, AnchorNodeID)
			}
		}
	}

	// Completion sinks: previous-plan ids and the anchor drop out; the new
	// subtree's sinks (inserted nodes with no edge to another inserted
	// node) merge in.
	insertedSet := map[string]bool{}
	for _, id := range inserted {
		insertedSet[id] = true
	}
	var sinks []string
	for _, id := range inserted {
		isSink := true
		for _, e := range g.Edges {
			if e.From == id && insertedSet[e.To] {
				isSink = false
				break
			}
		}
		if isSink {
			sinks = append(sinks, id)
		}
	}
	var merged []string
	mergedSet := map[string]bool{}
	for _, id := range g.DoneCriteria.CompletionSinkNodeIDs {
		if id == AnchorNodeID || prev[id] || removed[id] || mergedSet[id] {
			continue
		}
		if _, ok := g.Nodes[id]; !ok {
			continue
		}
		mergedSet[id] = true
		merged = append(merged, id)
	}
	for _, id := range sinks {
		if !mergedSet[id] {
			mergedSet[id] = true
			merged = append(merged, id)
		}
	}
	g.DoneCriteria.CompletionSinkNodeIDs = merged

	return PlanApplied{DraftNodeIDs: inserted, DraftSinkNodeIDs: sinks}
}
