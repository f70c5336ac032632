package graph

// Status sets used by the dependency predicates. Unknown statuses belong to
// none of them.
var (
	successStatuses = map[Status]bool{
		StatusDone:    true,
		StatusPassed:  true,
		StatusSkipped: true,
	}
	failureStatuses = map[Status]bool{
		StatusFailed: true,
	}
	terminalStatuses = map[Status]bool{
		StatusDone:    true,
		StatusPassed:  true,
		StatusFailed:  true,
		StatusSkipped: true,
	}
	// startedStatuses is the soft-edge satisfaction set: the dep has at
	// least begun, whether or not it finished.
	startedStatuses = map[Status]bool{
		StatusRunning:       true,
		StatusAwaitingHuman: true,
		StatusDone:          true,
		StatusPassed:        true,
		StatusFailed:        true,
		StatusBlocked:       true,
		StatusSkipped:       true,
	}
)

func IsSuccess(s Status) bool  { return successStatuses[s] }
func IsTerminal(s Status) bool { return terminalStatuses[s] }

// IsIncomplete reports whether a status still counts against graph doneness.
// Unknown statuses are treated as incomplete.
func IsIncomplete(s Status) bool { return !terminalStatuses[s] }

// depEdge resolves the edge governing the dep relation from depID to nodeID.
// A dep listed without a matching edge behaves as hard/on_success.
func (g *Graph) depEdge(depID, nodeID string) Edge {
	for _, e := range g.Edges {
		if e.From == depID && e.To == nodeID {
			return e
		}
	}
	return Edge{From: depID, To: nodeID, Type: EdgeHard, Condition: CondOnSuccess}
}

// DepSatisfied evaluates one dependency of node under the governing edge's
// type and condition.
func (g *Graph) DepSatisfied(depID, nodeID string) bool {
	dep, ok := g.Nodes[depID]
	if !ok {
		// Dangling deps are stripped by Normalize; tolerate them here.
		return true
	}
	e := g.depEdge(depID, nodeID)
	if e.Type == EdgeSoft {
		return startedStatuses[dep.Status]
	}
	switch e.Condition {
	case CondOnFailure:
		return failureStatuses[dep.Status]
	case CondAlways:
		return terminalStatuses[dep.Status]
	default:
		return successStatuses[dep.Status]
	}
}

// CanRun reports whether every dependency of the node is satisfied.
func (g *Graph) CanRun(nodeID string) bool {
	n, ok := g.Nodes[nodeID]
	if !ok {
		return false
	}
	for _, d := range n.Deps {
		if !g.DepSatisfied(d, nodeID) {
			return false
		}
	}
	return true
}

// IncompleteNodeIDs returns ids still counting against doneness, sorted.
func (g *Graph) IncompleteNodeIDs() []string {
	var out []string
	for _, id := range g.SortedNodeIDs() {
		if IsIncomplete(g.Nodes[id].Status) {
			out = append(out, id)
		}
	}
	return out
}

// Complete evaluates the completion-sink predicate. With no sinks declared
// the graph is done iff nothing failed; otherwise every sink must have
// reached done or passed.
func (g *Graph) Complete() bool {
	sinks := g.DoneCriteria.CompletionSinkNodeIDs
	if len(sinks) == 0 {
		for _, n := range g.Nodes {
			if n.Status == StatusFailed {
				return false
			}
		}
		return true
	}
	for _, id := range sinks {
		n, ok := g.Nodes[id]
		if !ok {
			return false
		}
		if n.Status != StatusDone && n.Status != StatusPassed {
			return false
		}
	}
	return true
}
