package graph

import (
	"fmt"
	"time"
)

const reasonDepsSatisfied = "deps_satisfied"

// TickResult carries the updated graph copy and the transitions made.
type TickResult struct {
	Graph  *Graph
	Events []RuntimeEvent
}

// Tick promotes eligible pending nodes to running. It is pure: the input
// graph is never mutated; the result holds a deep copy. Gates are promoted
// without limit and regardless of the allowed set; work nodes are capped so
// that running work never exceeds policy.maxConcurrent and, when allowed is
// non-empty, only listed ids are considered.
func Tick(in *Graph, allowed map[string]bool, now time.Time) (TickResult, error) {
	g, err := in.Clone()
	if err != nil {
		return TickResult{}, fmt.Errorf("clone graph: %w", err)
	}

	runningWork := 0
	for _, n := range g.Nodes {
		if n.Type == TypeWork && n.Status == StatusRunning {
			runningWork++
		}
	}

	var gates, work []string
	for _, id := range g.SortedNodeIDs() {
		n := g.Nodes[id]
		if n.Status != StatusPending {
			continue
		}
		if !g.CanRun(id) {
			continue
		}
		if n.Type == TypeGate {
			gates = append(gates, id)
			continue
		}
		if len(allowed) > 0 && !allowed[id] {
			continue
		}
		work = append(work, id)
	}

	budget := g.Policy.MaxConcurrent - runningWork
	if budget < 0 {
		budget = 0
	}
	if len(work) > budget {
		work = work[:budget]
	}

	var events []RuntimeEvent
	ts := now.UTC().Format(time.RFC3339Nano)
	promote := func(id string) {
		n := g.Nodes[id]
		from := n.Status
		n.Status = StatusRunning
		if n.StartedAt == "" {
			n.StartedAt = ts
		}
		ev := RuntimeEvent{
			Type:       "node_status",
			NodeID:     id,
			FromStatus: from,
			ToStatus:   StatusRunning,
			Timestamp:  ts,
			Reason:     reasonDepsSatisfied,
		}
		g.RuntimeEvents = append(g.RuntimeEvents, ev)
		events = append(events, ev)
	}
	for _, id := range gates {
		promote(id)
	}
	for _, id := range work {
		promote(id)
	}

	return TickResult{Graph: g, Events: events}, nil
}
