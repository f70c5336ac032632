package engine

import (
	"strings"
	"testing"

	"github.com/agxlabs/agx/internal/graph"
)

const planJSON = `{
  "nodes": {
    "build": {
      "type": "work",
      "where": ["src/"],
      "whatChanges": ["add feature"],
      "acceptanceCriteria": ["it works"],
      "todos": ["write code"],
      "verification": ["go test"]
    },
    "probe": {"type": "SPIKE", "title": "investigate"},
    "quality": {"type": "gate", "gateType": "quality_gate"},
    "handoff": {"type": "gate", "gateType": "handoff_gate"}
  },
  "edges": [
    {"from": "build", "to": "quality", "type": "HARD", "condition": "ON_SUCCESS"}
  ]
}`

func TestParsePlanOutput_PlainJSON(t *testing.T) {
	p, err := ParsePlanOutput(planJSON)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Nodes) != 4 {
		t.Fatalf("got %d nodes want 4", len(p.Nodes))
	}
	if p.Edges[0].Type != graph.EdgeHard || p.Edges[0].Condition != graph.CondOnSuccess {
		t.Fatalf("edge not normalized: %+v", p.Edges[0])
	}
}

func TestParsePlanOutput_FencedWithProse(t *testing.T) {
	raw := "Here is the plan you asked for.\n\n```json\n" + planJSON + "\n```\nLet me know."
	p, err := ParsePlanOutput(raw)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.Nodes["build"]; !ok {
		t.Fatal("build node missing after fence strip")
	}
}

func TestParsePlanOutput_SpikeFoldsIntoWork(t *testing.T) {
	p, err := ParsePlanOutput(planJSON)
	if err != nil {
		t.Fatal(err)
	}
	probe := p.Nodes["probe"]
	if probe.Type != graph.TypeWork || probe.WorkType != "spike" {
		t.Fatalf("got %q/%q want work/spike", probe.Type, probe.WorkType)
	}
}

func TestParsePlanOutput_Defaults(t *testing.T) {
	p, err := ParsePlanOutput(planJSON)
	if err != nil {
		t.Fatal(err)
	}
	build := p.Nodes["build"]
	if build.MaxAttempts != 2 {
		t.Fatalf("got maxAttempts %d want 2", build.MaxAttempts)
	}
	if build.RetryPolicy == nil || build.RetryPolicy.BackoffMs != 5000 || build.RetryPolicy.OnExhaust != "escalate" {
		t.Fatalf("retry policy defaults missing: %+v", build.RetryPolicy)
	}
	handoff := p.Nodes["handoff"]
	if handoff.VerificationStrategy == nil || handoff.VerificationStrategy.Type != "human" {
		t.Fatalf("handoff gate should default to human strategy: %+v", handoff.VerificationStrategy)
	}
	quality := p.Nodes["quality"]
	if quality.VerificationStrategy == nil || quality.VerificationStrategy.Type != "auto" {
		t.Fatalf("quality gate should default to auto strategy: %+v", quality.VerificationStrategy)
	}
	if build.Status != graph.StatusPending {
		t.Fatalf("proposed nodes default pending, got %q", build.Status)
	}
}

func TestParsePlanOutput_Rejections(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"prose only", "I could not produce a plan."},
		{"not json", "```\nthis is not json\n```"},
		{"no nodes key", `{"edges": []}`},
		{"empty nodes", `{"nodes": {}}`},
		{"edges missing endpoints", `{"nodes": {"a": {"type": "work"}}, "edges": [{"from": "a"}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParsePlanOutput(tc.raw); err == nil {
				t.Fatal("want parse error")
			}
		})
	}
}

func TestValidateProposal_WorkFieldChecks(t *testing.T) {
	p, err := ParsePlanOutput(`{
	  "nodes": {
	    "w": {"type": "work", "where": ["x"], "whatChanges": ["y"]},
	    "q": {"type": "gate", "gateType": "quality_gate"},
	    "h": {"type": "gate", "gateType": "handoff_gate"}
	  }
	}`)
	if err != nil {
		t.Fatal(err)
	}
	reasons := ValidateProposal("simple task", p, nil, AnchorNodeID)
	if len(reasons) == 0 {
		t.Fatal("want missing-field reasons")
	}
	joined := strings.Join(reasons, "\n")
	for _, want := range []string{"acceptanceCriteria", "todos", "checks"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("reasons missing %q: %v", want, reasons)
		}
	}
}

func TestValidateProposal_RequiresGates(t *testing.T) {
	p, err := ParsePlanOutput(`{"nodes": {"w": {
	  "type": "work", "where": ["x"], "whatChanges": ["y"],
	  "acceptanceCriteria": ["z"], "todos": ["t"], "verification": ["v"]
	}}}`)
	if err != nil {
		t.Fatal(err)
	}
	reasons := ValidateProposal("simple task", p, nil, AnchorNodeID)
	joined := strings.Join(reasons, "\n")
	if !strings.Contains(joined, "quality_gate") || !strings.Contains(joined, "handoff_gate") {
		t.Fatalf("gate requirements not enforced: %v", reasons)
	}
}

func TestValidateProposal_AcceptsCompletePlan(t *testing.T) {
	p, err := ParsePlanOutput(planJSON)
	if err != nil {
		t.Fatal(err)
	}
	// probe is a spike work node without planning fields; fill them so the
	// plan passes.
	probe := p.Nodes["probe"]
	probe.Where = []string{"docs/"}
	probe.WhatChanges = []string{"notes"}
	probe.AcceptanceCriteria = []string{"question answered"}
	probe.Todos = []string{"read"}
	probe.Verification = []string{"review"}

	if reasons := ValidateProposal("simple task", p, nil, AnchorNodeID); len(reasons) != 0 {
		t.Fatalf("want no reasons, got %v", reasons)
	}
}

func TestValidateProposal_LockedCollision(t *testing.T) {
	locked := map[string]*graph.Node{
		"build": {
			ID: "build", Type: graph.TypeWork, Status: graph.StatusDone,
			Where: []string{"src/"}, WhatChanges: []string{"add feature"},
			AcceptanceCriteria: []string{"it works"}, Todos: []string{"write code"},
			Verification: []string{"go test"},
			MaxAttempts:  2,
			RetryPolicy:  &graph.RetryPolicy{BackoffMs: 5000, OnExhaust: "escalate"},
		},
	}
	p, err := ParsePlanOutput(planJSON)
	if err != nil {
		t.Fatal(err)
	}

	// Identical structure passes even though execution state differs.
	if reasons := ValidateProposal("task", p, locked, AnchorNodeID); len(reasons) != 0 {
		t.Fatalf("structurally identical locked node rejected: %v", reasons)
	}

	p.Nodes["build"].WhatChanges = []string{"something else"}
	reasons := ValidateProposal("task", p, locked, AnchorNodeID)
	if len(reasons) == 0 || !strings.Contains(reasons[0], "locked") {
		t.Fatalf("restructured locked node must be rejected: %v", reasons)
	}
}

func TestValidateProposal_ArchitectureHeuristic(t *testing.T) {
	p, err := ParsePlanOutput(planJSON)
	if err != nil {
		t.Fatal(err)
	}
	reasons := ValidateProposal("redesign the system architecture", p, nil, AnchorNodeID)
	joined := strings.Join(reasons, "\n")
	if !strings.Contains(joined, "5 work nodes") {
		t.Fatalf("architecture size requirement not enforced: %v", reasons)
	}
}

func TestCanonicalNodeDigest_IgnoresExecutionState(t *testing.T) {
	a := &graph.Node{ID: "n", Type: graph.TypeWork, Title: "t", Deps: []string{"x", AnchorNodeID}}
	b := &graph.Node{
		ID: "n", Type: graph.TypeWork, Title: "t", Deps: []string{"x"},
		Status: graph.StatusDone, Attempts: 3, StartedAt: "2026-01-01T00:00:00Z",
	}
	if CanonicalNodeDigest(a, AnchorNodeID) != CanonicalNodeDigest(b, AnchorNodeID) {
		t.Fatal("digest must ignore anchor dep and execution state")
	}
	b.Title = "different"
	if CanonicalNodeDigest(a, AnchorNodeID) == CanonicalNodeDigest(b, AnchorNodeID) {
		t.Fatal("digest must reflect structural changes")
	}
}
