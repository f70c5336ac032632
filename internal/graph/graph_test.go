package graph

import (
	"strings"
	"testing"
	"time"
)

func testGraph(nodes map[string]*Node, edges []Edge) *Graph {
	g := &Graph{
		ID:    "g1",
		Nodes: nodes,
		Edges: edges,
	}
	Normalize(g)
	return g
}

func wn(status Status, deps ...string) *Node {
	return &Node{Type: TypeWork, Status: status, Deps: deps}
}

func gn(status Status, deps ...string) *Node {
	return &Node{Type: TypeGate, Status: status, Deps: deps}
}

func TestNormalize_CanonicalizesAndPrunes(t *testing.T) {
	g := &Graph{
		ID: "g1",
		Nodes: map[string]*Node{
			"a": {Type: "Work ", Status: " PENDING", Deps: []string{"a", "b", "b", "ghost", " "}},
			"b": {Type: "SPIKE", Status: ""},
		},
		Edges: []Edge{
			{From: "b", To: "a", Type: "HARD", Condition: " On_Success"},
			{From: "ghost", To: "a"},
			{From: "a", To: "a"},
		},
		DoneCriteria: DoneCriteria{CompletionSinkNodeIDs: []string{"a", "ghost"}},
	}
	Normalize(g)

	a := g.Nodes["a"]
	if a.Type != TypeWork || a.Status != StatusPending {
		t.Fatalf("node a not canonicalized: %q %q", a.Type, a.Status)
	}
	if len(a.Deps) != 1 || a.Deps[0] != "b" {
		t.Fatalf("deps not cleaned: %v", a.Deps)
	}
	b := g.Nodes["b"]
	if b.Type != TypeWork || b.WorkType != "spike" {
		t.Fatalf("spike not folded into work: %q %q", b.Type, b.WorkType)
	}
	if b.Status != StatusPending {
		t.Fatalf("missing status should default pending, got %q", b.Status)
	}
	if len(g.Edges) != 1 || g.Edges[0].From != "b" {
		t.Fatalf("dangling and self edges should drop: %v", g.Edges)
	}
	if g.Edges[0].Type != EdgeHard || g.Edges[0].Condition != CondOnSuccess {
		t.Fatalf("edge not canonicalized: %+v", g.Edges[0])
	}
	if len(g.DoneCriteria.CompletionSinkNodeIDs) != 1 || g.DoneCriteria.CompletionSinkNodeIDs[0] != "a" {
		t.Fatalf("stale sink should drop: %v", g.DoneCriteria.CompletionSinkNodeIDs)
	}
	if g.GraphVersion != 1 {
		t.Fatalf("graphVersion should snap to 1, got %d", g.GraphVersion)
	}
	if g.Policy.MaxConcurrent != DefaultMaxConcurrent {
		t.Fatalf("policy default not applied: %d", g.Policy.MaxConcurrent)
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	g := testGraph(map[string]*Node{"a": wn(StatusPending)}, nil)
	before := StatusFingerprint(g)
	Normalize(g)
	if got := StatusFingerprint(g); got != before {
		t.Fatalf("got %q want %q", got, before)
	}
}

func TestDepSatisfied_Conditions(t *testing.T) {
	cases := []struct {
		name      string
		depStatus Status
		edgeType  EdgeType
		cond      EdgeCondition
		want      bool
	}{
		{"on_success done", StatusDone, EdgeHard, CondOnSuccess, true},
		{"on_success passed", StatusPassed, EdgeHard, CondOnSuccess, true},
		{"on_success skipped", StatusSkipped, EdgeHard, CondOnSuccess, true},
		{"on_success failed", StatusFailed, EdgeHard, CondOnSuccess, false},
		{"on_success running", StatusRunning, EdgeHard, CondOnSuccess, false},
		{"on_failure done", StatusDone, EdgeHard, CondOnFailure, false},
		{"on_failure failed", StatusFailed, EdgeHard, CondOnFailure, true},
		{"always failed", StatusFailed, EdgeHard, CondAlways, true},
		{"always done", StatusDone, EdgeHard, CondAlways, true},
		{"always running", StatusRunning, EdgeHard, CondAlways, false},
		{"soft running", StatusRunning, EdgeSoft, CondOnSuccess, true},
		{"soft pending", StatusPending, EdgeSoft, CondOnSuccess, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := testGraph(map[string]*Node{
				"dep": wn(tc.depStatus),
				"n":   wn(StatusPending, "dep"),
			}, []Edge{{From: "dep", To: "n", Type: tc.edgeType, Condition: tc.cond}})
			if got := g.DepSatisfied("dep", "n"); got != tc.want {
				t.Fatalf("got %v want %v", got, tc.want)
			}
		})
	}
}

func TestDepSatisfied_NoEdgeDefaultsHardOnSuccess(t *testing.T) {
	g := testGraph(map[string]*Node{
		"dep": wn(StatusRunning),
		"n":   wn(StatusPending, "dep"),
	}, nil)
	if g.CanRun("n") {
		t.Fatal("running dep should not satisfy implicit hard edge")
	}
	g.Nodes["dep"].Status = StatusDone
	if !g.CanRun("n") {
		t.Fatal("done dep should satisfy implicit hard edge")
	}
}

func TestTick_NeverPromotesUnsatisfiedHardDeps(t *testing.T) {
	g := testGraph(map[string]*Node{
		"a": wn(StatusPending),
		"b": wn(StatusPending, "a"),
	}, []Edge{{From: "a", To: "b"}})
	res, err := Tick(g, nil, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Graph.Nodes["b"].Status; got != StatusPending {
		t.Fatalf("b promoted with unsatisfied dep: %q", got)
	}
	if got := res.Graph.Nodes["a"].Status; got != StatusRunning {
		t.Fatalf("a should run: %q", got)
	}
}

func TestTick_MaxConcurrentOneAdmitsOneWorkNode(t *testing.T) {
	g := testGraph(map[string]*Node{
		"a": wn(StatusPending),
		"b": wn(StatusPending),
	}, nil)
	g.Policy.MaxConcurrent = 1
	res, err := Tick(g, nil, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	running := 0
	for _, n := range res.Graph.Nodes {
		if n.Status == StatusRunning {
			running++
		}
	}
	if running != 1 {
		t.Fatalf("got %d running want 1", running)
	}
	if len(res.Events) != 1 {
		t.Fatalf("got %d events want 1", len(res.Events))
	}
}

func TestTick_RunningWorkCountsAgainstBudget(t *testing.T) {
	g := testGraph(map[string]*Node{
		"a": wn(StatusRunning),
		"b": wn(StatusPending),
	}, nil)
	g.Policy.MaxConcurrent = 1
	res, err := Tick(g, nil, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Graph.Nodes["b"].Status; got != StatusPending {
		t.Fatalf("b should wait for budget: %q", got)
	}
}

func TestTick_GatesUnbounded(t *testing.T) {
	g := testGraph(map[string]*Node{
		"g1": gn(StatusPending),
		"g2": gn(StatusPending),
		"g3": gn(StatusPending),
		"w1": wn(StatusPending),
	}, nil)
	g.Policy.MaxConcurrent = 1
	res, err := Tick(g, nil, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"g1", "g2", "g3"} {
		if got := res.Graph.Nodes[id].Status; got != StatusRunning {
			t.Fatalf("gate %s not promoted: %q", id, got)
		}
	}
	if got := res.Graph.Nodes["w1"].Status; got != StatusRunning {
		t.Fatalf("one work node fits the budget: %q", got)
	}
}

func TestTick_AllowedSetRestrictsPromotion(t *testing.T) {
	g := testGraph(map[string]*Node{
		"x":  wn(StatusPending),
		"y":  wn(StatusPending),
		"g1": gn(StatusPending),
	}, nil)
	res, err := Tick(g, map[string]bool{"x": true}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Graph.Nodes["x"].Status; got != StatusRunning {
		t.Fatalf("x should run: %q", got)
	}
	if got := res.Graph.Nodes["y"].Status; got != StatusPending {
		t.Fatalf("y outside allowed set should stay pending: %q", got)
	}
	if got := res.Graph.Nodes["g1"].Status; got != StatusRunning {
		t.Fatalf("runnable gates ignore the allowed set: %q", got)
	}
}

func TestTick_PureOverDeepCopy(t *testing.T) {
	g := testGraph(map[string]*Node{"a": wn(StatusPending)}, nil)
	if _, err := Tick(g, nil, time.Now()); err != nil {
		t.Fatal(err)
	}
	if got := g.Nodes["a"].Status; got != StatusPending {
		t.Fatalf("input graph mutated: %q", got)
	}
	if len(g.RuntimeEvents) != 0 {
		t.Fatalf("input runtime events mutated: %d", len(g.RuntimeEvents))
	}
}

func TestTick_StampsStartedAtOnlyOnce(t *testing.T) {
	g := testGraph(map[string]*Node{"a": wn(StatusPending)}, nil)
	g.Nodes["a"].StartedAt = "2026-01-01T00:00:00Z"
	res, err := Tick(g, nil, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Graph.Nodes["a"].StartedAt; got != "2026-01-01T00:00:00Z" {
		t.Fatalf("startedAt overwritten: %q", got)
	}
	ev := res.Events[0]
	if ev.Type != "node_status" || ev.Reason != "deps_satisfied" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.FromStatus != StatusPending || ev.ToStatus != StatusRunning {
		t.Fatalf("unexpected transition: %+v", ev)
	}
}

func TestStatusFingerprint_StableAndStatusOnly(t *testing.T) {
	g1 := testGraph(map[string]*Node{
		"b": wn(StatusDone),
		"a": wn(StatusPending),
	}, nil)
	g2 := testGraph(map[string]*Node{
		"a": {Type: TypeWork, Status: StatusPending, Title: "different title"},
		"b": {Type: TypeWork, Status: StatusDone, Attempts: 3},
	}, nil)
	f1, f2 := StatusFingerprint(g1), StatusFingerprint(g2)
	if f1 != f2 {
		t.Fatalf("got %q want %q", f1, f2)
	}
	if want := "a:pending|b:done"; f1 != want {
		t.Fatalf("got %q want %q", f1, want)
	}
	g2.Nodes["a"].Status = StatusDone
	if StatusFingerprint(g2) == f1 {
		t.Fatal("fingerprint must change with status")
	}
	if StatusDigest(g1) == StatusDigest(g2) {
		t.Fatal("digest must change with status")
	}
}

func TestComplete_SinkPredicate(t *testing.T) {
	g := testGraph(map[string]*Node{
		"w": wn(StatusDone),
		"s": gn(StatusPending, "w"),
	}, nil)
	g.DoneCriteria.CompletionSinkNodeIDs = []string{"s"}
	if g.Complete() {
		t.Fatal("pending sink must block completion")
	}
	g.Nodes["s"].Status = StatusPassed
	if !g.Complete() {
		t.Fatal("passed sink completes the graph")
	}
}

func TestComplete_EmptySinksMeansNoFailures(t *testing.T) {
	g := testGraph(map[string]*Node{
		"a": wn(StatusDone),
		"b": wn(StatusPending),
	}, nil)
	if !g.Complete() {
		t.Fatal("no sinks and no failures should be done")
	}
	g.Nodes["b"].Status = StatusFailed
	if g.Complete() {
		t.Fatal("a failed node blocks doneness without sinks")
	}
}

func TestAssertShape(t *testing.T) {
	if err := AssertShape(&Graph{ID: "g", Nodes: map[string]*Node{}, Edges: []Edge{}}); err != nil {
		t.Fatalf("valid shape rejected: %v", err)
	}
	err := AssertShape(&Graph{Nodes: map[string]*Node{}, Edges: []Edge{}})
	if err == nil || !strings.Contains(err.Error(), "[v2-required]") {
		t.Fatalf("missing id should fail with tagged error, got %v", err)
	}
	if err := AssertShape(&Graph{ID: "g", Edges: []Edge{}}); err == nil {
		t.Fatal("nil nodes should fail")
	}
}

func TestIncompleteNodeIDs(t *testing.T) {
	g := testGraph(map[string]*Node{
		"a": wn(StatusDone),
		"b": wn(StatusRunning),
		"c": wn(StatusBlocked),
		"d": wn(StatusFailed),
		"e": {Type: TypeWork, Status: "weird"},
	}, nil)
	got := g.IncompleteNodeIDs()
	want := []string{"b", "c", "e"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}
