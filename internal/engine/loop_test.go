package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agxlabs/agx/internal/events"
	"github.com/agxlabs/agx/internal/fsatomic"
	"github.com/agxlabs/agx/internal/graph"
	"github.com/agxlabs/agx/internal/layout"
	"github.com/agxlabs/agx/internal/runstore"
)

type loopHarness struct {
	layout layout.Layout
	store  *runstore.Store
	runner *fakeRunner
	gates  *fakeGates
}

func newLoopHarness(t *testing.T) *loopHarness {
	t.Helper()
	l := layout.Layout{Root: t.TempDir()}
	return &loopHarness{
		layout: l,
		store:  runstore.New(l),
		runner: &fakeRunner{},
		gates:  &fakeGates{},
	}
}

func (h *loopHarness) input(task *Task) LoopInput {
	return LoopInput{
		Sleep:    func(time.Duration) {},
		TaskID:   task.ID,
		Task:     task,
		Provider: "claude",
		Model:    "opus",
		Project:  "proj",
		TaskSlug: "task",
		Stage:    layout.StageExecute,
		Layout:   h.layout,
		Store:    h.store,
		Runner:   h.runner,
		Gates:    h.gates,
	}
}

func (h *loopHarness) lastRunEvents(t *testing.T) []events.Event {
	t.Helper()
	runs, err := h.store.ListRuns("proj", "task")
	if err != nil || len(runs) == 0 {
		t.Fatalf("no runs: %v", err)
	}
	evs, warnings, err := events.Read(runs[0].EventsPath())
	if err != nil || len(warnings) != 0 {
		t.Fatalf("read events: %v %v", err, warnings)
	}
	return evs
}

func singleWorkTask() *Task {
	g := &graph.Graph{
		ID: "g1",
		Nodes: map[string]*graph.Node{
			"n1": {Type: graph.TypeWork, Status: graph.StatusPending},
		},
		Edges:        []graph.Edge{},
		Policy:       graph.Policy{MaxConcurrent: 1},
		DoneCriteria: graph.DoneCriteria{CompletionSinkNodeIDs: []string{"n1"}},
	}
	return &Task{ID: "t1", Title: "single step", Graph: g}
}

func TestRunLoop_SingleWorkNodeCompletes(t *testing.T) {
	h := newLoopHarness(t)
	res, err := RunLoop(context.Background(), h.input(singleWorkTask()))
	if err != nil {
		t.Fatal(err)
	}
	if res.Code != 0 || res.Decision.Decision != runstore.DecisionDone || !res.Decision.Done {
		t.Fatalf("got code=%d decision=%+v", res.Code, res.Decision)
	}
	if len(h.runner.workCalls) != 1 {
		t.Fatalf("got %d dispatches want 1", len(h.runner.workCalls))
	}

	var persisted graph.Graph
	found, err := fsatomic.ReadJSON(h.layout.GraphFile("proj", "task"), &persisted)
	if err != nil || !found {
		t.Fatalf("graph.json missing: %v", err)
	}
	if persisted.Status != "done" || persisted.Nodes["n1"].Status != graph.StatusDone {
		t.Fatalf("persisted graph wrong: status=%q n1=%q", persisted.Status, persisted.Nodes["n1"].Status)
	}

	// The decision is written after RUN_FINISHED.
	evs := h.lastRunEvents(t)
	if got := evs[len(evs)-1]["t"]; got != events.TagRunFinished {
		t.Fatalf("last event %v want %s", got, events.TagRunFinished)
	}
	if res.LastRun.Overall.Decision != runstore.DecisionDone {
		t.Fatalf("last_run not updated: %+v", res.LastRun)
	}
	if res.RunIndexEntry.Status != runstore.DecisionDone {
		t.Fatalf("index entry wrong: %+v", res.RunIndexEntry)
	}
}

func TestRunLoop_RecordsPromptAndOutput(t *testing.T) {
	h := newLoopHarness(t)
	res, err := RunLoop(context.Background(), h.input(singleWorkTask()))
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision.Decision != runstore.DecisionDone {
		t.Fatalf("got %+v", res.Decision)
	}

	runs, err := h.store.ListRuns("proj", "task")
	if err != nil || len(runs) != 1 {
		t.Fatalf("runs: %v %d", err, len(runs))
	}
	run := runs[0]

	prompt, err := os.ReadFile(filepath.Join(run.Dir(), "prompt.md"))
	if err != nil {
		t.Fatalf("prompt.md missing: %v", err)
	}
	if !strings.Contains(string(prompt), "single step") {
		t.Fatalf("prompt does not carry the task: %q", prompt)
	}
	output, err := os.ReadFile(filepath.Join(run.Dir(), "output.md"))
	if err != nil {
		t.Fatalf("output.md missing: %v", err)
	}
	if got := string(output); got != "did the work" {
		t.Fatalf("got %q want %q", got, "did the work")
	}
	sizes := run.Meta().Sizes
	if sizes.PromptBytes != len(prompt) || sizes.OutputBytes != len(output) {
		t.Fatalf("sizes not recorded: %+v", sizes)
	}

	tags := map[string]int{}
	for _, ev := range h.lastRunEvents(t) {
		if tag, ok := ev["t"].(string); ok {
			tags[tag]++
		}
	}
	for _, want := range []string{events.TagPromptBuilt, events.TagEngineCallStarted, events.TagEngineCallCompleted} {
		if tags[want] == 0 {
			t.Errorf("no %s event on the run log", want)
		}
	}
}

func humanGateTask(gateType string, attrs map[string]any, content string) *Task {
	g := &graph.Graph{
		ID: "g1",
		Nodes: map[string]*graph.Node{
			"gate1": {
				Type:                 graph.TypeGate,
				Status:               graph.StatusPending,
				GateType:             gateType,
				VerificationStrategy: &graph.VerificationStrategy{Type: "human"},
			},
		},
		Edges:        []graph.Edge{},
		DoneCriteria: graph.DoneCriteria{CompletionSinkNodeIDs: []string{"gate1"}},
	}
	return &Task{ID: "t1", Title: "gated", Graph: g, Attrs: attrs, Content: content}
}

func TestRunLoop_HumanGateBlocks(t *testing.T) {
	h := newLoopHarness(t)
	res, err := RunLoop(context.Background(), h.input(humanGateTask("progress", nil, "")))
	if err != nil {
		t.Fatal(err)
	}
	if res.Code != 1 || res.Decision.Decision != runstore.DecisionBlocked {
		t.Fatalf("got code=%d decision=%+v", res.Code, res.Decision)
	}
	if !strings.Contains(res.Decision.Explanation, "requires human verification") {
		t.Fatalf("explanation: %q", res.Decision.Explanation)
	}
	if len(h.runner.workCalls) != 0 {
		t.Fatalf("no work should dispatch, got %d", len(h.runner.workCalls))
	}
}

func TestRunLoop_AutoApprovalBypassesHumanGate(t *testing.T) {
	h := newLoopHarness(t)
	task := humanGateTask("approval_gate", map[string]any{"approval_mode": "auto"}, "")
	res, err := RunLoop(context.Background(), h.input(task))
	if err != nil {
		t.Fatal(err)
	}
	if res.Code != 0 || res.Decision.Decision != runstore.DecisionDone {
		t.Fatalf("got code=%d decision=%+v", res.Code, res.Decision)
	}

	var persisted graph.Graph
	if _, err := fsatomic.ReadJSON(h.layout.GraphFile("proj", "task"), &persisted); err != nil {
		t.Fatal(err)
	}
	gate := persisted.Nodes["gate1"]
	if gate.Status != graph.StatusPassed {
		t.Fatalf("got %q want passed", gate.Status)
	}
	if gate.VerificationResult == nil || gate.VerificationResult.VerifiedBy != "auto_approval" {
		t.Fatalf("got %+v", gate.VerificationResult)
	}
}

func TestRunLoop_FrontmatterApprovalMode(t *testing.T) {
	h := newLoopHarness(t)
	task := humanGateTask("approval_gate", nil, "---\napproval_mode: auto\n---\nShip it.")
	res, err := RunLoop(context.Background(), h.input(task))
	if err != nil {
		t.Fatal(err)
	}
	if res.Code != 0 || res.Decision.Decision != runstore.DecisionDone {
		t.Fatalf("got code=%d decision=%+v", res.Code, res.Decision)
	}
}

func TestRunLoop_MixedCaseNormalization(t *testing.T) {
	h := newLoopHarness(t)
	g := &graph.Graph{
		ID: "g1",
		Nodes: map[string]*graph.Node{
			"prep": {Type: "GATE", Status: "PASSED"},
			"work": {Type: "Work", Status: "PENDING", Deps: []string{"prep"}},
		},
		Edges:        []graph.Edge{{From: "prep", To: "work", Type: "HARD", Condition: "ON_SUCCESS"}},
		DoneCriteria: graph.DoneCriteria{CompletionSinkNodeIDs: []string{"work"}},
	}
	res, err := RunLoop(context.Background(), h.input(&Task{ID: "t1", Title: "mixed", Graph: g}))
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision.Decision != runstore.DecisionDone {
		t.Fatalf("got %+v", res.Decision)
	}

	var persisted graph.Graph
	if _, err := fsatomic.ReadJSON(h.layout.GraphFile("proj", "task"), &persisted); err != nil {
		t.Fatal(err)
	}
	if persisted.Nodes["prep"].Type != graph.TypeGate || persisted.Nodes["prep"].Status != graph.StatusPassed {
		t.Fatalf("prep not normalized: %+v", persisted.Nodes["prep"])
	}
	if persisted.Nodes["work"].Status != graph.StatusDone {
		t.Fatalf("work: got %q want done", persisted.Nodes["work"].Status)
	}
	if persisted.Edges[0].Condition != graph.CondOnSuccess {
		t.Fatalf("edge not normalized: %+v", persisted.Edges[0])
	}
}

func TestRunLoop_StartNodeRerunResetsDownstreamApprovals(t *testing.T) {
	h := newLoopHarness(t)
	g := &graph.Graph{
		ID: "g1",
		Nodes: map[string]*graph.Node{
			"worker": {Type: graph.TypeWork, Status: graph.StatusDone, CompletedAt: "2026-03-01T09:00:00Z",
				Output: &graph.Output{Summary: "old result"}, Attempts: 1},
			"approval1": {Type: graph.TypeGate, Status: graph.StatusPassed, GateType: "approval_gate",
				Deps: []string{"worker"}, VerificationResult: &graph.VerificationResult{Passed: true}},
			"approval2": {Type: graph.TypeGate, Status: graph.StatusPassed, GateType: "approval_gate",
				Deps: []string{"approval1"}, VerificationResult: &graph.VerificationResult{Passed: true}},
		},
		Edges: []graph.Edge{
			{From: "worker", To: "approval1"},
			{From: "approval1", To: "approval2"},
		},
	}
	task := &Task{ID: "t1", Title: "rerun", Graph: g, StartNodeID: "worker"}
	res, err := RunLoop(context.Background(), h.input(task))
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision.StartNodeID != "worker" || res.Decision.StartNodeStatus != "done" {
		t.Fatalf("decision missing start node info: %+v", res.Decision)
	}
	if res.Code != 0 {
		t.Fatalf("got code %d want 0", res.Code)
	}
	if len(h.runner.workCalls) != 1 {
		t.Fatalf("worker should re-run once, got %d", len(h.runner.workCalls))
	}

	var persisted graph.Graph
	if _, err := fsatomic.ReadJSON(h.layout.GraphFile("proj", "task"), &persisted); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"approval1", "approval2"} {
		n := persisted.Nodes[id]
		if n.Status != graph.StatusPending {
			t.Fatalf("%s: got %q want pending", id, n.Status)
		}
		if n.VerificationResult != nil {
			t.Fatalf("%s: verificationResult not cleared", id)
		}
	}
	if persisted.Nodes["worker"].Output == nil || persisted.Nodes["worker"].Output.Summary == "old result" {
		t.Fatal("worker output not replaced by rerun")
	}
}

func TestRunLoop_StallDetectionBlocks(t *testing.T) {
	h := newLoopHarness(t)
	g := &graph.Graph{
		ID: "g1",
		Nodes: map[string]*graph.Node{
			"dead":  {Type: graph.TypeWork, Status: graph.StatusFailed},
			"stuck": {Type: graph.TypeWork, Status: graph.StatusPending, Deps: []string{"dead"}},
		},
		Edges:        []graph.Edge{{From: "dead", To: "stuck"}},
		DoneCriteria: graph.DoneCriteria{CompletionSinkNodeIDs: []string{"stuck"}},
	}
	res, err := RunLoop(context.Background(), h.input(&Task{ID: "t1", Title: "stuck", Graph: g}))
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision.Decision != runstore.DecisionBlocked {
		t.Fatalf("got %+v", res.Decision)
	}
	if !strings.Contains(res.Decision.Explanation, "stuck") {
		t.Fatalf("blockers not listed: %q", res.Decision.Explanation)
	}
}

func TestRunLoop_TickCapFails(t *testing.T) {
	t.Setenv(EnvMaxTicks, "2")
	h := newLoopHarness(t)
	h.runner.workFn = func(WorkRequest) (string, error) { return "", errors.New("always failing") }
	g := &graph.Graph{
		ID: "g1",
		Nodes: map[string]*graph.Node{
			"w": {Type: graph.TypeWork, Status: graph.StatusPending, MaxAttempts: 100},
		},
		Edges:        []graph.Edge{},
		DoneCriteria: graph.DoneCriteria{CompletionSinkNodeIDs: []string{"w"}},
	}
	res, err := RunLoop(context.Background(), h.input(&Task{ID: "t1", Title: "loops", Graph: g}))
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision.Decision != runstore.DecisionFailed {
		t.Fatalf("got %+v", res.Decision)
	}
	if !strings.Contains(res.Decision.Explanation, "tick cap") {
		t.Fatalf("explanation: %q", res.Decision.Explanation)
	}
}

func TestRunLoop_CancellationFailsRun(t *testing.T) {
	h := newLoopHarness(t)
	in := h.input(singleWorkTask())
	in.Cancelled = func() bool { return true }

	_, err := RunLoop(context.Background(), in)
	if err != ErrCancelled {
		t.Fatalf("got %v want ErrCancelled", err)
	}
	runs, err := h.store.ListRuns("proj", "task")
	if err != nil || len(runs) != 1 {
		t.Fatalf("runs: %v %d", err, len(runs))
	}
	d, found, err := runs[0].ReadDecision()
	if err != nil || !found {
		t.Fatalf("decision missing: %v", err)
	}
	if d.Decision != runstore.DecisionFailed || d.ErrorCode != "CANCELLED" {
		t.Fatalf("got %+v", d)
	}
}

func TestRunLoop_MissingGraphIsFatal(t *testing.T) {
	h := newLoopHarness(t)
	_, err := RunLoop(context.Background(), h.input(&Task{ID: "t1", Title: "no graph"}))
	if err == nil || !strings.Contains(err.Error(), "[v2-required]") {
		t.Fatalf("got %v want tagged load error", err)
	}
	runs, _ := h.store.ListRuns("proj", "task")
	if len(runs) != 1 || !runs[0].Finalized() {
		t.Fatal("failed load must still finalize the run")
	}
}
