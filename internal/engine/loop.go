package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/agxlabs/agx/internal/cloud"
	"github.com/agxlabs/agx/internal/fsatomic"
	"github.com/agxlabs/agx/internal/graph"
	"github.com/agxlabs/agx/internal/layout"
	"github.com/agxlabs/agx/internal/runstore"
	"github.com/agxlabs/agx/internal/state"
)

const (
	// EnvMaxTicks caps loop iterations per entry.
	EnvMaxTicks     = "AGX_V2_MAX_TICKS"
	defaultMaxTicks = 200

	// stallLimit is how many unproductive ticks finalize the run as blocked.
	stallLimit = 3
)

// MaxTicksFromEnv reads the tick cap, defaulting when unset or invalid.
func MaxTicksFromEnv() int {
	if v := os.Getenv(EnvMaxTicks); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultMaxTicks
}

// LoopInput is everything one loop entry needs. Cloud is optional: without
// it the graph must be embedded on the task and persistence stays local.
type LoopInput struct {
	TaskID   string
	Task     *Task
	Provider string
	Model    string

	Project  string
	TaskSlug string
	Stage    layout.Stage

	Layout layout.Layout
	Store  *runstore.Store
	Cloud  *cloud.Client

	Runner AgentRunner
	Gates  GateRunner
	Cwd    string

	// Cancelled is polled at each tick boundary.
	Cancelled func() bool
	Logf      func(format string, args ...any)

	// Sleep is the retry-backoff hook; tests stub it out.
	Sleep func(time.Duration)

	// Git snapshot recorded on the run, when the caller has one.
	Git *runstore.GitSnapshot
}

// LoopResult is the terminal outcome of one loop entry.
type LoopResult struct {
	Code          int
	Decision      runstore.Decision
	LastRun       state.LastRun
	RunIndexEntry state.IndexEntry
}

// ErrCancelled marks a run aborted by the cancellation watcher.
var ErrCancelled = fmt.Errorf("run cancelled")

type loopRuntime struct {
	in       LoopInput
	run      *runstore.Run
	files    state.Files
	g        *graph.Graph
	disp     *Dispatcher
	allowed  map[string]bool
	startID  string
	maxTicks int
}

func (lr *loopRuntime) logf(format string, args ...any) {
	if lr.in.Logf != nil {
		lr.in.Logf(format, args...)
	}
}

// RunLoop drives a task's graph to a terminal decision. The returned error
// is non-nil only for aborts (cancellation, transport, shape); normal
// done/blocked/failed outcomes are reported through the result.
func RunLoop(ctx context.Context, in LoopInput) (LoopResult, error) {
	run, err := in.Store.CreateRun(in.Project, in.TaskSlug, in.Stage, in.Provider, in.Model, in.Git)
	if err != nil {
		return LoopResult{}, err
	}
	lr := &loopRuntime{
		in:       in,
		run:      run,
		files:    state.Files{Layout: in.Layout, Project: in.Project, Task: in.TaskSlug},
		maxTicks: MaxTicksFromEnv(),
	}

	res, err := lr.execute(ctx)
	if err != nil {
		// The error text lands as an artifact before the run is failed, so
		// post-mortems never depend on process logs.
		_ = run.WriteArtifact("error.txt", []byte(err.Error()))
		if !run.Finalized() {
			code := "LOOP_ERROR"
			if err == ErrCancelled {
				code = "CANCELLED"
			}
			_ = run.Fail(code, err.Error())
		}
		return LoopResult{Code: 1}, err
	}
	return res, nil
}

func (lr *loopRuntime) execute(ctx context.Context) (LoopResult, error) {
	in := lr.in

	if taskJSON, err := json.MarshalIndent(in.Task, "", "  "); err == nil {
		_ = lr.run.WriteArtifact("task.json", taskJSON)
	}

	if err := lr.loadGraph(ctx); err != nil {
		return LoopResult{}, err
	}

	approvalMode := in.Task.ApprovalMode()
	lr.disp = &Dispatcher{
		Runner:       in.Runner,
		Gates:        in.Gates,
		Task:         in.Task,
		TaskID:       in.TaskID,
		Provider:     in.Provider,
		Model:        in.Model,
		ApprovalMode: approvalMode,
		Cwd:          in.Cwd,
		RunID:        lr.run.RunID(),
		Run:          lr.run,
		Sleep:        in.Sleep,
		Logf:         in.Logf,
	}

	lr.resolveStartNode()

	if err := lr.persist(ctx); err != nil {
		return LoopResult{}, err
	}
	if err := graph.AssertShape(lr.g); err != nil {
		return LoopResult{}, err
	}

	stalledTicks := 0
	lastFingerprint := graph.StatusFingerprint(lr.g)

	for tick := 0; tick < lr.maxTicks; tick++ {
		if in.Cancelled != nil && in.Cancelled() {
			return LoopResult{}, ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return LoopResult{}, ErrCancelled
		}

		res, err := graph.Tick(lr.g, lr.allowed, time.Now())
		if err != nil {
			return LoopResult{}, err
		}
		lr.g = res.Graph
		if len(res.Events) > 0 {
			if err := lr.persist(ctx); err != nil {
				return LoopResult{}, err
			}
		}

		progress := false
		for _, id := range runningNodeIDs(lr.g) {
			if lr.disp.Dispatch(ctx, lr.g, id) {
				progress = true
			}
		}
		if err := lr.persist(ctx); err != nil {
			return LoopResult{}, err
		}

		if lr.startID != "" {
			if n, ok := lr.g.Nodes[lr.startID]; ok && graph.IsTerminal(n.Status) {
				return lr.finalizeStartNode(n)
			}
		}

		fp := graph.StatusFingerprint(lr.g)
		if !progress && fp == lastFingerprint {
			stalledTicks++
		} else {
			stalledTicks = 0
		}
		lastFingerprint = fp

		if len(lr.g.IncompleteNodeIDs()) == 0 {
			return lr.finalizeComplete(ctx)
		}
		if ids := nodesInStatus(lr.g, graph.StatusAwaitingHuman); len(ids) > 0 {
			return lr.finalizeBlocked(fmt.Sprintf("requires human verification: %s", strings.Join(ids, ", ")))
		}
		if stalledTicks >= stallLimit {
			blockers := append(nodesInStatus(lr.g, graph.StatusPending),
				append(nodesInStatus(lr.g, graph.StatusBlocked),
					nodesInStatus(lr.g, graph.StatusAwaitingHuman)...)...)
			sort.Strings(blockers)
			return lr.finalizeBlocked(fmt.Sprintf("no scheduler progress for %d ticks; blocked on: %s",
				stallLimit, strings.Join(blockers, ", ")))
		}
	}

	d := runstore.Decision{
		Done:        false,
		Decision:    runstore.DecisionFailed,
		Explanation: fmt.Sprintf("tick cap of %d reached without completing the graph", lr.maxTicks),
		NextPrompt:  "Inspect the graph for cycles or raise AGX_V2_MAX_TICKS, then re-run.",
	}
	return lr.finalize(d)
}

// loadGraph resolves the graph from the task or the cloud, then normalizes
// and shape-checks it.
func (lr *loopRuntime) loadGraph(ctx context.Context) error {
	in := lr.in
	switch {
	case in.Task != nil && in.Task.Graph != nil:
		g, err := in.Task.Graph.Clone()
		if err != nil {
			return err
		}
		lr.g = g
	case in.Cloud != nil:
		g, err := in.Cloud.LoadGraph(ctx, in.TaskID)
		if err != nil {
			return err
		}
		lr.g = g
	default:
		return fmt.Errorf("[v2-required] task %s has no embedded graph and no graph loader", in.TaskID)
	}
	graph.Normalize(lr.g)
	return graph.AssertShape(lr.g)
}

// resolveStartNode handles single-node reruns: reset the chosen work node
// and every downstream approval gate so the subtree can execute again.
func (lr *loopRuntime) resolveStartNode() {
	id := strings.TrimSpace(lr.in.Task.StartNodeID)
	if id == "" {
		return
	}
	n, ok := lr.g.Nodes[id]
	if !ok {
		lr.logf("start node %q not in graph, ignoring", id)
		return
	}
	lr.startID = id
	lr.allowed = map[string]bool{id: true}

	if n.Type == graph.TypeWork && n.Status != graph.StatusPending && n.Status != graph.StatusRunning {
		n.Status = graph.StatusPending
		n.Output = nil
		n.CompletedAt = ""
		n.StartedAt = ""
		n.Error = ""
		n.Attempts = 0
		for downstream := range descendants(lr.g, id) {
			dn, ok := lr.g.Nodes[downstream]
			if !ok || dn.Type != graph.TypeGate || dn.GateType != "approval_gate" {
				continue
			}
			dn.VerificationResult = nil
			dn.CompletedAt = ""
			dn.Status = graph.StatusPending
		}
	}
}

// persist writes the graph locally and, when a cloud client is wired,
// PATCHes it upstream adopting the reconciled response.
func (lr *loopRuntime) persist(ctx context.Context) error {
	lr.g.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	path := lr.in.Layout.GraphFile(lr.in.Project, lr.in.TaskSlug)
	if err := fsatomic.WriteJSON(path, lr.g); err != nil {
		return err
	}
	if lr.in.Cloud == nil {
		return nil
	}
	g, err := lr.in.Cloud.SaveGraph(ctx, lr.in.TaskID, lr.g)
	if err != nil {
		return err
	}
	lr.g = g
	if err := fsatomic.WriteJSON(path, lr.g); err != nil {
		return err
	}
	return graph.AssertShape(lr.g)
}

func (lr *loopRuntime) finalizeStartNode(n *graph.Node) (LoopResult, error) {
	d := runstore.Decision{
		GraphID:         lr.g.ID,
		GraphVersion:    lr.g.GraphVersion,
		StartNodeID:     n.ID,
		StartNodeStatus: string(n.Status),
	}
	if graph.IsSuccess(n.Status) {
		d.Done = true
		d.Decision = runstore.DecisionDone
		d.Explanation = fmt.Sprintf("start node %s finished with status %s", n.ID, n.Status)
	} else {
		d.Decision = runstore.DecisionFailed
		d.Explanation = fmt.Sprintf("start node %s finished with status %s", n.ID, n.Status)
		d.NextPrompt = fmt.Sprintf("Inspect node %s and re-run it once the cause is fixed.", n.ID)
		if n.Error != "" {
			d.Explanation += ": " + n.Error
		}
	}
	return lr.finalize(d)
}

func (lr *loopRuntime) finalizeComplete(ctx context.Context) (LoopResult, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if lr.g.Complete() {
		lr.g.Status = "done"
	} else {
		lr.g.Status = "failed"
	}
	if lr.g.CompletedAt == "" {
		lr.g.CompletedAt = now
	}
	if err := lr.persist(ctx); err != nil {
		return LoopResult{}, err
	}

	d := runstore.Decision{
		GraphID:      lr.g.ID,
		GraphVersion: lr.g.GraphVersion,
	}
	if lr.g.Status == "done" {
		d.Done = true
		d.Decision = runstore.DecisionDone
		d.Explanation = "all graph nodes completed"
		d.FinalResult = lr.collectSummary()
	} else {
		d.Decision = runstore.DecisionFailed
		failed := nodesInStatus(lr.g, graph.StatusFailed)
		d.Explanation = fmt.Sprintf("graph completed with failed nodes: %s", strings.Join(failed, ", "))
		d.NextPrompt = "Review the failed nodes, fix the underlying issue, and re-run."
	}
	return lr.finalize(d)
}

func (lr *loopRuntime) finalizeBlocked(explanation string) (LoopResult, error) {
	return lr.finalize(runstore.Decision{
		Done:         false,
		Decision:     runstore.DecisionBlocked,
		Explanation:  explanation,
		NextPrompt:   "Resolve the pending approvals or blockers, then re-run the task.",
		GraphID:      lr.g.ID,
		GraphVersion: lr.g.GraphVersion,
	})
}

// finalize closes the run and records the decision in last_run.json and the
// project index.
func (lr *loopRuntime) finalize(d runstore.Decision) (LoopResult, error) {
	if d.GraphID == "" && lr.g != nil {
		d.GraphID = lr.g.ID
		d.GraphVersion = lr.g.GraphVersion
	}
	if err := lr.run.Finalize(d); err != nil {
		return LoopResult{}, err
	}
	lastRun, err := lr.files.UpdateLastRun(state.LastRunEntry{
		RunID:    lr.run.RunID(),
		Stage:    string(lr.in.Stage),
		Decision: d.Decision,
	})
	if err != nil {
		return LoopResult{}, err
	}
	entry := state.IndexEntry{
		TaskSlug: lr.in.TaskSlug,
		Status:   d.Decision,
		Title:    lr.in.Task.Title,
	}
	if _, err := state.UpsertIndex(lr.in.Layout, lr.in.Project, entry); err != nil {
		return LoopResult{}, err
	}

	code := 1
	if d.Done {
		code = 0
	}
	lr.logf("run %s finalized: %s", lr.run.RunID(), d.Decision)
	return LoopResult{Code: code, Decision: d, LastRun: lastRun, RunIndexEntry: entry}, nil
}

// collectSummary concatenates node output summaries for the final result.
func (lr *loopRuntime) collectSummary() string {
	var parts []string
	for _, id := range lr.g.SortedNodeIDs() {
		n := lr.g.Nodes[id]
		if n.Output != nil && strings.TrimSpace(n.Output.Summary) != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", id, strings.TrimSpace(n.Output.Summary)))
		}
	}
	return strings.Join(parts, "\n")
}

func runningNodeIDs(g *graph.Graph) []string {
	return nodesInStatus(g, graph.StatusRunning)
}

func nodesInStatus(g *graph.Graph, s graph.Status) []string {
	var out []string
	for _, id := range g.SortedNodeIDs() {
		if g.Nodes[id].Status == s {
			out = append(out, id)
		}
	}
	return out
}
