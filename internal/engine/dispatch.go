package engine

import (
	"context"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"github.com/agxlabs/agx/internal/events"
	"github.com/agxlabs/agx/internal/graph"
	"github.com/agxlabs/agx/internal/runstore"
)

// maxSummaryChars caps the stored work output summary.
const maxSummaryChars = 8_000

// WorkRequest is one agent invocation for a work node.
type WorkRequest struct {
	TaskID   string
	Task     *Task
	Node     *graph.Node
	Provider string
	Model    string
	Prompt   string
}

// PlanRequest is one planner invocation.
type PlanRequest struct {
	TaskID   string
	Task     *Task
	Node     *graph.Node
	Provider string
	Model    string
	Prompt   string
}

// AgentRunner executes agent calls. RunPlan output must contain a JSON
// graph, possibly inside a markdown fence.
type AgentRunner interface {
	RunWork(ctx context.Context, req WorkRequest) (string, error)
	RunPlan(ctx context.Context, req PlanRequest) (string, error)
}

// GateVerdict is the shape the verification gate runner reports. The core
// consumes the verdict bits only and never inspects check output.
type GateVerdict struct {
	Passed         bool
	Results        []graph.CheckResult
	VerifyFailures int
	ForceAction    bool
	NeedsLlm       bool
	Reason         string
}

// GateRunner executes a gate's checks out-of-band.
type GateRunner interface {
	Run(ctx context.Context, checks []string, cwd string, verifyFailures int) (GateVerdict, error)
}

// Dispatcher applies outcomes to nodes the scheduler just set running.
type Dispatcher struct {
	Runner       AgentRunner
	Gates        GateRunner
	Task         *Task
	TaskID       string
	Provider     string
	Model        string
	ApprovalMode string
	Cwd          string
	RunID        string

	// Run, when set, receives the dispatched prompt, the agent output, and
	// the engine-call events.
	Run *runstore.Run

	Now   func() time.Time
	Sleep func(time.Duration)
	Logf  func(format string, args ...any)
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Dispatcher) sleep(dur time.Duration) {
	if dur <= 0 {
		return
	}
	if d.Sleep != nil {
		d.Sleep(dur)
		return
	}
	time.Sleep(dur)
}

func (d *Dispatcher) logf(format string, args ...any) {
	if d.Logf != nil {
		d.Logf(format, args...)
	}
}

// Dispatch resolves one running node. The graph is mutated in place; plan
// nodes may add and remove other nodes. Returns true when the node's status
// changed.
func (d *Dispatcher) Dispatch(ctx context.Context, g *graph.Graph, id string) bool {
	n, ok := g.Nodes[id]
	if !ok || n.Status != graph.StatusRunning {
		return false
	}
	before := n.Status
	switch {
	case IsPlanNode(n):
		d.dispatchPlan(ctx, g, n)
	case n.Type == graph.TypeWork:
		d.dispatchWork(ctx, n)
	case n.Type == graph.TypeGate:
		d.dispatchGate(ctx, n)
	default:
		// Structural routing nodes complete immediately.
		n.Status = graph.StatusDone
	}
	if graph.IsTerminal(n.Status) {
		d.stampCompletion(n)
	}
	return n.Status != before
}

func (d *Dispatcher) stampCompletion(n *graph.Node) {
	now := d.now()
	if n.CompletedAt == "" {
		n.CompletedAt = now.UTC().Format(time.RFC3339Nano)
	}
	minutes := 1
	if n.StartedAt != "" {
		if started, err := time.Parse(time.RFC3339Nano, n.StartedAt); err == nil {
			m := int(math.Round(now.Sub(started).Minutes()))
			if m > minutes {
				minutes = m
			}
		}
	}
	n.ActualMinutes = minutes
}

func maxAttemptsFor(n *graph.Node) int {
	if n.MaxAttempts > 0 {
		return n.MaxAttempts
	}
	return 2
}

// failAttempt consumes one attempt: back to pending while budget remains,
// failed once exhausted.
func (d *Dispatcher) failAttempt(n *graph.Node, cause error) {
	n.Attempts++
	n.Error = cause.Error()
	if n.Attempts < maxAttemptsFor(n) {
		d.logf("node %s attempt %d/%d failed, retrying: %v", n.ID, n.Attempts, maxAttemptsFor(n), cause)
		d.sleep(backoffDelayForNode(d.RunID, n, n.Attempts))
		n.Status = graph.StatusPending
		return
	}
	d.logf("node %s failed after %d attempt(s): %v", n.ID, n.Attempts, cause)
	n.Status = graph.StatusFailed
}

func truncateSummary(s string) string {
	if len(s) <= maxSummaryChars {
		return s
	}
	cut := maxSummaryChars
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// recordCallStart persists the prompt on the run and marks the engine call.
func (d *Dispatcher) recordCallStart(nodeID, prompt string) {
	if d.Run == nil {
		return
	}
	if err := d.Run.WritePrompt(prompt); err != nil {
		d.logf("record prompt for node %s: %v", nodeID, err)
	}
	ev := events.EngineCallStarted(d.RunID, d.Provider, d.Model)
	ev["node_id"] = nodeID
	_ = d.Run.AppendEvent(ev)
}

func (d *Dispatcher) recordCallEnd(nodeID, output string, callErr error) {
	if d.Run == nil {
		return
	}
	errText := ""
	if callErr != nil {
		errText = callErr.Error()
	} else if err := d.Run.WriteOutput(output); err != nil {
		d.logf("record output for node %s: %v", nodeID, err)
	}
	ev := events.EngineCallCompleted(d.RunID, len(output), errText)
	ev["node_id"] = nodeID
	_ = d.Run.AppendEvent(ev)
}

func (d *Dispatcher) dispatchWork(ctx context.Context, n *graph.Node) {
	prompt := BuildWorkPrompt(d.Task, n)
	d.recordCallStart(n.ID, prompt)
	summary, err := d.Runner.RunWork(ctx, WorkRequest{
		TaskID:   d.TaskID,
		Task:     d.Task,
		Node:     n,
		Provider: d.Provider,
		Model:    d.Model,
		Prompt:   prompt,
	})
	d.recordCallEnd(n.ID, summary, err)
	if err != nil {
		d.failAttempt(n, err)
		return
	}
	n.Status = graph.StatusDone
	n.Error = ""
	n.Output = &graph.Output{
		Summary:     truncateSummary(summary),
		CompletedAt: d.now().UTC().Format(time.RFC3339Nano),
	}
}

func (d *Dispatcher) dispatchPlan(ctx context.Context, g *graph.Graph, n *graph.Node) {
	prev := PreviousDraftNodeIDs(g, n.ID)
	locked := LockedNodeIDs(g, prev)

	in := PlanPromptInput{}
	if len(prev) > 0 {
		snapshot := map[string]*graph.Node{}
		for id := range prev {
			if pn, ok := g.Nodes[id]; ok {
				snapshot[id] = pn
			}
		}
		in.CurrentPlanNodes = snapshot
		for id := range locked {
			in.LockedNodeIDs = append(in.LockedNodeIDs, id)
		}
	}

	p, reasons, err := d.runPlanOnce(ctx, n, in)
	if err != nil {
		d.failAttempt(n, err)
		return
	}
	if len(reasons) > 0 {
		retry := in
		retry.RetryReasons = reasons
		p, reasons, err = d.runPlanOnce(ctx, n, retry)
		if err != nil {
			d.failAttempt(n, err)
			return
		}
		if len(reasons) > 0 {
			d.failAttempt(n, fmt.Errorf("plan rejected after retry: %v", reasons))
			return
		}
	}

	applied := ApplyPlan(g, n.ID, p)
	n.Status = graph.StatusDone
	n.Error = ""
	n.Output = &graph.Output{
		Summary:          fmt.Sprintf("planned %d node(s), %d sink(s)", len(applied.DraftNodeIDs), len(applied.DraftSinkNodeIDs)),
		CompletedAt:      d.now().UTC().Format(time.RFC3339Nano),
		ProposedGraph:    p,
		DraftNodeIDs:     applied.DraftNodeIDs,
		DraftSinkNodeIDs: applied.DraftSinkNodeIDs,
	}
	for _, other := range g.Nodes {
		if other.Type == graph.TypeRoot && other.GraphCreated != nil && !*other.GraphCreated {
			created := true
			other.GraphCreated = &created
		}
	}
}

// runPlanOnce invokes the planner and returns the parsed proposal plus
// validation reasons. A transport-level error is returned as err; parse
// failures count as validation reasons so the retry prompt carries them.
func (d *Dispatcher) runPlanOnce(ctx context.Context, n *graph.Node, in PlanPromptInput) (*graph.Proposal, []string, error) {
	prompt := BuildPlanPrompt(d.Task, n, in)
	d.recordCallStart(n.ID, prompt)
	raw, err := d.Runner.RunPlan(ctx, PlanRequest{
		TaskID:   d.TaskID,
		Task:     d.Task,
		Node:     n,
		Provider: d.Provider,
		Model:    d.Model,
		Prompt:   prompt,
	})
	d.recordCallEnd(n.ID, raw, err)
	if err != nil {
		return nil, nil, err
	}
	p, perr := ParsePlanOutput(raw)
	if perr != nil {
		return nil, []string{perr.Error()}, nil
	}
	reasons := ValidateProposal(d.Task.TaskText(), p, lockedByID(in), AnchorNodeID)
	return p, reasons, nil
}

func lockedByID(in PlanPromptInput) map[string]*graph.Node {
	out := map[string]*graph.Node{}
	for _, id := range in.LockedNodeIDs {
		if n, ok := in.CurrentPlanNodes[id]; ok {
			out[id] = n
		}
	}
	return out
}

func (d *Dispatcher) dispatchGate(ctx context.Context, n *graph.Node) {
	ts := d.now().UTC().Format(time.RFC3339Nano)

	if d.ApprovalMode == ApprovalAuto && n.GateType == "approval_gate" {
		n.Status = graph.StatusPassed
		n.VerificationResult = &graph.VerificationResult{
			Passed:     true,
			VerifiedAt: ts,
			VerifiedBy: "auto_approval",
		}
		return
	}

	strategyType := "auto"
	var checks []string
	if n.VerificationStrategy != nil {
		if n.VerificationStrategy.Type != "" {
			strategyType = n.VerificationStrategy.Type
		}
		checks = n.VerificationStrategy.Checks
	}
	if len(checks) == 0 {
		checks = n.Verification
	}

	if strategyType == "human" {
		n.Status = graph.StatusAwaitingHuman
		n.VerificationResult = &graph.VerificationResult{
			Passed:     false,
			VerifiedBy: "human",
		}
		return
	}

	verdict, err := d.Gates.Run(ctx, checks, d.Cwd, n.VerifyFailures)
	if err != nil {
		n.Status = graph.StatusFailed
		n.Error = err.Error()
		n.VerificationResult = &graph.VerificationResult{Passed: false, VerifiedAt: ts, VerifiedBy: "auto"}
		return
	}
	n.VerifyFailures = verdict.VerifyFailures
	n.VerificationResult = &graph.VerificationResult{
		Passed:     verdict.Passed,
		Checks:     verdict.Results,
		VerifiedAt: ts,
		VerifiedBy: "auto",
	}
	switch {
	case verdict.ForceAction:
		n.Status = graph.StatusFailed
		if verdict.Reason != "" {
			n.Error = verdict.Reason
		}
	case verdict.NeedsLlm:
		n.Status = graph.StatusAwaitingHuman
	case verdict.Passed:
		n.Status = graph.StatusPassed
	default:
		n.Status = graph.StatusFailed
		if verdict.Reason != "" {
			n.Error = verdict.Reason
		}
	}
}
