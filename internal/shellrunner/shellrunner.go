// Package shellrunner adapts external commands to the engine's runner
// interfaces: an agent CLI fed prompts on stdin, and shell checks for
// verification gates.
package shellrunner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/agxlabs/agx/internal/engine"
	"github.com/agxlabs/agx/internal/graph"
)

// Agent invokes a single command via the shell with the prompt on stdin and
// returns its stdout as the summary.
type Agent struct {
	// Command is the shell command line, e.g. `claude -p` or a wrapper
	// script. Required.
	Command string
	Dir     string
	Env     []string
	Timeout time.Duration
}

func (a *Agent) run(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(a.Command) == "" {
		return "", fmt.Errorf("agent command is not configured")
	}
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", a.Command)
	cmd.Dir = a.Dir
	cmd.Env = append(os.Environ(), a.Env...)
	cmd.Stdin = strings.NewReader(prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return "", fmt.Errorf("agent command failed: %w: %s", err, detail)
		}
		return "", fmt.Errorf("agent command failed: %w", err)
	}
	return stdout.String(), nil
}

func (a *Agent) RunWork(ctx context.Context, req engine.WorkRequest) (string, error) {
	return a.run(ctx, req.Prompt)
}

func (a *Agent) RunPlan(ctx context.Context, req engine.PlanRequest) (string, error) {
	return a.run(ctx, req.Prompt)
}

// llmCheckPrefix marks a check that needs semantic judgment instead of a
// shell exit code.
const llmCheckPrefix = "llm:"

// Gate runs each check through the shell and folds the exit codes into a
// verdict. A check carrying the llm: prefix escalates the whole gate to a
// human.
type Gate struct {
	Timeout time.Duration
	// MaxFailures is the verifyFailures level at which the gate gives up
	// and forces a failure instead of another retry.
	MaxFailures int
}

func (g *Gate) maxFailures() int {
	if g.MaxFailures > 0 {
		return g.MaxFailures
	}
	return 3
}

func (g *Gate) Run(ctx context.Context, checks []string, cwd string, verifyFailures int) (engine.GateVerdict, error) {
	verdict := engine.GateVerdict{Passed: true, VerifyFailures: verifyFailures}
	for _, check := range checks {
		check = strings.TrimSpace(check)
		if check == "" {
			continue
		}
		if strings.HasPrefix(check, llmCheckPrefix) {
			verdict.NeedsLlm = true
			verdict.Passed = false
			verdict.Reason = fmt.Sprintf("check %q needs semantic review", strings.TrimPrefix(check, llmCheckPrefix))
			verdict.Results = append(verdict.Results, graph.CheckResult{Name: check, Passed: false, Output: "escalated"})
			continue
		}
		passed, output := g.runCheck(ctx, check, cwd)
		verdict.Results = append(verdict.Results, graph.CheckResult{Name: check, Passed: passed, Output: output})
		if !passed {
			verdict.Passed = false
			if verdict.Reason == "" {
				verdict.Reason = fmt.Sprintf("check failed: %s", check)
			}
		}
	}
	if verdict.NeedsLlm {
		return verdict, nil
	}
	if !verdict.Passed {
		verdict.VerifyFailures++
		if verdict.VerifyFailures >= g.maxFailures() {
			verdict.ForceAction = true
			verdict.Reason = fmt.Sprintf("verification failed %d time(s): %s", verdict.VerifyFailures, verdict.Reason)
		}
	}
	return verdict, nil
}

func (g *Gate) runCheck(ctx context.Context, check, cwd string) (bool, string) {
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", check)
	cmd.Dir = cwd
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	text := out.String()
	if len(text) > 4_000 {
		text = text[:4_000]
	}
	return err == nil, text
}
