package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/agxlabs/agx/internal/cloud"
	"github.com/agxlabs/agx/internal/engine"
	"github.com/agxlabs/agx/internal/graph"
	"github.com/agxlabs/agx/internal/layout"
	"github.com/agxlabs/agx/internal/lock"
	"github.com/agxlabs/agx/internal/runstore"
	"github.com/agxlabs/agx/internal/shellrunner"
	"github.com/agxlabs/agx/internal/state"
)

func main() {
	_ = godotenv.Load(".env")

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		cmdRun(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "recover":
		cmdRecover(os.Args[2:])
	case "gc":
		cmdGC(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  agx run --task <slug> [--project <slug>] [--agent <command>] [--file <task.md>] [--graph <graph.json>] [--start-node <id>] [--stage <plan|execute|verify|resume>] [--provider <name>] [--model <name>] [--api-base <url>] [--cwd <dir>]")
	fmt.Fprintln(os.Stderr, "         (project and agent may come from agx.yaml)")
	fmt.Fprintln(os.Stderr, "  agx status --project <slug> --task <slug>")
	fmt.Fprintln(os.Stderr, "  agx recover --project <slug> --task <slug> [--provider <name>] [--model <name>]")
	fmt.Fprintln(os.Stderr, "  agx gc --project <slug> --task <slug> [--keep <n>]")
}

func flagValue(args []string, i *int, name string) string {
	*i++
	if *i >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", name)
		os.Exit(1)
	}
	return args[*i]
}

func cmdRun(args []string) {
	var project, task string
	var taskFile, graphFile, startNode string
	var agentCmd string
	var stageName = string(layout.StageExecute)
	var provider = "shell"
	var model string
	var apiBase, cwd string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--project":
			project = flagValue(args, &i, "--project")
		case "--task":
			task = flagValue(args, &i, "--task")
		case "--file":
			taskFile = flagValue(args, &i, "--file")
		case "--graph":
			graphFile = flagValue(args, &i, "--graph")
		case "--start-node":
			startNode = flagValue(args, &i, "--start-node")
		case "--agent":
			agentCmd = flagValue(args, &i, "--agent")
		case "--stage":
			stageName = flagValue(args, &i, "--stage")
		case "--provider":
			provider = flagValue(args, &i, "--provider")
		case "--model":
			model = flagValue(args, &i, "--model")
		case "--api-base":
			apiBase = flagValue(args, &i, "--api-base")
		case "--cwd":
			cwd = flagValue(args, &i, "--cwd")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	cfg, err := loadRunnerConfig("agx.yaml")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if agentCmd == "" {
		agentCmd = cfg.Agent
	}
	if project == "" {
		project = cfg.Project
	}
	if model == "" {
		model = cfg.Model
	}
	if apiBase == "" {
		apiBase = cfg.APIBase
	}
	if cfg.Provider != "" && provider == "shell" {
		provider = cfg.Provider
	}

	if project == "" || task == "" || agentCmd == "" {
		usage()
		os.Exit(1)
	}
	stage, err := layout.ParseStage(stageName)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if cwd == "" {
		cwd, err = os.Getwd()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	t, err := loadTask(task, taskFile, graphFile, startNode)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	l := layout.New()
	store := runstore.New(l)

	lk, err := lock.Acquire(l, project, task)
	if err != nil {
		var held *lock.ErrHeld
		if errors.As(err, &held) {
			fmt.Fprintf(os.Stderr, "task is locked: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = lk.Release() }()

	var cloudClient *cloud.Client
	if apiBase != "" {
		cloudClient = cloud.NewClient(cloud.NewHTTPTransport(apiBase, os.Getenv("AGX_API_TOKEN")))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := engine.RunLoop(ctx, engine.LoopInput{
		TaskID:    t.ID,
		Task:      t,
		Provider:  provider,
		Model:     model,
		Project:   project,
		TaskSlug:  task,
		Stage:     stage,
		Layout:    l,
		Store:     store,
		Cloud:     cloudClient,
		Runner:    &shellrunner.Agent{Command: agentCmd, Dir: cwd},
		Gates:     &shellrunner.Gate{},
		Cwd:       cwd,
		Cancelled: func() bool { return ctx.Err() != nil },
		Logf: func(format string, a ...any) {
			fmt.Fprintf(os.Stderr, format+"\n", a...)
		},
		Git: gitSnapshot(cwd),
	})
	// os.Exit skips deferred calls; drop the lock explicitly first.
	_ = lk.Release()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	printJSON(res.Decision)
	os.Exit(res.Code)
}

// loadTask assembles the in-memory task from the slug, an optional markdown
// file, and an optional embedded graph file.
func loadTask(slug, taskFile, graphFile, startNode string) (*engine.Task, error) {
	t := &engine.Task{ID: slug, StartNodeID: startNode}
	if taskFile != "" {
		data, err := os.ReadFile(taskFile)
		if err != nil {
			return nil, fmt.Errorf("read task file: %w", err)
		}
		t.Content = string(data)
		t.Attrs = engine.Frontmatter(t.Content)
		if id, ok := t.Attrs["id"].(string); ok && id != "" {
			t.ID = id
		}
		if title, ok := t.Attrs["title"].(string); ok {
			t.Title = title
		} else {
			t.Title = firstHeading(t.Content)
		}
	}
	if graphFile != "" {
		data, err := os.ReadFile(graphFile)
		if err != nil {
			return nil, fmt.Errorf("read graph file: %w", err)
		}
		var g graph.Graph
		if err := json.Unmarshal(data, &g); err != nil {
			return nil, fmt.Errorf("parse graph file: %w", err)
		}
		t.Graph = &g
	}
	return t, nil
}

func firstHeading(content string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "# "))
		}
	}
	return ""
}

// gitSnapshot best-effort captures the working tree's git position. A missing
// repo or binary yields nil rather than an error.
func gitSnapshot(dir string) *runstore.GitSnapshot {
	sha, err := gitOut(dir, "rev-parse", "HEAD")
	if err != nil {
		return nil
	}
	branch, _ := gitOut(dir, "rev-parse", "--abbrev-ref", "HEAD")
	porcelain, _ := gitOut(dir, "status", "--porcelain")
	return &runstore.GitSnapshot{SHA: sha, Branch: branch, Dirty: porcelain != ""}
}

func gitOut(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func cmdStatus(args []string) {
	var project, task string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--project":
			project = flagValue(args, &i, "--project")
		case "--task":
			task = flagValue(args, &i, "--task")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if project == "" || task == "" {
		usage()
		os.Exit(1)
	}

	l := layout.New()
	files := state.Files{Layout: l, Project: project, Task: task}
	lr, err := files.ReadLastRun()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if lr.Overall.RunID == "" {
		fmt.Fprintf(os.Stderr, "no runs recorded for %s/%s\n", project, task)
		os.Exit(1)
	}

	out := map[string]any{"last_run": lr}
	store := runstore.New(l)
	stage, err := layout.ParseStage(lr.Overall.Stage)
	if err == nil {
		if run, err := store.OpenRun(project, task, lr.Overall.RunID, stage); err == nil {
			if d, ok, err := run.ReadDecision(); err == nil && ok {
				out["decision"] = d
			}
		}
	}
	printJSON(out)
}

func cmdRecover(args []string) {
	var project, task string
	var provider = "shell"
	var model string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--project":
			project = flagValue(args, &i, "--project")
		case "--task":
			task = flagValue(args, &i, "--task")
		case "--provider":
			provider = flagValue(args, &i, "--provider")
		case "--model":
			model = flagValue(args, &i, "--model")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if project == "" || task == "" {
		usage()
		os.Exit(1)
	}

	store := runstore.New(layout.New())
	incomplete, err := store.FindIncompleteRuns(project, task)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if len(incomplete) == 0 {
		fmt.Println("no incomplete runs")
		return
	}
	for _, r := range incomplete {
		rec, err := store.CreateRecoveryRun(r, provider, model)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("closed %s, opened recovery run %s\n", r.RunID(), rec.RunID())
	}
}

func cmdGC(args []string) {
	var project, task string
	keep := 5
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--project":
			project = flagValue(args, &i, "--project")
		case "--task":
			task = flagValue(args, &i, "--task")
		case "--keep":
			v := flagValue(args, &i, "--keep")
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				fmt.Fprintln(os.Stderr, "--keep requires a positive integer")
				os.Exit(1)
			}
			keep = n
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if project == "" || task == "" {
		usage()
		os.Exit(1)
	}

	l := layout.New()
	files := state.Files{Layout: l, Project: project, Task: task}
	lr, err := files.ReadLastRun()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	// Blocked and failed tasks keep everything; the run dirs are the evidence
	// a human needs.
	removed, err := runstore.New(l).GCRuns(project, task, keep, lr.Overall.Decision)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("removed %d run dir(s) under %s\n", removed, l.TaskDir(project, task))
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
