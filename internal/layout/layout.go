// Package layout defines the on-disk tree rooted at AGX_HOME:
//
//	<root>/projects/<project>/<task>/<run_id>/<stage>/...
//
// Slugs are kebab-case, run ids sort lexicographically by time, and stages
// form a closed set. A legacy layout <task>/<stage>/<run_id> is still
// recognized for discovery and GC of older runs.
package layout

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Stage names a phase of the loop. Closed set.
type Stage string

const (
	StagePlan    Stage = "plan"
	StageExecute Stage = "execute"
	StageVerify  Stage = "verify"
	StageResume  Stage = "resume"
)

// ParseStage validates s against the closed stage set.
func ParseStage(s string) (Stage, error) {
	switch Stage(strings.ToLower(strings.TrimSpace(s))) {
	case StagePlan:
		return StagePlan, nil
	case StageExecute:
		return StageExecute, nil
	case StageVerify:
		return StageVerify, nil
	case StageResume:
		return StageResume, nil
	default:
		return "", fmt.Errorf("invalid stage: %q", s)
	}
}

var (
	slugRe  = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
	runIDRe = regexp.MustCompile(`^\d{8}-\d{6}-([0-9a-f]{4}|[0-9a-f]{8})$`)
)

// ValidateSlug enforces the kebab-case slug contract shared by project and
// task names. Rejects path traversal and separators outright.
func ValidateSlug(s string) error {
	if s == "" {
		return fmt.Errorf("slug must not be empty")
	}
	if len(s) > 128 {
		return fmt.Errorf("slug too long (%d > 128)", len(s))
	}
	if strings.Contains(s, "..") || strings.ContainsAny(s, `/\`) {
		return fmt.Errorf("slug must not contain path separators or ..: %q", s)
	}
	if !slugRe.MatchString(s) {
		return fmt.Errorf("slug must be kebab-case [a-z0-9-]: %q", s)
	}
	return nil
}

// NewRunID returns YYYYMMDD-HHMMSS-<hex8> for now. Ids generated later sort
// lexicographically after ids generated earlier (second granularity; the hex
// suffix breaks ties arbitrarily).
func NewRunID(now time.Time) (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s", now.UTC().Format("20060102-150405"), hex.EncodeToString(b[:])), nil
}

// ValidateRunID accepts both the hex4 and hex8 suffix forms.
func ValidateRunID(id string) error {
	if !runIDRe.MatchString(id) {
		return fmt.Errorf("invalid run id: %q", id)
	}
	return nil
}

// Layout holds the resolved storage root. Construct once; path methods are
// pure after that.
type Layout struct {
	Root string
}

// New resolves the root from AGX_HOME, defaulting to <home>/.agx.
func New() Layout {
	if root := strings.TrimSpace(os.Getenv("AGX_HOME")); root != "" {
		return Layout{Root: root}
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return Layout{Root: ".agx"}
	}
	return Layout{Root: filepath.Join(home, ".agx")}
}

func (l Layout) ProjectsDir() string {
	return filepath.Join(l.Root, "projects")
}

func (l Layout) ProjectDir(project string) string {
	return filepath.Join(l.ProjectsDir(), project)
}

func (l Layout) TaskDir(project, task string) string {
	return filepath.Join(l.ProjectDir(project), task)
}

func (l Layout) RunDir(project, task, runID string, stage Stage) string {
	return filepath.Join(l.TaskDir(project, task), runID, string(stage))
}

// LegacyRunDir is the pre-v2 location of a run directory.
func (l Layout) LegacyRunDir(project, task string, stage Stage, runID string) string {
	return filepath.Join(l.TaskDir(project, task), string(stage), runID)
}

// Task-scoped state files.

func (l Layout) TaskFile(project, task string) string {
	return filepath.Join(l.TaskDir(project, task), "task.json")
}

func (l Layout) WorkingSetFile(project, task string) string {
	return filepath.Join(l.TaskDir(project, task), "working_set.md")
}

func (l Layout) ApprovalsFile(project, task string) string {
	return filepath.Join(l.TaskDir(project, task), "approvals.json")
}

func (l Layout) LastRunFile(project, task string) string {
	return filepath.Join(l.TaskDir(project, task), "last_run.json")
}

func (l Layout) GraphFile(project, task string) string {
	return filepath.Join(l.TaskDir(project, task), "graph.json")
}

func (l Layout) LockFile(project, task string) string {
	return filepath.Join(l.TaskDir(project, task), ".lock")
}

func (l Layout) IndexFile(project string) string {
	return filepath.Join(l.ProjectDir(project), "index.json")
}
