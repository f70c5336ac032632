// Package runstore owns run directories and their lifecycle: creation,
// prompt/output capture, finalization, failure, crash recovery, and GC.
//
// The crash-safety contract is the write order at finalization: the
// RUN_FINISHED (or RUN_FAILED) event and the meta update land first, and
// decision.json is written strictly last. A run directory with meta.json but
// no decision.json is an incomplete run; no other flag is trusted.
package runstore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/agxlabs/agx/internal/events"
	"github.com/agxlabs/agx/internal/fsatomic"
	"github.com/agxlabs/agx/internal/layout"
)

// ErrFinalized is returned by writes against a run that already has a
// decision.
var ErrFinalized = fmt.Errorf("run is finalized")

type GitSnapshot struct {
	SHA    string `json:"sha,omitempty"`
	Branch string `json:"branch,omitempty"`
	Dirty  bool   `json:"dirty,omitempty"`
}

type Sizes struct {
	PromptBytes int `json:"prompt_bytes"`
	OutputBytes int `json:"output_bytes"`
}

// Meta is the run stub written at creation and updated as the run progresses.
// The Finalized flag is advisory; decision.json presence is canonical.
type Meta struct {
	RunID       string       `json:"run_id"`
	ProjectSlug string       `json:"project_slug"`
	TaskSlug    string       `json:"task_slug"`
	Stage       layout.Stage `json:"stage"`
	Engine      string       `json:"engine"`
	Model       string       `json:"model,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	Git         *GitSnapshot `json:"git,omitempty"`
	Sizes       Sizes        `json:"sizes"`
	Finalized   bool         `json:"finalized"`
}

// Decision is the terminal record of a run.
type Decision struct {
	Done            bool   `json:"done"`
	Decision        string `json:"decision"` // done | blocked | failed
	Explanation     string `json:"explanation,omitempty"`
	FinalResult     string `json:"final_result,omitempty"`
	NextPrompt      string `json:"next_prompt,omitempty"`
	Summary         string `json:"summary,omitempty"`
	GraphID         string `json:"graph_id,omitempty"`
	GraphVersion    int    `json:"graph_version,omitempty"`
	ErrorCode       string `json:"error_code,omitempty"`
	StartNodeID     string `json:"start_node_id,omitempty"`
	StartNodeStatus string `json:"start_node_status,omitempty"`
}

const (
	DecisionDone    = "done"
	DecisionBlocked = "blocked"
	DecisionFailed  = "failed"
)

// Store creates and discovers runs under a layout root.
type Store struct {
	Layout layout.Layout
}

func New(l layout.Layout) *Store {
	return &Store{Layout: l}
}

// Run is an open handle on a single run directory.
type Run struct {
	store *Store
	meta  Meta
	dir   string
}

func (r *Run) Meta() Meta     { return r.meta }
func (r *Run) Dir() string    { return r.dir }
func (r *Run) RunID() string  { return r.meta.RunID }
func (r *Run) EventsPath() string {
	return filepath.Join(r.dir, "events.ndjson")
}
func (r *Run) decisionPath() string {
	return filepath.Join(r.dir, "decision.json")
}
func (r *Run) metaPath() string {
	return filepath.Join(r.dir, "meta.json")
}

// Finalized reports whether decision.json exists.
func (r *Run) Finalized() bool {
	return fsatomic.Exists(r.decisionPath())
}

// CreateRun materializes a run directory, writes the meta stub, and appends
// RUN_STARTED.
func (s *Store) CreateRun(project, task string, stage layout.Stage, engine, model string, git *GitSnapshot) (*Run, error) {
	if err := layout.ValidateSlug(project); err != nil {
		return nil, err
	}
	if err := layout.ValidateSlug(task); err != nil {
		return nil, err
	}
	runID, err := layout.NewRunID(time.Now())
	if err != nil {
		return nil, err
	}
	dir := s.Layout.RunDir(project, task, runID, stage)
	if err := fsatomic.EnsureDir(filepath.Join(dir, "artifacts")); err != nil {
		return nil, err
	}
	r := &Run{
		store: s,
		dir:   dir,
		meta: Meta{
			RunID:       runID,
			ProjectSlug: project,
			TaskSlug:    task,
			Stage:       stage,
			Engine:      engine,
			Model:       model,
			CreatedAt:   time.Now().UTC(),
			Git:         git,
		},
	}
	if err := fsatomic.WriteJSON(r.metaPath(), r.meta); err != nil {
		return nil, err
	}
	if err := events.Append(r.EventsPath(), events.RunStarted(runID, project, task, string(stage), engine, model)); err != nil {
		return nil, err
	}
	return r, nil
}

// OpenRun reopens an existing run directory.
func (s *Store) OpenRun(project, task, runID string, stage layout.Stage) (*Run, error) {
	dir := s.Layout.RunDir(project, task, runID, stage)
	return s.openRunDir(dir)
}

func (s *Store) openRunDir(dir string) (*Run, error) {
	var meta Meta
	found, err := fsatomic.ReadJSON(filepath.Join(dir, "meta.json"), &meta)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("no run at %s", dir)
	}
	return &Run{store: s, dir: dir, meta: meta}, nil
}

// WritePrompt records prompt.md and the prompt size. Refused once finalized.
func (r *Run) WritePrompt(text string) error {
	if r.Finalized() {
		return ErrFinalized
	}
	if err := fsatomic.WriteFile(filepath.Join(r.dir, "prompt.md"), []byte(text)); err != nil {
		return err
	}
	r.meta.Sizes.PromptBytes = len(text)
	if err := fsatomic.WriteJSON(r.metaPath(), r.meta); err != nil {
		return err
	}
	return events.Append(r.EventsPath(), events.PromptBuilt(r.meta.RunID, len(text)))
}

// WriteOutput records output.md and the output size. Refused once finalized.
func (r *Run) WriteOutput(text string) error {
	if r.Finalized() {
		return ErrFinalized
	}
	if err := fsatomic.WriteFile(filepath.Join(r.dir, "output.md"), []byte(text)); err != nil {
		return err
	}
	r.meta.Sizes.OutputBytes = len(text)
	return fsatomic.WriteJSON(r.metaPath(), r.meta)
}

// WriteArtifact stores a named blob under artifacts/.
func (r *Run) WriteArtifact(name string, data []byte) error {
	if filepath.Base(name) != name || name == "" || name == "." {
		return fmt.Errorf("artifact name must be a bare file name: %q", name)
	}
	return fsatomic.WriteFile(filepath.Join(r.dir, "artifacts", name), data)
}

// AppendEvent appends an arbitrary event to the run's log.
func (r *Run) AppendEvent(ev events.Event) error {
	return events.Append(r.EventsPath(), ev)
}

// Finalize closes the run: RUN_FINISHED, meta.finalized=true, then
// decision.json last. Calling it twice is an error.
func (r *Run) Finalize(d Decision) error {
	if r.Finalized() {
		return ErrFinalized
	}
	if err := events.Append(r.EventsPath(), events.RunFinished(r.meta.RunID, d.Decision)); err != nil {
		return err
	}
	return r.writeDecision(d)
}

// Fail closes the run with a synthetic failed decision carrying errorCode.
func (r *Run) Fail(errorCode, explanation string) error {
	if r.Finalized() {
		return ErrFinalized
	}
	if err := events.Append(r.EventsPath(), events.RunFailed(r.meta.RunID, errorCode, explanation)); err != nil {
		return err
	}
	return r.writeDecision(Decision{
		Done:        false,
		Decision:    DecisionFailed,
		Explanation: explanation,
		ErrorCode:   errorCode,
	})
}

func (r *Run) writeDecision(d Decision) error {
	r.meta.Finalized = true
	if err := fsatomic.WriteJSON(r.metaPath(), r.meta); err != nil {
		return err
	}
	// Last write. Its presence is the finalization signal.
	return fsatomic.WriteJSON(r.decisionPath(), d)
}

// ReadDecision returns the run's decision, or found=false when the run is
// still open.
func (r *Run) ReadDecision() (Decision, bool, error) {
	var d Decision
	found, err := fsatomic.ReadJSON(r.decisionPath(), &d)
	return d, found, err
}

// ListRuns returns all run directories for a task, newest first, covering
// both the current and legacy layouts.
func (s *Store) ListRuns(project, task string) ([]*Run, error) {
	dirs, err := s.runDirs(project, task)
	if err != nil {
		return nil, err
	}
	runs := make([]*Run, 0, len(dirs))
	for _, d := range dirs {
		r, err := s.openRunDir(d.dir)
		if err != nil {
			continue
		}
		runs = append(runs, r)
	}
	return runs, nil
}

type runDirEntry struct {
	dir   string
	runID string
	stage layout.Stage
}

// runDirs discovers run directories by globbing two path shapes under the
// task dir: <run_id>/<stage> (current) and <stage>/<run_id> (legacy). Both
// match the same */*/meta.json pattern; the component order disambiguates.
func (s *Store) runDirs(project, task string) ([]runDirEntry, error) {
	taskDir := s.Layout.TaskDir(project, task)
	if _, err := os.Stat(taskDir); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	matches, err := doublestarGlob(taskDir, "*/*/meta.json")
	if err != nil {
		return nil, err
	}
	var out []runDirEntry
	for _, m := range matches {
		rel, err := filepath.Rel(taskDir, filepath.Dir(m))
		if err != nil {
			continue
		}
		first, second := filepath.Dir(rel), filepath.Base(rel)
		if e, ok := classifyRunDir(first, second); ok {
			e.dir = filepath.Dir(m)
			out = append(out, e)
		}
	}
	// Newest first: run ids sort by time, so sort descending by run id.
	sortRunDirsNewestFirst(out)
	return out, nil
}

func classifyRunDir(first, second string) (runDirEntry, bool) {
	if layout.ValidateRunID(first) == nil {
		if st, err := layout.ParseStage(second); err == nil {
			return runDirEntry{runID: first, stage: st}, true
		}
		return runDirEntry{}, false
	}
	if st, err := layout.ParseStage(first); err == nil && layout.ValidateRunID(second) == nil {
		return runDirEntry{runID: second, stage: st}, true
	}
	return runDirEntry{}, false
}

func sortRunDirsNewestFirst(entries []runDirEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].runID > entries[j-1].runID; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}
