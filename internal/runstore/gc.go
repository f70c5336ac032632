package runstore

import (
	"os"
	"path/filepath"

	"github.com/agxlabs/agx/internal/layout"
)

// GCRuns removes old run directories, keeping the newest keepPerStage runs in
// each stage. Tasks whose status is blocked or failed keep every run: those
// directories are the evidence a human needs to unblock the task.
func (s *Store) GCRuns(project, task string, keepPerStage int, taskStatus string) (removed int, err error) {
	if keepPerStage < 1 {
		keepPerStage = 1
	}
	switch taskStatus {
	case "blocked", "failed":
		return 0, nil
	}
	entries, err := s.runDirs(project, task)
	if err != nil {
		return 0, err
	}
	perStage := map[layout.Stage]int{}
	for _, e := range entries { // newest first
		perStage[e.stage]++
		if perStage[e.stage] <= keepPerStage {
			continue
		}
		if err := os.RemoveAll(e.dir); err != nil {
			return removed, err
		}
		removed++
		// Current layout nests <run_id>/<stage>; drop the run id dir when the
		// stage removal left it empty.
		parent := filepath.Dir(e.dir)
		if layout.ValidateRunID(filepath.Base(parent)) == nil {
			if rest, err := os.ReadDir(parent); err == nil && len(rest) == 0 {
				_ = os.Remove(parent)
			}
		}
	}
	return removed, nil
}
