package runstore

import (
	"github.com/agxlabs/agx/internal/events"
	"github.com/agxlabs/agx/internal/layout"
)

// ErrorCodeCrashed marks decisions synthesized for runs whose process died
// before finalization.
const ErrorCodeCrashed = "CRASHED"

// FindIncompleteRuns lists runs with meta.json present and decision.json
// absent, newest first.
func (s *Store) FindIncompleteRuns(project, task string) ([]*Run, error) {
	runs, err := s.ListRuns(project, task)
	if err != nil {
		return nil, err
	}
	var out []*Run
	for _, r := range runs {
		if !r.Finalized() {
			out = append(out, r)
		}
	}
	return out, nil
}

// CreateRecoveryRun closes an incomplete run with a CRASHED decision and
// opens a fresh run in stage resume, emitting RECOVERY_DETECTED on the new
// run's log.
func (s *Store) CreateRecoveryRun(incomplete *Run, engine, model string) (*Run, error) {
	if err := incomplete.Fail(ErrorCodeCrashed, "process exited before the run was finalized"); err != nil && err != ErrFinalized {
		return nil, err
	}
	m := incomplete.Meta()
	r, err := s.CreateRun(m.ProjectSlug, m.TaskSlug, layout.StageResume, engine, model, m.Git)
	if err != nil {
		return nil, err
	}
	if err := r.AppendEvent(events.RecoveryDetected(m.RunID, r.RunID())); err != nil {
		return nil, err
	}
	return r, nil
}
