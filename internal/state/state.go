// Package state manages the per-task canonical files (task.json,
// working_set.md, approvals.json, last_run.json) and the per-project
// index.json. All writes go through fsatomic so readers never observe a torn
// file.
package state

import (
	"fmt"
	"time"

	"github.com/agxlabs/agx/internal/fsatomic"
	"github.com/agxlabs/agx/internal/layout"
)

// Files addresses one task's state tree.
type Files struct {
	Layout  layout.Layout
	Project string
	Task    string
}

// Keys of task.json that are fixed at creation. Merge updates never change
// them; existing values win.
var immutableTaskKeys = []string{"user_request", "task_slug", "created_at"}

// InitTask writes the initial task.json if absent. Re-initializing an
// existing task is an error.
func (f Files) InitTask(userRequest string, attrs map[string]any) (map[string]any, error) {
	path := f.Layout.TaskFile(f.Project, f.Task)
	if fsatomic.Exists(path) {
		return nil, fmt.Errorf("task already initialized: %s", path)
	}
	doc := map[string]any{
		"user_request": userRequest,
		"task_slug":    f.Task,
		"created_at":   time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range attrs {
		if !isImmutableTaskKey(k) {
			doc[k] = v
		}
	}
	if err := fsatomic.WriteJSON(path, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// ReadTaskState returns task.json, or nil when the task has no state yet.
func (f Files) ReadTaskState() (map[string]any, error) {
	var doc map[string]any
	found, err := fsatomic.ReadJSON(f.Layout.TaskFile(f.Project, f.Task), &doc)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return doc, nil
}

// UpdateTaskState merges updates into task.json. Immutable keys keep their
// existing values; updates against them are dropped silently.
func (f Files) UpdateTaskState(updates map[string]any) (map[string]any, error) {
	doc, err := f.ReadTaskState()
	if err != nil {
		return nil, err
	}
	if doc == nil {
		doc = map[string]any{"task_slug": f.Task}
	}
	for k, v := range updates {
		if isImmutableTaskKey(k) {
			if _, exists := doc[k]; exists {
				continue
			}
		}
		doc[k] = v
	}
	if err := fsatomic.WriteJSON(f.Layout.TaskFile(f.Project, f.Task), doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func isImmutableTaskKey(k string) bool {
	for _, ik := range immutableTaskKeys {
		if k == ik {
			return true
		}
	}
	return false
}

// LastRunEntry summarizes the most recent run, overall and per stage.
type LastRunEntry struct {
	RunID    string `json:"run_id"`
	Stage    string `json:"stage"`
	Decision string `json:"decision"`
	At       string `json:"at"`
}

type LastRun struct {
	Overall LastRunEntry            `json:"overall"`
	Stages  map[string]LastRunEntry `json:"stages"`
}

// ReadLastRun returns last_run.json, zero-valued when absent.
func (f Files) ReadLastRun() (LastRun, error) {
	var lr LastRun
	if _, err := fsatomic.ReadJSON(f.Layout.LastRunFile(f.Project, f.Task), &lr); err != nil {
		return LastRun{}, err
	}
	if lr.Stages == nil {
		lr.Stages = map[string]LastRunEntry{}
	}
	return lr, nil
}

// UpdateLastRun records entry both overall and under its stage.
func (f Files) UpdateLastRun(entry LastRunEntry) (LastRun, error) {
	lr, err := f.ReadLastRun()
	if err != nil {
		return LastRun{}, err
	}
	if entry.At == "" {
		entry.At = time.Now().UTC().Format(time.RFC3339)
	}
	lr.Overall = entry
	lr.Stages[entry.Stage] = entry
	if err := fsatomic.WriteJSON(f.Layout.LastRunFile(f.Project, f.Task), lr); err != nil {
		return LastRun{}, err
	}
	return lr, nil
}
