package state

import (
	"time"

	"github.com/agxlabs/agx/internal/fsatomic"
	"github.com/agxlabs/agx/internal/layout"
)

// IndexEntry is one task's row in the per-project index.
type IndexEntry struct {
	TaskSlug  string `json:"task_slug"`
	Status    string `json:"status"`
	Title     string `json:"title,omitempty"`
	UpdatedAt string `json:"updated_at"`
}

type Index struct {
	Tasks []IndexEntry `json:"tasks"`
}

// ReadIndex returns the project index, empty when absent.
func ReadIndex(l layout.Layout, project string) (Index, error) {
	var idx Index
	if _, err := fsatomic.ReadJSON(l.IndexFile(project), &idx); err != nil {
		return Index{}, err
	}
	return idx, nil
}

// UpsertIndex records entry keyed by task slug. Idempotent: re-upserting the
// same slug replaces the row in place.
func UpsertIndex(l layout.Layout, project string, entry IndexEntry) (Index, error) {
	idx, err := ReadIndex(l, project)
	if err != nil {
		return Index{}, err
	}
	if entry.UpdatedAt == "" {
		entry.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	replaced := false
	for i := range idx.Tasks {
		if idx.Tasks[i].TaskSlug == entry.TaskSlug {
			idx.Tasks[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		idx.Tasks = append(idx.Tasks, entry)
	}
	if err := fsatomic.WriteJSON(l.IndexFile(project), idx); err != nil {
		return Index{}, err
	}
	return idx, nil
}
