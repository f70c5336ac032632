// Package engine drives one task's execution graph to a terminal decision:
// scheduler ticks, node dispatch, plan subtree replacement, and persistence.
package engine

import (
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/agxlabs/agx/internal/graph"
)

// Task is the unit of execution. Attrs carries raw attributes from whatever
// source produced the task (API object, markdown file); well-known keys are
// resolved through the accessor helpers rather than typed fields so that
// synonym spellings keep working.
type Task struct {
	ID          string         `json:"id"`
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	Content     string         `json:"content,omitempty"`
	Graph       *graph.Graph   `json:"graph,omitempty"`
	StartNodeID string         `json:"start_node_id,omitempty"`
	Attrs       map[string]any `json:"attrs,omitempty"`
}

const (
	ApprovalAuto   = "auto"
	ApprovalManual = "manual"
)

// Frontmatter parses a leading ----fenced YAML block out of the task
// content. Returns nil when there is none or it does not parse.
func Frontmatter(content string) map[string]any {
	if !strings.HasPrefix(content, "---\n") && content != "---" {
		return nil
	}
	rest := strings.TrimPrefix(content, "---\n")
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return nil
	}
	var fm map[string]any
	if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
		return nil
	}
	return fm
}

// ApprovalMode resolves the task's approval mode, checking the task
// attributes first and the content frontmatter second. Defaults to manual.
func (t *Task) ApprovalMode() string {
	if t == nil {
		return ApprovalManual
	}
	sources := []map[string]any{t.Attrs, Frontmatter(t.Content)}
	keys := []string{"approval_mode", "approvalMode", "approval", "auto_approve", "autoApprove"}
	for _, src := range sources {
		if src == nil {
			continue
		}
		for _, k := range keys {
			v, ok := src[k]
			if !ok {
				continue
			}
			if mode, ok := normalizeApproval(v); ok {
				return mode
			}
		}
	}
	return ApprovalManual
}

// normalizeApproval maps the accepted spellings onto auto/manual.
func normalizeApproval(v any) (string, bool) {
	switch x := v.(type) {
	case bool:
		if x {
			return ApprovalAuto, true
		}
		return ApprovalManual, true
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "auto", "automatic", "auto_approve", "autoapprove", "true", "yes":
			return ApprovalAuto, true
		case "manual", "human", "false", "no":
			return ApprovalManual, true
		}
	}
	return "", false
}

// TaskText is the haystack the plan validator's domain heuristics match
// against.
func (t *Task) TaskText() string {
	if t == nil {
		return ""
	}
	return strings.ToLower(strings.Join([]string{t.Title, t.Description, t.Content}, "\n"))
}
