// Package graph defines the execution graph: typed nodes, conditional edges,
// normalization, dependency predicates, and the scheduler tick.
package graph

import (
	"fmt"
	"sort"
	"strings"
)

// NodeType after normalization. "spike" on the wire folds into work with
// WorkType=spike.
type NodeType string

const (
	TypeWork        NodeType = "work"
	TypeGate        NodeType = "gate"
	TypeRoot        NodeType = "root"
	TypeFork        NodeType = "fork"
	TypeJoin        NodeType = "join"
	TypeConditional NodeType = "conditional"
)

// Status values the runtime knows. Unknown values are preserved as-is and
// treated as non-terminal.
type Status string

const (
	StatusPending       Status = "pending"
	StatusRunning       Status = "running"
	StatusAwaitingHuman Status = "awaiting_human"
	StatusDone          Status = "done"
	StatusPassed        Status = "passed"
	StatusFailed        Status = "failed"
	StatusBlocked       Status = "blocked"
	StatusSkipped       Status = "skipped"
)

type EdgeType string

const (
	EdgeHard EdgeType = "hard"
	EdgeSoft EdgeType = "soft"
)

type EdgeCondition string

const (
	CondOnSuccess EdgeCondition = "on_success"
	CondOnFailure EdgeCondition = "on_failure"
	CondAlways    EdgeCondition = "always"
)

type RetryPolicy struct {
	BackoffMs int    `json:"backoffMs,omitempty"`
	OnExhaust string `json:"onExhaust,omitempty"`
}

type VerificationStrategy struct {
	Type   string   `json:"type,omitempty"` // auto | human
	Checks []string `json:"checks,omitempty"`
}

type CheckResult struct {
	Name   string `json:"name,omitempty"`
	Passed bool   `json:"passed"`
	Output string `json:"output,omitempty"`
}

type VerificationResult struct {
	Passed     bool          `json:"passed"`
	Checks     []CheckResult `json:"checks,omitempty"`
	VerifiedAt string        `json:"verifiedAt,omitempty"`
	VerifiedBy string        `json:"verifiedBy,omitempty"`
}

// Proposal is the sub-graph a plan node emits.
type Proposal struct {
	Nodes map[string]*Node `json:"nodes"`
	Edges []Edge           `json:"edges,omitempty"`
}

type Output struct {
	Summary          string    `json:"summary,omitempty"`
	CompletedAt      string    `json:"completedAt,omitempty"`
	ProposedGraph    *Proposal `json:"proposedGraph,omitempty"`
	DraftNodeIDs     []string  `json:"draftNodeIds,omitempty"`
	DraftSinkNodeIDs []string  `json:"draftSinkNodeIds,omitempty"`
}

type Node struct {
	ID     string   `json:"id,omitempty"`
	Type   NodeType `json:"type"`
	Status Status   `json:"status"`
	Deps   []string `json:"deps,omitempty"`

	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`

	// Work fields.
	WorkType           string       `json:"workType,omitempty"`
	Attempts           int          `json:"attempts,omitempty"`
	MaxAttempts        int          `json:"maxAttempts,omitempty"`
	RetryPolicy        *RetryPolicy `json:"retryPolicy,omitempty"`
	EstimateMinutes    int          `json:"estimateMinutes,omitempty"`
	ActualMinutes      int          `json:"actualMinutes,omitempty"`
	Where              []string     `json:"where,omitempty"`
	WhatChanges        []string     `json:"whatChanges,omitempty"`
	AcceptanceCriteria []string     `json:"acceptanceCriteria,omitempty"`
	Todos              []string     `json:"todos,omitempty"`
	Verification       []string     `json:"verification,omitempty"`
	Output             *Output      `json:"output,omitempty"`

	// Gate fields.
	GateType             string                `json:"gateType,omitempty"`
	Required             bool                  `json:"required,omitempty"`
	VerificationStrategy *VerificationStrategy `json:"verificationStrategy,omitempty"`
	VerificationResult   *VerificationResult   `json:"verificationResult,omitempty"`
	VerifyFailures       int                   `json:"verifyFailures,omitempty"`

	// Planner ownership.
	GeneratedByPlanNodeID string `json:"generatedByPlanNodeId,omitempty"`
	PlanNodeKey           string `json:"planNodeKey,omitempty"`

	// Root bookkeeping.
	GraphCreated *bool `json:"graphCreated,omitempty"`

	Error       string `json:"error,omitempty"`
	StartedAt   string `json:"startedAt,omitempty"`
	CompletedAt string `json:"completedAt,omitempty"`
}

type Edge struct {
	From      string        `json:"from"`
	To        string        `json:"to"`
	Type      EdgeType      `json:"type,omitempty"`
	Condition EdgeCondition `json:"condition,omitempty"`
}

type Policy struct {
	MaxConcurrent int `json:"maxConcurrent"`
}

// DefaultMaxConcurrent applies when a graph arrives without a policy.
const DefaultMaxConcurrent = 3

type DoneCriteria struct {
	CompletionSinkNodeIDs []string `json:"completionSinkNodeIds,omitempty"`
}

// RuntimeEvent is one append-only audit record of a scheduler transition.
type RuntimeEvent struct {
	Type       string `json:"type"`
	NodeID     string `json:"nodeId,omitempty"`
	FromStatus Status `json:"fromStatus,omitempty"`
	ToStatus   Status `json:"toStatus,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type Graph struct {
	ID            string           `json:"id"`
	TaskID        string           `json:"taskId,omitempty"`
	GraphVersion  int              `json:"graphVersion"`
	Mode          string           `json:"mode,omitempty"`
	Nodes         map[string]*Node `json:"nodes"`
	Edges         []Edge           `json:"edges"`
	Policy        Policy           `json:"policy"`
	DoneCriteria  DoneCriteria     `json:"doneCriteria"`
	RuntimeEvents []RuntimeEvent   `json:"runtimeEvents,omitempty"`
	StartedAt     string           `json:"startedAt,omitempty"`
	CompletedAt   string           `json:"completedAt,omitempty"`
	TimedOutAt    string           `json:"timedOutAt,omitempty"`
	Status        string           `json:"status,omitempty"`
	UpdatedAt     string           `json:"updatedAt,omitempty"`
}

// AssertShape rejects payloads the loop cannot run. Fatal at load.
func AssertShape(g *Graph) error {
	if g == nil {
		return fmt.Errorf("[v2-required] graph is missing")
	}
	if strings.TrimSpace(g.ID) == "" {
		return fmt.Errorf("[v2-required] graph.id is missing")
	}
	if g.Nodes == nil {
		return fmt.Errorf("[v2-required] graph.nodes must be an object")
	}
	if g.Edges == nil {
		return fmt.Errorf("[v2-required] graph.edges must be an array")
	}
	return nil
}

// Outgoing returns edges leaving from.
func (g *Graph) Outgoing(from string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.From == from {
			out = append(out, e)
		}
	}
	return out
}

// Incoming returns edges arriving at to.
func (g *Graph) Incoming(to string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.To == to {
			out = append(out, e)
		}
	}
	return out
}

// SortedNodeIDs returns node ids in lexical order for deterministic
// iteration.
func (g *Graph) SortedNodeIDs() []string {
	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
