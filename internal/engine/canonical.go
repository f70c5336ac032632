package engine

import (
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/zeebo/blake3"

	"github.com/agxlabs/agx/internal/graph"
)

// canonicalNode is the order-independent structural view of a node used to
// compare a proposed node against its locked counterpart. Execution state
// (status, attempts, output, timestamps, verification results) is excluded,
// as is the approval anchor in deps: the merge injects that edge itself.
type canonicalNode struct {
	Type               graph.NodeType              `json:"type"`
	Title              string                      `json:"title,omitempty"`
	Description        string                      `json:"description,omitempty"`
	Deps               []string                    `json:"deps,omitempty"`
	WorkType           string                      `json:"workType,omitempty"`
	Where              []string                    `json:"where,omitempty"`
	WhatChanges        []string                    `json:"whatChanges,omitempty"`
	AcceptanceCriteria []string                    `json:"acceptanceCriteria,omitempty"`
	Todos              []string                    `json:"todos,omitempty"`
	Verification       []string                    `json:"verification,omitempty"`
	GateType           string                      `json:"gateType,omitempty"`
	Required           bool                        `json:"required,omitempty"`
	Strategy           *graph.VerificationStrategy `json:"verificationStrategy,omitempty"`
}

// CanonicalNodeDigest hashes the structural identity of a node. Two nodes
// digest equal iff they are interchangeable from the planner's point of
// view.
func CanonicalNodeDigest(n *graph.Node, anchorID string) string {
	deps := make([]string, 0, len(n.Deps))
	for _, d := range n.Deps {
		if d == anchorID {
			continue
		}
		deps = append(deps, d)
	}
	sort.Strings(deps)
	c := canonicalNode{
		Type:               n.Type,
		Title:              n.Title,
		Description:        n.Description,
		Deps:               deps,
		WorkType:           n.WorkType,
		Where:              n.Where,
		WhatChanges:        n.WhatChanges,
		AcceptanceCriteria: n.AcceptanceCriteria,
		Todos:              n.Todos,
		Verification:       n.Verification,
		GateType:           n.GateType,
		Required:           n.Required,
		Strategy:           n.VerificationStrategy,
	}
	b, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}
