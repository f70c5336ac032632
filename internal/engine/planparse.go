package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agxlabs/agx/internal/graph"
)

// proposalSchema is the structural contract for planner output: a nodes
// object keyed by id, each node an object with a string type, plus an
// optional edges array. Everything beyond shape is the validator's job.
const proposalSchema = `{
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "nodes": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {
        "type": "object",
        "properties": {
          "type": {"type": "string"},
          "status": {"type": "string"},
          "deps": {"type": "array", "items": {"type": "string"}}
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["from", "to"],
        "properties": {
          "from": {"type": "string"},
          "to": {"type": "string"}
        }
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func proposalShapeSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("proposal.json", strings.NewReader(proposalSchema)); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = c.Compile("proposal.json")
	})
	return compiledSchema, schemaErr
}

// stripFences removes a surrounding markdown code fence, tolerating a
// language tag and leading prose before the fence.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	start := strings.Index(s, "```")
	if start < 0 {
		return s
	}
	rest := s[start+3:]
	if nl := strings.Index(rest, "\n"); nl >= 0 {
		// Drop the language tag line when present.
		tag := strings.TrimSpace(rest[:nl])
		if tag == "" || !strings.ContainsAny(tag, "{}[]") {
			rest = rest[nl+1:]
		}
	}
	if end := strings.LastIndex(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

// ParsePlanOutput turns raw planner output into a normalized proposal.
// Any structural failure returns an error; the caller decides on retries.
func ParsePlanOutput(raw string) (*graph.Proposal, error) {
	text := stripFences(raw)
	if text == "" {
		return nil, fmt.Errorf("planner output is empty")
	}

	var doc any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return nil, fmt.Errorf("planner output is not valid JSON: %w", err)
	}
	schema, err := proposalShapeSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("planner output has wrong shape: %w", err)
	}

	var p graph.Proposal
	if err := json.Unmarshal([]byte(text), &p); err != nil {
		return nil, fmt.Errorf("decode proposal: %w", err)
	}
	for id, n := range p.Nodes {
		if n == nil {
			n = &graph.Node{}
			p.Nodes[id] = n
		}
		n.ID = id
		graph.NormalizeNode(n)
		applyNodeDefaults(n)
	}
	for i := range p.Edges {
		e := &p.Edges[i]
		e.Type = graph.EdgeType(strings.ToLower(strings.TrimSpace(string(e.Type))))
		e.Condition = graph.EdgeCondition(strings.ToLower(strings.TrimSpace(string(e.Condition))))
		if e.Type == "" {
			e.Type = graph.EdgeHard
		}
		if e.Condition == "" {
			e.Condition = graph.CondOnSuccess
		}
	}
	return &p, nil
}

// applyNodeDefaults fills the planner-facing defaults for freshly proposed
// nodes: retry budget for work, verification strategy for gates.
func applyNodeDefaults(n *graph.Node) {
	switch n.Type {
	case graph.TypeWork:
		if n.MaxAttempts <= 0 {
			n.MaxAttempts = 2
		}
		if n.RetryPolicy == nil {
			n.RetryPolicy = &graph.RetryPolicy{BackoffMs: 5000, OnExhaust: "escalate"}
		}
	case graph.TypeGate:
		if n.GateType == "" {
			n.GateType = "progress"
		}
		if n.VerificationStrategy == nil {
			strategy := "auto"
			if n.GateType == "handoff_gate" {
				strategy = "human"
			}
			n.VerificationStrategy = &graph.VerificationStrategy{Type: strategy}
		}
	}
}
