package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/agxlabs/agx/internal/graph"
)

const (
	// EnvLoadRetries bounds GET attempts per graph load.
	EnvLoadRetries     = "AGX_V2_GRAPH_LOAD_RETRIES"
	defaultLoadRetries = 3

	backoffBase = 250 * time.Millisecond
	backoffCap  = 2000 * time.Millisecond
)

// Client drives graph load and persist over a Transport.
type Client struct {
	Transport Transport
	Retries   int

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

func NewClient(t Transport) *Client {
	return &Client{Transport: t, Retries: LoadRetriesFromEnv(), sleep: time.Sleep}
}

// LoadRetriesFromEnv reads the retry budget, defaulting when unset or
// non-positive.
func LoadRetriesFromEnv() int {
	if v := os.Getenv(EnvLoadRetries); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultLoadRetries
}

// backoffDelay is the pause before retry attempt n (1-based): power-of-two
// growth from the base, capped.
func backoffDelay(n int) time.Duration {
	d := backoffBase
	for i := 1; i < n; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	if d > backoffCap {
		return backoffCap
	}
	return d
}

func graphEndpoint(taskID string) string {
	return "/api/tasks/" + taskID + "/graph"
}

// LoadGraph fetches and normalizes the task's graph, retrying with backoff.
func (c *Client) LoadGraph(ctx context.Context, taskID string) (*graph.Graph, error) {
	endpoint := graphEndpoint(taskID)
	attempts := c.Retries
	if attempts < 1 {
		attempts = 1
	}
	sleep := c.sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			sleep(backoffDelay(attempt - 1))
		}
		obj, err := c.Transport.Do(ctx, "GET", endpoint, nil)
		if err != nil {
			lastErr = err
			continue
		}
		g, err := extractGraph(obj)
		if err != nil {
			lastErr = err
			continue
		}
		graph.Normalize(g)
		return g, nil
	}
	return nil, fmt.Errorf("failed to load graph for task %s via GET %s after %d attempt(s): %w",
		taskID, endpoint, attempts, lastErr)
}

// SaveGraph persists the graph with optimistic concurrency, trying the flat
// payload first and the wrapped one second. The response becomes the new
// canonical graph after merge-preserving fields the server may omit.
func (c *Client) SaveGraph(ctx context.Context, taskID string, g *graph.Graph) (*graph.Graph, error) {
	endpoint := graphEndpoint(taskID)
	flat := map[string]any{
		"graphId":             g.ID,
		"mode":                g.Mode,
		"nodes":               g.Nodes,
		"edges":               g.Edges,
		"policy":              g.Policy,
		"doneCriteria":        g.DoneCriteria,
		"ifMatchGraphVersion": g.GraphVersion,
	}
	wrapped := map[string]any{
		"graph":               flat,
		"ifMatchGraphVersion": g.GraphVersion,
	}

	var obj map[string]any
	var err error
	obj, err = c.Transport.Do(ctx, "PATCH", endpoint, flat)
	if err != nil {
		var err2 error
		obj, err2 = c.Transport.Do(ctx, "PATCH", endpoint, wrapped)
		if err2 != nil {
			return nil, fmt.Errorf("failed to persist graph for task %s via PATCH %s: flat shape: %v; wrapped shape: %w",
				taskID, endpoint, err, err2)
		}
	}

	srv, err := extractGraph(obj)
	if err != nil {
		return nil, fmt.Errorf("persist graph for task %s: %w", taskID, err)
	}
	mergePreserve(srv, g)
	graph.Normalize(srv)
	return srv, nil
}

// mergePreserve backfills fields the runtime owns when the server response
// omits them. graphVersion stays server-authoritative.
func mergePreserve(srv, local *graph.Graph) {
	if srv.ID == "" {
		srv.ID = local.ID
	}
	if srv.TaskID == "" {
		srv.TaskID = local.TaskID
	}
	if srv.GraphVersion == 0 {
		srv.GraphVersion = local.GraphVersion
	}
	if srv.Status == "" {
		srv.Status = local.Status
	}
	if srv.StartedAt == "" {
		srv.StartedAt = local.StartedAt
	}
	if srv.CompletedAt == "" {
		srv.CompletedAt = local.CompletedAt
	}
	if srv.TimedOutAt == "" {
		srv.TimedOutAt = local.TimedOutAt
	}
	if len(srv.RuntimeEvents) == 0 {
		srv.RuntimeEvents = local.RuntimeEvents
	}
	for id, sn := range srv.Nodes {
		ln, ok := local.Nodes[id]
		if !ok {
			continue
		}
		if sn.Status == "" {
			sn.Status = ln.Status
		}
		if sn.StartedAt == "" {
			sn.StartedAt = ln.StartedAt
		}
		if sn.CompletedAt == "" {
			sn.CompletedAt = ln.CompletedAt
		}
	}
}

// extractGraph pattern-matches the graph payload out of a response object:
// graph, execution_graph, executionGraph, or the root itself.
func extractGraph(obj map[string]any) (*graph.Graph, error) {
	candidate := obj
	for _, key := range []string{"graph", "execution_graph", "executionGraph"} {
		if v, ok := obj[key]; ok {
			m, ok := v.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("response field %q is not an object", key)
			}
			candidate = m
			break
		}
	}
	b, err := json.Marshal(candidate)
	if err != nil {
		return nil, err
	}
	var g graph.Graph
	if err := json.Unmarshal(b, &g); err != nil {
		return nil, fmt.Errorf("decode graph payload: %w", err)
	}
	if g.Nodes == nil {
		return nil, fmt.Errorf("response carries no recognizable graph payload")
	}
	return &g, nil
}
