// Package cloud loads and persists execution graphs against the task API,
// reconciling server responses with locally authoritative state.
package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// Transport issues one API request and returns the decoded JSON object.
// The core uses exactly two endpoints: GET and PATCH /api/tasks/<id>/graph.
type Transport interface {
	Do(ctx context.Context, method, endpoint string, payload any) (map[string]any, error)
}

// HTTPTransport is the resty-backed production transport.
type HTTPTransport struct {
	c *resty.Client
}

func NewHTTPTransport(baseURL, token string) *HTTPTransport {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second).
		SetHeader("Accept", "application/json")
	if token != "" {
		c.SetAuthToken(token)
	}
	return &HTTPTransport{c: c}
}

func (t *HTTPTransport) Do(ctx context.Context, method, endpoint string, payload any) (map[string]any, error) {
	req := t.c.R().SetContext(ctx)
	if payload != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(payload)
	}
	var (
		resp *resty.Response
		err  error
	)
	switch method {
	case http.MethodGet:
		resp, err = req.Get(endpoint)
	case http.MethodPatch:
		resp, err = req.Patch(endpoint)
	default:
		return nil, fmt.Errorf("unsupported method %s", method)
	}
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%s %s: server returned %s", method, endpoint, resp.Status())
	}
	var out map[string]any
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("%s %s: decode response: %w", method, endpoint, err)
	}
	return out, nil
}
