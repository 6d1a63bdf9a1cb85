package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/roost-run/roost/pkg/errdefs"
	"github.com/roost-run/roost/pkg/types"
)

// Client talks to one node agent's HTTP API. It reconstructs error
// classifications from response statuses so callers can retry or give
// up by kind, the same way they would against the runtime directly.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a client for the agent at baseURL (e.g. "http://10.0.0.7:7946")
// authenticating with the node's bearer token.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// NewForNode is a convenience constructor from a node record.
func NewForNode(node types.Node) *Client {
	return New(node.Address, node.Token)
}

// Deploy submits a spec for create-or-adopt convergence.
func (c *Client) Deploy(ctx context.Context, spec *types.ToolInstanceSpec) (*types.ToolInstanceStatus, error) {
	return c.doStatus(ctx, http.MethodPost, "/v1/instances", spec)
}

// Start transitions the named instance to running.
func (c *Client) Start(ctx context.Context, name string) (*types.ToolInstanceStatus, error) {
	return c.doStatus(ctx, http.MethodPost, "/v1/instances/"+url.PathEscape(name)+"/start", nil)
}

// Stop gracefully stops the named instance.
func (c *Client) Stop(ctx context.Context, name string) (*types.ToolInstanceStatus, error) {
	return c.doStatus(ctx, http.MethodPost, "/v1/instances/"+url.PathEscape(name)+"/stop", nil)
}

// Remove deletes the named instance's container. Succeeds when the
// instance is already gone.
func (c *Client) Remove(ctx context.Context, name string) (*types.ToolInstanceStatus, error) {
	return c.doStatus(ctx, http.MethodDelete, "/v1/instances/"+url.PathEscape(name), nil)
}

// Status fetches the live state of one instance.
func (c *Client) Status(ctx context.Context, name string) (*types.ToolInstanceStatus, error) {
	return c.doStatus(ctx, http.MethodGet, "/v1/instances/"+url.PathEscape(name), nil)
}

// List fetches every managed instance on the node.
func (c *Client) List(ctx context.Context) ([]*types.ToolInstanceStatus, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/instances", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.responseError(resp)
	}

	var statuses []*types.ToolInstanceStatus
	if err := json.NewDecoder(resp.Body).Decode(&statuses); err != nil {
		return nil, errdefs.Transientf("decoding list response: %v", err)
	}
	return statuses, nil
}

// Health probes the agent. A degraded agent (engine unreachable)
// returns the health report alongside a transient error.
func (c *Client) Health(ctx context.Context) (*types.NodeHealth, error) {
	resp, err := c.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var health types.NodeHealth
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, errdefs.Transientf("decoding health response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &health, errdefs.Transientf("node degraded: %s", health.Message)
	}
	return &health, nil
}

func (c *Client) doStatus(ctx context.Context, method, path string, body any) (*types.ToolInstanceStatus, error) {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, c.responseError(resp)
	}

	var status types.ToolInstanceStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, errdefs.Transientf("decoding status response: %v", err)
	}
	return &status, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, errdefs.Permanentf("encoding request: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, errdefs.Permanentf("building request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Connection refused, DNS failure, timeout. All retryable.
		return nil, errdefs.Transientf("agent unreachable: %v", err)
	}
	return resp, nil
}

// responseError rebuilds a classified error from the agent's error
// body and HTTP status. The caller owns closing the body.
func (c *Client) responseError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		body.Error = fmt.Sprintf("agent returned %s", resp.Status)
	}
	return errdefs.FromHTTPStatus(resp.StatusCode, fmt.Errorf("%s", body.Error))
}
