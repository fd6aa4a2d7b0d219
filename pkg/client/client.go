package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/cuemby/pgwarden/pkg/api"
	"github.com/cuemby/pgwarden/pkg/failover"
	"github.com/cuemby/pgwarden/pkg/health"
	"github.com/cuemby/pgwarden/pkg/manager"
	"github.com/cuemby/pgwarden/pkg/types"
)

// Errors matched by the status class of an API answer
var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrBadRequest = errors.New("bad request")
)

// Client talks to a running pgwarden server over its HTTP API. Every
// orchestration goes through the server, so its lease table and event
// stream see CLI operations too.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for addr, which is either a URL or a
// host:port. An empty host means the local machine.
func NewClient(addr string) (*Client, error) {
	base, err := BaseURL(addr)
	if err != nil {
		return nil, err
	}
	return &Client{
		base: base,
		// operations are bounded server side, the caller's context bounds the wait
		http: &http.Client{},
	}, nil
}

// BaseURL normalizes a listen address or URL to the API base URL
func BaseURL(addr string) (string, error) {
	if addr == "" {
		return "", errors.New("server address is empty")
	}
	if strings.Contains(addr, "://") {
		u, err := url.Parse(addr)
		if err != nil {
			return "", fmt.Errorf("invalid server URL %q: %w", addr, err)
		}
		if u.Host == "" {
			return "", fmt.Errorf("invalid server URL %q: missing host", addr)
		}
		return strings.TrimRight(u.String(), "/"), nil
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid server address %q: %w", addr, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port), nil
}

// Overview probes every node and classifies the topology
func (c *Client) Overview(ctx context.Context) (*types.Overview, error) {
	var ov types.Overview
	if err := c.do(ctx, http.MethodGet, "/api/overview", nil, &ov); err != nil {
		return nil, err
	}
	return &ov, nil
}

// NodeStatus reports one node by name, address or container
func (c *Client) NodeStatus(ctx context.Context, identifier string) (*types.NodeOverview, error) {
	var n types.NodeOverview
	if err := c.do(ctx, http.MethodGet, "/api/nodes/"+url.PathEscape(identifier), nil, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// Lag reports the replication lag of every node
func (c *Client) Lag(ctx context.Context) (map[string]types.LagReading, error) {
	readings := make(map[string]types.LagReading)
	if err := c.do(ctx, http.MethodGet, "/api/lag", nil, &readings); err != nil {
		return nil, err
	}
	return readings, nil
}

// Diagnose runs the node checks on the server
func (c *Client) Diagnose(ctx context.Context, identifier string) ([]health.Result, error) {
	var results []health.Result
	if err := c.do(ctx, http.MethodGet, "/api/nodes/"+url.PathEscape(identifier)+"/diagnose", nil, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// Promote asks the server to make name the primary
func (c *Client) Promote(ctx context.Context, name string) (*failover.Result, error) {
	return c.operate(ctx, "/api/nodes/"+url.PathEscape(name)+"/promote")
}

// Demote asks the server to turn the primary name into a standby
func (c *Client) Demote(ctx context.Context, name string) (*failover.Result, error) {
	return c.operate(ctx, "/api/nodes/"+url.PathEscape(name)+"/demote")
}

// DemoteAll asks the server to turn every node into a standby
func (c *Client) DemoteAll(ctx context.Context) (*failover.Result, error) {
	return c.operate(ctx, "/api/demote-all")
}

// RegisterHost adds a node to the server's registry
func (c *Client) RegisterHost(ctx context.Context, req manager.HostRequest) (*types.Node, error) {
	var n types.Node
	if err := c.do(ctx, http.MethodPost, "/api/hosts", req, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// DeregisterHost removes a node from the server's registry
func (c *Client) DeregisterHost(ctx context.Context, identifier string) (*types.Node, error) {
	var n types.Node
	if err := c.do(ctx, http.MethodDelete, "/api/hosts/"+url.PathEscape(identifier), nil, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// CreateCluster creates a cluster on the server
func (c *Client) CreateCluster(ctx context.Context, req manager.ClusterRequest) (*types.Cluster, error) {
	var cl types.Cluster
	if err := c.do(ctx, http.MethodPost, "/api/clusters", req, &cl); err != nil {
		return nil, err
	}
	return &cl, nil
}

// ListClusters lists the server's clusters
func (c *Client) ListClusters(ctx context.Context) ([]*types.Cluster, error) {
	var list struct {
		Clusters []*types.Cluster `json:"clusters"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/clusters", nil, &list); err != nil {
		return nil, err
	}
	return list.Clusters, nil
}

// AttachNode adds node to cluster
func (c *Client) AttachNode(ctx context.Context, cluster, node string) (*types.Cluster, error) {
	var cl types.Cluster
	path := "/api/clusters/" + url.PathEscape(cluster) + "/nodes"
	if err := c.do(ctx, http.MethodPost, path, api.AttachRequest{NodeName: node}, &cl); err != nil {
		return nil, err
	}
	return &cl, nil
}

// DetachNode removes node from cluster
func (c *Client) DetachNode(ctx context.Context, cluster, node string) (*types.Cluster, error) {
	var cl types.Cluster
	path := "/api/clusters/" + url.PathEscape(cluster) + "/nodes/" + url.PathEscape(node)
	if err := c.do(ctx, http.MethodDelete, path, nil, &cl); err != nil {
		return nil, err
	}
	return &cl, nil
}

// operate posts an orchestration request. The server answers with a Result
// whatever the outcome, so the Result is returned alongside any error.
func (c *Client) operate(ctx context.Context, path string) (*failover.Result, error) {
	resp, err := c.send(ctx, http.MethodPost, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var res failover.Result
	if err := json.Unmarshal(body, &res); err != nil || res.Operation == "" {
		return nil, apiError(resp.StatusCode, body)
	}
	if res.Kind != "" {
		return &res, &ResultError{Result: &res}
	}
	return &res, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	resp, err := c.send(ctx, method, path, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return apiError(resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, in any) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach pgwarden server at %s: %w", c.base, err)
	}
	return resp, nil
}

// APIError is a non-orchestration error answered by the server
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return e.Message
}

// Is matches the sentinel of the status class
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	case ErrBadRequest:
		return e.StatusCode == http.StatusBadRequest
	}
	return false
}

func apiError(code int, body []byte) error {
	var er api.ErrorResponse
	if err := json.Unmarshal(body, &er); err != nil || er.Error == "" {
		er.Error = strings.TrimSpace(string(body))
		if er.Error == "" {
			er.Error = http.StatusText(code)
		}
	}
	return &APIError{StatusCode: code, Message: er.Error}
}

// ResultError is an orchestration that did not reach Done. It matches the
// failover sentinel of its kind, so errors.Is(err, failover.ErrTimeout)
// works the same against the server as in process.
type ResultError struct {
	Result *failover.Result
}

func (e *ResultError) Error() string {
	if e.Result.Error != "" {
		return e.Result.Error
	}
	return string(e.Result.Kind)
}

func (e *ResultError) Unwrap() error {
	return &failover.Error{Kind: e.Result.Kind, Step: e.Result.FailedStep}
}
