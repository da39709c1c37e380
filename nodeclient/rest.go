package nodeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/madsci-dev/workcell/types"
)

type (
	// RESTClient talks to a node over its REST interface.
	RESTClient struct {
		baseURL string
		http    *http.Client
		limiter *rate.Limiter
	}

	// RESTOptions configures REST node clients built by NewRESTFactory.
	RESTOptions struct {
		// Timeout bounds each request when the caller's context carries no
		// deadline. Defaults to 30 seconds.
		Timeout time.Duration
		// PollRate caps the aggregate rate of requests across every node
		// client built by the factory, protecting instrument controllers
		// from poller bursts. Zero means unlimited.
		PollRate rate.Limit
		// HTTPClient overrides the shared transport. Mostly for tests.
		HTTPClient *http.Client
	}
)

const defaultTimeout = 30 * time.Second

// NewRESTFactory returns a Factory producing REST clients that share one
// transport and one rate limiter.
func NewRESTFactory(opts RESTOptions) Factory {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	var limiter *rate.Limiter
	if opts.PollRate > 0 {
		limiter = rate.NewLimiter(opts.PollRate, int(opts.PollRate)+1)
	}
	return func(nodeURL string) (Client, error) {
		if _, err := url.Parse(nodeURL); err != nil {
			return nil, fmt.Errorf("invalid node url %q: %w", nodeURL, err)
		}
		if nodeURL == "" {
			return nil, errors.New("node url is required")
		}
		return &RESTClient{
			baseURL: strings.TrimRight(nodeURL, "/"),
			http:    hc,
			limiter: limiter,
		}, nil
	}
}

// SendAction submits an action request.
func (c *RESTClient) SendAction(ctx context.Context, req *types.ActionRequest) (*types.ActionResult, error) {
	var result types.ActionResult
	if err := c.do(ctx, http.MethodPost, "/action", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ActionResult fetches the current result of a previously submitted action.
func (c *RESTClient) ActionResult(ctx context.Context, actionID string) (*types.ActionResult, error) {
	var result types.ActionResult
	if err := c.do(ctx, http.MethodGet, "/action/"+url.PathEscape(actionID), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Info fetches the node's capability catalog.
func (c *RESTClient) Info(ctx context.Context) (*types.NodeInfo, error) {
	var info types.NodeInfo
	if err := c.do(ctx, http.MethodGet, "/info", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Status fetches the node's readiness snapshot.
func (c *RESTClient) Status(ctx context.Context) (*types.NodeStatus, error) {
	var status types.NodeStatus
	if err := c.do(ctx, http.MethodGet, "/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// State fetches the node's opaque state report.
func (c *RESTClient) State(ctx context.Context) (map[string]any, error) {
	var st map[string]any
	if err := c.do(ctx, http.MethodGet, "/state", nil, &st); err != nil {
		return nil, err
	}
	return st, nil
}

// SendAdminCommand forwards an admin operation to the node.
func (c *RESTClient) SendAdminCommand(ctx context.Context, cmd types.AdminCommand) (*types.AdminCommandResponse, error) {
	var resp types.AdminCommandResponse
	if err := c.do(ctx, http.MethodPost, "/admin/"+url.PathEscape(string(cmd)), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *RESTClient) do(ctx context.Context, method, path string, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("node request rate limit: %w", err)
		}
	}
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: node returned %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}
