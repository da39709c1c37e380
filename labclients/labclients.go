// Package labclients holds the outbound clients for the other lab managers
// the workcell engine cooperates with: the resource manager (container and
// sample tracking), the data manager (datapoint registration) and the event
// manager (lab-wide event log). All three are optional; a workcell can run
// standalone with every client nil.
package labclients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 10 * time.Second

// rest is the shared JSON-over-HTTP plumbing for the manager clients.
type rest struct {
	baseURL string
	http    *http.Client
}

func newREST(baseURL string, hc *http.Client) rest {
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	return rest{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

func (r rest) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: manager returned %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}
