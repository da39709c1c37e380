package labclients

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ResourceClient talks to the lab's resource manager. It satisfies
// state.ResourceCreator so workcell initialization can materialize the
// resources embedded in location definitions.
type ResourceClient struct {
	rest
}

// NewResourceClient returns a client for the resource manager at baseURL.
func NewResourceClient(baseURL string, hc *http.Client) (*ResourceClient, error) {
	if baseURL == "" {
		return nil, errors.New("resource manager url is required")
	}
	return &ResourceClient{rest: newREST(baseURL, hc)}, nil
}

// AddResource creates a resource from its definition and returns its ID. If
// an equivalent resource already exists the manager returns the existing ID,
// so the call is safe to repeat on every workcell start.
func (c *ResourceClient) AddResource(ctx context.Context, definition map[string]any) (string, error) {
	var resp struct {
		ResourceID string `json:"resource_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/resource/init", definition, &resp); err != nil {
		return "", fmt.Errorf("add resource: %w", err)
	}
	if resp.ResourceID == "" {
		return "", errors.New("add resource: manager returned no resource id")
	}
	return resp.ResourceID, nil
}

// Resource fetches a resource document by ID.
func (c *ResourceClient) Resource(ctx context.Context, id string) (map[string]any, error) {
	var doc map[string]any
	if err := c.do(ctx, http.MethodGet, "/resource/"+id, nil, &doc); err != nil {
		return nil, fmt.Errorf("get resource %q: %w", id, err)
	}
	return doc, nil
}

// ResourceField reads a single field from a resource document. Used by the
// scheduler to evaluate resource_field step conditions.
func (c *ResourceClient) ResourceField(ctx context.Context, id, field string) (any, error) {
	doc, err := c.Resource(ctx, id)
	if err != nil {
		return nil, err
	}
	v, ok := doc[field]
	if !ok {
		return nil, fmt.Errorf("resource %q has no field %q", id, field)
	}
	return v, nil
}
