package labclients

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/madsci-dev/workcell/types"
)

type (
	// DataClient talks to the lab's data manager, which owns datapoints:
	// values and files produced by actions and addressed by data labels.
	DataClient struct {
		rest
	}

	// Datapoint is the record registered with the data manager for each
	// labeled output of a step.
	Datapoint struct {
		DatapointID string               `json:"datapoint_id"`
		Label       string               `json:"label"`
		Kind        string               `json:"data_type"`
		Value       any                  `json:"value,omitempty"`
		Path        string               `json:"path,omitempty"`
		Ownership   *types.OwnershipInfo `json:"ownership_info,omitempty"`
		Timestamp   time.Time            `json:"data_timestamp"`
	}
)

// Datapoint kinds.
const (
	DatapointValue = "data_value"
	DatapointFile  = "data_file"
)

// NewDataClient returns a client for the data manager at baseURL.
func NewDataClient(baseURL string, hc *http.Client) (*DataClient, error) {
	if baseURL == "" {
		return nil, errors.New("data manager url is required")
	}
	return &DataClient{rest: newREST(baseURL, hc)}, nil
}

// SubmitValue registers a value datapoint and returns its ID.
func (c *DataClient) SubmitValue(ctx context.Context, label string, value any, own *types.OwnershipInfo) (string, error) {
	return c.submit(ctx, Datapoint{
		DatapointID: types.NewID(),
		Label:       label,
		Kind:        DatapointValue,
		Value:       value,
		Ownership:   own,
		Timestamp:   time.Now().UTC(),
	})
}

// SubmitFile registers a file datapoint for a file the node wrote and
// returns its ID. The path is the node-reported location of the file.
func (c *DataClient) SubmitFile(ctx context.Context, label, path string, own *types.OwnershipInfo) (string, error) {
	return c.submit(ctx, Datapoint{
		DatapointID: types.NewID(),
		Label:       label,
		Kind:        DatapointFile,
		Path:        path,
		Ownership:   own,
		Timestamp:   time.Now().UTC(),
	})
}

func (c *DataClient) submit(ctx context.Context, dp Datapoint) (string, error) {
	var resp struct {
		DatapointID string `json:"datapoint_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/datapoint", dp, &resp); err != nil {
		return "", fmt.Errorf("submit datapoint %q: %w", dp.Label, err)
	}
	if resp.DatapointID == "" {
		resp.DatapointID = dp.DatapointID
	}
	return resp.DatapointID, nil
}
