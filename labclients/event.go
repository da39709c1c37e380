package labclients

import (
	"context"
	"errors"
	"net/http"
	"time"

	"goa.design/clue/log"

	"github.com/madsci-dev/workcell/types"
)

type (
	// EventClient reports workcell lifecycle events to the lab's event
	// manager. Event delivery is best effort: a failure is logged and
	// swallowed, never propagated, so an unreachable event manager cannot
	// stall workflow execution.
	EventClient struct {
		rest
		source string
	}

	// Event is the lab-wide event envelope.
	Event struct {
		EventID   string               `json:"event_id"`
		EventType string               `json:"event_type"`
		Source    string               `json:"source"`
		Ownership *types.OwnershipInfo `json:"ownership_info,omitempty"`
		Data      map[string]any       `json:"event_data,omitempty"`
		Timestamp time.Time            `json:"event_timestamp"`
	}
)

// Event types emitted by the engine.
const (
	EventWorkcellStart    = "workcell_start"
	EventWorkcellShutdown = "workcell_shutdown"
	EventWorkflowQueued   = "workflow_queued"
	EventWorkflowStart    = "workflow_start"
	EventWorkflowComplete = "workflow_complete"
	EventWorkflowFailed   = "workflow_failed"
	EventWorkflowCancel   = "workflow_cancelled"
	EventStepStart        = "step_start"
	EventStepComplete     = "step_complete"
	EventNodeUnreachable  = "node_unreachable"
)

// NewEventClient returns a client for the event manager at baseURL. The
// source identifies this workcell on the emitted events.
func NewEventClient(baseURL, source string, hc *http.Client) (*EventClient, error) {
	if baseURL == "" {
		return nil, errors.New("event manager url is required")
	}
	return &EventClient{rest: newREST(baseURL, hc), source: source}, nil
}

// Emit sends an event to the event manager. Failures are logged, not
// returned.
func (c *EventClient) Emit(ctx context.Context, eventType string, own *types.OwnershipInfo, data map[string]any) {
	if c == nil {
		return
	}
	ev := Event{
		EventID:   types.NewID(),
		EventType: eventType,
		Source:    c.source,
		Ownership: own,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
	if err := c.do(ctx, http.MethodPost, "/event", ev, nil); err != nil {
		log.Errorf(ctx, err, "emit event %s", eventType)
	}
}
