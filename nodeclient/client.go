// Package nodeclient speaks the node protocol: sending actions, polling
// action results, fetching node info/status/state and forwarding admin
// commands. The engine depends only on the Client interface; any transport
// that satisfies it (REST, in-process, mock) is acceptable.
package nodeclient

import (
	"context"

	"github.com/madsci-dev/workcell/types"
)

// Client is the outbound contract with one node.
type Client interface {
	// SendAction submits an action request and returns the node's
	// synchronous result, which may be non-terminal (running).
	SendAction(ctx context.Context, req *types.ActionRequest) (*types.ActionResult, error)

	// ActionResult fetches the current result of a previously submitted
	// action. Only meaningful on nodes whose info advertises
	// get_action_result.
	ActionResult(ctx context.Context, actionID string) (*types.ActionResult, error)

	// Info fetches the node's capability catalog.
	Info(ctx context.Context) (*types.NodeInfo, error)

	// Status fetches the node's readiness snapshot.
	Status(ctx context.Context) (*types.NodeStatus, error)

	// State fetches the node's opaque state report.
	State(ctx context.Context) (map[string]any, error)

	// SendAdminCommand forwards an admin operation to the node.
	SendAdminCommand(ctx context.Context, cmd types.AdminCommand) (*types.AdminCommandResponse, error)
}

// Factory builds a Client for a node URL. The engine resolves node URLs from
// the state store at call time, so clients must be cheap to construct.
type Factory func(nodeURL string) (Client, error)
