package nodeclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/madsci-dev/workcell/types"
)

// Mock is a scriptable in-process Client used by engine and API tests.
// Behavior is swapped through the Set* methods, which are safe to call while
// the engine is running; unscripted methods fall back to benign defaults so
// tests only script what they care about.
type Mock struct {
	mu sync.Mutex

	sendAction   func(ctx context.Context, req *types.ActionRequest) (*types.ActionResult, error)
	actionResult func(ctx context.Context, actionID string) (*types.ActionResult, error)
	info         func(ctx context.Context) (*types.NodeInfo, error)
	status       func(ctx context.Context) (*types.NodeStatus, error)
	state        func(ctx context.Context) (map[string]any, error)
	admin        func(ctx context.Context, cmd types.AdminCommand) (*types.AdminCommandResponse, error)

	sent []*types.ActionRequest
}

var _ Client = (*Mock)(nil)

// NewMock returns a Mock whose node reports ready, advertises a transfer
// action and succeeds every action. Compilation validates steps against the
// advertised catalog once a node has been polled, so the default info must
// carry the actions tests dispatch.
func NewMock(name string) *Mock {
	m := &Mock{}
	m.info = func(context.Context) (*types.NodeInfo, error) {
		return &types.NodeInfo{
			NodeName: name,
			NodeType: "mock",
			Actions: map[string]types.ActionDefinition{
				types.TransferActionName: {
					Name: types.TransferActionName,
					Args: map[string]types.ArgumentDefinition{
						types.TransferSourceLabel: {Name: types.TransferSourceLabel, Type: "location", Required: true},
						types.TransferTargetLabel: {Name: types.TransferTargetLabel, Type: "location", Required: true},
					},
				},
			},
			Capabilities: types.NodeCapabilities{
				GetActionResult: true,
				GetState:        true,
				AdminCommands:   true,
			},
		}, nil
	}
	m.status = func(context.Context) (*types.NodeStatus, error) {
		return &types.NodeStatus{Ready: true}, nil
	}
	return m
}

// SetSendAction scripts SendAction.
func (m *Mock) SetSendAction(fn func(ctx context.Context, req *types.ActionRequest) (*types.ActionResult, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendAction = fn
}

// SetActionResult scripts ActionResult.
func (m *Mock) SetActionResult(fn func(ctx context.Context, actionID string) (*types.ActionResult, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actionResult = fn
}

// SetInfo scripts Info.
func (m *Mock) SetInfo(fn func(ctx context.Context) (*types.NodeInfo, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.info = fn
}

// SetStatus scripts Status.
func (m *Mock) SetStatus(fn func(ctx context.Context) (*types.NodeStatus, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = fn
}

// SetState scripts State.
func (m *Mock) SetState(fn func(ctx context.Context) (map[string]any, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = fn
}

// SetAdmin scripts SendAdminCommand.
func (m *Mock) SetAdmin(fn func(ctx context.Context, cmd types.AdminCommand) (*types.AdminCommandResponse, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.admin = fn
}

// SendAction records the request and returns the scripted result, defaulting
// to an immediately succeeded action.
func (m *Mock) SendAction(ctx context.Context, req *types.ActionRequest) (*types.ActionResult, error) {
	m.mu.Lock()
	m.sent = append(m.sent, req)
	fn := m.sendAction
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return &types.ActionResult{ActionID: req.ActionID, Status: types.ActionSucceeded}, nil
}

// ActionResult returns the scripted result for a prior action.
func (m *Mock) ActionResult(ctx context.Context, actionID string) (*types.ActionResult, error) {
	m.mu.Lock()
	fn := m.actionResult
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, actionID)
	}
	return &types.ActionResult{ActionID: actionID, Status: types.ActionSucceeded}, nil
}

// Info returns the scripted node info.
func (m *Mock) Info(ctx context.Context) (*types.NodeInfo, error) {
	m.mu.Lock()
	fn := m.info
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return nil, fmt.Errorf("mock: no info scripted")
}

// Status returns the scripted node status.
func (m *Mock) Status(ctx context.Context) (*types.NodeStatus, error) {
	m.mu.Lock()
	fn := m.status
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return nil, fmt.Errorf("mock: no status scripted")
}

// State returns the scripted node state.
func (m *Mock) State(ctx context.Context) (map[string]any, error) {
	m.mu.Lock()
	fn := m.state
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return map[string]any{}, nil
}

// SendAdminCommand returns the scripted admin response, defaulting to
// success.
func (m *Mock) SendAdminCommand(ctx context.Context, cmd types.AdminCommand) (*types.AdminCommandResponse, error) {
	m.mu.Lock()
	fn := m.admin
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, cmd)
	}
	return &types.AdminCommandResponse{Success: true}, nil
}

// Sent returns a snapshot of every action request received so far.
func (m *Mock) Sent() []*types.ActionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.ActionRequest, len(m.sent))
	copy(out, m.sent)
	return out
}

// MockFactory returns a Factory that hands out clients from the given map,
// keyed by node URL.
func MockFactory(clients map[string]Client) Factory {
	return func(nodeURL string) (Client, error) {
		c, ok := clients[nodeURL]
		if !ok {
			return nil, fmt.Errorf("no mock client for node url %q", nodeURL)
		}
		return c, nil
	}
}
