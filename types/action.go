package types

type (
	// ActionStatus is the lifecycle status of one action on a node. The same
	// enumeration is used for step status so a step mirrors its latest
	// dispatch.
	ActionStatus string

	// ActionRequest is the wire request sent to a node to run one action.
	ActionRequest struct {
		ActionID   string                      `json:"action_id"`
		ActionName string                      `json:"action_name"`
		Args       map[string]any              `json:"args,omitempty"`
		Files      map[string]string           `json:"files,omitempty"`
		Locations  map[string]LocationArgument `json:"locations,omitempty"`
		Ownership  OwnershipInfo               `json:"ownership,omitempty"`
		// Simulated asks the node to fake the action; passed through
		// unchanged for nodes that support it.
		Simulated bool `json:"simulated,omitempty"`
	}

	// ActionError is one typed error message attached to a result.
	ActionError struct {
		Message string `json:"message"`
		Kind    string `json:"kind,omitempty"`
	}

	// ActionResult is the wire result of one action.
	ActionResult struct {
		ActionID string            `json:"action_id"`
		Status   ActionStatus      `json:"status"`
		Errors   []ActionError     `json:"errors,omitempty"`
		Data     map[string]any    `json:"data,omitempty"`
		Files    map[string]string `json:"files,omitempty"`
	}

	// AdminCommand is a node admin operation forwarded by the API or the
	// lifecycle manager.
	AdminCommand string

	// AdminCommandResponse is a node's reply to an admin command.
	AdminCommandResponse struct {
		Success bool     `json:"success"`
		Errors  []string `json:"errors,omitempty"`
	}
)

// Action statuses.
const (
	ActionNotStarted ActionStatus = "not_started"
	ActionNotReady   ActionStatus = "not_ready"
	ActionRunning    ActionStatus = "running"
	ActionSucceeded  ActionStatus = "succeeded"
	ActionFailed     ActionStatus = "failed"
	ActionCancelled  ActionStatus = "cancelled"
	ActionPaused     ActionStatus = "paused"
)

// Admin commands.
const (
	AdminReset    AdminCommand = "reset"
	AdminPause    AdminCommand = "pause"
	AdminResume   AdminCommand = "resume"
	AdminCancel   AdminCommand = "cancel"
	AdminLock     AdminCommand = "lock"
	AdminUnlock   AdminCommand = "unlock"
	AdminShutdown AdminCommand = "shutdown"
)

// Terminal reports whether the status will not change without a new dispatch.
func (s ActionStatus) Terminal() bool {
	switch s {
	case ActionSucceeded, ActionFailed, ActionCancelled:
		return true
	}
	return false
}

// Valid reports whether cmd is a known admin command.
func (cmd AdminCommand) Valid() bool {
	switch cmd {
	case AdminReset, AdminPause, AdminResume, AdminCancel, AdminLock, AdminUnlock, AdminShutdown:
		return true
	}
	return false
}

// FailedResult synthesizes a terminal failed result for dispatch-side errors
// (connection refused, timeout, malformed response) so they flow through the
// same recording path as node-reported failures.
func FailedResult(actionID string, err error) *ActionResult {
	return &ActionResult{
		ActionID: actionID,
		Status:   ActionFailed,
		Errors:   []ActionError{{Message: err.Error(), Kind: "client_error"}},
	}
}

// ErrorText joins the result's error messages, capped to max bytes when
// max > 0.
func (r *ActionResult) ErrorText(max int) string {
	var text string
	for i, e := range r.Errors {
		if i > 0 {
			text += "; "
		}
		text += e.Message
	}
	if max > 0 && len(text) > max {
		text = text[:max]
	}
	return text
}
