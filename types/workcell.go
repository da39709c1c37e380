// Package types holds the JSON-serializable data model shared by the workcell
// orchestration engine: the static workcell topology, runtime node and
// location records, workflows and their steps, and the action wire contract
// with nodes. Every entity round-trips through encoding/json so it can live
// in the state store and cross the REST surface unchanged.
package types

import (
	"time"
)

type (
	// WorkcellDefinition is the static topology of one workcell: the nodes it
	// coordinates, the named locations steps can reference, and the transfer
	// templates that derive the transfer graph. It is loaded once at startup
	// and mutable only through admin operations.
	WorkcellDefinition struct {
		WorkcellID string                    `json:"workcell_id" yaml:"workcell_id"`
		Name       string                    `json:"name" yaml:"name"`
		Nodes      map[string]NodeDefinition `json:"nodes" yaml:"nodes"`
		Locations  []LocationDefinition      `json:"locations,omitempty" yaml:"locations,omitempty"`
		Transfers  []TransferTemplate        `json:"transfer_templates,omitempty" yaml:"transfer_templates,omitempty"`
		Config     WorkcellConfig            `json:"config" yaml:"config"`
	}

	// NodeDefinition declares one node member of the workcell.
	NodeDefinition struct {
		NodeURL     string `json:"node_url" yaml:"node_url"`
		Description string `json:"description,omitempty" yaml:"description,omitempty"`
		// Permanent nodes survive workcell re-initialization; nodes added at
		// runtime without the flag are dropped when the definition reloads.
		Permanent bool `json:"permanent,omitempty" yaml:"permanent,omitempty"`
	}

	// LocationDefinition declares a named position in the workcell definition.
	LocationDefinition struct {
		LocationID string `json:"location_id,omitempty" yaml:"location_id,omitempty"`
		Name       string `json:"name" yaml:"name"`
		// References maps node name to that node's opaque representation of
		// this location (coordinates, slot index, deck position, ...).
		References map[string]any `json:"references,omitempty" yaml:"references,omitempty"`
		// Resource optionally embeds a resource definition to be created in
		// the resource manager at workcell initialization.
		Resource   map[string]any `json:"resource,omitempty" yaml:"resource,omitempty"`
		ResourceID string         `json:"resource_id,omitempty" yaml:"resource_id,omitempty"`
		// AllowTransfer gates participation in the transfer graph. Nil means
		// allowed.
		AllowTransfer *bool `json:"allow_transfer,omitempty" yaml:"allow_transfer,omitempty"`
	}

	// TransferTemplate declares that a node can perform a transfer action
	// between any two locations that both list it in their references.
	TransferTemplate struct {
		NodeName      string         `json:"node_name" yaml:"node_name"`
		ActionName    string         `json:"action_name" yaml:"action_name"`
		SourceArgName string         `json:"source_arg_name" yaml:"source_arg_name"`
		TargetArgName string         `json:"target_arg_name" yaml:"target_arg_name"`
		CostWeight    float64        `json:"cost_weight,omitempty" yaml:"cost_weight,omitempty"`
		DefaultArgs   map[string]any `json:"default_args,omitempty" yaml:"default_args,omitempty"`
	}

	// WorkcellConfig tunes the engine loops and names the backing services.
	WorkcellConfig struct {
		RedisURL                 string   `json:"redis_url,omitempty" yaml:"redis_url,omitempty"`
		MongoURL                 string   `json:"mongo_url,omitempty" yaml:"mongo_url,omitempty"`
		ResourceManagerURL       string   `json:"resource_manager_url,omitempty" yaml:"resource_manager_url,omitempty"`
		DataManagerURL           string   `json:"data_manager_url,omitempty" yaml:"data_manager_url,omitempty"`
		EventManagerURL          string   `json:"event_manager_url,omitempty" yaml:"event_manager_url,omitempty"`
		SchedulerUpdateInterval  Duration `json:"scheduler_update_interval,omitempty" yaml:"scheduler_update_interval,omitempty"`
		NodeUpdateInterval       Duration `json:"node_update_interval,omitempty" yaml:"node_update_interval,omitempty"`
		ColdStartDelay           Duration `json:"cold_start_delay,omitempty" yaml:"cold_start_delay,omitempty"`
		HeartbeatInterval        Duration `json:"heartbeat_interval,omitempty" yaml:"heartbeat_interval,omitempty"`
		LockTTL                  Duration `json:"lock_ttl,omitempty" yaml:"lock_ttl,omitempty"`
		NodeRequestTimeout       Duration `json:"node_request_timeout,omitempty" yaml:"node_request_timeout,omitempty"`
		ResultPollInterval       Duration `json:"result_poll_interval,omitempty" yaml:"result_poll_interval,omitempty"`
		MaxErrorLen              int      `json:"max_error_len,omitempty" yaml:"max_error_len,omitempty"`
		// MaxUnavailableDispatches fails a workflow after this many consecutive
		// scheduler ticks find its target node unavailable, so the effective
		// wait is this count times scheduler_update_interval. Zero waits
		// forever.
		MaxUnavailableDispatches int `json:"max_unavailable_dispatches,omitempty" yaml:"max_unavailable_dispatches,omitempty"`
	}

	// WorkcellStatus is the runtime status singleton for the workcell.
	WorkcellStatus struct {
		Initializing bool     `json:"initializing"`
		Paused       bool     `json:"paused"`
		Shutdown     bool     `json:"shutdown"`
		Errored      bool     `json:"errored"`
		Description  string   `json:"description,omitempty"`
		Errors       []string `json:"errors,omitempty"`
	}

	// WorkcellState is the full snapshot returned by the state endpoint.
	WorkcellState struct {
		Status    WorkcellStatus       `json:"status"`
		Workcell  WorkcellDefinition   `json:"workcell"`
		Nodes     map[string]*Node     `json:"nodes"`
		Locations map[string]*Location `json:"locations"`
		Queue     []string             `json:"workflow_queue"`
	}

	// OwnershipInfo tags an operation with the identities responsible for it.
	// It is threaded explicitly from the API through compilation, scheduling
	// and dispatch; the engine only carries it, never enforces it.
	OwnershipInfo struct {
		UserID       string `json:"user_id,omitempty"`
		ExperimentID string `json:"experiment_id,omitempty"`
		CampaignID   string `json:"campaign_id,omitempty"`
		WorkflowID   string `json:"workflow_id,omitempty"`
		StepID       string `json:"step_id,omitempty"`
		NodeID       string `json:"node_id,omitempty"`
	}

	// Reservation is a time-bounded ownership claim on a node or location.
	Reservation struct {
		OwnedBy OwnershipInfo `json:"owned_by"`
		Created time.Time     `json:"created"`
		Start   time.Time     `json:"start"`
		End     time.Time     `json:"end"`
	}

	// Node is the runtime view of one instrument endpoint. Info, Status and
	// State are refreshed by the liveness poller; a nil Status is the
	// unavailable sentinel written when a poll fails.
	Node struct {
		NodeURL     string         `json:"node_url"`
		Permanent   bool           `json:"permanent,omitempty"`
		Info        *NodeInfo      `json:"info,omitempty"`
		Status      *NodeStatus    `json:"status,omitempty"`
		State       map[string]any `json:"state,omitempty"`
		Reservation *Reservation   `json:"reservation,omitempty"`
		LastPolled  *time.Time     `json:"last_polled,omitempty"`
		LastError   string         `json:"last_error,omitempty"`
	}

	// NodeInfo describes a node's capabilities: the catalog of actions it
	// accepts and their argument/file schemas.
	NodeInfo struct {
		NodeName     string                      `json:"node_name,omitempty"`
		NodeType     string                      `json:"node_type,omitempty"`
		Description  string                      `json:"description,omitempty"`
		Actions      map[string]ActionDefinition `json:"actions"`
		Capabilities NodeCapabilities            `json:"capabilities,omitempty"`
	}

	// NodeCapabilities flags the optional parts of the node protocol.
	NodeCapabilities struct {
		GetActionResult bool `json:"get_action_result,omitempty"`
		GetState        bool `json:"get_state,omitempty"`
		AdminCommands   bool `json:"admin_commands,omitempty"`
		Pause           bool `json:"pause,omitempty"`
		Resume          bool `json:"resume,omitempty"`
		Cancel          bool `json:"cancel,omitempty"`
	}

	// ActionDefinition declares one action a node supports.
	ActionDefinition struct {
		Name        string                        `json:"name"`
		Description string                        `json:"description,omitempty"`
		Args        map[string]ArgumentDefinition `json:"args,omitempty"`
		Files       map[string]FileDefinition     `json:"files,omitempty"`
		// Schema optionally carries a full JSON schema for the action's args.
		// When present the compiler validates bound arguments against it.
		Schema map[string]any `json:"schema,omitempty"`
	}

	// ArgumentDefinition declares one argument of an action.
	ArgumentDefinition struct {
		Name        string `json:"name"`
		Type        string `json:"type,omitempty"`
		Description string `json:"description,omitempty"`
		Required    bool   `json:"required,omitempty"`
		Default     any    `json:"default,omitempty"`
	}

	// FileDefinition declares one file input of an action.
	FileDefinition struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		Required    bool   `json:"required,omitempty"`
	}

	// NodeStatus is the readiness snapshot reported by a node.
	NodeStatus struct {
		Busy             []string `json:"busy,omitempty"`
		Ready            bool     `json:"ready"`
		Paused           bool     `json:"paused,omitempty"`
		Locked           bool     `json:"locked,omitempty"`
		Errored          bool     `json:"errored,omitempty"`
		Initializing     bool     `json:"initializing,omitempty"`
		WaitingForConfig bool     `json:"waiting_for_config,omitempty"`
	}

	// Location is the runtime record of a named position.
	Location struct {
		LocationID  string         `json:"location_id"`
		Name        string         `json:"name"`
		References  map[string]any `json:"references,omitempty"`
		ResourceID  string         `json:"resource_id,omitempty"`
		Reservation *Reservation   `json:"reservation,omitempty"`
		// AllowTransfer gates participation in the transfer graph. Nil means
		// allowed.
		AllowTransfer *bool `json:"allow_transfer,omitempty"`
	}
)

// Active reports whether the reservation's time window covers now.
func (r *Reservation) Active(now time.Time) bool {
	if r == nil {
		return false
	}
	return !now.Before(r.Start) && now.Before(r.End)
}

// ReservedByOther reports whether the reservation is active and held by an
// ownership other than own. Ownerships match when they share a workflow ID
// or, absent one, a user ID.
func (r *Reservation) ReservedByOther(own OwnershipInfo, now time.Time) bool {
	if !r.Active(now) {
		return false
	}
	if r.OwnedBy.WorkflowID != "" || own.WorkflowID != "" {
		return r.OwnedBy.WorkflowID != own.WorkflowID
	}
	return r.OwnedBy.UserID != own.UserID
}

// Ready implements the node ready predicate: info present, status reports
// ready, and not reserved by another ownership.
func (n *Node) Ready(own OwnershipInfo, now time.Time) bool {
	if n == nil || n.Info == nil || n.Status == nil {
		return false
	}
	if !n.Status.Ready || n.Status.Paused || n.Status.Locked || n.Status.Errored {
		return false
	}
	return !n.Reservation.ReservedByOther(own, now)
}

// TransferAllowed reports whether the location participates in the transfer
// graph.
func (l *Location) TransferAllowed() bool {
	return l.AllowTransfer == nil || *l.AllowTransfer
}

// Cost returns the template's edge weight, defaulting to 1.
func (t TransferTemplate) Cost() float64 {
	if t.CostWeight <= 0 {
		return 1
	}
	return t.CostWeight
}

// Location builds the runtime Location record for a definition, minting an ID
// when the definition does not pin one.
func (d LocationDefinition) Location() *Location {
	id := d.LocationID
	if id == "" {
		id = NewID()
	}
	refs := make(map[string]any, len(d.References))
	for k, v := range d.References {
		refs[k] = v
	}
	return &Location{
		LocationID:    id,
		Name:          d.Name,
		References:    refs,
		ResourceID:    d.ResourceID,
		AllowTransfer: d.AllowTransfer,
	}
}
