package types

import (
	"fmt"
	"time"
)

// TransferActionName is the well-known action name that marks a step as a
// high-level transfer. The compiler expands such steps into concrete moves
// through the transfer graph.
const TransferActionName = "transfer"

// Labels used by transfer steps to name their endpoint locations.
const (
	TransferSourceLabel = "source"
	TransferTargetLabel = "target"
)

// DataLabelPrefix marks a step argument as a feed-forward reference. An arg
// whose string value is "label:<name>" is resolved by the dispatcher to the
// output a prior step published under <name>.
const DataLabelPrefix = "label:"

type (
	// WorkflowDefinition is the submitted blueprint of a workflow: named
	// parameters with optional defaults and an ordered list of step
	// definitions referencing nodes, actions and locations by name.
	WorkflowDefinition struct {
		DefinitionID string                `json:"definition_id,omitempty" yaml:"definition_id,omitempty"`
		Name         string                `json:"name" yaml:"name"`
		Parameters   []ParameterDefinition `json:"parameters,omitempty" yaml:"parameters,omitempty"`
		Steps        []StepDefinition      `json:"steps" yaml:"steps"`
	}

	// ParameterDefinition declares one named workflow input. A parameter with
	// a nil default must be supplied by the caller at submission.
	ParameterDefinition struct {
		Name        string `json:"name" yaml:"name"`
		Description string `json:"description,omitempty" yaml:"description,omitempty"`
		Default     any    `json:"default,omitempty" yaml:"default,omitempty"`
	}

	// StepDefinition is one step of a workflow blueprint. Node may be empty
	// on transfer steps, in which case the transfer planner picks the robots.
	StepDefinition struct {
		Name       string            `json:"name" yaml:"name"`
		Node       string            `json:"node,omitempty" yaml:"node,omitempty"`
		Action     string            `json:"action" yaml:"action"`
		Args       map[string]any    `json:"args,omitempty" yaml:"args,omitempty"`
		Files      map[string]string `json:"files,omitempty" yaml:"files,omitempty"`
		Locations  map[string]string `json:"locations,omitempty" yaml:"locations,omitempty"`
		Conditions []StepCondition   `json:"conditions,omitempty" yaml:"conditions,omitempty"`
		// DataLabels maps result data keys to workflow-unique labels under
		// which the dispatcher publishes this step's outputs.
		DataLabels map[string]string `json:"data_labels,omitempty" yaml:"data_labels,omitempty"`
	}

	// StepCondition is an optional predicate gating a step's dispatch. The
	// scheduler evaluates conditions against cached resource state and defers
	// the step while any of them is false or unresolved.
	StepCondition struct {
		Kind       ConditionKind `json:"kind" yaml:"kind"`
		ResourceID string        `json:"resource_id,omitempty" yaml:"resource_id,omitempty"`
		LocationID string        `json:"location_id,omitempty" yaml:"location_id,omitempty"`
		Field      string        `json:"field,omitempty" yaml:"field,omitempty"`
		Value      any           `json:"value,omitempty" yaml:"value,omitempty"`
	}

	// ConditionKind enumerates the supported step condition predicates.
	ConditionKind string

	// LocationArgument is a step's resolved view of a named location: the
	// location identity plus the target node's opaque representation of it.
	LocationArgument struct {
		LocationName string `json:"location_name"`
		LocationID   string `json:"location_id,omitempty"`
		// Location is the per-node representation pulled from the location's
		// references for the step's target node.
		Location   any    `json:"location,omitempty"`
		ResourceID string `json:"resource_id,omitempty"`
	}

	// Step is one executable unit inside a workflow run.
	Step struct {
		StepID     string                      `json:"step_id"`
		Name       string                      `json:"name"`
		Node       string                      `json:"node"`
		Action     string                      `json:"action"`
		Args       map[string]any              `json:"args,omitempty"`
		Files      map[string]string           `json:"files,omitempty"`
		Locations  map[string]LocationArgument `json:"locations,omitempty"`
		Conditions []StepCondition             `json:"conditions,omitempty"`
		DataLabels map[string]string           `json:"data_labels,omitempty"`
		Status     ActionStatus                `json:"status"`
		// LastActionID identifies the in-flight or most recent dispatch so a
		// restarted dispatcher can reconcile before resending.
		LastActionID string                  `json:"last_action_id,omitempty"`
		Result       *ActionResult           `json:"result,omitempty"`
		Results      map[string]ActionResult `json:"results,omitempty"`
		StartTime    *time.Time              `json:"start_time,omitempty"`
		EndTime      *time.Time              `json:"end_time,omitempty"`
	}

	// WorkflowStatus tracks a run's lifecycle phase and progress.
	WorkflowStatus struct {
		CurrentStepIndex int    `json:"current_step_index"`
		Paused           bool   `json:"paused"`
		Running          bool   `json:"running"`
		Completed        bool   `json:"completed"`
		Failed           bool   `json:"failed"`
		Cancelled        bool   `json:"cancelled"`
		Description      string `json:"description,omitempty"`
		// UnavailableCount counts consecutive dispatch attempts that found
		// the target node unavailable; reset on any successful dispatch.
		UnavailableCount int `json:"unavailable_count,omitempty"`
	}

	// Workflow is a materialized, executable run owned by the engine.
	Workflow struct {
		WorkflowID      string              `json:"workflow_id"`
		Name            string              `json:"name"`
		Definition      *WorkflowDefinition `json:"definition"`
		ParameterValues map[string]any      `json:"parameter_values,omitempty"`
		Steps           []Step              `json:"steps"`
		Status          WorkflowStatus      `json:"status"`
		Ownership       OwnershipInfo       `json:"ownership"`
		// Simulated asks every node to fake its actions; the dispatcher stamps
		// the flag on each action request.
		Simulated     bool       `json:"simulated,omitempty"`
		SubmittedTime time.Time  `json:"submitted_time"`
		StartTime     *time.Time `json:"start_time,omitempty"`
		EndTime       *time.Time `json:"end_time,omitempty"`
	}
)

// Supported condition kinds.
const (
	ConditionNoChecks        ConditionKind = "no_checks"
	ConditionResourcePresent ConditionKind = "resource_present"
	ConditionResourceField   ConditionKind = "resource_field"
)

// Terminal reports whether the workflow reached a terminal phase.
func (s WorkflowStatus) Terminal() bool {
	return s.Completed || s.Failed || s.Cancelled
}

// Active reports whether the workflow is eligible for scheduling.
func (s WorkflowStatus) Active() bool {
	return !s.Terminal() && !s.Paused
}

// Phase renders the status as a single lifecycle word.
func (s WorkflowStatus) Phase() string {
	switch {
	case s.Completed:
		return "completed"
	case s.Failed:
		return "failed"
	case s.Cancelled:
		return "cancelled"
	case s.Paused:
		return "paused"
	case s.Running:
		return "running"
	default:
		return "queued"
	}
}

// CurrentStep returns the step at the current index, or nil when the
// workflow has advanced past its last step.
func (w *Workflow) CurrentStep() *Step {
	if w.Status.CurrentStepIndex < 0 || w.Status.CurrentStepIndex >= len(w.Steps) {
		return nil
	}
	return &w.Steps[w.Status.CurrentStepIndex]
}

// Validate checks the definition-level invariants: a name, at least one step,
// an action on every step, and data labels unique across the workflow.
func (d *WorkflowDefinition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("workflow definition requires a name")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow %q has no steps", d.Name)
	}
	seen := make(map[string]string)
	for i, step := range d.Steps {
		if step.Action == "" {
			return fmt.Errorf("step %d (%q) has no action", i, step.Name)
		}
		for _, label := range step.DataLabels {
			if prev, ok := seen[label]; ok {
				return fmt.Errorf("data label %q declared by both steps %q and %q", label, prev, step.Name)
			}
			seen[label] = step.Name
		}
	}
	return nil
}
