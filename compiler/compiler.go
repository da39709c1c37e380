// Package compiler turns submitted workflow definitions into validated,
// executable workflows. Compilation runs once at submission time: it binds
// parameters, expands transfer steps into concrete hop sequences over the
// transfer graph, resolves location references into per-node representations
// and validates every step against the target node's advertised actions.
package compiler

import (
	"errors"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/madsci-dev/workcell/transfer"
	"github.com/madsci-dev/workcell/types"
)

// ErrorKind classifies a compilation failure.
type ErrorKind string

const (
	// KindValidation covers unknown nodes, actions, locations, missing
	// required args or files, schema violations and duplicate data labels.
	KindValidation ErrorKind = "validation"
	// KindParameter covers unknown input names and unresolvable parameters.
	KindParameter ErrorKind = "parameter"
	// KindNoTransferPath means the transfer graph connects no chain of
	// templates between the step's source and target locations.
	KindNoTransferPath ErrorKind = "no_transfer_path"
	// KindNoRepresentation means a referenced location carries no
	// representation for the step's node.
	KindNoRepresentation ErrorKind = "no_representation"
)

// Error is a typed compilation failure. Step names the offending step when
// the failure is step-scoped.
type Error struct {
	Kind    ErrorKind
	Step    string
	Message string
}

func (e *Error) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("compile step %q: %s", e.Step, e.Message)
	}
	return "compile workflow: " + e.Message
}

func errf(kind ErrorKind, step, format string, args ...any) *Error {
	return &Error{Kind: kind, Step: step, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the ErrorKind of err when it is a compilation error.
func KindOf(err error) (ErrorKind, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return "", false
}

// Compile validates definition against the workcell snapshot and returns a
// queued Workflow ready to run. inputValues bind the definition's parameters
// and inputFiles bind step file labels to URIs.
func Compile(
	def *types.WorkflowDefinition,
	inputValues map[string]any,
	inputFiles map[string]string,
	snapshot *types.WorkcellState,
	own types.OwnershipInfo,
) (*types.Workflow, error) {
	if err := def.Validate(); err != nil {
		return nil, errf(KindValidation, "", "%s", err)
	}

	params, err := bindParameters(def, inputValues)
	if err != nil {
		return nil, err
	}

	locations := make([]*types.Location, 0, len(snapshot.Locations))
	for _, loc := range snapshot.Locations {
		locations = append(locations, loc)
	}
	graph := transfer.Build(locations, snapshot.Workcell.Transfers)
	byName := make(map[string]*types.Location, len(locations))
	for _, loc := range locations {
		byName[loc.Name] = loc
	}

	var steps []types.Step
	for i := range def.Steps {
		sd := def.Steps[i]
		substituteParameters(&sd, params)
		if sd.Action == types.TransferActionName {
			expanded, err := expandTransfer(&sd, graph, byName, snapshot)
			if err != nil {
				return nil, err
			}
			steps = append(steps, expanded...)
			continue
		}
		step, err := materialize(&sd, byName, inputFiles)
		if err != nil {
			return nil, err
		}
		steps = append(steps, *step)
	}

	for i := range steps {
		if err := validateStep(&steps[i], snapshot); err != nil {
			return nil, err
		}
	}
	if err := checkDataLabels(steps); err != nil {
		return nil, err
	}

	wf := &types.Workflow{
		WorkflowID:      types.NewID(),
		Name:            def.Name,
		Definition:      def,
		ParameterValues: params,
		Steps:           steps,
		Status:          types.WorkflowStatus{},
		Ownership:       own,
		SubmittedTime:   time.Now().UTC(),
	}
	wf.Ownership.WorkflowID = wf.WorkflowID
	return wf, nil
}

// bindParameters merges caller inputs over definition defaults. Unknown
// input names and parameters left without a value are errors.
func bindParameters(def *types.WorkflowDefinition, inputs map[string]any) (map[string]any, error) {
	declared := make(map[string]types.ParameterDefinition, len(def.Parameters))
	for _, p := range def.Parameters {
		declared[p.Name] = p
	}
	for name := range inputs {
		if _, ok := declared[name]; !ok {
			return nil, errf(KindParameter, "", "unknown parameter %q", name)
		}
	}
	bound := make(map[string]any, len(declared))
	for name, p := range declared {
		if v, ok := inputs[name]; ok {
			bound[name] = v
			continue
		}
		if p.Default == nil {
			return nil, errf(KindParameter, "", "parameter %q has no value and no default", name)
		}
		bound[name] = p.Default
	}
	return bound, nil
}

// substituteParameters replaces arg values that name a declared parameter
// with the bound value. Values carrying the data label prefix are left for
// the dispatcher to resolve at run time.
func substituteParameters(sd *types.StepDefinition, params map[string]any) {
	if len(sd.Args) == 0 {
		return
	}
	args := make(map[string]any, len(sd.Args))
	for k, v := range sd.Args {
		if s, ok := v.(string); ok {
			if bound, declared := params[s]; declared {
				args[k] = bound
				continue
			}
		}
		args[k] = v
	}
	sd.Args = args
}

// expandTransfer turns a transfer marker step into one or more concrete
// transfer steps. A step pinned to a node capable of the direct move stays a
// single step; otherwise the shortest path through the graph is emitted.
func expandTransfer(
	sd *types.StepDefinition,
	graph *transfer.Graph,
	byName map[string]*types.Location,
	snapshot *types.WorkcellState,
) ([]types.Step, error) {
	src, err := resolveLocation(sd, byName, types.TransferSourceLabel)
	if err != nil {
		return nil, err
	}
	dst, err := resolveLocation(sd, byName, types.TransferTargetLabel)
	if err != nil {
		return nil, err
	}

	if sd.Node != "" {
		if tpl := directTemplate(sd.Node, src, dst, snapshot.Workcell.Transfers); tpl != nil {
			path := []transfer.Hop{{Source: src, Target: dst, Template: tpl}}
			return transfer.Steps(path, sd), nil
		}
	}

	path, err := graph.Plan(src.LocationID, dst.LocationID)
	if err != nil {
		if errors.Is(err, transfer.ErrNoPath) {
			return nil, errf(KindNoTransferPath, sd.Name, "no transfer path from %q to %q", src.Name, dst.Name)
		}
		return nil, errf(KindValidation, sd.Name, "%s", err)
	}
	return transfer.Steps(path, sd), nil
}

func resolveLocation(sd *types.StepDefinition, byName map[string]*types.Location, label string) (*types.Location, error) {
	name, ok := sd.Locations[label]
	if !ok {
		return nil, errf(KindValidation, sd.Name, "transfer step is missing its %q location", label)
	}
	loc, ok := byName[name]
	if !ok {
		return nil, errf(KindValidation, sd.Name, "unknown location %q", name)
	}
	return loc, nil
}

// directTemplate returns a template letting node move between src and dst in
// one hop, or nil.
func directTemplate(node string, src, dst *types.Location, templates []types.TransferTemplate) *types.TransferTemplate {
	if !src.TransferAllowed() || !dst.TransferAllowed() {
		return nil
	}
	if _, ok := src.References[node]; !ok {
		return nil
	}
	if _, ok := dst.References[node]; !ok {
		return nil
	}
	for i := range templates {
		if templates[i].NodeName == node {
			return &templates[i]
		}
	}
	return nil
}

// materialize converts a non-transfer step definition into an executable
// step, resolving location labels into per-node representations and binding
// input files.
func materialize(sd *types.StepDefinition, byName map[string]*types.Location, inputFiles map[string]string) (*types.Step, error) {
	locations := make(map[string]types.LocationArgument, len(sd.Locations))
	for label, name := range sd.Locations {
		loc, ok := byName[name]
		if !ok {
			return nil, errf(KindValidation, sd.Name, "unknown location %q", name)
		}
		rep, ok := loc.References[sd.Node]
		if !ok {
			return nil, errf(KindNoRepresentation, sd.Name, "location %q has no representation for node %q", name, sd.Node)
		}
		locations[label] = types.LocationArgument{
			LocationName: loc.Name,
			LocationID:   loc.LocationID,
			Location:     rep,
			ResourceID:   loc.ResourceID,
		}
	}

	files := make(map[string]string, len(sd.Files))
	for label, path := range sd.Files {
		files[label] = path
	}
	for label, path := range inputFiles {
		if _, declared := sd.Files[label]; declared {
			files[label] = path
		}
	}

	args := make(map[string]any, len(sd.Args))
	for k, v := range sd.Args {
		args[k] = v
	}

	return &types.Step{
		StepID:     types.NewID(),
		Name:       sd.Name,
		Node:       sd.Node,
		Action:     sd.Action,
		Args:       args,
		Files:      files,
		Locations:  locations,
		Conditions: sd.Conditions,
		DataLabels: sd.DataLabels,
		Status:     types.ActionNotStarted,
	}, nil
}

// validateStep checks a materialized step against the workcell topology and
// the target node's advertised action catalog.
func validateStep(step *types.Step, snapshot *types.WorkcellState) error {
	if step.Node == "" {
		return errf(KindValidation, step.Name, "step names no node")
	}
	if _, ok := snapshot.Workcell.Nodes[step.Node]; !ok {
		return errf(KindValidation, step.Name, "unknown node %q", step.Node)
	}
	node := snapshot.Nodes[step.Node]
	if node == nil || node.Info == nil {
		// The node has not been polled yet; action-level validation happens
		// on a later submission or is caught at dispatch time.
		return nil
	}
	action, ok := node.Info.Actions[step.Action]
	if !ok {
		return errf(KindValidation, step.Name, "node %q has no action %q", step.Node, step.Action)
	}
	for name, arg := range action.Args {
		if !arg.Required {
			continue
		}
		if _, ok := step.Args[name]; ok {
			continue
		}
		if _, ok := step.Locations[name]; ok {
			continue
		}
		return errf(KindValidation, step.Name, "missing required argument %q for action %q", name, step.Action)
	}
	for name, file := range action.Files {
		if !file.Required {
			continue
		}
		if _, ok := step.Files[name]; !ok {
			return errf(KindValidation, step.Name, "missing required file %q for action %q", name, step.Action)
		}
	}
	if len(action.Schema) > 0 {
		if err := validateSchema(step, action.Schema); err != nil {
			return err
		}
	}
	return nil
}

// validateSchema checks the step's bound args against the action's declared
// JSON schema.
func validateSchema(step *types.Step, schemaDoc map[string]any) error {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("action.json", schemaDoc); err != nil {
		return errf(KindValidation, step.Name, "invalid action schema: %s", err)
	}
	schema, err := c.Compile("action.json")
	if err != nil {
		return errf(KindValidation, step.Name, "invalid action schema: %s", err)
	}
	instance := make(map[string]any, len(step.Args))
	for k, v := range step.Args {
		instance[k] = v
	}
	if err := schema.Validate(instance); err != nil {
		return errf(KindValidation, step.Name, "arguments violate action schema: %s", err)
	}
	return nil
}

// checkDataLabels enforces workflow-wide data label uniqueness after
// transfer expansion.
func checkDataLabels(steps []types.Step) error {
	seen := make(map[string]string)
	for _, step := range steps {
		for _, label := range step.DataLabels {
			if prior, ok := seen[label]; ok {
				return errf(KindValidation, step.Name, "data label %q already used by step %q", label, prior)
			}
			seen[label] = step.Name
		}
	}
	return nil
}
