// Package config loads workcell definition files and applies the engine's
// tuning defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/madsci-dev/workcell/types"
)

// Engine tuning defaults applied to any workcell definition that does not
// pin its own values.
const (
	DefaultSchedulerUpdateInterval = 500 * time.Millisecond
	DefaultNodeUpdateInterval      = 2 * time.Second
	DefaultColdStartDelay          = 5 * time.Second
	DefaultHeartbeatInterval       = 30 * time.Second
	DefaultLockTTL                 = 10 * time.Second
	DefaultNodeRequestTimeout      = 30 * time.Second
	DefaultResultPollInterval      = 5 * time.Second
	DefaultMaxErrorLen             = 1000
)

// Load reads a workcell definition from a YAML file, applies defaults and
// validates it.
func Load(path string) (*types.WorkcellDefinition, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workcell definition: %w", err)
	}
	var def types.WorkcellDefinition
	if err := yaml.Unmarshal(b, &def); err != nil {
		return nil, fmt.Errorf("parse workcell definition %s: %w", path, err)
	}
	ApplyDefaults(&def)
	if err := Validate(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// ApplyDefaults fills unset identity and tuning fields in place.
func ApplyDefaults(def *types.WorkcellDefinition) {
	if def.WorkcellID == "" {
		def.WorkcellID = types.NewID()
	}
	cfg := &def.Config
	if cfg.SchedulerUpdateInterval <= 0 {
		cfg.SchedulerUpdateInterval = types.Duration(DefaultSchedulerUpdateInterval)
	}
	if cfg.NodeUpdateInterval <= 0 {
		cfg.NodeUpdateInterval = types.Duration(DefaultNodeUpdateInterval)
	}
	if cfg.ColdStartDelay <= 0 {
		cfg.ColdStartDelay = types.Duration(DefaultColdStartDelay)
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = types.Duration(DefaultHeartbeatInterval)
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = types.Duration(DefaultLockTTL)
	}
	if cfg.NodeRequestTimeout <= 0 {
		cfg.NodeRequestTimeout = types.Duration(DefaultNodeRequestTimeout)
	}
	if cfg.ResultPollInterval <= 0 {
		cfg.ResultPollInterval = types.Duration(DefaultResultPollInterval)
	}
	if cfg.MaxErrorLen <= 0 {
		cfg.MaxErrorLen = DefaultMaxErrorLen
	}
}

// Validate checks the definition-level topology invariant: every node name
// referenced by a location or transfer template resolves to a member of the
// definition's node set.
func Validate(def *types.WorkcellDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("workcell definition requires a name")
	}
	for _, loc := range def.Locations {
		if loc.Name == "" {
			return fmt.Errorf("workcell %q has a location without a name", def.Name)
		}
		for node := range loc.References {
			if _, ok := def.Nodes[node]; !ok {
				return fmt.Errorf("location %q references unknown node %q", loc.Name, node)
			}
		}
	}
	for _, tpl := range def.Transfers {
		if _, ok := def.Nodes[tpl.NodeName]; !ok {
			return fmt.Errorf("transfer template references unknown node %q", tpl.NodeName)
		}
		if tpl.ActionName == "" || tpl.SourceArgName == "" || tpl.TargetArgName == "" {
			return fmt.Errorf("transfer template for node %q is missing action or arg names", tpl.NodeName)
		}
	}
	return nil
}
