// Package config loads the scheduler configuration (spec.md §6) and
// declarative machine descriptions (SPEC_FULL.md §11) from YAML, grounded
// on the teacher's primitives.MachineConfig/StateConfig yaml-tagged
// structs and its Validate() pattern (internal/primitives/machineconfig.go,
// internal/primitives/stateconfig.go), generalized from a single
// hierarchical machine shape to the flat state-stack model this runtime
// uses plus a scheduler options block that has no teacher analogue.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Strategy names a controlled-scheduler exploration strategy, matching
// spec.md §6's enumeration.
type Strategy string

const (
	StrategyRandom   Strategy = "Random"
	StrategyPCT      Strategy = "PCT"
	StrategyFairPCT  Strategy = "FairPCT"
	StrategyDFS      Strategy = "DFS"
	StrategyIDDFS    Strategy = "IDDFS"
	StrategyPortfolio Strategy = "Portfolio"
	StrategyReplay   Strategy = "Replay"
)

// SchedulerConfig is the YAML-loadable option table of spec.md §6.
type SchedulerConfig struct {
	Iterations              uint32   `yaml:"iterations"`
	MaxSteps                uint32   `yaml:"max_steps"`
	StrategyName            Strategy `yaml:"strategy"`
	CacheProgramState       bool     `yaml:"cache_program_state"`
	LivenessChecking        bool     `yaml:"liveness_checking"`
	CycleDetection          bool     `yaml:"cycle_detection"`
	MustHandleByDefault     bool     `yaml:"must_handle_by_default"`
	Seed                    uint64   `yaml:"seed"`
	ReportActivityCoverage  bool     `yaml:"report_activity_coverage"`

	// PCT/FairPCT-only tuning, ignored by other strategies.
	BugDepth    int `yaml:"bug_depth,omitempty"`
	StarveLimit int `yaml:"starve_limit,omitempty"`
	// IDDFS-only tuning.
	DepthStep int `yaml:"depth_step,omitempty"`
	MaxDepth  int `yaml:"max_depth,omitempty"`
}

// Validate checks the fields a scheduler run cannot proceed without,
// mirroring the teacher's MachineConfig.Validate() hard-error-on-malformed
// style rather than silently defaulting unknown-looking input.
func (c *SchedulerConfig) Validate() error {
	switch c.StrategyName {
	case StrategyRandom, StrategyPCT, StrategyFairPCT, StrategyDFS, StrategyIDDFS, StrategyPortfolio, StrategyReplay:
	default:
		return fmt.Errorf("config: unknown strategy %q", c.StrategyName)
	}
	if c.Iterations == 0 {
		return fmt.Errorf("config: iterations must be positive")
	}
	if c.StrategyName == StrategyPCT || c.StrategyName == StrategyFairPCT {
		if c.BugDepth <= 0 {
			return fmt.Errorf("config: strategy %q requires bug_depth > 0", c.StrategyName)
		}
	}
	if c.StrategyName == StrategyIDDFS && c.DepthStep <= 0 {
		return fmt.Errorf("config: strategy IDDFS requires depth_step > 0")
	}
	return nil
}

// Load reads and validates a SchedulerConfig from a YAML file at path.
func Load(path string) (*SchedulerConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var cfg SchedulerConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}
