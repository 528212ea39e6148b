// Package config defines the kernel configuration surface. Loading the
// configuration from files is a collaborator's concern; the kernel
// consumes a fully built Config.
package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/tjdasso/dfk/internal/exec"
	"github.com/tjdasso/dfk/internal/monitoring"
)

// CheckpointMode selects when the checkpointer runs.
type CheckpointMode string

const (
	CheckpointOff      CheckpointMode = "off"
	CheckpointTaskExit CheckpointMode = "task_exit"
	CheckpointPeriodic CheckpointMode = "periodic"
	CheckpointManual   CheckpointMode = "manual"
)

// ConfigurationError reports a bad configuration shape at construction.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string { return "configuration error: " + e.Msg }

// Config is the full kernel configuration.
type Config struct {
	Executors []exec.Executor

	// RunDir is the parent under which numbered run directories are made.
	RunDir string

	// AppCache is the run-wide memoization switch.
	AppCache bool

	// CheckpointFiles lists prior run directories to reload memo entries
	// from.
	CheckpointFiles  []string
	CheckpointMode   CheckpointMode
	CheckpointPeriod string // HH:MM:SS

	Retries int
	// LazyErrors enables the retry machinery; when false the first failure
	// is terminal.
	LazyErrors bool

	// Strategy names the autoscaling variant: none, simple, aggressive,
	// totaltime.
	Strategy         string
	StrategyInterval time.Duration
	MaxIdleTime      time.Duration

	DataManagementMaxThreads int

	// Monitoring is optional; nil disables emission.
	Monitoring monitoring.Sink

	// Logger overrides the per-run file logger when set; useful for
	// embedding and tests.
	Logger hclog.Logger
}

// Default returns a fully populated default configuration. Normalize fills
// the same defaults into unset fields, except AppCache and LazyErrors,
// whose zero value (false) is kept.
func Default() *Config {
	return &Config{
		RunDir:                   "runinfo",
		AppCache:                 true,
		CheckpointMode:           CheckpointOff,
		Retries:                  0,
		LazyErrors:               true,
		Strategy:                 "simple",
		StrategyInterval:         5 * time.Second,
		MaxIdleTime:              120 * time.Second,
		DataManagementMaxThreads: 10,
	}
}

// Normalize fills unset fields with defaults.
func (c *Config) Normalize() {
	if c.RunDir == "" {
		c.RunDir = "runinfo"
	}
	if c.CheckpointMode == "" {
		c.CheckpointMode = CheckpointOff
	}
	if c.Strategy == "" {
		c.Strategy = "simple"
	}
	if c.StrategyInterval <= 0 {
		c.StrategyInterval = 5 * time.Second
	}
	if c.MaxIdleTime <= 0 {
		c.MaxIdleTime = 120 * time.Second
	}
	if c.DataManagementMaxThreads <= 0 {
		c.DataManagementMaxThreads = 10
	}
}

// Validate rejects configurations the kernel cannot run with.
func (c *Config) Validate() error {
	if len(c.Executors) == 0 {
		return &ConfigurationError{Msg: "at least one executor is required"}
	}
	seen := make(map[string]bool, len(c.Executors))
	for _, e := range c.Executors {
		label := e.Label()
		if label == "" {
			return &ConfigurationError{Msg: "executor with empty label"}
		}
		if label == "data_manager" {
			return &ConfigurationError{Msg: "executor label data_manager is reserved for staging"}
		}
		if seen[label] {
			return &ConfigurationError{Msg: fmt.Sprintf("duplicate executor label %q", label)}
		}
		seen[label] = true
		if p, ok := e.(exec.WithProvider); ok {
			prov := p.Provider()
			if prov.Parallelism < 0 || prov.Parallelism > 1 {
				return &ConfigurationError{Msg: fmt.Sprintf("executor %q: parallelism must be in [0, 1]", label)}
			}
			if prov.MinBlocks > prov.MaxBlocks {
				return &ConfigurationError{Msg: fmt.Sprintf("executor %q: min_blocks exceeds max_blocks", label)}
			}
		}
	}
	if c.Retries < 0 {
		return &ConfigurationError{Msg: "retries must be non-negative"}
	}
	switch c.CheckpointMode {
	case CheckpointOff, CheckpointTaskExit, CheckpointPeriodic, CheckpointManual:
	default:
		return &ConfigurationError{Msg: fmt.Sprintf("unknown checkpoint mode %q", c.CheckpointMode)}
	}
	switch c.Strategy {
	case "none", "simple", "aggressive", "totaltime":
	default:
		return &ConfigurationError{Msg: fmt.Sprintf("unknown strategy %q", c.Strategy)}
	}
	return nil
}
