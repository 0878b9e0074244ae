package testwire

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ethereum/go-ethereum/log"

	"github.com/testwire/testwire/flags"
	"github.com/testwire/testwire/runners"
)

// RunnerSlot names one runner instance and the kind that builds it.
type RunnerSlot struct {
	ID   string
	Kind string
}

// Config holds the application configuration
type Config struct {
	Manifest        string        // Path to the suites manifest file
	SuiteDir        string        // Directory scanned for suite artifacts
	Runners         []RunnerSlot  // Runner slot pool; its length bounds concurrency
	RunnerCommand   []string      // Command launched by process runners
	RunInterval     time.Duration // Interval between runs
	RunOnce         bool          // Indicates if the service should exit after one run
	DispatchTimeout time.Duration // Default budget for the dispatch phase
	ConnectTimeout  time.Duration // Default budget for the connect phase
	Bail            bool          // Stop scheduling new suites after the first failure
	Verbose         bool          // Runners emit log packets for passing tests too
	Filter          string        // Only run tests whose full name matches
	LogDir          string        // Directory to store run logs and snapshot records

	// Programmatic extensions, not settable from the CLI. Suites registers
	// in-binary suite functions on local runner slots; Evaluator lets local
	// slots execute suite artifacts.
	Suites    map[string]runners.SuiteFunc
	Evaluator runners.Evaluator

	Log log.Logger
}

// NewConfig creates a new Config from cli context
func NewConfig(ctx *cli.Context, log log.Logger) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}

	manifest := ctx.String(flags.Manifest.Name)
	if manifest != "" {
		var err error
		manifest, err = filepath.Abs(manifest)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve absolute path for manifest '%s': %w", ctx.String(flags.Manifest.Name), err)
		}
	}

	suiteDir := ctx.String(flags.SuiteDir.Name)
	if suiteDir != "" {
		var err error
		suiteDir, err = filepath.Abs(suiteDir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve absolute path for suite directory '%s': %w", ctx.String(flags.SuiteDir.Name), err)
		}
	}

	logDir := ctx.String(flags.LogDir.Name)
	if logDir == "" {
		logDir = "logs"
	}
	logDir, err := filepath.Abs(logDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for log directory '%s': %w", ctx.String(flags.LogDir.Name), err)
	}

	slots, err := parseRunnerSlots(ctx.StringSlice(flags.Runner.Name))
	if err != nil {
		return nil, err
	}

	runnerCommand := ctx.StringSlice(flags.RunnerCommand.Name)
	for _, slot := range slots {
		if slot.Kind == "process" && len(runnerCommand) == 0 {
			return nil, fmt.Errorf("runner slot %q needs --%s", slot.ID, flags.RunnerCommand.Name)
		}
	}

	runInterval := ctx.Duration(flags.RunInterval.Name)
	runOnce := runInterval == 0

	return &Config{
		Manifest:        manifest,
		SuiteDir:        suiteDir,
		Runners:         slots,
		RunnerCommand:   runnerCommand,
		RunInterval:     runInterval,
		RunOnce:         runOnce,
		DispatchTimeout: ctx.Duration(flags.DispatchTimeout.Name),
		ConnectTimeout:  ctx.Duration(flags.ConnectTimeout.Name),
		Bail:            ctx.Bool(flags.Bail.Name),
		Verbose:         ctx.Bool(flags.Verbose.Name),
		Filter:          ctx.String(flags.Filter.Name),
		LogDir:          logDir,
		Log:             log,
	}, nil
}

// parseRunnerSlots parses repeated 'id=kind' flag values. With no flags set,
// a single process slot is assumed.
func parseRunnerSlots(values []string) ([]RunnerSlot, error) {
	if len(values) == 0 {
		return []RunnerSlot{{ID: "runner-1", Kind: "process"}}, nil
	}

	slots := make([]RunnerSlot, 0, len(values))
	seen := make(map[string]bool, len(values))
	for _, value := range values {
		id, kind, ok := strings.Cut(value, "=")
		if !ok || id == "" || kind == "" {
			return nil, fmt.Errorf("invalid runner slot %q, expected 'id=kind'", value)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate runner slot ID %q", id)
		}
		seen[id] = true
		slots = append(slots, RunnerSlot{ID: id, Kind: kind})
	}
	return slots, nil
}

// Validate checks the parts of the config that NewConfig cannot, e.g. when
// the config is constructed programmatically.
func (c *Config) Validate() error {
	if c.Manifest == "" && c.SuiteDir == "" {
		return errors.New("a suites manifest or a suite directory is required")
	}
	if len(c.Runners) == 0 {
		return errors.New("at least one runner slot is required")
	}
	if c.Log == nil {
		return errors.New("logger is required")
	}
	return nil
}
