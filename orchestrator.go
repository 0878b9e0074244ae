package testwire

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/optimism/op-service/cliapp"

	"github.com/testwire/testwire/aggregate"
	"github.com/testwire/testwire/exitcodes"
	"github.com/testwire/testwire/lifecycle"
	"github.com/testwire/testwire/logging"
	"github.com/testwire/testwire/registry"
	"github.com/testwire/testwire/runners"
	"github.com/testwire/testwire/store"
	"github.com/testwire/testwire/types"
)

// Orchestrator implements the cliapp.Lifecycle interface.
var _ cliapp.Lifecycle = &Orchestrator{}

// Orchestrator discovers suites, schedules them over the runner pool and
// reports the results.
type Orchestrator struct {
	ctx       context.Context
	config    *Config
	version   string
	registry  *registry.Registry
	executor  RunExecutor
	formatter ResultFormatter
	reporter  MetricsReporter
	store     *store.Store

	mu       sync.Mutex
	lastSnap *aggregate.Snapshot

	// sched owns the run cadence: one immediate run, then the interval loop
	// unless configured for a single run.
	sched RunScheduler

	shutdownCallback func(error) // Callback to signal application shutdown
}

func New(ctx context.Context, config *Config, version string, shutdownCallback func(error)) (*Orchestrator, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	config.Log.Debug("Creating orchestrator with config",
		"manifest", config.Manifest,
		"suiteDir", config.SuiteDir,
		"runInterval", config.RunInterval,
		"runOnce", config.RunOnce,
		"slots", len(config.Runners))

	reg, err := registry.NewRegistry(ctx, registry.Config{
		Log:                    config.Log,
		ManifestFile:           config.Manifest,
		SuiteDir:               config.SuiteDir,
		DefaultDispatchTimeout: config.DispatchTimeout,
		DefaultConnectTimeout:  config.ConnectTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}

	slots, err := buildSlots(config)
	if err != nil {
		return nil, fmt.Errorf("failed to build runner slots: %w", err)
	}

	runStore, err := store.New(filepath.Join(config.LogDir, "runs"), config.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to create run store: %w", err)
	}

	args := types.RunArgs{
		Bail:    config.Bail,
		Verbose: config.Verbose,
		Filter:  config.Filter,
	}
	config.Log.Info("orchestrator.New: created registry and runner pool")

	o := &Orchestrator{
		ctx:              ctx,
		config:           config,
		version:          version,
		registry:         reg,
		executor:         NewDefaultRunExecutor(reg, slots, args, config.Log),
		formatter:        NewConsoleResultFormatter(config.Log),
		reporter:         NewDefaultMetricsReporter(),
		store:            runStore,
		shutdownCallback: shutdownCallback,
	}

	sched := NewDefaultRunScheduler(config.RunInterval, config.RunOnce, config.Log)
	sched.RegisterCallback(o.runSuites)
	o.sched = sched

	return o, nil
}

// buildSlots constructs one runner instance per configured slot.
func buildSlots(config *Config) ([]lifecycle.Runner, error) {
	slots := make([]lifecycle.Runner, 0, len(config.Runners))
	for _, slot := range config.Runners {
		runner, err := runners.New(slot.Kind, runners.Config{
			ID:              slot.ID,
			Log:             config.Log,
			DispatchTimeout: config.DispatchTimeout,
			ConnectTimeout:  config.ConnectTimeout,
			Suites:          config.Suites,
			Evaluator:       config.Evaluator,
			Command:         config.RunnerCommand,
		})
		if err != nil {
			return nil, fmt.Errorf("slot %q: %w", slot.ID, err)
		}
		slots = append(slots, runner)
	}
	return slots, nil
}

// Start runs the suites periodically at the configured interval.
// Start implements the cliapp.Lifecycle interface.
func (o *Orchestrator) Start(ctx context.Context) error {
	// Set up panic recovery to ensure we exit with code 2 for runtime errors
	defer func() {
		if r := recover(); r != nil {
			o.config.Log.Error("Runtime error occurred", "error", r)
			os.Exit(exitcodes.RuntimeErr)
		}
	}()

	o.ctx = ctx

	if o.config.RunOnce {
		o.config.Log.Info("Starting testwire in run-once mode")
	} else {
		o.config.Log.Info("Starting testwire in continuous mode", "interval", o.config.RunInterval)
	}

	// The run scheduler executes one run immediately, then keeps the
	// interval cadence in continuous mode.
	err := o.sched.Start(ctx)
	if err != nil {
		// For runtime errors (like panics or configuration issues), return exit code 2
		o.config.Log.Error("Runtime error running suites", "error", err)
		return cli.Exit(err.Error(), exitcodes.RuntimeErr)
	}

	// If in run-once mode, trigger shutdown and return
	if o.config.RunOnce {
		o.config.Log.Info("Run completed, exiting (run-once mode)")

		if snap := o.lastSnapshot(); snap != nil && snap.Status() == types.TestStatusFail {
			o.config.Log.Warn("Run-once completed with failures, returning exit code 1")
			return NewTestFailureError(summarize(*snap))
		}

		// Only need to call this when we're in run-once mode and the run passed
		go func() {
			o.shutdownCallback(nil)
		}()
		return nil // Success (exit code 0)
	}

	o.config.Log.Debug("testwire started successfully")
	return nil
}

// runSuites runs one full cycle over all discovered suites and processes
// the results.
func (o *Orchestrator) runSuites() error {
	runID := uuid.New().String()
	started := time.Now().UTC()
	o.config.Log.Info("Running all suites...", "run_id", runID)

	snap, err := o.executor.Execute(o.ctx, runID)
	if err != nil {
		// This is a runtime error (not a suite failure)
		o.config.Log.Error("Runtime error running suites", "error", err)
		return NewRuntimeError(err)
	}
	duration := time.Since(started)

	o.mu.Lock()
	o.lastSnap = &snap
	o.mu.Unlock()

	if err := o.persistRun(runID, started, snap); err != nil {
		o.config.Log.Error("Failed to persist run results", "run_id", runID, "error", err)
	}

	if err := o.formatter.FormatResults(runID, snap, duration); err != nil {
		o.config.Log.Error("Failed to format results", "error", err)
	}
	fmt.Println(summarize(snap))
	o.reporter.ReportResults(runID, snap, duration)

	o.config.Log.Info("Run completed", "run_id", runID, "status", snap.Status())
	return nil
}

// persistRun writes the per-suite detail logs and the snapshot record.
func (o *Orchestrator) persistRun(runID string, started time.Time, snap aggregate.Snapshot) error {
	fileLogger, err := logging.NewFileLogger(o.config.LogDir, runID)
	if err != nil {
		return err
	}
	for _, view := range snap.Suites {
		if err := fileLogger.LogSuite(view); err != nil {
			return err
		}
	}
	if err := fileLogger.Complete(snap); err != nil {
		return err
	}

	if _, err := o.store.Save(store.Record(runID, started, snap)); err != nil {
		return err
	}
	return nil
}

func (o *Orchestrator) lastSnapshot() *aggregate.Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastSnap
}

// summarize renders the one-line run summary printed after the table.
func summarize(snap aggregate.Snapshot) string {
	return fmt.Sprintf("%s: %d total, %d passed, %d failed, %d skipped, %d todo",
		snap.Status(), snap.Stats.Total, snap.Stats.Passed, snap.Stats.Failed,
		snap.Stats.Skipped, snap.Stats.Todo)
}

// Stop stops the testwire service.
// Stop implements the cliapp.Lifecycle interface.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.config.Log.Info("Stopping testwire")

	if err := o.sched.Stop(); err != nil {
		return err
	}

	o.config.Log.Info("testwire stopped successfully")
	return nil
}

// Stopped returns true if the testwire service is stopped.
// Stopped implements the cliapp.Lifecycle interface.
func (o *Orchestrator) Stopped() bool {
	return o.sched.Stopped()
}

// WaitForShutdown blocks until all goroutines have terminated.
// This is useful in tests to ensure complete cleanup before moving to the next test.
func (o *Orchestrator) WaitForShutdown(ctx context.Context) error {
	return o.sched.WaitForShutdown(ctx)
}
