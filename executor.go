package testwire

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/testwire/testwire/aggregate"
	"github.com/testwire/testwire/lifecycle"
	"github.com/testwire/testwire/registry"
	"github.com/testwire/testwire/scheduler"
	"github.com/testwire/testwire/types"
)

// RunExecutor is responsible for executing one full run of suites.
type RunExecutor interface {
	Execute(ctx context.Context, runID string) (aggregate.Snapshot, error)
}

// DefaultRunExecutor implements the RunExecutor interface. It drives the
// registry's suites through the dispatch scheduler and collects the results.
type DefaultRunExecutor struct {
	registry *registry.Registry
	slots    []lifecycle.Runner
	args     types.RunArgs
	logger   log.Logger
	tracer   trace.Tracer
}

// NewDefaultRunExecutor creates a new DefaultRunExecutor.
func NewDefaultRunExecutor(reg *registry.Registry, slots []lifecycle.Runner, args types.RunArgs, logger log.Logger) *DefaultRunExecutor {
	return &DefaultRunExecutor{
		registry: reg,
		slots:    slots,
		args:     args,
		logger:   logger,
		tracer:   otel.Tracer("run executor"),
	}
}

// Execute runs every discovered suite and returns the aggregate snapshot.
// An error here is a runtime failure of the orchestration itself; suite
// failures live inside the snapshot.
func (e *DefaultRunExecutor) Execute(ctx context.Context, runID string) (aggregate.Snapshot, error) {
	ctx, span := e.tracer.Start(ctx, fmt.Sprintf("run %s", runID))
	defer span.End()

	suites := e.registry.Suites()
	e.logger.Info("Executing run", "run_id", runID, "suites", len(suites), "slots", len(e.slots))

	agg := aggregate.New(e.logger)
	sched, err := scheduler.New(scheduler.Config{
		Slots: e.slots,
		Sink:  agg,
		Log:   e.logger,
	})
	if err != nil {
		return aggregate.Snapshot{}, fmt.Errorf("creating scheduler: %w", err)
	}

	handles := make([]*scheduler.Handle, 0, len(suites))
	for _, suite := range suites {
		handles = append(handles, sched.Submit(ctx, scheduler.Task{
			Suite:    suite,
			Args:     e.args,
			RunnerID: suite.Runner,
		}))
	}

	if e.args.Bail {
		// Watch every handle so the first failure cancels the queue even
		// while earlier submissions are still executing. A failure is either
		// a failed lifecycle (the outcome carries its error) or a clean cycle
		// whose suite counted failing tests.
		var bailOnce sync.Once
		for i, handle := range handles {
			go func(h *scheduler.Handle, suiteID string) {
				outcome, err := h.Wait(ctx)
				if errors.Is(err, scheduler.ErrCancelled) {
					return
				}
				if outcome.Failed() || agg.SuiteFailed(suiteID) {
					bailOnce.Do(func() {
						e.logger.Warn("Suite failed with bail set, cancelling remaining suites", "suite", suiteID)
						sched.Cancel()
					})
				}
			}(handle, suites[i].ID)
		}
	}

	for i, handle := range handles {
		_, err := handle.Wait(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return aggregate.Snapshot{}, ctx.Err()
			}
			// Rejected by the scheduler, typically after a bail.
			e.logger.Debug("Suite not executed", "suite", suites[i].ID, "reason", err)
		}
	}

	if err := sched.Wait(ctx); err != nil {
		return aggregate.Snapshot{}, fmt.Errorf("draining scheduler: %w", err)
	}

	snap := agg.Snapshot()
	e.logger.Info("Run completed", "run_id", runID, "status", snap.Status(),
		"total", snap.Stats.Total, "passed", snap.Stats.Passed, "failed", snap.Stats.Failed)
	return snap, nil
}
