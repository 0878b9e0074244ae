// Package lifecycle drives one runner instance through a single suite
// execution: dispatch, connect, execute while streaming packets, disconnect.
// All outcomes, success, timeout, runner-side fatal, are normalized into one
// Outcome shape so callers never handle raw transport errors.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/testwire/testwire/metrics"
	"github.com/testwire/testwire/timeout"
	"github.com/testwire/testwire/types"
	"github.com/testwire/testwire/wire"
)

// State is the position of a runner instance in its lifecycle.
type State uint8

const (
	StateIdle State = iota
	StateDispatching
	StateConnecting
	StateExecuting
	StateDisconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDispatching:
		return "dispatching"
	case StateConnecting:
		return "connecting"
	case StateExecuting:
		return "executing"
	case StateDisconnecting:
		return "disconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Transport is the packet stream established by a runner's Connect. Recv
// returns one encoded packet frame at a time and io.EOF once the runner has
// disconnected cleanly.
type Transport interface {
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Runner is the plugin contract an execution environment implements.
// Implementations are selected by explicit registration, not structural
// matching; see the runners package.
type Runner interface {
	// ID identifies this runner instance. Packets it emits carry the ID.
	ID() string

	// Dispatch hands the suite's compiled artifact to the runner.
	Dispatch(ctx context.Context, suite types.Suite) error

	// Connect establishes the packet transport. Returning a Transport means
	// the runner is ready to stream results.
	Connect(ctx context.Context, args types.RunArgs) (Transport, error)

	// Disconnect is best-effort teardown. Failures are logged, never
	// escalated, since the suite outcome is already determined by then.
	Disconnect(ctx context.Context) error

	// DispatchTimeout and ConnectTimeout are this runner's phase budgets.
	// timeout.Disabled turns the corresponding timer off.
	DispatchTimeout() time.Duration
	ConnectTimeout() time.Duration
}

// Sink consumes decoded packets in arrival order.
type Sink interface {
	Apply(pkt wire.Packet)
}

// Outcome is the normalized result of one lifecycle run.
type Outcome struct {
	SuiteID  string
	RunnerID string
	State    State // StateIdle after a clean cycle, StateFailed otherwise
	Err      error
	Duration time.Duration
	Packets  int // packets decoded during the Executing phase
}

// Failed reports whether the run ended in the Failed branch.
func (o Outcome) Failed() bool {
	return o.State == StateFailed
}

// FatalError is a fatal Error-kind packet received mid-execution. It ends
// the owning suite immediately but never aborts sibling suites.
type FatalError struct {
	SuiteID string
	Fatal   wire.Fatal
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("suite %s: runner reported fatal error: %s", e.SuiteID, e.Fatal.Format())
}

// Instance executes suites on one runner, one at a time. A fresh Instance is
// cheap; the scheduler creates one per popped task.
type Instance struct {
	runner Runner
	sink   Sink
	log    log.Logger
	tracer trace.Tracer
	state  atomic.Uint32
}

// NewInstance binds a runner to a packet sink.
func NewInstance(runner Runner, sink Sink, logger log.Logger) (*Instance, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if logger == nil {
		logger = log.New()
	}
	return &Instance{
		runner: runner,
		sink:   sink,
		log:    logger.New("component", "lifecycle", "runner", runner.ID()),
		tracer: otel.Tracer("suite lifecycle"),
	}, nil
}

// State returns the current lifecycle state. Safe to call from any
// goroutine.
func (i *Instance) State() State {
	return State(i.state.Load())
}

func (i *Instance) setState(s State) {
	i.state.Store(uint32(s))
	i.log.Debug("Lifecycle transition", "state", s)
}

// Run drives the full cycle for one suite. The returned Outcome is the only
// result surface; Run never panics across the boundary and never returns a
// partial state.
func (i *Instance) Run(ctx context.Context, suite types.Suite, args types.RunArgs) Outcome {
	start := time.Now()
	ctx, span := i.tracer.Start(ctx, fmt.Sprintf("suite %s", suite.ID))
	defer span.End()
	id := wire.Identity{SuiteID: suite.ID, RunnerID: i.runner.ID()}

	outcome := Outcome{SuiteID: suite.ID, RunnerID: i.runner.ID()}

	fail := func(err error) Outcome {
		i.setState(StateFailed)
		i.reportFatal(err, id)
		outcome.State = StateFailed
		outcome.Err = err
		outcome.Duration = time.Since(start)
		return outcome
	}

	// Dispatch phase, bounded by the runner's dispatch budget.
	i.setState(StateDispatching)
	dispatchBudget := phaseBudget(suite.DispatchTimeout, i.runner.DispatchTimeout())
	err := timeout.Do(ctx, dispatchBudget, "dispatch", suite.ID, func(ctx context.Context) error {
		return i.runner.Dispatch(ctx, suite)
	})
	if err != nil {
		i.log.Error("Dispatch failed", "suite", suite.ID, "error", err)
		metrics.RecordPhaseFailure("dispatch", err)
		return fail(fmt.Errorf("dispatching suite %s: %w", suite.ID, err))
	}

	// Connect phase, independent budget.
	i.setState(StateConnecting)
	connectBudget := phaseBudget(suite.ConnectTimeout, i.runner.ConnectTimeout())
	transport, err := timeout.Value(ctx, connectBudget, "connect", suite.ID, func(ctx context.Context) (Transport, error) {
		return i.runner.Connect(ctx, args)
	})
	if err != nil {
		i.log.Error("Connect failed", "suite", suite.ID, "error", err)
		metrics.RecordPhaseFailure("connect", err)
		i.disconnect(ctx)
		return fail(fmt.Errorf("connecting runner %s: %w", i.runner.ID(), err))
	}

	// Executing: fold the packet stream until EOF or a fatal packet. The
	// transport is torn down on every exit path so a runner that ignored its
	// timeout does not keep an orphaned stream open.
	i.setState(StateExecuting)
	packets, execErr := i.consume(ctx, transport, suite.ID)
	outcome.Packets = packets
	_ = transport.Close()

	i.setState(StateDisconnecting)
	i.disconnect(ctx)

	if execErr != nil {
		i.setState(StateFailed)
		outcome.State = StateFailed
		outcome.Err = execErr
		outcome.Duration = time.Since(start)
		return outcome
	}

	i.setState(StateIdle)
	outcome.State = StateIdle
	outcome.Duration = time.Since(start)
	i.log.Debug("Suite completed", "suite", suite.ID, "packets", packets, "duration", outcome.Duration)
	return outcome
}

// consume decodes and forwards frames until end-of-stream. A fatal
// Error-kind packet stops consumption immediately; remaining packets for the
// suite are not awaited.
func (i *Instance) consume(ctx context.Context, transport Transport, suiteID string) (int, error) {
	packets := 0
	for {
		frame, err := transport.Recv(ctx)
		if errors.Is(err, io.EOF) {
			return packets, nil
		}
		if err != nil {
			metrics.RecordPhaseFailure("execute", err)
			return packets, fmt.Errorf("receiving from runner %s: %w", i.runner.ID(), err)
		}

		pkt, err := wire.Decode(frame)
		if err != nil {
			metrics.RecordPhaseFailure("decode", err)
			return packets, fmt.Errorf("decoding packet from runner %s: %w", i.runner.ID(), err)
		}
		packets++
		metrics.RecordPacket(pkt.Header.Kind.String())
		i.sink.Apply(pkt)

		if pkt.Header.Kind == wire.KindError {
			payload := pkt.Payload.(*wire.ErrorPayload)
			fatal, decErr := wire.DecodeFatal(payload)
			if decErr != nil {
				fatal = wire.Fatal{Name: "Error", Message: payload.Error}
			}
			return packets, &FatalError{SuiteID: suiteID, Fatal: fatal}
		}
	}
}

// reportFatal surfaces a dispatch/connect failure to the sink as an
// Error-kind packet, so reporting layers only ever read the aggregate.
func (i *Instance) reportFatal(err error, id wire.Identity) {
	payload, encErr := wire.FatalPayload(wire.FatalFrom(err))
	if encErr != nil {
		i.log.Error("Failed to serialize fatal error", "error", encErr)
		return
	}
	i.sink.Apply(wire.Packet{
		Header: wire.Header{
			Kind:      wire.KindError,
			SuiteID:   id.SuiteID,
			RunnerID:  id.RunnerID,
			Timestamp: time.Now().UTC(),
		},
		Payload: payload,
	})
}

func (i *Instance) disconnect(ctx context.Context) {
	if err := i.runner.Disconnect(ctx); err != nil {
		// The suite outcome is already determined; a teardown failure can
		// only be logged.
		i.log.Warn("Runner disconnect failed", "runner", i.runner.ID(), "error", err)
	}
}

// phaseBudget picks the suite's override when set, otherwise the runner's
// own budget. Zero on both sides means no override was configured anywhere
// and the timer is disabled.
func phaseBudget(suiteBudget, runnerBudget time.Duration) time.Duration {
	if suiteBudget != 0 {
		return suiteBudget
	}
	if runnerBudget != 0 {
		return runnerBudget
	}
	return timeout.Disabled
}
