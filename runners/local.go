package runners

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/testwire/testwire/lifecycle"
	"github.com/testwire/testwire/timeout"
	"github.com/testwire/testwire/types"
	"github.com/testwire/testwire/wire"
)

// SuiteFunc is a suite compiled into the orchestrator binary. It reports
// through the emitter; a returned error is a suite-level fatal.
type SuiteFunc func(ctx context.Context, em *Emitter) error

// Local executes suites in-process, each in its own sandboxed goroutine.
// Packets flow through an in-memory pipe, so the local runner exercises the
// same wire protocol and lifecycle as an external one.
type Local struct {
	id              string
	log             log.Logger
	dispatchTimeout time.Duration
	connectTimeout  time.Duration
	suites          map[string]SuiteFunc
	evaluator       Evaluator
	sandbox         SandboxOptions

	mu     sync.Mutex
	staged stagedSuite
	pw     *io.PipeWriter
	group  *errgroup.Group
}

type stagedSuite struct {
	suite types.Suite
	fn    SuiteFunc
}

func newLocal(cfg Config) (lifecycle.Runner, error) {
	if len(cfg.Suites) == 0 && cfg.Evaluator == nil {
		return nil, fmt.Errorf("local runner needs registered suite functions or an evaluator")
	}
	return &Local{
		id:              cfg.ID,
		log:             cfg.Log.New("component", "local-runner", "runner", cfg.ID),
		dispatchTimeout: cfg.DispatchTimeout,
		connectTimeout:  cfg.ConnectTimeout,
		suites:          cfg.Suites,
		evaluator:       cfg.Evaluator,
		sandbox:         cfg.Sandbox,
	}, nil
}

func (l *Local) ID() string { return l.id }

func (l *Local) DispatchTimeout() time.Duration { return l.dispatchTimeout }

func (l *Local) ConnectTimeout() time.Duration { return l.connectTimeout }

// Dispatch resolves the suite to an executable function: a registered
// in-binary function by suite name, or the artifact's source handed to the
// evaluator boundary.
func (l *Local) Dispatch(ctx context.Context, suite types.Suite) error {
	fn, ok := l.suites[suite.Name]
	if !ok {
		var err error
		fn, err = l.evaluatedSuite(suite)
		if err != nil {
			return err
		}
	}

	l.mu.Lock()
	l.staged = stagedSuite{suite: suite, fn: fn}
	l.mu.Unlock()
	return nil
}

func (l *Local) evaluatedSuite(suite types.Suite) (SuiteFunc, error) {
	if l.evaluator == nil {
		return nil, fmt.Errorf("no registered suite function %q", suite.Name)
	}
	source, err := os.ReadFile(suite.Artifact)
	if err != nil {
		return nil, fmt.Errorf("reading suite artifact: %w", err)
	}
	opts := l.sandbox
	if opts.Filename == "" {
		opts.Filename = suite.Artifact
	}
	return func(ctx context.Context, em *Emitter) error {
		_, err := l.evaluator.Evaluate(ctx, string(source), map[string]any{"emit": em}, opts)
		return err
	}, nil
}

// Connect starts the staged suite in its own goroutine and returns the
// reading side of the packet pipe.
func (l *Local) Connect(ctx context.Context, args types.RunArgs) (lifecycle.Transport, error) {
	l.mu.Lock()
	staged := l.staged
	l.mu.Unlock()
	if staged.fn == nil {
		return nil, fmt.Errorf("connect before dispatch")
	}

	pr, pw := io.Pipe()
	em := NewEmitter(pw, wire.Identity{SuiteID: staged.suite.ID, RunnerID: l.id})

	group, runCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer func() {
			if r := recover(); r != nil {
				l.log.Error("Suite panicked", "suite", staged.suite.ID, "panic", r)
				em.fatalFromPanic(r)
			}
			_ = pw.Close()
		}()

		err := l.runSandboxed(runCtx, staged.fn, em)
		if err != nil {
			em.Fatal(err)
		}
		return nil
	})

	l.mu.Lock()
	l.pw = pw
	l.group = group
	l.mu.Unlock()

	return newStreamTransport(pr), nil
}

// runSandboxed applies the sandbox's own execution budget, independent of
// the lifecycle's dispatch and connect budgets.
func (l *Local) runSandboxed(ctx context.Context, fn SuiteFunc, em *Emitter) error {
	budget := timeout.Disabled
	if l.sandbox.Timeout > 0 {
		budget = l.sandbox.Timeout
	}
	return timeout.Do(ctx, budget, "sandbox execution", "", func(ctx context.Context) error {
		return fn(ctx, em)
	})
}

// Disconnect waits for the suite goroutine to finish and releases the pipe.
func (l *Local) Disconnect(ctx context.Context) error {
	l.mu.Lock()
	group := l.group
	pw := l.pw
	l.staged = stagedSuite{}
	l.group = nil
	l.pw = nil
	l.mu.Unlock()

	if group == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- group.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// Unblock a writer stuck on a reader that went away.
		if pw != nil {
			_ = pw.CloseWithError(ctx.Err())
		}
		return ctx.Err()
	}
}
