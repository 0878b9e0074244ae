package runners

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"

	"github.com/testwire/testwire/lifecycle"
	"github.com/testwire/testwire/types"
)

// killGracePeriod is how long a disconnecting process gets between SIGTERM
// and SIGKILL.
const killGracePeriod = 2 * time.Second

// Process executes suites in an external process. The child receives the
// artifact path and the suite/runner identity as arguments and writes
// length-prefixed wire packets on stdout.
type Process struct {
	id              string
	log             log.Logger
	dispatchTimeout time.Duration
	connectTimeout  time.Duration
	command         []string
	workDir         string
	env             []string

	mu     sync.Mutex
	suite  types.Suite
	cmd    *exec.Cmd
	stderr *bytes.Buffer
}

func newProcess(cfg Config) (lifecycle.Runner, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("process runner needs a command")
	}
	return &Process{
		id:              cfg.ID,
		log:             cfg.Log.New("component", "process-runner", "runner", cfg.ID),
		dispatchTimeout: cfg.DispatchTimeout,
		connectTimeout:  cfg.ConnectTimeout,
		command:         cfg.Command,
		workDir:         cfg.WorkDir,
		env:             cfg.Env,
	}, nil
}

func (p *Process) ID() string { return p.id }

func (p *Process) DispatchTimeout() time.Duration { return p.dispatchTimeout }

func (p *Process) ConnectTimeout() time.Duration { return p.connectTimeout }

// Dispatch verifies the artifact exists and stages the suite. The process
// itself is not started until Connect.
func (p *Process) Dispatch(ctx context.Context, suite types.Suite) error {
	if _, err := os.Stat(suite.Artifact); err != nil {
		return errors.Wrapf(err, "suite artifact %q", suite.Artifact)
	}

	p.mu.Lock()
	p.suite = suite
	p.mu.Unlock()
	return nil
}

// Connect starts the child process and begins framing packets off its
// stdout. Returning the transport is the readiness signal.
func (p *Process) Connect(ctx context.Context, args types.RunArgs) (lifecycle.Transport, error) {
	p.mu.Lock()
	suite := p.suite
	p.mu.Unlock()
	if suite.ID == "" {
		return nil, errors.New("connect before dispatch")
	}

	argv := append([]string(nil), p.command[1:]...)
	argv = append(argv, "--suite-id", suite.ID, "--runner-id", p.id, suite.Artifact)
	if args.Filter != "" {
		argv = append(argv, "--filter", args.Filter)
	}
	if args.Verbose {
		argv = append(argv, "--verbose")
	}
	argv = append(argv, args.Argv...)

	cmd := exec.Command(p.command[0], argv...)
	cmd.Dir = p.workDir
	if len(p.env) > 0 {
		cmd.Env = append(os.Environ(), p.env...)
	}

	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "opening stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "starting runner process %q", p.command[0])
	}
	p.log.Debug("Runner process started", "pid", cmd.Process.Pid, "suite", suite.ID)

	p.mu.Lock()
	p.cmd = cmd
	p.stderr = stderr
	p.mu.Unlock()

	return newStreamTransport(stdout), nil
}

// Disconnect reaps the child, escalating from SIGTERM to SIGKILL if it
// lingers. Stderr is surfaced to the log, never to the suite outcome.
func (p *Process) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	cmd := p.cmd
	stderr := p.stderr
	p.suite = types.Suite{}
	p.cmd = nil
	p.stderr = nil
	p.mu.Unlock()

	if cmd == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	_ = cmd.Process.Signal(os.Interrupt)
	var waitErr error
	select {
	case waitErr = <-done:
	case <-time.After(killGracePeriod):
		p.log.Warn("Runner process ignored interrupt, killing", "pid", cmd.Process.Pid)
		_ = cmd.Process.Kill()
		waitErr = <-done
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		waitErr = <-done
	}

	if stderr != nil && stderr.Len() > 0 {
		p.log.Debug("Runner process stderr", "output", stderr.String())
	}
	if waitErr != nil {
		return errors.Wrap(waitErr, "runner process exit")
	}
	return nil
}
