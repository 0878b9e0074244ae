package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/honeycombio/otel-config-go/otelconfig"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/optimism/devnet-sdk/telemetry"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
	"github.com/ethereum-optimism/optimism/op-service/ctxinterrupt"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"

	"github.com/testwire/testwire"
	"github.com/testwire/testwire/exitcodes"
	"github.com/testwire/testwire/flags"
	"github.com/testwire/testwire/service"
)

var (
	Version   = "v0.1.0"
	GitCommit = ""
	GitDate   = ""
)

func main() {
	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-%s", Version, GitCommit, GitDate)
	app.Name = "testwire"
	app.Usage = "Distributed Test Suite Orchestrator"
	app.Description = "testwire dispatches test suites to runners and aggregates their results"
	app.Flags = cliapp.ProtectFlags(flags.Flags)
	app.Action = cliapp.LifecycleCmd(run)
	app.Commands = []*cli.Command{
		RunsCommand(),
	}
	app.ExitErrHandler = exitErrHandler

	// Start telemetry
	ctx, shutdown, err := telemetry.SetupOpenTelemetry(
		context.Background(),
		otelconfig.WithServiceName(app.Name),
		otelconfig.WithServiceVersion(app.Version),
	)
	if err != nil {
		log.Crit("Failed to setup open telemetry", "message", err)
	}
	defer shutdown()

	// Start server
	svc := service.New()
	svc.Start(ctx)
	defer svc.Shutdown()

	// Start CLI
	ctx = ctxinterrupt.WithSignalWaiterMain(ctx)
	err = app.RunContext(ctx, os.Args)
	if err != nil {
		log.Crit("Application failed", "message", err)
	}
}

// exitErrHandler maps typed errors onto the process exit codes.
func exitErrHandler(c *cli.Context, err error) {
	var exitErr cli.ExitCoder
	if errors.As(err, &exitErr) {
		// Use the exit code from the ExitCoder
		cli.HandleExitCoder(exitErr)
	} else if err != nil {
		cli.HandleExitCoder(cli.Exit(err.Error(), exitCodeFor(err)))
	}
}

// exitCodeFor decides the exit code for an untyped CLI error: 2 for runtime
// errors, 1 for suite failures and anything unspecified.
func exitCodeFor(err error) int {
	if testwire.IsRuntimeError(err) {
		return exitcodes.RuntimeErr
	}
	return exitcodes.TestFailure
}

func run(ctx *cli.Context, closeApp context.CancelCauseFunc) (cliapp.Lifecycle, error) {
	logCfg := oplog.ReadCLIConfig(ctx)
	log := oplog.NewLogger(oplog.AppOut(ctx), logCfg)
	oplog.SetGlobalLogHandler(log.Handler())
	oplog.SetupDefaults()

	cfg, err := testwire.NewConfig(ctx, log)
	if err != nil {
		// Wrap in RuntimeError to signal this should exit with code 2
		return nil, testwire.NewRuntimeError(fmt.Errorf("failed to create config: %w", err))
	}

	cfg.Log.Debug("Config", "config", cfg)

	orchestrator, err := testwire.New(ctx.Context, cfg, Version, closeApp)
	if err != nil {
		// Wrap in RuntimeError to signal this should exit with code 2
		return nil, testwire.NewRuntimeError(fmt.Errorf("failed to create orchestrator: %w", err))
	}

	return orchestrator, nil
}
