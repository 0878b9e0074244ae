package flags

import (
	"fmt"

	"github.com/urfave/cli/v2"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	opflags "github.com/ethereum-optimism/optimism/op-service/flags"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
	oprpc "github.com/ethereum-optimism/optimism/op-service/rpc"
)

const EnvVarPrefix = "TESTWIRE"

var (
	Manifest = &cli.StringFlag{
		Name:    "manifest",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "MANIFEST"),
		Usage:   "Path to the suites manifest file (eg. 'suites.yaml')",
	}
	SuiteDir = &cli.StringFlag{
		Name:    "suite-dir",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SUITE_DIR"),
		Usage:   "Directory to scan for suite artifacts not pinned by the manifest",
	}
	Runner = &cli.StringSliceFlag{
		Name:    "runner",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RUNNER"),
		Usage:   "Runner slot as 'id=kind' (eg. 'worker-1=process'). Repeatable; each adds one slot.",
	}
	RunnerCommand = &cli.StringSliceFlag{
		Name:    "runner-command",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RUNNER_COMMAND"),
		Usage:   "Command process runners launch for each suite",
	}
	RunInterval = &cli.DurationFlag{
		Name:    "run-interval",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RUN_INTERVAL"),
		Usage:   "Interval between runs (e.g. '1h', '30m'). Set to 0 or omit for run-once mode.",
	}
	DispatchTimeout = &cli.DurationFlag{
		Name:    "dispatch-timeout",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "DISPATCH_TIMEOUT"),
		Usage:   "Default budget for the dispatch phase of a suite. 0 disables it.",
	}
	ConnectTimeout = &cli.DurationFlag{
		Name:    "connect-timeout",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CONNECT_TIMEOUT"),
		Usage:   "Default budget for the connect phase of a suite. 0 disables it.",
	}
	Bail = &cli.BoolFlag{
		Name:    "bail",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "BAIL"),
		Usage:   "Stop scheduling new suites after the first failure",
	}
	Verbose = &cli.BoolFlag{
		Name:    "verbose",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "VERBOSE"),
		Usage:   "Runners emit log packets for passing tests too",
	}
	Filter = &cli.StringFlag{
		Name:    "filter",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "FILTER"),
		Usage:   "Only run tests whose full name matches",
	}
	LogDir = &cli.StringFlag{
		Name:    "logdir",
		Value:   "logs",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "LOGDIR"),
		Usage:   "Directory for per-run log files and snapshot records",
	}
)

var requiredFlags = []cli.Flag{}

var optionalFlags = []cli.Flag{
	Manifest,
	SuiteDir,
	Runner,
	RunnerCommand,
	RunInterval,
	DispatchTimeout,
	ConnectTimeout,
	Bail,
	Verbose,
	Filter,
	LogDir,
}
var Flags []cli.Flag

func init() {
	optionalFlags = append(optionalFlags, oprpc.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, oplog.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, opmetrics.CLIFlags(EnvVarPrefix)...)

	Flags = append(requiredFlags, optionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	if ctx.String(Manifest.Name) == "" && ctx.String(SuiteDir.Name) == "" {
		return fmt.Errorf("one of --%s or --%s is required", Manifest.Name, SuiteDir.Name)
	}
	return opflags.CheckRequiredXor(ctx)
}
