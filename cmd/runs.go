package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/urfave/cli/v2"

	"github.com/testwire/testwire/flags"
	"github.com/testwire/testwire/store"
)

// RunsCommand defines the "runs" command for inspecting persisted run records.
func RunsCommand() *cli.Command {
	return &cli.Command{
		Name:      "runs",
		Usage:     "Inspect persisted run records",
		ArgsUsage: "[run-id]",
		Description: `Without arguments, lists the run IDs recorded under the log directory.
With a run ID, prints that run's per-suite results.

Examples:
  testwire runs
  testwire runs 0b5e31c2-8c8e-4dfb-9f3e-2e6f3f2a9a5d`,
		Flags: []cli.Flag{
			flags.LogDir,
		},
		Action: runsAction,
	}
}

func runsAction(ctx *cli.Context) error {
	runStore, err := store.New(filepath.Join(ctx.String(flags.LogDir.Name), "runs"), log.New())
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	if ctx.Args().Len() == 0 {
		runIDs, err := runStore.List()
		if err != nil {
			return cli.Exit(err.Error(), 2)
		}
		if len(runIDs) == 0 {
			fmt.Println("no recorded runs")
			return nil
		}
		for _, runID := range runIDs {
			fmt.Println(runID)
		}
		return nil
	}

	record, err := runStore.Load(ctx.Args().First())
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	printRecord(record)
	return nil
}

func printRecord(record store.RunRecord) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle(fmt.Sprintf("Run %s (%s)", record.RunID, record.Status))

	t.AppendHeader(table.Row{"Suite", "Duration", "Tests", "Passed", "Failed", "Skipped", "Todo", "Status", "Error"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Suite", WidthMax: 50, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Error", WidthMax: 80, WidthMaxEnforcer: text.WrapSoft},
	})

	ids := make([]string, 0, len(record.Suites))
	for id := range record.Suites {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		suite := record.Suites[id]
		t.AppendRow(table.Row{
			suite.ID,
			suite.Duration.Round(time.Millisecond),
			suite.Stats.Total,
			suite.Stats.Passed,
			suite.Stats.Failed,
			suite.Stats.Skipped,
			suite.Stats.Todo,
			string(suite.Status),
			suite.Fatal,
		})
	}

	t.AppendFooter(table.Row{
		"TOTAL",
		record.Finished.Sub(record.Started).Round(time.Millisecond),
		record.Stats.Total,
		record.Stats.Passed,
		record.Stats.Failed,
		record.Stats.Skipped,
		record.Stats.Todo,
		string(record.Status),
		"",
	})
	t.Render()
}
