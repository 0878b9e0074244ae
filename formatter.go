package testwire

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/testwire/testwire/aggregate"
	"github.com/testwire/testwire/types"
)

// ResultFormatter is responsible for formatting and displaying run results.
type ResultFormatter interface {
	FormatResults(runID string, snap aggregate.Snapshot, duration time.Duration) error
}

// ConsoleResultFormatter implements the ResultFormatter interface.
type ConsoleResultFormatter struct {
	logger log.Logger
}

// NewConsoleResultFormatter creates a new ConsoleResultFormatter.
func NewConsoleResultFormatter(logger log.Logger) *ConsoleResultFormatter {
	return &ConsoleResultFormatter{
		logger: logger,
	}
}

// FormatResults renders the run as a table, one row per suite plus a totals
// footer. The table style tracks the run status.
func (f *ConsoleResultFormatter) FormatResults(runID string, snap aggregate.Snapshot, duration time.Duration) error {
	f.logger.Info("Printing results...")
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle(fmt.Sprintf("Suite Run Results %s (%s)", runID, formatDuration(duration)))

	t.AppendHeader(table.Row{
		"Suite", "Duration", "Tests", "Passed", "Failed", "Skipped", "Todo", "Status", "Error",
	})

	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Suite", WidthMax: 50, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Tests", Align: text.AlignRight},
		{Name: "Passed", Align: text.AlignRight},
		{Name: "Failed", Align: text.AlignRight},
		{Name: "Skipped", Align: text.AlignRight},
		{Name: "Todo", Align: text.AlignRight},
		{Name: "Error", WidthMax: 80, WidthMaxEnforcer: text.WrapSoft},
	})

	ids := make([]string, 0, len(snap.Suites))
	for id := range snap.Suites {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		view := snap.Suites[id]

		errorMsg := ""
		if view.Fatal != nil {
			errorMsg = firstLine(view.Fatal.Message)
		}

		t.AppendRow(table.Row{
			view.ID,
			formatDuration(view.Duration),
			view.Stats.Total,
			view.Stats.Passed,
			view.Stats.Failed,
			view.Stats.Skipped,
			view.Stats.Todo,
			getResultString(view.Status()),
			errorMsg,
		})
	}

	switch snap.Status() {
	case types.TestStatusPass:
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	case types.TestStatusSkip, types.TestStatusTodo:
		t.SetStyle(table.StyleColoredBlackOnYellowWhite)
	default:
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	}

	t.AppendFooter(table.Row{
		"TOTAL",
		formatDuration(duration),
		snap.Stats.Total,
		snap.Stats.Passed,
		snap.Stats.Failed,
		snap.Stats.Skipped,
		snap.Stats.Todo,
		getResultString(snap.Status()),
		"",
	})

	t.Render()
	return nil
}
