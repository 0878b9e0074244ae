package testwire

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testwire/testwire/aggregate"
	"github.com/testwire/testwire/types"
	"github.com/testwire/testwire/wire"
)

func TestFormatResults(t *testing.T) {
	formatter := NewConsoleResultFormatter(log.New())

	snap := aggregate.Snapshot{
		Stats: types.Stats{Total: 3, Passed: 1, Failed: 1, Skipped: 1},
		Suites: map[string]aggregate.SuiteView{
			"auth": {
				ID:       "auth",
				Stats:    types.Stats{Total: 2, Passed: 1, Skipped: 1},
				Duration: 40 * time.Millisecond,
			},
			"billing": {
				ID:     "billing",
				Stats:  types.Stats{Total: 1, Failed: 1},
				Failed: true,
				Fatal:  &wire.Fatal{Name: "Error", Message: "gateway down\nsecond line"},
			},
		},
		Finished: time.Now().UTC(),
	}

	require.NoError(t, formatter.FormatResults("run-1", snap, 2*time.Second))
}

func TestFormatResultsEmptyRun(t *testing.T) {
	formatter := NewConsoleResultFormatter(log.New())
	snap := aggregate.Snapshot{Suites: map[string]aggregate.SuiteView{}}
	require.NoError(t, formatter.FormatResults("run-empty", snap, 0))
}

func TestGetResultString(t *testing.T) {
	assert.Equal(t, "✓ pass", getResultString(types.TestStatusPass))
	assert.Equal(t, "✗ fail", getResultString(types.TestStatusFail))
	assert.Equal(t, "- skip", getResultString(types.TestStatusSkip))
	assert.Equal(t, "? todo", getResultString(types.TestStatusTodo))
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "gateway down", firstLine("gateway down\nsecond line"))
	assert.Equal(t, "single", firstLine("single"))
}
