package types

import (
	"time"
)

// TestStatus represents the terminal bucket of a test or suite execution
type TestStatus string

const (
	TestStatusPass TestStatus = "pass"
	TestStatusFail TestStatus = "fail"
	TestStatusSkip TestStatus = "skip"
	TestStatusTodo TestStatus = "todo"
)

// Stats holds running counters for a suite or a whole run.
// A test contributes to exactly one terminal bucket.
type Stats struct {
	Total   int
	Passed  int
	Failed  int
	Skipped int
	Todo    int
}

// Add folds other into s.
func (s *Stats) Add(other Stats) {
	s.Total += other.Total
	s.Passed += other.Passed
	s.Failed += other.Failed
	s.Skipped += other.Skipped
	s.Todo += other.Todo
}

// Suite describes one schedulable unit of test work: a compiled suite
// artifact plus the runner it should execute on.
type Suite struct {
	// ID uniquely identifies the suite within a run. Packets emitted by the
	// runner carry this ID in their header.
	ID string
	// Name is the human-readable suite name, usually derived from the
	// artifact filename.
	Name string
	// Artifact is the path to the dispatchable suite artifact.
	Artifact string
	// Runner names the runner slot this suite is pinned to. Empty means
	// any available slot may take it.
	Runner string
	// DispatchTimeout bounds the dispatch phase. Zero means use the runner's
	// own budget; -1 disables the timeout.
	DispatchTimeout time.Duration
	// ConnectTimeout bounds the connect phase, same semantics as above.
	ConnectTimeout time.Duration
}

// RunArgs carries parsed run-wide arguments handed to every runner on connect.
type RunArgs struct {
	Bail    bool     // stop scheduling new suites after the first failure
	Filter  string   // only run tests whose full name matches
	Verbose bool     // runners should emit Log packets for passing tests too
	Argv    []string // raw passthrough arguments for the runner process
}

// SuiteConfig is one manifest entry describing a suite.
type SuiteConfig struct {
	Name            string         `yaml:"name,omitempty"`
	Artifact        string         `yaml:"artifact"`
	Runner          string         `yaml:"runner,omitempty"`
	DispatchTimeout *time.Duration `yaml:"dispatch_timeout,omitempty"`
	ConnectTimeout  *time.Duration `yaml:"connect_timeout,omitempty"`
}
