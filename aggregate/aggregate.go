// Package aggregate folds decoded packets into per-suite and global running
// statistics. Packets for one suite arrive in order; packets from different
// suites may interleave freely and never affect each other's counters.
package aggregate

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/testwire/testwire/types"
	"github.com/testwire/testwire/wire"
)

// SuiteView is the read-only per-suite slice of a snapshot.
type SuiteView struct {
	ID       string
	Stats    types.Stats
	Lines    []string // ordered rendering detail lines
	Duration time.Duration
	Failed   bool // sealed by a suite-level fatal error
	Fatal    *wire.Fatal
}

// Status derives the suite's terminal bucket.
func (v SuiteView) Status() types.TestStatus {
	switch {
	case v.Failed || v.Stats.Failed > 0:
		return types.TestStatusFail
	case v.Stats.Passed > 0:
		return types.TestStatusPass
	case v.Stats.Todo > 0 && v.Stats.Skipped == 0:
		return types.TestStatusTodo
	default:
		return types.TestStatusSkip
	}
}

// Snapshot is a point-in-time copy of the aggregate. Mutating it does not
// affect the aggregator.
type Snapshot struct {
	Stats    types.Stats
	Suites   map[string]SuiteView
	Finished time.Time
}

// Status derives the run's overall result: fail if anything failed, skip if
// nothing ran, pass otherwise.
func (s Snapshot) Status() types.TestStatus {
	anyFailed := s.Stats.Failed > 0
	for _, suite := range s.Suites {
		if suite.Failed {
			anyFailed = true
		}
	}
	switch {
	case anyFailed:
		return types.TestStatusFail
	case s.Stats.Passed == 0:
		return types.TestStatusSkip
	default:
		return types.TestStatusPass
	}
}

type suiteState struct {
	view   SuiteView
	sealed bool
}

// Aggregator consumes packets from all lifecycle instances of a run. The
// mutex guards the global counters; per-suite ordering is the transport's
// guarantee, not re-established here.
type Aggregator struct {
	log log.Logger

	mu     sync.Mutex
	suites map[string]*suiteState
	stats  types.Stats
}

// New creates an empty aggregator.
func New(logger log.Logger) *Aggregator {
	if logger == nil {
		logger = log.New()
	}
	return &Aggregator{
		log:    logger.New("component", "aggregate"),
		suites: make(map[string]*suiteState),
	}
}

// Apply folds one decoded packet into the aggregate. Counters are only ever
// mutated for the suite named in the packet header.
func (a *Aggregator) Apply(pkt wire.Packet) {
	a.mu.Lock()
	defer a.mu.Unlock()

	suiteID := pkt.Header.SuiteID
	state, ok := a.suites[suiteID]
	if !ok {
		state = &suiteState{view: SuiteView{ID: suiteID}}
		a.suites[suiteID] = state
	}

	if state.sealed {
		// A fatal error already determined this suite's outcome.
		a.log.Debug("Dropping packet for sealed suite", "suite", suiteID, "kind", pkt.Header.Kind)
		return
	}

	switch payload := pkt.Payload.(type) {
	case *wire.StatusPayload:
		a.applyStatus(state, payload)
	case *wire.EventsPayload:
		a.applyEvents(state, payload)
	case *wire.ErrorPayload:
		a.applyError(state, payload)
	case *wire.LogPayload:
		a.applyLog(state, payload)
	default:
		a.log.Warn("Unhandled packet payload", "kind", pkt.Header.Kind)
	}
}

func (a *Aggregator) applyStatus(state *suiteState, p *wire.StatusPayload) {
	if p.Describe {
		// Describe blocks bracket tests, they are not countable units.
		return
	}
	state.view.Stats.Total++
	a.stats.Total++

	// A skipped or todo item never produces a matching end packet; its
	// terminal bucket is decided right here.
	switch {
	case p.Skipped:
		state.view.Stats.Skipped++
		a.stats.Skipped++
	case p.Todo:
		state.view.Stats.Todo++
		a.stats.Todo++
	}
}

func (a *Aggregator) applyEvents(state *suiteState, p *wire.EventsPayload) {
	if p.Describe {
		return
	}
	if p.Passed {
		state.view.Stats.Passed++
		a.stats.Passed++
	} else {
		state.view.Stats.Failed++
		a.stats.Failed++
	}
	state.view.Duration += time.Duration(p.Duration * float64(time.Millisecond))
	state.view.Lines = append(state.view.Lines, formatResultLine(p))
}

func (a *Aggregator) applyError(state *suiteState, p *wire.ErrorPayload) {
	fatal, err := wire.DecodeFatal(p)
	if err != nil {
		a.log.Warn("Undecodable fatal error payload", "suite", state.view.ID, "error", err)
		fatal = wire.Fatal{Name: "Error", Message: p.Error}
	}
	state.view.Failed = true
	state.view.Fatal = &fatal
	state.view.Lines = append(state.view.Lines, "fatal: "+fatal.Format())
	state.sealed = true
}

func (a *Aggregator) applyLog(state *suiteState, p *wire.LogPayload) {
	state.view.Lines = append(state.view.Lines, formatLogLine(p))
}

// SuiteFailed reports whether the named suite has failed so far, by a
// counted failing test or by a sealing fatal error.
func (a *Aggregator) SuiteFailed(suiteID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	state, ok := a.suites[suiteID]
	return ok && (state.view.Failed || state.view.Stats.Failed > 0)
}

// Snapshot copies the current aggregate view.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := Snapshot{
		Stats:    a.stats,
		Suites:   make(map[string]SuiteView, len(a.suites)),
		Finished: time.Now().UTC(),
	}
	for id, state := range a.suites {
		view := state.view
		view.Lines = append([]string(nil), state.view.Lines...)
		snap.Suites[id] = view
	}
	return snap
}

func formatLogLine(p *wire.LogPayload) string {
	line := fmt.Sprintf("%s %s", p.Level, p.Message)
	if p.Ancestry != "" {
		line += " (" + p.Ancestry + ")"
	}
	if p.Invocation.Line != 0 {
		line += fmt.Sprintf(" @%d:%d", p.Invocation.Line, p.Invocation.Column)
	}
	return line
}

func formatResultLine(p *wire.EventsPayload) string {
	status := "pass"
	if !p.Passed {
		status = "fail"
	}
	name := p.Name
	if p.Ancestry != "" {
		name = p.Ancestry + "," + name
	}
	return fmt.Sprintf("%s %s (%.1fms)", status, name, p.Duration)
}
