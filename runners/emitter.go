package runners

import (
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/testwire/testwire/wire"
)

// Emitter is the runner-side API a suite uses to report its progress. Every
// call encodes one packet and writes it as a frame, so the orchestrator sees
// events in the order the suite produced them.
type Emitter struct {
	mu       sync.Mutex
	w        io.Writer
	id       wire.Identity
	now      func() time.Time
	ancestry []string
	err      error // first write failure, latched
}

// NewEmitter binds an emitter to a frame stream and packet identity.
func NewEmitter(w io.Writer, id wire.Identity) *Emitter {
	return &Emitter{w: w, id: id, now: func() time.Time { return time.Now().UTC() }}
}

// Err returns the first write failure, if any.
func (e *Emitter) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *Emitter) emit(p wire.Payload) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return
	}
	data, err := wire.Encode(p, e.id, e.now())
	if err != nil {
		e.err = err
		return
	}
	if err := WriteFrame(e.w, data); err != nil {
		e.err = err
	}
}

func (e *Emitter) path() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return strings.Join(e.ancestry, ",")
}

// Describe brackets a group of tests. Start and end packets carry the
// describe flag so they are never counted as tests.
func (e *Emitter) Describe(name string, fn func()) {
	path := e.path()
	e.emit(&wire.StatusPayload{Name: name, Ancestry: path, Describe: true})

	e.mu.Lock()
	e.ancestry = append(e.ancestry, name)
	e.mu.Unlock()

	start := e.now()
	fn()

	e.mu.Lock()
	e.ancestry = e.ancestry[:len(e.ancestry)-1]
	e.mu.Unlock()

	e.emit(&wire.EventsPayload{
		Name:     name,
		Ancestry: path,
		Describe: true,
		Passed:   true,
		Duration: float64(e.now().Sub(start)) / float64(time.Millisecond),
	})
}

// Test runs one test body and emits its start and end packets. A non-nil
// error marks the test failed and logs the failure detail.
func (e *Emitter) Test(name string, fn func() error) {
	path := e.path()
	e.emit(&wire.StatusPayload{Name: name, Ancestry: path})

	start := e.now()
	err := fn()
	duration := float64(e.now().Sub(start)) / float64(time.Millisecond)

	if err != nil {
		e.logf(2, wire.LevelError, "%s: %v", name, err)
	}
	e.emit(&wire.EventsPayload{
		Name:     name,
		Ancestry: path,
		Passed:   err == nil,
		Duration: duration,
	})
}

// Skip records a skipped test. No end packet follows.
func (e *Emitter) Skip(name string) {
	e.emit(&wire.StatusPayload{Name: name, Ancestry: e.path(), Skipped: true})
}

// Todo records a not-yet-implemented test. No end packet follows.
func (e *Emitter) Todo(name string) {
	e.emit(&wire.StatusPayload{Name: name, Ancestry: e.path(), Todo: true})
}

// Logf emits a console-style message with the caller's source location.
func (e *Emitter) Logf(level wire.Level, format string, args ...any) {
	e.logf(2, level, format, args...)
}

// logf stamps the frame skip frames above itself, so internal callers can
// report their own caller's location instead of emitter code.
func (e *Emitter) logf(skip int, level wire.Level, format string, args ...any) {
	var invocation wire.Invocation
	if _, _, line, ok := runtime.Caller(skip); ok {
		invocation.Line = uint32(line)
	}
	e.emit(&wire.LogPayload{
		Level:      level,
		Message:    fmt.Sprintf(format, args...),
		Ancestry:   e.path(),
		Invocation: invocation,
	})
}

// Fatal reports a suite-level fatal error. The orchestrator seals the suite
// on receipt; nothing emitted afterwards is counted.
func (e *Emitter) Fatal(err error) {
	payload, encErr := wire.FatalPayload(wire.FatalFrom(err))
	if encErr != nil {
		payload = &wire.ErrorPayload{Error: fmt.Sprintf("%q", err.Error())}
	}
	e.emit(payload)
}

func (e *Emitter) fatalFromPanic(recovered any) {
	payload, encErr := wire.FatalPayload(wire.FatalFromPanic(recovered))
	if encErr != nil {
		payload = &wire.ErrorPayload{Error: fmt.Sprintf("%q", fmt.Sprint(recovered))}
	}
	e.emit(payload)
}
