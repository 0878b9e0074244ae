// Package wire defines the binary packet protocol spoken between the
// orchestrator and its runners. Every event a runner produces while executing
// a suite (log lines, test starts, test ends, fatal errors) is serialized
// into one self-describing packet: a common header followed by a
// kind-specific payload. The header can be decoded without knowing the
// payload schema, which lets the orchestrator demultiplex interleaved
// packets from many concurrent runners on one transport.
package wire

import (
	"fmt"
	"time"
)

// Kind identifies the payload schema of a packet.
type Kind uint8

const (
	// KindLog is an arbitrary console-style message.
	KindLog Kind = iota + 1
	// KindError is a suite-level fatal error, not attached to a single test.
	KindError
	// KindStatus is a test/describe start event, carrying skip/todo flags.
	KindStatus
	// KindEvents is a test/describe end event for runs that actually
	// completed. Skipped and todo items never produce one.
	KindEvents
)

func (k Kind) String() string {
	switch k {
	case KindLog:
		return "log"
	case KindError:
		return "error"
	case KindStatus:
		return "status"
	case KindEvents:
		return "events"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Identity names the execution context a packet originates from.
type Identity struct {
	SuiteID  string
	RunnerID string
}

// Header is present on every packet.
type Header struct {
	Kind      Kind
	SuiteID   string
	RunnerID  string
	Timestamp time.Time
}

// Packet is one decoded cross-boundary event.
type Packet struct {
	Header  Header
	Payload Payload
}

// Payload is implemented by every kind-specific payload.
type Payload interface {
	kind() Kind
	encode(w *writer)
	decode(r *reader) error
}

// Level is the severity of a Log packet.
type Level uint8

const (
	LevelInfo Level = iota
	LevelWarn
	LevelError
	LevelDebug
)

func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	case LevelDebug:
		return "debug"
	default:
		return fmt.Sprintf("level(%d)", uint8(l))
	}
}

// Invocation is the source location a log line was emitted from.
type Invocation struct {
	Line   uint32
	Column uint32
}

// LogPayload carries one console-style message.
type LogPayload struct {
	Level      Level
	Message    string
	Ancestry   string // comma-joined describe path
	Invocation Invocation
}

func (*LogPayload) kind() Kind { return KindLog }

func (p *LogPayload) encode(w *writer) {
	w.u8(uint8(p.Level))
	w.str(p.Message)
	w.str(p.Ancestry)
	w.u32(p.Invocation.Line)
	w.u32(p.Invocation.Column)
}

func (p *LogPayload) decode(r *reader) error {
	p.Level = Level(r.u8())
	p.Message = r.str()
	p.Ancestry = r.str()
	p.Invocation.Line = r.u32()
	p.Invocation.Column = r.u32()
	return r.err
}

// ErrorPayload carries a serialized fatal error. Error shapes are
// heterogeneous and effectively unbounded, so the error object is stored as
// one JSON-encoded string field rather than a structured binary schema.
type ErrorPayload struct {
	Error string
}

func (*ErrorPayload) kind() Kind { return KindError }

func (p *ErrorPayload) encode(w *writer) {
	w.str(p.Error)
}

func (p *ErrorPayload) decode(r *reader) error {
	p.Error = r.str()
	return r.err
}

// StatusPayload marks a test or describe block starting.
type StatusPayload struct {
	Name     string
	Ancestry string
	Describe bool
	Skipped  bool
	Todo     bool
}

func (*StatusPayload) kind() Kind { return KindStatus }

func (p *StatusPayload) encode(w *writer) {
	w.str(p.Name)
	w.str(p.Ancestry)
	w.bool(p.Describe)
	w.bool(p.Skipped)
	w.bool(p.Todo)
}

func (p *StatusPayload) decode(r *reader) error {
	p.Name = r.str()
	p.Ancestry = r.str()
	p.Describe = r.bool()
	p.Skipped = r.bool()
	p.Todo = r.bool()
	return r.err
}

// EventsPayload marks a test or describe block ending. Only emitted for runs
// that actually completed, never for skipped or todo items.
type EventsPayload struct {
	Name     string
	Ancestry string
	Describe bool
	Passed   bool
	Duration float64 // milliseconds
}

func (*EventsPayload) kind() Kind { return KindEvents }

func (p *EventsPayload) encode(w *writer) {
	w.str(p.Name)
	w.str(p.Ancestry)
	w.bool(p.Describe)
	w.bool(p.Passed)
	w.f64(p.Duration)
}

func (p *EventsPayload) decode(r *reader) error {
	p.Name = r.str()
	p.Ancestry = r.str()
	p.Describe = r.bool()
	p.Passed = r.bool()
	p.Duration = r.f64()
	return r.err
}
