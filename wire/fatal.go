package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Fatal is the serializable form of a runner-side fatal error. It is a
// tagged variant: a single error carries name/message/stack, an aggregate
// carries child errors. Aggregates nest arbitrarily deep.
type Fatal struct {
	Name    string  `json:"name"`
	Message string  `json:"message"`
	Stack   string  `json:"stack,omitempty"`
	Causes  []Fatal `json:"causes,omitempty"`
}

// IsAggregate reports whether this error wraps multiple child errors.
func (f Fatal) IsAggregate() bool {
	return len(f.Causes) > 0
}

// Format renders the error tree, indenting each nesting level.
func (f Fatal) Format() string {
	var sb strings.Builder
	f.format(&sb, 0)
	return sb.String()
}

func (f Fatal) format(sb *strings.Builder, depth int) {
	indent := strings.Repeat("  ", depth)
	if f.Name != "" {
		fmt.Fprintf(sb, "%s%s: %s", indent, f.Name, f.Message)
	} else {
		fmt.Fprintf(sb, "%s%s", indent, f.Message)
	}
	for _, cause := range f.Causes {
		sb.WriteString("\n")
		cause.format(sb, depth+1)
	}
}

// FatalFrom converts an error value into its serializable form. Wrapped
// errors become a single cause; joined errors become an aggregate.
func FatalFrom(err error) Fatal {
	if err == nil {
		return Fatal{Name: "Error", Message: "unknown error"}
	}

	f := Fatal{
		Name:    fmt.Sprintf("%T", err),
		Message: err.Error(),
	}

	// errors.Join and multi-cause wrappers expose Unwrap() []error.
	if multi, ok := err.(interface{ Unwrap() []error }); ok {
		for _, cause := range multi.Unwrap() {
			f.Causes = append(f.Causes, FatalFrom(cause))
		}
		return f
	}
	if cause := errors.Unwrap(err); cause != nil {
		f.Causes = append(f.Causes, FatalFrom(cause))
	}
	return f
}

// FatalFromPanic converts a recovered panic value, attaching the current
// goroutine's stack.
func FatalFromPanic(recovered any) Fatal {
	buf := make([]byte, 8192)
	n := runtime.Stack(buf, false)

	var f Fatal
	if err, ok := recovered.(error); ok {
		f = FatalFrom(err)
	} else {
		f = Fatal{Name: "panic", Message: fmt.Sprint(recovered)}
	}
	f.Stack = string(buf[:n])
	return f
}

// EncodeFatal is the convenience path for turning an error value directly
// into an Error-kind packet without going through a structured payload.
func EncodeFatal(err error, id Identity, now time.Time) ([]byte, error) {
	payload, encErr := FatalPayload(FatalFrom(err))
	if encErr != nil {
		return nil, encErr
	}
	return Encode(payload, id, now)
}

// FatalPayload serializes a Fatal into an Error-kind payload.
func FatalPayload(f Fatal) (*ErrorPayload, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("wire: serializing fatal error: %w", err)
	}
	return &ErrorPayload{Error: string(data)}, nil
}

// DecodeFatal deserializes the error object carried by an Error-kind payload.
func DecodeFatal(p *ErrorPayload) (Fatal, error) {
	var f Fatal
	if err := json.Unmarshal([]byte(p.Error), &f); err != nil {
		return Fatal{}, fmt.Errorf("wire: deserializing fatal error: %w", err)
	}
	return f, nil
}
