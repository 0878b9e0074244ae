package runners

import (
	"context"
	"time"
)

// SandboxOptions are the evaluation options accepted by the isolated
// execution boundary the local runner delegates to.
type SandboxOptions struct {
	Filename      string
	LineOffset    int
	ColumnOffset  int
	DisplayErrors bool
	Timeout       time.Duration
	BreakOnSigint bool
}

// Evaluator runs source text in an isolated context with an initial set of
// bindings. It returns the evaluated result or the underlying syntax or
// runtime error. Implementations live outside this package; the local runner
// only consumes the boundary.
type Evaluator interface {
	Evaluate(ctx context.Context, source string, bindings map[string]any, opts SandboxOptions) (any, error)
}
