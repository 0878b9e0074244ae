// Package runners provides the runner implementations the orchestrator can
// bind suite executions to. Implementations are chosen by explicit name
// registration; a runner slot is one configured instance.
package runners

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/testwire/testwire/lifecycle"
)

// Config carries the settings shared by all runner kinds plus the
// kind-specific ones. Unused fields are ignored by a factory.
type Config struct {
	// ID identifies the runner instance; packets it emits carry this ID.
	ID  string
	Log log.Logger

	// Phase budgets. Zero means unbounded; timeout.Disabled is accepted too.
	DispatchTimeout time.Duration
	ConnectTimeout  time.Duration

	// Local runner: in-binary suite functions, and the sandbox boundary for
	// artifact-sourced suites.
	Suites    map[string]SuiteFunc
	Evaluator Evaluator
	Sandbox   SandboxOptions

	// Process runner: the command to launch, e.g. {"testwire-runner"}.
	Command []string
	WorkDir string
	Env     []string
}

// Factory builds one runner instance.
type Factory func(cfg Config) (lifecycle.Runner, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
)

// Register makes a runner kind available under a name. Registering the same
// name twice panics; it is a wiring bug, not a runtime condition.
func Register(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, exists := factories[name]; exists {
		panic(fmt.Sprintf("runner kind %q registered twice", name))
	}
	factories[name] = factory
}

// New builds a runner instance of the named kind.
func New(kind string, cfg Config) (lifecycle.Runner, error) {
	factoriesMu.RLock()
	factory, ok := factories[kind]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown runner kind %q (registered: %v)", kind, Kinds())
	}
	if cfg.ID == "" {
		return nil, fmt.Errorf("runner ID is required")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	return factory(cfg)
}

// Kinds lists the registered runner kinds, sorted.
func Kinds() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	kinds := make([]string, 0, len(factories))
	for name := range factories {
		kinds = append(kinds, name)
	}
	sort.Strings(kinds)
	return kinds
}

func init() {
	Register("local", newLocal)
	Register("process", newProcess)
}
