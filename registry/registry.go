package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"gopkg.in/yaml.v3"

	"github.com/testwire/testwire/types"
)

// Registry discovers the suites of a run from a manifest file and an
// optional artifact directory scan.
type Registry struct {
	config Config
	suites []types.Suite
	mu     sync.RWMutex
}

// Config contains registry configuration
type Config struct {
	Log          log.Logger
	ManifestFile string
	SuiteDir     string
	Compiler     Compiler

	// Defaults applied to manifest entries that leave them unset.
	DefaultRunner          string
	DefaultDispatchTimeout time.Duration
	DefaultConnectTimeout  time.Duration
}

// Compiler turns suite source into a dispatchable artifact. Implementations
// that already receive artifacts can use the identity compiler.
type Compiler interface {
	Compile(ctx context.Context, source string) (artifact string, err error)
}

// CompileError is a build-time fatal surfaced before any suite is
// dispatched.
type CompileError struct {
	Source string
	Err    error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compiling suite %s: %v", e.Source, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// manifest is the schema of the suites manifest file.
type manifest struct {
	Suites []types.SuiteConfig `yaml:"suites"`
}

// NewRegistry creates a new registry instance and discovers the suites.
func NewRegistry(ctx context.Context, cfg Config) (*Registry, error) {
	if cfg.ManifestFile == "" && cfg.SuiteDir == "" {
		return nil, fmt.Errorf("a suites manifest or a suite directory is required")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}

	r := &Registry{
		config: cfg,
	}
	if err := r.loadSuites(ctx); err != nil {
		return nil, fmt.Errorf("failed to load suites: %w", err)
	}

	cfg.Log.Debug("Registry loaded", "len(suites)", len(r.suites))
	return r, nil
}

func (r *Registry) loadSuites(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var entries []types.SuiteConfig
	if r.config.ManifestFile != "" {
		m, err := loadManifest(r.config.ManifestFile)
		if err != nil {
			return err
		}
		entries = m.Suites
	}
	if r.config.SuiteDir != "" {
		scanned, err := r.scanSuiteDir(entries)
		if err != nil {
			return err
		}
		entries = append(entries, scanned...)
	}
	if err := validateEntries(entries); err != nil {
		return err
	}

	suites, err := r.resolve(ctx, entries)
	if err != nil {
		return err
	}
	r.suites = suites
	return nil
}

// scanSuiteDir finds *_suite.* artifacts the manifest does not already pin.
func (r *Registry) scanSuiteDir(pinned []types.SuiteConfig) ([]types.SuiteConfig, error) {
	claimed := make(map[string]bool, len(pinned))
	for _, cfg := range pinned {
		abs, err := filepath.Abs(cfg.Artifact)
		if err == nil {
			claimed[abs] = true
		}
	}

	matches, err := filepath.Glob(filepath.Join(r.config.SuiteDir, "*_suite.*"))
	if err != nil {
		return nil, fmt.Errorf("scanning suite directory: %w", err)
	}
	sort.Strings(matches)

	var entries []types.SuiteConfig
	for _, path := range matches {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		if claimed[abs] {
			continue
		}
		r.config.Log.Debug("Discovered suite artifact", "path", path)
		entries = append(entries, types.SuiteConfig{Artifact: path})
	}
	return entries, nil
}

// resolve converts manifest entries into schedulable suites, applying
// defaults and running the compile boundary.
func (r *Registry) resolve(ctx context.Context, entries []types.SuiteConfig) ([]types.Suite, error) {
	suites := make([]types.Suite, 0, len(entries))
	for _, cfg := range entries {
		name := cfg.Name
		if name == "" {
			name = suiteNameFromArtifact(cfg.Artifact)
		}

		artifact := cfg.Artifact
		if r.config.Compiler != nil {
			compiled, err := r.config.Compiler.Compile(ctx, cfg.Artifact)
			if err != nil {
				return nil, &CompileError{Source: cfg.Artifact, Err: err}
			}
			artifact = compiled
		}

		runner := cfg.Runner
		if runner == "" {
			runner = r.config.DefaultRunner
		}

		suites = append(suites, types.Suite{
			ID:              name,
			Name:            name,
			Artifact:        artifact,
			Runner:          runner,
			DispatchTimeout: timeoutOrDefault(cfg.DispatchTimeout, r.config.DefaultDispatchTimeout),
			ConnectTimeout:  timeoutOrDefault(cfg.ConnectTimeout, r.config.DefaultConnectTimeout),
		})
	}
	return suites, nil
}

// Suites returns all discovered suites.
func (r *Registry) Suites() []types.Suite {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.suites
}

// SuitesForRunner returns the suites pinned to a specific runner.
func (r *Registry) SuitesForRunner(runnerID string) []types.Suite {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var suites []types.Suite
	for _, suite := range r.suites {
		if suite.Runner == runnerID {
			suites = append(suites, suite)
		}
	}
	return suites
}

// GetConfig returns the registry configuration
func (r *Registry) GetConfig() Config {
	return r.config
}

func loadManifest(path string) (*manifest, error) {
	log.Debug("Reading suites manifest", "path", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	return &m, nil
}

func validateEntries(entries []types.SuiteConfig) error {
	if len(entries) == 0 {
		return fmt.Errorf("no suites found")
	}

	seen := make(map[string]bool, len(entries))
	for i, cfg := range entries {
		if cfg.Artifact == "" {
			return fmt.Errorf("manifest entry %d has no artifact", i)
		}
		name := cfg.Name
		if name == "" {
			name = suiteNameFromArtifact(cfg.Artifact)
		}
		if seen[name] {
			return fmt.Errorf("duplicate suite name %q", name)
		}
		seen[name] = true
	}
	return nil
}

// suiteNameFromArtifact derives a suite name from its artifact filename,
// e.g. "suites/auth_suite.js" becomes "auth".
func suiteNameFromArtifact(artifact string) string {
	base := filepath.Base(artifact)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return strings.TrimSuffix(base, "_suite")
}

func timeoutOrDefault(v *time.Duration, def time.Duration) time.Duration {
	if v != nil {
		return *v
	}
	return def
}
