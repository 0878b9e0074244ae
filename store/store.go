// Package store persists finished run snapshots as msgpack documents so
// other tooling can inspect past runs without replaying them.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/testwire/testwire/aggregate"
	"github.com/testwire/testwire/types"
)

// RunRecord is the persisted form of one finished run.
type RunRecord struct {
	RunID    string                 `msgpack:"run_id"`
	Status   types.TestStatus       `msgpack:"status"`
	Stats    types.Stats            `msgpack:"stats"`
	Started  time.Time              `msgpack:"started"`
	Finished time.Time              `msgpack:"finished"`
	Suites   map[string]SuiteRecord `msgpack:"suites"`
}

// SuiteRecord is the persisted form of one suite's results.
type SuiteRecord struct {
	ID       string           `msgpack:"id"`
	Status   types.TestStatus `msgpack:"status"`
	Stats    types.Stats      `msgpack:"stats"`
	Duration time.Duration    `msgpack:"duration"`
	Lines    []string         `msgpack:"lines,omitempty"`
	Fatal    string           `msgpack:"fatal,omitempty"`
}

// Store writes run records under a base directory, one file per run.
type Store struct {
	dir string
	log log.Logger
}

// New creates the store, making the base directory if needed.
func New(dir string, logger log.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("store directory is required")
	}
	if logger == nil {
		logger = log.New()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	return &Store{dir: dir, log: logger.New("component", "store")}, nil
}

// Record converts an aggregate snapshot into its persisted form.
func Record(runID string, started time.Time, snap aggregate.Snapshot) RunRecord {
	record := RunRecord{
		RunID:    runID,
		Status:   snap.Status(),
		Stats:    snap.Stats,
		Started:  started,
		Finished: snap.Finished,
		Suites:   make(map[string]SuiteRecord, len(snap.Suites)),
	}
	for id, view := range snap.Suites {
		suite := SuiteRecord{
			ID:       view.ID,
			Status:   view.Status(),
			Stats:    view.Stats,
			Duration: view.Duration,
			Lines:    view.Lines,
		}
		if view.Fatal != nil {
			suite.Fatal = view.Fatal.Format()
		}
		record.Suites[id] = suite
	}
	return record
}

// Save writes one run record. The write goes through a temp file so a
// crashed writer never leaves a truncated record behind.
func (s *Store) Save(record RunRecord) (string, error) {
	if record.RunID == "" {
		return "", fmt.Errorf("run record has no run ID")
	}

	data, err := msgpack.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("encoding run record: %w", err)
	}

	path := s.pathFor(record.RunID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("writing run record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("publishing run record: %w", err)
	}

	s.log.Debug("Run record saved", "run_id", record.RunID, "path", path, "bytes", len(data))
	return path, nil
}

// Load reads one run record back.
func (s *Store) Load(runID string) (RunRecord, error) {
	data, err := os.ReadFile(s.pathFor(runID))
	if err != nil {
		return RunRecord{}, fmt.Errorf("reading run record: %w", err)
	}

	var record RunRecord
	if err := msgpack.Unmarshal(data, &record); err != nil {
		return RunRecord{}, fmt.Errorf("decoding run record: %w", err)
	}
	return record, nil
}

// List returns the run IDs present in the store, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing store directory: %w", err)
	}

	var runIDs []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".msgpack") {
			continue
		}
		runIDs = append(runIDs, strings.TrimSuffix(name, ".msgpack"))
	}
	sort.Strings(runIDs)
	return runIDs, nil
}

func (s *Store) pathFor(runID string) string {
	return filepath.Join(s.dir, runID+".msgpack")
}
