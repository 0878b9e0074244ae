package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/acarl005/stripansi"

	"github.com/testwire/testwire/aggregate"
	"github.com/testwire/testwire/types"
)

// RunDirectoryPrefix is the standardized prefix for run directories.
const RunDirectoryPrefix = "testrun-"

// AsyncFile provides non-blocking file writing capabilities
type AsyncFile struct {
	file    *os.File
	queue   chan []byte
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
}

// NewAsyncFile creates a new AsyncFile for non-blocking writes
func NewAsyncFile(filepath string) (*AsyncFile, error) {
	file, err := os.Create(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to create file %s: %w", filepath, err)
	}

	af := &AsyncFile{
		file:  file,
		queue: make(chan []byte, 100), // Buffer channel to reduce blocking
	}

	af.wg.Add(1)
	go af.processQueue()

	return af, nil
}

// Write queues data to be written asynchronously
func (af *AsyncFile) Write(data []byte) error {
	af.mu.Lock()
	defer af.mu.Unlock()

	if af.stopped {
		return fmt.Errorf("async file is closed")
	}

	// Make a copy of the data to avoid race conditions
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	af.queue <- dataCopy
	return nil
}

// processQueue processes the write queue in the background
func (af *AsyncFile) processQueue() {
	defer af.wg.Done()

	for data := range af.queue {
		_, err := af.file.Write(data)
		if err != nil {
			// Log the error but continue processing
			fmt.Fprintf(os.Stderr, "Error writing to file: %v\n", err)
		}
	}
}

// Close stops the async writer and closes the file
func (af *AsyncFile) Close() error {
	af.mu.Lock()
	if !af.stopped {
		af.stopped = true
		close(af.queue)
	}
	af.mu.Unlock()

	// Wait for all writes to complete
	af.wg.Wait()
	return af.file.Close()
}

// FileLogger writes the detail output of a run to files: one file per suite,
// failures mirrored into a failed/ directory, plus a combined log and a
// summary.
type FileLogger struct {
	baseDir     string
	logDir      string
	failedDir   string
	summaryFile string
	allLogs     *AsyncFile
	runID       string
	mu          sync.Mutex
}

// NewFileLogger creates the per-run directory layout and the combined log.
func NewFileLogger(baseDir string, runID string) (*FileLogger, error) {
	if runID == "" {
		return nil, fmt.Errorf("runID cannot be empty")
	}
	if baseDir == "" {
		return nil, fmt.Errorf("baseDir cannot be empty")
	}

	logDir := filepath.Join(baseDir, RunDirectoryPrefix+runID)
	failedDir := filepath.Join(logDir, "failed")

	for _, dir := range []string{baseDir, logDir, failedDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	allLogs, err := NewAsyncFile(filepath.Join(logDir, "all.log"))
	if err != nil {
		return nil, err
	}

	return &FileLogger{
		baseDir:     baseDir,
		logDir:      logDir,
		failedDir:   failedDir,
		summaryFile: filepath.Join(logDir, "summary.log"),
		allLogs:     allLogs,
		runID:       runID,
	}, nil
}

// LogDir returns the run's log directory.
func (l *FileLogger) LogDir() string {
	return l.logDir
}

// LogSuite writes one suite's detail lines. Failed suites are mirrored into
// the failed/ directory for quick triage. ANSI escapes are stripped so the
// files stay grep-friendly.
func (l *FileLogger) LogSuite(view aggregate.SuiteView) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "suite: %s\nstatus: %s\nduration: %s\n", view.ID, view.Status(), view.Duration)
	fmt.Fprintf(&b, "tests: %d passed, %d failed, %d skipped, %d todo\n\n",
		view.Stats.Passed, view.Stats.Failed, view.Stats.Skipped, view.Stats.Todo)
	for _, line := range view.Lines {
		b.WriteString(stripansi.Strip(line))
		b.WriteByte('\n')
	}
	content := b.String()

	filename := sanitizeFilename(view.ID) + ".log"
	if err := os.WriteFile(filepath.Join(l.logDir, filename), []byte(content), 0644); err != nil {
		return fmt.Errorf("writing suite log: %w", err)
	}
	if view.Status() == types.TestStatusFail {
		if err := os.WriteFile(filepath.Join(l.failedDir, filename), []byte(content), 0644); err != nil {
			return fmt.Errorf("mirroring failed suite log: %w", err)
		}
	}

	return l.allLogs.Write([]byte(content + "\n"))
}

// Complete writes the run summary and closes the combined log. The logger is
// unusable afterwards.
func (l *FileLogger) Complete(snap aggregate.Snapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "run: %s\nstatus: %s\nfinished: %s\n", l.runID, snap.Status(), snap.Finished.Format(time.RFC3339))
	fmt.Fprintf(&b, "tests: %d total, %d passed, %d failed, %d skipped, %d todo\n",
		snap.Stats.Total, snap.Stats.Passed, snap.Stats.Failed, snap.Stats.Skipped, snap.Stats.Todo)
	for _, id := range sortedSuiteIDs(snap) {
		fmt.Fprintf(&b, "  %-6s %s\n", snap.Suites[id].Status(), id)
	}

	if err := os.WriteFile(l.summaryFile, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("writing summary: %w", err)
	}
	return l.allLogs.Close()
}

func sortedSuiteIDs(snap aggregate.Snapshot) []string {
	ids := make([]string, 0, len(snap.Suites))
	for id := range snap.Suites {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sanitizeFilename(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ':
			return '_'
		}
		return r
	}, name)
}
