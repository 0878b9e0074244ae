package testwire

import (
	"time"

	"github.com/testwire/testwire/aggregate"
	"github.com/testwire/testwire/metrics"
)

// MetricsReporter is responsible for reporting metrics from run results.
type MetricsReporter interface {
	ReportResults(runID string, snap aggregate.Snapshot, duration time.Duration)
}

// DefaultMetricsReporter implements the MetricsReporter interface.
type DefaultMetricsReporter struct{}

// NewDefaultMetricsReporter creates a new DefaultMetricsReporter.
func NewDefaultMetricsReporter() *DefaultMetricsReporter {
	return &DefaultMetricsReporter{}
}

// ReportResults reports the run results to metrics systems.
func (r *DefaultMetricsReporter) ReportResults(runID string, snap aggregate.Snapshot, duration time.Duration) {
	for _, view := range snap.Suites {
		metrics.RecordSuite(runID, view.Status())
	}
	metrics.RecordRun(runID, string(snap.Status()), snap.Stats, duration)
}
