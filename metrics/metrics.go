package metrics

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/testwire/testwire/types"
)

const (
	MetricsNamespace = "testwire"
)

var (
	Debug                bool = true
	nonAlphanumericRegex      = regexp.MustCompile(`[^a-zA-Z ]+`)

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	packetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "packets_total",
		Help:      "Count of decoded packets by kind",
	}, []string{
		"kind",
	})

	phaseFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "phase_failures_total",
		Help:      "Count of runner lifecycle phase failures",
	}, []string{
		"phase",
		"error",
	})

	suitesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "suites_total",
		Help:      "Count of completed suites",
	}, []string{
		"run_id",
		"status",
	})

	runResults = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_results",
		Help:      "Result of orchestrated runs",
	}, []string{
		"run_id",
		"result",
	})

	runTestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "run_test_total",
		Help:      "Total number of tests in a run",
	}, []string{
		"run_id",
	})

	runTestPassed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "run_test_passed",
		Help:      "Number of passed tests in a run",
	}, []string{
		"run_id",
	})

	runTestFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "run_test_failed",
		Help:      "Number of failed tests in a run",
	}, []string{
		"run_id",
	})

	runTestSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "run_test_skipped",
		Help:      "Number of skipped tests in a run",
	}, []string{
		"run_id",
	})

	runTestTodo = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "run_test_todo",
		Help:      "Number of todo tests in a run",
	}, []string{
		"run_id",
	})

	runDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_duration_seconds",
		Help:      "Wall-clock duration of a run",
	}, []string{
		"run_id",
	})
)

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

func RecordError(error string) {
	if Debug {
		log.Debug("metric inc",
			"m", "errors_total",
			"error", error,
		)
	}
	errorsTotal.WithLabelValues(error).Inc()
}

// RecordErrorDetails concats the error message to the label
// and also tries to clean the label to be a valid Prometheus label
func RecordErrorDetails(label string, err error) {
	if err == nil {
		return
	}
	label = fmt.Sprintf("%s.%s", label, errToLabel(err))
	RecordError(label)
}

// RecordPacket counts one decoded packet of the given kind.
func RecordPacket(kind string) {
	packetsTotal.WithLabelValues(kind).Inc()
}

// RecordPhaseFailure counts a failed lifecycle phase (dispatch, connect,
// execute, decode).
func RecordPhaseFailure(phase string, err error) {
	if Debug {
		log.Debug("metric inc",
			"m", "phase_failures_total",
			"phase", phase,
			"error", err)
	}
	phaseFailuresTotal.WithLabelValues(phase, errToLabel(err)).Inc()
}

// RecordSuite counts one completed suite.
func RecordSuite(runID string, status types.TestStatus) {
	if Debug {
		log.Debug("metric inc",
			"m", "suites_total",
			"run_id", runID,
			"status", status)
	}
	suitesTotal.WithLabelValues(runID, string(status)).Inc()
}

// RecordRun publishes the final aggregate of one run.
func RecordRun(runID string, result string, stats types.Stats, duration time.Duration) {
	runResults.WithLabelValues(runID, result).Set(1)
	runTestTotal.WithLabelValues(runID).Add(float64(stats.Total))
	runTestPassed.WithLabelValues(runID).Add(float64(stats.Passed))
	runTestFailed.WithLabelValues(runID).Add(float64(stats.Failed))
	runTestSkipped.WithLabelValues(runID).Add(float64(stats.Skipped))
	runTestTodo.WithLabelValues(runID).Add(float64(stats.Todo))
	runDuration.WithLabelValues(runID).Set(duration.Seconds())
}
