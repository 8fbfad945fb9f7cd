package orchestrator

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report orchestrator activity.
type Metrics struct {
	runDuration    *prometheus.HistogramVec
	taskExecutions *prometheus.CounterVec
	taskFailures   *prometheus.CounterVec
	runsActive     prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level metrics instance registered with the
// global Prometheus registry. The collectors are created only once to avoid
// duplicate registration panics when the orchestrator is instantiated multiple
// times (e.g. in unit tests).
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// The caller is responsible for supplying a fresh registry when unique metric
// names are required (for example in tests). Any registration error will panic
// which mirrors the semantics of promauto helpers and surfaces configuration
// bugs early.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	runDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gagent",
			Subsystem: "orchestrator",
			Name:      "run_duration_seconds",
			Help:      "Duration of scheduling runs by strategy and final status.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"strategy", "status"},
	)
	taskExecutions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gagent",
			Subsystem: "orchestrator",
			Name:      "task_executions_total",
			Help:      "Total number of task executions by final status.",
		},
		[]string{"status"},
	)
	taskFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gagent",
			Subsystem: "orchestrator",
			Name:      "task_failures_total",
			Help:      "Total number of task executions that failed irrecoverably.",
		},
		[]string{"reason"},
	)
	runsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gagent",
			Subsystem: "orchestrator",
			Name:      "runs_active",
			Help:      "Number of runs currently in flight.",
		},
	)

	collectors := []prometheus.Collector{runDuration, taskExecutions, taskFailures, runsActive}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				// Reuse the existing collector when it matches the expected type.
				switch target := collector.(type) {
				case *prometheus.HistogramVec:
					runDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				case *prometheus.CounterVec:
					switch target { //nolint:exhaustive
					case taskExecutions:
						taskExecutions = already.ExistingCollector.(*prometheus.CounterVec)
					case taskFailures:
						taskFailures = already.ExistingCollector.(*prometheus.CounterVec)
					}
				case prometheus.Gauge:
					runsActive = already.ExistingCollector.(prometheus.Gauge)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		runDuration:    runDuration,
		taskExecutions: taskExecutions,
		taskFailures:   taskFailures,
		runsActive:     runsActive,
	}
}

// ObserveRunDuration records the wall time of a finished run.
func (m *Metrics) ObserveRunDuration(strategy string, status string, duration time.Duration) {
	if m == nil || m.runDuration == nil {
		return
	}
	m.runDuration.WithLabelValues(strategy, status).Observe(duration.Seconds())
}

// IncTaskExecution counts one finished task execution.
func (m *Metrics) IncTaskExecution(status string) {
	if m == nil || m.taskExecutions == nil {
		return
	}
	m.taskExecutions.WithLabelValues(status).Inc()
}

// IncTaskFailure increments the failure counter with a coarse reason label.
func (m *Metrics) IncTaskFailure(reason string) {
	if m == nil || m.taskFailures == nil {
		return
	}
	m.taskFailures.WithLabelValues(reason).Inc()
}

// IncActiveRuns marks a run as started.
func (m *Metrics) IncActiveRuns() {
	if m == nil || m.runsActive == nil {
		return
	}
	m.runsActive.Inc()
}

// DecActiveRuns marks a run as finished or cancelled.
func (m *Metrics) DecActiveRuns() {
	if m == nil || m.runsActive == nil {
		return
	}
	m.runsActive.Dec()
}
