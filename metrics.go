package simpleaction

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector interface allows optional metrics collection
// Implementations can track attempt execution metrics for observability
type MetricsCollector interface {
	// RecordAttemptClaimed tracks when an attempt is claimed by a poller
	RecordAttemptClaimed(workflowID, workerID string)

	// RecordAttemptResolved tracks the status an attempt reached after dispatch
	// Status can be: "completed", "pending" (retry scheduled), "failed"
	RecordAttemptResolved(workflowID, workerID, status string, duration time.Duration)

	// RecordAttemptDeadletter tracks attempts that reached failed (PRIORITY METRIC)
	RecordAttemptDeadletter(workflowID, workerID string)

	// RecordRetryScheduled tracks retries by the attempt_count they were scheduled with
	RecordRetryScheduled(workflowID, workerID string, attemptCount int)

	// RecordLeaseReclaimed tracks orphaned claims returned to pending
	RecordLeaseReclaimed(workerID string, fromStatus string)

	// RecordPollCycle tracks polling activity
	RecordPollCycle(workerID string)

	// RecordPollError tracks polling errors by type
	RecordPollError(workerID string, errorType string)

	// RecordQueueDepth updates the current attempt count gauge for a status
	RecordQueueDepth(status string, depth int)
}

// PrometheusMetrics implements MetricsCollector using Prometheus
type PrometheusMetrics struct {
	// Attempt metrics
	attemptClaimedTotal     *prometheus.CounterVec
	attemptResolvedTotal    *prometheus.CounterVec
	attemptDeadletterTotal  *prometheus.CounterVec
	attemptRetriesTotal     *prometheus.CounterVec
	attemptDispatchDuration *prometheus.HistogramVec
	leaseReclaimedTotal     *prometheus.CounterVec

	// Poller metrics
	pollCycleTotal  *prometheus.CounterVec
	pollErrorsTotal *prometheus.CounterVec
	queueDepth      *prometheus.GaugeVec
	pollerUptime    *prometheus.GaugeVec
	pollerLastPoll  *prometheus.GaugeVec

	startTime time.Time
}

// NewPrometheusMetrics creates a new Prometheus metrics collector
// Pass nil for registry to use the default Prometheus registry
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &PrometheusMetrics{
		attemptClaimedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "action_attempt_claimed_total",
				Help: "Total number of action attempts claimed by pollers",
			},
			[]string{"workflow_id", "worker_id"},
		),

		attemptResolvedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "action_attempt_resolved_total",
				Help: "Total number of dispatch outcomes by resulting status",
			},
			[]string{"workflow_id", "worker_id", "status"},
		),

		// Deadletter counter (PRIORITY METRIC for alerting)
		attemptDeadletterTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "action_attempt_deadletter_total",
				Help: "Total number of action attempts that reached failed",
			},
			[]string{"workflow_id", "worker_id"},
		),

		attemptRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "action_attempt_retries_total",
				Help: "Total number of retries scheduled after transient failures",
			},
			[]string{"workflow_id", "worker_id", "attempt"},
		),

		// Dispatch duration histogram (P50, P95, P99)
		attemptDispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "action_attempt_dispatch_duration_seconds",
				Help:    "Callback dispatch duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"workflow_id", "worker_id", "status"},
		),

		leaseReclaimedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "action_attempt_lease_reclaimed_total",
				Help: "Total number of orphaned claims returned to pending",
			},
			[]string{"worker_id", "from_status"},
		),

		pollCycleTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "action_poller_poll_cycle_total",
				Help: "Total number of poll cycles executed by poller",
			},
			[]string{"worker_id"},
		),

		pollErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "action_poller_poll_errors_total",
				Help: "Total number of poll errors by type",
			},
			[]string{"worker_id", "error_type"},
		),

		queueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "action_attempt_queue_depth",
				Help: "Number of action attempts by status",
			},
			[]string{"status"},
		),

		pollerUptime: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "action_poller_uptime_seconds",
				Help: "Poller uptime in seconds",
			},
			[]string{"worker_id"},
		),

		pollerLastPoll: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "action_poller_last_poll_timestamp",
				Help: "Unix timestamp of last poll cycle",
			},
			[]string{"worker_id"},
		),

		startTime: time.Now(),
	}
}

func (m *PrometheusMetrics) RecordAttemptClaimed(workflowID, workerID string) {
	m.attemptClaimedTotal.WithLabelValues(workflowID, workerID).Inc()
}

func (m *PrometheusMetrics) RecordAttemptResolved(workflowID, workerID, status string, duration time.Duration) {
	m.attemptResolvedTotal.WithLabelValues(workflowID, workerID, status).Inc()
	m.attemptDispatchDuration.WithLabelValues(workflowID, workerID, status).Observe(duration.Seconds())
}

// RecordAttemptDeadletter increments the deadletter counter (CRITICAL for alerts)
func (m *PrometheusMetrics) RecordAttemptDeadletter(workflowID, workerID string) {
	m.attemptDeadletterTotal.WithLabelValues(workflowID, workerID).Inc()
}

// RecordRetryScheduled buckets attempt counts to keep label cardinality bounded
func (m *PrometheusMetrics) RecordRetryScheduled(workflowID, workerID string, attemptCount int) {
	label := "4+"
	if attemptCount < 4 {
		label = strconv.Itoa(attemptCount)
	}
	m.attemptRetriesTotal.WithLabelValues(workflowID, workerID, label).Inc()
}

func (m *PrometheusMetrics) RecordLeaseReclaimed(workerID string, fromStatus string) {
	m.leaseReclaimedTotal.WithLabelValues(workerID, fromStatus).Inc()
}

// RecordPollCycle increments poll cycle counter and updates poller health gauges
func (m *PrometheusMetrics) RecordPollCycle(workerID string) {
	m.pollCycleTotal.WithLabelValues(workerID).Inc()
	m.pollerLastPoll.WithLabelValues(workerID).Set(float64(time.Now().Unix()))
	m.pollerUptime.WithLabelValues(workerID).Set(time.Since(m.startTime).Seconds())
}

func (m *PrometheusMetrics) RecordPollError(workerID string, errorType string) {
	m.pollErrorsTotal.WithLabelValues(workerID, errorType).Inc()
}

func (m *PrometheusMetrics) RecordQueueDepth(status string, depth int) {
	m.queueDepth.WithLabelValues(status).Set(float64(depth))
}
