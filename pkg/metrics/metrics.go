package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scheduler metrics
	SessionsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "farmhand_sessions_running",
			Help: "Number of sessions currently assigned to this worker",
		},
	)

	HeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "farmhand_heartbeats_total",
			Help: "Total number of UpdateWorkerSchedule calls by outcome",
		},
		[]string{"outcome"},
	)

	HeartbeatDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "farmhand_heartbeat_duration_seconds",
			Help:    "UpdateWorkerSchedule round-trip duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Action metrics
	ActionsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "farmhand_actions_completed_total",
			Help: "Total number of session actions by terminal status",
		},
		[]string{"status"},
	)

	ActionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "farmhand_action_duration_seconds",
			Help:    "Session action duration in seconds by action type",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		},
		[]string{"action_type"},
	)

	// Attachment metrics
	AttachmentBytesTransferred = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "farmhand_attachment_bytes_transferred_total",
			Help: "Total attachment bytes transferred by direction",
		},
		[]string{"direction"},
	)

	AttachmentSyncFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farmhand_attachment_sync_failures_total",
			Help: "Total number of failed attachment synchronizations",
		},
	)

	// Log pipeline metrics
	LogBatchesShipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farmhand_log_batches_shipped_total",
			Help: "Total number of log batches uploaded to the remote log service",
		},
	)

	LogEventsShipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farmhand_log_events_shipped_total",
			Help: "Total number of log events uploaded to the remote log service",
		},
	)

	// Credential metrics
	CredentialRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "farmhand_credential_refreshes_total",
			Help: "Total number of credential refreshes by role kind and outcome",
		},
		[]string{"role", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(SessionsRunning)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(HeartbeatDuration)
	prometheus.MustRegister(ActionsCompleted)
	prometheus.MustRegister(ActionDuration)
	prometheus.MustRegister(AttachmentBytesTransferred)
	prometheus.MustRegister(AttachmentSyncFailures)
	prometheus.MustRegister(LogBatchesShipped)
	prometheus.MustRegister(LogEventsShipped)
	prometheus.MustRegister(CredentialRefreshesTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
