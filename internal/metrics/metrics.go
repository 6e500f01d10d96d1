package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "belfry_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "belfry_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	outboxProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "belfry_outbox_messages_processed_total",
			Help: "Outbox messages processed by outcome (sent, retry, failed)",
		},
		[]string{"outcome"},
	)

	outboxClaimConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "belfry_outbox_claim_conflicts_total",
			Help: "Claim attempts lost to a concurrent worker",
		},
	)

	outboxCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "belfry_outbox_cycle_duration_seconds",
			Help:    "Outbox worker cycle duration",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60},
		},
	)

	remindersEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "belfry_reminders_emitted_total",
			Help: "Reminders emitted by event type",
		},
		[]string{"event_type"},
	)

	schedulesCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "belfry_reminder_schedules_created_total",
			Help: "Reminder schedule rows created by reconciliation",
		},
	)

	reminderCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "belfry_reminder_cycle_duration_seconds",
			Help:    "Reminder scheduler evaluation cycle duration",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60},
		},
	)

	jobCyclesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "belfry_job_cycles_skipped_total",
			Help: "Job cycles skipped because the previous cycle was still running",
		},
		[]string{"job"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordOutboxProcessed records one processed outbox message by outcome.
func RecordOutboxProcessed(outcome string) {
	outboxProcessed.WithLabelValues(outcome).Inc()
}

// RecordOutboxClaimConflict records a claim lost to a concurrent worker.
func RecordOutboxClaimConflict() {
	outboxClaimConflicts.Inc()
}

// ObserveOutboxCycle records the duration of one outbox worker cycle.
func ObserveOutboxCycle(d time.Duration) {
	outboxCycleDuration.Observe(d.Seconds())
}

// RecordReminderEmitted records one emitted reminder.
func RecordReminderEmitted(eventType string) {
	remindersEmitted.WithLabelValues(eventType).Inc()
}

// RecordSchedulesCreated records schedule rows created during reconciliation.
func RecordSchedulesCreated(count int) {
	schedulesCreated.Add(float64(count))
}

// ObserveReminderCycle records the duration of one scheduler evaluation pass.
func ObserveReminderCycle(d time.Duration) {
	reminderCycleDuration.Observe(d.Seconds())
}

// RecordJobCycleSkipped records a cycle skipped by the re-entrancy guard.
func RecordJobCycleSkipped(job string) {
	jobCyclesSkipped.WithLabelValues(job).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
