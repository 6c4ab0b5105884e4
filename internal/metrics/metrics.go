package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Webhook metrics
	WebhookReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_received_total",
			Help: "Total number of webhooks received",
		},
		[]string{"tenant", "status"},
	)

	WebhookRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_rejected_total",
			Help: "Total number of webhooks rejected before ingestion",
		},
		[]string{"reason"},
	)

	WebhookDuplicate = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webhook_duplicate_total",
			Help: "Total number of webhook deliveries skipped as duplicates",
		},
	)

	// Event processing metrics
	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_processed_total",
			Help: "Total number of webhook events processed",
		},
		[]string{"event_type", "status"},
	)

	// Recovery case metrics
	CasesOpened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recovery_cases_opened_total",
			Help: "Total number of recovery cases opened",
		},
		[]string{"tenant"},
	)

	CasesMerged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recovery_cases_merged_total",
			Help: "Total number of repeat failures merged into open cases",
		},
		[]string{"tenant"},
	)

	CasesRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recovery_cases_recovered_total",
			Help: "Total number of cases marked recovered",
		},
		[]string{"tenant"},
	)

	RecoveredAmount = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recovery_recovered_amount_cents",
			Help:    "Distribution of recovered payment amounts in cents",
			Buckets: []float64{100, 500, 1000, 2500, 5000, 10000, 50000, 100000},
		},
		[]string{"tenant"},
	)

	AttributionRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recovery_attribution_rejected_total",
			Help: "Total number of successes outside the attribution window",
		},
		[]string{"tenant"},
	)

	IncentivesGranted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recovery_incentives_granted_total",
			Help: "Total number of incentive grants applied",
		},
		[]string{"tenant"},
	)

	// Reminder metrics
	RemindersSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reminders_sent_total",
			Help: "Total number of reminder nudges dispatched",
		},
		[]string{"tenant", "status"},
	)

	ReminderBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reminder_batch_duration_seconds",
			Help:    "Duration of reminder dispatch batches in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Job queue metrics
	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"job_type"},
	)

	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_processed_total",
			Help: "Total number of job executions",
		},
		[]string{"job_type", "status"},
	)

	JobsDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_dead_lettered_total",
			Help: "Total number of jobs that exhausted their attempts",
		},
		[]string{"job_type"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Job execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job_type"},
	)

	// Rate limit metrics
	RateLimitDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_denied_total",
			Help: "Total number of requests denied by the rate limiter",
		},
		[]string{"tenant"},
	)

	// Member API metrics
	MemberAPICalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "member_api_calls_total",
			Help: "Total number of membership platform API calls",
		},
		[]string{"operation", "status"},
	)

	// Database metrics
	DatabaseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "database_connections_active",
			Help: "Number of active database connections",
		},
	)

	DatabaseConnectionsIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "database_connections_idle",
			Help: "Number of idle database connections",
		},
	)

	// Error metrics
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total number of errors",
		},
		[]string{"type", "component"},
	)
)

// RecordHTTPRequest records an HTTP request
func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordJob records a job execution and its duration
func RecordJob(jobType, status string, duration time.Duration) {
	JobsProcessed.WithLabelValues(jobType, status).Inc()
	JobDuration.WithLabelValues(jobType).Observe(duration.Seconds())
}

// RecordRecovered records a successful recovery with its amount
func RecordRecovered(tenant string, amountCents *int64) {
	CasesRecovered.WithLabelValues(tenant).Inc()
	if amountCents != nil {
		RecoveredAmount.WithLabelValues(tenant).Observe(float64(*amountCents))
	}
}

// RecordMemberAPICall records an outbound platform call
func RecordMemberAPICall(operation string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	MemberAPICalls.WithLabelValues(operation, status).Inc()
}
