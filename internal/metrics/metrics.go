package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospector_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prospector_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 5, 30},
		},
		[]string{"method", "path"},
	)

	providerCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospector_provider_calls_total",
			Help: "Places provider calls by resource and outcome",
		},
		[]string{"resource", "outcome"},
	)

	capRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospector_cap_rejections_total",
			Help: "Provider calls refused by a usage cap",
		},
		[]string{"resource", "period"},
	)

	leadsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospector_leads_resolved_total",
			Help: "Search candidates resolved as new leads or duplicates by match key",
		},
		[]string{"result"},
	)

	searchRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospector_search_runs_total",
			Help: "Search runs by mode",
		},
		[]string{"mode"},
	)

	queueAdmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospector_queue_admissions_total",
			Help: "Leads admitted into or skipped from campaign queues",
		},
		[]string{"outcome"},
	)

	sendsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospector_sends_processed_total",
			Help: "Campaign sends processed by channel and status",
		},
		[]string{"channel", "status"},
	)

	sendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prospector_send_latency_seconds",
			Help:    "Time from enqueue to delivery",
			Buckets: []float64{1, 10, 60, 300, 1800, 3600, 21600, 86400},
		},
		[]string{"channel"},
	)

	engagementEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospector_engagement_events_total",
			Help: "Provider engagement events ingested by type",
		},
		[]string{"type"},
	)

	sqsMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "prospector_sqs_messages_in_flight",
			Help: "Current engagement messages being processed from SQS",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "prospector_idempotency_hits_total",
			Help: "Search submissions served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospector_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"route"},
	)

	campaignsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "prospector_campaigns_running",
			Help: "Campaigns currently being paced by the runner",
		},
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

// RecordProviderCall records a places provider call; outcome is "ok" or "error".
func RecordProviderCall(resource, outcome string) {
	providerCalls.WithLabelValues(resource, outcome).Inc()
}

// RecordCapRejection records a call refused by a cap.
func RecordCapRejection(resource, period string) {
	capRejections.WithLabelValues(resource, period).Inc()
}

// RecordLeadResolved records "new" or the dedup match key.
func RecordLeadResolved(result string) {
	leadsResolved.WithLabelValues(result).Inc()
}

// RecordSearchRun records a run; mode is "live" or "dry_run".
func RecordSearchRun(mode string) {
	searchRuns.WithLabelValues(mode).Inc()
}

// RecordQueueAdmission records one enqueue decision.
func RecordQueueAdmission(outcome string, n int) {
	if n > 0 {
		queueAdmissions.WithLabelValues(outcome).Add(float64(n))
	}
}

// RecordSendProcessed records a worker outcome.
func RecordSendProcessed(channel, status string) {
	sendsProcessed.WithLabelValues(channel, status).Inc()
}

// RecordSendLatency records time spent queued before delivery.
func RecordSendLatency(channel string, latency time.Duration) {
	sendLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// RecordEngagementEvent records an ingested provider event.
func RecordEngagementEvent(eventType string) {
	engagementEvents.WithLabelValues(eventType).Inc()
}

// SetSQSMessagesInFlight sets the current in-flight message count
func SetSQSMessagesInFlight(count int) {
	sqsMessagesInFlight.Set(float64(count))
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(route string) {
	rateLimitRejections.WithLabelValues(route).Inc()
}

// SetCampaignsRunning sets the number of campaigns the runner is pacing.
func SetCampaignsRunning(n int) {
	campaignsRunning.Set(float64(n))
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

// Middleware returns HTTP middleware that records request metrics. Paths are
// labelled by chi route pattern so ids do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
