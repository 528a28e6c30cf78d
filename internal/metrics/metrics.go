package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry holds all Prometheus metrics.
type Registry struct {
	*prometheus.Registry

	// HTTP metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Risk metrics
	balanceUpdates      *prometheus.CounterVec
	violations          *prometheus.CounterVec
	enforcements        *prometheus.CounterVec
	enforcementDuration prometheus.Histogram
	positionsClosed     *prometheus.CounterVec
	dailyResets         prometheus.Counter
	accounts            *prometheus.GaugeVec

	// Ingestion and delivery metrics
	streamConnections prometheus.Gauge
	streamFailures    prometheus.Counter
	notifications     *prometheus.CounterVec
	eventsPublished   *prometheus.CounterVec
}

// NewRegistry creates a new metrics registry with all metrics registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	// Register Go runtime metrics
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Registry{
		Registry: reg,

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		httpRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently in flight",
			},
		),
	}

	reg.MustRegister(r.httpRequestsTotal)
	reg.MustRegister(r.httpRequestDuration)
	reg.MustRegister(r.httpRequestsInFlight)

	r.balanceUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskguard_balance_updates_total",
			Help: "Balance updates received by source and outcome",
		},
		[]string{"source", "outcome"},
	)
	r.violations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskguard_violations_total",
			Help: "Risk limit violation transitions",
		},
		[]string{"kind"},
	)
	r.enforcements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskguard_enforcements_total",
			Help: "Enforcement pipeline runs by kind and result",
		},
		[]string{"kind", "result"},
	)
	r.enforcementDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "riskguard_enforcement_duration_seconds",
			Help:    "Enforcement pipeline duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)
	r.positionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskguard_positions_closed_total",
			Help: "Positions closed during enforcement",
		},
		[]string{"result"},
	)
	r.dailyResets = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "riskguard_daily_resets_total",
			Help: "Completed daily reset sweeps",
		},
	)
	r.accounts = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "riskguard_accounts",
			Help: "Monitored accounts by risk status",
		},
		[]string{"status"},
	)
	r.streamConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "riskguard_stream_connections",
			Help: "Active balance stream connections",
		},
	)
	r.streamFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "riskguard_stream_failures_total",
			Help: "Balance stream connection failures",
		},
	)
	r.notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskguard_notifications_total",
			Help: "Notifications dispatched by channel and status",
		},
		[]string{"channel", "status"},
	)
	r.eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskguard_events_published_total",
			Help: "Risk events published by topic and status",
		},
		[]string{"topic", "status"},
	)

	reg.MustRegister(r.balanceUpdates)
	reg.MustRegister(r.violations)
	reg.MustRegister(r.enforcements)
	reg.MustRegister(r.enforcementDuration)
	reg.MustRegister(r.positionsClosed)
	reg.MustRegister(r.dailyResets)
	reg.MustRegister(r.accounts)
	reg.MustRegister(r.streamConnections)
	reg.MustRegister(r.streamFailures)
	reg.MustRegister(r.notifications)
	reg.MustRegister(r.eventsPublished)

	return r
}

// RecordRequest records metrics for an HTTP request.
func (r *Registry) RecordRequest(method, path string, status int, duration float64) {
	statusStr := statusToString(status)
	r.httpRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	r.httpRequestDuration.WithLabelValues(method, path).Observe(duration)
}

// InFlightInc increments in-flight requests.
func (r *Registry) InFlightInc() {
	r.httpRequestsInFlight.Inc()
}

// InFlightDec decrements in-flight requests.
func (r *Registry) InFlightDec() {
	r.httpRequestsInFlight.Dec()
}

// RecordBalanceUpdate counts an ingested update. Outcome is one of
// processed, duplicate, invalid, failed.
func (r *Registry) RecordBalanceUpdate(source, outcome string) {
	r.balanceUpdates.WithLabelValues(source, outcome).Inc()
}

// RecordViolation counts a violation transition.
func (r *Registry) RecordViolation(kind string) {
	r.violations.WithLabelValues(kind).Inc()
}

// RecordEnforcement records an enforcement run.
func (r *Registry) RecordEnforcement(kind, result string, duration float64) {
	r.enforcements.WithLabelValues(kind, result).Inc()
	r.enforcementDuration.Observe(duration)
}

// RecordPositionsClosed adds closed and failed position counts.
func (r *Registry) RecordPositionsClosed(closed, failed int) {
	r.positionsClosed.WithLabelValues("closed").Add(float64(closed))
	r.positionsClosed.WithLabelValues("failed").Add(float64(failed))
}

// RecordDailyReset counts a daily reset sweep.
func (r *Registry) RecordDailyReset() {
	r.dailyResets.Inc()
}

// SetAccounts sets the account count for a status.
func (r *Registry) SetAccounts(status string, count int) {
	r.accounts.WithLabelValues(status).Set(float64(count))
}

// SetStreamConnections sets the number of active stream connections.
func (r *Registry) SetStreamConnections(count int) {
	r.streamConnections.Set(float64(count))
}

// RecordStreamFailure counts a failed stream connection attempt.
func (r *Registry) RecordStreamFailure() {
	r.streamFailures.Inc()
}

// RecordNotification records a notification attempt.
func (r *Registry) RecordNotification(channel, status string) {
	r.notifications.WithLabelValues(channel, status).Inc()
}

// RecordEventPublished records a bus publish.
func (r *Registry) RecordEventPublished(topic, status string) {
	r.eventsPublished.WithLabelValues(topic, status).Inc()
}

func statusToString(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}
