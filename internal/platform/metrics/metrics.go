package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the live replay server.
type Metrics struct {
	registry                *prometheus.Registry
	requestsTotal           prometheus.Counter
	errorsTotal             prometheus.Counter
	requestsInFlight        prometheus.Gauge
	uploadsTotal            prometheus.Counter
	streamsStartedTotal     prometheus.Counter
	chatMessagesTotal       prometheus.Counter
	sessionsReapedTotal     prometheus.Counter
	transcoderFailuresTotal prometheus.Counter
	activeSessions          prometheus.Gauge
	connectedViewers        prometheus.Gauge
	runningTranscoders      prometheus.Gauge
}

// New creates and registers Prometheus metrics for the server.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "livecast_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "livecast_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	requestsInFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "livecast_requests_in_flight",
		Help: "Number of HTTP requests currently being served",
	})
	uploadsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "livecast_uploads_total",
		Help: "Total number of videos accepted by the upload endpoint",
	})
	streamsStartedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "livecast_streams_started_total",
		Help: "Total number of streams started by a host",
	})
	chatMessagesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "livecast_chat_messages_total",
		Help: "Total number of chat messages broadcast to viewers",
	})
	sessionsReapedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "livecast_sessions_reaped_total",
		Help: "Total number of sessions torn down by the idle reaper",
	})
	transcoderFailuresTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "livecast_transcoder_failures_total",
		Help: "Total number of transcoder processes that exited abnormally",
	})
	activeSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "livecast_active_sessions",
		Help: "Number of sessions currently in the registry",
	})
	connectedViewers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "livecast_connected_viewers",
		Help: "Number of viewer connections currently subscribed",
	})
	runningTranscoders := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "livecast_running_transcoders",
		Help: "Number of transcoder processes currently running",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		requestsInFlight,
		uploadsTotal,
		streamsStartedTotal,
		chatMessagesTotal,
		sessionsReapedTotal,
		transcoderFailuresTotal,
		activeSessions,
		connectedViewers,
		runningTranscoders,
	)

	return &Metrics{
		registry:                registry,
		requestsTotal:           requestsTotal,
		errorsTotal:             errorsTotal,
		requestsInFlight:        requestsInFlight,
		uploadsTotal:            uploadsTotal,
		streamsStartedTotal:     streamsStartedTotal,
		chatMessagesTotal:       chatMessagesTotal,
		sessionsReapedTotal:     sessionsReapedTotal,
		transcoderFailuresTotal: transcoderFailuresTotal,
		activeSessions:          activeSessions,
		connectedViewers:        connectedViewers,
		runningTranscoders:      runningTranscoders,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// IncInFlight increments the in-flight request gauge.
func (m *Metrics) IncInFlight() {
	m.requestsInFlight.Inc()
}

// DecInFlight decrements the in-flight request gauge.
func (m *Metrics) DecInFlight() {
	m.requestsInFlight.Dec()
}

// IncUploads increments the accepted uploads counter.
func (m *Metrics) IncUploads() {
	m.uploadsTotal.Inc()
}

// IncStreamsStarted increments the started streams counter.
func (m *Metrics) IncStreamsStarted() {
	m.streamsStartedTotal.Inc()
}

// IncChatMessages increments the chat messages counter.
func (m *Metrics) IncChatMessages() {
	m.chatMessagesTotal.Inc()
}

// IncSessionsReaped increments the reaped sessions counter.
func (m *Metrics) IncSessionsReaped() {
	m.sessionsReapedTotal.Inc()
}

// IncTranscoderFailures increments the abnormal transcoder exit counter.
func (m *Metrics) IncTranscoderFailures() {
	m.transcoderFailuresTotal.Inc()
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// SetConnectedViewers sets the connected viewers gauge.
func (m *Metrics) SetConnectedViewers(n int) {
	m.connectedViewers.Set(float64(n))
}

// SetRunningTranscoders sets the running transcoders gauge.
func (m *Metrics) SetRunningTranscoders(n int) {
	m.runningTranscoders.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values
// (e.g. active sessions, connected viewers).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
