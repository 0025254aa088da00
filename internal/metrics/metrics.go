package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/wsexec/internal/version"
)

// ServerMetrics owns a private registry with HTTP, relay and WebSocket
// session collectors. Labels are kept to bounded sets.
type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	httpPanicTotal prometheus.Counter
	buildInfo      *prometheus.GaugeVec

	triggersTotal  *prometheus.CounterVec
	unmatchedTotal prometheus.Counter
	lastTrigger    prometheus.Gauge

	sessionsActive   prometheus.Gauge
	sessionsTotal    prometheus.Counter
	sessionDuration  prometheus.Histogram
	messagesSent     *prometheus.CounterVec
	sendFailures     *prometheus.CounterVec
	upgradesRejected *prometheus.CounterVec

	profilingActive prometheus.Gauge
}

// New returns metrics on a fresh registry with the Go and process collectors.
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP responses by method and route",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered handler panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),

		triggersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_triggers_total",
			Help: "Store writes caused by HTTP requests, by route",
		}, []string{"route"}),
		unmatchedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_requests_unmatched_total",
			Help: "HTTP requests that matched no route and left the store unchanged",
		}),
		lastTrigger: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_last_trigger_timestamp_seconds",
			Help: "Unix timestamp of the most recent store write",
		}),

		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ws_sessions_active",
			Help: "Currently open WebSocket sessions",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ws_sessions_total",
			Help: "WebSocket sessions opened since start",
		}),
		sessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ws_session_duration_seconds",
			Help:    "Lifetime of closed WebSocket sessions",
			Buckets: []float64{1, 5, 30, 60, 300, 900, 3600, 14400, 86400},
		}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_messages_sent_total",
			Help: "Messages written to WebSocket clients by kind",
		}, []string{"kind"}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_send_failures_total",
			Help: "Failed writes to WebSocket clients by kind; each ends its session",
		}, []string{"kind"}),
		upgradesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_upgrades_rejected_total",
			Help: "WebSocket upgrade attempts refused, by reason",
		}, []string{"reason"}),

		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.buildInfo,
		m.triggersTotal,
		m.unmatchedTotal,
		m.lastTrigger,
		m.sessionsActive,
		m.sessionsTotal,
		m.sessionDuration,
		m.messagesSent,
		m.sendFailures,
		m.upgradesRejected,
		m.profilingActive,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler { return m.handler }

// Registry exposes the underlying registry for tests and extra collectors.
func (m *ServerMetrics) Registry() *prometheus.Registry { return m.reg }

func (m *ServerMetrics) IncHttpPanic() { m.httpPanicTotal.Inc() }

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         vi.AppName,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildID,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

// RegisterStateVersion exposes the shared store version as relay_state_version,
// read at scrape time.
func (m *ServerMetrics) RegisterStateVersion(current func() uint32) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "relay_state_version",
		Help: "Current version of the shared relay state",
	}, func() float64 { return float64(current()) }))
}

// OnTrigger records a store write from route.
func (m *ServerMetrics) OnTrigger(route string, _ uint32) {
	m.triggersTotal.WithLabelValues(route).Inc()
	m.lastTrigger.Set(float64(time.Now().Unix()))
}

func (m *ServerMetrics) OnUnmatched() { m.unmatchedTotal.Inc() }

func (m *ServerMetrics) OnSent(kind string) { m.messagesSent.WithLabelValues(kind).Inc() }

func (m *ServerMetrics) OnSendFailure(kind string) { m.sendFailures.WithLabelValues(kind).Inc() }

func (m *ServerMetrics) SessionOpened() {
	m.sessionsTotal.Inc()
	m.sessionsActive.Inc()
}

func (m *ServerMetrics) SessionClosed(lifetime time.Duration) {
	m.sessionsActive.Dec()
	m.sessionDuration.Observe(lifetime.Seconds())
}

func (m *ServerMetrics) UpgradeRejected(reason string) {
	m.upgradesRejected.WithLabelValues(reason).Inc()
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}
