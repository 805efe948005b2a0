package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the bridge. It satisfies the
// observer interfaces of the connection manager, the call agent and the
// session store.
type Metrics struct {
	registry *prometheus.Registry

	// Connection metrics
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	ConnectionsClosed *prometheus.CounterVec
	DuplicateCalls    prometheus.Counter

	// Call metrics
	CallsStarted        *prometheus.CounterVec
	CallsEnded          *prometheus.CounterVec
	CallDuration        prometheus.Histogram
	ProviderConnect     *prometheus.HistogramVec
	ProviderDialFailure *prometheus.CounterVec
	BargeIns            prometheus.Counter
	TurnsTotal          *prometheus.CounterVec

	// Store metrics
	StoreDurableErrors     *prometheus.CounterVec
	StoreFallbackEvictions prometheus.Counter

	RateLimitHits *prometheus.CounterVec
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voicebridge"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Telephony connections currently registered",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Telephony connections accepted",
		}),
		ConnectionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Telephony connections cleaned up, by reason",
		}, []string{"reason"}),
		DuplicateCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_calls_total",
			Help:      "Connections rejected because the call was already bound",
		}),
		CallsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_started_total",
			Help:      "Calls whose provider leg came up",
		}, []string{"provider"}),
		CallsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_ended_total",
			Help:      "Calls that reached a terminal state",
		}, []string{"status", "reason"}),
		CallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Duration of relayed calls",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		ProviderConnect: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_connect_seconds",
			Help:      "Time to establish the voice provider leg",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"provider"}),
		ProviderDialFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_dial_failures_total",
			Help:      "Failed voice provider connection attempts",
		}, []string{"provider"}),
		BargeIns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Caller interruptions that cleared queued agent audio",
		}),
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Conversation turns persisted",
		}, []string{"role"}),
		StoreDurableErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_durable_errors_total",
			Help:      "Durable session store failures that fell back to memory",
		}, []string{"op"}),
		StoreFallbackEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_fallback_evictions_total",
			Help:      "Sessions evicted from the in-memory fallback",
		}),
		RateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Connections refused by a limit",
		}, []string{"limit"}),
	}

	m.registry.MustRegister(
		m.ConnectionsActive,
		m.ConnectionsTotal,
		m.ConnectionsClosed,
		m.DuplicateCalls,
		m.CallsStarted,
		m.CallsEnded,
		m.CallDuration,
		m.ProviderConnect,
		m.ProviderDialFailure,
		m.BargeIns,
		m.TurnsTotal,
		m.StoreDurableErrors,
		m.StoreFallbackEvictions,
		m.RateLimitHits,
	)
	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WatchFallbackSize exports the current fallback store size, sampled on scrape.
func (m *Metrics) WatchFallbackSize(namespace string, size func() int) {
	if namespace == "" {
		namespace = "voicebridge"
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "store_fallback_sessions",
		Help:      "Sessions currently held in the in-memory fallback",
	}, func() float64 { return float64(size()) }))
}

func (m *Metrics) ConnectionAccepted() {
	m.ConnectionsActive.Inc()
	m.ConnectionsTotal.Inc()
}

func (m *Metrics) ConnectionClosed(reason string) {
	m.ConnectionsActive.Dec()
	m.ConnectionsClosed.WithLabelValues(reason).Inc()
}

func (m *Metrics) DuplicateCallRejected() {
	m.DuplicateCalls.Inc()
}

func (m *Metrics) CallStarted(provider string, connectLatency time.Duration) {
	m.CallsStarted.WithLabelValues(provider).Inc()
	m.ProviderConnect.WithLabelValues(provider).Observe(connectLatency.Seconds())
}

// CallEnded counts every terminal call. Calls that never went active carry a
// zero duration and stay out of the histogram.
func (m *Metrics) CallEnded(status, reason string, duration time.Duration) {
	m.CallsEnded.WithLabelValues(status, reason).Inc()
	if duration > 0 {
		m.CallDuration.Observe(duration.Seconds())
	}
}

func (m *Metrics) ProviderDialFailed(provider string) {
	m.ProviderDialFailure.WithLabelValues(provider).Inc()
}

func (m *Metrics) BargeIn() {
	m.BargeIns.Inc()
}

func (m *Metrics) TurnRecorded(role string) {
	m.TurnsTotal.WithLabelValues(role).Inc()
}

func (m *Metrics) StoreDurableError(op string) {
	m.StoreDurableErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) StoreFallbackEviction() {
	m.StoreFallbackEvictions.Inc()
}

func (m *Metrics) RateLimited(limit string) {
	m.RateLimitHits.WithLabelValues(limit).Inc()
}
