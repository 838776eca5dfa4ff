package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Mutation outcomes recorded by IncMutation.
const (
	OutcomeCommitted  = "committed"
	OutcomeRolledBack = "rolled_back"
)

// Metrics holds Prometheus counters and gauges for the sync daemon.
// A nil *Metrics records nothing, so tests can pass nil everywhere.
type Metrics struct {
	registry          *prometheus.Registry
	requestsTotal     *prometheus.CounterVec
	errorsTotal       *prometheus.CounterVec
	pushMessagesTotal *prometheus.CounterVec
	pushDroppedTotal  prometheus.Counter
	reconnectsTotal   prometheus.Counter
	connected         prometheus.Gauge
	cacheFetchesTotal *prometheus.CounterVec
	cacheFetchErrors  *prometheus.CounterVec
	mutationsTotal    *prometheus.CounterVec
	pendingMutations  prometheus.Gauge
}

// New creates and registers Prometheus metrics for the sync daemon.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livesync_requests_total",
			Help: "Control HTTP requests received, by route pattern",
		}, []string{"route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livesync_errors_total",
			Help: "Control HTTP responses with error status, by route pattern and status code",
		}, []string{"route", "code"}),
		pushMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livesync_push_messages_total",
			Help: "Push frames received, by message type",
		}, []string{"type"}),
		pushDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livesync_push_dropped_total",
			Help: "Push frames dropped because they could not be parsed or handled",
		}),
		reconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livesync_reconnect_attempts_total",
			Help: "Push channel dial attempts after the first",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livesync_push_connected",
			Help: "1 while the push channel is connected",
		}),
		cacheFetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livesync_cache_fetches_total",
			Help: "Background and blocking cache fetches, by key",
		}, []string{"key"}),
		cacheFetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livesync_cache_fetch_errors_total",
			Help: "Failed cache fetches, by key",
		}, []string{"key"}),
		mutationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livesync_mutations_total",
			Help: "Optimistic mutations by name and outcome",
		}, []string{"mutation", "outcome"}),
		pendingMutations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livesync_pending_mutations",
			Help: "Optimistic mutations awaiting a server answer",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.pushMessagesTotal,
		m.pushDroppedTotal,
		m.reconnectsTotal,
		m.connected,
		m.cacheFetchesTotal,
		m.cacheFetchErrors,
		m.mutationsTotal,
		m.pendingMutations,
	)

	return m
}

// IncRequests counts one control request against its route pattern.
func (m *Metrics) IncRequests(route string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route).Inc()
}

// IncErrors counts one failed control request.
func (m *Metrics) IncErrors(route string, status int) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

// IncPushMessage counts a parsed push frame of the given type.
func (m *Metrics) IncPushMessage(msgType string) {
	if m == nil {
		return
	}
	m.pushMessagesTotal.WithLabelValues(msgType).Inc()
}

// IncPushDropped counts a frame that was logged and dropped.
func (m *Metrics) IncPushDropped() {
	if m == nil {
		return
	}
	m.pushDroppedTotal.Inc()
}

// IncReconnects counts a reconnect attempt.
func (m *Metrics) IncReconnects() {
	if m == nil {
		return
	}
	m.reconnectsTotal.Inc()
}

// SetConnected flips the connected gauge.
func (m *Metrics) SetConnected(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

// IncCacheFetch counts a fetch for key, and an error if err is non-nil.
func (m *Metrics) IncCacheFetch(key string, err error) {
	if m == nil {
		return
	}
	m.cacheFetchesTotal.WithLabelValues(key).Inc()
	if err != nil {
		m.cacheFetchErrors.WithLabelValues(key).Inc()
	}
}

// IncMutation records how an optimistic mutation settled.
func (m *Metrics) IncMutation(name, outcome string) {
	if m == nil {
		return
	}
	m.mutationsTotal.WithLabelValues(name, outcome).Inc()
}

// AddPendingMutations moves the pending gauge by delta.
func (m *Metrics) AddPendingMutations(delta int) {
	if m == nil {
		return
	}
	m.pendingMutations.Add(float64(delta))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
