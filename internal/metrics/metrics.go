// Package metrics holds the Prometheus collectors of the sync core.
//
// Labels are kept to small closed sets (event kind, drop reason, cache
// result, preview outcome, gateway state) so cardinality stays bounded no
// matter how many guilds, channels or users pass through the client.
//
// A nil *Metrics is valid: every method is a no-op, which lets components
// and tests run without a registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chatsync"

// Cache results recorded by ObserveCache.
const (
	CacheHit         = "hit"
	CacheNegativeHit = "negative_hit"
	CacheMiss        = "miss"
	CacheCoalesced   = "coalesced"
	CacheEviction    = "eviction"
)

// Preview outcomes recorded by ObservePreview.
const (
	PreviewLoaded   = "loaded"
	PreviewRetry    = "retry"
	PreviewFailed   = "failed"
	PreviewCanceled = "canceled"
)

type Metrics struct {
	eventsDecoded   *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
	cache           *prometheus.CounterVec
	lookups         *prometheus.CounterVec
	previews        *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	gatewayState    *prometheus.GaugeVec
	httpRequests    *prometheus.CounterVec
	httpLatency     *prometheus.HistogramVec
	stateVersion    prometheus.Gauge
	streamListeners prometheus.Gauge
}

// New creates the collectors and registers them with reg. Registration
// errors are returned; tests pass a fresh prometheus.NewRegistry().
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		eventsDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_decoded_total",
			Help:      "Gateway events decoded and applied, by event type.",
		}, []string{"type"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Gateway frames dropped before reaching a reducer, by reason.",
		}, []string{"reason"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "username_cache_total",
			Help:      "Username cache outcomes per id.",
		}, []string{"result"}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "username_lookups_total",
			Help:      "Batched username lookup calls, by outcome.",
		}, []string{"outcome"}),
		previews: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_preview_fetches_total",
			Help:      "Attachment preview fetch attempts, by outcome.",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_transitions_total",
			Help:      "Gateway controller state transitions.",
		}, []string{"from", "to"}),
		gatewayState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gateway_state",
			Help:      "1 for the current gateway controller state, 0 otherwise.",
		}, []string{"state"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inspect_http_requests_total",
			Help:      "Requests served by the inspect surface.",
		}, []string{"method", "path", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inspect_http_request_duration_seconds",
			Help:      "Latency of inspect surface requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		stateVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state_version",
			Help:      "Current version of the reconciled state.",
		}),
		streamListeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inspect_stream_listeners",
			Help:      "Open change-stream websocket connections.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.eventsDecoded, m.eventsDropped, m.cache, m.lookups, m.previews,
		m.transitions, m.gatewayState, m.httpRequests, m.httpLatency,
		m.stateVersion, m.streamListeners,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) EventDecoded(kind string) {
	if m == nil {
		return
	}
	m.eventsDecoded.WithLabelValues(kind).Inc()
}

func (m *Metrics) EventDropped(reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(reason).Inc()
}

// ObserveCache adds n to the counter for result.
func (m *Metrics) ObserveCache(result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cache.WithLabelValues(result).Add(float64(n))
}

func (m *Metrics) ObserveLookup(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.lookups.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObservePreview(outcome string) {
	if m == nil {
		return
	}
	m.previews.WithLabelValues(outcome).Inc()
}

// GatewayTransition records a move between controller states and flips the
// state gauge.
func (m *Metrics) GatewayTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
	m.gatewayState.WithLabelValues(from).Set(0)
	m.gatewayState.WithLabelValues(to).Set(1)
}

func (m *Metrics) ObserveHTTP(method, path, status string, seconds float64) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, status).Inc()
	m.httpLatency.WithLabelValues(method, path).Observe(seconds)
}

func (m *Metrics) SetStateVersion(v uint64) {
	if m == nil {
		return
	}
	m.stateVersion.Set(float64(v))
}

func (m *Metrics) StreamListenerDelta(d int) {
	if m == nil {
		return
	}
	m.streamListeners.Add(float64(d))
}
