package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.EventDecoded("message_create")
		m.EventDropped("invalid")
		m.ObserveCache(CacheHit, 3)
		m.ObserveLookup(nil)
		m.ObservePreview(PreviewLoaded)
		m.GatewayTransition("open", "closed")
		m.ObserveHTTP("GET", "/state", "200", 0.01)
		m.SetStateVersion(7)
		m.StreamListenerDelta(1)
	})
}

func TestCounters(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	m.EventDecoded("message_create")
	m.EventDecoded("message_create")
	m.EventDropped("unknown_type")
	m.ObserveCache(CacheMiss, 32)
	m.ObserveCache(CacheHit, 0)
	m.ObserveLookup(errors.New("boom"))
	m.ObservePreview(PreviewRetry)
	m.SetStateVersion(42)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventsDecoded.WithLabelValues("message_create")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsDropped.WithLabelValues("unknown_type")))
	assert.Equal(t, 32.0, testutil.ToFloat64(m.cache.WithLabelValues(CacheMiss)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.cache.WithLabelValues(CacheHit)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lookups.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.previews.WithLabelValues(PreviewRetry)))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.stateVersion))
}

func TestGatewayStateGauge(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	m.GatewayTransition("disconnected", "connecting")
	m.GatewayTransition("connecting", "open")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.gatewayState.WithLabelValues("open")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.gatewayState.WithLabelValues("connecting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("connecting", "open")))
}

func TestDoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}
