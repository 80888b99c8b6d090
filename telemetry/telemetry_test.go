package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	var metric dto.Metric
	require.NoError(t, vec.WithLabelValues(labels...).Write(&metric))
	return metric.GetCounter().GetValue()
}

func TestPrometheusCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)

	collector.IncEmitted("m1", "avail")
	collector.IncEmitted("m1", "avail")
	collector.IncSuppressed("m1", "avail")
	collector.IncDropped("m1", "avail", ReasonTransport)
	collector.IncWrites(true)
	collector.IncWrites(false)
	collector.IncHotReload("/etc/adapter.yaml")

	require.Equal(t, 2.0, counterValue(t, collector.emitted, "m1", "avail"))
	require.Equal(t, 1.0, counterValue(t, collector.suppressed, "m1", "avail"))
	require.Equal(t, 1.0, counterValue(t, collector.dropped, "m1", "avail", ReasonTransport))
	require.Equal(t, 1.0, counterValue(t, collector.writes, "true"))
	require.Equal(t, 1.0, counterValue(t, collector.hotReloads, "/etc/adapter.yaml"))

	collector.SetAgentConnections("m1", 2)
	var metric dto.Metric
	require.NoError(t, collector.connections.WithLabelValues("m1").Write(&metric))
	require.Equal(t, 2.0, metric.GetGauge().GetValue())
}

func TestPrometheusCollectorReusesRegisteredMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	second, err := NewPrometheusCollector(reg)
	require.NoError(t, err)

	first.IncEmitted("m2", "mode")
	require.Equal(t, 1.0, counterValue(t, second.emitted, "m2", "mode"))
}

func TestNilPrometheusCollectorIsSafe(t *testing.T) {
	var collector *PrometheusCollector
	collector.IncEmitted("a", "b")
	collector.IncDropped("a", "b", ReasonEncode)
	collector.SetAgentConnections("a", 1)
}
