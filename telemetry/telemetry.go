package telemetry

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons reported through IncDropped.
const (
	ReasonCompute   = "compute"
	ReasonEncode    = "encode"
	ReasonTransport = "transport"
)

// Collector captures telemetry events emitted by the runtime.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks are
// executed inline with every cache write.
type Collector interface {
	IncHotReload(file string)
	IncWrites(bound bool)
	IncEmitted(device, output string)
	IncSuppressed(device, output string)
	IncDropped(device, output, reason string)
	SetAgentConnections(device string, connections int)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncHotReload(string)               {}
func (noopCollector) IncWrites(bool)                    {}
func (noopCollector) IncEmitted(string, string)         {}
func (noopCollector) IncSuppressed(string, string)      {}
func (noopCollector) IncDropped(string, string, string) {}
func (noopCollector) SetAgentConnections(string, int)   {}

// PrometheusCollector exposes telemetry counters via Prometheus.
type PrometheusCollector struct {
	hotReloads  *prometheus.CounterVec
	writes      *prometheus.CounterVec
	emitted     *prometheus.CounterVec
	suppressed  *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	connections *prometheus.GaugeVec
}

var (
	sharedMu        sync.Mutex
	sharedCollector *PrometheusCollector
)

// NewPrometheusCollector registers the required metrics with the provided
// registerer. Metrics already registered by an earlier call are reused so
// configuration reloads keep their counters.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if reg == prometheus.DefaultRegisterer && sharedCollector != nil {
		return sharedCollector, nil
	}

	hotReloads, err := registerCounterVec(reg, prometheus.CounterOpts{
		Name: "shdr_adapter_config_hot_reload_total",
		Help: "Number of hot reload operations triggered per configuration source file.",
	}, "file")
	if err != nil {
		return nil, err
	}
	writes, err := registerCounterVec(reg, prometheus.CounterOpts{
		Name: "shdr_adapter_cache_writes_total",
		Help: "Number of cache writes, split by whether any output depends on the key.",
	}, "bound")
	if err != nil {
		return nil, err
	}
	emitted, err := registerCounterVec(reg, prometheus.CounterOpts{
		Name: "shdr_adapter_lines_emitted_total",
		Help: "Number of SHDR lines delivered to an agent connection.",
	}, "device", "output")
	if err != nil {
		return nil, err
	}
	suppressed, err := registerCounterVec(reg, prometheus.CounterOpts{
		Name: "shdr_adapter_values_suppressed_total",
		Help: "Number of recomputations that produced an unchanged value.",
	}, "device", "output")
	if err != nil {
		return nil, err
	}
	dropped, err := registerCounterVec(reg, prometheus.CounterOpts{
		Name: "shdr_adapter_emissions_dropped_total",
		Help: "Number of emissions dropped because computing, encoding or delivering failed.",
	}, "device", "output", "reason")
	if err != nil {
		return nil, err
	}
	connections, err := registerGaugeVec(reg, prometheus.GaugeOpts{
		Name: "shdr_adapter_agent_connections",
		Help: "Number of agent connections currently open per device.",
	}, "device")
	if err != nil {
		return nil, err
	}

	collector := &PrometheusCollector{
		hotReloads:  hotReloads,
		writes:      writes,
		emitted:     emitted,
		suppressed:  suppressed,
		dropped:     dropped,
		connections: connections,
	}
	if reg == prometheus.DefaultRegisterer {
		sharedCollector = collector
	}
	return collector, nil
}

func registerCounterVec(reg prometheus.Registerer, opts prometheus.CounterOpts, labels ...string) (*prometheus.CounterVec, error) {
	counter := prometheus.NewCounterVec(opts, labels)
	if err := reg.Register(counter); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return counter, nil
}

func registerGaugeVec(reg prometheus.Registerer, opts prometheus.GaugeOpts, labels ...string) (*prometheus.GaugeVec, error) {
	gauge := prometheus.NewGaugeVec(opts, labels)
	if err := reg.Register(gauge); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return gauge, nil
}

// IncHotReload increments the counter for the provided file path.
func (p *PrometheusCollector) IncHotReload(file string) {
	if p == nil || p.hotReloads == nil {
		return
	}
	p.hotReloads.WithLabelValues(file).Inc()
}

// IncWrites counts a cache write.
func (p *PrometheusCollector) IncWrites(bound bool) {
	if p == nil || p.writes == nil {
		return
	}
	label := "false"
	if bound {
		label = "true"
	}
	p.writes.WithLabelValues(label).Inc()
}

// IncEmitted counts a line delivered for an output.
func (p *PrometheusCollector) IncEmitted(device, output string) {
	if p == nil || p.emitted == nil {
		return
	}
	p.emitted.WithLabelValues(device, output).Inc()
}

// IncSuppressed counts a recomputation whose value did not change.
func (p *PrometheusCollector) IncSuppressed(device, output string) {
	if p == nil || p.suppressed == nil {
		return
	}
	p.suppressed.WithLabelValues(device, output).Inc()
}

// IncDropped counts an emission that could not be delivered.
func (p *PrometheusCollector) IncDropped(device, output, reason string) {
	if p == nil || p.dropped == nil {
		return
	}
	p.dropped.WithLabelValues(device, output, reason).Inc()
}

// SetAgentConnections updates the open connection gauge of a device.
func (p *PrometheusCollector) SetAgentConnections(device string, connections int) {
	if p == nil || p.connections == nil {
		return
	}
	p.connections.WithLabelValues(device).Set(float64(connections))
}
