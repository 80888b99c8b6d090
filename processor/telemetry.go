package processor

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/timzifer/shdr_adapter/config"
	"github.com/timzifer/shdr_adapter/telemetry"
)

const metricsPath = "/metrics"

func newTelemetryCollector(cfg config.TelemetryConfig) (telemetry.Collector, error) {
	if !cfg.Enabled {
		return telemetry.Noop(), nil
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch provider {
	case "", "prometheus":
		collector, err := telemetry.NewPrometheusCollector(nil)
		if err != nil {
			return nil, err
		}
		return collector, nil
	default:
		return telemetry.Noop(), fmt.Errorf("unsupported telemetry provider %q", cfg.Provider)
	}
}

// metricsServer exposes the default Prometheus gatherer over HTTP.
type metricsServer struct {
	listener net.Listener
	server   *http.Server
	done     chan struct{}
}

func startMetricsServer(listen string, gatherer prometheus.Gatherer, logger zerolog.Logger) (*metricsServer, error) {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, fmt.Errorf("metrics listen %s: %w", listen, err)
	}

	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	srv := &metricsServer{
		listener: ln,
		server:   &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		done:     make(chan struct{}),
	}
	logger = logger.With().Str("component", "metrics").Str("address", ln.Addr().String()).Logger()
	go func() {
		defer close(srv.done)
		if err := srv.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	logger.Info().Msg("metrics endpoint started")
	return srv, nil
}

func (m *metricsServer) Addr() string {
	if m == nil {
		return ""
	}
	return m.listener.Addr().String()
}

func (m *metricsServer) Close() error {
	if m == nil {
		return nil
	}
	err := m.server.Close()
	<-m.done
	return err
}
