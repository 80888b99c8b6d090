// Package logging builds the process logger from the logging section of the
// configuration.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/grafana/loki-client-go/loki"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"

	"github.com/timzifer/shdr_adapter/config"
)

const defaultLokiApp = "shdr-adapter"

// Option adjusts logger construction.
type Option func(*options)

type options struct {
	out   io.Writer
	level string
}

// WithOutput replaces stdout as the local log destination.
func WithOutput(w io.Writer) Option {
	return func(o *options) {
		if w != nil {
			o.out = w
		}
	}
}

// WithLevel overrides the configured level, typically from a command line flag.
func WithLevel(level string) Option {
	return func(o *options) {
		o.level = strings.TrimSpace(level)
	}
}

// Setup creates a zerolog logger according to the provided configuration.
// The returned cleanup flushes and stops the Loki client when one is enabled.
func Setup(cfg config.LoggingConfig, opts ...Option) (zerolog.Logger, func(), error) {
	o := options{out: os.Stdout, level: cfg.Level}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.level == "" {
		o.level = cfg.Level
	}

	level, err := ParseLevel(o.level)
	if err != nil {
		return zerolog.Logger{}, nil, err
	}

	var local io.Writer
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "json":
		local = o.out
	case "text", "console":
		local = zerolog.ConsoleWriter{Out: o.out, TimeFormat: time.RFC3339}
	default:
		return zerolog.Logger{}, nil, fmt.Errorf("unsupported log format %q", cfg.Format)
	}

	writers := []io.Writer{local}
	cleanup := func() {}

	if cfg.Loki.Enabled {
		lokiWriter, closer, err := newLokiWriter(cfg.Loki)
		if err != nil {
			return zerolog.Logger{}, nil, err
		}
		writers = append(writers, lokiWriter)
		cleanup = closer
	}

	multi := zerolog.MultiLevelWriter(writers...)
	logger := zerolog.New(multi).With().Timestamp().Logger().Level(level)
	return logger, cleanup, nil
}

// ParseLevel maps a configured level name to a zerolog level. Empty selects info.
func ParseLevel(raw string) (zerolog.Level, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return zerolog.InfoLevel, nil
	}
	if raw == "warning" {
		raw = "warn"
	}
	level, err := zerolog.ParseLevel(raw)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("parse log level: %w", err)
	}
	return level, nil
}

func newLokiWriter(cfg config.LokiConfig) (io.Writer, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("loki url is required")
	}
	lokiCfg, err := loki.NewDefaultConfig(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("prepare loki config: %w", err)
	}
	client, err := loki.New(lokiCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create loki client: %w", err)
	}

	writer := &lokiWriter{client: client, labels: lokiLabels(cfg.Labels)}
	return writer, client.Stop, nil
}

func lokiLabels(raw map[string]string) model.LabelSet {
	labels := model.LabelSet{}
	for k, v := range raw {
		name := model.LabelName(k)
		if !name.IsValid() {
			continue
		}
		labels[name] = model.LabelValue(v)
	}
	if len(labels) == 0 {
		labels["app"] = defaultLokiApp
	}
	return labels
}

type lokiWriter struct {
	client *loki.Client
	labels model.LabelSet
}

func (l *lokiWriter) Write(p []byte) (int, error) {
	entry := strings.TrimSpace(string(p))
	if entry == "" {
		return len(p), nil
	}
	err := l.client.Handle(l.labels, time.Now(), entry)
	return len(p), err
}
