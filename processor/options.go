package processor

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/shdr_adapter/config"
	"github.com/timzifer/shdr_adapter/internal/reload"
	"github.com/timzifer/shdr_adapter/service"
	"github.com/timzifer/shdr_adapter/serviceio"
	"github.com/timzifer/shdr_adapter/telemetry"
)

// WithLogger provides a custom logger instance for the processor. The
// logging section of the configuration is ignored afterwards.
func WithLogger(logger zerolog.Logger) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.logger = logger
		cfg.customLogger = true
		return nil
	}
}

// WithLogLevel overrides the configured log level.
func WithLogLevel(level string) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.logLevel = strings.TrimSpace(level)
		return nil
	}
}

// WithSource installs or overrides the ingestion source factory for a driver.
func WithSource(driver string, factory serviceio.SourceFactory) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		driver = strings.TrimSpace(driver)
		if driver == "" {
			return fmt.Errorf("source driver must not be empty")
		}
		if factory == nil {
			return fmt.Errorf("source %s factory must not be nil", driver)
		}
		cfg.serviceOptions = append(cfg.serviceOptions, service.WithSourceFactory(driver, factory))
		return nil
	}
}

// WithConfigPath configures the processor to load configuration data from the provided path.
func WithConfigPath(path string, register func(ReloadFunc)) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.configPath = strings.TrimSpace(path)
		cfg.registerReload = register
		return nil
	}
}

// WithConfig supplies an already loaded configuration instance.
func WithConfig(cfgData *config.Config) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.config = cfgData
		return nil
	}
}

// WithTelemetry injects a collector instance overriding the default configuration-based behaviour.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		if collector == nil {
			collector = telemetry.Noop()
		}
		cfg.telemetry = collector
		cfg.telemetryProvided = true
		return nil
	}
}

// WithReloadDebounce sets the quiet period the configuration watcher waits for.
func WithReloadDebounce(d time.Duration) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		if d < 0 {
			return fmt.Errorf("reload debounce must be non-negative")
		}
		cfg.reloadOptions = append(cfg.reloadOptions, reload.WithDebounce(d))
		return nil
	}
}
