// Package processor owns the adapter lifecycle: it loads the configuration,
// builds the service, swaps it on reload and releases everything on Close.
package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/timzifer/shdr_adapter/config"
	"github.com/timzifer/shdr_adapter/internal/logging"
	"github.com/timzifer/shdr_adapter/internal/reload"
	"github.com/timzifer/shdr_adapter/service"
	"github.com/timzifer/shdr_adapter/telemetry"
)

// ReloadFunc represents a function that reloads the processor configuration.
type ReloadFunc func(ctx context.Context) error

// Option configures the processor during construction.
type Option func(*settings) error

type settings struct {
	config            *config.Config
	configPath        string
	registerReload    func(ReloadFunc)
	logger            zerolog.Logger
	customLogger      bool
	logLevel          string
	telemetry         telemetry.Collector
	telemetryProvided bool
	serviceOptions    []service.Option
	reloadOptions     []reload.Option
}

// Processor orchestrates the service lifecycle, including configuration reloads and cleanup.
type Processor struct {
	mu sync.Mutex

	config     *config.Config
	configPath string

	collector      telemetry.Collector
	serviceOptions []service.Option
	reloadOptions  []reload.Option

	customLogger bool
	baseLogger   zerolog.Logger
	logLevel     string

	watcher  *reload.Watcher
	reloadCh chan reloadRequest
	metrics  *metricsServer

	current *runtimeState
	running bool
}

type runtimeState struct {
	cfg     *config.Config
	logger  zerolog.Logger
	cleanup func()
	srv     *service.Service
}

func (r *runtimeState) close() {
	if r == nil {
		return
	}
	if err := r.srv.Close(); err != nil {
		r.logger.Warn().Err(err).Msg("service close")
	}
	r.cleanup()
}

type reloadRequest struct {
	done  chan error
	files []string
}

// New constructs a processor with the supplied options.
func New(ctx context.Context, opts ...Option) (*Processor, error) {
	if ctx != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	cfg := settings{
		logger:    zerolog.Nop(),
		telemetry: telemetry.Noop(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if cfg.config == nil {
		if cfg.configPath == "" {
			return nil, errors.New("configuration path required")
		}
		loaded, err := config.Load(cfg.configPath)
		if err != nil {
			return nil, fmt.Errorf("load configuration: %w", err)
		}
		cfg.config = loaded
	}

	if !cfg.telemetryProvided {
		collector, err := newTelemetryCollector(cfg.config.Telemetry)
		if err != nil {
			fmt.Fprintf(os.Stderr, "telemetry disabled: %v\n", err)
			cfg.telemetry = telemetry.Noop()
		} else {
			cfg.telemetry = collector
		}
	}

	serviceOpts := append([]service.Option{service.WithCollector(cfg.telemetry)}, cfg.serviceOptions...)
	proc := &Processor{
		config:         cfg.config,
		configPath:     cfg.configPath,
		collector:      cfg.telemetry,
		serviceOptions: serviceOpts,
		reloadOptions:  cfg.reloadOptions,
		customLogger:   cfg.customLogger,
		baseLogger:     cfg.logger,
		logLevel:       cfg.logLevel,
	}

	runtime, err := proc.buildRuntime(cfg.config)
	if err != nil {
		return nil, err
	}
	proc.current = runtime

	if cfg.configPath != "" {
		proc.reloadCh = make(chan reloadRequest)
	}

	if err := proc.initWatcher(cfg.config, runtime.logger); err != nil {
		runtime.close()
		return nil, err
	}

	telemetryCfg := cfg.config.Telemetry
	if telemetryCfg.Enabled && telemetryCfg.Listen != "" {
		metrics, err := startMetricsServer(telemetryCfg.Listen, nil, runtime.logger)
		if err != nil {
			_ = proc.watcher.Close()
			runtime.close()
			return nil, err
		}
		proc.metrics = metrics
	}

	if cfg.registerReload != nil {
		cfg.registerReload(proc.Reload)
	}

	return proc, nil
}

// Run executes the processor until the context is cancelled or the service stops with an error.
func (p *Processor) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.current == nil {
		p.mu.Unlock()
		return errors.New("processor not initialized")
	}
	if p.running {
		p.mu.Unlock()
		return errors.New("processor already running")
	}
	p.running = true
	current := p.current
	watcher := p.watcher
	reloadCh := p.reloadCh
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running = false
		if p.current == current {
			p.current = nil
		}
		p.mu.Unlock()
	}()

	for {
		runCtx, cancelRun := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		go func(s *service.Service) {
			errCh <- s.Run(runCtx)
		}(current.srv)

		var pending *reloadRequest
		var nextConfig *config.Config

	loop:
		for {
			select {
			case <-ctx.Done():
				cancelRun()
				err := <-errCh
				current.close()
				if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				return ctx.Err()
			case err := <-errCh:
				cancelRun()
				current.close()
				if err == nil {
					err = errors.New("service stopped unexpectedly")
				}
				return err
			case req := <-reloadCh:
				cfg, err := p.loadValidated(current.logger)
				if err != nil {
					if req.done != nil {
						req.done <- err
					}
					continue
				}
				pending = &req
				nextConfig = cfg
				break loop
			case files, ok := <-watcher.Changes():
				if !ok {
					watcher = nil
					continue
				}
				current.logger.Info().Strs("files", files).Msg("configuration change detected")
				cfg, err := p.loadValidated(current.logger)
				if err != nil {
					continue
				}
				pending = &reloadRequest{files: files}
				nextConfig = cfg
				break loop
			}
		}

		cancelRun()
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			current.logger.Error().Err(err).Msg("service stopped during reload")
		}
		current.close()

		runtime, err := p.buildRuntime(nextConfig)
		if err != nil {
			if pending.done != nil {
				pending.done <- err
			}
			return err
		}

		p.mu.Lock()
		p.current = runtime
		current = runtime
		p.config = nextConfig
		if err := p.initWatcher(nextConfig, current.logger); err != nil {
			current.logger.Error().Err(err).Msg("failed to update configuration watcher")
		}
		watcher = p.watcher
		p.mu.Unlock()

		files := pending.files
		if len(files) == 0 {
			files = config.SourceFiles(nextConfig)
		}
		for _, file := range files {
			p.collector.IncHotReload(file)
		}
		current.logger.Info().Strs("files", files).Msg("configuration reloaded")
		if pending.done != nil {
			pending.done <- nil
		}
	}
}

// Reload rebuilds the processor using the latest configuration from disk.
func (p *Processor) Reload(ctx context.Context) error {
	p.mu.Lock()
	running := p.running
	reloadCh := p.reloadCh
	p.mu.Unlock()

	if !running {
		cfg, err := p.loadValidated(zerolog.Nop())
		if err != nil {
			return err
		}
		return p.swapRuntime(cfg)
	}

	if reloadCh == nil {
		return errors.New("reload not supported without configuration path")
	}

	req := reloadRequest{done: make(chan error, 1)}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case reloadCh <- req:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-req.done:
		return err
	}
}

// Close releases resources managed by the processor.
func (p *Processor) Close() {
	p.mu.Lock()
	current := p.current
	p.current = nil
	watcher := p.watcher
	p.watcher = nil
	metrics := p.metrics
	p.metrics = nil
	p.mu.Unlock()

	if current != nil {
		current.close()
	}
	_ = watcher.Close()
	_ = metrics.Close()
}

// ListenAddresses maps device ids to the bound agent listener of the current service.
func (p *Processor) ListenAddresses() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return map[string]string{}
	}
	return p.current.srv.ListenAddresses()
}

// MetricsAddr returns the bound metrics endpoint address or "" when disabled.
func (p *Processor) MetricsAddr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics.Addr()
}

// Config returns the active configuration.
func (p *Processor) Config() *config.Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.config
}

// swapRuntime replaces the idle runtime. Listener ports are usually fixed, so
// the old service is closed before the new one binds.
func (p *Processor) swapRuntime(cfg *config.Config) error {
	p.mu.Lock()
	old := p.current
	p.current = nil
	p.mu.Unlock()
	if old != nil {
		old.close()
	}

	runtime, err := p.buildRuntime(cfg)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.current = runtime
	p.config = cfg
	err = p.initWatcher(cfg, runtime.logger)
	p.mu.Unlock()
	return err
}

func (p *Processor) buildRuntime(cfg *config.Config) (*runtimeState, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	runtime := &runtimeState{cfg: cfg, cleanup: func() {}}
	if p.customLogger {
		runtime.logger = p.baseLogger
	} else {
		logger, cleanup, err := logging.Setup(cfg.Logging, logging.WithLevel(p.logLevel))
		if err != nil {
			return nil, err
		}
		runtime.logger = logger
		runtime.cleanup = cleanup
	}
	log.Logger = runtime.logger

	srv, err := service.New(cfg, runtime.logger, p.serviceOptions...)
	if err != nil {
		runtime.cleanup()
		return nil, err
	}
	runtime.srv = srv
	return runtime, nil
}

func (p *Processor) loadValidated(logger zerolog.Logger) (*config.Config, error) {
	if p.configPath == "" {
		return nil, errors.New("configuration path not configured")
	}
	cfg, err := config.Load(p.configPath)
	if err != nil {
		logger.Error().Err(err).Msg("failed to reload configuration")
		return nil, err
	}
	if err := service.Validate(cfg, logger, p.serviceOptions...); err != nil {
		logger.Error().Err(err).Msg("reloaded configuration invalid")
		return nil, err
	}
	return cfg, nil
}

func (p *Processor) initWatcher(cfg *config.Config, logger zerolog.Logger) error {
	if p.configPath == "" || !cfg.HotReload {
		if p.watcher != nil {
			_ = p.watcher.Close()
			p.watcher = nil
		}
		return nil
	}
	if p.watcher == nil {
		opts := append([]reload.Option{reload.WithLogger(logger)}, p.reloadOptions...)
		watcher, err := reload.NewWatcher(p.configPath, cfg, opts...)
		if err != nil {
			return err
		}
		p.watcher = watcher
		return nil
	}
	return p.watcher.Update(p.configPath, cfg)
}
