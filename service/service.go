// Package service wires configured devices into a running adapter: one
// shared cache, the compiled outputs of every device, an agent listener per
// device and the ingestion source feeding it.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/timzifer/shdr_adapter/agent"
	"github.com/timzifer/shdr_adapter/cache"
	"github.com/timzifer/shdr_adapter/compute"
	"github.com/timzifer/shdr_adapter/config"
	"github.com/timzifer/shdr_adapter/drivers/modbus"
	"github.com/timzifer/shdr_adapter/drivers/mqtt"
	"github.com/timzifer/shdr_adapter/drivers/random"
	"github.com/timzifer/shdr_adapter/serviceio"
	"github.com/timzifer/shdr_adapter/telemetry"
)

// Option configures the service factories.
type Option func(*factoryRegistry)

type factoryRegistry struct {
	sources   map[string]serviceio.SourceFactory
	collector telemetry.Collector
}

func newFactoryRegistry() factoryRegistry {
	return factoryRegistry{
		sources: map[string]serviceio.SourceFactory{
			mqtt.Driver:   mqtt.NewSourceFactory(),
			modbus.Driver: modbus.NewSourceFactory(nil),
			random.Driver: random.NewSourceFactory(),
		},
		collector: telemetry.Noop(),
	}
}

func applyOptions(reg factoryRegistry, opts []Option) factoryRegistry {
	for _, opt := range opts {
		if opt != nil {
			opt(&reg)
		}
	}
	return reg
}

// WithSourceFactory registers or overrides the source factory for a driver identifier.
func WithSourceFactory(driver string, factory serviceio.SourceFactory) Option {
	return func(reg *factoryRegistry) {
		if reg == nil || driver == "" {
			return
		}
		if reg.sources == nil {
			reg.sources = make(map[string]serviceio.SourceFactory)
		}
		if factory == nil {
			delete(reg.sources, driver)
			return
		}
		reg.sources[driver] = factory
	}
}

// WithCollector sets the telemetry collector shared by cache, sources and listeners.
func WithCollector(collector telemetry.Collector) Option {
	return func(reg *factoryRegistry) {
		if reg == nil || collector == nil {
			return
		}
		reg.collector = collector
	}
}

// MissingDataItem records an output dependency that the device source does
// not declare. The output still registers and computes against an absent
// value until something writes the key.
type MissingDataItem struct {
	Device string
	Output string
	Key    string
}

func (m MissingDataItem) String() string {
	return fmt.Sprintf("device %s: output %s depends on undeclared key %s", m.Device, m.Output, m.Key)
}

type device struct {
	id      string
	outputs []*cache.Output
	source  serviceio.Source
	server  *agent.Server
}

// Service runs the agent listeners and ingestion sources of all enabled devices.
type Service struct {
	cfg       *config.Config
	logger    zerolog.Logger
	collector telemetry.Collector

	cache   *cache.Cache
	devices []*device
	missing []MissingDataItem

	closeOnce sync.Once
	closeErr  error
}

// New compiles the configuration, binds every agent listener and returns a
// service ready to Run.
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Service, error) {
	registry := applyOptions(newFactoryRegistry(), opts)
	svc, err := build(cfg, logger, registry)
	if err != nil {
		return nil, err
	}
	for _, dev := range svc.devices {
		dev.server = agent.New(dev.id, cfg.DeviceAgent(svc.deviceConfig(dev.id)), svc.cache, dev.outputs,
			agent.WithLogger(logger),
			agent.WithCollector(svc.collector),
		)
		if err := dev.server.Start(); err != nil {
			_ = svc.Close()
			return nil, err
		}
	}
	return svc, nil
}

// Validate performs the same compilation as New without opening sockets.
func Validate(cfg *config.Config, logger zerolog.Logger, opts ...Option) error {
	registry := applyOptions(newFactoryRegistry(), opts)
	svc, err := build(cfg, logger, registry)
	if err != nil {
		return err
	}
	return svc.closeSources()
}

func build(cfg *config.Config, logger zerolog.Logger, registry factoryRegistry) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	collector := registry.collector
	if collector == nil {
		collector = telemetry.Noop()
	}
	svc := &Service{
		cfg:       cfg,
		logger:    logger.With().Str("component", "service").Logger(),
		collector: collector,
		cache:     cache.New(cache.WithLogger(logger), cache.WithCollector(collector)),
	}

	for _, devCfg := range cfg.EnabledDevices() {
		dev, err := svc.buildDevice(devCfg, logger, registry)
		if err != nil {
			_ = svc.closeSources()
			return nil, err
		}
		svc.devices = append(svc.devices, dev)
	}
	for _, item := range svc.missing {
		svc.logger.Warn().
			Str("device", item.Device).
			Str("output", item.Output).
			Str("key", item.Key).
			Msg("MissingDataItem: output depends on a key the source does not declare")
	}
	return svc, nil
}

func (s *Service) buildDevice(devCfg config.DeviceConfig, logger zerolog.Logger, registry factoryRegistry) (*device, error) {
	dev := &device{id: devCfg.ID}
	for _, outCfg := range devCfg.Outputs {
		output, err := compute.Build(devCfg.ID, outCfg)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", devCfg.ID, err)
		}
		dev.outputs = append(dev.outputs, output)
	}
	if err := s.cache.Register(dev.outputs...); err != nil {
		return nil, fmt.Errorf("device %s: %w", devCfg.ID, err)
	}

	factory := registry.sources[devCfg.Input.Driver]
	if factory == nil {
		return nil, fmt.Errorf("device %s: no source factory registered for driver %q", devCfg.ID, devCfg.Input.Driver)
	}
	source, err := factory(devCfg, serviceio.SourceDependencies{
		Cache:     s.cache,
		Logger:    logger,
		Collector: s.collector,
	})
	if err != nil {
		return nil, fmt.Errorf("device %s: build source: %w", devCfg.ID, err)
	}
	dev.source = source

	if declarer, ok := source.(serviceio.KeyDeclarer); ok {
		s.missing = append(s.missing, missingDataItems(devCfg.ID, dev.outputs, declarer.Keys())...)
	}
	return dev, nil
}

func missingDataItems(deviceID string, outputs []*cache.Output, declared []string) []MissingDataItem {
	known := make(map[string]struct{}, len(declared))
	for _, key := range declared {
		known[key] = struct{}{}
	}
	var missing []MissingDataItem
	seen := make(map[MissingDataItem]struct{})
	for _, output := range outputs {
		for _, key := range output.DependsOn {
			if _, ok := known[key]; ok {
				continue
			}
			item := MissingDataItem{Device: deviceID, Output: output.Key, Key: key}
			if _, dup := seen[item]; dup {
				continue
			}
			seen[item] = struct{}{}
			missing = append(missing, item)
		}
	}
	return missing
}

func (s *Service) deviceConfig(id string) config.DeviceConfig {
	for _, dev := range s.cfg.Devices {
		if dev.ID == id {
			return dev
		}
	}
	return config.DeviceConfig{ID: id}
}

// Cache exposes the shared value cache.
func (s *Service) Cache() *cache.Cache {
	if s == nil {
		return nil
	}
	return s.cache
}

// MissingDataItems lists the undeclared dependencies found while building.
func (s *Service) MissingDataItems() []MissingDataItem {
	if s == nil {
		return nil
	}
	return append([]MissingDataItem(nil), s.missing...)
}

// Devices returns the ids of the running devices in configuration order.
func (s *Service) Devices() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, 0, len(s.devices))
	for _, dev := range s.devices {
		ids = append(ids, dev.id)
	}
	return ids
}

// ListenAddresses maps device ids to the bound agent listener address.
func (s *Service) ListenAddresses() map[string]string {
	addrs := make(map[string]string)
	if s == nil {
		return addrs
	}
	for _, dev := range s.devices {
		if dev.server == nil {
			continue
		}
		if addr := dev.server.Addr(); addr != nil {
			addrs[dev.id] = addr.String()
		}
	}
	return addrs
}

// Run drives every source and listener until ctx is cancelled or one of them
// fails. The first failure cancels the rest and is returned.
func (s *Service) Run(ctx context.Context) error {
	if s == nil {
		return errors.New("service not initialised")
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}
	start := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				fail(fmt.Errorf("%s: %w", name, err))
			}
		}()
	}

	for _, dev := range s.devices {
		if dev.server != nil {
			start("agent "+dev.id, dev.server.Run)
		}
		if dev.source != nil {
			start("source "+dev.id, dev.source.Run)
		}
	}
	s.logger.Info().Strs("devices", s.Devices()).Msg("service running")

	<-runCtx.Done()
	wg.Wait()
	return firstErr
}

// Close stops listeners and sources. It is safe to call more than once.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		var errs []error
		for _, dev := range s.devices {
			if dev.server == nil {
				continue
			}
			if err := dev.server.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close agent %s: %w", dev.id, err))
			}
		}
		if err := s.closeSources(); err != nil {
			errs = append(errs, err)
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

func (s *Service) closeSources() error {
	var errs []error
	for _, dev := range s.devices {
		if dev.source == nil {
			continue
		}
		if err := dev.source.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close source %s: %w", dev.id, err))
		}
	}
	return errors.Join(errs...)
}

// sortedMissing orders missing items by device, output and key.
func sortedMissing(items []MissingDataItem) []MissingDataItem {
	sorted := append([]MissingDataItem(nil), items...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Device != sorted[j].Device {
			return sorted[i].Device < sorted[j].Device
		}
		if sorted[i].Output != sorted[j].Output {
			return sorted[i].Output < sorted[j].Output
		}
		return sorted[i].Key < sorted[j].Key
	})
	return sorted
}
