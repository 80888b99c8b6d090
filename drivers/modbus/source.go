// Package modbus implements the modbus ingestion source: it polls register
// blocks of a Modbus TCP server and writes decoded signals to the cache.
package modbus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/shdr_adapter/cache"
	"github.com/timzifer/shdr_adapter/compute"
	"github.com/timzifer/shdr_adapter/config"
	"github.com/timzifer/shdr_adapter/serviceio"
	"github.com/timzifer/shdr_adapter/shdr"
)

// Driver is the input driver name the source registers under.
const Driver = "modbus"

// NewSourceFactory builds a serviceio.SourceFactory for modbus devices. A nil
// client factory selects TCP.
func NewSourceFactory(factory ClientFactory) serviceio.SourceFactory {
	if factory == nil {
		factory = NewTCPClientFactory()
	}
	return func(device config.DeviceConfig, deps serviceio.SourceDependencies) (serviceio.Source, error) {
		if deps.Cache == nil {
			return nil, fmt.Errorf("device %s: missing cache dependency", device.ID)
		}
		settings, err := DecodeSettings(device.Input.Settings)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", device.ID, err)
		}
		return &Source{
			deviceID:      device.ID,
			settings:      settings,
			cache:         deps.Cache,
			clientFactory: factory,
			logger:        deps.Logger.With().Str("component", "modbus").Str("device", device.ID).Logger(),
		}, nil
	}
}

// Source polls the configured blocks of one device.
type Source struct {
	deviceID      string
	settings      Settings
	cache         serviceio.CacheWriter
	clientFactory ClientFactory
	logger        zerolog.Logger

	mu     sync.Mutex
	client Client
}

// ID returns the device the source feeds.
func (s *Source) ID() string { return s.deviceID }

// Keys returns the cache keys of all configured signals.
func (s *Source) Keys() []string {
	var keys []string
	for _, block := range s.settings.Blocks {
		for _, signal := range block.Signals {
			keys = append(keys, compute.Key(s.deviceID, signal.Symbol))
		}
	}
	sort.Strings(keys)
	return keys
}

// Run polls at the configured interval until ctx is cancelled. Read errors
// drop the connection; the next poll reconnects.
func (s *Source) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.settings.Interval.Duration)
	defer ticker.Stop()
	defer s.Close()
	for {
		s.Poll(time.Now())
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll reads every block once and returns the number of failures.
func (s *Source) Poll(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, err := s.ensureClient()
	if err != nil {
		s.logger.Error().Err(err).Msg("modbus connect failed")
		return 1
	}
	var opts []cache.WriteOption
	opts = append(opts, cache.Quiet())
	if s.settings.Timestamps {
		opts = append(opts, cache.Timestamp(shdr.Timestamp(now)))
	}

	failures := 0
	for _, block := range s.settings.Blocks {
		raw, err := readBlock(client, block)
		if err != nil {
			s.logger.Error().Err(err).Str("block", block.ID).Msg("modbus read failed")
			s.closeClient()
			return failures + 1
		}
		for _, signal := range block.Signals {
			value, err := decodeSignal(signal, block.Function, raw)
			if err != nil {
				s.logger.Error().Err(err).Str("block", block.ID).Str("symbol", signal.Symbol).Msg("signal decode failed")
				failures++
				continue
			}
			s.cache.Write(compute.Key(s.deviceID, signal.Symbol), value, opts...)
		}
	}
	s.logger.Trace().Int("blocks", len(s.settings.Blocks)).Int("failures", failures).Msg("poll completed")
	return failures
}

// Close drops the Modbus connection.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeClient()
	return nil
}

func (s *Source) ensureClient() (Client, error) {
	if s.client != nil {
		return s.client, nil
	}
	client, err := s.clientFactory(s.settings.Endpoint)
	if err != nil {
		return nil, err
	}
	s.client = client
	return client, nil
}

func (s *Source) closeClient() {
	if s.client == nil {
		return
	}
	if err := s.client.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("modbus close")
	}
	s.client = nil
}

func readBlock(client Client, block BlockSettings) ([]byte, error) {
	switch block.Function {
	case FunctionCoil:
		return client.ReadCoils(block.Start, block.Length)
	case FunctionDiscrete:
		return client.ReadDiscreteInputs(block.Start, block.Length)
	case FunctionHolding:
		return client.ReadHoldingRegisters(block.Start, block.Length)
	case FunctionInput:
		return client.ReadInputRegisters(block.Start, block.Length)
	default:
		return nil, fmt.Errorf("unsupported function %q", block.Function)
	}
}
