// Package random implements a simulated ingestion source that writes random
// values for configured symbols at a fixed interval. It lets an agent be
// exercised without a machine attached.
package random

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/shdr_adapter/compute"
	"github.com/timzifer/shdr_adapter/config"
	"github.com/timzifer/shdr_adapter/serviceio"
)

// Driver is the input driver name the source registers under.
const Driver = "random"

// NewSourceFactory returns a serviceio.SourceFactory producing simulated sources.
func NewSourceFactory() serviceio.SourceFactory {
	return func(device config.DeviceConfig, deps serviceio.SourceDependencies) (serviceio.Source, error) {
		if deps.Cache == nil {
			return nil, fmt.Errorf("device %s: missing cache dependency", device.ID)
		}
		settings, err := DecodeSettings(device.Input.Settings)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", device.ID, err)
		}
		src, err := newEntropy(settings.Source, settings.Seed)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", device.ID, err)
		}
		return &Source{
			deviceID: device.ID,
			settings: settings,
			cache:    deps.Cache,
			entropy:  src,
			logger:   deps.Logger.With().Str("component", "random").Str("device", device.ID).Logger(),
		}, nil
	}
}

// Source generates values for one simulated device.
type Source struct {
	deviceID string
	settings Settings
	cache    serviceio.CacheWriter
	logger   zerolog.Logger

	mu      sync.Mutex
	entropy entropy
}

// ID returns the device the source feeds.
func (s *Source) ID() string { return s.deviceID }

// Keys returns the cache keys of all simulated symbols.
func (s *Source) Keys() []string {
	keys := make([]string, 0, len(s.settings.Signals))
	for _, signal := range s.settings.Signals {
		keys = append(keys, compute.Key(s.deviceID, signal.Symbol))
	}
	sort.Strings(keys)
	return keys
}

// Run generates a round of values at every interval until ctx is cancelled.
func (s *Source) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.settings.Interval.Duration)
	defer ticker.Stop()
	for {
		s.Generate()
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Generate writes one value per signal and returns the number of failures.
func (s *Source) Generate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	failures := 0
	for _, signal := range s.settings.Signals {
		value, err := generate(s.entropy, signal)
		if err != nil {
			failures++
			s.logger.Error().Err(err).Str("symbol", signal.Symbol).Msg("random value generation failed")
			continue
		}
		s.cache.Write(compute.Key(s.deviceID, signal.Symbol), value)
	}
	return failures
}

// Close is a no-op; the source holds no connections.
func (s *Source) Close() error { return nil }
