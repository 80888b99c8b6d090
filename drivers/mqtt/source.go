// Package mqtt implements the mqtt-json ingestion source. It subscribes to
// broker topics, decodes JSON payloads and writes the configured inputs to
// the cache under "<deviceId>-<symbol>".
package mqtt

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
const Driver = "mqtt-json"

// Option customises the source factory.
type Option func(*factoryOptions)

type factoryOptions struct {
	clientFactory ClientFactory
}

// WithClientFactory replaces the paho client, mainly for tests.
func WithClientFactory(factory ClientFactory) Option {
	return func(o *factoryOptions) {
		if factory != nil {
			o.clientFactory = factory
		}
	}
}

// NewSourceFactory returns a serviceio.SourceFactory for mqtt-json devices.
func NewSourceFactory(opts ...Option) serviceio.SourceFactory {
	options := factoryOptions{clientFactory: DialPaho}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return func(device config.DeviceConfig, deps serviceio.SourceDependencies) (serviceio.Source, error) {
		if deps.Cache == nil {
			return nil, fmt.Errorf("device %s: missing cache dependency", device.ID)
		}
		settings, err := DecodeSettings(device.Input.Settings)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", device.ID, err)
		}
		source := &Source{
			deviceID: device.ID,
			settings: settings,
			cache:    deps.Cache,
			factory:  options.clientFactory,
			logger:   deps.Logger.With().Str("component", "mqtt").Str("device", device.ID).Logger(),
		}
		source.handlers = source.buildHandlers()
		return source, nil
	}
}

type topicHandler struct {
	filter   string
	settings HandlerSettings
	symbols  []string
}

// Source is a running mqtt-json ingestion for one device.
type Source struct {
	deviceID string
	settings Settings
	cache    serviceio.CacheWriter
	factory  ClientFactory
	logger   zerolog.Logger
	handlers []topicHandler

	mu     sync.Mutex
	client Client
	closed bool
}

// ID returns the device the source feeds.
func (s *Source) ID() string { return s.deviceID }

// Keys returns every cache key the handlers may write.
func (s *Source) Keys() []string {
	seen := make(map[string]struct{})
	var keys []string
	for _, handler := range s.handlers {
		for _, symbol := range handler.symbols {
			key := compute.Key(s.deviceID, symbol)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Run connects to the broker and blocks until ctx is cancelled. Failed
// connects are retried at the configured interval.
func (s *Source) Run(ctx context.Context) error {
	retry := s.settings.retryInterval()
	for {
		client, err := s.factory(s.settings.Connection, s.logger, s.onConnect)
		if err == nil {
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				client.Disconnect()
				return nil
			}
			s.client = client
			s.mu.Unlock()
			break
		}
		s.logger.Error().Err(err).Dur("retry", retry).Msg("mqtt: connect failed")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retry):
		}
	}
	<-ctx.Done()
	return s.Close()
}

// Close disconnects from the broker.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.client != nil {
		s.client.Disconnect()
		s.client = nil
	}
	return nil
}

func (s *Source) buildHandlers() []topicHandler {
	topics := s.settings.Topics()
	handlers := make([]topicHandler, 0, len(topics))
	for _, topic := range topics {
		settings := s.settings.Handlers[topic]
		symbols := make([]string, 0, len(settings.Inputs))
		for symbol := range settings.Inputs {
			symbols = append(symbols, symbol)
		}
		sort.Strings(symbols)
		handlers = append(handlers, topicHandler{
			filter:   substituteDeviceID(topic, s.deviceID),
			settings: settings,
			symbols:  symbols,
		})
	}
	return handlers
}

func (s *Source) onConnect(client Client) {
	for _, sub := range s.settings.Connect.Subscribe {
		topic := substituteDeviceID(sub.Topic, s.deviceID)
		s.logger.Info().Str("topic", topic).Msg("mqtt: subscribing")
		client.Subscribe(topic, qosOf(sub.QoS), s.messageHandler(client))
	}
	for _, pub := range s.settings.Connect.Publish {
		topic := substituteDeviceID(pub.Topic, s.deviceID)
		s.logger.Info().Str("topic", topic).Msg("mqtt: publishing")
		client.Publish(topic, qosOf(pub.QoS), pub.Retain, []byte(pub.Message))
	}
}

func (s *Source) messageHandler(client Client) MessageHandler {
	return func(topic string, payload []byte) {
		s.handleMessage(client, topic, payload)
	}
}

func (s *Source) handleMessage(client Client, topic string, payload []byte) {
	handled := false
	var decoded any
	var decodeErr error
	decodedOnce := false
	for _, handler := range s.handlers {
		if !topicMatches(handler.filter, topic) {
			continue
		}
		handled = true
		for _, unsub := range handler.settings.Unsubscribe {
			target := substituteDeviceID(unsub.Topic, s.deviceID)
			s.logger.Info().Str("topic", target).Msg("mqtt: unsubscribing")
			client.Unsubscribe(target)
		}
		if !decodedOnce {
			decoded, decodeErr = DecodePayload(payload)
			decodedOnce = true
		}
		if decodeErr != nil {
			s.logger.Error().Err(decodeErr).Str("topic", topic).Msg("mqtt: decode failed")
		} else if err := s.apply(handler, decoded); err != nil {
			s.logger.Error().Err(err).Str("topic", topic).Msg("mqtt: handler failed")
		}
		for _, sub := range handler.settings.Subscribe {
			target := substituteDeviceID(sub.Topic, s.deviceID)
			s.logger.Info().Str("topic", target).Msg("mqtt: subscribing")
			client.Subscribe(target, qosOf(sub.QoS), s.messageHandler(client))
		}
	}
	if !handled {
		s.logger.Warn().Str("topic", topic).Msg("mqtt: no handler for topic")
	}
}

func (s *Source) apply(handler topicHandler, payload any) error {
	table, err := newLookupTable(handler.settings, payload)
	if err != nil {
		return err
	}
	written := 0
	for _, symbol := range handler.symbols {
		value, ok := table.lookup(handler.settings.Inputs[symbol])
		if !ok {
			continue
		}
		s.cache.Write(compute.Key(s.deviceID, symbol), value)
		written++
	}
	s.logger.Debug().Int("written", written).Msg("mqtt: inputs written")
	return nil
}
