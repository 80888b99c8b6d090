// Package cache implements the reactive value cache: a key/value store, a
// dependency index from keys to the outputs derived from them, and the
// dispatcher that recomputes outputs on every write and forwards changed
// values as SHDR lines to the attached agent transport.
package cache

import (
	"fmt"
	"io"
	"reflect"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/timzifer/shdr_adapter/shdr"
	"github.com/timzifer/shdr_adapter/telemetry"
)

const logValueLength = 60

// Cache owns the value store, the dependency index and the per-output
// dispatch state. Writes, attaches and detaches are serialized by a single
// mutex so recomputation always observes a consistent store.
type Cache struct {
	mu      sync.Mutex
	values  map[string]any
	index   map[string][]*Output
	outputs []*Output

	logger    zerolog.Logger
	collector telemetry.Collector
}

// Option configures a cache during construction.
type Option func(*Cache)

// WithLogger sets the logger used for dispatch diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger.With().Str("component", "cache").Logger()
	}
}

// WithCollector sets the telemetry collector.
func WithCollector(collector telemetry.Collector) Option {
	return func(c *Cache) {
		if collector != nil {
			c.collector = collector
		}
	}
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		values:    make(map[string]any),
		index:     make(map[string][]*Output),
		logger:    zerolog.Nop(),
		collector: telemetry.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Register adds outputs to the dependency index. Every output is appended to
// the entry of each of its dependency keys, so outputs sharing a key are
// recomputed in registration order. Registering an output twice makes it
// trigger twice.
func (c *Cache) Register(outputs ...*Output) error {
	for _, output := range outputs {
		if err := output.validate(); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, output := range outputs {
		for _, key := range output.DependsOn {
			c.index[key] = append(c.index[key], output)
		}
		c.outputs = append(c.outputs, output)
	}
	c.logger.Debug().Int("outputs", len(outputs)).Msg("outputs registered")
	return nil
}

// Lookup returns the outputs depending on key in registration order.
func (c *Cache) Lookup(key string) []*Output {
	c.mu.Lock()
	defer c.mu.Unlock()
	outputs := c.index[key]
	if len(outputs) == 0 {
		return nil
	}
	return append([]*Output(nil), outputs...)
}

// HasOutput reports whether any output depends on key.
func (c *Cache) HasOutput(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index[key]) > 0
}

// Get returns the value stored under key.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.values[key]
	return value, ok
}

// Has reports whether a value was ever written to key.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.values[key]
	return ok
}

// Keys returns all keys written so far in lexical order.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.values))
	for key := range c.values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// LastValue returns the last value computed for output and whether one
// exists yet.
func (c *Cache) LastValue(output *Output) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return output.lastValue, output.emitted
}

// Attached reports whether a transport is currently bound to output.
func (c *Cache) Attached(output *Output) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return output.transport != nil
}

// Write stores value under key and dispatches every output depending on it.
// Failures of individual outputs are logged and never abort the write.
func (c *Cache) Write(key string, value any, opts ...WriteOption) {
	var options writeOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.values[key] = value
	outputs := c.index[key]
	c.collector.IncWrites(len(outputs) > 0)
	if len(outputs) == 0 {
		c.logger.Debug().Str("key", key).Msg("no outputs for key")
		return
	}
	view := storeView{values: c.values}
	for _, output := range outputs {
		c.dispatch(output, view, options)
	}
}

// Attach binds w to outputs and replays the last known value of every output
// that has one, so a freshly connected agent receives the current state.
// Lines are written to w while the cache is locked, so w must not block;
// agent connections queue them for a writer goroutine.
func (c *Cache) Attach(outputs []*Output, w io.Writer) {
	if w == nil {
		c.Detach(outputs, nil)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	replayed := 0
	for _, output := range outputs {
		output.transport = w
		if !output.emitted {
			continue
		}
		if c.deliver(output, output.lastValue, "", false) {
			replayed++
		}
	}
	c.logger.Info().Int("outputs", len(outputs)).Int("replayed", replayed).Msg("transport attached")
}

// Detach unbinds outputs from w. Outputs that were re-attached to another
// transport in the meantime are left alone; a nil w detaches unconditionally.
// Last values are kept for the next attach.
func (c *Cache) Detach(outputs []*Output, w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	detached := 0
	for _, output := range outputs {
		if w != nil && output.transport != w {
			continue
		}
		if output.transport != nil {
			detached++
		}
		output.transport = nil
	}
	c.logger.Info().Int("outputs", detached).Msg("transport detached")
}

func (c *Cache) dispatch(output *Output, view storeView, options writeOptions) {
	value, err := compute(output, view)
	if err != nil {
		c.logger.Error().Err(err).Str("device", output.Device).Str("output", output.Key).Msg("compute output")
		c.collector.IncDropped(output.Device, output.Key, telemetry.ReasonCompute)
		return
	}
	if output.emitted && equalValues(value, output.lastValue) {
		c.collector.IncSuppressed(output.Device, output.Key)
		return
	}
	output.lastValue = value
	output.emitted = true
	if output.transport == nil {
		c.logger.Debug().Str("device", output.Device).Str("output", output.Key).Msg("value changed without transport, kept for attach")
		return
	}
	c.deliver(output, value, options.timestamp, options.quiet)
}

func (c *Cache) deliver(output *Output, value any, timestamp string, quiet bool) bool {
	line, err := shdr.Encode(output.DataItem, value, timestamp)
	if err != nil {
		c.logger.Warn().Err(err).Str("device", output.Device).Str("output", output.Key).Msg("encode output")
		c.collector.IncDropped(output.Device, output.Key, telemetry.ReasonEncode)
		return false
	}
	event := c.logger.Debug()
	if quiet {
		event = c.logger.Trace()
	}
	event.Str("device", output.Device).Str("line", shdr.Truncate(line, logValueLength)).Msg("send")
	if _, err := io.WriteString(output.transport, line+shdr.LineTerminator); err != nil {
		c.logger.Warn().Err(err).Str("device", output.Device).Str("output", output.Key).Msg("transport write failed")
		c.collector.IncDropped(output.Device, output.Key, telemetry.ReasonTransport)
		return false
	}
	c.collector.IncEmitted(output.Device, output.Key)
	return true
}

func compute(output *Output, view View) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compute %s panicked: %v", output.Key, r)
		}
	}()
	return output.Compute(view)
}

// equalValues compares computed values. Decimals compare numerically,
// comparable values with ==, everything else structurally.
func equalValues(a, b any) bool {
	if da, ok := a.(decimal.Decimal); ok {
		db, ok := b.(decimal.Decimal)
		return ok && da.Equal(db)
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if ta.Comparable() {
		if equal, ok := compareComparable(a, b); ok {
			return equal
		}
	}
	return reflect.DeepEqual(a, b)
}

// compareComparable runs a == b. Structs and arrays with interface fields are
// comparable by type but panic when such a field holds a slice or map; ok is
// false then.
func compareComparable(a, b any) (equal, ok bool) {
	defer func() {
		if recover() != nil {
			equal, ok = false, false
		}
	}()
	return a == b, true
}

type storeView struct {
	values map[string]any
}

func (v storeView) Get(key string) (any, bool) {
	value, ok := v.values[key]
	return value, ok
}

func (v storeView) Has(key string) bool {
	_, ok := v.values[key]
	return ok
}
