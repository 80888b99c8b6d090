package mqtt

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/timzifer/shdr_adapter/cache"
	"github.com/timzifer/shdr_adapter/config"
	"github.com/timzifer/shdr_adapter/serviceio"
)

type fakeClient struct {
	mu            sync.Mutex
	subscriptions map[string]MessageHandler
	unsubscribed  []string
	published     []string
	disconnected  bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{subscriptions: make(map[string]MessageHandler)}
}

func (c *fakeClient) Subscribe(topic string, _ byte, handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[topic] = handler
}

func (c *fakeClient) Unsubscribe(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriptions, topic)
	c.unsubscribed = append(c.unsubscribed, topic)
}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, topic+"="+string(payload))
}

func (c *fakeClient) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
}

func (c *fakeClient) deliver(topic, payload string) bool {
	c.mu.Lock()
	var handler MessageHandler
	for filter, h := range c.subscriptions {
		if topicMatches(filter, topic) {
			handler = h
			break
		}
	}
	c.mu.Unlock()
	if handler == nil {
		return false
	}
	handler(topic, []byte(payload))
	return true
}

func (c *fakeClient) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscriptions[topic]
	return ok
}

type recordingCache struct {
	mu     sync.Mutex
	values map[string]any
}

func (r *recordingCache) Write(key string, value any, _ ...cache.WriteOption) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.values == nil {
		r.values = make(map[string]any)
	}
	r.values[key] = value
}

func (r *recordingCache) get(key string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.values[key]
	return v, ok
}

const ccsSettings = `
connection:
  broker: tcp://broker:1883
connect:
  subscribe:
    - topic: l99/${deviceId}/evt/query
  publish:
    - topic: l99/${deviceId}/cmd/query
      message: "{}"
handlers:
  l99/${deviceId}/evt/query:
    unsubscribe:
      - topic: l99/${deviceId}/evt/query
    subscribe:
      - topic: l99/${deviceId}/evt/read
    inputs:
      fault_count: "%M55.2"
      power: "%Q0.0"
  l99/${deviceId}/evt/read:
    inputs:
      fault_count: "%M55.2"
  l99/${deviceId}/evt/status:
    mode: path
    path: status
    inputs:
      state: connection.state
      first_code: codes.0
`

func deviceConfig(t *testing.T, id, settings string) config.DeviceConfig {
	t.Helper()
	var node yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte(settings), &node))
	require.Len(t, node.Content, 1)
	return config.DeviceConfig{
		ID:    id,
		Input: config.InputConfig{Driver: Driver, Settings: *node.Content[0]},
	}
}

func startSource(t *testing.T, settings string) (*Source, *fakeClient, *recordingCache) {
	t.Helper()
	client := newFakeClient()
	factory := NewSourceFactory(WithClientFactory(func(_ ConnectionSettings, _ zerolog.Logger, onConnect func(Client)) (Client, error) {
		onConnect(client)
		return client, nil
	}))
	store := &recordingCache{}
	src, err := factory(deviceConfig(t, "ccs-pa-001", settings), serviceio.SourceDependencies{
		Cache:  store,
		Logger: zerolog.New(io.Discard),
	})
	require.NoError(t, err)
	source := src.(*Source)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- source.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("source did not stop")
		}
	})
	require.Eventually(t, func() bool {
		return client.subscribed("l99/ccs-pa-001/evt/query")
	}, 2*time.Second, 10*time.Millisecond)
	return source, client, store
}

func TestSourceConnectSubscribesAndPublishes(t *testing.T) {
	source, client, _ := startSource(t, ccsSettings)

	client.mu.Lock()
	require.Equal(t, []string{"l99/ccs-pa-001/cmd/query={}"}, client.published)
	client.mu.Unlock()

	require.Equal(t, []string{
		"ccs-pa-001-fault_count",
		"ccs-pa-001-first_code",
		"ccs-pa-001-power",
		"ccs-pa-001-state",
	}, source.Keys())
	require.Equal(t, "ccs-pa-001", source.ID())
}

func TestSourceIndexHandler(t *testing.T) {
	_, client, store := startSource(t, ccsSettings)

	payload := `[
		{"keys": ["%M55.2"], "default": 3},
		{"keys": ["%Q0.0"], "default": true},
		{"keys": ["%I9.9"], "default": 1}
	]`
	require.True(t, client.deliver("l99/ccs-pa-001/evt/query", payload))

	value, ok := store.get("ccs-pa-001-fault_count")
	require.True(t, ok)
	require.Equal(t, float64(3), value)
	value, ok = store.get("ccs-pa-001-power")
	require.True(t, ok)
	require.Equal(t, true, value)

	require.False(t, client.subscribed("l99/ccs-pa-001/evt/query"))
	require.True(t, client.subscribed("l99/ccs-pa-001/evt/read"))

	require.True(t, client.deliver("l99/ccs-pa-001/evt/read", `[{"keys": ["%M55.2"], "default": 0}]`))
	value, _ = store.get("ccs-pa-001-fault_count")
	require.Equal(t, float64(0), value)
}

func TestSourceSkipsMissingParts(t *testing.T) {
	_, client, store := startSource(t, ccsSettings)

	require.True(t, client.deliver("l99/ccs-pa-001/evt/query", `[{"keys": ["%M55.2"]}]`))
	_, ok := store.get("ccs-pa-001-fault_count")
	require.False(t, ok)
}

func TestSourcePathHandler(t *testing.T) {
	source, _, store := startSource(t, ccsSettings)

	source.handleMessage(newFakeClient(), "l99/ccs-pa-001/evt/status",
		[]byte(`{"status": {"connection": {"state": "online"}, "codes": ["E1", "E2"]}}`))

	value, ok := store.get("ccs-pa-001-state")
	require.True(t, ok)
	require.Equal(t, "online", value)
	value, ok = store.get("ccs-pa-001-first_code")
	require.True(t, ok)
	require.Equal(t, "E1", value)
}

func TestSourceIgnoresInvalidPayloadAndUnknownTopics(t *testing.T) {
	source, client, store := startSource(t, ccsSettings)

	require.True(t, client.deliver("l99/ccs-pa-001/evt/query", `not json`))
	source.handleMessage(client, "l99/other/evt/query", []byte(`[]`))
	store.mu.Lock()
	require.Empty(t, store.values)
	store.mu.Unlock()
}

func TestSourceRetriesConnect(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	client := newFakeClient()
	factory := NewSourceFactory(WithClientFactory(func(_ ConnectionSettings, _ zerolog.Logger, onConnect func(Client)) (Client, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return nil, errors.New("refused")
		}
		onConnect(client)
		return client, nil
	}))
	src, err := factory(deviceConfig(t, "m1", ccsSettings+"retry_interval: 10ms\n"), serviceio.SourceDependencies{
		Cache:  &recordingCache{},
		Logger: zerolog.New(io.Discard),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()
	require.Eventually(t, func() bool { return client.subscribed("l99/m1/evt/query") }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	client.mu.Lock()
	require.True(t, client.disconnected)
	client.mu.Unlock()
}

func TestDecodeSettingsRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing broker": "handlers: {}\n",
		"bad mode": `connection: {broker: tcp://b:1883}
handlers:
  a/b:
    mode: regex
    inputs: {x: y}
`,
		"empty part": `connection: {broker: tcp://b:1883}
handlers:
  a/b:
    inputs: {x: ""}
`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			device := deviceConfig(t, "m1", doc)
			_, err := DecodeSettings(device.Input.Settings)
			require.Error(t, err)
		})
	}
	_, err := DecodeSettings(yaml.Node{})
	require.Error(t, err)
}

func TestDecodeSettingsDefaults(t *testing.T) {
	device := deviceConfig(t, "m1", ccsSettings)
	settings, err := DecodeSettings(device.Input.Settings)
	require.NoError(t, err)
	handler := settings.Handlers["l99/${deviceId}/evt/read"]
	require.Equal(t, ModeIndex, handler.Mode)
	require.Equal(t, "keys", handler.IndexField)
	require.Equal(t, "default", handler.ValueField)
	require.Equal(t, defaultRetryInterval, settings.retryInterval())
}

func TestTopicMatches(t *testing.T) {
	require.True(t, topicMatches("a/b/c", "a/b/c"))
	require.True(t, topicMatches("a/+/c", "a/x/c"))
	require.True(t, topicMatches("a/#", "a/x/y"))
	require.False(t, topicMatches("a/+", "a/x/y"))
	require.False(t, topicMatches("a/b/c", "a/b"))
}
