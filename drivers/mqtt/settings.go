package mqtt

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/timzifer/shdr_adapter/config"
)

// Lookup modes of a topic handler.
const (
	ModeIndex = "index"
	ModePath  = "path"
)

const (
	defaultIndexField    = "keys"
	defaultValueField    = "default"
	defaultRetryInterval = 5 * time.Second
	deviceIDPlaceholder  = "${deviceId}"
)

// Settings is the input.settings block of an mqtt-json device.
type Settings struct {
	Connection ConnectionSettings         `yaml:"connection"`
	Connect    ConnectSettings            `yaml:"connect"`
	Handlers   map[string]HandlerSettings `yaml:"handlers"`
	// RetryInterval delays reconnect attempts after a failed connect.
	RetryInterval *config.Duration `yaml:"retry_interval,omitempty"`
}

// ConnectionSettings describe how to reach the MQTT broker.
type ConnectionSettings struct {
	Broker         string           `yaml:"broker"`
	ClientID       string           `yaml:"client_id,omitempty"`
	CleanSession   *bool            `yaml:"clean_session,omitempty"`
	KeepAlive      *config.Duration `yaml:"keep_alive,omitempty"`
	ConnectTimeout *config.Duration `yaml:"connect_timeout,omitempty"`
	AutoReconnect  *bool            `yaml:"auto_reconnect,omitempty"`
	MaxReconnect   *config.Duration `yaml:"max_reconnect_interval,omitempty"`
	Auth           *AuthSettings    `yaml:"auth,omitempty"`
	TLS            *TLSSettings     `yaml:"tls,omitempty"`
}

// AuthSettings capture username/password authentication for MQTT.
type AuthSettings struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// TLSSettings allow TLS connections to be configured.
type TLSSettings struct {
	Enabled            bool     `yaml:"enabled"`
	InsecureSkipVerify bool     `yaml:"insecure_skip_verify"`
	CAFile             string   `yaml:"ca_file,omitempty"`
	CertFile           string   `yaml:"cert_file,omitempty"`
	KeyFile            string   `yaml:"key_file,omitempty"`
	ServerName         string   `yaml:"server_name,omitempty"`
	ALPN               []string `yaml:"alpn,omitempty"`
}

// ConnectSettings lists the topics subscribed and the messages published
// every time the connection is (re-)established.
type ConnectSettings struct {
	Subscribe []TopicSettings   `yaml:"subscribe,omitempty"`
	Publish   []PublishSettings `yaml:"publish,omitempty"`
}

// TopicSettings references a topic filter.
type TopicSettings struct {
	Topic string `yaml:"topic"`
	QoS   *byte  `yaml:"qos,omitempty"`
}

// PublishSettings describe a message sent on connect.
type PublishSettings struct {
	Topic   string `yaml:"topic"`
	Message string `yaml:"message"`
	QoS     *byte  `yaml:"qos,omitempty"`
	Retain  bool   `yaml:"retain,omitempty"`
}

// HandlerSettings describe how messages on one topic are turned into cache
// writes.
type HandlerSettings struct {
	// Mode selects the lookup: index (array of items addressed by their
	// index field) or path (dotted path into an object).
	Mode       string `yaml:"mode,omitempty"`
	IndexField string `yaml:"index_field,omitempty"`
	ValueField string `yaml:"value_field,omitempty"`
	// Path optionally selects the payload root the input parts are
	// resolved against.
	Path string `yaml:"path,omitempty"`
	// Inputs maps device symbols to payload parts.
	Inputs      map[string]string `yaml:"inputs"`
	Unsubscribe []TopicSettings   `yaml:"unsubscribe,omitempty"`
	Subscribe   []TopicSettings   `yaml:"subscribe,omitempty"`
}

// DecodeSettings decodes and validates the driver settings node.
func DecodeSettings(node yaml.Node) (Settings, error) {
	var settings Settings
	if node.Kind == 0 {
		return settings, fmt.Errorf("mqtt: settings missing")
	}
	if err := node.Decode(&settings); err != nil {
		return settings, fmt.Errorf("mqtt: decode settings: %w", err)
	}
	settings.applyDefaults()
	if err := settings.Validate(); err != nil {
		return settings, err
	}
	return settings, nil
}

func (s *Settings) applyDefaults() {
	for topic, handler := range s.Handlers {
		handler.Mode = strings.ToLower(strings.TrimSpace(handler.Mode))
		if handler.Mode == "" {
			handler.Mode = ModeIndex
		}
		if handler.IndexField == "" {
			handler.IndexField = defaultIndexField
		}
		if handler.ValueField == "" {
			handler.ValueField = defaultValueField
		}
		s.Handlers[topic] = handler
	}
}

// Validate performs lightweight validation of the settings.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.Connection.Broker) == "" {
		return fmt.Errorf("mqtt: connection.broker is required")
	}
	for i, sub := range s.Connect.Subscribe {
		if sub.Topic == "" {
			return fmt.Errorf("mqtt: connect.subscribe %d missing topic", i)
		}
	}
	for i, pub := range s.Connect.Publish {
		if pub.Topic == "" {
			return fmt.Errorf("mqtt: connect.publish %d missing topic", i)
		}
	}
	for topic, handler := range s.Handlers {
		if strings.TrimSpace(topic) == "" {
			return fmt.Errorf("mqtt: handler topic must not be empty")
		}
		switch handler.Mode {
		case ModeIndex, ModePath:
		default:
			return fmt.Errorf("mqtt: handler %s: unsupported mode %q", topic, handler.Mode)
		}
		for symbol, part := range handler.Inputs {
			if strings.TrimSpace(symbol) == "" || strings.TrimSpace(part) == "" {
				return fmt.Errorf("mqtt: handler %s: inputs must map non-empty symbols to non-empty parts", topic)
			}
		}
	}
	return nil
}

// Topics returns the handler topics in lexical order.
func (s Settings) Topics() []string {
	topics := make([]string, 0, len(s.Handlers))
	for topic := range s.Handlers {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

func (s Settings) retryInterval() time.Duration {
	if s.RetryInterval == nil || s.RetryInterval.Duration <= 0 {
		return defaultRetryInterval
	}
	return s.RetryInterval.Duration
}

func qosOf(qos *byte) byte {
	if qos == nil {
		return 0
	}
	return *qos
}

func substituteDeviceID(topic, deviceID string) string {
	return strings.ReplaceAll(topic, deviceIDPlaceholder, deviceID)
}
