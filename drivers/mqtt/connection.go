package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	connectTimeout    = 30 * time.Second
	disconnectQuiesce = 250
)

// MessageHandler receives the payload of a message on topic.
type MessageHandler func(topic string, payload []byte)

// Client is the subset of broker operations the source needs. Operations are
// asynchronous; failures are logged by the implementation.
type Client interface {
	Subscribe(topic string, qos byte, handler MessageHandler)
	Unsubscribe(topic string)
	Publish(topic string, qos byte, retain bool, payload []byte)
	Disconnect()
}

// ClientFactory connects to the broker. onConnect runs after every successful
// (re-)connect.
type ClientFactory func(settings ConnectionSettings, logger zerolog.Logger, onConnect func(Client)) (Client, error)

// DialPaho is the default ClientFactory backed by eclipse/paho.
func DialPaho(settings ConnectionSettings, logger zerolog.Logger, onConnect func(Client)) (Client, error) {
	var handler mqtt.OnConnectHandler
	if onConnect != nil {
		handler = func(c mqtt.Client) {
			onConnect(&pahoClient{client: c, logger: logger})
		}
	}
	client, err := buildClient(settings, logger, handler)
	if err != nil {
		return nil, err
	}
	return &pahoClient{client: client, logger: logger}, nil
}

type pahoClient struct {
	client mqtt.Client
	logger zerolog.Logger
}

func (c *pahoClient) Subscribe(topic string, qos byte, handler MessageHandler) {
	token := c.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	c.await(token, "subscribe", topic)
}

func (c *pahoClient) Unsubscribe(topic string) {
	c.await(c.client.Unsubscribe(topic), "unsubscribe", topic)
}

func (c *pahoClient) Publish(topic string, qos byte, retain bool, payload []byte) {
	c.await(c.client.Publish(topic, qos, retain, payload), "publish", topic)
}

func (c *pahoClient) Disconnect() {
	if c.client.IsConnected() {
		c.client.Disconnect(disconnectQuiesce)
	}
}

// await waits for token completion off the calling goroutine. Message
// handlers run on the paho router, which must not block on tokens.
func (c *pahoClient) await(token mqtt.Token, op, topic string) {
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			c.logger.Error().Err(err).Str("topic", topic).Msgf("mqtt: %s failed", op)
			return
		}
		c.logger.Debug().Str("topic", topic).Msgf("mqtt: %s done", op)
	}()
}

// buildClient constructs a configured MQTT client and establishes the initial connection.
func buildClient(settings ConnectionSettings, logger zerolog.Logger, onConnect mqtt.OnConnectHandler) (mqtt.Client, error) {
	if settings.Broker == "" {
		return nil, fmt.Errorf("mqtt: broker address is required")
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(settings.Broker)
	clientID := settings.ClientID
	if clientID == "" {
		clientID = "shdr-adapter-" + uuid.NewString()
	}
	opts.SetClientID(clientID)
	if settings.CleanSession != nil {
		opts.SetCleanSession(*settings.CleanSession)
	}
	if settings.Auth != nil {
		opts.SetUsername(settings.Auth.Username)
		opts.SetPassword(settings.Auth.Password)
	}
	if settings.KeepAlive != nil {
		opts.SetKeepAlive(settings.KeepAlive.Duration)
	}
	if settings.ConnectTimeout != nil {
		opts.SetConnectTimeout(settings.ConnectTimeout.Duration)
	}
	if settings.AutoReconnect != nil {
		opts.SetAutoReconnect(*settings.AutoReconnect)
	}
	if settings.MaxReconnect != nil {
		opts.SetMaxReconnectInterval(settings.MaxReconnect.Duration)
	}

	if settings.TLS != nil && settings.TLS.Enabled {
		tlsConfig, err := buildTLSConfig(*settings.TLS)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	if onConnect != nil {
		opts.SetOnConnectHandler(onConnect)
	}

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn().Err(err).Msg("mqtt: connection lost")
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		logger.Info().Msg("mqtt: reconnecting")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt: connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect failed: %w", err)
	}
	logger.Info().Str("broker", settings.Broker).Str("client_id", clientID).Msg("mqtt: connected")

	return client, nil
}

func buildTLSConfig(settings TLSSettings) (*tls.Config, error) {
	cfg := &tls.Config{InsecureSkipVerify: settings.InsecureSkipVerify}
	if settings.ServerName != "" {
		cfg.ServerName = settings.ServerName
	}
	if len(settings.ALPN) > 0 {
		cfg.NextProtos = append([]string(nil), settings.ALPN...)
	}

	if settings.CAFile != "" {
		ca, err := os.ReadFile(settings.CAFile)
		if err != nil {
			return nil, fmt.Errorf("mqtt: read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(ca); !ok {
			return nil, fmt.Errorf("mqtt: parse ca file %s", settings.CAFile)
		}
		cfg.RootCAs = pool
	}

	if settings.CertFile != "" && settings.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(settings.CertFile, settings.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("mqtt: load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}
