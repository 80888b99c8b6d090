package modbus

import (
	"fmt"
	"time"

	"github.com/goburrow/modbus"
)

const defaultTimeout = 5 * time.Second

// Client defines the subset of Modbus operations the source needs.
type Client interface {
	ReadCoils(address, quantity uint16) ([]byte, error)
	ReadDiscreteInputs(address, quantity uint16) ([]byte, error)
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
	Close() error
}

// ClientFactory creates Modbus clients for an endpoint.
type ClientFactory func(endpoint EndpointSettings) (Client, error)

type tcpClient struct {
	handler *modbus.TCPClientHandler
	client  modbus.Client
}

// NewTCPClientFactory returns a factory that creates TCP Modbus clients.
func NewTCPClientFactory() ClientFactory {
	return func(endpoint EndpointSettings) (Client, error) {
		if endpoint.Address == "" {
			return nil, fmt.Errorf("modbus address is required")
		}
		handler := modbus.NewTCPClientHandler(endpoint.Address)
		handler.SlaveId = endpoint.UnitID
		timeout := endpoint.Timeout.Duration
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		handler.Timeout = timeout
		if err := handler.Connect(); err != nil {
			return nil, fmt.Errorf("connect modbus %s: %w", endpoint.Address, err)
		}
		return &tcpClient{handler: handler, client: modbus.NewClient(handler)}, nil
	}
}

func (c *tcpClient) ReadCoils(address, quantity uint16) ([]byte, error) {
	return c.client.ReadCoils(address, quantity)
}

func (c *tcpClient) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) {
	return c.client.ReadDiscreteInputs(address, quantity)
}

func (c *tcpClient) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	return c.client.ReadHoldingRegisters(address, quantity)
}

func (c *tcpClient) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	return c.client.ReadInputRegisters(address, quantity)
}

func (c *tcpClient) Close() error {
	if c.handler != nil {
		return c.handler.Close()
	}
	return nil
}
