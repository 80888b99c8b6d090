package config

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/timzifer/shdr_adapter/shdr"
)

// Compute kinds accepted in output declarations.
const (
	ComputePassthrough = "passthrough"
	ComputeLookup      = "lookup"
	ComputeMap         = "map"
	ComputeExpression  = "expression"
	ComputeCondition   = "condition"
)

// Validate performs the semantic checks the schema cannot express.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config must not be nil")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("unsupported logging format %q", c.Logging.Format)
	}

	devices := make(map[string]struct{}, len(c.Devices))
	listeners := make(map[string]string, len(c.Devices))
	for _, device := range c.Devices {
		if err := ensureIdentifier(device.ID, "device"); err != nil {
			return err
		}
		if _, ok := devices[device.ID]; ok {
			return fmt.Errorf("duplicate device id %q", device.ID)
		}
		devices[device.ID] = struct{}{}
		if device.Disable {
			continue
		}
		if err := validateDevice(device); err != nil {
			return fmt.Errorf("device %s: %w", device.ID, err)
		}
		agent := c.DeviceAgent(device)
		if agent.Port != nil && *agent.Port == 0 {
			continue
		}
		addr := agent.Address()
		if other, ok := listeners[addr]; ok {
			return fmt.Errorf("device %s: agent address %s already used by device %s", device.ID, addr, other)
		}
		listeners[addr] = device.ID
	}
	return nil
}

func validateDevice(device DeviceConfig) error {
	if strings.TrimSpace(device.Input.Driver) == "" {
		return fmt.Errorf("input driver must not be empty")
	}
	keys := make(map[string]struct{}, len(device.Outputs))
	for _, output := range device.Outputs {
		if err := validateOutput(output); err != nil {
			return fmt.Errorf("output %q: %w", output.Key, err)
		}
		if _, ok := keys[output.Key]; ok {
			return fmt.Errorf("duplicate output key %q", output.Key)
		}
		keys[output.Key] = struct{}{}
	}
	return nil
}

func validateOutput(output OutputConfig) error {
	key := strings.TrimSpace(output.Key)
	if key == "" {
		return fmt.Errorf("key must not be empty")
	}
	if strings.ContainsAny(key, "|\r\n") {
		return fmt.Errorf("key must not contain separators or line breaks")
	}
	if _, err := shdr.ParseCategory(output.Category); err != nil {
		return err
	}
	for _, dep := range output.DependsOn {
		if strings.TrimSpace(dep) == "" {
			return fmt.Errorf("depends_on entries must not be empty")
		}
	}

	compute := output.Compute
	switch kind := output.ComputeKind(); kind {
	case ComputePassthrough:
		if len(output.DependsOn) == 0 {
			return fmt.Errorf("%s compute requires depends_on", kind)
		}
	case ComputeLookup:
		if len(output.DependsOn) == 0 {
			return fmt.Errorf("%s compute requires depends_on", kind)
		}
		if strings.TrimSpace(compute.Path) == "" {
			return fmt.Errorf("lookup compute requires path")
		}
	case ComputeMap:
		if len(output.DependsOn) == 0 {
			return fmt.Errorf("%s compute requires depends_on", kind)
		}
		if len(compute.Values) == 0 {
			return fmt.Errorf("map compute requires values")
		}
	case ComputeExpression:
		if strings.TrimSpace(compute.Expression) == "" {
			return fmt.Errorf("expression compute requires expression")
		}
	case ComputeCondition:
		if strings.TrimSpace(compute.Level) == "" {
			return fmt.Errorf("condition compute requires level")
		}
	default:
		return fmt.Errorf("unknown compute kind %q", compute.Kind)
	}
	return nil
}

// ComputeKind returns the normalised compute kind, defaulting to passthrough.
func (o OutputConfig) ComputeKind() string {
	kind := strings.ToLower(strings.TrimSpace(o.Compute.Kind))
	if kind == "" {
		return ComputePassthrough
	}
	return kind
}

func ensureIdentifier(value, kind string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("%s identifier must not be empty", kind)
	}
	for _, r := range trimmed {
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-') {
			return fmt.Errorf("%s %q contains invalid character %q", kind, trimmed, r)
		}
	}
	return nil
}
