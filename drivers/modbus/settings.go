package modbus

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/timzifer/shdr_adapter/config"
)

// Register functions accepted by a block.
const (
	FunctionCoil     = "coil"
	FunctionDiscrete = "discrete"
	FunctionHolding  = "holding"
	FunctionInput    = "input"
)

// Signal value types.
const (
	TypeBool    = "bool"
	TypeInteger = "integer"
	TypeNumber  = "number"
)

const defaultInterval = time.Second

// Settings is the input.settings block of a modbus device.
type Settings struct {
	Endpoint EndpointSettings `yaml:"endpoint"`
	Interval config.Duration  `yaml:"interval,omitempty"`
	// Timestamps stamps emitted lines with the poll time instead of
	// leaving the timestamp to the agent.
	Timestamps bool            `yaml:"timestamps,omitempty"`
	Blocks     []BlockSettings `yaml:"blocks"`
}

// EndpointSettings describe the Modbus TCP server.
type EndpointSettings struct {
	Address string          `yaml:"address"`
	UnitID  byte            `yaml:"unit_id,omitempty"`
	Timeout config.Duration `yaml:"timeout,omitempty"`
}

// BlockSettings describe one contiguous read.
type BlockSettings struct {
	ID       string           `yaml:"id,omitempty"`
	Function string           `yaml:"function"`
	Start    uint16           `yaml:"start"`
	Length   uint16           `yaml:"length"`
	Signals  []SignalSettings `yaml:"signals"`
}

// SignalSettings decode one value out of a block. Offsets are relative to
// the block start and count bits for coils and discrete inputs, registers
// otherwise.
type SignalSettings struct {
	Symbol     string   `yaml:"symbol"`
	Offset     uint16   `yaml:"offset"`
	Type       string   `yaml:"type,omitempty"`
	Bit        *uint8   `yaml:"bit,omitempty"`
	Signed     bool     `yaml:"signed,omitempty"`
	Scale      *float64 `yaml:"scale,omitempty"`
	Endianness string   `yaml:"endianness,omitempty"`
}

// DecodeSettings decodes and validates the driver settings node.
func DecodeSettings(node yaml.Node) (Settings, error) {
	var settings Settings
	if node.Kind == 0 {
		return settings, fmt.Errorf("modbus: settings missing")
	}
	if err := node.Decode(&settings); err != nil {
		return settings, fmt.Errorf("modbus: decode settings: %w", err)
	}
	settings.applyDefaults()
	if err := settings.Validate(); err != nil {
		return settings, err
	}
	return settings, nil
}

func (s *Settings) applyDefaults() {
	if s.Interval.Duration <= 0 {
		s.Interval.Duration = defaultInterval
	}
	for i := range s.Blocks {
		block := &s.Blocks[i]
		block.Function = normalizeFunction(block.Function)
		if block.ID == "" {
			block.ID = fmt.Sprintf("%s@%d", block.Function, block.Start)
		}
		for j := range block.Signals {
			signal := &block.Signals[j]
			signal.Type = strings.ToLower(strings.TrimSpace(signal.Type))
			if signal.Type == "" {
				if block.isBitFunction() {
					signal.Type = TypeBool
				} else {
					signal.Type = TypeInteger
				}
			}
		}
	}
}

// Validate checks addresses, functions and signal layouts.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.Endpoint.Address) == "" {
		return fmt.Errorf("modbus: endpoint.address is required")
	}
	if len(s.Blocks) == 0 {
		return fmt.Errorf("modbus: at least one block must be configured")
	}
	for _, block := range s.Blocks {
		switch block.Function {
		case FunctionCoil, FunctionDiscrete, FunctionHolding, FunctionInput:
		default:
			return fmt.Errorf("modbus: block %s: unsupported function %q", block.ID, block.Function)
		}
		if block.Length == 0 {
			return fmt.Errorf("modbus: block %s: length must be >0", block.ID)
		}
		if int(block.Start)+int(block.Length) > 0x10000 {
			return fmt.Errorf("modbus: block %s exceeds the address space", block.ID)
		}
		for _, signal := range block.Signals {
			if strings.TrimSpace(signal.Symbol) == "" {
				return fmt.Errorf("modbus: block %s: signal symbol must not be empty", block.ID)
			}
			if signal.Offset >= block.Length {
				return fmt.Errorf("modbus: block %s signal %s: offset %d exceeds length %d", block.ID, signal.Symbol, signal.Offset, block.Length)
			}
			switch signal.Type {
			case TypeBool:
			case TypeInteger, TypeNumber:
				if block.isBitFunction() {
					return fmt.Errorf("modbus: block %s signal %s: %s requires a register function", block.ID, signal.Symbol, signal.Type)
				}
			default:
				return fmt.Errorf("modbus: block %s signal %s: unsupported type %q", block.ID, signal.Symbol, signal.Type)
			}
			if signal.Bit != nil && *signal.Bit >= 16 {
				return fmt.Errorf("modbus: block %s signal %s: bit %d out of range", block.ID, signal.Symbol, *signal.Bit)
			}
		}
	}
	return nil
}

func (b BlockSettings) isBitFunction() bool {
	return b.Function == FunctionCoil || b.Function == FunctionDiscrete
}

func (s SignalSettings) scale() decimal.Decimal {
	if s.Scale == nil || *s.Scale == 0 {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromFloat(*s.Scale)
}

func normalizeFunction(function string) string {
	switch strings.ToLower(strings.TrimSpace(function)) {
	case "coil", "coils":
		return FunctionCoil
	case "discrete", "discrete_input", "discrete_inputs":
		return FunctionDiscrete
	case "holding", "holding_register", "holding_registers":
		return FunctionHolding
	case "input", "input_register", "input_registers":
		return FunctionInput
	default:
		return strings.ToLower(strings.TrimSpace(function))
	}
}
