package modbus

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// decodeSignal extracts the signal value from the raw block payload.
func decodeSignal(signal SignalSettings, function string, raw []byte) (any, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("no data returned")
	}
	switch signal.Type {
	case TypeBool:
		return boolValue(signal, function, raw)
	case TypeInteger:
		word, err := readWord(signal, raw)
		if err != nil {
			return nil, err
		}
		if signal.Signed {
			return int64(int16(word)), nil
		}
		return int64(word), nil
	case TypeNumber:
		word, err := readWord(signal, raw)
		if err != nil {
			return nil, err
		}
		base := decimal.NewFromInt(int64(word))
		if signal.Signed {
			base = decimal.NewFromInt(int64(int16(word)))
		}
		return base.Mul(signal.scale()), nil
	default:
		return nil, fmt.Errorf("unsupported value type %q", signal.Type)
	}
}

func boolValue(signal SignalSettings, function string, raw []byte) (bool, error) {
	switch function {
	case FunctionCoil, FunctionDiscrete:
		bitIndex := int(signal.Offset)
		byteIndex := bitIndex / 8
		if byteIndex >= len(raw) {
			return false, fmt.Errorf("offset %d out of range", signal.Offset)
		}
		return (raw[byteIndex]>>uint(bitIndex%8))&0x01 == 1, nil
	default:
		word, err := readWord(signal, raw)
		if err != nil {
			return false, err
		}
		if signal.Bit != nil {
			return word&(uint16(1)<<*signal.Bit) != 0, nil
		}
		return word != 0, nil
	}
}

func readWord(signal SignalSettings, raw []byte) (uint16, error) {
	offset := int(signal.Offset) * 2
	if offset+1 >= len(raw) {
		return 0, fmt.Errorf("offset %d out of range", signal.Offset)
	}
	switch strings.ToLower(signal.Endianness) {
	case "little", "little_endian":
		return binary.LittleEndian.Uint16(raw[offset:]), nil
	default:
		return binary.BigEndian.Uint16(raw[offset:]), nil
	}
}
