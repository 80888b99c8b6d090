package random

import (
	"fmt"
	"math"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/timzifer/shdr_adapter/config"
)

// Value types a simulated signal can produce.
const (
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBool    = "bool"
	TypeChoice  = "choice"
	TypeString  = "string"
)

const (
	defaultInterval        = time.Second
	defaultMax             = 100.0
	defaultPrecision int32 = 2
	defaultProbability     = 0.5
	defaultStringLength    = 8
	defaultAlphabet        = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Settings is the input.settings block of a random device.
type Settings struct {
	// Source selects the entropy: pseudo (default) or secure.
	Source   string           `yaml:"source,omitempty"`
	Seed     *int64           `yaml:"seed,omitempty"`
	Interval config.Duration  `yaml:"interval,omitempty"`
	Signals  []SignalSettings `yaml:"signals"`
}

// SignalSettings describe one simulated symbol.
type SignalSettings struct {
	Symbol          string   `yaml:"symbol"`
	Type            string   `yaml:"type,omitempty"`
	Min             *float64 `yaml:"min,omitempty"`
	Max             *float64 `yaml:"max,omitempty"`
	Precision       int32    `yaml:"precision,omitempty"`
	TrueProbability *float64 `yaml:"true_probability,omitempty"`
	Values          []string `yaml:"values,omitempty"`
	Length          int      `yaml:"length,omitempty"`
	Alphabet        string   `yaml:"alphabet,omitempty"`
}

// DecodeSettings decodes, defaults and validates the driver settings node.
func DecodeSettings(node yaml.Node) (Settings, error) {
	var settings Settings
	if node.Kind == 0 {
		return settings, fmt.Errorf("random: settings missing")
	}
	if err := node.Decode(&settings); err != nil {
		return settings, fmt.Errorf("random: decode settings: %w", err)
	}
	if settings.Interval.Duration <= 0 {
		settings.Interval.Duration = defaultInterval
	}
	if len(settings.Signals) == 0 {
		return settings, fmt.Errorf("random: at least one signal is required")
	}
	seen := make(map[string]struct{}, len(settings.Signals))
	for i := range settings.Signals {
		signal := &settings.Signals[i]
		if err := signal.normalize(); err != nil {
			return settings, fmt.Errorf("random: signal %q: %w", signal.Symbol, err)
		}
		if _, dup := seen[signal.Symbol]; dup {
			return settings, fmt.Errorf("random: duplicate signal %q", signal.Symbol)
		}
		seen[signal.Symbol] = struct{}{}
	}
	return settings, nil
}

func (s *SignalSettings) normalize() error {
	s.Symbol = strings.TrimSpace(s.Symbol)
	if s.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	s.Type = strings.ToLower(strings.TrimSpace(s.Type))
	if s.Type == "" {
		s.Type = TypeNumber
		if len(s.Values) > 0 {
			s.Type = TypeChoice
		}
	}
	switch s.Type {
	case TypeNumber, TypeInteger:
		if s.Min == nil {
			s.Min = floatPtr(0)
		}
		if s.Max == nil {
			s.Max = floatPtr(defaultMax)
		}
		if math.IsNaN(*s.Min) || math.IsNaN(*s.Max) {
			return fmt.Errorf("min/max must not be NaN")
		}
		if *s.Max < *s.Min {
			return fmt.Errorf("max must be >= min")
		}
		if s.Precision == 0 {
			s.Precision = defaultPrecision
		}
	case TypeBool:
		if s.TrueProbability == nil {
			s.TrueProbability = floatPtr(defaultProbability)
		}
		if *s.TrueProbability < 0 || *s.TrueProbability > 1 {
			return fmt.Errorf("true_probability must be between 0 and 1")
		}
	case TypeChoice:
		if len(s.Values) == 0 {
			return fmt.Errorf("choice requires values")
		}
	case TypeString:
		if s.Length == 0 {
			s.Length = defaultStringLength
		}
		if s.Length < 0 {
			return fmt.Errorf("length must be positive")
		}
		if s.Alphabet == "" {
			s.Alphabet = defaultAlphabet
		}
	default:
		return fmt.Errorf("unsupported type %q", s.Type)
	}
	return nil
}

func floatPtr(v float64) *float64 { return &v }
