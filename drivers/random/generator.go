package random

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	mathrand "math/rand"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// entropy abstracts the random number generator used by the driver.
type entropy interface {
	Float64() (float64, error)
	Int63() (int64, error)
}

// pseudoEntropy wraps math/rand; a fixed seed makes runs reproducible.
type pseudoEntropy struct {
	rng *mathrand.Rand
}

func newPseudoEntropy(seed *int64) *pseudoEntropy {
	s := time.Now().UnixNano()
	if seed != nil {
		s = *seed
	}
	return &pseudoEntropy{rng: mathrand.New(mathrand.NewSource(s))}
}

func (p *pseudoEntropy) Float64() (float64, error) { return p.rng.Float64(), nil }
func (p *pseudoEntropy) Int63() (int64, error)     { return p.rng.Int63(), nil }

// secureEntropy reads crypto/rand.
type secureEntropy struct{}

func (secureEntropy) Float64() (float64, error) {
	v, err := secureEntropy{}.Int63()
	if err != nil {
		return 0, err
	}
	return float64(v) / float64(math.MaxInt64), nil
}

func (secureEntropy) Int63() (int64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("secure entropy: %w", err)
	}
	return int64(binary.BigEndian.Uint64(buf[:]) & math.MaxInt64), nil
}

func newEntropy(kind string, seed *int64) (entropy, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "pseudo", "math":
		return newPseudoEntropy(seed), nil
	case "secure", "crypto":
		return secureEntropy{}, nil
	default:
		return nil, fmt.Errorf("unknown random source %q", kind)
	}
}

// generate draws the next value of signal.
func generate(src entropy, signal SignalSettings) (any, error) {
	switch signal.Type {
	case TypeNumber:
		sample, err := src.Float64()
		if err != nil {
			return nil, err
		}
		value := decimal.NewFromFloat(*signal.Min + (*signal.Max-*signal.Min)*sample)
		return value.Round(signal.Precision), nil
	case TypeInteger:
		return intInRange(src, int64(*signal.Min), int64(*signal.Max))
	case TypeBool:
		sample, err := src.Float64()
		if err != nil {
			return nil, err
		}
		return sample < *signal.TrueProbability, nil
	case TypeChoice:
		idx, err := intInRange(src, 0, int64(len(signal.Values)-1))
		if err != nil {
			return nil, err
		}
		return signal.Values[idx], nil
	case TypeString:
		alphabet := []rune(signal.Alphabet)
		var b strings.Builder
		for i := 0; i < signal.Length; i++ {
			idx, err := intInRange(src, 0, int64(len(alphabet)-1))
			if err != nil {
				return nil, err
			}
			b.WriteRune(alphabet[idx])
		}
		return b.String(), nil
	default:
		return nil, fmt.Errorf("unsupported value type %q", signal.Type)
	}
}

// intInRange draws uniformly from [min, max] by rejection sampling.
func intInRange(src entropy, min, max int64) (int64, error) {
	if min == max {
		return min, nil
	}
	if max < min {
		return 0, fmt.Errorf("invalid integer range [%d, %d]", min, max)
	}
	span := max - min + 1
	if span <= 0 {
		return 0, fmt.Errorf("integer range overflow for [%d, %d]", min, max)
	}
	limit := (math.MaxInt64 / span) * span
	for {
		value, err := src.Int63()
		if err != nil {
			return 0, err
		}
		if value < limit {
			return min + value%span, nil
		}
	}
}
