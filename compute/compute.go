// Package compute turns output declarations into cache outputs. Each output
// derives its value through one of a closed set of rules compiled when the
// configuration is loaded.
package compute

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/timzifer/shdr_adapter/cache"
	"github.com/timzifer/shdr_adapter/config"
	"github.com/timzifer/shdr_adapter/shdr"
)

// Key composes the cache key a device symbol is stored under.
func Key(deviceID, symbol string) string {
	return deviceID + "-" + symbol
}

// Build compiles cfg into an output ready for registration.
func Build(deviceID string, cfg config.OutputConfig) (*cache.Output, error) {
	category, err := shdr.ParseCategory(cfg.Category)
	if err != nil {
		return nil, fmt.Errorf("output %s: %w", cfg.Key, err)
	}
	output := &cache.Output{
		DataItem: shdr.DataItem{
			Key:            strings.TrimSpace(cfg.Key),
			Category:       category,
			Type:           strings.TrimSpace(cfg.Type),
			SubType:        strings.TrimSpace(cfg.SubType),
			Representation: strings.TrimSpace(cfg.Representation),
			NativeCode:     cfg.NativeCode,
			NativeSeverity: cfg.NativeSeverity,
			Qualifier:      cfg.Qualifier,
		},
		Device: deviceID,
	}
	deps := newDependencies(deviceID, cfg.DependsOn)

	switch kind := cfg.ComputeKind(); kind {
	case config.ComputePassthrough:
		output.Compute = passthrough(deps.first())
	case config.ComputeLookup:
		output.Compute = lookup(deps.first(), cfg.Compute.Path)
	case config.ComputeMap:
		output.Compute = mapping(deps.first(), cfg.Compute.Values, cfg.Compute.Default)
	case config.ComputeExpression:
		program, err := compileExpression(deviceID, cfg.Compute.Expression)
		if err != nil {
			return nil, fmt.Errorf("output %s: expression: %w", cfg.Key, err)
		}
		deps.add(program.keys...)
		output.Compute = program.eval
	case config.ComputeCondition:
		level, err := compileExpression(deviceID, cfg.Compute.Level)
		if err != nil {
			return nil, fmt.Errorf("output %s: level: %w", cfg.Key, err)
		}
		deps.add(level.keys...)
		var message *expression
		if strings.TrimSpace(cfg.Compute.Message) != "" {
			message, err = compileExpression(deviceID, cfg.Compute.Message)
			if err != nil {
				return nil, fmt.Errorf("output %s: message: %w", cfg.Key, err)
			}
			deps.add(message.keys...)
		}
		output.Compute = condition(level, message)
	default:
		return nil, fmt.Errorf("output %s: unknown compute kind %q", cfg.Key, kind)
	}

	if len(deps.keys) == 0 {
		return nil, fmt.Errorf("output %s: no dependencies declared or referenced", cfg.Key)
	}
	output.DependsOn = deps.keys
	return output, nil
}

type dependencies struct {
	keys []string
	seen map[string]struct{}
}

func newDependencies(deviceID string, symbols []string) *dependencies {
	d := &dependencies{seen: make(map[string]struct{}, len(symbols))}
	for _, symbol := range symbols {
		symbol = strings.TrimSpace(symbol)
		if symbol == "" {
			continue
		}
		d.add(Key(deviceID, symbol))
	}
	return d
}

func (d *dependencies) add(keys ...string) {
	for _, key := range keys {
		if _, ok := d.seen[key]; ok {
			continue
		}
		d.seen[key] = struct{}{}
		d.keys = append(d.keys, key)
	}
}

func (d *dependencies) first() string {
	if len(d.keys) == 0 {
		return ""
	}
	return d.keys[0]
}

func passthrough(key string) cache.ComputeFunc {
	return func(view cache.View) (any, error) {
		value, _ := view.Get(key)
		return value, nil
	}
}

func lookup(key, path string) cache.ComputeFunc {
	path = strings.TrimSpace(path)
	return func(view cache.View) (any, error) {
		value, ok := view.Get(key)
		if !ok {
			return nil, nil
		}
		found, _ := WalkPath(value, path)
		return found, nil
	}
}

// WalkPath resolves a dotted path inside a decoded structured value. Map
// segments are keys, slice segments are indexes; empty segments are skipped.
// The boolean is false when a segment is missing.
func WalkPath(value any, path string) (any, bool) {
	current := value
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}
		var ok bool
		switch node := current.(type) {
		case map[string]any:
			current, ok = node[part]
		case map[any]any:
			current, ok = node[part]
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current, ok = node[idx], true
		}
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func mapping(key string, values map[string]interface{}, fallback interface{}) cache.ComputeFunc {
	table := make(map[string]interface{}, len(values))
	for raw, mapped := range values {
		table[strings.TrimSpace(raw)] = mapped
	}
	return func(view cache.View) (any, error) {
		value, _ := view.Get(key)
		if mapped, ok := table[shdr.FormatValue(value)]; ok {
			return mapped, nil
		}
		if fallback != nil {
			return fallback, nil
		}
		return value, nil
	}
}

func condition(level, message *expression) cache.ComputeFunc {
	return func(view cache.View) (any, error) {
		rawLevel, err := level.eval(view)
		if err != nil {
			return nil, err
		}
		lvl := strings.TrimSpace(shdr.FormatValue(rawLevel))
		if lvl == "" || strings.EqualFold(lvl, shdr.Unavailable) {
			return shdr.Unavailable, nil
		}
		cond := shdr.Condition{Level: strings.ToUpper(lvl)}
		if message != nil {
			text, err := message.eval(view)
			if err != nil {
				return nil, err
			}
			cond.Message = shdr.FormatValue(text)
		}
		return cond, nil
	}
}
