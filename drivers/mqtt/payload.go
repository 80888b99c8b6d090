package mqtt

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/timzifer/shdr_adapter/compute"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var errEmptyPayload = errors.New("mqtt: empty payload")

// DecodePayload parses a JSON message payload.
func DecodePayload(payload []byte) (any, error) {
	if len(payload) == 0 {
		return nil, errEmptyPayload
	}
	var value any
	if err := json.Unmarshal(payload, &value); err != nil {
		return nil, fmt.Errorf("mqtt: decode payload: %w", err)
	}
	return value, nil
}

// lookupTable resolves input parts against one decoded payload.
type lookupTable interface {
	lookup(part string) (any, bool)
}

// newLookupTable prepares payload for the handler's lookup mode.
func newLookupTable(handler HandlerSettings, payload any) (lookupTable, error) {
	root := payload
	if handler.Path != "" {
		var ok bool
		root, ok = compute.WalkPath(payload, handler.Path)
		if !ok {
			return nil, fmt.Errorf("mqtt: path %s not present", handler.Path)
		}
	}
	switch handler.Mode {
	case ModePath:
		return pathTable{root: root}, nil
	default:
		return buildIndexTable(root, handler.IndexField, handler.ValueField)
	}
}

// indexTable addresses the items of an array payload by their index field.
// An index field holding an array uses its first element.
type indexTable struct {
	items      map[string]map[string]any
	valueField string
}

func buildIndexTable(root any, indexField, valueField string) (indexTable, error) {
	list, ok := root.([]any)
	if !ok {
		return indexTable{}, fmt.Errorf("mqtt: index lookup expects an array payload, got %T", root)
	}
	table := indexTable{items: make(map[string]map[string]any, len(list)), valueField: valueField}
	for _, raw := range list {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		index := item[indexField]
		if keys, ok := index.([]any); ok {
			if len(keys) == 0 {
				continue
			}
			index = keys[0]
		}
		name := scalarString(index)
		if name == "" {
			continue
		}
		table.items[name] = item
	}
	return table, nil
}

func (t indexTable) lookup(part string) (any, bool) {
	item, ok := t.items[part]
	if !ok {
		return nil, false
	}
	value, ok := item[t.valueField]
	if !ok || value == nil {
		return nil, false
	}
	return value, true
}

// pathTable resolves parts as dotted paths into an object payload.
type pathTable struct {
	root any
}

func (t pathTable) lookup(part string) (any, bool) {
	value, ok := compute.WalkPath(t.root, part)
	if !ok || value == nil {
		return nil, false
	}
	return value, true
}

func scalarString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

// topicMatches reports whether topic matches filter, honouring the '+' and
// '#' wildcards.
func topicMatches(filter, topic string) bool {
	if filter == topic {
		return true
	}
	fparts := strings.Split(filter, "/")
	tparts := strings.Split(topic, "/")
	for i, f := range fparts {
		if f == "#" {
			return true
		}
		if i >= len(tparts) {
			return false
		}
		if f != "+" && f != tparts[i] {
			return false
		}
	}
	return len(fparts) == len(tparts)
}
