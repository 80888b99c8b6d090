package shdr

import (
	"fmt"
	"strings"
)

// Encode renders value as a single SHDR line for item. The line carries no
// terminator. timestamp may be empty; the field is then left blank.
func Encode(item DataItem, value any, timestamp string) (string, error) {
	switch item.Category {
	case "", CategoryEvent, CategorySample:
		if item.Type == TypeMessage {
			return encodeMessage(item, value, timestamp), nil
		}
		return join(timestamp, item.Key, FormatValue(value)), nil
	case CategoryCondition:
		return encodeCondition(item, value, timestamp), nil
	default:
		return "", fmt.Errorf("%w %q for %s", ErrUnknownCategory, string(item.Category), item.Key)
	}
}

func encodeMessage(item DataItem, value any, timestamp string) string {
	code := item.NativeCode
	switch msg := value.(type) {
	case Message:
		if msg.NativeCode != "" {
			code = msg.NativeCode
		}
		value = msg.Text
	case *Message:
		if msg != nil {
			if msg.NativeCode != "" {
				code = msg.NativeCode
			}
			value = msg.Text
		}
	}
	return join(timestamp, item.Key, Sanitize(code), FormatValue(value))
}

func encodeCondition(item DataItem, value any, timestamp string) string {
	cond, ok := asCondition(value)
	if !ok {
		if isFalsy(value) || isUnavailable(value) {
			v := FormatValue(value)
			return join(timestamp, item.Key, v, "", "", "", v)
		}
		text := FormatValue(value)
		cond = Condition{Level: text, Message: text}
	}
	if cond.Level == "" || strings.EqualFold(cond.Level, Unavailable) {
		return join(timestamp, item.Key, Unavailable, "", "", "", Unavailable)
	}
	if cond.NativeCode == "" {
		cond.NativeCode = item.NativeCode
	}
	if cond.NativeSeverity == "" {
		cond.NativeSeverity = item.NativeSeverity
	}
	if cond.Qualifier == "" {
		cond.Qualifier = item.Qualifier
	}
	return join(timestamp, item.Key,
		Sanitize(cond.Level),
		Sanitize(cond.NativeCode),
		Sanitize(cond.NativeSeverity),
		Sanitize(cond.Qualifier),
		Sanitize(cond.Message),
	)
}

func asCondition(value any) (Condition, bool) {
	switch v := value.(type) {
	case Condition:
		return v, true
	case *Condition:
		if v == nil {
			return Condition{}, false
		}
		return *v, true
	case map[string]any:
		cond := Condition{
			Level:          field(v, "level"),
			NativeCode:     field(v, "native_code", "nativeCode"),
			NativeSeverity: field(v, "native_severity", "nativeSeverity"),
			Qualifier:      field(v, "qualifier"),
			Message:        field(v, "message"),
		}
		return cond, true
	default:
		return Condition{}, false
	}
}

func field(m map[string]any, names ...string) string {
	for _, name := range names {
		if raw, ok := m[name]; ok && raw != nil {
			return FormatValue(raw)
		}
	}
	return ""
}

func isUnavailable(value any) bool {
	s, ok := value.(string)
	return ok && s == Unavailable
}

func join(fields ...string) string {
	return strings.Join(fields, "|")
}
