// Package shdr renders cache values into the pipe-delimited SHDR line protocol
// consumed by MTConnect agents.
package shdr

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Category classifies a data item and selects the field layout of its line.
type Category string

const (
	// CategoryEvent reports discrete state changes.
	CategoryEvent Category = "EVENT"
	// CategorySample reports continuously varying measurements.
	CategorySample Category = "SAMPLE"
	// CategoryCondition reports health state with level and diagnostics.
	CategoryCondition Category = "CONDITION"
)

const (
	// TypeMessage marks EVENT data items carrying an extra native code field.
	TypeMessage = "MESSAGE"
	// Unavailable is the sentinel value reported when no data is known.
	Unavailable = "UNAVAILABLE"

	// LineTerminator ends every line written to an agent.
	LineTerminator = "\n"
	// Ping is sent by agents to check the adapter is alive.
	Ping = "* PING"
	// PongPrefix precedes the heartbeat interval in milliseconds.
	PongPrefix = "* PONG"

	// TimestampLayout is the UTC layout used in the optional timestamp field.
	TimestampLayout = "2006-01-02T15:04:05.000000Z"
)

// ErrUnknownCategory is returned when a data item declares a category the
// encoder cannot render.
var ErrUnknownCategory = errors.New("shdr: unknown category")

// DataItem carries the protocol metadata an output is rendered with.
type DataItem struct {
	Key            string
	Category       Category
	Type           string
	SubType        string
	Representation string
	NativeCode     string
	NativeSeverity string
	Qualifier      string
}

// Condition is the structured value of a CONDITION data item.
type Condition struct {
	Level          string
	NativeCode     string
	NativeSeverity string
	Qualifier      string
	Message        string
}

// Message is a MESSAGE event value with its own native code.
type Message struct {
	NativeCode string
	Text       string
}

// ParseCategory normalises a configured category. The empty string is valid
// and renders like EVENT.
func ParseCategory(raw string) (Category, error) {
	switch cat := Category(strings.ToUpper(strings.TrimSpace(raw))); cat {
	case "", CategoryEvent, CategorySample, CategoryCondition:
		return cat, nil
	default:
		return cat, fmt.Errorf("%w %q", ErrUnknownCategory, raw)
	}
}

var sanitizer = strings.NewReplacer("|", "/", "\r\n", " ", "\r", " ", "\n", " ")

// Sanitize replaces the field separator and line breaks so a value can
// neither split a field nor a line.
func Sanitize(s string) string {
	return sanitizer.Replace(s)
}

// Truncate shortens s to n characters for log output. Multi-byte runes are
// never split.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for idx := range s {
		if count == n {
			return s[:idx] + "..."
		}
		count++
	}
	return s
}
