package cache

import (
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/shdr_adapter/shdr"
)

type recordingTransport struct {
	lines []string
	calls int
	err   error
}

func (r *recordingTransport) Write(p []byte) (int, error) {
	r.calls++
	if r.err != nil {
		return 0, r.err
	}
	r.lines = append(r.lines, string(p))
	return len(p), nil
}

func availOutput() *Output {
	return &Output{
		DataItem:  shdr.DataItem{Key: "avail", Category: shdr.CategoryEvent},
		DependsOn: []string{"d1"},
		Compute: func(v View) (any, error) {
			value, _ := v.Get("d1")
			if value == 0 {
				return "INACTIVE", nil
			}
			return "ACTIVE", nil
		},
	}
}

func passthrough(key string) ComputeFunc {
	return func(v View) (any, error) {
		value, _ := v.Get(key)
		return value, nil
	}
}

func TestAvailabilityScenario(t *testing.T) {
	c := New()
	out := availOutput()
	require.NoError(t, c.Register(out))

	transport := &recordingTransport{}
	c.Attach([]*Output{out}, transport)
	require.Zero(t, transport.calls)

	c.Write("d1", 1)
	require.Equal(t, []string{"|avail|ACTIVE\n"}, transport.lines)

	c.Write("d1", 1)
	require.Len(t, transport.lines, 1)

	c.Write("d1", 0)
	require.Equal(t, []string{"|avail|ACTIVE\n", "|avail|INACTIVE\n"}, transport.lines)
}

func TestChangeSuppressionAcrossDifferentRawValues(t *testing.T) {
	c := New()
	out := availOutput()
	require.NoError(t, c.Register(out))
	transport := &recordingTransport{}
	c.Attach([]*Output{out}, transport)

	c.Write("d1", 1)
	c.Write("d1", 5)
	c.Write("d1", 9)
	require.Equal(t, []string{"|avail|ACTIVE\n"}, transport.lines)
}

func TestWriteRecomputesOnlyRegisteredOutputs(t *testing.T) {
	c := New()
	calls := map[string]int{}
	counting := func(name, dep string) *Output {
		return &Output{
			DataItem:  shdr.DataItem{Key: name},
			DependsOn: []string{dep},
			Compute: func(v View) (any, error) {
				calls[name]++
				value, _ := v.Get(dep)
				return value, nil
			},
		}
	}
	a := counting("a", "k1")
	b := counting("b", "k1")
	other := counting("other", "k2")
	require.NoError(t, c.Register(a, b, other))

	c.Write("k1", 1)
	require.Equal(t, map[string]int{"a": 1, "b": 1}, calls)
	require.Equal(t, []*Output{a, b}, c.Lookup("k1"))
	require.Empty(t, c.Lookup("unknown"))
}

func TestRecomputeOrderFollowsRegistration(t *testing.T) {
	c := New()
	var order []string
	mk := func(name string) *Output {
		return &Output{
			DataItem:  shdr.DataItem{Key: name},
			DependsOn: []string{"shared"},
			Compute: func(View) (any, error) {
				order = append(order, name)
				return name, nil
			},
		}
	}
	require.NoError(t, c.Register(mk("first"), mk("second"), mk("third")))
	c.Write("shared", true)
	require.Equal(t, []string{"first", "second", "third"}, order)
}

func TestDuplicateRegistrationTriggersTwice(t *testing.T) {
	c := New()
	calls := 0
	out := &Output{
		DataItem:  shdr.DataItem{Key: "x"},
		DependsOn: []string{"k"},
		Compute: func(View) (any, error) {
			calls++
			return calls, nil
		},
	}
	require.NoError(t, c.Register(out, out))
	c.Write("k", 1)
	require.Equal(t, 2, calls)
}

func TestNoDeliveryBeforeAttach(t *testing.T) {
	c := New()
	out := &Output{DataItem: shdr.DataItem{Key: "count"}, DependsOn: []string{"m-count"}, Compute: passthrough("m-count")}
	require.NoError(t, c.Register(out))

	c.Write("m-count", 1)
	c.Write("m-count", 2)
	c.Write("m-count", 3)
	last, ok := c.LastValue(out)
	require.True(t, ok)
	require.Equal(t, 3, last)
	require.False(t, c.Attached(out))

	transport := &recordingTransport{}
	c.Attach([]*Output{out}, transport)
	require.Equal(t, 1, transport.calls)
	require.Equal(t, []string{"|count|3\n"}, transport.lines)
}

func TestAttachReplaySkipsOutputsWithoutValue(t *testing.T) {
	c := New()
	withValue := &Output{DataItem: shdr.DataItem{Key: "a"}, DependsOn: []string{"ka"}, Compute: passthrough("ka")}
	withoutValue := &Output{DataItem: shdr.DataItem{Key: "b"}, DependsOn: []string{"kb"}, Compute: passthrough("kb")}
	require.NoError(t, c.Register(withValue, withoutValue))
	c.Write("ka", "x")

	transport := &recordingTransport{}
	c.Attach([]*Output{withValue, withoutValue}, transport)
	require.Equal(t, []string{"|a|x\n"}, transport.lines)
	require.True(t, c.Attached(withoutValue))
}

func TestDetachKeepsLastValueAndReattachReplays(t *testing.T) {
	c := New()
	out := availOutput()
	require.NoError(t, c.Register(out))
	first := &recordingTransport{}
	c.Attach([]*Output{out}, first)
	c.Write("d1", 1)

	c.Detach([]*Output{out}, first)
	require.False(t, c.Attached(out))
	c.Write("d1", 0)
	require.Len(t, first.lines, 1)

	second := &recordingTransport{}
	c.Attach([]*Output{out}, second)
	require.Equal(t, []string{"|avail|INACTIVE\n"}, second.lines)
}

func TestDetachIgnoresStaleTransport(t *testing.T) {
	c := New()
	out := availOutput()
	require.NoError(t, c.Register(out))
	old := &recordingTransport{}
	current := &recordingTransport{}
	c.Attach([]*Output{out}, old)
	c.Attach([]*Output{out}, current)

	c.Detach([]*Output{out}, old)
	require.True(t, c.Attached(out))

	c.Write("d1", 1)
	require.Empty(t, old.lines)
	require.Equal(t, []string{"|avail|ACTIVE\n"}, current.lines)

	c.Detach([]*Output{out}, nil)
	require.False(t, c.Attached(out))
}

func TestTransportFailureKeepsLastValueAndContinues(t *testing.T) {
	c := New()
	failing := &Output{DataItem: shdr.DataItem{Key: "a"}, DependsOn: []string{"k"}, Compute: passthrough("k")}
	healthy := &Output{DataItem: shdr.DataItem{Key: "b"}, DependsOn: []string{"k"}, Compute: passthrough("k")}
	require.NoError(t, c.Register(failing, healthy))

	broken := &recordingTransport{err: errors.New("broken pipe")}
	ok := &recordingTransport{}
	c.Attach([]*Output{failing}, broken)
	c.Attach([]*Output{healthy}, ok)

	c.Write("k", 7)
	last, has := c.LastValue(failing)
	require.True(t, has)
	require.Equal(t, 7, last)
	require.Equal(t, 1, broken.calls)
	require.Equal(t, []string{"|b|7\n"}, ok.lines)

	c.Write("k", 7)
	require.Equal(t, 1, broken.calls)
}

func TestUnknownCategoryDropsOnlyThatOutput(t *testing.T) {
	c := New()
	bad := &Output{DataItem: shdr.DataItem{Key: "bad", Category: "ASSET"}, DependsOn: []string{"k"}, Compute: passthrough("k")}
	good := &Output{DataItem: shdr.DataItem{Key: "good"}, DependsOn: []string{"k"}, Compute: passthrough("k")}
	require.NoError(t, c.Register(bad, good))
	transport := &recordingTransport{}
	c.Attach([]*Output{bad, good}, transport)

	c.Write("k", "v")
	require.Equal(t, []string{"|good|v\n"}, transport.lines)
}

func TestComputeErrorAndPanicAreContained(t *testing.T) {
	c := New()
	erroring := &Output{
		DataItem:  shdr.DataItem{Key: "err"},
		DependsOn: []string{"k"},
		Compute:   func(View) (any, error) { return nil, errors.New("boom") },
	}
	panicking := &Output{
		DataItem:  shdr.DataItem{Key: "panic"},
		DependsOn: []string{"k"},
		Compute:   func(View) (any, error) { panic("bad expression") },
	}
	good := &Output{DataItem: shdr.DataItem{Key: "good"}, DependsOn: []string{"k"}, Compute: passthrough("k")}
	require.NoError(t, c.Register(erroring, panicking, good))
	transport := &recordingTransport{}
	c.Attach([]*Output{erroring, panicking, good}, transport)

	c.Write("k", 1)
	require.Equal(t, []string{"|good|1\n"}, transport.lines)
	_, ok := c.LastValue(erroring)
	require.False(t, ok)
}

func TestWriteWithTimestampAndEscaping(t *testing.T) {
	c := New()
	out := &Output{DataItem: shdr.DataItem{Key: "program"}, DependsOn: []string{"m-program"}, Compute: passthrough("m-program")}
	require.NoError(t, c.Register(out))
	transport := &recordingTransport{}
	c.Attach([]*Output{out}, transport)

	c.Write("m-program", "O100|rev|2", Timestamp("2024-01-01T00:00:00.000000Z"), Quiet())
	require.Len(t, transport.lines, 1)
	line := strings.TrimSuffix(transport.lines[0], "\n")
	fields := strings.Split(line, "|")
	require.Equal(t, []string{"2024-01-01T00:00:00.000000Z", "program", "O100/rev/2"}, fields)
}

func TestConditionSentinelThroughCache(t *testing.T) {
	c := New()
	out := &Output{
		DataItem:  shdr.DataItem{Key: "power", Category: shdr.CategoryCondition},
		DependsOn: []string{"m-power"},
		Compute:   passthrough("m-power"),
	}
	require.NoError(t, c.Register(out))
	transport := &recordingTransport{}
	c.Attach([]*Output{out}, transport)

	c.Write("m-power", shdr.Unavailable)
	require.Equal(t, []string{"|power|UNAVAILABLE||||UNAVAILABLE\n"}, transport.lines)
}

func TestWriteWithoutOutputsStoresValue(t *testing.T) {
	c := New()
	c.Write("orphan", 42)
	value, ok := c.Get("orphan")
	require.True(t, ok)
	require.Equal(t, 42, value)
	require.True(t, c.Has("orphan"))
	require.False(t, c.HasOutput("orphan"))
	require.False(t, c.Has("missing"))
	require.Equal(t, []string{"orphan"}, c.Keys())
}

func TestStructuredValuesCompareByValue(t *testing.T) {
	c := New()
	out := &Output{DataItem: shdr.DataItem{Key: "cond", Category: shdr.CategoryCondition}, DependsOn: []string{"k"}, Compute: passthrough("k")}
	require.NoError(t, c.Register(out))
	transport := &recordingTransport{}
	c.Attach([]*Output{out}, transport)

	c.Write("k", map[string]any{"level": "FAULT", "message": "jam"})
	c.Write("k", map[string]any{"level": "FAULT", "message": "jam"})
	require.Len(t, transport.lines, 1)
}

func TestEqualValues(t *testing.T) {
	require.True(t, equalValues(nil, nil))
	require.False(t, equalValues(nil, 0))
	require.False(t, equalValues(1, 1.0))
	require.True(t, equalValues("a", "a"))
	require.True(t, equalValues(decimal.RequireFromString("1.50"), decimal.RequireFromString("1.5")))
	require.True(t, equalValues(shdr.Condition{Level: "FAULT"}, shdr.Condition{Level: "FAULT"}))
	require.True(t, equalValues([]int{1, 2}, []int{1, 2}))
}

type taggedValue struct {
	Tag   string
	Value any
}

func TestEqualValuesWithUncomparableInterfaceField(t *testing.T) {
	require.True(t, equalValues(taggedValue{"axes", []any{1, 2}}, taggedValue{"axes", []any{1, 2}}))
	require.False(t, equalValues(taggedValue{"axes", []any{1, 2}}, taggedValue{"axes", []any{1, 3}}))
	require.True(t, equalValues([1]any{map[string]any{"a": 1}}, [1]any{map[string]any{"a": 1}}))
	require.True(t, equalValues(taggedValue{"speed", 5}, taggedValue{"speed", 5}))

	c := New()
	out := &Output{DataItem: shdr.DataItem{Key: "axes"}, DependsOn: []string{"k"}, Compute: func(view View) (any, error) {
		value, _ := view.Get("k")
		return taggedValue{Tag: "axes", Value: value}, nil
	}}
	require.NoError(t, c.Register(out))
	transport := &recordingTransport{}
	c.Attach([]*Output{out}, transport)

	require.NotPanics(t, func() {
		c.Write("k", []any{"X", "Y"})
		c.Write("k", []any{"X", "Y"})
	})
	require.Len(t, transport.lines, 1)
}

func TestRegisterRejectsInvalidOutputs(t *testing.T) {
	c := New()
	require.Error(t, c.Register(&Output{DataItem: shdr.DataItem{Key: "x"}, Compute: passthrough("k")}))
	require.Error(t, c.Register(&Output{DataItem: shdr.DataItem{Key: "x"}, DependsOn: []string{"k"}}))
	require.Error(t, c.Register(&Output{DependsOn: []string{"k"}, Compute: passthrough("k")}))
	require.Error(t, c.Register(nil))
}
