package service

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/timzifer/shdr_adapter/compute"
	"github.com/timzifer/shdr_adapter/config"
	"github.com/timzifer/shdr_adapter/serviceio"
)

const fakeDriver = "fake"

type fakeSource struct {
	id     string
	cache  serviceio.CacheWriter
	keys   []string
	writes map[string]any
	runErr error
	closed int
}

func (f *fakeSource) ID() string     { return f.id }
func (f *fakeSource) Keys() []string { return f.keys }

func (f *fakeSource) Run(ctx context.Context) error {
	for key, value := range f.writes {
		f.cache.Write(compute.Key(f.id, key), value)
	}
	if f.runErr != nil {
		return f.runErr
	}
	<-ctx.Done()
	return nil
}

func (f *fakeSource) Close() error {
	f.closed++
	return nil
}

func fakeFactory(sources map[string]*fakeSource) serviceio.SourceFactory {
	return func(device config.DeviceConfig, deps serviceio.SourceDependencies) (serviceio.Source, error) {
		src, ok := sources[device.ID]
		if !ok {
			return nil, errors.New("unexpected device")
		}
		src.id = device.ID
		src.cache = deps.Cache
		return src, nil
	}
}

func testConfig() *config.Config {
	port := 0
	return &config.Config{
		Agent: config.AgentConfig{Host: "127.0.0.1", Port: &port},
		Devices: []config.DeviceConfig{
			{
				ID:    "m1",
				Input: config.InputConfig{Driver: fakeDriver},
				Outputs: []config.OutputConfig{
					{
						Key:       "avail",
						Category:  "EVENT",
						DependsOn: []string{"availability"},
						Compute: config.ComputeConfig{
							Kind:    config.ComputeMap,
							Values:  map[string]interface{}{"0": "UNAVAILABLE"},
							Default: "AVAILABLE",
						},
					},
					{
						Key:       "exec",
						Category:  "EVENT",
						DependsOn: []string{"execution"},
					},
				},
			},
			{
				ID:      "off",
				Disable: true,
				Input:   config.InputConfig{Driver: "unknown"},
			},
		},
	}
}

func TestServiceStreamsSourceValuesToAgent(t *testing.T) {
	src := &fakeSource{keys: []string{"m1-availability", "m1-execution"}, writes: map[string]any{"availability": 1}}
	svc, err := New(testConfig(), zerolog.New(io.Discard), WithSourceFactory(fakeDriver, fakeFactory(map[string]*fakeSource{"m1": src})))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	require.Equal(t, []string{"m1"}, svc.Devices())
	require.Empty(t, svc.MissingDataItems())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	addr := svc.ListenAddresses()["m1"]
	require.NotEmpty(t, addr)
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "|avail|AVAILABLE", strings.TrimSuffix(line, "\n"))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop")
	}
	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())
	require.Equal(t, 1, src.closed)
}

func TestServiceReportsMissingDataItems(t *testing.T) {
	src := &fakeSource{keys: []string{"m1-availability"}}
	err := Validate(testConfig(), zerolog.New(io.Discard), WithSourceFactory(fakeDriver, fakeFactory(map[string]*fakeSource{"m1": src})))
	require.NoError(t, err)
	require.Equal(t, 1, src.closed)

	svc, err := build(testConfig(), zerolog.New(io.Discard), applyOptions(newFactoryRegistry(), []Option{
		WithSourceFactory(fakeDriver, fakeFactory(map[string]*fakeSource{"m1": src})),
	}))
	require.NoError(t, err)
	require.Equal(t, []MissingDataItem{{Device: "m1", Output: "exec", Key: "m1-execution"}}, svc.MissingDataItems())
	require.Empty(t, svc.ListenAddresses())
}

func TestServiceRejectsUnknownDriver(t *testing.T) {
	cfg := testConfig()
	cfg.Devices[0].Input.Driver = "serial"
	_, err := New(cfg, zerolog.Nop())
	require.Error(t, err)
	require.Contains(t, err.Error(), `no source factory registered for driver "serial"`)
}

func TestServiceRejectsBrokenOutput(t *testing.T) {
	cfg := testConfig()
	cfg.Devices[0].Outputs[0].Compute = config.ComputeConfig{Kind: config.ComputeExpression, Expression: "<availability> +"}
	err := Validate(cfg, zerolog.Nop(), WithSourceFactory(fakeDriver, fakeFactory(map[string]*fakeSource{"m1": {}})))
	require.Error(t, err)
	require.Contains(t, err.Error(), "device m1")
}

func TestServiceRunReturnsSourceFailure(t *testing.T) {
	src := &fakeSource{runErr: errors.New("broker gone")}
	svc, err := New(testConfig(), zerolog.Nop(), WithSourceFactory(fakeDriver, fakeFactory(map[string]*fakeSource{"m1": src})))
	require.NoError(t, err)
	defer svc.Close()

	err = svc.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "source m1: broker gone")
}

func TestWithSourceFactoryNilRemovesDriver(t *testing.T) {
	reg := applyOptions(newFactoryRegistry(), []Option{WithSourceFactory("mqtt-json", nil)})
	_, ok := reg.sources["mqtt-json"]
	require.False(t, ok)
	_, ok = reg.sources["modbus"]
	require.True(t, ok)
}

func TestAnalyzeListsOutputsAndErrors(t *testing.T) {
	cfg := testConfig()
	cfg.Devices = append(cfg.Devices, config.DeviceConfig{
		ID:    "m2",
		Input: config.InputConfig{Driver: "serial"},
	})
	src := &fakeSource{keys: []string{"m1-availability"}}
	reports, err := Analyze(cfg, WithSourceFactory(fakeDriver, fakeFactory(map[string]*fakeSource{"m1": src})))
	require.NoError(t, err)
	require.Len(t, reports, 2)

	m1 := reports[0]
	require.Equal(t, "m1", m1.ID)
	require.Equal(t, "127.0.0.1:0", m1.Listen)
	require.Empty(t, m1.Errors)
	require.Equal(t, []OutputReport{
		{Key: "avail", Category: "EVENT", Kind: config.ComputeMap, DependsOn: []string{"m1-availability"}},
		{Key: "exec", Category: "EVENT", Kind: config.ComputePassthrough, DependsOn: []string{"m1-execution"}, Missing: []string{"m1-execution"}},
	}, m1.Outputs)

	require.Equal(t, "m2", reports[1].ID)
	require.Len(t, reports[1].Errors, 1)
}

func TestServiceRunsSimulatedDevice(t *testing.T) {
	var settings yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte("interval: 20ms\nsignals:\n  - {symbol: state, values: [ACTIVE]}\n"), &settings))
	port := 0
	cfg := &config.Config{
		Agent: config.AgentConfig{Host: "127.0.0.1", Port: &port},
		Devices: []config.DeviceConfig{{
			ID:    "sim",
			Input: config.InputConfig{Driver: "random", Settings: *settings.Content[0]},
			Outputs: []config.OutputConfig{
				{Key: "exec", Category: "EVENT", DependsOn: []string{"state"}},
			},
		}},
	}
	svc, err := New(cfg, zerolog.New(io.Discard))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	require.Empty(t, svc.MissingDataItems())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = svc.Run(ctx) }()

	conn, err := net.DialTimeout("tcp", svc.ListenAddresses()["sim"], time.Second)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "|exec|ACTIVE", strings.TrimSuffix(line, "\n"))
}
