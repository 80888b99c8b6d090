package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/shdr_adapter/cache"
	"github.com/timzifer/shdr_adapter/config"
	"github.com/timzifer/shdr_adapter/shdr"
	"github.com/timzifer/shdr_adapter/telemetry"
)

type connCollector struct {
	telemetry.Collector
	mu    sync.Mutex
	count map[string]int
}

func newConnCollector() *connCollector {
	return &connCollector{Collector: telemetry.Noop(), count: make(map[string]int)}
}

func (c *connCollector) SetAgentConnections(device string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count[device] = n
}

func (c *connCollector) connections(device string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count[device]
}

func loopbackConfig() config.AgentConfig {
	port := 0
	return config.AgentConfig{
		Host:         "127.0.0.1",
		Port:         &port,
		Heartbeat:    config.Duration{Duration: 5 * time.Second},
		WriteTimeout: config.Duration{Duration: time.Second},
	}
}

func availOutput() *cache.Output {
	return &cache.Output{
		DataItem:  shdr.DataItem{Key: "avail", Category: shdr.CategoryEvent},
		Device:    "m1",
		DependsOn: []string{"m1-availability"},
		Compute: func(v cache.View) (any, error) {
			value, _ := v.Get("m1-availability")
			if value == 0 {
				return "UNAVAILABLE", nil
			}
			return "AVAILABLE", nil
		},
	}
}

func startServer(t *testing.T, c *cache.Cache, outputs []*cache.Output, collector telemetry.Collector) *Server {
	t.Helper()
	return runServer(t, New("m1", loopbackConfig(), c, outputs, WithCollector(collector)))
}

func runServer(t *testing.T, server *Server) *Server {
	t.Helper()
	require.NoError(t, server.Start())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("server did not stop")
		}
	})
	return server
}

func dial(t *testing.T, server *Server) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", server.Addr().String(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn, bufio.NewReader(conn)
}

func readLine(t *testing.T, conn net.Conn, reader *bufio.Reader) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimSuffix(line, "\n")
}

func TestServerReplaysAndStreams(t *testing.T) {
	c := cache.New()
	out := availOutput()
	require.NoError(t, c.Register(out))
	collector := newConnCollector()
	server := startServer(t, c, []*cache.Output{out}, collector)

	c.Write("m1-availability", 1)

	conn, reader := dial(t, server)
	require.Equal(t, "|avail|AVAILABLE", readLine(t, conn, reader))
	require.Eventually(t, func() bool { return collector.connections("m1") == 1 }, time.Second, 10*time.Millisecond)

	c.Write("m1-availability", 0)
	require.Equal(t, "|avail|UNAVAILABLE", readLine(t, conn, reader))
}

func TestServerAnswersPing(t *testing.T) {
	c := cache.New()
	server := startServer(t, c, nil, telemetry.Noop())

	conn, reader := dial(t, server)
	_, err := conn.Write([]byte("* PING\n"))
	require.NoError(t, err)
	require.Equal(t, "* PONG 5000", readLine(t, conn, reader))
}

func TestServerDetachesOnDisconnect(t *testing.T) {
	c := cache.New()
	out := availOutput()
	require.NoError(t, c.Register(out))
	collector := newConnCollector()
	server := startServer(t, c, []*cache.Output{out}, collector)

	conn, _ := dial(t, server)
	require.Eventually(t, func() bool { return collector.connections("m1") == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return collector.connections("m1") == 0 }, 2*time.Second, 10*time.Millisecond)

	c.Write("m1-availability", 1)
	last, ok := c.LastValue(out)
	require.True(t, ok)
	require.Equal(t, "AVAILABLE", last)
	require.False(t, c.Attached(out))

	conn2, reader2 := dial(t, server)
	require.Equal(t, "|avail|AVAILABLE", readLine(t, conn2, reader2))
}

func TestServerLatestConnectionWins(t *testing.T) {
	c := cache.New()
	out := availOutput()
	require.NoError(t, c.Register(out))
	collector := newConnCollector()
	server := startServer(t, c, []*cache.Output{out}, collector)
	c.Write("m1-availability", 0)

	first, firstReader := dial(t, server)
	require.Equal(t, "|avail|UNAVAILABLE", readLine(t, first, firstReader))
	second, reader := dial(t, server)
	require.Equal(t, "|avail|UNAVAILABLE", readLine(t, second, reader))

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return collector.connections("m1") == 1 }, 2*time.Second, 10*time.Millisecond)

	c.Write("m1-availability", 1)
	require.Equal(t, "|avail|AVAILABLE", readLine(t, second, reader))
}

func TestServerCloseIsIdempotent(t *testing.T) {
	server := New("m1", loopbackConfig(), cache.New(), nil)
	require.Nil(t, server.Addr())
	require.NoError(t, server.Start())
	require.NotNil(t, server.Addr())
	require.NoError(t, server.Close())
	require.NoError(t, server.Close())
	require.Error(t, server.Start())
}

func TestServerDefaults(t *testing.T) {
	server := New("m1", config.AgentConfig{}, cache.New(), nil)
	require.Equal(t, ":7878", server.address)
	require.Equal(t, config.DefaultHeartbeat, server.heartbeat)
	require.Equal(t, config.DefaultWriteTimeout, server.writeTimeout)
}

func TestStalledAgentDoesNotBlockIngestion(t *testing.T) {
	c := cache.New()
	blob := &cache.Output{
		DataItem:  shdr.DataItem{Key: "blob"},
		Device:    "m1",
		DependsOn: []string{"m1-blob"},
		Compute: func(v cache.View) (any, error) {
			value, _ := v.Get("m1-blob")
			return value, nil
		},
	}
	other := &cache.Output{
		DataItem:  shdr.DataItem{Key: "x"},
		Device:    "m2",
		DependsOn: []string{"m2-x"},
		Compute: func(v cache.View) (any, error) {
			value, _ := v.Get("m2-x")
			return value, nil
		},
	}
	require.NoError(t, c.Register(blob, other))

	cfg := loopbackConfig()
	cfg.WriteTimeout = config.Duration{Duration: 100 * time.Millisecond}
	collector := newConnCollector()
	server := runServer(t, New("m1", cfg, c, []*cache.Output{blob}, WithCollector(collector)))

	// The client never reads, so the socket buffers fill up.
	dial(t, server)
	require.Eventually(t, func() bool { return c.Attached(blob) }, time.Second, 10*time.Millisecond)

	payload := strings.Repeat("x", 1<<20)
	for i := 0; i < 16; i++ {
		start := time.Now()
		c.Write("m1-blob", fmt.Sprintf("%d%s", i, payload))
		require.Less(t, time.Since(start), 500*time.Millisecond, "write %d", i)
	}

	start := time.Now()
	c.Write("m2-x", 1)
	require.Less(t, time.Since(start), 250*time.Millisecond)

	require.Eventually(t, func() bool { return !c.Attached(blob) }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return collector.connections("m1") == 0 }, 3*time.Second, 10*time.Millisecond)
	last, ok := c.LastValue(blob)
	require.True(t, ok)
	require.True(t, strings.HasPrefix(last.(string), "15"))
}

func TestTransportQueueOverflowClosesConnection(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	tr := newTransport(local, time.Second, 1, zerolog.Nop())

	n, err := tr.Write([]byte("|a|1\n"))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	_, err = tr.Write([]byte("|a|2\n"))
	require.ErrorIs(t, err, errQueueFull)
	select {
	case <-tr.done:
	default:
		t.Fatal("transport not closed after overflow")
	}

	_, err = tr.Write([]byte("|a|3\n"))
	require.ErrorIs(t, err, errTransportClosed)
	_, err = local.Write([]byte("x"))
	require.Error(t, err)
}

func TestTransportWritesQueuedLinesInOrder(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	tr := newTransport(local, time.Second, 4, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		defer close(done)
		tr.writeLoop()
	}()

	for _, line := range []string{"|a|1\n", "|a|2\n", "|a|3\n"} {
		_, err := io.WriteString(tr, line)
		require.NoError(t, err)
	}
	reader := bufio.NewReader(remote)
	for _, want := range []string{"|a|1\n", "|a|2\n", "|a|3\n"} {
		require.NoError(t, remote.SetReadDeadline(time.Now().Add(time.Second)))
		got, err := reader.ReadString('\n')
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	tr.close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("write loop did not stop")
	}
}
