// Package agent serves the TCP endpoint a downstream MTConnect agent connects
// to. Each device gets its own listener; an accepted connection becomes the
// transport of the device outputs until it closes.
package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/shdr_adapter/cache"
	"github.com/timzifer/shdr_adapter/config"
	"github.com/timzifer/shdr_adapter/shdr"
	"github.com/timzifer/shdr_adapter/telemetry"
)

// defaultQueueLength bounds the lines buffered per connection on top of one
// replay of every output.
const defaultQueueLength = 1024

var (
	errTransportClosed = errors.New("agent connection closed")
	errQueueFull       = errors.New("agent send queue full")
)

// Binder binds and unbinds a transport to outputs. *cache.Cache implements it.
type Binder interface {
	Attach(outputs []*cache.Output, w io.Writer)
	Detach(outputs []*cache.Output, w io.Writer)
}

// Option configures a server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithCollector sets the telemetry collector.
func WithCollector(collector telemetry.Collector) Option {
	return func(s *Server) {
		if collector != nil {
			s.collector = collector
		}
	}
}

// Server accepts agent connections for one device.
type Server struct {
	device       string
	address      string
	heartbeat    time.Duration
	writeTimeout time.Duration
	binder       Binder
	outputs      []*cache.Output

	logger    zerolog.Logger
	collector telemetry.Collector

	mu       sync.Mutex
	listener net.Listener
	conns    map[*transport]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// New creates a server for device. cfg is expected to carry defaults already,
// see config.Config.DeviceAgent.
func New(device string, cfg config.AgentConfig, binder Binder, outputs []*cache.Output, opts ...Option) *Server {
	s := &Server{
		device:       device,
		address:      cfg.Address(),
		heartbeat:    cfg.Heartbeat.Duration,
		writeTimeout: cfg.WriteTimeout.Duration,
		binder:       binder,
		outputs:      outputs,
		logger:       zerolog.Nop(),
		collector:    telemetry.Noop(),
		conns:        make(map[*transport]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.heartbeat <= 0 {
		s.heartbeat = config.DefaultHeartbeat
	}
	if s.writeTimeout <= 0 {
		s.writeTimeout = config.DefaultWriteTimeout
	}
	s.logger = s.logger.With().Str("component", "agent").Str("device", device).Logger()
	return s
}

// Start opens the listener.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("agent server closed")
	}
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("device %s: listen %s: %w", s.device, s.address, err)
	}
	s.listener = ln
	s.logger.Info().Str("address", ln.Addr().String()).Msg("agent listener started")
	return nil
}

// Addr returns the bound listener address or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run accepts connections until ctx is cancelled or Close is called.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-stop:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("device %s: accept: %w", s.device, err)
		}
		if !s.track(conn) {
			_ = conn.Close()
			return nil
		}
	}
}

// Close stops the listener and drops all connections. Outputs are detached
// before Close returns.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.wg.Wait()
		return nil
	}
	s.closed = true
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	conns := make([]*transport, 0, len(s.conns))
	for t := range s.conns {
		conns = append(conns, t)
	}
	s.mu.Unlock()

	for _, t := range conns {
		t.close()
	}
	s.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func (s *Server) track(conn net.Conn) bool {
	logger := s.logger.With().Str("remote", conn.RemoteAddr().String()).Logger()
	t := newTransport(conn, s.writeTimeout, defaultQueueLength+len(s.outputs), logger)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.conns[t] = struct{}{}
	count := len(s.conns)
	s.wg.Add(2)
	s.mu.Unlock()

	s.collector.SetAgentConnections(s.device, count)
	go func() {
		defer s.wg.Done()
		t.writeLoop()
	}()
	go s.serve(t)
	return true
}

func (s *Server) serve(t *transport) {
	defer s.wg.Done()
	logger := t.logger
	logger.Info().Msg("agent connected")

	s.binder.Attach(s.outputs, t)

	pong := fmt.Sprintf("%s %s%s", shdr.PongPrefix, strconv.FormatInt(s.heartbeat.Milliseconds(), 10), shdr.LineTerminator)
	scanner := bufio.NewScanner(t.conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, shdr.Ping) {
			if _, err := io.WriteString(t, pong); err != nil {
				logger.Warn().Err(err).Msg("pong failed")
				break
			}
			logger.Trace().Msg("ping answered")
			continue
		}
		logger.Debug().Str("line", shdr.Truncate(line, 60)).Msg("agent line ignored")
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		logger.Debug().Err(err).Msg("agent read ended")
	}

	s.binder.Detach(s.outputs, t)
	t.close()

	s.mu.Lock()
	delete(s.conns, t)
	count := len(s.conns)
	s.mu.Unlock()
	s.collector.SetAgentConnections(s.device, count)
	logger.Info().Msg("agent disconnected")
}

// transport is the cache-facing side of an agent connection. Write only
// queues the line; writeLoop puts it on the socket with a deadline. A write
// error or a full queue closes the connection, which ends serve and detaches
// the outputs. The agent receives a full replay when it reconnects.
type transport struct {
	conn    net.Conn
	timeout time.Duration
	logger  zerolog.Logger

	queue chan []byte
	done  chan struct{}
	once  sync.Once
}

func newTransport(conn net.Conn, timeout time.Duration, queueLength int, logger zerolog.Logger) *transport {
	return &transport{
		conn:    conn,
		timeout: timeout,
		logger:  logger,
		queue:   make(chan []byte, queueLength),
		done:    make(chan struct{}),
	}
}

// Write never blocks.
func (t *transport) Write(p []byte) (int, error) {
	select {
	case <-t.done:
		return 0, errTransportClosed
	default:
	}
	line := append([]byte(nil), p...)
	select {
	case t.queue <- line:
		return len(p), nil
	default:
		t.logger.Warn().Int("queued", cap(t.queue)).Msg("agent send queue full, dropping connection")
		t.close()
		return 0, errQueueFull
	}
}

func (t *transport) writeLoop() {
	for {
		select {
		case <-t.done:
			return
		case line := <-t.queue:
			if t.timeout > 0 {
				if err := t.conn.SetWriteDeadline(time.Now().Add(t.timeout)); err != nil {
					t.fail(err)
					return
				}
			}
			if _, err := t.conn.Write(line); err != nil {
				t.fail(err)
				return
			}
		}
	}
}

func (t *transport) fail(err error) {
	select {
	case <-t.done:
	default:
		t.logger.Warn().Err(err).Msg("agent write failed, dropping connection")
	}
	t.close()
}

func (t *transport) close() {
	t.once.Do(func() {
		close(t.done)
		_ = t.conn.Close()
	})
}
