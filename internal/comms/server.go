// ABOUTME: TLS listener that turns NUL-framed client text into user-message events
// ABOUTME: Runs as a lifecycle service; one reader goroutine per connection

package comms

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/yoda/internal/events"
	"github.com/2389/yoda/internal/lifecycle"
)

// ErrFrameTooLarge ends a connection whose client sent an oversized frame.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// acceptRetryDelay is the pause after an unexpected accept error.
const acceptRetryDelay = 50 * time.Millisecond

// Config holds comms server settings.
type Config struct {
	Host             string
	Port             int
	CertFile         string
	KeyFile          string
	MaxFrameSize     int
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
}

// Publisher accepts events for the bus.
type Publisher interface {
	Push(ev events.Event) error
}

// Server accepts TLS clients and publishes what they send.
type Server struct {
	cfg      Config
	pub      Publisher
	registry *Registry
	logger   *slog.Logger

	mu       sync.Mutex
	listener net.Listener

	conns sync.WaitGroup
}

// NewServer creates a server. Pass nil logger for default.
func NewServer(cfg Config, pub Publisher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}
	return &Server{
		cfg:      cfg,
		pub:      pub,
		registry: NewRegistry(),
		logger:   logger.With("component", "comms"),
	}
}

// Run binds the listener, reports setup through ready, and serves clients
// until ctx is cancelled. It returns once every connection has unwound.
func (s *Server) Run(ctx context.Context, ready lifecycle.ReadyFunc) error {
	s.publish(events.System(events.CommsStarting, events.Endpoint{Host: s.cfg.Host, Port: s.cfg.Port}))

	ln, err := s.listen()
	if err != nil {
		s.logger.Error("comms server failed to start", "error", err)
		s.publish(events.System(events.CommsOffline, events.Failure{Err: err}))
		ready(false)
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	endpoint := endpointOf(ln.Addr(), s.cfg.Host)
	s.logger.Info("comms server listening", "addr", endpoint.Address())
	s.publish(events.System(events.CommsOnline, endpoint))
	ready(true)

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.acceptLoop(ctx, ln)
	s.conns.Wait()

	s.logger.Info("comms server stopped")
	return nil
}

func (s *Server) listen() (net.Listener, error) {
	cert, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading key pair: %w", err)
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := tls.Listen("tcp", addr, tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return ln, nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			select {
			case <-time.After(acceptRetryDelay):
				continue
			case <-ctx.Done():
				return
			}
		}

		s.conns.Add(1)
		go s.serve(ctx, nc)
	}
}

// serve owns one accepted socket. A client only becomes visible, and only
// produces events, once its TLS handshake has completed.
func (s *Server) serve(ctx context.Context, nc net.Conn) {
	defer s.conns.Done()

	if err := s.handshake(ctx, nc); err != nil {
		s.logger.Debug("dropping connection before handshake", "remote", nc.RemoteAddr().String(), "error", err)
		_ = nc.Close()
		return
	}

	c := newConn(uuid.NewString(), nc, s.cfg.WriteTimeout)
	c.markHandshakeDone()
	s.registry.Add(c)
	s.logger.Info("user connected", "conn_id", c.ID, "remote", c.RemoteAddr)
	s.publish(events.System(events.UserConnected, events.ConnectionID(c.ID)))

	// Shutdown unblocks a pending read by expiring its deadline.
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetReadDeadline(time.Now()) })
	defer stop()

	err := s.readLoop(c)

	c.markClosed()
	s.registry.Remove(c.ID)
	if cerr := c.close(); cerr != nil && !IsExpectedCloseError(cerr) {
		s.logger.Debug("closing connection", "conn_id", c.ID, "error", cerr)
	}

	if ctx.Err() != nil || !isAbort(err) {
		s.logger.Info("user disconnected", "conn_id", c.ID)
		s.publish(events.System(events.UserDisconnected, events.ConnectionID(c.ID)))
		return
	}

	s.logger.Warn("user connection aborted", "conn_id", c.ID, "error", err)
	s.publish(events.System(events.UserConnectionAborted, events.Failure{
		Err: fmt.Errorf("connection %s: %w", c.ID, err),
	}))
}

func (s *Server) handshake(ctx context.Context, nc net.Conn) error {
	tc, ok := nc.(*tls.Conn)
	if !ok {
		return nil
	}
	hctx := ctx
	if s.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
		defer cancel()
	}
	if err := tc.HandshakeContext(hctx); err != nil {
		return fmt.Errorf("tls handshake: %w", err)
	}
	return nil
}

// readLoop publishes frames until the connection ends. It returns io.EOF on
// an orderly close.
func (s *Server) readLoop(c *Conn) error {
	connID := events.ConnectionID(c.ID)
	sc := NewFrameScanner(c, s.cfg.MaxFrameSize)
	for sc.Scan() {
		ev, err := events.UserMessage(sc.Text(), connID)
		if err != nil {
			// Blank frames carry nothing to answer.
			continue
		}
		s.publish(ev)
	}

	if err := sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return fmt.Errorf("%w (limit %d bytes)", ErrFrameTooLarge, s.cfg.MaxFrameSize)
		}
		return err
	}
	return io.EOF
}

func (s *Server) publish(ev events.Event) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Push(ev); err != nil {
		s.logger.Warn("failed to publish event", "message", ev.Message(), "error", err)
	}
}

// Connection returns the live connection for id, evicting it if it is dead.
func (s *Server) Connection(id string) (*Conn, bool) {
	return s.registry.Get(id)
}

// ConnectionIDs returns the ids of registered connections.
func (s *Server) ConnectionIDs() []string {
	return s.registry.IDs()
}

// Addr returns the bound listener address, or nil before Run has bound it.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close closes the listener so the accept loop exits. Open connections are
// left to the shutdown signal passed to Run.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("closing listener: %w", err)
	}
	return nil
}

func endpointOf(addr net.Addr, fallbackHost string) events.Endpoint {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		host := fallbackHost
		if host == "" {
			host = tcp.IP.String()
		}
		return events.Endpoint{Host: host, Port: tcp.Port}
	}
	return events.Endpoint{Host: fallbackHost}
}
