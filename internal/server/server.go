// Package server owns the daemon-facing TCP plane: the listener, one
// reader/writer goroutine pair per connection, and the command multiplexer
// that correlates results back to waiting callers.
//
// Connections are deliberately kept out of the registry. A daemon handle is
// plain data keyed by daemon ID; this package maps the same ID to the live
// socket, so nothing upstream can accidentally hold a connection alive.
package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	alfred "github.com/0xcha05/alfred"
	"github.com/0xcha05/alfred/internal/registry"
	"github.com/0xcha05/alfred/internal/wire"
)

const (
	// handshakeTimeout bounds how long a fresh connection may sit silent
	// before its mandatory registration frame.
	handshakeTimeout = 10 * time.Second

	// readTimeout reaps connections that stop talking. Heartbeats arrive
	// every 30s, so three missed beats mean the peer is gone.
	readTimeout = 90 * time.Second

	// DefaultCommandTimeout applies when a caller passes no timeout.
	DefaultCommandTimeout = 60 * time.Second

	outboundQueueSize = 64
)

// Auditor is the slice of the audit sink this package needs.
type Auditor interface {
	Record(kind, actor, action string, detail map[string]any)
}

type nopAuditor struct{}

func (nopAuditor) Record(string, string, string, map[string]any) {}

// Server accepts daemon connections and multiplexes commands over them.
type Server struct {
	registry *registry.Registry
	bus      *alfred.Bus
	audit    Auditor
	logger   *slog.Logger

	tlsConfig    *tls.Config
	operatorChat string

	mu       sync.Mutex
	listener net.Listener
	conns    map[string]*conn // daemon_id → live connection
	closed   bool

	wg sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithTLS serves the listener over TLS.
func WithTLS(cfg *tls.Config) Option {
	return func(s *Server) { s.tlsConfig = cfg }
}

// WithAuditor records alerts, disconnects, and evictions.
func WithAuditor(a Auditor) Option {
	return func(s *Server) { s.audit = a }
}

// WithOperatorChat stamps daemon-originated events with the operator's
// chat ID so replies land in the right conversation.
func WithOperatorChat(chatID string) Option {
	return func(s *Server) { s.operatorChat = chatID }
}

// New creates a server. Call Start to begin accepting.
func New(reg *registry.Registry, bus *alfred.Bus, opts ...Option) *Server {
	s := &Server{
		registry: reg,
		bus:      bus,
		audit:    nopAuditor{},
		logger:   alfred.NopLogger,
		conns:    make(map[string]*conn),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start listens on addr and accepts daemon connections until ctx ends or
// Close is called.
func (s *Server) Start(ctx context.Context, addr string) error {
	var (
		ln  net.Listener
		err error
	)
	if s.tlsConfig != nil {
		ln, err = tls.Listen("tcp", addr, s.tlsConfig)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("daemon listener up", "addr", ln.Addr().String(), "tls", s.tlsConfig != nil)

	s.wg.Add(1)
	go s.acceptLoop(ctx, ln)
	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// ConnectionInfo describes the daemon plane for the operator API.
type ConnectionInfo struct {
	Address     string `json:"address"`
	TLS         bool   `json:"tls"`
	DaemonCount int    `json:"daemon_count"`
}

// Info reports the listener state.
func (s *Server) Info() ConnectionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := ConnectionInfo{TLS: s.tlsConfig != nil, DaemonCount: len(s.conns)}
	if s.listener != nil {
		info.Address = s.listener.Addr().String()
	}
	return info
}

// Close stops the listener and tears down every connection.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	ln := s.listener
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, c := range conns {
		c.close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		nc, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || ctx.Err() != nil {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, nc)
		}()
	}
}

// conn pairs one daemon socket with its outbound queue and pending map.
// The pending map is owned here: the reader fulfils slots, Send registers
// and removes them, and removal under pendingMu is what makes completion
// exactly-once.
type conn struct {
	daemonID string
	name     string
	nc       net.Conn
	br       *bufio.Reader

	outbound chan wire.Command

	pendingMu sync.Mutex
	pending   map[string]chan map[string]any

	done      chan struct{}
	closeOnce sync.Once
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.nc.Close()
	})
}

// handleConn runs the registration handshake, then the reader loop. The
// writer goroutine lives exactly as long as the reader.
func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	remote := nc.RemoteAddr().String()

	nc.SetReadDeadline(time.Now().Add(handshakeTimeout))
	br := bufio.NewReader(nc)
	raw, err := wire.ReadFrame(br)
	if err != nil {
		s.logger.Warn("connection dropped before registration", "remote", remote, "error", err)
		nc.Close()
		return
	}
	typ, err := wire.Peek(raw)
	if err != nil || typ != wire.TypeRegistration {
		s.logger.Warn("first frame was not a registration", "remote", remote, "type", typ, "error", err)
		nc.Close()
		return
	}

	var reg wire.Registration
	if err := json.Unmarshal(raw, &reg); err != nil {
		s.logger.Warn("malformed registration", "remote", remote, "error", err)
		nc.Close()
		return
	}

	handle, evicted, err := s.registry.Register(reg, remote)
	if err != nil {
		msg := "Registration failed"
		if errors.Is(err, alfred.ErrInvalidKey) {
			msg = "Invalid registration key"
		}
		wire.WriteFrame(nc, wire.RegistrationAck{Type: wire.TypeRegistrationAck, Success: false, Message: msg})
		s.logger.Warn("registration rejected", "remote", remote, "name", reg.Name, "error", err)
		s.audit.Record("registration_rejected", reg.Name, "register", map[string]any{"remote": remote})
		nc.Close()
		return
	}

	if evicted != "" {
		s.dropConn(evicted)
		s.audit.Record("daemon_evicted", handle.Name, "register", map[string]any{
			"evicted_id": evicted, "new_id": handle.DaemonID,
		})
	}

	c := &conn{
		daemonID: handle.DaemonID,
		name:     handle.Name,
		nc:       nc,
		br:       br,
		outbound: make(chan wire.Command, outboundQueueSize),
		pending:  make(map[string]chan map[string]any),
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		nc.Close()
		return
	}
	s.conns[handle.DaemonID] = c
	s.mu.Unlock()

	if err := wire.WriteFrame(nc, wire.RegistrationAck{
		Type: wire.TypeRegistrationAck, Success: true, DaemonID: handle.DaemonID,
	}); err != nil {
		s.teardown(c, fmt.Errorf("writing ack: %w", err))
		return
	}

	s.logger.Info("daemon connected",
		"daemon_id", handle.DaemonID, "name", handle.Name, "remote", remote)

	go s.writeLoop(c)
	s.readLoop(ctx, c)
}

func (s *Server) writeLoop(c *conn) {
	for {
		select {
		case cmd := <-c.outbound:
			if err := wire.WriteFrame(c.nc, cmd); err != nil {
				s.logger.Warn("write failed", "daemon_id", c.daemonID, "error", err)
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (s *Server) readLoop(ctx context.Context, c *conn) {
	for {
		if ctx.Err() != nil {
			s.teardown(c, ctx.Err())
			return
		}
		c.nc.SetReadDeadline(time.Now().Add(readTimeout))
		raw, err := wire.ReadFrame(c.br)
		if err != nil {
			s.teardown(c, err)
			return
		}
		typ, err := wire.Peek(raw)
		if err != nil {
			s.logger.Warn("invalid frame, closing connection",
				"daemon_id", c.daemonID, "error", err)
			s.teardown(c, err)
			return
		}

		switch typ {
		case wire.TypeHeartbeat:
			var hb wire.Heartbeat
			if err := json.Unmarshal(raw, &hb); err == nil {
				s.registry.UpdateHeartbeat(c.daemonID, hb)
			}

		case wire.TypeResult:
			s.deliverResult(c, raw)

		case wire.TypeAlert:
			s.handleAlert(c, raw)

		case wire.TypeEvent:
			s.handleEvent(c, raw)

		case wire.TypeRegistration:
			s.logger.Warn("duplicate registration frame, closing", "daemon_id", c.daemonID)
			s.teardown(c, alfred.ErrInvalidFrame)
			return

		default:
			s.logger.Debug("unhandled frame type", "daemon_id", c.daemonID, "type", typ)
		}
	}
}

// deliverResult routes a result frame to the Send call waiting on its
// command ID. Deleting the slot under pendingMu before sending is the
// exactly-once guarantee; a result for an unknown ID (late, after timeout)
// is logged and dropped.
func (s *Server) deliverResult(c *conn, raw json.RawMessage) {
	id, payload, err := wire.ParseResult(raw)
	if err != nil {
		s.logger.Warn("unparseable result", "daemon_id", c.daemonID, "error", err)
		return
	}
	c.pendingMu.Lock()
	slot, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if !ok {
		s.logger.Warn("late result dropped", "daemon_id", c.daemonID, "command_id", id)
		return
	}
	slot <- payload
}

var alertLogLevels = map[string]slog.Level{
	"info":     slog.LevelInfo,
	"warning":  slog.LevelWarn,
	"high":     slog.LevelError,
	"critical": slog.LevelError,
}

func (s *Server) handleAlert(c *conn, raw json.RawMessage) {
	var alert wire.Alert
	if err := json.Unmarshal(raw, &alert); err != nil {
		s.logger.Warn("malformed alert", "daemon_id", c.daemonID, "error", err)
		return
	}
	level, ok := alertLogLevels[alert.Severity]
	if !ok {
		level = slog.LevelWarn
	}
	s.logger.Log(context.Background(), level, "daemon alert",
		"daemon", c.name, "alert_type", alert.AlertType, "message", alert.Message)
	s.audit.Record("daemon_alert", c.name, alert.AlertType, map[string]any{
		"severity": alert.Severity,
		"message":  alert.Message,
		"payload":  alert.Payload,
	})
}

// handleEvent publishes a daemon-originated event on the bus. Source and
// type get daemon defaults; the operator chat ID rides along in context so
// downstream handlers know where replies belong.
func (s *Server) handleEvent(c *conn, raw json.RawMessage) {
	var ev wire.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		s.logger.Warn("malformed event", "daemon_id", c.daemonID, "error", err)
		return
	}
	source := ev.Source
	if source == "" {
		source = "daemon:" + c.name
	}
	eventType := ev.EventType
	if eventType == "" {
		eventType = "alert"
	}
	evCtx := map[string]any{"daemon_id": c.daemonID}
	if s.operatorChat != "" {
		evCtx["chat_id"] = s.operatorChat
	}
	s.bus.Publish(alfred.NewEvent(source, eventType, ev.Payload, evCtx))
}

// teardown runs exactly once per connection: every pending command fails
// with daemon_disconnected, queued commands are abandoned, and the handle
// leaves the registry.
func (s *Server) teardown(c *conn, cause error) {
	c.close()

	s.mu.Lock()
	if s.conns[c.daemonID] == c {
		delete(s.conns, c.daemonID)
	}
	s.mu.Unlock()

	// Senders waiting on slots observe c.done; clearing the map here just
	// drops the references.
	c.pendingMu.Lock()
	n := len(c.pending)
	c.pending = make(map[string]chan map[string]any)
	c.pendingMu.Unlock()

	s.registry.Unregister(c.daemonID)
	s.logger.Info("daemon disconnected",
		"daemon_id", c.daemonID, "name", c.name, "pending_failed", n, "cause", cause)
	s.audit.Record("daemon_disconnected", c.name, "disconnect", map[string]any{
		"daemon_id": c.daemonID, "pending_failed": n,
	})
}

// dropConn force-closes a connection by daemon ID (eviction path).
func (s *Server) dropConn(daemonID string) {
	s.mu.Lock()
	c := s.conns[daemonID]
	s.mu.Unlock()
	if c != nil {
		s.logger.Info("evicting stale connection", "daemon_id", daemonID, "name", c.name)
		c.close()
	}
}

// Send routes one command to a daemon and waits for its result. The four
// outcomes are a result frame, timeout, caller cancellation, and daemon
// disconnect; whichever happens first wins and the pending slot is removed
// on every path.
//
// The daemon connection survives a timeout. Only its own socket failing
// removes a daemon.
func (s *Server) Send(ctx context.Context, daemonID, cmdType string, params map[string]any, timeout time.Duration) (map[string]any, error) {
	s.mu.Lock()
	c := s.conns[daemonID]
	s.mu.Unlock()
	if c == nil {
		return nil, fmt.Errorf("daemon %s: %w", daemonID, alfred.ErrDaemonNotConnected)
	}
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}

	// UUIDv7 command IDs sort by issue time, which keeps daemon logs and
	// audit lines correlatable without a join.
	commandID := alfred.NewID()
	slot := make(chan map[string]any, 1)
	c.pendingMu.Lock()
	c.pending[commandID] = slot
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, commandID)
		c.pendingMu.Unlock()
	}()

	cmd := wire.Command{Type: cmdType, ID: commandID, Params: params}
	select {
	case c.outbound <- cmd:
	case <-c.done:
		return nil, fmt.Errorf("daemon %s: %w", c.name, alfred.ErrDaemonDisconnected)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case result := <-slot:
		return result, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w after %ds", alfred.ErrCommandTimedOut, int(timeout.Seconds()))
	case <-c.done:
		return nil, fmt.Errorf("daemon %s: %w", c.name, alfred.ErrDaemonDisconnected)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ping round-trips a ping command and reports the latency.
func (s *Server) Ping(ctx context.Context, daemonID string) (time.Duration, error) {
	start := time.Now()
	_, err := s.Send(ctx, daemonID, wire.CmdPing, nil, 10*time.Second)
	if err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Connected reports whether a live connection exists for daemonID.
func (s *Server) Connected(daemonID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[daemonID] != nil
}
