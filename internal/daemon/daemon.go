// Package daemon implements the worker side of the control plane: an
// outbound client that registers with Prime, answers its commands with
// the builtin executor, and volunteers heartbeats and resource alerts.
//
// The connection direction is daemon→Prime, so workers behind NAT need
// no listener. The client reconnects forever; Prime treats each
// reconnect as a fresh registration.
package daemon

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	alfred "github.com/0xcha05/alfred"
	"github.com/0xcha05/alfred/internal/localexec"
	"github.com/0xcha05/alfred/internal/wire"
)

const (
	dialTimeout      = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second

	defaultHeartbeatInterval = 30 * time.Second
	maxReconnectDelay        = 60 * time.Second
)

var errNotConnected = errors.New("no active connection to prime")

// Handler answers one command type. Implementations return the result
// fields; the client wraps them in a result frame.
type Handler func(ctx context.Context, params map[string]any) map[string]any

// Config identifies this worker to Prime.
type Config struct {
	PrimeAddr       string
	Name            string
	Hostname        string // defaults to os.Hostname
	RegistrationKey string
	Capabilities    []string
	IsSoul          bool
	AlfredRoot      string
	TLS             *tls.Config // nil = plaintext
}

// Client maintains the connection to Prime: registration, command
// dispatch, heartbeats, and reconnection.
type Client struct {
	cfg       Config
	logger    *slog.Logger
	exec      *localexec.Executor
	monitor   *Monitor
	heartbeat time.Duration

	// reconnectBase is the first retry delay; doubling is capped at
	// maxReconnectDelay and the attempt counter resets on registration.
	reconnectBase time.Duration

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	// connMu serializes frame writes. Heartbeats, results, and alerts
	// come from different goroutines; a write failure closes the socket,
	// which is how the blocked reader learns the peer is gone.
	connMu   sync.Mutex
	conn     net.Conn
	daemonID string

	active atomic.Int32 // running command handlers, reported in heartbeats
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithHeartbeatInterval overrides the 30s heartbeat cadence.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.heartbeat = d
		}
	}
}

// WithMonitor replaces the default resource monitor.
func WithMonitor(m *Monitor) Option {
	return func(c *Client) { c.monitor = m }
}

// New creates a Client for cfg. Call Run to connect.
func New(cfg Config, opts ...Option) *Client {
	if cfg.Hostname == "" {
		cfg.Hostname, _ = os.Hostname()
	}
	c := &Client{
		cfg:           cfg,
		logger:        alfred.NopLogger,
		heartbeat:     defaultHeartbeatInterval,
		reconnectBase: time.Second,
		handlers:      make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.exec = localexec.New(localexec.WithLogger(c.logger))
	if c.monitor == nil {
		c.monitor = NewMonitor(WithMonitorLogger(c.logger))
	}
	return c
}

// Register adds a handler for a command type, overriding the builtin of
// the same name if one exists. Commands with no handler fall through to
// the builtin executor, which answers unknown types with a failed result.
func (c *Client) Register(cmdType string, h Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[cmdType] = h
}

// DaemonID returns the ID Prime assigned on the current connection, or
// "" while disconnected.
func (c *Client) DaemonID() string {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.daemonID
}

// Connected reports whether a registered connection is up.
func (c *Client) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

// Run connects to Prime and serves commands until ctx ends, redialing
// with capped exponential backoff after every failure.
func (c *Client) Run(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			// Clean reader exit still means the connection is gone.
			err = errors.New("connection closed")
		} else if registered(err) {
			attempt = 0
		}

		delay := c.reconnectDelay(attempt)
		c.logger.Warn("connection to prime lost",
			"prime", c.cfg.PrimeAddr, "error", err, "retry_in", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// sessionError marks failures that happened after a successful
// registration, so the backoff curve restarts.
type sessionError struct{ err error }

func (e *sessionError) Error() string { return e.err.Error() }
func (e *sessionError) Unwrap() error { return e.err }

func registered(err error) bool {
	var se *sessionError
	return errors.As(err, &se)
}

func (c *Client) reconnectDelay(attempt int) time.Duration {
	if attempt > 6 {
		attempt = 6
	}
	d := alfred.RetryBackoff(c.reconnectBase, attempt)
	if d > maxReconnectDelay {
		d = maxReconnectDelay
	}
	return d
}

// connectOnce runs one full session: dial, register, heartbeat, read
// until the connection dies.
func (c *Client) connectOnce(ctx context.Context) error {
	dialer := &net.Dialer{Timeout: dialTimeout}
	var (
		nc  net.Conn
		err error
	)
	if c.cfg.TLS != nil {
		td := &tls.Dialer{NetDialer: dialer, Config: c.cfg.TLS}
		nc, err = td.DialContext(ctx, "tcp", c.cfg.PrimeAddr)
	} else {
		nc, err = dialer.DialContext(ctx, "tcp", c.cfg.PrimeAddr)
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.PrimeAddr, err)
	}
	defer nc.Close()

	// Cancellation unblocks the reader by closing the socket.
	stop := context.AfterFunc(ctx, func() { nc.Close() })
	defer stop()

	br := bufio.NewReader(nc)
	daemonID, err := c.register(nc, br)
	if err != nil {
		return fmt.Errorf("register with %s: %w", c.cfg.PrimeAddr, err)
	}

	c.connMu.Lock()
	c.conn = nc
	c.daemonID = daemonID
	c.connMu.Unlock()
	defer func() {
		c.connMu.Lock()
		c.conn = nil
		c.daemonID = ""
		c.connMu.Unlock()
	}()

	c.logger.Info("registered with prime",
		"prime", c.cfg.PrimeAddr, "daemon_id", daemonID, "name", c.cfg.Name, "tls", c.cfg.TLS != nil)

	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	go c.heartbeatLoop(hbCtx)

	if err := c.readLoop(ctx, br); err != nil {
		return &sessionError{err}
	}
	return &sessionError{errors.New("reader stopped")}
}

// register sends the mandatory first frame and waits for Prime's verdict.
func (c *Client) register(nc net.Conn, br *bufio.Reader) (string, error) {
	reg := wire.Registration{
		Type:            wire.TypeRegistration,
		RegistrationKey: c.cfg.RegistrationKey,
		Name:            c.cfg.Name,
		Hostname:        c.cfg.Hostname,
		Capabilities:    c.cfg.Capabilities,
		IsSoulDaemon:    c.cfg.IsSoul,
		AlfredRoot:      c.cfg.AlfredRoot,
	}
	nc.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	if err := wire.WriteFrame(nc, reg); err != nil {
		return "", err
	}
	nc.SetWriteDeadline(time.Time{})

	nc.SetReadDeadline(time.Now().Add(handshakeTimeout))
	raw, err := wire.ReadFrame(br)
	if err != nil {
		return "", err
	}
	nc.SetReadDeadline(time.Time{})

	var ack wire.RegistrationAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		return "", fmt.Errorf("malformed ack: %w", err)
	}
	if ack.Type != wire.TypeRegistrationAck {
		return "", fmt.Errorf("expected registration_ack, got %q: %w", ack.Type, alfred.ErrInvalidFrame)
	}
	if !ack.Success {
		msg := ack.Message
		if msg == "" {
			msg = "registration rejected"
		}
		return "", fmt.Errorf("%s: %w", msg, alfred.ErrInvalidKey)
	}
	return ack.DaemonID, nil
}

// readLoop blocks on the socket and dispatches every command in its own
// goroutine so a slow shell command never delays the next frame. There
// is no read deadline: the heartbeat writer closes the socket when the
// peer is unreachable, which ends this loop.
func (c *Client) readLoop(ctx context.Context, br *bufio.Reader) error {
	for {
		raw, err := wire.ReadFrame(br)
		if err != nil {
			return err
		}
		typ, err := wire.Peek(raw)
		if err != nil {
			return err
		}
		if typ == wire.TypeRegistrationAck {
			continue
		}

		var cmd wire.Command
		if err := json.Unmarshal(raw, &cmd); err != nil || cmd.ID == "" {
			c.logger.Warn("dropping command without id", "type", typ, "error", err)
			continue
		}
		go c.handle(ctx, cmd)
	}
}

func (c *Client) handle(ctx context.Context, cmd wire.Command) {
	c.active.Add(1)
	defer c.active.Add(-1)

	start := time.Now()
	result := c.dispatch(ctx, cmd.Type, cmd.Params)
	c.logger.Info("command handled",
		"type", cmd.Type, "command_id", cmd.ID, "duration", time.Since(start))

	if err := c.writeFrame(wire.NewResult(cmd.ID, result)); err != nil {
		c.logger.Warn("result write failed", "command_id", cmd.ID, "error", err)
	}
}

func (c *Client) dispatch(ctx context.Context, cmdType string, params map[string]any) map[string]any {
	c.handlersMu.RLock()
	h := c.handlers[cmdType]
	c.handlersMu.RUnlock()
	if h != nil {
		return h(ctx, params)
	}
	return c.exec.Handle(ctx, cmdType, params)
}

// writeFrame is the single choke point for outbound frames. On failure
// it closes the connection so the read loop notices.
func (c *Client) writeFrame(v any) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return errNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := wire.WriteFrame(c.conn, v); err != nil {
		c.conn.Close()
		return err
	}
	c.conn.SetWriteDeadline(time.Time{})
	return nil
}

// heartbeatLoop samples resources on the heartbeat cadence, reports the
// gauges, and forwards whatever alerts the monitor raises.
func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		stats := c.monitor.Sample()
		hb := wire.Heartbeat{
			Type:          wire.TypeHeartbeat,
			DaemonID:      c.DaemonID(),
			CPUPercent:    stats.CPUPercent,
			MemoryPercent: stats.MemoryPercent,
			DiskPercent:   stats.DiskPercent,
			ActiveTasks:   int(c.active.Load()),
		}
		if err := c.writeFrame(hb); err != nil {
			c.logger.Warn("heartbeat failed", "error", err)
			return
		}
		for _, alert := range c.monitor.Alerts(stats) {
			if err := c.writeFrame(alert); err != nil {
				c.logger.Warn("alert write failed", "alert_type", alert.AlertType, "error", err)
				return
			}
			c.logger.Warn("alert sent",
				"alert_type", alert.AlertType, "severity", alert.Severity, "message", alert.Message)
		}
	}
}

// SendAlert pushes an unsolicited alert frame to Prime.
func (c *Client) SendAlert(alertType, severity, message string, payload map[string]any) error {
	return c.writeFrame(wire.Alert{
		Type:      wire.TypeAlert,
		AlertType: alertType,
		Severity:  severity,
		Message:   message,
		Payload:   payload,
	})
}

// SendEvent publishes an event on Prime's bus. Source is stamped on the
// Prime side from the registered daemon name.
func (c *Client) SendEvent(eventType string, payload map[string]any) error {
	return c.writeFrame(wire.Event{
		Type:      wire.TypeEvent,
		EventType: eventType,
		Payload:   payload,
	})
}
