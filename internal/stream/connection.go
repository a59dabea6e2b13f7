// Package stream maintains the upstream WebSocket connections: dialing,
// authenticating, liveness checks and reconnecting with backoff.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/qtmspin/alpaca-api-service-sub000/internal/apperr"
	"github.com/qtmspin/alpaca-api-service-sub000/internal/monitor"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	defaultWriteTimeout   = 10 * time.Second
)

// Config describes one upstream stream.
type Config struct {
	Type           Type
	URL            string
	Key            string
	Secret         string
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
}

// Hooks are invoked from the connection's goroutines. OnFrame is called from
// the single reader goroutine, so frames arrive in order.
type Hooks struct {
	OnFrame         func(frame []byte)
	OnStatus        func(Status)
	OnAuthenticated func()
	OnPong          func()
}

type settings struct {
	sched  Scheduler
	dialer *websocket.Dialer
}

// Option customizes a Connection or HealthMonitor.
type Option func(*settings)

func WithScheduler(s Scheduler) Option {
	return func(o *settings) { o.sched = s }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(o *settings) { o.dialer = d }
}

func buildSettings(opts []Option) settings {
	s := settings{sched: RealScheduler}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Connection owns at most one live socket for its stream type and moves it
// through Disconnected, Connecting, Connected and Authenticated.
type Connection struct {
	cfg    Config
	policy *ReconnectPolicy
	hooks  Hooks
	sched  Scheduler
	dialer *websocket.Dialer
	log    *slog.Logger

	mu        sync.Mutex
	ctx       context.Context
	state     State
	conn      *websocket.Conn
	gen       uint64
	closed    bool
	terminal  bool
	lastErr   error
	since     time.Time
	reconnect Timer

	writeMu sync.Mutex
}

func NewConnection(cfg Config, policy *ReconnectPolicy, hooks Hooks, logger *slog.Logger, opts ...Option) *Connection {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if policy == nil {
		policy = NewReconnectPolicy(0, 0, 0)
	}
	s := buildSettings(opts)
	dialer := s.dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: cfg.ConnectTimeout,
		}
	}
	return &Connection{
		cfg:    cfg,
		policy: policy,
		hooks:  hooks,
		sched:  s.sched,
		dialer: dialer,
		log:    logger.With("component", "stream", "stream", string(cfg.Type)),
		ctx:    context.Background(),
		since:  time.Now(),
	}
}

func (c *Connection) Type() Type { return c.cfg.Type }

// Start dials in the background.
func (c *Connection) Start(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.closed = false
	c.mu.Unlock()
	go c.connect()
}

func (c *Connection) connect() {
	c.mu.Lock()
	if c.closed || c.terminal || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.reconnect = nil
	c.gen++
	gen := c.gen
	ctx := c.ctx
	c.setStateLocked(StateConnecting, nil)
	c.mu.Unlock()
	c.notify()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	conn, _, err := c.dialer.DialContext(dialCtx, c.cfg.URL, nil)
	cancel()
	if err != nil {
		c.fail(gen, c.connErr(fmt.Errorf("dial: %w", err)))
		return
	}

	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.setStateLocked(StateConnected, nil)
	c.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		if c.hooks.OnPong != nil {
			c.hooks.OnPong()
		}
		return nil
	})
	c.log.Info("stream connected, authenticating", "url", c.cfg.URL)
	c.notify()

	if err := c.write(conn, NewAuthMessage(c.cfg.Key, c.cfg.Secret)); err != nil {
		c.fail(gen, c.connErr(fmt.Errorf("send auth: %w", err)))
		return
	}
	go c.readLoop(conn, gen)
}

func (c *Connection) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			c.fail(gen, c.connErr(err))
			return
		}
		monitor.StreamFrames.WithLabelValues(string(c.cfg.Type)).Inc()

		if c.State() != StateAuthenticated {
			res, msg := classifyAuth(c.cfg.Type, frame)
			switch res {
			case authAccepted:
				c.authenticated(gen)
			case authRejected:
				c.rejectAuth(gen, msg)
				return
			default:
				c.log.Debug("handshake frame", "frame", string(frame))
			}
			continue
		}
		if c.hooks.OnFrame != nil {
			c.hooks.OnFrame(frame)
		}
	}
}

func (c *Connection) authenticated(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateAuthenticated, nil)
	c.mu.Unlock()

	c.policy.Reset()
	c.log.Info("stream authenticated")
	c.notify()
	if c.hooks.OnAuthenticated != nil {
		c.hooks.OnAuthenticated()
	}
}

func (c *Connection) rejectAuth(gen uint64, msg string) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.terminal = true
	c.setStateLocked(StateDisconnected, &apperr.AuthError{Stream: string(c.cfg.Type), Message: msg})
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.log.Error("stream authentication rejected; not retrying", "reason", msg)
	c.notify()
}

// fail tears down the socket of generation gen and schedules a reconnect.
// Failures of stale sockets, or after Close, are ignored.
func (c *Connection) fail(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.closed || c.terminal || c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.setStateLocked(StateDisconnected, err)
	c.scheduleLocked()
	terminal := c.terminal
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if terminal {
		c.log.Error("stream reconnect failed", "error", err, "attempts", c.policy.MaxAttempts())
	} else {
		c.log.Warn("stream disconnected", "error", err, "attempts", c.policy.Attempts())
	}
	c.notify()
}

func (c *Connection) scheduleLocked() {
	if c.reconnect != nil {
		return
	}
	delay, ok := c.policy.Next()
	if !ok {
		c.terminal = true
		c.lastErr = &apperr.ReconnectExhaustedError{Stream: string(c.cfg.Type), Attempts: c.policy.MaxAttempts()}
		return
	}
	monitor.StreamReconnects.WithLabelValues(string(c.cfg.Type)).Inc()
	c.log.Info("reconnect scheduled", "delay", delay, "attempt", c.policy.Attempts())
	c.reconnect = c.sched.AfterFunc(delay, c.connect)
}

// Reconnect schedules a reconnect if the connection is down and nothing is
// pending yet.
func (c *Connection) Reconnect() {
	c.mu.Lock()
	if c.closed || c.terminal || c.state != StateDisconnected || c.reconnect != nil {
		c.mu.Unlock()
		return
	}
	c.scheduleLocked()
	c.mu.Unlock()
	c.notify()
}

// Terminate forcibly drops the current socket, as if it had failed with err.
func (c *Connection) Terminate(err error) {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	c.fail(gen, err)
}

// Ping sends a WebSocket ping control frame.
func (c *Connection) Ping() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
}

// Send writes v as JSON on the open socket.
func (c *Connection) Send(v any) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()
	if conn == nil || !state.Up() {
		return c.connErr(errors.New("not connected"))
	}
	return c.write(conn, v)
}

func (c *Connection) write(conn *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteJSON(v)
}

// Close shuts the connection down cleanly; it will not reconnect.
func (c *Connection) Close() {
	c.mu.Lock()
	c.closed = true
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	conn := c.conn
	c.conn = nil
	c.gen++
	c.setStateLocked(StateDisconnected, nil)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	c.log.Info("stream closed")
	c.notify()
}

// Restart clears a terminal state and the attempt counter, then dials again.
func (c *Connection) Restart() {
	c.mu.Lock()
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	conn := c.conn
	c.conn = nil
	c.gen++
	c.closed = false
	c.terminal = false
	c.lastErr = nil
	c.setStateLocked(StateDisconnected, nil)
	c.mu.Unlock()

	c.policy.Reset()
	if conn != nil {
		_ = conn.Close()
	}
	c.log.Info("stream restart requested")
	go c.connect()
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Ready reports whether the upstream accepts subscription messages.
func (c *Connection) Ready() bool {
	return c.State() == StateAuthenticated
}

func (c *Connection) Status() Status {
	c.mu.Lock()
	st := Status{
		Type:     c.cfg.Type,
		State:    c.state,
		StateStr: c.state.String(),
		Terminal: c.terminal,
		Since:    c.since,
	}
	if c.lastErr != nil {
		st.Err = c.lastErr.Error()
	}
	c.mu.Unlock()
	st.Attempts = c.policy.Attempts()
	return st
}

// LastError returns the error that caused the most recent disconnect.
func (c *Connection) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Connection) setStateLocked(s State, err error) {
	c.state = s
	c.since = time.Now()
	if err != nil {
		c.lastErr = err
	} else if s == StateAuthenticated {
		c.lastErr = nil
	}
	monitor.StreamState.WithLabelValues(string(c.cfg.Type)).Set(float64(s))
}

func (c *Connection) notify() {
	if c.hooks.OnStatus != nil {
		c.hooks.OnStatus(c.Status())
	}
}

func (c *Connection) connErr(err error) error {
	return &apperr.ConnectionError{Stream: string(c.cfg.Type), Err: err}
}
