// Package observer provides a WebSocket client for following live task
// progress: it maintains a single connection to the server's observer
// endpoint, resubscribes to tracked tasks after reconnecting, and hands
// every inbound message to a caller-supplied handler.
package observer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/phrazzld/relay-api/internal/backoff"
	"github.com/phrazzld/relay-api/internal/broadcast"
)

// State describes the connection lifecycle. Transitions are linear:
// disconnected -> connecting -> connected, then back to disconnected when
// the link drops.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// ErrClosed is returned by operations on a stopped client.
var ErrClosed = errors.New("observer: client closed")

const (
	defaultPingInterval     = 30 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	writeTimeout            = 10 * time.Second
)

// Handler receives every message the server pushes, in arrival order.
type Handler func(broadcast.ServerMessage)

// Config controls the client's endpoint and reconnect behavior.
type Config struct {
	// URL is the observer endpoint, e.g. ws://host:8080/api/ws.
	URL string

	// Reconnect paces reconnection attempts. The zero value uses the
	// default capped exponential policy.
	Reconnect backoff.Policy

	// PingInterval spaces protocol-level pings on an idle connection.
	// Zero means the 30s default.
	PingInterval time.Duration

	// HandshakeTimeout bounds the dial. Zero means the 10s default.
	HandshakeTimeout time.Duration
}

// Client follows task progress over a single observer connection. All
// exported methods are safe for concurrent use.
type Client struct {
	cfg     Config
	handler Handler
	logger  *slog.Logger

	mu    sync.Mutex
	state State
	conn  *websocket.Conn
	subs  map[uuid.UUID]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// stateCh receives every state transition; used by tests and callers
	// that want to surface connection health.
	stateCh chan State
}

// NewClient creates a client that will deliver inbound messages to handler.
// Call Start to begin connecting.
func NewClient(cfg Config, handler Handler, logger *slog.Logger) *Client {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if handler == nil {
		handler = func(broadcast.ServerMessage) {}
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With("component", "observer_client"),
		state:   StateDisconnected,
		subs:    make(map[uuid.UUID]struct{}),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		stateCh: make(chan State, 16),
	}
}

// Start launches the connect/read loop. It returns immediately; connection
// failures are retried with capped exponential backoff until Stop.
func (c *Client) Start() {
	go c.run()
}

// Stop tears down the connection and halts reconnection. It blocks until
// the run loop has exited.
func (c *Client) Stop() {
	c.cancel()

	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()

	<-c.done
}

// State reports the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// States exposes the transition stream. The channel is buffered; slow
// consumers miss transitions rather than blocking the client.
func (c *Client) States() <-chan State {
	return c.stateCh
}

// Subscribe tracks a task and, when connected, asks the server for its
// progress stream. Tracked tasks are resubscribed after every reconnect.
func (c *Client) Subscribe(taskID uuid.UUID) error {
	c.mu.Lock()
	c.subs[taskID] = struct{}{}
	conn := c.conn
	c.mu.Unlock()

	if c.ctx.Err() != nil {
		return ErrClosed
	}
	if conn == nil {
		return nil // sent on next connect
	}
	return c.writeControl(conn, "subscribe", taskID.String())
}

// Unsubscribe stops tracking a task.
func (c *Client) Unsubscribe(taskID uuid.UUID) error {
	c.mu.Lock()
	delete(c.subs, taskID)
	conn := c.conn
	c.mu.Unlock()

	if c.ctx.Err() != nil {
		return ErrClosed
	}
	if conn == nil {
		return nil
	}
	return c.writeControl(conn, "unsubscribe", taskID.String())
}

// run is the connection supervisor: dial, resubscribe, read until the link
// drops, then back off and try again.
func (c *Client) run() {
	defer close(c.done)
	defer c.setState(StateDisconnected)

	attempt := 0
	for {
		if c.ctx.Err() != nil {
			return
		}

		c.setState(StateConnecting)
		conn, err := c.dial()
		if err != nil {
			attempt++
			delay := c.cfg.Reconnect.Delay(attempt)
			c.logger.Warn("observer connect failed",
				"error", err,
				"attempt", attempt,
				"retry_in", delay)
			c.setState(StateDisconnected)
			select {
			case <-time.After(delay):
				continue
			case <-c.ctx.Done():
				return
			}
		}

		attempt = 0
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.setState(StateConnected)

		if err := c.resubscribe(conn); err != nil {
			c.logger.Warn("observer resubscribe failed", "error", err)
			c.dropConn(conn)
			continue
		}

		pingDone := make(chan struct{})
		go c.pingLoop(conn, pingDone)
		c.readLoop(conn)
		close(pingDone)

		c.dropConn(conn)
		c.setState(StateDisconnected)
	}
}

func (c *Client) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(c.ctx, c.cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// resubscribe replays subscriptions for every tracked task.
func (c *Client) resubscribe(conn *websocket.Conn) error {
	c.mu.Lock()
	ids := make([]uuid.UUID, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		if err := c.writeControl(conn, "subscribe", id.String()); err != nil {
			return err
		}
	}
	return nil
}

// readLoop delivers inbound messages until the connection fails.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var msg broadcast.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if c.ctx.Err() == nil {
				c.logger.Debug("observer read failed", "error", err)
			}
			return
		}
		c.handler(msg)
	}
}

// pingLoop keeps the connection alive through idle periods. The server
// answers with pong frames that flow to the handler like any message.
func (c *Client) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.writeControl(conn, "ping", ""); err != nil {
				return
			}
		case <-done:
			return
		case <-c.ctx.Done():
			return
		}
	}
}

// writeControl serializes one protocol frame. The write mutex covers both
// the ping loop and subscription calls.
func (c *Client) writeControl(conn *websocket.Conn, msgType, taskID string) error {
	frame := map[string]string{"type": msgType}
	if taskID != "" {
		frame["task_id"] = taskID
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(frame)
}

func (c *Client) dropConn(conn *websocket.Conn) {
	_ = conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	select {
	case c.stateCh <- s:
	default:
	}
}
