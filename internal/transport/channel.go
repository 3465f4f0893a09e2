// Package transport owns the long-lived bidirectional channel to the
// chat backend.
//
// One Channel wraps one WebSocket connection. Inbound frames are
// classified by the protocol package and fanned out to registered
// handlers. On reconnection the connection is replaced in place and the
// handlers stay attached; code holding the Channel must call Send again
// rather than cache a connection across a suspension point.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ozdriver/ozdriver/internal/observability"
	"github.com/ozdriver/ozdriver/internal/protocol"
)

var (
	// ErrChannelUnavailable is returned by Send while the channel is not
	// open. Callers should reconnect and retry instead of failing
	// silently.
	ErrChannelUnavailable = errors.New("transport: channel not open")

	// ErrReconnectTimeout is returned when bounded reconnection is
	// exhausted. Callers fall back to local step execution.
	ErrReconnectTimeout = errors.New("transport: reconnect timed out")
)

const (
	defaultHandshakeTimeout  = 10 * time.Second
	defaultReconnectInterval = 500 * time.Millisecond
	defaultReconnectTimeout  = 15 * time.Second
)

// FrameHandler receives every classified inbound frame.
type FrameHandler func(protocol.Frame)

// Channel is the bidirectional chat channel.
type Channel struct {
	url string

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	gen       int // bumped per connection so stale read loops exit
	handlers  []FrameHandler
	closed    bool

	reconnectInterval time.Duration
	reconnectTimeout  time.Duration

	log     *observability.Logger
	metrics *observability.MetricsCollector
}

// New creates a channel for a WebSocket URL. metrics may be nil.
func New(url string, metrics *observability.MetricsCollector) *Channel {
	return &Channel{
		url:               url,
		reconnectInterval: defaultReconnectInterval,
		reconnectTimeout:  defaultReconnectTimeout,
		log:               observability.NewLogger("transport", nil),
		metrics:           metrics,
	}
}

// SetReconnectPolicy overrides the retry interval and overall bound.
func (c *Channel) SetReconnectPolicy(interval, timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if interval > 0 {
		c.reconnectInterval = interval
	}
	if timeout > 0 {
		c.reconnectTimeout = timeout
	}
}

// OnFrame registers a handler for inbound frames. Handlers survive
// reconnection.
func (c *Channel) OnFrame(fn FrameHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, fn)
}

// Connect dials the backend and starts the read loop.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("transport: dial %q: %w", c.url, err)
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.connected = true
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	c.log.ChannelEvent("connected", "url", c.url)
	go c.readLoop(conn, gen)
	return nil
}

// Connected reports whether the channel is currently open.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Send transmits a text frame. Returns ErrChannelUnavailable while the
// channel is not open; it never panics on a closed channel.
func (c *Channel) Send(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.conn == nil {
		return ErrChannelUnavailable
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		c.connected = false
		return fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}
	if c.metrics != nil {
		c.metrics.Increment("frames_out")
	}
	return nil
}

// SendOrReconnect sends, reconnecting once with the bounded policy when
// the channel is down. On reconnect exhaustion ErrReconnectTimeout is
// returned so the caller can degrade to local execution.
func (c *Channel) SendOrReconnect(ctx context.Context, text string) error {
	err := c.Send(text)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrChannelUnavailable) {
		return err
	}
	if err := c.Reconnect(ctx); err != nil {
		return err
	}
	return c.Send(text)
}

// Reconnect re-dials until the channel is open or the bound elapses.
// The connection reference is replaced in place; handlers stay attached.
func (c *Channel) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelUnavailable
	}
	interval, bound := c.reconnectInterval, c.reconnectTimeout
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.Increment("reconnects")
		c.metrics.Record(observability.MetricReconnects, 1, nil)
	}

	deadline := time.Now().Add(bound)
	attempt := 0
	for {
		attempt++
		dialCtx, cancel := context.WithDeadline(ctx, deadline)
		err := c.Connect(dialCtx)
		cancel()
		if err == nil {
			c.log.ChannelEvent("reconnected", "attempts", attempt)
			return nil
		}

		if time.Now().After(deadline) {
			c.log.Error("reconnect exhausted", "attempts", attempt, "bound", bound.String())
			return fmt.Errorf("%w after %d attempts", ErrReconnectTimeout, attempt)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Close shuts the channel down for good.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.connected = false
	if c.conn != nil {
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// readLoop reads frames until the connection fails or is replaced.
func (c *Channel) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.gen == gen {
				c.connected = false
			}
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.log.Warn("read loop ended", "error", err)
			}
			return
		}

		c.mu.Lock()
		stale := c.gen != gen
		handlers := make([]FrameHandler, len(c.handlers))
		copy(handlers, c.handlers)
		c.mu.Unlock()
		if stale {
			return
		}

		if c.metrics != nil {
			c.metrics.Increment("frames_in")
		}
		frame := protocol.Classify(string(data))
		for _, fn := range handlers {
			fn(frame)
		}
	}
}
