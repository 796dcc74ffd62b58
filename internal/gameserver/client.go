package gameserver

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Default write queue / timeout constants.
// Overridden by config values when available.
const (
	defaultSendQueueSize = 256
	defaultWriteTimeout  = 5 * time.Second
	defaultReadTimeout   = 120 * time.Second
)

var errSendQueueFull = errors.New("send queue full")

// Client is one websocket connection of an authenticated player.
type Client struct {
	conn        *websocket.Conn
	id          string
	userID      int64
	displayName string

	// state is atomic so the hot path reads it without locking
	state atomic.Int32

	// replaced is set when a newer connection of the same player takes over.
	// A replaced connection never moves the runtime to DISCONNECTED_PENDING.
	replaced atomic.Bool

	intents *rate.Limiter

	// Per-client write queue. writePump is the only writer of conn.
	sendCh    chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once
	closeMsg  []byte // close frame written by writePump on exit

	writeTimeout time.Duration
	pingPeriod   time.Duration
}

// ClientOptions sizes the outbox and the intent throttle.
type ClientOptions struct {
	SendQueueSize    int
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	IntentsPerSecond float64
	IntentBurst      int
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, claims Claims, opts ClientOptions) *Client {
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = defaultSendQueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}

	c := &Client{
		conn:         conn,
		id:           uuid.NewString(),
		userID:       claims.UserID,
		displayName:  claims.DisplayName,
		intents:      rate.NewLimiter(rate.Limit(opts.IntentsPerSecond), opts.IntentBurst),
		sendCh:       make(chan []byte, opts.SendQueueSize),
		closeCh:      make(chan struct{}),
		writeTimeout: opts.WriteTimeout,
		pingPeriod:   opts.ReadTimeout * 9 / 10,
	}
	c.state.Store(int32(ClientStateConnected))
	return c
}

// ID returns the connection id (uuid), distinct for every connection.
func (c *Client) ID() string {
	return c.id
}

// UserID returns the authenticated player id.
func (c *Client) UserID() int64 {
	return c.userID
}

// DisplayName returns the name carried by the token, possibly empty.
func (c *Client) DisplayName() string {
	return c.displayName
}

// State returns the current connection state.
func (c *Client) State() ClientConnectionState {
	return ClientConnectionState(c.state.Load())
}

// SetState sets the connection state.
func (c *Client) SetState(s ClientConnectionState) {
	c.state.Store(int32(s))
}

// MarkReplaced flags the connection as superseded.
func (c *Client) MarkReplaced() {
	c.replaced.Store(true)
}

// Replaced reports whether a newer connection took over.
func (c *Client) Replaced() bool {
	return c.replaced.Load()
}

// AllowIntent consumes one move:intent token.
func (c *Client) AllowIntent() bool {
	return c.intents.Allow()
}

// writePump is a dedicated writer goroutine for this client.
// Reads frames from sendCh and writes them to conn. On close it flushes what
// is already queued, writes the close frame and closes the socket.
//
// Pattern: Gorilla WebSocket Chat.
func (c *Client) writePump() {
	ping := time.NewTicker(c.pingPeriod)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.sendCh:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				slog.Debug("write failed", "client", c.id, "userID", c.userID, "error", err)
				c.CloseAsync()
				return
			}

		case <-ping.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.CloseAsync()
				return
			}

		case <-c.closeCh:
			c.drain()
			msg := c.closeMsg
			if msg == nil {
				msg = websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			}
			_ = c.write(websocket.CloseMessage, msg)
			return
		}
	}
}

// drain writes frames queued before close, best effort.
func (c *Client) drain() {
	for {
		select {
		case frame := <-c.sendCh:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

// Send queues an encoded frame for async delivery.
// Non-blocking: a full queue closes the connection (slow client).
// Frames may be shared between clients and must not be modified.
func (c *Client) Send(frame []byte) error {
	select {
	case <-c.closeCh:
		return websocket.ErrCloseSent
	default:
	}

	select {
	case c.sendCh <- frame:
		return nil
	default:
		slog.Warn("send queue full, disconnecting slow client", "client", c.id, "userID", c.userID)
		c.CloseWith(websocket.ClosePolicyViolation, "send queue full")
		return errSendQueueFull
	}
}

// CloseWith closes the connection with the given close code and reason.
// Frames already queued are still written.
func (c *Client) CloseWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeMsg = websocket.FormatCloseMessage(code, reason)
		c.state.Store(int32(ClientStateDisconnected))
		close(c.closeCh)
	})
}

// CloseAsync signals the writePump to stop without blocking.
// Safe to call multiple times.
func (c *Client) CloseAsync() {
	c.CloseWith(websocket.CloseNormalClosure, "")
}

// Done is closed once the connection starts closing.
func (c *Client) Done() <-chan struct{} {
	return c.closeCh
}
