// Package transport owns the physical WebSocket connection of a wsterm session.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/remote-agent-terminal/wsterm/internal/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next message or pong from the peer.
	pongWait = 60 * time.Second

	inboundQueue = 16
)

// MaxMessageSize is the largest WebSocket message accepted from the peer.
const MaxMessageSize = 1 << 20

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Clients are terminals, not browsers; the token gates access.
		return true
	},
}

// Options tunes a Channel.
type Options struct {
	// Header is sent with the upgrade request (Dial) or response (Accept).
	Header http.Header

	// PingInterval is how often pings are sent. Defaults to 9/10 of ReadTimeout.
	PingInterval time.Duration

	// ReadTimeout bounds silence from the peer before Receive fails with ErrTransportTimeout.
	ReadTimeout time.Duration

	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = pongWait
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.ReadTimeout {
		o.PingInterval = (o.ReadTimeout * 9) / 10
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Channel is an ordered, reliable, message-oriented connection.
// Send may be called from one goroutine at a time; Receive likewise.
type Channel struct {
	conn *websocket.Conn
	opts Options
	log  *zap.Logger

	in chan []byte

	writeMu sync.Mutex

	mu     sync.Mutex
	err    error
	done   chan struct{}
	closed bool
}

// Dial connects to a wsterm server.
func Dial(ctx context.Context, url string, opts Options) (*Channel, error) {
	opts = opts.withDefaults()
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: writeWait,
		ReadBufferSize:   32 * 1024,
		WriteBufferSize:  32 * 1024,
	}
	conn, resp, err := dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (HTTP %d)", err, resp.StatusCode)
		}
		return nil, &model.ConnectionError{URL: url, Err: err}
	}
	return newChannel(conn, opts), nil
}

// Accept upgrades an HTTP request to a Channel.
func Accept(w http.ResponseWriter, r *http.Request, opts Options) (*Channel, error) {
	opts = opts.withDefaults()
	conn, err := upgrader.Upgrade(w, r, opts.Header)
	if err != nil {
		return nil, &model.ConnectionError{URL: r.URL.String(), Err: err}
	}
	return newChannel(conn, opts), nil
}

func newChannel(conn *websocket.Conn, opts Options) *Channel {
	c := &Channel{
		conn: conn,
		opts: opts,
		log:  opts.Logger.Named("transport").With(zap.String("peer", conn.RemoteAddr().String())),
		in:   make(chan []byte, inboundQueue),
		done: make(chan struct{}),
	}
	go c.readPump()
	go c.pingPump()
	return c
}

// readPump pumps messages from the WebSocket connection to Receive.
func (c *Channel) readPump() {
	c.conn.SetReadLimit(MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		return nil
	})

	for {
		mt, message, err := c.conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				c.fail(model.ErrTransportTimeout)
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					c.log.Debug("websocket read failed", zap.Error(err))
				}
				c.fail(model.ErrTransportClosed)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		if mt != websocket.BinaryMessage {
			continue
		}
		select {
		case c.in <- message:
		case <-c.done:
			return
		}
	}
}

// pingPump keeps the connection alive and detects a silent peer.
func (c *Channel) pingPump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.fail(model.ErrTransportClosed)
				return
			}
		case <-c.done:
			return
		}
	}
}

// Send writes one message. It fails with model.ErrTransportClosed once the connection is gone.
func (c *Channel) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return c.Err()
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		c.log.Debug("websocket write failed", zap.Error(err))
		c.fail(model.ErrTransportClosed)
		return model.ErrTransportClosed
	}
	return nil
}

// Receive returns the next message. It fails with model.ErrTransportClosed
// or model.ErrTransportTimeout.
func (c *Channel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	default:
	}
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.done:
		return nil, c.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed when the connection fails or is closed.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err returns why the channel stopped, or nil while it is open.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// RemoteAddr returns the peer address.
func (c *Channel) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Close sends a close message and releases the connection.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.fail(model.ErrTransportClosed)
	return nil
}

func (c *Channel) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.err = err
	close(c.done)
	c.conn.Close()
}
