// Package websocket is the client transport: one persistent websocket connection
// exposed as a send primitive plus an ordered stream of inbound frames.
package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var ErrClosed = errors.New("websocket: channel closed")

// Config 连接参数
type Config struct {
	URL                string
	InsecureSkipVerify bool
	HandshakeTimeout   time.Duration
	WriteTimeout       time.Duration
	MaxMessageSize     int64 // 0 表示不限制
	InboundBuffer      int
	Header             http.Header
}

// Channel wraps a client connection. Inbound frames are delivered on a channel fed by
// a dedicated read goroutine; the channel is closed when the connection drops.
type Channel struct {
	conn         *websocket.Conn
	inbound      chan []byte
	done         chan struct{}
	writeMu      sync.Mutex
	writeTimeout time.Duration
	closeOnce    sync.Once

	errMu sync.Mutex
	err   error
}

// Dial opens the connection and starts the read pump. It returns once the
// handshake completed, i.e. the connection is open.
func Dial(ctx context.Context, cfg Config) (*Channel, error) {
	if cfg.URL == "" {
		return nil, errors.New("websocket: empty url")
	}
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}, //nolint:gosec // opt-in via config
	}

	conn, resp, err := dialer.DialContext(ctx, cfg.URL, cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket: dial %s: %w (http %d)", cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket: dial %s: %w", cfg.URL, err)
	}
	if cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	logrus.Infof("WebSocket connected to %s", cfg.URL)
	return newChannel(conn, cfg), nil
}

func newChannel(conn *websocket.Conn, cfg Config) *Channel {
	buffer := cfg.InboundBuffer
	if buffer <= 0 {
		buffer = 64
	}
	c := &Channel{
		conn:         conn,
		inbound:      make(chan []byte, buffer),
		done:         make(chan struct{}),
		writeTimeout: cfg.WriteTimeout,
	}
	go c.readPump()
	return c
}

// Inbound delivers frames in arrival order.
func (c *Channel) Inbound() <-chan []byte { return c.inbound }

// Err returns why the inbound stream ended, or nil while it is open.
func (c *Channel) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Send writes one text frame. Concurrent callers are serialized.
func (c *Channel) Send(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Time{}
	if c.writeTimeout > 0 {
		deadline = time.Now().Add(c.writeTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("websocket: set write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("websocket: write: %w", err)
	}
	return nil
}

// Close sends a close frame and tears the connection down.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Channel) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// readPump pumps frames from the connection to the inbound channel
func (c *Channel) readPump() {
	defer close(c.inbound)

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				c.setErr(ErrClosed)
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logrus.Warnf("WebSocket read error: %v", err)
				}
				c.setErr(fmt.Errorf("%w: %v", ErrClosed, err))
			}
			return
		}

		select {
		case c.inbound <- message:
		case <-c.done:
			c.setErr(ErrClosed)
			return
		}
	}
}
