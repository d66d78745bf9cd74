// Package ws carries the push connection over gorilla/websocket.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Calling/internal/core"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	defaultWriteWait        = 5 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	maxFrameSize            = 1 << 20
)

var errConnClosed = errors.New("connection closed")

// Dialer opens push sockets.
type Dialer struct {
	WriteWait time.Duration
	Header    http.Header
	dialer    *websocket.Dialer
}

func NewDialer() *Dialer {
	return &Dialer{
		WriteWait: defaultWriteWait,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
		},
	}
}

func (d *Dialer) Dial(ctx context.Context, url string) (core.Socket, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("ws dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("ws dial: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)
	log.Debug().Str("module", "ws").Str("remote", conn.RemoteAddr().String()).Msg("dialed")
	return &Conn{conn: conn, writeWait: d.WriteWait}, nil
}

// Conn adapts a websocket connection to core.Socket. Reads happen on a
// single goroutine; writes are serialized.
type Conn struct {
	conn      *websocket.Conn
	writeWait time.Duration

	mu     sync.Mutex
	closed bool
}

func (c *Conn) ReadFrame() (core.Frame, error) {
	_, data, err := c.conn.ReadMessage()
	if err == nil {
		return data, nil
	}
	if isClosed(err) || c.isClosed() {
		return nil, fmt.Errorf("%w: %v", core.ErrSocketClosed, err)
	}
	return nil, err
}

func (c *Conn) WriteFrame(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, f)
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func isClosed(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce)
}
