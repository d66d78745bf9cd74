package core

import (
	"context"
	"encoding/json"
	"errors"
)

// Frame is a raw payload as read from or written to the push socket.
type Frame []byte

// Socket abstracts one live push connection.
// Owned by the transport manager; the manager must Close() it.
type Socket interface {
	// ReadFrame blocks until the next frame or a read error.
	ReadFrame() (Frame, error)
	WriteFrame(Frame) error
	Close() error
}

// Dialer opens push sockets. Dial resolves once the socket is ready.
type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// Envelope is a decoded push event; only Type is interpreted here.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// ErrSocketClosed is wrapped by Socket.ReadFrame when the peer closed the
// connection, as opposed to a transport error.
var ErrSocketClosed = errors.New("socket closed")
