// Package protocol defines the boundary between the push client engine and the
// transports that carry its traffic: the parsed events a transport delivers,
// the requests the engine produces, and the Dialer/Conn pair that moves them.
package protocol

import (
	"context"
	"errors"
	"net/http"
)

// Kind identifies a physical transport family.
type Kind string

const (
	KindWS   Kind = "WS"
	KindHTTP Kind = "HTTP"
)

// ErrUnsupportedKind is returned by a Dialer asked for a transport it cannot provide.
var ErrUnsupportedKind = errors.New("transport kind not supported")

// ErrConnClosed is returned by Send on a connection that has been closed.
var ErrConnClosed = errors.New("connection closed")

// Target describes a physical connection to open.
type Target struct {
	ServerAddress string
	Kind          Kind
	Polling       bool
	Headers       http.Header
}

// Dialer opens physical connections. Implementations must be safe for
// concurrent use.
type Dialer interface {
	Supports(kind Kind) bool
	Dial(ctx context.Context, target Target) (Conn, error)
}

// Conn is one physical connection.
//
// Events delivers parsed events in the order they were received and is closed
// once the connection is gone. A physical close is reported as a Closed event
// before the channel closes; an unparseable frame is reported as a ParseError
// and does not close the connection.
//
// Send queues a request for transmission and must not block for longer than it
// takes to enqueue it.
type Conn interface {
	Events() <-chan Event
	Send(ctx context.Context, req Request) error
	Close() error
}
