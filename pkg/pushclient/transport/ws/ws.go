// Package ws carries the push protocol over WebSocket. Each wire message is one
// text frame.
package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tsarna/pushclient/pkg/pushclient/protocol"
	"github.com/tsarna/pushclient/pkg/pushclient/transport"
	"go.uber.org/zap"
)

// Dialer opens WebSocket connections.
type Dialer struct {
	logger           *zap.Logger
	dialTimeout      time.Duration
	writeChannelSize int
}

// NewDialer creates a WebSocket dialer with default settings.
func NewDialer(logger *zap.Logger) *Dialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dialer{
		logger:           logger,
		dialTimeout:      30 * time.Second,
		writeChannelSize: 100,
	}
}

// WithDialTimeout bounds the WebSocket handshake.
func (d *Dialer) WithDialTimeout(timeout time.Duration) *Dialer {
	if timeout > 0 {
		d.dialTimeout = timeout
	}
	return d
}

// WithWriteChannelSize sets how many requests may wait to be written.
func (d *Dialer) WithWriteChannelSize(size int) *Dialer {
	if size > 0 {
		d.writeChannelSize = size
	}
	return d
}

func (d *Dialer) Supports(kind protocol.Kind) bool {
	return kind == protocol.KindWS
}

func (d *Dialer) Dial(ctx context.Context, target protocol.Target) (protocol.Conn, error) {
	if target.Kind != protocol.KindWS {
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnsupportedKind, target.Kind)
	}
	endpoint, err := transport.ResolveURL(target.ServerAddress, protocol.KindWS, transport.PathWS)
	if err != nil {
		return nil, err
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, d.dialTimeout)
	defer dialCancel()

	opts := &websocket.DialOptions{}
	if len(target.Headers) > 0 {
		opts.HTTPHeader = target.Headers.Clone()
	}

	ws, _, err := websocket.Dial(dialCtx, endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	d.logger.Debug("WebSocket connected", zap.String("url", endpoint), zap.Bool("polling", target.Polling))
	return newConn(ws, d.logger, d.writeChannelSize), nil
}

// conn adapts a WebSocket to protocol.Conn with one read and one write loop.
type conn struct {
	ws     *websocket.Conn
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	events chan protocol.Event
	writes chan []byte

	mu        sync.Mutex
	err       error
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, logger *zap.Logger, writeChannelSize int) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:     ws,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan protocol.Event, 64),
		writes: make(chan []byte, writeChannelSize),
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

func (c *conn) Events() <-chan protocol.Event {
	return c.events
}

func (c *conn) Send(ctx context.Context, req protocol.Request) error {
	if c.ctx.Err() != nil {
		return protocol.ErrConnClosed
	}
	data, err := protocol.EncodeRequest(req)
	if err != nil {
		return err
	}

	select {
	case c.writes <- data:
		return nil
	case <-c.ctx.Done():
		return protocol.ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("write channel is full")
	}
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.ws.Close(websocket.StatusNormalClosure, "client close")
	})
	return nil
}

// fail records the first error that ends the connection.
func (c *conn) fail(err error) {
	c.mu.Lock()
	if c.err == nil && c.ctx.Err() == nil {
		c.err = err
	}
	c.mu.Unlock()
	_ = c.Close()
}

func (c *conn) readLoop() {
	defer func() {
		c.mu.Lock()
		err := c.err
		c.mu.Unlock()
		c.events <- protocol.Closed{Err: err}
		close(c.events)
	}()

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				c.logger.Warn("Failed to read from WebSocket", zap.Error(err))
				c.fail(err)
			} else {
				_ = c.Close()
			}
			return
		}

		ev, err := protocol.DecodeEvent(data)
		if err != nil {
			ev = protocol.ParseError{Err: err, Raw: string(data)}
		}
		c.events <- ev
	}
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.writes:
			if err := c.ws.Write(c.ctx, websocket.MessageText, data); err != nil {
				if !errors.Is(err, context.Canceled) {
					c.logger.Warn("Failed to write to WebSocket", zap.Error(err))
					c.fail(err)
				}
				return
			}
		}
	}
}
