// Package pushclient is a client for real-time push servers. A Client keeps one
// session open to the server, choosing between WebSocket and HTTP streaming or
// polling, and recovers from stalls and failures on its own. Subscriptions and
// messages handed to the Client survive reconnections according to their own
// rules.
//
// Every notification of a Client, including those of its subscriptions and
// messages, is delivered one at a time in a single order.
package pushclient

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/tsarna/pushclient/pkg/pushclient/dispatch"
	"github.com/tsarna/pushclient/pkg/pushclient/message"
	"github.com/tsarna/pushclient/pkg/pushclient/o11y"
	"github.com/tsarna/pushclient/pkg/pushclient/protocol"
	"github.com/tsarna/pushclient/pkg/pushclient/subscription"
	"go.uber.org/zap"
)

// Client is a push client. Use NewClient to build one. All methods are safe for
// concurrent use.
type Client struct {
	id          string
	logger      *zap.Logger
	dialer      protocol.Dialer
	clock       clock.Clock
	metrics     o11y.MetricsProvider
	tracing     o11y.TracingProvider
	authHandler AuthHandler

	options *ConnectionOptions
	details *ConnectionDetails

	// lane delivers notifications; worker runs the engine.
	lane      *dispatch.Dispatcher
	worker    *dispatch.Dispatcher
	delegates dispatch.Listeners[ClientDelegate]

	registry *subscription.Registry
	queue    *message.Queue
	engine   *engine

	mu     sync.RWMutex
	status Status
	closed atomic.Bool
}

func (c *Client) start() {
	c.status = StatusDisconnected
	c.lane = dispatch.New(c.logger).Start()
	c.worker = dispatch.New(c.logger).Start()

	c.registry = subscription.NewRegistry(c.logger, c.lane, c.post).WithMetrics(c.metrics)
	c.queue = message.NewQueue(c.logger, c.lane, c.clock).WithMetrics(c.metrics)
	c.engine = newEngine(c)

	c.details.setOnChange(c.notifyProperty)
	c.options.setOnChange(func(property string) {
		c.notifyProperty(property)
		c.post(func() { c.engine.optionChanged(property) })
	})
}

func (c *Client) post(fn func()) {
	_ = c.worker.Dispatch(fn)
}

func (c *Client) notifyProperty(property string) {
	dispatch.Notify(c.lane, &c.delegates, func(d ClientDelegate) { d.OnPropertyChange(property) })
}

func (c *Client) publishStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
	dispatch.Notify(c.lane, &c.delegates, func(d ClientDelegate) { d.OnStatusChange(s) })
}

func (c *Client) publishServerError(code int, msg string) {
	dispatch.Notify(c.lane, &c.delegates, func(d ClientDelegate) { d.OnServerError(code, msg) })
}

// ID returns the identifier of this client instance, attached to every log
// entry it writes.
func (c *Client) ID() string {
	return c.id
}

// Options returns the live connection options. Changes apply to the current
// session where possible and to the next one otherwise.
func (c *Client) Options() *ConnectionOptions {
	return c.options
}

// Details returns the server coordinates and the facts of the current session.
func (c *Client) Details() *ConnectionDetails {
	return c.details
}

// Status returns the last status notified to delegates.
func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Connect opens a session. It returns at once; progress is reported through
// OnStatusChange. Calling it while a session is being opened or is open does
// nothing.
func (c *Client) Connect() error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if c.details.ServerAddress() == "" {
		return fmt.Errorf("%w: no server address configured", ErrIllegalState)
	}
	c.post(c.engine.connect)
	return nil
}

// Disconnect closes the session and stops any retry. Subscriptions stay active
// and are resubmitted on the next Connect.
func (c *Client) Disconnect() error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	c.post(c.engine.disconnect)
	return nil
}

// Close disconnects, aborts every pending message and releases the client's
// goroutines after delivering the notifications already queued. It must not be
// called from a delegate.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.post(c.engine.close)
	_ = c.worker.Close()
	return c.lane.Close()
}

// Subscribe activates sub on this client. It fails with ErrIllegalState if sub
// is already active.
func (c *Client) Subscribe(sub *subscription.Subscription) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if err := c.registry.Attach(sub); err != nil {
		return err
	}
	c.post(func() { c.registry.Add(sub) })
	return nil
}

// Unsubscribe deactivates sub. It fails with ErrIllegalState if sub is not
// active on this client.
func (c *Client) Unsubscribe(sub *subscription.Subscription) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if err := c.registry.Detach(sub); err != nil {
		return err
	}
	c.post(func() { c.registry.Remove(sub) })
	return nil
}

// Subscriptions returns the active subscriptions in the order they were added.
func (c *Client) Subscriptions() []*subscription.Subscription {
	return c.registry.Subscriptions()
}

// SendMessage queues m for delivery. Its delegate, if any, receives exactly
// one outcome.
func (c *Client) SendMessage(m *message.Message) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if m.Sequence != "" && !message.ValidSequence(m.Sequence) {
		return illegalArgument("invalid message sequence %q", m.Sequence)
	}
	if m.Timeout < 0 {
		return illegalArgument("message timeout must not be negative, got %s", m.Timeout)
	}
	if !m.Claim() {
		return illegalState("message %q was already submitted", m.Text)
	}
	c.post(func() { c.queue.Submit(m) })
	return nil
}

// AddDelegate registers d. OnListenStart is delivered before any other
// notification to d.
func (c *Client) AddDelegate(d ClientDelegate) {
	if h, added := c.delegates.Add(d); added {
		dispatch.NotifyHandle(c.lane, h, func(d ClientDelegate) { d.OnListenStart(c) })
	}
}

// RemoveDelegate unregisters d. OnListenEnd is its last notification.
func (c *Client) RemoveDelegate(d ClientDelegate) {
	if h, removed := c.delegates.Remove(d); removed {
		dispatch.NotifyRemoved(c.lane, h, func(d ClientDelegate) { d.OnListenEnd(c) })
	}
}

func (c *Client) Delegates() []ClientDelegate {
	return c.delegates.Values()
}

// sync waits until the engine and the notification lane are idle.
func (c *Client) sync() {
	<-c.worker.Barrier()
	<-c.lane.Barrier()
}
