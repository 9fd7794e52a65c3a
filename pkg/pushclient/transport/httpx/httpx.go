// Package httpx carries the push protocol over plain HTTP.
//
// A create or bind request is POSTed to the stream endpoint and the response
// body is read as newline-delimited wire messages. Every other request is
// POSTed to the control endpoint with the session id in a header; its effects
// arrive on the stream. A control request refused with 401 is reported as an
// AuthChallenge.
package httpx

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/tsarna/pushclient/pkg/pushclient/protocol"
	"github.com/tsarna/pushclient/pkg/pushclient/transport"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// SessionHeader carries the session id of control requests.
const SessionHeader = "X-Push-Session"

const contentType = "application/json"

// Dialer opens HTTP connections. No network traffic happens until the first
// request is sent.
type Dialer struct {
	logger *zap.Logger
	client *http.Client
}

func NewDialer(logger *zap.Logger) *Dialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dialer{logger: logger, client: &http.Client{}}
}

// WithHTTPClient sets the client used for every request. It must not have a
// timeout shorter than the longest expected stream.
func (d *Dialer) WithHTTPClient(client *http.Client) *Dialer {
	if client != nil {
		d.client = client
	}
	return d
}

// WithTracing wraps the client transport with OpenTelemetry instrumentation.
func (d *Dialer) WithTracing(enabled bool) *Dialer {
	if enabled {
		base := d.client.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		client := *d.client
		client.Transport = otelhttp.NewTransport(base)
		d.client = &client
	}
	return d
}

func (d *Dialer) Supports(kind protocol.Kind) bool {
	return kind == protocol.KindHTTP
}

func (d *Dialer) Dial(_ context.Context, target protocol.Target) (protocol.Conn, error) {
	if target.Kind != protocol.KindHTTP {
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnsupportedKind, target.Kind)
	}
	stream, err := transport.ResolveURL(target.ServerAddress, protocol.KindHTTP, transport.PathStream)
	if err != nil {
		return nil, err
	}
	control, err := transport.ResolveURL(target.ServerAddress, protocol.KindHTTP, transport.PathControl)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		logger:     d.logger,
		client:     d.client,
		streamURL:  stream,
		controlURL: control,
		headers:    target.Headers,
		polling:    target.Polling,
		ctx:        ctx,
		cancel:     cancel,
		events:     make(chan protocol.Event, 64),
		controls:   make(chan protocol.Request, 100),
	}
	go c.controlLoop()
	return c, nil
}

type conn struct {
	logger     *zap.Logger
	client     *http.Client
	streamURL  string
	controlURL string
	headers    http.Header
	polling    bool

	ctx    context.Context
	cancel context.CancelFunc

	events   chan protocol.Event
	controls chan protocol.Request

	mu        sync.Mutex
	sessionID string
	streaming bool
	closed    bool
	// emitting counts goroutines that may still write to events.
	emitting sync.WaitGroup
	closeOnce sync.Once
}

func (c *conn) Events() <-chan protocol.Event {
	return c.events
}

func (c *conn) Send(ctx context.Context, req protocol.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return protocol.ErrConnClosed
	}

	switch r := req.(type) {
	case protocol.CreateSession, protocol.BindSession:
		if c.streaming {
			return fmt.Errorf("stream already open on this connection")
		}
		if b, ok := r.(protocol.BindSession); ok {
			c.sessionID = b.SessionID
		}
		c.streaming = true
		c.emitting.Add(1)
		go c.stream(req)
		return nil
	}

	select {
	case c.controls <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("control queue is full")
	}
}

func (c *conn) Close() error {
	c.closeWith(nil)
	return nil
}

func (c *conn) closeWith(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.cancel()
		go func() {
			c.emitting.Wait()
			c.events <- protocol.Closed{Err: err}
			close(c.events)
		}()
	})
}

func (c *conn) newRequest(url string, req protocol.Request) (*http.Request, error) {
	body, err := protocol.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(c.ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for key, values := range c.headers {
		httpReq.Header[key] = values
	}
	httpReq.Header.Set("Content-Type", contentType)
	return httpReq, nil
}

func (c *conn) stream(req protocol.Request) {
	defer c.emitting.Done()

	httpReq, err := c.newRequest(c.streamURL, req)
	if err != nil {
		c.closeWith(err)
		return
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.closeWith(err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		c.closeWith(fmt.Errorf("stream request failed: %s: %s", resp.Status, strings.TrimSpace(string(msg))))
		return
	}

	looped := false
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		ev, err := protocol.DecodeEvent(line)
		if err != nil {
			ev = protocol.ParseError{Err: err, Raw: string(line)}
		}
		switch e := ev.(type) {
		case protocol.SessionCreated:
			c.mu.Lock()
			c.sessionID = e.SessionID
			c.mu.Unlock()
		case protocol.Loop:
			looped = true
		}
		c.events <- ev
	}

	if err := scanner.Err(); err != nil && c.ctx.Err() == nil {
		c.closeWith(err)
		return
	}
	// a finished poll keeps the connection usable for control requests
	if !(c.polling && looped) {
		c.closeWith(nil)
	}
}

func (c *conn) controlLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case req := <-c.controls:
			if err := c.control(req); err != nil && c.ctx.Err() == nil {
				c.logger.Warn("Control request failed", zap.Error(err))
			}
		}
	}
}

func (c *conn) control(req protocol.Request) error {
	httpReq, err := c.newRequest(c.controlURL, req)
	if err != nil {
		return err
	}
	c.mu.Lock()
	httpReq.Header.Set(SessionHeader, c.sessionID)
	c.mu.Unlock()

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		c.emit(protocol.AuthChallenge{Realm: realm(resp.Header.Get("WWW-Authenticate"))})
		return nil
	case resp.StatusCode >= 300:
		return fmt.Errorf("control request refused: %s", resp.Status)
	}
	return nil
}

// emit delivers an event from outside the stream goroutine.
func (c *conn) emit(ev protocol.Event) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.emitting.Add(1)
	c.mu.Unlock()
	defer c.emitting.Done()
	c.events <- ev
}

func realm(challenge string) string {
	_, params, found := strings.Cut(challenge, " ")
	if !found {
		return ""
	}
	for _, p := range strings.Split(params, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(p), "=")
		if ok && strings.EqualFold(key, "realm") {
			return strings.Trim(value, `"`)
		}
	}
	return ""
}
