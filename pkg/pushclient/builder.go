package pushclient

import (
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/tsarna/pushclient/pkg/pushclient/o11y"
	"github.com/tsarna/pushclient/pkg/pushclient/protocol"
	"github.com/tsarna/pushclient/pkg/pushclient/transport"
	"github.com/tsarna/pushclient/pkg/pushclient/transport/httpx"
	"github.com/tsarna/pushclient/pkg/pushclient/transport/ws"
	"go.uber.org/zap"
)

// ClientBuilder provides a fluent interface for building clients.
type ClientBuilder struct {
	serverAddress string
	adapterSet    string
	user          string
	password      string
	logger        *zap.Logger
	dialer        protocol.Dialer
	clock         clock.Clock
	metrics       o11y.MetricsProvider
	tracing       o11y.TracingProvider
	options       *ConnectionOptions
	delegates     []ClientDelegate
	authHandler   AuthHandler
}

// NewClient creates a new client builder.
func NewClient() *ClientBuilder {
	return &ClientBuilder{
		logger: zap.NewNop(),
	}
}

// WithServerAddress sets the URL of the push server, with an http, https, ws
// or wss scheme.
func (b *ClientBuilder) WithServerAddress(addr string) *ClientBuilder {
	b.serverAddress = addr
	return b
}

func (b *ClientBuilder) WithAdapterSet(name string) *ClientBuilder {
	b.adapterSet = name
	return b
}

// WithCredentials sets the user and password sent on session creation.
func (b *ClientBuilder) WithCredentials(user, password string) *ClientBuilder {
	b.user = user
	b.password = password
	return b
}

// WithLogger sets the logger for the client.
func (b *ClientBuilder) WithLogger(logger *zap.Logger) *ClientBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithDialer replaces the default dialer, which offers WebSocket and HTTP.
func (b *ClientBuilder) WithDialer(dialer protocol.Dialer) *ClientBuilder {
	if dialer != nil {
		b.dialer = dialer
	}
	return b
}

// WithClock sets the clock used for every timeout. Meant for tests.
func (b *ClientBuilder) WithClock(clk clock.Clock) *ClientBuilder {
	if clk != nil {
		b.clock = clk
	}
	return b
}

// WithMetrics enables metrics for the client, its subscriptions and messages.
func (b *ClientBuilder) WithMetrics(provider o11y.MetricsProvider) *ClientBuilder {
	b.metrics = provider
	return b
}

// WithTracing enables a span around every session creation.
func (b *ClientBuilder) WithTracing(provider o11y.TracingProvider) *ClientBuilder {
	b.tracing = provider
	return b
}

// WithOptions sets the initial connection options. The client keeps using the
// given instance.
func (b *ClientBuilder) WithOptions(opts *ConnectionOptions) *ClientBuilder {
	if opts != nil {
		b.options = opts
	}
	return b
}

// WithDelegate registers a delegate before the client starts, so it observes
// every notification.
func (b *ClientBuilder) WithDelegate(d ClientDelegate) *ClientBuilder {
	if d != nil {
		b.delegates = append(b.delegates, d)
	}
	return b
}

// WithAuthHandler sets the function consulted when the server challenges the
// client for credentials.
func (b *ClientBuilder) WithAuthHandler(handler AuthHandler) *ClientBuilder {
	b.authHandler = handler
	return b
}

// Build creates and starts a client with the configured options. The client
// does not connect until Connect is called.
func (b *ClientBuilder) Build() (*Client, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	details := NewConnectionDetails()
	details.serverAddress = b.serverAddress
	details.adapterSet = b.adapterSet
	details.user = b.user
	details.password = b.password

	dialer := b.dialer
	if dialer == nil {
		dialer = transport.Combine(
			ws.NewDialer(b.logger),
			httpx.NewDialer(b.logger).WithTracing(b.tracing != nil),
		)
	}

	id := uuid.NewString()
	client := &Client{
		id:          id,
		logger:      b.logger.With(zap.String("client", id)),
		dialer:      dialer,
		clock:       b.clock,
		metrics:     b.metrics,
		tracing:     b.tracing,
		authHandler: b.authHandler,
		options:     b.options,
		details:     details,
	}
	client.start()
	for _, d := range b.delegates {
		client.AddDelegate(d)
	}

	return client, nil
}

// IsValid checks the configuration and fills in defaults.
func (b *ClientBuilder) IsValid() error {
	if b.serverAddress != "" {
		if err := ValidateServerAddress(b.serverAddress); err != nil {
			return err
		}
	}

	// Logger is optional - we provide a default nop logger
	if b.logger == nil {
		b.logger = zap.NewNop()
	}

	if b.clock == nil {
		b.clock = clock.New()
	}

	if b.options == nil {
		b.options = NewConnectionOptions()
	}

	return nil
}
