package pushclient

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/tsarna/pushclient/pkg/pushclient/protocol"
)

// Property names used in OnPropertyChange notifications.
const (
	PropAdapterSet                        = "adapterSet"
	PropServerAddress                     = "serverAddress"
	PropUser                              = "user"
	PropPassword                          = "password"
	PropSessionID                         = "sessionId"
	PropServerInstanceAddress             = "serverInstanceAddress"
	PropServerSocketName                  = "serverSocketName"
	PropClientIP                          = "clientIp"
	PropConnectTimeout                    = "connectTimeout"
	PropStalledTimeout                    = "stalledTimeout"
	PropReconnectTimeout                  = "reconnectTimeout"
	PropRetryDelay                        = "retryDelay"
	PropFirstRetryMaxDelay                = "firstRetryMaxDelay"
	PropReverseHeartbeatInterval          = "reverseHeartbeatInterval"
	PropPollingInterval                   = "pollingInterval"
	PropIdleTimeout                       = "idleTimeout"
	PropKeepaliveInterval                 = "keepaliveInterval"
	PropContentLength                     = "contentLength"
	PropRequestedMaxBandwidth             = "requestedMaxBandwidth"
	PropRealMaxBandwidth                  = "realMaxBandwidth"
	PropForcedTransport                   = "forcedTransport"
	PropHTTPExtraHeaders                  = "httpExtraHeaders"
	PropHTTPExtraHeadersOnSessionCreation = "httpExtraHeadersOnSessionCreationOnly"
	PropServerInstanceAddressIgnored      = "serverInstanceAddressIgnored"
	PropSlowingEnabled                    = "slowingEnabled"
)

const (
	DefaultConnectTimeout     = 4 * time.Second
	DefaultStalledTimeout     = 2 * time.Second
	DefaultReconnectTimeout   = 3 * time.Second
	DefaultRetryDelay         = 4 * time.Second
	DefaultFirstRetryMaxDelay = 100 * time.Millisecond
	DefaultIdleTimeout        = 19 * time.Second
	DefaultContentLength      = 50_000_000

	// Unlimited is the bandwidth sentinel meaning no limit.
	Unlimited = "unlimited"
)

// Transport is a forced transport setting. The zero value lets the client
// choose.
type Transport string

const (
	TransportAuto          Transport = ""
	TransportWS            Transport = "WS"
	TransportHTTP          Transport = "HTTP"
	TransportWSStreaming   Transport = "WS-STREAMING"
	TransportHTTPStreaming Transport = "HTTP-STREAMING"
	TransportWSPolling     Transport = "WS-POLLING"
	TransportHTTPPolling   Transport = "HTTP-POLLING"
)

// ParseTransport validates a forced transport literal. The empty string means
// no forcing.
func ParseTransport(s string) (Transport, error) {
	switch t := Transport(s); t {
	case TransportAuto, TransportWS, TransportHTTP, TransportWSStreaming,
		TransportHTTPStreaming, TransportWSPolling, TransportHTTPPolling:
		return t, nil
	}
	return "", illegalArgument("unknown transport %q", s)
}

// Kind is the forced transport family, or "" when the family is free.
func (t Transport) Kind() protocol.Kind {
	switch t {
	case TransportWS, TransportWSStreaming, TransportWSPolling:
		return protocol.KindWS
	case TransportHTTP, TransportHTTPStreaming, TransportHTTPPolling:
		return protocol.KindHTTP
	}
	return ""
}

// Polling reports the forced connection type; fixed is false when streaming
// versus polling is left to Stream-Sense.
func (t Transport) Polling() (polling bool, fixed bool) {
	switch t {
	case TransportWSStreaming, TransportHTTPStreaming:
		return false, true
	case TransportWSPolling, TransportHTTPPolling:
		return true, true
	}
	return false, false
}

// allows reports whether a session in status s satisfies the setting.
func (t Transport) allows(s Status) bool {
	if t == TransportAuto {
		return true
	}
	var kind protocol.Kind
	var polling bool
	switch s {
	case StatusWSStreaming:
		kind = protocol.KindWS
	case StatusWSPolling:
		kind, polling = protocol.KindWS, true
	case StatusHTTPStreaming:
		kind = protocol.KindHTTP
	case StatusHTTPPolling:
		kind, polling = protocol.KindHTTP, true
	default:
		return true
	}
	if kind != t.Kind() {
		return false
	}
	p, fixed := t.Polling()
	return !fixed || p == polling
}

func validBandwidth(v string) bool {
	if v == Unlimited {
		return true
	}
	f, err := strconv.ParseFloat(v, 64)
	return err == nil && f > 0
}

// ConnectionOptions holds the timers and policies of a Client. Setters
// validate synchronously and take effect at the next wait that uses the
// value. All methods are safe for concurrent use.
type ConnectionOptions struct {
	mu       sync.RWMutex
	onChange func(property string)

	connectTimeout           time.Duration
	stalledTimeout           time.Duration
	reconnectTimeout         time.Duration
	retryDelay               time.Duration
	firstRetryMaxDelay       time.Duration
	reverseHeartbeatInterval time.Duration
	pollingInterval          time.Duration
	idleTimeout              time.Duration
	keepaliveInterval        time.Duration
	contentLength            int64

	requestedMaxBandwidth string
	realMaxBandwidth      string
	forcedTransport       Transport

	httpExtraHeaders             http.Header
	headersOnCreationOnly        bool
	serverInstanceAddressIgnored bool
	slowingEnabled               bool
}

// NewConnectionOptions returns options holding the defaults.
func NewConnectionOptions() *ConnectionOptions {
	return &ConnectionOptions{
		stalledTimeout:        DefaultStalledTimeout,
		reconnectTimeout:      DefaultReconnectTimeout,
		retryDelay:            DefaultRetryDelay,
		firstRetryMaxDelay:    DefaultFirstRetryMaxDelay,
		idleTimeout:           DefaultIdleTimeout,
		contentLength:         DefaultContentLength,
		requestedMaxBandwidth: Unlimited,
	}
}

func (o *ConnectionOptions) notify(property string) {
	o.mu.RLock()
	fn := o.onChange
	o.mu.RUnlock()
	if fn != nil {
		fn(property)
	}
}

func (o *ConnectionOptions) setOnChange(fn func(string)) {
	o.mu.Lock()
	o.onChange = fn
	o.mu.Unlock()
}

func (o *ConnectionOptions) getDuration(field *time.Duration) time.Duration {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return *field
}

func (o *ConnectionOptions) setDuration(property string, field *time.Duration, d time.Duration, allowZero bool) error {
	if d < 0 || (d == 0 && !allowZero) {
		return illegalArgument("%s must be positive, got %s", property, d)
	}
	o.mu.Lock()
	*field = d
	o.mu.Unlock()
	o.notify(property)
	return nil
}

// ConnectTimeout is the configured Stream-Sense timeout; zero means "auto".
func (o *ConnectionOptions) ConnectTimeout() time.Duration {
	return o.getDuration(&o.connectTimeout)
}

// SetConnectTimeout sets how long a streaming bind may take before the client
// falls back to polling. Zero selects "auto".
func (o *ConnectionOptions) SetConnectTimeout(d time.Duration) error {
	return o.setDuration(PropConnectTimeout, &o.connectTimeout, d, true)
}

// CurrentConnectTimeout is the timeout actually applied.
func (o *ConnectionOptions) CurrentConnectTimeout() time.Duration {
	if d := o.ConnectTimeout(); d > 0 {
		return d
	}
	return DefaultConnectTimeout
}

func (o *ConnectionOptions) StalledTimeout() time.Duration {
	return o.getDuration(&o.stalledTimeout)
}

func (o *ConnectionOptions) SetStalledTimeout(d time.Duration) error {
	return o.setDuration(PropStalledTimeout, &o.stalledTimeout, d, false)
}

func (o *ConnectionOptions) ReconnectTimeout() time.Duration {
	return o.getDuration(&o.reconnectTimeout)
}

func (o *ConnectionOptions) SetReconnectTimeout(d time.Duration) error {
	return o.setDuration(PropReconnectTimeout, &o.reconnectTimeout, d, false)
}

func (o *ConnectionOptions) RetryDelay() time.Duration {
	return o.getDuration(&o.retryDelay)
}

func (o *ConnectionOptions) SetRetryDelay(d time.Duration) error {
	return o.setDuration(PropRetryDelay, &o.retryDelay, d, false)
}

func (o *ConnectionOptions) FirstRetryMaxDelay() time.Duration {
	return o.getDuration(&o.firstRetryMaxDelay)
}

func (o *ConnectionOptions) SetFirstRetryMaxDelay(d time.Duration) error {
	return o.setDuration(PropFirstRetryMaxDelay, &o.firstRetryMaxDelay, d, true)
}

func (o *ConnectionOptions) ReverseHeartbeatInterval() time.Duration {
	return o.getDuration(&o.reverseHeartbeatInterval)
}

// SetReverseHeartbeatInterval enables heartbeats after d of outbound silence.
// Zero disables them.
func (o *ConnectionOptions) SetReverseHeartbeatInterval(d time.Duration) error {
	return o.setDuration(PropReverseHeartbeatInterval, &o.reverseHeartbeatInterval, d, true)
}

func (o *ConnectionOptions) PollingInterval() time.Duration {
	return o.getDuration(&o.pollingInterval)
}

func (o *ConnectionOptions) SetPollingInterval(d time.Duration) error {
	return o.setDuration(PropPollingInterval, &o.pollingInterval, d, true)
}

func (o *ConnectionOptions) IdleTimeout() time.Duration {
	return o.getDuration(&o.idleTimeout)
}

func (o *ConnectionOptions) SetIdleTimeout(d time.Duration) error {
	return o.setDuration(PropIdleTimeout, &o.idleTimeout, d, true)
}

func (o *ConnectionOptions) KeepaliveInterval() time.Duration {
	return o.getDuration(&o.keepaliveInterval)
}

// SetKeepaliveInterval requests a keepalive interval from the server. Zero
// leaves it to the server.
func (o *ConnectionOptions) SetKeepaliveInterval(d time.Duration) error {
	return o.setDuration(PropKeepaliveInterval, &o.keepaliveInterval, d, true)
}

func (o *ConnectionOptions) ContentLength() int64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.contentLength
}

func (o *ConnectionOptions) SetContentLength(n int64) error {
	if n <= 0 {
		return illegalArgument("contentLength must be positive, got %d", n)
	}
	o.mu.Lock()
	o.contentLength = n
	o.mu.Unlock()
	o.notify(PropContentLength)
	return nil
}

func (o *ConnectionOptions) RequestedMaxBandwidth() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.requestedMaxBandwidth
}

// SetRequestedMaxBandwidth accepts "unlimited" or a positive number of
// kilobits per second. While connected the change is sent to the server.
func (o *ConnectionOptions) SetRequestedMaxBandwidth(v string) error {
	if !validBandwidth(v) {
		return illegalArgument("invalid max bandwidth %q", v)
	}
	o.mu.Lock()
	o.requestedMaxBandwidth = v
	o.mu.Unlock()
	o.notify(PropRequestedMaxBandwidth)
	return nil
}

// RealMaxBandwidth is the bandwidth limit the server applies, empty when not
// known.
func (o *ConnectionOptions) RealMaxBandwidth() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.realMaxBandwidth
}

func (o *ConnectionOptions) setRealMaxBandwidth(v string) {
	o.mu.Lock()
	changed := o.realMaxBandwidth != v
	o.realMaxBandwidth = v
	o.mu.Unlock()
	if changed {
		o.notify(PropRealMaxBandwidth)
	}
}

func (o *ConnectionOptions) ForcedTransport() Transport {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.forcedTransport
}

func (o *ConnectionOptions) SetForcedTransport(t Transport) error {
	if _, err := ParseTransport(string(t)); err != nil {
		return err
	}
	o.mu.Lock()
	o.forcedTransport = t
	o.mu.Unlock()
	o.notify(PropForcedTransport)
	return nil
}

// HTTPExtraHeaders returns a copy of the extra headers.
func (o *ConnectionOptions) HTTPExtraHeaders() http.Header {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.httpExtraHeaders.Clone()
}

func (o *ConnectionOptions) SetHTTPExtraHeaders(h http.Header) error {
	o.mu.Lock()
	o.httpExtraHeaders = h.Clone()
	o.mu.Unlock()
	o.notify(PropHTTPExtraHeaders)
	return nil
}

func (o *ConnectionOptions) HTTPExtraHeadersOnSessionCreationOnly() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.headersOnCreationOnly
}

func (o *ConnectionOptions) SetHTTPExtraHeadersOnSessionCreationOnly(v bool) {
	o.mu.Lock()
	o.headersOnCreationOnly = v
	o.mu.Unlock()
	o.notify(PropHTTPExtraHeadersOnSessionCreation)
}

func (o *ConnectionOptions) ServerInstanceAddressIgnored() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.serverInstanceAddressIgnored
}

func (o *ConnectionOptions) SetServerInstanceAddressIgnored(v bool) {
	o.mu.Lock()
	o.serverInstanceAddressIgnored = v
	o.mu.Unlock()
	o.notify(PropServerInstanceAddressIgnored)
}

func (o *ConnectionOptions) SlowingEnabled() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.slowingEnabled
}

func (o *ConnectionOptions) SetSlowingEnabled(v bool) {
	o.mu.Lock()
	o.slowingEnabled = v
	o.mu.Unlock()
	o.notify(PropSlowingEnabled)
}

// headersFor returns the extra headers to send on a request of the given role.
func (o *ConnectionOptions) headersFor(creation bool) http.Header {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if !creation && o.headersOnCreationOnly {
		return nil
	}
	return o.httpExtraHeaders.Clone()
}
