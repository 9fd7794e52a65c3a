package pushclient

import (
	"net/url"
	"sync"
)

// ConnectionDetails holds the server coordinates and credentials of a Client,
// plus the read-only facts learned from the current session.
type ConnectionDetails struct {
	mu       sync.RWMutex
	onChange func(property string)

	serverAddress string
	adapterSet    string
	user          string
	password      string

	sessionID             string
	serverInstanceAddress string
	serverSocketName      string
	clientIP              string
}

func NewConnectionDetails() *ConnectionDetails {
	return &ConnectionDetails{}
}

func (d *ConnectionDetails) notify(property string) {
	d.mu.RLock()
	fn := d.onChange
	d.mu.RUnlock()
	if fn != nil {
		fn(property)
	}
}

func (d *ConnectionDetails) setOnChange(fn func(string)) {
	d.mu.Lock()
	d.onChange = fn
	d.mu.Unlock()
}

// ValidateServerAddress checks that addr is an absolute http, https, ws or
// wss URL with a host.
func ValidateServerAddress(addr string) error {
	u, err := url.Parse(addr)
	if err != nil {
		return illegalArgument("invalid server address %q: %v", addr, err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return illegalArgument("server address %q must use http, https, ws or wss", addr)
	}
	if u.Host == "" {
		return illegalArgument("server address %q has no host", addr)
	}
	return nil
}

func (d *ConnectionDetails) ServerAddress() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.serverAddress
}

// SetServerAddress changes the server used by the next session.
func (d *ConnectionDetails) SetServerAddress(addr string) error {
	if err := ValidateServerAddress(addr); err != nil {
		return err
	}
	d.mu.Lock()
	d.serverAddress = addr
	d.mu.Unlock()
	d.notify(PropServerAddress)
	return nil
}

func (d *ConnectionDetails) AdapterSet() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.adapterSet
}

func (d *ConnectionDetails) SetAdapterSet(name string) {
	d.mu.Lock()
	d.adapterSet = name
	d.mu.Unlock()
	d.notify(PropAdapterSet)
}

func (d *ConnectionDetails) User() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.user
}

func (d *ConnectionDetails) SetUser(user string) {
	d.mu.Lock()
	d.user = user
	d.mu.Unlock()
	d.notify(PropUser)
}

// SetPassword sets the password sent on session creation. It cannot be read
// back.
func (d *ConnectionDetails) SetPassword(password string) {
	d.mu.Lock()
	d.password = password
	d.mu.Unlock()
	d.notify(PropPassword)
}

func (d *ConnectionDetails) credentials() (user, password string) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.user, d.password
}

// SessionID is the id of the current session, empty when there is none.
func (d *ConnectionDetails) SessionID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sessionID
}

// ServerInstanceAddress is the address the server asked to use for the
// connections of the current session.
func (d *ConnectionDetails) ServerInstanceAddress() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.serverInstanceAddress
}

func (d *ConnectionDetails) ServerSocketName() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.serverSocketName
}

func (d *ConnectionDetails) ClientIP() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.clientIP
}

// setString updates a session fact and notifies when it changed.
func (d *ConnectionDetails) setString(property string, field *string, v string) {
	d.mu.Lock()
	changed := *field != v
	*field = v
	d.mu.Unlock()
	if changed {
		d.notify(property)
	}
}

func (d *ConnectionDetails) setSession(id, instanceAddress string) {
	d.setString(PropSessionID, &d.sessionID, id)
	d.setString(PropServerInstanceAddress, &d.serverInstanceAddress, instanceAddress)
}

func (d *ConnectionDetails) setServerSocketName(name string) {
	d.setString(PropServerSocketName, &d.serverSocketName, name)
}

func (d *ConnectionDetails) setClientIP(ip string) {
	d.setString(PropClientIP, &d.clientIP, ip)
}
