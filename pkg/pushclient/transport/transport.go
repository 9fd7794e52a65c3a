// Package transport holds what the concrete transports share: endpoint
// resolution and a dialer that routes each transport kind to its
// implementation.
package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/tsarna/pushclient/pkg/pushclient/protocol"
)

// Paths appended to the server address for each endpoint.
const (
	PathWS      = "/ws"
	PathStream  = "/stream"
	PathControl = "/control"
)

// ResolveURL turns a server address into the URL of one of its endpoints,
// switching between http and ws schemes as secure requires.
func ResolveURL(addr string, kind protocol.Kind, path string) (string, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("invalid server address %q: %w", addr, err)
	}
	secure := u.Scheme == "https" || u.Scheme == "wss"
	switch {
	case kind == protocol.KindWS && secure:
		u.Scheme = "wss"
	case kind == protocol.KindWS:
		u.Scheme = "ws"
	case secure:
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String(), nil
}

type combined []protocol.Dialer

// Combine returns a Dialer that hands each target to the first of dialers
// supporting its kind.
func Combine(dialers ...protocol.Dialer) protocol.Dialer {
	return combined(dialers)
}

func (c combined) Supports(kind protocol.Kind) bool {
	return c.find(kind) != nil
}

func (c combined) Dial(ctx context.Context, target protocol.Target) (protocol.Conn, error) {
	d := c.find(target.Kind)
	if d == nil {
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnsupportedKind, target.Kind)
	}
	return d.Dial(ctx, target)
}

func (c combined) find(kind protocol.Kind) protocol.Dialer {
	for _, d := range c {
		if d.Supports(kind) {
			return d
		}
	}
	return nil
}
