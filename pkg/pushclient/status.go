package pushclient

import (
	"fmt"

	"github.com/tsarna/pushclient/pkg/pushclient/protocol"
)

// Status is the connection status of a Client.
type Status string

const (
	StatusConnecting    Status = "CONNECTING"
	StatusStreamSensing Status = "CONNECTED:STREAM-SENSING"
	StatusWSStreaming   Status = "CONNECTED:WS-STREAMING"
	StatusHTTPStreaming Status = "CONNECTED:HTTP-STREAMING"
	StatusWSPolling     Status = "CONNECTED:WS-POLLING"
	StatusHTTPPolling   Status = "CONNECTED:HTTP-POLLING"
	StatusStalled       Status = "STALLED"
	StatusDisconnected  Status = "DISCONNECTED"
	StatusWillRetry     Status = "DISCONNECTED:WILL-RETRY"
)

var allStatuses = []Status{
	StatusConnecting,
	StatusStreamSensing,
	StatusWSStreaming,
	StatusHTTPStreaming,
	StatusWSPolling,
	StatusHTTPPolling,
	StatusStalled,
	StatusDisconnected,
	StatusWillRetry,
}

// ParseStatus returns the Status with the given literal.
func ParseStatus(s string) (Status, error) {
	for _, st := range allStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrIllegalArgument, s)
}

func (s Status) String() string {
	return string(s)
}

// IsConnected reports whether s is one of the CONNECTED:* values.
func (s Status) IsConnected() bool {
	switch s {
	case StatusStreamSensing, StatusWSStreaming, StatusHTTPStreaming, StatusWSPolling, StatusHTTPPolling:
		return true
	}
	return false
}

func (s Status) IsStreaming() bool {
	return s == StatusWSStreaming || s == StatusHTTPStreaming
}

func (s Status) IsPolling() bool {
	return s == StatusWSPolling || s == StatusHTTPPolling
}

// IsDisconnected reports whether s is DISCONNECTED or DISCONNECTED:WILL-RETRY.
func (s Status) IsDisconnected() bool {
	return s == StatusDisconnected || s == StatusWillRetry
}

func connectedStatus(kind protocol.Kind, polling bool) Status {
	switch {
	case kind == protocol.KindWS && polling:
		return StatusWSPolling
	case kind == protocol.KindWS:
		return StatusWSStreaming
	case polling:
		return StatusHTTPPolling
	default:
		return StatusHTTPStreaming
	}
}
