package pushclient

import (
	"errors"
	"fmt"

	"github.com/tsarna/pushclient/pkg/pushclient/subscription"
)

var (
	// ErrIllegalState reports an operation that is not allowed in the current
	// state, such as subscribing an already active subscription.
	ErrIllegalState = subscription.ErrIllegalState

	// ErrIllegalArgument reports an invalid configuration value.
	ErrIllegalArgument = subscription.ErrIllegalArgument

	// ErrClientClosed is returned by operations on a closed Client.
	ErrClientClosed = fmt.Errorf("%w: client is closed", ErrIllegalState)

	errSessionLimit = errors.New("max concurrent sessions per server reached")
	errConnTimeout  = errors.New("connection timed out")
	errAuthCanceled = errors.New("authentication canceled")
)

func illegalArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIllegalArgument, fmt.Sprintf(format, args...))
}

func illegalState(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIllegalState, fmt.Sprintf(format, args...))
}
