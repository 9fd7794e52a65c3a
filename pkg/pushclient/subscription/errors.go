package subscription

import (
	"errors"
	"fmt"
)

var (
	// ErrIllegalState reports an operation that is not allowed in the current
	// state, such as changing an active subscription or subscribing twice.
	ErrIllegalState = errors.New("illegal state")

	// ErrIllegalArgument reports an invalid configuration value.
	ErrIllegalArgument = errors.New("illegal argument")
)

// CodeError is an error carrying a protocol error code.
type CodeError struct {
	Code    int
	Message string
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("error %d: %s", e.Code, e.Message)
}

// Protocol error codes raised locally.
const (
	CodeInvalidSecondLevelItem   = 14
	CodeInvalidSecondLevelSchema = 23
)

// ErrSecondLevelSchemaUnsupported is returned by every attempt to address the
// second level of a COMMAND subscription through a field schema.
var ErrSecondLevelSchemaUnsupported = &CodeError{
	Code:    CodeInvalidSecondLevelSchema,
	Message: "second-level field schema is not supported; use a field list",
}

func illegalState(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIllegalState, fmt.Sprintf(format, args...))
}

func illegalArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIllegalArgument, fmt.Sprintf(format, args...))
}
