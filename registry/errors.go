package registry

import (
	"errors"
	"fmt"
)

// ErrClosed is returned when the registry has already been torn down.
var ErrClosed = errors.New("registry: closed")

// BindError reports a configured port that could not be opened. Server startup
// is all-or-nothing, so a BindError means no port is left listening.
type BindError struct {
	Port int
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind port %d: %v", e.Port, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// OutOfRangeError reports a channel or port outside the configured range.
// It signals a configuration mismatch between sender and receiver.
type OutOfRangeError struct {
	Kind  string // "channel" or "port"
	Value int
	Min   int
	Max   int // inclusive
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("%s %d out of range [%d, %d]", e.Kind, e.Value, e.Min, e.Max)
}
