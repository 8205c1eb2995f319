package extensions

import (
	"errors"
	"fmt"
)

// Error taxonomy for extension operations. Transport failures during
// dispatch are converted to error tool results at the manager boundary;
// these sentinels classify what went wrong underneath.
var (
	// ErrNotConnected is returned when a call is attempted on a
	// transport that is not connected.
	ErrNotConnected = errors.New("extension not connected")

	// ErrConnection is returned when a transport fails to start or
	// connect.
	ErrConnection = errors.New("extension connection failed")

	// ErrProtocol is returned for malformed responses.
	ErrProtocol = errors.New("extension protocol error")

	// ErrToolNotFound is returned when a qualified tool name does not
	// resolve to a registered extension.
	ErrToolNotFound = errors.New("tool not found")

	// ErrTimeout is returned when a request exceeds its deadline.
	ErrTimeout = errors.New("extension request timed out")

	// ErrClosed is returned when the transport was shut down while a
	// request was in flight.
	ErrClosed = errors.New("extension transport closed")
)

// ConfigError reports an invalid extension configuration.
type ConfigError struct {
	Name   string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("invalid extension config: %s", e.Reason)
	}
	return fmt.Sprintf("invalid extension config %q: %s", e.Name, e.Reason)
}

func configErrorf(name, format string, args ...any) error {
	return &ConfigError{Name: name, Reason: fmt.Sprintf(format, args...)}
}
