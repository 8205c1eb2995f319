package extensions

import (
	"context"
	"encoding/json"

	"github.com/substratelabs/switchboard/internal/protocol"
)

// Transport frames requests to a wire-connected extension. Platform
// and frontend extensions implement Client directly and have no
// transport.
type Transport interface {
	// Connect establishes the transport connection.
	Connect(ctx context.Context) error

	// Close tears the connection down. Safe to call once after Connect.
	Close() error

	// Call sends a request and waits for the matching response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification; no response is expected.
	Notify(ctx context.Context, method string, params any) error

	// Events returns server-initiated notifications.
	Events() <-chan *protocol.Notification

	// Connected reports whether the transport is usable.
	Connected() bool
}

// newTransport builds the transport for a wire-connected config.
// Platform and frontend configs never reach here.
func newTransport(cfg *Config, workingDir string) (Transport, error) {
	switch cfg.Transport {
	case TransportStdio:
		return newStdioTransport(cfg, workingDir), nil
	case TransportBuiltin:
		return newBuiltinTransport(cfg, workingDir)
	case TransportSSE:
		return newSSETransport(cfg), nil
	case TransportStreamableHTTP:
		return newStreamableHTTPTransport(cfg), nil
	default:
		return nil, configErrorf(cfg.Name, "transport %q has no wire transport", cfg.Transport)
	}
}
