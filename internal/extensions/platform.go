package extensions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/substratelabs/switchboard/internal/protocol"
)

// platformClient adapts an in-process PlatformHandler to the Client
// interface. The handler instance may be shared across sessions; this
// wrapper carries no session state, so per-call meta is the only
// channel for session context.
type platformClient struct {
	name    string
	handler PlatformHandler
}

func newPlatformClient(cfg *Config) *platformClient {
	return &platformClient{
		name:    cfg.Name,
		handler: cfg.Handler,
	}
}

// ListTools returns the handler's tool definitions. No pagination: the
// handler owns its full catalogue in memory.
func (c *platformClient) ListTools(ctx context.Context, meta protocol.Meta) ([]protocol.Tool, error) {
	return c.handler.Tools(), nil
}

// CallTool invokes the handler directly.
func (c *platformClient) CallTool(ctx context.Context, name string, args json.RawMessage, meta protocol.Meta) (*protocol.CallToolResult, error) {
	result, err := c.handler.Call(ctx, name, args, meta)
	if err != nil {
		return nil, fmt.Errorf("platform %s: %w", c.name, err)
	}
	return result, nil
}

// Close is a no-op; the handler's lifetime is managed by its owner.
func (c *platformClient) Close() error {
	return nil
}
