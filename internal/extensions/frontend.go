package extensions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/substratelabs/switchboard/internal/protocol"
)

// frontendClient serves tool calls by handing them to the embedding
// application. Tool definitions are supplied upfront in the config, so
// ListTools never leaves the process.
type frontendClient struct {
	name     string
	tools    []protocol.Tool
	callback FrontendCallback
}

func newFrontendClient(cfg *Config) *frontendClient {
	tools := make([]protocol.Tool, len(cfg.FrontendTools))
	copy(tools, cfg.FrontendTools)
	return &frontendClient{
		name:     cfg.Name,
		tools:    tools,
		callback: cfg.Callback,
	}
}

// ListTools returns the upfront tool definitions.
func (c *frontendClient) ListTools(ctx context.Context, meta protocol.Meta) ([]protocol.Tool, error) {
	return c.tools, nil
}

// CallTool forwards the call to the frontend's callback sink.
func (c *frontendClient) CallTool(ctx context.Context, name string, args json.RawMessage, meta protocol.Meta) (*protocol.CallToolResult, error) {
	result, err := c.callback(ctx, name, args, meta)
	if err != nil {
		return nil, fmt.Errorf("frontend %s: %w", c.name, err)
	}
	return result, nil
}

// Close is a no-op; the sink's lifetime belongs to the frontend.
func (c *frontendClient) Close() error {
	return nil
}
