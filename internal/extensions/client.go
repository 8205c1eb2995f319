package extensions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/substratelabs/switchboard/internal/protocol"
)

// Client is the uniform capability surface every extension presents,
// regardless of transport.
type Client interface {
	// ListTools returns the extension's tool definitions, following
	// pagination until exhausted. Names are local, not prefixed.
	ListTools(ctx context.Context, meta protocol.Meta) ([]protocol.Tool, error)

	// CallTool executes a named tool. args is the model-issued argument
	// object and is transmitted unmodified; per-call context travels in
	// meta.
	CallTool(ctx context.Context, name string, args json.RawMessage, meta protocol.Meta) (*protocol.CallToolResult, error)

	// Close releases the underlying connection.
	Close() error
}

// wireClient speaks the JSON-RPC protocol over a Transport. It backs
// the stdio, builtin, SSE, and streamable HTTP variants.
type wireClient struct {
	config    *Config
	transport Transport
	logger    *slog.Logger

	serverInfo protocol.ServerInfo
}

// newWireClient builds the transport for cfg and performs the
// initialize handshake. On handshake failure the transport is closed
// and an error returned; no half-connected client is ever kept.
func newWireClient(ctx context.Context, cfg *Config, workingDir string, logger *slog.Logger) (*wireClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	transport, err := newTransport(cfg, workingDir)
	if err != nil {
		return nil, err
	}

	c := &wireClient{
		config:    cfg,
		transport: transport,
		logger:    logger.With("extension", cfg.Name),
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *wireClient) connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("transport connect: %w", err)
	}

	result, err := c.transport.Call(ctx, protocol.MethodInitialize, protocol.InitializeParams{
		ProtocolVersion: protocol.Version,
		Capabilities: protocol.Capabilities{
			Tools: &protocol.ToolsCapability{ListChanged: true},
		},
		ClientInfo: protocol.ClientInfo{
			Name:    "switchboard",
			Version: "1.0.0",
		},
	})
	if err != nil {
		c.transport.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	var initResult protocol.InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		c.transport.Close()
		return fmt.Errorf("%w: parse initialize result: %v", ErrProtocol, err)
	}

	c.serverInfo = initResult.ServerInfo
	c.logger.Info("connected to extension",
		"server", c.serverInfo.Name,
		"version", c.serverInfo.Version,
		"protocol", initResult.ProtocolVersion)

	if err := c.transport.Notify(ctx, protocol.MethodInitialized, nil); err != nil {
		c.logger.Warn("failed to send initialized notification", "error", err)
	}

	return nil
}

// ListTools follows pagination cursors until next_cursor is empty.
func (c *wireClient) ListTools(ctx context.Context, meta protocol.Meta) ([]protocol.Tool, error) {
	var tools []protocol.Tool
	cursor := ""

	for {
		result, err := c.transport.Call(ctx, protocol.MethodListTools, protocol.ListToolsParams{
			Cursor: cursor,
			Meta:   meta,
		})
		if err != nil {
			return nil, err
		}

		var page protocol.ListToolsResult
		if err := json.Unmarshal(result, &page); err != nil {
			return nil, fmt.Errorf("%w: parse tools/list result: %v", ErrProtocol, err)
		}

		tools = append(tools, page.Tools...)
		if page.NextCursor == "" {
			return tools, nil
		}
		cursor = page.NextCursor
	}
}

// CallTool invokes a tool by its local name.
func (c *wireClient) CallTool(ctx context.Context, name string, args json.RawMessage, meta protocol.Meta) (*protocol.CallToolResult, error) {
	result, err := c.transport.Call(ctx, protocol.MethodCallTool, protocol.CallToolParams{
		Name:      name,
		Arguments: args,
		Meta:      meta,
	})
	if err != nil {
		return nil, err
	}

	var callResult protocol.CallToolResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return nil, fmt.Errorf("%w: parse tools/call result: %v", ErrProtocol, err)
	}

	return &callResult, nil
}

// Close tears down the transport.
func (c *wireClient) Close() error {
	return c.transport.Close()
}

// ServerInfo reports the extension's self-declared identity.
func (c *wireClient) ServerInfo() protocol.ServerInfo {
	return c.serverInfo
}

// Connected reports whether the transport is usable.
func (c *wireClient) Connected() bool {
	return c.transport.Connected()
}

// Events exposes server-initiated notifications.
func (c *wireClient) Events() <-chan *protocol.Notification {
	return c.transport.Events()
}
