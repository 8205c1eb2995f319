// Package extensions manages the per-session set of tool servers: a
// uniform client abstraction over six transports, tool aggregation
// with name prefixing, and dispatch of model-issued tool calls.
package extensions

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"github.com/substratelabs/switchboard/internal/protocol"
)

// TransportType selects how an extension is reached.
type TransportType string

const (
	// TransportStdio spawns a subprocess and frames requests over its
	// stdin/stdout.
	TransportStdio TransportType = "stdio"

	// TransportSSE connects over HTTP with a server-sent event stream
	// for notifications.
	TransportSSE TransportType = "sse"

	// TransportStreamableHTTP posts requests over plain HTTP.
	TransportStreamableHTTP TransportType = "streamable_http"

	// TransportBuiltin spawns this executable with a tool-server
	// subcommand; a bundled, trusted stdio server.
	TransportBuiltin TransportType = "builtin"

	// TransportPlatform is an in-process handler with no IPC.
	TransportPlatform TransportType = "platform"

	// TransportFrontend forwards calls to an external callback sink,
	// typically an embedding UI.
	TransportFrontend TransportType = "frontend"
)

// PlatformHandler is the in-process extension surface. A single
// handler instance may serve several sessions concurrently; per-call
// context arrives in meta, never in handler state.
type PlatformHandler interface {
	// Tools returns the tool definitions the handler exposes.
	Tools() []protocol.Tool

	// Call executes a named tool.
	Call(ctx context.Context, name string, args json.RawMessage, meta protocol.Meta) (*protocol.CallToolResult, error)
}

// FrontendCallback fulfills a tool call in the embedding application.
type FrontendCallback func(ctx context.Context, name string, args json.RawMessage, meta protocol.Meta) (*protocol.CallToolResult, error)

// FrontendSink is the object form of FrontendCallback; a sink's Call
// method can serve directly as a Config.Callback.
type FrontendSink interface {
	Call(ctx context.Context, name string, args json.RawMessage, meta protocol.Meta) (*protocol.CallToolResult, error)
}

// Config declaratively describes one extension. It is immutable once
// the extension is started from it.
type Config struct {
	// Name is the unique key of the extension within a session and the
	// prefix applied to its tool names.
	Name string `yaml:"name" json:"name"`

	// Transport selects the client variant.
	Transport TransportType `yaml:"transport" json:"transport"`

	// Stdio transport options.
	Command string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// SSE and streamable HTTP transport options.
	URI     string            `yaml:"uri,omitempty" json:"uri,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	// Timeout bounds each request. Zero means the 30s default.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// AvailableTools is an allow-list of local tool names. Empty means
	// all tools are exposed.
	AvailableTools []string `yaml:"available_tools,omitempty" json:"available_tools,omitempty"`

	// Handler backs a platform extension. Set programmatically, never
	// from serialized config.
	Handler PlatformHandler `yaml:"-" json:"-"`

	// FrontendTools are the tool definitions a frontend extension
	// supplies upfront; Callback fulfills calls to them.
	FrontendTools []protocol.Tool  `yaml:"-" json:"-"`
	Callback      FrontendCallback `yaml:"-" json:"-"`
}

// DefaultTimeout is applied when a config carries no timeout.
const DefaultTimeout = 30 * time.Second

// EffectiveTimeout returns the request timeout to use.
func (c *Config) EffectiveTimeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

// Validate checks the configuration for completeness and for
// suspicious subprocess parameters.
func (c *Config) Validate() error {
	if c.Name == "" {
		return configErrorf("", "name is required")
	}
	if strings.Contains(c.Name, ToolNameSeparator) {
		return configErrorf(c.Name, "name must not contain %q", ToolNameSeparator)
	}

	switch c.Transport {
	case TransportStdio:
		return c.validateStdio()
	case TransportSSE, TransportStreamableHTTP:
		return c.validateHTTP()
	case TransportBuiltin:
		return nil
	case TransportPlatform:
		if c.Handler == nil {
			return configErrorf(c.Name, "platform extension requires a handler")
		}
		return nil
	case TransportFrontend:
		if c.Callback == nil {
			return configErrorf(c.Name, "frontend extension requires a callback")
		}
		return nil
	default:
		return configErrorf(c.Name, "unknown transport %q", c.Transport)
	}
}

func (c *Config) validateStdio() error {
	if c.Command == "" {
		return configErrorf(c.Name, "command is required for stdio transport")
	}
	if err := validatePath(c.Command, "command"); err != nil {
		return configErrorf(c.Name, "%s", err)
	}
	for i, arg := range c.Args {
		if containsShellMetachars(arg) {
			return configErrorf(c.Name, "arg[%d] contains suspicious shell metacharacters: %q", i, arg)
		}
	}
	return nil
}

func (c *Config) validateHTTP() error {
	if c.URI == "" {
		return configErrorf(c.Name, "uri is required for %s transport", c.Transport)
	}
	if !strings.HasPrefix(c.URI, "http://") && !strings.HasPrefix(c.URI, "https://") {
		return configErrorf(c.Name, "uri must start with http:// or https://")
	}
	return nil
}

func validatePath(path, fieldName string) error {
	if path == "" {
		return nil
	}
	cleaned := filepath.Clean(path)
	if strings.Contains(cleaned, "..") {
		return configErrorf("", "%s contains path traversal: %q", fieldName, path)
	}
	return nil
}

// containsShellMetachars flags patterns that suggest command chaining.
// Spaces and quotes are allowed since they are common in legitimate args.
func containsShellMetachars(s string) bool {
	dangerousPatterns := []string{
		"$(", "${",
		"`",
		"&&", "||",
		";",
		"|",
		">", "<",
		"\n", "\r",
	}
	for _, pattern := range dangerousPatterns {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}
