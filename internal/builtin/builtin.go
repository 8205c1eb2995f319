// Package builtin bundles tool servers into the main executable. The
// builtin transport spawns the executable again with the toolsrv
// subcommand, which serves one of these over stdio with the same
// newline-framed JSON-RPC external extension servers speak.
package builtin

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/substratelabs/switchboard/internal/protocol"
)

// Handler executes one tool call. Argument problems are reported as
// is_error results, not Go errors; the transport never sees them.
type Handler func(ctx context.Context, args json.RawMessage, meta protocol.Meta) *protocol.CallToolResult

// Tool couples a tool definition with its handler.
type Tool struct {
	Def     protocol.Tool
	Handler Handler
}

// Server is one bundled tool server.
type Server struct {
	Name    string
	Version string
	Tools   []Tool
}

var registry = map[string]func() *Server{
	DeveloperServerName: developerServer,
}

// Lookup resolves a bundled server by name.
func Lookup(name string) (*Server, bool) {
	factory, ok := registry[name]
	if !ok {
		return nil, false
	}
	return factory(), true
}

// Names lists the bundled server names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Serve runs the named bundled server over in/out until in reaches EOF
// or ctx is cancelled.
func Serve(ctx context.Context, in io.Reader, out io.Writer, name string) error {
	srv, ok := Lookup(name)
	if !ok {
		return fmt.Errorf("unknown builtin server %q (available: %s)", name, strings.Join(Names(), ", "))
	}
	return srv.Serve(ctx, in, out)
}

// Serve reads newline-framed requests from in and writes responses to
// out. Requests are handled sequentially; notifications get no reply.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	logger := slog.Default().With("builtin", s.Name)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024) // 1MB buffer
	enc := json.NewEncoder(out)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Text()
		if line == "" {
			continue
		}
		s.handle(ctx, logger, enc, []byte(line))
	}
	return scanner.Err()
}

func (s *Server) handle(ctx context.Context, logger *slog.Logger, enc *json.Encoder, line []byte) {
	var req protocol.Request
	if err := json.Unmarshal(line, &req); err != nil {
		writeError(enc, nil, protocol.CodeParseError, "parse error")
		return
	}

	// No ID means notification; nothing to answer.
	if req.ID == nil {
		return
	}

	switch req.Method {
	case "":
		writeError(enc, req.ID, protocol.CodeInvalidRequest, "missing method")
	case protocol.MethodInitialize:
		writeResult(enc, req.ID, protocol.InitializeResult{
			ProtocolVersion: protocol.Version,
			Capabilities:    protocol.Capabilities{Tools: &protocol.ToolsCapability{}},
			ServerInfo:      protocol.ServerInfo{Name: s.Name, Version: s.Version},
		})
	case protocol.MethodListTools:
		writeResult(enc, req.ID, protocol.ListToolsResult{Tools: s.defs()})
	case protocol.MethodCallTool:
		s.call(ctx, logger, enc, &req)
	default:
		writeError(enc, req.ID, protocol.CodeMethodNotFound, fmt.Sprintf("method %q not supported", req.Method))
	}
}

func (s *Server) call(ctx context.Context, logger *slog.Logger, enc *json.Encoder, req *protocol.Request) {
	var params protocol.CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeError(enc, req.ID, protocol.CodeInvalidParams, fmt.Sprintf("invalid tools/call params: %v", err))
		return
	}

	tool, ok := s.tool(params.Name)
	if !ok {
		writeError(enc, req.ID, protocol.CodeToolNotFound, fmt.Sprintf("unknown tool %q", params.Name))
		return
	}

	args := params.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	logger.Debug("tool call", "tool", params.Name)
	result := tool.Handler(ctx, args, params.Meta)
	if result == nil {
		result = protocol.ErrorResult("tool returned no result")
	}
	writeResult(enc, req.ID, result)
}

func (s *Server) defs() []protocol.Tool {
	defs := make([]protocol.Tool, 0, len(s.Tools))
	for _, tool := range s.Tools {
		defs = append(defs, tool.Def)
	}
	return defs
}

func (s *Server) tool(name string) (*Tool, bool) {
	for i := range s.Tools {
		if s.Tools[i].Def.Name == name {
			return &s.Tools[i], true
		}
	}
	return nil, false
}

func writeResult(enc *json.Encoder, id any, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		writeError(enc, id, protocol.CodeInternalError, fmt.Sprintf("encode result: %v", err))
		return
	}
	_ = enc.Encode(&protocol.Response{JSONRPC: "2.0", ID: id, Result: raw})
}

func writeError(enc *json.Encoder, id any, code int, message string) {
	_ = enc.Encode(&protocol.Response{JSONRPC: "2.0", ID: id, Error: &protocol.Error{Code: code, Message: message}})
}
