package extensions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/substratelabs/switchboard/internal/protocol"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

// fakeExtensionServer speaks the extension wire protocol over HTTP for
// round trip tests.
type fakeExtensionServer struct {
	mu       sync.Mutex
	methods  []string
	metas    []protocol.Meta
	lastArgs json.RawMessage

	tools    []protocol.Tool
	pageSize int
	failInit bool
}

func (s *fakeExtensionServer) recordedMethods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.methods...)
}

func (s *fakeExtensionServer) reply(w http.ResponseWriter, id any, result any) {
	raw, _ := json.Marshal(result)
	resp := protocol.Response{JSONRPC: "2.0", ID: id, Result: raw}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *fakeExtensionServer) replyError(w http.ResponseWriter, id any, code int, msg string) {
	resp := protocol.Response{JSONRPC: "2.0", ID: id, Error: &protocol.Error{Code: code, Message: msg}}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *fakeExtensionServer) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req protocol.Request
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.methods = append(s.methods, req.Method)
	s.mu.Unlock()

	// Notifications carry no ID and get no response body.
	if req.ID == nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	switch req.Method {
	case protocol.MethodInitialize:
		if s.failInit {
			http.Error(w, "initialize refused", http.StatusInternalServerError)
			return
		}
		s.reply(w, req.ID, protocol.InitializeResult{
			ProtocolVersion: protocol.Version,
			ServerInfo:      protocol.ServerInfo{Name: "fake-ext", Version: "0.1.0"},
		})

	case protocol.MethodListTools:
		var params protocol.ListToolsParams
		json.Unmarshal(req.Params, &params)
		s.mu.Lock()
		s.metas = append(s.metas, params.Meta)
		s.mu.Unlock()

		page := protocol.ListToolsResult{Tools: s.tools}
		if s.pageSize > 0 && s.pageSize < len(s.tools) {
			if params.Cursor == "" {
				page.Tools = s.tools[:s.pageSize]
				page.NextCursor = "next"
			} else {
				page.Tools = s.tools[s.pageSize:]
			}
		}
		s.reply(w, req.ID, page)

	case protocol.MethodCallTool:
		var params protocol.CallToolParams
		json.Unmarshal(req.Params, &params)
		s.mu.Lock()
		s.metas = append(s.metas, params.Meta)
		s.lastArgs = params.Arguments
		s.mu.Unlock()

		if params.Name == "explode" {
			s.replyError(w, req.ID, protocol.CodeInternalError, "tool exploded")
			return
		}
		s.reply(w, req.ID, protocol.CallToolResult{
			Content: protocol.TextContent("called " + params.Name),
		})

	default:
		s.replyError(w, req.ID, protocol.CodeMethodNotFound, "unknown method "+req.Method)
	}
}

func TestWireClientRoundTrip(t *testing.T) {
	fake := &fakeExtensionServer{
		tools: []protocol.Tool{
			{Name: "alpha", InputSchema: json.RawMessage(`{"type":"object"}`)},
			{Name: "beta", InputSchema: json.RawMessage(`{"type":"object"}`)},
		},
		pageSize: 1,
	}
	srv := httptest.NewServer(http.HandlerFunc(fake.handleRPC))
	defer srv.Close()

	cfg := &Config{Name: "remote", Transport: TransportStreamableHTTP, URI: srv.URL}
	client, err := newWireClient(context.Background(), cfg, "", nil)
	if err != nil {
		t.Fatalf("newWireClient() error = %v", err)
	}
	defer client.Close()

	if got := client.ServerInfo().Name; got != "fake-ext" {
		t.Errorf("expected server name fake-ext, got %q", got)
	}

	methods := fake.recordedMethods()
	if len(methods) < 2 || methods[0] != protocol.MethodInitialize || methods[1] != protocol.MethodInitialized {
		t.Errorf("expected handshake [initialize, notifications/initialized], got %v", methods)
	}

	meta := protocol.Meta{"session_id": "s9", "working_dir": "/work"}
	tools, err := client.ListTools(context.Background(), meta)
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if len(tools) != 2 || tools[0].Name != "alpha" || tools[1].Name != "beta" {
		t.Errorf("expected both pages of tools, got %+v", tools)
	}

	args := json.RawMessage(`{"x":1}`)
	result, err := client.CallTool(context.Background(), "alpha", args, meta)
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if result.Text() != "called alpha" {
		t.Errorf("expected result %q, got %q", "called alpha", result.Text())
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if string(fake.lastArgs) != `{"x":1}` {
		t.Errorf("expected arguments to pass through, got %s", fake.lastArgs)
	}
	for _, m := range fake.metas {
		if m["session_id"] != "s9" || m["working_dir"] != "/work" {
			t.Errorf("expected meta on every request, got %v", m)
		}
	}
}

func TestWireClientInitializeFails(t *testing.T) {
	fake := &fakeExtensionServer{failInit: true}
	srv := httptest.NewServer(http.HandlerFunc(fake.handleRPC))
	defer srv.Close()

	cfg := &Config{Name: "remote", Transport: TransportStreamableHTTP, URI: srv.URL}
	_, err := newWireClient(context.Background(), cfg, "", nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}

	// The initialized notification must not follow a failed handshake.
	for _, m := range fake.recordedMethods() {
		if m == protocol.MethodInitialized {
			t.Error("initialized notification sent after failed initialize")
		}
	}
}

func TestWireClientToolError(t *testing.T) {
	fake := &fakeExtensionServer{
		tools: []protocol.Tool{{Name: "explode", InputSchema: json.RawMessage(`{}`)}},
	}
	srv := httptest.NewServer(http.HandlerFunc(fake.handleRPC))
	defer srv.Close()

	cfg := &Config{Name: "remote", Transport: TransportStreamableHTTP, URI: srv.URL}
	client, err := newWireClient(context.Background(), cfg, "", nil)
	if err != nil {
		t.Fatalf("newWireClient() error = %v", err)
	}
	defer client.Close()

	_, err = client.CallTool(context.Background(), "explode", nil, protocol.Meta{})
	if !errors.Is(err, ErrProtocol) {
		t.Errorf("expected ErrProtocol for JSON-RPC error response, got %v", err)
	}
}

func TestWireClientDrainsEventStreamResponse(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req protocol.Request
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.ID == nil {
			w.WriteHeader(http.StatusOK)
			return
		}
		switch req.Method {
		case protocol.MethodInitialize:
			raw, _ := json.Marshal(protocol.InitializeResult{
				ProtocolVersion: protocol.Version,
				ServerInfo:      protocol.ServerInfo{Name: "sse-answer", Version: "0"},
			})
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(protocol.Response{JSONRPC: "2.0", ID: req.ID, Result: raw})
		case protocol.MethodCallTool:
			// Answer over a short-lived event stream: an interleaved
			// notification first, then the matching response.
			w.Header().Set("Content-Type", "text/event-stream")
			raw, _ := json.Marshal(protocol.CallToolResult{Content: protocol.TextContent("streamed")})
			resp, _ := json.Marshal(protocol.Response{JSONRPC: "2.0", ID: req.ID, Result: raw})
			fmt.Fprint(w, "data: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\"}\n\n")
			fmt.Fprintf(w, "data: %s\n\n", resp)
		}
	})
	srv := httptest.NewServer(handler)
	defer srv.Close()

	cfg := &Config{Name: "remote", Transport: TransportStreamableHTTP, URI: srv.URL}
	client, err := newWireClient(context.Background(), cfg, "", nil)
	if err != nil {
		t.Fatalf("newWireClient() error = %v", err)
	}
	defer client.Close()

	result, err := client.CallTool(context.Background(), "anything", nil, protocol.Meta{})
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if result.Text() != "streamed" {
		t.Errorf("expected %q, got %q", "streamed", result.Text())
	}
}

func TestSSETransportReceivesNotifications(t *testing.T) {
	fake := &fakeExtensionServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/", fake.handleRPC)
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Error("response writer does not support flushing")
			return
		}
		fmt.Fprint(w, ": comment line to be skipped\n")
		fmt.Fprint(w, "data: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/tools/list_changed\"}\n\n")
		flusher.Flush()
		time.Sleep(100 * time.Millisecond)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	transport := newSSETransport(&Config{Name: "remote", Transport: TransportSSE, URI: srv.URL})
	if err := transport.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer transport.Close()

	select {
	case notif := <-transport.Events():
		if notif.Method != "notifications/tools/list_changed" {
			t.Errorf("unexpected notification method %q", notif.Method)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server notification")
	}
}

func TestSSEClientRoundTrip(t *testing.T) {
	fake := &fakeExtensionServer{
		tools: []protocol.Tool{{Name: "ping", InputSchema: json.RawMessage(`{"type":"object"}`)}},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", fake.handleRPC)
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		if flusher, ok := w.(http.Flusher); ok {
			fmt.Fprint(w, ": connected\n\n")
			flusher.Flush()
		}
		time.Sleep(200 * time.Millisecond)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := &Config{Name: "events", Transport: TransportSSE, URI: srv.URL}
	client, err := newWireClient(context.Background(), cfg, "", nil)
	if err != nil {
		t.Fatalf("newWireClient() error = %v", err)
	}
	defer client.Close()

	tools, err := client.ListTools(context.Background(), protocol.Meta{})
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "ping" {
		t.Errorf("expected the ping tool, got %+v", tools)
	}

	result, err := client.CallTool(context.Background(), "ping", nil, protocol.Meta{})
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if result.Text() != "called ping" {
		t.Errorf("expected %q, got %q", "called ping", result.Text())
	}
}

// shellServerScript is a minimal line-oriented extension server: it
// answers initialize, tools/list, and tools/call with canned results,
// echoing back the request ID.
const shellServerScript = `
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  case "$line" in
    *'"initialize"'*)
      printf '{"jsonrpc":"2.0","id":%s,"result":{"protocolVersion":"2024-11-05","capabilities":{"tools":{}},"serverInfo":{"name":"shtool","version":"0.0.1"}}}\n' "$id" ;;
    *'"tools/list"'*)
      printf '{"jsonrpc":"2.0","id":%s,"result":{"tools":[{"name":"hello","description":"say hello","inputSchema":{"type":"object"}}]}}\n' "$id" ;;
    *'"tools/call"'*)
      printf '{"jsonrpc":"2.0","id":%s,"result":{"content":[{"type":"text","text":"hello from sh"}]}}\n' "$id" ;;
  esac
done
`

func TestStdioClientRoundTrip(t *testing.T) {
	requireShell(t)

	cfg := &Config{
		Name:      "shtool",
		Transport: TransportStdio,
		Command:   "/bin/sh",
		Args:      []string{"-c", shellServerScript},
		Timeout:   5 * time.Second,
	}

	client, err := newWireClient(context.Background(), cfg, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("newWireClient() error = %v", err)
	}
	defer client.Close()

	if got := client.ServerInfo().Name; got != "shtool" {
		t.Errorf("expected server name shtool, got %q", got)
	}

	tools, err := client.ListTools(context.Background(), protocol.Meta{"session_id": "s1"})
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "hello" {
		t.Errorf("expected the hello tool, got %+v", tools)
	}

	result, err := client.CallTool(context.Background(), "hello", json.RawMessage(`{}`), protocol.Meta{})
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if result.Text() != "hello from sh" {
		t.Errorf("expected %q, got %q", "hello from sh", result.Text())
	}
}

func TestStdioClientSubprocessExits(t *testing.T) {
	requireShell(t)

	// A server that answers initialize and then exits.
	script := `
read -r line
id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
printf '{"jsonrpc":"2.0","id":%s,"result":{"protocolVersion":"2024-11-05","capabilities":{},"serverInfo":{"name":"oneshot","version":"0"}}}\n' "$id"
`
	cfg := &Config{
		Name:      "oneshot",
		Transport: TransportStdio,
		Command:   "/bin/sh",
		Args:      []string{"-c", script},
		Timeout:   500 * time.Millisecond,
	}

	client, err := newWireClient(context.Background(), cfg, "", nil)
	if err != nil {
		t.Fatalf("newWireClient() error = %v", err)
	}
	defer client.Close()

	// The process is gone; the next call must fail rather than hang.
	_, err = client.ListTools(context.Background(), protocol.Meta{})
	if err == nil {
		t.Fatal("expected error after subprocess exit")
	}
}
