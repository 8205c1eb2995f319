package frontend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/substratelabs/switchboard/internal/protocol"
)

func dialUI(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func waitConnected(t *testing.T, s *Socket) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Connected() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("frontend never attached")
}

func readCallFrame(t *testing.T, ws *websocket.Conn) *Frame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("unmarshal frame %s: %v", data, err)
		}
		return &f
	}
}

func writeFrame(t *testing.T, ws *websocket.Conn, format string, args ...any) {
	t.Helper()
	if err := ws.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(format, args...))); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

type callOutcome struct {
	result *protocol.CallToolResult
	err    error
}

func startCall(ctx context.Context, sock *Socket, name, args string, meta protocol.Meta) <-chan callOutcome {
	done := make(chan callOutcome, 1)
	go func() {
		result, err := sock.Call(ctx, name, json.RawMessage(args), meta)
		done <- callOutcome{result: result, err: err}
	}()
	return done
}

func awaitCall(t *testing.T, done <-chan callOutcome) callOutcome {
	t.Helper()
	select {
	case out := <-done:
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("call did not finish")
		return callOutcome{}
	}
}

func TestSocketCallRoundTrip(t *testing.T) {
	sock := NewSocket()
	server := httptest.NewServer(sock)
	defer server.Close()
	ws := dialUI(t, server)
	waitConnected(t, sock)

	meta := protocol.Meta{}.WithSession("s1")
	done := startCall(context.Background(), sock, "confirm", `{"q":"ok?"}`, meta)

	frame := readCallFrame(t, ws)
	if frame.Type != "call" || frame.Tool != "confirm" {
		t.Fatalf("frame = %+v, want call frame for confirm", frame)
	}
	if frame.ID == "" {
		t.Fatal("call frame missing id")
	}
	if string(frame.Args) != `{"q":"ok?"}` {
		t.Errorf("args = %s", frame.Args)
	}
	if protocol.SessionID(frame.Meta) != "s1" {
		t.Errorf("meta lost the session id: %v", frame.Meta)
	}

	writeFrame(t, ws, `{"type":"result","id":%q,"result":{"content":[{"type":"text","text":"yes"}]}}`, frame.ID)

	out := awaitCall(t, done)
	if out.err != nil {
		t.Fatalf("Call() error: %v", out.err)
	}
	if out.result.IsError || out.result.Text() != "yes" {
		t.Errorf("result = %+v", out.result)
	}
}

func TestSocketErrorReply(t *testing.T) {
	sock := NewSocket()
	server := httptest.NewServer(sock)
	defer server.Close()
	ws := dialUI(t, server)
	waitConnected(t, sock)

	done := startCall(context.Background(), sock, "confirm", `{}`, nil)
	frame := readCallFrame(t, ws)
	writeFrame(t, ws, `{"type":"result","id":%q,"error":"user declined"}`, frame.ID)

	out := awaitCall(t, done)
	if out.err == nil || !strings.Contains(out.err.Error(), "user declined") {
		t.Errorf("err = %v, want the UI's refusal", out.err)
	}
}

func TestSocketIgnoresStrayFrames(t *testing.T) {
	sock := NewSocket()
	server := httptest.NewServer(sock)
	defer server.Close()
	ws := dialUI(t, server)
	waitConnected(t, sock)

	done := startCall(context.Background(), sock, "confirm", `{}`, nil)
	frame := readCallFrame(t, ws)

	// Garbage, an unknown type, and a result for a call nobody made
	// must all be skipped without disturbing the pending call.
	writeFrame(t, ws, `{not json`)
	writeFrame(t, ws, `{"type":"event","id":"x"}`)
	writeFrame(t, ws, `{"type":"result","id":"ghost","result":{"content":[]}}`)
	writeFrame(t, ws, `{"type":"result","id":%q,"result":{"content":[{"type":"text","text":"ok"}]}}`, frame.ID)

	out := awaitCall(t, done)
	if out.err != nil {
		t.Fatalf("Call() error: %v", out.err)
	}
	if out.result.Text() != "ok" {
		t.Errorf("result = %+v", out.result)
	}
}

func TestSocketCallTimeout(t *testing.T) {
	sock := NewSocket(WithCallTimeout(100 * time.Millisecond))
	server := httptest.NewServer(sock)
	defer server.Close()
	ws := dialUI(t, server)
	waitConnected(t, sock)

	done := startCall(context.Background(), sock, "confirm", `{}`, nil)
	readCallFrame(t, ws) // delivered but never answered

	out := awaitCall(t, done)
	if out.err == nil || !strings.Contains(out.err.Error(), "timed out") {
		t.Errorf("err = %v, want timeout", out.err)
	}
}

func TestSocketNoConnection(t *testing.T) {
	sock := NewSocket()
	if _, err := sock.Call(context.Background(), "confirm", nil, nil); err == nil || !strings.Contains(err.Error(), "no frontend connected") {
		t.Errorf("err = %v", err)
	}
}

func TestSocketDisconnectFailsPending(t *testing.T) {
	sock := NewSocket()
	server := httptest.NewServer(sock)
	defer server.Close()
	ws := dialUI(t, server)
	waitConnected(t, sock)

	done := startCall(context.Background(), sock, "confirm", `{}`, nil)
	readCallFrame(t, ws)
	_ = ws.Close()

	out := awaitCall(t, done)
	if out.err == nil || !strings.Contains(out.err.Error(), "disconnected") {
		t.Errorf("err = %v, want disconnect", out.err)
	}
	if sock.Connected() {
		t.Error("socket still reports a connection")
	}
}

func TestSocketReplacedConnection(t *testing.T) {
	sock := NewSocket()
	server := httptest.NewServer(sock)
	defer server.Close()

	ws1 := dialUI(t, server)
	waitConnected(t, sock)
	first := startCall(context.Background(), sock, "confirm", `{}`, nil)
	readCallFrame(t, ws1) // in flight on the first connection

	ws2 := dialUI(t, server)

	out := awaitCall(t, first)
	if out.err == nil || !strings.Contains(out.err.Error(), "disconnected") {
		t.Fatalf("err = %v, want the replaced connection to fail its call", out.err)
	}

	// The new connection services calls from here on.
	second := startCall(context.Background(), sock, "notify", `{"msg":"hi"}`, nil)
	frame := readCallFrame(t, ws2)
	if frame.Tool != "notify" {
		t.Fatalf("frame = %+v", frame)
	}
	writeFrame(t, ws2, `{"type":"result","id":%q,"result":{"content":[{"type":"text","text":"shown"}]}}`, frame.ID)

	out = awaitCall(t, second)
	if out.err != nil || out.result.Text() != "shown" {
		t.Errorf("result = %+v, err = %v", out.result, out.err)
	}
}

func TestSocketContextCancelled(t *testing.T) {
	sock := NewSocket()
	server := httptest.NewServer(sock)
	defer server.Close()
	ws := dialUI(t, server)
	waitConnected(t, sock)

	ctx, cancel := context.WithCancel(context.Background())
	done := startCall(ctx, sock, "confirm", `{}`, nil)
	readCallFrame(t, ws)
	cancel()

	out := awaitCall(t, done)
	if !errors.Is(out.err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", out.err)
	}
}

func TestSocketClose(t *testing.T) {
	sock := NewSocket()
	server := httptest.NewServer(sock)
	defer server.Close()
	dialUI(t, server)
	waitConnected(t, sock)

	if err := sock.Close(); err != nil {
		t.Fatal(err)
	}
	if sock.Connected() {
		t.Error("socket still reports a connection after Close")
	}
	if _, err := sock.Call(context.Background(), "confirm", nil, nil); err == nil {
		t.Error("Call after Close should fail")
	}
}
