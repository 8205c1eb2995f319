package protocol

import (
	"encoding/json"
	"testing"
)

func TestNewRequestMarshalsParams(t *testing.T) {
	req, err := NewRequest(int64(7), MethodCallTool, CallToolParams{
		Name:      "echo",
		Arguments: json.RawMessage(`{"text":"hi"}`),
		Meta:      Meta{MetaSessionID: "s1"},
	})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if req.JSONRPC != "2.0" {
		t.Errorf("jsonrpc = %q, want 2.0", req.JSONRPC)
	}

	var params CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		t.Fatalf("unmarshal params: %v", err)
	}
	if params.Name != "echo" {
		t.Errorf("name = %q, want echo", params.Name)
	}
	if SessionID(params.Meta) != "s1" {
		t.Error("meta did not survive the round trip")
	}
	if string(params.Arguments) != `{"text":"hi"}` {
		t.Errorf("arguments = %s", params.Arguments)
	}
}

func TestNewRequestNilParams(t *testing.T) {
	req, err := NewRequest(1, MethodListTools, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if len(req.Params) != 0 {
		t.Errorf("params = %s, want empty", req.Params)
	}
}

func TestMetaStaysOutsideArguments(t *testing.T) {
	// The wire form keeps _meta as a sibling of arguments; the argument
	// object must remain byte-for-byte what the model produced.
	params := CallToolParams{
		Name:      "dev__shell",
		Arguments: json.RawMessage(`{"command":"ls"}`),
		Meta:      Meta{}.WithSession("s9").WithWorkingDir("/w"),
	}
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(decoded["arguments"]) != `{"command":"ls"}` {
		t.Errorf("arguments leaked meta: %s", decoded["arguments"])
	}
	if _, ok := decoded["_meta"]; !ok {
		t.Error("wire form missing _meta")
	}
}

func TestCallToolResultText(t *testing.T) {
	res := &CallToolResult{Content: []Content{
		{Type: "text", Text: "a"},
		{Type: "image", Data: "ZZZ"},
		{Type: "text", Text: "b"},
	}}
	if got := res.Text(); got != "ab" {
		t.Errorf("Text() = %q, want %q", got, "ab")
	}

	var nilRes *CallToolResult
	if got := nilRes.Text(); got != "" {
		t.Errorf("nil Text() = %q, want empty", got)
	}
}

func TestErrorResult(t *testing.T) {
	res := ErrorResult("boom")
	if !res.IsError {
		t.Error("IsError not set")
	}
	if res.Text() != "boom" {
		t.Errorf("Text() = %q", res.Text())
	}
}
