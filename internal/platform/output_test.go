package platform

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/substratelabs/switchboard/internal/protocol"
)

func TestOutputSetAndFinal(t *testing.T) {
	h := NewOutputHandler()
	ctx := context.Background()
	meta := protocol.Meta{}.WithSession("s1")

	result, err := h.Call(ctx, "set_output", json.RawMessage(`{"output":"first answer"}`), meta)
	if err != nil {
		t.Fatalf("Call() error: %v", err)
	}
	if result.IsError {
		t.Fatalf("set_output failed: %s", result.Text())
	}
	if got, ok := h.Final("s1"); !ok || got != "first answer" {
		t.Errorf("Final = %q, %v", got, ok)
	}

	// Setting again replaces.
	if _, err := h.Call(ctx, "set_output", json.RawMessage(`{"output":"revised answer"}`), meta); err != nil {
		t.Fatal(err)
	}
	if got, _ := h.Final("s1"); got != "revised answer" {
		t.Errorf("Final after overwrite = %q", got)
	}

	h.Clear("s1")
	if _, ok := h.Final("s1"); ok {
		t.Error("Final should be empty after Clear")
	}
}

func TestOutputSessionIsolation(t *testing.T) {
	h := NewOutputHandler()
	ctx := context.Background()

	if _, err := h.Call(ctx, "set_output", json.RawMessage(`{"output":"for alice"}`), protocol.Meta{}.WithSession("alice")); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Call(ctx, "set_output", json.RawMessage(`{"output":"for bob"}`), protocol.Meta{}.WithSession("bob")); err != nil {
		t.Fatal(err)
	}

	if got, _ := h.Final("alice"); got != "for alice" {
		t.Errorf("alice's output = %q", got)
	}
	if got, _ := h.Final("bob"); got != "for bob" {
		t.Errorf("bob's output = %q", got)
	}
}

func TestOutputValidation(t *testing.T) {
	h := NewOutputHandler()
	ctx := context.Background()

	result, err := h.Call(ctx, "set_output", json.RawMessage(`{}`), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsError || !strings.Contains(result.Text(), "output is required") {
		t.Errorf("result = %+v, want output-required error", result)
	}

	result, err = h.Call(ctx, "set_output", json.RawMessage(`{"output":42}`), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsError {
		t.Error("expected error for non-string output")
	}

	if _, err := h.Call(ctx, "ghost", json.RawMessage(`{}`), nil); err == nil {
		t.Error("unknown tool should return an error")
	}
}

func TestOutputTools(t *testing.T) {
	tools := NewOutputHandler().Tools()
	if len(tools) != 1 || tools[0].Name != "set_output" {
		t.Fatalf("tools = %+v", tools)
	}
	var schema map[string]any
	if err := json.Unmarshal(tools[0].InputSchema, &schema); err != nil {
		t.Fatalf("schema not JSON: %v", err)
	}
	props, _ := schema["properties"].(map[string]any)
	if _, ok := props["output"]; !ok {
		t.Errorf("schema missing output property: %v", props)
	}
}
