package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/substratelabs/switchboard/internal/protocol"
)

// OutputHandler collects one final answer per session. The model calls
// set_output when it has its result; the host reads it back with Final.
type OutputHandler struct {
	mu      sync.RWMutex
	outputs map[string]string
}

// NewOutputHandler creates an empty output store.
func NewOutputHandler() *OutputHandler {
	return &OutputHandler{outputs: make(map[string]string)}
}

type setOutputArgs struct {
	Output string `json:"output" jsonschema:"description=The final answer for this task"`
}

var (
	outputSchemaOnce sync.Once
	setOutputSchema  json.RawMessage
)

func reflectOutputSchema() {
	r := &jsonschema.Reflector{DoNotReference: true, Anonymous: true}
	schema, err := json.Marshal(r.Reflect(&setOutputArgs{}))
	if err != nil {
		schema = json.RawMessage(`{"type":"object","properties":{"output":{"type":"string"}},"required":["output"]}`)
	}
	setOutputSchema = schema
}

// Tools implements extensions.PlatformHandler.
func (h *OutputHandler) Tools() []protocol.Tool {
	outputSchemaOnce.Do(reflectOutputSchema)
	return []protocol.Tool{
		{
			Name:        "set_output",
			Description: "Record the final answer for this task. Calling it again replaces the previous answer.",
			InputSchema: setOutputSchema,
		},
	}
}

// Call implements extensions.PlatformHandler.
func (h *OutputHandler) Call(_ context.Context, name string, args json.RawMessage, meta protocol.Meta) (*protocol.CallToolResult, error) {
	if name != "set_output" {
		return nil, fmt.Errorf("unknown tool %q", name)
	}

	var in setOutputArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return protocol.ErrorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if in.Output == "" {
		return protocol.ErrorResult("output is required"), nil
	}

	session := protocol.SessionID(meta)
	h.mu.Lock()
	h.outputs[session] = in.Output
	h.mu.Unlock()

	return protocol.TextResult("final output recorded"), nil
}

// Final returns the recorded answer for a session, if any.
func (h *OutputHandler) Final(sessionID string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	output, ok := h.outputs[sessionID]
	return output, ok
}

// Clear discards a session's recorded answer.
func (h *OutputHandler) Clear(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.outputs, sessionID)
}
