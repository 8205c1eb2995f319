package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/substratelabs/switchboard/internal/agent"
	"github.com/substratelabs/switchboard/internal/protocol"
	"github.com/substratelabs/switchboard/pkg/models"
)

const (
	defaultSubagentSystem = "You are a sub-agent handling one delegated task. " +
		"Work only from the task description and reply with the result, nothing else."
	defaultSubagentMaxTokens  = 1024
	defaultSubagentMaxActive  = 3
	defaultSubagentIterations = 3
	defaultSubagentTimeout    = 60 * time.Second
)

// DispatchFunc executes a tool call granted to the sub-completion,
// typically bound to the parent session's extension manager.
type DispatchFunc func(ctx context.Context, name string, args json.RawMessage, meta protocol.Meta) (*protocol.CallToolResult, error)

// SubagentConfig configures delegation.
type SubagentConfig struct {
	// Provider runs the nested completions.
	Provider agent.Provider

	// Model for the sub-completion; empty uses the provider default.
	Model string

	// System overrides the default sub-agent prompt.
	System string

	// Tools is the restricted set granted to the sub-completion.
	// Ignored unless Dispatch is set; without a dispatcher the
	// sub-completion runs tool-less.
	Tools    []protocol.Tool
	Dispatch DispatchFunc

	// MaxTokens bounds each nested completion.
	MaxTokens int

	// MaxActive bounds concurrent delegations.
	MaxActive int

	// MaxIterations bounds completion/dispatch rounds per delegation.
	MaxIterations int

	// Timeout bounds one whole delegation.
	Timeout time.Duration
}

// SubagentHandler runs delegated tasks as bounded nested completions.
type SubagentHandler struct {
	provider      agent.Provider
	model         string
	system        string
	tools         []protocol.Tool
	dispatch      DispatchFunc
	maxTokens     int
	maxActive     int64
	maxIterations int
	timeout       time.Duration

	active atomic.Int64
}

// NewSubagentHandler creates a delegation handler.
func NewSubagentHandler(cfg SubagentConfig) *SubagentHandler {
	h := &SubagentHandler{
		provider:      cfg.Provider,
		model:         cfg.Model,
		system:        cfg.System,
		tools:         cfg.Tools,
		dispatch:      cfg.Dispatch,
		maxTokens:     cfg.MaxTokens,
		maxActive:     int64(cfg.MaxActive),
		maxIterations: cfg.MaxIterations,
		timeout:       cfg.Timeout,
	}
	if h.system == "" {
		h.system = defaultSubagentSystem
	}
	if h.maxTokens <= 0 {
		h.maxTokens = defaultSubagentMaxTokens
	}
	if h.maxActive <= 0 {
		h.maxActive = defaultSubagentMaxActive
	}
	if h.maxIterations <= 0 {
		h.maxIterations = defaultSubagentIterations
	}
	if h.timeout <= 0 {
		h.timeout = defaultSubagentTimeout
	}
	return h
}

type runTaskArgs struct {
	Task    string `json:"task" jsonschema:"description=The task to delegate"`
	Context string `json:"context,omitempty" jsonschema:"description=Optional background the sub-agent needs"`
}

var (
	subagentSchemaOnce sync.Once
	runTaskSchema      json.RawMessage
)

func reflectSubagentSchema() {
	r := &jsonschema.Reflector{DoNotReference: true, Anonymous: true}
	schema, err := json.Marshal(r.Reflect(&runTaskArgs{}))
	if err != nil {
		schema = json.RawMessage(`{"type":"object","properties":{"task":{"type":"string"},"context":{"type":"string"}},"required":["task"]}`)
	}
	runTaskSchema = schema
}

// Tools implements extensions.PlatformHandler.
func (h *SubagentHandler) Tools() []protocol.Tool {
	subagentSchemaOnce.Do(reflectSubagentSchema)
	return []protocol.Tool{
		{
			Name:        "run_task",
			Description: "Delegate a self-contained task to a sub-agent and get its result back.",
			InputSchema: runTaskSchema,
		},
	}
}

// Call implements extensions.PlatformHandler.
func (h *SubagentHandler) Call(ctx context.Context, name string, args json.RawMessage, meta protocol.Meta) (*protocol.CallToolResult, error) {
	if name != "run_task" {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	return h.run(ctx, args, meta), nil
}

func (h *SubagentHandler) run(ctx context.Context, args json.RawMessage, meta protocol.Meta) *protocol.CallToolResult {
	var in runTaskArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return protocol.ErrorResult(fmt.Sprintf("invalid arguments: %v", err))
	}
	task := strings.TrimSpace(in.Task)
	if task == "" {
		return protocol.ErrorResult("task is required")
	}
	if h.provider == nil {
		return protocol.ErrorResult("no provider configured for delegation")
	}

	if h.active.Add(1) > h.maxActive {
		h.active.Add(-1)
		return protocol.ErrorResult(fmt.Sprintf("max active sub-agents reached (%d)", h.maxActive))
	}
	defer h.active.Add(-1)

	runCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	content := task
	if extra := strings.TrimSpace(in.Context); extra != "" {
		content = task + "\n\nContext:\n" + extra
	}
	messages := []agent.CompletionMessage{{Role: models.RoleUser, Content: content}}

	var tools []protocol.Tool
	if h.dispatch != nil {
		tools = h.tools
	}

	lastText := ""
	for i := 0; i < h.maxIterations; i++ {
		chunks, err := h.provider.Complete(runCtx, &agent.CompletionRequest{
			Model:     h.model,
			System:    h.system,
			Messages:  messages,
			Tools:     tools,
			MaxTokens: h.maxTokens,
		})
		if err != nil {
			return protocol.ErrorResult(fmt.Sprintf("delegation failed: %v", err))
		}

		reply, _, err := agent.Collect(runCtx, chunks)
		if err != nil {
			return protocol.ErrorResult(fmt.Sprintf("delegation failed: %v", err))
		}
		if text := strings.TrimSpace(reply.Content); text != "" {
			lastText = text
		}

		if len(reply.ToolCalls) == 0 || h.dispatch == nil {
			if lastText == "" {
				return protocol.ErrorResult("sub-agent returned no text")
			}
			return protocol.TextResult(lastText)
		}

		messages = append(messages, reply)
		results := make([]models.ToolResult, 0, len(reply.ToolCalls))
		for _, call := range reply.ToolCalls {
			result, err := h.dispatch(runCtx, call.Name, call.Arguments, meta)
			tr := models.ToolResult{ToolCallID: call.ID}
			switch {
			case err != nil:
				tr.Content = err.Error()
				tr.IsError = true
			case result == nil:
				tr.Content = "tool returned no result"
				tr.IsError = true
			default:
				tr.Content = result.Text()
				tr.IsError = result.IsError
			}
			results = append(results, tr)
		}
		messages = append(messages, agent.CompletionMessage{Role: models.RoleTool, ToolResults: results})
	}

	return protocol.ErrorResult(fmt.Sprintf("sub-agent did not finish within %d iterations", h.maxIterations))
}
