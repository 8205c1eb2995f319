// Package providers implements the agent.Provider contract for real
// LLM backends: Anthropic's Messages API and OpenAI-compatible chat
// completion endpoints. Both bindings stream, convert between the
// provider wire format and the neutral completion types, and classify
// failures so the reply loop can decide what to retry.
//
// The bindings do not retry internally; transient failures are
// reported classified and the reply loop owns the backoff policy.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/substratelabs/switchboard/internal/agent"
	"github.com/substratelabs/switchboard/internal/protocol"
	"github.com/substratelabs/switchboard/pkg/models"
)

const (
	defaultAnthropicModel = "claude-sonnet-4-20250514"

	// defaultMaxTokens caps generation when the request does not.
	defaultMaxTokens = 4096

	// maxEmptyStreamEvents bounds consecutive events that produce no
	// output before the stream is treated as malformed.
	maxEmptyStreamEvents = 300
)

// AnthropicConfig configures the Anthropic binding.
type AnthropicConfig struct {
	// APIKey authenticates against the API. Required.
	APIKey string

	// BaseURL overrides the default endpoint. Optional.
	BaseURL string

	// DefaultModel is used when a request does not name a model.
	DefaultModel string
}

// AnthropicProvider streams completions from Anthropic's Messages API.
// Tool use arrives as content blocks and is re-emitted as fully
// accumulated ToolCall chunks. Safe for concurrent use.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
}

// NewAnthropicProvider builds the binding from the config.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultAnthropicModel
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) SupportsTools() bool { return true }

func (p *AnthropicProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", ContextSize: 200000},
		{ID: "claude-opus-4-20250514", Name: "Claude Opus 4", ContextSize: 200000},
		{ID: "claude-3-5-sonnet-20241022", Name: "Claude 3.5 Sonnet", ContextSize: 200000},
		{ID: "claude-3-5-haiku-20241022", Name: "Claude 3.5 Haiku", ContextSize: 200000},
	}
}

// Complete starts a streaming completion. Conversion failures are
// returned immediately; everything after the stream opens is delivered
// through the chunk channel, which is closed when the stream ends.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := p.model(req.Model)

	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return nil, p.wrapError(err, model)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens(req.MaxTokens)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return nil, p.wrapError(err, model)
		}
		params.Tools = tools
	}

	stream := p.client.Messages.NewStreaming(ctx, params)

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)
		p.stream(stream, chunks, model)
	}()
	return chunks, nil
}

// stream consumes the SSE event union and emits neutral chunks. Tool
// input is accumulated across input_json_delta events and finalized on
// content_block_stop; usage is carried on the terminal Done chunk.
func (p *AnthropicProvider) stream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *agent.CompletionChunk, model string) {
	var (
		current    *models.ToolCall
		input      strings.Builder
		usage      models.Usage
		emptyCount int
	)

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				usage.InputTokens = int(start.Message.Usage.InputTokens)
			}
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				use := block.AsToolUse()
				current = &models.ToolCall{ID: use.ID, Name: use.Name}
				input.Reset()
			}
			processed = true

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- &agent.CompletionChunk{Text: delta.Text}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					input.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			if current != nil {
				current.Arguments = normalizeArguments(input.String())
				chunks <- &agent.CompletionChunk{ToolCall: current}
				current = nil
			}
			processed = true

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(delta.Usage.OutputTokens)
			}
			processed = true

		case "message_stop":
			chunks <- &agent.CompletionChunk{Done: true, Usage: &usage}
			return

		case "error":
			chunks <- &agent.CompletionChunk{
				Error: p.wrapError(errors.New("anthropic stream error"), model),
			}
			return
		}

		if processed {
			emptyCount = 0
		} else if emptyCount++; emptyCount >= maxEmptyStreamEvents {
			chunks <- &agent.CompletionChunk{
				Error: p.wrapError(fmt.Errorf("malformed stream: %d consecutive empty events", emptyCount), model),
			}
			return
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &agent.CompletionChunk{Error: p.wrapError(err, model)}
	}
}

// convertAnthropicMessages flattens the neutral conversation into
// content-block messages. System entries are skipped; the system
// prompt travels in params.System. Tool results become user-role
// tool_result blocks per the Messages API shape.
func convertAnthropicMessages(messages []agent.CompletionMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(normalizeArguments(string(tc.Arguments)), &input); err != nil {
				return nil, fmt.Errorf("invalid arguments for tool call %s: %w", tc.ID, err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertAnthropicTools(tools []protocol.Tool) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("invalid schema for tool %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid schema for tool %s", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}

// normalizeArguments treats missing or empty tool input as the empty
// object, which is what zero-parameter tools produce.
func normalizeArguments(raw string) json.RawMessage {
	if strings.TrimSpace(raw) == "" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(raw)
}

func (p *AnthropicProvider) model(requested string) string {
	if requested == "" {
		return p.defaultModel
	}
	return requested
}

func maxTokens(requested int) int {
	if requested <= 0 {
		return defaultMaxTokens
	}
	return requested
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

// wrapError lifts SDK errors into classified ProviderErrors, pulling
// status, error type and request ID out of the API error body.
func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsProviderError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		// Built from the API error body alone; apiErr.Error() formats
		// the underlying request and is unsafe on bare values.
		perr := (&ProviderError{
			Reason:   ReasonUnknown,
			Provider: "anthropic",
			Model:    model,
			Cause:    err,
		}).withStatus(apiErr.StatusCode)
		requestID := apiErr.RequestID
		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				perr = perr.withMessage(payload.Error.Message).withCode(payload.Error.Type)
				if payload.RequestID != "" {
					requestID = payload.RequestID
				}
			}
		}
		if perr.Message == "" {
			perr.Message = "anthropic request failed"
		}
		perr.RequestID = requestID
		return perr
	}

	return newError("anthropic", model, err)
}
