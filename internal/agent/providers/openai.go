package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/substratelabs/switchboard/internal/agent"
	"github.com/substratelabs/switchboard/internal/protocol"
	"github.com/substratelabs/switchboard/pkg/models"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIConfig configures the OpenAI-compatible binding. With a custom
// BaseURL the same binding serves OpenRouter, Ollama and other servers
// that speak the chat completions protocol.
type OpenAIConfig struct {
	// Name labels the binding in logs and metrics. Defaults to "openai".
	Name string

	// APIKey authenticates against the endpoint. Required unless
	// BaseURL points at a server that does not authenticate.
	APIKey string

	// BaseURL overrides the default endpoint, e.g.
	// "http://localhost:11434/v1" for a local Ollama server.
	BaseURL string

	// DefaultModel is used when a request does not name a model.
	DefaultModel string

	// DisableTools turns off structured tool definitions for endpoints
	// that do not implement function calling; the reply loop then falls
	// back to emulation.
	DisableTools bool
}

// OpenAIProvider streams chat completions. Function-call deltas arrive
// fragmented across chunks and are accumulated per index, then emitted
// as complete ToolCall chunks in issue order. Safe for concurrent use.
type OpenAIProvider struct {
	client        *openai.Client
	name          string
	baseURL       string
	defaultModel  string
	supportsTools bool
}

// NewOpenAIProvider builds the binding from the config.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultOpenAIModel
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{
		client:        openai.NewClientWithConfig(clientCfg),
		name:          cfg.Name,
		baseURL:       cfg.BaseURL,
		defaultModel:  cfg.DefaultModel,
		supportsTools: !cfg.DisableTools,
	}, nil
}

func (p *OpenAIProvider) Name() string {
	if p.name == "" {
		return "openai"
	}
	return p.name
}

func (p *OpenAIProvider) SupportsTools() bool { return p.supportsTools }

func (p *OpenAIProvider) Models() []agent.Model {
	if p.baseURL != "" {
		// The catalog of a compatible server is not knowable here;
		// expose the configured default so callers can bind to it.
		return []agent.Model{{ID: p.model(""), Name: p.model("")}}
	}
	return []agent.Model{
		{ID: "gpt-4o", Name: "GPT-4o", ContextSize: 128000},
		{ID: "gpt-4o-mini", Name: "GPT-4o mini", ContextSize: 128000},
		{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", ContextSize: 128000},
		{ID: "gpt-3.5-turbo", Name: "GPT-3.5 Turbo", ContextSize: 16385},
	}
}

// Complete starts a streaming chat completion. Request construction
// and connection failures are returned immediately, classified;
// stream-level failures arrive as a terminal Error chunk.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := p.model(req.Model)
	if p.client == nil {
		return nil, newError(p.Name(), model, errors.New("client not configured"))
	}

	chatReq := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      convertOpenAIMessages(req.Messages, req.System),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 && p.supportsTools {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, p.wrapError(err, model)
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(ctx, stream, chunks, model)
	return chunks, nil
}

// processStream converts the chat completion stream into neutral
// chunks. Tool calls are keyed by the wire index while fragments
// accumulate and flushed in first-seen order so multi-call turns keep
// the order the model issued them in.
func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *agent.CompletionChunk, model string) {
	defer close(chunks)
	defer stream.Close()

	var (
		pending = make(map[int]*models.ToolCall)
		order   []int
		args    = make(map[int][]byte)
		usage   *models.Usage
	)
	flush := func() {
		for _, idx := range order {
			call := pending[idx]
			if call == nil || call.ID == "" || call.Name == "" {
				continue
			}
			call.Arguments = normalizeArguments(string(args[idx]))
			chunks <- &agent.CompletionChunk{ToolCall: call}
		}
		pending = make(map[int]*models.ToolCall)
		args = make(map[int][]byte)
		order = nil
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- &agent.CompletionChunk{Error: ctx.Err()}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flush()
				chunks <- &agent.CompletionChunk{Done: true, Usage: usage}
				return
			}
			chunks <- &agent.CompletionChunk{Error: p.wrapError(err, model)}
			return
		}

		// The usage chunk arrives with an empty choice list, after the
		// final content chunk.
		if response.Usage != nil {
			usage = &models.Usage{
				InputTokens:  response.Usage.PromptTokens,
				OutputTokens: response.Usage.CompletionTokens,
			}
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			chunks <- &agent.CompletionChunk{Text: choice.Delta.Content}
		}

		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			if pending[idx] == nil {
				pending[idx] = &models.ToolCall{}
				order = append(order, idx)
			}
			if tc.ID != "" {
				pending[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				pending[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				args[idx] = append(args[idx], tc.Function.Arguments...)
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			flush()
		}
	}
}

// convertOpenAIMessages maps the neutral conversation onto chat
// completion messages. The system prompt leads the message list, and
// each tool result becomes its own tool-role message keyed by call ID.
func convertOpenAIMessages(messages []agent.CompletionMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleAssistant:
			out := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(normalizeArguments(string(tc.Arguments))),
					},
				})
			}
			result = append(result, out)

		case models.RoleTool:
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}

		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    string(msg.Role),
				Content: msg.Content,
			})
		}
	}
	return result
}

// convertOpenAITools maps tool definitions onto function declarations.
// A schema that fails to parse degrades to the empty object schema so
// one bad tool does not sink the whole request.
func convertOpenAITools(tools []protocol.Tool) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil || schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		}
	}
	return result
}

// wrapError lifts SDK errors into classified ProviderErrors.
func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsProviderError(err); ok {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		perr := newError(p.Name(), model, err).withStatus(apiErr.HTTPStatusCode)
		perr = perr.withMessage(apiErr.Message)
		if code, ok := apiErr.Code.(string); ok && code != "" {
			perr = perr.withCode(code)
		} else if apiErr.Type != "" {
			perr = perr.withCode(apiErr.Type)
		}
		return perr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return newError(p.Name(), model, err).withStatus(reqErr.HTTPStatusCode)
	}

	return newError(p.Name(), model, err)
}

func (p *OpenAIProvider) model(requested string) string {
	if requested != "" {
		return requested
	}
	if p.defaultModel != "" {
		return p.defaultModel
	}
	return defaultOpenAIModel
}
