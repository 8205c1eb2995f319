package agent

import (
	"context"
	"strings"

	"github.com/substratelabs/switchboard/internal/protocol"
	"github.com/substratelabs/switchboard/pkg/models"
)

// Provider is implemented by LLM backends. Complete starts a streaming
// completion and returns a channel of chunks; the channel is closed when
// the stream ends, fails, or ctx is cancelled. A stream-level failure is
// delivered as a final chunk with Error set.
type Provider interface {
	// Complete streams a completion for the request.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name identifies the provider for logs and metrics.
	Name() string

	// Models lists the models the provider can serve.
	Models() []Model

	// SupportsTools reports whether the provider accepts structured
	// tool definitions. Per-model capability is refined by probing.
	SupportsTools() bool
}

// CompletionRequest carries one provider call.
type CompletionRequest struct {
	Model     string
	System    string
	Messages  []CompletionMessage
	Tools     []protocol.Tool
	MaxTokens int
}

// CompletionMessage is one conversation entry in provider-neutral form.
// Assistant messages may carry tool calls; tool messages carry results.
type CompletionMessage struct {
	Role        models.Role
	Content     string
	ToolCalls   []models.ToolCall
	ToolResults []models.ToolResult
}

// CompletionChunk is one streamed fragment of a completion.
type CompletionChunk struct {
	// Text is an incremental content delta.
	Text string

	// ToolCall is a fully accumulated structured tool call.
	ToolCall *models.ToolCall

	// Usage reports token counts, typically on the final chunk.
	Usage *models.Usage

	// Done marks the end of the generation.
	Done bool

	// Error terminates the stream.
	Error error
}

// Model describes one model offered by a provider.
type Model struct {
	ID          string
	Name        string
	ContextSize int
}

// Collect folds a chunk stream into a single assistant message plus
// aggregate usage, for callers that do not need streaming. Cancellation
// is observed when the provider closes the stream.
func Collect(ctx context.Context, chunks <-chan *CompletionChunk) (CompletionMessage, models.Usage, error) {
	var (
		text  strings.Builder
		calls []models.ToolCall
		usage models.Usage
	)
	done := func() (CompletionMessage, models.Usage, error) {
		msg := CompletionMessage{
			Role:      models.RoleAssistant,
			Content:   text.String(),
			ToolCalls: calls,
		}
		return msg, usage, nil
	}
	for chunk := range chunks {
		if chunk == nil {
			continue
		}
		if chunk.Error != nil {
			return CompletionMessage{}, usage, chunk.Error
		}
		text.WriteString(chunk.Text)
		if chunk.ToolCall != nil {
			calls = append(calls, *chunk.ToolCall)
		}
		if chunk.Usage != nil {
			usage = usage.Add(*chunk.Usage)
		}
		if chunk.Done {
			return done()
		}
	}

	if err := ctx.Err(); err != nil {
		return CompletionMessage{}, usage, err
	}
	return done()
}
