// Package agent implements the session-scoped reply loop: tool
// assembly from a per-session extension set, streaming provider
// calls, concurrent tool dispatch with issue-order history merge, and
// shell-protocol emulation for models without native tool support.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/substratelabs/switchboard/internal/extensions"
	"github.com/substratelabs/switchboard/internal/observability"
	"github.com/substratelabs/switchboard/internal/protocol"
	"github.com/substratelabs/switchboard/internal/retry"
	"github.com/substratelabs/switchboard/internal/shim"
	"github.com/substratelabs/switchboard/pkg/models"
)

const (
	// DefaultMaxIterations bounds provider round trips per reply.
	DefaultMaxIterations = 10

	// DefaultToolParallelism caps concurrent dispatches per turn.
	DefaultToolParallelism = 4

	// replyBufferSize is the event channel capacity. The caller must
	// drain the channel until it is closed.
	replyBufferSize = 10

	// defaultShellTimeout bounds each emulated shell command.
	defaultShellTimeout = 60 * time.Second
)

// Config assembles one Agent.
type Config struct {
	// Provider is the LLM binding. Required.
	Provider Provider

	// Model overrides the provider's first listed model.
	Model string

	// SystemPrompt is prepended to every completion.
	SystemPrompt string

	// Session identifies the conversation and its working directory.
	Session models.Session

	// Extensions is the session's tool source. Required. The agent
	// owns it and closes it on Close.
	Extensions *extensions.Manager

	// ToolFilter restricts the advertised tools to the named prefixed
	// tools. Empty means all.
	ToolFilter []string

	// ChatOnly suppresses tool advertisement and emulation entirely.
	ChatOnly bool

	// Detector refines SupportsTools per model via probing. Optional.
	Detector *shim.Detector

	// MaxIterations bounds provider round trips per reply.
	MaxIterations int

	// MaxTokens is passed through to the provider; zero means the
	// provider's default.
	MaxTokens int

	// ToolParallelism caps concurrent dispatches per turn.
	ToolParallelism int

	// Retry governs provider call retries. Zero value means defaults.
	Retry retry.Config

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

func (c *Config) sanitize() error {
	if c.Provider == nil {
		return ErrNoProvider
	}
	if c.Extensions == nil {
		return fmt.Errorf("%w: extension manager is required", ErrConfiguration)
	}
	if c.Model == "" {
		known := c.Provider.Models()
		if len(known) == 0 {
			return fmt.Errorf("%w: no model configured and provider %q lists none", ErrConfiguration, c.Provider.Name())
		}
		c.Model = known[0].ID
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.ToolParallelism <= 0 {
		c.ToolParallelism = DefaultToolParallelism
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = retry.DefaultConfig()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Agent owns one session's conversation loop. Safe for concurrent
// Reply calls, though callers normally serialize per session.
type Agent struct {
	cfg      Config
	executor *shim.Executor
	lastUsed atomic.Int64
}

// New builds an Agent from the config, applying defaults.
func New(cfg Config) (*Agent, error) {
	if err := cfg.sanitize(); err != nil {
		return nil, err
	}
	a := &Agent{
		cfg:      cfg,
		executor: shim.NewExecutor(cfg.Session.WorkingDir, defaultShellTimeout),
	}
	a.touch()
	return a, nil
}

// Session returns the session identity the agent was built for.
func (a *Agent) Session() models.Session { return a.cfg.Session }

// Extensions exposes the session's extension manager.
func (a *Agent) Extensions() *extensions.Manager { return a.cfg.Extensions }

// LastUsed reports the time of the last GetOrCreate hit or Reply.
func (a *Agent) LastUsed() time.Time { return time.Unix(0, a.lastUsed.Load()) }

func (a *Agent) touch() { a.lastUsed.Store(time.Now().UnixNano()) }

// Close tears down the extension manager and all its transports.
func (a *Agent) Close() error { return a.cfg.Extensions.Close() }

// Reply runs the conversation loop for the given history and streams
// events. The channel is closed after a terminal Done or Error event;
// the caller must drain it. Cancelling ctx stops new dispatch and
// aborts in-flight provider and tool calls.
func (a *Agent) Reply(ctx context.Context, history []models.Message) (<-chan Event, error) {
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: history is empty", ErrConfiguration)
	}
	a.touch()

	events := make(chan Event, replyBufferSize)
	go func() {
		defer close(events)
		a.run(ctx, history, events)
	}()
	return events, nil
}

type turnResult struct {
	messages []CompletionMessage
	usage    models.Usage
	finished bool
}

func (a *Agent) run(ctx context.Context, history []models.Message, events chan<- Event) {
	if a.cfg.Tracer != nil {
		var span trace.Span
		ctx, span = a.cfg.Tracer.TraceReply(ctx, a.cfg.Session.ID)
		defer span.End()
	}

	conv := make([]CompletionMessage, 0, len(history)+2)
	for _, m := range history {
		conv = append(conv, CompletionMessage{
			Role:        m.Role,
			Content:     m.Content,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
		})
	}

	tools := a.assembleTools(ctx)
	emulate := len(tools) > 0 && !a.nativeTools(ctx)
	if emulate {
		a.cfg.Logger.Debug("routing generation through tool emulation",
			"provider", a.cfg.Provider.Name(), "model", a.cfg.Model)
	}

	var usage models.Usage
	for iteration := 1; iteration <= a.cfg.MaxIterations; iteration++ {
		var (
			turn *turnResult
			err  error
		)
		if emulate {
			turn, err = a.emulatedTurn(ctx, conv, events)
		} else {
			turn, err = a.nativeTurn(ctx, conv, tools, events)
		}
		if err != nil {
			a.terminate(events, usage, err)
			return
		}

		usage = usage.Add(turn.usage)
		conv = append(conv, turn.messages...)

		if turn.finished {
			if a.cfg.Metrics != nil {
				a.cfg.Metrics.RecordReply(a.cfg.Provider.Name(), "ok")
			}
			events <- Event{Usage: &usage}
			events <- Event{Done: true}
			return
		}
	}

	a.terminate(events, usage,
		fmt.Errorf("%w after %d iterations", ErrMaxIterations, a.cfg.MaxIterations))
}

// terminate emits the terminal error event, folding context errors
// into the taxonomy first.
func (a *Agent) terminate(events chan<- Event, usage models.Usage, err error) {
	switch {
	case errors.Is(err, context.Canceled):
		err = fmt.Errorf("%w: %v", ErrCancelled, err)
	case errors.Is(err, context.DeadlineExceeded):
		err = fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	label := Classify(err)
	a.cfg.Logger.Error("reply failed",
		"session_id", a.cfg.Session.ID, "class", label, "error", err)
	if a.cfg.Metrics != nil {
		a.cfg.Metrics.RecordReply(a.cfg.Provider.Name(), label)
		a.cfg.Metrics.RecordError("agent", label)
	}
	if usage != (models.Usage{}) {
		events <- Event{Usage: &usage}
	}
	events <- Event{Error: err}
}

func (a *Agent) assembleTools(ctx context.Context) []protocol.Tool {
	if a.cfg.ChatOnly {
		return nil
	}
	return a.cfg.Extensions.GetPrefixedTools(ctx, a.cfg.ToolFilter, a.meta())
}

// nativeTools decides whether structured tool definitions can be sent
// to the provider. A failed probe is logged and treated as native so
// the real completion surfaces the actual failure.
func (a *Agent) nativeTools(ctx context.Context) bool {
	if !a.cfg.Provider.SupportsTools() {
		return false
	}
	if a.cfg.Detector == nil {
		return true
	}
	ok, err := a.cfg.Detector.DetectToolSupport(ctx, a.cfg.Provider.Name(), a.cfg.Model)
	if err != nil {
		a.cfg.Logger.Warn("capability probe failed, assuming native tool support",
			"provider", a.cfg.Provider.Name(), "model", a.cfg.Model, "error", err)
		return true
	}
	return ok
}

func (a *Agent) meta() protocol.Meta {
	m := protocol.Meta{}.WithSession(a.cfg.Session.ID)
	if a.cfg.Session.WorkingDir != "" {
		m = m.WithWorkingDir(a.cfg.Session.WorkingDir)
	}
	return m
}

// nativeTurn runs one provider call with structured tools and, if the
// model issued tool calls, dispatches them and folds the results into
// the conversation.
func (a *Agent) nativeTurn(ctx context.Context, conv []CompletionMessage, tools []protocol.Tool, events chan<- Event) (*turnResult, error) {
	req := &CompletionRequest{
		Model:     a.cfg.Model,
		System:    a.cfg.SystemPrompt,
		Messages:  conv,
		Tools:     tools,
		MaxTokens: a.cfg.MaxTokens,
	}

	var streamed *streamResult
	res := retry.Do(ctx, a.cfg.Retry, func() error {
		sr, err := a.streamOnce(ctx, req, events)
		if err != nil {
			// Once any delta reached the caller the attempt cannot be
			// replayed without duplicating visible output.
			if sr.emitted || !Retryable(err) {
				return retry.Permanent(err)
			}
			return err
		}
		streamed = sr
		return nil
	})
	if res.Err != nil {
		return nil, unwrapPermanent(res.Err)
	}

	if len(streamed.toolCalls) == 0 {
		return &turnResult{
			messages: []CompletionMessage{{Role: models.RoleAssistant, Content: streamed.text}},
			usage:    streamed.usage,
			finished: true,
		}, nil
	}

	results := a.dispatchAll(ctx, streamed.toolCalls, events)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &turnResult{
		messages: []CompletionMessage{
			{Role: models.RoleAssistant, Content: streamed.text, ToolCalls: streamed.toolCalls},
			{Role: models.RoleTool, ToolResults: results},
		},
		usage: streamed.usage,
	}, nil
}

type streamResult struct {
	text      string
	toolCalls []models.ToolCall
	usage     models.Usage
	emitted   bool
}

// streamOnce drives one completion stream, forwarding text deltas to
// the event channel and accumulating tool calls and usage.
func (a *Agent) streamOnce(ctx context.Context, req *CompletionRequest, events chan<- Event) (*streamResult, error) {
	sr := &streamResult{}
	start := time.Now()

	callCtx := ctx
	if a.cfg.Tracer != nil {
		var span trace.Span
		callCtx, span = a.cfg.Tracer.TraceProviderRequest(ctx, a.cfg.Provider.Name(), req.Model)
		defer span.End()
	}

	chunks, err := a.cfg.Provider.Complete(callCtx, req)
	if err != nil {
		a.recordProvider(start, sr.usage, err)
		return sr, err
	}

	var text strings.Builder
	finish := func() (*streamResult, error) {
		sr.text = text.String()
		a.recordProvider(start, sr.usage, nil)
		return sr, nil
	}
	for chunk := range chunks {
		if chunk == nil {
			continue
		}
		if chunk.Error != nil {
			a.recordProvider(start, sr.usage, chunk.Error)
			return sr, chunk.Error
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			events <- Event{Text: chunk.Text}
			sr.emitted = true
		}
		if chunk.ToolCall != nil {
			sr.toolCalls = append(sr.toolCalls, *chunk.ToolCall)
		}
		if chunk.Usage != nil {
			sr.usage = sr.usage.Add(*chunk.Usage)
		}
		if chunk.Done {
			return finish()
		}
	}

	// Providers close the stream on cancellation too; do not mistake
	// that for a finished generation.
	if err := ctx.Err(); err != nil {
		a.recordProvider(start, sr.usage, err)
		return sr, err
	}
	return finish()
}

// dispatchAll executes the turn's tool calls concurrently, bounded by
// ToolParallelism. Results land at the index of their call so history
// keeps issue order regardless of completion order.
func (a *Agent) dispatchAll(ctx context.Context, calls []models.ToolCall, events chan<- Event) []models.ToolResult {
	for i := range calls {
		events <- Event{ToolCall: &calls[i]}
	}

	results := make([]models.ToolResult, len(calls))
	sem := make(chan struct{}, a.cfg.ToolParallelism)
	var wg sync.WaitGroup
	for i := range calls {
		wg.Add(1)
		go func(idx int, call models.ToolCall) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = models.ToolResult{
					ToolCallID: call.ID,
					Content:    "tool call cancelled: " + ctx.Err().Error(),
					IsError:    true,
				}
				return
			}
			result := a.dispatchOne(ctx, call)
			results[idx] = result
			events <- Event{ToolResult: &result}
		}(i, calls[i])
	}
	wg.Wait()
	return results
}

// dispatchOne routes a call through the extension manager. Failures
// become error results so the model can see and react to them; they
// are never auto-retried.
func (a *Agent) dispatchOne(ctx context.Context, call models.ToolCall) models.ToolResult {
	start := time.Now()
	result, err := a.cfg.Extensions.DispatchToolCall(ctx, call, a.meta())
	if err != nil {
		a.cfg.Logger.Warn("tool dispatch failed",
			"tool", call.Name,
			"class", Classify(err),
			"duration", time.Since(start).Round(time.Millisecond).String(),
			"error", err)
		if a.cfg.Metrics != nil {
			a.cfg.Metrics.RecordError("agent", Classify(err))
		}
		return models.ToolResult{ToolCallID: call.ID, Content: err.Error(), IsError: true}
	}
	return models.ToolResult{
		ToolCallID: call.ID,
		Content:    result.Text(),
		IsError:    result.IsError,
	}
}

// emulatedTurn runs one generation through the shell-protocol
// emulator. Retries only apply when nothing was emitted or executed,
// since emulated tool calls have side effects.
func (a *Agent) emulatedTurn(ctx context.Context, conv []CompletionMessage, events chan<- Event) (*turnResult, error) {
	var turn *turnResult
	res := retry.Do(ctx, a.cfg.Retry, func() error {
		t, emitted, err := a.emulateOnce(ctx, conv, events)
		if err != nil {
			if emitted || !Retryable(err) {
				return retry.Permanent(err)
			}
			return err
		}
		turn = t
		return nil
	})
	if res.Err != nil {
		return nil, unwrapPermanent(res.Err)
	}
	return turn, nil
}

func (a *Agent) emulateOnce(ctx context.Context, conv []CompletionMessage, events chan<- Event) (*turnResult, bool, error) {
	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req := &CompletionRequest{
		Model:     a.cfg.Model,
		System:    a.emulatedSystem(),
		Messages:  conv,
		MaxTokens: a.cfg.MaxTokens,
	}
	start := time.Now()
	chunks, err := a.cfg.Provider.Complete(genCtx, req)
	if err != nil {
		a.recordProvider(start, models.Usage{}, err)
		return nil, false, err
	}

	// The adapter narrows provider chunks to the text stream the
	// emulator consumes, capturing usage and the terminal error.
	text := make(chan string, replyBufferSize)
	adapterDone := make(chan struct{})
	var (
		streamErr error
		usage     models.Usage
	)
	go func() {
		defer close(adapterDone)
		defer close(text)
		for chunk := range chunks {
			if chunk == nil {
				continue
			}
			if chunk.Error != nil {
				// A failure arriving after cancellation is fallout of
				// stopping the generation, not a turn failure.
				if genCtx.Err() == nil {
					streamErr = chunk.Error
				}
				return
			}
			if chunk.Usage != nil {
				usage = usage.Add(*chunk.Usage)
			}
			if chunk.Text == "" {
				continue
			}
			select {
			case text <- chunk.Text:
			case <-genCtx.Done():
				// The emulator stopped reading; keep draining so the
				// provider can close the stream.
			}
		}
	}()

	emitted := false
	emulator := shim.NewEmulator(a.executor,
		shim.WithLogger(a.cfg.Logger),
		shim.WithMetrics(a.cfg.Metrics),
		shim.WithSink(func(piece string) {
			emitted = true
			events <- Event{Text: piece}
		}),
	)
	outcome, perr := emulator.ProcessStream(genCtx, text)

	// Stop the generation before reading adapter state; on done the
	// model is still producing tokens nobody will read.
	cancel()
	<-adapterDone

	if perr != nil {
		a.recordProvider(start, usage, perr)
		return nil, emitted, perr
	}
	if streamErr != nil {
		a.recordProvider(start, usage, streamErr)
		return nil, emitted || len(outcome.Calls) > 0, streamErr
	}
	if err := ctx.Err(); err != nil {
		a.recordProvider(start, usage, err)
		return nil, emitted || len(outcome.Calls) > 0, err
	}
	a.recordProvider(start, usage, nil)

	return &turnResult{
		messages: []CompletionMessage{{Role: models.RoleAssistant, Content: outcome.Transcript}},
		usage:    usage,
		finished: outcome.Done || len(outcome.Calls) == 0,
	}, emitted, nil
}

// emulatedSystem appends the shell-protocol instructions to the
// configured system prompt.
func (a *Agent) emulatedSystem() string {
	shimPrompt := shim.SystemPrompt(a.cfg.Session.WorkingDir)
	if a.cfg.SystemPrompt == "" {
		return shimPrompt
	}
	return a.cfg.SystemPrompt + "\n\n" + shimPrompt
}

func (a *Agent) recordProvider(start time.Time, usage models.Usage, err error) {
	if a.cfg.Metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = Classify(err)
	}
	a.cfg.Metrics.RecordProviderRequest(a.cfg.Provider.Name(), a.cfg.Model,
		status, time.Since(start).Seconds(), usage.InputTokens, usage.OutputTokens)
}

func unwrapPermanent(err error) error {
	var perr *retry.PermanentError
	if errors.As(err, &perr) {
		return perr.Unwrap()
	}
	return err
}
