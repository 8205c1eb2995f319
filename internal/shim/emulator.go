package shim

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/substratelabs/switchboard/internal/observability"
)

// Emulator folds a model's text stream into a transcript, executing
// inline tool calls as they complete and splicing their output in
// directly after the call text. It implements the emulated half of the
// tool-calling fallback; deciding when to use it is the agent's job.
type Emulator struct {
	executor *Executor
	logger   *slog.Logger
	metrics  *observability.Metrics
	sink     func(string)
}

// EmulatorOption configures an Emulator.
type EmulatorOption func(*Emulator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) EmulatorOption {
	return func(e *Emulator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(metrics *observability.Metrics) EmulatorOption {
	return func(e *Emulator) { e.metrics = metrics }
}

// WithSink registers a callback invoked synchronously with every piece
// appended to the transcript, in order: text, call objects, spliced
// output. It lets a caller stream the transcript as it forms.
func WithSink(sink func(string)) EmulatorOption {
	return func(e *Emulator) { e.sink = sink }
}

// NewEmulator creates an emulator that executes calls with executor.
func NewEmulator(executor *Executor, opts ...EmulatorOption) *Emulator {
	e := &Emulator{
		executor: executor,
		logger:   slog.Default().With("component", "shim"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Outcome summarizes one emulated generation.
type Outcome struct {
	// Transcript is the generated text with each call's output spliced
	// in immediately after the call text.
	Transcript string

	// Calls are the executed calls in stream order.
	Calls []ExecutedCall

	// Done reports whether the model signalled completion. The caller
	// is responsible for cancelling the underlying generation.
	Done bool
}

// ExecutedCall records one executed inline call.
type ExecutedCall struct {
	Tool    string          `json:"tool"`
	Args    json.RawMessage `json:"args"`
	Output  string          `json:"output,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
}

// ProcessStream consumes text chunks until the channel closes, the
// model signals completion, or ctx is cancelled. Scanning resumes
// after each executed call, so one generation can carry several calls
// in sequence.
func (e *Emulator) ProcessStream(ctx context.Context, chunks <-chan string) (*Outcome, error) {
	parser := NewParser()
	outcome := &Outcome{}
	var transcript strings.Builder

	write := func(s string) {
		transcript.WriteString(s)
		if e.sink != nil {
			e.sink(s)
		}
	}
	apply := func(events []Event) bool {
		for _, ev := range events {
			switch ev.Kind {
			case EventText:
				write(ev.Text)
			case EventCall:
				write(ev.Call.Raw)
				res := e.executor.Execute(ctx, ev.Call)
				outcome.Calls = append(outcome.Calls, ExecutedCall{
					Tool:    ev.Call.Tool,
					Args:    ev.Call.Args,
					Output:  res.Output,
					IsError: res.IsError,
				})
				if e.metrics != nil {
					e.metrics.RecordEmulatedToolCall(ev.Call.Tool, res.Status)
				}
				e.logger.Debug("emulated tool call",
					"tool", ev.Call.Tool,
					"status", res.Status,
					"output_bytes", len(res.Output))
				if res.Output != "" {
					write("\n" + res.Output)
				}
				if res.Done {
					return true
				}
			}
		}
		return false
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				apply(parser.Flush())
				outcome.Transcript = transcript.String()
				return outcome, nil
			}
			if apply(parser.Feed(chunk)) {
				outcome.Done = true
				outcome.Transcript = transcript.String()
				return outcome, nil
			}
		}
	}
}
