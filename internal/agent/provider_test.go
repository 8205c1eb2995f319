package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/substratelabs/switchboard/pkg/models"
)

func feedChunks(chunks ...*CompletionChunk) <-chan *CompletionChunk {
	ch := make(chan *CompletionChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}

func TestCollect(t *testing.T) {
	t.Run("folds a stream", func(t *testing.T) {
		msg, usage, err := Collect(context.Background(), feedChunks(
			textChunk("Hello "),
			textChunk("world"),
			callChunk("c1", "dev__echo", `{"text":"x"}`),
			usageChunk(3, 4),
			doneChunk(),
		))
		if err != nil {
			t.Fatalf("Collect: %v", err)
		}
		if msg.Role != models.RoleAssistant || msg.Content != "Hello world" {
			t.Errorf("message = %+v", msg)
		}
		if len(msg.ToolCalls) != 1 || msg.ToolCalls[0].Name != "dev__echo" {
			t.Errorf("tool calls = %+v, want one dev__echo", msg.ToolCalls)
		}
		if usage.InputTokens != 3 || usage.OutputTokens != 4 {
			t.Errorf("usage = %+v, want 3 in / 4 out", usage)
		}
	})

	t.Run("terminal error", func(t *testing.T) {
		wantErr := errors.New("stream broke")
		_, _, err := Collect(context.Background(), feedChunks(textChunk("x"), errChunk(wantErr)))
		if !errors.Is(err, wantErr) {
			t.Fatalf("err = %v, want %v", err, wantErr)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		// Providers close the stream when their context is cancelled; the
		// fold must report the cancellation, not an empty success.
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, _, err := Collect(ctx, feedChunks(textChunk("partial")))
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	})
}
