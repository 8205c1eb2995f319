package agent

import (
	"context"
	"errors"
	"strings"

	"github.com/substratelabs/switchboard/internal/extensions"
)

// Sentinel errors for the agent core. Transport-level sentinels
// (ErrConnection, ErrProtocol, ErrToolNotFound) live in the extensions
// package; Classify folds both sets into one taxonomy.
var (
	// ErrNoProvider means the agent was built without an LLM binding.
	ErrNoProvider = errors.New("no provider configured")

	// ErrConfiguration covers invalid agent or manager parameters.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrToolExecution means a tool ran and reported failure.
	ErrToolExecution = errors.New("tool execution failed")

	// ErrTimeout means a provider call or dispatch exceeded its deadline.
	ErrTimeout = errors.New("request timed out")

	// ErrCancelled means the reply context was cancelled.
	ErrCancelled = errors.New("reply cancelled")

	// ErrMaxIterations means the tool loop hit its iteration guard
	// without the model producing a final answer.
	ErrMaxIterations = errors.New("maximum iterations exceeded")
)

// Classify maps an error onto a stable taxonomy label used for retry
// decisions and as a metrics dimension.
func Classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled), errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, ErrTimeout),
		errors.Is(err, extensions.ErrTimeout):
		return "timeout"
	case errors.Is(err, extensions.ErrConnection),
		errors.Is(err, extensions.ErrNotConnected),
		errors.Is(err, extensions.ErrClosed):
		return "connection"
	case errors.Is(err, extensions.ErrProtocol):
		return "protocol"
	case errors.Is(err, extensions.ErrToolNotFound):
		return "tool_not_found"
	case errors.Is(err, ErrToolExecution):
		return "tool_execution"
	case errors.Is(err, ErrMaxIterations):
		return "max_iterations"
	case errors.Is(err, ErrNoProvider), errors.Is(err, ErrConfiguration):
		return "configuration"
	default:
		return "unknown"
	}
}

// transientPatterns are message fragments that mark an unclassified
// provider error as worth retrying.
var transientPatterns = []string{
	"rate limit",
	"429",
	"overloaded",
	"temporarily",
	"connection reset",
	"connection refused",
	"unavailable",
	"timeout",
	"timed out",
	"eof",
}

// Retryable reports whether a failed provider call may be attempted
// again. Tool results with is_error set never pass through here; they
// are appended to history instead of retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch Classify(err) {
	case "connection", "timeout":
		return true
	case "cancelled", "configuration", "protocol", "tool_not_found",
		"tool_execution", "max_iterations":
		return false
	}
	// Provider bindings classify their own failures; trust that over
	// message sniffing when present.
	var classified interface{ Retryable() bool }
	if errors.As(err, &classified) {
		return classified.Retryable()
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
