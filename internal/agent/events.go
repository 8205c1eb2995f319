package agent

import "github.com/substratelabs/switchboard/pkg/models"

// Event is one item in a Reply stream. Exactly one field is set per
// event. The stream ends with either a Done or an Error event, after
// which the channel is closed.
type Event struct {
	// Text is an incremental assistant content delta. In emulated tool
	// mode it includes the raw call objects and spliced tool output,
	// exactly as they enter the transcript.
	Text string

	// ToolCall announces a dispatch about to start, in issue order.
	ToolCall *models.ToolCall

	// ToolResult reports a finished dispatch, in completion order.
	ToolResult *models.ToolResult

	// Usage is the aggregate token consumption of the whole reply,
	// emitted once before Done.
	Usage *models.Usage

	// Error is terminal. Classify maps it onto the error taxonomy.
	Error error

	// Done marks a successful end of the reply.
	Done bool
}
