// Package shim emulates tool calling for models that cannot emit
// structured tool calls. The generated text is scanned for inline JSON
// call objects, the calls run through a constrained executor, and the
// captured output is spliced back into the transcript so the model can
// keep working with it.
package shim

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/substratelabs/switchboard/internal/protocol"
)

// Tool names of the fixed emulation catalogue. The emulated model never
// sees the full extension catalogue; it gets a shell and a completion
// signal, nothing else.
const (
	ShellToolName = "shell"
	DoneToolName  = "done"
)

// ShellArgs are the arguments of the emulated shell tool.
type ShellArgs struct {
	Command string `json:"command" jsonschema:"description=Shell command to execute"`
}

// DoneArgs are the arguments of the completion signal. It takes none.
type DoneArgs struct{}

var (
	schemaOnce  sync.Once
	shellSchema json.RawMessage
	doneSchema  json.RawMessage
)

func reflectSchemas() {
	r := &jsonschema.Reflector{DoNotReference: true, Anonymous: true}

	shell, err := json.Marshal(r.Reflect(&ShellArgs{}))
	if err != nil {
		shell = json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"}},"required":["command"]}`)
	}
	shellSchema = shell

	done, err := json.Marshal(r.Reflect(&DoneArgs{}))
	if err != nil {
		done = json.RawMessage(`{"type":"object"}`)
	}
	doneSchema = done
}

// Tools returns the fixed two-tool catalogue presented to an emulated
// model.
func Tools() []protocol.Tool {
	schemaOnce.Do(reflectSchemas)
	return []protocol.Tool{
		{
			Name:        ShellToolName,
			Description: "Run a shell command and see its output.",
			InputSchema: shellSchema,
		},
		{
			Name:        DoneToolName,
			Description: "Signal that the task is complete.",
			InputSchema: doneSchema,
		},
	}
}

// SystemPrompt builds the replacement system prompt installed while
// emulating. It describes exactly one call format; everything the model
// writes that is not such an object passes through as plain text.
func SystemPrompt(workingDir string) string {
	if workingDir == "" {
		if wd, err := os.Getwd(); err == nil {
			workingDir = wd
		}
	}
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}

	return fmt.Sprintf(`You are a capable assistant that can run shell commands.

To run a command, write a single line containing exactly one JSON object in this form:

{"tool":"shell","args":{"command":"ls -la"}}

The command runs immediately and its output appears right after your call. You can run several commands in one response. When the task is finished, write:

{"tool":"done","args":{}}

Rules:
- Write the JSON exactly as shown, with no spaces after "tool": and no line breaks inside the object.
- The object must be complete; anything else you write is treated as plain text.
- Only the tools "shell" and "done" exist. There are no others.
- Do not explain the JSON format to the user.

Environment:
- os: %s
- working_directory: %s
- shell: %s`, runtime.GOOS, workingDir, shell)
}
