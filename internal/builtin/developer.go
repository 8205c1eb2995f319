package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/substratelabs/switchboard/internal/protocol"
)

// DeveloperServerName is the bundled developer tooling server.
const DeveloperServerName = "developer"

const (
	serverVersion  = "1.0.0"
	maxShellOutput = 64000
)

type shellArgs struct {
	Command string `json:"command" jsonschema:"description=Shell command to execute"`
}

type echoArgs struct {
	Text string `json:"text" jsonschema:"description=Text to echo back"`
}

var (
	devSchemaOnce sync.Once
	shellSchema   json.RawMessage
	echoSchema    json.RawMessage
)

func reflectDeveloperSchemas() {
	r := &jsonschema.Reflector{DoNotReference: true, Anonymous: true}

	shell, err := json.Marshal(r.Reflect(&shellArgs{}))
	if err != nil {
		shell = json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"}},"required":["command"]}`)
	}
	shellSchema = shell

	echo, err := json.Marshal(r.Reflect(&echoArgs{}))
	if err != nil {
		echo = json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`)
	}
	echoSchema = echo
}

func developerServer() *Server {
	devSchemaOnce.Do(reflectDeveloperSchemas)
	return &Server{
		Name:    DeveloperServerName,
		Version: serverVersion,
		Tools: []Tool{
			{
				Def: protocol.Tool{
					Name:        "shell",
					Description: "Run a shell command in the session working directory and return its combined output.",
					InputSchema: shellSchema,
				},
				Handler: runShellTool,
			},
			{
				Def: protocol.Tool{
					Name:        "echo",
					Description: "Return the given text unchanged.",
					InputSchema: echoSchema,
				},
				Handler: runEchoTool,
			},
		},
	}
}

// runShellTool executes the command via sh -c in the working directory
// carried by the request meta, capturing combined output up to the cap.
func runShellTool(ctx context.Context, args json.RawMessage, meta protocol.Meta) *protocol.CallToolResult {
	var in shellArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return protocol.ErrorResult(fmt.Sprintf("invalid arguments: %v", err))
	}
	command := strings.TrimSpace(in.Command)
	if command == "" {
		return protocol.ErrorResult("command is required")
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = protocol.WorkingDir(meta)

	out := newCappedBuffer(maxShellOutput)
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()

	text := out.String()
	if out.Truncated() {
		if text != "" && !strings.HasSuffix(text, "\n") {
			text += "\n"
		}
		text += "[output truncated]"
	}
	if err != nil {
		if text != "" && !strings.HasSuffix(text, "\n") {
			text += "\n"
		}
		if code := exitCode(err); code > 0 {
			text += fmt.Sprintf("command exited with code %d", code)
		} else {
			text += fmt.Sprintf("command failed: %v", err)
		}
		return protocol.ErrorResult(text)
	}
	return protocol.TextResult(text)
}

func runEchoTool(_ context.Context, args json.RawMessage, _ protocol.Meta) *protocol.CallToolResult {
	var in echoArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return protocol.ErrorResult(fmt.Sprintf("invalid arguments: %v", err))
	}
	return protocol.TextResult(in.Text)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

// cappedBuffer collects process output up to a fixed cap. Writes past
// the cap are accepted and dropped so the child never sees a pipe
// error.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

func newCappedBuffer(max int) *cappedBuffer {
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf) >= b.max {
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	}
	remaining := b.max - len(b.buf)
	if len(p) > remaining {
		b.buf = append(b.buf, p[:remaining]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func (b *cappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
