package shim

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// MaxOutputBytes caps the combined stdout+stderr captured from an
// emulated shell call before it is spliced into the transcript.
const MaxOutputBytes = 4096

// Result statuses, also used as metrics labels.
const (
	StatusSuccess     = "success"
	StatusInvalidArgs = "invalid_args"
	StatusExecError   = "exec_error"
	StatusUnknownTool = "unknown_tool"
)

// ExecResult is the outcome of one emulated tool call.
type ExecResult struct {
	// Output is the text spliced into the transcript.
	Output string

	// IsError reports whether the call failed (bad arguments, unknown
	// tool, or a nonzero exit).
	IsError bool

	// Done is set when the call was the completion signal.
	Done bool

	// Status classifies the outcome for logging and metrics.
	Status string
}

// Executor runs the fixed emulation tool set. Only the shell tool and
// the completion signal exist; anything else is rejected.
type Executor struct {
	workingDir string
	timeout    time.Duration
}

// NewExecutor creates an executor whose shell commands run in
// workingDir. A zero timeout leaves commands bounded only by the
// caller's context.
func NewExecutor(workingDir string, timeout time.Duration) *Executor {
	return &Executor{workingDir: workingDir, timeout: timeout}
}

// Execute validates and runs one parsed call.
func (e *Executor) Execute(ctx context.Context, call *ParsedCall) ExecResult {
	switch call.Tool {
	case ShellToolName:
		if err := validateShellArgs(call.Args); err != nil {
			return ExecResult{
				Output:  fmt.Sprintf("invalid arguments for %s: %v", ShellToolName, err),
				IsError: true,
				Status:  StatusInvalidArgs,
			}
		}
		var args ShellArgs
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return ExecResult{
				Output:  fmt.Sprintf("invalid arguments for %s: %v", ShellToolName, err),
				IsError: true,
				Status:  StatusInvalidArgs,
			}
		}
		return e.runShell(ctx, args.Command)
	case DoneToolName:
		// Arguments are ignored; the signal is the whole payload.
		return ExecResult{Done: true, Status: StatusSuccess}
	default:
		return ExecResult{
			Output:  fmt.Sprintf("unknown tool %q: only %s and %s are available", call.Tool, ShellToolName, DoneToolName),
			IsError: true,
			Status:  StatusUnknownTool,
		}
	}
}

func (e *Executor) runShell(ctx context.Context, command string) ExecResult {
	if strings.TrimSpace(command) == "" {
		return ExecResult{
			Output:  "command is required",
			IsError: true,
			Status:  StatusInvalidArgs,
		}
	}

	runCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	if e.workingDir != "" {
		cmd.Dir = e.workingDir
	}

	out := newCappedBuffer(MaxOutputBytes)
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()

	result := ExecResult{Output: out.String(), Status: StatusSuccess}
	if out.Truncated() {
		if result.Output != "" && !strings.HasSuffix(result.Output, "\n") {
			result.Output += "\n"
		}
		result.Output += "[output truncated]"
	}
	if err != nil {
		result.IsError = true
		result.Status = StatusExecError
		if result.Output != "" && !strings.HasSuffix(result.Output, "\n") {
			result.Output += "\n"
		}
		if code := exitCode(err); code > 0 {
			result.Output += fmt.Sprintf("command exited with code %d", code)
		} else {
			result.Output += fmt.Sprintf("command failed: %v", err)
		}
	}
	return result
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

var (
	shellSchemaOnce     sync.Once
	shellSchemaCompiled *jsonschema.Schema
	shellSchemaErr      error
)

func validateShellArgs(args json.RawMessage) error {
	shellSchemaOnce.Do(func() {
		schemaOnce.Do(reflectSchemas)
		shellSchemaCompiled, shellSchemaErr = jsonschema.CompileString("shell.schema.json", string(shellSchema))
	})
	if shellSchemaErr != nil {
		return fmt.Errorf("compile shell schema: %w", shellSchemaErr)
	}

	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return shellSchemaCompiled.Validate(decoded)
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
