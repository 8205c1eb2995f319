package extensions

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/substratelabs/switchboard/internal/protocol"
)

// stdioTransport frames newline-delimited JSON-RPC over a subprocess's
// stdin/stdout. The subprocess inherits the session's working directory
// at spawn time.
type stdioTransport struct {
	config     *Config
	workingDir string
	logger     *slog.Logger

	command string
	args    []string

	process *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Scanner
	stderr  io.ReadCloser

	pending   map[int64]chan *protocol.Response
	pendingMu sync.Mutex
	events    chan *protocol.Notification
	nextID    atomic.Int64

	connected atomic.Bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

func newStdioTransport(cfg *Config, workingDir string) *stdioTransport {
	return &stdioTransport{
		config:     cfg,
		workingDir: workingDir,
		logger:     slog.Default().With("extension", cfg.Name, "transport", "stdio"),
		command:    cfg.Command,
		args:       cfg.Args,
		pending:    make(map[int64]chan *protocol.Response),
		events:     make(chan *protocol.Notification, 100),
		stopChan:   make(chan struct{}),
	}
}

// Connect starts the subprocess and begins reading its stdout.
func (t *stdioTransport) Connect(ctx context.Context) error {
	if t.command == "" {
		return fmt.Errorf("%w: command is required for stdio transport", ErrConnection)
	}

	t.process = exec.CommandContext(ctx, t.command, t.args...)

	t.process.Env = os.Environ()
	for k, v := range t.config.Env {
		t.process.Env = append(t.process.Env, fmt.Sprintf("%s=%s", k, v))
	}

	if t.workingDir != "" {
		t.process.Dir = t.workingDir
	}

	var err error
	t.stdin, err = t.process.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: stdin pipe: %v", ErrConnection, err)
	}

	stdout, err := t.process.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: stdout pipe: %v", ErrConnection, err)
	}
	t.stdout = bufio.NewScanner(stdout)
	t.stdout.Buffer(make([]byte, 1024*1024), 1024*1024) // 1MB buffer

	t.stderr, _ = t.process.StderrPipe()

	if err := t.process.Start(); err != nil {
		return fmt.Errorf("%w: start process: %v", ErrConnection, err)
	}

	t.connected.Store(true)
	t.logger.Info("started extension process",
		"command", t.command,
		"pid", t.process.Process.Pid)

	t.wg.Add(1)
	go t.readLoop()

	if t.stderr != nil {
		t.wg.Add(1)
		go t.logStderr()
	}

	return nil
}

// Close kills the subprocess and waits for the reader goroutines.
func (t *stdioTransport) Close() error {
	t.connected.Store(false)
	close(t.stopChan)

	if t.stdin != nil {
		t.stdin.Close()
	}

	if t.process != nil && t.process.Process != nil {
		t.process.Process.Kill()
	}

	t.wg.Wait()
	return nil
}

// Call sends a request and waits for the matching response.
func (t *stdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, ErrNotConnected
	}

	id := t.nextID.Add(1)

	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	respChan := make(chan *protocol.Response, 1)
	t.pendingMu.Lock()
	t.pending[id] = respChan
	t.pendingMu.Unlock()

	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	data, _ := json.Marshal(req)
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("%w: write request: %v", ErrConnection, err)
	}

	timeout := t.config.EffectiveTimeout()

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("%w after %v", ErrTimeout, timeout)
	case <-t.stopChan:
		return nil, ErrClosed
	}
}

// Notify sends a notification; no response is expected.
func (t *stdioTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return ErrNotConnected
	}

	notif, err := protocol.NewNotification(method, params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}

	data, _ := json.Marshal(notif)
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("%w: write notification: %v", ErrConnection, err)
	}

	return nil
}

// Events returns the notification channel.
func (t *stdioTransport) Events() <-chan *protocol.Notification {
	return t.events
}

// Connected reports whether the subprocess is alive and readable.
func (t *stdioTransport) Connected() bool {
	return t.connected.Load()
}

func (t *stdioTransport) readLoop() {
	defer t.wg.Done()
	defer t.connected.Store(false)

	for t.stdout.Scan() {
		select {
		case <-t.stopChan:
			return
		default:
		}

		line := t.stdout.Text()
		if line == "" {
			continue
		}

		t.processLine(line)
	}

	if err := t.stdout.Err(); err != nil {
		t.logger.Error("stdout scanner error", "error", err)
	}
}

func (t *stdioTransport) processLine(line string) {
	// A message with an ID is a response to a pending call.
	var resp protocol.Response
	if err := json.Unmarshal([]byte(line), &resp); err == nil && resp.ID != nil {
		var id int64
		switch v := resp.ID.(type) {
		case float64:
			id = int64(v)
		case int64:
			id = v
		case int:
			id = int64(v)
		default:
			t.logger.Warn("unexpected response ID type", "id", resp.ID)
			return
		}

		t.pendingMu.Lock()
		if ch, ok := t.pending[id]; ok {
			select {
			case ch <- &resp:
			default:
			}
			delete(t.pending, id)
		}
		t.pendingMu.Unlock()
		return
	}

	// Otherwise it may be a server notification.
	var notif protocol.Notification
	if err := json.Unmarshal([]byte(line), &notif); err == nil && notif.Method != "" {
		select {
		case t.events <- &notif:
		default:
			t.logger.Warn("notification channel full, dropping")
		}
	}
}

func (t *stdioTransport) logStderr() {
	defer t.wg.Done()

	scanner := bufio.NewScanner(t.stderr)
	for scanner.Scan() {
		select {
		case <-t.stopChan:
			return
		default:
		}

		line := scanner.Text()
		if line != "" {
			t.logger.Debug("extension stderr", "message", line)
		}
	}
}
