package extensions

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/substratelabs/switchboard/internal/protocol"
)

// httpCore carries the POST request/response path shared by the SSE and
// streamable HTTP transports.
type httpCore struct {
	config *Config
	logger *slog.Logger
	client *http.Client

	connected atomic.Bool
}

func newHTTPCore(cfg *Config, transport string) httpCore {
	return httpCore{
		config: cfg,
		logger: slog.Default().With("extension", cfg.Name, "transport", transport),
		client: &http.Client{
			Timeout: cfg.EffectiveTimeout(),
		},
	}
}

// post sends one JSON-RPC message body and returns the raw HTTP response.
func (c *httpCore) post(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URI, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range c.config.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return resp, nil
}

// Call sends a request and decodes the matching response. Servers may
// answer the POST with a plain JSON body or with a short-lived event
// stream; the stream is drained until the response carrying our
// request id arrives.
func (c *httpCore) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	req, err := protocol.NewRequest(uuid.New().String(), method, params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	body, _ := json.Marshal(req)

	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: HTTP %d: %s", ErrConnection, resp.StatusCode, string(respBody))
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return c.drainEventStream(resp.Body, req.ID)
	}

	var rpcResp protocol.Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrProtocol, err)
	}

	if rpcResp.Error != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, rpcResp.Error)
	}

	return rpcResp.Result, nil
}

// drainEventStream reads SSE data lines until the response matching id
// arrives. Interleaved notifications on the stream are skipped; the
// stream ends once the server has answered.
func (c *httpCore) drainEventStream(body io.Reader, id any) (json.RawMessage, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var rpcResp protocol.Response
		if err := json.Unmarshal([]byte(data), &rpcResp); err != nil {
			continue
		}
		if rpcResp.ID != id {
			continue
		}
		if rpcResp.Error != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, rpcResp.Error)
		}
		return rpcResp.Result, nil
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: read event stream: %v", ErrProtocol, err)
	}
	return nil, fmt.Errorf("%w: event stream ended without a response", ErrProtocol)
}

// Notify sends a notification; the response body is discarded.
func (c *httpCore) Notify(ctx context.Context, method string, params any) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}

	notif, err := protocol.NewNotification(method, params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	body, _ := json.Marshal(notif)

	resp, err := c.post(ctx, body)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Connected reports whether the transport is usable.
func (c *httpCore) Connected() bool {
	return c.connected.Load()
}

// sseTransport posts requests over HTTP and holds a long-lived GET
// stream on which the server pushes notifications as SSE data lines.
type sseTransport struct {
	httpCore

	events   chan *protocol.Notification
	stopChan chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func newSSETransport(cfg *Config) *sseTransport {
	return &sseTransport{
		httpCore: newHTTPCore(cfg, "sse"),
		events:   make(chan *protocol.Notification, 100),
		stopChan: make(chan struct{}),
	}
}

// Connect marks the transport ready and starts the event stream.
func (t *sseTransport) Connect(ctx context.Context) error {
	if t.config.URI == "" {
		return fmt.Errorf("%w: uri is required for sse transport", ErrConnection)
	}

	t.connected.Store(true)
	t.logger.Info("sse transport ready", "uri", t.config.URI)

	// Detach the stream's lifetime from the connect call so Close can
	// sever a blocked read.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel

	t.wg.Add(1)
	go t.streamLoop(streamCtx)

	return nil
}

// Close stops the event stream.
func (t *sseTransport) Close() error {
	t.connected.Store(false)
	close(t.stopChan)
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	return nil
}

// Events returns the notification channel.
func (t *sseTransport) Events() <-chan *protocol.Notification {
	return t.events
}

// streamLoop keeps one SSE connection open, reconnecting with a fixed
// delay when the server drops it.
func (t *sseTransport) streamLoop(ctx context.Context) {
	defer t.wg.Done()

	streamURL := strings.TrimSuffix(t.config.URI, "/") + "/sse"

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopChan:
			return
		default:
		}

		t.readStream(ctx, streamURL)

		select {
		case <-ctx.Done():
			return
		case <-t.stopChan:
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (t *sseTransport) readStream(ctx context.Context, streamURL string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		t.logger.Debug("failed to create stream request", "error", err)
		return
	}

	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range t.config.Headers {
		req.Header.Set(k, v)
	}

	// The shared client has a request timeout that would sever a
	// long-lived stream; use a dedicated client without one.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		t.logger.Debug("stream connection failed", "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.logger.Debug("stream returned non-200", "status", resp.StatusCode)
		return
	}

	t.logger.Debug("event stream connected", "uri", streamURL)

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-t.stopChan:
			return
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var notif protocol.Notification
		if err := json.Unmarshal([]byte(data), &notif); err != nil {
			continue
		}
		if notif.Method == "" {
			continue
		}
		select {
		case t.events <- &notif:
		default:
			t.logger.Warn("notification channel full, dropping")
		}
	}

	if err := scanner.Err(); err != nil {
		t.logger.Debug("stream scanner error", "error", err)
	}
}

// streamableHTTPTransport posts every message over plain HTTP. There is
// no server-push channel; Events never fires.
type streamableHTTPTransport struct {
	httpCore

	events chan *protocol.Notification
}

func newStreamableHTTPTransport(cfg *Config) *streamableHTTPTransport {
	return &streamableHTTPTransport{
		httpCore: newHTTPCore(cfg, "streamable_http"),
		events:   make(chan *protocol.Notification),
	}
}

// Connect marks the transport ready.
func (t *streamableHTTPTransport) Connect(ctx context.Context) error {
	if t.config.URI == "" {
		return fmt.Errorf("%w: uri is required for streamable_http transport", ErrConnection)
	}
	t.connected.Store(true)
	t.logger.Info("http transport ready", "uri", t.config.URI)
	return nil
}

// Close marks the transport unusable.
func (t *streamableHTTPTransport) Close() error {
	t.connected.Store(false)
	return nil
}

// Events returns a channel that never fires.
func (t *streamableHTTPTransport) Events() <-chan *protocol.Notification {
	return t.events
}
