package extensions

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/substratelabs/switchboard/internal/observability"
	"github.com/substratelabs/switchboard/internal/protocol"
	"github.com/substratelabs/switchboard/pkg/models"
)

// Extension is one live registered extension: its immutable config and
// the client owning its connection.
type Extension struct {
	Config Config
	Client Client

	// lastListErr records the most recent tool aggregation failure, or
	// nil. Visible through Status for per-extension health.
	lastListErr error
}

// Manager owns the named set of active extensions for one session. The
// registry is guarded for concurrent read during listing and dispatch;
// writes happen only in AddExtension and RemoveExtension.
type Manager struct {
	mu         sync.RWMutex
	extensions map[string]*Extension

	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(metrics *observability.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// WithTracer sets the tracer.
func WithTracer(tracer *observability.Tracer) ManagerOption {
	return func(m *Manager) { m.tracer = tracer }
}

// NewManager creates an empty extension registry.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		extensions: make(map[string]*Extension),
		logger:     slog.Default().With("component", "extensions"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddExtension validates cfg, builds the transport-appropriate client,
// and stores it under cfg.Name. A prior entry of the same name is
// closed and removed first, so at most one live instance exists per
// name. On failure nothing stays registered under cfg.Name.
//
// workingDir is the session's working directory; subprocess transports
// inherit it at spawn time.
func (m *Manager) AddExtension(ctx context.Context, cfg Config, workingDir string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if prior, exists := m.extensions[cfg.Name]; exists {
		if err := prior.Client.Close(); err != nil {
			m.logger.Warn("failed to close replaced extension",
				"extension", cfg.Name, "error", err)
		}
		delete(m.extensions, cfg.Name)
		if m.metrics != nil {
			m.metrics.ExtensionRemoved(string(prior.Config.Transport))
		}
		m.logger.Info("replacing extension", "extension", cfg.Name)
	}

	client, err := m.buildClient(ctx, &cfg, workingDir)
	if err != nil {
		return fmt.Errorf("add extension %q: %w", cfg.Name, err)
	}

	m.extensions[cfg.Name] = &Extension{Config: cfg, Client: client}
	if m.metrics != nil {
		m.metrics.ExtensionRegistered(string(cfg.Transport))
	}
	m.logger.Info("added extension",
		"extension", cfg.Name,
		"transport", cfg.Transport)
	return nil
}

func (m *Manager) buildClient(ctx context.Context, cfg *Config, workingDir string) (Client, error) {
	switch cfg.Transport {
	case TransportPlatform:
		return newPlatformClient(cfg), nil
	case TransportFrontend:
		return newFrontendClient(cfg), nil
	default:
		return newWireClient(ctx, cfg, workingDir, m.logger)
	}
}

// RemoveExtension closes the named extension's connection and removes
// it. Removing an absent name is a no-op.
func (m *Manager) RemoveExtension(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ext, exists := m.extensions[name]
	if !exists {
		return nil
	}

	err := ext.Client.Close()
	delete(m.extensions, name)
	if m.metrics != nil {
		m.metrics.ExtensionRemoved(string(ext.Config.Transport))
	}
	m.logger.Info("removed extension", "extension", name)
	return err
}

// Names returns the registered extension names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.extensions))
	for name := range m.extensions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the named extension, if registered.
func (m *Manager) Get(name string) (*Extension, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ext, ok := m.extensions[name]
	return ext, ok
}

// GetPrefixedTools lists tools from every matching extension
// concurrently and returns them with names qualified as
// "{extension}__{tool}", sorted by qualified name.
//
// filter restricts the fan-out to the named extensions; nil means all.
// An extension whose listing fails is omitted from the result rather
// than failing the aggregation; the failure is logged and recorded in
// Status.
func (m *Manager) GetPrefixedTools(ctx context.Context, filter []string, meta protocol.Meta) []protocol.Tool {
	start := time.Now()
	defer func() {
		if m.metrics != nil {
			m.metrics.RecordToolAggregation(time.Since(start).Seconds())
		}
	}()

	m.mu.RLock()
	targets := make([]*Extension, 0, len(m.extensions))
	for name, ext := range m.extensions {
		if filter != nil && !slices.Contains(filter, name) {
			continue
		}
		targets = append(targets, ext)
	}
	m.mu.RUnlock()

	type listing struct {
		ext   *Extension
		tools []protocol.Tool
		err   error
	}

	results := make([]listing, len(targets))
	var wg sync.WaitGroup
	for i, ext := range targets {
		wg.Add(1)
		go func(i int, ext *Extension) {
			defer wg.Done()
			tools, err := ext.Client.ListTools(ctx, meta)
			results[i] = listing{ext: ext, tools: tools, err: err}
		}(i, ext)
	}
	wg.Wait()

	var prefixed []protocol.Tool
	m.mu.Lock()
	for _, r := range results {
		name := r.ext.Config.Name
		r.ext.lastListErr = r.err
		if r.err != nil {
			m.logger.Warn("extension tool listing failed, omitting its tools",
				"extension", name, "error", r.err)
			if m.metrics != nil {
				m.metrics.RecordError("extension", "list_tools_failed")
			}
			continue
		}

		allowed := r.ext.Config.AvailableTools
		for _, tool := range r.tools {
			if len(allowed) > 0 && !slices.Contains(allowed, tool.Name) {
				continue
			}
			tool.Name = PrefixToolName(name, tool.Name)
			prefixed = append(prefixed, tool)
		}
	}
	m.mu.Unlock()

	sort.Slice(prefixed, func(i, j int) bool {
		return prefixed[i].Name < prefixed[j].Name
	})
	return prefixed
}

// DispatchToolCall routes a model-issued tool call to the owning
// extension. The qualified name is split on the first "__" boundary;
// an unknown extension yields ErrToolNotFound. Transport-level
// failures never propagate: they are converted into an error tool
// result so the model can observe and react to them.
func (m *Manager) DispatchToolCall(ctx context.Context, call models.ToolCall, meta protocol.Meta) (*protocol.CallToolResult, error) {
	extName, toolName, err := SplitToolName(call.Name)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	ext, exists := m.extensions[extName]
	m.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: extension %q is not registered", ErrToolNotFound, extName)
	}

	if m.tracer != nil {
		var span trace.Span
		ctx, span = m.tracer.TraceToolDispatch(ctx, extName, toolName)
		defer span.End()
	}

	start := time.Now()
	result, callErr := ext.Client.CallTool(ctx, toolName, call.Arguments, meta)

	status := "success"
	if callErr != nil {
		// Cancellation surfaces to the caller so the reply loop can
		// terminate promptly; everything else becomes an error result.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		status = "error"
		m.logger.Warn("tool call failed",
			"extension", extName, "tool", toolName, "error", callErr)
		result = protocol.ErrorResult(fmt.Sprintf("tool %s failed: %v", call.Name, callErr))
	} else if result != nil && result.IsError {
		status = "error"
	}

	if m.metrics != nil {
		m.metrics.RecordToolCall(extName, toolName, status, time.Since(start).Seconds())
	}

	return result, nil
}

// Close tears down every extension. The registry is empty afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for name, ext := range m.extensions {
		if err := ext.Client.Close(); err != nil {
			m.logger.Error("failed to close extension",
				"extension", name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
		if m.metrics != nil {
			m.metrics.ExtensionRemoved(string(ext.Config.Transport))
		}
		delete(m.extensions, name)
	}
	return firstErr
}

// ExtensionStatus describes one registered extension's health.
type ExtensionStatus struct {
	Name      string        `json:"name"`
	Transport TransportType `json:"transport"`
	Connected bool          `json:"connected"`
	LastError string        `json:"last_error,omitempty"`
}

// Status reports every registered extension, sorted by name.
func (m *Manager) Status() []ExtensionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]ExtensionStatus, 0, len(m.extensions))
	for name, ext := range m.extensions {
		s := ExtensionStatus{
			Name:      name,
			Transport: ext.Config.Transport,
			Connected: true,
		}
		if wc, ok := ext.Client.(*wireClient); ok {
			s.Connected = wc.Connected()
		}
		if ext.lastListErr != nil {
			s.LastError = ext.lastListErr.Error()
		}
		statuses = append(statuses, s)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}
