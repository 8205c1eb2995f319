package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/substratelabs/switchboard/internal/extensions"
	"github.com/substratelabs/switchboard/internal/observability"
	"github.com/substratelabs/switchboard/internal/protocol"
	"github.com/substratelabs/switchboard/internal/retry"
	"github.com/substratelabs/switchboard/internal/shim"
	"github.com/substratelabs/switchboard/pkg/models"
)

// ManagerConfig is the template every managed agent is built from.
// Session identity and the extension set instances are per-agent; the
// rest is shared.
type ManagerConfig struct {
	// Provider is the LLM binding shared by all agents. Required.
	Provider Provider

	// Extensions is the base extension set started for every session.
	// Each agent gets its own clients from these configs, bound to the
	// session's working directory.
	Extensions []extensions.Config

	Model           string
	SystemPrompt    string
	ToolFilter      []string
	ChatOnly        bool
	Detector        *shim.Detector
	MaxIterations   int
	MaxTokens       int
	ToolParallelism int
	Retry           retry.Config

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Manager maintains at most one Agent per session id and tears idle
// ones down. Creation is serialized per key so concurrent first-uses
// of a session cannot race two agents into existence.
type Manager struct {
	cfg ManagerConfig

	mu     sync.Mutex
	agents map[string]*entry

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

type entry struct {
	once    sync.Once
	ready   chan struct{}
	agent   *Agent
	err     error
	created time.Time
}

// NewManager validates the template and returns an empty manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Provider == nil {
		return nil, ErrNoProvider
	}
	for i := range cfg.Extensions {
		if err := cfg.Extensions[i].Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		agents:   make(map[string]*entry),
		stopChan: make(chan struct{}),
	}, nil
}

// GetOrCreate returns the session's agent, constructing and
// registering it on first use. Construction failures never leave a
// partially registered entry; the next call retries.
func (m *Manager) GetOrCreate(ctx context.Context, session models.Session) (*Agent, error) {
	if session.ID == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrConfiguration)
	}

	m.mu.Lock()
	e, ok := m.agents[session.ID]
	if !ok {
		e = &entry{ready: make(chan struct{}), created: time.Now()}
		m.agents[session.ID] = e
	}
	m.mu.Unlock()

	e.once.Do(func() {
		defer close(e.ready)
		agent, err := m.build(ctx, session)
		if err != nil {
			e.err = err
			m.mu.Lock()
			if cur, ok := m.agents[session.ID]; ok && cur == e {
				delete(m.agents, session.ID)
			}
			m.mu.Unlock()
			return
		}
		e.agent = agent
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.AgentRegistered()
		}
		m.cfg.Logger.Info("agent created",
			"session_id", session.ID, "working_dir", session.WorkingDir)
	})

	if e.err != nil {
		return nil, e.err
	}
	e.agent.touch()
	return e.agent, nil
}

func (m *Manager) build(ctx context.Context, session models.Session) (*Agent, error) {
	opts := []extensions.ManagerOption{extensions.WithLogger(m.cfg.Logger)}
	if m.cfg.Metrics != nil {
		opts = append(opts, extensions.WithMetrics(m.cfg.Metrics))
	}
	if m.cfg.Tracer != nil {
		opts = append(opts, extensions.WithTracer(m.cfg.Tracer))
	}
	extMgr := extensions.NewManager(opts...)
	for _, ec := range m.cfg.Extensions {
		if err := extMgr.AddExtension(ctx, ec, session.WorkingDir); err != nil {
			if cerr := extMgr.Close(); cerr != nil {
				m.cfg.Logger.Warn("closing partial extension set",
					"session_id", session.ID, "error", cerr)
			}
			return nil, fmt.Errorf("start extension %q: %w", ec.Name, err)
		}
	}

	return New(Config{
		Provider:        m.cfg.Provider,
		Model:           m.cfg.Model,
		SystemPrompt:    m.cfg.SystemPrompt,
		Session:         session,
		Extensions:      extMgr,
		ToolFilter:      m.cfg.ToolFilter,
		ChatOnly:        m.cfg.ChatOnly,
		Detector:        m.cfg.Detector,
		MaxIterations:   m.cfg.MaxIterations,
		MaxTokens:       m.cfg.MaxTokens,
		ToolParallelism: m.cfg.ToolParallelism,
		Retry:           m.cfg.Retry,
		Logger:          m.cfg.Logger.With("session_id", session.ID),
		Metrics:         m.cfg.Metrics,
		Tracer:          m.cfg.Tracer,
	})
}

// Remove tears down the session's agent. Absent sessions are a no-op.
// If the agent is still being constructed, Remove waits for the
// construction to settle first.
func (m *Manager) Remove(sessionID string) error {
	m.mu.Lock()
	e, ok := m.agents[sessionID]
	if ok {
		delete(m.agents, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	<-e.ready
	if e.agent == nil {
		return nil
	}
	err := m.closeAgent(sessionID, e)
	m.cfg.Logger.Info("agent removed", "session_id", sessionID)
	return err
}

// CleanupIdle evicts agents unused for at least maxIdle and returns
// how many were removed. Agents still under construction are skipped.
func (m *Manager) CleanupIdle(maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-maxIdle)

	type victim struct {
		id string
		e  *entry
	}
	var victims []victim

	m.mu.Lock()
	for id, e := range m.agents {
		select {
		case <-e.ready:
		default:
			continue
		}
		if e.agent == nil || !e.agent.LastUsed().Before(cutoff) {
			continue
		}
		victims = append(victims, victim{id: id, e: e})
		delete(m.agents, id)
	}
	m.mu.Unlock()

	for _, v := range victims {
		if err := m.closeAgent(v.id, v.e); err != nil {
			m.cfg.Logger.Warn("idle agent close", "session_id", v.id, "error", err)
		}
		m.cfg.Logger.Info("idle agent evicted", "session_id", v.id)
	}
	return len(victims)
}

func (m *Manager) closeAgent(sessionID string, e *entry) error {
	err := e.agent.Close()
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.AgentEvicted(time.Since(e.created).Seconds())
	}
	if err != nil {
		return fmt.Errorf("close agent %s: %w", sessionID, err)
	}
	return nil
}

// StartSweeper runs CleanupIdle on an interval until Stop or Close.
func (m *Manager) StartSweeper(interval, maxIdle time.Duration) {
	if interval <= 0 || maxIdle <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := m.CleanupIdle(maxIdle); n > 0 {
					m.cfg.Logger.Debug("idle sweep", "evicted", n)
				}
			case <-m.stopChan:
				return
			}
		}
	}()
}

// Stop halts the background sweeper. Safe to call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
	m.wg.Wait()
}

// Len reports the number of registered agents, including ones still
// under construction.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.agents)
}

// Close stops the sweeper and tears down every settled agent.
func (m *Manager) Close() error {
	m.Stop()

	m.mu.Lock()
	agents := m.agents
	m.agents = make(map[string]*entry)
	m.mu.Unlock()

	var errs []error
	for id, e := range agents {
		select {
		case <-e.ready:
		default:
			continue
		}
		if e.agent == nil {
			continue
		}
		if err := m.closeAgent(id, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewProbe returns a capability probe backed by the provider: one
// cheap completion that advertises a single tool and checks whether
// the model issues a structured call for it.
func NewProbe(provider Provider) shim.ProbeFunc {
	return func(ctx context.Context, model string, tool protocol.Tool) (bool, error) {
		req := &CompletionRequest{
			Model:  model,
			System: "Answer using the provided tool.",
			Messages: []CompletionMessage{{
				Role:    models.RoleUser,
				Content: "What time is it right now? Use the tool.",
			}},
			Tools:     []protocol.Tool{tool},
			MaxTokens: 256,
		}
		chunks, err := provider.Complete(ctx, req)
		if err != nil {
			return false, err
		}
		msg, _, err := Collect(ctx, chunks)
		if err != nil {
			return false, err
		}
		return len(msg.ToolCalls) > 0, nil
	}
}
