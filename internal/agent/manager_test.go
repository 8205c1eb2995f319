package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/substratelabs/switchboard/internal/extensions"
	"github.com/substratelabs/switchboard/internal/protocol"
	"github.com/substratelabs/switchboard/internal/shim"
	"github.com/substratelabs/switchboard/pkg/models"
)

func newTestManager(t *testing.T, mutate func(*ManagerConfig)) *Manager {
	t.Helper()
	cfg := ManagerConfig{
		Provider: &fakeProvider{tools: true, script: []scriptStep{
			{chunks: []*CompletionChunk{textChunk("ok"), doneChunk()}},
		}},
		Extensions: []extensions.Config{{
			Name:      "dev",
			Transport: extensions.TransportPlatform,
			Handler:   toolHandler{},
		}},
		Logger: testLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestManagerReusesAgentPerSession(t *testing.T) {
	m := newTestManager(t, nil)
	session := models.Session{ID: "alpha", WorkingDir: t.TempDir()}

	a1, err := m.GetOrCreate(context.Background(), session)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	a2, err := m.GetOrCreate(context.Background(), session)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if a1 != a2 {
		t.Error("expected the same agent for one session id")
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1", m.Len())
	}
}

func TestManagerConcurrentFirstUse(t *testing.T) {
	m := newTestManager(t, nil)
	session := models.Session{ID: "racer", WorkingDir: t.TempDir()}

	const workers = 8
	agents := make([]*Agent, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			a, err := m.GetOrCreate(context.Background(), session)
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			agents[idx] = a
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if agents[i] != agents[0] {
			t.Fatalf("worker %d got a different agent", i)
		}
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1", m.Len())
	}
}

func TestManagerSessionIsolation(t *testing.T) {
	m := newTestManager(t, nil)
	dir1, dir2 := t.TempDir(), t.TempDir()

	a1, err := m.GetOrCreate(context.Background(), models.Session{ID: "s1", WorkingDir: dir1})
	if err != nil {
		t.Fatalf("GetOrCreate s1: %v", err)
	}
	a2, err := m.GetOrCreate(context.Background(), models.Session{ID: "s2", WorkingDir: dir2})
	if err != nil {
		t.Fatalf("GetOrCreate s2: %v", err)
	}

	if a1 == a2 {
		t.Fatal("distinct sessions share an agent")
	}
	if a1.Extensions() == a2.Extensions() {
		t.Error("distinct sessions share an extension manager")
	}
	if got := a1.Session().WorkingDir; got != dir1 {
		t.Errorf("s1 working dir = %q, want %q", got, dir1)
	}
	if got := a2.Session().WorkingDir; got != dir2 {
		t.Errorf("s2 working dir = %q, want %q", got, dir2)
	}
}

// dirHandler records the working directory each session's dispatch
// meta carries.
type dirHandler struct {
	mu   sync.Mutex
	dirs map[string]string
}

func (h *dirHandler) Tools() []protocol.Tool {
	return []protocol.Tool{{
		Name:        "where",
		Description: "Report the working directory.",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}}
}

func (h *dirHandler) Call(_ context.Context, _ string, _ json.RawMessage, meta protocol.Meta) (*protocol.CallToolResult, error) {
	dir := protocol.WorkingDir(meta)
	h.mu.Lock()
	if h.dirs == nil {
		h.dirs = make(map[string]string)
	}
	h.dirs[protocol.SessionID(meta)] = dir
	h.mu.Unlock()
	return protocol.TextResult(dir), nil
}

// One platform handler instance backs every session's extension set;
// the per-call meta is what keeps sessions apart.
func TestManagerSharedHandlerPerSessionMeta(t *testing.T) {
	h := &dirHandler{}
	m := newTestManager(t, func(cfg *ManagerConfig) {
		cfg.Provider = &fakeProvider{tools: true, script: []scriptStep{
			{chunks: []*CompletionChunk{callChunk("c1", "dev__where", `{}`), doneChunk()}},
			{chunks: []*CompletionChunk{textChunk("ok"), doneChunk()}},
			{chunks: []*CompletionChunk{callChunk("c2", "dev__where", `{}`), doneChunk()}},
			{chunks: []*CompletionChunk{textChunk("ok"), doneChunk()}},
		}}
		cfg.Extensions = []extensions.Config{{
			Name:      "dev",
			Transport: extensions.TransportPlatform,
			Handler:   h,
		}}
	})

	dir1, dir2 := t.TempDir(), t.TempDir()
	for _, session := range []models.Session{
		{ID: "s1", WorkingDir: dir1},
		{ID: "s2", WorkingDir: dir2},
	} {
		a, err := m.GetOrCreate(context.Background(), session)
		if err != nil {
			t.Fatalf("GetOrCreate %s: %v", session.ID, err)
		}
		events, err := a.Reply(context.Background(), userTurn("pwd"))
		if err != nil {
			t.Fatalf("Reply %s: %v", session.ID, err)
		}
		sum := drainReply(t, events)
		if len(sum.results) != 1 || sum.results[0].Content != session.WorkingDir {
			t.Errorf("%s result = %+v, want content %q", session.ID, sum.results, session.WorkingDir)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dirs["s1"] != dir1 || h.dirs["s2"] != dir2 {
		t.Errorf("handler saw dirs %v, want s1=%q s2=%q", h.dirs, dir1, dir2)
	}
}

func TestManagerRemove(t *testing.T) {
	m := newTestManager(t, nil)
	session := models.Session{ID: "gone", WorkingDir: t.TempDir()}

	a1, err := m.GetOrCreate(context.Background(), session)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if err := m.Remove(session.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if m.Len() != 0 {
		t.Errorf("Len() = %d after removal, want 0", m.Len())
	}
	if err := m.Remove(session.ID); err != nil {
		t.Fatalf("second Remove must be a no-op: %v", err)
	}

	a2, err := m.GetOrCreate(context.Background(), session)
	if err != nil {
		t.Fatalf("GetOrCreate after removal: %v", err)
	}
	if a2 == a1 {
		t.Error("expected a fresh agent after removal")
	}
}

func TestManagerCleanupIdle(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	fresh, err := m.GetOrCreate(ctx, models.Session{ID: "fresh", WorkingDir: t.TempDir()})
	if err != nil {
		t.Fatalf("GetOrCreate fresh: %v", err)
	}
	stale, err := m.GetOrCreate(ctx, models.Session{ID: "stale", WorkingDir: t.TempDir()})
	if err != nil {
		t.Fatalf("GetOrCreate stale: %v", err)
	}
	stale.lastUsed.Store(time.Now().Add(-time.Hour).UnixNano())

	if n := m.CleanupIdle(30 * time.Minute); n != 1 {
		t.Fatalf("CleanupIdle evicted %d, want 1", n)
	}
	if m.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", m.Len())
	}

	kept, err := m.GetOrCreate(ctx, models.Session{ID: "fresh", WorkingDir: t.TempDir()})
	if err != nil {
		t.Fatalf("GetOrCreate kept: %v", err)
	}
	if kept != fresh {
		t.Error("the fresh agent was evicted")
	}
}

func TestManagerSweeper(t *testing.T) {
	m := newTestManager(t, nil)

	a, err := m.GetOrCreate(context.Background(), models.Session{ID: "sleepy", WorkingDir: t.TempDir()})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	a.lastUsed.Store(time.Now().Add(-time.Hour).UnixNano())

	m.StartSweeper(10*time.Millisecond, time.Minute)
	deadline := time.Now().Add(2 * time.Second)
	for m.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	m.Stop()

	if m.Len() != 0 {
		t.Fatal("sweeper did not evict the idle agent")
	}
}

func TestManagerBuildFailureNotCached(t *testing.T) {
	m := newTestManager(t, func(c *ManagerConfig) {
		c.Extensions = append(c.Extensions, extensions.Config{
			Name:      "broken",
			Transport: extensions.TransportStdio,
			Command:   "/nonexistent/switchboard-test-binary",
		})
	})

	if _, err := m.GetOrCreate(context.Background(), models.Session{ID: "s"}); err == nil {
		t.Fatal("expected a construction error")
	}
	if m.Len() != 0 {
		t.Fatalf("failed construction left %d entries registered", m.Len())
	}
	if _, err := m.GetOrCreate(context.Background(), models.Session{ID: "s"}); err == nil {
		t.Fatal("expected the retried construction to fail the same way")
	}
}

func TestManagerValidatesExtensionConfigs(t *testing.T) {
	_, err := NewManager(ManagerConfig{
		Provider:   &fakeProvider{},
		Extensions: []extensions.Config{{Name: "", Transport: extensions.TransportPlatform}},
		Logger:     testLogger(),
	})
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
}

func TestManagerRequiresProvider(t *testing.T) {
	if _, err := NewManager(ManagerConfig{}); !errors.Is(err, ErrNoProvider) {
		t.Fatalf("err = %v, want ErrNoProvider", err)
	}
}

func TestManagerRequiresSessionID(t *testing.T) {
	m := newTestManager(t, nil)
	if _, err := m.GetOrCreate(context.Background(), models.Session{}); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
}

func TestNewProbe(t *testing.T) {
	t.Run("structured call means support", func(t *testing.T) {
		provider := &fakeProvider{tools: true, script: []scriptStep{
			{chunks: []*CompletionChunk{callChunk("c", "get_current_time", `{}`), doneChunk()}},
		}}
		ok, err := NewProbe(provider)(context.Background(), "fake-1", shim.ProbeTool())
		if err != nil {
			t.Fatalf("probe: %v", err)
		}
		if !ok {
			t.Error("probe = false, want true")
		}
		req := provider.request(0)
		if req.Model != "fake-1" {
			t.Errorf("probe model = %q, want %q", req.Model, "fake-1")
		}
		if len(req.Tools) != 1 || req.Tools[0].Name != "get_current_time" {
			t.Errorf("probe tools = %+v, want the probe tool only", req.Tools)
		}
	})

	t.Run("plain text means no support", func(t *testing.T) {
		provider := &fakeProvider{script: []scriptStep{
			{chunks: []*CompletionChunk{textChunk("It is noon."), doneChunk()}},
		}}
		ok, err := NewProbe(provider)(context.Background(), "fake-1", shim.ProbeTool())
		if err != nil {
			t.Fatalf("probe: %v", err)
		}
		if ok {
			t.Error("probe = true, want false")
		}
	})

	t.Run("provider failure propagates", func(t *testing.T) {
		provider := &fakeProvider{script: []scriptStep{{err: errors.New("boom")}}}
		if _, err := NewProbe(provider)(context.Background(), "fake-1", shim.ProbeTool()); err == nil {
			t.Fatal("expected the provider error")
		}
	})
}
