// Package platform ships the in-process extension handlers: schedule
// management, final-output collection, and task delegation. One handler
// instance serves every session; per-call session context arrives in
// the request meta.
package platform

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/substratelabs/switchboard/internal/extensions"
	"github.com/substratelabs/switchboard/internal/protocol"
)

// Registry holds named platform handlers for wiring into sessions.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]extensions.PlatformHandler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]extensions.PlatformHandler)}
}

// Register adds a handler under name. Duplicate names are rejected; a
// handler is wired once and shared.
func (r *Registry) Register(name string, handler extensions.PlatformHandler) error {
	if name == "" {
		return fmt.Errorf("platform handler name is required")
	}
	if handler == nil {
		return fmt.Errorf("platform handler %q is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("platform handler %q already registered", name)
	}
	r.handlers[name] = handler
	return nil
}

// Get resolves a handler by name.
func (r *Registry) Get(name string) (extensions.PlatformHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[name]
	return handler, ok
}

// Names lists registered handler names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Configs builds one platform extension config per registered handler,
// ready to hand to a session's extension manager.
func (r *Registry) Configs() []extensions.Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)

	configs := make([]extensions.Config, 0, len(names))
	for _, name := range names {
		configs = append(configs, extensions.Config{
			Name:      name,
			Transport: extensions.TransportPlatform,
			Handler:   r.handlers[name],
		})
	}
	return configs
}

// jsonResult marshals a payload into a text result, the shape all
// platform tools reply with.
func jsonResult(v any) *protocol.CallToolResult {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return protocol.ErrorResult(fmt.Sprintf("encode result: %v", err))
	}
	return protocol.TextResult(string(payload))
}
