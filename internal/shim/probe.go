package shim

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/substratelabs/switchboard/internal/protocol"
)

// ProbeFunc issues a minimal completion against model carrying one
// trivial tool and reports whether the response contained a structured
// tool call.
type ProbeFunc func(ctx context.Context, model string, tool protocol.Tool) (bool, error)

// Detector caches, per provider/model pair, whether the model emits
// structured tool calls natively. The first caller for a pair runs the
// probe while holding the lock; concurrent callers for the same pair
// wait for that result instead of probing again.
type Detector struct {
	mu    sync.Mutex
	probe ProbeFunc
	cache map[string]bool
}

// NewDetector creates a detector backed by probe.
func NewDetector(probe ProbeFunc) *Detector {
	return &Detector{
		probe: probe,
		cache: make(map[string]bool),
	}
}

// DetectToolSupport reports whether provider/model handles structured
// tool calls. The probe runs at most once per pair; probe errors are
// returned to the caller and not cached, so a later call retries.
func (d *Detector) DetectToolSupport(ctx context.Context, provider, model string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := provider + "/" + model
	if supported, ok := d.cache[key]; ok {
		return supported, nil
	}

	supported, err := d.probe(ctx, model, ProbeTool())
	if err != nil {
		return false, err
	}
	d.cache[key] = supported
	return supported, nil
}

// ProbeTool returns the trivial tool definition sent with the probe
// completion. Any structured call in the response counts as support.
func ProbeTool() protocol.Tool {
	return protocol.Tool{
		Name:        "get_current_time",
		Description: "Get the current time.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`),
	}
}
