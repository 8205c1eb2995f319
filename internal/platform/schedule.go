package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/invopop/jsonschema"
	"github.com/robfig/cron/v3"

	"github.com/substratelabs/switchboard/internal/protocol"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ScheduleEntry is one stored schedule. Entries are scoped to the
// session that created them.
type ScheduleEntry struct {
	ID        string    `json:"id"`
	Cron      string    `json:"cron"`
	Prompt    string    `json:"prompt"`
	CreatedAt time.Time `json:"created_at"`
	NextRun   time.Time `json:"next_run"`

	sessionID string
	schedule  cron.Schedule
}

// ScheduleHandler manages schedules in memory. It validates cron
// expressions and computes next-run times; running them is the host's
// concern.
type ScheduleHandler struct {
	mu      sync.RWMutex
	entries map[string]*ScheduleEntry
	now     func() time.Time
}

// NewScheduleHandler creates an empty schedule store.
func NewScheduleHandler() *ScheduleHandler {
	return &ScheduleHandler{
		entries: make(map[string]*ScheduleEntry),
		now:     time.Now,
	}
}

type scheduleAddArgs struct {
	Cron   string `json:"cron" jsonschema:"description=Cron expression (five fields; optional seconds field; descriptors like @hourly work)"`
	Prompt string `json:"prompt" jsonschema:"description=Prompt to run when the schedule fires"`
}

type scheduleRemoveArgs struct {
	ID string `json:"id" jsonschema:"description=Identifier returned by schedule_add"`
}

var (
	scheduleSchemaOnce sync.Once
	scheduleAddSchema  json.RawMessage
	scheduleListSchema json.RawMessage
	scheduleRmSchema   json.RawMessage
)

func reflectScheduleSchemas() {
	r := &jsonschema.Reflector{DoNotReference: true, Anonymous: true}

	add, err := json.Marshal(r.Reflect(&scheduleAddArgs{}))
	if err != nil {
		add = json.RawMessage(`{"type":"object","properties":{"cron":{"type":"string"},"prompt":{"type":"string"}},"required":["cron","prompt"]}`)
	}
	scheduleAddSchema = add

	scheduleListSchema = json.RawMessage(`{"type":"object","properties":{}}`)

	rm, err := json.Marshal(r.Reflect(&scheduleRemoveArgs{}))
	if err != nil {
		rm = json.RawMessage(`{"type":"object","properties":{"id":{"type":"string"}},"required":["id"]}`)
	}
	scheduleRmSchema = rm
}

// Tools implements extensions.PlatformHandler.
func (h *ScheduleHandler) Tools() []protocol.Tool {
	scheduleSchemaOnce.Do(reflectScheduleSchemas)
	return []protocol.Tool{
		{
			Name:        "schedule_add",
			Description: "Register a recurring prompt on a cron schedule.",
			InputSchema: scheduleAddSchema,
		},
		{
			Name:        "schedule_list",
			Description: "List this session's schedules with their next run times.",
			InputSchema: scheduleListSchema,
		},
		{
			Name:        "schedule_remove",
			Description: "Remove a schedule by id.",
			InputSchema: scheduleRmSchema,
		},
	}
}

// Call implements extensions.PlatformHandler.
func (h *ScheduleHandler) Call(_ context.Context, name string, args json.RawMessage, meta protocol.Meta) (*protocol.CallToolResult, error) {
	switch name {
	case "schedule_add":
		return h.add(args, meta), nil
	case "schedule_list":
		return h.list(meta), nil
	case "schedule_remove":
		return h.remove(args, meta), nil
	default:
		return nil, fmt.Errorf("unknown tool %q", name)
	}
}

func (h *ScheduleHandler) add(args json.RawMessage, meta protocol.Meta) *protocol.CallToolResult {
	var in scheduleAddArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return protocol.ErrorResult(fmt.Sprintf("invalid arguments: %v", err))
	}

	expr := strings.TrimSpace(in.Cron)
	if expr == "" {
		return protocol.ErrorResult("cron expression is required")
	}
	if strings.TrimSpace(in.Prompt) == "" {
		return protocol.ErrorResult("prompt is required")
	}

	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return protocol.ErrorResult(fmt.Sprintf("invalid cron expression: %v", err))
	}

	now := h.now()
	entry := &ScheduleEntry{
		ID:        uuid.NewString(),
		Cron:      expr,
		Prompt:    in.Prompt,
		CreatedAt: now,
		NextRun:   schedule.Next(now),
		sessionID: protocol.SessionID(meta),
		schedule:  schedule,
	}

	h.mu.Lock()
	h.entries[entry.ID] = entry
	h.mu.Unlock()

	return jsonResult(entry)
}

func (h *ScheduleHandler) list(meta protocol.Meta) *protocol.CallToolResult {
	session := protocol.SessionID(meta)
	now := h.now()

	h.mu.RLock()
	entries := make([]ScheduleEntry, 0, len(h.entries))
	for _, entry := range h.entries {
		if entry.sessionID != session {
			continue
		}
		snapshot := *entry
		snapshot.NextRun = entry.schedule.Next(now)
		entries = append(entries, snapshot)
	}
	h.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})

	return jsonResult(map[string]any{"schedules": entries})
}

func (h *ScheduleHandler) remove(args json.RawMessage, meta protocol.Meta) *protocol.CallToolResult {
	var in scheduleRemoveArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return protocol.ErrorResult(fmt.Sprintf("invalid arguments: %v", err))
	}
	if in.ID == "" {
		return protocol.ErrorResult("id is required")
	}

	session := protocol.SessionID(meta)

	h.mu.Lock()
	entry, ok := h.entries[in.ID]
	if ok && entry.sessionID == session {
		delete(h.entries, in.ID)
	} else {
		ok = false
	}
	h.mu.Unlock()

	if !ok {
		return protocol.ErrorResult(fmt.Sprintf("schedule %q not found", in.ID))
	}
	return jsonResult(map[string]string{"removed": in.ID})
}
