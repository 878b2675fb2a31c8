package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/will-ku/med-management-ai/common/trace"
)

// Event names emitted by the chat core.
const (
	EventTurnStarted     = "chat.turn.started"
	EventTurnCompleted   = "chat.turn.completed"
	EventTurnFailed      = "chat.turn.failed"
	EventToolCalled      = "tool.call.succeeded"
	EventToolFailed      = "tool.call.failed"
	EventConnectOK       = "mcp.connect.succeeded"
	EventConnectFailed   = "mcp.connect.failed"
	EventToolListSkipped = "mcp.list.skipped"
)

// Event is one structured observation. Tags are low-cardinality labels;
// Fields carry anything else worth keeping.
type Event struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

// Recorder receives events. Implementations must be safe for concurrent use
// and must not block the caller for long.
type Recorder interface {
	RecordEvent(ev Event)
}

// NewEvent stamps an event with the current time and the trace id from ctx.
func NewEvent(ctx context.Context, name string, tags map[string]string) Event {
	if tags == nil {
		tags = make(map[string]string, 1)
	}
	if id := trace.FromContext(ctx); id != "" {
		tags["trace_id"] = id
	}
	return Event{Name: name, Time: time.Now(), Tags: tags}
}

// NoopRecorder drops every event.
type NoopRecorder struct{}

func (NoopRecorder) RecordEvent(Event) {}

// SlogRecorder writes events to a slog.Logger at debug level.
type SlogRecorder struct {
	Logger *slog.Logger
}

func (r SlogRecorder) RecordEvent(ev Event) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := make([]any, 0, 2*(len(ev.Tags)+len(ev.Fields))+2)
	attrs = append(attrs, "event", ev.Name)
	for k, v := range ev.Tags {
		attrs = append(attrs, k, v)
	}
	for k, v := range ev.Fields {
		attrs = append(attrs, k, v)
	}
	if ev.Value != 0 {
		attrs = append(attrs, "value", ev.Value)
	}
	logger.Debug("event", attrs...)
}

// MemoryRecorder keeps every event in memory. Used in tests.
type MemoryRecorder struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (m *MemoryRecorder) RecordEvent(ev Event) {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (m *MemoryRecorder) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Names returns the recorded event names in order.
func (m *MemoryRecorder) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, len(m.events))
	for i, ev := range m.events {
		names[i] = ev.Name
	}
	return names
}
