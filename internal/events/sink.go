// Package events is the append-only log of structured orchestrator events.
// The sink knows nothing about the semantics of what it records; it assigns
// identity and time, keeps a bounded in-memory window for queries, and
// persists asynchronously.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vmgrid/vmgrid/internal/metrics"
	"github.com/vmgrid/vmgrid/internal/store"
)

// Type classifies an event. GPU-setup completions ride NodeRegistered and
// node-level failures ride VmError: no dedicated node-event kinds exist yet,
// and consumers key on these.
type Type string

const (
	TypeNodeRegistered Type = "NodeRegistered"
	TypeVmError        Type = "VmError"
)

// Event is one orchestrator event.
type Event struct {
	Id           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Type         Type           `json:"type"`
	ResourceType string         `json:"resourceType"`
	ResourceId   string         `json:"resourceId"`
	NodeId       string         `json:"nodeId,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// Sink is a thread-safe ring buffer of events with async SQLite
// persistence. Queries are served from memory; SQLite is the durable
// record consumed by auditing.
type Sink struct {
	mu     sync.RWMutex
	events []Event
	max    int
	writer *store.Writer
}

// NewSink creates a sink holding at most maxEvents in memory. writer may be
// nil, in which case events are kept in memory only.
func NewSink(maxEvents int, writer *store.Writer) *Sink {
	if maxEvents <= 0 {
		maxEvents = 1024
	}
	return &Sink{
		events: make([]Event, 0, maxEvents),
		max:    maxEvents,
		writer: writer,
	}
}

// Append records the event, assigning an id and UTC timestamp when absent,
// and returns the stored form.
func (s *Sink) Append(e Event) Event {
	if e.Id == "" {
		e.Id = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	if len(s.events) >= s.max {
		copy(s.events, s.events[1:])
		s.events[len(s.events)-1] = e
	} else {
		s.events = append(s.events, e)
	}
	s.mu.Unlock()

	metrics.EventsAppended.WithLabelValues(string(e.Type)).Inc()

	if s.writer != nil {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			slog.Error("events: encode payload", "event", e.Id, "error", err)
			payload = []byte("{}")
		}
		s.writer.AppendEvent(e.Id, e.Timestamp, string(e.Type),
			e.ResourceType, e.ResourceId, e.NodeId, string(payload))
	}
	return e
}

// Recent returns up to limit events, most recent first, optionally filtered
// by type (empty typ means no filter).
func (s *Sink) Recent(limit int, typ Type) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	out := make([]Event, 0, limit)
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		if typ != "" && s.events[i].Type != typ {
			continue
		}
		out = append(out, s.events[i])
	}
	return out
}

// Flush ensures pending persistence writes land before shutdown. No-op
// without a writer.
func (s *Sink) Flush() {
	if s.writer != nil {
		s.writer.Drain()
	}
}
