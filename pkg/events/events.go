package events

import (
	"sync"
	"time"

	"github.com/dotsetgreg/turnpike/pkg/logger"
)

// Type identifies a lifecycle event emitted during message processing.
type Type string

const (
	RunStarted         Type = "run_started"
	RunEnded           Type = "run_ended"
	RunTimeout         Type = "run_timeout"
	EntityJoined       Type = "entity_joined"
	EntityLeft         Type = "entity_left"
	ActionStarted      Type = "action_started"
	ActionCompleted    Type = "action_completed"
	EvaluatorStarted   Type = "evaluator_started"
	EvaluatorCompleted Type = "evaluator_completed"
	EmbeddingCompleted Type = "embedding_completed"
	EmbeddingFailed    Type = "embedding_failed"
)

type Event struct {
	Type      Type
	RunID     string
	AgentID   string
	RoomID    string
	EntityID  string
	MemoryID  string
	Name      string // action or evaluator name, when applicable
	Status    string
	Detail    string
	Timestamp time.Time
}

// Emitter receives lifecycle events. Implementations must not block:
// emission happens on the hot path of message processing.
type Emitter interface {
	Emit(ev Event)
}

// LogEmitter writes every event to the structured log.
type LogEmitter struct{}

func (LogEmitter) Emit(ev Event) {
	fields := map[string]interface{}{
		"type":   string(ev.Type),
		"run_id": ev.RunID,
	}
	if ev.RoomID != "" {
		fields["room_id"] = ev.RoomID
	}
	if ev.EntityID != "" {
		fields["entity_id"] = ev.EntityID
	}
	if ev.MemoryID != "" {
		fields["memory_id"] = ev.MemoryID
	}
	if ev.Name != "" {
		fields["name"] = ev.Name
	}
	if ev.Status != "" {
		fields["status"] = ev.Status
	}
	if ev.Detail != "" {
		fields["detail"] = ev.Detail
	}
	logger.InfoCF("EVENTS", "lifecycle event", fields)
}

// Multi fans an event out to several emitters.
type Multi []Emitter

func (m Multi) Emit(ev Event) {
	for _, e := range m {
		e.Emit(ev)
	}
}

// Recorder captures events for inspection in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *Recorder) Count(t Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

// Stamp fills the timestamp if the caller left it zero.
func Stamp(ev Event) Event {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	return ev
}
