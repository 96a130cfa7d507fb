package events

import (
	"github.com/google/uuid"

	"gasrelay/core/types"
)

// Event represents a structured state change emitted by the orchestrator.
type Event interface {
	EventType() string
}

// Renderable events know how to flatten themselves into a types.Event.
type Renderable interface {
	EventType() string
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (websocket stream,
// audit recorder).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Render flattens ev and stamps it with a fresh id.
func Render(ev Event) *types.Event {
	if ev == nil {
		return nil
	}
	var out *types.Event
	if r, ok := ev.(Renderable); ok {
		out = r.Event()
	}
	if out == nil {
		out = &types.Event{Type: ev.EventType()}
	}
	if out.Attributes == nil {
		out.Attributes = map[string]string{}
	}
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	return out
}
