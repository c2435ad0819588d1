package sse

import (
	"encoding/json"
	"strings"
	"time"
)

// DefaultEventName is the name given to events sent without an "event:" field
const DefaultEventName = "message"

// Event is one message received from a stream endpoint.
type Event struct {
	// Name is the server-assigned event name, DefaultEventName when absent
	Name string `json:"name"`

	// ID is the last event id seen on the stream when this event was dispatched
	ID string `json:"id,omitempty"`

	// Raw is the payload text exactly as received (data lines joined by "\n")
	Raw string `json:"raw"`

	// Data is Raw decoded as JSON, or Raw itself when it is not valid JSON
	Data any `json:"data"`

	// ReceivedAt is the local wall-clock arrival time
	ReceivedAt time.Time `json:"received_at"`
}

// Object returns the payload as a JSON object, or nil when it is not one.
func (e Event) Object() map[string]any {
	m, _ := e.Data.(map[string]any)
	return m
}

// ParseJSONSafe decodes s as JSON and falls back to returning s unchanged.
// It never fails.
func ParseJSONSafe(s string) any {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return s
	}

	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return s
	}
	return v
}

// Handler receives named events from a Handle.
//
// Handlers are registered by identity, so the dynamic type of a Handler
// must be comparable (a pointer, typically). Use NewHandler to wrap a func.
type Handler interface {
	HandleEvent(Event) error
}

type funcHandler struct {
	fn func(Event) error
}

func (f *funcHandler) HandleEvent(e Event) error {
	return f.fn(e)
}

// NewHandler wraps fn in a Handler with its own identity. Registering the
// returned value twice for the same event name has no extra effect.
func NewHandler(fn func(Event) error) Handler {
	return &funcHandler{fn: fn}
}
