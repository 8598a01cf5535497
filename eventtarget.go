package promzone

import "sync"

// EventListenerFunc is a callback registered with
// [EventTarget.AddEventListener]. It receives the dispatched [Event] and
// may inspect or cancel it.
type EventListenerFunc func(event *Event)

// ListenerID uniquely identifies a registered listener for removal. Go
// function values cannot be compared for equality, so registration returns
// an ID instead.
type ListenerID uint64

type listenerEntry struct {
	id       ListenerID
	listener EventListenerFunc
	once     bool
}

// EventTarget is a minimal DOM-shaped event dispatcher. The engine uses it
// for the unhandledrejection surface (see [EventUnhandledRejection]); it
// carries no bubbling or capture phases, only ordered same-target dispatch
// with cancelation.
//
// Thread Safety: safe for concurrent use; listeners are invoked
// synchronously on the dispatching goroutine.
type EventTarget struct {
	listeners map[string][]listenerEntry
	nextID    ListenerID
	mu        sync.RWMutex
}

// Event is a dispatched occurrence. The zero DefaultPrevented/stopped state
// means the event proceeds; listeners flip them through the methods below.
//
// Event is not safe for concurrent access; use it only from the goroutine
// that called DispatchEvent.
type Event struct {
	// Type names the event, e.g. "unhandledrejection".
	Type string

	// Target is set to the dispatching EventTarget.
	Target *EventTarget

	// Cancelable controls whether PreventDefault has any effect.
	Cancelable bool

	// DefaultPrevented is true once PreventDefault was called on a
	// cancelable event.
	DefaultPrevented bool

	// Detail carries the event payload; for unhandledrejection events it
	// is an [*UnhandledRejection].
	Detail any

	stopped bool
}

// PreventDefault marks a cancelable event's default action as canceled.
func (e *Event) PreventDefault() {
	if e.Cancelable {
		e.DefaultPrevented = true
	}
}

// StopImmediatePropagation prevents any remaining listeners from running.
func (e *Event) StopImmediatePropagation() {
	e.stopped = true
}

// NewEventTarget creates an empty EventTarget.
func NewEventTarget() *EventTarget {
	return &EventTarget{
		listeners: make(map[string][]listenerEntry),
		nextID:    1,
	}
}

// AddEventListener registers listener for events of the given type and
// returns an ID for removal. A nil listener is ignored and returns 0.
func (et *EventTarget) AddEventListener(eventType string, listener EventListenerFunc) ListenerID {
	return et.add(eventType, listener, false)
}

// AddEventListenerOnce registers a listener that removes itself after its
// first dispatch.
func (et *EventTarget) AddEventListenerOnce(eventType string, listener EventListenerFunc) ListenerID {
	return et.add(eventType, listener, true)
}

func (et *EventTarget) add(eventType string, listener EventListenerFunc, once bool) ListenerID {
	if listener == nil {
		return 0
	}
	et.mu.Lock()
	defer et.mu.Unlock()
	id := et.nextID
	et.nextID++
	et.listeners[eventType] = append(et.listeners[eventType], listenerEntry{
		id:       id,
		listener: listener,
		once:     once,
	})
	return id
}

// RemoveEventListener removes a listener by the ID returned at
// registration. Returns true when a listener was removed.
func (et *EventTarget) RemoveEventListener(eventType string, id ListenerID) bool {
	et.mu.Lock()
	defer et.mu.Unlock()
	entries := et.listeners[eventType]
	for i, entry := range entries {
		if entry.id == id {
			et.listeners[eventType] = append(entries[:i], entries[i+1:]...)
			return true
		}
	}
	return false
}

// ListenerCount returns the number of listeners for the event type.
func (et *EventTarget) ListenerCount(eventType string) int {
	et.mu.RLock()
	defer et.mu.RUnlock()
	return len(et.listeners[eventType])
}

// DispatchEvent invokes the type's listeners in registration order.
// Returns false when the event was cancelable and a listener prevented its
// default, true otherwise.
func (et *EventTarget) DispatchEvent(event *Event) bool {
	if event == nil {
		return true
	}
	event.Target = et

	et.mu.RLock()
	entries := make([]listenerEntry, len(et.listeners[event.Type]))
	copy(entries, et.listeners[event.Type])
	et.mu.RUnlock()

	var removeIDs []ListenerID
	for _, entry := range entries {
		if event.stopped {
			break
		}
		entry.listener(event)
		if entry.once {
			removeIDs = append(removeIDs, entry.id)
		}
	}
	for _, id := range removeIDs {
		et.RemoveEventListener(event.Type, id)
	}

	return !event.Cancelable || !event.DefaultPrevented
}
