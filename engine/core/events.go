package core

import (
	"sync"
)

// System internal event codes. Application should use codes beyond 255.
type SystemEventCode int

const (
	// Shuts the application down on the next frame.
	EVENT_CODE_APPLICATION_QUIT SystemEventCode = 0x01

	// The graphics device is about to be torn down.
	/* Context usage:
	 * Data = *metadata.GraphicsDevice of the lost device
	 */
	EVENT_CODE_DEVICE_LOST SystemEventCode = 0x02

	// A new graphics device was created after a loss.
	/* Context usage:
	 * Data = *metadata.GraphicsDevice of the new device
	 */
	EVENT_CODE_DEVICE_RESTORED SystemEventCode = 0x03

	// A holographic camera was attached.
	/* Context usage:
	 * U32 = camera id
	 */
	EVENT_CODE_CAMERA_ADDED SystemEventCode = 0x04

	// A holographic camera was detached.
	/* Context usage:
	 * U32 = camera id
	 */
	EVENT_CODE_CAMERA_REMOVED SystemEventCode = 0x05

	// A watched mesh source changed on disk.
	/* Context usage:
	 * Name = mesh name
	 * Data = metadata.SourceMesh
	 */
	EVENT_CODE_MESH_SOURCE_CHANGED SystemEventCode = 0x06

	// A watched mesh source was deleted.
	/* Context usage:
	 * Name = mesh name
	 */
	EVENT_CODE_MESH_SOURCE_REMOVED SystemEventCode = 0x07

	// The platform resized the back buffer.
	/* Context usage:
	 * U32 = width << 16 | height
	 */
	EVENT_CODE_RESIZED SystemEventCode = 0x08

	MAX_EVENT_CODE SystemEventCode = 0xFF
)

type EventContext struct {
	Type SystemEventCode
	U32  uint32
	Name string
	Data interface{}
}

// Should return true if handled. Handled events are not passed to the
// remaining listeners.
type FnOnEvent func(ctx EventContext) bool

type registeredEvent struct {
	listener interface{}
	callback FnOnEvent
}

// EventBus dispatches events synchronously on the goroutine that fires them.
type EventBus struct {
	mu         sync.RWMutex
	registered map[SystemEventCode][]*registeredEvent
}

func NewEventBus() *EventBus {
	return &EventBus{
		registered: make(map[SystemEventCode][]*registeredEvent),
	}
}

// Register listens for events with the provided code. A listener can only
// be registered once per code; duplicates return false.
func (eb *EventBus) Register(code SystemEventCode, listener interface{}, onEvent FnOnEvent) bool {
	if code <= 0 || code > MAX_EVENT_CODE || onEvent == nil {
		return false
	}
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for _, e := range eb.registered[code] {
		if e.listener == listener {
			LogWarn("listener already registered for event code `%d`", code)
			return false
		}
	}
	eb.registered[code] = append(eb.registered[code], &registeredEvent{
		listener: listener,
		callback: onEvent,
	})
	return true
}

// Unregister stops listening for the code. Returns false if the listener
// was not registered.
func (eb *EventBus) Unregister(code SystemEventCode, listener interface{}) bool {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	events := eb.registered[code]
	for i, e := range events {
		if e.listener == listener {
			eb.registered[code] = append(events[:i], events[i+1:]...)
			return true
		}
	}
	return false
}

// Fire sends the event to the listeners of ctx.Type in registration order.
// Returns true if one of them handled it.
func (eb *EventBus) Fire(ctx EventContext) bool {
	if eb == nil {
		return false
	}
	eb.mu.RLock()
	events := make([]*registeredEvent, len(eb.registered[ctx.Type]))
	copy(events, eb.registered[ctx.Type])
	eb.mu.RUnlock()

	for _, e := range events {
		if e.callback(ctx) {
			return true
		}
	}
	return false
}

// Shutdown drops every registration.
func (eb *EventBus) Shutdown() error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.registered = make(map[SystemEventCode][]*registeredEvent)
	return nil
}
