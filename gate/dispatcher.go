package gate

import "sync"

// Handler processes one dispatched event. body is valid only for the
// duration of the call; copy it to retain it.
type Handler func(shardID int, seq int64, body []byte)

// ResetHandler is notified when a shard discards its session state.
type ResetHandler func(shardID int)

// Dispatcher routes dispatch payloads to handlers by event name. Handlers
// for the same event run in registration order, on the delivering session's
// goroutine. It satisfies pulse.EventBus.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	any      []Handler
	resets   []ResetHandler
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string][]Handler)}
}

// On registers a handler for one event name.
func (d *Dispatcher) On(event string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[event] = append(d.handlers[event], h)
}

// OnAny registers a handler invoked for every event, after the named
// handlers.
func (d *Dispatcher) OnAny(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.any = append(d.any, h)
}

// OnReset registers a handler for session resets.
func (d *Dispatcher) OnReset(h ResetHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resets = append(d.resets, h)
}

// OnEnvelope implements pulse.EventBus.
func (d *Dispatcher) OnEnvelope(shardID int, event string, seq int64, body []byte) {
	d.mu.RLock()
	named := d.handlers[event]
	any := d.any
	d.mu.RUnlock()

	for _, h := range named {
		h(shardID, seq, body)
	}
	for _, h := range any {
		h(shardID, seq, body)
	}
}

// OnSessionReset implements pulse.EventBus.
func (d *Dispatcher) OnSessionReset(shardID int) {
	d.mu.RLock()
	resets := d.resets
	d.mu.RUnlock()

	for _, h := range resets {
		h(shardID)
	}
}
