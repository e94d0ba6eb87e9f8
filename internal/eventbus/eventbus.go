// Package eventbus implements the named-event registry described in spec
// §6/§9: a small synchronous pub/sub used to fan out a "changed"
// notification whenever a lock scope commits saved or deleted instances.
//
// Grounded on the original source's events.py (DataEvents: register/on/
// remove/trigger over a fixed set of named events). Python's module-level
// singleton becomes an explicit *Bus value here so callers can wire (or
// stub) it per Session rather than reaching for global state.
package eventbus

import (
	"fmt"
	"sync"
)

// Callback receives the event name and its payload. Trigger calls every
// registered callback synchronously, in registration order, the same way
// DataEvents.trigger iterates its callback set.
type Callback func(event string, payload any)

// Bus holds the registered event names and their subscribers.
type Bus struct {
	mu        sync.Mutex
	known     map[string]struct{}
	callbacks map[string][]Callback
}

// New returns a Bus with no events registered yet.
func New() *Bus {
	return &Bus{known: map[string]struct{}{}, callbacks: map[string][]Callback{}}
}

// Register declares event, panicking if it is already known — mirrors
// DataEvents.register's bare assert, since registering the same event
// twice is a programming error caught at wiring time, not a runtime
// condition callers should handle.
func (b *Bus) Register(event string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.known[event]; exists {
		panic(fmt.Sprintf("eventbus: event %q already registered", event))
	}
	b.known[event] = struct{}{}
}

// On subscribes cb to event, which must already be registered.
func (b *Bus) On(event string, cb Callback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.known[event]; !exists {
		panic(fmt.Sprintf("eventbus: unknown event %q", event))
	}
	b.callbacks[event] = append(b.callbacks[event], cb)
}

// Trigger calls every subscriber of event with payload. Unlike the
// original's bare assert on an unknown event, an event that was never
// registered is simply a no-op here: Trigger runs from the session commit
// path regardless of whether any particular deployment wired listeners.
func (b *Bus) Trigger(event string, payload any) {
	b.mu.Lock()
	cbs := append([]Callback(nil), b.callbacks[event]...)
	b.mu.Unlock()
	for _, cb := range cbs {
		cb(event, payload)
	}
}

// EventChanged is the one event spec §9 wires by default: it fires once
// per committed lock scope that saved or deleted at least one instance.
const EventChanged = "changed"

// NewWithDefaults returns a Bus with EventChanged pre-registered, matching
// the original source's module-level `DataEvents.register('changed')`.
func NewWithDefaults() *Bus {
	b := New()
	b.Register(EventChanged)
	return b
}
