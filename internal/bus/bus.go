// Package bus implements the in-process event bus: typed events, priority
// ordering, synchronous delivery, and panic isolation between handlers.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
)

// Priority orders handler invocation for a single event.
type Priority int

const (
	PriorityHigh   Priority = 0
	PriorityNormal Priority = 1
	PriorityLow    Priority = 2
)

// AllEvents subscribes a handler to every event type (UI forwarders).
const AllEvents = "*"

// maxPublishDepth guards against handler→publish loops.
const maxPublishDepth = 16

// Event is a published event instance.
type Event struct {
	Type    string
	Payload any
}

// Handler processes one delivered event. Errors are logged, never propagated
// to the publisher or to other handlers.
type Handler func(ctx context.Context, ev Event) error

// Subscription identifies one registered handler for Unsubscribe.
type Subscription struct {
	id        uint64
	eventType string
}

type entry struct {
	id       uint64
	priority Priority
	seq      uint64 // insertion order within a priority
	handler  Handler
}

// Bus is a process-wide publish/subscribe hub. One instance per Core;
// safe for concurrent use.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]entry // eventType → handlers (kept sorted)
	nextID  atomic.Uint64
	nextSeq atomic.Uint64
}

func New() *Bus {
	return &Bus{subs: make(map[string][]entry)}
}

// Subscribe registers a handler for an event type at the given priority.
func (b *Bus) Subscribe(eventType string, handler Handler, priority Priority) Subscription {
	id := b.nextID.Add(1)
	e := entry{
		id:       id,
		priority: priority,
		seq:      b.nextSeq.Add(1),
		handler:  handler,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	list := append(b.subs[eventType], e)
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].priority != list[j].priority {
			return list[i].priority < list[j].priority
		}
		return list[i].seq < list[j].seq
	})
	b.subs[eventType] = list

	return Subscription{id: id, eventType: eventType}
}

// Unsubscribe removes a previously registered handler.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[sub.eventType]
	for i, e := range list {
		if e.id == sub.id {
			b.subs[sub.eventType] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// ClearAll drops every subscription.
func (b *Bus) ClearAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string][]entry)
}

type depthKey struct{}

// Publish delivers an event to all handlers of its type (then wildcard
// handlers), in priority order, insertion order within a priority. It returns
// only after every handler has run. Handlers may publish re-entrantly up to
// maxPublishDepth.
func (b *Bus) Publish(ctx context.Context, eventType string, payload any) error {
	depth, _ := ctx.Value(depthKey{}).(int)
	if depth >= maxPublishDepth {
		slog.Warn("bus: publish depth limit reached, dropping event", "type", eventType, "depth", depth)
		return fmt.Errorf("bus: publish depth limit (%d) exceeded for %q", maxPublishDepth, eventType)
	}
	ctx = context.WithValue(ctx, depthKey{}, depth+1)

	b.mu.RLock()
	handlers := make([]entry, 0, len(b.subs[eventType])+len(b.subs[AllEvents]))
	handlers = append(handlers, b.subs[eventType]...)
	if eventType != AllEvents {
		handlers = append(handlers, b.subs[AllEvents]...)
	}
	b.mu.RUnlock()

	// Typed and wildcard lists are each pre-sorted; merge to keep the
	// priority-then-insertion order across both.
	sort.SliceStable(handlers, func(i, j int) bool {
		if handlers[i].priority != handlers[j].priority {
			return handlers[i].priority < handlers[j].priority
		}
		return handlers[i].seq < handlers[j].seq
	})

	ev := Event{Type: eventType, Payload: payload}
	for _, e := range handlers {
		b.deliver(ctx, e, ev)
	}
	return nil
}

func (b *Bus) deliver(ctx context.Context, e entry, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bus: handler panic", "type", ev.Type, "panic", r)
		}
	}()
	if err := e.handler(ctx, ev); err != nil {
		slog.Warn("bus: handler error", "type", ev.Type, "error", err)
	}
}
