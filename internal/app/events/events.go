// Package events carries account lifecycle notifications from the lifecycle
// manager to subscribers (logs, the websocket stream, tests).
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Name identifies a lifecycle event.
type Name string

const (
	UndockingInit     Name = "undocking:init"
	UndockingSeedUsed Name = "undocking:seedused"
	Undocked          Name = "undocked"
	UndockingError    Name = "undocking:error"
)

// Names lists every lifecycle event.
func Names() []Name {
	return []Name{UndockingInit, UndockingSeedUsed, Undocked, UndockingError}
}

// Event is one lifecycle notification.
type Event struct {
	ID        string    `json:"id"`
	Name      Name      `json:"name"`
	AccountID string    `json:"accountId"`
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// String returns the JSON form.
func (e Event) String() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// New builds an event with a generated id and a message naming the account.
func New(name Name, accountID string) Event {
	return Event{
		ID:        uuid.NewString(),
		Name:      name,
		AccountID: accountID,
		Message:   fmt.Sprintf("%s for account: %s", name, accountID),
		Timestamp: time.Now().UTC(),
	}
}

// Failed builds an undocking:error event.
func Failed(accountID string, err error) Event {
	e := New(UndockingError, accountID)
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// Sink receives events. Publish is best effort and never fails the caller.
type Sink interface {
	Publish(event Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Publish(e Event) { f(e) }

// Handler processes events as they occur.
type Handler func(Event)

// Filter decides whether a handler sees an event.
type Filter func(Event) bool

// ByName matches events with one of names.
func ByName(names ...Name) Filter {
	set := make(map[Name]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := set[e.Name]
		return ok
	}
}

// Hub is a Sink that keeps recent events in a ring buffer and fans them out
// to subscribers. A panicking subscriber does not affect the publisher or
// other subscribers.
type Hub struct {
	mu       sync.RWMutex
	events   []Event
	size     int
	head     int
	count    int
	handlers []handlerEntry
	nextID   int64
	onPanic  func(recovered any)
}

type handlerEntry struct {
	id      int64
	filter  Filter
	handler Handler
}

var _ Sink = (*Hub)(nil)

// NewHub creates a hub retaining up to size events.
func NewHub(size int) *Hub {
	if size <= 0 {
		size = 256
	}
	return &Hub{events: make([]Event, size), size: size}
}

// OnHandlerPanic sets a callback invoked when a subscriber panics.
func (h *Hub) OnHandlerPanic(fn func(recovered any)) {
	h.mu.Lock()
	h.onPanic = fn
	h.mu.Unlock()
}

// Publish records the event and notifies subscribers.
func (h *Hub) Publish(event Event) {
	h.mu.Lock()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	h.events[h.head] = event
	h.head = (h.head + 1) % h.size
	if h.count < h.size {
		h.count++
	}
	handlers := make([]handlerEntry, len(h.handlers))
	copy(handlers, h.handlers)
	onPanic := h.onPanic
	h.mu.Unlock()

	for _, entry := range handlers {
		if entry.filter == nil || entry.filter(event) {
			deliver(entry.handler, event, onPanic)
		}
	}
}

func deliver(handler Handler, event Event, onPanic func(any)) {
	defer func() {
		if r := recover(); r != nil && onPanic != nil {
			onPanic(r)
		}
	}()
	handler(event)
}

// Subscribe registers a handler for all events and returns its cancel func.
func (h *Hub) Subscribe(handler Handler) func() {
	return h.SubscribeFiltered(nil, handler)
}

// SubscribeFiltered registers a handler that sees events accepted by filter.
func (h *Hub) SubscribeFiltered(filter Filter, handler Handler) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.handlers = append(h.handlers, handlerEntry{id: id, filter: filter, handler: handler})
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, entry := range h.handlers {
			if entry.id == id {
				h.handlers = append(h.handlers[:i], h.handlers[i+1:]...)
				return
			}
		}
	}
}

// Recent returns up to n events, newest first.
func (h *Hub) Recent(n int) []Event {
	return h.recent(n, nil)
}

// RecentByAccount returns up to n events for accountID, newest first.
func (h *Hub) RecentByAccount(accountID string, n int) []Event {
	return h.recent(n, func(e Event) bool { return e.AccountID == accountID })
}

func (h *Hub) recent(n int, filter Filter) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if n <= 0 || h.count == 0 {
		return nil
	}
	var result []Event
	for i := 0; i < h.count && len(result) < n; i++ {
		idx := (h.head - 1 - i + h.size) % h.size
		if filter == nil || filter(h.events[idx]) {
			result = append(result, h.events[idx])
		}
	}
	return result
}

// Count returns the number of retained events.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}
