// Package events provides an in-memory event bus for task lifecycle notifications.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrBusClosed = errors.New("event bus is closed")
)

// EventType represents the type of event.
type EventType string

const (
	// Task lifecycle
	EventTaskCreated EventType = "task.created"
	EventTaskStatus  EventType = "task.status"
	EventTaskMessage EventType = "task.message"

	// Loop → executor
	EventActionCall EventType = "action.call"

	// Loop guards
	EventTaskStalled EventType = "task.stalled"

	// Internal (analytics/tracing)
	EventLLMCall EventType = "internal.llm.call"

	// Scheduler
	EventScheduleTrigger EventType = "schedule.trigger"
)

// EventSource identifies the component that emitted an event.
type EventSource string

const (
	SourceTask      EventSource = "task"
	SourcePool      EventSource = "pool"
	SourceGateway   EventSource = "gateway"
	SourceScheduler EventSource = "scheduler"
	SourceModel     EventSource = "model"
)

// Event represents an event in the system.
type Event struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"task_id,omitempty"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Source    EventSource    `json:"source"`
	Payload   map[string]any `json:"payload"`
}

var eventIDCounter uint64

// NewEvent creates a new event with the current timestamp.
func NewEvent(eventType EventType, source EventSource, payload map[string]any) Event {
	return Event{
		ID:        generateEventID(),
		Type:      eventType,
		Timestamp: time.Now(),
		Source:    source,
		Payload:   payload,
	}
}

func generateEventID() string {
	seq := atomic.AddUint64(&eventIDCounter, 1)
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), seq)
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

type subscription struct {
	eventTypes []EventType
	handler    Subscriber
}

// Bus fans events out to subscribers from a single dispatch goroutine.
// Publish never blocks: when the queue is full the event is dropped.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]*subscription
	nextID      int
	eventChan   chan Event
	history     *RingBuffer
	closed      bool
	done        chan struct{}
	stopped     chan struct{}
	dropped     atomic.Uint64
}

// NewBus creates a new event bus.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	b := &Bus{
		subscribers: make(map[int]*subscription),
		eventChan:   make(chan Event, bufferSize),
		history:     NewRingBuffer(bufferSize),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	go b.dispatch()
	return b
}

func (b *Bus) dispatch() {
	defer close(b.stopped)
	for {
		select {
		case event := <-b.eventChan:
			b.history.Add(event)
			b.notifySubscribers(event)
		case <-b.done:
			return
		}
	}
}

func (b *Bus) notifySubscribers(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if matches(sub, event) {
			go sub.handler(event)
		}
	}
}

func matches(sub *subscription, event Event) bool {
	if len(sub.eventTypes) == 0 {
		return true
	}
	for _, t := range sub.eventTypes {
		if t == event.Type {
			return true
		}
	}
	return false
}

// Publish sends an event to the bus.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	select {
	case b.eventChan <- event:
	default:
		b.dropped.Add(1)
	}
}

// PublishWait sends an event, blocking until it is queued or ctx is done.
func (b *Bus) PublishWait(ctx context.Context, event Event) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrBusClosed
	}

	select {
	case b.eventChan <- event:
		return nil
	case <-b.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns the number of events discarded because the queue was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribe registers a handler for specific event types (all types when none
// are given). Returns an unsubscribe function.
func (b *Bus) Subscribe(handler Subscriber, eventTypes ...EventType) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subscribers[id] = &subscription{eventTypes: eventTypes, handler: handler}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subscribers, id)
	}
}

// History returns up to limit recent events, oldest first.
func (b *Bus) History(limit int) []Event {
	return b.history.Get(limit)
}

// Close stops the dispatch goroutine. Events still queued are discarded.
// The event channel is left open so a racing Publish cannot panic.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()
	<-b.stopped
}

// RingBuffer is a circular buffer for storing recent events.
type RingBuffer struct {
	mu     sync.RWMutex
	events []Event
	size   int
	pos    int
	count  int
}

// NewRingBuffer creates a new ring buffer.
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{
		events: make([]Event, size),
		size:   size,
	}
}

func (r *RingBuffer) Add(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events[r.pos] = event
	r.pos = (r.pos + 1) % r.size
	if r.count < r.size {
		r.count++
	}
}

func (r *RingBuffer) Get(n int) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > r.count {
		n = r.count
	}
	if n <= 0 {
		return nil
	}

	result := make([]Event, n)
	start := (r.pos - n + r.size) % r.size
	for i := 0; i < n; i++ {
		result[i] = r.events[(start+i)%r.size]
	}
	return result
}
