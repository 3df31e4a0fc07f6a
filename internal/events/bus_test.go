package events

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus(64)
	defer bus.Close()

	var mu sync.Mutex
	var received []Event

	bus.Subscribe(func(e Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	}, EventTaskStatus)

	bus.Publish(NewTaskEvent(SourceTask, TaskStatusPayload{Status: "running"}, "task_1"))
	bus.Publish(NewTaskEvent(SourceTask, TaskMessagePayload{Seq: 1, Role: "user"}, "task_1"))

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if len(received) != 1 {
		t.Fatalf("expected 1 event, got %d", len(received))
	}
	if received[0].Type != EventTaskStatus {
		t.Errorf("expected task.status, got %s", received[0].Type)
	}
	if received[0].TaskID != "task_1" {
		t.Errorf("expected task_1, got %s", received[0].TaskID)
	}
}

func TestBusSubscribeAll(t *testing.T) {
	bus := NewBus(64)
	defer bus.Close()

	var mu sync.Mutex
	count := 0

	bus.Subscribe(func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Publish(NewTypedEvent(SourceTask, TaskStatusPayload{Status: "running"}))
	bus.Publish(NewTypedEvent(SourceTask, ActionCallPayload{Status: ActionStatusStarted, Action: "screenshot"}))

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if count != 2 {
		t.Errorf("expected 2 events, got %d", count)
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()

	var mu sync.Mutex
	count := 0
	unsub := bus.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	unsub()

	bus.Publish(NewTypedEvent(SourceTask, TaskStatusPayload{Status: "running"}))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("expected no delivery after unsubscribe, got %d", count)
	}
}

func TestBusHistory(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()

	for i := 0; i < 3; i++ {
		bus.Publish(NewTaskEvent(SourceTask, TaskMessagePayload{Seq: i + 1, Role: "assistant"}, "task_h"))
	}

	deadline := time.Now().Add(time.Second)
	for len(bus.History(10)) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	hist := bus.History(10)
	if len(hist) != 3 {
		t.Fatalf("expected 3 events in history, got %d", len(hist))
	}
	p, ok := ExtractPayload[TaskMessagePayload](hist[0])
	if !ok || p.Seq != 1 {
		t.Errorf("expected oldest first, got %+v", p)
	}
}

func TestBusCloseIsSafe(t *testing.T) {
	bus := NewBus(4)
	bus.Close()
	bus.Close()

	// Publishing after close is a silent no-op.
	bus.Publish(NewTypedEvent(SourceTask, TaskStatusPayload{Status: "running"}))

	err := bus.PublishWait(context.Background(), NewTypedEvent(SourceTask, TaskStatusPayload{}))
	if err != ErrBusClosed {
		t.Errorf("expected ErrBusClosed, got %v", err)
	}
}

func TestRingBuffer(t *testing.T) {
	rb := NewRingBuffer(3)

	for i := 0; i < 5; i++ {
		rb.Add(NewEvent(EventTaskMessage, SourceTask, map[string]any{"i": i}))
	}

	events := rb.Get(10)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if got := events[0].Payload["i"]; got != 2 {
		t.Errorf("expected oldest kept event i=2, got %v", got)
	}
}
