package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dohr-michael/deskpilot/internal/events"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEventLogger_PerTaskFiles(t *testing.T) {
	dir := t.TempDir()
	bus := events.NewBus(64)
	defer bus.Close()

	el := NewEventLogger(dir, bus)
	defer el.Close()

	bus.Publish(events.NewTaskEvent(events.SourceTask, events.TaskStatusPayload{Status: "running"}, "task_a"))
	bus.Publish(events.NewTaskEvent(events.SourceTask, events.TaskStatusPayload{Status: "completed"}, "task_a"))
	bus.Publish(events.NewTypedEvent(events.SourceScheduler, events.ScheduleTriggerPayload{Name: "inbox", Trigger: "cron"}))

	waitFor(t, func() bool {
		got, _ := el.Load("task_a")
		return len(got) == 2
	})

	got, err := el.Load("task_a")
	if err != nil {
		t.Fatal(err)
	}
	if got[0].TaskID != "task_a" || got[0].Type != events.EventTaskStatus {
		t.Errorf("unexpected first event %+v", got[0])
	}

	waitFor(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "_global", "events.jsonl"))
		return err == nil
	})
}

func TestEventLogger_SkipsRequestPhase(t *testing.T) {
	dir := t.TempDir()
	bus := events.NewBus(64)
	defer bus.Close()

	el := NewEventLogger(dir, bus)
	defer el.Close()

	bus.Publish(events.NewTaskEvent(events.SourceModel, events.LLMCallPayload{Phase: "request", Model: "m"}, "task_b"))
	bus.Publish(events.NewTaskEvent(events.SourceModel, events.LLMCallPayload{Phase: "response", Model: "m"}, "task_b"))

	waitFor(t, func() bool {
		got, _ := el.Load("task_b")
		return len(got) >= 1
	})
	time.Sleep(50 * time.Millisecond)

	got, _ := el.Load("task_b")
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0].Payload["phase"] != "response" {
		t.Errorf("got phase %v, want response", got[0].Payload["phase"])
	}
}

func TestEventLogger_Remove(t *testing.T) {
	dir := t.TempDir()
	bus := events.NewBus(8)
	defer bus.Close()
	el := NewEventLogger(dir, bus)
	defer el.Close()

	bus.Publish(events.NewTaskEvent(events.SourceTask, events.TaskStatusPayload{Status: "running"}, "task_c"))
	waitFor(t, func() bool {
		got, _ := el.Load("task_c")
		return len(got) == 1
	})

	if err := el.Remove("task_c"); err != nil {
		t.Fatal(err)
	}
	got, err := el.Load("task_c")
	if err != nil || len(got) != 0 {
		t.Errorf("got (%v, %v) after remove, want empty", got, err)
	}
}

func TestEventLogDir_TaskIDs(t *testing.T) {
	dir := t.TempDir()
	bus := events.NewBus(8)
	defer bus.Close()
	el := NewEventLogger(dir, bus)
	defer el.Close()

	bus.Publish(events.NewTaskEvent(events.SourceTask, events.TaskStatusPayload{Status: "running"}, "task_d"))
	bus.Publish(events.NewTypedEvent(events.SourceScheduler, events.ScheduleTriggerPayload{Name: "inbox", Trigger: "manual"}))
	waitFor(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "_global", "events.jsonl"))
		got, _ := el.Load("task_d")
		return err == nil && len(got) == 1
	})

	reader := NewEventLogDir(dir)
	ids, err := reader.TaskIDs()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "task_d" {
		t.Errorf("got %v, want [task_d]", ids)
	}
	got, err := reader.Load("task_d")
	if err != nil || len(got) != 1 {
		t.Errorf("got (%d events, %v), want 1 event", len(got), err)
	}
}
