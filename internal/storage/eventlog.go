package storage

import (
	"log/slog"

	"github.com/dohr-michael/deskpilot/internal/events"
	"github.com/dohr-michael/deskpilot/internal/storage/dirstore"
)

const (
	eventsFile   = "events.jsonl"
	globalEvents = "_global"
)

// EventLogger persists bus events as JSONL, one file per task under
// <dir>/<task_id>/events.jsonl. Events without a task go to <dir>/_global.
type EventLogger struct {
	ds          *dirstore.DirStore
	unsubscribe func()
}

// NewEventLogger creates an EventLogger that subscribes to all bus events.
func NewEventLogger(dir string, bus *events.Bus) *EventLogger {
	el := &EventLogger{ds: dirstore.NewDirStore(dir, "event log")}
	el.unsubscribe = bus.Subscribe(el.handleEvent)
	return el
}

// NewEventLogDir opens the logs under dir for reading and removal only.
func NewEventLogDir(dir string) *EventLogger {
	return &EventLogger{ds: dirstore.NewDirStore(dir, "event log")}
}

// Close unsubscribes the logger from the event bus.
func (el *EventLogger) Close() {
	if el.unsubscribe != nil {
		el.unsubscribe()
	}
}

func (el *EventLogger) handleEvent(e events.Event) {
	// LLM request phases are noise; responses carry the usage.
	if e.Type == events.EventLLMCall && e.Payload["phase"] == "request" {
		return
	}
	id := e.TaskID
	if id == "" {
		id = globalEvents
	}
	if err := el.ds.AppendJSONL(id, eventsFile, e); err != nil {
		slog.Warn("event log write failed", "task_id", e.TaskID, "error", err)
	}
}

// Load returns the persisted events of a task in write order.
func (el *EventLogger) Load(taskID string) ([]events.Event, error) {
	return dirstore.LoadJSONL[events.Event](el.ds, taskID, eventsFile)
}

// Remove deletes a task's event log.
func (el *EventLogger) Remove(taskID string) error {
	return el.ds.RemoveDir(taskID)
}

// TaskIDs lists the tasks that have an event log, excluding the global log.
func (el *EventLogger) TaskIDs() ([]string, error) {
	dirs, err := el.ds.ListDirs()
	if err != nil {
		return nil, err
	}
	out := dirs[:0]
	for _, d := range dirs {
		if d != globalEvents {
			out = append(out, d)
		}
	}
	return out, nil
}
