package scheduler

import (
	"fmt"

	"github.com/dohr-michael/deskpilot/internal/config"
	"github.com/dohr-michael/deskpilot/internal/events"
)

// MatchEvent reports whether e satisfies trigger. Filter keys are compared
// against payload fields; "task_id" matches the event's task. Events emitted
// by the scheduler never match, so a schedule cannot trigger itself.
func MatchEvent(e events.Event, trigger *config.EventTriggerConfig) bool {
	if trigger == nil || e.Source == events.SourceScheduler {
		return false
	}
	if string(e.Type) != trigger.Event {
		return false
	}

	for key, expected := range trigger.Filter {
		if key == "task_id" {
			if e.TaskID != expected {
				return false
			}
			continue
		}
		val, ok := e.Payload[key]
		if !ok {
			return false
		}
		if s, isString := val.(string); isString {
			if s != expected {
				return false
			}
		} else if fmt.Sprint(val) != expected {
			return false
		}
	}
	return true
}
