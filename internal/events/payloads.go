package events

import (
	"encoding/json"
	"time"
)

// EventPayload is the interface all typed payloads implement.
type EventPayload interface {
	EventType() EventType
}

// =============================================================================
// TASK EVENTS
// =============================================================================

type TaskCreatedPayload struct {
	Description string `json:"description"`
	Priority    string `json:"priority"`
	CreatedBy   string `json:"created_by"`
	ParentID    string `json:"parent_id,omitempty"`
	Model       string `json:"model,omitempty"`
}

func (TaskCreatedPayload) EventType() EventType { return EventTaskCreated }

type TaskStatusPayload struct {
	From   string `json:"from,omitempty"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func (TaskStatusPayload) EventType() EventType { return EventTaskStatus }

type TaskMessagePayload struct {
	Seq     int    `json:"seq"`
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
}

func (TaskMessagePayload) EventType() EventType { return EventTaskMessage }

type TaskStalledPayload struct {
	Rule       string   `json:"rule"`
	Window     int      `json:"window"`
	Signatures []string `json:"signatures,omitempty"`
}

func (TaskStalledPayload) EventType() EventType { return EventTaskStalled }

// =============================================================================
// ACTION EVENTS
// =============================================================================

type ActionStatus string

const (
	ActionStatusStarted   ActionStatus = "started"
	ActionStatusCompleted ActionStatus = "completed"
	ActionStatusFailed    ActionStatus = "failed"
	ActionStatusRetrying  ActionStatus = "retrying"
)

type ActionCallPayload struct {
	Status    ActionStatus   `json:"status"`
	CallID    string         `json:"call_id"`
	Action    string         `json:"action"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Attempt   int            `json:"attempt,omitempty"`
	Error     string         `json:"error,omitempty"`
	Duration  time.Duration  `json:"duration,omitempty"`
}

func (ActionCallPayload) EventType() EventType { return EventActionCall }

// =============================================================================
// INTERNAL EVENTS
// =============================================================================

type LLMCallPayload struct {
	Phase        string        `json:"phase"`
	Model        string        `json:"model"`
	Provider     string        `json:"provider,omitempty"`
	MessageCount int           `json:"message_count,omitempty"`
	TokensInput  int           `json:"tokens_input,omitempty"`
	TokensOutput int           `json:"tokens_output,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
	Error        string        `json:"error,omitempty"`
}

func (LLMCallPayload) EventType() EventType { return EventLLMCall }

type ScheduleTriggerPayload struct {
	Name    string `json:"name"`
	Trigger string `json:"trigger"` // "cron", "event:<type>" or "manual"
	TaskID  string `json:"task_id,omitempty"`
}

func (ScheduleTriggerPayload) EventType() EventType { return EventScheduleTrigger }

// =============================================================================
// TYPED EVENT CONSTRUCTORS
// =============================================================================

func NewTypedEvent(source EventSource, payload EventPayload) Event {
	return Event{
		ID:        generateEventID(),
		Type:      payload.EventType(),
		Timestamp: time.Now(),
		Source:    source,
		Payload:   toMap(payload),
	}
}

func NewTaskEvent(source EventSource, payload EventPayload, taskID string) Event {
	e := NewTypedEvent(source, payload)
	e.TaskID = taskID
	return e
}

func toMap(v any) map[string]any {
	var result map[string]any
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// =============================================================================
// TYPED PAYLOAD EXTRACTORS
// =============================================================================

func ExtractPayload[T EventPayload](e Event) (T, bool) {
	var result T
	if e.Type != result.EventType() {
		return result, false
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return result, false
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, false
	}
	return result, true
}
