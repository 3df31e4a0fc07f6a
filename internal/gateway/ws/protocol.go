package ws

import (
	"encoding/json"
	"fmt"
	"time"
)

// FrameType represents the type of WebSocket frame.
type FrameType string

const (
	FrameTypeRequest  FrameType = "req"
	FrameTypeResponse FrameType = "res"
	FrameTypeEvent    FrameType = "event"
)

// Method represents a WebSocket request method.
type Method string

const (
	MethodSubmitTask Method = "submit_task"
	MethodGetTask    Method = "get_task"
	MethodListTasks  Method = "list_tasks"
	MethodResumeTask Method = "resume_task"
	MethodCancelTask Method = "cancel_task"
)

// Frame is the WebSocket protocol envelope.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
	TaskID  string          `json:"task_id,omitempty"`
}

// SubmitTaskParams are the parameters of submit_task.
type SubmitTaskParams struct {
	Description  string     `json:"description"`
	Priority     string     `json:"priority,omitempty"`
	Model        string     `json:"model,omitempty"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
}

// TaskRef identifies a task (get_task).
type TaskRef struct {
	TaskID string `json:"task_id"`
}

// ListTasksParams are the parameters of list_tasks.
type ListTasksParams struct {
	Statuses []string `json:"statuses,omitempty"`
	ParentID string   `json:"parent_id,omitempty"`
	Limit    int      `json:"limit,omitempty"`
}

// ResumeTaskParams are the parameters of resume_task.
type ResumeTaskParams struct {
	TaskID  string `json:"task_id"`
	Message string `json:"message,omitempty"`
}

// CancelTaskParams are the parameters of cancel_task.
type CancelTaskParams struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

// MarshalFrame serializes a Frame to JSON bytes.
func MarshalFrame(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// UnmarshalFrame deserializes JSON bytes into a Frame.
func UnmarshalFrame(data []byte) (Frame, error) {
	var f Frame
	err := json.Unmarshal(data, &f)
	return f, err
}

// DecodeParams unmarshals a request's params into v.
func DecodeParams(f Frame, v any) error {
	if len(f.Params) == 0 {
		return fmt.Errorf("%s: missing params", f.Method)
	}
	if err := json.Unmarshal(f.Params, v); err != nil {
		return fmt.Errorf("%s: invalid params: %w", f.Method, err)
	}
	return nil
}

// NewRequestFrame creates a request Frame.
func NewRequestFrame(id string, method Method, params any) (Frame, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameTypeRequest, ID: id, Method: string(method), Params: data}, nil
}

// NewEventFrame creates a Frame for broadcasting an event.
func NewEventFrame(event, taskID string, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		Type:    FrameTypeEvent,
		Event:   event,
		TaskID:  taskID,
		Payload: data,
	}, nil
}

// NewResponseFrame creates a response Frame.
func NewResponseFrame(id string, ok bool, payload any, errMsg string) (Frame, error) {
	f := Frame{
		Type:  FrameTypeResponse,
		ID:    id,
		OK:    &ok,
		Error: errMsg,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, err
		}
		f.Payload = data
	}
	return f, nil
}
