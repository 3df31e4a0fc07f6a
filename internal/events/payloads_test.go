package events

import (
	"testing"
	"time"
)

func TestTypedEvent_TaskStatus(t *testing.T) {
	evt := NewTaskEvent(SourcePool, TaskStatusPayload{From: "pending", Status: "running"}, "task_1")

	if evt.Type != EventTaskStatus {
		t.Fatalf("expected type %q, got %q", EventTaskStatus, evt.Type)
	}
	if evt.TaskID != "task_1" {
		t.Fatalf("expected task id task_1, got %q", evt.TaskID)
	}
	got, ok := ExtractPayload[TaskStatusPayload](evt)
	if !ok {
		t.Fatal("ExtractPayload returned false")
	}
	if got.From != "pending" || got.Status != "running" {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestTypedEvent_ActionCall(t *testing.T) {
	payload := ActionCallPayload{
		Status:    ActionStatusFailed,
		CallID:    "call_1",
		Action:    "click_mouse",
		Arguments: map[string]any{"button": "left"},
		Attempt:   2,
		Error:     "unreachable",
		Duration:  150 * time.Millisecond,
	}
	evt := NewTypedEvent(SourceTask, payload)

	got, ok := ExtractPayload[ActionCallPayload](evt)
	if !ok {
		t.Fatal("ExtractPayload returned false")
	}
	if got.Action != "click_mouse" || got.Attempt != 2 {
		t.Fatalf("unexpected payload %+v", got)
	}
	if got.Arguments["button"] != "left" {
		t.Fatalf("expected button left, got %v", got.Arguments["button"])
	}
	if got.Duration != 150*time.Millisecond {
		t.Fatalf("expected duration 150ms, got %v", got.Duration)
	}
}

func TestExtractPayload_WrongType(t *testing.T) {
	evt := NewTypedEvent(SourceTask, TaskStatusPayload{Status: "failed"})
	if _, ok := ExtractPayload[LLMCallPayload](evt); ok {
		t.Error("expected extraction of mismatched payload to fail")
	}
}

func TestTypedEvent_LLMCall(t *testing.T) {
	evt := NewTypedEvent(SourceModel, LLMCallPayload{
		Phase:        "response",
		Model:        "claude-sonnet",
		TokensInput:  1200,
		TokensOutput: 80,
	})
	got, ok := ExtractPayload[LLMCallPayload](evt)
	if !ok {
		t.Fatal("ExtractPayload returned false")
	}
	if got.TokensInput != 1200 || got.TokensOutput != 80 {
		t.Errorf("unexpected token counts %+v", got)
	}
}
