package storage

import (
	"context"
	"log/slog"

	"github.com/dohr-michael/deskpilot/internal/events"
)

// UsageRecorder accumulates token usage for a task.
type UsageRecorder interface {
	AddUsage(ctx context.Context, taskID string, input, output int) error
}

// CostTracker subscribes to LLM call events and accumulates token usage per task.
type CostTracker struct {
	store       UsageRecorder
	unsubscribe func()
}

// NewCostTracker creates a CostTracker that listens for LLM response events.
func NewCostTracker(bus *events.Bus, store UsageRecorder) *CostTracker {
	ct := &CostTracker{store: store}
	ct.unsubscribe = bus.Subscribe(ct.handleEvent, events.EventLLMCall)
	return ct
}

// Close unsubscribes the tracker from the event bus.
func (ct *CostTracker) Close() {
	if ct.unsubscribe != nil {
		ct.unsubscribe()
	}
}

func (ct *CostTracker) handleEvent(e events.Event) {
	if e.TaskID == "" {
		return
	}
	payload, ok := events.ExtractPayload[events.LLMCallPayload](e)
	if !ok || payload.Phase != "response" {
		return
	}
	if payload.TokensInput == 0 && payload.TokensOutput == 0 {
		return
	}

	// AddUsage is an atomic increment in the store, so concurrent events need no lock here.
	if err := ct.store.AddUsage(context.Background(), e.TaskID, payload.TokensInput, payload.TokensOutput); err != nil {
		slog.Error("cost tracker: add usage", "task_id", e.TaskID, "error", err)
	}
}
