// Package tasks holds the task model, its SQLite store and the loop that
// drives a task through the model and the computer-control service.
package tasks

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusNeedsHelp Status = "needs_help"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(s)); st {
	case StatusPending, StatusRunning, StatusNeedsHelp, StatusCompleted, StatusFailed, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

// Priority orders pending tasks.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank maps a priority to a number, higher is more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	default:
		return 1
	}
}

// ParsePriority validates a priority name. Empty means medium.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(s)); p {
	case "":
		return PriorityMedium, nil
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return p, nil
	}
	return "", fmt.Errorf("unknown task priority %q", s)
}

// CreatedBy identifies who submitted a task.
type CreatedBy string

const (
	CreatedByUser      CreatedBy = "user"
	CreatedByAssistant CreatedBy = "assistant"
	CreatedBySystem    CreatedBy = "system"
)

// Type distinguishes tasks that run as soon as possible from deferred ones.
type Type string

const (
	TypeImmediate Type = "immediate"
	TypeScheduled Type = "scheduled"
)

// TokenUsage accumulates provider tokens spent on a task.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// Task is one user goal.
type Task struct {
	ID           string     `json:"id"`
	Description  string     `json:"description"`
	Status       Status     `json:"status"`
	Priority     Priority   `json:"priority"`
	CreatedBy    CreatedBy  `json:"created_by"`
	Type         Type       `json:"type"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	ParentID     string     `json:"parent_id,omitempty"`
	Model        string     `json:"model,omitempty"`
	Summary      string     `json:"summary,omitempty"`
	Error        string     `json:"error,omitempty"`
	TokenUsage   TokenUsage `json:"token_usage"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Due reports whether the task may start at now.
func (t *Task) Due(now time.Time) bool {
	return t.ScheduledFor == nil || !t.ScheduledFor.After(now)
}

// GenerateTaskID creates a unique task identifier.
func GenerateTaskID() string {
	return "task_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
