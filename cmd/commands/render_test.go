package commands

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/dohr-michael/deskpilot/internal/actions"
	"github.com/dohr-michael/deskpilot/internal/actors"
	"github.com/dohr-michael/deskpilot/internal/conversation"
	"github.com/dohr-michael/deskpilot/internal/tasks"
)

func TestDescribeBlock(t *testing.T) {
	tests := []struct {
		name  string
		block conversation.Block
		want  string
	}{
		{"text", conversation.TextBlock("hello\n  world"), "hello world"},
		{"image", conversation.ImageBlock(&actions.Image{Width: 1280, Height: 960}), "[screenshot 1280x960]"},
		{
			"tool use",
			conversation.ToolUseBlock("c1", "click_mouse", json.RawMessage(`{"button":"left"}`), false),
			`-> click_mouse {"button":"left"}`,
		},
		{
			"sensitive tool use",
			conversation.ToolUseBlock("c2", "type_text", json.RawMessage(`{"text":"hunter2"}`), true),
			"-> type_text (redacted)",
		},
		{
			"error result",
			conversation.ToolResultBlock("c1", true, conversation.TextBlock("timeout")),
			"<- error timeout",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := describeBlock(tt.block); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("got %q", got)
	}
	if got := truncate("abcdefghij", 5); got != "abcd…" {
		t.Errorf("got %q, want %q", got, "abcd…")
	}
}

func TestPrintTask(t *testing.T) {
	view := &actors.TaskView{
		Task: &tasks.Task{
			ID:          "task_1",
			Description: "Open the calculator",
			Status:      tasks.StatusNeedsHelp,
			Priority:    tasks.PriorityHigh,
			CreatedBy:   tasks.CreatedByUser,
			Error:       "which calculator?",
			CreatedAt:   time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC),
		},
		Messages: []*conversation.Message{
			{Seq: 1, Role: conversation.RoleUser, Content: []conversation.Block{conversation.TextBlock("Open the calculator")}},
		},
	}

	var buf bytes.Buffer
	printTask(&buf, view)
	out := buf.String()
	for _, want := range []string{"task_1", "needs_help", "which calculator?", "Conversation:", "Open the calculator"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
