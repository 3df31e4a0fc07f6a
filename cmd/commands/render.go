package commands

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dohr-michael/deskpilot/internal/actors"
	"github.com/dohr-michael/deskpilot/internal/conversation"
)

const timeLayout = "2006-01-02 15:04:05"

func printTask(w io.Writer, view *actors.TaskView) {
	t := view.Task
	fmt.Fprintf(w, "ID:          %s\n", t.ID)
	fmt.Fprintf(w, "Status:      %s\n", t.Status)
	if view.Active {
		fmt.Fprintf(w, "Loop:        active\n")
	}
	fmt.Fprintf(w, "Priority:    %s\n", t.Priority)
	fmt.Fprintf(w, "Created by:  %s\n", t.CreatedBy)
	if t.Model != "" {
		fmt.Fprintf(w, "Model:       %s\n", t.Model)
	}
	if t.ParentID != "" {
		fmt.Fprintf(w, "Parent:      %s\n", t.ParentID)
	}
	fmt.Fprintf(w, "Created:     %s\n", t.CreatedAt.Local().Format(timeLayout))
	if t.ScheduledFor != nil {
		fmt.Fprintf(w, "Scheduled:   %s\n", t.ScheduledFor.Local().Format(timeLayout))
	}
	if t.StartedAt != nil {
		fmt.Fprintf(w, "Started:     %s\n", t.StartedAt.Local().Format(timeLayout))
	}
	if t.CompletedAt != nil {
		fmt.Fprintf(w, "Completed:   %s\n", t.CompletedAt.Local().Format(timeLayout))
	}
	if u := t.TokenUsage; u.Input+u.Output > 0 {
		fmt.Fprintf(w, "Tokens:      %d in / %d out\n", u.Input, u.Output)
	}

	fmt.Fprintf(w, "\nDescription:\n%s\n", t.Description)
	if t.Summary != "" {
		fmt.Fprintf(w, "\nSummary:\n%s\n", t.Summary)
	}
	if t.Error != "" {
		fmt.Fprintf(w, "\nError: %s\n", t.Error)
	}

	if len(view.Messages) > 0 {
		fmt.Fprintln(w, "\nConversation:")
		for _, m := range view.Messages {
			printMessage(w, m)
		}
	}
}

func printMessage(w io.Writer, m *conversation.Message) {
	prefix := fmt.Sprintf("  %3d %-9s", m.Seq, m.Role)
	for _, b := range m.Content {
		fmt.Fprintf(w, "%s %s\n", prefix, describeBlock(b))
		prefix = strings.Repeat(" ", len(prefix))
	}
}

// describeBlock renders a block on one line. Screenshots are reduced to
// their size.
func describeBlock(b conversation.Block) string {
	switch b.Type {
	case conversation.BlockText:
		return truncate(b.Text, 200)
	case conversation.BlockImage:
		if b.Image == nil {
			return "[image]"
		}
		return fmt.Sprintf("[screenshot %dx%d]", b.Image.Width, b.Image.Height)
	case conversation.BlockToolUse:
		if b.ToolUse == nil {
			return "[tool use]"
		}
		input := string(b.ToolUse.Input)
		if b.ToolUse.Sensitive {
			input = "(redacted)"
		}
		return fmt.Sprintf("-> %s %s", b.ToolUse.Name, truncate(input, 120))
	case conversation.BlockToolResult:
		if b.ToolResult == nil {
			return "[tool result]"
		}
		mark := "<- ok"
		if b.ToolResult.IsError {
			mark = "<- error"
		}
		parts := make([]string, 0, len(b.ToolResult.Content))
		for _, c := range b.ToolResult.Content {
			parts = append(parts, describeBlock(c))
		}
		return strings.TrimSpace(mark + " " + strings.Join(parts, " "))
	}
	return "[" + string(b.Type) + "]"
}

// truncate shortens s to n runes on a single line.
func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func formatAge(d time.Duration) string {
	if d < time.Minute {
		return d.Truncate(time.Second).String()
	}
	return d.Truncate(time.Minute).String()
}
