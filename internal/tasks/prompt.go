package tasks

import (
	"fmt"
	"strings"
	"time"

	"github.com/dohr-michael/deskpilot/internal/config"
)

const basePrompt = `You operate a remote Linux desktop to accomplish the user's task.
You see the screen through screenshots and act with the computer_* tools.

Rules:
- Take a screenshot before acting when you do not know the current state of the screen.
- Coordinates are in pixels from the top-left corner of the screen.
- Prefer keyboard shortcuts when they are reliable.
- Tool results starting with "Error:" mean the action failed; adapt instead of repeating it.
- When the task is done, call set_task_status with status "completed" and a short summary.
- When you cannot continue without the user (missing credentials, a captcha, an ambiguous goal),
  call set_task_status with status "needs_help" and explain what you need.
- Never type secrets unless they were given to you; set sensitive to true when you do.`

const createTaskRule = `- Use create_task only for separate follow-up work; it does not run before this task ends.`

// buildSystemPrompt renders the instructions sent with every step of a task.
func buildSystemPrompt(loop config.LoopConfig, task *Task, allowCreateTask bool, now time.Time) string {
	var sb strings.Builder
	if loop.SystemPrompt != "" {
		sb.WriteString(loop.SystemPrompt)
	} else {
		sb.WriteString(basePrompt)
		if allowCreateTask {
			sb.WriteString("\n")
			sb.WriteString(createTaskRule)
		}
	}

	sb.WriteString("\n\n## Environment\n")
	fmt.Fprintf(&sb, "- Screen size: %dx%d\n", loop.Display.Width, loop.Display.Height)
	fmt.Fprintf(&sb, "- Current time: %s\n", now.Format(time.RFC1123))

	sb.WriteString("\n## Task\n")
	sb.WriteString(task.Description)
	if task.ParentID != "" {
		fmt.Fprintf(&sb, "\n\n(This task was created by task %s.)", task.ParentID)
	}
	return sb.String()
}
