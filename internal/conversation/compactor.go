package conversation

import (
	"context"
	"fmt"
	"strings"
)

// SummarizeFunc performs a tool-less model call for summarization.
type SummarizeFunc func(ctx context.Context, prompt string) (string, error)

// Policy decides when and how much history to compact.
type Policy struct {
	MaxMessages   int     // compact when more messages follow the summary (0 = no limit)
	ContextWindow int     // total token budget of the model (0 = no token trigger)
	Threshold     float64 // token trigger ratio of ContextWindow (default 0.80)
	PreserveRatio float64 // share kept verbatim after a compaction (default 0.25)
	CharsPerToken int     // heuristic (default 4)
}

// imageTokens approximates the cost of one screenshot.
const imageTokens = 1600

func (p Policy) withDefaults() Policy {
	if p.Threshold == 0 {
		p.Threshold = 0.80
	}
	if p.PreserveRatio == 0 {
		p.PreserveRatio = 0.25
	}
	if p.CharsPerToken == 0 {
		p.CharsPerToken = 4
	}
	return p
}

// EstimateTokens returns a heuristic token count for a message.
func (p Policy) EstimateTokens(m *Message) int {
	return p.blockTokens(m.Content) + 4 // role and formatting overhead
}

func (p Policy) blockTokens(blocks []Block) int {
	n := 0
	for _, b := range blocks {
		switch b.Type {
		case BlockText:
			n += len(b.Text) / p.CharsPerToken
		case BlockImage:
			n += imageTokens
		case BlockToolUse:
			n += (len(b.ToolUse.Name) + len(b.ToolUse.Input)) / p.CharsPerToken
		case BlockToolResult:
			n += p.blockTokens(b.ToolResult.Content) + 2
		}
	}
	return n
}

// ViewTokens estimates the tokens of a whole view, summary included.
func (p Policy) ViewTokens(v *View) int {
	total := 0
	if v.Summary != nil {
		total += len(v.Summary.Text)/p.CharsPerToken + 4
	}
	for _, m := range v.Messages {
		total += p.EstimateTokens(m)
	}
	return total
}

// needsCompaction reports whether the view exceeds either trigger.
func (p Policy) needsCompaction(v *View) bool {
	if p.MaxMessages > 0 && len(v.Messages) > p.MaxMessages {
		return true
	}
	if p.ContextWindow > 0 {
		limit := int(float64(p.ContextWindow) * p.Threshold)
		return p.ViewTokens(v) > limit
	}
	return false
}

// findCut returns the index separating messages to summarize from the recent
// ones kept verbatim. The kept tail fits the preserve budget, and the cut is
// moved back so no kept tool_result refers to a summarized tool_use.
// Zero means nothing can be summarized.
func (p Policy) findCut(msgs []*Message) int {
	if len(msgs) <= 1 {
		return 0
	}

	cut := p.budgetCut(msgs)
	if p.MaxMessages > 0 {
		// Never keep more than the preserved share of the message cap.
		keep := max(1, int(float64(p.MaxMessages)*p.PreserveRatio))
		cut = max(cut, len(msgs)-keep)
	}
	return alignCut(msgs, cut)
}

func (p Policy) budgetCut(msgs []*Message) int {
	if p.ContextWindow <= 0 {
		return len(msgs) / 2
	}
	budget := int(float64(p.ContextWindow) * p.PreserveRatio)
	tokens := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		t := p.EstimateTokens(msgs[i])
		if tokens+t > budget && i < len(msgs)-1 {
			return i + 1
		}
		tokens += t
	}
	// Everything fits the preserve budget but a trigger fired: keep the last half.
	return len(msgs) / 2
}

// alignCut moves cut back until every tool_result at or after it references a
// tool_use at or after it.
func alignCut(msgs []*Message, cut int) int {
	useAt := make(map[string]int)
	for i, m := range msgs {
		for _, tu := range m.ToolUses() {
			useAt[tu.ID] = i
		}
	}
	for {
		moved := false
		for i := cut; i < len(msgs); i++ {
			for _, b := range msgs[i].Content {
				if b.Type != BlockToolResult {
					continue
				}
				if at, ok := useAt[b.ToolResult.ToolUseID]; ok && at < cut {
					cut = at
					moved = true
				}
			}
		}
		if !moved || cut <= 0 {
			return max(cut, 0)
		}
	}
}

// buildSummarizePrompt constructs the summarization prompt, incorporating the
// previous summary for cumulative compaction.
func buildSummarizePrompt(prev *Summary, old []*Message) string {
	var sb strings.Builder

	sb.WriteString("You are summarizing the history of a computer-use task: an AI assistant operating a desktop through mouse, keyboard and screenshot actions.\n\n")

	if prev != nil {
		sb.WriteString("## Previous Summary\n\n")
		sb.WriteString(prev.Text)
		sb.WriteString("\n\n## New Messages to Incorporate\n\n")
	} else {
		sb.WriteString("## Messages\n\n")
	}

	for _, m := range old {
		fmt.Fprintf(&sb, "[%s #%d]: %s\n\n", m.Role, m.Seq, renderBlocks(m.Content))
	}

	sb.WriteString("## Instructions\n\n")
	if prev != nil {
		sb.WriteString("Create a new comprehensive summary incorporating both the previous summary and the new messages.\n")
	} else {
		sb.WriteString("Summarize the conversation above.\n")
	}
	sb.WriteString("Preserve: the goal, progress so far, the current screen state, applications and files involved, failed attempts, and what remains to do.\n")
	sb.WriteString("Never repeat secrets or text marked sensitive.\n")
	sb.WriteString("Keep under 1500 words.\n")

	return sb.String()
}

func renderBlocks(blocks []Block) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case BlockText:
			parts = append(parts, b.Text)
		case BlockImage:
			parts = append(parts, "[screenshot]")
		case BlockToolUse:
			input := string(b.ToolUse.Input)
			if b.ToolUse.Sensitive {
				input = "<sensitive>"
			}
			parts = append(parts, fmt.Sprintf("[call %s %s]", b.ToolUse.Name, input))
		case BlockToolResult:
			label := "result"
			if b.ToolResult.IsError {
				label = "error"
			}
			parts = append(parts, fmt.Sprintf("[%s: %s]", label, renderBlocks(b.ToolResult.Content)))
		}
	}
	return strings.Join(parts, " ")
}
