// Package conversation stores the per-task message history and its summaries.
package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dohr-michael/deskpilot/internal/actions"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// BlockType tags a content block.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// Block is one piece of message content. Exactly one payload field is set,
// matching Type.
type Block struct {
	Type       BlockType      `json:"type"`
	Text       string         `json:"text,omitempty"`
	Image      *actions.Image `json:"image,omitempty"`
	ToolUse    *ToolUse       `json:"tool_use,omitempty"`
	ToolResult *ToolResult    `json:"tool_result,omitempty"`
}

// ToolUse is a tool invocation requested by the model.
type ToolUse struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	Sensitive bool            `json:"sensitive,omitempty"`
}

// ToolResult answers the ToolUse with the same ID.
type ToolResult struct {
	ToolUseID string  `json:"tool_use_id"`
	Content   []Block `json:"content,omitempty"`
	IsError   bool    `json:"is_error,omitempty"`
}

func TextBlock(s string) Block { return Block{Type: BlockText, Text: s} }

func ImageBlock(img *actions.Image) Block { return Block{Type: BlockImage, Image: img} }

func ToolUseBlock(id, name string, input json.RawMessage, sensitive bool) Block {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	return Block{Type: BlockToolUse, ToolUse: &ToolUse{ID: id, Name: name, Input: input, Sensitive: sensitive}}
}

func ToolResultBlock(toolUseID string, isError bool, content ...Block) Block {
	return Block{Type: BlockToolResult, ToolResult: &ToolResult{ToolUseID: toolUseID, Content: content, IsError: isError}}
}

// Message is an immutable entry of a task's history.
type Message struct {
	TaskID    string    `json:"task_id"`
	Seq       int       `json:"seq"`
	Role      Role      `json:"role"`
	Content   []Block   `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Text concatenates the message's text blocks.
func (m *Message) Text() string {
	var parts []string
	for _, b := range m.Content {
		if b.Type == BlockText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ToolUses returns the tool_use blocks of the message in order.
func (m *Message) ToolUses() []*ToolUse {
	var out []*ToolUse
	for _, b := range m.Content {
		if b.Type == BlockToolUse && b.ToolUse != nil {
			out = append(out, b.ToolUse)
		}
	}
	return out
}

// Summary condenses every message of a task up to ThroughSeq. Each summary
// incorporates its parent.
type Summary struct {
	ID         int64     `json:"id"`
	TaskID     string    `json:"task_id"`
	ParentID   int64     `json:"parent_id,omitempty"`
	ThroughSeq int       `json:"through_seq"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"created_at"`
}

// View is what the model sees: the latest summary and the messages after it.
type View struct {
	Summary  *Summary   `json:"summary,omitempty"`
	Messages []*Message `json:"messages"`
}

// ErrOrphanToolResult means a tool_result has no earlier matching tool_use.
var ErrOrphanToolResult = errors.New("tool result without matching tool use")

// ValidateHistory checks that every tool_result references a tool_use that
// appears earlier in msgs.
func ValidateHistory(msgs []*Message) error {
	seen := make(map[string]bool)
	for _, m := range msgs {
		for _, b := range m.Content {
			switch b.Type {
			case BlockToolUse:
				if b.ToolUse != nil {
					seen[b.ToolUse.ID] = true
				}
			case BlockToolResult:
				if b.ToolResult == nil || !seen[b.ToolResult.ToolUseID] {
					id := ""
					if b.ToolResult != nil {
						id = b.ToolResult.ToolUseID
					}
					return fmt.Errorf("%w: seq %d references %q", ErrOrphanToolResult, m.Seq, id)
				}
			}
		}
	}
	return nil
}

// UnansweredToolUses returns the tool_use blocks in msgs that no later
// tool_result answers, in order. A crash between dispatch and append leaves
// such calls behind.
func UnansweredToolUses(msgs []*Message) []*ToolUse {
	answered := make(map[string]bool)
	for _, m := range msgs {
		for _, b := range m.Content {
			if b.Type == BlockToolResult && b.ToolResult != nil {
				answered[b.ToolResult.ToolUseID] = true
			}
		}
	}
	var out []*ToolUse
	for _, m := range msgs {
		for _, tu := range m.ToolUses() {
			if !answered[tu.ID] {
				out = append(out, tu)
			}
		}
	}
	return out
}
