package models

import (
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/dohr-michael/deskpilot/internal/actions"
	"github.com/dohr-michael/deskpilot/internal/conversation"
)

const (
	summaryHeader    = "[Previous conversation summary]\n\n"
	continuePrompt   = "Continue."
	imagePlaceholder = "[image omitted: this model does not accept images]"
	extraIsError     = "is_error"
	emptyToolResult  = "[OK]"
	toolErrorPrefix  = "Error: "
)

// toSchemaMessages renders a conversation view in eino's message format.
// Images attached to tool results follow the run of tool messages in a
// single user message, since tool messages carry text only.
func toSchemaMessages(system string, view *conversation.View, vision bool) []*schema.Message {
	out := make([]*schema.Message, 0, len(view.Messages)+3)
	if system != "" {
		out = append(out, schema.SystemMessage(system))
	}
	if view.Summary != nil && view.Summary.Text != "" {
		out = append(out, schema.UserMessage(summaryHeader+view.Summary.Text))
	}

	var pending []schema.ChatMessagePart
	flush := func() {
		if len(pending) == 0 {
			return
		}
		out = append(out, &schema.Message{Role: schema.User, MultiContent: pending})
		pending = nil
	}

	for _, m := range view.Messages {
		if m.Role != conversation.RoleTool {
			flush()
		}
		switch m.Role {
		case conversation.RoleUser:
			out = append(out, userMessage(m.Content, vision))
		case conversation.RoleAssistant:
			out = append(out, assistantMessage(m))
		case conversation.RoleTool:
			for _, b := range m.Content {
				if b.Type != conversation.BlockToolResult || b.ToolResult == nil {
					continue
				}
				msg, images := toolMessage(b.ToolResult, vision)
				out = append(out, msg)
				pending = append(pending, images...)
			}
		}
	}
	flush()

	if n := len(out); n > 0 && out[n-1].Role == schema.Assistant {
		out = append(out, schema.UserMessage(continuePrompt))
	}
	return out
}

func userMessage(blocks []conversation.Block, vision bool) *schema.Message {
	var parts []schema.ChatMessagePart
	hasImage := false
	for _, b := range blocks {
		switch b.Type {
		case conversation.BlockText:
			parts = append(parts, textPart(b.Text))
		case conversation.BlockImage:
			if vision && b.Image != nil {
				parts = append(parts, imagePart(b.Image))
				hasImage = true
			} else {
				parts = append(parts, textPart(imagePlaceholder))
			}
		}
	}
	if !hasImage {
		return schema.UserMessage(joinParts(parts))
	}
	return &schema.Message{Role: schema.User, MultiContent: parts}
}

func assistantMessage(m *conversation.Message) *schema.Message {
	var calls []schema.ToolCall
	for _, tu := range m.ToolUses() {
		calls = append(calls, schema.ToolCall{
			ID:   tu.ID,
			Type: "function",
			Function: schema.FunctionCall{
				Name:      tu.Name,
				Arguments: string(tu.Input),
			},
		})
	}
	return schema.AssistantMessage(m.Text(), calls)
}

// toolMessage renders one tool result. Image content is returned separately
// so the caller can attach it after the tool messages.
func toolMessage(r *conversation.ToolResult, vision bool) (*schema.Message, []schema.ChatMessagePart) {
	var text []string
	var images []schema.ChatMessagePart
	for _, b := range r.Content {
		switch b.Type {
		case conversation.BlockText:
			if b.Text != "" {
				text = append(text, b.Text)
			}
		case conversation.BlockImage:
			if !vision || b.Image == nil {
				text = append(text, imagePlaceholder)
				continue
			}
			images = append(images,
				textPart(fmt.Sprintf("Screenshot returned by tool call %s:", r.ToolUseID)),
				imagePart(b.Image))
		}
	}

	content := strings.Join(text, "\n")
	switch {
	case r.IsError:
		content = toolErrorPrefix + content
	case content == "" && len(images) > 0:
		content = "Screenshot attached below."
	case content == "":
		content = emptyToolResult
	}

	msg := schema.ToolMessage(content, r.ToolUseID)
	msg.Extra = map[string]any{extraIsError: r.IsError}
	return msg, images
}

func textPart(s string) schema.ChatMessagePart {
	return schema.ChatMessagePart{Type: schema.ChatMessagePartTypeText, Text: s}
}

func imagePart(img *actions.Image) schema.ChatMessagePart {
	mediaType := img.MediaType
	if mediaType == "" {
		mediaType = "image/png"
	}
	return schema.ChatMessagePart{
		Type: schema.ChatMessagePartTypeImageURL,
		ImageURL: &schema.ChatMessageImageURL{
			URL:      "data:" + mediaType + ";base64," + img.Data,
			MIMEType: mediaType,
		},
	}
}

func joinParts(parts []schema.ChatMessagePart) string {
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Type == schema.ChatMessagePartTypeText && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// splitDataURL extracts the media type and base64 payload of a data URL.
func splitDataURL(url string) (mediaType, data string, ok bool) {
	rest, found := strings.CutPrefix(url, "data:")
	if !found {
		return "", "", false
	}
	meta, data, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	mediaType, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return "", "", false
	}
	return mediaType, data, true
}
