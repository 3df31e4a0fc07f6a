package models

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/cloudwego/eino/schema"

	"github.com/dohr-michael/deskpilot/internal/actions"
	"github.com/dohr-michael/deskpilot/internal/conversation"
)

var png = &actions.Image{MediaType: "image/png", Data: "iVBORw0KGgo="}

func toolTurnView() *conversation.View {
	return &conversation.View{
		Summary: &conversation.Summary{ThroughSeq: 4, Text: "Firefox is open."},
		Messages: []*conversation.Message{
			{Seq: 5, Role: conversation.RoleAssistant, Content: []conversation.Block{
				conversation.TextBlock("Clicking and looking."),
				conversation.ToolUseBlock("c1", "computer_click_mouse", json.RawMessage(`{"coordinates":{"x":10,"y":20}}`), false),
				conversation.ToolUseBlock("c2", "computer_screenshot", nil, false),
			}},
			{Seq: 6, Role: conversation.RoleTool, Content: []conversation.Block{
				conversation.ToolResultBlock("c1", true, conversation.TextBlock("target_application_error: window closed")),
			}},
			{Seq: 7, Role: conversation.RoleTool, Content: []conversation.Block{
				conversation.ToolResultBlock("c2", false, conversation.ImageBlock(png)),
			}},
			{Seq: 8, Role: conversation.RoleAssistant, Content: []conversation.Block{conversation.TextBlock("The window closed.")}},
		},
	}
}

func TestToSchemaMessages(t *testing.T) {
	msgs := toSchemaMessages("sys", toolTurnView(), true)

	roles := make([]schema.RoleType, len(msgs))
	for i, m := range msgs {
		roles[i] = m.Role
	}
	want := []schema.RoleType{schema.System, schema.User, schema.Assistant, schema.Tool, schema.Tool, schema.User, schema.Assistant, schema.User}
	if len(roles) != len(want) {
		t.Fatalf("roles: got %v, want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("roles: got %v, want %v", roles, want)
		}
	}

	if !strings.HasPrefix(msgs[1].Content, summaryHeader) {
		t.Errorf("expected summary message, got %q", msgs[1].Content)
	}
	if len(msgs[2].ToolCalls) != 2 || msgs[2].ToolCalls[1].Function.Arguments != "{}" {
		t.Errorf("unexpected tool calls: %+v", msgs[2].ToolCalls)
	}
	if msgs[3].ToolCallID != "c1" || !strings.HasPrefix(msgs[3].Content, toolErrorPrefix) || msgs[3].Extra[extraIsError] != true {
		t.Errorf("unexpected error tool message: %+v", msgs[3])
	}
	if msgs[4].ToolCallID != "c2" || msgs[4].Content == "" {
		t.Errorf("unexpected image tool message: %+v", msgs[4])
	}
	img := msgs[5].MultiContent
	if len(img) != 2 || img[1].ImageURL == nil || img[1].ImageURL.URL != "data:image/png;base64,"+png.Data {
		t.Errorf("expected deferred image part, got %+v", img)
	}
	if msgs[7].Content != continuePrompt {
		t.Errorf("expected trailing continue prompt, got %q", msgs[7].Content)
	}
}

func TestToSchemaMessages_NoVision(t *testing.T) {
	msgs := toSchemaMessages("", toolTurnView(), false)
	for _, m := range msgs {
		if len(m.MultiContent) > 0 {
			t.Fatalf("unexpected image content for text-only model: %+v", m)
		}
	}
	// summary, assistant, tool, tool, assistant, continue
	if len(msgs) != 6 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if !strings.Contains(msgs[3].Content, imagePlaceholder) {
		t.Errorf("expected placeholder, got %q", msgs[3].Content)
	}
}

func TestSplitDataURL(t *testing.T) {
	mt, data, ok := splitDataURL("data:image/jpeg;base64,abc=")
	if !ok || mt != "image/jpeg" || data != "abc=" {
		t.Errorf("got (%q, %q, %v)", mt, data, ok)
	}
	if _, _, ok := splitDataURL("https://example.com/a.png"); ok {
		t.Error("expected non-data URL to be rejected")
	}
}

func TestAnthropicBuildParams_MergesTurns(t *testing.T) {
	m := &AnthropicChatModel{modelName: "claude-test", maxTokens: 1024}
	params := m.buildParams(toSchemaMessages("sys", toolTurnView(), true), nil)

	if len(params.System) != 1 || params.System[0].Text != "sys" {
		t.Errorf("unexpected system: %+v", params.System)
	}
	// summary | assistant | tool results + image | assistant | continue
	if len(params.Messages) != 5 {
		t.Fatalf("got %d turns, want 5", len(params.Messages))
	}
	for i := 1; i < len(params.Messages); i++ {
		if params.Messages[i].Role == params.Messages[i-1].Role {
			t.Fatalf("turns %d and %d share role %s", i-1, i, params.Messages[i].Role)
		}
	}

	results := params.Messages[2]
	if results.Role != anthropic.MessageParamRoleUser || len(results.Content) != 4 {
		t.Fatalf("unexpected tool result turn: %+v", results)
	}
	if results.Content[0].OfToolResult == nil || results.Content[1].OfToolResult == nil {
		t.Error("expected tool results first")
	}
	if results.Content[3].OfImage == nil {
		t.Error("expected screenshot as image block")
	}
}
