package models

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/cloudwego/eino/schema"

	"github.com/dohr-michael/deskpilot/internal/actions"
	"github.com/dohr-michael/deskpilot/internal/config"
	"github.com/dohr-michael/deskpilot/internal/conversation"
)

func call(id, name, args string) schema.ToolCall {
	return schema.ToolCall{ID: id, Function: schema.FunctionCall{Name: name, Arguments: args}}
}

func TestParseOutput(t *testing.T) {
	tests := []struct {
		name      string
		msg       *schema.Message
		wantKind  OutputKind
		wantText  string
		wantCalls int
		wantErr   error
	}{
		{
			name:     "text",
			msg:      schema.AssistantMessage("Looking at the screen.", nil),
			wantKind: OutputText,
			wantText: "Looking at the screen.",
		},
		{
			name:    "empty",
			msg:     schema.AssistantMessage("  ", nil),
			wantErr: ErrProviderMalformedOutput,
		},
		{
			name: "calls in order",
			msg: schema.AssistantMessage("Clicking.", []schema.ToolCall{
				call("a", "computer_click_mouse", `{"coordinates":{"x":1,"y":2}}`),
				call("b", "computer_screenshot", ``),
			}),
			wantKind:  OutputToolCalls,
			wantText:  "Clicking.",
			wantCalls: 2,
		},
		{
			name:     "completed",
			msg:      schema.AssistantMessage("", []schema.ToolCall{call("s", ToolSetTaskStatus, `{"status":"completed","description":"Clicked OK"}`)}),
			wantKind: OutputComplete,
			wantText: "Clicked OK",
		},
		{
			name:     "needs help falls back to text",
			msg:      schema.AssistantMessage("I need the password.", []schema.ToolCall{call("s", ToolSetTaskStatus, `{"status":"needs_help"}`)}),
			wantKind: OutputNeedsHelp,
			wantText: "I need the password.",
		},
		{
			name: "status next to actions is dropped",
			msg: schema.AssistantMessage("", []schema.ToolCall{
				call("a", "computer_click_mouse", `{}`),
				call("s", ToolSetTaskStatus, `{"status":"completed","description":"done"}`),
			}),
			wantKind:  OutputToolCalls,
			wantCalls: 1,
		},
		{
			name:    "bad status",
			msg:     schema.AssistantMessage("", []schema.ToolCall{call("s", ToolSetTaskStatus, `{"status":"paused"}`)}),
			wantErr: ErrProviderMalformedOutput,
		},
		{
			name:    "invalid arguments",
			msg:     schema.AssistantMessage("", []schema.ToolCall{call("a", "computer_click_mouse", `{"coordinates":`)}),
			wantErr: ErrProviderMalformedOutput,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := parseOutput("p", tt.msg)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseOutput: %v", err)
			}
			if out.Kind != tt.wantKind {
				t.Errorf("kind: got %s, want %s", out.Kind, tt.wantKind)
			}
			if out.Text != tt.wantText {
				t.Errorf("text: got %q, want %q", out.Text, tt.wantText)
			}
			if len(out.Calls) != tt.wantCalls {
				t.Errorf("calls: got %d, want %d", len(out.Calls), tt.wantCalls)
			}
		})
	}
}

func TestParseOutput_CallDetails(t *testing.T) {
	out, err := parseOutput("p", schema.AssistantMessage("", []schema.ToolCall{
		call("", "computer_type_text", `{"text":"hunter2","sensitive":true}`),
		call("c2", "computer_click_mouse", `{"clickCount":2}`),
	}))
	if err != nil {
		t.Fatal(err)
	}
	first := out.Calls[0]
	if first.ID == "" {
		t.Error("expected a generated call id")
	}
	if first.Kind != actions.TypeText || !first.Sensitive() {
		t.Errorf("expected sensitive type_text, got %+v", first)
	}
	if out.Calls[1].ID != "c2" || out.Calls[1].Kind != actions.ClickMouse {
		t.Errorf("unexpected second call %+v", out.Calls[1])
	}
	if out.Calls[1].Sensitive() {
		t.Error("click must not be sensitive")
	}
}

func TestNextStep(t *testing.T) {
	chat := &fakeChat{reply: &schema.Message{
		Role:      schema.Assistant,
		ToolCalls: []schema.ToolCall{call("c1", "computer_screenshot", `{}`)},
		ResponseMeta: &schema.ResponseMeta{
			Usage: &schema.TokenUsage{PromptTokens: 120, CompletionTokens: 8},
		},
	}}
	a := NewAdapter("main", config.ProviderConfig{Driver: "anthropic", DisabledActions: []string{"write_file"}}, chat)

	view := &conversation.View{Messages: []*conversation.Message{
		{Seq: 1, Role: conversation.RoleUser, Content: []conversation.Block{conversation.TextBlock("Open Firefox")}},
	}}
	out, err := a.NextStep(context.Background(), StepInput{System: "sys", View: view, AllowCreateTask: true})
	if err != nil {
		t.Fatalf("NextStep: %v", err)
	}
	if out.Kind != OutputToolCalls || out.Calls[0].Kind != actions.Screenshot {
		t.Errorf("unexpected output %+v", out)
	}
	if out.Usage != (Usage{Input: 120, Output: 8}) {
		t.Errorf("usage: got %+v", out.Usage)
	}

	var names []string
	for _, tool := range chat.tools {
		names = append(names, tool.Name)
	}
	for _, want := range []string{"computer_screenshot", "computer_click_mouse", ToolSetTaskStatus, ToolCreateTask} {
		if !slices.Contains(names, want) {
			t.Errorf("expected tool %s to be offered, got %v", want, names)
		}
	}
	if slices.Contains(names, "computer_write_file") {
		t.Error("disabled action was offered")
	}
	if len(chat.got) != 2 || chat.got[0].Role != schema.System {
		t.Errorf("unexpected request messages: %+v", chat.got)
	}
}

func TestNextStep_NoVisionDropsScreenshot(t *testing.T) {
	chat := &fakeChat{reply: schema.AssistantMessage("ok", nil)}
	a := NewAdapter("local", config.ProviderConfig{Driver: "ollama"}, chat)

	if _, err := a.NextStep(context.Background(), StepInput{}); err != nil {
		t.Fatalf("NextStep: %v", err)
	}
	for _, tool := range chat.tools {
		if tool.Name == "computer_screenshot" {
			t.Fatal("screenshot offered to a text-only model")
		}
		if tool.Name == ToolCreateTask {
			t.Fatal("create_task offered without permission")
		}
	}
}

func TestNextStep_ClassifiesErrors(t *testing.T) {
	chat := &fakeChat{err: errors.New("error, status code: 401, message: bad key")}
	a := NewAdapter("main", config.ProviderConfig{Driver: "openai"}, chat)

	_, err := a.NextStep(context.Background(), StepInput{})
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Provider != "main" || !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected unavailable ProviderError from main, got %v", err)
	}
}
