package models

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"github.com/dohr-michael/deskpilot/internal/actions"
	"github.com/dohr-michael/deskpilot/internal/config"
	"github.com/dohr-michael/deskpilot/internal/conversation"
)

// OutputKind tags the variant of Output.
type OutputKind int

const (
	OutputText OutputKind = iota
	OutputToolCalls
	OutputComplete
	OutputNeedsHelp
)

func (k OutputKind) String() string {
	switch k {
	case OutputText:
		return "text"
	case OutputToolCalls:
		return "tool_calls"
	case OutputComplete:
		return "complete"
	case OutputNeedsHelp:
		return "needs_help"
	default:
		return fmt.Sprintf("OutputKind(%d)", int(k))
	}
}

// ToolCall is one call requested by the model. Kind is set for computer_* tools.
type ToolCall struct {
	ID        string
	Name      string
	Kind      actions.Kind
	Arguments map[string]any
	Raw       json.RawMessage
}

// Sensitive reports whether the call carries text flagged as secret.
func (c ToolCall) Sensitive() bool {
	s, _ := c.Arguments["sensitive"].(bool)
	return c.Kind == actions.TypeText && s
}

// Usage is the token count of one provider call.
type Usage struct {
	Input  int
	Output int
}

// Output is the interpreted result of one step.
type Output struct {
	Kind  OutputKind
	Text  string     // assistant text, completion summary or help reason
	Calls []ToolCall // in execution order
	Usage Usage
}

// StepInput is what the loop hands to the provider for one step.
type StepInput struct {
	System          string
	View            *conversation.View
	Actions         []actions.Kind // nil offers every known kind
	AllowCreateTask bool
}

// Adapter exposes one configured provider behind a uniform step interface.
type Adapter struct {
	name   string
	driver string
	model  string
	chat   model.ToolCallingChatModel
	caps   Capabilities
}

// NewAdapter wraps a chat model built for cfg.
func NewAdapter(name string, cfg config.ProviderConfig, chat model.ToolCallingChatModel) *Adapter {
	return &Adapter{
		name:   name,
		driver: strings.ToLower(cfg.Driver),
		model:  cfg.Model,
		chat:   chat,
		caps:   capabilitiesFor(cfg),
	}
}

func (a *Adapter) Name() string { return a.name }

// SupportsImages reports whether images are sent to the provider.
func (a *Adapter) SupportsImages() bool { return a.caps.Vision }

// OfferedActions returns the subset of kinds the provider is offered.
func (a *Adapter) OfferedActions(kinds []actions.Kind) []actions.Kind {
	if kinds == nil {
		kinds = actions.Kinds()
	}
	return a.caps.Filter(kinds)
}

// NextStep asks the provider for the next step of a task.
func (a *Adapter) NextStep(ctx context.Context, in StepInput) (*Output, error) {
	if in.View == nil {
		in.View = &conversation.View{}
	}
	tools := BuildTools(a.OfferedActions(in.Actions), in.AllowCreateTask)
	chat, err := a.chat.WithTools(tools)
	if err != nil {
		return nil, &ProviderError{Kind: ErrProviderRejected, Provider: a.name, Reason: "tool schema", Cause: err}
	}

	msg, err := chat.Generate(ctx, toSchemaMessages(in.System, in.View, a.caps.Vision))
	if err != nil {
		return nil, Classify(a.name, err)
	}
	out, err := parseOutput(a.name, msg)
	if err != nil {
		return nil, err
	}
	out.Usage = usageOf(msg)
	return out, nil
}

// Summarize runs a tool-less call and returns the response text.
func (a *Adapter) Summarize(ctx context.Context, prompt string) (string, error) {
	msg, err := a.chat.Generate(ctx, []*schema.Message{schema.UserMessage(prompt)})
	if err != nil {
		return "", Classify(a.name, err)
	}
	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return "", malformed(a.name, "empty summary")
	}
	return text, nil
}

func parseOutput(provider string, msg *schema.Message) (*Output, error) {
	if msg == nil {
		return nil, malformed(provider, "no message")
	}
	text := strings.TrimSpace(msg.Content)
	if len(msg.ToolCalls) == 0 {
		if text == "" {
			return nil, malformed(provider, "empty response")
		}
		return &Output{Kind: OutputText, Text: text}, nil
	}

	var status *ToolCall
	calls := make([]ToolCall, 0, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		call, err := parseToolCall(provider, tc)
		if err != nil {
			return nil, err
		}
		if call.Name == ToolSetTaskStatus {
			if status == nil {
				status = &call
			}
			continue
		}
		calls = append(calls, call)
	}

	// A status change next to actions is premature; the actions run and the
	// model can report the status on a later step.
	if len(calls) > 0 {
		return &Output{Kind: OutputToolCalls, Text: text, Calls: calls}, nil
	}

	st, _ := status.Arguments["status"].(string)
	desc, _ := status.Arguments["description"].(string)
	desc = strings.TrimSpace(desc)
	if desc == "" {
		desc = text
	}
	switch st {
	case StatusCompleted:
		return &Output{Kind: OutputComplete, Text: desc}, nil
	case StatusNeedsHelp:
		return &Output{Kind: OutputNeedsHelp, Text: desc}, nil
	default:
		return nil, malformed(provider, "set_task_status with status %q", st)
	}
}

func parseToolCall(provider string, tc schema.ToolCall) (ToolCall, error) {
	name := tc.Function.Name
	if name == "" {
		return ToolCall{}, malformed(provider, "tool call without name")
	}
	raw := strings.TrimSpace(tc.Function.Arguments)
	if raw == "" {
		raw = "{}"
	}
	args := map[string]any{}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&args); err != nil {
		return ToolCall{}, malformed(provider, "invalid arguments for %s: %v", name, err)
	}
	if args == nil {
		args = map[string]any{}
	}

	id := tc.ID
	if id == "" {
		// Some drivers (ollama, gemini) omit call IDs.
		id = "call_" + uuid.NewString()
	}
	kind, _ := KindForTool(name)
	return ToolCall{ID: id, Name: name, Kind: kind, Arguments: args, Raw: json.RawMessage(raw)}, nil
}

func usageOf(msg *schema.Message) Usage {
	if msg.ResponseMeta == nil || msg.ResponseMeta.Usage == nil {
		return Usage{}
	}
	return Usage{Input: msg.ResponseMeta.Usage.PromptTokens, Output: msg.ResponseMeta.Usage.CompletionTokens}
}
