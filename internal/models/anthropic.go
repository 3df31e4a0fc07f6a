package models

import (
	"context"
	"encoding/json"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"
	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/dohr-michael/deskpilot/internal/config"
)

const (
	defaultAnthropicModel     = "claude-sonnet-4-6"
	defaultAnthropicMaxTokens = 4096
)

// AnthropicChatModel implements model.ToolCallingChatModel on Anthropic's SDK.
// Unlike the generic drivers it keeps tool_result error flags and sends
// screenshots as base64 image blocks.
type AnthropicChatModel struct {
	client    anthropic.Client
	modelName string
	maxTokens int
	tools     []*schema.ToolInfo
}

// NewAnthropic creates a new Anthropic ToolCallingChatModel.
func NewAnthropic(_ context.Context, cfg config.ProviderConfig, auth ResolvedAuth) (model.ToolCallingChatModel, error) {
	modelName := cfg.Model
	if modelName == "" {
		modelName = defaultAnthropicModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	var opts []option.RequestOption
	switch auth.Kind {
	case AuthBearerToken:
		opts = append(opts, option.WithAuthToken(auth.Value))
	default:
		opts = append(opts, option.WithAPIKey(auth.Value))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	timeout := cfg.Timeout.Duration()
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	// Retries belong to the task loop.
	opts = append(opts, option.WithRequestTimeout(timeout), option.WithMaxRetries(0))

	return &AnthropicChatModel{
		client:    anthropic.NewClient(opts...),
		modelName: modelName,
		maxTokens: maxTokens,
	}, nil
}

func (m *AnthropicChatModel) Generate(ctx context.Context, messages []*schema.Message, opts ...model.Option) (outMsg *schema.Message, err error) {
	ctx = callbacks.EnsureRunInfo(ctx, "Anthropic", components.ComponentOfChatModel)

	cbInput := &model.CallbackInput{
		Messages: messages,
		Tools:    m.tools,
		Config:   &model.Config{Model: m.modelName},
	}
	ctx = callbacks.OnStart(ctx, cbInput)
	defer func() {
		if err != nil {
			callbacks.OnError(ctx, err)
		}
	}()

	resp, err := m.client.Messages.New(ctx, m.buildParams(messages, opts))
	if err != nil {
		return nil, Classify("anthropic", err)
	}

	outMsg = convertAnthropicResponse(resp)
	callbacks.OnEnd(ctx, &model.CallbackOutput{
		Message: outMsg,
		Config:  cbInput.Config,
		TokenUsage: &model.TokenUsage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	})
	return outMsg, nil
}

// Stream is not used by the task loop; it yields the Generate result as a
// single chunk.
func (m *AnthropicChatModel) Stream(ctx context.Context, messages []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, messages, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func (m *AnthropicChatModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return &AnthropicChatModel{
		client:    m.client,
		modelName: m.modelName,
		maxTokens: m.maxTokens,
		tools:     tools,
	}, nil
}

func (m *AnthropicChatModel) buildParams(messages []*schema.Message, opts []model.Option) anthropic.MessageNewParams {
	options := model.GetCommonOptions(&model.Options{MaxTokens: &m.maxTokens}, opts...)
	maxTokens := m.maxTokens
	if options.MaxTokens != nil && *options.MaxTokens > 0 {
		maxTokens = *options.MaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(m.modelName),
		MaxTokens: int64(maxTokens),
	}
	if options.Temperature != nil {
		params.Temperature = param.NewOpt(float64(*options.Temperature))
	}

	var turns []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == schema.System {
			params.System = append(params.System, anthropic.TextBlockParam{Text: msg.Content})
			continue
		}
		turn := convertAnthropicMessage(msg)
		if len(turn.Content) == 0 {
			continue
		}
		// The API requires alternating roles: tool results, follow-up images
		// and summaries all land in the same user turn.
		if n := len(turns); n > 0 && turns[n-1].Role == turn.Role {
			turns[n-1].Content = append(turns[n-1].Content, turn.Content...)
			continue
		}
		turns = append(turns, turn)
	}
	params.Messages = turns

	for _, tool := range m.tools {
		toolParam := anthropic.ToolUnionParamOfTool(anthropicToolSchema(tool), tool.Name)
		if toolParam.OfTool != nil {
			toolParam.OfTool.Description = param.NewOpt(tool.Desc)
		}
		params.Tools = append(params.Tools, toolParam)
	}
	return params
}

func anthropicToolSchema(tool *schema.ToolInfo) anthropic.ToolInputSchemaParam {
	inputSchema := anthropic.ToolInputSchemaParam{}
	if tool.ParamsOneOf == nil {
		return inputSchema
	}
	jsonSchema, err := tool.ParamsOneOf.ToJSONSchema()
	if err != nil || jsonSchema == nil {
		return inputSchema
	}
	raw, err := json.Marshal(jsonSchema)
	if err != nil {
		return inputSchema
	}
	var decoded struct {
		Properties any      `json:"properties"`
		Required   []string `json:"required"`
	}
	if json.Unmarshal(raw, &decoded) != nil {
		return inputSchema
	}
	inputSchema.Properties = decoded.Properties
	inputSchema.Required = decoded.Required
	return inputSchema
}

func convertAnthropicMessage(msg *schema.Message) anthropic.MessageParam {
	switch msg.Role {
	case schema.Assistant:
		var blocks []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
		}
		for _, tc := range msg.ToolCalls {
			var input any
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil || input == nil {
				input = map[string]any{}
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Function.Name))
		}
		return anthropic.NewAssistantMessage(blocks...)

	case schema.Tool:
		isError, _ := msg.Extra[extraIsError].(bool)
		return anthropic.NewUserMessage(anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, isError))

	default:
		if len(msg.MultiContent) == 0 {
			if msg.Content == "" {
				return anthropic.MessageParam{Role: anthropic.MessageParamRoleUser}
			}
			return anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content))
		}
		var blocks []anthropic.ContentBlockParamUnion
		for _, part := range msg.MultiContent {
			switch part.Type {
			case schema.ChatMessagePartTypeText:
				if part.Text != "" {
					blocks = append(blocks, anthropic.NewTextBlock(part.Text))
				}
			case schema.ChatMessagePartTypeImageURL:
				if part.ImageURL == nil {
					continue
				}
				if mediaType, data, ok := splitDataURL(part.ImageURL.URL); ok {
					blocks = append(blocks, anthropic.NewImageBlockBase64(mediaType, data))
				}
			}
		}
		return anthropic.NewUserMessage(blocks...)
	}
}

func convertAnthropicResponse(resp *anthropic.Message) *schema.Message {
	result := &schema.Message{
		Role: schema.Assistant,
		ResponseMeta: &schema.ResponseMeta{
			Usage: &schema.TokenUsage{
				PromptTokens:     int(resp.Usage.InputTokens),
				CompletionTokens: int(resp.Usage.OutputTokens),
				TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
			},
		},
	}

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			result.Content += block.Text
		case "tool_use":
			args := "{}"
			if raw, err := json.Marshal(block.Input); err == nil && string(raw) != "null" {
				args = string(raw)
			}
			result.ToolCalls = append(result.ToolCalls, schema.ToolCall{
				ID:       block.ID,
				Type:     "function",
				Function: schema.FunctionCall{Name: block.Name, Arguments: args},
			})
		}
	}

	switch resp.StopReason {
	case anthropic.StopReasonToolUse:
		result.ResponseMeta.FinishReason = "tool_calls"
	case anthropic.StopReasonMaxTokens:
		result.ResponseMeta.FinishReason = "length"
	default:
		result.ResponseMeta.FinishReason = "stop"
	}
	return result
}

var _ model.ToolCallingChatModel = (*AnthropicChatModel)(nil)
