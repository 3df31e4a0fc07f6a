// Package callbacks provides Eino callback handlers that bridge to the event bus.
package callbacks

import (
	"context"
	"time"

	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components/model"
	ub "github.com/cloudwego/eino/utils/callbacks"

	"github.com/dohr-michael/deskpilot/internal/events"
)

type startKey struct{}

// NewEventBusHandler creates a callback handler that publishes LLM call events
// to the bus, tagged with the task ID carried by the context.
func NewEventBusHandler(bus *events.Bus) callbacks.Handler {
	publish := func(ctx context.Context, payload events.LLMCallPayload) {
		bus.Publish(events.NewTaskEvent(events.SourceModel, payload, events.TaskIDFromContext(ctx)))
	}

	modelHandler := &ub.ModelCallbackHandler{
		OnStart: func(ctx context.Context, info *callbacks.RunInfo, input *model.CallbackInput) context.Context {
			publish(ctx, events.LLMCallPayload{
				Phase:        "request",
				Model:        modelName(info, input.Config),
				Provider:     providerOf(info),
				MessageCount: len(input.Messages),
			})
			return context.WithValue(ctx, startKey{}, time.Now())
		},

		OnEnd: func(ctx context.Context, info *callbacks.RunInfo, output *model.CallbackOutput) context.Context {
			payload := events.LLMCallPayload{
				Phase:    "response",
				Provider: providerOf(info),
				Duration: elapsed(ctx),
			}
			if output != nil {
				payload.Model = modelName(info, output.Config)
				switch {
				case output.TokenUsage != nil:
					payload.TokensInput = output.TokenUsage.PromptTokens
					payload.TokensOutput = output.TokenUsage.CompletionTokens
				case output.Message != nil && output.Message.ResponseMeta != nil && output.Message.ResponseMeta.Usage != nil:
					payload.TokensInput = output.Message.ResponseMeta.Usage.PromptTokens
					payload.TokensOutput = output.Message.ResponseMeta.Usage.CompletionTokens
				}
			}
			publish(ctx, payload)
			return ctx
		},

		OnError: func(ctx context.Context, info *callbacks.RunInfo, err error) context.Context {
			publish(ctx, events.LLMCallPayload{
				Phase:    "error",
				Model:    modelName(info, nil),
				Provider: providerOf(info),
				Duration: elapsed(ctx),
				Error:    truncatePayload(err.Error(), 1000),
			})
			return ctx
		},
	}

	return ub.NewHandlerHelper().
		ChatModel(modelHandler).
		Handler()
}

// modelName prefers the configured model over the component name, which
// custom models often leave empty.
func modelName(info *callbacks.RunInfo, cfg *model.Config) string {
	if cfg != nil && cfg.Model != "" {
		return cfg.Model
	}
	if info != nil {
		return info.Name
	}
	return ""
}

func providerOf(info *callbacks.RunInfo) string {
	if info == nil {
		return ""
	}
	return info.Type
}

func elapsed(ctx context.Context) time.Duration {
	if start, ok := ctx.Value(startKey{}).(time.Time); ok {
		return time.Since(start)
	}
	return 0
}

func truncatePayload(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "... (truncated)"
}
