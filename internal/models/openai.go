package models

import (
	"context"
	"time"

	einoopenai "github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"

	"github.com/dohr-michael/deskpilot/internal/config"
)

// compatDefaults are the per-vendor fallbacks of an OpenAI-compatible driver.
type compatDefaults struct {
	baseURL string
	model   string
	timeout time.Duration
}

var (
	openAIDefaults  = compatDefaults{model: "gpt-4.1", timeout: 2 * time.Minute}
	mistralDefaults = compatDefaults{baseURL: "https://api.mistral.ai/v1", model: "mistral-medium-latest", timeout: 5 * time.Minute}
)

// NewOpenAI creates an OpenAI ChatModel. A base_url points it at any
// OpenAI-compatible endpoint.
func NewOpenAI(ctx context.Context, cfg config.ProviderConfig, auth ResolvedAuth) (model.ToolCallingChatModel, error) {
	return newOpenAICompatible(ctx, cfg, auth, openAIDefaults)
}

// NewMistral creates a Mistral ChatModel through its OpenAI-compatible API.
func NewMistral(ctx context.Context, cfg config.ProviderConfig, auth ResolvedAuth) (model.ToolCallingChatModel, error) {
	return newOpenAICompatible(ctx, cfg, auth, mistralDefaults)
}

func newOpenAICompatible(ctx context.Context, cfg config.ProviderConfig, auth ResolvedAuth, def compatDefaults) (model.ToolCallingChatModel, error) {
	mc := &einoopenai.ChatModelConfig{
		APIKey:  auth.Value,
		Model:   orDefault(cfg.Model, def.model),
		BaseURL: orDefault(cfg.BaseURL, def.baseURL),
		Timeout: def.timeout,
	}
	if d := cfg.Timeout.Duration(); d > 0 {
		mc.Timeout = d
	}
	if cfg.MaxTokens > 0 {
		n := cfg.MaxTokens
		mc.MaxCompletionTokens = &n
	}
	if v, ok := floatOption(cfg.Options, "temperature"); ok {
		t := float32(v)
		mc.Temperature = &t
	}
	if v, ok := floatOption(cfg.Options, "top_p"); ok {
		p := float32(v)
		mc.TopP = &p
	}
	return einoopenai.NewChatModel(ctx, mc)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// floatOption reads a numeric provider option. JSON and YAML decode numbers
// differently, so both float64 and int are accepted.
func floatOption(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}
