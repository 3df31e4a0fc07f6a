package models

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"

	"github.com/dohr-michael/deskpilot/internal/config"
)

const defaultGeminiModel = "gemini-2.5-flash"

// NewGemini creates a Gemini ChatModel on the Gemini API backend.
func NewGemini(ctx context.Context, cfg config.ProviderConfig, auth ResolvedAuth) (model.ToolCallingChatModel, error) {
	modelName := cfg.Model
	if modelName == "" {
		modelName = defaultGeminiModel
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  auth.Value,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" || cfg.Timeout.Duration() > 0 {
		opts := genai.HTTPOptions{BaseURL: cfg.BaseURL}
		if d := cfg.Timeout.Duration(); d > 0 {
			opts.Timeout = &d
		}
		clientCfg.HTTPOptions = opts
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}

	modelConfig := &gemini.Config{
		Client: client,
		Model:  modelName,
	}
	if cfg.MaxTokens > 0 {
		maxTokens := cfg.MaxTokens
		modelConfig.MaxTokens = &maxTokens
	}
	if v, ok := floatOption(cfg.Options, "temperature"); ok {
		t := float32(v)
		modelConfig.Temperature = &t
	}

	return gemini.NewChatModel(ctx, modelConfig)
}
