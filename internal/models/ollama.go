package models

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	einoollama "github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino/components/model"

	"github.com/dohr-michael/deskpilot/internal/config"
)

const (
	defaultOllamaBaseURL = "http://localhost:11434"
	defaultOllamaTimeout = 5 * time.Minute
)

// NewOllama creates an Ollama ChatModel. No auth is resolved; screenshots are
// only sent when the provider config sets vision.
func NewOllama(ctx context.Context, cfg config.ProviderConfig) (model.ToolCallingChatModel, error) {
	timeout := defaultOllamaTimeout
	if d := cfg.Timeout.Duration(); d > 0 {
		timeout = d
	}

	return einoollama.NewChatModel(ctx, &einoollama.ChatModelConfig{
		BaseURL: orDefault(cfg.BaseURL, defaultOllamaBaseURL),
		Model:   cfg.Model,
		Timeout: timeout,
		Options: ollamaOptions(cfg),
		HTTPClient: &http.Client{
			Timeout:   timeout,
			Transport: &guardTransport{inner: http.DefaultTransport, provider: "ollama"},
		},
	})
}

func ollamaOptions(cfg config.ProviderConfig) *einoollama.Options {
	opts := &einoollama.Options{NumPredict: cfg.MaxTokens}
	if v, ok := floatOption(cfg.Options, "temperature"); ok {
		opts.Temperature = float32(v)
	}
	if v, ok := floatOption(cfg.Options, "top_p"); ok {
		opts.TopP = float32(v)
	}
	if v, ok := floatOption(cfg.Options, "top_k"); ok {
		opts.TopK = int(v)
	}
	if v, ok := floatOption(cfg.Options, "num_ctx"); ok {
		opts.NumCtx = int(v)
	}
	if v, ok := floatOption(cfg.Options, "num_predict"); ok {
		opts.NumPredict = int(v)
	}
	return opts
}

// guardTransport turns transport failures, HTTP errors and non-JSON bodies
// (a reverse proxy answering in plain text) into *ErrModelUnavailable so they
// classify as retryable.
type guardTransport struct {
	inner    http.RoundTripper
	provider string
}

func (t *guardTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.inner.RoundTrip(req)
	if err != nil {
		return nil, &ErrModelUnavailable{Provider: t.provider, Cause: err}
	}

	ct := resp.Header.Get("Content-Type")
	switch {
	case resp.StatusCode >= 400:
		return nil, &ErrModelUnavailable{Provider: t.provider, Status: resp.StatusCode, Body: drain(resp)}
	case ct != "" && !strings.Contains(ct, "json"):
		// json also matches application/x-ndjson
		return nil, &ErrModelUnavailable{Provider: t.provider, Body: drain(resp)}
	}
	return resp, nil
}

// drain reads a bounded prefix of the body for the error message and closes it.
func drain(resp *http.Response) string {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return strings.TrimSpace(string(body))
}
