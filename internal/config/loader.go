package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// Load reads a JSONC (or YAML, by extension) config file, expands ${{ .Env.VAR }}
// templates, unmarshals it into Config, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := []byte(expandEnvTemplates(string(data)))

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	default:
		std, err := hujson.Standardize(expanded)
		if err != nil {
			return nil, fmt.Errorf("parse jsonc: %w", err)
		}
		if err := json.Unmarshal(std, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	ApplyDefaults(&cfg)
	return &cfg, nil
}

// expandEnvTemplates replaces ${{ .Env.VAR }} with the env var value.
func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

// ApplyDefaults fills in zero-value fields with sensible defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 18430
	}
	if cfg.Gateway.RateLimitBurst == 0 {
		cfg.Gateway.RateLimitBurst = 5
	}
	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = 1024
	}

	if cfg.Executor.BaseURL == "" {
		if v := os.Getenv("COMPUTER_CONTROL_URL"); v != "" {
			cfg.Executor.BaseURL = v
		} else {
			cfg.Executor.BaseURL = "http://computer-control:9995"
		}
	}
	if cfg.Executor.Timeout == 0 {
		cfg.Executor.Timeout = Duration(30 * time.Second)
	}

	loop := &cfg.Loop
	if loop.MaxIterations == 0 {
		loop.MaxIterations = 50
	}
	if loop.AutoScreenshot == nil {
		on := true
		loop.AutoScreenshot = &on
	}
	if loop.ScreenshotDelay == 0 {
		loop.ScreenshotDelay = Duration(750 * time.Millisecond)
	}
	defaultRetry(&loop.ActionRetry, 3, time.Second, 10*time.Second)
	defaultRetry(&loop.ProviderRetry, 3, 2*time.Second, 30*time.Second)
	if loop.Stall.Window == 0 {
		loop.Stall.Window = 4
	}
	if loop.Stall.Rule == "" {
		loop.Stall.Rule = "repeated_observation"
	}
	if loop.Display.Width == 0 || loop.Display.Height == 0 {
		loop.Display = DisplayConfig{Width: 1280, Height: 960}
	}

	conv := &cfg.Conversation
	if conv.MaxMessages == 0 {
		conv.MaxMessages = 60
	}
	if conv.Threshold == 0 {
		conv.Threshold = 0.80
	}
	if conv.PreserveRatio == 0 {
		conv.PreserveRatio = 0.25
	}
	if conv.CharsPerToken == 0 {
		conv.CharsPerToken = 4
	}

	if cfg.Secrets.KeyFile == "" {
		cfg.Secrets.KeyFile = filepath.Join(DataPath(), ".age-key")
	}

	for name, p := range cfg.Models.Providers {
		if p.MaxConcurrent <= 0 {
			p.MaxConcurrent = 1
			cfg.Models.Providers[name] = p
		}
	}
	// Auth resolution is deferred to models.ResolveAuth() at model init time.
}

func defaultRetry(r *RetryConfig, attempts int, base, max time.Duration) {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = attempts
	}
	if r.BaseDelay == 0 {
		r.BaseDelay = Duration(base)
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = Duration(max)
	}
}
