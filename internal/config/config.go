package config

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for deskpilot.
type Config struct {
	Gateway      GatewayConfig      `json:"gateway" yaml:"gateway"`
	Models       ModelsConfig       `json:"models" yaml:"models"`
	Executor     ExecutorConfig     `json:"executor" yaml:"executor"`
	Loop         LoopConfig         `json:"loop" yaml:"loop"`
	Conversation ConversationConfig `json:"conversation" yaml:"conversation"`
	Events       EventsConfig       `json:"events" yaml:"events"`
	Secrets      SecretsConfig      `json:"secrets" yaml:"secrets"`
	Schedules    []ScheduleConfig   `json:"schedules,omitempty" yaml:"schedules,omitempty"`
}

// GatewayConfig holds the gateway server settings.
type GatewayConfig struct {
	Host           string `json:"host" yaml:"host"`
	Port           int    `json:"port" yaml:"port"`
	RateLimitRPM   int    `json:"rate_limit_rpm,omitempty" yaml:"rate_limit_rpm,omitempty"`     // 0 = disabled
	RateLimitBurst int    `json:"rate_limit_burst,omitempty" yaml:"rate_limit_burst,omitempty"` // default 5
}

// ModelsConfig holds model provider configuration.
type ModelsConfig struct {
	Default   string                    `json:"default" yaml:"default"`
	Providers map[string]ProviderConfig `json:"providers" yaml:"providers"`
}

// ProviderConfig configures a single LLM provider.
type ProviderConfig struct {
	Driver          string         `json:"driver" yaml:"driver"` // "anthropic", "openai", "gemini", "ollama", "mistral"
	Model           string         `json:"model" yaml:"model"`
	BaseURL         string         `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Auth            AuthConfig     `json:"auth" yaml:"auth"`
	MaxTokens       int            `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Timeout         Duration       `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Options         map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
	MaxConcurrent   int            `json:"max_concurrent,omitempty" yaml:"max_concurrent,omitempty"`
	ContextWindow   int            `json:"context_window,omitempty" yaml:"context_window,omitempty"`
	Vision          *bool          `json:"vision,omitempty" yaml:"vision,omitempty"` // nil = driver default
	DisabledActions []string       `json:"disabled_actions,omitempty" yaml:"disabled_actions,omitempty"`
}

// AuthConfig configures API key resolution.
type AuthConfig struct {
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty"` // Direct API key or ${{ .Env.VAR }} template
	Token  string `json:"token,omitempty" yaml:"token,omitempty"`     // OAuth/Bearer token
}

// ExecutorConfig points at the computer-control service.
type ExecutorConfig struct {
	BaseURL string   `json:"base_url" yaml:"base_url"`
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// RetryConfig controls bounded exponential backoff.
type RetryConfig struct {
	MaxAttempts int      `json:"max_attempts" yaml:"max_attempts"`
	BaseDelay   Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay    Duration `json:"max_delay" yaml:"max_delay"`
}

// StallConfig configures the loop stall guard.
type StallConfig struct {
	Window int    `json:"window" yaml:"window"`
	Rule   string `json:"rule" yaml:"rule"` // "repeated_observation" | "low_variety"
}

// DisplayConfig describes the remote desktop resolution given to the model.
type DisplayConfig struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// LoopConfig holds task processing loop settings.
type LoopConfig struct {
	MaxIterations   int           `json:"max_iterations" yaml:"max_iterations"`
	IterationDelay  Duration      `json:"iteration_delay,omitempty" yaml:"iteration_delay,omitempty"`
	AutoScreenshot  *bool         `json:"auto_screenshot,omitempty" yaml:"auto_screenshot,omitempty"`
	ScreenshotDelay Duration      `json:"screenshot_delay,omitempty" yaml:"screenshot_delay,omitempty"`
	ActionRetry     RetryConfig   `json:"action_retry" yaml:"action_retry"`
	ProviderRetry   RetryConfig   `json:"provider_retry" yaml:"provider_retry"`
	Stall           StallConfig   `json:"stall" yaml:"stall"`
	AllowCreateTask bool          `json:"allow_create_task,omitempty" yaml:"allow_create_task,omitempty"`
	Display         DisplayConfig `json:"display" yaml:"display"`
	SystemPrompt    string        `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
}

// ConversationConfig controls history compaction.
type ConversationConfig struct {
	MaxMessages   int     `json:"max_messages" yaml:"max_messages"`
	Threshold     float64 `json:"threshold" yaml:"threshold"`
	PreserveRatio float64 `json:"preserve_ratio" yaml:"preserve_ratio"`
	CharsPerToken int     `json:"chars_per_token" yaml:"chars_per_token"`
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`
}

// SecretsConfig controls at-rest sealing of sensitive input.
type SecretsConfig struct {
	SealSensitive bool   `json:"seal_sensitive,omitempty" yaml:"seal_sensitive,omitempty"`
	KeyFile       string `json:"key_file,omitempty" yaml:"key_file,omitempty"` // default: $DESKPILOT_PATH/.age-key
}

// ScheduleConfig declares a recurring or event-triggered task.
type ScheduleConfig struct {
	Name        string              `json:"name" yaml:"name"`
	Cron        string              `json:"cron,omitempty" yaml:"cron,omitempty"`
	OnEvent     *EventTriggerConfig `json:"on_event,omitempty" yaml:"on_event,omitempty"`
	Description string              `json:"description" yaml:"description"`
	Priority    string              `json:"priority,omitempty" yaml:"priority,omitempty"`
	Model       string              `json:"model,omitempty" yaml:"model,omitempty"`
	Cooldown    Duration            `json:"cooldown,omitempty" yaml:"cooldown,omitempty"`
}

// EventTriggerConfig matches bus events by type and payload fields.
type EventTriggerConfig struct {
	Event  string            `json:"event" yaml:"event"`
	Filter map[string]string `json:"filter,omitempty" yaml:"filter,omitempty"`
}

// Duration wraps time.Duration for JSON and YAML unmarshaling.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	dur, err := time.ParseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// Enabled reports whether an optional boolean is set to true, using def when unset.
func Enabled(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
