package models

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/dohr-michael/deskpilot/internal/config"
)

// defaultContextWindows maps known model prefixes to their context window sizes.
var defaultContextWindows = map[string]int{
	"claude-opus-4":     200000,
	"claude-sonnet-4":   200000,
	"claude-haiku-4":    200000,
	"claude-3-7-sonnet": 200000,
	"gpt-4.1":           1047576,
	"gpt-4o":            128000,
	"gpt-5":             400000,
	"o3":                200000,
	"o4-mini":           200000,
	"gemini-2.5":        1048576,
	"gemini-2.0":        1048576,
	"mistral-large":     128000,
	"mistral-medium":    128000,
	"mistral-small":     128000,
	"pixtral":           128000,
}

const fallbackContextWindow = 100000

type providerEntry struct {
	cfg     config.ProviderConfig
	adapter *Adapter
	once    sync.Once
	err     error
}

// Registry manages named providers with lazy initialization.
type Registry struct {
	providers   map[string]*providerEntry
	defaultName string
}

// NewRegistry creates a provider registry from config. When no default is
// configured and exactly one provider exists, that provider is the default.
func NewRegistry(cfg config.ModelsConfig) *Registry {
	r := &Registry{
		providers:   make(map[string]*providerEntry, len(cfg.Providers)),
		defaultName: cfg.Default,
	}
	for name, provCfg := range cfg.Providers {
		r.providers[name] = &providerEntry{cfg: provCfg}
	}
	if r.defaultName == "" && len(r.providers) == 1 {
		for name := range r.providers {
			r.defaultName = name
		}
	}
	return r
}

// Get returns the named adapter, creating it on first use. An empty name
// selects the default provider.
func (r *Registry) Get(ctx context.Context, name string) (*Adapter, error) {
	if name == "" {
		name = r.defaultName
	}
	if name == "" {
		return nil, fmt.Errorf("no default model configured")
	}
	entry, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("model provider %q not found", name)
	}
	entry.once.Do(func() {
		entry.adapter, entry.err = CreateAdapter(ctx, name, entry.cfg)
	})
	return entry.adapter, entry.err
}

// Default returns the default adapter.
func (r *Registry) Default(ctx context.Context) (*Adapter, error) {
	return r.Get(ctx, "")
}

// DefaultName returns the name of the default provider.
func (r *Registry) DefaultName() string {
	return r.defaultName
}

// Resolve maps an empty name to the default provider and checks it exists.
func (r *Registry) Resolve(name string) (string, error) {
	if name == "" {
		name = r.defaultName
	}
	if _, ok := r.providers[name]; !ok {
		return "", fmt.Errorf("model provider %q not found", name)
	}
	return name, nil
}

// Names returns the configured provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Config returns the configuration of a provider.
func (r *Registry) Config(name string) (config.ProviderConfig, bool) {
	if name == "" {
		name = r.defaultName
	}
	entry, ok := r.providers[name]
	if !ok {
		return config.ProviderConfig{}, false
	}
	return entry.cfg, true
}

// ContextWindow returns the context window size for the named provider.
func (r *Registry) ContextWindow(name string) int {
	cfg, ok := r.Config(name)
	if !ok {
		return fallbackContextWindow
	}
	return resolveContextWindow(cfg)
}

// resolveContextWindow: explicit config > model prefix > driver default > fallback.
func resolveContextWindow(cfg config.ProviderConfig) int {
	if cfg.ContextWindow > 0 {
		return cfg.ContextWindow
	}
	best, size := "", 0
	for prefix, n := range defaultContextWindows {
		if strings.HasPrefix(cfg.Model, prefix) && len(prefix) > len(best) {
			best, size = prefix, n
		}
	}
	if size > 0 {
		return size
	}
	if strings.EqualFold(cfg.Driver, "ollama") {
		return 8192
	}
	return fallbackContextWindow
}
