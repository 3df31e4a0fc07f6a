package models

import (
	"strings"

	"github.com/dohr-michael/deskpilot/internal/actions"
	"github.com/dohr-michael/deskpilot/internal/config"
)

// Capabilities describes what a provider can consume.
type Capabilities struct {
	Vision   bool
	disabled map[actions.Kind]bool
}

func capabilitiesFor(cfg config.ProviderConfig) Capabilities {
	// Most local models are text-only; hosted drivers all accept images.
	vision := config.Enabled(cfg.Vision, !strings.EqualFold(cfg.Driver, "ollama"))

	disabled := make(map[actions.Kind]bool, len(cfg.DisabledActions))
	for _, k := range cfg.DisabledActions {
		disabled[actions.Kind(strings.TrimPrefix(k, toolPrefix))] = true
	}
	return Capabilities{Vision: vision, disabled: disabled}
}

// Supports reports whether kind may be offered to the provider.
func (c Capabilities) Supports(kind actions.Kind) bool {
	if c.disabled[kind] {
		return false
	}
	if !c.Vision {
		if spec, ok := actions.Lookup(kind); ok && spec.ReturnsImage {
			return false
		}
	}
	return true
}

// Filter keeps the kinds the provider supports, preserving order.
// Unknown kinds are dropped.
func (c Capabilities) Filter(kinds []actions.Kind) []actions.Kind {
	out := make([]actions.Kind, 0, len(kinds))
	for _, k := range kinds {
		if _, ok := actions.Lookup(k); !ok {
			continue
		}
		if c.Supports(k) {
			out = append(out, k)
		}
	}
	return out
}
