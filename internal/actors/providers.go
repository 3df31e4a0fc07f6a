package actors

import (
	"context"

	"github.com/dohr-michael/deskpilot/internal/models"
	"github.com/dohr-michael/deskpilot/internal/tasks"
)

// Providers resolves task model names to the providers that drive their loops.
type Providers interface {
	// Resolve maps a model name ("" for the default) to a configured provider name.
	Resolve(name string) (string, error)
	Provider(ctx context.Context, name string) (tasks.Provider, error)
}

// ModelProviders serves Providers from the model registry.
type ModelProviders struct {
	reg *models.Registry
}

// NewModelProviders wraps a model registry.
func NewModelProviders(reg *models.Registry) *ModelProviders {
	return &ModelProviders{reg: reg}
}

func (m *ModelProviders) Resolve(name string) (string, error) {
	return m.reg.Resolve(name)
}

func (m *ModelProviders) Provider(ctx context.Context, name string) (tasks.Provider, error) {
	adapter, err := m.reg.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	return adapter, nil
}

var _ Providers = (*ModelProviders)(nil)
