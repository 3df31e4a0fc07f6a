package models

import (
	"fmt"
	"os"
	"strings"

	"github.com/dohr-michael/deskpilot/internal/config"
)

// AuthKind distinguishes between API key and Bearer token auth.
type AuthKind int

const (
	AuthAPIKey AuthKind = iota
	AuthBearerToken
)

// ResolvedAuth holds the resolved credentials and their kind.
type ResolvedAuth struct {
	Kind  AuthKind
	Value string
}

// driverEnv lists the environment variables consulted per driver, in order.
var driverEnv = map[string][]string{
	"anthropic": {"ANTHROPIC_API_KEY"},
	"openai":    {"OPENAI_API_KEY"},
	"mistral":   {"MISTRAL_API_KEY"},
	"gemini":    {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
}

// ResolveAuth resolves the credentials for a provider.
// Resolution order: token, api_key, then the driver's environment variables.
// Values of the form ${VAR} are read from the environment.
func ResolveAuth(cfg config.ProviderConfig) (ResolvedAuth, error) {
	if token := resolveSecret(cfg.Auth.Token); token != "" {
		return ResolvedAuth{Kind: AuthBearerToken, Value: token}, nil
	}
	if key := resolveSecret(cfg.Auth.APIKey); key != "" {
		return ResolvedAuth{Kind: AuthAPIKey, Value: key}, nil
	}

	driver := strings.ToLower(cfg.Driver)
	vars, ok := driverEnv[driver]
	if !ok {
		return ResolvedAuth{}, fmt.Errorf("unknown driver %q: cannot resolve auth", cfg.Driver)
	}
	for _, v := range vars {
		if key := os.Getenv(v); key != "" {
			return ResolvedAuth{Kind: AuthAPIKey, Value: key}, nil
		}
	}
	return ResolvedAuth{}, fmt.Errorf("%s not set", strings.Join(vars, " or "))
}

func resolveSecret(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return os.Getenv(s[2 : len(s)-1])
	}
	return s
}
