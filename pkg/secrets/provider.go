// Package secrets abstracts how shared tokens and credentials are obtained.
// The default provider reads from the environment; deployments with a vault
// substitute their own implementation at service init.
package secrets

import (
	"fmt"
	"os"
)

// Provider resolves a named secret to its value.
type Provider interface {
	// Get returns the secret value for key, or an error if it is absent.
	Get(key string) (string, error)
}

// EnvProvider reads secrets from environment variables.
type EnvProvider struct{}

// NewEnvProvider returns the env-backed default provider.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{}
}

// Get returns the environment value for key. Empty values are treated as
// absent so that misconfigured deployments fail fast rather than comparing
// against an empty token.
func (p *EnvProvider) Get(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("secret %s is not set", key)
	}
	return v, nil
}

// StaticProvider serves secrets from a fixed map. Used in tests.
type StaticProvider map[string]string

// Get returns the mapped value for key.
func (p StaticProvider) Get(key string) (string, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return "", fmt.Errorf("secret %s is not set", key)
	}
	return v, nil
}
