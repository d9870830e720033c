// Package secrets keeps server credentials out of config files. The internal
// store holds values encrypted with a passphrase-derived key; external
// providers cover HashiCorp Vault, AWS Secrets Manager and ansible-vault
// files. Config references select a provider by scheme, like
// secret://plex/password or vault://db-password.
package secrets

import (
	"errors"
	"fmt"
	"strings"
)

// Provider defines interface for secrets providers
type Provider interface {
	Get(key string) (string, error)
}

// Resolver routes scheme-prefixed references to the registered provider.
type Resolver struct {
	providers map[string]Provider
}

// NewResolver creates an empty resolver, providers added with Register.
func NewResolver() *Resolver {
	return &Resolver{providers: map[string]Provider{}}
}

// Register attaches a provider to a scheme, like "vault".
func (r *Resolver) Register(scheme string, p Provider) {
	r.providers[scheme] = p
}

// Get resolves a reference like "vault://db-password" through the provider
// registered for its scheme.
func (r *Resolver) Get(ref string) (string, error) {
	scheme, key, found := strings.Cut(ref, "://")
	if !found || key == "" {
		return "", fmt.Errorf("not a secret reference: %q", ref)
	}
	p, ok := r.providers[scheme]
	if !ok {
		return "", fmt.Errorf("no provider registered for scheme %q", scheme)
	}
	val, err := p.Get(key)
	if err != nil {
		return "", fmt.Errorf("can't resolve %q: %w", ref, err)
	}
	return val, nil
}

// MemoryProvider is a secret provider that keeps secrets in memory, made for
// testing purposes.
type MemoryProvider struct {
	secrets map[string]string
}

// NewMemoryProvider creates a new MemoryProvider with the given secrets.
func NewMemoryProvider(secrets map[string]string) *MemoryProvider {
	return &MemoryProvider{secrets: secrets}
}

// Get returns the secret for the given key.
func (m *MemoryProvider) Get(key string) (string, error) {
	if val, ok := m.secrets[key]; ok {
		return val, nil
	}
	return "", errors.New("secret not found")
}

// NoOpProvider is a provider that does nothing.
type NoOpProvider struct{}

// Get returns an error on every key.
func (p *NoOpProvider) Get(_ string) (string, error) {
	return "", errors.New("not implemented")
}
