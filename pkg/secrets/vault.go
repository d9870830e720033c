package secrets

import (
	"errors"
	"fmt"

	"github.com/hashicorp/vault/api"
)

// HashiVaultProvider reads secrets from a HashiCorp Vault kv2 path.
type HashiVaultProvider struct {
	client *api.Client
	path   string
}

// NewHashiVaultProvider creates a vault client for addr authenticated by
// token; keys resolve inside the secret mounted at path.
func NewHashiVaultProvider(addr, path, token string) (*HashiVaultProvider, error) {
	client, err := api.NewClient(&api.Config{Address: addr})
	if err != nil {
		return nil, fmt.Errorf("can't create vault client: %w", err)
	}
	client.SetToken(token)
	return &HashiVaultProvider{client: client, path: path}, nil
}

// Get reads the secret at the provider path and returns the value under key.
func (p *HashiVaultProvider) Get(key string) (string, error) {
	secret, err := p.client.Logical().Read(p.path)
	if err != nil {
		return "", fmt.Errorf("can't read secret from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", errors.New("secret not found")
	}

	data, ok := secret.Data["data"].(map[string]any)
	if !ok {
		return "", errors.New("unexpected secret data format")
	}
	value, ok := data[key].(string)
	if !ok {
		return "", errors.New("unexpected secret value format")
	}
	return value, nil
}
