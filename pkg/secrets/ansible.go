package secrets

import (
	"fmt"
	"log"
	"os"

	vault "github.com/sosedoff/ansible-vault-go"
	yaml "gopkg.in/yaml.v3"
)

// AnsibleVaultProvider reads secrets from an ansible-vault encrypted yaml
// file, decrypted once at construction.
type AnsibleVaultProvider struct {
	data map[string]interface{}
}

// NewAnsibleVaultProvider decrypts the vault file at vaultPath with secret
// and loads its yaml mapping.
func NewAnsibleVaultProvider(vaultPath, secret string) (*AnsibleVaultProvider, error) {
	fi, err := os.Lstat(vaultPath)
	if err != nil {
		return nil, fmt.Errorf("can't stat %s: %w", vaultPath, err)
	}
	if !fi.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", vaultPath)
	}

	decrypted, err := vault.DecryptFile(vaultPath, secret)
	if err != nil {
		return nil, fmt.Errorf("can't decrypt file %s: %w", vaultPath, err)
	}
	log.Printf("[INFO] ansible vault file decrypted")

	m := make(map[string]interface{})
	if err = yaml.Unmarshal([]byte(decrypted), &m); err != nil {
		return nil, fmt.Errorf("can't unmarshal vault yaml: %w", err)
	}
	return &AnsibleVaultProvider{m}, nil
}

// Get returns the value for key from the decrypted mapping.
func (p *AnsibleVaultProvider) Get(key string) (string, error) {
	if keyValue, ok := p.data[key]; ok {
		return fmt.Sprintf("%v", keyValue), nil
	}
	return "", fmt.Errorf("not found key: %v", key)
}
