package secrets

import (
	"context"
	"testing"

	"github.com/hashicorp/vault/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestHashiVaultProvider_Get(t *testing.T) {
	if testing.Short() {
		t.Skip("skip vault container test in short mode")
	}
	vaultC, vaultAddr := createVaultTestContainer(t)
	defer vaultC.Terminate(context.Background())

	vaultClient, err := api.NewClient(&api.Config{Address: vaultAddr})
	require.NoError(t, err, "failed to create vault client")
	vaultClient.SetToken("myroot-token")

	_, err = vaultClient.Logical().Write("secret/data/plexpg", map[string]interface{}{
		"data": map[string]string{"db-password": "test-secret"},
	})
	require.NoError(t, err, "failed to write secret to vault")

	hashiProvider, err := NewHashiVaultProvider(vaultAddr, "secret/data/plexpg", "myroot-token")
	require.NoError(t, err)

	t.Run("existing key", func(t *testing.T) {
		secretValue, err := hashiProvider.Get("db-password")
		require.NoError(t, err)
		assert.Equal(t, "test-secret", secretValue)
	})

	t.Run("missing key", func(t *testing.T) {
		_, err := hashiProvider.Get("no-such-key")
		require.Error(t, err)
	})

	t.Run("invalid token", func(t *testing.T) {
		invalidProvider, err := NewHashiVaultProvider(vaultAddr, "secret/data/plexpg", "invalid-token")
		require.NoError(t, err)
		_, err = invalidProvider.Get("db-password")
		require.ErrorContains(t, err, "permission denied")
	})

	t.Run("unreachable address", func(t *testing.T) {
		invalidProvider, err := NewHashiVaultProvider("http://localhost:1234", "secret/data/plexpg", "myroot-token")
		require.NoError(t, err)
		_, err = invalidProvider.Get("db-password")
		require.ErrorContains(t, err, "connection refused")
	})
}

func createVaultTestContainer(t *testing.T) (vaultC testcontainers.Container, vaultAddr string) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "vault:latest",
		ExposedPorts: []string{"8200/tcp"},
		Env: map[string]string{
			"VAULT_DEV_ROOT_TOKEN_ID":  "myroot-token",
			"VAULT_DEV_LISTEN_ADDRESS": "0.0.0.0:8200",
		},
		WaitingFor: wait.ForHTTP("/v1/sys/init").WithPort("8200/tcp"),
	}

	vaultC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("failed to start vault container: %v", err)
	}

	host, _ := vaultC.Host(ctx)
	port, _ := vaultC.MappedPort(ctx, "8200")

	vaultAddr = "http://" + host + ":" + port.Port()
	return vaultC, vaultAddr
}
