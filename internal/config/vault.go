package config

import (
	"fmt"

	"github.com/hashicorp/vault/api"
)

// SecretManager reads the service's secrets (provider API keys, infra URLs)
// from Vault. It only ever reads a single KV v2 path at startup, so a plain
// token client without lease renewal is enough.
type SecretManager struct {
	vault *api.Client
}

// NewSecretManager connects to Vault at the given address using token auth.
func NewSecretManager(address, token string) (*SecretManager, error) {
	conf := api.DefaultConfig()
	conf.Address = address

	client, err := api.NewClient(conf)
	if err != nil {
		return nil, fmt.Errorf("new vault client: %w", err)
	}
	client.SetToken(token)

	return &SecretManager{vault: client}, nil
}

// GetKV2 reads one secret from a KV v2 backend and returns the inner data
// map. path is the full API path including the backend's "data" segment,
// e.g. "secret/data/arc/fragment-service".
func (s *SecretManager) GetKV2(path string) (map[string]interface{}, error) {
	secret, err := s.vault.Logical().Read(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no secret at %s", path)
	}
	// KV v2 wraps the payload in an outer {"data": ..., "metadata": ...}
	// envelope.
	payload, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("secret at %s is not a KV v2 payload", path)
	}
	return payload, nil
}
