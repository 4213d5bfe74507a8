// Package vault reads venue API credentials from HashiCorp Vault (KV v2).
// With Vault disabled the factory falls back to config/env credentials, so a
// disabled client is always constructible and safe to pass around.
package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/config"
)

// Credentials is one venue's API key pair.
type Credentials struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
}

// Client wraps the HashiCorp Vault client with a small read cache.
type Client struct {
	client *api.Client
	config config.VaultConfig

	mu    sync.RWMutex
	cache map[string]*Credentials
}

// NewClient creates a Vault client. A disabled config returns a client whose
// lookups report not-enabled without touching the network.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	c := &Client{
		config: cfg,
		cache:  make(map[string]*Credentials),
	}
	if !cfg.Enabled {
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{CACert: cfg.CACert}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	c.client = client
	return c, nil
}

// Enabled reports whether Vault lookups are active.
func (c *Client) Enabled() bool {
	return c != nil && c.config.Enabled && c.client != nil
}

// VenueCredentials reads the API key pair for a venue, caching successful
// reads for the process lifetime.
func (c *Client) VenueCredentials(ctx context.Context, venue string) (*Credentials, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("vault is not enabled")
	}

	c.mu.RLock()
	if creds, ok := c.cache[venue]; ok {
		c.mu.RUnlock()
		return creds, nil
	}
	c.mu.RUnlock()

	path := c.secretPath(venue)
	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no credentials at %s", path)
	}

	// KV v2 nests the payload under "data".
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected secret format at %s", path)
	}

	creds := &Credentials{
		APIKey:    getString(data, "api_key"),
		SecretKey: getString(data, "secret_key"),
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return nil, fmt.Errorf("incomplete credentials at %s", path)
	}

	c.mu.Lock()
	c.cache[venue] = creds
	c.mu.Unlock()
	return creds, nil
}

// ClearCache drops cached credentials, forcing fresh reads.
func (c *Client) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]*Credentials)
}

// Health checks the Vault connection.
func (c *Client) Health(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

// secretPath returns the KV v2 read path for a venue's credentials.
func (c *Client) secretPath(venue string) string {
	return fmt.Sprintf("%s/data/%s/%s", c.config.MountPath, c.config.SecretPath, venue)
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
