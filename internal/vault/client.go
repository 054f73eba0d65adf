// Package vault stores per-account broker API tokens in a HashiCorp Vault
// KV v2 engine, with an in-memory cache in front.
package vault

import (
	"context"
	"fmt"
	"sync"

	"deriv-trading-core/config"

	"github.com/hashicorp/vault/api"
)

// BrokerToken is the per-account broker credential stored in Vault
type BrokerToken struct {
	Token    string `json:"token"`
	Currency string `json:"currency"`
	Demo     bool   `json:"demo"`
}

// Client wraps the HashiCorp Vault client. With Vault disabled it degrades
// to a cache-only store for development.
type Client struct {
	client       *api.Client
	config       config.VaultConfig
	mu           sync.RWMutex
	cache        map[string]*BrokerToken // accountID -> token cache
	cacheEnabled bool
}

// NewClient creates a new Vault client
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{
			config:       cfg,
			cache:        make(map[string]*BrokerToken),
			cacheEnabled: true,
		}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{
		client:       client,
		config:       cfg,
		cache:        make(map[string]*BrokerToken),
		cacheEnabled: true,
	}, nil
}

// StoreToken stores a broker token for an account
func (c *Client) StoreToken(ctx context.Context, accountID string, token BrokerToken) error {
	if !c.config.Enabled {
		c.mu.Lock()
		c.cache[accountID] = &token
		c.mu.Unlock()
		return nil
	}

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"token":    token.Token,
			"currency": token.Currency,
			"demo":     token.Demo,
		},
	}

	if _, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(accountID), secretData); err != nil {
		return fmt.Errorf("failed to store broker token in vault: %w", err)
	}

	if c.cacheEnabled {
		c.mu.Lock()
		c.cache[accountID] = &token
		c.mu.Unlock()
	}
	return nil
}

// GetToken retrieves the broker token for an account
func (c *Client) GetToken(ctx context.Context, accountID string) (*BrokerToken, error) {
	if c.cacheEnabled {
		c.mu.RLock()
		if cached, ok := c.cache[accountID]; ok {
			c.mu.RUnlock()
			return cached, nil
		}
		c.mu.RUnlock()
	}

	if !c.config.Enabled {
		return nil, fmt.Errorf("broker token not found and vault is disabled")
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath(accountID))
	if err != nil {
		return nil, fmt.Errorf("failed to read broker token from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("broker token not found")
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format")
	}

	token := &BrokerToken{
		Token:    getString(data, "token"),
		Currency: getString(data, "currency"),
		Demo:     getBool(data, "demo"),
	}
	if token.Token == "" {
		return nil, fmt.Errorf("broker token entry is empty")
	}

	if c.cacheEnabled {
		c.mu.Lock()
		c.cache[accountID] = token
		c.mu.Unlock()
	}
	return token, nil
}

// DeleteToken removes the broker token for an account
func (c *Client) DeleteToken(ctx context.Context, accountID string) error {
	c.mu.Lock()
	delete(c.cache, accountID)
	c.mu.Unlock()

	if !c.config.Enabled {
		return nil
	}

	if _, err := c.client.Logical().DeleteWithContext(ctx, c.metadataPath(accountID)); err != nil {
		return fmt.Errorf("failed to delete broker token from vault: %w", err)
	}
	return nil
}

// RotateToken replaces the stored token for an account
func (c *Client) RotateToken(ctx context.Context, accountID string, token BrokerToken) error {
	return c.StoreToken(ctx, accountID, token)
}

// InvalidateCache drops the cached token for an account
func (c *Client) InvalidateCache(accountID string) {
	c.mu.Lock()
	delete(c.cache, accountID)
	c.mu.Unlock()
}

// SetCacheEnabled enables or disables caching
func (c *Client) SetCacheEnabled(enabled bool) {
	c.mu.Lock()
	c.cacheEnabled = enabled
	c.mu.Unlock()
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
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

func (c *Client) secretPath(accountID string) string {
	return fmt.Sprintf("%s/data/%s/%s", c.config.MountPath, c.config.SecretPath, accountID)
}

func (c *Client) metadataPath(accountID string) string {
	return fmt.Sprintf("%s/metadata/%s/%s", c.config.MountPath, c.config.SecretPath, accountID)
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	if val, ok := data[key]; ok {
		switch v := val.(type) {
		case bool:
			return v
		case string:
			return v == "true"
		}
	}
	return false
}
