package managementclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

const managementPrefix = "/v0/management"

// HealthStatus is the sidecar's /health response.
type HealthStatus struct {
	Status string `json:"status"`
	Uptime int64  `json:"uptime,omitempty"`
}

// Health probes the sidecar's health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	var out HealthStatus
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ClaudeAPIKey is one synthesized claude-api-key entry in the sidecar's
// configuration.
type ClaudeAPIKey struct {
	ID      string `json:"id,omitempty"`
	APIKey  string `json:"api-key"`
	BaseURL string `json:"base-url,omitempty"`
	Label   string `json:"label,omitempty"`
}

// ListClaudeAPIKeys fetches every configured claude-api-key entry.
func (c *Client) ListClaudeAPIKeys(ctx context.Context) ([]ClaudeAPIKey, error) {
	var out []ClaudeAPIKey
	if err := c.do(ctx, http.MethodGet, managementPrefix+"/claude-api-key", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PutClaudeAPIKey replaces the claude-api-key list wholesale.
func (c *Client) PutClaudeAPIKey(ctx context.Context, keys []ClaudeAPIKey) error {
	return c.do(ctx, http.MethodPut, managementPrefix+"/claude-api-key", keys, nil)
}

// PatchClaudeAPIKey updates a single entry in place.
func (c *Client) PatchClaudeAPIKey(ctx context.Context, key ClaudeAPIKey) error {
	return c.do(ctx, http.MethodPatch, managementPrefix+"/claude-api-key", key, nil)
}

// DeleteClaudeAPIKey removes the entry whose api-key matches apiKey.
func (c *Client) DeleteClaudeAPIKey(ctx context.Context, apiKey string) error {
	path := fmt.Sprintf("%s/claude-api-key?api-key=%s", managementPrefix, url.QueryEscape(apiKey))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// ModelDefinition is one model the sidecar serves on a channel.
type ModelDefinition struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Channel string `json:"channel,omitempty"`
}

// ModelDefinitions lists the models the sidecar exposes for channel.
func (c *Client) ModelDefinitions(ctx context.Context, channel string) ([]ModelDefinition, error) {
	path := managementPrefix + "/model-definitions"
	if channel != "" {
		path += "?channel=" + url.QueryEscape(channel)
	}
	var out []ModelDefinition
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// OAuthStart asks the sidecar to begin a paste-callback OAuth flow for
// provider, returning the authorization URL the user must visit.
func (c *Client) OAuthStart(ctx context.Context, provider string) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	if err := c.do(ctx, http.MethodGet, "/oauth/"+url.PathEscape(provider)+"/start", nil, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

// OAuthCallback posts the callback URL the user pasted back, completing a
// paste-callback flow.
func (c *Client) OAuthCallback(ctx context.Context, callbackURL string) error {
	body := map[string]string{"url": callbackURL}
	return c.do(ctx, http.MethodPost, "/oauth-callback", body, nil)
}
