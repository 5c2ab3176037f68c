package store

import (
	"context"
	"encoding/json"
)

// Integration is an external system wired into intake and feedback, such as
// a GitHub repository.
type Integration struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Enabled      bool            `json:"enabled"`
	Config       json.RawMessage `json:"config,omitempty"`
	IntakeCursor string          `json:"intakeCursor,omitempty"`
	LastError    string          `json:"lastError,omitempty"`
}

// GitHubConfig is the config payload of a github integration. RepoPath is
// the local checkout consulted for repo policy files; Stages is the fallback
// status list when the checkout carries no policy.
type GitHubConfig struct {
	Owner    string   `json:"owner"`
	Repo     string   `json:"repo"`
	Labels   []string `json:"labels,omitempty"`
	RepoPath string   `json:"repoPath,omitempty"`
	Stages   []string `json:"stages,omitempty"`
}

// GitHubConfig decodes the integration config as GitHub settings.
func (i *Integration) GitHubConfig() (*GitHubConfig, error) {
	var cfg GitHubConfig
	if len(i.Config) == 0 {
		return &cfg, nil
	}
	if err := json.Unmarshal(i.Config, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ListIntegrations returns integrations, optionally only enabled ones.
func (c *Client) ListIntegrations(ctx context.Context, enabledOnly bool) ([]Integration, error) {
	args := map[string]any{}
	if enabledOnly {
		args["enabledOnly"] = true
	}
	var integrations []Integration
	if err := c.Query(ctx, "integrations.list", args, &integrations); err != nil {
		return nil, err
	}
	return integrations, nil
}

// GetIntegration fetches a single integration, or nil when absent.
func (c *Client) GetIntegration(ctx context.Context, integrationID string) (*Integration, error) {
	var integration *Integration
	if err := c.Query(ctx, "integrations.get", map[string]any{"integrationId": integrationID}, &integration); err != nil {
		return nil, err
	}
	return integration, nil
}

// IntegrationPatch updates mutable integration fields. Nil fields are left
// untouched; set a field to the empty string to clear it.
type IntegrationPatch struct {
	IntakeCursor *string `json:"intakeCursor,omitempty"`
	LastError    *string `json:"lastError,omitempty"`
}

// UpdateIntegration applies a partial update.
func (c *Client) UpdateIntegration(ctx context.Context, integrationID string, patch IntegrationPatch) error {
	args := map[string]any{"integrationId": integrationID}
	if patch.IntakeCursor != nil {
		args["intakeCursor"] = *patch.IntakeCursor
	}
	if patch.LastError != nil {
		args["lastError"] = *patch.LastError
	}
	return c.Mutation(ctx, "integrations.update", args, nil)
}
