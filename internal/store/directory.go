package store

import "context"

// Skill is a named prompt template.
type Skill struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Template string `json:"template"`
}

// GetSkillByName resolves a skill, or nil when none exists under that name.
func (c *Client) GetSkillByName(ctx context.Context, name string) (*Skill, error) {
	var skill *Skill
	if err := c.Query(ctx, "skills.getByName", map[string]any{"name": name}, &skill); err != nil {
		return nil, err
	}
	return skill, nil
}

// Agent is a registered agent profile.
type Agent struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Backend string `json:"backend,omitempty"`
	Active  bool   `json:"active"`
}

// ListAgents returns all registered agents.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var agents []Agent
	if err := c.Query(ctx, "agents.list", nil, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}
