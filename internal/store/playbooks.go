package store

import "context"

// Playbook is a reusable run template addressed by slug.
type Playbook struct {
	ID       string `json:"id"`
	Slug     string `json:"slug"`
	Name     string `json:"name,omitempty"`
	StreamID string `json:"streamId,omitempty"`
	Status   string `json:"status"`
}

// GetPlaybookBySlug resolves a slug, preferring a stream-scoped playbook and
// falling back to a global one. Returns nil when nothing matches.
func (c *Client) GetPlaybookBySlug(ctx context.Context, slug, streamID string) (*Playbook, error) {
	args := map[string]any{"slug": slug}
	if streamID != "" {
		args["streamId"] = streamID
	}
	var playbook *Playbook
	if err := c.Query(ctx, "playbooks.getBySlug", args, &playbook); err != nil {
		return nil, err
	}
	return playbook, nil
}

// GetPlaybook fetches a playbook by id, or nil when absent.
func (c *Client) GetPlaybook(ctx context.Context, playbookID string) (*Playbook, error) {
	var playbook *Playbook
	if err := c.Query(ctx, "playbooks.get", map[string]any{"playbookId": playbookID}, &playbook); err != nil {
		return nil, err
	}
	return playbook, nil
}

// PlaybookTrigger is a legacy cron-style trigger bound to a playbook. Its
// schedule lives inside ConfigJSON under the "schedule" key.
type PlaybookTrigger struct {
	ID         string `json:"id"`
	PlaybookID string `json:"playbookId"`
	StreamID   string `json:"streamId,omitempty"`
	ConfigJSON string `json:"configJson,omitempty"`
}

// GetEnabledCronTriggers lists every enabled cron trigger.
func (c *Client) GetEnabledCronTriggers(ctx context.Context) ([]PlaybookTrigger, error) {
	var triggers []PlaybookTrigger
	if err := c.Query(ctx, "playbook_triggers.getEnabledCrons", nil, &triggers); err != nil {
		return nil, err
	}
	return triggers, nil
}
