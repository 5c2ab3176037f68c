package store

import "context"

// CreateRunArgs starts a playbook run on a conversation thread.
type CreateRunArgs struct {
	PlaybookID string `json:"playbookId"`
	StreamID   string `json:"streamId,omitempty"`
	ThreadID   string `json:"threadId"`
	Params     string `json:"params,omitempty"`
	Source     string `json:"source,omitempty"`
}

// CreateRun creates a run and returns its id.
func (c *Client) CreateRun(ctx context.Context, args CreateRunArgs) (string, error) {
	var result struct {
		RunID string `json:"runId"`
	}
	if err := c.Mutation(ctx, "runs.create", args, &result); err != nil {
		return "", err
	}
	return result.RunID, nil
}
