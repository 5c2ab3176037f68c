package gateway

import (
	"context"
	"fmt"
)

// Issue is a GitHub issue as returned by the issues.list capability.
type Issue struct {
	Number    int      `json:"number"`
	Title     string   `json:"title"`
	Body      string   `json:"body,omitempty"`
	State     string   `json:"state"`
	Labels    []string `json:"labels,omitempty"`
	Author    string   `json:"author,omitempty"`
	UpdatedAt string   `json:"updatedAt,omitempty"`
	URL       string   `json:"url,omitempty"`
}

// ListIssuesArgs filters the issue listing. Since is an ISO timestamp used
// as an incremental cursor.
type ListIssuesArgs struct {
	Owner  string   `json:"owner"`
	Repo   string   `json:"repo"`
	State  string   `json:"state,omitempty"`
	Labels []string `json:"labels,omitempty"`
	Since  string   `json:"since,omitempty"`
	Limit  int      `json:"limit,omitempty"`
}

// ListIssues fetches issues through the gateway.
func (c *Client) ListIssues(ctx context.Context, args ListIssuesArgs) ([]Issue, error) {
	var issues []Issue
	if err := c.Invoke(ctx, "github.issues.list", args, &issues); err != nil {
		return nil, err
	}
	return issues, nil
}

// CreateIssueComment posts a comment on an issue.
func (c *Client) CreateIssueComment(ctx context.Context, owner, repo string, issueNumber int, body string) error {
	if owner == "" || repo == "" || issueNumber <= 0 {
		return fmt.Errorf("issue coordinates incomplete: owner=%q repo=%q issue=%d", owner, repo, issueNumber)
	}
	args := map[string]any{
		"owner":       owner,
		"repo":        repo,
		"issueNumber": issueNumber,
		"body":        body,
	}
	return c.Invoke(ctx, "github.issue_comment.create", args, nil)
}
